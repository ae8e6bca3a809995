package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortex-reflex/internal/reflex"
	"github.com/normanking/cortex-reflex/internal/spatial"
	"github.com/normanking/cortex-reflex/internal/validate"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "remote", cfg.Policy.Mode)
	assert.Equal(t, uint8(10), cfg.Hash.DefaultShift)
	assert.True(t, cfg.Tuner.Enabled)
	assert.Equal(t, uint64(1000), cfg.Tuner.Interval)
}

func TestLoadFromPath_CreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.FileExists(t, path)
	require.NoError(t, cfg.Validate())

	def := Default()
	assert.Equal(t, def.Arbiter, cfg.Arbiter)
	assert.Equal(t, def.Sleep, cfg.Sleep)
	assert.Equal(t, def.Tuner, cfg.Tuner)
	assert.Equal(t, def.Server, cfg.Server)
}

func TestSaveToPath_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Arbiter.SlowTimeout = 350 * time.Millisecond
	cfg.Arbiter.BackgroundTimeout = 3 * time.Second
	cfg.Hash.Overrides = map[int]uint8{2: 6}
	cfg.Seeds = []SeedConfig{{
		Anchor:     spatial.StateVector{0.1, 0.2},
		Action:     reflex.Action{Name: "brake", Params: []float64{0.5}},
		Confidence: 0.9,
		Tier:       "immutable",
	}}
	require.NoError(t, cfg.SaveToPath(path))

	got, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 350*time.Millisecond, got.Arbiter.SlowTimeout)
	assert.Equal(t, uint8(6), got.Hash.Overrides[2])
	require.Len(t, got.Seeds, 1)
	assert.Equal(t, cfg.Seeds[0], got.Seeds[0])
}

func TestLoadFromPath_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("REFLEX_ARBITER_SLOW_TIMEOUT", "500ms")
	t.Setenv("REFLEX_POLICY_MODE", "table")
	t.Setenv("REFLEX_POLICY_FALLBACK", "hold")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Arbiter.SlowTimeout)
	assert.Equal(t, "table", cfg.Policy.Mode)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromPath_PolicyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
policy:
  mode: table
  latency: 5ms
  table:
    - center: [0.5, 0.5]
      radius: 0.25
      distribution:
        - action: {name: brake, params: [1]}
          weight: 2
        - action: {name: coast}
          weight: 1
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.Policy.Table, 1)
	assert.Equal(t, 5*time.Millisecond, cfg.Policy.Latency)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Arbiter, cfg.Arbiter)

	tb, err := cfg.Policy.TablePolicy()
	require.NoError(t, err)
	p, err := tb.Compute(context.Background(), spatial.StateVector{0.5, 0.5})
	require.NoError(t, err)
	require.Len(t, p.Distribution, 2)
	assert.Equal(t, "brake", p.Distribution[0].Action.Name)
	assert.Equal(t, []float64{1}, p.Distribution[0].Action.Params)
	assert.Equal(t, 2.0, p.Distribution[0].Weight)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"shift outside bounds", func(c *Config) { c.Hash.DefaultShift = 15 }},
		{"bounds inverted", func(c *Config) { c.Hash.MinShift, c.Hash.MaxShift = 12, 8 }},
		{"override dimension", func(c *Config) { c.Hash.Overrides = map[int]uint8{9: 4} }},
		{"capacity", func(c *Config) { c.Memory.Capacity = 0 }},
		{"similarity", func(c *Config) { c.Resolver.Similarity = "jaccard" }},
		{"min similarity", func(c *Config) { c.Resolver.MinSimilarity = 1.5 }},
		{"accept threshold", func(c *Config) { c.Arbiter.AcceptThreshold = -0.1 }},
		{"rule kind", func(c *Config) { c.Validation.Rules = []validate.RuleConfig{{Kind: "bogus"}} }},
		{"sleep", func(c *Config) { c.Sleep.QueueSize = 0 }},
		{"tuner", func(c *Config) { c.Tuner.Interval = 0 }},
		{"data dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"sink", func(c *Config) { c.Storage.Sink.BatchSize = 0 }},
		{"decide timeout", func(c *Config) { c.Server.DecideTimeout = 0 }},
		{"feedback window", func(c *Config) { c.Feedback.Window = 0 }},
		{"policy mode", func(c *Config) { c.Policy.Mode = "oracle" }},
		{"empty table", func(c *Config) { c.Policy.Mode = "table" }},
		{"remote address", func(c *Config) { c.Policy.Address = "" }},
		{"hypothesis seed", func(c *Config) {
			c.Seeds = []SeedConfig{{Action: reflex.Action{Name: "x"}, Confidence: 0.5, Tier: "hypothesis"}}
		}},
		{"seed confidence", func(c *Config) {
			c.Seeds = []SeedConfig{{Action: reflex.Action{Name: "x"}, Confidence: 0, Tier: "learnable"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("disabled sections skip checks", func(t *testing.T) {
		cfg := Default()
		cfg.Tuner.Enabled = false
		cfg.Tuner.Interval = 0
		cfg.Storage.Enabled = false
		cfg.Storage.DataDir = ""
		assert.NoError(t, cfg.Validate())
	})
}

func TestSeedConfig_Reflex(t *testing.T) {
	rates := reflex.Rates{Learning: 0.05, Decay: 0.01}

	r, err := SeedConfig{Action: reflex.Action{Name: "brake"}, Confidence: 0.6, Tier: "learnable"}.Reflex(rates)
	require.NoError(t, err)
	assert.Equal(t, reflex.Learnable, r.Tier)
	assert.Equal(t, reflex.Confidence(153), r.Confidence)
	assert.Equal(t, rates, r.Rates)

	r, err = SeedConfig{Action: reflex.Action{Name: "brake"}, Confidence: 1, Tier: "immutable"}.Reflex(rates)
	require.NoError(t, err)
	assert.Equal(t, reflex.Immutable, r.Tier)
	assert.Zero(t, r.Rates)

	_, err = SeedConfig{Confidence: 1, Tier: "immutable"}.Reflex(rates)
	assert.Error(t, err)
}

func TestResolverConfig(t *testing.T) {
	r := Default().Resolver
	e := r.Eligibility()
	assert.Equal(t, reflex.ConfidenceFrom(0.3), e.MinConfidence)
	assert.Equal(t, reflex.ConfidenceFrom(0.5), e.MinHypothesisConfidence)

	r.Similarity = "cosine"
	sim, err := r.SimilarityFunc()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim(spatial.StateVector{1}, spatial.StateVector{2}), 1e-9)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x", "y"), expandPath("~/x/y"))
	assert.Equal(t, "/abs", expandPath("/abs"))
}
