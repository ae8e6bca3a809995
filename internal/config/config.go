// Package config loads the reflex engine configuration from
// ~/.reflex/config.yaml, with REFLEX_* environment variables taking
// precedence over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/cortex-reflex/internal/logging"
	"github.com/normanking/cortex-reflex/internal/metrics"
	"github.com/normanking/cortex-reflex/internal/policy"
	"github.com/normanking/cortex-reflex/internal/reflex"
	"github.com/normanking/cortex-reflex/internal/router"
	"github.com/normanking/cortex-reflex/internal/sleep"
	"github.com/normanking/cortex-reflex/internal/spatial"
	"github.com/normanking/cortex-reflex/internal/tuner"
	"github.com/normanking/cortex-reflex/internal/validate"
)

// EnvPrefix prefixes environment overrides, e.g. REFLEX_ARBITER_SLOW_TIMEOUT.
const EnvPrefix = "REFLEX"

// Config holds all engine configuration.
type Config struct {
	Logging    logging.Config   `mapstructure:"logging" yaml:"logging"`
	Hash       HashConfig       `mapstructure:"hash" yaml:"hash"`
	Memory     MemoryConfig     `mapstructure:"memory" yaml:"memory"`
	Resolver   ResolverConfig   `mapstructure:"resolver" yaml:"resolver"`
	Arbiter    router.Config    `mapstructure:"arbiter" yaml:"arbiter"`
	Validation ValidationConfig `mapstructure:"validation" yaml:"validation"`
	Sleep      sleep.Config     `mapstructure:"sleep" yaml:"sleep"`
	Feedback   FeedbackConfig   `mapstructure:"feedback" yaml:"feedback"`
	Tuner      TunerConfig      `mapstructure:"tuner" yaml:"tuner"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Policy     PolicyConfig     `mapstructure:"policy" yaml:"policy"`
	Seeds      []SeedConfig     `mapstructure:"seeds" yaml:"seeds"`
}

// HashConfig sets the initial resolution and the range the tuner may move it in.
type HashConfig struct {
	DefaultShift uint8 `mapstructure:"default_shift" yaml:"default_shift"`
	// Overrides pins the shift of individual dimensions; the tuner leaves them alone.
	Overrides map[int]uint8 `mapstructure:"overrides" yaml:"overrides,omitempty"`
	MinShift  uint8         `mapstructure:"min_shift" yaml:"min_shift"`
	MaxShift  uint8         `mapstructure:"max_shift" yaml:"max_shift"`
}

// Bounds returns the tuner bounds.
func (h HashConfig) Bounds() spatial.Bounds {
	return spatial.Bounds{Min: h.MinShift, Max: h.MaxShift}
}

// MemoryConfig sizes the associative memory.
type MemoryConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

// ResolverConfig configures the fast-path resolver.
type ResolverConfig struct {
	// Similarity is "inverse_distance" or "cosine".
	Similarity              string  `mapstructure:"similarity" yaml:"similarity"`
	MinSimilarity           float64 `mapstructure:"min_similarity" yaml:"min_similarity"`
	MinConfidence           float64 `mapstructure:"min_confidence" yaml:"min_confidence"`
	MinHypothesisConfidence float64 `mapstructure:"min_hypothesis_confidence" yaml:"min_hypothesis_confidence"`
}

// Eligibility converts the confidence floors.
func (r ResolverConfig) Eligibility() router.Eligibility {
	return router.Eligibility{
		MinConfidence:           reflex.ConfidenceFrom(r.MinConfidence),
		MinHypothesisConfidence: reflex.ConfidenceFrom(r.MinHypothesisConfidence),
	}
}

// SimilarityFunc returns the configured similarity function.
func (r ResolverConfig) SimilarityFunc() (router.Similarity, error) {
	switch r.Similarity {
	case "", "inverse_distance":
		return router.InverseDistance, nil
	case "cosine":
		return router.Cosine, nil
	default:
		return nil, fmt.Errorf("unknown similarity %q", r.Similarity)
	}
}

// ValidationConfig configures the fast (bounds) and full (rules) validators.
// The full validator runs the bounds as well.
type ValidationConfig struct {
	Bounds validate.BoundsConfig  `mapstructure:"bounds" yaml:"bounds"`
	Rules  []validate.RuleConfig `mapstructure:"rules" yaml:"rules,omitempty"`
}

// FeedbackConfig bounds outcome reporting.
type FeedbackConfig struct {
	// Window is how many recent decisions can still be reported by id.
	Window int `mapstructure:"window" yaml:"window"`
}

// TunerConfig configures the adaptive tuner.
type TunerConfig struct {
	Enabled      bool `mapstructure:"enabled" yaml:"enabled"`
	tuner.Config `mapstructure:",squash" yaml:",inline"`
}

// StorageConfig configures the SQLite decision log and reflex snapshots.
type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// SnapshotInterval is how often reflexes are saved; 0 saves only on close.
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval" yaml:"snapshot_interval"`
	// Retention prunes decisions older than this; 0 keeps everything.
	Retention time.Duration      `mapstructure:"retention" yaml:"retention"`
	Sink      metrics.SinkConfig `mapstructure:"sink" yaml:"sink"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// DecideTimeout caps a single /decide request.
	DecideTimeout time.Duration `mapstructure:"decide_timeout" yaml:"decide_timeout"`
	HistoryLimit  int           `mapstructure:"history_limit" yaml:"history_limit"`
}

// PolicyConfig selects the deliberative policy.
type PolicyConfig struct {
	// Mode is "table" (in-process) or "remote" (gRPC).
	Mode    string `mapstructure:"mode" yaml:"mode"`
	Address string `mapstructure:"address" yaml:"address"`
	// Latency is added to every table lookup to simulate deliberation.
	Latency  time.Duration  `mapstructure:"latency" yaml:"latency"`
	Table    []policy.Entry `mapstructure:"table" yaml:"table,omitempty"`
	Fallback string         `mapstructure:"fallback" yaml:"fallback"`
}

// SeedConfig is an authored reflex installed at startup.
type SeedConfig struct {
	Anchor     spatial.StateVector `mapstructure:"anchor" yaml:"anchor"`
	Action     reflex.Action       `mapstructure:"action" yaml:"action"`
	Confidence float64             `mapstructure:"confidence" yaml:"confidence"`
	// Tier is "learnable" or "immutable".
	Tier string `mapstructure:"tier" yaml:"tier"`
}

// Reflex converts the seed.
func (s SeedConfig) Reflex(rates reflex.Rates) (reflex.Reflex, error) {
	tier, err := reflex.ParseTier(s.Tier)
	if err != nil {
		return reflex.Reflex{}, err
	}
	if tier == reflex.Hypothesis {
		return reflex.Reflex{}, errors.New("seeds must be learnable or immutable")
	}
	if s.Action.Name == "" {
		return reflex.Reflex{}, errors.New("seed action needs a name")
	}
	if s.Confidence <= 0 || s.Confidence > 1 {
		return reflex.Reflex{}, fmt.Errorf("seed confidence %v outside (0,1]", s.Confidence)
	}
	r := reflex.Reflex{
		Anchor:     s.Anchor,
		Action:     s.Action,
		Confidence: reflex.ConfidenceFrom(s.Confidence),
		Tier:       tier,
	}
	if tier == reflex.Learnable {
		r.Rates = rates
	}
	return r, nil
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".reflex")

	return &Config{
		Logging: logging.DefaultConfig(),
		Hash: HashConfig{
			DefaultShift: 10,
			MinShift:     4,
			MaxShift:     14,
		},
		Memory: MemoryConfig{Capacity: 1 << 16},
		Resolver: ResolverConfig{
			Similarity:              "inverse_distance",
			MinSimilarity:           0.8,
			MinConfidence:           0.3,
			MinHypothesisConfidence: 0.5,
		},
		Arbiter: router.DefaultConfig(),
		Sleep:   sleep.DefaultConfig(),
		Feedback: FeedbackConfig{
			Window: 4096,
		},
		Tuner: TunerConfig{
			Enabled: true,
			Config:  tuner.DefaultConfig(),
		},
		Storage: StorageConfig{
			Enabled:          true,
			DataDir:          dir,
			SnapshotInterval: 5 * time.Minute,
			Retention:        7 * 24 * time.Hour,
			Sink:             metrics.DefaultSinkConfig(),
		},
		Server: ServerConfig{
			Addr:          "127.0.0.1:8742",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			DecideTimeout: time.Second,
			HistoryLimit:  100,
		},
		Policy: PolicyConfig{
			Mode:    "remote",
			Address: "127.0.0.1:8743",
		},
	}
}

// DefaultPath returns ~/.reflex/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".reflex", "config.yaml"), nil
}

// Load reads the configuration from DefaultPath.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads configuration from path and merges environment
// overrides. A missing file is created with default values first.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start from defaults so keys missing from an older file keep their values.
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)
	cfg.Logging.FilePath = expandPath(cfg.Logging.FilePath)
	return cfg, nil
}

// SaveToPath writes the configuration to path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// Validate checks the configuration for errors and inconsistencies.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Hash.Bounds().Validate(); err != nil {
		return fmt.Errorf("hash: %w", err)
	}
	if c.Hash.DefaultShift < c.Hash.MinShift || c.Hash.DefaultShift > c.Hash.MaxShift {
		return fmt.Errorf("hash: default_shift %d outside [%d,%d]", c.Hash.DefaultShift, c.Hash.MinShift, c.Hash.MaxShift)
	}
	if _, err := spatial.NewShiftConfig(c.Hash.DefaultShift, c.Hash.Overrides); err != nil {
		return fmt.Errorf("hash: %w", err)
	}
	if c.Memory.Capacity <= 0 {
		return errors.New("memory: capacity must be positive")
	}
	if _, err := c.Resolver.SimilarityFunc(); err != nil {
		return fmt.Errorf("resolver: %w", err)
	}
	for name, v := range map[string]float64{
		"min_similarity":            c.Resolver.MinSimilarity,
		"min_confidence":            c.Resolver.MinConfidence,
		"min_hypothesis_confidence": c.Resolver.MinHypothesisConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("resolver: %s %v outside [0,1]", name, v)
		}
	}
	if err := c.Arbiter.Validate(); err != nil {
		return fmt.Errorf("arbiter: %w", err)
	}
	if _, err := validate.NewBounds(c.Validation.Bounds); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	if _, err := validate.FromConfig(c.Validation.Rules); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	if err := c.Sleep.Validate(); err != nil {
		return fmt.Errorf("sleep: %w", err)
	}
	if c.Feedback.Window <= 0 {
		return errors.New("feedback: window must be positive")
	}
	if c.Tuner.Enabled {
		if err := c.Tuner.Config.Validate(); err != nil {
			return fmt.Errorf("tuner: %w", err)
		}
	}
	if c.Storage.Enabled {
		if c.Storage.DataDir == "" {
			return errors.New("storage: data_dir cannot be empty")
		}
		if c.Storage.SnapshotInterval < 0 || c.Storage.Retention < 0 {
			return errors.New("storage: snapshot_interval and retention cannot be negative")
		}
		if err := c.Storage.Sink.Validate(); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}
	if c.Server.DecideTimeout <= 0 {
		return errors.New("server: decide_timeout must be positive")
	}
	switch c.Policy.Mode {
	case "table":
		if len(c.Policy.Table) == 0 && c.Policy.Fallback == "" {
			return errors.New("policy: table mode needs entries or a fallback")
		}
	case "remote":
		if c.Policy.Address == "" {
			return errors.New("policy: remote mode needs an address")
		}
	default:
		return fmt.Errorf("policy: invalid mode '%s', must be one of: table, remote", c.Policy.Mode)
	}
	for i, s := range c.Seeds {
		if _, err := s.Reflex(c.Sleep.LearnableRates); err != nil {
			return fmt.Errorf("seeds[%d]: %w", i, err)
		}
	}
	return nil
}

// TablePolicy builds the in-process policy described by the table section.
func (p PolicyConfig) TablePolicy() (*policy.Table, error) {
	opts := []policy.TableOption{policy.WithLatency(p.Latency)}
	if p.Fallback != "" {
		opts = append(opts, policy.WithFallback(policy.Certain(p.Fallback)...))
	}
	return policy.NewTable(p.Table, opts...)
}

// writeConfigFile writes a Config struct to a YAML file.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
