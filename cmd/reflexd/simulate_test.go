package main

import (
	"bytes"
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortex-reflex/internal/config"
	"github.com/normanking/cortex-reflex/internal/spatial"
)

func TestSituations_JitterStaysInSector(t *testing.T) {
	const shift = 10
	sc, err := spatial.NewShiftConfig(shift, nil)
	require.NoError(t, err)

	width := float64(uint(1)<<shift) / 32767.5
	rng := rand.New(rand.NewPCG(7, 7))
	sits := situations(rng, 32, shift)
	require.Len(t, sits, 32)

	for _, s := range sits {
		want := spatial.Hash(s.center, sc)
		for _, off := range []float64{-0.49, 0.49} {
			state := s.center
			for d := range 4 {
				state[d] += off * width
			}
			assert.Equal(t, want, spatial.Hash(state, sc), "center %v offset %v", s.center, off)
		}
	}
}

func TestSimulate_ReflexesForm(t *testing.T) {
	cfg := config.Default()
	o := simOptions{
		Situations: 4,
		Rounds:     3,
		PerRound:   40,
		Jitter:     0.2,
		Latency:    time.Millisecond,
		Seed:       3,
	}

	rounds, err := simulate(context.Background(), cfg, o, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, rounds, 3)

	for _, r := range rounds {
		assert.Equal(t, r.Decisions, r.Correct, "round %d", r.Round)
		assert.Zero(t, r.Failsafe, "round %d", r.Round)
	}
	first, last := rounds[0], rounds[len(rounds)-1]
	assert.Greater(t, last.ReflexShare(), first.ReflexShare())
	assert.Greater(t, last.HitRate, 0.5)

	// The caller's config is untouched.
	assert.Equal(t, "remote", cfg.Policy.Mode)

	var buf bytes.Buffer
	printRounds(&buf, rounds)
	assert.Contains(t, buf.String(), "reflex")
	assert.Contains(t, buf.String(), "hit rate")
}

func TestSimulate_InvalidOptions(t *testing.T) {
	o := defaultSimOptions()
	o.Jitter = 0.5
	_, err := simulate(context.Background(), config.Default(), o, zerolog.Nop())
	assert.Error(t, err)

	o = defaultSimOptions()
	o.Rounds = 0
	_, err = simulate(context.Background(), config.Default(), o, zerolog.Nop())
	assert.Error(t, err)
}
