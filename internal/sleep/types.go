// Package sleep consolidates judged outcomes into reflexes. State→action
// pairings reported successful become Hypothesis reflexes, reinforced
// reflexes are promoted to Learnable, and idle hypotheses decay away.
package sleep

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/normanking/cortex-reflex/internal/reflex"
	"github.com/normanking/cortex-reflex/internal/spatial"
)

// Errors
var (
	ErrInvalidConfig = errors.New("invalid consolidation config")
)

// Observation is one judged outcome from the pattern feed.
type Observation struct {
	State  spatial.StateVector `json:"state"`
	Action reflex.Action       `json:"action"`
	// Quality is the outcome judgement in [0, 1]; at or above the configured
	// success quality it counts as a success.
	Quality float64 `json:"quality"`
	// Confidence is the confidence the action was chosen with.
	Confidence float64 `json:"confidence"`
	// ReflexID names the reflex that produced the action, if any.
	ReflexID reflex.ID `json:"reflex_id,omitempty"`
}

// Outcome is what an observation did.
type Outcome uint8

const (
	Ignored Outcome = iota
	Tallied
	Created
	Reinforced
	Promoted
	Weakened
	Skipped // matched an immutable reflex
	Conflict
	Discarded // failure cleared an unproven pairing
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Tallied:
		return "tallied"
	case Created:
		return "created"
	case Reinforced:
		return "reinforced"
	case Promoted:
		return "promoted"
	case Weakened:
		return "weakened"
	case Skipped:
		return "skipped"
	case Conflict:
		return "conflict"
	case Discarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// PromotionConfig holds the Hypothesis → Learnable thresholds. Both must be
// met at the same time.
type PromotionConfig struct {
	MinEvidence   uint16  `mapstructure:"min_evidence" yaml:"min_evidence"`
	MinConfidence float64 `mapstructure:"min_confidence" yaml:"min_confidence"`
}

// Config holds configuration for consolidation.
type Config struct {
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
	// MinRepetitions is how many successes an unknown pairing needs before a
	// Hypothesis is created for it.
	MinRepetitions int `mapstructure:"min_repetitions" yaml:"min_repetitions"`
	// PendingLimit bounds the pairings tallied but not yet created.
	PendingLimit int `mapstructure:"pending_limit" yaml:"pending_limit"`
	// SuccessQuality is the quality at or above which an outcome is positive.
	SuccessQuality float64 `mapstructure:"success_quality" yaml:"success_quality"`
	// MatchSimilarity is how similar a state must be to an existing reflex's
	// anchor for the observation to apply to that reflex.
	MatchSimilarity   float64         `mapstructure:"match_similarity" yaml:"match_similarity"`
	InitialConfidence float64         `mapstructure:"initial_confidence" yaml:"initial_confidence"`
	HypothesisRates   reflex.Rates    `mapstructure:"hypothesis_rates" yaml:"hypothesis_rates"`
	LearnableRates    reflex.Rates    `mapstructure:"learnable_rates" yaml:"learnable_rates"`
	Promotion         PromotionConfig `mapstructure:"promotion" yaml:"promotion"`
	// Quiescence is how long a Hypothesis must go untouched before it decays.
	Quiescence    time.Duration `mapstructure:"quiescence" yaml:"quiescence"`
	DecayInterval time.Duration `mapstructure:"decay_interval" yaml:"decay_interval"`
	// DeleteFloor is the confidence below which a decaying Hypothesis is deleted.
	DeleteFloor float64 `mapstructure:"delete_floor" yaml:"delete_floor"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:         1024,
		MinRepetitions:    1,
		PendingLimit:      4096,
		SuccessQuality:    0.5,
		MatchSimilarity:   0.8,
		InitialConfidence: 0.6,
		HypothesisRates:   reflex.Rates{Learning: 0.3, Decay: 0.1},
		LearnableRates:    reflex.Rates{Learning: 0.05, Decay: 0.01},
		Promotion: PromotionConfig{
			MinEvidence:   5,
			MinConfidence: 0.85,
		},
		Quiescence:    time.Minute,
		DecayInterval: 10 * time.Second,
		DeleteFloor:   0.1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	unit := func(name string, v float64) error {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("%w: %s %v outside [0,1]", ErrInvalidConfig, name, v)
		}
		return nil
	}
	for name, v := range map[string]float64{
		"success_quality":           c.SuccessQuality,
		"match_similarity":          c.MatchSimilarity,
		"initial_confidence":        c.InitialConfidence,
		"promotion.min_confidence":  c.Promotion.MinConfidence,
		"delete_floor":              c.DeleteFloor,
		"hypothesis_rates.learning": c.HypothesisRates.Learning,
		"hypothesis_rates.decay":    c.HypothesisRates.Decay,
		"learnable_rates.learning":  c.LearnableRates.Learning,
		"learnable_rates.decay":     c.LearnableRates.Decay,
	} {
		if err := unit(name, v); err != nil {
			return err
		}
	}
	if c.QueueSize <= 0 || c.PendingLimit <= 0 {
		return fmt.Errorf("%w: queue_size and pending_limit must be positive", ErrInvalidConfig)
	}
	if c.MinRepetitions < 1 {
		return fmt.Errorf("%w: min_repetitions must be at least 1", ErrInvalidConfig)
	}
	if c.DecayInterval <= 0 || c.Quiescence < 0 {
		return fmt.Errorf("%w: decay_interval must be positive and quiescence non-negative", ErrInvalidConfig)
	}
	return nil
}

// Stats counts consolidation activity.
type Stats struct {
	Observed   uint64 `json:"observed"`
	Dropped    uint64 `json:"dropped"`
	Tallied    uint64 `json:"tallied"`
	Created    uint64 `json:"created"`
	Reinforced uint64 `json:"reinforced"`
	Weakened   uint64 `json:"weakened"`
	Promoted   uint64 `json:"promoted"`
	Skipped    uint64 `json:"skipped"`
	Conflicts  uint64 `json:"conflicts"`
	Decayed    uint64 `json:"decayed"`
	Deleted    uint64 `json:"deleted"`
	Discarded  uint64 `json:"discarded"`
	Pending    int    `json:"pending"`
	Proposals  int    `json:"proposals"`
	Queued     int    `json:"queued"`
}

// DecayReport summarizes one decay tick.
type DecayReport struct {
	Checked int
	Decayed int
	Deleted int
}
