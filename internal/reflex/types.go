// Package reflex holds the learnable state→action associations used on the
// fast path, together with the rules that govern how their confidence moves.
package reflex

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/normanking/cortex-reflex/internal/spatial"
)

// Errors
var (
	ErrImmutable = errors.New("reflex is immutable")
	ErrNotFound  = errors.New("reflex not found")
)

// ID identifies a reflex within a Store. Zero is never assigned.
type ID uint64

// Tier is the mutability classification of a reflex.
type Tier uint8

const (
	// Immutable reflexes are never touched by learning.
	Immutable Tier = iota
	// Learnable reflexes adapt slowly and only on evidence.
	Learnable
	// Hypothesis reflexes adapt fast, decay when idle and may be deleted.
	Hypothesis
)

// Tiers lists every tier in declaration order.
var Tiers = [...]Tier{Immutable, Learnable, Hypothesis}

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case Immutable:
		return "immutable"
	case Learnable:
		return "learnable"
	case Hypothesis:
		return "hypothesis"
	default:
		return "unknown"
	}
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "immutable":
		return Immutable, nil
	case "learnable":
		return Learnable, nil
	case "hypothesis":
		return Hypothesis, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

// Action is a generic action-intent payload.
type Action struct {
	Name   string    `json:"name" yaml:"name"`
	Params []float64 `json:"params,omitempty" yaml:"params,omitempty"`
}

// Rates are the per-reflex learning and decay speeds, both in [0, 1].
type Rates struct {
	Learning float64 `json:"learning" yaml:"learning" mapstructure:"learning"`
	Decay    float64 `json:"decay" yaml:"decay" mapstructure:"decay"`
}

func (r Rates) check() {
	invariant(validRate(r.Learning), "learning rate %v outside [0,1]", r.Learning)
	invariant(validRate(r.Decay), "decay rate %v outside [0,1]", r.Decay)
}

func validRate(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Reflex is one learned or authored association. Values returned by a Store
// are shared snapshots and must not be modified.
type Reflex struct {
	ID         ID
	Anchor     spatial.StateVector
	Action     Action
	Confidence Confidence
	Evidence   uint16
	Tier       Tier
	Rates      Rates
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Mutable reports whether learning may touch the reflex.
func (r *Reflex) Mutable() bool { return r.Tier != Immutable }

// invariant panics when a logic bug has been detected. These conditions are
// never produced by runtime input and must not be silently corrected.
func invariant(ok bool, format string, args ...any) {
	if !ok {
		panic("reflex: invariant violated: " + fmt.Sprintf(format, args...))
	}
}
