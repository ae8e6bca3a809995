// Package policy holds deliberative policy adapters: an in-process lookup
// table and a gRPC client/server pair for policies running out of process.
package policy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/normanking/cortex-reflex/internal/reflex"
	"github.com/normanking/cortex-reflex/internal/router"
	"github.com/normanking/cortex-reflex/internal/spatial"
)

// Errors
var (
	ErrNoEntry = errors.New("no policy entry covers state")
)

// Entry is one region of a Table: every state within Radius of Center gets
// Distribution.
type Entry struct {
	Center       spatial.StateVector `mapstructure:"center" yaml:"center"`
	Radius       float64             `mapstructure:"radius" yaml:"radius"`
	Distribution []router.Choice     `mapstructure:"distribution" yaml:"distribution"`
}

// Table is a deterministic policy over spherical regions. When regions overlap
// the nearest center wins. A non-zero Latency simulates deliberation time and
// honors context cancellation.
type Table struct {
	entries  []Entry
	fallback []router.Choice
	latency  time.Duration
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithLatency makes every Compute take d.
func WithLatency(d time.Duration) TableOption {
	return func(t *Table) { t.latency = d }
}

// WithFallback sets the distribution for states no entry covers. Without one
// such states fail with ErrNoEntry.
func WithFallback(dist ...router.Choice) TableOption {
	return func(t *Table) { t.fallback = dist }
}

// NewTable builds a table policy.
func NewTable(entries []Entry, opts ...TableOption) (*Table, error) {
	for i, e := range entries {
		if e.Radius < 0 || math.IsNaN(e.Radius) {
			return nil, fmt.Errorf("entry %d: invalid radius %v", i, e.Radius)
		}
		if len(e.Distribution) == 0 {
			return nil, fmt.Errorf("entry %d: %w", i, router.ErrEmptyDistribution)
		}
	}
	t := &Table{entries: entries}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Compute implements router.Policy.
func (t *Table) Compute(ctx context.Context, state spatial.StateVector) (router.Proposal, error) {
	if t.latency > 0 {
		timer := time.NewTimer(t.latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return router.Proposal{}, ctx.Err()
		}
	}

	best, bestDist := -1, math.Inf(1)
	for i := range t.entries {
		d := spatial.Distance(state, t.entries[i].Center)
		if d <= t.entries[i].Radius && d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		if t.fallback == nil {
			return router.Proposal{}, ErrNoEntry
		}
		return router.Proposal{Distribution: t.fallback, Metadata: map[string]string{"entry": "fallback"}}, nil
	}
	return router.Proposal{
		Distribution: t.entries[best].Distribution,
		Metadata:     map[string]string{"entry": fmt.Sprint(best)},
	}, nil
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// Certain returns a single-choice distribution.
func Certain(name string, params ...float64) []router.Choice {
	return []router.Choice{{Action: reflex.Action{Name: name, Params: params}, Weight: 1}}
}
