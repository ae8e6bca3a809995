// Package tuner adjusts the spatial hash resolution from the memory's rolling
// hit and collision rates.
package tuner

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortex-reflex/internal/memory"
	"github.com/normanking/cortex-reflex/internal/spatial"
)

// Config holds the tuning thresholds.
type Config struct {
	// Interval is the number of lookups between evaluations.
	Interval uint64 `mapstructure:"interval" yaml:"interval"`
	// LowWater is the hit rate below which resolution is coarsened.
	LowWater float64 `mapstructure:"low_water" yaml:"low_water"`
	// HighWater is the collision rate above which resolution is refined.
	HighWater float64 `mapstructure:"high_water" yaml:"high_water"`
}

// DefaultConfig returns the default tuning thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:  1000,
		LowWater:  0.2,
		HighWater: 0.3,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Interval == 0 {
		return errors.New("tuner interval must be positive")
	}
	if c.LowWater < 0 || c.LowWater > 1 || c.HighWater < 0 || c.HighWater > 1 {
		return fmt.Errorf("tuner water marks must lie in [0,1], got low %v high %v", c.LowWater, c.HighWater)
	}
	return nil
}

// Direction is the outcome of one evaluation.
type Direction int

const (
	Hold    Direction = 0
	Coarsen Direction = 1
	Refine  Direction = -1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case Coarsen:
		return "coarsen"
	case Refine:
		return "refine"
	default:
		return "hold"
	}
}

// Adjustment describes one resolution change.
type Adjustment struct {
	From, To  uint8
	Direction Direction
	Window    memory.Stats
	At        time.Time
}

// Tuner watches the memory window and moves the default shift.
type Tuner struct {
	cfg Config
	mem *memory.Memory
	res *spatial.Resolution
	log zerolog.Logger
	now func() time.Time

	seen     atomic.Uint64
	mu       sync.Mutex
	onAdjust []func(Adjustment)

	adjustments atomic.Uint64
	last        atomic.Pointer[Adjustment]
}

// Option configures a Tuner.
type Option func(*Tuner)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Tuner) { t.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tuner) { t.now = now }
}

// OnAdjust registers fn to run after every published change, while the tuner
// still holds its evaluation lock.
func OnAdjust(fn func(Adjustment)) Option {
	return func(t *Tuner) { t.onAdjust = append(t.onAdjust, fn) }
}

// New creates a tuner for the memory's resolution.
func New(mem *memory.Memory, cfg Config, opts ...Option) (*Tuner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tuner{
		cfg: cfg,
		mem: mem,
		res: mem.Resolution(),
		log: zerolog.Nop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Tick counts one lookup and evaluates the window every Interval lookups.
// Only one evaluation runs at a time; a tick arriving during one is skipped.
func (t *Tuner) Tick() {
	if t.seen.Add(1)%t.cfg.Interval != 0 {
		return
	}
	if !t.mu.TryLock() {
		return
	}
	defer t.mu.Unlock()
	t.evaluate()
}

// Evaluate reads the current window, adjusts the resolution if a water mark is
// crossed and resets the window.
func (t *Tuner) Evaluate() Direction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evaluate()
}

// Decide returns the direction a window calls for. A low hit rate takes
// precedence over a high collision rate: with few hits the sectors are too
// fine whatever the collisions say.
func (c Config) Decide(w memory.Stats) Direction {
	if w.Lookups == 0 {
		return Hold
	}
	switch {
	case w.HitRate() < c.LowWater:
		return Coarsen
	case w.CollisionRate() > c.HighWater:
		return Refine
	default:
		return Hold
	}
}

func (t *Tuner) evaluate() Direction {
	w := t.mem.Window()
	dir := t.cfg.Decide(w)
	t.mem.ResetWindow()
	if dir == Hold {
		return Hold
	}

	from, to, changed := t.res.Adjust(int(dir))
	if !changed {
		t.log.Debug().
			Str("direction", dir.String()).
			Uint8("shift", from).
			Msg("resolution at bound")
		return Hold
	}

	adj := Adjustment{From: from, To: to, Direction: dir, Window: w, At: t.now()}
	t.adjustments.Add(1)
	t.last.Store(&adj)
	t.log.Info().
		Str("direction", dir.String()).
		Uint8("from", from).
		Uint8("to", to).
		Float64("hit_rate", w.HitRate()).
		Float64("collision_rate", w.CollisionRate()).
		Msg("resolution adjusted")
	for _, fn := range t.onAdjust {
		fn(adj)
	}
	return dir
}

// Adjustments returns how many changes have been published.
func (t *Tuner) Adjustments() uint64 { return t.adjustments.Load() }

// Last returns the most recent adjustment, if any.
func (t *Tuner) Last() (Adjustment, bool) {
	if a := t.last.Load(); a != nil {
		return *a, true
	}
	return Adjustment{}, false
}
