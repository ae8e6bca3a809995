package spatial

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// MaxShift is the largest shift that still leaves one bit of magnitude.
const MaxShift = 15

// ErrBounds is returned when a shift or bound falls outside [0, MaxShift].
var ErrBounds = errors.New("shift out of bounds")

// Bounds limits the shifts the tuner may choose, keeping the hash away from the
// degenerate all-miss (shift 0) and all-collide (shift 16) regimes.
type Bounds struct {
	Min uint8 `json:"min"`
	Max uint8 `json:"max"`
}

// Clamp returns s limited to the bounds.
func (b Bounds) Clamp(s int) uint8 {
	if s < int(b.Min) {
		return b.Min
	}
	if s > int(b.Max) {
		return b.Max
	}
	return uint8(s)
}

// Validate checks that the bounds are ordered and representable.
func (b Bounds) Validate() error {
	if b.Min > b.Max {
		return fmt.Errorf("min %d > max %d: %w", b.Min, b.Max, ErrBounds)
	}
	if b.Max > MaxShift {
		return fmt.Errorf("max %d > %d: %w", b.Max, MaxShift, ErrBounds)
	}
	return nil
}

// ShiftConfig is an immutable per-dimension resolution snapshot. A larger shift
// discards more low-order bits, producing coarser sectors.
type ShiftConfig struct {
	defaultShift uint8
	overrides    map[int]uint8
	shifts       [Dim]uint8
	generation   uint64
}

// NewShiftConfig builds a snapshot from a default shift and optional
// per-dimension overrides.
func NewShiftConfig(defaultShift uint8, overrides map[int]uint8) (*ShiftConfig, error) {
	if defaultShift > MaxShift {
		return nil, fmt.Errorf("default shift %d: %w", defaultShift, ErrBounds)
	}
	cfg := &ShiftConfig{defaultShift: defaultShift}
	for i := range cfg.shifts {
		cfg.shifts[i] = defaultShift
	}
	if len(overrides) > 0 {
		cfg.overrides = make(map[int]uint8, len(overrides))
		for dim, s := range overrides {
			if dim < 0 || dim >= Dim {
				return nil, fmt.Errorf("override dimension %d outside [0,%d)", dim, Dim)
			}
			if s > MaxShift {
				return nil, fmt.Errorf("override shift %d for dimension %d: %w", s, dim, ErrBounds)
			}
			cfg.overrides[dim] = s
			cfg.shifts[dim] = s
		}
	}
	return cfg, nil
}

// Default returns the shift applied to dimensions without an override.
func (c *ShiftConfig) Default() uint8 { return c.defaultShift }

// Shift returns the effective shift of dimension i.
func (c *ShiftConfig) Shift(i int) uint8 { return c.shifts[i] }

// Generation increases every time the resolution is replaced.
func (c *ShiftConfig) Generation() uint64 { return c.generation }

// withDefault derives a new snapshot with a different default, keeping overrides.
func (c *ShiftConfig) withDefault(s uint8) *ShiftConfig {
	next := &ShiftConfig{
		defaultShift: s,
		overrides:    c.overrides,
		generation:   c.generation + 1,
	}
	for i := range next.shifts {
		next.shifts[i] = s
	}
	for dim, o := range c.overrides {
		next.shifts[dim] = o
	}
	return next
}

// Resolution is the shared, atomically replaced ShiftConfig. Readers observe
// either the old or the new snapshot, never a mix of the two.
type Resolution struct {
	cur    atomic.Pointer[ShiftConfig]
	bounds Bounds
}

// NewResolution creates a resolution holder. The initial config's default must
// lie within bounds.
func NewResolution(cfg *ShiftConfig, bounds Bounds) (*Resolution, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	if cfg.defaultShift < bounds.Min || cfg.defaultShift > bounds.Max {
		return nil, fmt.Errorf("default shift %d outside [%d,%d]: %w",
			cfg.defaultShift, bounds.Min, bounds.Max, ErrBounds)
	}
	r := &Resolution{bounds: bounds}
	r.cur.Store(cfg)
	return r, nil
}

// Load returns the current snapshot.
func (r *Resolution) Load() *ShiftConfig { return r.cur.Load() }

// Bounds returns the configured shift bounds.
func (r *Resolution) Bounds() Bounds { return r.bounds }

// Key hashes s under the current snapshot.
func (r *Resolution) Key(s StateVector) SectorKey { return Hash(s, r.cur.Load()) }

// Adjust moves the default shift by delta, clamped to bounds. It reports the
// old and new defaults and whether a new snapshot was published.
func (r *Resolution) Adjust(delta int) (from, to uint8, changed bool) {
	for {
		cur := r.cur.Load()
		next := r.bounds.Clamp(int(cur.defaultShift) + delta)
		if next == cur.defaultShift {
			return cur.defaultShift, next, false
		}
		if r.cur.CompareAndSwap(cur, cur.withDefault(next)) {
			return cur.defaultShift, next, true
		}
	}
}
