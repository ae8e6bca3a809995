package spatial

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustConfig(t *testing.T, def uint8, overrides map[int]uint8) *ShiftConfig {
	t.Helper()
	cfg, err := NewShiftConfig(def, overrides)
	require.NoError(t, err)
	return cfg
}

func TestHash_Deterministic(t *testing.T) {
	cfg := mustConfig(t, 6, nil)
	states := []StateVector{
		{},
		{0.1, -0.2, 0.3, -0.4, 0.5, -0.6, 0.7, -0.8},
		{1, 1, 1, 1, 1, 1, 1, 1},
		{-1, -1, -1, -1, -1, -1, -1, -1},
	}
	for _, s := range states {
		first := Hash(s, cfg)
		for i := 0; i < 100; i++ {
			assert.Equal(t, first, Hash(s, cfg))
		}
	}
}

func TestHash_ConfigChangesKey(t *testing.T) {
	s := StateVector{0.11, 0.23, -0.35, 0.47, -0.59, 0.61, -0.73, 0.85}
	fine := mustConfig(t, 0, nil)
	coarse := mustConfig(t, 12, nil)
	assert.NotEqual(t, Hash(s, fine), Hash(s, coarse))
}

func TestHash_CoarseShiftMergesNearbyStates(t *testing.T) {
	cfg := mustConfig(t, 12, nil)
	a := StateVector{0.40, 0.40, 0.40, 0.40, 0.40, 0.40, 0.40, 0.40}
	b := StateVector{0.41, 0.40, 0.40, 0.40, 0.40, 0.40, 0.40, 0.40}
	assert.Equal(t, Hash(a, cfg), Hash(b, cfg))

	fine := mustConfig(t, 0, nil)
	assert.NotEqual(t, Hash(a, fine), Hash(b, fine))
}

func TestHash_DimensionsDoNotCancel(t *testing.T) {
	cfg := mustConfig(t, 4, nil)
	a := StateVector{0.3, 0, 0, 0, 0, 0, 0, 0}
	b := StateVector{0, 0.3, 0, 0, 0, 0, 0, 0}
	assert.NotEqual(t, Hash(a, cfg), Hash(b, cfg))
}

func TestHash_OverridesApplyPerDimension(t *testing.T) {
	// Dimension 0 is effectively ignored at the maximum shift.
	cfg := mustConfig(t, 0, map[int]uint8{0: MaxShift})
	a := StateVector{0.10, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}
	b := StateVector{0.90, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}
	assert.Equal(t, Hash(a, cfg), Hash(b, cfg))
	assert.Equal(t, uint8(MaxShift), cfg.Shift(0))
	assert.Equal(t, uint8(0), cfg.Shift(1))
}

func TestQuantize_Saturates(t *testing.T) {
	assert.Equal(t, uint32(0), Quantize(-1))
	assert.Equal(t, uint32(0), Quantize(-5))
	assert.Equal(t, uint32(0), Quantize(math.Inf(-1)))
	assert.Equal(t, uint32(quantMax), Quantize(1))
	assert.Equal(t, uint32(quantMax), Quantize(42))
	assert.Equal(t, Quantize(0), Quantize(math.NaN()))
}

func TestHash_OutOfRangeMatchesBound(t *testing.T) {
	cfg := mustConfig(t, 3, nil)
	a := StateVector{5, -5, 0, 0, 0, 0, 0, 0}
	b := StateVector{1, -1, 0, 0, 0, 0, 0, 0}
	assert.Equal(t, Hash(a, cfg), Hash(b, cfg))
}

func TestHash_NoAllocations(t *testing.T) {
	cfg := mustConfig(t, 6, nil)
	s := StateVector{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}
	var sink SectorKey
	allocs := testing.AllocsPerRun(1000, func() {
		sink ^= Hash(s, cfg)
	})
	assert.Zero(t, allocs)
	_ = sink
}

func TestFingerprint_ExactStates(t *testing.T) {
	a := StateVector{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}
	b := a
	b[7] = math.Nextafter(b[7], 1)
	assert.Equal(t, Fingerprint(a), Fingerprint(a))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestNewShiftConfig_Errors(t *testing.T) {
	_, err := NewShiftConfig(MaxShift+1, nil)
	assert.ErrorIs(t, err, ErrBounds)

	_, err = NewShiftConfig(2, map[int]uint8{Dim: 1})
	assert.Error(t, err)

	_, err = NewShiftConfig(2, map[int]uint8{1: MaxShift + 1})
	assert.ErrorIs(t, err, ErrBounds)
}

func TestResolution_AdjustClampsToBounds(t *testing.T) {
	r, err := NewResolution(mustConfig(t, 4, nil), Bounds{Min: 2, Max: 6})
	require.NoError(t, err)

	from, to, changed := r.Adjust(+1)
	assert.True(t, changed)
	assert.Equal(t, uint8(4), from)
	assert.Equal(t, uint8(5), to)
	assert.Equal(t, uint64(1), r.Load().Generation())

	_, to, _ = r.Adjust(+10)
	assert.Equal(t, uint8(6), to)
	_, _, changed = r.Adjust(+1)
	assert.False(t, changed)

	_, to, _ = r.Adjust(-10)
	assert.Equal(t, uint8(2), to)
	_, _, changed = r.Adjust(-1)
	assert.False(t, changed)
	assert.Equal(t, uint8(2), r.Load().Default())
}

func TestResolution_AdjustKeepsOverrides(t *testing.T) {
	r, err := NewResolution(mustConfig(t, 4, map[int]uint8{3: 9}), Bounds{Min: 0, Max: 10})
	require.NoError(t, err)
	r.Adjust(+2)
	cfg := r.Load()
	assert.Equal(t, uint8(6), cfg.Shift(0))
	assert.Equal(t, uint8(9), cfg.Shift(3))
}

func TestNewResolution_RejectsDefaultOutsideBounds(t *testing.T) {
	_, err := NewResolution(mustConfig(t, 8, nil), Bounds{Min: 0, Max: 4})
	assert.ErrorIs(t, err, ErrBounds)

	_, err = NewResolution(mustConfig(t, 2, nil), Bounds{Min: 5, Max: 4})
	assert.ErrorIs(t, err, ErrBounds)
}

func TestDistance(t *testing.T) {
	a := StateVector{}
	b := StateVector{3, 4}
	assert.InDelta(t, 5.0, Distance(a, b), 1e-12)
	assert.Zero(t, Distance(b, b))
}
