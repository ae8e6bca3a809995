// Package spatial maps fixed-length state vectors onto lossy sector keys.
// The hash sits on the decision hot path: it never allocates and its work is a
// fixed eight-lane unroll regardless of the configured resolution.
package spatial

import (
	"math"
	"math/bits"
)

// Dim is the number of dimensions in a StateVector.
const Dim = 8

// StateVector is one observation of the world. Each component is expected in
// [-1, 1]; values outside that range saturate at the nearest bound.
type StateVector [Dim]float64

// SectorKey identifies an approximate region of state space. Equal keys do not
// imply equal states.
type SectorKey uint64

// quantMax is the largest fixed-point magnitude a component can take.
const quantMax = 1<<16 - 1

// Per-lane constants. The salts are odd 64-bit mixing constants so that equal
// quantized magnitudes in different dimensions never fold to the same lane value.
var (
	salts = [Dim]uint64{
		0x9E3779B97F4A7C15,
		0xC2B2AE3D27D4EB4F,
		0x165667B19E3779F9,
		0xD6E8FEB86659FD93,
		0xFF51AFD7ED558CCD,
		0xC4CEB9FE1A85EC53,
		0x94D049BB133111EB,
		0xBF58476D1CE4E5B9,
	}
	rotations = [Dim]int{7, 13, 19, 29, 37, 43, 53, 59}
)

const seed uint64 = 0x243F6A8885A308D3

// Quantize maps a component onto a 16-bit unsigned fixed-point magnitude.
// NaN maps to the midpoint, ±Inf and out-of-range values saturate.
func Quantize(v float64) uint32 {
	if v != v {
		v = 0
	}
	if v < -1 {
		v = -1
	} else if v > 1 {
		v = 1
	}
	return uint32((v + 1) * (quantMax / 2.0))
}

func lane(i int, v float64, shift uint8) uint64 {
	q := uint64(Quantize(v) >> shift)
	return bits.RotateLeft64((q+uint64(i)+1)*salts[i], rotations[i])
}

// Hash computes the sector key of s under cfg. It is pure: identical inputs
// always produce an identical key.
func Hash(s StateVector, cfg *ShiftConfig) SectorKey {
	sh := &cfg.shifts
	h := seed
	h = bits.RotateLeft64(h, 5) ^ lane(0, s[0], sh[0])
	h = bits.RotateLeft64(h, 5) ^ lane(1, s[1], sh[1])
	h = bits.RotateLeft64(h, 5) ^ lane(2, s[2], sh[2])
	h = bits.RotateLeft64(h, 5) ^ lane(3, s[3], sh[3])
	h = bits.RotateLeft64(h, 5) ^ lane(4, s[4], sh[4])
	h = bits.RotateLeft64(h, 5) ^ lane(5, s[5], sh[5])
	h = bits.RotateLeft64(h, 5) ^ lane(6, s[6], sh[6])
	h = bits.RotateLeft64(h, 5) ^ lane(7, s[7], sh[7])
	return SectorKey(avalanche(h))
}

// Fingerprint hashes the exact bit pattern of s. Two states share a
// fingerprint only if every component is bit-identical (modulo collisions of
// the 64-bit space), which makes it usable as a dedup key.
func Fingerprint(s StateVector) uint64 {
	h := seed
	for i := 0; i < Dim; i++ {
		h = bits.RotateLeft64(h, 5) ^ bits.RotateLeft64(math.Float64bits(s[i])*salts[i], rotations[i])
	}
	return avalanche(h)
}

// avalanche is the splitmix64 finalizer.
func avalanche(h uint64) uint64 {
	h ^= h >> 30
	h *= 0xBF58476D1CE4E5B9
	h ^= h >> 27
	h *= 0x94D049BB133111EB
	h ^= h >> 31
	return h
}

// Distance returns the Euclidean distance between two states.
func Distance(a, b StateVector) float64 {
	var sum float64
	for i := 0; i < Dim; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
