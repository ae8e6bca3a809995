package reflex

import (
	"math"
)

// Confidence is a probability quantized to 8 bits: the value q stands for
// q/255. Integer steps keep repeated small updates free of floating drift.
type Confidence uint8

const (
	// MaxConfidence represents 1.0.
	MaxConfidence Confidence = math.MaxUint8
	// Quantum is the smallest representable confidence step.
	Quantum = 1.0 / float64(MaxConfidence)
)

// ConfidenceFrom quantizes p. A NaN or out-of-range p is a logic bug upstream.
func ConfidenceFrom(p float64) Confidence {
	invariant(!math.IsNaN(p) && p >= 0 && p <= 1, "confidence %v outside [0,1]", p)
	return Confidence(math.Round(p * float64(MaxConfidence)))
}

// Float returns the confidence as a fraction in [0, 1].
func (c Confidence) Float() float64 { return float64(c) / float64(MaxConfidence) }

// Raise moves c toward 1 by rate·(1−p). Any positive rate moves a
// non-saturated confidence by at least one quantum.
func (c Confidence) Raise(rate float64) Confidence {
	invariant(validRate(rate), "learning rate %v outside [0,1]", rate)
	room := MaxConfidence - c
	if room == 0 || rate == 0 {
		return c
	}
	step := Confidence(math.Round(rate * float64(room)))
	if step == 0 {
		step = 1
	}
	return c + step
}

// Lower moves c toward 0 by rate·p/2, half the size of the matching Raise so
// that demotion is more cautious than reinforcement. Any positive rate moves a
// non-zero confidence by at least one quantum.
func (c Confidence) Lower(rate float64) Confidence {
	invariant(validRate(rate), "learning rate %v outside [0,1]", rate)
	if c == 0 || rate == 0 {
		return c
	}
	step := Confidence(math.Round(rate * float64(c) / 2))
	if step == 0 {
		step = 1
	}
	return c - step
}

// Decay multiplies c by (1−rate), dropping at least one quantum per tick.
func (c Confidence) Decay(rate float64) Confidence {
	invariant(validRate(rate), "decay rate %v outside [0,1]", rate)
	if c == 0 || rate == 0 {
		return c
	}
	next := Confidence(math.Floor(float64(c) * (1 - rate)))
	if next >= c {
		next = c - 1
	}
	return next
}
