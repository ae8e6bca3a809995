// Package router implements the reflex/deliberation decision loop. A state is
// first resolved against learned reflexes (fast path); when that fails it is
// handed to an external deliberative policy (slow path), and when that fails
// too a failsafe action is returned.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/normanking/cortex-reflex/internal/reflex"
	"github.com/normanking/cortex-reflex/internal/spatial"
)

// Source tags which path produced a decision.
type Source uint8

const (
	// SourceReflex is a fast-path decision backed by a learned reflex.
	SourceReflex Source = iota + 1
	// SourceDeliberate is a slow-path decision from the policy.
	SourceDeliberate
	// SourceFailsafe is the default action returned when no path succeeded.
	SourceFailsafe
)

// String returns the source tag.
func (s Source) String() string {
	switch s {
	case SourceReflex:
		return "reflex"
	case SourceDeliberate:
		return "deliberate"
	case SourceFailsafe:
		return "failsafe"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(b []byte) error {
	switch string(b) {
	case "reflex":
		*s = SourceReflex
	case "deliberate":
		*s = SourceDeliberate
	case "failsafe":
		*s = SourceFailsafe
	default:
		return fmt.Errorf("unknown source %q", b)
	}
	return nil
}

// Reason records why a decision left the fast path or ended in failsafe.
// None of these are errors from the caller's point of view.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonLookupMiss
	ReasonIneligibleCandidate
	ReasonFastValidationRejected
	ReasonSlowComputeTimeout
	ReasonSlowComputeFailure
	ReasonFullValidationRejected
	numReasons
)

var reasonNames = [numReasons]string{
	ReasonNone:                   "",
	ReasonLookupMiss:             "lookup_miss",
	ReasonIneligibleCandidate:    "ineligible_candidate",
	ReasonFastValidationRejected: "fast_validation_rejected",
	ReasonSlowComputeTimeout:     "slow_compute_timeout",
	ReasonSlowComputeFailure:     "slow_compute_failure",
	ReasonFullValidationRejected: "full_validation_rejected",
}

// String returns the reason name, empty for ReasonNone.
func (r Reason) String() string {
	if r < numReasons {
		return reasonNames[r]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (r Reason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Reason) UnmarshalText(b []byte) error {
	for i, name := range reasonNames {
		if name == string(b) {
			*r = Reason(i)
			return nil
		}
	}
	return fmt.Errorf("unknown reason %q", b)
}

// Failsafe reports whether the reason ends a cycle in failsafe.
func (r Reason) Failsafe() bool {
	return r == ReasonSlowComputeTimeout || r == ReasonSlowComputeFailure || r == ReasonFullValidationRejected
}

// Intent is an action about to be executed, as seen by validators.
type Intent struct {
	State      spatial.StateVector
	Action     reflex.Action
	Source     Source
	Confidence float64
	ReflexID   reflex.ID
}

// DecisionRecord is the immutable outcome of one decision cycle.
type DecisionRecord struct {
	ID         string              `json:"id"`
	State      spatial.StateVector `json:"state"`
	Action     reflex.Action       `json:"action"`
	Source     Source              `json:"source"`
	Confidence float64             `json:"confidence"`
	ReflexID   reflex.ID           `json:"reflex_id,omitempty"`
	Sector     spatial.SectorKey   `json:"sector"`
	// Reason is why the fast path was left (reflex decisions carry none) or,
	// for failsafe decisions, why the slow path failed.
	Reason      Reason        `json:"reason,omitempty"`
	FastLatency time.Duration `json:"fast_latency_ns"`
	SlowLatency time.Duration `json:"slow_latency_ns,omitempty"`
	Latency     time.Duration `json:"latency_ns"`
	DecidedAt   time.Time     `json:"decided_at"`
}

// Choice is one weighted action of a policy distribution.
type Choice struct {
	Action reflex.Action `json:"action"`
	Weight float64       `json:"weight"`
}

// Proposal is the output of a policy: a weighted action distribution plus
// opaque metadata.
type Proposal struct {
	Distribution []Choice         `json:"distribution"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// COLLABORATORS
// ═══════════════════════════════════════════════════════════════════════════════

// Policy is the deliberative policy engine. Compute may be slow and must
// return promptly once ctx is done.
type Policy interface {
	Compute(ctx context.Context, state spatial.StateVector) (Proposal, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, state spatial.StateVector) (Proposal, error)

// Compute implements Policy.
func (f PolicyFunc) Compute(ctx context.Context, state spatial.StateVector) (Proposal, error) {
	return f(ctx, state)
}

// Validator approves or rejects an intent. A non-nil error is a violation.
type Validator interface {
	Validate(ctx context.Context, intent Intent) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, intent Intent) error

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, intent Intent) error { return f(ctx, intent) }

// AllowAll is a validator that approves everything.
var AllowAll Validator = ValidatorFunc(func(context.Context, Intent) error { return nil })

// Recorder receives every decision. Record must not block.
type Recorder interface {
	Record(rec DecisionRecord)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(rec DecisionRecord)

// Record implements Recorder.
func (f RecorderFunc) Record(rec DecisionRecord) { f(rec) }

// Learner receives validated deliberate answers, including late results of
// computations whose caller already gave up, as unjudged proposals. Whether
// an answer worked out arrives separately. Learn must not block.
type Learner interface {
	Learn(state spatial.StateVector, action reflex.Action, confidence float64)
}

// Ticker is notified after every memory lookup.
type Ticker interface {
	Tick()
}
