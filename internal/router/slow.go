package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/normanking/cortex-reflex/internal/logging"
	"github.com/normanking/cortex-reflex/internal/reflex"
	"github.com/normanking/cortex-reflex/internal/spatial"
)

const (
	// DefaultSlowTimeout is how long a decision waits for the policy.
	DefaultSlowTimeout = 200 * time.Millisecond

	// DefaultBackgroundTimeout caps a policy call that outlived its caller.
	DefaultBackgroundTimeout = 2 * time.Second

	// DefaultTopWeightMix weighs the dominant-choice share against the
	// entropy-derived certainty in slow-path confidence.
	DefaultTopWeightMix = 0.6
)

var (
	// ErrEmptyDistribution is returned for a proposal without positive weight.
	ErrEmptyDistribution = errors.New("policy returned no usable choice")
	// ErrInvalidWeight is returned for negative or non-finite weights.
	ErrInvalidWeight = errors.New("policy returned an invalid weight")

	errSlowTimeout = errors.New("slow path timed out")
	errFlightGone  = errors.New("slow computation already finished")
)

// Evaluate picks the dominant choice of a proposal and derives its confidence
// as mix·share + (1−mix)·certainty, where share is the top weight over the
// total and certainty is 1 − H/ln(n) for the Shannon entropy H of the
// normalized weights over the n choices with positive weight. A single choice
// is fully certain.
func Evaluate(p Proposal, mix float64) (Choice, float64, error) {
	var total float64
	top := -1
	positive := 0
	for i, c := range p.Distribution {
		if c.Weight < 0 || math.IsNaN(c.Weight) || math.IsInf(c.Weight, 0) {
			return Choice{}, 0, fmt.Errorf("choice %d weight %v: %w", i, c.Weight, ErrInvalidWeight)
		}
		if c.Weight == 0 {
			continue
		}
		positive++
		total += c.Weight
		if top < 0 || c.Weight > p.Distribution[top].Weight {
			top = i
		}
	}
	if top < 0 {
		return Choice{}, 0, ErrEmptyDistribution
	}

	share := p.Distribution[top].Weight / total
	certainty := 1.0
	if positive > 1 {
		var h float64
		for _, c := range p.Distribution {
			if c.Weight == 0 {
				continue
			}
			q := c.Weight / total
			h -= q * math.Log(q)
		}
		certainty = 1 - h/math.Log(float64(positive))
	}
	conf := mix*share + (1-mix)*certainty
	return p.Distribution[top], math.Max(0, math.Min(1, conf)), nil
}

// ActionDistance measures how far apart two actions are. It is used by shadow
// mode to decide whether the slow path disagrees with an accepted reflex.
type ActionDistance func(a, b reflex.Action) float64

// DefaultActionDistance is +Inf for differently named actions and the
// Euclidean distance between parameter vectors otherwise, missing parameters
// counting as zero.
func DefaultActionDistance(a, b reflex.Action) float64 {
	if a.Name != b.Name {
		return math.Inf(1)
	}
	n := max(len(a.Params), len(b.Params))
	var sum float64
	for i := 0; i < n; i++ {
		var x, y float64
		if i < len(a.Params) {
			x = a.Params[i]
		}
		if i < len(b.Params) {
			y = b.Params[i]
		}
		sum += (x - y) * (x - y)
	}
	return math.Sqrt(sum)
}

// ═══════════════════════════════════════════════════════════════════════════════
// SLOW PATH
// ═══════════════════════════════════════════════════════════════════════════════

// flight is one policy computation shared by every caller that asked for a
// bit-identical state while it ran. Fields are guarded by Arbiter.fmu.
type flight struct {
	key    string
	state  spatial.StateVector
	ctx    context.Context
	cancel context.CancelFunc

	waiters  int  // callers still waiting for the result
	detached bool // holds a background slot; the result goes to the learner
	landed   bool
	proposal Proposal
	err      error
}

func flightKey(s spatial.StateVector) string {
	return strconv.FormatUint(spatial.Fingerprint(s), 16)
}

// join attaches the caller to the flight for state, starting one if none is
// running. The policy runs on a context detached from ctx and bounded by
// BackgroundTimeout.
func (a *Arbiter) join(ctx context.Context, state spatial.StateVector) (*flight, <-chan singleflight.Result) {
	key := flightKey(state)

	a.fmu.Lock()
	defer a.fmu.Unlock()
	if f, ok := a.inflight[key]; ok {
		f.waiters++
		// While f is registered the group holds its call, so this only joins.
		return f, a.flights.DoChan(key, func() (any, error) { return nil, errFlightGone })
	}

	fctx, cancel := logging.DetachContextWithTimeout(ctx, a.cfg.BackgroundTimeout)
	f := &flight{key: key, state: state, ctx: fctx, cancel: cancel, waiters: 1}
	a.inflight[key] = f
	a.wg.Add(1)
	ch := a.flights.DoChan(key, func() (any, error) {
		defer a.wg.Done()
		defer cancel()
		p, err := a.policy.Compute(fctx, state)
		a.land(f, p, err)
		return p, err
	})
	return f, ch
}

// land records the result of f. Later callers start a fresh flight.
func (a *Arbiter) land(f *flight, p Proposal, err error) {
	a.fmu.Lock()
	defer a.fmu.Unlock()
	a.retire(f)
	f.landed, f.proposal, f.err = true, p, err
	if f.detached {
		a.learnLate(f)
	}
}

// retire unregisters f if it is still the current flight for its key.
func (a *Arbiter) retire(f *flight) {
	if a.inflight[f.key] == f {
		delete(a.inflight, f.key)
		a.flights.Forget(f.key)
	}
}

// leave detaches a caller from f. When the last waiter gives up the
// computation moves to a background slot, or is cancelled when all slots are
// busy. A caller that got the result just leaves.
func (a *Arbiter) leave(f *flight, gaveUp bool) {
	a.fmu.Lock()
	defer a.fmu.Unlock()
	f.waiters--
	if !gaveUp || f.waiters > 0 || f.detached {
		return
	}
	if !a.background.TryAcquire(1) {
		if f.landed {
			return
		}
		a.retire(f)
		f.cancel()
		a.stats.cancelled.Add(1)
		a.log.Debug().Str("flight", f.key).Msg("no background slot, slow computation cancelled")
		return
	}
	f.detached = true
	a.stats.background.Add(1)
	if f.landed {
		// The result arrived between the timeout firing and now.
		a.learnLate(f)
	}
}

// computeSlow runs the policy for state and waits at most SlowTimeout.
// Concurrent calls for a bit-identical state share one computation; it is
// only handed to the background or cancelled once every caller has left.
func (a *Arbiter) computeSlow(ctx context.Context, state spatial.StateVector) (Proposal, error) {
	f, ch := a.join(ctx, state)

	timer := time.NewTimer(a.cfg.SlowTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		a.leave(f, false)
		p, _ := res.Val.(Proposal)
		return p, res.Err
	case <-timer.C:
		a.leave(f, true)
		return Proposal{}, errSlowTimeout
	case <-ctx.Done():
		a.leave(f, true)
		return Proposal{}, ctx.Err()
	}
}

// learnLate validates the result of a detached flight in the background and,
// if it holds up, offers it to the learner. It runs once per flight and never
// produces a decision. Called with fmu held.
func (a *Arbiter) learnLate(f *flight) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.background.Release(1)

		if f.err != nil {
			a.log.Debug().Err(f.err).Msg("background slow computation failed")
			return
		}
		choice, conf, err := Evaluate(f.proposal, a.cfg.TopWeightMix)
		if err != nil {
			a.log.Debug().Err(err).Msg("background slow result unusable")
			return
		}
		vctx, cancel := logging.DetachContextWithTimeout(f.ctx, a.cfg.BackgroundTimeout)
		defer cancel()
		intent := Intent{State: f.state, Action: choice.Action, Source: SourceDeliberate, Confidence: conf}
		if err := a.fullValidator.Validate(vctx, intent); err != nil {
			a.log.Debug().Err(err).Str("action", choice.Action.Name).Msg("background slow result rejected")
			return
		}
		a.stats.late.Add(1)
		if a.learner != nil {
			a.learner.Learn(f.state, choice.Action, conf)
		}
	}()
}

// shadow evaluates the slow path for a state the fast path already answered
// and counts a disagreement when the actions are too far apart. It joins any
// flight already running for the state.
func (a *Arbiter) shadow(ctx context.Context, state spatial.StateVector, fast reflex.Action) {
	if !a.cfg.Shadow.Enabled || !a.shadowLimiter.Allow() {
		return
	}
	a.stats.shadowRuns.Add(1)
	f, ch := a.join(ctx, state)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		res := <-ch
		a.leave(f, false)
		if res.Err != nil {
			a.log.Debug().Err(res.Err).Msg("shadow computation failed")
			return
		}
		choice, _, err := Evaluate(res.Val.(Proposal), a.cfg.TopWeightMix)
		if err != nil {
			return
		}
		if d := a.distance(fast, choice.Action); d > a.cfg.Shadow.Threshold {
			a.stats.disagreements.Add(1)
			a.log.Debug().
				Str("reflex_action", fast.Name).
				Str("policy_action", choice.Action.Name).
				Float64("distance", d).
				Msg("shadow disagreement")
		}
	}()
}
