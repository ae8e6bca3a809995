package sleep

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/normanking/cortex-reflex/internal/memory"
	"github.com/normanking/cortex-reflex/internal/reflex"
	"github.com/normanking/cortex-reflex/internal/spatial"
)

// pairing identifies an unknown state→action pairing awaiting repetitions.
type pairing struct {
	sector spatial.SectorKey
	action string
}

// Consolidator turns observations into reflex updates. It is the only writer
// of reflexes besides explicit authoring.
type Consolidator struct {
	cfg       Config
	store     *reflex.Store
	mem       *memory.Memory
	promotion reflex.Promotion
	log       zerolog.Logger
	now       func() time.Time
	sim       func(a, b spatial.StateVector) float64

	queue   chan Observation
	pending *lru.Cache[pairing, int]
	// proposals holds the confidence of deliberate answers that no outcome
	// has judged yet. They never create a reflex on their own.
	proposals *lru.Cache[pairing, float64]
	// mu serializes consolidation so that two observations of the same new
	// pairing cannot both create a Hypothesis.
	mu sync.Mutex

	observed, dropped, tallied, created     atomic.Uint64
	reinforced, weakened, promoted, skipped atomic.Uint64
	conflicts, decayed, deleted, discarded  atomic.Uint64
}

// Option configures a Consolidator.
type Option func(*Consolidator)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Consolidator) { c.log = l }
}

// WithClock overrides the time source used by Run's decay ticks.
func WithClock(now func() time.Time) Option {
	return func(c *Consolidator) { c.now = now }
}

// WithSimilarity sets how close a state must be to a reflex anchor for an
// observation to apply to that reflex. The default is 1/(1+d) for the
// Euclidean distance d.
func WithSimilarity(sim func(a, b spatial.StateVector) float64) Option {
	return func(c *Consolidator) {
		if sim != nil {
			c.sim = sim
		}
	}
}

// New creates a consolidator writing to store and mem.
func New(store *reflex.Store, mem *memory.Memory, cfg Config, opts ...Option) (*Consolidator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pending, err := lru.New[pairing, int](cfg.PendingLimit)
	if err != nil {
		return nil, err
	}
	proposals, err := lru.New[pairing, float64](cfg.PendingLimit)
	if err != nil {
		return nil, err
	}
	c := &Consolidator{
		cfg:   cfg,
		store: store,
		mem:   mem,
		promotion: reflex.Promotion{
			MinEvidence:   cfg.Promotion.MinEvidence,
			MinConfidence: reflex.ConfidenceFrom(cfg.Promotion.MinConfidence),
		},
		log:       zerolog.Nop(),
		now:       time.Now,
		sim:       inverseDistance,
		queue:     make(chan Observation, cfg.QueueSize),
		pending:   pending,
		proposals: proposals,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit queues an observation without blocking. It reports false and counts
// a drop when the queue is full; delivery is best effort.
func (c *Consolidator) Submit(o Observation) bool {
	select {
	case c.queue <- o:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Learn records a validated deliberate answer as a proposal for its sector.
// Only a later successful observation of the same pairing turns it into a
// Hypothesis, seeded with the proposal's confidence when that is higher.
func (c *Consolidator) Learn(state spatial.StateVector, action reflex.Action, confidence float64) {
	if action.Name == "" || math.IsNaN(confidence) {
		return
	}
	key := pairing{sector: c.mem.Key(state), action: action.Name}
	if prev, ok := c.proposals.Peek(key); ok && prev >= confidence {
		return
	}
	c.proposals.Add(key, math.Min(confidence, 1))
}

func inverseDistance(a, b spatial.StateVector) float64 {
	return 1 / (1 + spatial.Distance(a, b))
}

// Run consumes the queue and applies decay ticks until ctx is done.
func (c *Consolidator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.DecayInterval)
	defer ticker.Stop()

	c.log.Debug().Int("queue_size", c.cfg.QueueSize).Msg("consolidator started")
	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("consolidator stopped")
			return nil
		case o := <-c.queue:
			c.Observe(o)
		case <-ticker.C:
			c.DecayTick(c.now())
		}
	}
}

// Drain synchronously applies every observation queued so far and returns how
// many it applied.
func (c *Consolidator) Drain() int {
	n := 0
	for {
		select {
		case o := <-c.queue:
			c.Observe(o)
			n++
		default:
			return n
		}
	}
}

// Observe applies one observation synchronously.
func (c *Consolidator) Observe(o Observation) Outcome {
	c.observed.Add(1)
	if math.IsNaN(o.Quality) || o.Action.Name == "" {
		return Ignored
	}
	success := o.Quality >= c.cfg.SuccessQuality

	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.target(o)
	if target == nil {
		if !success {
			return c.discard(o)
		}
		return c.tally(o)
	}
	if !target.Mutable() {
		c.skipped.Add(1)
		return Skipped
	}
	if success {
		return c.reinforce(target)
	}
	return c.weaken(target)
}

// target finds the reflex an observation applies to: the named reflex if it
// still exists, otherwise the most similar reflex with the same action in the
// observation's sector.
func (c *Consolidator) target(o Observation) *reflex.Reflex {
	if o.ReflexID != 0 {
		if r, ok := c.store.Get(o.ReflexID); ok {
			return r
		}
	}
	candidates := c.mem.Peek(c.mem.Key(o.State))
	var best *reflex.Reflex
	bestSim := -1.0
	for i := 0; i < candidates.Len(); i++ {
		r, ok := c.store.Get(candidates.At(i))
		if !ok || r.Action.Name != o.Action.Name {
			continue
		}
		sim := c.sim(o.State, r.Anchor)
		if sim >= c.cfg.MatchSimilarity && sim > bestSim {
			best, bestSim = r, sim
		}
	}
	return best
}

func (c *Consolidator) tally(o Observation) Outcome {
	key := pairing{sector: c.mem.Key(o.State), action: o.Action.Name}
	n, _ := c.pending.Get(key)
	n++
	if n < c.cfg.MinRepetitions {
		c.pending.Add(key, n)
		c.tallied.Add(1)
		return Tallied
	}
	c.pending.Remove(key)

	conf := o.Confidence
	if p, ok := c.proposals.Peek(key); ok && (math.IsNaN(conf) || p > conf) {
		conf = p
	}
	c.proposals.Remove(key)
	if math.IsNaN(conf) || conf < c.cfg.InitialConfidence {
		conf = c.cfg.InitialConfidence
	}
	r := c.store.Add(reflex.Reflex{
		Anchor:     o.State,
		Action:     o.Action,
		Confidence: reflex.ConfidenceFrom(math.Min(conf, 1)),
		Evidence:   uint16(min(n, math.MaxUint16)),
		Tier:       reflex.Hypothesis,
		Rates:      c.cfg.HypothesisRates,
	})
	sector := c.mem.Index(r.Anchor, r.ID)
	c.created.Add(1)
	c.log.Debug().
		Uint64("reflex", uint64(r.ID)).
		Str("action", r.Action.Name).
		Uint64("sector", uint64(sector)).
		Msg("hypothesis created")
	return Created
}

// discard forgets a pairing judged a failure before any reflex existed for it,
// so earlier successes and proposals cannot carry it over the threshold.
func (c *Consolidator) discard(o Observation) Outcome {
	key := pairing{sector: c.mem.Key(o.State), action: o.Action.Name}
	tallied := c.pending.Remove(key)
	proposed := c.proposals.Remove(key)
	if !tallied && !proposed {
		return Ignored
	}
	c.discarded.Add(1)
	return Discarded
}

func (c *Consolidator) reinforce(target *reflex.Reflex) Outcome {
	r, err := c.store.Reinforce(target.ID)
	if err != nil {
		return c.conflict(target.ID, err)
	}
	c.reinforced.Add(1)
	if !c.promotion.Eligible(r) {
		return Reinforced
	}
	_, ok, err := c.store.Promote(r.ID, c.cfg.LearnableRates)
	if err != nil {
		return c.conflict(r.ID, err)
	}
	if !ok {
		return Reinforced
	}
	c.promoted.Add(1)
	c.log.Info().
		Uint64("reflex", uint64(r.ID)).
		Str("action", r.Action.Name).
		Uint16("evidence", r.Evidence).
		Float64("confidence", r.Confidence.Float()).
		Msg("hypothesis promoted to learnable")
	return Promoted
}

func (c *Consolidator) weaken(target *reflex.Reflex) Outcome {
	if _, err := c.store.Weaken(target.ID); err != nil {
		return c.conflict(target.ID, err)
	}
	c.weakened.Add(1)
	return Weakened
}

// conflict absorbs a reflex that vanished or changed tier between lookup and
// update. Learning is eventually consistent, so the observation is dropped.
func (c *Consolidator) conflict(id reflex.ID, err error) Outcome {
	if !errors.Is(err, reflex.ErrNotFound) && !errors.Is(err, reflex.ErrImmutable) {
		c.log.Warn().Err(err).Uint64("reflex", uint64(id)).Msg("unexpected consolidation error")
	} else {
		c.log.Debug().Err(err).Uint64("reflex", uint64(id)).Msg("consolidation conflict")
	}
	c.conflicts.Add(1)
	return Conflict
}

// DecayTick decays every Hypothesis untouched for longer than the quiescence
// window and deletes those that fall below the floor, together with their
// memory references.
func (c *Consolidator) DecayTick(now time.Time) DecayReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	floor := reflex.ConfidenceFrom(c.cfg.DeleteFloor)
	var rep DecayReport
	c.store.Range(func(r *reflex.Reflex) bool {
		if r.Tier != reflex.Hypothesis {
			return true
		}
		rep.Checked++
		if now.Sub(r.UpdatedAt) <= c.cfg.Quiescence {
			return true
		}
		next, err := c.store.Decay(r.ID)
		if err != nil {
			c.conflict(r.ID, err)
			return true
		}
		rep.Decayed++
		if next.Confidence >= floor {
			return true
		}
		if _, err := c.store.Remove(r.ID); err != nil {
			c.conflict(r.ID, err)
			return true
		}
		c.mem.Unindex(r.Anchor, r.ID)
		rep.Deleted++
		return true
	})
	c.decayed.Add(uint64(rep.Decayed))
	c.deleted.Add(uint64(rep.Deleted))
	if rep.Decayed > 0 {
		c.log.Debug().
			Int("checked", rep.Checked).
			Int("decayed", rep.Decayed).
			Int("deleted", rep.Deleted).
			Msg("decay tick")
	}
	return rep
}

// Stats returns a snapshot of the counters.
func (c *Consolidator) Stats() Stats {
	return Stats{
		Observed:   c.observed.Load(),
		Dropped:    c.dropped.Load(),
		Tallied:    c.tallied.Load(),
		Created:    c.created.Load(),
		Reinforced: c.reinforced.Load(),
		Weakened:   c.weakened.Load(),
		Promoted:   c.promoted.Load(),
		Skipped:    c.skipped.Load(),
		Conflicts:  c.conflicts.Load(),
		Decayed:    c.decayed.Load(),
		Deleted:    c.deleted.Load(),
		Discarded:  c.discarded.Load(),
		Pending:    c.pending.Len(),
		Proposals:  c.proposals.Len(),
		Queued:     len(c.queue),
	}
}
