package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/normanking/cortex-reflex/internal/memory"
	"github.com/normanking/cortex-reflex/internal/reflex"
	"github.com/normanking/cortex-reflex/internal/spatial"
)

const (
	// DefaultAcceptThreshold is the minimum confidence × similarity for a
	// reflex to be used.
	DefaultAcceptThreshold = 0.5

	// DefaultMaxBackground bounds slow computations kept alive after their
	// caller gave up.
	DefaultMaxBackground = 8
)

// FailsafeAction is the default safe action.
var FailsafeAction = reflex.Action{Name: "noop"}

// ShadowConfig configures shadow mode.
type ShadowConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Threshold is the action distance above which the slow path is counted
	// as disagreeing.
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
	// Rate limits shadow evaluations per second; Burst is the bucket size.
	Rate  float64 `mapstructure:"rate" yaml:"rate"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

// Config tunes the arbiter.
type Config struct {
	AcceptThreshold   float64       `mapstructure:"accept_threshold" yaml:"accept_threshold"`
	SlowTimeout       time.Duration `mapstructure:"slow_timeout" yaml:"slow_timeout"`
	BackgroundTimeout time.Duration `mapstructure:"background_timeout" yaml:"background_timeout"`
	MaxBackground     int64         `mapstructure:"max_background" yaml:"max_background"`
	TopWeightMix      float64       `mapstructure:"top_weight_mix" yaml:"top_weight_mix"`
	Failsafe          reflex.Action `mapstructure:"failsafe" yaml:"failsafe"`
	Shadow            ShadowConfig  `mapstructure:"shadow" yaml:"shadow"`
}

// DefaultConfig returns the default arbiter configuration.
func DefaultConfig() Config {
	return Config{
		AcceptThreshold:   DefaultAcceptThreshold,
		SlowTimeout:       DefaultSlowTimeout,
		BackgroundTimeout: DefaultBackgroundTimeout,
		MaxBackground:     DefaultMaxBackground,
		TopWeightMix:      DefaultTopWeightMix,
		Failsafe:          FailsafeAction,
		Shadow: ShadowConfig{
			Threshold: 0.5,
			Rate:      10,
			Burst:     5,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.AcceptThreshold < 0 || c.AcceptThreshold > 1 {
		return fmt.Errorf("accept_threshold %v outside [0,1]", c.AcceptThreshold)
	}
	if c.SlowTimeout <= 0 {
		return errors.New("slow_timeout must be positive")
	}
	if c.BackgroundTimeout < c.SlowTimeout {
		return fmt.Errorf("background_timeout %s shorter than slow_timeout %s", c.BackgroundTimeout, c.SlowTimeout)
	}
	if c.MaxBackground < 0 {
		return errors.New("max_background must not be negative")
	}
	// Both terms must contribute.
	if c.TopWeightMix <= 0 || c.TopWeightMix >= 1 {
		return fmt.Errorf("top_weight_mix %v outside (0,1)", c.TopWeightMix)
	}
	if c.Failsafe.Name == "" {
		return errors.New("failsafe action needs a name")
	}
	if c.Shadow.Enabled && (c.Shadow.Rate <= 0 || c.Shadow.Burst <= 0) {
		return errors.New("shadow rate and burst must be positive")
	}
	return nil
}

// Arbiter runs the decision state machine:
//
//	Start → AttemptFast → {FastAccepted | FastRejected}
//	FastRejected → AttemptSlow → {SlowAccepted | SlowRejected}
//	→ Terminal(Executed | Failsafe)
//
// A rejected fast path is never retried within a cycle, and a failed slow path
// ends the cycle in failsafe. Decide never returns an error.
type Arbiter struct {
	cfg   Config
	mem   *memory.Memory
	fast  *FastResolver
	log   zerolog.Logger
	now   func() time.Time
	idgen func() string

	policy        Policy
	fastValidator Validator
	fullValidator Validator
	recorders     []Recorder
	learner       Learner
	ticker        Ticker
	distance      ActionDistance

	flights       singleflight.Group
	fmu           sync.Mutex
	inflight      map[string]*flight
	background    *semaphore.Weighted
	shadowLimiter *rate.Limiter
	wg            sync.WaitGroup
	closed        atomic.Bool

	stats counters
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(a *Arbiter) { a.cfg = cfg }
}

// WithFastValidator sets the low-latency validator run on reflex intents.
func WithFastValidator(v Validator) Option {
	return func(a *Arbiter) { a.fastValidator = v }
}

// WithFullValidator sets the complete validator run on deliberate intents.
func WithFullValidator(v Validator) Option {
	return func(a *Arbiter) { a.fullValidator = v }
}

// WithRecorder adds a decision recorder.
func WithRecorder(r Recorder) Option {
	return func(a *Arbiter) { a.recorders = append(a.recorders, r) }
}

// WithLearner sets where validated deliberate outcomes are sent.
func WithLearner(l Learner) Option {
	return func(a *Arbiter) { a.learner = l }
}

// WithTicker sets the component notified after each lookup.
func WithTicker(t Ticker) Option {
	return func(a *Arbiter) { a.ticker = t }
}

// WithActionDistance replaces DefaultActionDistance for shadow mode.
func WithActionDistance(d ActionDistance) Option {
	return func(a *Arbiter) { a.distance = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Arbiter) { a.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Arbiter) { a.now = now }
}

// NewArbiter creates an arbiter. Validators default to AllowAll.
func NewArbiter(mem *memory.Memory, fast *FastResolver, policy Policy, opts ...Option) (*Arbiter, error) {
	if mem == nil || fast == nil || policy == nil {
		return nil, errors.New("router: memory, resolver and policy are required")
	}
	a := &Arbiter{
		cfg:           DefaultConfig(),
		mem:           mem,
		fast:          fast,
		policy:        policy,
		log:           zerolog.Nop(),
		now:           time.Now,
		idgen:         uuid.NewString,
		fastValidator: AllowAll,
		fullValidator: AllowAll,
		distance:      DefaultActionDistance,
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	a.background = semaphore.NewWeighted(a.cfg.MaxBackground)
	a.inflight = make(map[string]*flight)
	a.shadowLimiter = rate.NewLimiter(rate.Limit(a.cfg.Shadow.Rate), a.cfg.Shadow.Burst)
	return a, nil
}

// Decide runs one decision cycle for state. The returned record always holds
// a well-formed action; failures are visible through Source and Reason.
func (a *Arbiter) Decide(ctx context.Context, state spatial.StateVector) DecisionRecord {
	start := a.now()
	rec := DecisionRecord{ID: a.idgen(), State: state}

	// AttemptFast
	key := a.mem.Key(state)
	rec.Sector = key
	candidates := a.mem.Lookup(key)
	if a.ticker != nil {
		a.ticker.Tick()
	}
	match, reason, ok := a.fast.Resolve(state, key, candidates)
	if ok {
		score := match.Score()
		if score >= a.cfg.AcceptThreshold {
			intent := Intent{
				State:      state,
				Action:     match.Reflex.Action,
				Source:     SourceReflex,
				Confidence: score,
				ReflexID:   match.Reflex.ID,
			}
			err := a.fastValidator.Validate(ctx, intent)
			if err == nil {
				// FastAccepted
				rec.Action = intent.Action
				rec.Source = SourceReflex
				rec.Confidence = score
				rec.ReflexID = match.Reflex.ID
				rec.FastLatency = a.now().Sub(start)
				a.finish(&rec, start)
				a.shadow(ctx, state, rec.Action)
				return rec
			}
			reason = ReasonFastValidationRejected
			a.log.Debug().Err(err).Uint64("reflex", uint64(match.Reflex.ID)).Msg("fast validation rejected")
		} else {
			reason = ReasonIneligibleCandidate
		}
	}
	rec.FastLatency = a.now().Sub(start)
	rec.Reason = reason

	// AttemptSlow
	slowStart := a.now()
	proposal, err := a.computeSlow(ctx, state)
	if err == nil {
		var choice Choice
		var conf float64
		choice, conf, err = Evaluate(proposal, a.cfg.TopWeightMix)
		if err == nil {
			rec.SlowLatency = a.now().Sub(slowStart)
			a.stats.slowLatency.Add(int64(rec.SlowLatency))
			a.stats.slowSamples.Add(1)
			a.acceptSlow(ctx, &rec, start, choice, conf)
			return rec
		}
	}
	rec.SlowLatency = a.now().Sub(slowStart)
	a.stats.slowLatency.Add(int64(rec.SlowLatency))
	a.stats.slowSamples.Add(1)

	if errors.Is(err, errSlowTimeout) || errors.Is(err, context.DeadlineExceeded) {
		a.failsafe(&rec, start, ReasonSlowComputeTimeout, err)
	} else {
		a.failsafe(&rec, start, ReasonSlowComputeFailure, err)
	}
	return rec
}

func (a *Arbiter) acceptSlow(ctx context.Context, rec *DecisionRecord, start time.Time, choice Choice, conf float64) {
	intent := Intent{State: rec.State, Action: choice.Action, Source: SourceDeliberate, Confidence: conf}
	if err := a.fullValidator.Validate(ctx, intent); err != nil {
		a.failsafe(rec, start, ReasonFullValidationRejected, err)
		return
	}
	// SlowAccepted
	rec.Action = choice.Action
	rec.Source = SourceDeliberate
	rec.Confidence = conf
	a.finish(rec, start)
	if a.learner != nil {
		a.learner.Learn(rec.State, rec.Action, conf)
	}
}

func (a *Arbiter) failsafe(rec *DecisionRecord, start time.Time, reason Reason, err error) {
	rec.Action = a.cfg.Failsafe
	rec.Source = SourceFailsafe
	rec.Confidence = 0
	rec.ReflexID = 0
	rec.Reason = reason
	a.log.Debug().Err(err).Str("reason", reason.String()).Msg("decision ended in failsafe")
	a.finish(rec, start)
}

// finish stamps the record, updates counters and hands it to the recorders.
func (a *Arbiter) finish(rec *DecisionRecord, start time.Time) {
	rec.DecidedAt = a.now()
	rec.Latency = rec.DecidedAt.Sub(start)

	a.stats.decisions.Add(1)
	a.stats.bySource[rec.Source].Add(1)
	a.stats.byReason[rec.Reason].Add(1)
	if rec.Source == SourceReflex {
		a.stats.fastLatency.Add(int64(rec.Latency))
	}
	for _, r := range a.recorders {
		r.Record(*rec)
	}
}

// Close waits for background and shadow computations to finish. Decide must
// not be called after Close.
func (a *Arbiter) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.wg.Wait()
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATS
// ═══════════════════════════════════════════════════════════════════════════════

type counters struct {
	decisions   atomic.Uint64
	bySource    [SourceFailsafe + 1]atomic.Uint64
	byReason    [numReasons]atomic.Uint64
	fastLatency atomic.Int64
	slowLatency atomic.Int64
	slowSamples atomic.Uint64

	background    atomic.Uint64
	cancelled     atomic.Uint64
	late          atomic.Uint64
	shadowRuns    atomic.Uint64
	disagreements atomic.Uint64
}

// Stats is a snapshot of arbiter counters.
type Stats struct {
	Decisions  uint64            `json:"decisions"`
	Reflex     uint64            `json:"reflex"`
	Deliberate uint64            `json:"deliberate"`
	Failsafe   uint64            `json:"failsafe"`
	ByReason   map[string]uint64 `json:"by_reason"`

	// AvgFastLatency is the mean latency of reflex decisions.
	AvgFastLatency time.Duration `json:"avg_fast_latency_ns"`
	// AvgSlowLatency is the mean time spent waiting on the policy.
	AvgSlowLatency time.Duration `json:"avg_slow_latency_ns"`

	BackgroundRuns      uint64 `json:"background_runs"`
	CancelledRuns       uint64 `json:"cancelled_runs"`
	LateResults         uint64 `json:"late_results"`
	ShadowRuns          uint64 `json:"shadow_runs"`
	ShadowDisagreements uint64 `json:"shadow_disagreements"`
}

// Stats returns a snapshot of the counters.
func (a *Arbiter) Stats() Stats {
	s := Stats{
		Decisions:           a.stats.decisions.Load(),
		Reflex:              a.stats.bySource[SourceReflex].Load(),
		Deliberate:          a.stats.bySource[SourceDeliberate].Load(),
		Failsafe:            a.stats.bySource[SourceFailsafe].Load(),
		ByReason:            make(map[string]uint64, numReasons),
		BackgroundRuns:      a.stats.background.Load(),
		CancelledRuns:       a.stats.cancelled.Load(),
		LateResults:         a.stats.late.Load(),
		ShadowRuns:          a.stats.shadowRuns.Load(),
		ShadowDisagreements: a.stats.disagreements.Load(),
	}
	for r := ReasonLookupMiss; r < numReasons; r++ {
		s.ByReason[r.String()] = a.stats.byReason[r].Load()
	}
	if s.Reflex > 0 {
		s.AvgFastLatency = time.Duration(a.stats.fastLatency.Load() / int64(s.Reflex))
	}
	if n := a.stats.slowSamples.Load(); n > 0 {
		s.AvgSlowLatency = time.Duration(a.stats.slowLatency.Load() / int64(n))
	}
	return s
}

// Config returns the active configuration.
func (a *Arbiter) Config() Config { return a.cfg }
