// Package engine is the caller-facing API of the reflex decision core. An
// Engine owns every component (hash resolution, reflex store, associative
// memory, tuner, arbiter, consolidator, decision stream, metrics and
// optional SQLite storage) and exposes Decide, Report, Author and Stats.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/normanking/cortex-reflex/internal/bus"
	"github.com/normanking/cortex-reflex/internal/config"
	"github.com/normanking/cortex-reflex/internal/data"
	"github.com/normanking/cortex-reflex/internal/logging"
	"github.com/normanking/cortex-reflex/internal/memory"
	"github.com/normanking/cortex-reflex/internal/metrics"
	"github.com/normanking/cortex-reflex/internal/policy"
	"github.com/normanking/cortex-reflex/internal/reflex"
	"github.com/normanking/cortex-reflex/internal/router"
	"github.com/normanking/cortex-reflex/internal/sleep"
	"github.com/normanking/cortex-reflex/internal/spatial"
	"github.com/normanking/cortex-reflex/internal/tuner"
	"github.com/normanking/cortex-reflex/internal/validate"
)

// Errors
var (
	ErrNoStorage      = errors.New("storage is disabled")
	ErrStarted        = errors.New("engine already started")
	ErrClosed         = errors.New("engine is closed")
	ErrHypothesisSeed = errors.New("authored reflexes must be learnable or immutable")

	ErrUnknownDecision = errors.New("unknown or expired decision")
	ErrReported        = errors.New("decision already reported")
	ErrNotReportable   = errors.New("failsafe decisions cannot be reported")
	ErrQueueFull       = errors.New("consolidation queue is full")
)

// Decision is the outcome of one decision cycle.
type Decision = router.DecisionRecord

// issued is a decision awaiting its outcome.
type issued struct {
	d        Decision
	reported atomic.Bool
}

// Engine is the decision core.
type Engine struct {
	cfg *config.Config
	log zerolog.Logger
	now func() time.Time

	res     *spatial.Resolution
	store   *reflex.Store
	mem     *memory.Memory
	tuner   *tuner.Tuner
	arbiter *router.Arbiter
	sleep   *sleep.Consolidator
	bus     *bus.Bus
	prom    *metrics.Prometheus
	recent  *lru.Cache[string, *issued]

	db   *data.Store
	sink *metrics.Sink

	policy       router.Policy
	policyCloser io.Closer

	// rebuilds runs tuner-triggered re-indexing off the decision path.
	rebuilds      sync.WaitGroup
	rebuildMu     sync.Mutex
	rebuildQueued atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	started bool
	closed  bool
}

type options struct {
	log       zerolog.Logger
	now       func() time.Time
	policy    router.Policy
	fast      router.Validator
	full      router.Validator
	recorders []router.Recorder
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the root logger; each component gets a child logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithPolicy replaces the policy selected by configuration.
func WithPolicy(p router.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithFastValidator replaces the configured bounds validator.
func WithFastValidator(v router.Validator) Option {
	return func(o *options) { o.fast = v }
}

// WithFullValidator replaces the configured full validator.
func WithFullValidator(v router.Validator) Option {
	return func(o *options) { o.full = v }
}

// WithRecorder adds a recorder that sees every decision.
func WithRecorder(r router.Recorder) Option {
	return func(o *options) { o.recorders = append(o.recorders, r) }
}

// New builds an engine from cfg. With storage enabled the last reflex
// snapshot is restored before seeds are applied.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{cfg: cfg, log: logging.Component(o.log, "engine"), now: o.now}
	ok := false
	defer func() {
		if !ok {
			e.release()
		}
	}()

	shifts, err := spatial.NewShiftConfig(cfg.Hash.DefaultShift, cfg.Hash.Overrides)
	if err != nil {
		return nil, err
	}
	if e.res, err = spatial.NewResolution(shifts, cfg.Hash.Bounds()); err != nil {
		return nil, err
	}
	e.store = reflex.NewStore(reflex.WithClock(o.now))
	e.mem, err = memory.New(e.res,
		memory.WithCapacity(cfg.Memory.Capacity),
		memory.WithLogger(logging.Component(o.log, "memory")))
	if err != nil {
		return nil, err
	}

	if cfg.Storage.Enabled {
		if e.db, err = data.Open(cfg.Storage.DataDir); err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		if err := e.restore(context.Background()); err != nil {
			return nil, err
		}
		if e.sink, err = metrics.NewSink(e.db, cfg.Storage.Sink,
			metrics.WithSinkLogger(logging.Component(o.log, "sink"))); err != nil {
			return nil, err
		}
	}
	if err := e.seed(); err != nil {
		return nil, err
	}

	sim, err := cfg.Resolver.SimilarityFunc()
	if err != nil {
		return nil, err
	}
	e.sleep, err = sleep.New(e.store, e.mem, cfg.Sleep,
		sleep.WithLogger(logging.Component(o.log, "sleep")),
		sleep.WithClock(o.now),
		sleep.WithSimilarity(sim))
	if err != nil {
		return nil, err
	}
	if e.recent, err = lru.New[string, *issued](cfg.Feedback.Window); err != nil {
		return nil, err
	}

	if e.policy = o.policy; e.policy == nil {
		if e.policy, e.policyCloser, err = buildPolicy(cfg.Policy); err != nil {
			return nil, err
		}
	}
	fast, full, err := buildValidators(cfg.Validation)
	if err != nil {
		return nil, err
	}
	if o.fast != nil {
		fast = o.fast
	}
	if o.full != nil {
		full = o.full
	}

	resolver := router.NewFastResolver(e.store, cfg.Resolver.Eligibility(), sim, cfg.Resolver.MinSimilarity)

	e.bus = bus.NewWithHistory(max(cfg.Server.HistoryLimit, bus.DefaultHistorySize))
	e.prom = metrics.NewPrometheus()

	ropts := []router.Option{
		router.WithConfig(cfg.Arbiter),
		router.WithFastValidator(fast),
		router.WithFullValidator(full),
		router.WithLearner(e.sleep),
		router.WithRecorder(e.bus),
		router.WithRecorder(e.prom),
		router.WithLogger(logging.Component(o.log, "router")),
		router.WithClock(o.now),
	}
	if e.sink != nil {
		ropts = append(ropts, router.WithRecorder(e.sink))
	}
	for _, r := range o.recorders {
		ropts = append(ropts, router.WithRecorder(r))
	}
	if cfg.Tuner.Enabled {
		e.tuner, err = tuner.New(e.mem, cfg.Tuner.Config,
			tuner.WithLogger(logging.Component(o.log, "tuner")),
			tuner.WithClock(o.now),
			tuner.OnAdjust(e.rebuild))
		if err != nil {
			return nil, err
		}
		ropts = append(ropts, router.WithTicker(e.tuner))
	}
	if e.arbiter, err = router.NewArbiter(e.mem, resolver, e.policy, ropts...); err != nil {
		return nil, err
	}
	e.registerGauges()

	ok = true
	e.log.Info().
		Int("reflexes", e.store.Len()).
		Uint8("shift", cfg.Hash.DefaultShift).
		Bool("storage", e.db != nil).
		Bool("tuner", e.tuner != nil).
		Msg("engine ready")
	return e, nil
}

func buildPolicy(cfg config.PolicyConfig) (router.Policy, io.Closer, error) {
	switch cfg.Mode {
	case "table":
		t, err := cfg.TablePolicy()
		return t, nil, err
	case "remote":
		r, err := policy.Dial(cfg.Address)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	default:
		return nil, nil, fmt.Errorf("unknown policy mode %q", cfg.Mode)
	}
}

func buildValidators(cfg config.ValidationConfig) (fast, full router.Validator, err error) {
	bounds, err := validate.NewBounds(cfg.Bounds)
	if err != nil {
		return nil, nil, err
	}
	rules, err := validate.FromConfig(cfg.Rules)
	if err != nil {
		return nil, nil, err
	}
	return bounds, validate.Chain(bounds, rules), nil
}

// rebuild schedules a re-index of every reflex after the tuner moved the
// resolution. Adjustments that arrive while one is queued share it; a rebuild
// always reads the latest resolution.
func (e *Engine) rebuild(adj tuner.Adjustment) {
	if !e.rebuildQueued.CompareAndSwap(false, true) {
		return
	}
	e.rebuilds.Add(1)
	go func() {
		defer e.rebuilds.Done()
		e.rebuildMu.Lock()
		defer e.rebuildMu.Unlock()
		e.rebuildQueued.Store(false)
		if err := e.mem.Rebuild(e.store.Range); err != nil {
			e.log.Error().Err(err).Uint8("shift", adj.To).Msg("memory rebuild failed")
		}
	}()
}

// ═══════════════════════════════════════════════════════════════════════════════
// DECISIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Decide runs one decision cycle. It never fails: problems surface as a
// failsafe decision with a reason.
func (e *Engine) Decide(ctx context.Context, state spatial.StateVector) Decision {
	d := e.arbiter.Decide(ctx, state)
	e.recent.Add(d.ID, &issued{d: d})
	return d
}

// Report feeds back whether the decision with id worked out. Reflex decisions
// reinforce or weaken their reflex; a successful deliberate decision creates
// or strengthens one, a failed one discards its pairing. Each decision counts
// once. Only the last Feedback.Window decisions can be reported.
func (e *Engine) Report(id string, success bool) error {
	it, ok := e.recent.Get(id)
	if !ok {
		return ErrUnknownDecision
	}
	if it.d.Source == router.SourceFailsafe {
		return ErrNotReportable
	}
	if it.reported.Swap(true) {
		return ErrReported
	}
	quality := 0.0
	if success {
		quality = 1
	}
	queued := e.sleep.Submit(sleep.Observation{
		State:      it.d.State,
		Action:     it.d.Action,
		Quality:    quality,
		Confidence: it.d.Confidence,
		ReflexID:   it.d.ReflexID,
	})
	if !queued {
		it.reported.Store(false)
		return ErrQueueFull
	}
	return nil
}

// Observe queues an observation from an external pattern feed.
func (e *Engine) Observe(o sleep.Observation) bool {
	return e.sleep.Submit(o)
}

// Author installs a hand-written reflex. Learnable reflexes without rates get
// the configured learnable rates.
func (e *Engine) Author(r reflex.Reflex) (*reflex.Reflex, error) {
	if r.Tier == reflex.Hypothesis {
		return nil, ErrHypothesisSeed
	}
	if r.Action.Name == "" {
		return nil, errors.New("authored reflex needs an action name")
	}
	if r.Tier == reflex.Learnable && r.Rates == (reflex.Rates{}) {
		r.Rates = e.cfg.Sleep.LearnableRates
	}
	added := e.store.Add(r)
	e.mem.Index(added.Anchor, added.ID)
	e.log.Debug().
		Uint64("reflex", uint64(added.ID)).
		Str("action", added.Action.Name).
		Str("tier", added.Tier.String()).
		Msg("reflex authored")
	return added, nil
}

// seed authors the configured seeds, skipping any already present after a
// restore.
func (e *Engine) seed() error {
	for i, s := range e.cfg.Seeds {
		r, err := s.Reflex(e.cfg.Sleep.LearnableRates)
		if err != nil {
			return fmt.Errorf("seeds[%d]: %w", i, err)
		}
		if e.has(r.Anchor, r.Action.Name) {
			continue
		}
		if _, err := e.Author(r); err != nil {
			return fmt.Errorf("seeds[%d]: %w", i, err)
		}
	}
	return nil
}

func (e *Engine) has(anchor spatial.StateVector, action string) bool {
	found := false
	e.store.Range(func(r *reflex.Reflex) bool {
		found = r.Anchor == anchor && r.Action.Name == action
		return !found
	})
	return found
}

// Reflex returns the reflex with id.
func (e *Engine) Reflex(id reflex.ID) (*reflex.Reflex, bool) {
	return e.store.Get(id)
}

// Subscribe streams decisions, optionally filtered by source. Call the
// returned function to unsubscribe.
func (e *Engine) Subscribe(buffer int, sources ...router.Source) (<-chan Decision, func(), error) {
	return e.bus.Subscribe(buffer, sources...)
}

// History returns up to n recent decisions, oldest first.
func (e *Engine) History(n int) []Decision {
	return e.bus.History(n)
}

// RecentDecisions reads the persisted decision log, newest first.
func (e *Engine) RecentDecisions(ctx context.Context, limit int) ([]Decision, error) {
	if e.db == nil {
		return nil, ErrNoStorage
	}
	return e.db.RecentDecisions(ctx, limit)
}

// Daily is one day of persisted decision aggregates.
type Daily struct {
	data.DailyStats
	ReflexRate float64 `json:"reflex_rate"`
}

// Daily reads the aggregates for date (YYYY-MM-DD) from the decision log.
// Decisions still buffered by the sink are not counted yet.
func (e *Engine) Daily(ctx context.Context, date string) (Daily, error) {
	if e.db == nil {
		return Daily{}, ErrNoStorage
	}
	st, err := e.db.DailyStats(ctx, date)
	if err != nil {
		return Daily{}, err
	}
	return Daily{DailyStats: st, ReflexRate: st.ReflexRate()}, nil
}

// Health checks the engine's storage. An engine without storage is healthy.
func (e *Engine) Health(ctx context.Context) error {
	if e.db == nil {
		return nil
	}
	return e.db.Health(ctx)
}

// Metrics serves the Prometheus registry.
func (e *Engine) Metrics() http.Handler { return e.prom.Handler() }

// Config returns the active configuration.
func (e *Engine) Config() *config.Config { return e.cfg }
