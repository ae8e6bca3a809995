package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/normanking/cortex-reflex/internal/logging"
	"github.com/normanking/cortex-reflex/internal/memory"
	"github.com/normanking/cortex-reflex/internal/metrics"
	"github.com/normanking/cortex-reflex/internal/reflex"
	"github.com/normanking/cortex-reflex/internal/router"
	"github.com/normanking/cortex-reflex/internal/sleep"
)

// snapshotTimeout bounds the final snapshot written by Close.
const snapshotTimeout = 10 * time.Second

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// Start launches the background loops: consolidation and decay, the decision
// log writer, periodic snapshots and retention pruning. They stop when ctx is
// done or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return ErrStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.sleep.Run(gctx) })
	if e.sink != nil {
		g.Go(func() error { return e.sink.Run(gctx) })
	}
	if e.db != nil && e.cfg.Storage.SnapshotInterval > 0 {
		g.Go(func() error {
			e.every(gctx, e.cfg.Storage.SnapshotInterval, func(ctx context.Context) {
				if err := e.SaveSnapshot(ctx); err != nil {
					e.log.Warn().Err(err).Msg("reflex snapshot failed")
				}
			})
			return nil
		})
	}
	if e.db != nil && e.cfg.Storage.Retention > 0 {
		g.Go(func() error {
			e.every(gctx, time.Hour, e.prune)
			return nil
		})
	}

	e.cancel = cancel
	e.done = make(chan error, 1)
	go func() { e.done <- g.Wait() }()
	e.started = true
	e.log.Info().Msg("engine started")
	return nil
}

func (e *Engine) every(ctx context.Context, d time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (e *Engine) prune(ctx context.Context) {
	n, err := e.db.PruneDecisions(ctx, e.now().Add(-e.cfg.Storage.Retention))
	if err != nil {
		e.log.Warn().Err(err).Msg("decision pruning failed")
		return
	}
	if n > 0 {
		e.log.Debug().Int64("deleted", n).Msg("old decisions pruned")
	}
}

// Close stops the background loops, waits for in-flight policy calls,
// applies queued observations, saves a final snapshot and releases storage.
// Decide must not be called after Close.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	// Late slow-path results may still be learned, so the arbiter goes first.
	e.arbiter.Close()
	e.rebuilds.Wait()

	var errs []error
	if started {
		e.cancel()
		if err := <-e.done; err != nil {
			errs = append(errs, err)
		}
	} else if e.sink != nil {
		// Never started: a cancelled run just flushes what was queued.
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := e.sink.Run(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if n := e.sleep.Drain(); n > 0 {
		e.log.Debug().Int("observations", n).Msg("drained consolidation queue")
	}
	if e.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		err := e.SaveSnapshot(ctx)
		cancel()
		if err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, e.release())
	e.log.Info().Msg("engine closed")
	return errors.Join(errs...)
}

// release closes what New opened. It is safe on a partly built engine.
func (e *Engine) release() error {
	var errs []error
	if e.bus != nil {
		if err := e.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.policyCloser != nil {
		if err := e.policyCloser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close policy: %w", err))
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ═══════════════════════════════════════════════════════════════════════════════
// SNAPSHOTS
// ═══════════════════════════════════════════════════════════════════════════════

// SaveSnapshot persists every reflex, replacing the previous snapshot.
func (e *Engine) SaveSnapshot(ctx context.Context) error {
	if e.db == nil {
		return ErrNoStorage
	}
	rs := make([]reflex.Reflex, 0, e.store.Len())
	e.store.Range(func(r *reflex.Reflex) bool {
		rs = append(rs, *r)
		return true
	})
	if err := e.db.SaveReflexes(logging.DetachContext(ctx), rs); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	e.log.Debug().Int("reflexes", len(rs)).Msg("reflex snapshot saved")
	return nil
}

// restore loads the last snapshot into the store and memory. Reflexes get new
// ids; their timestamps are kept so decay resumes where it left off.
func (e *Engine) restore(ctx context.Context) error {
	rs, err := e.db.LoadReflexes(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	for _, r := range rs {
		added := e.store.Restore(r)
		e.mem.Index(added.Anchor, added.ID)
	}
	if len(rs) > 0 {
		e.log.Info().Int("reflexes", len(rs)).Msg("reflex snapshot restored")
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATS
// ═══════════════════════════════════════════════════════════════════════════════

// Stats is a snapshot of lifetime engine statistics.
type Stats struct {
	Decisions     router.Stats       `json:"decisions"`
	Memory        memory.Stats       `json:"memory"`
	HitRate       float64            `json:"hit_rate"`
	MissRate      float64            `json:"miss_rate"`
	CollisionRate float64            `json:"collision_rate"`
	Sectors       int                `json:"sectors"`
	Reflexes      reflex.TierCounts  `json:"reflexes"`
	Consolidation sleep.Stats        `json:"consolidation"`
	Shift         uint8              `json:"shift"`
	Generation    uint64             `json:"generation"`
	Adjustments   uint64             `json:"adjustments"`
	Published     uint64             `json:"published"`
	StreamDropped uint64             `json:"stream_dropped"`
	Sink          *metrics.SinkStats `json:"sink,omitempty"`
}

// Stats returns lifetime statistics.
func (e *Engine) Stats() Stats {
	totals := e.mem.Totals()
	shifts := e.res.Load()
	s := Stats{
		Decisions:     e.arbiter.Stats(),
		Memory:        totals,
		HitRate:       totals.HitRate(),
		MissRate:      totals.MissRate(),
		CollisionRate: totals.CollisionRate(),
		Sectors:       e.mem.Len(),
		Reflexes:      e.store.Counts(),
		Consolidation: e.sleep.Stats(),
		Shift:         shifts.Default(),
		Generation:    shifts.Generation(),
		Published:     e.bus.Published(),
		StreamDropped: e.bus.Dropped(),
	}
	if e.tuner != nil {
		s.Adjustments = e.tuner.Adjustments()
	}
	if e.sink != nil {
		ss := e.sink.Stats()
		s.Sink = &ss
	}
	return s
}

func (e *Engine) registerGauges() {
	p := e.prom
	p.Gauge("hash_shift", "Current default hash shift.", func() float64 {
		return float64(e.res.Load().Default())
	})
	p.Gauge("memory_sectors", "Sectors held by the associative memory.", func() float64 {
		return float64(e.mem.Len())
	})
	p.Counter("memory_lookups_total", "Associative memory lookups.", func() float64 {
		return float64(e.mem.Totals().Lookups)
	})
	p.Counter("memory_hits_total", "Associative memory hits.", func() float64 {
		return float64(e.mem.Totals().Hits)
	})
	p.Counter("memory_collisions_total", "Lookups that found more than one candidate.", func() float64 {
		return float64(e.mem.Totals().Collisions)
	})
	p.Counter("memory_evictions_total", "Sectors evicted from a full shard.", func() float64 {
		return float64(e.mem.Totals().Evictions)
	})
	for _, tier := range reflex.Tiers {
		p.Gauge("reflexes_"+tier.String(), "Reflexes in the "+tier.String()+" tier.", func() float64 {
			c := e.store.Counts()
			switch tier {
			case reflex.Immutable:
				return float64(c.Immutable)
			case reflex.Learnable:
				return float64(c.Learnable)
			default:
				return float64(c.Hypothesis)
			}
		})
	}
	p.Counter("shadow_disagreements_total", "Shadow evaluations that disagreed with a reflex.", func() float64 {
		return float64(e.arbiter.Stats().ShadowDisagreements)
	})
	p.Counter("consolidation_dropped_total", "Observations dropped on a full queue.", func() float64 {
		return float64(e.sleep.Stats().Dropped)
	})
	p.Counter("reflexes_promoted_total", "Hypotheses promoted to learnable.", func() float64 {
		return float64(e.sleep.Stats().Promoted)
	})
	p.Counter("stream_dropped_total", "Decisions a slow subscriber missed.", func() float64 {
		return float64(e.bus.Dropped())
	})
	if e.tuner != nil {
		p.Counter("resolution_adjustments_total", "Resolution changes made by the tuner.", func() float64 {
			return float64(e.tuner.Adjustments())
		})
	}
}
