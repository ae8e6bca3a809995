package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortex-reflex/internal/logging"
	"github.com/normanking/cortex-reflex/internal/router"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DECISION SINK
// ═══════════════════════════════════════════════════════════════════════════════

// DecisionWriter persists batches of decisions.
type DecisionWriter interface {
	InsertDecisions(ctx context.Context, recs []router.DecisionRecord) error
}

// SinkConfig configures a Sink.
type SinkConfig struct {
	QueueSize     int           `mapstructure:"queue_size" yaml:"queue_size"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	// WriteTimeout bounds each batch write, including the final flush.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// DefaultSinkConfig returns the default sink configuration.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		QueueSize:     4096,
		BatchSize:     128,
		FlushInterval: time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

// Validate checks the configuration.
func (c SinkConfig) Validate() error {
	if c.QueueSize <= 0 || c.BatchSize <= 0 || c.FlushInterval <= 0 || c.WriteTimeout <= 0 {
		return errors.New("sink queue_size, batch_size, flush_interval and write_timeout must be positive")
	}
	return nil
}

// SinkStats counts sink activity.
type SinkStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Queued  int    `json:"queued"`
}

// Sink is a fire-and-forget recorder that batches decisions into a
// DecisionWriter. Recording never blocks the decision path: when the queue is
// full the record is dropped and counted.
type Sink struct {
	cfg   SinkConfig
	w     DecisionWriter
	log   zerolog.Logger
	queue chan router.DecisionRecord

	written, dropped, failed atomic.Uint64
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithSinkLogger sets the logger.
func WithSinkLogger(l zerolog.Logger) SinkOption {
	return func(s *Sink) { s.log = l }
}

// NewSink creates a sink writing to w.
func NewSink(w DecisionWriter, cfg SinkConfig, opts ...SinkOption) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Sink{
		cfg:   cfg,
		w:     w,
		log:   zerolog.Nop(),
		queue: make(chan router.DecisionRecord, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Record implements router.Recorder.
func (s *Sink) Record(rec router.DecisionRecord) {
	select {
	case s.queue <- rec:
	default:
		s.dropped.Add(1)
	}
}

// Run writes batches until ctx is done, then flushes what is still queued.
func (s *Sink) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]router.DecisionRecord, 0, s.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			s.drain(&batch)
			s.flush(logging.DetachContext(ctx), &batch)
			return nil
		case rec := <-s.queue:
			batch = append(batch, rec)
			if len(batch) >= s.cfg.BatchSize {
				s.flush(ctx, &batch)
			}
		case <-ticker.C:
			s.flush(ctx, &batch)
		}
	}
}

// drain moves every queued record into batch.
func (s *Sink) drain(batch *[]router.DecisionRecord) {
	for {
		select {
		case rec := <-s.queue:
			*batch = append(*batch, rec)
		default:
			return
		}
	}
}

func (s *Sink) flush(ctx context.Context, batch *[]router.DecisionRecord) {
	if len(*batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	for start := 0; start < len(*batch); start += s.cfg.BatchSize {
		chunk := (*batch)[start:min(start+s.cfg.BatchSize, len(*batch))]
		if err := s.w.InsertDecisions(ctx, chunk); err != nil {
			s.failed.Add(uint64(len(chunk)))
			s.log.Warn().Err(err).Int("records", len(chunk)).Msg("decision batch write failed")
			continue
		}
		s.written.Add(uint64(len(chunk)))
	}
	clear(*batch)
	*batch = (*batch)[:0]
}

// Stats returns a snapshot of the counters.
func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Written: s.written.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
		Queued:  len(s.queue),
	}
}
