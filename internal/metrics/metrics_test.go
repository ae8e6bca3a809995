package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/normanking/cortex-reflex/internal/router"
)

func rec(id string, src router.Source, reason router.Reason) router.DecisionRecord {
	return router.DecisionRecord{
		ID:          id,
		Source:      src,
		Reason:      reason,
		FastLatency: time.Microsecond,
		Latency:     time.Millisecond,
	}
}

// ============================================================================
// Prometheus
// ============================================================================

func TestPrometheus_Record(t *testing.T) {
	p := NewPrometheus()
	p.Record(rec("1", router.SourceReflex, router.ReasonNone))
	p.Record(rec("2", router.SourceReflex, router.ReasonNone))
	slow := rec("3", router.SourceFailsafe, router.ReasonSlowComputeTimeout)
	slow.SlowLatency = 200 * time.Millisecond
	p.Record(slow)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.decisions.WithLabelValues("reflex", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.decisions.WithLabelValues("failsafe", "slow_compute_timeout")))
	assert.Equal(t, 1, testutil.CollectAndCount(p.slow))
	assert.Equal(t, 2, testutil.CollectAndCount(p.latency))
}

func TestPrometheus_GaugeAndHandler(t *testing.T) {
	p := NewPrometheus()
	shift := 7.0
	p.Gauge("hash_shift", "Current default shift.", func() float64 { return shift })
	p.Counter("evictions_total", "Memory evictions.", func() float64 { return 3 })
	p.Record(rec("1", router.SourceDeliberate, router.ReasonLookupMiss))

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "reflex_hash_shift 7")
	assert.Contains(t, string(body), "reflex_evictions_total 3")
	assert.Contains(t, string(body), `reflex_decisions_total{reason="lookup_miss",source="deliberate"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

// ============================================================================
// Sink
// ============================================================================

type memWriter struct {
	mu      sync.Mutex
	batches [][]router.DecisionRecord
	err     error
}

func (w *memWriter) InsertDecisions(_ context.Context, recs []router.DecisionRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, append([]router.DecisionRecord(nil), recs...))
	return nil
}

func (w *memWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func TestSink_BatchesAndFlushesOnStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := &memWriter{}
	cfg := DefaultSinkConfig()
	cfg.BatchSize = 4
	cfg.FlushInterval = time.Hour
	s, err := NewSink(w, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := 0; i < 10; i++ {
		s.Record(rec("x", router.SourceReflex, router.ReasonNone))
	}
	require.Eventually(t, func() bool { return w.total() >= 8 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 10, w.total())
	assert.Equal(t, uint64(10), s.Stats().Written)
	for _, b := range w.batches {
		assert.LessOrEqual(t, len(b), 4)
	}
}

func TestSink_FlushInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := &memWriter{}
	cfg := DefaultSinkConfig()
	cfg.FlushInterval = 5 * time.Millisecond
	s, err := NewSink(w, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Record(rec("x", router.SourceReflex, router.ReasonNone))
	require.Eventually(t, func() bool { return w.total() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestSink_DropsWhenFull(t *testing.T) {
	cfg := DefaultSinkConfig()
	cfg.QueueSize = 2
	s, err := NewSink(&memWriter{}, cfg)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		s.Record(rec("x", router.SourceReflex, router.ReasonNone))
	}
	st := s.Stats()
	assert.Equal(t, uint64(3), st.Dropped)
	assert.Equal(t, 2, st.Queued)
}

func TestSink_WriteFailureCounted(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := &memWriter{err: errors.New("disk full")}
	s, err := NewSink(w, DefaultSinkConfig())
	require.NoError(t, err)

	s.Record(rec("x", router.SourceReflex, router.ReasonNone))
	s.Record(rec("y", router.SourceReflex, router.ReasonNone))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, uint64(2), s.Stats().Failed)
	assert.Zero(t, s.Stats().Written)
}

func TestSinkConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultSinkConfig().Validate())
	_, err := NewSink(&memWriter{}, SinkConfig{})
	assert.Error(t, err)
}
