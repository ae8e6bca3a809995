// Package metrics exports decision metrics to Prometheus and writes the
// decision log to storage in the background.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/normanking/cortex-reflex/internal/router"
)

const namespace = "reflex"

// ═══════════════════════════════════════════════════════════════════════════════
// PROMETHEUS
// ═══════════════════════════════════════════════════════════════════════════════

// Prometheus holds the decision metrics on a private registry.
type Prometheus struct {
	reg *prometheus.Registry

	decisions *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	fast      prometheus.Histogram
	slow      prometheus.Histogram
}

// NewPrometheus creates the metric set. Go runtime and process collectors are
// registered alongside it.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Prometheus{
		reg: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions by source and fallback reason.",
		}, []string{"source", "reason"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "End-to-end decision latency by source.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"source"}),
		fast: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fast_path_duration_seconds",
			Help:      "Time spent on hash, lookup and resolve.",
			Buckets:   prometheus.ExponentialBuckets(1e-7, 4, 10),
		}),
		slow: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "slow_path_duration_seconds",
			Help:      "Time spent waiting on the deliberative policy.",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 2, 14),
		}),
	}
}

// Record implements router.Recorder.
func (p *Prometheus) Record(rec router.DecisionRecord) {
	reason := rec.Reason.String()
	if reason == "" {
		reason = "none"
	}
	src := rec.Source.String()
	p.decisions.WithLabelValues(src, reason).Inc()
	p.latency.WithLabelValues(src).Observe(rec.Latency.Seconds())
	p.fast.Observe(rec.FastLatency.Seconds())
	if rec.SlowLatency > 0 {
		p.slow.Observe(rec.SlowLatency.Seconds())
	}
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (p *Prometheus) Gauge(name, help string, fn func() float64) {
	promauto.With(p.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// Counter registers a counter whose value is read from fn at scrape time. fn
// must be monotonic.
func (p *Prometheus) Counter(name, help string, fn func() float64) {
	promauto.With(p.reg).NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// Registry returns the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry { return p.reg }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}
