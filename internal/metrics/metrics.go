// Package metrics records sandbox lifecycle and session metrics with Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sandboxd"

// Recorder implements reconcile.Observer and relay.Observer and records the
// orchestrator's own outcomes.
type Recorder struct {
	registry *prometheus.Registry

	warmTotal       *prometheus.CounterVec
	lockTotal       *prometheus.CounterVec
	stageTotal      *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	probeAttempts   *prometheus.HistogramVec
	sessionsTotal   *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	sessionsActive  prometheus.Gauge
	keepalivesTotal prometheus.Counter
	droppedTotal    prometheus.Counter
	questionsTotal  prometheus.Counter
}

// NewRecorder registers all collectors on a fresh registry, together with the
// Go runtime and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return newRecorder(reg)
}

func newRecorder(reg *prometheus.Registry) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		warmTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ensure_warm_total",
				Help:      "EnsureWarm calls by resulting status",
			},
			[]string{"status"},
		),
		lockTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "init_lock_total",
				Help:      "Initialization lock attempts by outcome",
			},
			[]string{"outcome"},
		),
		stageTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_stage_total",
				Help:      "Reconcile stage executions by stage and result",
			},
			[]string{"stage", "result"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_stage_duration_seconds",
				Help:      "Duration of reconcile stages",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		),
		probeAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "readiness_probe_attempts",
				Help:      "Probe attempts until the dev server answered or the budget ran out",
				Buckets:   []float64{1, 2, 3, 5, 10, 20, 30},
			},
			[]string{"outcome"},
		),
		sessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Agent sessions by terminal status",
			},
			[]string{"status"},
		),
		sessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Duration of agent sessions",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"status"},
		),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Agent sessions currently streaming",
		}),
		keepalivesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_total",
			Help:      "Keepalive pings sent to consumers",
		}),
		droppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_lines_total",
			Help:      "Agent output lines dropped as malformed",
		}),
		questionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "questions_total",
			Help:      "Questions forwarded to consumers",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveWarm records the status returned by one EnsureWarm call.
func (r *Recorder) ObserveWarm(status string) {
	r.warmTotal.WithLabelValues(status).Inc()
}

// ObserveLock records an initialization lock attempt.
func (r *Recorder) ObserveLock(outcome string) {
	r.lockTotal.WithLabelValues(outcome).Inc()
}

// ObserveProbe records how many attempts a readiness probe took.
func (r *Recorder) ObserveProbe(outcome string, attempts int) {
	r.probeAttempts.WithLabelValues(outcome).Observe(float64(attempts))
}

// ObserveStage implements reconcile.Observer.
func (r *Recorder) ObserveStage(stage string, skipped bool, d time.Duration, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case skipped:
		result = "skipped"
	}
	r.stageTotal.WithLabelValues(stage, result).Inc()
	if !skipped {
		r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// SessionStarted marks a session as streaming. Call the returned func with
// the terminal status when it ends.
func (r *Recorder) SessionStarted() func(status string) {
	start := time.Now()
	r.sessionsActive.Inc()
	return func(status string) {
		r.sessionsActive.Dec()
		r.sessionsTotal.WithLabelValues(status).Inc()
		r.sessionDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}

// KeepaliveSent implements relay.Observer.
func (r *Recorder) KeepaliveSent() { r.keepalivesTotal.Inc() }

// LineDropped implements relay.Observer.
func (r *Recorder) LineDropped() { r.droppedTotal.Inc() }

// QuestionForwarded implements relay.Observer.
func (r *Recorder) QuestionForwarded() { r.questionsTotal.Inc() }
