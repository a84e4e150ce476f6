package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics for runtime monitoring.
//
// Metrics exposed (all namespaced "dealflow"):
//
//   - advance_latency_ms (histogram): duration of one instance advance,
//     labeled by workflow kind. Buckets tuned for the 100ms p95 target.
//   - inflight_advances (gauge): advances currently executing.
//   - suspended_instances (gauge): instances in Waiting or Sleeping,
//     labeled by status.
//   - step_retries_total (counter): retry attempts, labeled by step.
//   - version_conflicts_total (counter): optimistic append conflicts.
//   - compensations_total (counter): compensator executions, labeled by
//     outcome (ok/error).
//   - deliveries_dropped_total (counter): external events dropped on
//     terminal instances.
//
// All methods are safe for concurrent use and are no-ops on a nil
// receiver, so the scheduler can run unmetered.
type Metrics struct {
	advanceLatency  *prometheus.HistogramVec
	inflight        prometheus.Gauge
	suspended       *prometheus.GaugeVec
	stepRetries     *prometheus.CounterVec
	conflicts       prometheus.Counter
	compensations   *prometheus.CounterVec
	droppedDelivery prometheus.Counter
}

// NewMetrics creates and registers the runtime metrics with the given
// registry (prometheus.DefaultRegisterer if nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		advanceLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dealflow",
			Name:      "advance_latency_ms",
			Help:      "Duration of one instance advance in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"kind"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dealflow",
			Name:      "inflight_advances",
			Help:      "Number of instance advances currently executing.",
		}),
		suspended: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dealflow",
			Name:      "suspended_instances",
			Help:      "Instances currently suspended, by status.",
		}, []string{"status"}),
		stepRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealflow",
			Name:      "step_retries_total",
			Help:      "Cumulative step retry attempts.",
		}, []string{"step"}),
		conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dealflow",
			Name:      "version_conflicts_total",
			Help:      "Optimistic append conflicts requiring state rebuild.",
		}),
		compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dealflow",
			Name:      "compensations_total",
			Help:      "Compensator executions by outcome.",
		}, []string{"outcome"}),
		droppedDelivery: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dealflow",
			Name:      "deliveries_dropped_total",
			Help:      "External events dropped because the instance was terminal.",
		}),
	}
}

func (m *Metrics) observeAdvance(kind Kind, d time.Duration) {
	if m == nil {
		return
	}
	m.advanceLatency.WithLabelValues(string(kind)).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) advanceStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) advanceFinished() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

func (m *Metrics) suspendedDelta(status Status, delta float64) {
	if m == nil {
		return
	}
	m.suspended.WithLabelValues(string(status)).Add(delta)
}

func (m *Metrics) stepRetried(step string) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(step).Inc()
}

func (m *Metrics) versionConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) compensated(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.compensations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) deliveryDropped() {
	if m == nil {
		return
	}
	m.droppedDelivery.Inc()
}
