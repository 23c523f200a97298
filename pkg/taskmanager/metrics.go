package taskmanager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/d-kuro/identityhttp/pkg/constants"
)

// Task outcomes recorded by Metrics.
const (
	outcomeCompleted      = "completed"
	outcomeCancelled      = "cancelled"
	outcomeInvalidUser    = "invalid_user"
	outcomeRetryExceeded  = "retry_exceeded"
	outcomeRefreshFailed  = "refresh_failed"
	refreshSucceeded      = "success"
	refreshFailedNonFatal = "failure"
	refreshFailedFatal    = "fatal"
	refreshDiscarded      = "discarded"
)

// Metrics collects task and refresh counters for every manager sharing it.
// A nil *Metrics records nothing.
type Metrics struct {
	tasks           *prometheus.CounterVec
	attempts        prometheus.Counter
	pending         prometheus.Gauge
	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "tasks_total",
			Help:      "Tasks finished, by outcome.",
		}, []string{"outcome"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "task_attempts_total",
			Help:      "Requests handed to the transport, including replays.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "tasks_pending",
			Help:      "Tasks submitted and not yet finished.",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "token_refreshes_total",
			Help:      "Token refresh calls, by result.",
		}, []string{"result"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "token_refresh_duration_seconds",
			Help:      "Duration of token refresh calls.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.tasks, m.attempts, m.pending, m.refreshes, m.refreshDuration)
	}
	return m
}

func (m *Metrics) taskAdded() {
	if m == nil {
		return
	}
	m.pending.Inc()
}

func (m *Metrics) taskFinished(outcome string) {
	if m == nil {
		return
	}
	m.pending.Dec()
	m.tasks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) attempt() {
	if m == nil {
		return
	}
	m.attempts.Inc()
}

func (m *Metrics) refreshed(result string, started time.Time) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
	m.refreshDuration.Observe(time.Since(started).Seconds())
}
