// Package metrics exposes Prometheus instruments for the orchestrator.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's collectors.
type Metrics struct {
	stepTransitions   *prometheus.CounterVec
	rejectedMutations *prometheus.CounterVec
	chainAdvances     *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
	eventsDropped     prometheus.Counter
	subscribers       prometheus.Gauge
	notifications     *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		stepTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_step_transitions_total",
			Help: "Successful workflow step transitions by action.",
		}, []string{"action"}),
		rejectedMutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_rejected_mutations_total",
			Help: "Mutations refused by validation, by operation and error code.",
		}, []string{"operation", "code"}),
		chainAdvances: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_chain_advances_total",
			Help: "Collaborative chain hand-offs by outcome.",
		}, []string{"outcome"}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_events_published_total",
			Help: "Events published to the bus by type.",
		}, []string{"type"}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full.",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "stepflow_event_subscribers",
			Help: "Open event bus subscriptions.",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_notifications_total",
			Help: "Review notifications delivered, by notifier and result.",
		}, []string{"notifier", "result"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepflow_http_request_duration_seconds",
			Help:    "HTTP request latency by method, route pattern and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) StepTransition(action string) {
	if m == nil {
		return
	}
	m.stepTransitions.WithLabelValues(action).Inc()
}

func (m *Metrics) Rejected(operation, code string) {
	if m == nil {
		return
	}
	m.rejectedMutations.WithLabelValues(operation, code).Inc()
}

func (m *Metrics) ChainAdvance(outcome string) {
	if m == nil {
		return
	}
	m.chainAdvances.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// SubscriberDelta adjusts the open subscription gauge.
func (m *Metrics) SubscriberDelta(n int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(n))
}

// Notification counts one delivery attempt; result is "ok" or "error".
func (m *Metrics) Notification(notifier, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(notifier, result).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
