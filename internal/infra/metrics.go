package infra

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the relay's prometheus collectors.
type Metrics struct {
	EventsProcessed   prometheus.Counter
	EventLatency      prometheus.Histogram
	DuplicatesSkipped prometheus.Counter
	Reorgs            prometheus.Counter
	UpdatesApplied    *prometheus.CounterVec
	UpdatesPublished  *prometheus.CounterVec
	PublishFailures   prometheus.Counter
	UpdatesSwept      prometheus.Counter
	Errors            *prometheus.CounterVec
	TrackedOrders     prometheus.Gauge

	ActiveConnections prometheus.Gauge
	Resyncs           *prometheus.CounterVec
	FramesDropped     prometheus.Counter

	CircuitOpen prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_watcher_events_processed_total",
			Help: "Chain events taken off the source.",
		}),
		EventLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_watcher_event_duration_seconds",
			Help:    "Time from dequeue to published update.",
			Buckets: prometheus.DefBuckets,
		}),
		DuplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_watcher_duplicates_skipped_total",
			Help: "Redelivered events dropped by reference.",
		}),
		Reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_watcher_reorgs_total",
			Help: "Retractions that re-derived an order.",
		}),
		UpdatesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_store_updates_applied_total",
			Help: "Conditional updates applied, by resulting state.",
		}, []string{"state"}),
		UpdatesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bus_updates_published_total",
			Help: "Envelopes published, by topic.",
		}, []string{"topic"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_bus_publish_failures_total",
			Help: "Publishes that exhausted their retries.",
		}),
		UpdatesSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sweep_updates_republished_total",
			Help: "Outbox entries republished by the recovery sweep.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Logged non-fatal failures, by component.",
		}, []string{"component"}),
		TrackedOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_watcher_tracked_orders",
			Help: "Orders in the watch set.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_ws_connections_active",
			Help: "Open subscriber connections.",
		}),
		Resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_ws_resyncs_total",
			Help: "Resync notices sent, by reason.",
		}, []string{"reason"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_ws_frames_dropped_total",
			Help: "Outbound frames dropped by backpressure.",
		}),
		CircuitOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_watcher_circuit_open",
			Help: "1 while the ingestion breaker is open.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsProcessed, m.EventLatency, m.DuplicatesSkipped, m.Reorgs,
			m.UpdatesApplied, m.UpdatesPublished, m.PublishFailures, m.UpdatesSwept,
			m.Errors, m.TrackedOrders, m.ActiveConnections, m.Resyncs,
			m.FramesDropped, m.CircuitOpen,
		)
	}
	return m
}

// GlobalMetrics is registered with the default prometheus registry.
var GlobalMetrics = NewMetrics(prometheus.DefaultRegisterer)

// RecordEvent records an event processing with latency.
func (m *Metrics) RecordEvent(latency time.Duration) {
	m.EventsProcessed.Inc()
	m.EventLatency.Observe(latency.Seconds())
}

// RecordError records a non-fatal failure of component.
func (m *Metrics) RecordError(component string) {
	m.Errors.WithLabelValues(component).Inc()
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.ActiveConnections.Inc()
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.ActiveConnections.Dec()
}

// SetCircuitState sets the circuit breaker state (true = open).
func (m *Metrics) SetCircuitState(open bool) {
	if open {
		m.CircuitOpen.Set(1)
	} else {
		m.CircuitOpen.Set(0)
	}
}

// BreakerHook adapts SetCircuitState to CircuitBreakerConfig.OnStateChange.
func (m *Metrics) BreakerHook() func(string, BreakerState, BreakerState) {
	return func(_ string, _, to BreakerState) {
		m.SetCircuitState(to == BreakerOpen)
	}
}
