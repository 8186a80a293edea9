package infra

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RecordEvent(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordEvent(time.Millisecond)
	m.RecordEvent(2 * time.Millisecond)
	m.RecordEvent(3 * time.Millisecond)

	if got := testutil.ToFloat64(m.EventsProcessed); got != 3 {
		t.Errorf("Expected 3 events, got %v", got)
	}
	if got := testutil.CollectAndCount(m.EventLatency); got != 1 {
		t.Errorf("Expected one latency series, got %d", got)
	}
}

func TestMetrics_Connections(t *testing.T) {
	m := NewMetrics(nil)

	m.IncrementConnections()
	m.IncrementConnections()
	m.IncrementConnections()
	if got := testutil.ToFloat64(m.ActiveConnections); got != 3 {
		t.Errorf("Expected 3 connections, got %v", got)
	}

	m.DecrementConnections()
	if got := testutil.ToFloat64(m.ActiveConnections); got != 2 {
		t.Errorf("Expected 2 connections, got %v", got)
	}
}

func TestMetrics_LabelledCounters(t *testing.T) {
	m := NewMetrics(nil)

	m.RecordError("watcher")
	m.RecordError("watcher")
	m.RecordError("ws")
	m.Resyncs.WithLabelValues("gap").Inc()

	if got := testutil.ToFloat64(m.Errors.WithLabelValues("watcher")); got != 2 {
		t.Errorf("Expected 2 watcher errors, got %v", got)
	}
	if got := testutil.ToFloat64(m.Resyncs.WithLabelValues("gap")); got != 1 {
		t.Errorf("Expected 1 gap resync, got %v", got)
	}
}

func TestMetrics_BreakerHook(t *testing.T) {
	m := NewMetrics(nil)
	hook := m.BreakerHook()

	hook("store", BreakerClosed, BreakerOpen)
	if got := testutil.ToFloat64(m.CircuitOpen); got != 1 {
		t.Errorf("Expected circuit gauge 1, got %v", got)
	}

	hook("store", BreakerOpen, BreakerHalfOpen)
	if got := testutil.ToFloat64(m.CircuitOpen); got != 0 {
		t.Errorf("Expected circuit gauge 0, got %v", got)
	}
}

func TestMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected MustRegister to panic on duplicate collectors")
		}
	}()
	NewMetrics(reg)
}
