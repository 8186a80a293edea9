package infra

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(failures, successes int) (*CircuitBreaker, *fakeClock, *[]BreakerState) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	var seen []BreakerState
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: failures,
		SuccessThreshold: successes,
		Timeout:          time.Second,
		OnStateChange: func(_ string, _, to BreakerState) {
			seen = append(seen, to)
		},
	})
	cb.now = clock.now
	return cb, clock, &seen
}

func TestCircuitBreaker_AllowInClosed(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test"))

	if !cb.Allow() {
		t.Error("Expected Allow() to return true in CLOSED state")
	}
	if cb.GetState() != BreakerClosed {
		t.Errorf("Expected state CLOSED, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _, seen := newTestBreaker(3, 2)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.GetState() != BreakerClosed {
		t.Error("Should still be CLOSED after 2 failures")
	}

	cb.RecordFailure()
	if cb.GetState() != BreakerOpen {
		t.Errorf("Expected OPEN after 3 failures, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Error("Expected Allow() to return false in OPEN state")
	}
	if len(*seen) != 1 || (*seen)[0] != BreakerOpen {
		t.Errorf("expected one OPEN notification, got %v", *seen)
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _, _ := newTestBreaker(2, 1)

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()

	if cb.GetState() != BreakerClosed {
		t.Error("non-consecutive failures must not open the breaker")
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clock, seen := newTestBreaker(1, 2)
	cb.RecordFailure()

	clock.advance(500 * time.Millisecond)
	if cb.Allow() {
		t.Error("should stay OPEN before timeout")
	}

	clock.advance(time.Second)
	if !cb.Allow() {
		t.Fatal("should allow a probe after timeout")
	}
	if cb.GetState() != BreakerHalfOpen {
		t.Errorf("Expected HALF_OPEN, got %s", cb.GetState())
	}

	cb.RecordSuccess()
	if cb.GetState() != BreakerHalfOpen {
		t.Error("one success is below the success threshold")
	}
	cb.RecordSuccess()
	if cb.GetState() != BreakerClosed {
		t.Errorf("Expected CLOSED after recovery, got %s", cb.GetState())
	}

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(*seen) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, *seen)
	}
	for i := range want {
		if (*seen)[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, (*seen)[i], want[i])
		}
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock, _ := newTestBreaker(1, 1)
	cb.RecordFailure()
	clock.advance(2 * time.Second)
	cb.Allow()

	cb.RecordFailure()
	if cb.GetState() != BreakerOpen {
		t.Errorf("Expected OPEN after failed probe, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Error("reopened breaker should wait a full timeout")
	}
}
