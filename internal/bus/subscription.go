package bus

import (
	"errors"
	"sync"
	"sync/atomic"

	"order_relay/internal/domain"

	"github.com/google/uuid"
)

var (
	// ErrUnsubscribed is returned by Err when the subscriber cancelled.
	ErrUnsubscribed = errors.New("subscriber unsubscribed")
)

// A Subscription receives the envelopes of one topic in sequence order. Its
// buffer is bounded: when full, the oldest envelope is discarded so the
// subscriber observes a gap and can resynchronize.
type Subscription struct {
	id    string
	topic string
	out   chan domain.Envelope

	dropped atomic.Uint64

	canceled chan struct{}
	mtx      sync.RWMutex
	err      error
	once     sync.Once
}

func newSubscription(topic string, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = 1
	}
	return &Subscription{
		id:       uuid.NewString(),
		topic:    topic,
		out:      make(chan domain.Envelope, capacity),
		canceled: make(chan struct{}),
	}
}

func (s *Subscription) ID() string { return s.id }

func (s *Subscription) Topic() string { return s.topic }

// Out returns the channel envelopes are delivered on. It is never closed;
// select on Canceled to observe termination.
func (s *Subscription) Out() <-chan domain.Envelope { return s.out }

// Canceled returns a channel that's closed when the subscription ends.
func (s *Subscription) Canceled() <-chan struct{} { return s.canceled }

// Dropped returns how many envelopes were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Err returns nil until the subscription is canceled, then the reason.
func (s *Subscription) Err() error {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.err
}

func (s *Subscription) cancel(err error) {
	s.once.Do(func() {
		s.mtx.Lock()
		s.err = err
		s.mtx.Unlock()
		close(s.canceled)
	})
}

// push never blocks. Callers serialize pushes per topic.
func (s *Subscription) push(env domain.Envelope) {
	select {
	case <-s.canceled:
		return
	default:
	}
	for {
		select {
		case s.out <- env:
			return
		default:
		}
		select {
		case <-s.out:
			s.dropped.Add(1)
		default:
		}
	}
}
