package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"order_relay/internal/bus"
	"order_relay/internal/domain"
)

// stream is one topic subscription of a connection. It sends a snapshot,
// then the bus envelopes that follow it contiguously. Anything else (a gap,
// an evicted frame, a repeated subscribe) produces a resync notice and a
// fresh snapshot.
type stream struct {
	topic string
	conn  *Conn

	mu      sync.Mutex
	sub     *bus.Subscription
	stopped bool

	last   uint64
	resync chan string
	halted chan struct{}
	once   sync.Once
	done   chan struct{}
}

func newStream(c *Conn, topic string) *stream {
	return &stream{
		topic:  topic,
		conn:   c,
		resync: make(chan string, 1),
		halted: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// requestResync never blocks; one pending request is enough.
func (s *stream) requestResync(reason string) {
	select {
	case s.resync <- reason:
	default:
	}
}

// halt stops the stream and releases its bus subscription.
func (s *stream) halt() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		sub := s.sub
		s.sub = nil
		s.mu.Unlock()
		close(s.halted)
		if sub != nil {
			s.conn.m.bus.Unsubscribe(sub)
		}
	})
}

func (s *stream) run(ctx context.Context, reason string) {
	defer close(s.done)
	defer s.conn.streamEnded(s)

	if !s.sync(ctx, reason) {
		return
	}
	for {
		s.mu.Lock()
		sub := s.sub
		s.mu.Unlock()
		if sub == nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.halted:
			return
		case reason := <-s.resync:
			if !s.sync(ctx, reason) {
				return
			}
		case <-sub.Canceled():
			if !errors.Is(sub.Err(), bus.ErrUnsubscribed) {
				s.conn.sendError(s.topic, "stream closed")
			}
			return
		case env := <-sub.Out():
			if env.Sequence <= s.last {
				continue
			}
			if env.Sequence != s.last+1 {
				if !s.sync(ctx, ReasonGap) {
					return
				}
				continue
			}
			err := s.conn.send(frameUpdate, s.topic, UpdateMessage{
				Type:     MsgUpdate,
				Topic:    s.topic,
				Sequence: env.Sequence,
				Order:    env.Update,
			})
			if err != nil {
				return
			}
			s.last = env.Sequence
		}
	}
}

// sync (re)subscribes and sends a snapshot tagged with the sequence the
// subscription starts after. A non-empty reason sends a resync notice first.
func (s *stream) sync(ctx context.Context, reason string) bool {
	m := s.conn.m
	if reason != "" {
		m.metrics.Resyncs.WithLabelValues(reason).Inc()
		s.conn.logger.Debug("Resyncing topic", slog.String("topic", s.topic), slog.String("reason", reason))
		if err := s.conn.send(frameResync, s.topic, ResyncMessage{Type: MsgResync, Topic: s.topic, Reason: reason}); err != nil {
			return false
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	old := s.sub
	s.sub = nil
	s.mu.Unlock()
	if old != nil {
		m.bus.Unsubscribe(old)
	}

	sub, last, err := m.bus.Subscribe(s.topic, m.cfg.SubscriptionBuffer)
	if err != nil {
		s.conn.logger.Warn("Subscribe failed", slog.String("topic", s.topic), slog.Any("error", err))
		s.conn.sendError(s.topic, err.Error())
		return false
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		m.bus.Unsubscribe(sub)
		return false
	}
	s.sub = sub
	s.mu.Unlock()

	filter, err := domain.FilterForTopic(s.topic)
	if err != nil {
		s.conn.sendError(s.topic, err.Error())
		return false
	}
	snapCtx, cancel := context.WithTimeout(ctx, m.cfg.SnapshotTimeout)
	orders, err := m.store.GetOrders(snapCtx, filter)
	cancel()
	if err != nil {
		s.conn.logger.Warn("Snapshot failed", slog.String("topic", s.topic), slog.Any("error", err))
		m.metrics.RecordError("ws")
		s.conn.sendError(s.topic, "snapshot unavailable")
		return false
	}
	if orders == nil {
		orders = []domain.Order{}
	}

	s.last = last
	return s.conn.send(frameSnapshot, s.topic, SnapshotMessage{
		Type:     MsgSnapshot,
		Topic:    s.topic,
		Sequence: last,
		Orders:   orders,
	}) == nil
}
