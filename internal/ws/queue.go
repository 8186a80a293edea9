package ws

import (
	"sync"
	"time"

	"order_relay/internal/domain"
)

type frameKind uint8

const (
	frameControl frameKind = iota
	frameResync
	frameSnapshot
	frameUpdate
)

type frame struct {
	kind  frameKind
	topic string
	data  []byte
}

// outboundQueue is a connection's bounded write queue. A full queue makes
// push wait up to wait for space; after that the oldest frame is evicted
// together with every queued frame of its topic, and the topic is marked
// stale. Snapshots and updates of a stale topic are discarded until its
// resync frame is queued, so the client never sees a gap before the resync.
type outboundQueue struct {
	mu     sync.Mutex
	items  []frame
	size   int
	wait   time.Duration
	stale  map[string]bool
	closed bool

	ready chan struct{}
	space chan struct{}
	done  chan struct{}

	// called without the lock held
	onEvict func(topic string, dropped int)
}

func newOutboundQueue(size int, wait time.Duration, onEvict func(topic string, dropped int)) *outboundQueue {
	if size <= 0 {
		size = 1
	}
	return &outboundQueue{
		size:    size,
		wait:    wait,
		stale:   make(map[string]bool),
		ready:   make(chan struct{}, 1),
		space:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		onEvict: onEvict,
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// push queues f. It never blocks longer than the queue wait per eviction.
func (q *outboundQueue) push(f frame) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	expired := q.wait <= 0

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return domain.ErrConnectionClosed
		}
		if (f.kind == frameSnapshot || f.kind == frameUpdate) && q.stale[f.topic] {
			q.mu.Unlock()
			return nil
		}
		if len(q.items) < q.size {
			if f.kind == frameResync {
				delete(q.stale, f.topic)
			}
			q.items = append(q.items, f)
			q.mu.Unlock()
			signal(q.ready)
			return nil
		}
		if expired {
			topic, dropped := q.evictLocked()
			q.mu.Unlock()
			if q.onEvict != nil {
				q.onEvict(topic, dropped)
			}
			continue
		}
		q.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(q.wait)
		}
		select {
		case <-q.space:
		case <-q.done:
		case <-timer.C:
			expired = true
		}
	}
}

func (q *outboundQueue) evictLocked() (string, int) {
	oldest := q.items[0]
	rest := q.items[1:]
	if oldest.topic == "" {
		q.items = append([]frame(nil), rest...)
		return "", 1
	}

	dropped := 1
	kept := make([]frame, 0, len(rest))
	for _, f := range rest {
		if f.topic == oldest.topic {
			dropped++
			continue
		}
		kept = append(kept, f)
	}
	q.items = kept
	q.stale[oldest.topic] = true
	return oldest.topic, dropped
}

// pop waits for the next frame. It returns false once the queue is closed.
func (q *outboundQueue) pop() (frame, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return frame{}, false
		}
		if len(q.items) > 0 {
			f := q.items[0]
			q.items[0] = frame{}
			q.items = q.items[1:]
			q.mu.Unlock()
			signal(q.space)
			return f, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
		}
	}
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close drops queued frames and wakes every waiter.
func (q *outboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}
