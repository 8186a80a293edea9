package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"order_relay/internal/domain"
)

// LocalBus delivers in process. Sequence assignment and delivery happen under
// one per-topic lock, so subscribers see numbers in increasing order.
type LocalBus struct {
	hub    *Hub
	seq    domain.TopicSequencer
	closed atomic.Bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ Bus = (*LocalBus)(nil)

// NewLocalBus creates a bus backed by seq. A nil seq uses a MemorySequencer.
func NewLocalBus(seq domain.TopicSequencer) *LocalBus {
	if seq == nil {
		seq = NewMemorySequencer()
	}
	return &LocalBus{
		hub:   NewHub(seedFrom(seq)),
		seq:   seq,
		locks: make(map[string]*sync.Mutex),
	}
}

func (b *LocalBus) topicLock(topic string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[topic]
	if !ok {
		l = &sync.Mutex{}
		b.locks[topic] = l
	}
	return l
}

func (b *LocalBus) Publish(ctx context.Context, topic string, update domain.OrderStateUpdate) (domain.Envelope, error) {
	if b.closed.Load() {
		return domain.Envelope{}, domain.ErrBusClosed
	}
	if err := domain.ValidateTopic(topic); err != nil {
		return domain.Envelope{}, err
	}

	l := b.topicLock(topic)
	l.Lock()
	defer l.Unlock()

	// seed the hub before the sequencer moves past its current value
	b.hub.topic(topic)
	n, err := b.seq.Next(ctx, topic)
	if err != nil {
		return domain.Envelope{}, asBusError("next sequence", err)
	}
	update.SequenceNumber = n
	env := domain.Envelope{Topic: topic, Sequence: n, Update: update}
	b.hub.Deliver(env)
	return env, nil
}

func (b *LocalBus) Subscribe(topic string, capacity int) (*Subscription, uint64, error) {
	if b.closed.Load() {
		return nil, 0, domain.ErrBusClosed
	}
	if err := domain.ValidateTopic(topic); err != nil {
		return nil, 0, err
	}
	sub, last := b.hub.Subscribe(topic, capacity)
	return sub, last, nil
}

func (b *LocalBus) Unsubscribe(sub *Subscription) { b.hub.Unsubscribe(sub) }

func (b *LocalBus) Current(topic string) uint64 { return b.hub.Current(topic) }

func (b *LocalBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.hub.Close(domain.ErrBusClosed)
	return nil
}
