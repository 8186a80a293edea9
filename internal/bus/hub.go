package bus

import (
	"sync"

	"order_relay/internal/domain"
)

// SeedFunc returns the last sequence number already assigned to a topic.
type SeedFunc func(topic string) uint64

// Hub fans envelopes out to in-process subscribers. Delivery and
// registration are serialized per topic, so the sequence a subscriber is
// handed on Subscribe is exactly the last one it will not receive.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topicState
	seed   SeedFunc
}

type topicState struct {
	mu   sync.Mutex
	last uint64
	subs map[string]*Subscription
}

// NewHub creates a hub. seed may be nil.
func NewHub(seed SeedFunc) *Hub {
	return &Hub{topics: make(map[string]*topicState), seed: seed}
}

func (h *Hub) topic(name string) *topicState {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[name]
	if !ok {
		t = &topicState{subs: make(map[string]*Subscription)}
		if h.seed != nil {
			t.last = h.seed(name)
		}
		h.topics[name] = t
	}
	return t
}

// Subscribe registers a subscriber and returns it together with the last
// delivered sequence number of the topic. Every envelope after that number
// is delivered to the subscription.
func (h *Hub) Subscribe(topic string, capacity int) (*Subscription, uint64) {
	t := h.topic(topic)
	sub := newSubscription(topic, capacity)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[sub.id] = sub
	return sub, t.last
}

// Unsubscribe removes sub and cancels it with ErrUnsubscribed.
func (h *Hub) Unsubscribe(sub *Subscription) {
	t := h.topic(sub.topic)
	t.mu.Lock()
	delete(t.subs, sub.id)
	t.mu.Unlock()
	sub.cancel(ErrUnsubscribed)
}

// Deliver hands env to every subscriber of env.Topic. Envelopes at or below
// the last delivered sequence are dropped; it reports whether env was new.
func (h *Hub) Deliver(env domain.Envelope) bool {
	t := h.topic(env.Topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	if env.Sequence <= t.last {
		return false
	}
	t.last = env.Sequence
	for _, sub := range t.subs {
		sub.push(env)
	}
	return true
}

// Current returns the last delivered sequence number of topic.
func (h *Hub) Current(topic string) uint64 {
	t := h.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Subscribers returns the number of live subscriptions of topic.
func (h *Hub) Subscribers(topic string) int {
	t := h.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close cancels every subscription with err.
func (h *Hub) Close(err error) {
	h.mu.Lock()
	topics := make([]*topicState, 0, len(h.topics))
	for _, t := range h.topics {
		topics = append(topics, t)
	}
	h.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for id, sub := range t.subs {
			sub.cancel(err)
			delete(t.subs, id)
		}
		t.mu.Unlock()
	}
}
