package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemorySequencer is a process-local domain.TopicSequencer. Numbers restart
// from zero with the process.
type MemorySequencer struct {
	mu     sync.Mutex
	topics map[string]*atomic.Uint64
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{topics: make(map[string]*atomic.Uint64)}
}

func (m *MemorySequencer) counter(topic string) *atomic.Uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.topics[topic]
	if !ok {
		c = new(atomic.Uint64)
		m.topics[topic] = c
	}
	return c
}

func (m *MemorySequencer) Next(_ context.Context, topic string) (uint64, error) {
	return m.counter(topic).Add(1), nil
}

func (m *MemorySequencer) Current(_ context.Context, topic string) (uint64, error) {
	return m.counter(topic).Load(), nil
}
