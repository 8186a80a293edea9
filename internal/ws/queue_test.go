package ws

import (
	"errors"
	"testing"
	"time"

	"order_relay/internal/domain"
)

func TestOutboundQueue_FIFO(t *testing.T) {
	q := newOutboundQueue(4, time.Millisecond, nil)
	for _, d := range []string{"a", "b", "c"} {
		if err := q.push(frame{kind: frameUpdate, topic: "ETH/DAI", data: []byte(d)}); err != nil {
			t.Fatalf("push failed: %v", err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		f, ok := q.pop()
		if !ok || string(f.data) != want {
			t.Fatalf("expected %q, got %q (%v)", want, f.data, ok)
		}
	}
}

func TestOutboundQueue_EvictionMarksTopicStale(t *testing.T) {
	var evictedTopic string
	var evictedCount int
	q := newOutboundQueue(3, time.Millisecond, func(topic string, n int) {
		evictedTopic, evictedCount = topic, n
	})

	q.push(frame{kind: frameUpdate, topic: "ETH/DAI", data: []byte("1")})
	q.push(frame{kind: frameControl, data: []byte("hb")})
	q.push(frame{kind: frameUpdate, topic: "ETH/DAI", data: []byte("2")})

	// full: waits, then evicts ETH/DAI entirely
	start := time.Now()
	if err := q.push(frame{kind: frameUpdate, topic: "BTC/DAI", data: []byte("x")}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if time.Since(start) < time.Millisecond {
		t.Error("push should wait before evicting")
	}
	if evictedTopic != "ETH/DAI" || evictedCount != 2 {
		t.Errorf("expected 2 ETH/DAI frames evicted, got %d of %q", evictedCount, evictedTopic)
	}
	if q.len() != 2 {
		t.Fatalf("expected 2 frames left, got %d", q.len())
	}

	t.Run("stale topic discards updates", func(t *testing.T) {
		q.push(frame{kind: frameUpdate, topic: "ETH/DAI", data: []byte("3")})
		if q.len() != 2 {
			t.Errorf("update of stale topic was queued")
		}
	})

	t.Run("resync clears stale", func(t *testing.T) {
		q.push(frame{kind: frameResync, topic: "ETH/DAI", data: []byte("resync")})
		if q.len() != 3 {
			t.Fatalf("resync was not queued")
		}
		q.pop()
		q.pop()
		q.pop()
		q.push(frame{kind: frameSnapshot, topic: "ETH/DAI", data: []byte("snap")})
		if f, _ := q.pop(); string(f.data) != "snap" {
			t.Errorf("expected snapshot after resync, got %q", f.data)
		}
	})
}

func TestOutboundQueue_ControlEviction(t *testing.T) {
	dropped := 0
	q := newOutboundQueue(1, 0, func(topic string, n int) {
		if topic != "" {
			t.Errorf("unexpected topic %q", topic)
		}
		dropped += n
	})
	q.push(frame{kind: frameControl, data: []byte("hb1")})
	q.push(frame{kind: frameControl, data: []byte("hb2")})
	if dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", dropped)
	}
	if f, _ := q.pop(); string(f.data) != "hb2" {
		t.Errorf("expected newest frame kept, got %q", f.data)
	}
}

func TestOutboundQueue_Close(t *testing.T) {
	q := newOutboundQueue(1, time.Hour, nil)
	q.push(frame{data: []byte("a")})

	errc := make(chan error, 1)
	go func() { errc <- q.push(frame{data: []byte("b")}) }()

	q.close()
	q.close()

	select {
	case err := <-errc:
		if !errors.Is(err, domain.ErrConnectionClosed) {
			t.Errorf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked push was not released by close")
	}
	if _, ok := q.pop(); ok {
		t.Error("pop after close should report false")
	}
}
