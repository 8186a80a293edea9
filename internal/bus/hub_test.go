package bus

import (
	"testing"

	"order_relay/internal/domain"
)

func env(topic string, seq uint64) domain.Envelope {
	return domain.Envelope{Topic: topic, Sequence: seq, Update: domain.OrderStateUpdate{SequenceNumber: seq}}
}

func TestHub_SubscribeReturnsLastDelivered(t *testing.T) {
	h := NewHub(func(string) uint64 { return 56 })

	h.Deliver(env("ETH/DAI", 57))
	sub, last := h.Subscribe("ETH/DAI", 4)
	if last != 57 {
		t.Fatalf("expected last 57, got %d", last)
	}

	h.Deliver(env("ETH/DAI", 58))
	got := <-sub.Out()
	if got.Sequence != 58 {
		t.Errorf("expected 58, got %d", got.Sequence)
	}
}

func TestHub_DropsStale(t *testing.T) {
	h := NewHub(nil)
	sub, _ := h.Subscribe(domain.TopicAll, 4)

	if !h.Deliver(env(domain.TopicAll, 1)) {
		t.Error("first envelope should be delivered")
	}
	if h.Deliver(env(domain.TopicAll, 1)) {
		t.Error("duplicate envelope should be dropped")
	}
	if len(sub.Out()) != 1 {
		t.Errorf("expected 1 buffered, got %d", len(sub.Out()))
	}
}

func TestSubscription_DropOldest(t *testing.T) {
	h := NewHub(nil)
	sub, _ := h.Subscribe("ETH/DAI", 2)

	for i := uint64(1); i <= 5; i++ {
		h.Deliver(env("ETH/DAI", i))
	}

	if sub.Dropped() != 3 {
		t.Errorf("expected 3 dropped, got %d", sub.Dropped())
	}
	first := <-sub.Out()
	second := <-sub.Out()
	if first.Sequence != 4 || second.Sequence != 5 {
		t.Errorf("expected newest 4,5 retained, got %d,%d", first.Sequence, second.Sequence)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub(nil)
	sub, _ := h.Subscribe("ETH/DAI", 1)
	h.Unsubscribe(sub)

	select {
	case <-sub.Canceled():
	default:
		t.Fatal("subscription should be canceled")
	}
	if sub.Err() != ErrUnsubscribed {
		t.Errorf("expected ErrUnsubscribed, got %v", sub.Err())
	}
	if h.Subscribers("ETH/DAI") != 0 {
		t.Error("subscriber should be removed")
	}

	// idempotent
	h.Unsubscribe(sub)
}
