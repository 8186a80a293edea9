package engine

import (
	"testing"

	"order_relay/internal/domain"
	"order_relay/internal/event"
)

func TestRegistry_TakeAndFinish(t *testing.T) {
	r := NewRegistry()
	a := domain.Order{Hash: "0xa", State: domain.StateOpen}
	b := domain.Order{Hash: "0xb", State: domain.StateOpen}
	r.Add(a)
	r.Add(b)
	if r.Add(a) {
		t.Error("second Add of the same order should report false")
	}
	if !r.Has("0xa") || r.Has("0xc") {
		t.Error("Has should report exactly the added orders")
	}

	if items := r.Take(nil); len(items) != 0 {
		t.Fatalf("idle registry should yield no work, got %d", len(items))
	}

	r.Enqueue("0xa", event.Fill{Base: event.Base{Ref: "r1", OrderHash: "0xa"}})
	if r.Enqueue("0xc", event.Cancel{Base: event.Base{Ref: "r2", OrderHash: "0xc"}}) {
		t.Error("Enqueue for untracked order should report false")
	}

	items := r.Take(nil)
	if len(items) != 1 || items[0].hash != "0xa" {
		t.Fatalf("expected work for 0xa, got %+v", items)
	}

	// busy entries are not taken twice
	r.Enqueue("0xa", event.Fill{Base: event.Base{Ref: "r3", OrderHash: "0xa"}})
	if again := r.Take(nil); len(again) != 0 {
		t.Fatalf("busy entry taken again: %+v", again)
	}

	items[0].pending = items[0].pending[:1]
	if !r.Finish(items[0]) {
		t.Fatal("Finish should report the entry still tracked")
	}
	next := r.Take(nil)
	if len(next) != 1 || len(next[0].pending) != 2 {
		t.Fatalf("expected leftover plus new event, got %+v", next)
	}
	if next[0].pending[0].GetRef() != "r1" || next[0].pending[1].GetRef() != "r3" {
		t.Errorf("leftover events must come first: %v, %v", next[0].pending[0].GetRef(), next[0].pending[1].GetRef())
	}
}

func TestRegistry_DueAndSettled(t *testing.T) {
	r := NewRegistry()
	r.Add(domain.Order{Hash: "0xa", State: domain.StateOpen})
	r.Add(domain.Order{Hash: "0xb", State: domain.StateOpen})

	items := r.Take(func(o domain.Order) bool { return o.Hash == "0xb" })
	if len(items) != 1 || items[0].hash != "0xb" {
		t.Fatalf("expected only the due order, got %+v", items)
	}
	if r.Settled("0xb") {
		t.Error("busy entry must not be settled")
	}

	items[0].order.State = domain.StateExpired
	r.Finish(items[0])
	if !r.Settled("0xb") {
		t.Error("terminal entry with no work should be settled")
	}
	if r.Settled("0xa") {
		t.Error("open entry must not be settled")
	}
}

func TestRegistry_RemoveWhileBusy(t *testing.T) {
	r := NewRegistry()
	r.Track(domain.Order{Hash: "0xa", State: domain.StateOpen}, domain.AppliedUpdate{ID: 7})

	items := r.Take(nil)
	if len(items) != 1 || len(items[0].unpublished) != 1 {
		t.Fatalf("expected unpublished work, got %+v", items)
	}

	if _, ok := r.Remove("0xa"); !ok {
		t.Fatal("Remove should find the entry")
	}
	if r.Finish(items[0]) {
		t.Error("Finish after Remove should report false")
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
	if got := r.Hashes(); len(got) != 0 {
		t.Errorf("expected no hashes, got %v", got)
	}
}
