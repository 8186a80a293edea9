package service

import (
	"context"
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"order_relay/internal/bus"
	"order_relay/internal/domain"
	"order_relay/internal/infra"
	"order_relay/internal/infra/storage"

	"github.com/shopspring/decimal"
)

// flakyBus fails the first n publishes with a transient error.
type flakyBus struct {
	*bus.LocalBus
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyBus) Publish(ctx context.Context, topic string, u domain.OrderStateUpdate) (domain.Envelope, error) {
	f.mu.Lock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return domain.Envelope{}, domain.NewTransientBusError("publish", errors.New("broker unavailable"))
	}
	f.mu.Unlock()
	return f.LocalBus.Publish(ctx, topic, u)
}

func setup(t *testing.T, fails int) (*Relay, *storage.Store, *flakyBus) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	b := &flakyBus{LocalBus: bus.NewLocalBus(store.Sequencer()), fails: fails}
	t.Cleanup(func() { b.Close() })

	retry := infra.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	return NewRelay(store, b, retry, nil, nil), store, b
}

func addOrder(t *testing.T, store *storage.Store) domain.Order {
	t.Helper()
	_, key, _ := ed25519.GenerateKey(nil)
	o := domain.Order{
		Pair:        domain.TokenPair{Base: "ETH", Quote: "DAI"},
		MakerAmount: decimal.NewFromInt(100),
		TakerAmount: decimal.NewFromInt(200),
		Expiration:  time.Now().Add(time.Hour),
		Salt:        "1",
	}
	o.Sign(key)
	if err := store.AddOrder(context.Background(), o); err != nil {
		t.Fatalf("AddOrder failed: %v", err)
	}
	stored, _ := store.GetOrder(context.Background(), o.Hash)
	return stored
}

func fill(t *testing.T, o domain.Order, ref string, amount int64) domain.StateChange {
	t.Helper()
	change, err := domain.NewStateChange(o, domain.ChainEvent{Ref: ref, Kind: domain.EventFill, Amount: decimal.NewFromInt(amount)})
	if err != nil {
		t.Fatalf("NewStateChange failed: %v", err)
	}
	return change
}

func TestRelay_ApplyAndPublish(t *testing.T) {
	relay, store, b := setup(t, 0)
	ctx := context.Background()
	o := addOrder(t, store)

	pairSub, _, _ := b.Subscribe("ETH/DAI", 4)
	allSub, _, _ := b.Subscribe(domain.TopicAll, 4)

	applied, err := relay.Apply(ctx, o.Hash, fill(t, o, "tx:1", 40))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	envs, err := relay.Publish(ctx, applied)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(envs))
	}

	for _, sub := range []*bus.Subscription{pairSub, allSub} {
		env := <-sub.Out()
		if env.Update.CausingEventRef != "tx:1" || env.Sequence != 1 {
			t.Errorf("%s: unexpected envelope %+v", sub.Topic(), env)
		}
	}

	pending, _ := store.UnpublishedUpdates(ctx, 0)
	if len(pending) != 0 {
		t.Errorf("expected outbox drained, got %d", len(pending))
	}
}

func TestRelay_PublishRetriesTransient(t *testing.T) {
	relay, store, b := setup(t, 2)
	ctx := context.Background()
	o := addOrder(t, store)

	applied, _ := relay.Apply(ctx, o.Hash, fill(t, o, "tx:1", 40))
	if _, err := relay.Publish(ctx, applied); err != nil {
		t.Fatalf("Publish should succeed within retry budget: %v", err)
	}
	if b.calls != 4 {
		t.Errorf("expected 4 bus calls, got %d", b.calls)
	}
}

func TestRelay_SweepRepublishesOrphans(t *testing.T) {
	relay, store, b := setup(t, 10)
	ctx := context.Background()
	o := addOrder(t, store)

	applied, _ := relay.Apply(ctx, o.Hash, fill(t, o, "tx:1", 40))
	if _, err := relay.Publish(ctx, applied); err == nil {
		t.Fatal("expected publish failure")
	}

	// still owned by its caller
	if n, _ := relay.Sweep(ctx, 0); n != 0 {
		t.Errorf("sweep must skip in-flight updates, swept %d", n)
	}

	relay.Abandon(applied.ID)
	b.mu.Lock()
	b.fails = 0
	b.mu.Unlock()

	sub, _, _ := b.Subscribe(domain.TopicAll, 4)
	n, err := relay.Sweep(ctx, 0)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept, got %d", n)
	}
	env := <-sub.Out()
	if env.Update.OrderHash != o.Hash || !env.Update.Remaining.Equal(decimal.NewFromInt(60)) {
		t.Errorf("unexpected swept envelope %+v", env.Update)
	}
}

func TestRelay_SweepAfterRestart(t *testing.T) {
	relay, store, b := setup(t, 0)
	ctx := context.Background()
	o := addOrder(t, store)

	// applied but never published, as if the process died in between
	if _, err := store.ApplyStateUpdate(ctx, o.Hash, fill(t, o, "tx:1", 40)); err != nil {
		t.Fatalf("ApplyStateUpdate failed: %v", err)
	}

	sub, _, _ := b.Subscribe("ETH/DAI", 4)
	if n, err := relay.Sweep(ctx, 10); err != nil || n != 1 {
		t.Fatalf("expected 1 swept, got %d (%v)", n, err)
	}
	if env := <-sub.Out(); env.Update.CausingEventRef != "tx:1" {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestRelay_ApplyPassesThroughPermanentErrors(t *testing.T) {
	relay, store, _ := setup(t, 0)
	ctx := context.Background()
	o := addOrder(t, store)

	change := fill(t, o, "tx:1", 40)
	if _, err := relay.Apply(ctx, o.Hash, change); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	_, err := relay.Apply(ctx, o.Hash, change)
	if !errors.Is(err, domain.ErrAlreadyApplied) {
		t.Errorf("expected ErrAlreadyApplied, got %v", err)
	}
}
