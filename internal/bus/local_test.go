package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"order_relay/internal/domain"
)

func TestLocalBus_PerTopicSequence(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	ctx := context.Background()

	pairSub, _, err := b.Subscribe("ETH/DAI", 16)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	allSub, _, _ := b.Subscribe(domain.TopicAll, 16)

	for i := 0; i < 3; i++ {
		for _, topic := range []string{"ETH/DAI", domain.TopicAll} {
			if _, err := b.Publish(ctx, topic, domain.OrderStateUpdate{}); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
		}
	}
	b.Publish(ctx, domain.TopicAll, domain.OrderStateUpdate{})

	for want := uint64(1); want <= 3; want++ {
		got := <-pairSub.Out()
		if got.Sequence != want || got.Update.SequenceNumber != want {
			t.Errorf("pair: expected %d, got %d", want, got.Sequence)
		}
	}
	for want := uint64(1); want <= 4; want++ {
		got := <-allSub.Out()
		if got.Sequence != want {
			t.Errorf("all: expected %d, got %d", want, got.Sequence)
		}
	}
}

func TestLocalBus_ConcurrentPublishersStayOrdered(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	sub, _, _ := b.Subscribe("ETH/DAI", 1000)

	const publishers, each = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				b.Publish(context.Background(), "ETH/DAI", domain.OrderStateUpdate{})
			}
		}()
	}
	wg.Wait()

	var prev uint64
	for i := 0; i < publishers*each; i++ {
		got := <-sub.Out()
		if got.Sequence != prev+1 {
			t.Fatalf("expected %d, got %d", prev+1, got.Sequence)
		}
		prev = got.Sequence
	}
}

func TestLocalBus_SeededSequencer(t *testing.T) {
	seq := NewMemorySequencer()
	for i := 0; i < 56; i++ {
		seq.Next(context.Background(), "ETH/DAI")
	}
	b := NewLocalBus(seq)
	defer b.Close()

	_, last, _ := b.Subscribe("ETH/DAI", 4)
	if last != 56 {
		t.Errorf("expected last 56 from sequencer, got %d", last)
	}
	env, _ := b.Publish(context.Background(), "ETH/DAI", domain.OrderStateUpdate{})
	if env.Sequence != 57 {
		t.Errorf("expected 57, got %d", env.Sequence)
	}
}

func TestLocalBus_Errors(t *testing.T) {
	b := NewLocalBus(nil)

	if _, _, err := b.Subscribe("bogus", 1); !errors.Is(err, domain.ErrUnknownTopic) {
		t.Errorf("expected ErrUnknownTopic, got %v", err)
	}

	sub, _, _ := b.Subscribe(domain.TopicAll, 1)
	b.Close()

	if _, err := b.Publish(context.Background(), domain.TopicAll, domain.OrderStateUpdate{}); !errors.Is(err, domain.ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
	if !errors.Is(sub.Err(), domain.ErrBusClosed) {
		t.Errorf("subscription should be canceled with ErrBusClosed, got %v", sub.Err())
	}
}

type failingSequencer struct{}

func (failingSequencer) Next(context.Context, string) (uint64, error) {
	return 0, errors.New("database is locked")
}

func (failingSequencer) Current(context.Context, string) (uint64, error) { return 0, nil }

func TestLocalBus_SequencerFailureIsRetriable(t *testing.T) {
	b := NewLocalBus(failingSequencer{})
	defer b.Close()

	_, err := b.Publish(context.Background(), domain.TopicAll, domain.OrderStateUpdate{})
	if !domain.IsRetriable(err) {
		t.Errorf("expected retriable error, got %v", err)
	}
}
