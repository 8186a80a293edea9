// Package bus broadcasts order state updates on per-topic ordered streams.
package bus

import (
	"context"
	"errors"

	"order_relay/internal/domain"
)

// Bus assigns each published update the next sequence number of its topic and
// delivers it to current subscribers. Subscribe returns the last sequence
// number the new subscriber will not receive.
type Bus interface {
	Publish(ctx context.Context, topic string, update domain.OrderStateUpdate) (domain.Envelope, error)
	Subscribe(topic string, capacity int) (*Subscription, uint64, error)
	Unsubscribe(sub *Subscription)
	Current(topic string) uint64
	Close() error
}

// asBusError keeps context and closed errors as they are and marks the rest
// retriable.
func asBusError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, domain.ErrBusClosed) || errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	if domain.IsRetriable(err) {
		return err
	}
	return domain.NewTransientBusError(op, err)
}

// seedFrom adapts a sequencer to a hub seed.
func seedFrom(seq domain.TopicSequencer) SeedFunc {
	return func(topic string) uint64 {
		cur, err := seq.Current(context.Background(), topic)
		if err != nil {
			return 0
		}
		return cur
	}
}
