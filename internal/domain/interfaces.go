package domain

import (
	"context"
)

// OrderStore is the authoritative record of order state. Implementations
// accept concurrent callers.
type OrderStore interface {
	GetOrders(ctx context.Context, filter OrderFilter) ([]Order, error)
	AddOrder(ctx context.Context, order Order) error
	ApplyStateUpdate(ctx context.Context, hash Hash, change StateChange) (AppliedUpdate, error)
	RederiveState(ctx context.Context, hash Hash, retractedRef string) (AppliedUpdate, error)
	UnpublishedUpdates(ctx context.Context, limit int) ([]AppliedUpdate, error)
	MarkPublished(ctx context.Context, updateID uint64) error
	Ping(ctx context.Context) error
}

// TopicSequencer assigns the per-topic sequence numbers. Next must be
// linearized across every publisher of a topic.
type TopicSequencer interface {
	Next(ctx context.Context, topic string) (uint64, error)
	Current(ctx context.Context, topic string) (uint64, error)
}
