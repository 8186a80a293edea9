package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"order_relay/internal/bus"
	"order_relay/internal/domain"
	"order_relay/internal/infra"
)

// Relay moves applied updates from the store to the bus. Every update is
// persisted first and acknowledged in the outbox only after every topic
// accepted it, so a crash in between leaves it for Sweep.
type Relay struct {
	store   domain.OrderStore
	bus     bus.Bus
	retry   infra.RetryPolicy
	metrics *infra.Metrics
	logger  *slog.Logger

	// outbox ids owned by a live caller; Sweep leaves them alone
	mu       sync.Mutex
	inFlight map[uint64]struct{}
}

// NewRelay creates a Relay. metrics may be nil.
func NewRelay(store domain.OrderStore, b bus.Bus, retry infra.RetryPolicy, metrics *infra.Metrics, logger *slog.Logger) *Relay {
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:    store,
		bus:      b,
		retry:    retry,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "relay")),
		inFlight: make(map[uint64]struct{}),
	}
}

// Apply persists change, retrying transient store failures.
func (r *Relay) Apply(ctx context.Context, hash domain.Hash, change domain.StateChange) (domain.AppliedUpdate, error) {
	var applied domain.AppliedUpdate
	err := r.retry.Retry(ctx, func(ctx context.Context) error {
		var err error
		applied, err = r.store.ApplyStateUpdate(ctx, hash, change)
		return err
	})
	if err != nil {
		return domain.AppliedUpdate{}, err
	}
	r.claim(applied.ID)
	r.metrics.UpdatesApplied.WithLabelValues(string(applied.Order.State)).Inc()
	return applied, nil
}

// Rederive retracts ref and recomputes the order, retrying transient failures.
func (r *Relay) Rederive(ctx context.Context, hash domain.Hash, ref string) (domain.AppliedUpdate, error) {
	var applied domain.AppliedUpdate
	err := r.retry.Retry(ctx, func(ctx context.Context) error {
		var err error
		applied, err = r.store.RederiveState(ctx, hash, ref)
		return err
	})
	if err != nil {
		return domain.AppliedUpdate{}, err
	}
	r.claim(applied.ID)
	r.metrics.Reorgs.Inc()
	r.metrics.UpdatesApplied.WithLabelValues(string(applied.Order.State)).Inc()
	return applied, nil
}

// Publish sends applied on every topic of its pair, then acknowledges it.
// A failure after some topics succeeded is retried as a whole later; those
// topics then see a duplicate.
func (r *Relay) Publish(ctx context.Context, applied domain.AppliedUpdate) ([]domain.Envelope, error) {
	topics := domain.TopicsFor(applied.Order.Pair)
	envs := make([]domain.Envelope, 0, len(topics))

	for _, topic := range topics {
		var env domain.Envelope
		err := r.retry.Retry(ctx, func(ctx context.Context) error {
			var err error
			env, err = r.bus.Publish(ctx, topic, applied.Update)
			return err
		})
		if err != nil {
			r.metrics.PublishFailures.Inc()
			return envs, fmt.Errorf("publish update %d on %s: %w", applied.ID, topic, err)
		}
		r.metrics.UpdatesPublished.WithLabelValues(topic).Inc()
		envs = append(envs, env)
	}

	err := r.retry.Retry(ctx, func(ctx context.Context) error {
		return r.store.MarkPublished(ctx, applied.ID)
	})
	if err != nil {
		return envs, fmt.Errorf("acknowledge update %d: %w", applied.ID, err)
	}
	r.release(applied.ID)
	return envs, nil
}

// Sweep republishes outbox entries that no live caller owns, oldest first.
// It returns the number republished.
func (r *Relay) Sweep(ctx context.Context, limit int) (int, error) {
	pending, err := r.store.UnpublishedUpdates(ctx, limit)
	if err != nil {
		return 0, err
	}

	swept := 0
	blocked := make(map[domain.Hash]bool)
	for _, applied := range pending {
		hash := applied.Order.Hash
		// keep per-order order: nothing newer goes out before an older one
		if blocked[hash] || r.owned(applied.ID) {
			blocked[hash] = true
			continue
		}
		if _, err := r.Publish(ctx, applied); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrBusClosed) {
				return swept, err
			}
			r.logger.Warn("Sweep publish failed",
				slog.Uint64("update_id", applied.ID),
				slog.String("order", string(hash)),
				slog.Any("error", err))
			r.metrics.RecordError("sweep")
			blocked[hash] = true
			continue
		}
		swept++
		r.metrics.UpdatesSwept.Inc()
	}
	if swept > 0 {
		r.logger.Info("Republished unacknowledged updates", slog.Int("count", swept))
	}
	return swept, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (r *Relay) RunSweeper(ctx context.Context, interval time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx, limit); err != nil && ctx.Err() == nil {
				r.logger.Warn("Sweep failed", slog.Any("error", err))
			}
		}
	}
}

func (r *Relay) claim(id uint64) {
	r.mu.Lock()
	r.inFlight[id] = struct{}{}
	r.mu.Unlock()
}

func (r *Relay) release(id uint64) {
	r.mu.Lock()
	delete(r.inFlight, id)
	r.mu.Unlock()
}

func (r *Relay) owned(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[id]
	return ok
}

// Abandon hands outbox entries back to Sweep, e.g. when their order stops
// being watched before they went out.
func (r *Relay) Abandon(ids ...uint64) {
	r.mu.Lock()
	for _, id := range ids {
		delete(r.inFlight, id)
	}
	r.mu.Unlock()
}
