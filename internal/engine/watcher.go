package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"order_relay/internal/domain"
	"order_relay/internal/event"
	"order_relay/internal/infra"
	"order_relay/internal/service"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// Config tunes a Watcher.
type Config struct {
	PollInterval time.Duration
	// Concurrency bounds how many orders one cycle evaluates at once.
	Concurrency int
	// DedupeSize bounds the set of recently seen event references.
	DedupeSize int
	// CASRetries is how often a lost compare-and-swap is retried against a
	// reloaded order before the event is kept for the next cycle.
	CASRetries int
	// DrainMax bounds how many queued events are taken per wake-up.
	DrainMax int
	DumpPath string
	Verifier domain.SignatureVerifier
	Breaker  infra.CircuitBreakerConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		Concurrency:  8,
		DedupeSize:   100_000,
		CASRetries:   3,
		DrainMax:     1024,
		DumpPath:     "watcher_panic_dump.json",
		Verifier:     domain.Ed25519Verifier{},
		Breaker:      infra.DefaultCircuitBreakerConfig("watcher"),
	}
}

// Watcher tracks non-terminal orders, applies chain events to them through
// the store's conditional update, and publishes the resulting updates.
//
// One loop drives it. A cycle evaluates tracked orders concurrently, but
// each order's events are applied in arrival order by a single goroutine.
type Watcher struct {
	cfg      Config
	store    domain.OrderStore
	relay    *service.Relay
	source   event.Source
	registry *Registry
	seen     *lru.Cache[string, struct{}]
	breaker  *infra.CircuitBreaker
	metrics  *infra.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	orphans []event.Retract
	// explicitly unwatched; Recover leaves them alone
	ignored map[domain.Hash]struct{}
}

// NewWatcher creates a watcher over registry. source may be nil when events
// are fed through Enqueue.
func NewWatcher(cfg Config, store domain.OrderStore, relay *service.Relay, source event.Source, registry *Registry, metrics *infra.Metrics, logger *slog.Logger) (*Watcher, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DrainMax <= 0 {
		cfg.DrainMax = 1024
	}
	if cfg.CASRetries <= 0 {
		cfg.CASRetries = 3
	}
	seen, err := lru.New[string, struct{}](max(cfg.DedupeSize, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe set: %w", err)
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Breaker.OnStateChange == nil {
		cfg.Breaker.OnStateChange = metrics.BreakerHook()
	}

	return &Watcher{
		cfg:      cfg,
		store:    store,
		relay:    relay,
		source:   source,
		registry: registry,
		seen:     seen,
		breaker:  infra.NewCircuitBreaker(cfg.Breaker),
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "watcher")),
		now:      time.Now,
		ignored:  make(map[domain.Hash]struct{}),
	}, nil
}

// WatchOrderBatch validates, persists and tracks orders. Valid orders are
// accepted even if others fail; the failures come back as a *BatchError.
// An order that already exists is tracked from its stored state.
func (w *Watcher) WatchOrderBatch(ctx context.Context, orders []domain.Order) ([]domain.Hash, error) {
	now := w.now()
	var accepted []domain.Hash
	var errs []error

	for _, o := range orders {
		o.Initialize(now)
		if err := o.Validate(now, w.cfg.Verifier); err != nil {
			errs = append(errs, err)
			continue
		}

		err := w.store.AddOrder(ctx, o)
		if errors.Is(err, domain.ErrDuplicateOrder) && w.registry.Has(o.Hash) {
			accepted = append(accepted, o.Hash)
			continue
		}
		if errors.Is(err, domain.ErrDuplicateOrder) {
			stored, loadErr := w.load(ctx, o.Hash)
			if loadErr != nil {
				errs = append(errs, loadErr)
				continue
			}
			if stored.State.IsTerminal() {
				errs = append(errs, err)
				continue
			}
			o, err = stored, nil
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		w.mu.Lock()
		delete(w.ignored, o.Hash)
		w.mu.Unlock()
		w.registry.Add(o)
		accepted = append(accepted, o.Hash)
	}

	w.metrics.TrackedOrders.Set(float64(w.registry.Len()))
	if len(accepted) > 0 {
		w.logger.Info("Watching orders", slog.Int("accepted", len(accepted)), slog.Int("rejected", len(errs)))
	}
	if len(errs) > 0 {
		return accepted, &domain.BatchError{Errs: errs}
	}
	return accepted, nil
}

// Unwatch stops tracking hash. Unpublished updates it held are left to the
// recovery sweep. No-op if hash is not tracked.
func (w *Watcher) Unwatch(hash domain.Hash) {
	w.mu.Lock()
	w.ignored[hash] = struct{}{}
	w.mu.Unlock()

	unpublished, ok := w.registry.Remove(hash)
	if !ok {
		return
	}
	w.abandon(unpublished)
	w.metrics.TrackedOrders.Set(float64(w.registry.Len()))
}

// Tracked returns the hashes of tracked orders.
func (w *Watcher) Tracked() []domain.Hash {
	return w.registry.Hashes()
}

// Recover tracks every non-terminal order in the store that is not tracked
// yet, except orders removed with Unwatch. It runs at start and periodically
// to pick up orders added to the store by other writers.
func (w *Watcher) Recover(ctx context.Context) (int, error) {
	orders, err := w.store.GetOrders(ctx, domain.OrderFilter{ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range orders {
		w.mu.Lock()
		_, skip := w.ignored[o.Hash]
		w.mu.Unlock()
		if skip {
			continue
		}
		if w.registry.Add(o) {
			n++
		}
	}
	w.metrics.TrackedOrders.Set(float64(w.registry.Len()))
	return n, nil
}

// Enqueue hands an event to the watcher. Events for untracked orders are
// ignored, except retractions, which may concern an order that already
// settled.
func (w *Watcher) Enqueue(ev event.Event) {
	key := dedupeKey(ev)
	if w.seen.Contains(key) {
		w.metrics.DuplicatesSkipped.Inc()
		return
	}

	hash := ev.GetOrderHash()
	if w.registry.Enqueue(hash, ev) {
		w.seen.Add(key, struct{}{})
		return
	}

	if r, ok := asRetract(ev); ok {
		w.seen.Add(key, struct{}{})
		w.mu.Lock()
		w.orphans = append(w.orphans, r)
		w.mu.Unlock()
		return
	}
	w.logger.Debug("Ignoring event for untracked order",
		slog.String("order", string(hash)),
		slog.String("ref", ev.GetRef()))
}

func dedupeKey(ev event.Event) string {
	if _, ok := asRetract(ev); ok {
		return "retract:" + ev.GetRef()
	}
	return ev.GetRef()
}

func asRetract(ev event.Event) (event.Retract, bool) {
	switch e := ev.(type) {
	case event.Retract:
		return e, true
	case *event.Retract:
		return *e, true
	}
	return event.Retract{}, false
}

// Run drives the watcher until ctx is done or the store becomes
// unavailable. While the breaker is open the source is not read, so events
// back up in the source instead of being dropped.
func (w *Watcher) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			w.DumpState(w.cfg.DumpPath)
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var source <-chan event.Event
	if w.source != nil {
		source = w.source.Events()
	}

	w.logger.Info("Watcher started", slog.Int("tracked", w.registry.Len()))
	for {
		in := source
		if in != nil && !w.breaker.Allow() {
			in = nil
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Watcher stopping...")
			return nil

		case ev, ok := <-in:
			if !ok {
				w.logger.Warn("Event source closed")
				source = nil
				continue
			}
			w.Enqueue(ev)
			w.drain(in)

		case <-ticker.C:
		}

		if err := w.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("Halting ingestion", slog.Any("error", err))
			return err
		}
	}
}

func (w *Watcher) drain(in <-chan event.Event) {
	for i := 0; i < w.cfg.DrainMax; i++ {
		select {
		case ev, ok := <-in:
			if !ok {
				return
			}
			w.Enqueue(ev)
		default:
			return
		}
	}
}

// Cycle runs one evaluation pass: retractions for settled orders first,
// then every tracked order with pending work or a passed expiration. Only
// fatal store or bus unavailability is returned.
func (w *Watcher) Cycle(ctx context.Context) error {
	if !w.breaker.Allow() {
		return nil
	}

	if err := w.handleOrphans(ctx); err != nil {
		return err
	}

	now := w.now()
	items := w.registry.Take(func(o domain.Order) bool {
		return o.IsOpen() && o.IsExpired(now)
	})
	if len(items) == 0 {
		return nil
	}

	results := make([]work, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for i, it := range items {
		g.Go(func() error {
			res, err := w.evaluate(gctx, it, now)
			results[i] = res
			return err
		})
	}
	err := g.Wait()

	for _, res := range results {
		if !w.registry.Finish(res) {
			// unwatched while in flight
			w.abandon(res.unpublished)
			continue
		}
		if w.registry.Settled(res.hash) {
			w.registry.Remove(res.hash)
			w.logger.Info("Order settled, unwatching",
				slog.String("order", string(res.hash)),
				slog.String("state", string(res.order.State)))
		}
	}
	w.metrics.TrackedOrders.Set(float64(w.registry.Len()))
	return err
}

func (w *Watcher) handleOrphans(ctx context.Context) error {
	w.mu.Lock()
	orphans := w.orphans
	w.orphans = nil
	w.mu.Unlock()

	for i, r := range orphans {
		applied, err := w.relay.Rederive(ctx, r.OrderHash, r.Ref)
		if err == nil {
			w.logger.Info("Re-derived settled order after reorg",
				slog.String("order", string(r.OrderHash)),
				slog.String("retracted", r.Ref),
				slog.String("state", string(applied.Order.State)))
			// published by the evaluation below; untracked again once settled
			w.registry.Track(applied.Order, applied)
			continue
		}
		if ignorable(err) {
			continue
		}

		w.failure(err)
		if fatal(err) || domain.IsRetriable(err) || ctx.Err() != nil {
			w.mu.Lock()
			w.orphans = append(orphans[i:], w.orphans...)
			w.mu.Unlock()
			if fatal(err) {
				return err
			}
			return nil
		}
		w.logger.Warn("Dropping retraction", slog.String("ref", r.Ref), slog.Any("error", err))
	}
	return nil
}

// evaluate processes one order's work. It always returns the work with
// whatever is left, so nothing is lost on failure.
func (w *Watcher) evaluate(ctx context.Context, it work, now time.Time) (work, error) {
	out := it

	for len(out.unpublished) > 0 {
		if _, err := w.relay.Publish(ctx, out.unpublished[0]); err != nil {
			return out, w.transient(out.hash, "publish", err)
		}
		out.unpublished = out.unpublished[1:]
	}

	events := out.pending
	out.pending = nil
	if out.order.IsOpen() && out.order.IsExpired(now) {
		events = append(events, event.Expire{Base: event.Base{
			Ref:       event.ExpiryRef(out.hash),
			OrderHash: out.hash,
			Ts:        now,
		}})
	}

	for i, ev := range events {
		start := w.now()
		applied, changed, err := w.apply(ctx, &out.order, ev)
		if err != nil {
			if fatal(err) || domain.IsRetriable(err) || ctx.Err() != nil {
				out.pending = retainable(events[i:], out.hash)
				return out, w.transient(out.hash, "apply", err)
			}
			w.logger.Warn("Dropping event",
				slog.String("order", string(out.hash)),
				slog.String("ref", ev.GetRef()),
				slog.Any("error", err))
			w.metrics.RecordError("watcher")
			continue
		}
		w.breaker.RecordSuccess()
		if !changed {
			continue
		}

		if _, err := w.relay.Publish(ctx, applied); err != nil {
			out.unpublished = append(out.unpublished, applied)
			out.pending = retainable(events[i+1:], out.hash)
			return out, w.transient(out.hash, "publish", err)
		}
		w.metrics.RecordEvent(w.now().Sub(start))
	}
	return out, nil
}

// retainable drops the synthetic expiry; it is re-derived next cycle.
func retainable(events []event.Event, hash domain.Hash) []event.Event {
	out := events[:0:0]
	for _, ev := range events {
		if ev.GetRef() == event.ExpiryRef(hash) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// apply applies one event to *order, reloading and retrying when a
// concurrent writer won the compare-and-swap. changed is false for events
// that turned out to be no-ops.
func (w *Watcher) apply(ctx context.Context, order *domain.Order, ev event.Event) (domain.AppliedUpdate, bool, error) {
	if r, ok := asRetract(ev); ok {
		applied, err := w.relay.Rederive(ctx, order.Hash, r.Ref)
		if err != nil {
			if ignorable(err) {
				return domain.AppliedUpdate{}, false, nil
			}
			return domain.AppliedUpdate{}, false, err
		}
		w.logger.Info("Re-derived order after reorg",
			slog.String("order", string(order.Hash)),
			slog.String("retracted", r.Ref),
			slog.String("from", string(applied.PreviousState)),
			slog.String("to", string(applied.Order.State)))
		*order = applied.Order
		return applied, true, nil
	}

	ce, err := event.ToChainEvent(ev)
	if err != nil {
		return domain.AppliedUpdate{}, false, err
	}
	ce.OrderHash = order.Hash

	for attempt := 0; attempt <= w.cfg.CASRetries; attempt++ {
		change, err := domain.NewStateChange(*order, ce)
		if err != nil {
			if errors.Is(err, domain.ErrTerminalState) {
				return domain.AppliedUpdate{}, false, nil
			}
			return domain.AppliedUpdate{}, false, err
		}

		applied, err := w.relay.Apply(ctx, order.Hash, change)
		switch {
		case err == nil:
			*order = applied.Order
			return applied, true, nil
		case errors.Is(err, domain.ErrStateConflict):
			if err := w.reload(ctx, order); err != nil {
				return domain.AppliedUpdate{}, false, err
			}
		case errors.Is(err, domain.ErrAlreadyApplied), errors.Is(err, domain.ErrTerminalState):
			// the store is ahead of our view
			if err := w.reload(ctx, order); err != nil {
				return domain.AppliedUpdate{}, false, err
			}
			return domain.AppliedUpdate{}, false, nil
		case ignorable(err):
			return domain.AppliedUpdate{}, false, nil
		default:
			return domain.AppliedUpdate{}, false, err
		}
	}
	return domain.AppliedUpdate{}, false, domain.NewTransientStoreError("apply",
		fmt.Errorf("%w after %d attempts", domain.ErrStateConflict, w.cfg.CASRetries+1))
}

func (w *Watcher) load(ctx context.Context, hash domain.Hash) (domain.Order, error) {
	orders, err := w.store.GetOrders(ctx, domain.OrderFilter{Hashes: []domain.Hash{hash}, Limit: 1})
	if err != nil {
		return domain.Order{}, err
	}
	if len(orders) == 0 {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return orders[0], nil
}

func (w *Watcher) reload(ctx context.Context, order *domain.Order) error {
	o, err := w.load(ctx, order.Hash)
	if err != nil {
		return err
	}
	*order = o
	return nil
}

// ignorable errors mean the event has nothing left to do.
func ignorable(err error) bool {
	var reorg *domain.ReorgConflictError
	return errors.Is(err, domain.ErrEventNotFound) ||
		errors.Is(err, domain.ErrAlreadyApplied) ||
		errors.As(err, &reorg)
}

func fatal(err error) bool {
	return errors.Is(err, domain.ErrStoreUnavailable) || errors.Is(err, domain.ErrBusClosed)
}

// transient logs a failure that leaves the order's work queued and returns
// err only if it is fatal.
func (w *Watcher) transient(hash domain.Hash, op string, err error) error {
	if !errors.Is(err, context.Canceled) {
		w.logger.Warn("Order evaluation failed, retrying next cycle",
			slog.String("order", string(hash)),
			slog.String("op", op),
			slog.Any("error", err))
		w.metrics.RecordError("watcher")
		w.failure(err)
	}
	if fatal(err) {
		return err
	}
	return nil
}

func (w *Watcher) failure(err error) {
	if fatal(err) || domain.IsRetriable(err) {
		w.breaker.RecordFailure()
	}
}

func (w *Watcher) abandon(unpublished []domain.AppliedUpdate) {
	if len(unpublished) == 0 {
		return
	}
	ids := make([]uint64, 0, len(unpublished))
	for _, u := range unpublished {
		ids = append(ids, u.ID)
	}
	w.relay.Abandon(ids...)
}

// BreakerState returns the ingestion breaker state.
func (w *Watcher) BreakerState() infra.BreakerState {
	return w.breaker.GetState()
}

// DumpState writes the watch set to a file (for post-mortem).
func (w *Watcher) DumpState(filename string) {
	w.logger.Info("Dumping internal state...", slog.String("file", filename))

	w.mu.Lock()
	orphans := make([]string, 0, len(w.orphans))
	for _, r := range w.orphans {
		orphans = append(orphans, r.Ref)
	}
	w.mu.Unlock()

	data := struct {
		Breaker string                    `json:"breaker"`
		Orphans []string                  `json:"orphan_retractions"`
		Orders  map[domain.Hash]dumpEntry `json:"orders"`
	}{
		Breaker: w.breaker.GetState().String(),
		Orphans: orphans,
		Orders:  w.registry.dump(),
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		w.logger.Error("Failed to marshal state dump", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(filename, b, 0644); err != nil {
		w.logger.Error("Failed to write state dump", slog.Any("error", err))
	}
}
