package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"order_relay/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store is the SQLite implementation of domain.OrderStore. All state changes
// go through conditional updates inside a transaction, so concurrent callers
// racing on one order see exactly one winner.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ domain.OrderStore = (*Store)(nil)

// NewStore opens (or creates) the database at path. An empty path resolves to
// the per-user data directory.
func NewStore(path string) (*Store, error) {
	if path == "" {
		var err error
		if path, err = getDBPath(); err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// SQLite serializes writers; one connection keeps transactions from
	// tripping over each other's locks.
	sqlDB.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	// Auto Migration
	if err := db.AutoMigrate(
		&domain.OrderRecord{},
		&domain.OrderEventRecord{},
		&domain.OrderUpdateRecord{},
		&domain.TopicSequence{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "OrderRelay", "data", "relay.db"), nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database can be reached.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return wrapDBError("ping", err)
	}
	return nil
}

// wrapDBError classifies a driver error into the domain taxonomy.
func wrapDBError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return domain.ErrOrderNotFound
	case strings.Contains(err.Error(), "database is closed"),
		strings.Contains(err.Error(), "unable to open database"):
		return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
	}
	return domain.NewTransientStoreError(op, err)
}

// passthrough reports errors produced by the domain layer itself, which are
// returned from a transaction unchanged.
func passthrough(err error) bool {
	var invalid *domain.InvalidOrderError
	var dup *domain.DuplicateOrderError
	var reorg *domain.ReorgConflictError
	return errors.As(err, &invalid) || errors.As(err, &dup) || errors.As(err, &reorg) ||
		errors.Is(err, domain.ErrOrderNotFound) ||
		errors.Is(err, domain.ErrEventNotFound) ||
		errors.Is(err, domain.ErrTerminalState) ||
		errors.Is(err, domain.ErrIllegalTransition) ||
		errors.Is(err, domain.ErrAlreadyApplied) ||
		errors.Is(err, domain.ErrStateConflict)
}

func (s *Store) txError(op string, err error) error {
	if err == nil || passthrough(err) {
		return err
	}
	return wrapDBError(op, err)
}

func stateStrings(states []domain.OrderState) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

func hashStrings(hashes []domain.Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = string(h)
	}
	return out
}

// ======================================================================================
// Order Operations
// ======================================================================================

// GetOrders returns the orders matching filter, ordered by hash.
func (s *Store) GetOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	q := s.db.WithContext(ctx).Model(&domain.OrderRecord{})
	if filter.Pair != nil {
		q = q.Where("base_token = ? AND quote_token = ?", filter.Pair.Base, filter.Pair.Quote)
	}
	if filter.ActiveOnly {
		q = q.Where("state IN ?", stateStrings(domain.ActiveStates()))
	}
	if len(filter.States) > 0 {
		q = q.Where("state IN ?", stateStrings(filter.States))
	}
	if len(filter.Hashes) > 0 {
		q = q.Where("hash IN ?", hashStrings(filter.Hashes))
	}
	if filter.Maker != "" {
		q = q.Where("maker = ?", filter.Maker)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []domain.OrderRecord
	if err := q.Order("hash").Find(&rows).Error; err != nil {
		return nil, wrapDBError("get orders", err)
	}

	orders := make([]domain.Order, 0, len(rows))
	for i := range rows {
		o, err := rows[i].ToOrder()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// GetOrder returns a single order by hash.
func (s *Store) GetOrder(ctx context.Context, hash domain.Hash) (domain.Order, error) {
	var row domain.OrderRecord
	if err := s.db.WithContext(ctx).First(&row, "hash = ?", string(hash)).Error; err != nil {
		return domain.Order{}, wrapDBError("get order", err)
	}
	return row.ToOrder()
}

// AddOrder inserts a validated order in its initial state. Inserting an
// existing hash fails with *domain.DuplicateOrderError and changes nothing.
func (s *Store) AddOrder(ctx context.Context, order domain.Order) error {
	order.Initialize(s.now())
	if order.State != domain.StateOpen || order.LastEventRef != "" {
		return &domain.InvalidOrderError{Hash: order.Hash, Reason: "new orders must start OPEN with no applied events"}
	}
	row := domain.NewOrderRecord(order)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.OrderRecord{}).Where("hash = ?", row.Hash).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return &domain.DuplicateOrderError{Hash: order.Hash}
		}
		return tx.Create(&row).Error
	})
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return &domain.DuplicateOrderError{Hash: order.Hash}
	}
	return s.txError("add order", err)
}

// ApplyStateUpdate applies change to the order if and only if its stored
// state and last applied event still match the change's expectations.
// Re-applying an event reference returns domain.ErrAlreadyApplied.
func (s *Store) ApplyStateUpdate(ctx context.Context, hash domain.Hash, change domain.StateChange) (domain.AppliedUpdate, error) {
	var applied domain.AppliedUpdate
	ref := change.Event.Ref
	if ref == "" {
		return applied, &domain.InvalidOrderError{Hash: hash, Reason: "state change without event reference"}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []domain.OrderEventRecord
		if err := tx.Where("ref = ?", ref).Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) > 0 {
			if existing[0].Retracted {
				return &domain.ReorgConflictError{Ref: ref, Hash: hash}
			}
			return domain.ErrAlreadyApplied
		}

		var row domain.OrderRecord
		if err := tx.First(&row, "hash = ?", string(hash)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrOrderNotFound
			}
			return err
		}
		current, err := row.ToOrder()
		if err != nil {
			return err
		}

		if current.State.IsTerminal() {
			return domain.ErrTerminalState
		}
		if current.State != change.ExpectedState || current.LastEventRef != change.ExpectedRef {
			return domain.ErrStateConflict
		}
		if !current.State.CanTransition(change.NewState) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, current.State, change.NewState)
		}
		if change.Remaining.IsNegative() || change.Remaining.GreaterThan(current.Remaining) {
			return fmt.Errorf("%w: remaining %s -> %s", domain.ErrIllegalTransition, current.Remaining, change.Remaining)
		}

		now := s.now()
		res := tx.Model(&domain.OrderRecord{}).
			Where("hash = ? AND state = ? AND last_event_ref = ?", row.Hash, row.State, row.LastEventRef).
			Updates(map[string]any{
				"state":          string(change.NewState),
				"remaining":      change.Remaining.String(),
				"last_event_ref": ref,
				"updated_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrStateConflict
		}

		ev := change.Event
		ev.OrderHash = hash
		if err := tx.Create(newEventRecord(ev)).Error; err != nil {
			return err
		}

		previous := current
		current.State = change.NewState
		current.Remaining = change.Remaining
		current.LastEventRef = ref
		current.UpdatedAt = now

		out := &domain.OrderUpdateRecord{
			OrderHash:         row.Hash,
			EventRef:          ref,
			PreviousState:     row.State,
			PreviousRemaining: row.Remaining,
			State:             string(change.NewState),
			Remaining:         change.Remaining.String(),
			CreatedAt:         now,
		}
		if err := tx.Create(out).Error; err != nil {
			return err
		}

		applied = domain.AppliedUpdate{
			ID:                out.ID,
			PreviousState:     previous.State,
			PreviousRemaining: previous.Remaining,
			Order:             current,
			Update:            toStateUpdate(current, ref, now),
		}
		return nil
	})
	return applied, s.txError("apply state update", err)
}

// RederiveState marks retractedRef as retracted and recomputes the order from
// its remaining canonical events. The corrective update may move the order
// out of a terminal state and carries the reference "retract:<ref>".
func (s *Store) RederiveState(ctx context.Context, hash domain.Hash, retractedRef string) (domain.AppliedUpdate, error) {
	var applied domain.AppliedUpdate
	correction := RetractionRef(retractedRef)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target []domain.OrderEventRecord
		if err := tx.Where("ref = ?", retractedRef).Limit(1).Find(&target).Error; err != nil {
			return err
		}
		if len(target) == 0 {
			return domain.ErrEventNotFound
		}
		if target[0].Retracted {
			return domain.ErrAlreadyApplied
		}
		if target[0].OrderHash != string(hash) {
			return &domain.ReorgConflictError{Ref: retractedRef, Hash: hash}
		}

		var row domain.OrderRecord
		if err := tx.First(&row, "hash = ?", string(hash)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrOrderNotFound
			}
			return err
		}
		current, err := row.ToOrder()
		if err != nil {
			return err
		}

		if err := tx.Model(&domain.OrderEventRecord{}).
			Where("id = ?", target[0].ID).
			Update("retracted", true).Error; err != nil {
			return err
		}

		var canonical []domain.OrderEventRecord
		if err := tx.Where("order_hash = ? AND retracted = ?", row.Hash, false).
			Order("id").Find(&canonical).Error; err != nil {
			return err
		}
		events := make([]domain.ChainEvent, 0, len(canonical))
		for i := range canonical {
			ev, err := canonical[i].ToChainEvent()
			if err != nil {
				return err
			}
			events = append(events, ev)
		}

		state, remaining, _ := domain.Derive(current, events)
		now := s.now()
		res := tx.Model(&domain.OrderRecord{}).
			Where("hash = ? AND state = ? AND last_event_ref = ?", row.Hash, row.State, row.LastEventRef).
			Updates(map[string]any{
				"state":          string(state),
				"remaining":      remaining.String(),
				"last_event_ref": correction,
				"updated_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrStateConflict
		}

		previous := current
		current.State = state
		current.Remaining = remaining
		current.LastEventRef = correction
		current.UpdatedAt = now

		out := &domain.OrderUpdateRecord{
			OrderHash:         row.Hash,
			EventRef:          correction,
			PreviousState:     string(previous.State),
			PreviousRemaining: previous.Remaining.String(),
			State:             string(state),
			Remaining:         remaining.String(),
			CreatedAt:         now,
		}
		if err := tx.Create(out).Error; err != nil {
			return err
		}

		applied = domain.AppliedUpdate{
			ID:                out.ID,
			PreviousState:     previous.State,
			PreviousRemaining: previous.Remaining,
			Order:             current,
			Update:            toStateUpdate(current, correction, now),
		}
		return nil
	})
	return applied, s.txError("rederive state", err)
}

// RetractionRef is the causing reference of the corrective update emitted
// when ref is retracted.
func RetractionRef(ref string) string {
	return "retract:" + ref
}

// EventsFor returns the applied events of an order in application order,
// including retracted ones.
func (s *Store) EventsFor(ctx context.Context, hash domain.Hash) ([]domain.OrderEventRecord, error) {
	var rows []domain.OrderEventRecord
	if err := s.db.WithContext(ctx).Where("order_hash = ?", string(hash)).Order("id").Find(&rows).Error; err != nil {
		return nil, wrapDBError("events for", err)
	}
	return rows, nil
}

// ======================================================================================
// Outbox Operations
// ======================================================================================

// UnpublishedUpdates returns outbox entries not yet acknowledged by the bus,
// oldest first.
func (s *Store) UnpublishedUpdates(ctx context.Context, limit int) ([]domain.AppliedUpdate, error) {
	q := s.db.WithContext(ctx).Where("published = ?", false).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []domain.OrderUpdateRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrapDBError("unpublished updates", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	hashes := make([]string, 0, len(rows))
	for _, r := range rows {
		hashes = append(hashes, r.OrderHash)
	}
	var orderRows []domain.OrderRecord
	if err := s.db.WithContext(ctx).Where("hash IN ?", hashes).Find(&orderRows).Error; err != nil {
		return nil, wrapDBError("unpublished updates", err)
	}
	byHash := make(map[string]domain.Order, len(orderRows))
	for i := range orderRows {
		o, err := orderRows[i].ToOrder()
		if err != nil {
			return nil, err
		}
		byHash[orderRows[i].Hash] = o
	}

	out := make([]domain.AppliedUpdate, 0, len(rows))
	for _, r := range rows {
		o, ok := byHash[r.OrderHash]
		if !ok {
			continue
		}
		remaining, err := decimal.NewFromString(r.Remaining)
		if err != nil {
			return nil, fmt.Errorf("update %d remaining: %w", r.ID, err)
		}
		prevRemaining := decimal.Zero
		if r.PreviousRemaining != "" {
			if prevRemaining, err = decimal.NewFromString(r.PreviousRemaining); err != nil {
				return nil, fmt.Errorf("update %d previous remaining: %w", r.ID, err)
			}
		}
		// the update carries the state recorded at apply time, not the latest
		snapshot := o
		snapshot.State = domain.OrderState(r.State)
		snapshot.Remaining = remaining
		snapshot.LastEventRef = r.EventRef
		out = append(out, domain.AppliedUpdate{
			ID:                r.ID,
			PreviousState:     domain.OrderState(r.PreviousState),
			PreviousRemaining: prevRemaining,
			Order:             snapshot,
			Update:            toStateUpdate(snapshot, r.EventRef, r.CreatedAt),
		})
	}
	return out, nil
}

// MarkPublished acknowledges an outbox entry. Marking twice is a no-op.
func (s *Store) MarkPublished(ctx context.Context, updateID uint64) error {
	now := s.now()
	err := s.db.WithContext(ctx).Model(&domain.OrderUpdateRecord{}).
		Where("id = ? AND published = ?", updateID, false).
		Updates(map[string]any{"published": true, "published_at": &now}).Error
	return wrapDBError("mark published", err)
}

func newEventRecord(ev domain.ChainEvent) *domain.OrderEventRecord {
	rec := &domain.OrderEventRecord{
		Ref:       ev.Ref,
		OrderHash: string(ev.OrderHash),
		Kind:      string(ev.Kind),
		Block:     ev.Block,
		LogIndex:  ev.LogIndex,
	}
	if !ev.Amount.IsZero() {
		rec.Amount = ev.Amount.String()
	}
	return rec
}

func toStateUpdate(o domain.Order, ref string, ts time.Time) domain.OrderStateUpdate {
	return domain.OrderStateUpdate{
		OrderHash:       o.Hash,
		Pair:            o.Pair,
		NewState:        o.State,
		Remaining:       o.Remaining,
		CausingEventRef: ref,
		Timestamp:       ts,
	}
}

// ======================================================================================
// Topic Sequences
// ======================================================================================

// Sequencer is a persistent domain.TopicSequencer sharing the store's
// database, so sequence numbers survive restarts.
type Sequencer struct {
	db *gorm.DB
}

var _ domain.TopicSequencer = (*Sequencer)(nil)

// Sequencer returns the topic sequencer backed by this store.
func (s *Store) Sequencer() *Sequencer {
	return &Sequencer{db: s.db}
}

// Next assigns the next sequence number of topic, starting at 1.
func (q *Sequencer) Next(ctx context.Context, topic string) (uint64, error) {
	var seq domain.TopicSequence
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		base := domain.TopicSequence{Topic: topic, Value: 0, UpdatedAt: time.Now()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&base).Error; err != nil {
			return err
		}
		if err := tx.Model(&domain.TopicSequence{}).Where("topic = ?", topic).
			Updates(map[string]any{
				"value":      gorm.Expr("value + 1"),
				"updated_at": time.Now(),
			}).Error; err != nil {
			return err
		}
		return tx.First(&seq, "topic = ?", topic).Error
	})
	if err != nil {
		return 0, wrapDBError("next sequence", err)
	}
	return seq.Value, nil
}

// Current returns the last assigned sequence number of topic, or 0.
func (q *Sequencer) Current(ctx context.Context, topic string) (uint64, error) {
	var rows []domain.TopicSequence
	if err := q.db.WithContext(ctx).Where("topic = ?", topic).Limit(1).Find(&rows).Error; err != nil {
		return 0, wrapDBError("current sequence", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Value, nil
}
