package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderRecord is the persisted row of an order. Amounts are stored as
// decimal strings.
type OrderRecord struct {
	Hash         string `gorm:"primaryKey"`
	Maker        string `gorm:"index"`
	Taker        string
	BaseToken    string `gorm:"index:idx_orders_pair"`
	QuoteToken   string `gorm:"index:idx_orders_pair"`
	MakerAmount  string `gorm:"not null"`
	TakerAmount  string `gorm:"not null"`
	ExpiresAt    int64  `gorm:"not null"`
	Salt         string
	Signature    string
	Remaining    string `gorm:"not null"`
	State        string `gorm:"index;not null"`
	LastEventRef string
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// empty on rows written before the column existed
	InitialRemaining string
}

func (OrderRecord) TableName() string { return "orders" }

// NewOrderRecord converts an order into its row form.
func NewOrderRecord(o Order) OrderRecord {
	return OrderRecord{
		Hash:         string(o.Hash),
		Maker:        o.Maker,
		Taker:        o.Taker,
		BaseToken:    o.Pair.Base,
		QuoteToken:   o.Pair.Quote,
		MakerAmount:  o.MakerAmount.String(),
		TakerAmount:  o.TakerAmount.String(),
		ExpiresAt:    o.Expiration.Unix(),
		Salt:         o.Salt,
		Signature:    o.Signature,
		Remaining:    o.Remaining.String(),
		State:        string(o.State),
		LastEventRef: o.LastEventRef,
		UpdatedAt:    o.UpdatedAt,

		InitialRemaining: o.InitialRemaining.String(),
	}
}

// ToOrder converts the row back into an order.
func (r *OrderRecord) ToOrder() (Order, error) {
	makerAmount, err := decimal.NewFromString(r.MakerAmount)
	if err != nil {
		return Order{}, fmt.Errorf("order %s maker amount: %w", r.Hash, err)
	}
	takerAmount, err := decimal.NewFromString(r.TakerAmount)
	if err != nil {
		return Order{}, fmt.Errorf("order %s taker amount: %w", r.Hash, err)
	}
	remaining, err := decimal.NewFromString(r.Remaining)
	if err != nil {
		return Order{}, fmt.Errorf("order %s remaining: %w", r.Hash, err)
	}
	initial := makerAmount
	if r.InitialRemaining != "" {
		if initial, err = decimal.NewFromString(r.InitialRemaining); err != nil {
			return Order{}, fmt.Errorf("order %s initial remaining: %w", r.Hash, err)
		}
	}
	return Order{
		Hash:         Hash(r.Hash),
		Maker:        r.Maker,
		Taker:        r.Taker,
		Pair:         TokenPair{Base: r.BaseToken, Quote: r.QuoteToken},
		MakerAmount:  makerAmount,
		TakerAmount:  takerAmount,
		Expiration:   time.Unix(r.ExpiresAt, 0).UTC(),
		Salt:         r.Salt,
		Signature:    r.Signature,
		Remaining:    remaining,
		State:        OrderState(r.State),
		LastEventRef: r.LastEventRef,
		UpdatedAt:    r.UpdatedAt,

		InitialRemaining: initial,
	}, nil
}

// OrderEventRecord is one applied chain event. ID orders events by
// application; Retracted marks events removed by a reorg.
type OrderEventRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Ref       string `gorm:"uniqueIndex;not null"`
	OrderHash string `gorm:"index;not null"`
	Kind      string `gorm:"not null"`
	Amount    string
	Block     uint64
	LogIndex  uint32
	Retracted bool `gorm:"index"`
	CreatedAt time.Time
}

func (OrderEventRecord) TableName() string { return "order_events" }

// ToChainEvent converts the row back into a chain event.
func (r *OrderEventRecord) ToChainEvent() (ChainEvent, error) {
	amount := decimal.Zero
	if r.Amount != "" {
		var err error
		if amount, err = decimal.NewFromString(r.Amount); err != nil {
			return ChainEvent{}, fmt.Errorf("event %s amount: %w", r.Ref, err)
		}
	}
	return ChainEvent{
		Ref:       r.Ref,
		OrderHash: Hash(r.OrderHash),
		Kind:      EventKind(r.Kind),
		Amount:    amount,
		Block:     r.Block,
		LogIndex:  r.LogIndex,
	}, nil
}

// OrderUpdateRecord is the outbox row of an applied update. Published is set
// once every topic accepted the update.
type OrderUpdateRecord struct {
	ID                uint64 `gorm:"primaryKey;autoIncrement"`
	OrderHash         string `gorm:"index;not null"`
	EventRef          string `gorm:"index;not null"`
	PreviousState     string
	PreviousRemaining string
	State             string `gorm:"not null"`
	Remaining         string `gorm:"not null"`
	Published         bool   `gorm:"index"`
	PublishedAt       *time.Time
	CreatedAt         time.Time
}

func (OrderUpdateRecord) TableName() string { return "order_updates" }

// TopicSequence holds the last assigned sequence number of a topic.
type TopicSequence struct {
	Topic     string `gorm:"primaryKey"`
	Value     uint64 `gorm:"not null"`
	UpdatedAt time.Time
}

func (TopicSequence) TableName() string { return "topic_sequences" }
