// Package event defines the chain events the watcher consumes.
package event

import (
	"fmt"
	"time"

	"order_relay/internal/domain"

	"github.com/shopspring/decimal"
)

// Type defines the type of event.
type Type uint16

const (
	EvFill Type = iota + 1
	EvCancel
	EvExpire
	EvInvalidate
	EvRetract
)

func (t Type) String() string {
	switch t {
	case EvFill:
		return "FILL"
	case EvCancel:
		return "CANCEL"
	case EvExpire:
		return "EXPIRE"
	case EvInvalidate:
		return "INVALIDATE"
	case EvRetract:
		return "RETRACT"
	default:
		return "UNKNOWN"
	}
}

// Event is the closed set of chain events. Only the types in this package
// implement it.
type Event interface {
	GetRef() string
	GetOrderHash() domain.Hash
	GetType() Type
	isEvent()
}

// Base contains the fields common to all events. Ref uniquely identifies the
// event on chain, e.g. "<block hash>:<log index>".
type Base struct {
	Ref       string      `json:"ref"`
	OrderHash domain.Hash `json:"order_hash"`
	Block     uint64      `json:"block"`
	LogIndex  uint32      `json:"log_index"`
	Ts        time.Time   `json:"ts"`
}

func (b Base) GetRef() string            { return b.Ref }
func (b Base) GetOrderHash() domain.Hash { return b.OrderHash }
func (Base) isEvent()                    {}

// Fill consumes Amount of the order's remaining maker amount.
type Fill struct {
	Base
	Amount decimal.Decimal `json:"amount"`
}

func (Fill) GetType() Type { return EvFill }

// Cancel is the maker's on-chain cancellation.
type Cancel struct {
	Base
}

func (Cancel) GetType() Type { return EvCancel }

// Expire is an expiry observed on chain or by the watcher's clock.
type Expire struct {
	Base
}

func (Expire) GetType() Type { return EvExpire }

// Invalidate reports that the order can no longer be filled, e.g. the maker
// revoked an allowance.
type Invalidate struct {
	Base
	Reason string `json:"reason,omitempty"`
}

func (Invalidate) GetType() Type { return EvInvalidate }

// Retract reports that a previously delivered event is no longer canonical.
// Ref is the retracted event's reference.
type Retract struct {
	Base
}

func (Retract) GetType() Type { return EvRetract }

// ToChainEvent normalizes a state-changing event. Retract has no chain event
// form and returns an error.
func ToChainEvent(ev Event) (domain.ChainEvent, error) {
	var base Base
	var kind domain.EventKind
	amount := decimal.Zero

	switch e := ev.(type) {
	case Fill:
		base, kind, amount = e.Base, domain.EventFill, e.Amount
	case *Fill:
		base, kind, amount = e.Base, domain.EventFill, e.Amount
	case Cancel:
		base, kind = e.Base, domain.EventCancel
	case *Cancel:
		base, kind = e.Base, domain.EventCancel
	case Expire:
		base, kind = e.Base, domain.EventExpire
	case *Expire:
		base, kind = e.Base, domain.EventExpire
	case Invalidate:
		base, kind = e.Base, domain.EventInvalidate
	case *Invalidate:
		base, kind = e.Base, domain.EventInvalidate
	default:
		return domain.ChainEvent{}, fmt.Errorf("event %s has no chain form", ev.GetType())
	}

	return domain.ChainEvent{
		Ref:       base.Ref,
		OrderHash: base.OrderHash,
		Kind:      kind,
		Amount:    amount,
		Block:     base.Block,
		LogIndex:  base.LogIndex,
	}, nil
}

// ExpiryRef is the reference of the clock-driven expiry of hash.
func ExpiryRef(hash domain.Hash) string {
	return "expiry:" + string(hash)
}

// Source is a push-based stream of chain events. The channel closes when the
// source stops.
type Source interface {
	Events() <-chan Event
}
