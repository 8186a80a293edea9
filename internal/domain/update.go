package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TopicAll receives every update regardless of market.
const TopicAll = "all"

// TopicsFor returns the broadcast topics an update for pair is published on.
func TopicsFor(pair TokenPair) []string {
	return []string{pair.String(), TopicAll}
}

// ValidateTopic accepts "all" or a "BASE/QUOTE" pair.
func ValidateTopic(topic string) error {
	if topic == TopicAll {
		return nil
	}
	if _, err := ParseTokenPair(topic); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	return nil
}

// FilterForTopic returns the snapshot filter matching a topic's active orders.
func FilterForTopic(topic string) (OrderFilter, error) {
	f := OrderFilter{ActiveOnly: true}
	if topic == TopicAll {
		return f, nil
	}
	pair, err := ParseTokenPair(topic)
	if err != nil {
		return OrderFilter{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	f.Pair = &pair
	return f, nil
}

// EventKind enumerates chain events that change order state.
type EventKind string

const (
	EventFill       EventKind = "FILL"
	EventCancel     EventKind = "CANCEL"
	EventExpire     EventKind = "EXPIRE"
	EventInvalidate EventKind = "INVALIDATE"
)

// ChainEvent is the normalized, persisted form of an applied chain event.
type ChainEvent struct {
	Ref       string          `json:"ref"`
	OrderHash Hash            `json:"orderHash"`
	Kind      EventKind       `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Block     uint64          `json:"block"`
	LogIndex  uint32          `json:"logIndex"`
}

// Transition computes the state and remaining amount after applying ev to o.
// Fills debit the remaining amount and saturate at zero; terminal non-fill
// events zero the remaining amount.
func Transition(o Order, ev ChainEvent) (OrderState, decimal.Decimal, error) {
	if o.State.IsTerminal() {
		return o.State, o.Remaining, ErrTerminalState
	}

	var next OrderState
	remaining := o.Remaining
	switch ev.Kind {
	case EventFill:
		if !ev.Amount.IsPositive() {
			return o.State, o.Remaining, fmt.Errorf("fill %s: non-positive amount %s", ev.Ref, ev.Amount)
		}
		remaining = remaining.Sub(ev.Amount)
		if remaining.Sign() <= 0 {
			remaining = decimal.Zero
			next = StateFilled
		} else {
			next = StatePartiallyFilled
		}
	case EventCancel:
		next, remaining = StateCancelled, decimal.Zero
	case EventExpire:
		next, remaining = StateExpired, decimal.Zero
	case EventInvalidate:
		next, remaining = StateInvalid, decimal.Zero
	default:
		return o.State, o.Remaining, fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	if !o.State.CanTransition(next) {
		return o.State, o.Remaining, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.State, next)
	}
	return next, remaining, nil
}

// Derive replays canonical events from the order's state at intake: OPEN with
// InitialRemaining, or MakerAmount when that is unset. Events that would leave
// a terminal state are ignored.
func Derive(o Order, events []ChainEvent) (OrderState, decimal.Decimal, string) {
	cur := o
	cur.State = StateOpen
	cur.Remaining = o.MakerAmount
	if o.InitialRemaining.IsPositive() {
		cur.Remaining = o.InitialRemaining
	}
	cur.LastEventRef = ""

	for _, ev := range events {
		state, remaining, err := Transition(cur, ev)
		if err != nil {
			continue
		}
		cur.State, cur.Remaining, cur.LastEventRef = state, remaining, ev.Ref
	}
	return cur.State, cur.Remaining, cur.LastEventRef
}

// StateChange is a conditional update request: it applies only if the stored
// order still has ExpectedState and ExpectedRef.
type StateChange struct {
	Event         ChainEvent
	ExpectedState OrderState
	ExpectedRef   string
	NewState      OrderState
	Remaining     decimal.Decimal
}

// NewStateChange derives the conditional change of ev against o.
func NewStateChange(o Order, ev ChainEvent) (StateChange, error) {
	state, remaining, err := Transition(o, ev)
	if err != nil {
		return StateChange{}, err
	}
	return StateChange{
		Event:         ev,
		ExpectedState: o.State,
		ExpectedRef:   o.LastEventRef,
		NewState:      state,
		Remaining:     remaining,
	}, nil
}

// OrderStateUpdate is the broadcast record of one state transition.
// SequenceNumber is zero until the bus assigns it on publish.
type OrderStateUpdate struct {
	OrderHash       Hash            `json:"orderHash"`
	Pair            TokenPair       `json:"pair"`
	NewState        OrderState      `json:"state"`
	Remaining       decimal.Decimal `json:"remainingFillableAmount"`
	CausingEventRef string          `json:"causingEventRef"`
	SequenceNumber  uint64          `json:"sequence"`
	Timestamp       time.Time       `json:"timestamp"`
}

// AppliedUpdate is the result of a successful conditional update.
type AppliedUpdate struct {
	ID                uint64
	PreviousState     OrderState
	PreviousRemaining decimal.Decimal
	Order             Order
	Update            OrderStateUpdate
}

// Envelope is an update as delivered on one topic.
type Envelope struct {
	Topic    string           `json:"topic"`
	Sequence uint64           `json:"sequence"`
	Update   OrderStateUpdate `json:"update"`
}

// OrderFilter scopes order lookups. Zero value matches every order.
type OrderFilter struct {
	Pair       *TokenPair
	States     []OrderState
	ActiveOnly bool
	Hashes     []Hash
	Maker      string
	Limit      int
}
