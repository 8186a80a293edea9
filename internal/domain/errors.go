package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// InvalidOrderError is a static validation failure. The order is rejected and never persisted.
type InvalidOrderError struct {
	Hash   Hash
	Reason string
}

func (e *InvalidOrderError) Error() string {
	return "invalid order " + string(e.Hash) + ": " + e.Reason
}

func (e *InvalidOrderError) IsRetriable() bool { return false }

// DuplicateOrderError is returned when an order hash already exists. Retrying is a no-op.
type DuplicateOrderError struct {
	Hash Hash
}

func (e *DuplicateOrderError) Error() string {
	return "duplicate order " + string(e.Hash)
}

func (e *DuplicateOrderError) IsRetriable() bool { return false }

func (e *DuplicateOrderError) Is(target error) bool { return target == ErrDuplicateOrder }

// TransientError is a retriable store or bus failure.
type TransientError struct {
	Component string // "store" or "bus"
	Op        string
	Err       error
}

func (e *TransientError) Error() string {
	return e.Component + " " + e.Op + ": " + e.Err.Error()
}

func (e *TransientError) IsRetriable() bool { return true }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientStoreError wraps a retriable persistence failure.
func NewTransientStoreError(op string, err error) *TransientError {
	return &TransientError{Component: "store", Op: op, Err: err}
}

// NewTransientBusError wraps a retriable broadcast failure.
func NewTransientBusError(op string, err error) *TransientError {
	return &TransientError{Component: "bus", Op: op, Err: err}
}

// ReorgConflictError reports an event whose reference was retracted by a
// reorg. It is resolved by re-derivation and never surfaced to clients.
type ReorgConflictError struct {
	Ref  string
	Hash Hash
}

func (e *ReorgConflictError) Error() string {
	return fmt.Sprintf("event %s for order %s was retracted", e.Ref, e.Hash)
}

func (e *ReorgConflictError) IsRetriable() bool { return false }

// ConnectionError is scoped to a single subscriber connection.
type ConnectionError struct {
	ConnID string
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return "connection " + e.ConnID + " " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) IsRetriable() bool { return false }

func (e *ConnectionError) Unwrap() error { return e.Err }

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// BatchError aggregates per-order failures of a partially accepted batch.
type BatchError struct {
	Errs []error
}

func (e *BatchError) Error() string {
	if len(e.Errs) == 1 {
		return e.Errs[0].Error()
	}
	return fmt.Sprintf("%d orders rejected; first: %v", len(e.Errs), e.Errs[0])
}

func (e *BatchError) Unwrap() []error { return e.Errs }

var (
	// ErrDuplicateOrder matches any *DuplicateOrderError via errors.Is.
	ErrDuplicateOrder = errors.New("duplicate order")

	// ErrOrderNotFound is returned when no row exists for a hash.
	ErrOrderNotFound = errors.New("order not found")

	// ErrEventNotFound is returned when a retraction names an event that was never applied.
	ErrEventNotFound = errors.New("event not found")

	// ErrTerminalState is returned when an update targets a terminal order.
	ErrTerminalState = errors.New("order is in a terminal state")

	// ErrIllegalTransition is returned for an edge outside the state DAG.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrAlreadyApplied is returned when the causing event was already applied. Callers treat it as success.
	ErrAlreadyApplied = errors.New("event already applied")

	// ErrStateConflict is returned when the compare-and-swap lost a race.
	ErrStateConflict = errors.New("order state changed concurrently")

	// ErrStoreUnavailable is fatal: the persistence layer cannot be acquired at all.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConnectionClosed is returned when sending to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrUnknownTopic is returned for a topic that is neither "all" nor a token pair.
	ErrUnknownTopic = errors.New("unknown topic")

	// ErrBusClosed is returned by a bus after Close.
	ErrBusClosed = errors.New("bus closed")
)
