package domain

import (
	"errors"
	"testing"
)

func TestTransientError(t *testing.T) {
	baseErr := errors.New("database is locked")

	t.Run("store error", func(t *testing.T) {
		err := NewTransientStoreError("apply", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "store apply: database is locked" {
			t.Errorf("Error message = %q, want %q", err.Error(), "store apply: database is locked")
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		transient := NewTransientBusError("publish", baseErr)
		invalid := &InvalidOrderError{Hash: "0x01", Reason: "bad"}
		plain := errors.New("plain error")

		if !IsRetriable(transient) {
			t.Error("IsRetriable should return true for transient error")
		}

		if IsRetriable(invalid) {
			t.Error("IsRetriable should return false for invalid order")
		}

		if IsRetriable(plain) {
			t.Error("IsRetriable should return false for plain error")
		}
	})
}

func TestDuplicateOrderError(t *testing.T) {
	err := error(&DuplicateOrderError{Hash: "0xabc"})

	if !errors.Is(err, ErrDuplicateOrder) {
		t.Error("DuplicateOrderError should match ErrDuplicateOrder")
	}

	var dup *DuplicateOrderError
	if !errors.As(err, &dup) || dup.Hash != "0xabc" {
		t.Errorf("errors.As failed, got %v", dup)
	}
}

func TestBatchError(t *testing.T) {
	err := error(&BatchError{Errs: []error{
		&InvalidOrderError{Hash: "0x01", Reason: "expired"},
		&InvalidOrderError{Hash: "0x02", Reason: "bad signature"},
	}})

	var invalid *InvalidOrderError
	if !errors.As(err, &invalid) {
		t.Fatal("BatchError should unwrap to InvalidOrderError")
	}
	if invalid.Hash != "0x01" {
		t.Errorf("Expected first failure, got %s", invalid.Hash)
	}
}

func TestConfigError(t *testing.T) {
	baseErr := errors.New("missing value")
	err := &ConfigError{Field: "storage.path", Err: baseErr}

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}

	expected := "config error [storage.path]: missing value"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}
