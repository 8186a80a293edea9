package event

import (
	"testing"

	"order_relay/internal/domain"

	"github.com/shopspring/decimal"
)

func TestToChainEvent(t *testing.T) {
	base := Base{Ref: "0xabc:3", OrderHash: "0x01", Block: 42, LogIndex: 3}

	tests := []struct {
		name string
		ev   Event
		kind domain.EventKind
	}{
		{"fill", Fill{Base: base, Amount: decimal.NewFromInt(40)}, domain.EventFill},
		{"fill pointer", &Fill{Base: base, Amount: decimal.NewFromInt(40)}, domain.EventFill},
		{"cancel", Cancel{Base: base}, domain.EventCancel},
		{"expire", Expire{Base: base}, domain.EventExpire},
		{"invalidate", Invalidate{Base: base, Reason: "allowance revoked"}, domain.EventInvalidate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce, err := ToChainEvent(tt.ev)
			if err != nil {
				t.Fatalf("ToChainEvent failed: %v", err)
			}
			if ce.Kind != tt.kind || ce.Ref != base.Ref || ce.OrderHash != base.OrderHash || ce.Block != 42 {
				t.Errorf("unexpected chain event %+v", ce)
			}
		})
	}

	if _, err := ToChainEvent(Retract{Base: base}); err == nil {
		t.Error("retract should have no chain form")
	}
}
