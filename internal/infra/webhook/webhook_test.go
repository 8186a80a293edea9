package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"order_relay/internal/event"
)

type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) add(ev event.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func TestWebhookHandler(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		body     string
		status   int
		accepted int
		kinds    []event.Type
	}{
		{
			name:     "single fill",
			method:   http.MethodPost,
			body:     `{"ref":"0xb1:0","order_hash":"0x01","kind":"FILL","amount":"40","block":10}`,
			status:   http.StatusAccepted,
			accepted: 1,
			kinds:    []event.Type{event.EvFill},
		},
		{
			name:   "batch with retraction and a bad frame",
			method: http.MethodPost,
			body: `[{"ref":"0xb1:1","order_hash":"0x01","kind":"cancel"},
				{"ref":"0xb1:1","order_hash":"0x01","retracted":true},
				{"ref":"","order_hash":"0x01","kind":"FILL","amount":"1"}]`,
			status:   http.StatusAccepted,
			accepted: 2,
			kinds:    []event.Type{event.EvCancel, event.EvRetract},
		},
		{
			name:   "all rejected",
			method: http.MethodPost,
			body:   `[{"ref":"r","order_hash":"0x01","kind":"BURN"}]`,
			status: http.StatusBadRequest,
		},
		{
			name:   "malformed json",
			method: http.MethodPost,
			body:   `{"ref":`,
			status: http.StatusBadRequest,
		},
		{
			name:   "wrong method",
			method: http.MethodGet,
			status: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c collector
			h := NewWebhookHandler(c.add, nil)

			req := httptest.NewRequest(tt.method, "/events", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("expected status %d, got %d: %s", tt.status, rec.Code, rec.Body)
			}
			if len(c.events) != len(tt.kinds) {
				t.Fatalf("expected %d events, got %d", len(tt.kinds), len(c.events))
			}
			for i, k := range tt.kinds {
				if c.events[i].GetType() != k {
					t.Errorf("event %d: expected %s, got %s", i, k, c.events[i].GetType())
				}
			}
			if tt.status == http.StatusAccepted {
				var resp response
				if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
					t.Fatalf("bad response: %v", err)
				}
				if resp.Accepted != tt.accepted {
					t.Errorf("expected %d accepted, got %d", tt.accepted, resp.Accepted)
				}
			}
		})
	}
}
