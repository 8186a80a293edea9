package chainfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"order_relay/internal/event"
	"order_relay/internal/infra/checkpoint"

	"github.com/gorilla/websocket"
)

type memCursors struct {
	mu sync.Mutex
	m  map[string]checkpoint.Cursor
}

func (c *memCursors) Get(name string) (checkpoint.Cursor, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.m[name]
	return cur, ok, nil
}

func (c *memCursors) Set(name string, cur checkpoint.Cursor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[name] = cur
	return nil
}

func TestClient_ReadsFeed(t *testing.T) {
	subscribed := make(chan subscribeRequest, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req

		frames := []string{
			`{"type":"heartbeat"}`,
			`{"ref":"b1:0","order_hash":"0x01","kind":"fill","amount":"40","block":101,"log_index":0}`,
			`{"ref":"b1:1","order_hash":"0x01","kind":"CANCEL","block":101,"log_index":1}`,
			`{"ref":"b1:1","order_hash":"0x01","kind":"CANCEL","block":101,"log_index":1,"retracted":true}`,
			`not json`,
		}
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		// hold the connection until the client leaves
		conn.ReadMessage()
	}))
	defer srv.Close()

	cursors := &memCursors{m: map[string]checkpoint.Cursor{"chainfeed": {Block: 200}}}
	c := NewClient(Config{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReplayBlocks: 10,
	}, cursors, nil)
	c.Start(context.Background())
	defer c.Stop()

	select {
	case req := <-subscribed:
		if req.FromBlock != 190 {
			t.Errorf("expected resume from 190, got %d", req.FromBlock)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for subscribe")
	}

	var got []event.Event
	timeout := time.After(3 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-c.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out, got %d events", len(got))
		}
	}

	fill, ok := got[0].(event.Fill)
	if !ok || fill.Ref != "b1:0" || fill.Amount.String() != "40" {
		t.Errorf("expected fill b1:0 of 40, got %#v", got[0])
	}
	if _, ok := got[1].(event.Cancel); !ok {
		t.Errorf("expected cancel, got %#v", got[1])
	}
	retract, ok := got[2].(event.Retract)
	if !ok || retract.Ref != "b1:1" {
		t.Errorf("expected retract of b1:1, got %#v", got[2])
	}

	cur, _, _ := cursors.Get("chainfeed")
	if cur.Block != 101 || cur.LogIndex != 1 {
		t.Errorf("expected cursor 101/1, got %+v", cur)
	}
}

func TestClient_Decode(t *testing.T) {
	c := NewClient(Config{}, nil, nil)

	tests := []struct {
		name string
		f    Frame
	}{
		{"missing ref", Frame{OrderHash: "0x01", Kind: "FILL"}},
		{"unknown kind", Frame{Ref: "r", OrderHash: "0x01", Kind: "BURN"}},
		{"zero fill", Frame{Ref: "r", OrderHash: "0x01", Kind: "FILL"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.decode(tt.f); err == nil {
				t.Error("expected decode error")
			}
		})
	}
}
