// Package ws serves order state updates to websocket subscribers using a
// snapshot followed by sequenced deltas per topic.
package ws

import (
	"order_relay/internal/domain"
)

// Message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgHeartbeat   = "heartbeat"
	MsgSnapshot    = "snapshot"
	MsgUpdate      = "update"
	MsgResync      = "resync"
	MsgError       = "error"
)

// Resync reasons.
const (
	ReasonGap          = "gap"
	ReasonBackpressure = "backpressure"
	ReasonResubscribe  = "resubscribe"
)

// Request is a client frame.
type Request struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	Nonce uint64 `json:"nonce,omitempty"`
}

// SnapshotMessage carries the open orders of a topic as of Sequence.
type SnapshotMessage struct {
	Type     string         `json:"type"`
	Topic    string         `json:"topic"`
	Sequence uint64         `json:"sequence"`
	Orders   []domain.Order `json:"orders"`
}

// UpdateMessage carries one state transition.
type UpdateMessage struct {
	Type     string                  `json:"type"`
	Topic    string                  `json:"topic"`
	Sequence uint64                  `json:"sequence"`
	Order    domain.OrderStateUpdate `json:"order"`
}

// ResyncMessage tells the client to discard its view of Topic. A snapshot
// follows.
type ResyncMessage struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Reason string `json:"reason"`
}

// HeartbeatMessage is the server's liveness probe. Clients answer with a
// heartbeat request carrying the same nonce.
type HeartbeatMessage struct {
	Type  string `json:"type"`
	Nonce uint64 `json:"nonce"`
	Ts    int64  `json:"ts"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	Error string `json:"error"`
}

// Message is the union of server frames, for clients decoding a stream.
type Message struct {
	Type     string                   `json:"type"`
	Topic    string                   `json:"topic,omitempty"`
	Sequence uint64                   `json:"sequence,omitempty"`
	Orders   []domain.Order           `json:"orders,omitempty"`
	Order    *domain.OrderStateUpdate `json:"order,omitempty"`
	Reason   string                   `json:"reason,omitempty"`
	Nonce    uint64                   `json:"nonce,omitempty"`
	Ts       int64                    `json:"ts,omitempty"`
	Error    string                   `json:"error,omitempty"`
}
