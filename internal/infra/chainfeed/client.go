// Package chainfeed reads order events from a node-side websocket log feed.
package chainfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"order_relay/internal/domain"
	"order_relay/internal/event"
	"order_relay/internal/infra"
	"order_relay/internal/infra/checkpoint"

	"github.com/shopspring/decimal"
)

const (
	defaultBuffer       = 1024
	defaultReplayBlocks = 64
)

// Frame is one log record of the feed. Retracted frames repeat the ref of
// an earlier frame that is no longer canonical.
type Frame struct {
	Type      string          `json:"type,omitempty"`
	Ref       string          `json:"ref"`
	OrderHash string          `json:"order_hash"`
	Kind      string          `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Block     uint64          `json:"block"`
	LogIndex  uint32          `json:"log_index"`
	Retracted bool            `json:"retracted"`
	Reason    string          `json:"reason,omitempty"`
}

type subscribeRequest struct {
	Type      string `json:"type"`
	FromBlock uint64 `json:"from_block"`
}

// Cursors is the subset of checkpoint.Store the client needs.
type Cursors interface {
	Get(name string) (checkpoint.Cursor, bool, error)
	Set(name string, c checkpoint.Cursor) error
}

// Config configures a Client.
type Config struct {
	Name string
	URL  string
	// Buffer bounds the events channel; a full channel blocks reading.
	Buffer int
	// ReplayBlocks is how far behind the saved cursor a reconnect resumes.
	// Replayed events are dropped downstream by reference.
	ReplayBlocks uint64
}

// Client is an event.Source over a reconnecting websocket feed.
type Client struct {
	cfg     Config
	cursors Cursors
	events  chan event.Event
	worker  *infra.BaseWSWorker
	logger  *slog.Logger
	now     func() time.Time
}

var _ event.Source = (*Client)(nil)

func NewClient(cfg Config, cursors Cursors, logger *slog.Logger) *Client {
	if cfg.Name == "" {
		cfg.Name = "chainfeed"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.ReplayBlocks == 0 {
		cfg.ReplayBlocks = defaultReplayBlocks
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:     cfg,
		cursors: cursors,
		events:  make(chan event.Event, cfg.Buffer),
		logger:  logger.With(slog.String("component", "chainfeed")),
		now:     time.Now,
	}
	c.worker = infra.NewBaseWSWorker(c, logger)
	return c
}

func (c *Client) ID() string     { return c.cfg.Name }
func (c *Client) GetURL() string { return c.cfg.URL }

// Events returns the stream of decoded events.
func (c *Client) Events() <-chan event.Event { return c.events }

// Start connects in the background.
func (c *Client) Start(ctx context.Context) { c.worker.Start(ctx) }

// Stop disconnects and closes the events channel.
func (c *Client) Stop() {
	c.worker.Stop()
	close(c.events)
}

// Connected reports whether the feed is currently connected.
func (c *Client) Connected() bool { return c.worker.Connected() }

// OnConnect subscribes from the saved cursor, rewound by ReplayBlocks.
func (c *Client) OnConnect(_ context.Context, w *infra.BaseWSWorker) error {
	from, err := c.resumeBlock()
	if err != nil {
		return err
	}
	c.logger.Info("Subscribing to chain feed", slog.Uint64("from_block", from))
	return w.WriteJSON(subscribeRequest{Type: "subscribe", FromBlock: from})
}

func (c *Client) resumeBlock() (uint64, error) {
	if c.cursors == nil {
		return 0, nil
	}
	cur, ok, err := c.cursors.Get(c.cfg.Name)
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	if !ok {
		return 0, nil
	}
	if cur.Block <= c.cfg.ReplayBlocks {
		return 0, nil
	}
	return cur.Block - c.cfg.ReplayBlocks, nil
}

// OnMessage decodes a frame and hands the event to the watcher. It blocks
// while the events channel is full.
func (c *Client) OnMessage(ctx context.Context, msg []byte) error {
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type != "" && f.Type != "event" {
		return nil
	}

	ev, err := c.decode(f)
	if err != nil {
		return err
	}

	select {
	case c.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}

	if c.cursors != nil && !f.Retracted {
		if err := c.cursors.Set(c.cfg.Name, checkpoint.Cursor{Block: f.Block, LogIndex: f.LogIndex}); err != nil {
			c.logger.Warn("Failed to save cursor", slog.Any("error", err))
		}
	}
	return nil
}

func (c *Client) decode(f Frame) (event.Event, error) {
	return Decode(f, c.now())
}

// Decode converts a frame into a watcher event received at ts.
func Decode(f Frame, ts time.Time) (event.Event, error) {
	if f.Ref == "" || f.OrderHash == "" {
		return nil, fmt.Errorf("frame missing ref or order hash")
	}
	base := event.Base{
		Ref:       f.Ref,
		OrderHash: domain.Hash(f.OrderHash),
		Block:     f.Block,
		LogIndex:  f.LogIndex,
		Ts:        ts,
	}
	if f.Retracted {
		return event.Retract{Base: base}, nil
	}

	switch domain.EventKind(strings.ToUpper(f.Kind)) {
	case domain.EventFill:
		if !f.Amount.IsPositive() {
			return nil, fmt.Errorf("fill %s with non-positive amount %s", f.Ref, f.Amount)
		}
		return event.Fill{Base: base, Amount: f.Amount}, nil
	case domain.EventCancel:
		return event.Cancel{Base: base}, nil
	case domain.EventExpire:
		return event.Expire{Base: base}, nil
	case domain.EventInvalidate:
		return event.Invalidate{Base: base, Reason: f.Reason}, nil
	}
	return nil, fmt.Errorf("unknown event kind %q", f.Kind)
}
