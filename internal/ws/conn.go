package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"order_relay/internal/domain"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateSubscribed
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Transport is the framed duplex a connection runs over.
// *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one subscriber connection. Failures stay scoped to it: a slow or
// broken client loses frames or its connection, never blocks the bus.
type Conn struct {
	id     string
	t      Transport
	m      *Manager
	queue  *outboundQueue
	logger *slog.Logger

	state    atomic.Int32
	lastSeen atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[string]*stream

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id string, t Transport, m *Manager) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:      id,
		t:       t,
		m:       m,
		logger:  m.logger.With(slog.String("conn", id)),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]*stream),
		done:    make(chan struct{}),
	}
	c.queue = newOutboundQueue(m.cfg.QueueSize, m.cfg.QueueWait, c.evicted)
	c.state.Store(int32(StateConnecting))
	c.touch()
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed once the connection is closed and its resources released.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Topics returns the subscribed topics.
func (c *Conn) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.streams))
	for t := range c.streams {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *Conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// serve runs the connection until the transport fails or it is closed.
func (c *Conn) serve() {
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
	go c.writeLoop()
	go c.heartbeatLoop()

	err := c.readLoop()
	reason := "client disconnected"
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.ctx.Err() == nil {
		c.logger.Debug("Read failed", slog.Any("error", &domain.ConnectionError{ConnID: c.id, Op: "read", Err: err}))
		reason = "read failed"
	}
	c.Close(reason)
}

func (c *Conn) readLoop() error {
	for {
		_, data, err := c.t.ReadMessage()
		if err != nil {
			return err
		}
		c.touch()

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendError("", "malformed request")
			continue
		}
		switch req.Type {
		case MsgSubscribe:
			c.subscribe(req.Topic)
		case MsgUnsubscribe:
			c.unsubscribe(req.Topic)
		case MsgHeartbeat:
		default:
			c.sendError(req.Topic, "unknown request type: "+req.Type)
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		f, ok := c.queue.pop()
		if !ok {
			return
		}
		if c.m.cfg.WriteTimeout > 0 {
			c.t.SetWriteDeadline(time.Now().Add(c.m.cfg.WriteTimeout))
		}
		if err := c.t.WriteMessage(websocket.TextMessage, f.data); err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("Write failed", slog.Any("error", &domain.ConnectionError{ConnID: c.id, Op: "write", Err: err}))
				c.m.metrics.RecordError("ws")
			}
			c.Close("write failed")
			return
		}
	}
}

func (c *Conn) heartbeatLoop() {
	ticker := time.NewTicker(c.m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var nonce uint64
	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(time.Unix(0, c.lastSeen.Load())) > c.m.cfg.HeartbeatTimeout {
				c.logger.Info("Heartbeat timeout")
				c.Close("heartbeat timeout")
				return
			}
			nonce++
			c.send(frameControl, "", HeartbeatMessage{Type: MsgHeartbeat, Nonce: nonce, Ts: now.UnixMilli()})
		}
	}
}

func (c *Conn) subscribe(topic string) {
	if err := domain.ValidateTopic(topic); err != nil {
		c.sendError(topic, err.Error())
		return
	}

	c.mu.Lock()
	old := c.streams[topic]
	delete(c.streams, topic)
	c.mu.Unlock()

	reason := ""
	if old != nil {
		old.halt()
		<-old.done
		reason = ReasonResubscribe
	}

	s := newStream(c, topic)
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.streams[topic] = s
	c.state.CompareAndSwap(int32(StateOpen), int32(StateSubscribed))
	c.mu.Unlock()

	c.logger.Debug("Subscribed", slog.String("topic", topic))
	go s.run(c.ctx, reason)
}

func (c *Conn) unsubscribe(topic string) {
	c.mu.Lock()
	s := c.streams[topic]
	c.dropStreamLocked(s)
	c.mu.Unlock()

	if s != nil {
		s.halt()
		<-s.done
	}
}

// streamEnded is called by a stream that stopped on its own.
func (c *Conn) streamEnded(s *stream) {
	c.mu.Lock()
	c.dropStreamLocked(s)
	c.mu.Unlock()
	s.halt()
}

func (c *Conn) dropStreamLocked(s *stream) {
	if s == nil || c.streams[s.topic] != s {
		return
	}
	delete(c.streams, s.topic)
	if len(c.streams) == 0 {
		c.state.CompareAndSwap(int32(StateSubscribed), int32(StateOpen))
	}
}

// evicted runs when the queue dropped frames of topic.
func (c *Conn) evicted(topic string, dropped int) {
	c.m.metrics.FramesDropped.Add(float64(dropped))
	if topic == "" {
		return
	}
	c.mu.Lock()
	s := c.streams[topic]
	c.mu.Unlock()
	if s != nil {
		s.requestResync(ReasonBackpressure)
	}
}

func (c *Conn) send(kind frameKind, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal frame", slog.Any("error", err))
		return err
	}
	return c.queue.push(frame{kind: kind, topic: topic, data: data})
}

func (c *Conn) sendError(topic, msg string) {
	c.send(frameControl, "", ErrorMessage{Type: MsgError, Topic: topic, Error: msg})
}

// Close releases every subscription and the transport. Safe to call more
// than once and from any goroutine.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.cancel()

		c.mu.Lock()
		streams := c.streams
		c.streams = make(map[string]*stream)
		c.mu.Unlock()
		for _, s := range streams {
			s.halt()
		}

		c.queue.close()
		if err := c.t.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug("Transport close failed", slog.Any("error", err))
		}
		c.state.Store(int32(StateClosed))
		c.m.remove(c)
		c.logger.Info("Connection closed", slog.String("reason", reason))
		close(c.done)
	})
}
