package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketHandler defines feed-specific logic for the BaseWSWorker.
type WebSocketHandler interface {
	ID() string
	GetURL() string
	// OnConnect runs after every (re)connect, before the first read.
	OnConnect(ctx context.Context, w *BaseWSWorker) error
	// OnMessage must not block past ctx.
	OnMessage(ctx context.Context, msg []byte) error
}

// BaseWSWorker keeps one client connection alive. It reconnects with
// exponential backoff, enforces a read deadline, pings the peer, and
// serializes writes.
type BaseWSWorker struct {
	handler WebSocketHandler
	logger  *slog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	ReadTimeout  time.Duration
	PingInterval time.Duration
	Backoff      RetryPolicy
}

// NewBaseWSWorker creates a new generic WebSocket worker.
func NewBaseWSWorker(handler WebSocketHandler, logger *slog.Logger) *BaseWSWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseWSWorker{
		handler:      handler,
		logger:       logger.With(slog.String("worker", handler.ID())),
		ReadTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
		Backoff:      RetryPolicy{BaseDelay: baseDelay, MaxDelay: maxDelay},
	}
}

// Start initiates the connection loop.
func (w *BaseWSWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

// Stop terminates the worker and waits for its goroutines.
func (w *BaseWSWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.close()
	w.wg.Wait()
}

// Connected reports whether a connection is currently established.
func (w *BaseWSWorker) Connected() bool { return w.connected.Load() }

func (w *BaseWSWorker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			delay := w.Backoff.Delay(retry)
			w.logger.Warn("WS connection failed",
				slog.Any("error", err),
				slog.Int("retry", retry),
				slog.Duration("delay", delay))
			retry++

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0 // Reset on successful connect
		w.process(ctx)
	}
}

func (w *BaseWSWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.DialContext(ctx, w.handler.GetURL(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.ReadTimeout))
	})

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.connected.Store(true)

	if err := w.handler.OnConnect(ctx, w); err != nil {
		w.close()
		return fmt.Errorf("OnConnect failed: %w", err)
	}

	if w.PingInterval > 0 {
		w.wg.Add(1)
		go w.pingLoop(ctx, conn)
	}

	w.logger.Info("WS connected", slog.String("url", w.handler.GetURL()))
	return nil
}

func (w *BaseWSWorker) process(ctx context.Context) {
	for {
		w.mu.RLock()
		c := w.conn
		w.mu.RUnlock()
		if c == nil {
			return
		}

		c.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("WS read error", slog.Any("error", err))
			}
			w.close()
			return
		}

		if err := w.handler.OnMessage(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				w.close()
				return
			}
			w.logger.Warn("WS message rejected", slog.Any("error", err))
		}
	}
}

func (w *BaseWSWorker) pingLoop(ctx context.Context, c *websocket.Conn) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			current := w.conn
			w.mu.RUnlock()
			if current != c {
				return
			}
			w.writeMu.Lock()
			err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			w.writeMu.Unlock()
			if err != nil {
				w.logger.Warn("WS ping error", slog.Any("error", err))
				w.close()
				return
			}
		}
	}
}

// WriteJSON sends v as a text frame.
func (w *BaseWSWorker) WriteJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()

	if c == nil {
		return fmt.Errorf("ws not connected")
	}
	return c.WriteJSON(v)
}

func (w *BaseWSWorker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected.Store(false)
}
