package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"order_relay/internal/bus"
	"order_relay/internal/domain"
	"order_relay/internal/infra"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SnapshotStore is the read side of the order store.
type SnapshotStore interface {
	GetOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
}

// Config tunes every connection of a Manager.
type Config struct {
	QueueSize          int
	QueueWait          time.Duration
	SubscriptionBuffer int
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	WriteTimeout       time.Duration
	SnapshotTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:          256,
		QueueWait:          50 * time.Millisecond,
		SubscriptionBuffer: 256,
		HeartbeatInterval:  15 * time.Second,
		HeartbeatTimeout:   45 * time.Second,
		WriteTimeout:       10 * time.Second,
		SnapshotTimeout:    5 * time.Second,
	}
}

// Manager accepts subscriber connections and tracks them until they close.
type Manager struct {
	cfg      Config
	bus      bus.Bus
	store    SnapshotStore
	upgrader websocket.Upgrader
	metrics  *infra.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
}

// NewManager creates a connection manager. metrics may be nil.
func NewManager(cfg Config, b bus.Bus, store SnapshotStore, metrics *infra.Metrics, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SubscriptionBuffer <= 0 {
		cfg.SubscriptionBuffer = def.SubscriptionBuffer
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = def.SnapshotTimeout
	}
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:   cfg,
		bus:   b,
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics: metrics,
		logger:  logger.With(slog.String("component", "ws")),
		conns:   make(map[string]*Conn),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		m.logger.Warn("Failed to upgrade connection", slog.String("remote", r.RemoteAddr), slog.Any("error", err))
		return
	}

	c, err := m.register(wsConn)
	if err != nil {
		wsConn.Close()
		return
	}
	c.logger.Info("New connection", slog.String("remote", r.RemoteAddr))
	c.serve()
}

// Attach serves a connection over t in the background.
func (m *Manager) Attach(t Transport) (*Conn, error) {
	c, err := m.register(t)
	if err != nil {
		return nil, err
	}
	go c.serve()
	return c, nil
}

func (m *Manager) register(t Transport) (*Conn, error) {
	c := newConn(uuid.NewString(), t, m)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		c.cancel()
		return nil, domain.ErrConnectionClosed
	}
	m.conns[c.id] = c
	m.metrics.IncrementConnections()
	return c, nil
}

func (m *Manager) remove(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[c.id]; ok {
		delete(m.conns, c.id)
		m.metrics.DecrementConnections()
	}
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close closes every connection and refuses new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close("server shutdown")
	}
	m.logger.Info("Connection manager closed", slog.Int("connections", len(conns)))
}
