package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"order_relay/internal/bus"
	"order_relay/internal/engine"
	"order_relay/internal/event"
	"order_relay/internal/infra"
	"order_relay/internal/infra/chainfeed"
	"order_relay/internal/infra/checkpoint"
	"order_relay/internal/infra/storage"
	"order_relay/internal/infra/webhook"
	"order_relay/internal/service"
	"order_relay/internal/ws"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Logger  *slog.Logger
	Metrics *infra.Metrics

	Store   *storage.Store
	Bus     bus.Bus
	Cursors *checkpoint.Store
	Feed    *chainfeed.Client
	Relay   *service.Relay
	Watcher *engine.Watcher
	Manager *ws.Manager

	kafka         *bus.KafkaBus
	server        *http.Server
	metricsServer *http.Server
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads the configuration and builds every component. Nothing is
// started yet.
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping Order Relay...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)
	b.Metrics = infra.GlobalMetrics

	// 3. Initialize Storage (DB)
	store, err := storage.NewStore(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Store = store
	slog.Info("✅ Database initialized")

	// 4. Broadcast Bus
	if err := b.initBus(); err != nil {
		return err
	}

	// 5. Relay & Watcher
	b.Relay = service.NewRelay(store, b.Bus, cfg.RetryPolicy(), b.Metrics, b.Logger)

	if cfg.Feed.URL != "" {
		cursors, err := checkpoint.Open(cfg.Feed.CheckpointDir)
		if err != nil {
			return err
		}
		b.Cursors = cursors
		b.Feed = chainfeed.NewClient(chainfeed.Config{
			Name:   "chain-feed",
			URL:    cfg.Feed.URL,
			Buffer: cfg.Watcher.QueueSize,
		}, cursors, b.Logger)
		slog.Info("✅ Chain feed configured", slog.String("url", cfg.Feed.URL))
	} else {
		slog.Warn("No chain feed configured; events only arrive through the /events webhook")
	}

	wcfg := engine.DefaultConfig()
	wcfg.PollInterval = cfg.PollInterval()
	wcfg.Concurrency = cfg.Watcher.Concurrency
	wcfg.DedupeSize = cfg.Watcher.DedupeSize
	wcfg.Breaker = cfg.BreakerConfig("watcher")

	var source event.Source
	if b.Feed != nil {
		source = b.Feed
	}
	watcher, err := engine.NewWatcher(wcfg, store, b.Relay, source, engine.NewRegistry(), b.Metrics, b.Logger)
	if err != nil {
		return err
	}
	b.Watcher = watcher

	// 6. Connection Manager
	b.Manager = ws.NewManager(ws.Config{
		QueueSize:         cfg.Server.QueueSize,
		QueueWait:         cfg.QueueWait(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.HeartbeatTimeout(),
		WriteTimeout:      cfg.WriteTimeout(),
	}, b.Bus, store, b.Metrics, b.Logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", b.Manager)
	mux.Handle("/events", webhook.NewWebhookHandler(b.Watcher.Enqueue, b.Logger))
	mux.HandleFunc("/healthz", b.healthz)
	b.server = &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	b.metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}

	return nil
}

func (b *Bootstrap) initBus() error {
	cfg := b.Config
	switch cfg.Bus.Mode {
	case "kafka":
		kb, err := bus.NewKafkaBus(bus.KafkaConfig{
			Brokers: cfg.Bus.Kafka.Brokers,
			Topic:   cfg.Bus.Kafka.Topic,
			GroupID: cfg.Bus.Kafka.GroupID,
		}, bus.NewMemorySequencer(), b.Logger)
		if err != nil {
			return fmt.Errorf("kafka bus: %w", err)
		}
		b.kafka = kb
		b.Bus = kb
		slog.Info("✅ Kafka bus ready", slog.Any("brokers", cfg.Bus.Kafka.Brokers))
	default:
		b.Bus = bus.NewLocalBus(b.Store.Sequencer())
		slog.Info("✅ Local bus ready")
	}
	return nil
}

type health struct {
	Store       string `json:"store"`
	Feed        string `json:"feed,omitempty"`
	Connections int    `json:"connections"`
}

// healthz fails only when the store is unreachable. A reconnecting feed is
// reported but does not fail the check.
func (b *Bootstrap) healthz(w http.ResponseWriter, r *http.Request) {
	h := health{Store: "ok"}
	status := http.StatusOK
	if err := b.Store.Ping(r.Context()); err != nil {
		h.Store = err.Error()
		status = http.StatusServiceUnavailable
	}
	if b.Feed != nil {
		h.Feed = "reconnecting"
		if b.Feed.Connected() {
			h.Feed = "connected"
		}
	}
	if b.Manager != nil {
		h.Connections = b.Manager.Count()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		slog.Debug("Failed to write health response", slog.Any("error", err))
	}
}

// Recover republishes updates a previous run applied but never
// acknowledged, then re-watches every open order.
func (b *Bootstrap) Recover(ctx context.Context) error {
	swept, err := b.Relay.Sweep(ctx, b.Config.Sweep.BatchSize)
	if err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}
	n, err := b.Watcher.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover watch set: %w", err)
	}
	slog.Info("✅ Recovered state", slog.Int("republished", swept), slog.Int("watching", n))
	return nil
}

// Run serves until ctx is done or a component fails fatally.
func (b *Bootstrap) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if b.kafka != nil {
		g.Go(func() error { return b.kafka.Run(ctx) })
	}
	if b.Feed != nil {
		b.Feed.Start(ctx)
	}

	g.Go(func() error {
		b.Relay.RunSweeper(ctx, b.Config.SweepInterval(), b.Config.Sweep.BatchSize)
		return nil
	})
	g.Go(func() error {
		b.discover(ctx)
		return nil
	})
	g.Go(func() error { return b.Watcher.Run(ctx) })

	g.Go(func() error {
		slog.Info("✅ Subscriber server listening", slog.String("addr", b.server.Addr))
		if err := b.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("subscriber server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := b.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", slog.Any("error", err))
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		b.shutdownServers()
		return nil
	})

	slog.Info("✨ Order Relay fully operational")
	return g.Wait()
}

// discover picks up orders other writers added to the store.
func (b *Bootstrap) discover(ctx context.Context) {
	ticker := time.NewTicker(b.Config.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.Watcher.Recover(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("Order discovery failed", slog.Any("error", err))
				}
				continue
			}
			if n > 0 {
				slog.Info("Discovered new orders", slog.Int("count", n))
			}
		}
	}
}

func (b *Bootstrap) shutdownServers() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Manager.Close()
	if err := b.server.Shutdown(ctx); err != nil {
		slog.Warn("Subscriber server shutdown failed", slog.Any("error", err))
	}
	if err := b.metricsServer.Shutdown(ctx); err != nil {
		slog.Warn("Metrics server shutdown failed", slog.Any("error", err))
	}
}

// Close releases everything Initialize opened.
func (b *Bootstrap) Close() {
	if b.Feed != nil {
		b.Feed.Stop()
	}
	if b.Bus != nil {
		if err := b.Bus.Close(); err != nil {
			slog.Warn("Bus close failed", slog.Any("error", err))
		}
	}
	if b.Cursors != nil {
		b.Cursors.Close()
	}
	if b.Store != nil {
		b.Store.Close()
	}
}
