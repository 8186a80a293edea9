package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
app:
  name: relay-test
watcher:
  poll_interval_ms: 250
  retry:
    attempts: 5
server:
  listen_addr: ":9999"
  queue_size: 8
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.App.Name != "relay-test" {
		t.Errorf("expected app name relay-test, got %s", cfg.App.Name)
	}
	if cfg.PollInterval() != 250*time.Millisecond {
		t.Errorf("expected poll interval 250ms, got %v", cfg.PollInterval())
	}
	if cfg.RetryPolicy().Attempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.RetryPolicy().Attempts)
	}
	// unspecified values keep their defaults
	if cfg.Watcher.Concurrency != 8 {
		t.Errorf("expected default concurrency 8, got %d", cfg.Watcher.Concurrency)
	}
	if cfg.Bus.Mode != "local" {
		t.Errorf("expected default bus mode local, got %s", cfg.Bus.Mode)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	path := writeConfig(t, "bus:\n  mode: kafka\n")
	t.Setenv("RELAY_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("RELAY_DB_PATH", "/tmp/relay.db")
	t.Setenv("RELAY_LISTEN_ADDR", ":7000")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(cfg.Bus.Kafka.Brokers) != 2 || cfg.Bus.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers %v", cfg.Bus.Kafka.Brokers)
	}
	if cfg.Storage.Path != "/tmp/relay.db" {
		t.Errorf("unexpected db path %s", cfg.Storage.Path)
	}
	if cfg.Server.ListenAddr != ":7000" {
		t.Errorf("unexpected listen addr %s", cfg.Server.ListenAddr)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"kafka without brokers", func(c *Config) { c.Bus.Mode = "kafka" }},
		{"unknown bus mode", func(c *Config) { c.Bus.Mode = "redis" }},
		{"bad feed url", func(c *Config) { c.Feed.URL = "http://node" }},
		{"heartbeat timeout below interval", func(c *Config) { c.Server.HeartbeatTimeoutMS = 10 }},
		{"zero queue", func(c *Config) { c.Server.QueueSize = 0 }},
		{"zero concurrency", func(c *Config) { c.Watcher.Concurrency = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !IsConfigError(err) {
				t.Errorf("expected ConfigError, got %v", err)
			}
		})
	}
}
