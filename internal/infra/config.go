package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"order_relay/internal/domain"

	"gopkg.in/yaml.v3"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 배포별 값을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Watcher struct {
		PollIntervalMS int `yaml:"poll_interval_ms"`
		Concurrency    int `yaml:"concurrency"`
		DedupeSize     int `yaml:"dedupe_size"`
		QueueSize      int `yaml:"queue_size"`
		Retry          struct {
			Attempts    int `yaml:"attempts"`
			BaseDelayMS int `yaml:"base_delay_ms"`
			MaxDelayMS  int `yaml:"max_delay_ms"`
		} `yaml:"retry"`
		Breaker struct {
			FailureThreshold int `yaml:"failure_threshold"`
			SuccessThreshold int `yaml:"success_threshold"`
			TimeoutMS        int `yaml:"timeout_ms"`
		} `yaml:"breaker"`
	} `yaml:"watcher"`

	Bus struct {
		Mode  string `yaml:"mode"` // local | kafka
		Kafka struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
			GroupID string   `yaml:"group_id"`
		} `yaml:"kafka"`
	} `yaml:"bus"`

	Feed struct {
		URL           string `yaml:"url"`
		CheckpointDir string `yaml:"checkpoint_dir"`
	} `yaml:"feed"`

	Server struct {
		ListenAddr          string `yaml:"listen_addr"`
		QueueSize           int    `yaml:"queue_size"`
		QueueWaitMS         int    `yaml:"queue_wait_ms"`
		HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
		HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
		WriteTimeoutMS      int    `yaml:"write_timeout_ms"`
	} `yaml:"server"`

	Sweep struct {
		IntervalMS int `yaml:"interval_ms"`
		BatchSize  int `yaml:"batch_size"`
	} `yaml:"sweep"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`
}

// DefaultConfig returns a configuration usable without a file.
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = "order-relay"
	cfg.App.Version = "0.1.0"

	cfg.Watcher.PollIntervalMS = 1000
	cfg.Watcher.Concurrency = 8
	cfg.Watcher.DedupeSize = 100_000
	cfg.Watcher.QueueSize = 4096
	cfg.Watcher.Retry.Attempts = 3
	cfg.Watcher.Retry.BaseDelayMS = 50
	cfg.Watcher.Retry.MaxDelayMS = 2000
	cfg.Watcher.Breaker.FailureThreshold = 5
	cfg.Watcher.Breaker.SuccessThreshold = 2
	cfg.Watcher.Breaker.TimeoutMS = 30_000

	cfg.Bus.Mode = "local"
	cfg.Bus.Kafka.Topic = "order-updates"
	cfg.Bus.Kafka.GroupID = "order-relay"

	cfg.Feed.CheckpointDir = "data/checkpoint"

	cfg.Server.ListenAddr = ":8080"
	cfg.Server.QueueSize = 256
	cfg.Server.QueueWaitMS = 50
	cfg.Server.HeartbeatIntervalMS = 15_000
	cfg.Server.HeartbeatTimeoutMS = 45_000
	cfg.Server.WriteTimeoutMS = 10_000

	cfg.Sweep.IntervalMS = 5000
	cfg.Sweep.BatchSize = 500

	cfg.Logging.Level = "info"
	cfg.Metrics.ListenAddr = "localhost:9090"
	return &cfg
}

// LoadConfig는 설정 파일을 읽고 파싱합니다. 파일에 없는 값은 DefaultConfig를 따릅니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// 환경 변수 오버라이드 지원
	overrideWithEnv(cfg)

	// 설정 유효성 검사
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	invalid := func(field, format string, args ...any) error {
		return &domain.ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
	}

	if c.Watcher.PollIntervalMS <= 0 {
		return invalid("watcher.poll_interval_ms", "must be positive")
	}
	if c.Watcher.Concurrency <= 0 {
		return invalid("watcher.concurrency", "must be positive")
	}
	if c.Watcher.DedupeSize <= 0 {
		return invalid("watcher.dedupe_size", "must be positive")
	}
	if c.Watcher.Retry.Attempts <= 0 {
		return invalid("watcher.retry.attempts", "must be positive")
	}

	switch c.Bus.Mode {
	case "local":
	case "kafka":
		if len(c.Bus.Kafka.Brokers) == 0 {
			return invalid("bus.kafka.brokers", "at least one broker is required in kafka mode")
		}
		if c.Bus.Kafka.Topic == "" {
			return invalid("bus.kafka.topic", "required in kafka mode")
		}
	default:
		return invalid("bus.mode", "unknown mode %q", c.Bus.Mode)
	}

	if c.Feed.URL != "" && !hasPrefix(c.Feed.URL, "ws://") && !hasPrefix(c.Feed.URL, "wss://") {
		return invalid("feed.url", "invalid feed WS URL: %s", c.Feed.URL)
	}

	if c.Server.ListenAddr == "" {
		return invalid("server.listen_addr", "required")
	}
	if c.Server.QueueSize <= 0 {
		return invalid("server.queue_size", "must be positive")
	}
	if c.Server.HeartbeatIntervalMS <= 0 || c.Server.HeartbeatTimeoutMS <= c.Server.HeartbeatIntervalMS {
		return invalid("server.heartbeat_timeout_ms", "must exceed the heartbeat interval")
	}
	if c.Sweep.IntervalMS <= 0 {
		return invalid("sweep.interval_ms", "must be positive")
	}

	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if path := os.Getenv("RELAY_DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}
	if brokers := os.Getenv("RELAY_KAFKA_BROKERS"); brokers != "" {
		cfg.Bus.Kafka.Brokers = splitList(brokers)
	}
	if url := os.Getenv("RELAY_FEED_URL"); url != "" {
		cfg.Feed.URL = url
	}
	if addr := os.Getenv("RELAY_LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ms converts a millisecond config value.
func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) PollInterval() time.Duration      { return ms(c.Watcher.PollIntervalMS) }
func (c *Config) QueueWait() time.Duration         { return ms(c.Server.QueueWaitMS) }
func (c *Config) HeartbeatInterval() time.Duration { return ms(c.Server.HeartbeatIntervalMS) }
func (c *Config) HeartbeatTimeout() time.Duration  { return ms(c.Server.HeartbeatTimeoutMS) }
func (c *Config) WriteTimeout() time.Duration      { return ms(c.Server.WriteTimeoutMS) }
func (c *Config) SweepInterval() time.Duration     { return ms(c.Sweep.IntervalMS) }

// RetryPolicy returns the watcher's retry settings.
func (c *Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  c.Watcher.Retry.Attempts,
		BaseDelay: ms(c.Watcher.Retry.BaseDelayMS),
		MaxDelay:  ms(c.Watcher.Retry.MaxDelayMS),
	}
}

// BreakerConfig returns the ingestion breaker settings.
func (c *Config) BreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: c.Watcher.Breaker.FailureThreshold,
		SuccessThreshold: c.Watcher.Breaker.SuccessThreshold,
		Timeout:          ms(c.Watcher.Breaker.TimeoutMS),
	}
}

// IsConfigError reports whether err came from Validate.
func IsConfigError(err error) bool {
	var ce *domain.ConfigError
	return errors.As(err, &ce)
}
