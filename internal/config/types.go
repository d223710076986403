// Package config loads and watches the engine configuration.
//
// Precedence, lowest to highest: built-in defaults, the YAML config file,
// INVESTI_* environment variables.
package config

import (
	"fmt"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Store     StoreConfig     `mapstructure:"store"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Market    MarketConfig    `mapstructure:"market"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Guardrail GuardrailConfig `mapstructure:"guardrail"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Notes     NotesConfig     `mapstructure:"notes"`
}

// StoreConfig configures the durable store.
type StoreConfig struct {
	// Path is the SQLite database location; ":memory:" for tests.
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures the scheduler loop.
type SchedulerConfig struct {
	// CheckInterval is the fixed poll cadence between evaluation cycles.
	CheckInterval time.Duration `mapstructure:"check_interval"`
	// CatchUp selects recovery behavior for recurring occurrences missed
	// while the process was down: "skip" advances to the next future
	// occurrence, "fire" fires once immediately.
	CatchUp string `mapstructure:"catch_up"`
	// ReviewSweepSchedule is the cron expression for re-announcing
	// conditional tasks flagged for review.
	ReviewSweepSchedule string `mapstructure:"review_sweep_schedule"`
	// DigestSchedule is the cron expression for the pending-task digest.
	DigestSchedule string `mapstructure:"digest_schedule"`
}

// MarketConfig configures the market data layer.
type MarketConfig struct {
	// QuoteCacheSize is the max entries in the quote LRU cache.
	QuoteCacheSize int `mapstructure:"quote_cache_size"`
	// QuoteCacheTTL is how long a cached quote stays fresh.
	QuoteCacheTTL time.Duration `mapstructure:"quote_cache_ttl"`
	// BreakerFailureThreshold opens the provider circuit breaker after this
	// many consecutive failures.
	BreakerFailureThreshold int `mapstructure:"breaker_failure_threshold"`
	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration `mapstructure:"breaker_timeout"`
}

// AgentsConfig configures the agent invocation work queue.
type AgentsConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	InvokeTimeout time.Duration `mapstructure:"invoke_timeout"`
}

// GuardrailConfig configures the inbound relevance gate.
type GuardrailConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// FailClosed rejects user input when the classifier itself errors.
	// Default is fail-open with a warning.
	FailClosed bool `mapstructure:"fail_closed"`
}

// NotifyConfig configures the outbound chat transport.
type NotifyConfig struct {
	// TelegramToken enables the Telegram notifier when non-empty.
	TelegramToken string `mapstructure:"telegram_token"`
	ChatID        string `mapstructure:"chat_id"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	EnableCORS bool   `mapstructure:"enable_cors"`
	Debug      bool   `mapstructure:"debug"`
}

// TelemetryConfig configures metrics export.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// NotesConfig configures the note vector index.
type NotesConfig struct {
	// VectorPath persists the note embedding index; empty keeps it in memory.
	VectorPath string `mapstructure:"vector_path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Environment: "development",
		LogLevel:    "info",
		Store:       StoreConfig{Path: "investi.db"},
		Scheduler: SchedulerConfig{
			CheckInterval:       30 * time.Second,
			CatchUp:             "skip",
			ReviewSweepSchedule: "*/10 * * * *",
			DigestSchedule:      "0 9 * * *",
		},
		Market: MarketConfig{
			QuoteCacheSize:          256,
			QuoteCacheTTL:           15 * time.Second,
			BreakerFailureThreshold: 5,
			BreakerTimeout:          30 * time.Second,
		},
		Agents: AgentsConfig{
			Workers:       2,
			QueueSize:     64,
			InvokeTimeout: 5 * time.Minute,
		},
		Guardrail: GuardrailConfig{Enabled: true},
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       8087,
			EnableCORS: true,
		},
		Telemetry: TelemetryConfig{Enabled: true},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Scheduler.CheckInterval <= 0 {
		return fmt.Errorf("scheduler.check_interval must be positive, got %v", c.Scheduler.CheckInterval)
	}
	switch c.Scheduler.CatchUp {
	case "skip", "fire":
	default:
		return fmt.Errorf("scheduler.catch_up must be \"skip\" or \"fire\", got %q", c.Scheduler.CatchUp)
	}
	if c.Agents.Workers < 1 {
		return fmt.Errorf("agents.workers must be at least 1, got %d", c.Agents.Workers)
	}
	if c.Agents.QueueSize < 1 {
		return fmt.Errorf("agents.queue_size must be at least 1, got %d", c.Agents.QueueSize)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}
