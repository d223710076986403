package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"investi/internal/logging"
)

const (
	envPrefix       = "INVESTI"
	defaultFileName = "investi"
)

// Loader loads the configuration and optionally watches the file for changes.
type Loader struct {
	v      *viper.Viper
	logger logging.Logger

	mu       sync.RWMutex
	current  Config
	onChange []func(Config)
}

// NewLoader builds a loader for the given config file path. An empty path
// searches the working directory and ~/.investi for investi.yaml.
func NewLoader(path string, logger logging.Logger) *Loader {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".investi"))
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v, logger: logging.OrNop(logger)}
}

// Load reads the configuration. A missing config file is not an error; the
// defaults plus environment overrides apply.
func (l *Loader) Load() (Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		l.logger.Debug("No config file found, using defaults and environment")
	} else {
		l.logger.Info("Loaded config from %s", l.v.ConfigFileUsed())
	}

	cfg := Default()
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked with the new configuration whenever
// the config file changes on disk.
func (l *Loader) OnChange(fn func(Config)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, fn)
	l.mu.Unlock()
}

// Watch starts watching the config file. Reload failures keep the previous
// configuration and are logged, never fatal.
func (l *Loader) Watch() {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.logger.Info("Config file changed (%s), reloading", e.Name)
		cfg, err := l.Load()
		if err != nil {
			l.logger.Warn("Config reload failed, keeping previous configuration: %v", err)
			return
		}
		l.mu.RLock()
		callbacks := make([]func(Config), len(l.onChange))
		copy(callbacks, l.onChange)
		l.mu.RUnlock()
		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	l.v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("environment", def.Environment)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("store.path", def.Store.Path)
	v.SetDefault("scheduler.check_interval", def.Scheduler.CheckInterval)
	v.SetDefault("scheduler.catch_up", def.Scheduler.CatchUp)
	v.SetDefault("scheduler.review_sweep_schedule", def.Scheduler.ReviewSweepSchedule)
	v.SetDefault("scheduler.digest_schedule", def.Scheduler.DigestSchedule)
	v.SetDefault("market.quote_cache_size", def.Market.QuoteCacheSize)
	v.SetDefault("market.quote_cache_ttl", def.Market.QuoteCacheTTL)
	v.SetDefault("market.breaker_failure_threshold", def.Market.BreakerFailureThreshold)
	v.SetDefault("market.breaker_timeout", def.Market.BreakerTimeout)
	v.SetDefault("agents.workers", def.Agents.Workers)
	v.SetDefault("agents.queue_size", def.Agents.QueueSize)
	v.SetDefault("agents.invoke_timeout", def.Agents.InvokeTimeout)
	v.SetDefault("guardrail.enabled", def.Guardrail.Enabled)
	v.SetDefault("guardrail.fail_closed", def.Guardrail.FailClosed)
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.enable_cors", def.Server.EnableCORS)
	v.SetDefault("server.debug", def.Server.Debug)
	v.SetDefault("telemetry.enabled", def.Telemetry.Enabled)
	v.SetDefault("notes.vector_path", def.Notes.VectorPath)
}

// WriteDefault writes a commented scaffold of the default configuration to
// path, refusing to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	out, err := yaml.Marshal(defaultFileDoc())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	header := "# Investi engine configuration. Environment variables with the\n# INVESTI_ prefix override any value here (INVESTI_SERVER_PORT=9090).\n"
	return os.WriteFile(path, append([]byte(header), out...), 0644)
}

func defaultFileDoc() map[string]any {
	def := Default()
	return map[string]any{
		"environment": def.Environment,
		"log_level":   def.LogLevel,
		"store":       map[string]any{"path": def.Store.Path},
		"scheduler": map[string]any{
			"check_interval":        def.Scheduler.CheckInterval.String(),
			"catch_up":              def.Scheduler.CatchUp,
			"review_sweep_schedule": def.Scheduler.ReviewSweepSchedule,
			"digest_schedule":       def.Scheduler.DigestSchedule,
		},
		"market": map[string]any{
			"quote_cache_size":          def.Market.QuoteCacheSize,
			"quote_cache_ttl":           def.Market.QuoteCacheTTL.String(),
			"breaker_failure_threshold": def.Market.BreakerFailureThreshold,
			"breaker_timeout":           def.Market.BreakerTimeout.String(),
		},
		"agents": map[string]any{
			"workers":        def.Agents.Workers,
			"queue_size":     def.Agents.QueueSize,
			"invoke_timeout": def.Agents.InvokeTimeout.String(),
		},
		"guardrail": map[string]any{
			"enabled":     def.Guardrail.Enabled,
			"fail_closed": def.Guardrail.FailClosed,
		},
		"server": map[string]any{
			"host":        def.Server.Host,
			"port":        def.Server.Port,
			"enable_cors": def.Server.EnableCORS,
			"debug":       def.Server.Debug,
		},
		"telemetry": map[string]any{"enabled": def.Telemetry.Enabled},
		"notes":     map[string]any{"vector_path": def.Notes.VectorPath},
	}
}
