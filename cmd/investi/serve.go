package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"investi/internal/agent"
	"investi/internal/config"
	"investi/internal/dispatch"
	investierrors "investi/internal/errors"
	"investi/internal/logging"
	"investi/internal/market"
	"investi/internal/note"
	"investi/internal/notify"
	"investi/internal/scheduler"
	"investi/internal/server"
	"investi/internal/store"
	"investi/internal/task"
	"investi/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine: scheduler loop, agent pool, and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// Starting book for the simulated market provider. Tickers outside this set
// read as metric misses until a real feed adapter replaces the sim.
var simPrices = map[string]float64{
	"NVDA": 150, "AAPL": 230, "MSFT": 420, "GOOG": 180, "AMZN": 200, "TSLA": 250,
}

func runServe(ctx context.Context) error {
	loader := config.NewLoader(cfgPath, logging.NewComponentLogger("config"))
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	log := logging.NewComponentLogger("serve")

	db, err := store.Open(cfg.Store.Path, logging.NewComponentLogger("store"))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	registry := task.NewRegistry(db, logging.NewComponentLogger("task"))

	var index note.Index
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		embedder, err := note.NewOpenAIEmbedder(note.EmbedderConfig{
			APIKey:  key,
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		}, logging.NewComponentLogger("embedder"))
		if err != nil {
			return err
		}
		index, err = note.NewChromemIndex(cfg.Notes.VectorPath, embedder)
		if err != nil {
			return err
		}
	} else {
		log.Info("OPENAI_API_KEY not set, note search falls back to keywords")
	}
	notes := note.NewService(db, index, logging.NewComponentLogger("note"))

	provider := market.NewSimProvider(time.Now().UnixNano(), simPrices, nil, 100_000)
	snapshots, err := market.NewSnapshotService(provider, market.ServiceConfig{
		CacheSize: cfg.Market.QuoteCacheSize,
		CacheTTL:  cfg.Market.QuoteCacheTTL,
		Breaker: investierrors.CircuitBreakerConfig{
			FailureThreshold: cfg.Market.BreakerFailureThreshold,
			Timeout:          cfg.Market.BreakerTimeout,
		},
	}, logging.NewComponentLogger("market"))
	if err != nil {
		return err
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Notify.TelegramToken != "" {
		notifier = notify.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.ChatID,
			logging.NewComponentLogger("notify"))
	}

	metrics, err := telemetry.New(cfg.Telemetry.Enabled)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := agent.NewPool(agent.PoolConfig{
		Workers:       cfg.Agents.Workers,
		QueueSize:     cfg.Agents.QueueSize,
		InvokeTimeout: cfg.Agents.InvokeTimeout,
	}, logging.NewComponentLogger("agent"))
	pool.Start(runCtx)

	router := agent.NewRouter(pool, logging.NewComponentLogger("agent"))
	for _, role := range []task.Role{
		task.RolePortfolioManager, task.RoleTrader, task.RoleAnalyst, task.RoleTechnicalAnalyst,
	} {
		router.Register(role, agent.NewNoteTakingHandler(role, notes, logging.NewComponentLogger("agent")))
	}

	dispatcher := dispatch.New(registry, router, notifier,
		dispatch.CatchUpPolicy(cfg.Scheduler.CatchUp), logging.NewComponentLogger("dispatch"))

	loop := scheduler.New(registry, snapshots, dispatcher, notifier, metrics, scheduler.LoopConfig{
		CheckInterval:       cfg.Scheduler.CheckInterval,
		ReviewSweepSchedule: cfg.Scheduler.ReviewSweepSchedule,
		DigestSchedule:      cfg.Scheduler.DigestSchedule,
	}, logging.NewComponentLogger("scheduler"))
	if err := loop.Start(runCtx); err != nil {
		return err
	}

	gate := agent.NewGate(agent.NewKeywordClassifier(), agent.GateConfig{
		Enabled:    cfg.Guardrail.Enabled,
		FailClosed: cfg.Guardrail.FailClosed,
	}, logging.NewComponentLogger("guardrail"))

	srv := server.New(registry, notes, snapshots, gate, router, metrics, server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		EnableCORS:   cfg.Server.EnableCORS,
		Debug:        cfg.Server.Debug,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}, logging.NewComponentLogger("server"))

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	loader.OnChange(func(next config.Config) {
		logging.SetLevel(logging.ParseLevel(next.LogLevel))
	})
	loader.Watch()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received %s, shutting down", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server exited: %w", err)
		}
	case <-ctx.Done():
	}

	// Drain order: stop taking work, finish the in-flight cycle, then the
	// agents, then the listener.
	loop.Stop()
	select {
	case <-loop.Done():
	case <-time.After(30 * time.Second):
		log.Warn("Scheduler loop did not stop in time")
	}
	pool.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown: %v", err)
	}
	log.Info("Shutdown complete")
	return nil
}
