package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camuig/strategy-lab/internal/backtest"
	"github.com/camuig/strategy-lab/internal/config"
	"github.com/camuig/strategy-lab/internal/evaluator"
	"github.com/camuig/strategy-lab/internal/executor"
	"github.com/camuig/strategy-lab/internal/logger"
	"github.com/camuig/strategy-lab/internal/marketdata"
	"github.com/camuig/strategy-lab/internal/metrics"
	"github.com/camuig/strategy-lab/internal/queue"
	"github.com/camuig/strategy-lab/internal/scheduler"
	"github.com/camuig/strategy-lab/internal/storage"
	"github.com/camuig/strategy-lab/internal/telegram"
	"github.com/camuig/strategy-lab/internal/web"
)

const (
	drainTimeout    = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	// Init logger
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	log.Info("starting strategy-lab",
		"storage", cfg.Storage.Driver, "queue", cfg.Queue.Backend, "market_data", cfg.MarketData.Source)

	// Init database
	db, err := storage.NewDatabase(cfg)
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}
	repo := storage.NewRepository(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Init market data and engine
	source, err := marketdata.NewSource(ctx, cfg, log)
	if err != nil {
		log.Error("market data init failed", "error", err)
		os.Exit(1)
	}
	engine := evaluator.NewSubprocessEngine(cfg, log)
	bridge := evaluator.NewBridge(source, engine, cfg.MarketData, log)

	// Init queue
	var jobs queue.Queue
	switch cfg.Queue.Backend {
	case "kafka":
		jobs = queue.NewKafkaQueue(cfg.Queue.Kafka, log)
	default:
		jobs = queue.NewDBQueue(db, cfg.QueuePollInterval(), log)
	}

	// Init services
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	notifier := telegram.NewNotifier(cfg.Telegram, log)
	svc := backtest.NewService(repo, jobs, bridge, notifier, m, cfg, log)

	if err := svc.CheckRuntime(ctx); err != nil {
		log.Warn("backtests disabled until restart", "error", err)
	}
	if n, err := svc.RecoverInterrupted(ctx); err != nil {
		log.Error("recover interrupted backtests", "error", err)
	} else if n > 0 {
		notifier.NotifyStatus(fmt.Sprintf("%d backtest(s) interrupted by restart were marked failed", n))
	}

	exec := executor.NewExecutor(svc, bridge, scheduler.NewProgressLog(m, log), log)
	sched := scheduler.NewScheduler(jobs, exec, cfg, log)
	webServer := web.NewServer(svc, m, cfg, log)

	if err := sched.Start(ctx); err != nil {
		log.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}

	// Start web server in goroutine
	go func() {
		if err := webServer.Start(); err != nil {
			log.Error("web server error", "error", err)
		}
	}()

	notifier.NotifyStatus("🤖 strategy-lab started")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error("web server shutdown error", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	if err := sched.Drain(drainCtx); err != nil {
		log.Warn("drain timed out, cancelling running backtests", "running", sched.Running(), "error", err)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := sched.Shutdown(stopCtx); err != nil {
		log.Error("scheduler shutdown error", "error", err)
	}
	cancel()

	if err := jobs.Close(); err != nil {
		log.Error("queue close error", "error", err)
	}
	if closer, ok := source.(marketdata.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Error("market data close error", "error", err)
		}
	}

	notifier.NotifyStatus("🛑 strategy-lab stopped")
	log.Info("strategy-lab stopped")
}
