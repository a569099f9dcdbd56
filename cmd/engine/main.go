// TopStepX trading engine — an autonomous futures-trading daemon for
// TopStepX prop-firm accounts.
//
// Architecture:
//
//	main.go              — entry point: dotenv + config, logger, engine, signals
//	engine/engine.go     — composition root: wires broker → market data → risk →
//	                       orders → strategies, owns every goroutine
//	broker/client.go     — gateway REST client (rate-limited, circuit-broken)
//	broker/stream.go     — market + user hub feeds with auto-reconnect and
//	                       sequence-gap detection
//	market/aggregator.go — tick → OHLCV bar aggregation, gapless series
//	market/history.go    — three-tier historical bar resolver (LRU → sqlite → REST)
//	account/store.go     — sharded account/position/order projection, 60s reconcile
//	risk/monitor.go      — DLL/MLL enforcement with auto-flatten
//	orders/manager.go    — brackets, OCO, breakeven, EOD flatten, FIFO trades
//	strategy/            — overnight range, mean reversion, trend following
//	sched/scheduler.go   — 5-level priority scheduler with per-level timeouts
//	api/                 — REST control surface + websocket push stream
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"topstepx-engine/internal/config"
	"topstepx-engine/internal/engine"
)

func main() {
	// A .env file is optional; real deployments use the environment.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ENGINE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
