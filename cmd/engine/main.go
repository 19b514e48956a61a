// tradecore is an algorithmic trading engine core for crypto venues.
//
// Architecture:
//
//	main.go                entry point: config, logging, credentials, signals, exit codes
//	engine/engine.go       orchestrator: wires connectors, marketdata, strategies, risk, execution
//	marketdata/engine.go   orders and aggregates bars/tickers/books, fans out on the event spine
//	strategy/runtime.go    runs strategy instances, forwards their signals to the risk pipeline
//	risk/risk.go           pre-trade gates, position sizing, monitors, circuit breaker
//	exec/executor.go       execution plans (TWAP/VWAP/iceberg/adaptive) on a symbol-hashed worker pool
//	exchange/              Binance-dialect REST+WS connector and the paper venue
//	account/account.go     positions, equity, day PnL per account
//	audit/audit.go         hash-chained append-only audit log with retention and verification
//	store/store.go         sqlite persistence for orders, fills, positions, strategy state
//
// Exit codes: 0 clean shutdown, 1 initialization failure, 2 forced shutdown
// (components abandoned past the grace deadline).
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tradecore/internal/audit"
	"tradecore/internal/config"
	"tradecore/internal/credstore"
	"tradecore/internal/engine"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config")
	verifyPath := flag.String("verify-audit", "", "verify one audit segment's hash chain and exit")
	flag.Parse()

	if *verifyPath != "" {
		os.Exit(verifyAudit(*verifyPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *configPath)
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

	creds := credstore.Store{}
	if cfg.Credentials.Path != "" {
		pass := os.Getenv("TRADECORE_MASTER_PASSPHRASE")
		if pass == "" {
			logger.Error("TRADECORE_MASTER_PASSPHRASE is not set")
			os.Exit(1)
		}
		creds, err = credstore.Load(cfg.Credentials.Path, pass)
		if err != nil {
			logger.Error("failed to open credential store", "error", err, "path", cfg.Credentials.Path)
			os.Exit(1)
		}
		logger.Info("credentials loaded", "venues", creds.Venues())
	}

	eng, err := engine.New(*cfg, creds, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		eng.Stop()
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE: all accounts routed to the paper venue")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
	if eng.Forced() {
		os.Exit(2)
	}
}

// verifyAudit walks one segment's hash chain with the keys from the
// environment and reports the first broken record, if any.
func verifyAudit(path string) int {
	ik := os.Getenv("TRADECORE_AUDIT_INTEGRITY_KEY")
	if ik == "" {
		fmt.Fprintln(os.Stderr, "TRADECORE_AUDIT_INTEGRITY_KEY is not set")
		return 1
	}
	var ek []byte
	if k := os.Getenv("TRADECORE_AUDIT_ENCRYPTION_KEY"); k != "" {
		ek = []byte(k)
	}

	report, err := audit.Verify(path, []byte(ik), ek)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify %s: %v\n", path, err)
		return 1
	}
	if !report.Valid {
		fmt.Fprintf(os.Stderr, "%s: chain BROKEN at record %d: %s\n", path, report.FirstBroken, report.Reason)
		return 1
	}
	fmt.Printf("%s: chain intact, %d records\n", path, report.Records)
	return 0
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
