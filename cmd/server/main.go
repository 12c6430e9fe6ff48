/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the commission rule engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse command-line flags
  2. Initialize SQLite store
  3. Wire engine, ledger, hierarchy, recalculation queue
  4. Start the rule-expiry cron and the worker pool
  5. Start server with graceful shutdown

CONFIGURATION:
  Flags take defaults from the environment (loaded via godotenv):
    -port     / PORT       HTTP server port (default: 8080)
    -db       / DB_PATH    SQLite database path (default: commission.db)
                           Use ":memory:" for an in-memory database
    -workers  / WORKERS    Recalculation worker count (default: 4)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Drain the recalculation queue and stop the cron
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/commission.db"

  # Run with in-memory database
  ./server -db=":memory:"

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
  - recalc/queue.go: Worker pool
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/engine"
	"github.com/warp/commission-engine/hierarchy"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/recalc"
	"github.com/warp/commission-engine/store/sqlite"
)

func main() {
	// .env is optional; real env vars win either way.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DB_PATH", "commission.db"), "SQLite database path")
	workers := flag.Int("workers", envInt("WORKERS", 4), "recalculation worker count")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Engine wiring. The single store implements every persistence
	// interface; each component only sees the slice it needs.
	classifier := &engine.Classifier{Profiles: store, Stats: store}
	facts := &engine.FactBuilder{Dir: store, Profiles: classifier}
	commissions := ledger.New(store)
	evaluator := &engine.Evaluator{Rules: store, Facts: facts, Sink: commissions}

	recalculator := &recalc.Recalculator{
		Rules:  store,
		Orders: store,
		Ledger: commissions,
		Eval:   evaluator,
		Log:    log.Named("recalc"),
	}
	queue := recalc.NewQueue(*workers, recalculator.Handle, log.Named("queue"))
	queue.Start()
	dispatcher := &recalc.Dispatcher{Queue: queue}

	rules := &engine.RuleService{
		Store:    store,
		Compiler: &engine.Compiler{Dir: store},
		Recalc:   dispatcher,
	}

	expiry := recalc.NewExpiryScheduler(store, log.Named("expiry"))
	if err := expiry.Start(); err != nil {
		log.Fatal("failed to start expiry scheduler", zap.Error(err))
	}

	handler := &api.Handler{
		Rules:     rules,
		RuleStore: store,
		Ledger:    commissions,
		Orders:    store,
		Profiles:  store,
		Hierarchy: hierarchy.NewService(store),
		Recalc:    dispatcher,
		Log:       log.Named("api"),
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting", zap.Int("port", *port), zap.String("db", *dbPath))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	expiry.Stop()
	queue.Stop()

	log.Info("server stopped")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
