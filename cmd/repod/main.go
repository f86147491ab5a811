package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"repoledger/config"
	"repoledger/core/events"
	"repoledger/native/position"
	"repoledger/native/pricefeed"
	repoengine "repoledger/native/repo"
	"repoledger/observability/logging"
	"repoledger/observability/metrics"
	"repoledger/rpc"
	"repoledger/state"
	"repoledger/storage"
)

const shutdownGrace = 10 * time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("REPOD_ENV"))
	logger := logging.Setup("repod", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to open database", slog.String("dataDir", cfg.DataDir), slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	ledger, err := state.NewLedger(db)
	if err != nil {
		logger.Error("Failed to load ledger state", slog.Any("error", err))
		os.Exit(1)
	}
	registry, err := position.NewRegistry(db)
	if err != nil {
		logger.Error("Failed to load position registry", slog.Any("error", err))
		os.Exit(1)
	}
	feed := pricefeed.NewManual()
	recorder := events.NewRecorder(cfg.EventBufferSize)

	engine := repoengine.NewEngine(cfg.Owner())
	engine.SetState(ledger)
	engine.SetRegistry(registry)
	engine.SetEmitter(events.Fanout(recorder, metrics.Repo().Emitter(), logging.Emitter(logger)))

	server := rpc.NewServer(engine, registry, feed, recorder, logger)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Method(http.MethodPost, "/", server.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	rpcSrv := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("RPC server listening", slog.String("address", cfg.RPCAddress))
		if err := rpcSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("Metrics server listening", slog.String("address", cfg.MetricsAddress))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("Server failed", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := rpcSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("RPC shutdown failed", slog.Any("error", err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics shutdown failed", slog.Any("error", err))
	}
	logger.Info("Shutdown complete")
}
