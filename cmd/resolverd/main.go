// Command resolverd is the resolver server process: it loads configuration,
// wires logging/metrics/the optional change notifier, starts the resolver's
// accept loop and scavenger, and serves /health and /metrics on a separate
// HTTP listener.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"odin-resolver/internal/config"
	"odin-resolver/internal/diag"
	"odin-resolver/internal/logging"
	"odin-resolver/internal/metrics"
	"odin-resolver/internal/notify"
	"odin-resolver/internal/resolverserver"
)

func main() {
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set GOMAXPROCS: %v\n", err)
	}

	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting resolverd", zap.Int("cpus", diag.CPUCount()))

	metricsRegistry := metrics.NewRegistry()

	notifier, err := notify.New(cfg.NATSURL, metricsRegistry, logger)
	if err != nil {
		logger.Fatal("notifier init failed", zap.Error(err))
	}
	defer notifier.Close()

	srv := resolverserver.New(resolverserver.Config{
		ListenAddr:       cfg.ListenAddr,
		ScavengePeriod:   cfg.ScavengePeriod,
		ReadOnlyTTL:      cfg.ReadOnlyTTL,
		BatchSizeBound:   cfg.BatchSizeBound,
		AcceptRatePerSec: cfg.AcceptRatePerSec,
		AcceptBurst:      cfg.AcceptBurst,
	}, logger, metricsRegistry, notifier)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("resolver start failed", zap.Error(err))
	}

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- runHTTPServer(ctx, cfg.MetricsListenAddr, cfg.MetricsEndpoint, srv, metricsRegistry, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
		}
		stop()
	}

	srv.Stop()
	logger.Info("resolverd stopped")
}

func runHTTPServer(ctx context.Context, addr, endpoint string, srv *resolverserver.Server, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := diag.Collect()
		writeJSON(w, map[string]any{
			"status":           "healthy",
			"timestamp":        time.Now().UTC().Format(time.RFC3339Nano),
			"writers_active":   srv.Registry.Len(),
			"directory_entries": srv.Directory.Len(),
			"goroutines":       snap.Goroutines,
			"cpu_percent":      snap.CPUPercent,
			"rss_bytes":        snap.RSSBytes,
			"open_files":       snap.OpenFiles,
		})
	})
	mux.Handle(endpoint, metricsRegistry.Handler())

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("diagnostics http server starting", zap.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("diagnostics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
