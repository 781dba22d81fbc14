// cmd/cachegrand-server is the cachegrand-go process entry point: it wires
// together pkg/storage, pkg/worker, and pkg/metrics into a running server,
// takes the configured pidfile lock, and shuts down gracefully on
// SIGINT/SIGTERM.
//
// Configuration here is deliberately minimal Go structs populated from
// environment variables — YAML/CLI flag parsing is explicitly out of scope
// (see SPEC_FULL.md §1, Configuration); an embedder wanting richer configuration
// wires its own flag/YAML layer and constructs storage.Config/worker.Config
// directly.
//
// © 2025 cachegrand-go authors. MIT License.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cachegrand/cachegrand-go/pkg/dispatcher"
	"github.com/cachegrand/cachegrand-go/pkg/metrics"
	"github.com/cachegrand/cachegrand-go/pkg/storage"
	"github.com/cachegrand/cachegrand-go/pkg/worker"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cachegrand-server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfigFromEnv()

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.PidfilePath != "" {
		unlock, err := acquirePidfile(cfg.PidfilePath)
		if err != nil {
			return fmt.Errorf("pidfile: %w", err)
		}
		defer unlock()
	}

	db, err := storage.New(storage.Config{
		DataDir:       cfg.DataDir,
		DatabaseCount: cfg.DatabaseCount,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	defer db.Close()

	reg := metrics.New()

	w := worker.New(db, worker.Config{
		WorkerID:   "0",
		ListenAddr: cfg.ListenAddr,
		Dispatcher: &dispatcher.Config{Password: cfg.Password, Logger: logger},
		Metrics:    reg,
		Logger:     logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutdown signal received")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			logger.Info("metrics endpoint listening", zap.String("addr", cfg.MetricsAddr))
			err := metricsSrv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			return metricsSrv.Close()
		})
	}

	logger.Info("cachegrand-server starting", zap.String("version", version), zap.String("listen_addr", cfg.ListenAddr))
	return g.Wait()
}

// serverConfig is the subset of process-wide configuration this binary
// reads from the environment; an embedder linking pkg/worker and
// pkg/storage directly is not bound by this shape.
type serverConfig struct {
	ListenAddr    string
	MetricsAddr   string
	DataDir       string
	DatabaseCount uint32
	Password      string
	PidfilePath   string
}

func loadConfigFromEnv() serverConfig {
	cfg := serverConfig{
		ListenAddr:    envOr("CACHEGRAND_LISTEN_ADDR", ":6379"),
		MetricsAddr:   envOr("CACHEGRAND_METRICS_ADDR", ":9090"),
		DataDir:       envOr("CACHEGRAND_DATA_DIR", "./data"),
		DatabaseCount: 16,
		Password:      os.Getenv("CACHEGRAND_PASSWORD"),
		PidfilePath:   os.Getenv("CACHEGRAND_PIDFILE_PATH"),
	}
	if n, err := strconv.Atoi(os.Getenv("CACHEGRAND_DATABASE_COUNT")); err == nil && n > 0 {
		cfg.DatabaseCount = uint32(n)
	}
	return cfg
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
