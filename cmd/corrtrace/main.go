package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tjfontaine/corrtrace/internal/cache"
	"github.com/tjfontaine/corrtrace/internal/config"
	"github.com/tjfontaine/corrtrace/internal/engine"
	"github.com/tjfontaine/corrtrace/internal/metrics"
	"github.com/tjfontaine/corrtrace/internal/server"
	"github.com/tjfontaine/corrtrace/internal/storage/elastic"
	"github.com/tjfontaine/corrtrace/internal/storage/sqlite"
	"github.com/tjfontaine/corrtrace/internal/telemetry"
)

const pruneInterval = time.Hour

type CLI struct {
	Config   string `short:"c" default:"config.yaml" help:"Path to the YAML configuration file"`
	Port     int    `short:"p" help:"Override server.port"`
	LogLevel string `default:"info" enum:"debug,info,warn,error" help:"Log level"`
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var cli CLI
	kong.Parse(&cli,
		kong.Name("corrtrace"),
		kong.Description("Correlation tracing dashboard backend"),
		kong.UsageOnError(),
	)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cli.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cli, logger); err != nil {
		log.Fatalf("corrtrace: %v", err)
	}
}

func run(cli CLI, logger *slog.Logger) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if cli.Port != 0 {
		cfg.Server.Port = cli.Port
	}

	shutdownTracer, err := telemetry.InitTracer(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Output:      os.Stderr,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := elastic.New(elastic.Config{
		Addresses: cfg.Elastic.Addresses,
		CloudID:   cfg.Elastic.CloudID,
		APIKey:    cfg.Elastic.APIKey,
		Username:  cfg.Elastic.Username,
		Password:  cfg.Elastic.Password,
		Index:     cfg.Elastic.Index,
	},
		elastic.WithTimeout(cfg.Elastic.Timeout),
		elastic.WithGrace(cfg.Elastic.Grace),
		elastic.WithRetries(cfg.Elastic.MaxAttempts, cfg.Elastic.RetryBackoff),
		elastic.WithPushdown(cfg.Elastic.Pushdown),
		elastic.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	recorderOpts := []metrics.Option{
		metrics.WithCapacity(cfg.Metrics.Capacity),
		metrics.WithRegisterer(reg),
		metrics.WithLogger(logger),
	}
	if cfg.Metrics.SQLitePath != "" {
		history, stopHistory, err := startHistory(ctx, cfg.Metrics.SQLitePath, cfg.Metrics.Retention, logger)
		if err != nil {
			return err
		}
		defer stopHistory()

		recorderOpts = append(recorderOpts, metrics.WithSink(history))
	}

	counts := cache.New[engine.CountKey, int64](cfg.Cache.CountTTL, cache.WithSweepInterval(cfg.Cache.SweepInterval))
	defer counts.Close()

	eng := engine.New(store,
		engine.WithRecorder(metrics.NewRecorder(recorderOpts...)),
		engine.WithCountCache(counts),
		engine.WithLogger(logger),
		engine.WithFields(cfg.Elastic.Fields),
		engine.WithWindow(cfg.Query.Window),
		engine.WithFacetSize(cfg.Query.FacetSize),
	)

	srv := server.New(cfg.Server.Port, logger, server.WithRequestTimeout(cfg.Server.RequestTimeout))
	srv.Mount(server.NewHandlers(eng, logger,
		server.WithLimits(cfg.Query.Limits()),
		server.WithStreamInterval(cfg.Server.StreamInterval),
		server.WithStreamTimeout(cfg.Server.RequestTimeout),
		server.WithGatherer(reg),
	))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, stopping server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}

// startHistory opens the query history database and prunes it in the
// background. stop ends pruning before the database is closed.
func startHistory(ctx context.Context, path string, retention time.Duration, logger *slog.Logger) (history *sqlite.Store, stop func(), err error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	history, err = sqlite.New(path)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	var pruning sync.WaitGroup
	pruning.Go(func() {
		pruneHistory(ctx, history, retention, logger)
	})

	stop = func() {
		cancel()
		pruning.Wait()
		if err := history.Close(); err != nil {
			logger.Warn("failed to close query history", slog.String("error", err.Error()))
		}
	}
	return history, stop, nil
}

// pruneHistory drops persisted records older than retention until ctx ends.
func pruneHistory(ctx context.Context, history *sqlite.Store, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		n, err := history.Prune(ctx, time.Now().Add(-retention))
		if err != nil && ctx.Err() == nil {
			logger.Warn("failed to prune query history", slog.String("error", err.Error()))
		} else if n > 0 {
			logger.Info("pruned query history", slog.Int64("removed", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
