// Command surfscan runs the web-application surface scanner: the REST
// API, the render worker and the analyze worker in one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/surfscan/surfscan/pkg/analyze"
	"github.com/surfscan/surfscan/pkg/api"
	"github.com/surfscan/surfscan/pkg/config"
	"github.com/surfscan/surfscan/pkg/llm"
	"github.com/surfscan/surfscan/pkg/queue"
	"github.com/surfscan/surfscan/pkg/render"
	"github.com/surfscan/surfscan/pkg/ssrf"
	"github.com/surfscan/surfscan/pkg/store/objectstore"
	"github.com/surfscan/surfscan/pkg/store/postgres"
	"github.com/surfscan/surfscan/pkg/tasks"
	"github.com/surfscan/surfscan/pkg/vulnfeed"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Relational store.
	store, err := postgres.Open(ctx, cfg.PostgresURL(), cfg.DBConnectTimeout, cfg.DBQueryTimeout)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	go healthLoop(ctx, log, cfg.DBHealthInterval, store.Ping)

	// Object store.
	artifacts, err := objectstore.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey,
		cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	// Queue backend: one shared connection per process.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect queue backend: %w", err)
	}

	scanQueue := queue.New(rdb, queue.Config{
		Name:            tasks.ScanQueue,
		MaxAttempts:     cfg.QueueMaxAttempts,
		BackoffInit:     cfg.QueueRetryDelay,
		JobTimeout:      cfg.QueueJobTimeout,
		OpTimeout:       cfg.QueueOpTimeout,
		StalledInterval: cfg.StalledInterval,
		MaxStalledCount: cfg.MaxStalledCount,
	})
	analysisQueue := queue.New(rdb, queue.Config{
		Name:            tasks.AnalysisQueue,
		MaxAttempts:     3,
		BackoffInit:     cfg.QueueRetryDelay,
		JobTimeout:      cfg.QueueJobTimeout,
		OpTimeout:       cfg.QueueOpTimeout,
		StalledInterval: cfg.StalledInterval,
		MaxStalledCount: cfg.MaxStalledCount,
	})

	// SSRF policy, shared by the API and the render stage.
	validator := ssrf.NewValidator(ssrf.WithAllowList(cfg.AllowPrivateHosts))

	// Vulnerability feed with DB-backed cache.
	feed := vulnfeed.New(cfg.OSVAPIURL, store, cfg.OSVTimeout,
		vulnfeed.WithTTL(cfg.VulnCacheTTL),
		vulnfeed.WithNegativeTTL(cfg.VulnNegativeTTL),
		vulnfeed.WithLogger(log))

	// Workers.
	renderWorker := render.NewWorker(ctx, store, artifacts, analysisQueue, scanQueue, validator,
		render.Config{
			MaxExternalScripts: cfg.MaxExternalScripts,
			MaxCrawlPages:      cfg.MaxCrawlPages,
			ScriptFetchTimeout: cfg.ScriptFetchTimeout,
		}, log)
	defer renderWorker.Close()

	analyzeWorker := analyze.NewWorker(store, artifacts, feed, scanQueue, log)
	defer analyzeWorker.Close()

	renderConsumer := queue.NewConsumer(scanQueue, cfg.RenderConcurrency, renderWorker.Handle, log)
	analyzeConsumer := queue.NewConsumer(analysisQueue, cfg.AnalyzeConcurrency, analyzeWorker.Handle, log)

	renderConsumer.Start(ctx)
	analyzeConsumer.Start(ctx)

	// API server, in the foreground until shutdown.
	server := api.New(store, scanQueue, analysisQueue, artifacts, validator, cfg, log).
		WithReportProvider(llm.FromConfig(cfg.LLMEndpoint, cfg.LLMTimeout))
	err = server.ListenAndServe(ctx)

	// Graceful drain: stop intake, let active jobs finish (bounded by
	// the consumers' stop paths), then exit.
	log.Info("shutting down, draining workers")
	drained := make(chan struct{})
	go func() {
		renderConsumer.Stop()
		analyzeConsumer.Stop()
		close(drained)
	}()
	select {
	case <-drained:
		log.Info("workers drained")
	case <-time.After(30 * time.Second):
		log.Warn("drain timed out, forcing exit")
	}

	return err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// healthLoop pings a dependency on an interval, logging failures.
func healthLoop(ctx context.Context, log *slog.Logger, interval time.Duration, ping func(context.Context) error) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ping(ctx); err != nil {
				log.Warn("database health check failed", "error", err)
			}
		}
	}
}
