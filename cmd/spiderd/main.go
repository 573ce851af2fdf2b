// Package main wires together the crawl orchestration service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/policyspider/spiderd/internal/api"
	"github.com/policyspider/spiderd/internal/checkpoint"
	"github.com/policyspider/spiderd/internal/clock/system"
	"github.com/policyspider/spiderd/internal/config"
	"github.com/policyspider/spiderd/internal/control"
	"github.com/policyspider/spiderd/internal/errlog"
	collyfetcher "github.com/policyspider/spiderd/internal/fetcher/colly"
	"github.com/policyspider/spiderd/internal/id/uuid"
	"github.com/policyspider/spiderd/internal/logging"
	"github.com/policyspider/spiderd/internal/metrics"
	"github.com/policyspider/spiderd/internal/pagination"
	"github.com/policyspider/spiderd/internal/progress"
	"github.com/policyspider/spiderd/internal/progress/sinks"
	"github.com/policyspider/spiderd/internal/spider"
	"github.com/policyspider/spiderd/internal/state"
	redisstore "github.com/policyspider/spiderd/internal/storage/redis"
	"github.com/policyspider/spiderd/internal/worker"
)

var allStatuses = []string{
	string(spider.StatusIdle),
	string(spider.StatusStarting),
	string(spider.StatusRunning),
	string(spider.StatusPausing),
	string(spider.StatusPaused),
	string(spider.StatusStopping),
	string(spider.StatusStopped),
	string(spider.StatusCompleted),
	string(spider.StatusError),
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	metrics.Init(registry)

	storeCfg := redisstore.Config{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		ErrorBound:  cfg.Crawler.ErrorLedgerSize,
		DialTimeout: time.Duration(cfg.Redis.DialTimeoutSec) * time.Second,
	}
	client, err := redisstore.NewClient(ctx, storeCfg)
	if err != nil {
		logger.Fatal("redis connect failed", zap.Error(err))
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("redis close failed", zap.Error(closeErr))
		}
	}()
	store := redisstore.NewStore(client, storeCfg)

	clock := system.New()
	ids := uuid.NewUUIDGenerator()
	machine := state.New(store, clock, logger.Named("state"))
	tracker := pagination.New(store, logger.Named("pagination"))
	checkpoints := checkpoint.New(store, clock, logger.Named("checkpoint"))
	ledger := errlog.New(store, store, clock, cfg.Crawler.ErrorThreshold, logger.Named("errlog"))

	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		logger.Fatal("metrics sink init failed", zap.Error(err))
	}
	progressSinks := []progress.Sink{
		promSink,
		sinks.NewStoreSink(store, logger.Named("progress")),
	}
	if cfg.Logging.Development {
		progressSinks = append(progressSinks, sinks.NewLogSink(logger.Named("progress_log")))
	}
	hub := progress.NewHub(progress.Config{
		BaseContext: context.Background(),
		Logger:      logger.Named("progress"),
	}, progressSinks...)

	docSink, err := collyfetcher.NewFileSink(cfg.Storage.Dir)
	if err != nil {
		logger.Fatal("document sink init failed", zap.Error(err))
	}
	fetchCfg := collyfetcher.Config{
		UserAgent:  cfg.Crawler.UserAgent,
		Timeout:    cfg.FetchTimeout(),
		MaxRetries: 2,
	}
	lists := make(spider.ListRouter, len(cfg.Targets))
	details := make(spider.DetailRouter, len(cfg.Targets))
	for _, target := range cfg.Targets {
		lf, err := collyfetcher.NewListFetcher(fetchCfg, collyfetcher.RulesForTarget(target))
		if err != nil {
			logger.Fatal("list fetcher init failed", zap.String("target", target.Key), zap.Error(err))
		}
		df, err := collyfetcher.NewDetailFetcher(fetchCfg, collyfetcher.DetailRulesForTarget(target), docSink, clock)
		if err != nil {
			logger.Fatal("detail fetcher init failed", zap.String("target", target.Key), zap.Error(err))
		}
		lists[target.Key] = lf
		details[target.Key] = df
	}

	manager := control.NewManager(control.Deps{
		Store:   store,
		Machine: machine,
		Tracker: tracker,
		Ledger:  ledger,
		Chkpts:  checkpoints,
		Lists:   lists,
		Details: details,
		Emitter: hub,
		Clock:   clock,
		IDs:     ids,
		WorkerCfg: worker.Config{
			LeaseDuration:            cfg.Lease(),
			HeartbeatInterval:        cfg.Heartbeat(),
			RequestDelay:             cfg.Delay(),
			CheckpointEvery:          cfg.Crawler.CheckpointEvery,
			MaxConsecutiveFailures:   cfg.Crawler.MaxConsecutiveFailures,
			MaxConsecutiveEmptyPages: cfg.Crawler.MaxConsecutiveEmptyPage,
			MaxDuplicates:            cfg.Crawler.MaxDuplicates,
		},
		Logger: logger.Named("control"),
	}, cfg.Targets)

	apiServer := api.NewServer(manager, store, registry, api.Config{
		RequestTimeout: cfg.RequestTimeout(),
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go pollGauges(ctx, manager, logger.Named("gauges"))

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("manager shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("progress hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// pollGauges keeps the queue depth and status gauges fresh; counters
// come from the progress stream, but gauges need absolute reads.
func pollGauges(ctx context.Context, manager *control.Manager, logger *zap.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snaps, err := manager.StatusAll(ctx)
			if err != nil {
				logger.Warn("gauge refresh failed", zap.Error(err))
				continue
			}
			for _, snap := range snaps {
				metrics.SetLinksPending(snap.Target, snap.PendingLinks)
				metrics.SetStatus(snap.Target, string(snap.State.Status), allStatuses)
			}
		}
	}
}
