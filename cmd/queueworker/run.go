package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/fallback-queue/pkg/metrics"
	"github.com/ava-labs/fallback-queue/pkg/queue"
	"github.com/ava-labs/fallback-queue/pkg/utils"
)

const serviceName = "queueworker"

func run(c *cli.Context) error {
	// Build configuration from CLI flags
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(serviceName, cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"queuesFile", cfg.QueuesFile,
		"shutdownTimeout", cfg.ShutdownTimeout,
		"broker", cfg.Queue.Addr(),
		"vhost", cfg.Queue.VHost,
		"durableEnabled", cfg.Queue.DurableEnabled,
		"probeTimeout", *cfg.Queue.ProbeTimeout,
		"publishTimeout", *cfg.Queue.PublishTimeout,
		"heartbeat", *cfg.Queue.Heartbeat,
		"fallbackMaxDepth", cfg.Queue.MaxDepth,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"environment", cfg.Environment,
		"region", cfg.Region,
		"cloudProvider", cfg.CloudProvider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runWorker(ctx, sugar, cfg)
}

// runWorker consumes the configured queues until ctx is done, then stops the
// manager within cfg.ShutdownTimeout.
func runWorker(ctx context.Context, sugar *zap.SugaredLogger, cfg *Config) error {
	specs, err := loadQueues(cfg.QueuesFile)
	if err != nil {
		return err
	}

	// Initialize Prometheus metrics with labels for multi-instance filtering
	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, metrics.Labels{
		Service:       serviceName,
		Environment:   cfg.Environment,
		Region:        cfg.Region,
		CloudProvider: cfg.CloudProvider,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	manager, err := queue.New(sugar, cfg.Queue, queue.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to create queue manager: %w", err)
	}

	// Start metrics server
	metricsServer := metrics.NewServer(cfg.MetricsAddr(), registry, func() any { return manager.Summary() })
	metricsErrCh := metricsServer.Start()
	sugar.Infof("metrics server listening on http://%s/metrics", cfg.MetricsAddr())

	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize queue manager: %w", err)
	}
	if manager.BackendType() == queue.BackendFallback {
		sugar.Warnw("running on in-process fallback queues, only messages sent by this process will be consumed")
	}

	// Run consumers and metrics server error handling concurrently using errgroup
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := manager.StartAll(consumerConfigs(sugar, specs)); err != nil {
			return fmt.Errorf("failed to start consumers: %w", err)
		}
		sugar.Infow("consumers started", "queues", len(specs), "activeWorkers", manager.ActiveWorkers())
		<-gctx.Done()
		return nil
	})

	// Metrics server error monitoring goroutine
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-metricsErrCh:
			if err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		}
	})

	// Wait for first error or completion from any goroutine
	err = g.Wait()

	sugar.Infow("stopping consumers", "activeWorkers", manager.ActiveWorkers(), "timeout", cfg.ShutdownTimeout)
	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelStop()
	if stopErr := manager.StopAll(stopCtx); stopErr != nil {
		sugar.Warnw("queue manager shutdown error", "error", stopErr)
	}

	// Gracefully shutdown metrics server
	sugar.Info("shutting down metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
		sugar.Warnw("metrics server shutdown error", "error", shutdownErr)
	}

	sugar.Info("shutdown complete")
	return err
}
