package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/analyzer"
	"github.com/JakeFAU/goharvest/internal/api"
	"github.com/JakeFAU/goharvest/internal/config"
	"github.com/JakeFAU/goharvest/internal/dispatcher"
	"github.com/JakeFAU/goharvest/internal/harvest"
	"github.com/JakeFAU/goharvest/internal/id/uuid"
	"github.com/JakeFAU/goharvest/internal/metrics"
	queuememory "github.com/JakeFAU/goharvest/internal/queue/memory"
	queuepubsub "github.com/JakeFAU/goharvest/internal/queue/pubsub"
	"github.com/JakeFAU/goharvest/internal/scheduler"
	"github.com/JakeFAU/goharvest/internal/telemetry"
	"github.com/JakeFAU/goharvest/internal/worker"
)

const analyzerTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, worker pool, cron scheduler and reaper",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := appFrom(cmd.Context())
	if err != nil {
		return err
	}
	cfg, logger := a.cfg, a.logger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, version, cfg.Telemetry.SampleRatio)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown", zap.Error(err))
			}
		}()
	}

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	queue, closeQueue, err := buildQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	analyzers := analyzer.NewRunner(svc.results, analyzer.Defaults(), analyzerTimeout, logger)

	var reaperInterval time.Duration
	if cfg.Reaper.Enabled {
		reaperInterval = config.Seconds(cfg.Reaper.IntervalSeconds)
	}
	sched := scheduler.New(scheduler.Deps{
		Jobs:      svc.jobs,
		Results:   svc.results,
		Blobs:     svc.blobs,
		Queue:     queue,
		Publisher: svc.publisher,
		Analyzers: analyzers,
		IDs:       uuid.New(),
		Clock:     svc.clock,
	}, scheduler.Config{
		DefaultMaxRetries: cfg.Harvest.DefaultMaxRetries,
		DefaultMode:       harvest.Mode(cfg.Harvest.DefaultMode),
		Backoff:           cfg.Backoff(),
		JobTopic:          cfg.PubSub.JobTopic,
		ReaperInterval:    reaperInterval,
		StaleAfter:        config.Seconds(cfg.Reaper.StaleAfterSeconds),
	}, logger)

	workers := make([]dispatcher.Runner, 0, cfg.Harvest.Concurrency)
	for i := 0; i < cfg.Harvest.Concurrency; i++ {
		workers = append(workers, worker.New(
			queue,
			svc.jobs,
			sched,
			svc.pipeline,
			worker.Config{AttemptTimeout: config.Seconds(cfg.Reaper.StaleAfterSeconds)},
			logger.With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, workers)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	apiServer := api.NewServer(sched, svc.pipeline, svc.checks, cfg, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		logger.Info("dispatcher started", zap.Int("workers", len(workers)))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	sched.Stop()
	<-dispatchDone
	closeQueue()
	analyzers.Wait()
	logger.Info("shutdown complete")
	return nil
}

// buildQueue returns the configured queue and a function that releases it.
func buildQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvest.Queue, func(), error) {
	switch cfg.Queue.Backend {
	case "pubsub":
		q, err := queuepubsub.New(ctx, cfg.PubSub.ProjectID, cfg.Queue.Topic, cfg.Queue.Subscription,
			queuepubsub.Options{MaxOutstanding: cfg.Queue.MaxOutstanding}, logger.Named("queue"))
		if err != nil {
			return nil, nil, fmt.Errorf("open pubsub queue: %w", err)
		}
		return q, func() {
			if err := q.Close(); err != nil {
				logger.Warn("close pubsub queue", zap.Error(err))
			}
		}, nil
	default:
		q := queuememory.NewQueue(cfg.Harvest.QueueDepth)
		return q, q.Close, nil
	}
}
