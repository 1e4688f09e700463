// The janitor runs the platform's periodic maintenance: a dead-letter
// census that feeds metrics and raises a platform event, and a retention
// pass that prunes processed events and their inbox records.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/hibiken/asynq"

	"dinehub-restaurant-platform/api/internal/eventbus"
	"dinehub-restaurant-platform/api/internal/repos"
	"dinehub-restaurant-platform/shared/config"
	"dinehub-restaurant-platform/shared/dbx"
	"dinehub-restaurant-platform/shared/logx"
	"dinehub-restaurant-platform/shared/metricsx"
	"dinehub-restaurant-platform/shared/observability"
)

const (
	taskDeadLetterCensus = "events.deadletter.census"
	taskEventRetention   = "events.retention"
)

func main() {
	cfg, problems := config.Load("janitor", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	metricsx.Register()

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	eventsRepo := repos.NewEventsRepo(dbPool, cfg.EventMaxRetries)
	inboxRepo := repos.NewInboxRepo(dbPool)
	bus := eventbus.New(eventsRepo, logger)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	var lastReported int64 = -1

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskDeadLetterCensus, func(ctx context.Context, t *asynq.Task) error {
		count, err := eventsRepo.CountDeadLettered(ctx)
		if err != nil {
			return err
		}
		metricsx.SetDeadLettered(count)
		if count > 0 && count != lastReported {
			event := eventbus.NewEvent("platform.deadletter.report", map[string]any{
				"count":       count,
				"max_retries": cfg.EventMaxRetries,
			})
			if err := bus.Publish(ctx, event); err != nil {
				return err
			}
			logger.Warn(ctx, "deadletter_census", "dead-lettered events present",
				slog.Int64("count", count),
			)
		}
		lastReported = count
		return nil
	})
	mux.HandleFunc(taskEventRetention, func(ctx context.Context, t *asynq.Task) error {
		cutoff := time.Now().UTC().AddDate(0, 0, -cfg.EventRetentionDays)
		pruned, err := eventsRepo.DeleteProcessedBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		inboxPruned, err := inboxRepo.DeleteAppliedBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		if pruned > 0 || inboxPruned > 0 {
			logger.Info(ctx, "event_retention", "pruned processed events",
				slog.Int64("events", pruned),
				slog.Int64("inbox_records", inboxPruned),
				slog.String("cutoff", cutoff.Format(time.RFC3339)),
			)
		}
		return nil
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	defer scheduler.Shutdown()
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.DeadLetterScanSec)+"s",
		asynq.NewTask(taskDeadLetterCensus, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if _, err := scheduler.Register("@every 1h",
		asynq.NewTask(taskEventRetention, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "janitor_start", "janitor started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("deadletter_scan_sec", cfg.DeadLetterScanSec),
			slog.Int("retention_days", cfg.EventRetentionDays),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "janitor_failed", "janitor failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "janitor_stop", "janitor stopped")
}
