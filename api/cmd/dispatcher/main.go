package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"dinehub-restaurant-platform/api/internal/eventbus"
	"dinehub-restaurant-platform/api/internal/repos"
	"dinehub-restaurant-platform/shared/cachex"
	"dinehub-restaurant-platform/shared/config"
	"dinehub-restaurant-platform/shared/dbx"
	"dinehub-restaurant-platform/shared/httpx"
	"dinehub-restaurant-platform/shared/influxx"
	"dinehub-restaurant-platform/shared/lockx"
	"dinehub-restaurant-platform/shared/logx"
	"dinehub-restaurant-platform/shared/metricsx"
	"dinehub-restaurant-platform/shared/mqx"
	"dinehub-restaurant-platform/shared/observability"
)

const leaderLockKey = "dinehub:dispatcher:leader"

func main() {
	cfg, problems := config.Load("dispatcher", 8081)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.RelayEnabled && len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required when RELAY_ENABLED"})
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

	if cfg.RelayEnabled {
		producer, perr := mqx.NewProducer(cfg)
		if perr != nil {
			logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", perr.Error()),
			)
			os.Exit(1)
		}
		defer producer.Close()
		eventbus.RegisterKafkaRelay(bus, producer, cfg.RelayTopicPrefix)
	}

	bus.Subscribe("platform.deadletter.report", "deadletter-alert", func(ctx context.Context, event eventbus.DomainEvent) error {
		logger.Error(ctx, "deadletter_report", "events stuck in dead-letter",
			slog.Any("count", event.Data["count"]),
		)
		return nil
	})

	var influx *influxx.Client
	if cfg.InfluxURL != "" {
		influx, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "cycle stats export disabled",
				slog.String("error", err.Error()),
			)
		} else {
			defer influx.Close()
		}
	}

	hostname, _ := os.Hostname()
	owner := hostname + "/" + strconv.Itoa(os.Getpid())

	dispatcher := eventbus.NewDispatcher(bus, eventsRepo, inboxRepo, logger, eventbus.DispatcherOptions{
		Owner:          owner,
		BatchSize:      cfg.DispatchBatchSize,
		IdleSleep:      time.Duration(cfg.DispatchIdleSleepMS) * time.Millisecond,
		HandlerTimeout: time.Duration(cfg.HandlerTimeoutMS) * time.Millisecond,
		OnCycle: func(result eventbus.CycleResult) {
			if influx == nil || result.Claimed == 0 && result.Flushed == 0 {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.InfluxTimeoutMS)*time.Millisecond)
			defer cancel()
			_ = influx.WritePoint(ctx, "dispatch_cycle",
				map[string]string{"owner": owner, "env": cfg.Env},
				map[string]any{
					"flushed":     result.Flushed,
					"claimed":     result.Claimed,
					"processed":   result.Processed,
					"failed":      result.Failed,
					"duration_ms": result.Duration.Milliseconds(),
				},
				time.Now().UTC(),
			)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Health and metrics surface for the dispatcher process.
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsx.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"service": cfg.ServiceName,
			"stats":   bus.Stats(),
		})
	})
	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if serr := server.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "health server failed",
				slog.String("error", serr.Error()),
			)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if cfg.RedisAddr != "" {
		runWithLeaderLock(ctx, cfg, logger, dispatcher)
	} else {
		// No Redis: run unguarded. Concurrent dispatchers are still safe
		// through SKIP LOCKED claims; the lock only avoids wasted polling.
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(context.Background(), "dispatcher_failed", "dispatcher stopped",
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "service_stop", "dispatcher stopped")
}

// runWithLeaderLock competes for the leader lock and runs the dispatch
// loop only while holding it. Losing the lease cancels the loop and
// re-enters the competition.
func runWithLeaderLock(ctx context.Context, cfg config.Config, logger logx.Logger, dispatcher *eventbus.Dispatcher) {
	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "cannot compete for leader lock",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer cache.Close()
	client := cache.Client()
	ttl := time.Duration(cfg.DispatchLockTTLSec) * time.Second

	for ctx.Err() == nil {
		lock, acquired, err := lockx.Acquire(ctx, client, leaderLockKey, ttl)
		if err != nil {
			logger.Warn(ctx, "leader_lock_error", "lock acquisition failed",
				slog.String("error", err.Error()),
			)
		}
		if !acquired {
			select {
			case <-ctx.Done():
				return
			case <-time.After(ttl / 3):
			}
			continue
		}

		logger.Info(ctx, "leader_acquired", "dispatching as leader",
			slog.String("lock_key", leaderLockKey),
		)
		leaderCtx, cancel := context.WithCancel(ctx)

		go func() {
			ticker := time.NewTicker(ttl / 3)
			defer ticker.Stop()
			for {
				select {
				case <-leaderCtx.Done():
					return
				case <-ticker.C:
					held, err := lockx.Extend(leaderCtx, client, lock)
					if err != nil || !held {
						logger.Warn(leaderCtx, "leader_lost", "leader lease lost, stopping dispatch loop")
						cancel()
						return
					}
				}
			}
		}()

		_ = dispatcher.Run(leaderCtx)
		cancel()
		_ = lockx.Release(context.Background(), client, lock)
	}
}
