// The bridge drains the ingest topics the gateway publishes to and
// appends each envelope to the durable event log, where the dispatcher
// picks it up like any internally published event. The envelope's event
// ID is reused as the log row's primary key, so redelivered Kafka
// messages land exactly once.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"dinehub-restaurant-platform/api/internal/models"
	"dinehub-restaurant-platform/api/internal/repos"
	"dinehub-restaurant-platform/shared/config"
	"dinehub-restaurant-platform/shared/dbx"
	"dinehub-restaurant-platform/shared/events"
	"dinehub-restaurant-platform/shared/httpx"
	"dinehub-restaurant-platform/shared/logx"
	"dinehub-restaurant-platform/shared/metricsx"
	"dinehub-restaurant-platform/shared/mqx"
	"dinehub-restaurant-platform/shared/observability"
)

const pgUniqueViolation = "23505"

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, problems := config.Load("bridge", 8091)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if len(cfg.IngestTopics) == 0 {
		problems = append(problems, config.Problem{Field: "INGEST_TOPICS", Message: "INGEST_TOPICS is required"})
	}
	if strings.TrimSpace(cfg.IngestGroupID) == "" {
		problems = append(problems, config.Problem{Field: "INGEST_GROUP_ID", Message: "INGEST_GROUP_ID is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	var shutdownTracer func(context.Context) error
	if cfg.OtelEnabled {
		var err error
		shutdownTracer, err = observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		})
		if err != nil {
			logger.Error(context.Background(), "otel_init_failed", "otel init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
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

	var ingested, skipped atomic.Int64

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, topic := range cfg.IngestTopics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		reader, rerr := mqx.NewConsumer(cfg, topic, cfg.IngestGroupID)
		if rerr != nil {
			logger.Error(context.Background(), "kafka_init_failed", "consumer init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", rerr.Error()),
				slog.String("topic", topic),
			)
			os.Exit(1)
		}
		wg.Add(1)
		go func(t string, r *kafka.Reader) {
			defer wg.Done()
			defer r.Close()
			runIngestConsumer(ctx, logger, eventsRepo, t, r, &ingested, &skipped)
		}(topic, reader)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"service":  cfg.ServiceName,
			"env":      cfg.Env,
			"version":  version,
			"ingested": ingested.Load(),
			"skipped":  skipped.Load(),
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if perr := dbx.Ping(r.Context(), dbPool); perr != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "database unreachable", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	handler := httpx.WrapServeMux(mux, notFound)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.String("group_id", cfg.IngestGroupID),
			slog.Int("topics", len(cfg.IngestTopics)),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	cancel()
	wg.Wait()
	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func runIngestConsumer(ctx context.Context, logger logx.Logger, store *repos.EventsRepo, topic string, reader *kafka.Reader, ingested *atomic.Int64, skipped *atomic.Int64) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error(ctx, "ingest_consume_failed", "failed to consume message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
				slog.String("topic", topic),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		stored, err := storedEventFromMessage(msg)
		if err != nil {
			// Undecodable messages are logged and committed; retrying
			// them can never succeed and would wedge the partition.
			logger.Warn(ctx, "ingest_decode_failed", "dropping undecodable message",
				slog.String("error", err.Error()),
				slog.String("topic", topic),
				slog.Int64("offset", msg.Offset),
			)
			skipped.Add(1)
		} else if _, err := store.Append(ctx, stored); err != nil {
			if isUniqueViolation(err) {
				skipped.Add(1)
			} else {
				logger.Error(ctx, "ingest_append_failed", "failed to append event",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
					slog.String("topic", topic),
				)
				time.Sleep(500 * time.Millisecond)
				continue
			}
		} else {
			ingested.Add(1)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "ingest_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
				slog.String("topic", topic),
			)
		}
	}
}

// storedEventFromMessage converts one Kafka message into a pending event
// log row. The envelope payload is merged with the standard envelope keys
// so consumers see the same payload shape as internally published events.
func storedEventFromMessage(msg kafka.Message) (models.StoredEvent, error) {
	var envelope events.Envelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return models.StoredEvent{}, errors.New("invalid envelope json")
	}
	if envelope.EventID == uuid.Nil {
		return models.StoredEvent{}, errors.New("envelope missing event_id")
	}
	if envelope.EventType == "" {
		return models.StoredEvent{}, errors.New("envelope missing event_type")
	}

	data := map[string]any{}
	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, &data); err != nil || data == nil {
			data = map[string]any{"data": json.RawMessage(envelope.Payload)}
		}
	}
	if envelope.LocationID != "" {
		data["location_id"] = envelope.LocationID
	}
	if envelope.Channel != "" {
		data["channel"] = envelope.Channel
	}
	data["event_id"] = envelope.EventID.String()
	data["timestamp"] = envelope.OccurredAt.UTC().Format(time.RFC3339Nano)
	data["user_id"] = nil

	payload, err := json.Marshal(data)
	if err != nil {
		return models.StoredEvent{}, err
	}

	tenantID := envelope.TenantID
	aggregateType := envelope.AggregateType
	aggregateID := envelope.AggregateID
	return models.StoredEvent{
		EventID:       envelope.EventID,
		TenantID:      &tenantID,
		EventName:     envelope.EventType,
		AggregateType: &aggregateType,
		AggregateID:   &aggregateID,
		Payload:       payload,
		OccurredAt:    envelope.OccurredAt,
	}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
