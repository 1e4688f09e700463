package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Domain events handed to the event bus.",
		},
	)
	eventsPersisted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "events_persisted_total",
			Help: "Domain events durably appended to the event store.",
		},
	)
	eventPersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_persist_failures_total",
			Help: "Event store append failures on the publish path.",
		},
	)
	eventsFallbackQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "events_fallback_queued_total",
			Help: "Events diverted to the in-memory fallback queue.",
		},
	)
	eventsFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "events_fallback_flushed_total",
			Help: "Fallback-queued events later persisted by a flush.",
		},
	)
	fallbackQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "event_fallback_queue_depth",
			Help: "Current depth of the volatile fallback queue.",
		},
	)
	eventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_processed_total",
			Help: "Events fully processed by the dispatcher.",
		},
		[]string{"event_name"},
	)
	eventsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_failed_total",
			Help: "Event processing attempts that ended in failure.",
		},
		[]string{"event_name"},
	)
	eventsDeadLettered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "events_dead_lettered",
			Help: "Events excluded from retry after exhausting the retry budget.",
		},
	)
	dispatchCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_cycle_duration_seconds",
			Help:    "Duration of one dispatcher cycle.",
			Buckets: prometheus.DefBuckets,
		},
	)
	consumerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_consumer_duration_seconds",
			Help:    "Per-consumer handler latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"consumer"},
	)
	tenantScopeBypass = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_scope_bypass_total",
			Help: "Storage operations on tenant-owned entities executed without a tenant in context.",
		},
		[]string{"entity", "operation"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		eventsPublished, eventsPersisted, eventPersistFailures,
		eventsFallbackQueued, eventsFlushed, fallbackQueueDepth,
		eventsProcessed, eventsFailed, eventsDeadLettered,
		dispatchCycleDuration, consumerDuration, tenantScopeBypass,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncEventPublished()      { eventsPublished.Inc() }
func IncEventPersisted()      { eventsPersisted.Inc() }
func IncEventPersistFailure() { eventPersistFailures.Inc() }
func IncEventFallbackQueued() { eventsFallbackQueued.Inc() }
func IncEventFlushed()        { eventsFlushed.Inc() }

func SetFallbackQueueDepth(depth int) {
	fallbackQueueDepth.Set(float64(depth))
}

func IncEventProcessed(eventName string) {
	eventsProcessed.WithLabelValues(eventName).Inc()
}

func IncEventFailed(eventName string) {
	eventsFailed.WithLabelValues(eventName).Inc()
}

func SetDeadLettered(count int64) {
	eventsDeadLettered.Set(float64(count))
}

func ObserveDispatchCycle(d time.Duration) {
	dispatchCycleDuration.Observe(d.Seconds())
}

func ObserveConsumerDuration(consumer string, d time.Duration) {
	consumerDuration.WithLabelValues(consumer).Observe(d.Seconds())
}

func IncTenantScopeBypass(entity string, operation string) {
	tenantScopeBypass.WithLabelValues(entity, operation).Inc()
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
