// Package observability holds the service-wide Prometheus collectors. All
// collectors register on Registry, which is the only registry the exposition
// endpoint serves; nothing leaks onto the client library's default registry.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the dedicated registry served at /metrics/prometheus.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// JobsEnqueued counts jobs accepted by the queue.
	JobsEnqueued = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_jobs_enqueued_total",
		Help: "Jobs accepted by the queue",
	}, []string{"kind", "priority"})

	// JobsCompleted counts acked jobs.
	JobsCompleted = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_jobs_completed_total",
		Help: "Jobs completed successfully",
	}, []string{"kind"})

	// JobsRetried counts failures that were re-scheduled with backoff.
	JobsRetried = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_jobs_retried_total",
		Help: "Job failures re-scheduled for retry",
	}, []string{"kind"})

	// JobsDeadLettered counts terminal failures moved to the DLQ.
	JobsDeadLettered = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_jobs_dead_lettered_total",
		Help: "Jobs moved to the dead-letter queue",
	}, []string{"kind", "reason"})

	// HandlerDuration tracks handler execution time by job kind.
	HandlerDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_handler_duration_seconds",
		Help:    "Job handler execution time",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"kind"})

	// BreakerState tracks the API circuit breaker (0=closed, 1=half_open, 2=open).
	BreakerState = factory.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_api_breaker_state",
		Help: "GraphQL client circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	// APIRequests counts GraphQL operations by result.
	APIRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_api_requests_total",
		Help: "GraphQL operations by outcome",
	}, []string{"operation", "result"})

	// CacheHits counts TTL cache hits and misses in the API client.
	CacheHits = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_api_cache_total",
		Help: "API client cache lookups",
	}, []string{"cache", "result"})

	// PubSubMessages counts received pub/sub messages by channel family and result.
	PubSubMessages = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_pubsub_messages_total",
		Help: "Pub/sub messages received",
	}, []string{"channel", "result"})

	// PubSubReconnects counts reconnect attempts on the subscriber connection.
	PubSubReconnects = factory.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_pubsub_reconnects_total",
		Help: "Subscriber reconnect attempts",
	})

	// CronFirings counts periodic task firings by result.
	CronFirings = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_cron_firings_total",
		Help: "Cron task firings",
	}, []string{"task", "result"})

	// CronDuration tracks cron task execution time.
	CronDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_cron_duration_seconds",
		Help:    "Cron task execution time",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"task"})

	// AlertsSent counts dispatched alerts by severity.
	AlertsSent = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_alerts_sent_total",
		Help: "Alerts dispatched to handlers",
	}, []string{"severity"})

	// QueuePromotions counts delayed jobs promoted to the ready lists.
	QueuePromotions = factory.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_queue_promotions_total",
		Help: "Delayed jobs promoted to ready lists",
	})

	// QueueReaped counts reserved jobs returned to the ready lists after
	// their lease expired.
	QueueReaped = factory.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_queue_reaped_total",
		Help: "Expired reservations returned to the queue",
	})

	// RedisLatency tracks queue store roundtrip latency.
	RedisLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})
)
