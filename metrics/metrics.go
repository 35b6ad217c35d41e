package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EntityMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelvault_entity_mutations_total",
			Help: "Total number of entity mutations applied to the store",
		},
		[]string{"kind", "action"},
	)

	StoreRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "intelvault_store_records",
			Help: "Number of records currently held per entity kind",
		},
		[]string{"kind"},
	)

	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelvault_persistence_errors_total",
			Help: "Total number of failed persistence operations",
		},
		[]string{"backend", "operation"},
	)

	QuotaDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelvault_quota_decisions_total",
			Help: "Quota reservation outcomes by resource",
		},
		[]string{"resource", "outcome"},
	)

	QuotaSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "intelvault_quota_sweep_duration_seconds",
			Help:    "Time taken to sweep expired API request buckets",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Notification hub metrics
var (
	DroppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intelvault_notification_dropped_events_total",
			Help: "Events dropped because a subscriber queue overflowed",
		},
	)

	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelvault_notification_delivery_failures_total",
			Help: "Failed subscriber deliveries by reason",
		},
		[]string{"reason"}, // error, panic, timeout, circuit_open
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "intelvault_notification_delivery_duration_seconds",
			Help:    "Time taken by subscriber callbacks",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intelvault_notification_active_subscriptions",
			Help: "Number of registered subscriptions",
		},
	)

	NATSPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intelvault_nats_publish_failures_total",
			Help: "Events that could not be forwarded to NATS",
		},
	)
)

var (
	CorrelationCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intelvault_correlation_cache_hits_total",
			Help: "Correlation lookups served from cache",
		},
	)

	CorrelationCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intelvault_correlation_cache_misses_total",
			Help: "Correlation lookups computed from the store",
		},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelvault_jobs_total",
			Help: "Jobs reaching a terminal state by type and status",
		},
		[]string{"type", "status"},
	)

	FeedPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelvault_feed_polls_total",
			Help: "Feed poll attempts by outcome",
		},
		[]string{"status"},
	)

	FeedIndicatorsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intelvault_feed_indicators_ingested_total",
			Help: "Indicators created from feed polls",
		},
	)
)

// HTTP metrics
var (
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelvault_api_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intelvault_api_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intelvault_api_rate_limit_rejections_total",
			Help: "Requests rejected by the per-tenant rate limiter",
		},
	)
)
