// Package metrics defines the Prometheus collectors for the cache,
// broadcaster, mood engine and price poller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	// HTTPErrorsTotal tracks HTTP errors by error type
	HTTPErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total HTTP errors by error type",
		},
		[]string{"type"},
	)
)

// Cache metrics
var (
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits in the current enabled-epoch",
		},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses in the current enabled-epoch",
		},
	)

	CacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Entries removed by the periodic expiry sweep",
		},
	)

	CacheKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_keys",
			Help: "Current number of live cache entries",
		},
	)

	CacheProducerFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_producer_failures_total",
			Help: "Wrapped producer invocations that returned an error",
		},
	)
)

// Broadcaster metrics
var (
	BroadcasterConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcaster_connected_clients",
			Help: "Number of currently connected WebSocket clients",
		},
	)

	BroadcasterMessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcaster_messages_sent_total",
			Help: "Broadcast envelopes delivered, by topic",
		},
		[]string{"topic"},
	)

	BroadcasterSlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_slow_clients_evicted_total",
			Help: "Clients evicted because their send buffer was full",
		},
	)

	BroadcasterHeartbeatTerminations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_heartbeat_terminations_total",
			Help: "Clients terminated for missing heartbeat probes",
		},
	)

	BroadcasterPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_panics_total",
			Help: "Broadcaster panic recoveries",
		},
	)
)

// Mood engine metrics
var (
	MoodTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mood_transitions_total",
			Help: "Accepted point deltas, by resulting mood band",
		},
		[]string{"mood"},
	)

	MoodPoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mood_points",
			Help: "Current bounded mood score",
		},
	)

	MoodResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mood_resets_total",
			Help: "Mood reset operations",
		},
	)

	MoodSnapshotFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mood_snapshot_failures_total",
			Help: "Best-effort snapshot persistence failures",
		},
	)
)

// Price poller metrics
var (
	PricePollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_polls_total",
			Help: "Price poll outcomes by status",
		},
		[]string{"status"},
	)

	PriceProviderBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "price_provider_breaker_state",
			Help: "Circuit breaker state for the price provider (0=closed, 1=half-open, 2=open)",
		},
	)
)
