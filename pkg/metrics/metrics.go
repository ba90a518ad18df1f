package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// File Watcher metrics
	WatcherEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_watcher_events_total",
			Help: "Total number of file change events observed by kind",
		},
		[]string{"kind"},
	)

	WatcherResyncsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_watcher_resyncs_total",
			Help: "Total number of forced resyncs after a watch handle was lost and reattached",
		},
	)

	// Delta Engine metrics
	DeltaMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_delta_messages_total",
			Help: "Total number of snapshot/delta messages emitted by source",
		},
		[]string{"source"},
	)

	DeltaSequence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_delta_sequence",
			Help: "Latest sequence number emitted per identifier",
		},
		[]string{"identifier"},
	)

	// Subscription Hub metrics
	HubSubscribersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_hub_subscribers",
			Help: "Current number of attached subscribers per identifier",
		},
		[]string{"identifier"},
	)

	HubMessagesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_hub_messages_dropped_total",
			Help: "Total number of messages dropped under the drop-oldest-delta backpressure policy",
		},
	)

	HubSubscribersEvictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_hub_subscribers_evicted_total",
			Help: "Total number of subscribers evicted (queue overflow, keepalive timeout, or read failure)",
		},
	)

	// Historical API metrics
	HistoricalRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_historical_requests_total",
			Help: "Total number of Historical API requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	HistoricalRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_historical_request_duration_seconds",
			Help:    "Historical API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Archive Reader metrics
	ArchiveBytesReadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_archive_bytes_read_total",
			Help: "Total number of bytes read from the tick archive",
		},
	)

	ArchivePathRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_archive_path_rejections_total",
			Help: "Total number of archive read requests rejected for escaping the archive root",
		},
	)

	// Symbol Registry metrics
	RegistryActiveSymbols = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_registry_active_symbols",
			Help: "Number of symbol records currently active in the registry",
		},
	)

	RegistryRolloverDays = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_registry_rollover_days",
			Help: "Days remaining until a role's configured rollover, by role",
		},
		[]string{"role"},
	)
)

func init() {
	prometheus.MustRegister(
		WatcherEventsTotal,
		WatcherResyncsTotal,
		DeltaMessagesTotal,
		DeltaSequence,
		HubSubscribersTotal,
		HubMessagesDroppedTotal,
		HubSubscribersEvictedTotal,
		HistoricalRequestsTotal,
		HistoricalRequestDuration,
		ArchiveBytesReadTotal,
		ArchivePathRejectionsTotal,
		RegistryActiveSymbols,
		RegistryRolloverDays,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
