// Package telemetry holds the process-wide prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PlaceholderFrames counts silence/blank frames sent in place of decoded ones.
	PlaceholderFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "singalong_placeholder_frames_total",
		Help: "Frames substituted with silence or blank video, by kind.",
	}, []string{"kind"})

	// SourceOpens counts media source opens by channel and result.
	SourceOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "singalong_source_opens_total",
		Help: "Media source opens, by channel and result.",
	}, []string{"channel", "result"})

	// QueueLength is the current playback queue length, head included.
	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "singalong_queue_length",
		Help: "Entries in the playback queue.",
	})

	// Advances counts head changes by trigger (skip, eos).
	Advances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "singalong_advances_total",
		Help: "Queue advances, by trigger.",
	}, []string{"trigger"})

	// PersistErrors counts failed queue snapshot writes.
	PersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "singalong_queue_persist_errors_total",
		Help: "Failed queue snapshot writes.",
	})

	// Listeners is the number of connected listeners by transport.
	Listeners = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "singalong_listeners",
		Help: "Connected listeners, by transport (webrtc, ws, http).",
	}, []string{"transport"})

	// DroppedMessages counts fan-out messages dropped for slow listeners.
	DroppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "singalong_broadcast_dropped_total",
		Help: "Broadcast messages dropped because a listener was full.",
	}, []string{"topic"})

	// IngestTasks counts finished ingest tasks by result.
	IngestTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "singalong_ingest_tasks_total",
		Help: "Finished ingest tasks, by result.",
	}, []string{"result"})

	// IngestStageDuration observes the wall time of each ingest stage.
	IngestStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "singalong_ingest_stage_seconds",
		Help:    "Duration of ingest stages.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	// PrefetchWarms counts file cache warm-ups by result.
	PrefetchWarms = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "singalong_prefetch_total",
		Help: "File cache warm-ups, by result (warmed, skipped, failed).",
	}, []string{"result"})

	// DatabaseQueryDuration observes catalog queries by operation and table.
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "singalong_db_query_duration_seconds",
		Help:    "Catalog database operation latency.",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
	}, []string{"operation", "table"})

	// DatabaseErrorsTotal counts failed catalog operations.
	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "singalong_db_errors_total",
		Help: "Failed catalog database operations.",
	}, []string{"operation"})

	// APIRequestsTotal counts HTTP requests.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "singalong_api_requests_total",
		Help: "HTTP requests, by method, route and status.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "singalong_api_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections is the number of in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "singalong_api_active_connections",
		Help: "In-flight HTTP requests.",
	})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
