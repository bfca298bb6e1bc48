package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IngestMetrics holds all Prometheus metrics for the event intake services.
type IngestMetrics struct {
	EventsTotal        *prometheus.CounterVec
	BytesTotal         prometheus.Counter
	CacheSize          prometheus.Gauge
	CacheEvictions     prometheus.Gauge
	DispatchTotal      *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	PublishErrors      prometheus.Counter
	WALActive          prometheus.Gauge
	UnhandledErrors    prometheus.Counter
	DeletedEventsTotal *prometheus.CounterVec
}

// NewIngestMetrics creates the metrics and registers them with reg.
func NewIngestMetrics(reg prometheus.Registerer) *IngestMetrics {
	f := promauto.With(reg)
	return &IngestMetrics{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "event_intake",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total number of submitted events by status.",
		}, []string{"status"}), // status: accepted, error_validation, error_store, error_parse, error_size
		BytesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "event_intake",
			Subsystem: "ingest",
			Name:      "metadata_bytes_total",
			Help:      "Total number of serialized metadata bytes accepted.",
		}),
		CacheSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "event_intake",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Number of events held by the recency cache.",
		}),
		CacheEvictions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "event_intake",
			Subsystem: "cache",
			Name:      "evicted_entries",
			Help:      "Number of events evicted from the recency cache by capacity since start.",
		}),
		DispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "event_intake",
			Subsystem: "dispatch",
			Name:      "sends_total",
			Help:      "Total number of vendor sends by vendor and status.",
		}, []string{"vendor", "status"}), // status: ok, error
		DispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "event_intake",
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Duration of vendor sends.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"vendor"}),
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "event_intake",
			Subsystem: "dispatch",
			Name:      "publish_errors_total",
			Help:      "Total number of notifications that could not be handed to the fan-out.",
		}),
		WALActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "event_intake",
			Subsystem: "dispatch",
			Name:      "wal_active_gauge",
			Help:      "Indicates if the Write-Ahead Log is currently active (1 for active, 0 for inactive).",
		}),
		UnhandledErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "event_intake",
			Subsystem: "http",
			Name:      "unhandled_errors_total",
			Help:      "Total number of requests that failed with an unhandled error.",
		}),
		DeletedEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "event_intake",
			Subsystem: "ingest",
			Name:      "deleted_events_total",
			Help:      "Total number of deleted events by store.",
		}, []string{"store"}), // store: db, cache
	}
}
