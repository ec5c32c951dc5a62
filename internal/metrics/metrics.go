package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bustracker_ingest_batches_total",
		Help: "Number of ingest requests that reached the gateway",
	})

	// result is one of new, duplicate, rejected
	IngestItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bustracker_ingest_items_total",
		Help: "Waypoints processed by the gateway, by result",
	}, []string{"result"})

	IngestErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bustracker_ingest_store_errors_total",
		Help: "Ingest requests failed by a store error",
	})

	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bustracker_ingest_duration_seconds",
		Help:    "Time taken to ingest one batch",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bustracker_ingest_batch_size",
		Help:    "Number of waypoints per ingest request",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	LastCapture = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bustracker_bus_last_capture_timestamp_seconds",
		Help: "Capture time of the newest waypoint ingested per bus",
	}, []string{"bus_id"})

	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bustracker_stream_clients",
		Help: "Connected live stream clients",
	})
)
