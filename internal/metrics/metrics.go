// Package metrics exposes the Prometheus gauges and counters backing
// GET /metrics, kept separate from internal/queue so the queue package
// itself never imports the Prometheus client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// QueueDepth reports the current row count per (source, status), refreshed
// periodically from queue.Health by the supervisor's metrics collector job.
var QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "connector",
	Subsystem: "queue",
	Name:      "depth",
	Help:      "Number of queue_items rows per source and status.",
}, []string{"source", "status"})

// ItemsProcessedTotal counts dispatcher outcomes per source: "completed" or
// "failed" (a failure that is retried and one that dead-letters share the
// "failed" label).
var ItemsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "connector",
	Subsystem: "dispatcher",
	Name:      "items_processed_total",
	Help:      "Total queue items processed by the dispatcher, by source and outcome.",
}, []string{"source", "outcome"})

// ProcessingDuration observes the wall-clock time a dispatcher worker spent
// normalizing and upserting a single item, by source.
var ProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "connector",
	Subsystem: "dispatcher",
	Name:      "item_processing_seconds",
	Help:      "Time spent normalizing and upserting a single queue item.",
	Buckets:   prometheus.DefBuckets,
}, []string{"source"})

// ReconcilerEnqueuedTotal counts records the backfill reconciler has
// enqueued per source, a direct measure of backfill throughput separate
// from webhook-driven enqueues.
var ReconcilerEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "connector",
	Subsystem: "reconciler",
	Name:      "enqueued_total",
	Help:      "Total records enqueued by the backfill reconciler, by source.",
}, []string{"source"})
