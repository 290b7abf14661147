package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScanItems counts ingested items by outcome (ok, duplicate, error).
	ScanItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomscan",
		Name:      "scan_items_total",
		Help:      "Scan items processed by outcome.",
	}, []string{"status"})

	// BatchesRejected counts batches refused before any write.
	BatchesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomscan",
		Name:      "scan_batches_rejected_total",
		Help:      "Scan batches rejected as a whole.",
	}, []string{"reason"})

	// IngestDuration observes the time spent applying one batch.
	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "roomscan",
		Name:      "scan_batch_duration_seconds",
		Help:      "Time to apply a scan batch.",
		Buckets:   prometheus.DefBuckets,
	})

	// SyncPolls counts device status reports.
	SyncPolls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomscan",
		Name:      "device_sync_polls_total",
		Help:      "Device status reports received.",
	})

	// UnlocksDelivered counts force-unlock directives handed to devices.
	UnlocksDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomscan",
		Name:      "force_unlocks_delivered_total",
		Help:      "Force-unlock directives consumed by device polls.",
	})

	// ControlCommands counts administrator commands by action.
	ControlCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomscan",
		Name:      "room_control_commands_total",
		Help:      "Administrator room control commands.",
	}, []string{"action"})

	// FeedEvents counts scan events applied to the recent feed by the worker.
	FeedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomscan",
		Name:      "feed_events_total",
		Help:      "Scan events consumed by the feed worker.",
	}, []string{"result"})
)
