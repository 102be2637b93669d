// Package metrics holds the prometheus collectors of edgestore.
//
// Collectors are registered with the default registry through promauto, so
// importing the package is enough to expose them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RepairEdgesDeleted counts edge versions removed by repair, labeled by
	// policy ("delete" or "write").
	RepairEdgesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgestore_repair_edges_deleted_total",
			Help: "Total number of edge versions removed by edge repair",
		},
		[]string{"policy"},
	)

	// CompactedEdges counts versions moved from the commit log to storage.
	CompactedEdges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgestore_compacted_edges_total",
			Help: "Total number of edge versions moved from the commit log to permanent storage",
		},
	)

	// MetaRepairSubtypesRemoved counts id-type index entries removed.
	MetaRepairSubtypesRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgestore_meta_repair_subtypes_removed_total",
			Help: "Total number of id-type index entries removed by meta repair",
		},
		[]string{"direction"},
	)

	// MetaRepairTypesRemoved counts edge-type index entries removed.
	MetaRepairTypesRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgestore_meta_repair_types_removed_total",
			Help: "Total number of edge-type index entries removed by meta repair",
		},
		[]string{"direction"},
	)

	// NodeDeleteEdges counts edge rows removed by node deletion.
	NodeDeleteEdges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgestore_node_delete_edges_total",
			Help: "Total number of edges removed while deleting nodes",
		},
	)

	// MutationFailures counts mutation batches that failed to execute,
	// labeled by the operation that issued them.
	MutationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgestore_mutation_failures_total",
			Help: "Total number of mutation batches that failed to execute",
		},
		[]string{"op"},
	)

	// EventsDelivered counts event deliveries by kind and outcome
	// ("ok", "retry", "failed").
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgestore_events_delivered_total",
			Help: "Total number of event delivery attempts",
		},
		[]string{"kind", "status"},
	)

	// EventDeliveryDuration measures how long a listener took to handle an
	// event, including retries.
	EventDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgestore_event_delivery_duration_seconds",
			Help:    "Duration of event deliveries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"kind"},
	)

	// PendingEvents tracks events journaled but not yet acknowledged.
	PendingEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgestore_events_pending",
			Help: "Number of journaled events not yet delivered",
		},
	)

	// SweepDuration measures commit log sweeps.
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgestore_sweep_duration_seconds",
			Help:    "Duration of commit log sweeps in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)

	// TombstonesPurged counts tombstones physically removed from the engine.
	TombstonesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgestore_tombstones_purged_total",
			Help: "Total number of tombstones removed after their grace period",
		},
	)

	// StorageBytes reports the on-disk size of the engine, labeled by
	// "lsm" or "vlog".
	StorageBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgestore_storage_bytes",
			Help: "On-disk size of the storage engine in bytes",
		},
		[]string{"part"},
	)
)
