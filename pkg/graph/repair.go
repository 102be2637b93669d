package graph

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/edgestore/pkg/metrics"
	"github.com/orneryd/edgestore/pkg/pool"
	"github.com/orneryd/edgestore/pkg/storage"
)

// deletePolicy decides whether a stored version of an edge is obsolete with
// respect to the reference edge.
type deletePolicy func(candidate, reference storage.MarkedEdge) bool

// deleteUpTo selects every version up to and including the reference.
func deleteUpTo(candidate, reference storage.MarkedEdge) bool {
	return storage.CompareVersions(candidate.Version, reference.Version) <= 0
}

// deleteOlder selects every version strictly older than the reference.
func deleteOlder(candidate, reference storage.MarkedEdge) bool {
	return storage.CompareVersions(candidate.Version, reference.Version) < 0
}

// EdgeRepair removes obsolete versions of one (source, type, target) triple
// from one edge tier.
//
// The versions are read from both the source-side and the target-side
// version rows, since an interrupted write or delete may have left them
// out of step. The two streams are merged newest first, duplicates dropped,
// and every version the policy selects is deleted, one batch per page.
type EdgeRepair struct {
	name   string
	policy deletePolicy
	edges  storage.EdgeSerialization
	sched  *Scheduler
	pages  *pool.SlicePool[storage.MarkedEdge]
	config Config
	logger logrus.FieldLogger
}

// NewEdgeDeleteRepair creates a repair that removes the reference version and
// everything older. It cleans up after a delete.
func NewEdgeDeleteRepair(edges storage.EdgeSerialization, sched *Scheduler, pages *pool.SlicePool[storage.MarkedEdge], cfg Config, logger logrus.FieldLogger) *EdgeRepair {
	return newEdgeRepair("delete", deleteUpTo, edges, sched, pages, cfg, logger)
}

// NewEdgeWriteRepair creates a repair that removes every version older than
// the reference and never the reference itself. It cleans up after a write
// superseded older versions.
func NewEdgeWriteRepair(edges storage.EdgeSerialization, sched *Scheduler, pages *pool.SlicePool[storage.MarkedEdge], cfg Config, logger logrus.FieldLogger) *EdgeRepair {
	return newEdgeRepair("write", deleteOlder, edges, sched, pages, cfg, logger)
}

func newEdgeRepair(name string, policy deletePolicy, edges storage.EdgeSerialization, sched *Scheduler, pages *pool.SlicePool[storage.MarkedEdge], cfg Config, logger logrus.FieldLogger) *EdgeRepair {
	cfg = cfg.withDefaults()
	if pages == nil {
		pages = pool.NewSlicePool[storage.MarkedEdge](cfg.ScanPageSize)
	}
	return &EdgeRepair{
		name:   name,
		policy: policy,
		edges:  edges,
		sched:  sched,
		pages:  pages,
		config: cfg,
		logger: logger.WithFields(logrus.Fields{
			"action": "edge_repair",
			"policy": name,
			"tier":   edges.Tier().String(),
		}),
	}
}

// Repair deletes the obsolete versions of edge's triple, stamping the deletes
// with timestamp, and returns the versions it deleted. Running it again on a
// repaired edge finds nothing and executes no mutation.
func (r *EdgeRepair) Repair(ctx context.Context, scope storage.Scope, edge storage.MarkedEdge, timestamp int64) ([]storage.MarkedEdge, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := edge.Validate(); err != nil {
		return nil, err
	}
	if err := storage.ValidateTimestamp(timestamp, "timestamp"); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	search := storage.SearchByEdge{
		SourceNode:   edge.SourceNode,
		Type:         edge.Type,
		TargetNode:   edge.TargetNode,
		MaxTimestamp: edge.Timestamp(),
		Order:        storage.OrderDescending,
	}
	fromSource := subscribe(ctx, r.sched, r.edges.GetEdgeVersionsFromSource(ctx, scope, search))
	toTarget := subscribe(ctx, r.sched, r.edges.GetEdgeVersionsToTarget(ctx, scope, search))

	versions := mergeOrdered(ctx, fromSource, toTarget, newestFirst)

	buf := r.pages.Get()
	defer r.pages.Put(buf)

	var deleted []storage.MarkedEdge
	obsolete := func(yield func(storage.MarkedEdge, error) bool) {
		for v, err := range versions {
			if err != nil {
				yield(v, err)
				return
			}
			if !r.policy(v, edge) {
				continue
			}
			if !yield(v, nil) {
				return
			}
		}
	}

	for page, err := range pages(obsolete, r.config.ScanPageSize, buf) {
		if err != nil {
			return deleted, fmt.Errorf("scanning versions of %s: %w", edge.Edge, err)
		}

		batch, err := r.deleteBatch(scope, page, timestamp)
		if err != nil {
			return deleted, err
		}
		if err := batch.Execute(ctx); err != nil {
			metrics.MutationFailures.WithLabelValues("edge_repair").Inc()
			return deleted, fmt.Errorf("repairing %s: %w", edge.Edge, err)
		}

		deleted = append(deleted, page...)
		metrics.RepairEdgesDeleted.WithLabelValues(r.name).Add(float64(len(page)))
		r.logger.WithFields(logrus.Fields{"edge": edge.Edge.String(), "deleted": len(page)}).Debug("deleted obsolete edge versions")
	}
	return deleted, nil
}

func (r *EdgeRepair) deleteBatch(scope storage.Scope, page []storage.MarkedEdge, timestamp int64) (*storage.MutationBatch, error) {
	var batch *storage.MutationBatch
	for _, e := range page {
		m, err := r.edges.DeleteEdge(scope, e, timestamp)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			batch = m
			continue
		}
		batch.Merge(m)
	}
	return batch, nil
}

// newestFirst orders versions of one triple the way descending scans
// return them.
func newestFirst(a, b storage.MarkedEdge) int {
	return storage.CompareVersions(b.Version, a.Version)
}
