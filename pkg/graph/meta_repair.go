package graph

import (
	"context"
	"fmt"
	"iter"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/edgestore/pkg/metrics"
	"github.com/orneryd/edgestore/pkg/storage"
)

// cleanSerialization is one direction of the metadata indexes. The source
// strategy works on the edges leaving a node, the target strategy on the
// edges arriving at it.
type cleanSerialization interface {
	direction() string
	loadEdgeSubTypes(ctx context.Context, scope storage.Scope, node storage.Id, edgeType string) iter.Seq2[string, error]
	loadEdges(ctx context.Context, edges storage.EdgeSerialization, scope storage.Scope, node storage.Id, edgeType, subType string, maxTimestamp int64) iter.Seq2[storage.MarkedEdge, error]
	removeEdgeSubType(scope storage.Scope, node storage.Id, edgeType, subType string, timestamp int64) (*storage.MutationBatch, error)
	removeEdgeType(scope storage.Scope, node storage.Id, edgeType string, timestamp int64) (*storage.MutationBatch, error)
}

type sourceStrategy struct {
	meta storage.EdgeMetadataSerialization
}

func (sourceStrategy) direction() string { return "source" }

func (s sourceStrategy) loadEdgeSubTypes(ctx context.Context, scope storage.Scope, node storage.Id, edgeType string) iter.Seq2[string, error] {
	return s.meta.GetIdTypesFromSource(ctx, scope, storage.SearchIdType{
		SearchEdgeType: storage.SearchEdgeType{Node: node},
		Type:           edgeType,
	})
}

func (sourceStrategy) loadEdges(ctx context.Context, edges storage.EdgeSerialization, scope storage.Scope, node storage.Id, edgeType, subType string, maxTimestamp int64) iter.Seq2[storage.MarkedEdge, error] {
	return edges.GetEdgesFromSourceByTargetType(ctx, scope, storage.SearchByIdType{
		SearchByEdgeType: storage.SearchByEdgeType{
			Node:         node,
			Type:         edgeType,
			MaxTimestamp: maxTimestamp,
		},
		IdType: subType,
	})
}

func (s sourceStrategy) removeEdgeSubType(scope storage.Scope, node storage.Id, edgeType, subType string, timestamp int64) (*storage.MutationBatch, error) {
	return s.meta.RemoveIdTypeFromSource(scope, node, edgeType, subType, timestamp)
}

func (s sourceStrategy) removeEdgeType(scope storage.Scope, node storage.Id, edgeType string, timestamp int64) (*storage.MutationBatch, error) {
	return s.meta.RemoveEdgeTypeFromSource(scope, node, edgeType, timestamp)
}

type targetStrategy struct {
	meta storage.EdgeMetadataSerialization
}

func (targetStrategy) direction() string { return "target" }

func (s targetStrategy) loadEdgeSubTypes(ctx context.Context, scope storage.Scope, node storage.Id, edgeType string) iter.Seq2[string, error] {
	return s.meta.GetIdTypesToTarget(ctx, scope, storage.SearchIdType{
		SearchEdgeType: storage.SearchEdgeType{Node: node},
		Type:           edgeType,
	})
}

func (targetStrategy) loadEdges(ctx context.Context, edges storage.EdgeSerialization, scope storage.Scope, node storage.Id, edgeType, subType string, maxTimestamp int64) iter.Seq2[storage.MarkedEdge, error] {
	return edges.GetEdgesToTargetBySourceType(ctx, scope, storage.SearchByIdType{
		SearchByEdgeType: storage.SearchByEdgeType{
			Node:         node,
			Type:         edgeType,
			MaxTimestamp: maxTimestamp,
		},
		IdType: subType,
	})
}

func (s targetStrategy) removeEdgeSubType(scope storage.Scope, node storage.Id, edgeType, subType string, timestamp int64) (*storage.MutationBatch, error) {
	return s.meta.RemoveIdTypeToTarget(scope, node, edgeType, subType, timestamp)
}

func (s targetStrategy) removeEdgeType(scope storage.Scope, node storage.Id, edgeType string, timestamp int64) (*storage.MutationBatch, error) {
	return s.meta.RemoveEdgeTypeToTarget(scope, node, edgeType, timestamp)
}

// EdgeMetaRepair removes edge-type and id-type index entries of a node that
// no longer have an edge behind them.
//
// For every id type recorded under (node, edge type) it checks whether at
// least one edge of that id type exists in either tier with a timestamp up
// to the cutoff. Id types without one are removed. When no id type is left
// alive the edge type itself is removed. Every removal is stamped with the
// cutoff, so an entry re-asserted by a write newer than the cutoff survives.
type EdgeMetaRepair struct {
	tiers  []storage.EdgeSerialization
	source cleanSerialization
	target cleanSerialization
	sched  *Scheduler
	config Config
	logger logrus.FieldLogger
}

// NewEdgeMetaRepair creates a metadata repair over stores.
func NewEdgeMetaRepair(stores Stores, sched *Scheduler, cfg Config, logger logrus.FieldLogger) *EdgeMetaRepair {
	return &EdgeMetaRepair{
		tiers:  stores.tiers(),
		source: sourceStrategy{meta: stores.Metadata},
		target: targetStrategy{meta: stores.Metadata},
		sched:  sched,
		config: cfg.withDefaults(),
		logger: logger.WithField("action", "meta_repair"),
	}
}

// RepairSources repairs the index entries of edges leaving node. It returns
// the number of id types still alive; 0 means the edge type was removed.
func (r *EdgeMetaRepair) RepairSources(ctx context.Context, scope storage.Scope, node storage.Id, edgeType string, maxTimestamp int64) (int, error) {
	return r.repair(ctx, r.source, scope, node, edgeType, maxTimestamp)
}

// RepairTargets repairs the index entries of edges arriving at node.
func (r *EdgeMetaRepair) RepairTargets(ctx context.Context, scope storage.Scope, node storage.Id, edgeType string, maxTimestamp int64) (int, error) {
	return r.repair(ctx, r.target, scope, node, edgeType, maxTimestamp)
}

func (r *EdgeMetaRepair) repair(ctx context.Context, strategy cleanSerialization, scope storage.Scope, node storage.Id, edgeType string, maxTimestamp int64) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	if err := node.Validate(); err != nil {
		return 0, err
	}
	if edgeType == "" {
		return 0, fmt.Errorf("%w: edge type is required", storage.ErrInvalidSearch)
	}
	if err := storage.ValidateTimestamp(maxTimestamp, "max timestamp"); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dir := strategy.direction()
	logger := r.logger.WithFields(logrus.Fields{
		"direction": dir,
		"node":      node.String(),
		"edge_type": edgeType,
	})

	subTypes := subscribe(ctx, r.sched, strategy.loadEdgeSubTypes(ctx, scope, node, edgeType))
	buf := make([]string, 0, r.config.RepairConcurrentSize)

	live := 0
	for page, err := range pages(drain(ctx, subTypes), r.config.RepairConcurrentSize, buf) {
		if err != nil {
			return live, fmt.Errorf("loading id types of %s %s: %w", node, edgeType, err)
		}

		alive := make([]bool, len(page))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.config.RepairConcurrentSize)
		for i, subType := range page {
			g.Go(func() error {
				ok, err := r.exists(gctx, strategy, scope, node, edgeType, subType, maxTimestamp)
				alive[i] = ok
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return live, fmt.Errorf("checking id types of %s %s: %w", node, edgeType, err)
		}

		var batch *storage.MutationBatch
		removed := 0
		for i, subType := range page {
			if alive[i] {
				live++
				continue
			}
			m, err := strategy.removeEdgeSubType(scope, node, edgeType, subType, maxTimestamp)
			if err != nil {
				return live, err
			}
			batch = batch.Merge(m)
			removed++
		}
		if removed == 0 {
			continue
		}
		if err := batch.Execute(ctx); err != nil {
			metrics.MutationFailures.WithLabelValues("meta_repair").Inc()
			return live, fmt.Errorf("removing id types of %s %s: %w", node, edgeType, err)
		}
		metrics.MetaRepairSubtypesRemoved.WithLabelValues(dir).Add(float64(removed))
		logger.WithField("removed", removed).Debug("removed id types")
	}

	if live > 0 {
		return live, nil
	}

	m, err := strategy.removeEdgeType(scope, node, edgeType, maxTimestamp)
	if err != nil {
		return 0, err
	}
	if err := m.Execute(ctx); err != nil {
		metrics.MutationFailures.WithLabelValues("meta_repair").Inc()
		return 0, fmt.Errorf("removing edge type %s of %s: %w", edgeType, node, err)
	}
	metrics.MetaRepairTypesRemoved.WithLabelValues(dir).Inc()
	logger.Debug("removed edge type")
	return 0, nil
}

// exists reports whether any edge of subType is stored in either tier.
// Tombstoned versions count: they still need their own repair, which relies
// on the index to find them.
func (r *EdgeMetaRepair) exists(ctx context.Context, strategy cleanSerialization, scope storage.Scope, node storage.Id, edgeType, subType string, maxTimestamp int64) (bool, error) {
	for _, edges := range r.tiers {
		_, found, err := first(ctx, r.sched, strategy.loadEdges(ctx, edges, scope, node, edgeType, subType, maxTimestamp))
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}
