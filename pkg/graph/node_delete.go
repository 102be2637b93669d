package graph

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/edgestore/pkg/events"
	"github.com/orneryd/edgestore/pkg/metrics"
	"github.com/orneryd/edgestore/pkg/pool"
	"github.com/orneryd/edgestore/pkg/storage"
)

// nodeType is one (node, edge type) entry of the metadata index.
type nodeType struct {
	node     storage.Id
	edgeType string
}

// NodeDeleteListener removes every edge of a node marked deleted.
//
// The node's marker caps the work: only edges with a version up to the
// marker are removed, so edges written after the node was re-created
// survive. Edges are removed from both tiers, since compaction may be moving
// them while the listener runs. After each page the metadata of every node
// the page touched is repaired. Once all edges are gone the marker itself is
// removed.
type NodeDeleteListener struct {
	stores     Stores
	metaRepair *EdgeMetaRepair
	sched      *Scheduler
	pages      *pool.SlicePool[storage.MarkedEdge]
	config     Config
	logger     logrus.FieldLogger
}

// NewNodeDeleteListener creates the listener.
func NewNodeDeleteListener(stores Stores, metaRepair *EdgeMetaRepair, sched *Scheduler, pages *pool.SlicePool[storage.MarkedEdge], cfg Config, logger logrus.FieldLogger) *NodeDeleteListener {
	cfg = cfg.withDefaults()
	if pages == nil {
		pages = pool.NewSlicePool[storage.MarkedEdge](cfg.ScanPageSize)
	}
	return &NodeDeleteListener{
		stores:     stores,
		metaRepair: metaRepair,
		sched:      sched,
		pages:      pages,
		config:     cfg,
		logger:     logger.WithField("action", "node_delete"),
	}
}

// Receive handles e and returns the number of edges removed. A node without
// a marker was already handled and yields 0.
func (l *NodeDeleteListener) Receive(ctx context.Context, e events.NodeDeleteEvent) (int, error) {
	if err := e.Envelope().Validate(); err != nil {
		return 0, err
	}
	scope, node := e.Scope, e.Node
	logger := l.logger.WithField("node", node.String())

	var (
		maxVersion uuid.UUID
		found      bool
	)
	err := l.sched.Do(ctx, func() error {
		var err error
		maxVersion, found, err = l.stores.Nodes.GetMaxVersion(ctx, scope, node)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("loading marker of %s: %w", node, err)
	}
	if !found {
		logger.Debug("node has no marker, nothing to delete")
		return 0, nil
	}
	maxTimestamp := storage.VersionTimestamp(maxVersion)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	edges := fanIn(ctx,
		flatten(ctx, subscribe(ctx, l.sched, l.stores.Metadata.GetEdgeTypesFromSource(ctx, scope, storage.SearchEdgeType{Node: node})),
			func(ctx context.Context, edgeType string) iter.Seq2[storage.MarkedEdge, error] {
				return l.mergedEdges(ctx, targetColumnOrder, func(s storage.EdgeSerialization) iter.Seq2[storage.MarkedEdge, error] {
					return s.GetEdgesFromSource(ctx, scope, storage.SearchByEdgeType{Node: node, Type: edgeType, MaxTimestamp: maxTimestamp})
				})
			}),
		flatten(ctx, subscribe(ctx, l.sched, l.stores.Metadata.GetEdgeTypesToTarget(ctx, scope, storage.SearchEdgeType{Node: node})),
			func(ctx context.Context, edgeType string) iter.Seq2[storage.MarkedEdge, error] {
				return l.mergedEdges(ctx, sourceColumnOrder, func(s storage.EdgeSerialization) iter.Seq2[storage.MarkedEdge, error] {
					return s.GetEdgesToTarget(ctx, scope, storage.SearchByEdgeType{Node: node, Type: edgeType, MaxTimestamp: maxTimestamp})
				})
			}),
	)

	// A self loop shows up in both directions.
	seenLoops := make(map[storage.Edge]struct{})
	unique := func(yield func(storage.MarkedEdge, error) bool) {
		for edge, err := range drain(ctx, edges) {
			if err == nil && edge.SourceNode == edge.TargetNode {
				if _, ok := seenLoops[edge.Edge]; ok {
					continue
				}
				seenLoops[edge.Edge] = struct{}{}
			}
			if !yield(edge, err) || err != nil {
				return
			}
		}
	}

	buf := l.pages.Get()
	defer l.pages.Put(buf)

	deleted := 0
	for page, err := range pages(unique, l.config.ScanPageSize, buf) {
		if err != nil {
			return deleted, fmt.Errorf("scanning edges of %s: %w", node, err)
		}

		var batch *storage.MutationBatch
		sources := make(map[nodeType]struct{})
		targets := make(map[nodeType]struct{})
		for _, edge := range page {
			for _, tier := range l.stores.tiers() {
				m, err := tier.DeleteEdge(scope, edge, e.Timestamp)
				if err != nil {
					return deleted, err
				}
				batch = batch.Merge(m)
			}
			sources[nodeType{node: edge.SourceNode, edgeType: edge.Type}] = struct{}{}
			targets[nodeType{node: edge.TargetNode, edgeType: edge.Type}] = struct{}{}
		}

		if err := batch.Execute(ctx); err != nil {
			metrics.MutationFailures.WithLabelValues("node_delete").Inc()
			return deleted, fmt.Errorf("deleting edges of %s: %w", node, err)
		}
		deleted += len(page)
		metrics.NodeDeleteEdges.Add(float64(len(page)))
		logger.WithField("count", len(page)).Debug("deleted edges")

		if err := l.repairMetadata(ctx, scope, sources, targets, maxTimestamp); err != nil {
			return deleted, err
		}
	}

	// Types of the node itself that had no edge left to visit.
	if err := l.repairOwnTypes(ctx, scope, node, maxTimestamp); err != nil {
		return deleted, err
	}

	m, err := l.stores.Nodes.Delete(scope, node, maxVersion)
	if err != nil {
		return deleted, err
	}
	if err := m.Execute(ctx); err != nil {
		metrics.MutationFailures.WithLabelValues("node_delete").Inc()
		return deleted, fmt.Errorf("removing marker of %s: %w", node, err)
	}

	logger.WithField("deleted", deleted).Info("node deleted")
	return deleted, nil
}

// mergedEdges merges one row scan over both tiers. Rows present in both,
// e.g. while compaction is moving them, are returned once.
func (l *NodeDeleteListener) mergedEdges(ctx context.Context, cmp func(a, b storage.MarkedEdge) int, scan func(storage.EdgeSerialization) iter.Seq2[storage.MarkedEdge, error]) iter.Seq2[storage.MarkedEdge, error] {
	return mergeOrdered(ctx,
		subscribe(ctx, l.sched, scan(l.stores.CommitLog)),
		subscribe(ctx, l.sched, scan(l.stores.Storage)),
		cmp)
}

func (l *NodeDeleteListener) repairMetadata(ctx context.Context, scope storage.Scope, sources, targets map[nodeType]struct{}, maxTimestamp int64) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.config.RepairConcurrentSize)
	for nt := range sources {
		g.Go(func() error {
			_, err := l.metaRepair.RepairSources(gctx, scope, nt.node, nt.edgeType, maxTimestamp)
			return err
		})
	}
	for nt := range targets {
		g.Go(func() error {
			_, err := l.metaRepair.RepairTargets(gctx, scope, nt.node, nt.edgeType, maxTimestamp)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("repairing metadata: %w", err)
	}
	return nil
}

func (l *NodeDeleteListener) repairOwnTypes(ctx context.Context, scope storage.Scope, node storage.Id, maxTimestamp int64) error {
	sources := make(map[nodeType]struct{})
	for edgeType, err := range l.stores.Metadata.GetEdgeTypesFromSource(ctx, scope, storage.SearchEdgeType{Node: node}) {
		if err != nil {
			return fmt.Errorf("loading edge types of %s: %w", node, err)
		}
		sources[nodeType{node: node, edgeType: edgeType}] = struct{}{}
	}
	targets := make(map[nodeType]struct{})
	for edgeType, err := range l.stores.Metadata.GetEdgeTypesToTarget(ctx, scope, storage.SearchEdgeType{Node: node}) {
		if err != nil {
			return fmt.Errorf("loading edge types of %s: %w", node, err)
		}
		targets[nodeType{node: node, edgeType: edgeType}] = struct{}{}
	}
	return l.repairMetadata(ctx, scope, sources, targets, maxTimestamp)
}

// targetColumnOrder is the order of a descending scan of a source row, whose
// columns sort by version, then target.
func targetColumnOrder(a, b storage.MarkedEdge) int {
	return -compareColumns(a, b, a.TargetNode, b.TargetNode)
}

// sourceColumnOrder is the order of a descending scan of a target row.
func sourceColumnOrder(a, b storage.MarkedEdge) int {
	return -compareColumns(a, b, a.SourceNode, b.SourceNode)
}

func compareColumns(a, b storage.MarkedEdge, otherA, otherB storage.Id) int {
	if c := storage.CompareVersions(a.Version, b.Version); c != 0 {
		return c
	}
	if c := bytes.Compare(otherA.UUID[:], otherB.UUID[:]); c != 0 {
		return c
	}
	return strings.Compare(otherA.Type, otherB.Type)
}
