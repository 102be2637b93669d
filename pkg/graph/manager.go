package graph

import (
	"context"
	"fmt"
	"iter"
	"math"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/edgestore/pkg/events"
	"github.com/orneryd/edgestore/pkg/storage"
)

// GraphManager is the write and read path of the graph.
//
// Writes go to the commit log together with the metadata entries they
// justify, then an event is published so the listeners can compact and
// repair. Reads merge the commit log and permanent storage and hide what
// is deleted or pending deletion.
//
// Example:
//
//	manager := g.Manager(dispatcher)
//
//	edge, err := manager.WriteEdge(ctx, scope, storage.Edge{
//		SourceNode: alice, Type: "likes", TargetNode: post,
//	})
//
//	for e, err := range manager.LoadEdgesFromSource(ctx, scope, storage.SearchByEdgeType{
//		Node: alice, Type: "likes",
//	}) {
//		...
//	}
type GraphManager struct {
	stores    Stores
	publisher events.Publisher
	sched     *Scheduler
	logger    logrus.FieldLogger
}

// NewGraphManager creates a manager publishing to publisher. A nil
// publisher discards events.
func NewGraphManager(stores Stores, publisher events.Publisher, sched *Scheduler, logger logrus.FieldLogger) *GraphManager {
	if publisher == nil {
		publisher = events.Discard
	}
	if sched == nil {
		sched = NewScheduler(0)
	}
	return &GraphManager{
		stores:    stores,
		publisher: publisher,
		sched:     sched,
		logger:    logger.WithField("component", "graph_manager"),
	}
}

// WriteEdge appends a version of edge to the commit log and (re)asserts its
// metadata. An edge without a version gets a new one. The written edge is
// returned.
func (m *GraphManager) WriteEdge(ctx context.Context, scope storage.Scope, edge storage.Edge) (storage.MarkedEdge, error) {
	if edge.Version == uuid.Nil {
		edge.Version = storage.NewVersion()
	}
	marked := storage.MarkedEdge{Edge: edge}
	if err := scope.Validate(); err != nil {
		return marked, err
	}
	if err := edge.Validate(); err != nil {
		return marked, err
	}

	ts := storage.NowTimestamp()
	batch, err := m.stores.CommitLog.WriteEdge(scope, marked, ts)
	if err != nil {
		return marked, err
	}
	meta, err := m.stores.Metadata.WriteEdge(scope, edge)
	if err != nil {
		return marked, err
	}
	if err := batch.Merge(meta).Execute(ctx); err != nil {
		return marked, fmt.Errorf("writing %s: %w", edge, err)
	}

	if err := m.publisher.Publish(ctx, events.EdgeWriteEvent{Scope: scope, Edge: marked, Timestamp: ts}.Envelope()); err != nil {
		return marked, fmt.Errorf("publishing write of %s: %w", edge, err)
	}
	m.logger.WithField("edge", edge.String()).Debug("edge written")
	return marked, nil
}

// MarkEdge marks the given version of edge deleted. The version stays
// readable through LoadEdgeVersions until the delete is processed.
func (m *GraphManager) MarkEdge(ctx context.Context, scope storage.Scope, edge storage.Edge) (storage.MarkedEdge, error) {
	marked := storage.MarkedEdge{Edge: edge, Deleted: true}
	if err := scope.Validate(); err != nil {
		return marked, err
	}
	if err := edge.Validate(); err != nil {
		return marked, err
	}

	ts := storage.NowTimestamp()
	batch, err := m.stores.CommitLog.WriteEdge(scope, marked, ts)
	if err != nil {
		return marked, err
	}
	if err := batch.Execute(ctx); err != nil {
		return marked, fmt.Errorf("marking %s: %w", edge, err)
	}

	if err := m.publisher.Publish(ctx, events.EdgeDeleteEvent{Scope: scope, Edge: marked, Timestamp: ts}.Envelope()); err != nil {
		return marked, fmt.Errorf("publishing delete of %s: %w", edge, err)
	}
	m.logger.WithField("edge", edge.String()).Debug("edge marked deleted")
	return marked, nil
}

// MarkNode marks node deleted as of now and returns the marker version.
// Every edge of the node up to that version is hidden from reads and
// removed once the delete is processed.
func (m *GraphManager) MarkNode(ctx context.Context, scope storage.Scope, node storage.Id) (uuid.UUID, error) {
	version := storage.NewVersion()
	batch, err := m.stores.Nodes.Mark(scope, node, version)
	if err != nil {
		return uuid.Nil, err
	}
	if err := batch.Execute(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("marking node %s: %w", node, err)
	}

	ev := events.NodeDeleteEvent{Scope: scope, Node: node, Timestamp: storage.NowTimestamp()}
	if err := m.publisher.Publish(ctx, ev.Envelope()); err != nil {
		return version, fmt.Errorf("publishing delete of %s: %w", node, err)
	}
	m.logger.WithField("node", node.String()).Debug("node marked deleted")
	return version, nil
}

// LoadEdgesFromSource returns the newest live version of every edge of the
// search's type leaving its node. A zero MaxTimestamp means no cap.
func (m *GraphManager) LoadEdgesFromSource(ctx context.Context, scope storage.Scope, search storage.SearchByEdgeType) iter.Seq2[storage.MarkedEdge, error] {
	if search.MaxTimestamp == 0 {
		search.MaxTimestamp = math.MaxInt64
	}
	cmp := columnOrder(search.Order, func(e storage.MarkedEdge) storage.Id { return e.TargetNode })
	return m.loadLive(ctx, scope, cmp, func(s storage.EdgeSerialization, ctx context.Context) iter.Seq2[storage.MarkedEdge, error] {
		return s.GetEdgesFromSource(ctx, scope, search)
	})
}

// LoadEdgesToTarget returns the newest live version of every edge of the
// search's type arriving at its node.
func (m *GraphManager) LoadEdgesToTarget(ctx context.Context, scope storage.Scope, search storage.SearchByEdgeType) iter.Seq2[storage.MarkedEdge, error] {
	if search.MaxTimestamp == 0 {
		search.MaxTimestamp = math.MaxInt64
	}
	cmp := columnOrder(search.Order, func(e storage.MarkedEdge) storage.Id { return e.SourceNode })
	return m.loadLive(ctx, scope, cmp, func(s storage.EdgeSerialization, ctx context.Context) iter.Seq2[storage.MarkedEdge, error] {
		return s.GetEdgesToTarget(ctx, scope, search)
	})
}

// LoadEdgeVersions returns every stored version of one edge, deleted ones
// included, with the endpoint flags set.
func (m *GraphManager) LoadEdgeVersions(ctx context.Context, scope storage.Scope, search storage.SearchByEdge) iter.Seq2[storage.MarkedEdge, error] {
	if search.MaxTimestamp == 0 {
		search.MaxTimestamp = math.MaxInt64
	}
	cmp := newestFirst
	if search.Order == storage.OrderAscending {
		cmp = func(a, b storage.MarkedEdge) int { return -newestFirst(a, b) }
	}
	return func(yield func(storage.MarkedEdge, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		markers := m.markerCache(ctx, scope)
		versions := mergeOrdered(ctx,
			subscribe(ctx, m.sched, m.stores.CommitLog.GetEdgeVersionsFromSource(ctx, scope, search)),
			subscribe(ctx, m.sched, m.stores.Storage.GetEdgeVersionsFromSource(ctx, scope, search)),
			cmp)
		for edge, err := range versions {
			if err == nil {
				edge, err = markers.flag(edge)
			}
			if !yield(edge, err) || err != nil {
				return
			}
		}
	}
}

func (m *GraphManager) GetEdgeTypesFromSource(ctx context.Context, scope storage.Scope, search storage.SearchEdgeType) iter.Seq2[string, error] {
	return m.stores.Metadata.GetEdgeTypesFromSource(ctx, scope, search)
}

func (m *GraphManager) GetEdgeTypesToTarget(ctx context.Context, scope storage.Scope, search storage.SearchEdgeType) iter.Seq2[string, error] {
	return m.stores.Metadata.GetEdgeTypesToTarget(ctx, scope, search)
}

func (m *GraphManager) GetIdTypesFromSource(ctx context.Context, scope storage.Scope, search storage.SearchIdType) iter.Seq2[string, error] {
	return m.stores.Metadata.GetIdTypesFromSource(ctx, scope, search)
}

func (m *GraphManager) GetIdTypesToTarget(ctx context.Context, scope storage.Scope, search storage.SearchIdType) iter.Seq2[string, error] {
	return m.stores.Metadata.GetIdTypesToTarget(ctx, scope, search)
}

// loadLive merges one row over both tiers, keeps the newest version of each
// edge, and drops it when it is deleted or an endpoint is pending deletion.
// The commit log wins over storage for the same version.
func (m *GraphManager) loadLive(ctx context.Context, scope storage.Scope, cmp func(a, b storage.MarkedEdge) int, scan func(storage.EdgeSerialization, context.Context) iter.Seq2[storage.MarkedEdge, error]) iter.Seq2[storage.MarkedEdge, error] {
	return func(yield func(storage.MarkedEdge, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		markers := m.markerCache(ctx, scope)
		edges := mergeOrdered(ctx,
			subscribe(ctx, m.sched, scan(m.stores.CommitLog, ctx)),
			subscribe(ctx, m.sched, scan(m.stores.Storage, ctx)),
			cmp)

		newest := make(map[storage.Edge]storage.MarkedEdge)
		var order []storage.Edge
		for edge, err := range edges {
			if err != nil {
				yield(edge, err)
				return
			}
			key := edge.Edge
			key.Version = uuid.Nil
			cur, ok := newest[key]
			if !ok {
				order = append(order, key)
				newest[key] = edge
				continue
			}
			if storage.CompareVersions(edge.Version, cur.Version) > 0 {
				newest[key] = edge
			}
		}

		for _, key := range order {
			edge, err := markers.flag(newest[key])
			if err != nil {
				yield(edge, err)
				return
			}
			if edge.Deleted || edge.SourceDeleted || edge.TargetDeleted {
				continue
			}
			if !yield(edge, nil) {
				return
			}
		}
	}
}

// markers caches node delete markers for the duration of one read.
type markers struct {
	ctx   context.Context
	m     *GraphManager
	scope storage.Scope
	cache map[storage.Id]uuid.UUID
}

func (m *GraphManager) markerCache(ctx context.Context, scope storage.Scope) *markers {
	return &markers{ctx: ctx, m: m, scope: scope, cache: make(map[storage.Id]uuid.UUID)}
}

func (c *markers) get(node storage.Id) (uuid.UUID, error) {
	if v, ok := c.cache[node]; ok {
		return v, nil
	}
	var v uuid.UUID
	err := c.m.sched.Do(c.ctx, func() error {
		var err error
		v, _, err = c.m.stores.Nodes.GetMaxVersion(c.ctx, c.scope, node)
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	c.cache[node] = v
	return v, nil
}

// flag sets SourceDeleted and TargetDeleted on edge.
func (c *markers) flag(edge storage.MarkedEdge) (storage.MarkedEdge, error) {
	src, err := c.get(edge.SourceNode)
	if err != nil {
		return edge, err
	}
	tgt, err := c.get(edge.TargetNode)
	if err != nil {
		return edge, err
	}
	edge.SourceDeleted = src != uuid.Nil && storage.CompareVersions(src, edge.Version) >= 0
	edge.TargetDeleted = tgt != uuid.Nil && storage.CompareVersions(tgt, edge.Version) >= 0
	return edge, nil
}

// columnOrder is the order a scan of an edge row returns its columns in.
func columnOrder(order storage.Order, other func(storage.MarkedEdge) storage.Id) func(a, b storage.MarkedEdge) int {
	return func(a, b storage.MarkedEdge) int {
		c := compareColumns(a, b, other(a), other(b))
		if order == storage.OrderAscending {
			return c
		}
		return -c
	}
}
