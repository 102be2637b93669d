// Package graph is the edge consistency and repair engine of edgestore.
//
// Edges are append-only: a write adds a version, a delete adds a tombstoned
// version, and nothing is ever updated in place. Obsolete versions and the
// index entries that pointed at them are removed afterwards, by the
// components in this package, in response to events from the write path:
//
//   - EdgeRepair physically removes the versions of one edge that a newer
//     write or a delete made obsolete.
//   - EdgeWriteCompact moves versions from the commit log into permanent
//     storage, writing storage before deleting from the commit log.
//   - EdgeMetaRepair removes edge-type and id-type index entries that no
//     longer have a live edge behind them.
//   - NodeDeleteListener, EdgeDeleteListener and EdgeWriteListener tie the
//     above together per event.
//   - GraphManager is the write and read path that emits those events.
//
// Every operation is idempotent. Deletes compare against a reference version
// or timestamp captured when the operation starts, so a repair of an older
// version never removes a newer one, and a failed operation can simply be
// delivered again.
//
// # Pipelines
//
// Storage scans run on goroutines bounded by a Scheduler; merging, paging
// and batching happen in the goroutine that called the operation. Every
// operation cancels its scans before returning, so no goroutine outlives it.
//
// Example:
//
//	ks := storage.NewKeyspace(engine)
//	g := graph.New(ks, graph.DefaultConfig(), logger)
//
//	router := &events.Router{Handlers: g.Handlers()}
//	manager := g.Manager(router)
//
//	edge, err := manager.WriteEdge(ctx, scope, storage.Edge{
//		SourceNode: alice, Type: "likes", TargetNode: post,
//	})
package graph

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/edgestore/pkg/events"
	"github.com/orneryd/edgestore/pkg/pool"
	"github.com/orneryd/edgestore/pkg/storage"
)

// Config holds the tuning knobs of the engine.
type Config struct {
	// ScanPageSize is the number of edges gathered before one batched
	// mutation is issued.
	ScanPageSize int

	// RepairConcurrentSize is the number of id types whose liveness meta
	// repair checks concurrently.
	RepairConcurrentSize int

	// IOWorkers bounds the storage reads in flight.
	IOWorkers int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ScanPageSize:         1000,
		RepairConcurrentSize: 100,
		IOWorkers:            16,
	}
}

// Validate checks that every knob is positive.
func (c Config) Validate() error {
	if c.ScanPageSize <= 0 {
		return fmt.Errorf("scan page size must be positive, got %d", c.ScanPageSize)
	}
	if c.RepairConcurrentSize <= 0 {
		return fmt.Errorf("repair concurrent size must be positive, got %d", c.RepairConcurrentSize)
	}
	if c.IOWorkers <= 0 {
		return fmt.Errorf("io workers must be positive, got %d", c.IOWorkers)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ScanPageSize <= 0 {
		c.ScanPageSize = def.ScanPageSize
	}
	if c.RepairConcurrentSize <= 0 {
		c.RepairConcurrentSize = def.RepairConcurrentSize
	}
	if c.IOWorkers <= 0 {
		c.IOWorkers = def.IOWorkers
	}
	return c
}

// Stores bundles the serializations the engine works on.
type Stores struct {
	CommitLog storage.EdgeSerialization
	Storage   storage.EdgeSerialization
	Metadata  storage.EdgeMetadataSerialization
	Nodes     storage.NodeSerialization
}

// NewStores builds every serialization on one keyspace.
func NewStores(ks *storage.Keyspace) Stores {
	return Stores{
		CommitLog: storage.NewEdgeSerialization(ks, storage.TierCommitLog),
		Storage:   storage.NewEdgeSerialization(ks, storage.TierStorage),
		Metadata:  storage.NewEdgeMetadataSerialization(ks),
		Nodes:     storage.NewNodeSerialization(ks),
	}
}

// tiers returns both edge tiers, commit log first.
func (s Stores) tiers() []storage.EdgeSerialization {
	return []storage.EdgeSerialization{s.CommitLog, s.Storage}
}

// Graph wires the engine's components together.
type Graph struct {
	Stores    Stores
	Config    Config
	Scheduler *Scheduler

	MetaRepair         *EdgeMetaRepair
	Async              *EdgeAsync
	Compact            *EdgeWriteCompact
	NodeDeleteListener *NodeDeleteListener
	EdgeDeleteListener *EdgeDeleteListener
	EdgeWriteListener  *EdgeWriteListener
	Sweeper            *CommitLogSweeper

	logger logrus.FieldLogger
	pages  *pool.SlicePool[storage.MarkedEdge]
}

// New builds the engine on ks.
func New(ks *storage.Keyspace, cfg Config, logger logrus.FieldLogger) *Graph {
	return NewWithStores(NewStores(ks), cfg, logger)
}

// NewWithStores builds the engine on the given serializations.
func NewWithStores(stores Stores, cfg Config, logger logrus.FieldLogger) *Graph {
	cfg = cfg.withDefaults()
	g := &Graph{
		Stores:    stores,
		Config:    cfg,
		Scheduler: NewScheduler(cfg.IOWorkers),
		logger:    logger,
		pages:     pool.NewSlicePool[storage.MarkedEdge](cfg.ScanPageSize),
	}

	g.MetaRepair = NewEdgeMetaRepair(stores, g.Scheduler, cfg, logger)
	g.Async = NewEdgeAsync(g.MetaRepair)
	g.Compact = NewEdgeWriteCompact(stores.CommitLog, stores.Storage, g.Scheduler, g.pages, cfg, logger)
	g.NodeDeleteListener = NewNodeDeleteListener(stores, g.MetaRepair, g.Scheduler, g.pages, cfg, logger)
	g.EdgeDeleteListener = NewEdgeDeleteListener(
		[]*EdgeRepair{
			NewEdgeDeleteRepair(stores.CommitLog, g.Scheduler, g.pages, cfg, logger),
			NewEdgeDeleteRepair(stores.Storage, g.Scheduler, g.pages, cfg, logger),
		},
		g.MetaRepair, logger)
	g.EdgeWriteListener = NewEdgeWriteListener(
		g.Compact,
		NewEdgeWriteRepair(stores.Storage, g.Scheduler, g.pages, cfg, logger),
		logger)
	g.Sweeper = NewCommitLogSweeper(stores.CommitLog, g.EdgeWriteListener, g.EdgeDeleteListener, logger)
	return g
}

// Handlers routes events to the engine's listeners.
func (g *Graph) Handlers() events.Handlers {
	return events.Handlers{
		EdgeWrite:  g.EdgeWriteListener.Receive,
		EdgeDelete: g.EdgeDeleteListener.Receive,
		NodeDelete: g.NodeDeleteListener.Receive,
	}
}

// Manager returns the write and read path, publishing to publisher.
func (g *Graph) Manager(publisher events.Publisher) *GraphManager {
	return NewGraphManager(g.Stores, publisher, g.Scheduler, g.logger)
}
