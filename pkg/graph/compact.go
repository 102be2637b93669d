package graph

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/edgestore/pkg/metrics"
	"github.com/orneryd/edgestore/pkg/pool"
	"github.com/orneryd/edgestore/pkg/storage"
)

// EdgeWriteCompact moves the versions of one edge from the commit log to
// permanent storage.
//
// Per page the storage write executes first and the commit-log delete only
// after it succeeded. A crash between the two leaves the page in both tiers,
// which readers tolerate (the commit log shadows storage for equal keys) and
// which the next run resolves by writing the same keys again.
//
// A moved row is stamped with its own version timestamp rather than the
// compaction time. Any delete of that version is stamped after the version
// was created, so it shadows the moved row whether compaction runs before
// or after it.
type EdgeWriteCompact struct {
	commitLog storage.EdgeSerialization
	storage   storage.EdgeSerialization
	sched     *Scheduler
	pages     *pool.SlicePool[storage.MarkedEdge]
	config    Config
	logger    logrus.FieldLogger
}

// NewEdgeWriteCompact creates a compactor from commitLog into permanent.
func NewEdgeWriteCompact(commitLog, permanent storage.EdgeSerialization, sched *Scheduler, pages *pool.SlicePool[storage.MarkedEdge], cfg Config, logger logrus.FieldLogger) *EdgeWriteCompact {
	cfg = cfg.withDefaults()
	if pages == nil {
		pages = pool.NewSlicePool[storage.MarkedEdge](cfg.ScanPageSize)
	}
	return &EdgeWriteCompact{
		commitLog: commitLog,
		storage:   permanent,
		sched:     sched,
		pages:     pages,
		config:    cfg,
		logger:    logger.WithField("action", "edge_compact"),
	}
}

// Compact moves every commit-log version of edge's triple up to edge's
// version, stamping the commit-log deletes with timestamp. It returns the
// number of versions moved.
func (c *EdgeWriteCompact) Compact(ctx context.Context, scope storage.Scope, edge storage.MarkedEdge, timestamp int64) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	if err := edge.Validate(); err != nil {
		return 0, err
	}
	if err := storage.ValidateTimestamp(timestamp, "timestamp"); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	versions := subscribe(ctx, c.sched, c.commitLog.GetEdgeVersionsFromSource(ctx, scope, storage.SearchByEdge{
		SourceNode:   edge.SourceNode,
		Type:         edge.Type,
		TargetNode:   edge.TargetNode,
		MaxTimestamp: edge.Timestamp(),
		Order:        storage.OrderAscending,
	}))

	buf := c.pages.Get()
	defer c.pages.Put(buf)

	compacted := 0
	for page, err := range pages(drain(ctx, versions), c.config.ScanPageSize, buf) {
		if err != nil {
			return compacted, fmt.Errorf("scanning commit log for %s: %w", edge.Edge, err)
		}

		var write, remove *storage.MutationBatch
		n := 0
		for _, v := range page {
			if storage.CompareVersions(v.Version, edge.Version) > 0 {
				continue
			}
			w, err := c.storage.WriteEdge(scope, v, v.Timestamp())
			if err != nil {
				return compacted, err
			}
			d, err := c.commitLog.DeleteEdge(scope, v, timestamp)
			if err != nil {
				return compacted, err
			}
			write = write.Merge(w)
			remove = remove.Merge(d)
			n++
		}
		if n == 0 {
			continue
		}

		if err := write.Execute(ctx); err != nil {
			metrics.MutationFailures.WithLabelValues("compact_write").Inc()
			return compacted, fmt.Errorf("writing %s to storage: %w", edge.Edge, err)
		}
		if err := remove.Execute(ctx); err != nil {
			metrics.MutationFailures.WithLabelValues("compact_delete").Inc()
			return compacted, fmt.Errorf("removing %s from commit log: %w", edge.Edge, err)
		}

		compacted += n
		metrics.CompactedEdges.Add(float64(n))
		c.logger.WithFields(logrus.Fields{"edge": edge.Edge.String(), "count": n}).Debug("compacted edge versions")
	}
	return compacted, nil
}
