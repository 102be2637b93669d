package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/edgestore/pkg/events"
	"github.com/orneryd/edgestore/pkg/storage"
)

// SweepStats summarizes one sweep.
type SweepStats struct {
	Versions  int
	Compacted int
	Deleted   int
	Duration  time.Duration
}

// CommitLogSweeper compacts every version still sitting in the commit log.
//
// The write path publishes an event per write, but an event can be lost, for
// example when the process dies before it was journaled. A sweep hands every
// remaining version to the write listener as if its event had arrived, so
// everything written before the sweep started ends up in permanent storage.
// Versions marked deleted go to the delete listener instead, which removes
// them from both tiers.
type CommitLogSweeper struct {
	commitLog storage.EdgeSerialization
	writes    *EdgeWriteListener
	deletes   *EdgeDeleteListener
	logger    logrus.FieldLogger
}

// NewCommitLogSweeper creates a sweeper over commitLog.
func NewCommitLogSweeper(commitLog storage.EdgeSerialization, writes *EdgeWriteListener, deletes *EdgeDeleteListener, logger logrus.FieldLogger) *CommitLogSweeper {
	return &CommitLogSweeper{
		commitLog: commitLog,
		writes:    writes,
		deletes:   deletes,
		logger:    logger.WithField("action", "commit_log_sweep"),
	}
}

// Sweep runs one pass over the commit log.
func (s *CommitLogSweeper) Sweep(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	ts := storage.TimestampOf(start)

	var stats SweepStats
	for se, err := range s.commitLog.StreamEdgeVersions(ctx) {
		if err != nil {
			return stats, err
		}
		// Written after the sweep started; its own event takes care of it.
		if se.Edge.Timestamp() > ts {
			continue
		}
		stats.Versions++

		if se.Edge.Deleted {
			if _, err := s.deletes.Receive(ctx, events.EdgeDeleteEvent{Scope: se.Scope, Edge: se.Edge, Timestamp: ts}); err != nil {
				return stats, fmt.Errorf("sweeping %s: %w", se.Edge.Edge, err)
			}
			stats.Deleted++
			continue
		}
		n, err := s.writes.Receive(ctx, events.EdgeWriteEvent{Scope: se.Scope, Edge: se.Edge, Timestamp: ts})
		if err != nil {
			return stats, fmt.Errorf("sweeping %s: %w", se.Edge.Edge, err)
		}
		stats.Compacted += n
	}

	stats.Duration = time.Since(start)
	s.logger.WithFields(logrus.Fields{
		"versions":  stats.Versions,
		"compacted": stats.Compacted,
		"deleted":   stats.Deleted,
		"duration":  stats.Duration,
	}).Info("commit log sweep finished")
	return stats, nil
}
