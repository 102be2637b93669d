package graph

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/edgestore/pkg/events"
)

// EdgeWriteListener moves a freshly written edge into permanent storage and
// removes the versions it superseded there.
type EdgeWriteListener struct {
	compact *EdgeWriteCompact
	repair  *EdgeRepair
	logger  logrus.FieldLogger
}

// NewEdgeWriteListener creates the listener. repair should be a write repair
// on permanent storage.
func NewEdgeWriteListener(compact *EdgeWriteCompact, repair *EdgeRepair, logger logrus.FieldLogger) *EdgeWriteListener {
	return &EdgeWriteListener{
		compact: compact,
		repair:  repair,
		logger:  logger.WithField("action", "edge_write"),
	}
}

// Receive handles e and returns the number of versions compacted.
func (l *EdgeWriteListener) Receive(ctx context.Context, e events.EdgeWriteEvent) (int, error) {
	if err := e.Envelope().Validate(); err != nil {
		return 0, err
	}

	compacted, err := l.compact.Compact(ctx, e.Scope, e.Edge, e.Timestamp)
	if err != nil {
		return compacted, err
	}
	deleted, err := l.repair.Repair(ctx, e.Scope, e.Edge, e.Timestamp)
	if err != nil {
		return compacted, err
	}

	l.logger.WithFields(logrus.Fields{
		"edge":      e.Edge.Edge.String(),
		"compacted": compacted,
		"repaired":  len(deleted),
	}).Debug("edge write handled")
	return compacted, nil
}
