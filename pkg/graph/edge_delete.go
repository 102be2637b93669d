package graph

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/edgestore/pkg/events"
)

// EdgeDeleteListener cleans up after an edge version was marked deleted.
//
// It removes the marked version and every older version of the same triple
// from each tier, then repairs the metadata of both endpoints with the edge's
// own timestamp as cutoff.
type EdgeDeleteListener struct {
	repairs    []*EdgeRepair
	metaRepair *EdgeMetaRepair
	logger     logrus.FieldLogger
}

// NewEdgeDeleteListener creates the listener. repairs are run in order, one
// per tier.
func NewEdgeDeleteListener(repairs []*EdgeRepair, metaRepair *EdgeMetaRepair, logger logrus.FieldLogger) *EdgeDeleteListener {
	return &EdgeDeleteListener{
		repairs:    repairs,
		metaRepair: metaRepair,
		logger:     logger.WithField("action", "edge_delete"),
	}
}

// Receive handles e and returns the number of id types still alive on the
// source and target side together.
func (l *EdgeDeleteListener) Receive(ctx context.Context, e events.EdgeDeleteEvent) (int, error) {
	if err := e.Envelope().Validate(); err != nil {
		return 0, err
	}
	edge := e.Edge

	removed := 0
	for _, r := range l.repairs {
		deleted, err := r.Repair(ctx, e.Scope, edge, e.Timestamp)
		if err != nil {
			return 0, err
		}
		removed += len(deleted)
	}

	cutoff := edge.Timestamp()
	var sources, targets int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sources, err = l.metaRepair.RepairSources(gctx, e.Scope, edge.SourceNode, edge.Type, cutoff)
		return err
	})
	g.Go(func() error {
		var err error
		targets, err = l.metaRepair.RepairTargets(gctx, e.Scope, edge.TargetNode, edge.Type, cutoff)
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("repairing metadata of %s: %w", edge.Edge, err)
	}

	l.logger.WithFields(logrus.Fields{
		"edge":    edge.Edge.String(),
		"removed": removed,
		"sources": sources,
		"targets": targets,
	}).Debug("edge delete handled")
	return sources + targets, nil
}
