package graph

import (
	"context"

	"github.com/google/uuid"

	"github.com/orneryd/edgestore/pkg/storage"
)

// EdgeAsync exposes metadata cleanup driven by a version rather than a
// timestamp, for callers that only hold the version of the write or delete
// that left the index stale.
type EdgeAsync struct {
	repair *EdgeMetaRepair
}

// NewEdgeAsync wraps repair.
func NewEdgeAsync(repair *EdgeMetaRepair) *EdgeAsync {
	return &EdgeAsync{repair: repair}
}

// ClearTargets removes the target-side index entries of (node, edgeType)
// not backed by an edge at or before version. It returns the number of id
// types still alive.
func (a *EdgeAsync) ClearTargets(ctx context.Context, scope storage.Scope, node storage.Id, edgeType string, version uuid.UUID) (int, error) {
	return a.repair.RepairTargets(ctx, scope, node, edgeType, storage.VersionTimestamp(version))
}

// CleanSources is the source-side counterpart of ClearTargets.
func (a *EdgeAsync) CleanSources(ctx context.Context, scope storage.Scope, node storage.Id, edgeType string, version uuid.UUID) (int, error) {
	return a.repair.RepairSources(ctx, scope, node, edgeType, storage.VersionTimestamp(version))
}
