package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// nodeSerialization stores one marker cell per deleted node. The cell is
// stamped with the marker version's timestamp, so the newest mark wins and
// a delete only removes marks that are not newer than it.
type nodeSerialization struct {
	ks *Keyspace
}

// NewNodeSerialization returns the node marker serialization of ks.
func NewNodeSerialization(ks *Keyspace) NodeSerialization {
	return &nodeSerialization{ks: ks}
}

func validateNodeMarker(scope Scope, node Id, version uuid.UUID) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if err := node.Validate(); err != nil {
		return err
	}
	if version.Version() != 1 {
		return fmt.Errorf("%w: marker version must be a time-based uuid", ErrInvalidTimestamp)
	}
	return nil
}

func (s *nodeSerialization) Mark(scope Scope, node Id, version uuid.UUID) (*MutationBatch, error) {
	if err := validateNodeMarker(scope, node, version); err != nil {
		return nil, err
	}
	payload, err := serializeNode(version)
	if err != nil {
		return nil, err
	}
	return s.ks.PrepareMutationBatch().Put(nodeMarkerKey(scope, node), payload, VersionTimestamp(version)), nil
}

func (s *nodeSerialization) GetMaxVersion(ctx context.Context, scope Scope, node Id) (uuid.UUID, bool, error) {
	if err := scope.Validate(); err != nil {
		return uuid.Nil, false, err
	}
	if err := node.Validate(); err != nil {
		return uuid.Nil, false, err
	}

	key := nodeMarkerKey(scope, node)
	for c, err := range s.ks.scan(ctx, ScanRange{Prefix: key}) {
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("reading node marker: %w", err)
		}
		rec, err := deserializeNode(c.payload)
		if err != nil {
			return uuid.Nil, false, err
		}
		return rec.Version, true, nil
	}
	return uuid.Nil, false, nil
}

func (s *nodeSerialization) Delete(scope Scope, node Id, version uuid.UUID) (*MutationBatch, error) {
	if err := validateNodeMarker(scope, node, version); err != nil {
		return nil, err
	}
	return s.ks.PrepareMutationBatch().Delete(nodeMarkerKey(scope, node), VersionTimestamp(version)), nil
}
