package storage

import (
	"context"
	"fmt"
	"iter"
)

// edgeMetadataSerialization stores the edge-type and id-type indexes in the
// metadata region. Each entry is a cell keyed by the type name and stamped
// with the timestamp of the edge that asserted it.
type edgeMetadataSerialization struct {
	ks *Keyspace
}

// NewEdgeMetadataSerialization returns the metadata serialization of ks.
func NewEdgeMetadataSerialization(ks *Keyspace) EdgeMetadataSerialization {
	return &edgeMetadataSerialization{ks: ks}
}

func (s *edgeMetadataSerialization) WriteEdge(scope Scope, edge Edge) (*MutationBatch, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := edge.Validate(); err != nil {
		return nil, err
	}

	ts := edge.Timestamp()
	src, tgt := edge.SourceNode, edge.TargetNode

	batch := s.ks.PrepareMutationBatch()
	s.put(batch, edgeTypesRow(cfEdgeTypesFromSource, scope, src), edge.Type, ts)
	s.put(batch, edgeTypesRow(cfEdgeTypesToTarget, scope, tgt), edge.Type, ts)
	s.put(batch, idTypesRow(cfIdTypesFromSource, scope, src, edge.Type), tgt.Type, ts)
	s.put(batch, idTypesRow(cfIdTypesToTarget, scope, tgt, edge.Type), src.Type, ts)
	return batch, nil
}

func (s *edgeMetadataSerialization) put(batch *MutationBatch, row []byte, name string, ts int64) {
	batch.Put(metaColumnKey(row, name), []byte(name), ts)
}

func (s *edgeMetadataSerialization) GetEdgeTypesFromSource(ctx context.Context, scope Scope, search SearchEdgeType) iter.Seq2[string, error] {
	if err := validateSearch(scope, search); err != nil {
		return failed[string](err)
	}
	return s.scanNames(ctx, edgeTypesRow(cfEdgeTypesFromSource, scope, search.Node), search)
}

func (s *edgeMetadataSerialization) GetEdgeTypesToTarget(ctx context.Context, scope Scope, search SearchEdgeType) iter.Seq2[string, error] {
	if err := validateSearch(scope, search); err != nil {
		return failed[string](err)
	}
	return s.scanNames(ctx, edgeTypesRow(cfEdgeTypesToTarget, scope, search.Node), search)
}

func (s *edgeMetadataSerialization) GetIdTypesFromSource(ctx context.Context, scope Scope, search SearchIdType) iter.Seq2[string, error] {
	if err := validateSearch(scope, search); err != nil {
		return failed[string](err)
	}
	return s.scanNames(ctx, idTypesRow(cfIdTypesFromSource, scope, search.Node, search.Type), search.SearchEdgeType)
}

func (s *edgeMetadataSerialization) GetIdTypesToTarget(ctx context.Context, scope Scope, search SearchIdType) iter.Seq2[string, error] {
	if err := validateSearch(scope, search); err != nil {
		return failed[string](err)
	}
	return s.scanNames(ctx, idTypesRow(cfIdTypesToTarget, scope, search.Node, search.Type), search.SearchEdgeType)
}

// scanNames lists the names of a metadata row in ascending order.
func (s *edgeMetadataSerialization) scanNames(ctx context.Context, row []byte, search SearchEdgeType) iter.Seq2[string, error] {
	r := ScanRange{Prefix: metaColumnKey(row, search.Prefix)}
	if search.Last != "" {
		r.Start = metaColumnKey(row, search.Last)
		r.SkipStart = true
	}

	return func(yield func(string, error) bool) {
		for c, err := range s.ks.scan(ctx, r) {
			if err != nil {
				yield("", fmt.Errorf("scanning edge metadata: %w", err))
				return
			}
			if !yield(string(c.payload), nil) {
				return
			}
		}
	}
}

func (s *edgeMetadataSerialization) RemoveEdgeTypeFromSource(scope Scope, source Id, edgeType string, timestamp int64) (*MutationBatch, error) {
	if err := validateMetaRemoval(scope, source, timestamp, edgeType); err != nil {
		return nil, err
	}
	return s.remove(edgeTypesRow(cfEdgeTypesFromSource, scope, source), edgeType, timestamp), nil
}

func (s *edgeMetadataSerialization) RemoveEdgeTypeToTarget(scope Scope, target Id, edgeType string, timestamp int64) (*MutationBatch, error) {
	if err := validateMetaRemoval(scope, target, timestamp, edgeType); err != nil {
		return nil, err
	}
	return s.remove(edgeTypesRow(cfEdgeTypesToTarget, scope, target), edgeType, timestamp), nil
}

func (s *edgeMetadataSerialization) RemoveIdTypeFromSource(scope Scope, source Id, edgeType, idType string, timestamp int64) (*MutationBatch, error) {
	if err := validateMetaRemoval(scope, source, timestamp, edgeType, idType); err != nil {
		return nil, err
	}
	return s.remove(idTypesRow(cfIdTypesFromSource, scope, source, edgeType), idType, timestamp), nil
}

func (s *edgeMetadataSerialization) RemoveIdTypeToTarget(scope Scope, target Id, edgeType, idType string, timestamp int64) (*MutationBatch, error) {
	if err := validateMetaRemoval(scope, target, timestamp, edgeType, idType); err != nil {
		return nil, err
	}
	return s.remove(idTypesRow(cfIdTypesToTarget, scope, target, edgeType), idType, timestamp), nil
}

func (s *edgeMetadataSerialization) remove(row []byte, name string, ts int64) *MutationBatch {
	return s.ks.PrepareMutationBatch().Delete(metaColumnKey(row, name), ts)
}

func validateMetaRemoval(scope Scope, node Id, ts int64, names ...string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if err := node.Validate(); err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			return fmt.Errorf("%w: type name is required", ErrInvalidSearch)
		}
	}
	return ValidateTimestamp(ts, "timestamp")
}
