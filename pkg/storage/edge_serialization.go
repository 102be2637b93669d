package storage

import (
	"context"
	"fmt"
	"iter"
)

// edgeSerialization stores edges in one tier of the keyspace.
type edgeSerialization struct {
	ks   *Keyspace
	tier Tier
}

// NewEdgeSerialization returns the edge serialization of the given tier.
// The commit log and permanent storage share a keyspace but never a key.
//
// Example:
//
//	ks := storage.NewKeyspace(engine)
//	commitLog := storage.NewEdgeSerialization(ks, storage.TierCommitLog)
//	permanent := storage.NewEdgeSerialization(ks, storage.TierStorage)
func NewEdgeSerialization(ks *Keyspace, tier Tier) EdgeSerialization {
	return &edgeSerialization{ks: ks, tier: tier}
}

func (s *edgeSerialization) Tier() Tier { return s.tier }

// edgeKeys returns the six keys an edge is stored under.
func (s *edgeSerialization) edgeKeys(scope Scope, e Edge) [][]byte {
	src, tgt := e.SourceNode, e.TargetNode
	return [][]byte{
		edgeColumnKey(sourceEdgesRow(s.tier, scope, src, e.Type), e.Version, tgt),
		edgeColumnKey(sourceEdgesByTargetTypeRow(s.tier, scope, src, e.Type, tgt.Type), e.Version, tgt),
		edgeColumnKey(targetEdgesRow(s.tier, scope, tgt, e.Type), e.Version, src),
		edgeColumnKey(targetEdgesBySourceTypeRow(s.tier, scope, tgt, e.Type, src.Type), e.Version, src),
		versionColumnKey(sourceVersionsRow(s.tier, scope, src, e.Type, tgt), e.Version),
		versionColumnKey(targetVersionsRow(s.tier, scope, tgt, e.Type, src), e.Version),
	}
}

func validateEdgeMutation(scope Scope, edge MarkedEdge, timestamp int64) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if err := edge.Validate(); err != nil {
		return err
	}
	return ValidateTimestamp(timestamp, "timestamp")
}

func (s *edgeSerialization) WriteEdge(scope Scope, edge MarkedEdge, timestamp int64) (*MutationBatch, error) {
	if err := validateEdgeMutation(scope, edge, timestamp); err != nil {
		return nil, err
	}
	payload, err := serializeEdge(scope, edge)
	if err != nil {
		return nil, err
	}

	batch := s.ks.PrepareMutationBatch()
	for _, key := range s.edgeKeys(scope, edge.Edge) {
		batch.Put(key, payload, timestamp)
	}
	return batch, nil
}

func (s *edgeSerialization) DeleteEdge(scope Scope, edge MarkedEdge, timestamp int64) (*MutationBatch, error) {
	if err := validateEdgeMutation(scope, edge, timestamp); err != nil {
		return nil, err
	}

	batch := s.ks.PrepareMutationBatch()
	for _, key := range s.edgeKeys(scope, edge.Edge) {
		batch.Delete(key, timestamp)
	}
	return batch, nil
}

// ============================================================================
// Reads
// ============================================================================

// edgeScan describes one row scan. resume builds the column key of the
// cursor edge; match guards against records that do not belong to the row.
type edgeScan struct {
	row          []byte
	maxTimestamp int64
	order        Order
	last         *MarkedEdge
	resume       func(row []byte, last MarkedEdge) []byte
	match        func(rec edgeRecord) bool
}

func (s *edgeSerialization) scanEdges(ctx context.Context, q edgeScan) iter.Seq2[MarkedEdge, error] {
	r := ScanRange{Prefix: q.row}
	if q.order == OrderAscending {
		r.End = timestampBound(q.row, q.maxTimestamp)
	} else {
		r.Reverse = true
		r.Start = timestampBound(q.row, q.maxTimestamp)
	}
	if q.last != nil {
		r.Start = q.resume(q.row, *q.last)
		r.SkipStart = true
	}

	return func(yield func(MarkedEdge, error) bool) {
		for c, err := range s.ks.scan(ctx, r) {
			if err != nil {
				yield(MarkedEdge{}, fmt.Errorf("scanning %s edges: %w", s.tier, err))
				return
			}
			rec, err := deserializeEdge(c.payload)
			if err != nil {
				yield(MarkedEdge{}, err)
				return
			}
			if !q.match(rec) {
				continue
			}
			if !yield(rec.Edge, nil) {
				return
			}
		}
	}
}

// failed returns a sequence that yields err once.
func failed[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}

func resumeFromSource(row []byte, last MarkedEdge) []byte {
	return edgeColumnKey(row, last.Version, last.TargetNode)
}

func resumeToTarget(row []byte, last MarkedEdge) []byte {
	return edgeColumnKey(row, last.Version, last.SourceNode)
}

func resumeVersion(row []byte, last MarkedEdge) []byte {
	return versionColumnKey(row, last.Version)
}

func (s *edgeSerialization) GetEdgeVersionsFromSource(ctx context.Context, scope Scope, search SearchByEdge) iter.Seq2[MarkedEdge, error] {
	if err := validateSearch(scope, search); err != nil {
		return failed[MarkedEdge](err)
	}
	return s.scanEdges(ctx, edgeScan{
		row:          sourceVersionsRow(s.tier, scope, search.SourceNode, search.Type, search.TargetNode),
		maxTimestamp: search.MaxTimestamp,
		order:        search.Order,
		last:         search.Last,
		resume:       resumeVersion,
		match: func(rec edgeRecord) bool {
			return rec.Scope == scope && rec.Edge.SourceNode == search.SourceNode &&
				rec.Edge.Type == search.Type && rec.Edge.TargetNode == search.TargetNode
		},
	})
}

func (s *edgeSerialization) GetEdgeVersionsToTarget(ctx context.Context, scope Scope, search SearchByEdge) iter.Seq2[MarkedEdge, error] {
	if err := validateSearch(scope, search); err != nil {
		return failed[MarkedEdge](err)
	}
	return s.scanEdges(ctx, edgeScan{
		row:          targetVersionsRow(s.tier, scope, search.TargetNode, search.Type, search.SourceNode),
		maxTimestamp: search.MaxTimestamp,
		order:        search.Order,
		last:         search.Last,
		resume:       resumeVersion,
		match: func(rec edgeRecord) bool {
			return rec.Scope == scope && rec.Edge.SourceNode == search.SourceNode &&
				rec.Edge.Type == search.Type && rec.Edge.TargetNode == search.TargetNode
		},
	})
}

func (s *edgeSerialization) GetEdgesFromSource(ctx context.Context, scope Scope, search SearchByEdgeType) iter.Seq2[MarkedEdge, error] {
	if err := validateSearch(scope, search); err != nil {
		return failed[MarkedEdge](err)
	}
	return s.scanEdges(ctx, edgeScan{
		row:          sourceEdgesRow(s.tier, scope, search.Node, search.Type),
		maxTimestamp: search.MaxTimestamp,
		order:        search.Order,
		last:         search.Last,
		resume:       resumeFromSource,
		match: func(rec edgeRecord) bool {
			return rec.Scope == scope && rec.Edge.SourceNode == search.Node && rec.Edge.Type == search.Type
		},
	})
}

func (s *edgeSerialization) GetEdgesToTarget(ctx context.Context, scope Scope, search SearchByEdgeType) iter.Seq2[MarkedEdge, error] {
	if err := validateSearch(scope, search); err != nil {
		return failed[MarkedEdge](err)
	}
	return s.scanEdges(ctx, edgeScan{
		row:          targetEdgesRow(s.tier, scope, search.Node, search.Type),
		maxTimestamp: search.MaxTimestamp,
		order:        search.Order,
		last:         search.Last,
		resume:       resumeToTarget,
		match: func(rec edgeRecord) bool {
			return rec.Scope == scope && rec.Edge.TargetNode == search.Node && rec.Edge.Type == search.Type
		},
	})
}

func (s *edgeSerialization) GetEdgesFromSourceByTargetType(ctx context.Context, scope Scope, search SearchByIdType) iter.Seq2[MarkedEdge, error] {
	if err := validateSearch(scope, search); err != nil {
		return failed[MarkedEdge](err)
	}
	return s.scanEdges(ctx, edgeScan{
		row:          sourceEdgesByTargetTypeRow(s.tier, scope, search.Node, search.Type, search.IdType),
		maxTimestamp: search.MaxTimestamp,
		order:        search.Order,
		last:         search.Last,
		resume:       resumeFromSource,
		match: func(rec edgeRecord) bool {
			return rec.Scope == scope && rec.Edge.SourceNode == search.Node &&
				rec.Edge.Type == search.Type && rec.Edge.TargetNode.Type == search.IdType
		},
	})
}

func (s *edgeSerialization) GetEdgesToTargetBySourceType(ctx context.Context, scope Scope, search SearchByIdType) iter.Seq2[MarkedEdge, error] {
	if err := validateSearch(scope, search); err != nil {
		return failed[MarkedEdge](err)
	}
	return s.scanEdges(ctx, edgeScan{
		row:          targetEdgesBySourceTypeRow(s.tier, scope, search.Node, search.Type, search.IdType),
		maxTimestamp: search.MaxTimestamp,
		order:        search.Order,
		last:         search.Last,
		resume:       resumeToTarget,
		match: func(rec edgeRecord) bool {
			return rec.Scope == scope && rec.Edge.TargetNode == search.Node &&
				rec.Edge.Type == search.Type && rec.Edge.SourceNode.Type == search.IdType
		},
	})
}

// StreamEdgeVersions walks the source version rows of the tier, which hold
// exactly one entry per stored edge version.
func (s *edgeSerialization) StreamEdgeVersions(ctx context.Context) iter.Seq2[ScopedEdge, error] {
	r := ScanRange{Prefix: []byte{byte(s.tier), cfSourceVersions}}
	return func(yield func(ScopedEdge, error) bool) {
		for c, err := range s.ks.scan(ctx, r) {
			if err != nil {
				yield(ScopedEdge{}, fmt.Errorf("streaming %s edges: %w", s.tier, err))
				return
			}
			rec, err := deserializeEdge(c.payload)
			if err != nil {
				yield(ScopedEdge{}, err)
				return
			}
			if !yield(ScopedEdge{Scope: rec.Scope, Edge: rec.Edge}, nil) {
				return
			}
		}
	}
}

// validator is implemented by every search type.
type validator interface {
	Validate() error
}

func validateSearch(scope Scope, search validator) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	return search.Validate()
}
