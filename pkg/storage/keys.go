package storage

import (
	"encoding/binary"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/edgestore/pkg/pool"
)

// Key layout
//
//	region(1) | family(1) | rowHash(16) | column
//
// The row hash is a BLAKE2b-128 digest of the length-prefixed row parts
// (scope, node, type, ...), so rows of any shape have a fixed-width prefix
// and a scan never bleeds into a neighbouring row. Columns sort the way the
// scans need them:
//
//	edge rows:     timestamp(8, big endian) | version(16) | other node uuid(16) | other node type
//	version rows:  timestamp(8, big endian) | version(16)
//	metadata rows: type name
//
// Values hold the full record, so keys never need to be decoded.
const (
	regionMeta  byte = 'M'
	regionNodes byte = 'N'

	rowHashLen = 16
	rowLen     = 2 + rowHashLen
)

// Tier names one of the two disjoint edge regions.
type Tier byte

const (
	// TierCommitLog holds freshly written edges until compaction moves them.
	TierCommitLog Tier = 'C'
	// TierStorage is permanent storage.
	TierStorage Tier = 'S'
)

func (t Tier) String() string {
	switch t {
	case TierCommitLog:
		return "commitlog"
	case TierStorage:
		return "storage"
	}
	return "unknown"
}

// Column families of an edge tier.
const (
	cfSourceEdges             byte = 1 // (source, type)
	cfSourceEdgesByTargetType byte = 2 // (source, type, target type)
	cfTargetEdges             byte = 3 // (target, type)
	cfTargetEdgesBySourceType byte = 4 // (target, type, source type)
	cfSourceVersions          byte = 5 // (source, type, target)
	cfTargetVersions          byte = 6 // (target, type, source)
)

// Column families of the metadata region.
const (
	cfEdgeTypesFromSource byte = 1 // (source)
	cfEdgeTypesToTarget   byte = 2 // (target)
	cfIdTypesFromSource   byte = 3 // (source, type)
	cfIdTypesToTarget     byte = 4 // (target, type)
)

// rowHasher accumulates length-prefixed row parts.
type rowHasher struct {
	buf []byte
}

func newRowHasher(scope Scope) *rowHasher {
	h := &rowHasher{buf: pool.GetByteBuffer()}
	return h.id(scope.Application)
}

func (h *rowHasher) id(id Id) *rowHasher {
	h.buf = append(h.buf, id.UUID[:]...)
	return h.str(id.Type)
}

func (h *rowHasher) str(s string) *rowHasher {
	h.buf = binary.AppendUvarint(h.buf, uint64(len(s)))
	h.buf = append(h.buf, s...)
	return h
}

// row returns region | family | hash and releases the buffer.
func (h *rowHasher) row(region, family byte) []byte {
	sum := blake2bSum128(h.buf)
	pool.PutByteBuffer(h.buf)
	h.buf = nil

	key := make([]byte, 0, rowLen+64)
	key = append(key, region, family)
	return append(key, sum[:]...)
}

func blake2bSum128(data []byte) [rowHashLen]byte {
	var out [rowHashLen]byte
	// New only fails for invalid sizes or keys.
	h, _ := blake2b.New(rowHashLen, nil)
	h.Write(data)
	copy(out[:], h.Sum(nil))
	return out
}

// appendVersionColumn appends timestamp | version.
func appendVersionColumn(key []byte, version uuid.UUID) []byte {
	key = binary.BigEndian.AppendUint64(key, uint64(VersionTimestamp(version)))
	return append(key, version[:]...)
}

// timestampBound returns the key just above every column of row with a
// timestamp <= maxTimestamp.
func timestampBound(row []byte, maxTimestamp int64) []byte {
	key := make([]byte, 0, len(row)+8)
	key = append(key, row...)
	return binary.BigEndian.AppendUint64(key, uint64(maxTimestamp)+1)
}

// edgeColumnKey builds the key of an edge within an edge row.
func edgeColumnKey(row []byte, version uuid.UUID, other Id) []byte {
	key := make([]byte, 0, len(row)+40+len(other.Type))
	key = append(key, row...)
	key = appendVersionColumn(key, version)
	key = append(key, other.UUID[:]...)
	return append(key, other.Type...)
}

// versionColumnKey builds the key of an edge within a version row.
func versionColumnKey(row []byte, version uuid.UUID) []byte {
	key := make([]byte, 0, len(row)+24)
	key = append(key, row...)
	return appendVersionColumn(key, version)
}

// ============================================================================
// Row builders
// ============================================================================

func sourceEdgesRow(tier Tier, scope Scope, source Id, edgeType string) []byte {
	return newRowHasher(scope).id(source).str(edgeType).row(byte(tier), cfSourceEdges)
}

func sourceEdgesByTargetTypeRow(tier Tier, scope Scope, source Id, edgeType, targetType string) []byte {
	return newRowHasher(scope).id(source).str(edgeType).str(targetType).row(byte(tier), cfSourceEdgesByTargetType)
}

func targetEdgesRow(tier Tier, scope Scope, target Id, edgeType string) []byte {
	return newRowHasher(scope).id(target).str(edgeType).row(byte(tier), cfTargetEdges)
}

func targetEdgesBySourceTypeRow(tier Tier, scope Scope, target Id, edgeType, sourceType string) []byte {
	return newRowHasher(scope).id(target).str(edgeType).str(sourceType).row(byte(tier), cfTargetEdgesBySourceType)
}

func sourceVersionsRow(tier Tier, scope Scope, source Id, edgeType string, target Id) []byte {
	return newRowHasher(scope).id(source).str(edgeType).id(target).row(byte(tier), cfSourceVersions)
}

func targetVersionsRow(tier Tier, scope Scope, target Id, edgeType string, source Id) []byte {
	return newRowHasher(scope).id(target).str(edgeType).id(source).row(byte(tier), cfTargetVersions)
}

func edgeTypesRow(family byte, scope Scope, node Id) []byte {
	return newRowHasher(scope).id(node).row(regionMeta, family)
}

func idTypesRow(family byte, scope Scope, node Id, edgeType string) []byte {
	return newRowHasher(scope).id(node).str(edgeType).row(regionMeta, family)
}

func nodeMarkerKey(scope Scope, node Id) []byte {
	return newRowHasher(scope).id(node).row(regionNodes, 0)
}

// metaColumnKey builds the key of a type name within a metadata row.
func metaColumnKey(row []byte, name string) []byte {
	key := make([]byte, 0, len(row)+len(name))
	key = append(key, row...)
	return append(key, name...)
}
