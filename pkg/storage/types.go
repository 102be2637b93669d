// Package storage provides the data model and the storage layer for edgestore.
//
// The storage layer is modelled on an append-only column store: edges are
// never updated in place, only written or tombstoned, and every stored cell
// carries the timestamp it was written with. Physical removal of obsolete
// cells is left to the repair engine in package graph.
//
// Three serializations sit on top of a single key-value engine (Badger on
// disk, or a B-tree in memory):
//   - EdgeSerialization: versioned edges, indexed from the source and to the
//     target. Two instances exist, the commit log and permanent storage.
//   - EdgeMetadataSerialization: the edge-type and id-type indexes per node.
//   - NodeSerialization: the max-version marker of deleted nodes.
//
// Example Usage:
//
//	engine, err := storage.NewBadgerEngineInMemory()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	ks := storage.NewKeyspace(engine)
//	commitLog := storage.NewEdgeSerialization(ks, storage.TierCommitLog)
//
//	edge := storage.NewMarkedEdge(source, "likes", target, storage.NewVersion(), false)
//	batch, _ := commitLog.WriteEdge(scope, edge, storage.VersionTimestamp(edge.Version))
//	if err := batch.Execute(ctx); err != nil {
//		log.Fatal(err)
//	}
package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidID        = errors.New("invalid id")
	ErrInvalidScope     = errors.New("invalid scope")
	ErrInvalidEdge      = errors.New("invalid edge")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrInvalidSearch    = errors.New("invalid search")
	ErrStorageClosed    = errors.New("storage closed")
	ErrConnection       = errors.New("unable to reach storage")
	ErrIterationStopped = errors.New("iteration stopped") // Sentinel to stop streaming early
)

// IsValidationError reports whether err is a precondition failure raised
// before any I/O took place. Such errors are never worth retrying.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidScope) ||
		errors.Is(err, ErrInvalidEdge) ||
		errors.Is(err, ErrInvalidTimestamp) ||
		errors.Is(err, ErrInvalidSearch)
}

// Id identifies an entity in the graph: an opaque UUID plus a type tag.
//
// Two ids are equal when both the UUID and the type are equal, so Id can be
// used directly as a map key.
//
// Example:
//
//	user := storage.NewId("user")
//	post := storage.Id{UUID: uuid.MustParse("..."), Type: "post"}
type Id struct {
	UUID uuid.UUID `json:"uuid"`
	Type string    `json:"type"`
}

// NewId returns an id of the given type with a fresh time-based UUID.
func NewId(idType string) Id {
	return Id{UUID: NewVersion(), Type: idType}
}

// ParseId parses the "type:uuid" form produced by Id.String.
func ParseId(s string) (Id, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return Id{}, fmt.Errorf("%w: %q is not of the form type:uuid", ErrInvalidID, s)
	}
	u, err := uuid.Parse(s[i+1:])
	if err != nil {
		return Id{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	id := Id{UUID: u, Type: s[:i]}
	return id, id.Validate()
}

// Validate checks that both the UUID and the type are set.
func (id Id) Validate() error {
	if id.UUID == uuid.Nil {
		return fmt.Errorf("%w: uuid is required", ErrInvalidID)
	}
	if id.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidID)
	}
	return nil
}

// String renders the id as "type:uuid".
func (id Id) String() string {
	return id.Type + ":" + id.UUID.String()
}

// Scope is the tenant boundary every graph operation is namespaced by.
type Scope struct {
	Application Id `json:"application"`
}

// NewScope returns a scope for the given application id.
func NewScope(application Id) Scope {
	return Scope{Application: application}
}

// Validate checks that the scope names a valid application.
func (s Scope) Validate() error {
	if err := s.Application.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}
	return nil
}

// ============================================================================
// Versions and timestamps
// ============================================================================

// uuidEpochOffset is the number of 100ns ticks between 1582-10-15 (the UUID
// epoch) and the Unix epoch.
const uuidEpochOffset = 0x01B21DD213814000

// NewVersion returns a new time-based (version 1) UUID.
// Versions generated by one process are strictly increasing.
func NewVersion() uuid.UUID {
	return uuid.Must(uuid.NewUUID())
}

// NewVersionAt builds a version 1 UUID carrying the given timestamp (100ns
// ticks since the UUID epoch) and random clock sequence and node bits.
// It is mostly useful for tests and for replaying externally stamped events.
func NewVersionAt(timestamp int64) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], uint32(timestamp&0xffffffff))
	binary.BigEndian.PutUint16(u[4:6], uint16((timestamp>>32)&0xffff))
	binary.BigEndian.PutUint16(u[6:8], uint16((timestamp>>48)&0x0fff)|0x1000)

	r := uuid.New()
	copy(u[8:], r[8:])
	u[8] = (u[8] & 0x3f) | 0x80 // RFC 4122 variant
	return u
}

// VersionTimestamp returns the timestamp embedded in a time-based version,
// in 100ns ticks since the UUID epoch.
func VersionTimestamp(v uuid.UUID) int64 {
	return int64(v.Time())
}

// TimestampOf converts a wall-clock time to the tick representation used by
// versions and cell timestamps.
func TimestampOf(t time.Time) int64 {
	return t.UnixNano()/100 + uuidEpochOffset
}

// TimeOf converts a tick timestamp back to wall-clock time.
func TimeOf(ts int64) time.Time {
	ticks := ts - uuidEpochOffset
	return time.Unix(0, ticks*100)
}

// NowTimestamp returns the current time as a tick timestamp.
func NowTimestamp() int64 {
	return TimestampOf(time.Now())
}

// CompareVersions orders two versions by their embedded timestamp, breaking
// ties on the raw bytes. It returns -1, 0 or +1.
func CompareVersions(a, b uuid.UUID) int {
	ta, tb := VersionTimestamp(a), VersionTimestamp(b)
	switch {
	case ta < tb:
		return -1
	case ta > tb:
		return 1
	}
	return bytes.Compare(a[:], b[:])
}

// ============================================================================
// Edges
// ============================================================================

// Edge is a directed, typed, versioned relationship between two nodes.
type Edge struct {
	SourceNode Id        `json:"sourceNode"`
	Type       string    `json:"type"`
	TargetNode Id        `json:"targetNode"`
	Version    uuid.UUID `json:"version"`
}

// Timestamp returns the edge's implicit timestamp, taken from its version.
func (e Edge) Timestamp() int64 {
	return VersionTimestamp(e.Version)
}

// Validate checks that every part of the edge identity is present.
func (e Edge) Validate() error {
	if err := e.SourceNode.Validate(); err != nil {
		return fmt.Errorf("%w: source node: %v", ErrInvalidEdge, err)
	}
	if err := e.TargetNode.Validate(); err != nil {
		return fmt.Errorf("%w: target node: %v", ErrInvalidEdge, err)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEdge)
	}
	if e.Version == uuid.Nil {
		return fmt.Errorf("%w: version is required", ErrInvalidEdge)
	}
	if e.Version.Version() != 1 {
		return fmt.Errorf("%w: version must be a time-based uuid", ErrInvalidEdge)
	}
	return nil
}

// SameEdge reports whether two edges share the (source, type, target) triple,
// regardless of version.
func (e Edge) SameEdge(o Edge) bool {
	return e.SourceNode == o.SourceNode && e.Type == o.Type && e.TargetNode == o.TargetNode
}

func (e Edge) String() string {
	return fmt.Sprintf("%s-[%s]->%s@%s", e.SourceNode, e.Type, e.TargetNode, e.Version)
}

// MarkedEdge is an edge together with its deletion state.
//
// Deleted is the tombstone flag stored with the edge. SourceDeleted and
// TargetDeleted are computed on read and flag edges whose endpoint node was
// marked deleted at or after the edge's version, i.e. edges still waiting
// for the node delete to remove them.
type MarkedEdge struct {
	Edge
	Deleted       bool `json:"deleted"`
	SourceDeleted bool `json:"sourceDeleted,omitempty"`
	TargetDeleted bool `json:"targetDeleted,omitempty"`
}

// NewMarkedEdge builds a marked edge.
func NewMarkedEdge(source Id, edgeType string, target Id, version uuid.UUID, deleted bool) MarkedEdge {
	return MarkedEdge{
		Edge: Edge{
			SourceNode: source,
			Type:       edgeType,
			TargetNode: target,
			Version:    version,
		},
		Deleted: deleted,
	}
}

// ============================================================================
// Searches
// ============================================================================

// Order is the scan order of an edge search.
type Order int

const (
	// OrderDescending returns the newest versions first. It is the default.
	OrderDescending Order = iota
	// OrderAscending returns the oldest versions first.
	OrderAscending
)

func (o Order) String() string {
	if o == OrderAscending {
		return "ascending"
	}
	return "descending"
}

// SearchByEdge selects every stored version of one (source, type, target)
// triple with a timestamp <= MaxTimestamp.
type SearchByEdge struct {
	SourceNode   Id
	Type         string
	TargetNode   Id
	MaxTimestamp int64
	Order        Order
	// Last resumes the scan after this edge when set.
	Last *MarkedEdge
}

// Validate checks the search parameters.
func (s SearchByEdge) Validate() error {
	if err := s.SourceNode.Validate(); err != nil {
		return fmt.Errorf("%w: source node: %v", ErrInvalidSearch, err)
	}
	if err := s.TargetNode.Validate(); err != nil {
		return fmt.Errorf("%w: target node: %v", ErrInvalidSearch, err)
	}
	if s.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidSearch)
	}
	return validateTimestamp(s.MaxTimestamp, "max timestamp")
}

// SearchByEdgeType selects the edges of one type from (or to) a node with a
// timestamp <= MaxTimestamp.
type SearchByEdgeType struct {
	Node         Id
	Type         string
	MaxTimestamp int64
	Order        Order
	// Last resumes the scan after this edge when set.
	Last *MarkedEdge
}

// Validate checks the search parameters.
func (s SearchByEdgeType) Validate() error {
	if err := s.Node.Validate(); err != nil {
		return fmt.Errorf("%w: node: %v", ErrInvalidSearch, err)
	}
	if s.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidSearch)
	}
	return validateTimestamp(s.MaxTimestamp, "max timestamp")
}

// SearchByIdType narrows a SearchByEdgeType to the edges whose opposite node
// has the given type.
type SearchByIdType struct {
	SearchByEdgeType
	IdType string
}

// Validate checks the search parameters.
func (s SearchByIdType) Validate() error {
	if err := s.SearchByEdgeType.Validate(); err != nil {
		return err
	}
	if s.IdType == "" {
		return fmt.Errorf("%w: id type is required", ErrInvalidSearch)
	}
	return nil
}

// SearchEdgeType lists the edge types recorded for a node.
type SearchEdgeType struct {
	Node Id
	// Prefix restricts the result to types starting with it.
	Prefix string
	// Last resumes the listing after this type when set.
	Last string
}

// Validate checks the search parameters.
func (s SearchEdgeType) Validate() error {
	if err := s.Node.Validate(); err != nil {
		return fmt.Errorf("%w: node: %v", ErrInvalidSearch, err)
	}
	return nil
}

// SearchIdType lists the id types (subtypes) recorded for a node and edge type.
type SearchIdType struct {
	SearchEdgeType
	Type string
}

// Validate checks the search parameters.
func (s SearchIdType) Validate() error {
	if err := s.SearchEdgeType.Validate(); err != nil {
		return err
	}
	if s.Type == "" {
		return fmt.Errorf("%w: edge type is required", ErrInvalidSearch)
	}
	return nil
}

func validateTimestamp(ts int64, name string) error {
	if ts <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidTimestamp, name, ts)
	}
	return nil
}

// ValidateTimestamp checks that a tick timestamp is usable as a cutoff.
func ValidateTimestamp(ts int64, name string) error {
	return validateTimestamp(ts, name)
}

// ============================================================================
// Serialization interfaces
// ============================================================================

// EdgeSerialization stores versioned edges. Every edge is written to six
// rows: from the source, from the source by target type, to the target, to
// the target by source type, and the version rows of its triple on the
// source and on the target side.
//
// Mutating methods return a pending MutationBatch; nothing is written until
// the batch executes. Read methods return lazy sequences that fetch one page
// per read transaction; breaking out of the range loop stops the scan.
type EdgeSerialization interface {
	// Tier names the storage region this serialization reads and writes.
	Tier() Tier

	// WriteEdge stores the edge with the given cell timestamp. An existing
	// cell with a newer timestamp wins.
	WriteEdge(scope Scope, edge MarkedEdge, timestamp int64) (*MutationBatch, error)

	// DeleteEdge removes the edge's cells whose write timestamp is <= timestamp.
	DeleteEdge(scope Scope, edge MarkedEdge, timestamp int64) (*MutationBatch, error)

	// GetEdgeVersionsFromSource scans the versions of one triple as recorded
	// in the source node's version row.
	GetEdgeVersionsFromSource(ctx context.Context, scope Scope, search SearchByEdge) iter.Seq2[MarkedEdge, error]

	// GetEdgeVersionsToTarget scans the versions of one triple as recorded in
	// the target node's version row.
	GetEdgeVersionsToTarget(ctx context.Context, scope Scope, search SearchByEdge) iter.Seq2[MarkedEdge, error]

	GetEdgesFromSource(ctx context.Context, scope Scope, search SearchByEdgeType) iter.Seq2[MarkedEdge, error]
	GetEdgesToTarget(ctx context.Context, scope Scope, search SearchByEdgeType) iter.Seq2[MarkedEdge, error]
	GetEdgesFromSourceByTargetType(ctx context.Context, scope Scope, search SearchByIdType) iter.Seq2[MarkedEdge, error]
	GetEdgesToTargetBySourceType(ctx context.Context, scope Scope, search SearchByIdType) iter.Seq2[MarkedEdge, error]

	// StreamEdgeVersions walks every edge version stored in this tier,
	// across all scopes.
	StreamEdgeVersions(ctx context.Context) iter.Seq2[ScopedEdge, error]
}

// ScopedEdge pairs an edge with the scope it was stored under.
type ScopedEdge struct {
	Scope Scope
	Edge  MarkedEdge
}

// EdgeMetadataSerialization stores the edge-type and id-type indexes.
//
// For a node N the source edge-type index lists every type T with an edge
// from N, and the source id-type index of (N, T) lists the types of the
// targets of those edges. The target side mirrors this.
type EdgeMetadataSerialization interface {
	// WriteEdge (re)asserts the four index entries the edge justifies, stamped
	// with the edge's timestamp.
	WriteEdge(scope Scope, edge Edge) (*MutationBatch, error)

	GetEdgeTypesFromSource(ctx context.Context, scope Scope, search SearchEdgeType) iter.Seq2[string, error]
	GetEdgeTypesToTarget(ctx context.Context, scope Scope, search SearchEdgeType) iter.Seq2[string, error]
	GetIdTypesFromSource(ctx context.Context, scope Scope, search SearchIdType) iter.Seq2[string, error]
	GetIdTypesToTarget(ctx context.Context, scope Scope, search SearchIdType) iter.Seq2[string, error]

	// The remove methods only drop entries written at or before timestamp, so
	// an entry re-asserted by a newer write survives.
	RemoveEdgeTypeFromSource(scope Scope, source Id, edgeType string, timestamp int64) (*MutationBatch, error)
	RemoveEdgeTypeToTarget(scope Scope, target Id, edgeType string, timestamp int64) (*MutationBatch, error)
	RemoveIdTypeFromSource(scope Scope, source Id, edgeType, idType string, timestamp int64) (*MutationBatch, error)
	RemoveIdTypeToTarget(scope Scope, target Id, edgeType, idType string, timestamp int64) (*MutationBatch, error)
}

// NodeSerialization stores the max-version marker of nodes pending deletion.
type NodeSerialization interface {
	// Mark records version as the node's delete marker, keeping the greater
	// of the stored and the given version.
	Mark(scope Scope, node Id, version uuid.UUID) (*MutationBatch, error)

	// GetMaxVersion returns the node's marker. found is false when the node
	// has none.
	GetMaxVersion(ctx context.Context, scope Scope, node Id) (version uuid.UUID, found bool, err error)

	// Delete removes the marker if it is not newer than version.
	Delete(scope Scope, node Id, version uuid.UUID) (*MutationBatch, error)
}
