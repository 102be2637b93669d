package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Every stored value is a cell:
//
//	flags(1) | timestamp(8, big endian) | payload
//
// The timestamp is the write timestamp of the cell. A cell with the
// tombstone flag records a delete; it shadows older writes to the same key
// until PurgeTombstones removes it.
const (
	cellHeaderLen = 9

	cellTombstone byte = 1 << 0
)

type cell struct {
	tombstone bool
	timestamp int64
	payload   []byte
}

func encodeCell(tombstone bool, ts int64, payload []byte) []byte {
	out := make([]byte, cellHeaderLen, cellHeaderLen+len(payload))
	if tombstone {
		out[0] = cellTombstone
	}
	binary.BigEndian.PutUint64(out[1:cellHeaderLen], uint64(ts))
	return append(out, payload...)
}

func decodeCell(data []byte) (cell, error) {
	if len(data) < cellHeaderLen {
		return cell{}, fmt.Errorf("corrupt cell: %d bytes", len(data))
	}
	return cell{
		tombstone: data[0]&cellTombstone != 0,
		timestamp: int64(binary.BigEndian.Uint64(data[1:cellHeaderLen])),
		payload:   data[cellHeaderLen:],
	}, nil
}

// edgeRecord is the payload of every edge and version row.
type edgeRecord struct {
	Scope Scope      `json:"scope"`
	Edge  MarkedEdge `json:"edge"`
}

// serializeEdge converts an edge to JSON bytes for storage.
func serializeEdge(scope Scope, edge MarkedEdge) ([]byte, error) {
	// Read-side flags are never persisted.
	edge.SourceDeleted, edge.TargetDeleted = false, false
	return json.Marshal(edgeRecord{Scope: scope, Edge: edge})
}

// deserializeEdge converts JSON bytes back to an edge.
func deserializeEdge(data []byte) (edgeRecord, error) {
	var rec edgeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return edgeRecord{}, fmt.Errorf("unmarshaling edge: %w", err)
	}
	return rec, nil
}

// nodeRecord is the payload of a node marker.
type nodeRecord struct {
	Version uuid.UUID `json:"version"`
}

func serializeNode(version uuid.UUID) ([]byte, error) {
	return json.Marshal(nodeRecord{Version: version})
}

func deserializeNode(data []byte) (nodeRecord, error) {
	var rec nodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nodeRecord{}, fmt.Errorf("unmarshaling node marker: %w", err)
	}
	return rec, nil
}
