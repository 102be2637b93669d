// Package storage - Mutation batches.
//
// This file implements the unit of work every serialization hands back to
// its caller: a MutationBatch buffers timestamped operations and applies them
// in one KV transaction when executed.
//
// # Cell Semantics
//
// Every operation carries a timestamp and is compared against the timestamp
// of the cell already stored under its key:
//   - Put writes the cell unless the stored cell is newer, or is a
//     tombstone with the same timestamp (deletes win ties).
//   - Delete replaces the cell with a tombstone unless the stored cell is
//     newer. Deleting an absent key still leaves a tombstone, so a late write
//     stamped before the delete cannot bring the cell back.
//
// This makes every operation idempotent and order-independent, which is what
// lets repair, compaction and node deletion race each other safely.
//
// # ELI12 (Explain Like I'm 12)
//
// Think of every cell as a sticky note with the time written on it:
//
//	PUT    = "Replace the note, but only if mine is at least as recent"
//	DELETE = "Cross the note out, but only if it's not newer than my eraser"
//
// Nobody ever needs to ask who went first. The most recent note wins.
package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// OperationType represents the type of operation in a batch.
type OperationType string

const (
	OpPut    OperationType = "put"
	OpDelete OperationType = "delete"
)

// Operation represents a single timestamped cell operation.
type Operation struct {
	Type      OperationType
	Key       []byte
	Value     []byte // payload for OpPut
	Timestamp int64
}

// apply performs the operation inside txn.
func (op Operation) apply(txn Txn) error {
	existing, err := txn.Get(op.Key)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	default:
		c, err := decodeCell(existing)
		if err != nil {
			return err
		}
		if c.timestamp > op.Timestamp {
			return nil
		}
		if op.Type == OpPut && c.tombstone && c.timestamp == op.Timestamp {
			return nil
		}
	}

	switch op.Type {
	case OpPut:
		return txn.Set(op.Key, encodeCell(false, op.Timestamp, op.Value))
	case OpDelete:
		return txn.Set(op.Key, encodeCell(true, op.Timestamp, nil))
	}
	return fmt.Errorf("unknown operation %q", op.Type)
}

// MutationError reports a batch that failed to execute. It matches
// ErrConnection with errors.Is, and unwraps to the engine's error.
type MutationError struct {
	Operations int
	Err        error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("executing mutation batch of %d operations: %v", e.Operations, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConnection) true for every mutation failure.
func (e *MutationError) Is(target error) bool { return target == ErrConnection }

// MutationBatch buffers operations until Execute.
//
// A batch is not safe for concurrent use; build it in one goroutine and
// merge the batches of other goroutines into it.
type MutationBatch struct {
	ks  *Keyspace
	ops []Operation
}

// Put adds a timestamped write.
func (b *MutationBatch) Put(key, value []byte, timestamp int64) *MutationBatch {
	b.ops = append(b.ops, Operation{Type: OpPut, Key: key, Value: value, Timestamp: timestamp})
	return b
}

// Delete adds a timestamped delete.
func (b *MutationBatch) Delete(key []byte, timestamp int64) *MutationBatch {
	b.ops = append(b.ops, Operation{Type: OpDelete, Key: key, Timestamp: timestamp})
	return b
}

// Merge appends the operations of other, which may be nil. Merging into a
// nil batch returns other.
func (b *MutationBatch) Merge(other *MutationBatch) *MutationBatch {
	if b == nil {
		return other
	}
	if other != nil {
		b.ops = append(b.ops, other.ops...)
	}
	return b
}

// Len returns the number of buffered operations.
func (b *MutationBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.ops)
}

// IsEmpty reports whether the batch has no operations.
func (b *MutationBatch) IsEmpty() bool {
	return b.Len() == 0
}

// Execute applies every operation in one transaction. An empty or nil batch
// does not touch the engine.
func (b *MutationBatch) Execute(ctx context.Context) error {
	if b == nil || len(b.ops) == 0 {
		return nil
	}
	err := b.ks.engine.Update(ctx, func(txn Txn) error {
		for _, op := range b.ops {
			if err := op.apply(txn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &MutationError{Operations: len(b.ops), Err: err}
	}
	return nil
}

// ============================================================================
// Keyspace
// ============================================================================

// DefaultScanPageSize is the number of entries fetched per read transaction.
const DefaultScanPageSize = 1000

// KeyspaceOptions configures a Keyspace.
type KeyspaceOptions struct {
	// ScanPageSize is the number of entries a scan fetches per read
	// transaction. Defaults to DefaultScanPageSize.
	ScanPageSize int
}

// Keyspace binds the serializations to one KV engine.
type Keyspace struct {
	engine   KVEngine
	pageSize int
}

// NewKeyspace creates a keyspace with default options.
func NewKeyspace(engine KVEngine) *Keyspace {
	return NewKeyspaceWithOptions(engine, KeyspaceOptions{})
}

// NewKeyspaceWithOptions creates a keyspace with custom options.
func NewKeyspaceWithOptions(engine KVEngine, opts KeyspaceOptions) *Keyspace {
	if opts.ScanPageSize <= 0 {
		opts.ScanPageSize = DefaultScanPageSize
	}
	return &Keyspace{engine: engine, pageSize: opts.ScanPageSize}
}

// Engine returns the underlying engine.
func (ks *Keyspace) Engine() KVEngine {
	return ks.engine
}

// PrepareMutationBatch returns an empty batch.
func (ks *Keyspace) PrepareMutationBatch() *MutationBatch {
	return &MutationBatch{ks: ks}
}

// storedCell is a live cell found by a scan.
type storedCell struct {
	key       []byte
	timestamp int64
	payload   []byte
}

// scan returns the live cells of r, fetched one page per read transaction.
// Tombstones are skipped.
func (ks *Keyspace) scan(ctx context.Context, r ScanRange) iter.Seq2[storedCell, error] {
	return func(yield func(storedCell, error) bool) {
		for {
			page, err := ks.engine.ScanPage(ctx, r, ks.pageSize)
			if err != nil {
				yield(storedCell{}, err)
				return
			}
			for _, kv := range page {
				c, err := decodeCell(kv.Value)
				if err != nil {
					yield(storedCell{}, fmt.Errorf("key %x: %w", kv.Key, err))
					return
				}
				if c.tombstone {
					continue
				}
				if !yield(storedCell{key: kv.Key, timestamp: c.timestamp, payload: c.payload}, nil) {
					return
				}
			}
			if len(page) < ks.pageSize {
				return
			}
			r.Start = page[len(page)-1].Key
			r.SkipStart = true
		}
	}
}

// PurgeTombstones physically removes tombstones written before the given
// timestamp and returns how many were removed. Run it periodically with a
// cutoff well behind any write still in flight.
func (ks *Keyspace) PurgeTombstones(ctx context.Context, before int64) (int, error) {
	r := ScanRange{Prefix: []byte{}}
	purged := 0
	for {
		page, err := ks.engine.ScanPage(ctx, r, ks.pageSize)
		if err != nil {
			return purged, err
		}

		var expired [][]byte
		for _, kv := range page {
			c, err := decodeCell(kv.Value)
			if err != nil {
				return purged, fmt.Errorf("key %x: %w", kv.Key, err)
			}
			if c.tombstone && c.timestamp < before {
				expired = append(expired, kv.Key)
			}
		}

		if len(expired) > 0 {
			err := ks.engine.Update(ctx, func(txn Txn) error {
				for _, key := range expired {
					// Re-check: the cell may have been rewritten since the scan.
					val, err := txn.Get(key)
					if errors.Is(err, ErrNotFound) {
						continue
					}
					if err != nil {
						return err
					}
					c, err := decodeCell(val)
					if err != nil {
						return err
					}
					if !c.tombstone || c.timestamp >= before {
						continue
					}
					if err := txn.Delete(key); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return purged, &MutationError{Operations: len(expired), Err: err}
			}
			purged += len(expired)
		}

		if len(page) < ks.pageSize {
			return purged, nil
		}
		r.Start = page[len(page)-1].Key
		r.SkipStart = true
	}
}
