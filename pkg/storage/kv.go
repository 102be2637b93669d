package storage

import (
	"bytes"
	"context"
)

// KVEngine is the ordered key-value store the serializations are built on.
// BadgerEngine and MemoryEngine implement it.
type KVEngine interface {
	// Update runs fn in a read-write transaction that commits atomically
	// when fn returns nil.
	Update(ctx context.Context, fn func(txn Txn) error) error

	// ScanPage returns up to limit entries of the range, in range order, from
	// one consistent read snapshot.
	ScanPage(ctx context.Context, r ScanRange, limit int) ([]KVPair, error)

	Close() error
}

// Txn is the view of the store inside an Update.
type Txn interface {
	// Get returns a copy of the value, or ErrNotFound.
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
}

// KVPair is one stored entry. Both slices are owned by the caller.
type KVPair struct {
	Key   []byte
	Value []byte
}

// ScanRange describes a prefix scan.
//
// Forward scans start at the first key >= Start and stop before End; reverse
// scans start at the last key <= Start. A nil Start means the beginning (or,
// reversed, the end) of the prefix. With SkipStart an entry whose key equals
// Start is skipped, which is how paged scans resume after the last key they
// returned.
type ScanRange struct {
	Prefix    []byte
	Start     []byte
	End       []byte // exclusive, forward scans only
	Reverse   bool
	SkipStart bool
}

// seekKey returns the key the iterator should be positioned at.
func (r ScanRange) seekKey() []byte {
	if r.Start != nil {
		return r.Start
	}
	if !r.Reverse {
		return r.Prefix
	}
	return prefixSuccessor(r.Prefix)
}

// accept reports whether key belongs to the range and whether it should be
// emitted (false for the skipped start key).
func (r ScanRange) accept(key []byte) (inRange, emit bool) {
	if !bytes.HasPrefix(key, r.Prefix) {
		// A reverse seek to the prefix successor may land on the successor
		// itself, which sits above the range.
		if r.Reverse && bytes.Compare(key, r.Prefix) > 0 {
			return true, false
		}
		return false, false
	}
	if !r.Reverse && r.End != nil && bytes.Compare(key, r.End) >= 0 {
		return false, false
	}
	if r.SkipStart && r.Start != nil && bytes.Equal(key, r.Start) {
		return true, false
	}
	return true, true
}

// prefixSuccessor returns the smallest key greater than every key with the
// prefix.
func prefixSuccessor(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	// Every byte is 0xff: no successor exists, so seek past any sane key.
	return bytes.Repeat([]byte{0xff}, len(prefix)+256)
}
