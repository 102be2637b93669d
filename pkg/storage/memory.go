package storage

import (
	"bytes"
	"context"
	"sync"

	"github.com/tidwall/btree"
)

// MemoryEngine is a thread-safe in-memory KVEngine backed by a B-tree.
//
// Use Cases:
//   - Unit testing without disk I/O
//   - Ephemeral runs of the CLI (--in-memory)
//
// Features:
//   - Ordered scans in both directions, same semantics as BadgerEngine
//   - Atomic Update: writes are buffered and applied only when fn succeeds
//
// Thread Safety:
//
//	Update holds the write lock for the whole transaction, so transactions
//	are serialized. ScanPage takes the read lock for one page.
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	ks := storage.NewKeyspace(engine)
//	nodes := storage.NewNodeSerialization(ks)
type MemoryEngine struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[KVPair]
	closed bool
}

func kvLess(a, b KVPair) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		// Locking is done by the engine.
		tree: btree.NewBTreeGOptions[KVPair](kvLess, btree.Options{NoLocks: true}),
	}
}

// Update runs fn against a buffered transaction and applies its writes if fn
// returns nil.
func (m *MemoryEngine) Update(ctx context.Context, fn func(txn Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	txn := &memoryTxn{tree: m.tree, writes: make(map[string][]byte), deletes: make(map[string]struct{})}
	if err := fn(txn); err != nil {
		return err
	}

	for k := range txn.deletes {
		m.tree.Delete(KVPair{Key: []byte(k)})
	}
	for k, v := range txn.writes {
		m.tree.Set(KVPair{Key: []byte(k), Value: v})
	}
	return nil
}

// ScanPage reads up to limit entries of the range.
func (m *MemoryEngine) ScanPage(ctx context.Context, r ScanRange, limit int) ([]KVPair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	var page []KVPair
	visit := func(item KVPair) bool {
		inRange, emit := r.accept(item.Key)
		if !inRange {
			return false
		}
		if emit {
			page = append(page, KVPair{
				Key:   bytes.Clone(item.Key),
				Value: bytes.Clone(item.Value),
			})
		}
		return len(page) < limit
	}

	pivot := KVPair{Key: r.seekKey()}
	if r.Reverse {
		m.tree.Descend(pivot, visit)
	} else {
		m.tree.Ascend(pivot, visit)
	}
	return page, nil
}

// Len returns the number of stored entries.
func (m *MemoryEngine) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// Close releases the tree. Further calls fail with ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.tree.Clear()
	return nil
}

// memoryTxn buffers the writes of one Update.
type memoryTxn struct {
	tree    *btree.BTreeG[KVPair]
	writes  map[string][]byte
	deletes map[string]struct{}
}

func (t *memoryTxn) Get(key []byte) ([]byte, error) {
	k := string(key)
	if v, ok := t.writes[k]; ok {
		return bytes.Clone(v), nil
	}
	if _, ok := t.deletes[k]; ok {
		return nil, ErrNotFound
	}
	item, ok := t.tree.Get(KVPair{Key: key})
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(item.Value), nil
}

func (t *memoryTxn) Set(key, value []byte) error {
	k := string(key)
	delete(t.deletes, k)
	t.writes[k] = bytes.Clone(value)
	return nil
}

func (t *memoryTxn) Delete(key []byte) error {
	k := string(key)
	delete(t.writes, k)
	t.deletes[k] = struct{}{}
	return nil
}
