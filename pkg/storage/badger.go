// Package storage provides storage engine implementations for edgestore.
//
// BadgerEngine provides persistent disk-based storage using BadgerDB.
// It implements the KVEngine interface the serializations are built on.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// maxConflictRetries bounds how often Update re-runs a transaction that lost
// an optimistic-concurrency race. The transaction never committed, so
// re-running it re-evaluates its timestamp conditions against fresh data.
const maxConflictRetries = 5

// BadgerEngine provides persistent storage using BadgerDB.
//
// Features:
//   - Serializable transactions for every mutation batch
//   - Persistent storage to disk (or memory-only for tests)
//   - Ordered prefix scans in both directions
//   - Thread-safe concurrent access
//
// Key Structure:
//
//	Keys are built by the serializations in keys.go. Every key starts with a
//	one-byte region and a one-byte column family, followed by a fixed-width
//	row hash and the column bytes.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("/path/to/data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	ks := storage.NewKeyspace(engine)
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.RWMutex // Protects closed
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging. A logrus.FieldLogger satisfies
	// this interface. If nil, BadgerDB logging is silenced.
	Logger badger.Logger

	// LowMemory enables memory-constrained settings.
	// Reduces MemTableSize and other buffers to use less RAM.
	LowMemory bool
}

// NewBadgerEngine creates a new persistent storage engine with default settings.
//
// Parameters:
//   - dataDir: Directory path for storing data files. Created if it doesn't exist.
//
// Returns:
//   - *BadgerEngine on success
//   - error if database cannot be opened (e.g., permissions, disk space)
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data/edgestore")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
// Thread Safety:
//
//	Safe for concurrent use from multiple goroutines.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		DataDir: dataDir,
	})
}

// NewBadgerEngineWithOptions creates a BadgerEngine with custom configuration.
//
// Example 1 - In-Memory Database for Testing:
//
//	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
//		InMemory: true, // All data in RAM, lost on shutdown
//	})
//
// Example 2 - Maximum Durability:
//
//	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
//		DataDir:    "./data/edges",
//		SyncWrites: true, // Force fsync after each write (slower but safer)
//	})
//
// Configuration Trade-offs:
//   - SyncWrites=true: Slower writes (2-5x) but maximum safety
//   - LowMemory=true: Less RAM but slightly slower
//   - InMemory=true: Fastest but data lost on shutdown
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	if !opts.InMemory && opts.DataDir == "" {
		return nil, fmt.Errorf("badger: data directory is required")
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	// A nil logger silences badger.
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(16 << 20).     // 16MB instead of 64MB
			WithValueLogFileSize(64 << 20). // 64MB instead of 1GB
			WithNumMemtables(2).            // 2 instead of 5
			WithNumLevelZeroTables(2).      // 2 instead of 5
			WithNumLevelZeroTablesStall(4). // 4 instead of 15
			WithBlockCacheSize(32 << 20).   // 32MB block cache
			WithIndexCacheSize(16 << 20)    // 16MB index cache
	}

	// Edge rows are small JSON records; keep them in the LSM tree.
	badgerOpts = badgerOpts.WithValueThreshold(1024)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerEngine{db: db}, nil
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
//
// Data is not persisted and is lost when the engine is closed.
//
// Example:
//
//	engine, err := storage.NewBadgerEngineInMemory()
//	if err != nil {
//		t.Fatal(err)
//	}
//	defer engine.Close()
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		InMemory: true,
	})
}

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Update runs fn in a read-write transaction.
// Transactions that lose a write conflict are re-run from scratch.
func (b *BadgerEngine) Update(ctx context.Context, fn func(txn Txn) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err = b.db.Update(func(txn *badger.Txn) error {
			return fn(badgerTxn{txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// ScanPage reads up to limit entries of the range from one snapshot.
func (b *BadgerEngine) ScanPage(ctx context.Context, r ScanRange, limit int) ([]KVPair, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var page []KVPair
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = r.Reverse
		opts.PrefetchSize = min(max(limit, 1), 100)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(r.seekKey()); it.Valid(); it.Next() {
			item := it.Item()
			inRange, emit := r.accept(item.Key())
			if !inRange {
				break
			}
			if !emit {
				continue
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			page = append(page, KVPair{Key: item.KeyCopy(nil), Value: val})
			if len(page) >= limit {
				break
			}
		}
		return nil
	})
	return page, err
}

// Close closes the BadgerDB database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.db.Close()
}

// Sync forces a sync of all data to disk.
func (b *BadgerEngine) Sync() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Sync()
}

// RunGC runs garbage collection on the BadgerDB value log.
// Should be called periodically for long-running applications, since
// repair and compaction leave deleted values behind.
func (b *BadgerEngine) RunGC() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Size returns the approximate size of the database in bytes.
func (b *BadgerEngine) Size() (lsm, vlog int64) {
	if b.checkOpen() != nil {
		return 0, 0
	}
	return b.db.Size()
}

// badgerTxn adapts *badger.Txn to Txn.
type badgerTxn struct {
	txn *badger.Txn
}

func (t badgerTxn) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t badgerTxn) Set(key, value []byte) error {
	return t.txn.Set(key, value)
}

func (t badgerTxn) Delete(key []byte) error {
	return t.txn.Delete(key)
}
