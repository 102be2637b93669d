// Package pool provides object pooling for edgestore to reduce allocations.
//
// Object pooling reuses allocated objects instead of creating new ones,
// reducing GC pressure on the hot paths of repair and compaction, which page
// through edges by the thousand and hash a row key for every mutation.
//
// Pooled objects:
// - Byte buffers (row key hashing)
// - Typed slices (edge pages), through SlicePool
//
// Usage:
//
//	pages := pool.NewSlicePool[storage.MarkedEdge](1000)
//
//	page := pages.Get()
//	defer pages.Put(page)
//
//	// Use the slice...
//	page = append(page, edge)
package pool

import (
	"sync"
)

// PoolConfig configures object pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxSize limits the capacity of slices kept in a pool
	MaxSize int
}

var (
	configMu     sync.RWMutex
	globalConfig = PoolConfig{
		Enabled: true,
		MaxSize: 10000,
	}
)

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config PoolConfig) {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = config

	// Reinitialize pools to ensure New functions are set correctly
	initPools()
}

func currentConfig() PoolConfig {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// initPools reinitializes all pools with their New functions.
func initPools() {
	byteBufferPool = sync.Pool{
		New: func() any {
			return make([]byte, 0, 256)
		},
	}
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return currentConfig().Enabled
}

// =============================================================================
// Byte Buffer Pool
// =============================================================================

var byteBufferPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 256)
	},
}

// GetByteBuffer returns a byte buffer from the pool.
func GetByteBuffer() []byte {
	if !IsEnabled() {
		return make([]byte, 0, 256)
	}
	return byteBufferPool.Get().([]byte)[:0]
}

// PutByteBuffer returns a byte buffer to the pool.
func PutByteBuffer(buf []byte) {
	if !IsEnabled() {
		return
	}
	if cap(buf) > 64*1024 { // Don't pool huge buffers (>64KB)
		return
	}
	byteBufferPool.Put(buf[:0])
}

// =============================================================================
// Slice Pool
// =============================================================================

// SlicePool pools slices of T with a fixed initial capacity.
//
// Thread Safety:
//
//	Safe for concurrent use.
type SlicePool[T any] struct {
	capacity int
	pool     sync.Pool
}

// NewSlicePool creates a pool of slices with the given initial capacity.
func NewSlicePool[T any](capacity int) *SlicePool[T] {
	p := &SlicePool[T]{capacity: capacity}
	p.pool.New = func() any {
		s := make([]T, 0, capacity)
		return &s
	}
	return p
}

// Get returns an empty slice from the pool.
// Call Put when done.
func (p *SlicePool[T]) Get() []T {
	if !IsEnabled() {
		return make([]T, 0, p.capacity)
	}
	return (*p.pool.Get().(*[]T))[:0]
}

// Put returns a slice to the pool.
// The slice is cleared before being pooled.
func (p *SlicePool[T]) Put(s []T) {
	if !IsEnabled() {
		return
	}
	// Don't pool very large slices (memory leak prevention)
	if cap(s) > currentConfig().MaxSize {
		return
	}
	// Clear references to allow GC of the elements
	clear(s[:cap(s)])
	s = s[:0]
	p.pool.Put(&s)
}
