package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Journal is a write-ahead log of events.
//
// Every published event is appended before it is delivered, and an ack
// entry is appended once a listener has handled it. After a crash, Pending
// returns the events that were never acknowledged so they can be delivered
// again. Listeners are idempotent, so redelivering an event that was in
// fact handled is harmless.
//
// The journal is a single file of JSON lines:
//
//	{"seq":1,"ts":"...","op":"event","data":{...},"checksum":123}
//	{"seq":2,"ts":"...","op":"ack","data":{"seq":1},"checksum":456}
//
// Lines whose checksum does not match (a torn write at crash time) are
// skipped on read.
//
// Example:
//
//	j, err := events.OpenJournal(&events.JournalConfig{Dir: "data/events", SyncMode: "batch"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer j.Close()
//
//	env, _ := j.Append(evt.Envelope())
//	// ... deliver ...
//	j.Ack(env.Sequence)
type Journal struct {
	mu       sync.Mutex
	config   *JournalConfig
	path     string
	file     *os.File
	writer   *bufio.Writer
	encoder  *json.Encoder
	sequence atomic.Uint64
	closed   atomic.Bool

	// Background sync goroutine
	syncTicker *time.Ticker
	stopSync   chan struct{}
	syncDone   chan struct{}

	// Stats
	totalAppends atomic.Int64
	totalAcks    atomic.Int64
	totalSyncs   atomic.Int64
	lastSyncTime atomic.Int64
}

// JournalOp is the type of a journal entry.
type JournalOp string

const (
	OpEvent JournalOp = "event"
	OpAck   JournalOp = "ack"
)

// ErrJournalClosed is returned by operations on a closed journal.
var ErrJournalClosed = errors.New("journal: closed")

// JournalEntry is one line of the journal file.
type JournalEntry struct {
	Sequence  uint64          `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Op        JournalOp       `json:"op"`
	Data      json.RawMessage `json:"data"`
	Checksum  uint32          `json:"checksum"`
}

type ackData struct {
	Sequence uint64 `json:"seq"`
}

// JournalConfig configures journal behavior.
type JournalConfig struct {
	// Directory for the journal file
	Dir string

	// SyncMode controls when writes are synced to disk
	// "immediate": fsync after each write (safest, slowest)
	// "batch": fsync periodically (faster, some risk)
	// "none": no fsync (fastest, events lost on crash)
	SyncMode string

	// BatchSyncInterval for "batch" sync mode
	BatchSyncInterval time.Duration
}

// DefaultJournalConfig returns sensible defaults.
func DefaultJournalConfig() *JournalConfig {
	return &JournalConfig{
		Dir:               "data/events",
		SyncMode:          "batch",
		BatchSyncInterval: 100 * time.Millisecond,
	}
}

// JournalStats provides observability into journal state.
type JournalStats struct {
	Sequence     uint64
	TotalAppends int64
	TotalAcks    int64
	TotalSyncs   int64
	LastSyncTime time.Time
	Closed       bool
}

const journalFile = "events.log"

// OpenJournal opens or creates the journal in cfg.Dir.
func OpenJournal(cfg *JournalConfig) (*Journal, error) {
	if cfg == nil {
		cfg = DefaultJournalConfig()
	}
	switch cfg.SyncMode {
	case "immediate", "batch", "none":
	default:
		return nil, fmt.Errorf("journal: unknown sync mode %q", cfg.SyncMode)
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("journal: failed to create directory: %w", err)
	}

	j := &Journal{
		config: cfg,
		path:   filepath.Join(cfg.Dir, journalFile),
	}

	entries, err := readJournalEntries(j.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for _, e := range entries {
		if e.Sequence > j.sequence.Load() {
			j.sequence.Store(e.Sequence)
		}
	}

	if err := j.openForAppend(); err != nil {
		return nil, err
	}

	if cfg.SyncMode == "batch" && cfg.BatchSyncInterval > 0 {
		j.syncTicker = time.NewTicker(cfg.BatchSyncInterval)
		j.stopSync = make(chan struct{})
		j.syncDone = make(chan struct{})
		go j.batchSyncLoop()
	}

	return j, nil
}

// renameFile swaps a compacted journal into place.
var renameFile = os.Rename

func (j *Journal) openForAppend() error {
	file, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("journal: failed to open file: %w", err)
	}
	j.file = file
	j.writer = bufio.NewWriterSize(file, 64*1024)
	j.encoder = json.NewEncoder(j.writer)
	return nil
}

// batchSyncLoop periodically syncs writes to disk.
func (j *Journal) batchSyncLoop() {
	defer close(j.syncDone)
	for {
		select {
		case <-j.syncTicker.C:
			_ = j.Sync()
		case <-j.stopSync:
			return
		}
	}
}

// Append journals env and returns it with its assigned sequence number.
func (j *Journal) Append(env Envelope) (Envelope, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.sequence.Load() + 1
	env.Sequence = seq
	if err := j.appendLocked(seq, OpEvent, env); err != nil {
		return Envelope{}, err
	}
	j.totalAppends.Add(1)
	return env, nil
}

// Ack records that the event with the given sequence was delivered.
func (j *Journal) Ack(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.appendLocked(j.sequence.Load()+1, OpAck, ackData{Sequence: seq}); err != nil {
		return err
	}
	j.totalAcks.Add(1)
	return nil
}

func (j *Journal) appendLocked(seq uint64, op JournalOp, data any) error {
	if j.closed.Load() {
		return ErrJournalClosed
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("journal: failed to marshal data: %w", err)
	}

	entry := JournalEntry{
		Sequence:  seq,
		Timestamp: time.Now(),
		Op:        op,
		Data:      dataBytes,
		Checksum:  crc32.ChecksumIEEE(dataBytes),
	}
	if err := j.encoder.Encode(&entry); err != nil {
		return fmt.Errorf("journal: failed to write entry: %w", err)
	}
	j.sequence.Store(seq)

	if j.config.SyncMode == "immediate" {
		return j.syncLocked()
	}
	return nil
}

// Sync flushes all buffered writes to disk.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed.Load() {
		return ErrJournalClosed
	}
	return j.syncLocked()
}

func (j *Journal) syncLocked() error {
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("journal: flush failed: %w", err)
	}

	if j.config.SyncMode != "none" {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal: sync failed: %w", err)
		}
	}

	j.totalSyncs.Add(1)
	j.lastSyncTime.Store(time.Now().UnixNano())
	return nil
}

// Pending returns the journaled events that were never acknowledged, in
// sequence order.
func (j *Journal) Pending() ([]Envelope, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed.Load() {
		return nil, ErrJournalClosed
	}
	if err := j.writer.Flush(); err != nil {
		return nil, fmt.Errorf("journal: flush failed: %w", err)
	}
	return j.pendingLocked()
}

func (j *Journal) pendingLocked() ([]Envelope, error) {
	entries, err := readJournalEntries(j.path)
	if err != nil {
		return nil, err
	}

	acked := make(map[uint64]struct{})
	for _, e := range entries {
		if e.Op != OpAck {
			continue
		}
		var ack ackData
		if err := json.Unmarshal(e.Data, &ack); err != nil {
			continue
		}
		acked[ack.Sequence] = struct{}{}
	}

	var pending []Envelope
	for _, e := range entries {
		if e.Op != OpEvent {
			continue
		}
		if _, ok := acked[e.Sequence]; ok {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(e.Data, &env); err != nil {
			continue
		}
		env.Sequence = e.Sequence
		pending = append(pending, env)
	}
	return pending, nil
}

// Compact rewrites the journal keeping only unacknowledged events. The new
// file replaces the old one with an atomic rename.
func (j *Journal) Compact() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed.Load() {
		return 0, ErrJournalClosed
	}
	if err := j.syncLocked(); err != nil {
		return 0, err
	}

	pending, err := j.pendingLocked()
	if err != nil {
		return 0, err
	}

	tmpPath := j.path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("journal: failed to create compacted file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, env := range pending {
		data, err := json.Marshal(env)
		if err != nil {
			tmp.Close()
			return 0, fmt.Errorf("journal: failed to marshal data: %w", err)
		}
		entry := JournalEntry{
			Sequence:  env.Sequence,
			Timestamp: time.Now(),
			Op:        OpEvent,
			Data:      data,
			Checksum:  crc32.ChecksumIEEE(data),
		}
		if err := enc.Encode(&entry); err != nil {
			tmp.Close()
			return 0, fmt.Errorf("journal: failed to write entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("journal: flush failed: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("journal: sync failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}

	// The old file stays open for appends until the swap has succeeded.
	if err := renameFile(tmpPath, j.path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("journal: failed to replace file: %w", err)
	}
	old := j.file
	if err := j.openForAppend(); err != nil {
		return 0, err
	}
	if err := old.Close(); err != nil {
		return len(pending), fmt.Errorf("journal: failed to close replaced file: %w", err)
	}
	return len(pending), nil
}

// Close closes the journal, flushing all pending writes.
func (j *Journal) Close() error {
	if j.closed.Load() {
		return nil
	}

	if j.syncTicker != nil {
		j.syncTicker.Stop()
		close(j.stopSync)
		<-j.syncDone
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed.Swap(true) {
		return nil
	}
	syncErr := j.syncLocked()
	if err := j.file.Close(); err != nil {
		return err
	}
	return syncErr
}

// Stats returns current journal statistics.
func (j *Journal) Stats() JournalStats {
	var lastSync time.Time
	if t := j.lastSyncTime.Load(); t > 0 {
		lastSync = time.Unix(0, t)
	}
	return JournalStats{
		Sequence:     j.sequence.Load(),
		TotalAppends: j.totalAppends.Load(),
		TotalAcks:    j.totalAcks.Load(),
		TotalSyncs:   j.totalSyncs.Load(),
		LastSyncTime: lastSync,
		Closed:       j.closed.Load(),
	}
}

// ReadJournalEntries reads all valid entries of the journal in dir.
func ReadJournalEntries(dir string) ([]JournalEntry, error) {
	return readJournalEntries(filepath.Join(dir, journalFile))
}

func readJournalEntries(path string) ([]JournalEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries []JournalEntry
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var entry JournalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// Torn write, skip
			continue
		}
		if entry.Checksum != crc32.ChecksumIEEE(entry.Data) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
