// Package config handles edgestore configuration via environment variables
// and an optional YAML file.
//
// Every setting has a default, can be set in the YAML file, and can be
// overridden by an EDGESTORE_ environment variable. Environment variables
// always win over the file.
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile("edgestore.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	fmt.Printf("Data dir: %s\n", cfg.Database.DataDir)
//
// Environment Variables:
//
// Storage:
//   - EDGESTORE_DATA_DIR="./data"
//   - EDGESTORE_IN_MEMORY=false
//   - EDGESTORE_SYNC_WRITES=false
//   - EDGESTORE_LOW_MEMORY=false
//   - EDGESTORE_READ_PAGE_SIZE=1000
//
// Repair engine:
//   - EDGESTORE_SCAN_PAGE_SIZE=1000
//   - EDGESTORE_REPAIR_CONCURRENT_SIZE=100
//   - EDGESTORE_IO_WORKERS=16
//
// Maintenance:
//   - EDGESTORE_SWEEP_INTERVAL=10m
//   - EDGESTORE_SWEEP_ON_STARTUP=true
//   - EDGESTORE_TOMBSTONE_GRACE=24h
//   - EDGESTORE_GC_INTERVAL=5m
//
// Events:
//   - EDGESTORE_JOURNAL_DIR="./data/events"
//   - EDGESTORE_JOURNAL_SYNC_MODE="batch"
//   - EDGESTORE_EVENT_WORKERS=4
//   - EDGESTORE_EVENT_QUEUE_SIZE=1024
//   - EDGESTORE_RETRY_INITIAL_INTERVAL=100ms
//   - EDGESTORE_RETRY_MAX_INTERVAL=10s
//   - EDGESTORE_RETRY_MAX_ELAPSED=2m
//
// Logging, metrics and runtime:
//   - EDGESTORE_LOG_LEVEL="info"
//   - EDGESTORE_LOG_FORMAT="text" or "json"
//   - EDGESTORE_METRICS_ENABLED=true
//   - EDGESTORE_METRICS_ADDRESS=":9090"
//   - EDGESTORE_MEMORY_LIMIT="0" (e.g. "2GB")
//   - EDGESTORE_GC_PERCENT=100
package config

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all edgestore configuration.
//
// Configuration is organized into logical sections:
//   - Database: the KV engine
//   - Graph: paging and concurrency of the repair engine
//   - Compaction: background sweeps and tombstone purging
//   - Events: journal and dispatcher
//   - Logging, Metrics, Runtime
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Graph      GraphConfig      `yaml:"graph"`
	Compaction CompactionConfig `yaml:"compaction"`
	Events     EventsConfig     `yaml:"events"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
}

// DatabaseConfig holds storage engine settings.
type DatabaseConfig struct {
	// DataDir is the Badger directory
	DataDir string `yaml:"data_dir"`
	// InMemory runs on the B-tree engine; nothing is persisted
	InMemory bool `yaml:"in_memory"`
	// SyncWrites forces fsync after each write
	SyncWrites bool `yaml:"sync_writes"`
	// LowMemory shrinks Badger's tables and caches
	LowMemory bool `yaml:"low_memory"`
	// ReadPageSize is the number of entries fetched per read transaction
	ReadPageSize int `yaml:"read_page_size"`
}

// GraphConfig holds repair engine settings.
type GraphConfig struct {
	ScanPageSize         int `yaml:"scan_page_size"`
	RepairConcurrentSize int `yaml:"repair_concurrent_size"`
	IOWorkers            int `yaml:"io_workers"`
}

// CompactionConfig holds background maintenance settings.
type CompactionConfig struct {
	// SweepInterval between commit log sweeps; 0 disables them
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// SweepOnStartup sweeps once before serving
	SweepOnStartup bool `yaml:"sweep_on_startup"`
	// TombstoneGrace is how long a tombstone is kept before it is purged
	TombstoneGrace time.Duration `yaml:"tombstone_grace"`
	// GCInterval between value log GC runs
	GCInterval time.Duration `yaml:"gc_interval"`
}

// EventsConfig holds event journal and dispatcher settings.
type EventsConfig struct {
	JournalDir string `yaml:"journal_dir"`
	// SyncMode is "immediate", "batch" or "none"
	SyncMode             string        `yaml:"sync_mode"`
	Workers              int           `yaml:"workers"`
	QueueSize            int           `yaml:"queue_size"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
	RetryMaxElapsed      time.Duration `yaml:"retry_max_elapsed"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds the prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// RuntimeConfig holds Go runtime tuning.
type RuntimeConfig struct {
	// MemoryLimitStr is the soft memory limit, e.g. "2GB". "0" = unlimited
	MemoryLimitStr string `yaml:"memory_limit"`
	// MemoryLimit is MemoryLimitStr in bytes
	MemoryLimit int64 `yaml:"-"`
	// GCPercent controls GC aggressiveness (GOGC)
	GCPercent int `yaml:"gc_percent"`
	// PoolEnabled turns object pooling of key buffers and edge pages on
	PoolEnabled bool `yaml:"pool_enabled"`
	// PoolMaxSize is the largest slice capacity kept in a pool
	PoolMaxSize int `yaml:"pool_max_size"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			DataDir:      "./data",
			ReadPageSize: 1000,
		},
		Graph: GraphConfig{
			ScanPageSize:         1000,
			RepairConcurrentSize: 100,
			IOWorkers:            16,
		},
		Compaction: CompactionConfig{
			SweepInterval:  10 * time.Minute,
			SweepOnStartup: true,
			TombstoneGrace: 24 * time.Hour,
			GCInterval:     5 * time.Minute,
		},
		Events: EventsConfig{
			JournalDir:           "./data/events",
			SyncMode:             "batch",
			Workers:              4,
			QueueSize:            1024,
			RetryInitialInterval: 100 * time.Millisecond,
			RetryMaxInterval:     10 * time.Second,
			RetryMaxElapsed:      2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
		Runtime: RuntimeConfig{
			MemoryLimitStr: "0",
			GCPercent:      100,
			PoolEnabled:    true,
			PoolMaxSize:    10000,
		},
	}
}

// LoadFromEnv returns the defaults overridden by environment variables.
//
// Thread Safety:
//
//	LoadFromEnv reads environment variables which are process-global and
//	should not be modified after startup.
func LoadFromEnv() *Config {
	cfg := Default()
	applyEnv(cfg)
	return cfg
}

// LoadFromFile reads a YAML file over the defaults, then applies environment
// overrides. A missing path returns LoadFromEnv().
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides cfg with every EDGESTORE_ variable that is set.
func applyEnv(cfg *Config) {
	// Database settings
	cfg.Database.DataDir = getEnv("EDGESTORE_DATA_DIR", cfg.Database.DataDir)
	cfg.Database.InMemory = getEnvBool("EDGESTORE_IN_MEMORY", cfg.Database.InMemory)
	cfg.Database.SyncWrites = getEnvBool("EDGESTORE_SYNC_WRITES", cfg.Database.SyncWrites)
	cfg.Database.LowMemory = getEnvBool("EDGESTORE_LOW_MEMORY", cfg.Database.LowMemory)
	cfg.Database.ReadPageSize = getEnvInt("EDGESTORE_READ_PAGE_SIZE", cfg.Database.ReadPageSize)

	// Repair engine
	cfg.Graph.ScanPageSize = getEnvInt("EDGESTORE_SCAN_PAGE_SIZE", cfg.Graph.ScanPageSize)
	cfg.Graph.RepairConcurrentSize = getEnvInt("EDGESTORE_REPAIR_CONCURRENT_SIZE", cfg.Graph.RepairConcurrentSize)
	cfg.Graph.IOWorkers = getEnvInt("EDGESTORE_IO_WORKERS", cfg.Graph.IOWorkers)

	// Maintenance
	cfg.Compaction.SweepInterval = getEnvDuration("EDGESTORE_SWEEP_INTERVAL", cfg.Compaction.SweepInterval)
	cfg.Compaction.SweepOnStartup = getEnvBool("EDGESTORE_SWEEP_ON_STARTUP", cfg.Compaction.SweepOnStartup)
	cfg.Compaction.TombstoneGrace = getEnvDuration("EDGESTORE_TOMBSTONE_GRACE", cfg.Compaction.TombstoneGrace)
	cfg.Compaction.GCInterval = getEnvDuration("EDGESTORE_GC_INTERVAL", cfg.Compaction.GCInterval)

	// Events
	cfg.Events.JournalDir = getEnv("EDGESTORE_JOURNAL_DIR", cfg.Events.JournalDir)
	cfg.Events.SyncMode = getEnv("EDGESTORE_JOURNAL_SYNC_MODE", cfg.Events.SyncMode)
	cfg.Events.Workers = getEnvInt("EDGESTORE_EVENT_WORKERS", cfg.Events.Workers)
	cfg.Events.QueueSize = getEnvInt("EDGESTORE_EVENT_QUEUE_SIZE", cfg.Events.QueueSize)
	cfg.Events.RetryInitialInterval = getEnvDuration("EDGESTORE_RETRY_INITIAL_INTERVAL", cfg.Events.RetryInitialInterval)
	cfg.Events.RetryMaxInterval = getEnvDuration("EDGESTORE_RETRY_MAX_INTERVAL", cfg.Events.RetryMaxInterval)
	cfg.Events.RetryMaxElapsed = getEnvDuration("EDGESTORE_RETRY_MAX_ELAPSED", cfg.Events.RetryMaxElapsed)

	// Logging and metrics
	cfg.Logging.Level = getEnv("EDGESTORE_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("EDGESTORE_LOG_FORMAT", cfg.Logging.Format)
	cfg.Metrics.Enabled = getEnvBool("EDGESTORE_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Address = getEnv("EDGESTORE_METRICS_ADDRESS", cfg.Metrics.Address)

	// Runtime memory management
	cfg.Runtime.MemoryLimitStr = getEnv("EDGESTORE_MEMORY_LIMIT", cfg.Runtime.MemoryLimitStr)
	cfg.Runtime.MemoryLimit = parseMemorySize(cfg.Runtime.MemoryLimitStr)
	cfg.Runtime.GCPercent = getEnvInt("EDGESTORE_GC_PERCENT", cfg.Runtime.GCPercent)
	cfg.Runtime.PoolEnabled = getEnvBool("EDGESTORE_POOL_ENABLED", cfg.Runtime.PoolEnabled)
	cfg.Runtime.PoolMaxSize = getEnvInt("EDGESTORE_POOL_MAX_SIZE", cfg.Runtime.PoolMaxSize)
}

// Validate checks the configuration for logical errors and invalid values.
//
// Call Validate() after loading and before using the Config.
func (c *Config) Validate() error {
	if !c.Database.InMemory && c.Database.DataDir == "" {
		return fmt.Errorf("data dir is required unless running in memory")
	}
	if c.Database.ReadPageSize <= 0 {
		return fmt.Errorf("invalid read page size: %d", c.Database.ReadPageSize)
	}
	if c.Graph.ScanPageSize <= 0 {
		return fmt.Errorf("invalid scan page size: %d", c.Graph.ScanPageSize)
	}
	if c.Graph.RepairConcurrentSize <= 0 {
		return fmt.Errorf("invalid repair concurrent size: %d", c.Graph.RepairConcurrentSize)
	}
	if c.Graph.IOWorkers <= 0 {
		return fmt.Errorf("invalid io workers: %d", c.Graph.IOWorkers)
	}
	if c.Compaction.SweepInterval < 0 || c.Compaction.GCInterval < 0 {
		return fmt.Errorf("maintenance intervals must not be negative")
	}
	if c.Compaction.TombstoneGrace <= 0 {
		return fmt.Errorf("invalid tombstone grace: %s", c.Compaction.TombstoneGrace)
	}

	switch c.Events.SyncMode {
	case "immediate", "batch", "none":
	default:
		return fmt.Errorf("invalid journal sync mode: %q", c.Events.SyncMode)
	}
	if c.Events.Workers <= 0 {
		return fmt.Errorf("invalid event workers: %d", c.Events.Workers)
	}
	if c.Events.QueueSize <= 0 {
		return fmt.Errorf("invalid event queue size: %d", c.Events.QueueSize)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}

	if c.Runtime.PoolEnabled && c.Runtime.PoolMaxSize <= 0 {
		return fmt.Errorf("invalid pool max size: %d", c.Runtime.PoolMaxSize)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics enabled but no address provided")
	}

	return nil
}

// String returns a short representation of the Config suitable for logging.
//
// Example:
//
//	// Output: Config{DataDir: ./data, InMemory: false, Pages: 1000/1000, IOWorkers: 16, Journal: ./data/events (batch), Metrics: :9090}
func (c *Config) String() string {
	metrics := "off"
	if c.Metrics.Enabled {
		metrics = c.Metrics.Address
	}
	return fmt.Sprintf(
		"Config{DataDir: %s, InMemory: %v, Pages: %d/%d, IOWorkers: %d, Journal: %s (%s), Metrics: %s}",
		c.Database.DataDir, c.Database.InMemory,
		c.Database.ReadPageSize, c.Graph.ScanPageSize, c.Graph.IOWorkers,
		c.Events.JournalDir, c.Events.SyncMode,
		metrics,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// parseMemorySize parses a human-readable memory size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0", "unlimited"
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize formats bytes as human-readable string.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// ApplyRuntimeMemory applies the runtime memory settings to the Go runtime.
// Should be called early in main() before heavy allocations.
func (c *RuntimeConfig) ApplyRuntimeMemory() {
	if c.MemoryLimit > 0 {
		debug.SetMemoryLimit(c.MemoryLimit)
	}
	if c.GCPercent != 100 {
		debug.SetGCPercent(c.GCPercent)
	}
}
