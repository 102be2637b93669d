package config

import (
	"math"
	"os"
	"path/filepath"
	"runtime/debug"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := LoadFromEnv()
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "./data", cfg.Database.DataDir)
		assert.Equal(t, 1000, cfg.Graph.ScanPageSize)
		assert.Equal(t, 100, cfg.Graph.RepairConcurrentSize)
		assert.Equal(t, 10*time.Minute, cfg.Compaction.SweepInterval)
		assert.True(t, cfg.Compaction.SweepOnStartup)
		assert.Equal(t, "batch", cfg.Events.SyncMode)
		assert.Zero(t, cfg.Runtime.MemoryLimit)
		assert.Equal(t, 100, cfg.Runtime.GCPercent)
		assert.True(t, cfg.Runtime.PoolEnabled)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("EDGESTORE_IN_MEMORY", "yes")
		t.Setenv("EDGESTORE_SCAN_PAGE_SIZE", "50")
		t.Setenv("EDGESTORE_SWEEP_INTERVAL", "30") // seconds
		t.Setenv("EDGESTORE_RETRY_MAX_ELAPSED", "90s")
		t.Setenv("EDGESTORE_MEMORY_LIMIT", "2GB")
		t.Setenv("EDGESTORE_IO_WORKERS", "not-a-number")

		cfg := LoadFromEnv()
		assert.True(t, cfg.Database.InMemory)
		assert.Equal(t, 50, cfg.Graph.ScanPageSize)
		assert.Equal(t, 30*time.Second, cfg.Compaction.SweepInterval)
		assert.Equal(t, 90*time.Second, cfg.Events.RetryMaxElapsed)
		assert.Equal(t, int64(2*1024*1024*1024), cfg.Runtime.MemoryLimit)
		assert.Equal(t, 16, cfg.Graph.IOWorkers, "unparsable values keep the default")
	})
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgestore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  data_dir: /var/lib/edgestore
  sync_writes: true
graph:
  scan_page_size: 200
compaction:
  sweep_interval: 1m
  tombstone_grace: 48h
events:
  sync_mode: immediate
logging:
  level: debug
  format: json
runtime:
  memory_limit: 512MB
`), 0644))

	t.Run("file over defaults", func(t *testing.T) {
		cfg, err := LoadFromFile(path)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "/var/lib/edgestore", cfg.Database.DataDir)
		assert.True(t, cfg.Database.SyncWrites)
		assert.Equal(t, 200, cfg.Graph.ScanPageSize)
		assert.Equal(t, 100, cfg.Graph.RepairConcurrentSize)
		assert.Equal(t, time.Minute, cfg.Compaction.SweepInterval)
		assert.Equal(t, 48*time.Hour, cfg.Compaction.TombstoneGrace)
		assert.Equal(t, "immediate", cfg.Events.SyncMode)
		assert.Equal(t, "json", cfg.Logging.Format)
		assert.Equal(t, int64(512*1024*1024), cfg.Runtime.MemoryLimit)
	})

	t.Run("env over file", func(t *testing.T) {
		t.Setenv("EDGESTORE_SCAN_PAGE_SIZE", "10")
		cfg, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.Graph.ScanPageSize)
	})

	t.Run("no path", func(t *testing.T) {
		cfg, err := LoadFromFile("")
		require.NoError(t, err)
		assert.Equal(t, LoadFromEnv(), cfg)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)

		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("graph: [unclosed"), 0644))
		_, err = LoadFromFile(bad)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no data dir", func(c *Config) { c.Database.DataDir = "" }},
		{"read page size", func(c *Config) { c.Database.ReadPageSize = 0 }},
		{"scan page size", func(c *Config) { c.Graph.ScanPageSize = -1 }},
		{"repair concurrent size", func(c *Config) { c.Graph.RepairConcurrentSize = 0 }},
		{"io workers", func(c *Config) { c.Graph.IOWorkers = 0 }},
		{"negative sweep interval", func(c *Config) { c.Compaction.SweepInterval = -time.Second }},
		{"tombstone grace", func(c *Config) { c.Compaction.TombstoneGrace = 0 }},
		{"sync mode", func(c *Config) { c.Events.SyncMode = "sometimes" }},
		{"event workers", func(c *Config) { c.Events.Workers = 0 }},
		{"queue size", func(c *Config) { c.Events.QueueSize = 0 }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"metrics address", func(c *Config) { c.Metrics.Address = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("in memory needs no data dir", func(t *testing.T) {
		cfg := Default()
		cfg.Database.DataDir = ""
		cfg.Database.InMemory = true
		assert.NoError(t, cfg.Validate())
	})

	t.Run("string", func(t *testing.T) {
		cfg := Default()
		cfg.Metrics.Enabled = false
		assert.Contains(t, cfg.String(), "DataDir: ./data")
		assert.Contains(t, cfg.String(), "Metrics: off")
	})
}

func TestParseMemorySize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1024", 1024},
		{"1024B", 1024},
		{"1KB", 1024},
		{"512mb", 512 * 1024 * 1024},
		{"4G", 4 * 1024 * 1024 * 1024},
		{"1TB", 1024 * 1024 * 1024 * 1024},
		{"0", 0},
		{"unlimited", 0},
		{"", 0},
		{"lots", 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseMemorySize(tt.input))
		})
	}
}

func TestFormatMemorySize(t *testing.T) {
	assert.Equal(t, "512 B", FormatMemorySize(512))
	assert.Equal(t, "1.50 KB", FormatMemorySize(1536))
	assert.Equal(t, "512.00 MB", FormatMemorySize(512*1024*1024))
	assert.Equal(t, "1.00 TB", FormatMemorySize(1024*1024*1024*1024))
}

func TestApplyRuntimeMemory(t *testing.T) {
	defer debug.SetMemoryLimit(math.MaxInt64)
	defer debug.SetGCPercent(100)

	cfg := &RuntimeConfig{MemoryLimit: 1 << 30, GCPercent: 50}
	cfg.ApplyRuntimeMemory()
	assert.Equal(t, int64(1<<30), debug.SetMemoryLimit(-1))
}
