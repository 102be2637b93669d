package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/orneryd/edgestore/pkg/config"
	"github.com/orneryd/edgestore/pkg/events"
	"github.com/orneryd/edgestore/pkg/graph"
	"github.com/orneryd/edgestore/pkg/pool"
	"github.com/orneryd/edgestore/pkg/storage"
)

// app is everything a command needs, opened from the config and flags.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger

	engine storage.KVEngine
	badger *storage.BadgerEngine // nil on the in-memory engine
	ks     *storage.Keyspace
	graph  *graph.Graph

	// journal is nil on the in-memory engine.
	journal *events.Journal
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Database.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("in-memory") {
		cfg.Database.InMemory, _ = cmd.Flags().GetBool("in-memory")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// openApp loads the configuration, opens the engine and the event journal
// and builds the repair engine on them.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.ApplyRuntimeMemory()
	pool.Configure(pool.PoolConfig{
		Enabled: cfg.Runtime.PoolEnabled,
		MaxSize: cfg.Runtime.PoolMaxSize,
	})

	a := &app{cfg: cfg, logger: logger}

	if cfg.Database.InMemory {
		a.engine = storage.NewMemoryEngine()
		logger.Warn("running on the in-memory engine, nothing will be persisted")
	} else {
		be, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
			DataDir:    cfg.Database.DataDir,
			SyncWrites: cfg.Database.SyncWrites,
			LowMemory:  cfg.Database.LowMemory,
			Logger:     badgerLogger{logger.WithField("component", "badger")},
		})
		if err != nil {
			return nil, err
		}
		a.engine, a.badger = be, be

		a.journal, err = events.OpenJournal(&events.JournalConfig{
			Dir:               cfg.Events.JournalDir,
			SyncMode:          cfg.Events.SyncMode,
			BatchSyncInterval: events.DefaultJournalConfig().BatchSyncInterval,
		})
		if err != nil {
			be.Close()
			return nil, fmt.Errorf("opening event journal: %w", err)
		}
	}

	a.ks = storage.NewKeyspaceWithOptions(a.engine, storage.KeyspaceOptions{
		ScanPageSize: cfg.Database.ReadPageSize,
	})
	a.graph = graph.New(a.ks, graph.Config{
		ScanPageSize:         cfg.Graph.ScanPageSize,
		RepairConcurrentSize: cfg.Graph.RepairConcurrentSize,
		IOWorkers:            cfg.Graph.IOWorkers,
	}, logger)

	logger.WithField("config", cfg.String()).Debug("edgestore opened")
	return a, nil
}

// Close closes the journal and the engine, in that order.
func (a *app) Close() error {
	var result *multierror.Error
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing journal: %w", err))
		}
	}
	if err := a.engine.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing engine: %w", err))
	}
	return result.ErrorOrNil()
}

// scope returns the application scope named by --app.
func (a *app) scope(cmd *cobra.Command) (storage.Scope, error) {
	s, _ := cmd.Flags().GetString("app")
	if s == "" {
		return storage.Scope{}, fmt.Errorf("--app is required")
	}
	id, err := storage.ParseId(s)
	if err != nil {
		return storage.Scope{}, fmt.Errorf("--app: %w", err)
	}
	return storage.NewScope(id), nil
}

// manager returns a write path that repairs synchronously. Events whose
// repair fails stay in the journal for serve to redeliver.
func (a *app) manager() *graph.GraphManager {
	return a.graph.Manager(&events.Router{
		Handlers: a.graph.Handlers(),
		Journal:  a.journal,
		OnDelivered: func(env events.Envelope, n int) {
			a.logger.WithFields(logrus.Fields{
				"event":    env.Kind,
				"affected": n,
			}).Debug("event delivered")
		},
	})
}

func (a *app) dispatcherConfig() events.DispatcherConfig {
	return events.DispatcherConfig{
		Workers:         a.cfg.Events.Workers,
		QueueSize:       a.cfg.Events.QueueSize,
		InitialInterval: a.cfg.Events.RetryInitialInterval,
		MaxInterval:     a.cfg.Events.RetryMaxInterval,
		MaxElapsedTime:  a.cfg.Events.RetryMaxElapsed,
	}
}

// badgerLogger routes badger's chatty info output to debug.
type badgerLogger struct {
	logrus.FieldLogger
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.FieldLogger.Debugf(format, args...)
}

// withApp runs fn on an opened app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(a *app) error) (err error) {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
