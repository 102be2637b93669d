package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/orneryd/edgestore/pkg/events"
)

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	logger := a.logger

	fmt.Printf("🚀 Starting edgestore v%s\n", version)
	fmt.Printf("   Data directory:  %s\n", a.cfg.Database.DataDir)
	fmt.Printf("   Event journal:   %s (%s)\n", a.cfg.Events.JournalDir, a.cfg.Events.SyncMode)
	if a.cfg.Metrics.Enabled {
		fmt.Printf("   Metrics:         http://%s/metrics\n", a.cfg.Metrics.Address)
	}
	fmt.Println()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redeliver whatever earlier runs left pending.
	dispatcher := events.NewDispatcher(a.graph.Handlers(), a.journal, a.dispatcherConfig(), logger)
	if err := dispatcher.Start(ctx); err != nil {
		a.Close()
		return fmt.Errorf("starting dispatcher: %w", err)
	}

	var metricsServer *http.Server
	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              a.cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
	}

	if a.cfg.Compaction.SweepOnStartup {
		if _, err := sweep(ctx, a); err != nil {
			logger.WithError(err).Error("startup sweep failed")
		}
	}

	fmt.Println("✅ edgestore is running. Press Ctrl+C to stop.")
	maintain(ctx, a, dispatcher)

	fmt.Println("\n🛑 Shutting down...")
	return shutdown(a, dispatcher, metricsServer)
}

// maintain runs the periodic sweeps and garbage collection until ctx is done.
func maintain(ctx context.Context, a *app, dispatcher *events.Dispatcher) {
	sweeps := ticker(a.cfg.Compaction.SweepInterval)
	defer sweeps.Stop()
	gcs := ticker(a.cfg.Compaction.GCInterval)
	defer gcs.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweeps.C:
			if _, err := sweep(ctx, a); err != nil && ctx.Err() == nil {
				a.logger.WithError(err).Error("sweep failed")
			}
		case <-gcs.C:
			if _, err := purgeTombstones(ctx, a); err != nil && ctx.Err() == nil {
				a.logger.WithError(err).Error("tombstone purge failed")
			}
			if a.journal != nil {
				if kept, err := a.journal.Compact(); err != nil {
					a.logger.WithError(err).Error("journal compaction failed")
				} else {
					a.logger.WithFields(logrus.Fields{
						"pending": kept,
						"stats":   a.journal.Stats(),
					}).Debug("journal compacted")
				}
			}
		}
	}
}

type maintenanceTicker struct {
	C <-chan time.Time
	t *time.Ticker
}

// ticker returns a ticker that never fires for a zero interval.
func ticker(interval time.Duration) maintenanceTicker {
	if interval <= 0 {
		return maintenanceTicker{}
	}
	t := time.NewTicker(interval)
	return maintenanceTicker{C: t.C, t: t}
}

func (m maintenanceTicker) Stop() {
	if m.t != nil {
		m.t.Stop()
	}
}

// shutdown stops the dispatcher before closing the journal it acknowledges
// into, and reports every failure.
func shutdown(a *app, dispatcher *events.Dispatcher, metricsServer *http.Server) error {
	var result *multierror.Error
	if err := dispatcher.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stopping dispatcher: %w", err))
	}
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stopping metrics server: %w", err))
		}
	}
	if a.badger != nil {
		if err := a.badger.Sync(); err != nil {
			result = multierror.Append(result, fmt.Errorf("syncing engine: %w", err))
		}
	}
	if err := a.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	fmt.Println("✅ edgestore stopped gracefully")
	return nil
}
