package main

import (
	"context"
	"fmt"
	"iter"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/orneryd/edgestore/pkg/graph"
	"github.com/orneryd/edgestore/pkg/metrics"
	"github.com/orneryd/edgestore/pkg/storage"
)

func parseNodes(args ...string) ([]storage.Id, error) {
	ids := make([]storage.Id, len(args))
	for i, s := range args {
		id, err := storage.ParseId(s)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", s, err)
		}
		ids[i] = id
	}
	return ids, nil
}

func runWriteEdge(cmd *cobra.Command, args []string) error {
	nodes, err := parseNodes(args[0], args[2])
	if err != nil {
		return err
	}
	return withApp(cmd, func(a *app) error {
		scope, err := a.scope(cmd)
		if err != nil {
			return err
		}
		edge, err := a.manager().WriteEdge(cmd.Context(), scope, storage.Edge{
			SourceNode: nodes[0],
			Type:       args[1],
			TargetNode: nodes[1],
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), edge.Edge)
		return nil
	})
}

func runDeleteEdge(cmd *cobra.Command, args []string) error {
	nodes, err := parseNodes(args[0], args[2])
	if err != nil {
		return err
	}
	var version uuid.UUID
	if s, _ := cmd.Flags().GetString("version"); s != "" {
		if version, err = uuid.Parse(s); err != nil {
			return fmt.Errorf("--version: %w", err)
		}
	}

	return withApp(cmd, func(a *app) error {
		scope, err := a.scope(cmd)
		if err != nil {
			return err
		}
		manager := a.manager()
		edge := storage.Edge{SourceNode: nodes[0], Type: args[1], TargetNode: nodes[1], Version: version}

		if version == uuid.Nil {
			edge.Version, err = newestLiveVersion(cmd.Context(), a, scope, edge)
			if err != nil {
				return err
			}
		}
		marked, err := manager.MarkEdge(cmd.Context(), scope, edge)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "deleted", marked.Edge)
		return nil
	})
}

// newestLiveVersion returns the newest version of edge that is not deleted.
func newestLiveVersion(ctx context.Context, a *app, scope storage.Scope, edge storage.Edge) (uuid.UUID, error) {
	search := storage.SearchByEdge{
		SourceNode: edge.SourceNode,
		Type:       edge.Type,
		TargetNode: edge.TargetNode,
		Order:      storage.OrderDescending,
	}
	for version, err := range a.manager().LoadEdgeVersions(ctx, scope, search) {
		if err != nil {
			return uuid.Nil, err
		}
		if !version.Deleted {
			return version.Version, nil
		}
	}
	return uuid.Nil, fmt.Errorf("%s-[%s]->%s: %w", edge.SourceNode, edge.Type, edge.TargetNode, storage.ErrNotFound)
}

func runDeleteNode(cmd *cobra.Command, args []string) error {
	nodes, err := parseNodes(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(a *app) error {
		scope, err := a.scope(cmd)
		if err != nil {
			return err
		}
		version, err := a.manager().MarkNode(cmd.Context(), scope, nodes[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s@%s\n", nodes[0], version)
		return nil
	})
}

func runEdges(cmd *cobra.Command, args []string) error {
	nodes, err := parseNodes(args[0])
	if err != nil {
		return err
	}
	incoming, _ := cmd.Flags().GetBool("incoming")

	return withApp(cmd, func(a *app) error {
		scope, err := a.scope(cmd)
		if err != nil {
			return err
		}
		manager := a.manager()
		search := storage.SearchByEdgeType{Node: nodes[0], Type: args[1]}
		edges := manager.LoadEdgesFromSource(cmd.Context(), scope, search)
		if incoming {
			edges = manager.LoadEdgesToTarget(cmd.Context(), scope, search)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SOURCE\tTYPE\tTARGET\tVERSION\tWRITTEN")
		for edge, err := range edges {
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				edge.SourceNode, edge.Type, edge.TargetNode, edge.Version,
				storage.TimeOf(edge.Timestamp()).Format(time.RFC3339))
		}
		return w.Flush()
	})
}

func runRepair(cmd *cobra.Command, args []string) error {
	nodes, err := parseNodes(args[0])
	if err != nil {
		return err
	}
	types, _ := cmd.Flags().GetStringSlice("type")

	return withApp(cmd, func(a *app) error {
		scope, err := a.scope(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		node := nodes[0]
		manager := a.manager()
		cutoff := storage.NewVersion()

		sources, targets := types, types
		if len(types) == 0 {
			if sources, err = collect(manager.GetEdgeTypesFromSource(ctx, scope, storage.SearchEdgeType{Node: node})); err != nil {
				return err
			}
			if targets, err = collect(manager.GetEdgeTypesToTarget(ctx, scope, storage.SearchEdgeType{Node: node})); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		for _, edgeType := range sources {
			alive, err := a.graph.Async.CleanSources(ctx, scope, node, edgeType, cutoff)
			if err != nil {
				return fmt.Errorf("repairing %s from %s: %w", edgeType, node, err)
			}
			fmt.Fprintf(out, "source %s: %d id types alive\n", edgeType, alive)
		}
		for _, edgeType := range targets {
			alive, err := a.graph.Async.ClearTargets(ctx, scope, node, edgeType, cutoff)
			if err != nil {
				return fmt.Errorf("repairing %s to %s: %w", edgeType, node, err)
			}
			fmt.Fprintf(out, "target %s: %d id types alive\n", edgeType, alive)
		}
		return nil
	})
}

func collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	purge, _ := cmd.Flags().GetBool("purge")
	return withApp(cmd, func(a *app) error {
		ctx := cmd.Context()
		stats, err := sweep(ctx, a)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "swept %d versions: %d compacted, %d deleted in %s\n",
			stats.Versions, stats.Compacted, stats.Deleted, stats.Duration)

		if !purge {
			return nil
		}
		purged, err := purgeTombstones(ctx, a)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d tombstones\n", purged)
		return nil
	})
}

// sweep runs one commit log sweep and records it.
func sweep(ctx context.Context, a *app) (stats graph.SweepStats, err error) {
	stats, err = a.graph.Sweeper.Sweep(ctx)
	metrics.SweepDuration.Observe(stats.Duration.Seconds())
	if err != nil {
		return stats, fmt.Errorf("sweeping commit log: %w", err)
	}
	a.logger.WithFields(logrus.Fields{
		"versions":  stats.Versions,
		"compacted": stats.Compacted,
		"deleted":   stats.Deleted,
		"duration":  stats.Duration,
	}).Info("commit log swept")
	return stats, nil
}

// purgeTombstones removes the tombstones older than the grace period, then
// lets badger reclaim the space.
func purgeTombstones(ctx context.Context, a *app) (int, error) {
	before := storage.TimestampOf(time.Now().Add(-a.cfg.Compaction.TombstoneGrace))
	purged, err := a.ks.PurgeTombstones(ctx, before)
	metrics.TombstonesPurged.Add(float64(purged))
	if err != nil {
		return purged, fmt.Errorf("purging tombstones: %w", err)
	}
	if a.badger != nil {
		if err := a.badger.RunGC(); err != nil {
			return purged, fmt.Errorf("value log gc: %w", err)
		}
		lsm, vlog := a.badger.Size()
		metrics.StorageBytes.WithLabelValues("lsm").Set(float64(lsm))
		metrics.StorageBytes.WithLabelValues("vlog").Set(float64(vlog))
	}
	a.logger.WithField("purged", purged).Info("tombstones purged")
	return purged, nil
}
