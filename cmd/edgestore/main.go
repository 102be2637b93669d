// Package main provides the edgestore CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "edgestore",
		Short: "edgestore - versioned graph edge store with background repair",
		Long: `edgestore keeps versioned, append-only graph edges consistent.

Edges are written to a commit log, compacted into permanent storage, and
their obsolete versions and index entries are repaired away in response to
write and delete events.

Features:
  • Commit log compaction and edge version repair
  • Edge-type and id-type index repair
  • Node deletion with full edge fan-out
  • Durable event journal with redelivery`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "YAML config file")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().Bool("in-memory", false, "Run on an in-memory engine; nothing is persisted")
	rootCmd.PersistentFlags().String("app", "", "Application id scoping the graph, as type:uuid")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "edgestore v%s (%s)\n", version, commit)
		},
	})

	// Serve command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the repair daemon",
		Long: `Run the repair daemon: redeliver journaled events, sweep the commit log,
purge expired tombstones and expose prometheus metrics until interrupted.`,
		RunE: runServe,
	})

	// Edge commands
	rootCmd.AddCommand(&cobra.Command{
		Use:   "write-edge SOURCE TYPE TARGET",
		Short: "Write a new version of an edge",
		Args:  cobra.ExactArgs(3),
		RunE:  runWriteEdge,
	})

	deleteEdgeCmd := &cobra.Command{
		Use:   "delete-edge SOURCE TYPE TARGET",
		Short: "Mark an edge version deleted and repair it",
		Args:  cobra.ExactArgs(3),
		RunE:  runDeleteEdge,
	}
	deleteEdgeCmd.Flags().String("version", "", "Version to delete (default: newest live version)")
	rootCmd.AddCommand(deleteEdgeCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "delete-node NODE",
		Short: "Mark a node deleted and remove all of its edges",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeleteNode,
	})

	edgesCmd := &cobra.Command{
		Use:   "edges NODE TYPE",
		Short: "List the live edges of a node",
		Args:  cobra.ExactArgs(2),
		RunE:  runEdges,
	}
	edgesCmd.Flags().Bool("incoming", false, "List edges pointing to NODE instead of leaving it")
	rootCmd.AddCommand(edgesCmd)

	// Maintenance commands
	repairCmd := &cobra.Command{
		Use:   "repair NODE",
		Short: "Remove index entries of NODE that no live edge backs",
		Args:  cobra.ExactArgs(1),
		RunE:  runRepair,
	}
	repairCmd.Flags().StringSlice("type", nil, "Edge types to repair (default: every indexed type)")
	rootCmd.AddCommand(repairCmd)

	compactCmd := &cobra.Command{
		Use:   "compact",
		Short: "Sweep the commit log into permanent storage",
		RunE:  runCompact,
	}
	compactCmd.Flags().Bool("purge", false, "Also purge tombstones older than the configured grace period")
	rootCmd.AddCommand(compactCmd)

	return rootCmd
}
