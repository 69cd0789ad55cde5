package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kittclouds/canvas-sync/internal/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Run a synthetic write load through the engine",
	Long: `Seed a throwaway store with synthetic records, then drive concurrent
mutation streams through the full pipeline and report latency statistics.

The store is created in a temporary directory and removed afterwards; the
configured primary store is never touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		numNodes, _ := cmd.Flags().GetInt("nodes")
		writers, _ := cmd.Flags().GetInt("writers")
		mutations, _ := cmd.Flags().GetInt("mutations")
		edgePct, _ := cmd.Flags().GetFloat64("edge-pct")

		dir, err := os.MkdirTemp("", "canvassync-loadtest-")
		if err != nil {
			return fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(dir)

		fmt.Printf("Seeding %d nodes (%.0f%% edge ratio)...\n", numNodes, edgePct*100)
		h, err := loadtest.CreateHarness(filepath.Join(dir, "load.db"), numNodes, edgePct)
		if err != nil {
			return fmt.Errorf("failed to create harness: %w", err)
		}
		defer h.Close()

		fmt.Printf("Running %d writers x %d mutations...\n", writers, mutations)
		stats, err := h.RunConcurrentWriters(writers, mutations)
		if err != nil {
			return fmt.Errorf("load run failed: %w", err)
		}

		stats.PrintStats()
		fmt.Println("\nEngine stats:")
		for k, v := range h.GetStats() {
			fmt.Printf("  %s: %v\n", k, v)
		}
		return nil
	},
}

func init() {
	loadtestCmd.Flags().Int("nodes", 1000, "number of seeded nodes")
	loadtestCmd.Flags().Int("writers", 10, "concurrent writers")
	loadtestCmd.Flags().Int("mutations", 100, "mutations per writer")
	loadtestCmd.Flags().Float64("edge-pct", 0.5, "edges created per seeded node")
	rootCmd.AddCommand(loadtestCmd)
}
