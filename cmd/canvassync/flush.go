package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kittclouds/canvas-sync/internal/ingest"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Drain the spool and commit everything now",
	Long: `Consume every mutation file currently in the spool directory and
commit the resulting deltas in one pass, without waiting for debounce.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger("[canvassync] ")

		eng, closeEngine, err := openEngine(logger)
		if err != nil {
			return err
		}
		defer closeEngine()

		spoolDir := viper.GetString("spool_dir")
		if _, err := os.Stat(spoolDir); err == nil {
			d, err := ingest.New(eng, spoolDir, &ingest.Config{Logger: logger})
			if err != nil {
				return err
			}
			if err := d.DrainSpool(); err != nil {
				return fmt.Errorf("spool drain failed: %w", err)
			}
		}

		pending := eng.PendingCount()
		if pending == 0 {
			fmt.Println("Nothing to flush")
			return nil
		}

		start := time.Now()
		if err := eng.ForceFlush(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Flushed %d deltas in %v\n", pending, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Rebuild the secondary graph store from the primary store",
	Long: `Stream every node and edge row from the primary store into the
secondary graph store as upserts. Use this to repair a lost or lagging
secondary store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger("[canvassync] ")

		eng, closeEngine, err := openEngine(logger)
		if err != nil {
			return err
		}
		defer closeEngine()

		start := time.Now()
		nodes, edges, err := eng.FullResync(cmd.Context())
		if err != nil {
			return fmt.Errorf("resync failed: %w", err)
		}
		fmt.Printf("Resynced %d nodes, %d edges in %v\n",
			nodes, edges, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(resyncCmd)
}
