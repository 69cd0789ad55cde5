package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kittclouds/canvas-sync/internal/dashboard"
	"github.com/kittclouds/canvas-sync/internal/ingest"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Hydrates the primary store into memory
  2. Watches the spool directory for dropped mutation files
  3. Batches mutations into atomic transactions with debouncing
  4. Streams committed batches to the secondary graph store
  5. Optionally serves the real-time dashboard

Press Ctrl+C to stop; pending deltas are flushed on shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger("[canvassync] ")

		eng, closeEngine, err := openEngine(logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := closeEngine(); err != nil {
				logger.Printf("Shutdown error: %v", err)
			}
		}()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		skipHydrate, _ := cmd.Flags().GetBool("no-hydrate")
		if !skipHydrate {
			result, err := eng.Hydrate(ctx, true)
			if err != nil {
				return fmt.Errorf("hydration failed: %w", err)
			}
			fmt.Printf("Hydrated %d nodes, %d edges\n", result.NodesLoaded, result.EdgesLoaded)
		}

		if port, _ := cmd.Flags().GetInt("dashboard-port"); port >= 0 {
			server := dashboard.NewServer(eng, &dashboard.Config{
				Port:   port,
				Logger: newLogger("[dashboard] "),
			})
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer server.Stop()
			fmt.Printf("Dashboard: http://localhost%s (ws://localhost%s/ws)\n",
				portSuffix(server.GetAddr()), portSuffix(server.GetAddr()))
		}

		spoolDir := viper.GetString("spool_dir")
		if err := os.MkdirAll(spoolDir, 0o755); err != nil {
			return fmt.Errorf("failed to create spool directory: %w", err)
		}

		d, err := ingest.New(eng, spoolDir, &ingest.Config{
			DebounceInterval: viper.GetDuration("sync.debounce"),
			Logger:           newLogger("[ingest] "),
		})
		if err != nil {
			return fmt.Errorf("failed to create spool daemon: %w", err)
		}

		fmt.Printf("Watching spool: %s\n", spoolDir)
		fmt.Println("Press Ctrl+C to stop")

		return d.Start(ctx)
	},
}

// portSuffix strips the host part of a listen address, keeping ":port".
func portSuffix(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[i:]
		}
	}
	return addr
}

func init() {
	daemonCmd.Flags().Bool("no-hydrate", false, "skip startup hydration")
	daemonCmd.Flags().Int("dashboard-port", -1, "serve the dashboard on this port (-1 disables, 0 picks a free port)")
	rootCmd.AddCommand(daemonCmd)
}
