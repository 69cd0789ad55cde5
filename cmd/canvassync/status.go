package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kittclouds/canvas-sync/internal/primary"
)

type storeStatus struct {
	Path      string    `yaml:"path"`
	SizeBytes int64     `yaml:"size_bytes"`
	Nodes     int       `yaml:"nodes"`
	Edges     int       `yaml:"edges"`
	Modified  time.Time `yaml:"modified"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show primary store status",
	Long: `Display the current state of the primary store.

Shows the store location and size plus node and edge counts. Use --yaml
for machine-readable output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := viper.GetString("db")

		info, err := os.Stat(dbPath)
		if os.IsNotExist(err) {
			fmt.Printf("Primary store not initialized at %s\n", dbPath)
			fmt.Println("Run 'canvassync daemon' to create it")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to stat store: %w", err)
		}

		db, err := primary.Open(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer db.Close()

		ctx := cmd.Context()
		nodes, err := db.NodeCount(ctx)
		if err != nil {
			return fmt.Errorf("failed to count nodes: %w", err)
		}
		edges, err := db.EdgeCount(ctx)
		if err != nil {
			return fmt.Errorf("failed to count edges: %w", err)
		}

		st := storeStatus{
			Path:      dbPath,
			SizeBytes: info.Size(),
			Nodes:     nodes,
			Edges:     edges,
			Modified:  info.ModTime(),
		}

		if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
			out, err := yaml.Marshal(st)
			if err != nil {
				return fmt.Errorf("failed to marshal status: %w", err)
			}
			fmt.Print(string(out))
			return nil
		}

		fmt.Printf("\nPrimary Store Status\n\n")
		fmt.Printf("Location: %s\n", st.Path)
		fmt.Printf("Size:     %s\n", formatSize(st.SizeBytes))
		fmt.Printf("Nodes:    %d\n", st.Nodes)
		fmt.Printf("Edges:    %d\n", st.Edges)
		fmt.Printf("Modified: %s\n\n", st.Modified.Format("2006-01-02 15:04:05"))
		return nil
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	statusCmd.Flags().Bool("yaml", false, "emit YAML instead of text")
	rootCmd.AddCommand(statusCmd)
}
