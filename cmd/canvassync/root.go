package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kittclouds/canvas-sync/internal/engine"
	"github.com/kittclouds/canvas-sync/internal/graph"
	"github.com/kittclouds/canvas-sync/internal/primary"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "canvassync",
	Short: "Delta sync engine for canvas workspaces",
	Long: `canvassync keeps a canvas workspace's primary SQLite store and its
derived graph store in sync.

Mutations are collected as deltas, coalesced per entity, committed in
atomic batches, and streamed best-effort to the secondary graph store.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./canvassync.yaml)")
	rootCmd.PersistentFlags().String("db", "", "path to the primary SQLite store")
	rootCmd.PersistentFlags().String("log-file", "", "log file with rotation (default: stderr)")

	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file"))
}

// initConfig reads the config file and environment. Every setting can come
// from flags, canvassync.yaml, or CANVASSYNC_* environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("canvassync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "canvassync"))
		}
	}

	viper.SetEnvPrefix("canvassync")
	viper.AutomaticEnv()

	viper.SetDefault("db", "canvas.db")
	viper.SetDefault("spool_dir", "spool")
	viper.SetDefault("log.max_size_mb", 10)
	viper.SetDefault("log.max_backups", 3)

	viper.SetDefault("sync.debounce", "300ms")
	viper.SetDefault("sync.max_wait", "2s")
	viper.SetDefault("sync.max_pending", 500)
	viper.SetDefault("sync.batch_size", 100)
	viper.SetDefault("sync.retry_attempts", 3)
	viper.SetDefault("sync.retry_base_delay", "100ms")
	viper.SetDefault("sync.enable_secondary", true)
	viper.SetDefault("sync.enable_edges", true)

	viper.SetDefault("graph.statement_log", "")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			os.Exit(1)
		}
	}
}

func timeoutContext(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// newLogger builds the process logger, rotating through lumberjack when a
// log file is configured.
func newLogger(prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if path := viper.GetString("log.file"); path != "" {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    viper.GetInt("log.max_size_mb"),
			MaxBackups: viper.GetInt("log.max_backups"),
			Compress:   true,
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}

func engineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Debounce = viper.GetDuration("sync.debounce")
	cfg.MaxWait = viper.GetDuration("sync.max_wait")
	cfg.MaxPendingDeltas = viper.GetInt("sync.max_pending")
	cfg.BatchSize = viper.GetInt("sync.batch_size")
	cfg.RetryAttempts = viper.GetInt("sync.retry_attempts")
	cfg.RetryBaseDelay = viper.GetDuration("sync.retry_base_delay")
	cfg.EnableSecondarySync = viper.GetBool("sync.enable_secondary")
	cfg.EnableEdgeSync = viper.GetBool("sync.enable_edges")
	return cfg
}

// openGraphStore picks the secondary store: a Cypher statement log when
// configured, an in-process store otherwise.
func openGraphStore(logger *log.Logger) (graph.Store, func() error, error) {
	if path := viper.GetString("graph.statement_log"); path != "" {
		runner, err := graph.NewFileRunner(path)
		if err != nil {
			return nil, nil, err
		}
		return graph.NewCypherClient(runner, logger), runner.Close, nil
	}
	return graph.NewMemory(), func() error { return nil }, nil
}

// openEngine wires the primary store, graph store, and engine from config.
// The returned closer releases everything in reverse order.
func openEngine(logger *log.Logger) (*engine.Engine, func() error, error) {
	dbPath := viper.GetString("db")
	db, err := primary.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open primary store %s: %w", dbPath, err)
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	store, closeStore, err := openGraphStore(logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	eng := engine.New(db, engineConfig(), engine.Options{Store: store, Logger: logger})

	closer := func() error {
		ctx, cancel := timeoutContext(10 * time.Second)
		defer cancel()
		err := eng.Close(ctx)
		if cerr := closeStore(); err == nil {
			err = cerr
		}
		if cerr := db.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return eng, closer, nil
}
