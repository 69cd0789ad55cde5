// Package ingest provides the spool daemon that feeds external mutations
// into the sync engine.
//
// The daemon:
// 1. Watches a spool directory for dropped *.json mutation files
// 2. Applies each mutation to the engine's delta tracker
// 3. Consumes processed files, setting rejected ones aside
// 4. Handles graceful shutdown
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kittclouds/canvas-sync/internal/delta"
	"github.com/kittclouds/canvas-sync/internal/engine"
	"github.com/kittclouds/canvas-sync/internal/record"
)

// Mutation is the wire form of one spooled change. Data carries the full
// record for inserts and replaces; Fields carries changed fields for
// updates, with null values meaning removal.
type Mutation struct {
	Class  string        `json:"class"` // "node" or "edge"
	Op     string        `json:"op"`    // "insert", "update", "replace", "delete"
	ID     string        `json:"id"`
	Data   record.Record `json:"data,omitempty"`
	Fields record.Record `json:"fields,omitempty"`
}

// Config holds configuration for the spool daemon.
type Config struct {
	// DebounceInterval is how long a file must sit unchanged before it is
	// processed, so half-written drops are not consumed mid-write.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[ingest] ", log.LstdFlags),
	}
}

// Daemon watches the spool directory and applies mutations to the engine.
type Daemon struct {
	engine   *engine.Engine
	spoolDir string
	config   *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> last event time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a spool daemon over a constructed engine. Use Start() to
// begin watching.
func New(eng *engine.Engine, spoolDir string, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if spoolDir == "" {
		return nil, fmt.Errorf("spoolDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:      eng,
		spoolDir:    spoolDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon drains any files already in the spool, then watches for new
// drops and processes them with debouncing. Blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting spool daemon")

	if err := d.DrainSpool(); err != nil {
		return fmt.Errorf("initial spool drain failed: %w", err)
	}

	if err := d.watcher.Add(d.spoolDir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", d.spoolDir)

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChangeQueue()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. Pending deltas stay buffered in
// the engine; the caller decides whether to force a final flush.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping spool daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Spool daemon stopped")
	return nil
}

// DrainSpool processes every mutation file currently in the spool. Called
// on startup and available for manual triggering.
func (d *Daemon) DrainSpool() error {
	entries, err := os.ReadDir(d.spoolDir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}

	processed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(d.spoolDir, entry.Name())
		if err := d.consumeFile(path); err != nil {
			d.config.Logger.Printf("Warning: failed to consume %s: %v", path, err)
			continue
		}
		processed++
	}

	if processed > 0 {
		d.config.Logger.Printf("Drained %d spool files", processed)
	}
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records a file event, restarting its debounce window.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue consumes queued files once their debounce has elapsed.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		delete(d.changeQueue, path)

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // consumed by the initial drain or removed externally
		}
		if err := d.consumeFile(path); err != nil {
			d.config.Logger.Printf("Warning: failed to consume %s: %v", path, err)
		}
	}
}

// consumeFile parses one spool file, applies its mutations, and removes it.
// A file that cannot be parsed is set aside with a .rejected suffix so it
// is not retried forever.
func (d *Daemon) consumeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read spool file: %w", err)
	}

	muts, err := parseMutations(data)
	if err != nil {
		if renameErr := os.Rename(path, path+".rejected"); renameErr != nil {
			d.config.Logger.Printf("Warning: failed to set aside %s: %v", path, renameErr)
		}
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}

	for _, m := range muts {
		if err := d.apply(m); err != nil {
			d.config.Logger.Printf("Warning: skipping mutation in %s: %v", filepath.Base(path), err)
		}
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove consumed file: %w", err)
	}
	return nil
}

// parseMutations accepts either a single mutation object or an array.
func parseMutations(data []byte) ([]Mutation, error) {
	var many []Mutation
	if err := json.Unmarshal(data, &many); err == nil {
		return many, nil
	}
	var one Mutation
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, err
	}
	return []Mutation{one}, nil
}

// apply routes one mutation to the engine's tracking API.
func (d *Daemon) apply(m Mutation) error {
	if m.ID == "" {
		return fmt.Errorf("mutation missing id")
	}

	switch m.Class {
	case string(delta.ClassNode):
		switch m.Op {
		case "insert":
			d.engine.TrackNodeInsert(m.ID, m.Data)
		case "update":
			d.engine.TrackNodeUpdate(m.ID, m.Fields)
		case "replace":
			d.engine.TrackNodeReplace(m.ID, m.Data)
		case "delete":
			d.engine.TrackNodeDelete(m.ID)
		default:
			return fmt.Errorf("unknown op %q for node %s", m.Op, m.ID)
		}
	case string(delta.ClassEdge):
		switch m.Op {
		case "insert":
			d.engine.TrackEdgeInsert(m.ID, m.Data)
		case "update":
			d.engine.TrackEdgeUpdate(m.ID, m.Fields)
		case "replace":
			d.engine.TrackEdgeReplace(m.ID, m.Data)
		case "delete":
			d.engine.TrackEdgeDelete(m.ID)
		default:
			return fmt.Errorf("unknown op %q for edge %s", m.Op, m.ID)
		}
	default:
		return fmt.Errorf("unknown class %q for %s", m.Class, m.ID)
	}
	return nil
}
