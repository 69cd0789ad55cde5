// Package engine wires the delta collector, the transactional writer, the
// secondary-store syncer, hydration, and the status register into one
// facade. Application code talks to the Engine; the subsystems never talk to
// each other directly.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kittclouds/canvas-sync/internal/delta"
	"github.com/kittclouds/canvas-sync/internal/graph"
	"github.com/kittclouds/canvas-sync/internal/hydrate"
	"github.com/kittclouds/canvas-sync/internal/primary"
	"github.com/kittclouds/canvas-sync/internal/record"
	"github.com/kittclouds/canvas-sync/internal/syncstate"
)

// Config is the full engine configuration. Every field maps onto exactly one
// subsystem; SetConfig fans a change out to whichever subsystem owns it.
type Config struct {
	// Debounce, MaxWait, and MaxPendingDeltas drive the collector's flush
	// triggers.
	Debounce         time.Duration
	MaxWait          time.Duration
	MaxPendingDeltas int

	// BatchSize, RetryAttempts, and RetryBaseDelay drive the transactional
	// writer.
	BatchSize      int
	RetryAttempts  int
	RetryBaseDelay time.Duration

	// EnableSecondarySync gates propagation to the secondary store entirely;
	// EnableEdgeSync gates only edge propagation.
	EnableSecondarySync bool
	EnableEdgeSync      bool

	// Hydration configures progressive startup loading.
	Hydration hydrate.Config
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	collector := delta.DefaultConfig()
	writer := primary.DefaultWriterConfig()
	return Config{
		Debounce:            collector.Debounce,
		MaxWait:             collector.MaxWait,
		MaxPendingDeltas:    collector.MaxPending,
		BatchSize:           writer.BatchSize,
		RetryAttempts:       writer.RetryAttempts,
		RetryBaseDelay:      writer.RetryBaseDelay,
		EnableSecondarySync: true,
		EnableEdgeSync:      true,
		Hydration:           hydrate.DefaultConfig(),
	}
}

// ConfigPatch is a partial configuration change. Nil fields keep their
// current value.
type ConfigPatch struct {
	Debounce         *time.Duration
	MaxWait          *time.Duration
	MaxPendingDeltas *int

	BatchSize      *int
	RetryAttempts  *int
	RetryBaseDelay *time.Duration

	EnableSecondarySync *bool
	EnableEdgeSync      *bool
}

// Telemetry carries cumulative flush counters since start or the last reset.
type Telemetry struct {
	TotalFlushes       int64         `json:"total_flushes"`
	TotalDeltas        int64         `json:"total_deltas"`
	TotalFlushDuration time.Duration `json:"total_flush_duration"`
	ErrorCount         int64         `json:"error_count"`
}

// AvgFlushDuration returns the mean flush latency, zero if nothing flushed.
func (t Telemetry) AvgFlushDuration() time.Duration {
	if t.TotalFlushes == 0 {
		return 0
	}
	return t.TotalFlushDuration / time.Duration(t.TotalFlushes)
}

// Engine is the sync orchestrator. One Engine owns one primary store handle,
// one collector, one writer, and one syncer; construct it once and share it.
type Engine struct {
	db        *primary.DB
	collector *delta.Collector
	writer    *primary.TxWriter
	syncer    *graph.Syncer
	state     *syncstate.State
	logger    *log.Logger

	mu  sync.Mutex
	cfg Config

	// flushMu serializes flush processing. A timer trigger that fires while
	// another batch is mid-transaction re-queues its batch instead of
	// racing; ForceFlush blocks on it instead.
	flushMu sync.Mutex

	telMu sync.Mutex
	tel   Telemetry

	closed atomic.Bool
}

// Options carries the engine's collaborators. Store is required; everything
// else has a default.
type Options struct {
	// Store is the secondary graph store deltas are streamed to.
	Store graph.Store

	// Clock overrides wall time for the collector's flush timers.
	Clock delta.Clock

	// Logger defaults to stderr.
	Logger *log.Logger
}

// New creates an engine over an opened primary store.
func New(db *primary.DB, cfg Config, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	e := &Engine{
		db:     db,
		state:  syncstate.New(),
		logger: logger,
		cfg:    cfg,
	}
	e.collector = delta.NewCollector(delta.Config{
		Debounce:   cfg.Debounce,
		MaxWait:    cfg.MaxWait,
		MaxPending: cfg.MaxPendingDeltas,
	}, opts.Clock, e.onFlush)
	e.writer = primary.NewTxWriter(db, primary.WriterConfig{
		BatchSize:      cfg.BatchSize,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
	}, logger)
	e.syncer = graph.NewSyncer(opts.Store, graph.SyncerConfig{
		EnableEdgeSync: cfg.EnableEdgeSync,
	}, logger)
	return e
}

// Config returns a snapshot of the current configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetConfig applies a partial configuration change at runtime and propagates
// each changed field to the subsystem that owns it. A shortened debounce
// takes effect on the currently open collection window.
func (e *Engine) SetConfig(patch ConfigPatch) {
	e.mu.Lock()
	if patch.Debounce != nil {
		e.cfg.Debounce = *patch.Debounce
	}
	if patch.MaxWait != nil {
		e.cfg.MaxWait = *patch.MaxWait
	}
	if patch.MaxPendingDeltas != nil {
		e.cfg.MaxPendingDeltas = *patch.MaxPendingDeltas
	}
	if patch.BatchSize != nil {
		e.cfg.BatchSize = *patch.BatchSize
	}
	if patch.RetryAttempts != nil {
		e.cfg.RetryAttempts = *patch.RetryAttempts
	}
	if patch.RetryBaseDelay != nil {
		e.cfg.RetryBaseDelay = *patch.RetryBaseDelay
	}
	if patch.EnableSecondarySync != nil {
		e.cfg.EnableSecondarySync = *patch.EnableSecondarySync
	}
	if patch.EnableEdgeSync != nil {
		e.cfg.EnableEdgeSync = *patch.EnableEdgeSync
	}
	cfg := e.cfg
	e.mu.Unlock()

	e.collector.SetConfig(delta.Config{
		Debounce:   cfg.Debounce,
		MaxWait:    cfg.MaxWait,
		MaxPending: cfg.MaxPendingDeltas,
	})
	e.writer.SetConfig(primary.WriterConfig{
		BatchSize:      cfg.BatchSize,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
	})
	e.syncer.SetConfig(graph.SyncerConfig{EnableEdgeSync: cfg.EnableEdgeSync})
}

// TrackNodeInsert records a node creation carrying the full record.
func (e *Engine) TrackNodeInsert(id string, data record.Record) {
	e.collector.Insert(id, delta.ClassNode, data)
	e.reportDirty()
}

// TrackNodeUpdate records changed node fields as an ordered patch list.
// Fields with nil values are recorded as removals. An empty field set is a
// no-op.
func (e *Engine) TrackNodeUpdate(id string, fields record.Record) {
	if len(fields) == 0 {
		return
	}
	e.collector.Update(id, delta.ClassNode, record.PatchesFromFields(fields))
	e.reportDirty()
}

// TrackNodeReplace records a full-row node replacement.
func (e *Engine) TrackNodeReplace(id string, data record.Record) {
	e.collector.UpdateFull(id, delta.ClassNode, data)
	e.reportDirty()
}

// TrackNodeDelete records a node deletion.
func (e *Engine) TrackNodeDelete(id string) {
	e.collector.Delete(id, delta.ClassNode)
	e.reportDirty()
}

// TrackEdgeInsert records an edge creation. Data must carry source_id,
// target_id, and rel_type.
func (e *Engine) TrackEdgeInsert(id string, data record.Record) {
	e.collector.Insert(id, delta.ClassEdge, data)
	e.reportDirty()
}

// TrackEdgeUpdate records changed edge fields as an ordered patch list. An
// empty field set is a no-op.
func (e *Engine) TrackEdgeUpdate(id string, fields record.Record) {
	if len(fields) == 0 {
		return
	}
	e.collector.Update(id, delta.ClassEdge, record.PatchesFromFields(fields))
	e.reportDirty()
}

// TrackEdgeReplace records a full-row edge replacement.
func (e *Engine) TrackEdgeReplace(id string, data record.Record) {
	e.collector.UpdateFull(id, delta.ClassEdge, data)
	e.reportDirty()
}

// TrackEdgeDelete records an edge deletion.
func (e *Engine) TrackEdgeDelete(id string) {
	e.collector.Delete(id, delta.ClassEdge)
	e.reportDirty()
}

// MarkNodeDirty is the operation-code entry point retained for callers that
// predate the typed Track methods. Inserts and deletes route directly; an
// update routes to a field-level patch when changedFields is non-empty and
// to a full-row replace of data otherwise.
func (e *Engine) MarkNodeDirty(id string, op delta.Op, data, changedFields record.Record) {
	switch op {
	case delta.OpInsert:
		e.TrackNodeInsert(id, data)
	case delta.OpDelete:
		e.TrackNodeDelete(id)
	case delta.OpUpdate:
		if len(changedFields) > 0 {
			e.TrackNodeUpdate(id, changedFields)
		} else {
			e.TrackNodeReplace(id, data)
		}
	default:
		e.logger.Printf("Warning: ignoring unknown operation %q for node %s", op, id)
	}
}

// MarkEdgeDirty is the edge counterpart of MarkNodeDirty.
func (e *Engine) MarkEdgeDirty(id string, op delta.Op, data, changedFields record.Record) {
	switch op {
	case delta.OpInsert:
		e.TrackEdgeInsert(id, data)
	case delta.OpDelete:
		e.TrackEdgeDelete(id)
	case delta.OpUpdate:
		if len(changedFields) > 0 {
			e.TrackEdgeUpdate(id, changedFields)
		} else {
			e.TrackEdgeReplace(id, data)
		}
	default:
		e.logger.Printf("Warning: ignoring unknown operation %q for edge %s", op, id)
	}
}

// HasPendingChanges reports whether any mutation is buffered and not yet
// committed.
func (e *Engine) HasPendingChanges() bool {
	return e.collector.HasPending()
}

// PendingCount returns the number of buffered deltas.
func (e *Engine) PendingCount() int {
	return e.collector.PendingCount()
}

// ForceFlush drains the pending set and commits it synchronously, bypassing
// the window timers. Used on shutdown and by explicit save actions. Loops
// until nothing is pending, so deltas re-queued by a concurrent timer flush
// are picked up too. Returns the commit error, with the batch re-queued, if
// a transaction failed.
func (e *Engine) ForceFlush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		e.flushMu.Lock()
		batch := e.collector.Drain()
		if len(batch) == 0 {
			e.flushMu.Unlock()
			return nil
		}
		err := e.processBatch(ctx, batch)
		e.flushMu.Unlock()
		if err != nil {
			return fmt.Errorf("force flush: %w", err)
		}
	}
}

// Subscribe attaches a listener to the status register; it is replayed the
// current status immediately. Returns a disposer.
func (e *Engine) Subscribe(l syncstate.Listener) func() {
	return e.state.Subscribe(l)
}

// Status returns the current status snapshot.
func (e *Engine) Status() syncstate.Status {
	return e.state.Get()
}

// Telemetry returns a snapshot of the cumulative flush counters.
func (e *Engine) Telemetry() Telemetry {
	e.telMu.Lock()
	defer e.telMu.Unlock()
	return e.tel
}

// ResetTelemetry zeroes the counters.
func (e *Engine) ResetTelemetry() {
	e.telMu.Lock()
	e.tel = Telemetry{}
	e.telMu.Unlock()
}

// Hydrate loads the primary store into memory, progressively unless the
// caller asks for a single bulk pass, and reports progress through the
// status register.
func (e *Engine) Hydrate(ctx context.Context, progressive bool) (*hydrate.Result, error) {
	e.mu.Lock()
	cfg := e.cfg.Hydration
	e.mu.Unlock()

	h := hydrate.New(e.db, e.state, cfg, e.logger)
	if progressive {
		return h.HydrateProgressive(ctx)
	}
	return h.HydrateAll(ctx)
}

// FullResync rebuilds the secondary store from the primary store.
func (e *Engine) FullResync(ctx context.Context) (nodes, edges int, err error) {
	return e.syncer.FullResync(ctx, e.db)
}

// DB exposes the primary store handle for read paths.
func (e *Engine) DB() *primary.DB {
	return e.db
}

// Close flushes any pending deltas and stops the window timers. The primary
// store handle belongs to the caller and stays open.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := e.ForceFlush(ctx)
	e.collector.Stop()
	return err
}

// onFlush is the collector's flush callback. It runs on a timer goroutine or
// a threshold-dispatch goroutine, never the tracking caller's, and it must
// not block behind another flush: if one is already in progress the batch is
// re-queued and picked up by the next trigger.
func (e *Engine) onFlush(batch []*delta.Delta) {
	if e.closed.Load() || !e.flushMu.TryLock() {
		e.collector.Requeue(batch)
		return
	}
	defer e.flushMu.Unlock()

	if err := e.processBatch(context.Background(), batch); err != nil {
		e.logger.Printf("Warning: flush failed, %d deltas re-queued: %v", len(batch), err)
	}
}

// processBatch commits one sealed batch to the primary store and, on
// success, streams it to the secondary store. On failure the batch is
// re-queued under any newer pending deltas and the error is returned.
// Caller holds flushMu.
func (e *Engine) processBatch(ctx context.Context, batch []*delta.Delta) error {
	e.state.Update(func(st *syncstate.Status) { st.IsSyncing = true })

	result := e.writer.Execute(ctx, batch)
	if !result.Success {
		e.collector.Requeue(batch)
		e.telMu.Lock()
		e.tel.ErrorCount++
		e.telMu.Unlock()

		errMsg := "batch commit failed"
		if len(result.Errors) > 0 {
			errMsg = result.Errors[len(result.Errors)-1]
		}
		e.state.Update(func(st *syncstate.Status) {
			st.IsSyncing = false
			st.LastError = errMsg
			st.DirtyNodeCount, st.DirtyEdgeCount = e.collector.Counts()
		})
		return fmt.Errorf("batch %s: %s", result.BatchID, errMsg)
	}

	e.mu.Lock()
	secondary := e.cfg.EnableSecondarySync
	e.mu.Unlock()
	if secondary {
		e.syncer.SyncDeltas(ctx, batch)
	}

	e.telMu.Lock()
	e.tel.TotalFlushes++
	e.tel.TotalDeltas += int64(len(batch))
	e.tel.TotalFlushDuration += result.Duration
	e.telMu.Unlock()

	e.state.Update(func(st *syncstate.Status) {
		st.IsSyncing = false
		st.LastSyncTime = time.Now()
		st.LastError = ""
		st.DirtyNodeCount, st.DirtyEdgeCount = e.collector.Counts()
	})
	return nil
}

func (e *Engine) reportDirty() {
	nodes, edges := e.collector.Counts()
	e.state.Update(func(st *syncstate.Status) {
		st.DirtyNodeCount = nodes
		st.DirtyEdgeCount = edges
	})
}
