package engine

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kittclouds/canvas-sync/internal/delta"
	"github.com/kittclouds/canvas-sync/internal/graph"
	"github.com/kittclouds/canvas-sync/internal/primary"
	"github.com/kittclouds/canvas-sync/internal/record"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[test] ", 0)
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *primary.DB, *graph.Memory) {
	t.Helper()

	db, err := primary.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open primary: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	store := graph.NewMemory()
	e := New(db, cfg, Options{Store: store, Logger: testLogger()})
	t.Cleanup(func() { e.Close(context.Background()) })
	return e, db, store
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// A record is created then edited several times inside one debounce window.
// Exactly one row reaches the store, carrying the final state.
func TestRapidEditsCommitOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = 25 * time.Millisecond
	cfg.MaxWait = 500 * time.Millisecond
	e, db, store := newTestEngine(t, cfg)
	ctx := context.Background()

	e.TrackNodeInsert("A", record.Record{"title": "draft", "body": "x"})
	e.TrackNodeUpdate("A", record.Record{"title": "v2"})
	e.TrackNodeUpdate("A", record.Record{"title": "final"})

	waitFor(t, "debounce flush", func() bool {
		n, _ := db.NodeCount(ctx)
		return n == 1 && !e.HasPendingChanges()
	})

	row, err := db.GetNode(ctx, "A")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if row.Data["title"] != "final" || row.Data["body"] != "x" {
		t.Errorf("expected coalesced final state, got %v", row.Data)
	}

	tel := e.Telemetry()
	if tel.TotalFlushes != 1 || tel.TotalDeltas != 1 {
		t.Errorf("expected single flush of single delta, got %+v", tel)
	}
	if store.Node("A") == nil {
		t.Errorf("secondary store missed the committed node")
	}
}

// A record created and deleted inside one window never reaches either store.
func TestCreateThenDeleteCommitsNothing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = 10 * time.Second // only explicit flushes
	e, db, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	e.TrackNodeInsert("ghost", record.Record{"title": "temp"})
	e.TrackNodeDelete("ghost")

	if e.HasPendingChanges() {
		t.Fatalf("insert+delete must cancel, %d pending", e.PendingCount())
	}
	if err := e.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if n, _ := db.NodeCount(ctx); n != 0 {
		t.Errorf("cancelled record reached the store, %d rows", n)
	}
	if e.Telemetry().TotalFlushes != 0 {
		t.Errorf("empty flush must not count: %+v", e.Telemetry())
	}
}

// Reaching the pending threshold flushes immediately, without waiting for
// either timer.
func TestPendingThresholdFlushesImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = 10 * time.Second
	cfg.MaxWait = 10 * time.Second
	cfg.MaxPendingDeltas = 3
	e, db, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	e.TrackNodeInsert("n1", record.Record{})
	e.TrackNodeInsert("n2", record.Record{})
	if n, _ := db.NodeCount(ctx); n != 0 {
		t.Fatalf("flushed before threshold, %d rows", n)
	}

	e.TrackNodeInsert("n3", record.Record{})
	waitFor(t, "threshold flush", func() bool {
		n, _ := db.NodeCount(ctx)
		return n == 3
	})
	if e.HasPendingChanges() {
		t.Errorf("threshold flush left %d pending", e.PendingCount())
	}
}

func TestEdgesCommitAfterNodes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = 10 * time.Second
	e, db, store := newTestEngine(t, cfg)
	ctx := context.Background()

	// Tracked edge-first; the batch must still order nodes ahead of edges.
	e.TrackEdgeInsert("e1", record.Record{
		record.FieldSourceID: "A",
		record.FieldTargetID: "B",
		record.FieldRelType:  "links_to",
	})
	e.TrackNodeInsert("A", record.Record{"title": "a"})
	e.TrackNodeInsert("B", record.Record{"title": "b"})

	if err := e.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	if n, _ := db.EdgeCount(ctx); n != 1 {
		t.Errorf("expected 1 edge committed, got %d", n)
	}
	if store.Edge("e1") == nil {
		t.Errorf("secondary store missed the edge")
	}
}

// A failed commit keeps the batch: it is re-queued and still counted as
// pending, and the failure is observable.
func TestFailedCommitRequeues(t *testing.T) {
	// A store without InitSchema makes every transaction fail.
	db, err := primary.Open(filepath.Join(t.TempDir(), "bare.db"))
	if err != nil {
		t.Fatalf("open primary: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := DefaultConfig()
	cfg.Debounce = 10 * time.Second
	cfg.MaxWait = 10 * time.Second
	cfg.RetryAttempts = 1
	cfg.RetryBaseDelay = time.Millisecond
	e := New(db, cfg, Options{Store: graph.NewMemory(), Logger: testLogger()})
	t.Cleanup(func() { e.Close(context.Background()) })

	e.TrackNodeInsert("A", record.Record{"title": "a"})

	if err := e.ForceFlush(context.Background()); err == nil {
		t.Fatal("expected commit failure without schema")
	}
	if !e.HasPendingChanges() {
		t.Errorf("failed batch must be re-queued")
	}

	st := e.Status()
	if st.LastError == "" {
		t.Errorf("failure must surface in status: %+v", st)
	}
	if e.Telemetry().ErrorCount != 1 {
		t.Errorf("expected 1 error counted, got %+v", e.Telemetry())
	}
}

// The operation-code shim must route every legacy call variant onto the
// typed tracking path.
func TestMarkDirtyRoutesByOperation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = 10 * time.Second
	e, db, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	e.MarkNodeDirty("A", delta.OpInsert, record.Record{"title": "a", "body": "x"}, nil)
	e.MarkEdgeDirty("e1", delta.OpInsert, record.Record{
		record.FieldSourceID: "A",
		record.FieldTargetID: "A",
		record.FieldRelType:  "self",
	}, nil)
	if err := e.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	// Update with changed fields patches; update without them replaces.
	e.MarkNodeDirty("A", delta.OpUpdate, nil, record.Record{"title": "patched"})
	if err := e.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	node, err := db.GetNode(ctx, "A")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if node.Data["title"] != "patched" || node.Data["body"] != "x" {
		t.Errorf("changed-fields update must patch, got %v", node.Data)
	}

	e.MarkNodeDirty("A", delta.OpUpdate, record.Record{"title": "replaced"}, nil)
	if err := e.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	node, _ = db.GetNode(ctx, "A")
	if node.Data["title"] != "replaced" {
		t.Errorf("expected replaced title, got %v", node.Data["title"])
	}
	if _, ok := node.Data["body"]; ok {
		t.Errorf("full-row replace must drop old fields: %v", node.Data)
	}

	e.MarkEdgeDirty("e1", delta.OpDelete, nil, nil)
	e.MarkNodeDirty("A", delta.OpDelete, nil, nil)
	if err := e.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if n, _ := db.NodeCount(ctx); n != 0 {
		t.Errorf("expected node deleted, %d rows left", n)
	}
	if n, _ := db.EdgeCount(ctx); n != 0 {
		t.Errorf("expected edge deleted, %d rows left", n)
	}
}

func TestStatusTracksDirtyCountsAndSyncTime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = 10 * time.Second
	e, _, _ := newTestEngine(t, cfg)

	e.TrackNodeInsert("A", record.Record{})
	e.TrackEdgeInsert("e1", record.Record{
		record.FieldSourceID: "A",
		record.FieldTargetID: "A",
		record.FieldRelType:  "self",
	})

	st := e.Status()
	if st.DirtyNodeCount != 1 || st.DirtyEdgeCount != 1 {
		t.Fatalf("dirty counts wrong before flush: %+v", st)
	}

	if err := e.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	st = e.Status()
	if st.DirtyNodeCount != 0 || st.DirtyEdgeCount != 0 {
		t.Errorf("dirty counts must clear after commit: %+v", st)
	}
	if st.LastSyncTime.IsZero() {
		t.Errorf("LastSyncTime not recorded: %+v", st)
	}
}

func TestSetConfigAppliesAtRuntime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = 10 * time.Second
	cfg.MaxWait = 10 * time.Second
	e, db, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	threshold := 1
	e.SetConfig(ConfigPatch{MaxPendingDeltas: &threshold})
	if got := e.Config().MaxPendingDeltas; got != 1 {
		t.Fatalf("config patch not applied: %d", got)
	}

	// With threshold 1 the very next mutation commits immediately.
	e.TrackNodeInsert("A", record.Record{})
	waitFor(t, "threshold flush after reconfigure", func() bool {
		n, _ := db.NodeCount(ctx)
		return n == 1
	})

	// Unpatched fields keep their values.
	if got := e.Config().Debounce; got != 10*time.Second {
		t.Errorf("unpatched debounce changed: %v", got)
	}
}

func TestSecondarySyncDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = 10 * time.Second
	cfg.EnableSecondarySync = false
	e, db, store := newTestEngine(t, cfg)
	ctx := context.Background()

	e.TrackNodeInsert("A", record.Record{})
	if err := e.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	if n, _ := db.NodeCount(ctx); n != 1 {
		t.Fatalf("primary commit must still happen, got %d rows", n)
	}
	if nodes, _ := store.Counts(); nodes != 0 {
		t.Errorf("secondary sync disabled but store has %d nodes", nodes)
	}
}

func TestHydrateRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = 10 * time.Second
	cfg.Hydration.Yield = 0
	e, _, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	e.TrackNodeInsert("folder-1", record.Record{record.FieldKind: "folder"})
	e.TrackNodeInsert("note-1", record.Record{
		record.FieldKind: "note", record.FieldParentID: "folder-1",
	})
	e.TrackEdgeInsert("e1", record.Record{
		record.FieldSourceID: "folder-1",
		record.FieldTargetID: "note-1",
		record.FieldRelType:  "contains",
	})
	if err := e.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	result, err := e.Hydrate(ctx, true)
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if result.NodesLoaded != 2 || result.EdgesLoaded != 1 {
		t.Errorf("expected 2 nodes / 1 edge hydrated, got %d / %d",
			result.NodesLoaded, result.EdgesLoaded)
	}
	if !e.Status().IsHydrated {
		t.Errorf("status must report hydrated: %+v", e.Status())
	}
}

func TestFullResyncRepairsSecondary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debounce = 10 * time.Second
	cfg.EnableSecondarySync = false // let the secondary store fall behind
	e, _, store := newTestEngine(t, cfg)
	ctx := context.Background()

	e.TrackNodeInsert("A", record.Record{"title": "a"})
	e.TrackNodeInsert("B", record.Record{"title": "b"})
	if err := e.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	nodes, edges, err := e.FullResync(ctx)
	if err != nil {
		t.Fatalf("FullResync: %v", err)
	}
	if nodes != 2 || edges != 0 {
		t.Errorf("expected 2 nodes resynced, got %d / %d", nodes, edges)
	}
	if got, _ := store.Counts(); got != 2 {
		t.Errorf("secondary store not repaired: %d nodes", got)
	}
}
