package primary

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kittclouds/canvas-sync/internal/delta"
	"github.com/kittclouds/canvas-sync/internal/record"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return db
}

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[test] ", 0)
}

func nodeInsert(id string, data record.Record) *delta.Delta {
	return &delta.Delta{ID: id, Class: delta.ClassNode, Op: delta.OpInsert,
		Data: data, Timestamp: time.Now(), Version: 1}
}

func edgeInsert(id, source, target string) *delta.Delta {
	return &delta.Delta{ID: id, Class: delta.ClassEdge, Op: delta.OpInsert,
		Data:      record.Record{record.FieldSourceID: source, record.FieldTargetID: target},
		Timestamp: time.Now(), Version: 1}
}

func TestExecuteInsertNodesAndEdges(t *testing.T) {
	db := setupTestDB(t)
	w := NewTxWriter(db, DefaultWriterConfig(), testLogger())
	ctx := context.Background()

	result := w.Execute(ctx, []*delta.Delta{
		nodeInsert("A", record.Record{"title": "a", record.FieldKind: "note"}),
		nodeInsert("B", record.Record{"title": "b"}),
		edgeInsert("e1", "A", "B"),
	})

	if !result.Success {
		t.Fatalf("execute failed: %v", result.Errors)
	}
	if result.InsertedNodes != 2 || result.InsertedEdges != 1 {
		t.Errorf("unexpected counts: %+v", result)
	}

	node, err := db.GetNode(ctx, "A")
	if err != nil || node == nil {
		t.Fatalf("GetNode: %v, %v", node, err)
	}
	if node.Data["title"] != "a" || node.Kind != "note" {
		t.Errorf("unexpected node row: %+v", node)
	}

	edge, err := db.GetEdge(ctx, "e1")
	if err != nil || edge == nil {
		t.Fatalf("GetEdge: %v, %v", edge, err)
	}
	if edge.SourceID != "A" || edge.TargetID != "B" {
		t.Errorf("unexpected edge row: %+v", edge)
	}
}

func TestExecuteCoalescedInsertReachesStoreOnce(t *testing.T) {
	// Scenario: insert(A) then update(A,{name:"X"}) coalesced upstream into
	// one insert. Exactly one row with name=X must land.
	db := setupTestDB(t)
	w := NewTxWriter(db, DefaultWriterConfig(), testLogger())
	ctx := context.Background()

	result := w.Execute(ctx, []*delta.Delta{
		nodeInsert("A", record.Record{"name": "X"}),
	})
	if !result.Success || result.InsertedNodes != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	count, err := db.NodeCount(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected one row, got %d (%v)", count, err)
	}
	node, _ := db.GetNode(ctx, "A")
	if node.Data["name"] != "X" {
		t.Errorf("expected name=X, got %v", node.Data["name"])
	}
}

func TestExecutePatchUpdate(t *testing.T) {
	db := setupTestDB(t)
	w := NewTxWriter(db, DefaultWriterConfig(), testLogger())
	ctx := context.Background()

	w.Execute(ctx, []*delta.Delta{
		nodeInsert("A", record.Record{"title": "old", "body": "text"}),
	})

	result := w.Execute(ctx, []*delta.Delta{
		{ID: "A", Class: delta.ClassNode, Op: delta.OpUpdate, Version: 2, Timestamp: time.Now(),
			Patches: []record.FieldPatch{
				{Op: record.PatchReplace, Path: "title", Value: "new"},
				{Op: record.PatchRemove, Path: "body"},
			}},
	})
	if !result.Success || result.UpdatedNodes != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	node, _ := db.GetNode(ctx, "A")
	if node.Data["title"] != "new" {
		t.Errorf("expected patched title, got %v", node.Data["title"])
	}
	if _, ok := node.Data["body"]; ok {
		t.Errorf("expected body removed, got %v", node.Data["body"])
	}
	if node.Version != 2 {
		t.Errorf("expected version 2, got %d", node.Version)
	}
}

func TestExecutePatchUpdatesPromotedColumn(t *testing.T) {
	db := setupTestDB(t)
	w := NewTxWriter(db, DefaultWriterConfig(), testLogger())
	ctx := context.Background()

	w.Execute(ctx, []*delta.Delta{
		nodeInsert("A", record.Record{record.FieldParentID: "root"}),
	})
	result := w.Execute(ctx, []*delta.Delta{
		{ID: "A", Class: delta.ClassNode, Op: delta.OpUpdate, Version: 2, Timestamp: time.Now(),
			Patches: []record.FieldPatch{
				{Op: record.PatchReplace, Path: record.FieldParentID, Value: "folder-1"},
			}},
	})
	if !result.Success {
		t.Fatalf("execute failed: %v", result.Errors)
	}

	node, _ := db.GetNode(ctx, "A")
	if node.ParentID != "folder-1" {
		t.Errorf("promoted parent_id column not updated: %q", node.ParentID)
	}
	if node.Data[record.FieldParentID] != "folder-1" {
		t.Errorf("data column not patched: %v", node.Data)
	}
}

func TestExecuteFullRowReplace(t *testing.T) {
	db := setupTestDB(t)
	w := NewTxWriter(db, DefaultWriterConfig(), testLogger())
	ctx := context.Background()

	w.Execute(ctx, []*delta.Delta{
		nodeInsert("A", record.Record{"title": "old", "extra": true}),
	})
	result := w.Execute(ctx, []*delta.Delta{
		{ID: "A", Class: delta.ClassNode, Op: delta.OpUpdate, FullData: true, Version: 2,
			Timestamp: time.Now(), Data: record.Record{"title": "replaced"}},
	})
	if !result.Success || result.UpdatedNodes != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	node, _ := db.GetNode(ctx, "A")
	if node.Data["title"] != "replaced" {
		t.Errorf("unexpected title: %v", node.Data["title"])
	}
	if _, ok := node.Data["extra"]; ok {
		t.Errorf("full replace must drop old fields: %v", node.Data)
	}
}

func TestExecuteDeleteBeforeInsert(t *testing.T) {
	// Delete and re-insert of the same id in one batch must not trip the
	// primary key: deletes run first.
	db := setupTestDB(t)
	w := NewTxWriter(db, DefaultWriterConfig(), testLogger())
	ctx := context.Background()

	w.Execute(ctx, []*delta.Delta{nodeInsert("A", record.Record{"gen": 1})})

	result := w.Execute(ctx, []*delta.Delta{
		nodeInsert("A", record.Record{"gen": 2}),
		{ID: "A", Class: delta.ClassNode, Op: delta.OpDelete, Version: 2, Timestamp: time.Now()},
	})
	if !result.Success {
		t.Fatalf("execute failed: %v", result.Errors)
	}

	node, _ := db.GetNode(ctx, "A")
	if node == nil || node.Data["gen"] != float64(2) {
		t.Errorf("expected re-inserted row gen=2, got %+v", node)
	}
}

func TestExecuteDeletesManyRowsInOneStatement(t *testing.T) {
	db := setupTestDB(t)
	cfg := DefaultWriterConfig()
	cfg.BatchSize = 2 // force chunked IN lists
	w := NewTxWriter(db, cfg, testLogger())
	ctx := context.Background()

	var inserts, deletes []*delta.Delta
	for _, id := range []string{"A", "B", "C", "D", "E"} {
		inserts = append(inserts, nodeInsert(id, record.Record{}))
		deletes = append(deletes, &delta.Delta{
			ID: id, Class: delta.ClassNode, Op: delta.OpDelete, Version: 2, Timestamp: time.Now(),
		})
	}
	if result := w.Execute(ctx, inserts); !result.Success {
		t.Fatalf("seed failed: %v", result.Errors)
	}

	result := w.Execute(ctx, deletes)
	if !result.Success || result.DeletedNodes != 5 {
		t.Fatalf("unexpected delete result: %+v", result)
	}
	if count, _ := db.NodeCount(ctx); count != 0 {
		t.Errorf("expected empty store, got %d rows", count)
	}
}

func TestExecuteSkipsEndpointRemovingEdgePatch(t *testing.T) {
	// A patch that nulls an endpoint can never satisfy the schema. It must be
	// skipped like any other malformed edge row, not poison the batch.
	db := setupTestDB(t)
	w := NewTxWriter(db, DefaultWriterConfig(), testLogger())
	ctx := context.Background()

	w.Execute(ctx, []*delta.Delta{
		nodeInsert("A", record.Record{}),
		edgeInsert("e1", "A", "A"),
	})

	result := w.Execute(ctx, []*delta.Delta{
		nodeInsert("B", record.Record{"title": "healthy"}),
		{ID: "e1", Class: delta.ClassEdge, Op: delta.OpUpdate, Version: 2, Timestamp: time.Now(),
			Patches: []record.FieldPatch{
				{Op: record.PatchRemove, Path: record.FieldSourceID},
			}},
	})

	if !result.Success {
		t.Fatalf("batch must proceed past the malformed patch: %v", result.Errors)
	}
	if result.UpdatedEdges != 0 {
		t.Errorf("endpoint-removing patch must not count as updated: %+v", result)
	}
	if node, _ := db.GetNode(ctx, "B"); node == nil {
		t.Error("healthy delta in the same batch never committed")
	}
	edge, _ := db.GetEdge(ctx, "e1")
	if edge == nil || edge.SourceID != "A" {
		t.Errorf("edge row must be untouched: %+v", edge)
	}
}

func TestExecuteSkipsMalformedEdge(t *testing.T) {
	db := setupTestDB(t)
	w := NewTxWriter(db, DefaultWriterConfig(), testLogger())
	ctx := context.Background()

	result := w.Execute(ctx, []*delta.Delta{
		nodeInsert("A", record.Record{}),
		{ID: "bad", Class: delta.ClassEdge, Op: delta.OpInsert, Version: 1, Timestamp: time.Now(),
			Data: record.Record{record.FieldSourceID: "A"}}, // no target
		edgeInsert("good", "A", "A"),
	})

	if !result.Success {
		t.Fatalf("batch must proceed past malformed rows: %v", result.Errors)
	}
	if result.InsertedEdges != 1 {
		t.Errorf("expected 1 edge inserted, got %d", result.InsertedEdges)
	}
	if edge, _ := db.GetEdge(ctx, "bad"); edge != nil {
		t.Errorf("malformed edge must not be written: %+v", edge)
	}
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	// Force the commit to fail deterministically twice, then succeed: the
	// final state must reflect every delta exactly once.
	db := setupTestDB(t)
	cfg := DefaultWriterConfig()
	cfg.RetryAttempts = 5
	cfg.RetryBaseDelay = time.Millisecond
	w := NewTxWriter(db, cfg, testLogger())

	failures := 2
	w.failBeforeCommit = func(attempt int) error {
		if attempt < failures {
			return errors.New("injected I/O error")
		}
		return nil
	}

	ctx := context.Background()
	result := w.Execute(ctx, []*delta.Delta{
		nodeInsert("A", record.Record{"title": "a"}),
		nodeInsert("B", record.Record{"title": "b"}),
	})

	if !result.Success {
		t.Fatalf("expected eventual success: %v", result.Errors)
	}
	if len(result.Errors) != failures {
		t.Errorf("expected %d recorded errors, got %d", failures, len(result.Errors))
	}
	count, _ := db.NodeCount(ctx)
	if count != 2 {
		t.Errorf("expected exactly 2 rows, got %d", count)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	db := setupTestDB(t)
	cfg := DefaultWriterConfig()
	cfg.RetryAttempts = 3
	cfg.RetryBaseDelay = time.Millisecond
	w := NewTxWriter(db, cfg, testLogger())

	w.failBeforeCommit = func(int) error { return errors.New("disk on fire") }

	ctx := context.Background()
	result := w.Execute(ctx, []*delta.Delta{nodeInsert("A", record.Record{})})

	if result.Success {
		t.Fatal("expected failure after exhausting retries")
	}
	if len(result.Errors) != 3 {
		t.Errorf("expected 3 attempt errors, got %d", len(result.Errors))
	}
	// All-or-nothing: no partial commit visible.
	count, _ := db.NodeCount(ctx)
	if count != 0 {
		t.Errorf("failed batch must leave no rows, got %d", count)
	}
}

func TestExecuteEmptyBatch(t *testing.T) {
	db := setupTestDB(t)
	w := NewTxWriter(db, DefaultWriterConfig(), testLogger())

	result := w.Execute(context.Background(), nil)
	if !result.Success {
		t.Errorf("empty batch must succeed: %+v", result)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	w := NewTxWriter(db, DefaultWriterConfig(), testLogger())
	ctx := context.Background()

	w.Execute(ctx, []*delta.Delta{
		nodeInsert("A", record.Record{"title": "a"}),
		nodeInsert("B", record.Record{"title": "b", record.FieldParentID: "A"}),
		edgeInsert("e1", "A", "B"),
	})

	var buf bytes.Buffer
	exported, err := db.ExportJSONL(ctx, &buf)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exported.Nodes != 2 || exported.Edges != 1 {
		t.Fatalf("unexpected export stats: %+v", exported)
	}

	db2 := setupTestDB(t)
	imported, err := db2.ImportJSONL(ctx, &buf)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported.Nodes != 2 || imported.Edges != 1 || len(imported.Errors) != 0 {
		t.Fatalf("unexpected import stats: %+v", imported)
	}

	node, _ := db2.GetNode(ctx, "B")
	if node == nil || node.ParentID != "A" {
		t.Errorf("imported node lost parent: %+v", node)
	}
}
