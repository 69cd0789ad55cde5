package hydrate

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/kittclouds/canvas-sync/internal/delta"
	"github.com/kittclouds/canvas-sync/internal/primary"
	"github.com/kittclouds/canvas-sync/internal/record"
	"github.com/kittclouds/canvas-sync/internal/syncstate"
)

// seedStore populates a fresh primary store with a small canvas: two root
// folders, children under the first folder, a handful of loose notes, and
// edges among them.
func seedStore(t *testing.T) *primary.DB {
	t.Helper()

	db, err := primary.Open(filepath.Join(t.TempDir(), "hydrate.db"))
	if err != nil {
		t.Fatalf("open primary: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	var deltas []*delta.Delta
	nodeInsert := func(id, kind, parent string) {
		data := record.Record{record.FieldKind: kind, "title": id}
		if parent != "" {
			data[record.FieldParentID] = parent
		}
		deltas = append(deltas, &delta.Delta{
			ID: id, Class: delta.ClassNode, Op: delta.OpInsert, Version: 1, Data: data,
		})
	}

	nodeInsert("folder-1", KindFolder, "")
	nodeInsert("folder-2", KindFolder, "")
	for i := 0; i < 5; i++ {
		nodeInsert(fmt.Sprintf("child-%d", i), "note", "folder-1")
	}
	for i := 0; i < 3; i++ {
		nodeInsert(fmt.Sprintf("loose-%d", i), "note", "")
	}

	deltas = append(deltas, &delta.Delta{
		ID: "e1", Class: delta.ClassEdge, Op: delta.OpInsert, Version: 1,
		Data: record.Record{
			record.FieldSourceID: "folder-1",
			record.FieldTargetID: "child-0",
			record.FieldRelType:  "contains",
		},
	})
	deltas = append(deltas, &delta.Delta{
		ID: "e2", Class: delta.ClassEdge, Op: delta.OpInsert, Version: 1,
		Data: record.Record{
			record.FieldSourceID: "loose-0",
			record.FieldTargetID: "loose-1",
			record.FieldRelType:  "links_to",
		},
	})

	w := primary.NewTxWriter(db, primary.DefaultWriterConfig(), nil)
	result := w.Execute(context.Background(), deltas)
	if !result.Success {
		t.Fatalf("seed failed: %v", result.Errors)
	}
	return db
}

func TestHydrateAllLoadsEverything(t *testing.T) {
	db := seedStore(t)
	state := syncstate.New()
	h := New(db, state, DefaultConfig(), nil)

	result, err := h.HydrateAll(context.Background())
	if err != nil {
		t.Fatalf("HydrateAll: %v", err)
	}
	if result.NodesLoaded != 10 || result.EdgesLoaded != 2 {
		t.Errorf("expected 10 nodes / 2 edges, got %d / %d", result.NodesLoaded, result.EdgesLoaded)
	}

	st := state.Get()
	if st.IsHydrating || !st.IsHydrated {
		t.Errorf("hydration flags wrong after completion: %+v", st)
	}
}

func TestHydrateProgressiveLoadsEverythingOnce(t *testing.T) {
	db := seedStore(t)
	state := syncstate.New()
	cfg := DefaultConfig()
	cfg.Yield = 0
	h := New(db, state, cfg, nil)

	result, err := h.HydrateProgressive(context.Background())
	if err != nil {
		t.Fatalf("HydrateProgressive: %v", err)
	}

	// Completeness: every record loaded exactly once despite phase overlap.
	if result.NodesLoaded != 10 {
		t.Errorf("expected all 10 nodes loaded, got %d", result.NodesLoaded)
	}
	if len(result.Nodes) != result.NodesLoaded {
		t.Errorf("duplicate node loads: %d entries vs %d counted", len(result.Nodes), result.NodesLoaded)
	}
	if result.EdgesLoaded != 2 {
		t.Errorf("expected 2 edges, got %d", result.EdgesLoaded)
	}
	for _, id := range []string{"folder-1", "folder-2", "child-4", "loose-2"} {
		if _, ok := result.Nodes[id]; !ok {
			t.Errorf("node %q missing after full hydration", id)
		}
	}
}

func TestHydrateProgressivePhaseOrder(t *testing.T) {
	db := seedStore(t)
	state := syncstate.New()
	cfg := DefaultConfig()
	cfg.Yield = 0
	h := New(db, state, cfg, nil)

	var phases []string
	defer state.Subscribe(func(st syncstate.Status) {
		if len(phases) == 0 || phases[len(phases)-1] != st.Hydration.Phase {
			phases = append(phases, st.Hydration.Phase)
		}
	})()

	if _, err := h.HydrateProgressive(context.Background()); err != nil {
		t.Fatalf("HydrateProgressive: %v", err)
	}

	want := []string{"", PhaseCritical, PhaseVisible, PhaseFull, PhaseComplete}
	if len(phases) != len(want) {
		t.Fatalf("expected phases %v, got %v", want, phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("expected phases %v, got %v", want, phases)
		}
	}
}

func TestHydrateProgressiveTotalsReported(t *testing.T) {
	db := seedStore(t)
	state := syncstate.New()
	cfg := DefaultConfig()
	cfg.Yield = 0
	h := New(db, state, cfg, nil)

	if _, err := h.HydrateProgressive(context.Background()); err != nil {
		t.Fatalf("HydrateProgressive: %v", err)
	}

	st := state.Get()
	if st.Hydration.TotalNodes != 10 || st.Hydration.TotalEdges != 2 {
		t.Errorf("totals not reported: %+v", st.Hydration)
	}
	if st.Hydration.NodesLoaded != st.Hydration.TotalNodes {
		t.Errorf("loaded %d of %d nodes", st.Hydration.NodesLoaded, st.Hydration.TotalNodes)
	}
}

func TestHydrateFailurePropagates(t *testing.T) {
	// A store without InitSchema makes every list query fail.
	db, err := primary.Open(filepath.Join(t.TempDir(), "bare.db"))
	if err != nil {
		t.Fatalf("open primary: %v", err)
	}
	defer db.Close()
	state := syncstate.New()
	h := New(db, state, DefaultConfig(), nil)

	if _, err := h.HydrateAll(context.Background()); err == nil {
		t.Fatal("expected error hydrating without schema")
	}

	st := state.Get()
	if st.IsHydrating {
		t.Errorf("IsHydrating must clear on failure: %+v", st)
	}
	if st.LastError == "" {
		t.Errorf("failure must record LastError: %+v", st)
	}
}
