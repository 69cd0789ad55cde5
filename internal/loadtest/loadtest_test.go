package loadtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newHarness(t *testing.T, numNodes int, edgePct float64) *Harness {
	t.Helper()
	h, err := CreateHarness(filepath.Join(t.TempDir(), "load.db"), numNodes, edgePct)
	if err != nil {
		t.Fatalf("CreateHarness: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestCreateHarnessSeedsStore(t *testing.T) {
	h := newHarness(t, 50, 0.5)
	ctx := context.Background()

	nodes, err := h.DB.NodeCount(ctx)
	if err != nil {
		t.Fatalf("NodeCount: %v", err)
	}
	if nodes != 50 {
		t.Errorf("expected 50 seeded nodes, got %d", nodes)
	}

	edges, err := h.DB.EdgeCount(ctx)
	if err != nil {
		t.Fatalf("EdgeCount: %v", err)
	}
	if edges != len(h.EdgeIDs) {
		t.Errorf("expected %d seeded edges, got %d", len(h.EdgeIDs), edges)
	}

	// The secondary store is seeded through the same pipeline.
	storeNodes, _ := h.Store.Counts()
	if storeNodes != 50 {
		t.Errorf("secondary store missing seed nodes: %d", storeNodes)
	}
}

func TestRunConcurrentWriters(t *testing.T) {
	h := newHarness(t, 20, 0)

	stats, err := h.RunConcurrentWriters(4, 25)
	if err != nil {
		t.Fatalf("RunConcurrentWriters: %v", err)
	}

	if stats.TotalOps != 100 {
		t.Errorf("expected 100 ops recorded, got %d", stats.TotalOps)
	}
	if stats.Errors != 0 {
		t.Errorf("expected no errors, got %d", stats.Errors)
	}
	if stats.Min > stats.P50 || stats.P50 > stats.Max {
		t.Errorf("percentiles out of order: %+v", stats)
	}

	// Everything must be committed after the run.
	if h.Engine.HasPendingChanges() {
		t.Errorf("writers left %d deltas pending", h.Engine.PendingCount())
	}
	if h.Engine.Telemetry().TotalFlushes == 0 {
		t.Errorf("no flushes recorded: %+v", h.Engine.Telemetry())
	}
}

func TestVerifyReadConsistency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping read consistency soak in short mode")
	}
	h := newHarness(t, 20, 0.5)

	if err := h.VerifyReadConsistency(4, 300*time.Millisecond); err != nil {
		t.Fatalf("VerifyReadConsistency: %v", err)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	durations := []time.Duration{
		5 * time.Millisecond,
		time.Millisecond,
		3 * time.Millisecond,
		2 * time.Millisecond,
	}
	stats := computeLatencyStats(durations)

	if stats.Min != time.Millisecond || stats.Max != 5*time.Millisecond {
		t.Errorf("min/max wrong: %+v", stats)
	}
	if stats.Mean != 2750*time.Microsecond {
		t.Errorf("mean wrong: %v", stats.Mean)
	}
	if stats.TotalOps != 4 {
		t.Errorf("total ops wrong: %d", stats.TotalOps)
	}
}

func TestGetStats(t *testing.T) {
	h := newHarness(t, 10, 0.5)

	stats := h.GetStats()
	if stats["seeded_nodes"] != 10 {
		t.Errorf("unexpected seeded_nodes: %v", stats["seeded_nodes"])
	}
	if stats["total_flushes"].(int64) < 1 {
		t.Errorf("seed commit not counted: %v", stats["total_flushes"])
	}
}
