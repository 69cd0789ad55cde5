// Package loadtest provides load testing utilities for the sync engine.
//
// The harness drives synthetic mutation streams through the full pipeline
// (collector, writer, secondary sync) to validate that batching keeps up
// with sustained concurrent edit rates, and measures both per-mutation
// tracking latency and end-to-end commit behavior.
package loadtest

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/kittclouds/canvas-sync/internal/engine"
	"github.com/kittclouds/canvas-sync/internal/graph"
	"github.com/kittclouds/canvas-sync/internal/primary"
	"github.com/kittclouds/canvas-sync/internal/record"
)

// Harness is a populated engine ready for load generation.
type Harness struct {
	Engine *engine.Engine
	DB     *primary.DB
	Store  *graph.Memory

	NodeIDs []string
	EdgeIDs []string
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	TotalOps  int
	Errors    int
	Durations []time.Duration
}

// CreateHarness opens a fresh primary store at dbPath, seeds it with
// numNodes nodes and a proportional number of edges, and returns the
// harness. The edgePct parameter controls how many edges are created per
// node (typical: 0.5 for one edge per two nodes).
func CreateHarness(dbPath string, numNodes int, edgePct float64) (*Harness, error) {
	db, err := primary.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	cfg := engine.DefaultConfig()
	cfg.Debounce = 50 * time.Millisecond
	cfg.MaxWait = 500 * time.Millisecond
	store := graph.NewMemory()
	eng := engine.New(db, cfg, engine.Options{Store: store})

	h := &Harness{
		Engine:  eng,
		DB:      db,
		Store:   store,
		NodeIDs: make([]string, 0, numNodes),
	}

	for i := 0; i < numNodes; i++ {
		id := fmt.Sprintf("load-%05d", i)
		eng.TrackNodeInsert(id, seedRecord(i))
		h.NodeIDs = append(h.NodeIDs, id)
	}

	// Deterministic seed for reproducible edge topology.
	rng := rand.New(rand.NewSource(42))
	numEdges := int(float64(numNodes) * edgePct)
	for i := 0; i < numEdges; i++ {
		source := h.NodeIDs[rng.Intn(numNodes)]
		target := h.NodeIDs[rng.Intn(numNodes)]
		id := fmt.Sprintf("edge-%05d", i)
		eng.TrackEdgeInsert(id, record.Record{
			record.FieldSourceID: source,
			record.FieldTargetID: target,
			record.FieldRelType:  "links_to",
		})
		h.EdgeIDs = append(h.EdgeIDs, id)
	}

	if err := eng.ForceFlush(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to commit seed data: %w", err)
	}

	return h, nil
}

// Close flushes outstanding work and closes the primary store.
func (h *Harness) Close() error {
	if err := h.Engine.Close(context.Background()); err != nil {
		_ = h.DB.Close()
		return err
	}
	return h.DB.Close()
}

// RunConcurrentWriters simulates N concurrent editors issuing field updates
// against random seeded nodes.
//
// Each writer performs mutationsPerWriter tracked updates, recording the
// latency of each tracking call; the batch pipeline commits them in the
// background. After all writers finish, outstanding deltas are force
// flushed so the reported stats cover a fully committed workload.
func (h *Harness) RunConcurrentWriters(numWriters, mutationsPerWriter int) (*LatencyStats, error) {
	if len(h.NodeIDs) == 0 {
		return nil, fmt.Errorf("harness has no seeded nodes")
	}

	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numWriters)

	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(writerID int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(writerID)))
			durations := make([]time.Duration, 0, mutationsPerWriter)

			for j := 0; j < mutationsPerWriter; j++ {
				id := h.NodeIDs[rng.Intn(len(h.NodeIDs))]
				fields := record.Record{
					"title":   fmt.Sprintf("edit %d by writer %d", j, writerID),
					"touched": j,
				}

				start := time.Now()
				h.Engine.TrackNodeUpdate(id, fields)
				durations = append(durations, time.Since(start))
			}

			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)

	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}
	if len(allDurations) == 0 {
		return nil, fmt.Errorf("no mutations completed")
	}

	errorCount := 0
	if err := h.Engine.ForceFlush(context.Background()); err != nil {
		errorCount++
		fmt.Printf("Error: final flush failed: %v\n", err)
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	return stats, nil
}

// VerifyReadConsistency runs concurrent readers against the primary store
// while writers mutate, for the given duration.
//
// Readers verify that every row they observe is structurally sound: ids
// are present and hydrating list queries never fail. Used under the race
// detector to validate concurrent access.
func (h *Harness) VerifyReadConsistency(numReaders int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	errorsChan := make(chan error, numReaders+1)

	// One background writer keeps the store churning.
	wg.Add(1)
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(7))
		for i := 0; ctx.Err() == nil; i++ {
			id := h.NodeIDs[rng.Intn(len(h.NodeIDs))]
			h.Engine.TrackNodeUpdate(id, record.Record{"touched": i})
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(readerID int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(readerID)))
			for {
				select {
				case <-ctx.Done():
					return
				default:
					id := h.NodeIDs[rng.Intn(len(h.NodeIDs))]
					row, err := h.DB.GetNode(ctx, id)
					if err != nil && ctx.Err() == nil {
						errorsChan <- fmt.Errorf("reader %d get failed: %w", readerID, err)
						return
					}
					if row != nil && row.ID == "" {
						errorsChan <- fmt.Errorf("reader %d observed row with empty id", readerID)
						return
					}

					if _, err := h.DB.ListRootNodes(ctx, 10); err != nil && ctx.Err() == nil {
						errorsChan <- fmt.Errorf("reader %d list failed: %w", readerID, err)
						return
					}

					time.Sleep(time.Millisecond)
				}
			}
		}(i)
	}

	wg.Wait()
	close(errorsChan)

	for err := range errorsChan {
		if err != nil {
			return err
		}
	}
	return nil
}

// GetStats returns statistics about the harness and its engine.
func (h *Harness) GetStats() map[string]interface{} {
	tel := h.Engine.Telemetry()
	return map[string]interface{}{
		"seeded_nodes":       len(h.NodeIDs),
		"seeded_edges":       len(h.EdgeIDs),
		"total_flushes":      tel.TotalFlushes,
		"total_deltas":       tel.TotalDeltas,
		"avg_flush_duration": tel.AvgFlushDuration().String(),
		"flush_errors":       tel.ErrorCount,
	}
}

func seedRecord(i int) record.Record {
	kinds := []string{"note", "note", "note", "folder", "canvas"}
	return record.Record{
		record.FieldKind: kinds[i%len(kinds)],
		"title":          fmt.Sprintf("Seed node %d", i),
		"body":           fmt.Sprintf("Synthetic content for load testing (index %d)", i),
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	mean := sum / time.Duration(len(durations))

	p50 := sorted[len(sorted)*50/100]
	p95 := sorted[len(sorted)*95/100]
	p99 := sorted[len(sorted)*99/100]

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      mean,
		P50:       p50,
		P95:       p95,
		P99:       p99,
		TotalOps:  len(durations),
		Durations: sorted,
	}
}

// PrintStats formats and prints latency statistics.
func (s *LatencyStats) PrintStats() {
	fmt.Printf("Latency Statistics:\n")
	fmt.Printf("  Total Ops:    %d\n", s.TotalOps)
	fmt.Printf("  Errors:       %d\n", s.Errors)
	fmt.Printf("  Min:          %v\n", s.Min)
	fmt.Printf("  P50 (Median): %v\n", s.P50)
	fmt.Printf("  Mean:         %v\n", s.Mean)
	fmt.Printf("  P95:          %v\n", s.P95)
	fmt.Printf("  P99:          %v\n", s.P99)
	fmt.Printf("  Max:          %v\n", s.Max)
}
