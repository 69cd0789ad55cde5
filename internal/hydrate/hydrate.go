// Package hydrate loads the primary store into application memory at
// startup, either in one bulk pass or in priority-ordered phases that keep
// the UI responsive on large stores.
package hydrate

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kittclouds/canvas-sync/internal/primary"
	"github.com/kittclouds/canvas-sync/internal/syncstate"
)

// Phase names pushed to the status register as hydration progresses.
const (
	PhaseCritical = "critical"
	PhaseVisible  = "visible"
	PhaseFull     = "full"
	PhaseComplete = "complete"
)

// KindFolder marks a node as a container whose children belong to the
// Visible phase.
const KindFolder = "folder"

// Config controls progressive hydration.
type Config struct {
	// CriticalLimit bounds the first phase, split evenly between root-level
	// records and most-recently-updated non-root records.
	CriticalLimit int

	// VisibleLimit bounds the children-of-containers phase.
	VisibleLimit int

	// Yield is slept between phases as a scheduling courtesy to interactive
	// work. Not a correctness requirement.
	Yield time.Duration
}

// DefaultConfig returns the hydration defaults used by the engine.
func DefaultConfig() Config {
	return Config{
		CriticalLimit: 50,
		VisibleLimit:  200,
		Yield:         10 * time.Millisecond,
	}
}

// Result is the hydrated graph handed back to the caller.
type Result struct {
	Nodes       map[string]*primary.NodeRow
	Edges       map[string]*primary.EdgeRow
	NodesLoaded int
	EdgesLoaded int
}

// Hydrator loads the primary store into memory and reports progress to the
// status register.
type Hydrator struct {
	db     *primary.DB
	state  *syncstate.State
	cfg    Config
	logger *log.Logger
}

// New creates a hydrator. If logger is nil, a default stderr logger is used.
func New(db *primary.DB, state *syncstate.State, cfg Config, logger *log.Logger) *Hydrator {
	if logger == nil {
		logger = log.New(os.Stderr, "[hydrate] ", log.LstdFlags)
	}
	return &Hydrator{db: db, state: state, cfg: cfg, logger: logger}
}

// HydrateAll loads the whole store in a single bulk pass. Simplest path,
// used when the store is small.
func (h *Hydrator) HydrateAll(ctx context.Context) (*Result, error) {
	h.begin(ctx)

	nodes, err := h.db.ListAllNodes(ctx)
	if err != nil {
		return nil, h.fail(fmt.Errorf("hydration failed loading nodes: %w", err))
	}
	edges, err := h.db.ListAllEdges(ctx)
	if err != nil {
		return nil, h.fail(fmt.Errorf("hydration failed loading edges: %w", err))
	}

	result := newResult()
	for _, n := range nodes {
		result.add(n)
	}
	for _, e := range edges {
		result.addEdge(e)
	}

	h.finish(result, PhaseComplete)
	return result, nil
}

// HydrateProgressive loads the store in strictly ordered phases:
//
//  1. Critical: root-level records plus most-recently-updated non-root
//     records, bounded by CriticalLimit, split evenly, deduplicated.
//  2. Visible: children of critical containers, bounded by VisibleLimit.
//  3. Full: every remaining record.
//  4. Complete: all edges, only after every node phase - edges are cheap
//     relative to nodes and meaningless without their endpoints resident.
//
// Progress is pushed to the status register after every phase. Failure in
// any phase aborts hydration and propagates as a hard error; the caller
// decides whether to retry.
func (h *Hydrator) HydrateProgressive(ctx context.Context) (*Result, error) {
	h.begin(ctx)
	result := newResult()

	if err := h.phaseCritical(ctx, result); err != nil {
		return nil, h.fail(err)
	}
	h.report(result, PhaseCritical)
	h.yield(ctx)

	if err := h.phaseVisible(ctx, result); err != nil {
		return nil, h.fail(err)
	}
	h.report(result, PhaseVisible)
	h.yield(ctx)

	if err := h.phaseFull(ctx, result); err != nil {
		return nil, h.fail(err)
	}
	h.report(result, PhaseFull)
	h.yield(ctx)

	if err := h.phaseComplete(ctx, result); err != nil {
		return nil, h.fail(err)
	}

	h.finish(result, PhaseComplete)
	return result, nil
}

func (h *Hydrator) phaseCritical(ctx context.Context, result *Result) error {
	half := h.cfg.CriticalLimit / 2
	if half < 1 {
		half = 1
	}

	roots, err := h.db.ListRootNodes(ctx, half)
	if err != nil {
		return fmt.Errorf("critical phase: %w", err)
	}
	for _, n := range roots {
		result.add(n)
	}

	recent, err := h.db.ListRecentNonRootNodes(ctx, half)
	if err != nil {
		return fmt.Errorf("critical phase: %w", err)
	}
	for _, n := range recent {
		result.add(n)
	}
	return nil
}

func (h *Hydrator) phaseVisible(ctx context.Context, result *Result) error {
	var containers []string
	for _, n := range result.Nodes {
		if n.Kind == KindFolder {
			containers = append(containers, n.ID)
		}
	}
	if len(containers) == 0 {
		return nil
	}

	children, err := h.db.ListChildNodes(ctx, containers, h.cfg.VisibleLimit)
	if err != nil {
		return fmt.Errorf("visible phase: %w", err)
	}
	for _, n := range children {
		result.add(n)
	}
	return nil
}

func (h *Hydrator) phaseFull(ctx context.Context, result *Result) error {
	nodes, err := h.db.ListAllNodes(ctx)
	if err != nil {
		return fmt.Errorf("full phase: %w", err)
	}
	for _, n := range nodes {
		result.add(n)
	}
	return nil
}

func (h *Hydrator) phaseComplete(ctx context.Context, result *Result) error {
	edges, err := h.db.ListAllEdges(ctx)
	if err != nil {
		return fmt.Errorf("complete phase: %w", err)
	}
	for _, e := range edges {
		result.addEdge(e)
	}
	return nil
}

func (h *Hydrator) begin(ctx context.Context) {
	totalNodes, _ := h.db.NodeCount(ctx)
	totalEdges, _ := h.db.EdgeCount(ctx)
	h.state.Update(func(st *syncstate.Status) {
		st.IsHydrating = true
		st.IsHydrated = false
		st.Hydration = syncstate.HydrationProgress{
			TotalNodes: totalNodes,
			TotalEdges: totalEdges,
		}
	})
}

func (h *Hydrator) report(result *Result, phase string) {
	h.state.Update(func(st *syncstate.Status) {
		st.Hydration.Phase = phase
		st.Hydration.NodesLoaded = result.NodesLoaded
		st.Hydration.EdgesLoaded = result.EdgesLoaded
	})
	h.logger.Printf("Hydration phase %s: %d nodes, %d edges", phase, result.NodesLoaded, result.EdgesLoaded)
}

func (h *Hydrator) finish(result *Result, phase string) {
	h.state.Update(func(st *syncstate.Status) {
		st.IsHydrating = false
		st.IsHydrated = true
		st.Hydration.Phase = phase
		st.Hydration.NodesLoaded = result.NodesLoaded
		st.Hydration.EdgesLoaded = result.EdgesLoaded
	})
	h.logger.Printf("Hydration complete: %d nodes, %d edges", result.NodesLoaded, result.EdgesLoaded)
}

func (h *Hydrator) fail(err error) error {
	h.state.Update(func(st *syncstate.Status) {
		st.IsHydrating = false
		st.LastError = err.Error()
	})
	return err
}

// yield sleeps between phases so interactive work is not starved.
func (h *Hydrator) yield(ctx context.Context) {
	if h.cfg.Yield <= 0 {
		return
	}
	select {
	case <-time.After(h.cfg.Yield):
	case <-ctx.Done():
	}
}

func newResult() *Result {
	return &Result{
		Nodes: make(map[string]*primary.NodeRow),
		Edges: make(map[string]*primary.EdgeRow),
	}
}

// add loads a node unless an earlier phase already did; phases deduplicate
// against each other by id.
func (r *Result) add(n *primary.NodeRow) {
	if _, ok := r.Nodes[n.ID]; ok {
		return
	}
	r.Nodes[n.ID] = n
	r.NodesLoaded++
}

func (r *Result) addEdge(e *primary.EdgeRow) {
	if _, ok := r.Edges[e.ID]; ok {
		return
	}
	r.Edges[e.ID] = e
	r.EdgesLoaded++
}
