package graph

import (
	"context"
	"sync"

	"github.com/kittclouds/canvas-sync/internal/record"
)

// MemoryNode is a node resident in the in-process graph store.
type MemoryNode struct {
	ID    string
	Props record.Record
}

// MemoryEdge is an edge resident in the in-process graph store.
type MemoryEdge struct {
	ID       string
	SourceID string
	TargetID string
	RelType  string
	Props    record.Record
}

// Memory is the embedded Store implementation: an adjacency-indexed
// in-process graph. It is the default secondary store for single-process
// deployments and the reference implementation for the Store contract
// (upserts merge, removes detach).
type Memory struct {
	mu    sync.RWMutex
	nodes map[string]*MemoryNode
	edges map[string]*MemoryEdge

	// adjacency: node id -> incident edge ids
	incident map[string]map[string]struct{}
}

// NewMemory creates an empty in-process graph store.
func NewMemory() *Memory {
	return &Memory{
		nodes:    make(map[string]*MemoryNode),
		edges:    make(map[string]*MemoryEdge),
		incident: make(map[string]map[string]struct{}),
	}
}

// UpsertNodes implements Store.
func (m *Memory) UpsertNodes(_ context.Context, nodes []NodeUpsert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range nodes {
		existing, ok := m.nodes[n.ID]
		if !ok {
			existing = &MemoryNode{ID: n.ID, Props: record.Record{}}
			m.nodes[n.ID] = existing
		}
		existing.Props = existing.Props.Merge(n.Props)
	}
	return nil
}

// RemoveNodes implements Store. Incident edges are detached along with the
// node.
func (m *Memory) RemoveNodes(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		for edgeID := range m.incident[id] {
			m.removeEdgeLocked(edgeID)
		}
		delete(m.incident, id)
		delete(m.nodes, id)
	}
	return nil
}

// UpsertEdges implements Store. Edges naming an absent endpoint are dropped,
// matching the dangling-reference rule of the boundary.
func (m *Memory) UpsertEdges(_ context.Context, edges []EdgeUpsert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range edges {
		existing, ok := m.edges[e.ID]
		if !ok {
			if e.SourceID == "" || e.TargetID == "" {
				continue // property-only upsert on a missing edge
			}
			if _, srcOK := m.nodes[e.SourceID]; !srcOK {
				continue
			}
			if _, tgtOK := m.nodes[e.TargetID]; !tgtOK {
				continue
			}
			existing = &MemoryEdge{
				ID: e.ID, SourceID: e.SourceID, TargetID: e.TargetID,
				RelType: e.RelType, Props: record.Record{},
			}
			m.edges[e.ID] = existing
			m.link(e.SourceID, e.ID)
			m.link(e.TargetID, e.ID)
		}
		if e.RelType != "" {
			existing.RelType = e.RelType
		}
		existing.Props = existing.Props.Merge(e.Props)
	}
	return nil
}

// RemoveEdges implements Store.
func (m *Memory) RemoveEdges(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.removeEdgeLocked(id)
	}
	return nil
}

func (m *Memory) link(nodeID, edgeID string) {
	set, ok := m.incident[nodeID]
	if !ok {
		set = make(map[string]struct{})
		m.incident[nodeID] = set
	}
	set[edgeID] = struct{}{}
}

func (m *Memory) removeEdgeLocked(id string) {
	e, ok := m.edges[id]
	if !ok {
		return
	}
	delete(m.edges, id)
	if set, ok := m.incident[e.SourceID]; ok {
		delete(set, id)
	}
	if set, ok := m.incident[e.TargetID]; ok {
		delete(set, id)
	}
}

// Node returns a copy of the node with id, or nil.
func (m *Memory) Node(id string) *MemoryNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil
	}
	return &MemoryNode{ID: n.ID, Props: n.Props.Clone()}
}

// Edge returns a copy of the edge with id, or nil.
func (m *Memory) Edge(id string) *MemoryEdge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.edges[id]
	if !ok {
		return nil
	}
	return &MemoryEdge{ID: e.ID, SourceID: e.SourceID, TargetID: e.TargetID,
		RelType: e.RelType, Props: e.Props.Clone()}
}

// Counts returns the resident node and edge counts.
func (m *Memory) Counts() (nodes, edges int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes), len(m.edges)
}
