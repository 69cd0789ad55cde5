// Package syncstate provides the process-wide observable status register for
// the sync engine.
//
// The register is created once at engine construction, mutated only by the
// engine and hydration, and never destroyed during the process lifetime. It
// tracks two independent axes - hydration lifecycle (idle, hydrating,
// hydrated) and sync lifecycle (idle, syncing, with last error/time) - so the
// UI can represent either without conflating them.
package syncstate

import (
	"sync"
	"time"
)

// HydrationProgress is the granular progress pushed after every hydration
// phase.
type HydrationProgress struct {
	Phase       string `json:"phase"`
	NodesLoaded int    `json:"nodes_loaded"`
	EdgesLoaded int    `json:"edges_loaded"`
	TotalNodes  int    `json:"total_nodes"`
	TotalEdges  int    `json:"total_edges"`
}

// Status is the full observable state snapshot delivered to listeners.
type Status struct {
	IsHydrating bool `json:"is_hydrating"`
	IsHydrated  bool `json:"is_hydrated"`
	IsSyncing   bool `json:"is_syncing"`

	DirtyNodeCount int `json:"dirty_node_count"`
	DirtyEdgeCount int `json:"dirty_edge_count"`

	LastSyncTime time.Time `json:"last_sync_time"`
	LastError    string    `json:"last_error,omitempty"`

	Hydration HydrationProgress `json:"hydration"`
}

// Listener receives a status snapshot on every mutation.
type Listener func(Status)

// State is the observable register. All methods are safe for concurrent
// use. Listeners are invoked synchronously under the register's lock, so
// they must not call back into State.
type State struct {
	mu        sync.Mutex
	status    Status
	listeners map[int]Listener
	nextID    int
}

// New creates an empty register.
func New() *State {
	return &State{listeners: make(map[int]Listener)}
}

// Subscribe registers a listener and immediately replays the current status
// to it. Returns a disposer that removes the listener.
func (s *State) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	snapshot := s.status
	l(snapshot)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Update applies a partial mutation to the status and synchronously
// notifies every listener with the merged snapshot.
func (s *State) Update(mutate func(*Status)) {
	s.mu.Lock()
	mutate(&s.status)
	snapshot := s.status
	for _, l := range s.listeners {
		l(snapshot)
	}
	s.mu.Unlock()
}

// Get returns the current status snapshot.
func (s *State) Get() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
