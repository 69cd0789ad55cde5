package graph

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/kittclouds/canvas-sync/internal/delta"
	"github.com/kittclouds/canvas-sync/internal/primary"
	"github.com/kittclouds/canvas-sync/internal/record"
)

// SyncerConfig controls secondary-store propagation.
type SyncerConfig struct {
	// EnableEdgeSync propagates edge deltas. Node deltas always sync.
	EnableEdgeSync bool
}

// DefaultSyncerConfig returns the syncer defaults used by the engine.
func DefaultSyncerConfig() SyncerConfig {
	return SyncerConfig{EnableEdgeSync: true}
}

// Syncer streams committed batches to the secondary store.
//
// Propagation is strictly best-effort: every failure is caught, logged, and
// swallowed. The secondary store is allowed to lag - there is no requeue,
// because primary-store correctness is unaffected and FullResync is the
// designated repair path.
type Syncer struct {
	store  Store
	logger *log.Logger

	mu  sync.Mutex
	cfg SyncerConfig
}

// NewSyncer creates a syncer. If logger is nil, a default stderr logger is
// used.
func NewSyncer(store Store, cfg SyncerConfig, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[graphsync] ", log.LstdFlags)
	}
	return &Syncer{store: store, cfg: cfg, logger: logger}
}

// SetConfig swaps the syncer configuration as a whole.
func (s *Syncer) SetConfig(cfg SyncerConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Syncer) config() SyncerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SyncDeltas propagates a committed batch using incremental upsert/remove,
// never a full rebuild. Node deltas sync before edge deltas so the store
// never observes an edge whose endpoint does not yet exist. Never blocks or
// rolls back the primary commit; failures only log.
func (s *Syncer) SyncDeltas(ctx context.Context, deltas []*delta.Delta) {
	cfg := s.config()

	var nodeUpserts []NodeUpsert
	var nodeRemoves []string
	var edgeUpserts []EdgeUpsert
	var edgeRemoves []string

	for _, d := range deltas {
		switch d.Class {
		case delta.ClassNode:
			switch d.Op {
			case delta.OpDelete:
				nodeRemoves = append(nodeRemoves, d.ID)
			default:
				nodeUpserts = append(nodeUpserts, NodeUpsert{ID: d.ID, Props: deltaProps(d)})
			}
		case delta.ClassEdge:
			if !cfg.EnableEdgeSync {
				continue
			}
			switch d.Op {
			case delta.OpDelete:
				edgeRemoves = append(edgeRemoves, d.ID)
			default:
				edgeUpserts = append(edgeUpserts, EdgeUpsert{
					ID:       d.ID,
					SourceID: d.Data.String(record.FieldSourceID),
					TargetID: d.Data.String(record.FieldTargetID),
					RelType:  d.Data.String(record.FieldRelType),
					Props:    deltaProps(d),
				})
			}
		}
	}

	if len(nodeUpserts) > 0 {
		if err := s.store.UpsertNodes(ctx, nodeUpserts); err != nil {
			s.logger.Printf("Warning: node upsert sync failed (store may lag): %v", err)
		}
	}
	if len(nodeRemoves) > 0 {
		if err := s.store.RemoveNodes(ctx, nodeRemoves); err != nil {
			s.logger.Printf("Warning: node remove sync failed (store may lag): %v", err)
		}
	}
	if len(edgeUpserts) > 0 {
		if err := s.store.UpsertEdges(ctx, edgeUpserts); err != nil {
			s.logger.Printf("Warning: edge upsert sync failed (store may lag): %v", err)
		}
	}
	if len(edgeRemoves) > 0 {
		if err := s.store.RemoveEdges(ctx, edgeRemoves); err != nil {
			s.logger.Printf("Warning: edge remove sync failed (store may lag): %v", err)
		}
	}
}

// deltaProps derives the property set to upsert for a delta. Inserts and
// full-row updates carry the whole record; patch updates carry only the
// patched fields, with removed fields nulled out so the upsert can clear
// them.
func deltaProps(d *delta.Delta) record.Record {
	if d.Op == delta.OpInsert || d.FullData || len(d.Patches) == 0 {
		return d.Data
	}
	props := record.ApplyPatches(nil, d.Patches)
	for _, p := range d.Patches {
		if p.Op == record.PatchRemove {
			if seg := topSegment(p.Path); seg != "" {
				if _, ok := props[seg]; !ok {
					props[seg] = nil
				}
			}
		}
	}
	return props
}

func topSegment(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return path
}

// FullResync rebuilds the secondary store from the primary store by
// streaming every node row, then every edge row, as upserts. This is the
// repair path for a lagging or lost secondary store; unlike SyncDeltas it
// reports errors, since the caller asked for it explicitly.
func (s *Syncer) FullResync(ctx context.Context, db *primary.DB) (nodes, edges int, err error) {
	nodeRows, err := db.ListAllNodes(ctx)
	if err != nil {
		return 0, 0, err
	}
	upserts := make([]NodeUpsert, 0, len(nodeRows))
	for _, n := range nodeRows {
		upserts = append(upserts, NodeUpsert{ID: n.ID, Props: n.Data})
	}
	if err := s.store.UpsertNodes(ctx, upserts); err != nil {
		return 0, 0, err
	}

	edgeRows, err := db.ListAllEdges(ctx)
	if err != nil {
		return len(upserts), 0, err
	}
	edgeUpserts := make([]EdgeUpsert, 0, len(edgeRows))
	for _, e := range edgeRows {
		edgeUpserts = append(edgeUpserts, EdgeUpsert{
			ID: e.ID, SourceID: e.SourceID, TargetID: e.TargetID,
			RelType: e.RelType, Props: e.Data,
		})
	}
	if err := s.store.UpsertEdges(ctx, edgeUpserts); err != nil {
		return len(upserts), 0, err
	}

	s.logger.Printf("Full resync complete: %d nodes, %d edges", len(upserts), len(edgeUpserts))
	return len(upserts), len(edgeUpserts), nil
}
