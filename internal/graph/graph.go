// Package graph provides the derived, query-optimized secondary store
// boundary and the streaming sync that keeps it eventually consistent with
// the primary store.
//
// The secondary store is intentionally loose: batched upsert/remove with
// per-statement durability only, no multi-statement transactions, no
// read-modify-write. Correctness of the primary store never depends on it;
// a full resync is the designated repair path when it lags.
package graph

import (
	"context"

	"github.com/kittclouds/canvas-sync/internal/record"
)

// NodeUpsert merges the given properties into the node with ID, creating it
// if absent.
type NodeUpsert struct {
	ID    string
	Props record.Record
}

// EdgeUpsert merges properties into the edge with ID. When SourceID and
// TargetID are set the edge is created if absent; a property-only upsert
// (endpoints empty) updates an existing edge and is a no-op otherwise.
type EdgeUpsert struct {
	ID       string
	SourceID string
	TargetID string
	RelType  string
	Props    record.Record
}

// Store is the secondary store boundary. Batched upsert/remove semantics
// give cost proportional to the batch, never to total store size.
// Implementations must be idempotent: applying the same batch twice yields
// the same store state as applying it once.
type Store interface {
	// UpsertNodes creates or merges the given nodes.
	UpsertNodes(ctx context.Context, nodes []NodeUpsert) error

	// RemoveNodes deletes the given nodes and any incident edges.
	RemoveNodes(ctx context.Context, ids []string) error

	// UpsertEdges creates or merges the given edges. Callers must upsert
	// endpoint nodes first; an edge whose endpoint does not exist may be
	// dropped by the implementation.
	UpsertEdges(ctx context.Context, edges []EdgeUpsert) error

	// RemoveEdges deletes the given edges.
	RemoveEdges(ctx context.Context, ids []string) error
}
