// Package delta provides the in-memory representation of pending mutations
// and the collector that buffers, coalesces, and batches them for the write
// path.
//
// At most one pending Delta exists per entity id at any time. New mutations
// for the same entity are merged into the existing entry, never appended, so
// a sealed batch carries the net operation per entity.
package delta

import (
	"time"

	"github.com/kittclouds/canvas-sync/internal/record"
)

// Class distinguishes node records from edge records. Edges reference node
// identity, so the write paths order nodes before edges everywhere.
type Class string

const (
	ClassNode Class = "node"
	ClassEdge Class = "edge"
)

// Op is the net operation a Delta carries.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Delta is a single tracked mutation intent for one entity, already
// coalesced with any prior pending mutation for that entity.
//
// Inserts and full-row updates carry Data. Field-level updates carry Patches,
// an ordered, replayable diff; later patches win on conflicting paths.
// Version is a per-entity monotonic counter assigned by the collector and is
// usable as a logical clock.
type Delta struct {
	ID        string
	Class     Class
	Op        Op
	Patches   []record.FieldPatch
	Data      record.Record
	FullData  bool // update carries Data as a full-row replace, not Patches
	Timestamp time.Time
	Version   int64

	// seq is the arrival order within a collection window, used to keep
	// batches stable across the node/edge partition.
	seq int64
}

// Coalesce merges an incoming mutation into the pending one for the same
// entity and returns the net delta. A nil result means the pending entry
// must be dropped entirely (insert cancelled by delete before it ever
// reached the store).
//
// Rules:
//
//	Insert + Update -> Insert with merged data
//	Insert + Delete -> nothing
//	Update + Delete -> Delete
//	Delete + Insert -> Insert (store row is replaced via upsert)
//	Update + Update -> Update with appended patches (full replace wins)
//	Delete + Update -> Delete (mutation of a dead entity is dropped)
func Coalesce(prev, next *Delta) *Delta {
	if prev == nil {
		return next
	}

	switch prev.Op {
	case OpInsert:
		switch next.Op {
		case OpDelete:
			return nil
		case OpUpdate:
			merged := *next
			merged.Op = OpInsert
			merged.Patches = nil
			merged.FullData = false
			if next.FullData {
				merged.Data = next.Data
			} else {
				merged.Data = record.ApplyPatches(prev.Data, next.Patches)
			}
			merged.seq = prev.seq
			return &merged
		default: // repeated insert: latest data wins
			merged := *next
			merged.seq = prev.seq
			return &merged
		}

	case OpUpdate:
		switch next.Op {
		case OpDelete:
			merged := *next
			merged.seq = prev.seq
			return &merged
		case OpUpdate:
			merged := *next
			if next.FullData {
				// A full-row replace subsumes any accumulated patches.
				merged.Patches = nil
			} else if prev.FullData {
				merged.Op = OpUpdate
				merged.FullData = true
				merged.Data = record.ApplyPatches(prev.Data, next.Patches)
				merged.Patches = nil
			} else {
				patches := make([]record.FieldPatch, 0, len(prev.Patches)+len(next.Patches))
				patches = append(patches, prev.Patches...)
				patches = append(patches, next.Patches...)
				merged.Patches = patches
			}
			merged.seq = prev.seq
			return &merged
		default: // insert after update: treat as authoritative full row
			merged := *next
			merged.seq = prev.seq
			return &merged
		}

	case OpDelete:
		switch next.Op {
		case OpInsert:
			merged := *next
			merged.seq = prev.seq
			return &merged
		default:
			// Updates against a deleted entity are dropped; repeat deletes
			// collapse. Keep the newer version for the logical clock.
			merged := *prev
			merged.Version = next.Version
			merged.Timestamp = next.Timestamp
			return &merged
		}
	}

	return next
}
