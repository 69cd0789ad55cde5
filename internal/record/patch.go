package record

import (
	"sort"
	"strings"
)

// PatchOp identifies what a FieldPatch does to its path.
type PatchOp string

const (
	// PatchReplace sets the field at path, overwriting any existing value.
	PatchReplace PatchOp = "replace"

	// PatchAdd sets the field at path, creating intermediate objects as
	// needed. Identical to replace for existing paths; kept distinct so the
	// producing side can express intent.
	PatchAdd PatchOp = "add"

	// PatchRemove deletes the field at path.
	PatchRemove PatchOp = "remove"
)

// FieldPatch is one step of an ordered, replayable diff against a base
// record. Path segments are joined with dots ("position.x").
type FieldPatch struct {
	Op    PatchOp `json:"op"`
	Path  string  `json:"path"`
	Value any     `json:"value,omitempty"`
}

// ApplyPatches deterministically reconstructs a full record from a base
// record plus an ordered patch list. Patches are applied in slice order and
// later patches win on conflicting paths. The base record is not modified.
//
// Patches with an empty path are ignored. A remove of an absent path is a
// no-op, matching the producing side's last-write-wins semantics.
func ApplyPatches(base Record, patches []FieldPatch) Record {
	out := base.Clone()
	if out == nil {
		out = Record{}
	}
	for _, p := range patches {
		if p.Path == "" {
			continue
		}
		segments := strings.Split(p.Path, ".")
		switch p.Op {
		case PatchReplace, PatchAdd:
			setPath(out, segments, p.Value)
		case PatchRemove:
			removePath(out, segments)
		}
	}
	return out
}

// setPath walks to the parent of the final segment, copying nested maps on
// the way so the base record's nested objects are never mutated.
func setPath(m map[string]any, segments []string, value any) {
	for i := 0; i < len(segments)-1; i++ {
		child, ok := m[segments[i]].(map[string]any)
		if !ok {
			child = map[string]any{}
		} else {
			copied := make(map[string]any, len(child))
			for k, v := range child {
				copied[k] = v
			}
			child = copied
		}
		m[segments[i]] = child
		m = child
	}
	m[segments[len(segments)-1]] = value
}

func removePath(m map[string]any, segments []string) {
	for i := 0; i < len(segments)-1; i++ {
		child, ok := m[segments[i]].(map[string]any)
		if !ok {
			return
		}
		copied := make(map[string]any, len(child))
		for k, v := range child {
			copied[k] = v
		}
		m[segments[i]] = copied
		m = copied
	}
	delete(m, segments[len(segments)-1])
}

// PatchesFromFields converts a flat changed-fields map into a patch per
// field: a replace for each value, a remove for each nil. Ordering across
// fields is not significant for flat maps, but the result is deterministic
// (sorted by path) so transactions are replayable.
func PatchesFromFields(fields Record) []FieldPatch {
	if len(fields) == 0 {
		return nil
	}
	paths := make([]string, 0, len(fields))
	for k := range fields {
		paths = append(paths, k)
	}
	sort.Strings(paths)
	patches := make([]FieldPatch, 0, len(paths))
	for _, p := range paths {
		if fields[p] == nil {
			patches = append(patches, FieldPatch{Op: PatchRemove, Path: p})
			continue
		}
		patches = append(patches, FieldPatch{Op: PatchReplace, Path: p, Value: fields[p]})
	}
	return patches
}
