// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package fs5

// ChangeKind classifies one entry's change between two snapshots.
type ChangeKind uint8

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeDeleted
)

// Change is one name's transition from an old snapshot to a new one.
type Change struct {
	Name string
	Kind ChangeKind
	Old  *FileRef // nil for ChangeAdded
	New  *FileRef // nil for ChangeDeleted
}

// DiffSnapshots compares two unsharded, flattened DirV1 values' top-level
// Files and reports what changed, ignoring unchanged hashes. It does not
// recurse into sub-directories; callers diffing a full tree should call it
// once per matched Dirs entry.
func DiffSnapshots(oldDir, newDir *DirV1) []Change {
	var changes []Change
	for name, of := range oldDir.Files {
		nf, ok := newDir.Files[name]
		switch {
		case !ok:
			continue // handled below via newDir's absence check
		case of.IsTombstone() && nf.IsTombstone():
			// still deleted, nothing changed
		case of.IsTombstone() && !nf.IsTombstone():
			changes = append(changes, Change{Name: name, Kind: ChangeAdded, New: nf})
		case !of.IsTombstone() && nf.IsTombstone():
			changes = append(changes, Change{Name: name, Kind: ChangeDeleted, Old: of})
		case of.Hash != nf.Hash:
			changes = append(changes, Change{Name: name, Kind: ChangeModified, Old: of, New: nf})
		}
	}
	for name, nf := range newDir.Files {
		if _, ok := oldDir.Files[name]; !ok && !nf.IsTombstone() {
			changes = append(changes, Change{Name: name, Kind: ChangeAdded, New: nf})
		}
	}
	for name, of := range oldDir.Files {
		if _, ok := newDir.Files[name]; !ok && !of.IsTombstone() {
			changes = append(changes, Change{Name: name, Kind: ChangeDeleted, Old: of})
		}
	}
	return changes
}
