// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package fs5

import (
	"context"
	"testing"

	"github.com/fs5-dev/fs5/blobstore"
)

// TestCollectReachableCoversFileAndDirChains is §8 P7: the mark set must
// cover every FileRef hash across full version chains and every reachable
// DirRef, and nothing else should be required.
func TestCollectReachableCoversFileAndDirChains(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()
	tr := newTree(store, nil)

	v1 := NewVersion(nil, HashBytes([]byte("v1")), 1, "", 1, nil)
	v2 := NewVersion(v1, HashBytes([]byte("v2")), 1, "", 2, nil)

	sub := NewDirV1()
	sub.Files["leaf"] = NewVersion(nil, HashBytes([]byte("leaf")), 1, "", 1, nil)
	subBytes, subHash, err := encodeSnapshot(sub, nil)
	if err != nil {
		t.Fatalf("encodeSnapshot(sub): %v", err)
	}
	if err := store.Put(ctx, [32]byte(subHash), subBytes); err != nil {
		t.Fatalf("store.Put(sub): %v", err)
	}

	root := NewDirV1()
	root.Files["f"] = v2
	root.Dirs["sub"] = &DirRef{Hash: subHash, Size: uint64(len(subBytes))}
	rootBytes, rootHash, err := encodeSnapshot(root, nil)
	if err != nil {
		t.Fatalf("encodeSnapshot(root): %v", err)
	}
	if err := store.Put(ctx, [32]byte(rootHash), rootBytes); err != nil {
		t.Fatalf("store.Put(root): %v", err)
	}

	marks, err := tr.CollectReachable(ctx, &DirRef{Hash: rootHash, Size: uint64(len(rootBytes))})
	if err != nil {
		t.Fatalf("CollectReachable: %v", err)
	}

	for _, want := range []Hash{rootHash, subHash, v1.Hash, v2.Hash, HashBytes([]byte("leaf"))} {
		if _, ok := marks[want]; !ok {
			t.Fatalf("mark set missing hash %s", want.ShortString())
		}
	}
}

func TestCollectReachableIgnoresUnreachableBlob(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()
	tr := newTree(store, nil)

	root := NewDirV1()
	root.Files["f"] = NewVersion(nil, HashBytes([]byte("f")), 1, "", 1, nil)
	rootBytes, rootHash, err := encodeSnapshot(root, nil)
	if err != nil {
		t.Fatalf("encodeSnapshot: %v", err)
	}
	if err := store.Put(ctx, [32]byte(rootHash), rootBytes); err != nil {
		t.Fatalf("store.Put: %v", err)
	}

	orphanHash := HashBytes([]byte("orphan"))
	if err := store.Put(ctx, [32]byte(orphanHash), []byte("orphan")); err != nil {
		t.Fatalf("store.Put(orphan): %v", err)
	}

	marks, err := tr.CollectReachable(ctx, &DirRef{Hash: rootHash, Size: uint64(len(rootBytes))})
	if err != nil {
		t.Fatalf("CollectReachable: %v", err)
	}
	if _, ok := marks[orphanHash]; ok {
		t.Fatal("CollectReachable must not mark a blob unreachable from root")
	}
}

// TestSnapshotRecordsExtendGCRoots: a named historical head recorded in
// snapshots.fs5.cbor keeps its snapshot reachable even after the live root
// has moved on.
func TestSnapshotRecordsExtendGCRoots(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()
	tr := newTree(store, nil)

	oldRoot := NewDirV1()
	oldRoot.Files["old"] = NewVersion(nil, HashBytes([]byte("old")), 1, "", 1, nil)
	oldBytes, oldHash, err := encodeSnapshot(oldRoot, nil)
	if err != nil {
		t.Fatalf("encodeSnapshot(old): %v", err)
	}
	if err := store.Put(ctx, [32]byte(oldHash), oldBytes); err != nil {
		t.Fatalf("store.Put(old): %v", err)
	}

	newRoot := NewDirV1()
	newRoot.Files["new"] = NewVersion(nil, HashBytes([]byte("new")), 1, "", 2, nil)
	newBytes, newHash, err := encodeSnapshot(newRoot, nil)
	if err != nil {
		t.Fatalf("encodeSnapshot(new): %v", err)
	}
	if err := store.Put(ctx, [32]byte(newHash), newBytes); err != nil {
		t.Fatalf("store.Put(new): %v", err)
	}

	recsPath := t.TempDir() + "/" + SnapshotRecordsName
	recs := &SnapshotRecords{Snapshots: map[string]DirRef{
		"before-migration": {Hash: oldHash, Size: uint64(len(oldBytes))},
	}}
	if err := WriteSnapshotRecords(recsPath, recs); err != nil {
		t.Fatalf("WriteSnapshotRecords: %v", err)
	}
	loaded, err := ReadSnapshotRecords(recsPath)
	if err != nil {
		t.Fatalf("ReadSnapshotRecords: %v", err)
	}

	marks, err := tr.CollectReachable(ctx, &DirRef{Hash: newHash, Size: uint64(len(newBytes))})
	if err != nil {
		t.Fatalf("CollectReachable(live): %v", err)
	}
	for _, rec := range loaded.Snapshots {
		extra, err := tr.CollectReachable(ctx, &rec)
		if err != nil {
			t.Fatalf("CollectReachable(record): %v", err)
		}
		for h := range extra {
			marks[h] = struct{}{}
		}
	}

	if _, ok := marks[oldHash]; !ok {
		t.Fatal("recorded historical root must stay in the mark set")
	}
	if _, ok := marks[HashBytes([]byte("old"))]; !ok {
		t.Fatal("historical root's file content must stay in the mark set")
	}
}

func TestCollectReachableTombstoneStillMarksPriorChain(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemStore()
	tr := newTree(store, nil)

	v1 := NewVersion(nil, HashBytes([]byte("v1")), 1, "", 1, nil)
	ts := NewTombstone(v1, 2)

	root := NewDirV1()
	root.Files["f"] = ts
	rootBytes, rootHash, err := encodeSnapshot(root, nil)
	if err != nil {
		t.Fatalf("encodeSnapshot: %v", err)
	}
	if err := store.Put(ctx, [32]byte(rootHash), rootBytes); err != nil {
		t.Fatalf("store.Put: %v", err)
	}

	marks, err := tr.CollectReachable(ctx, &DirRef{Hash: rootHash, Size: uint64(len(rootBytes))})
	if err != nil {
		t.Fatalf("CollectReachable: %v", err)
	}
	if _, ok := marks[v1.Hash]; !ok {
		t.Fatal("a tombstone's Prev chain must still be marked reachable for GC")
	}
}
