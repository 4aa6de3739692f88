// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package fs5

import "context"

// CollectReachable performs a DFS from root (a DirRef, typically the
// current parent-pointer target), loading each snapshot and emitting every
// hash transitively reachable: the snapshot's own hash, every FileRef hash
// across full prev chains, and every nested DirRef hash (§4.8).
//
// Snapshot records (explicit historical heads) are not covered here; a
// caller maintaining a snapshots.fs5.cbor file should call CollectReachable
// once per recorded root and union the results (§4.8).
func (t *Tree) CollectReachable(ctx context.Context, root *DirRef) (map[Hash]struct{}, error) {
	marks := make(map[Hash]struct{})
	if err := t.walkReachable(ctx, root, marks); err != nil {
		return nil, err
	}
	return marks, nil
}

func (t *Tree) walkReachable(ctx context.Context, ref *DirRef, marks map[Hash]struct{}) error {
	if ref == nil || ref.Hash.IsZero() {
		return nil
	}
	if _, seen := marks[ref.Hash]; seen {
		return nil
	}
	marks[ref.Hash] = struct{}{}

	key, err := childKey(ref)
	if err != nil {
		return err
	}
	dir, err := t.loadDir(ctx, ref.Hash, key)
	if err != nil {
		return err
	}

	for _, f := range dir.Files {
		walkFileChain(f, marks)
	}
	for _, childRef := range dir.Dirs {
		if err := t.walkReachable(ctx, childRef, marks); err != nil {
			return err
		}
	}
	for _, bucket := range sortedShardBuckets(dir.Header.Shards) {
		shardRef := dir.Header.Shards[bucket]
		if err := t.walkReachable(ctx, &shardRef, marks); err != nil {
			return err
		}
	}
	return nil
}

// walkFileChain marks every hash in f's version chain, live and historical.
func walkFileChain(f *FileRef, marks map[Hash]struct{}) {
	for f != nil {
		if !f.Hash.IsZero() {
			marks[f.Hash] = struct{}{}
		}
		f = f.Prev
	}
}
