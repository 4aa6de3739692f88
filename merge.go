// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package fs5

import (
	"bytes"
	"context"
	"sort"
)

// Merge reconciles local and remote into a new DirV1 using last-write-wins
// over FileRef timestamps, preserving full version history on both sides,
// and recursively merging shared subdirectories and shard tables by loading
// whichever side is needed from t's blob store (§4.5). It does not mutate
// local or remote.
func (t *Tree) Merge(ctx context.Context, local, remote *DirV1) (*DirV1, error) {
	out := NewDirV1()
	out.Header.Encrypted = local.Header.Encrypted

	if local.Sharded() || remote.Sharded() {
		flatLocal, err := t.flattenShards(ctx, local)
		if err != nil {
			return nil, err
		}
		flatRemote, err := t.flattenShards(ctx, remote)
		if err != nil {
			return nil, err
		}
		mergeFiles(flatLocal, flatRemote, out)
		if err := t.mergeDirs(ctx, flatLocal, flatRemote, out); err != nil {
			return nil, err
		}
		return t.reshard(ctx, out)
	}

	mergeFiles(local, remote, out)
	if err := t.mergeDirs(ctx, local, remote, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Merge is the package-level convenience wrapper used when no actor/tree
// context is in scope (pure-value merge of two already-flattened,
// unsharded snapshots, e.g. in tests). It fails with ErrInvariant if either
// side is sharded, since flattening requires a blob store.
func Merge(local, remote *DirV1) (*DirV1, error) {
	if local.Sharded() || remote.Sharded() {
		return nil, ErrInvariant
	}
	out := NewDirV1()
	out.Header.Encrypted = local.Header.Encrypted
	mergeFiles(local, remote, out)
	for name, lref := range local.Dirs {
		rref, ok := remote.Dirs[name]
		if !ok {
			cp := *lref
			out.Dirs[name] = &cp
			continue
		}
		if lref.Hash != rref.Hash {
			return nil, ErrIncompatibleEncryption
		}
		cp := *lref
		out.Dirs[name] = &cp
	}
	for name, rref := range remote.Dirs {
		if _, ok := out.Dirs[name]; !ok {
			cp := *rref
			out.Dirs[name] = &cp
		}
	}
	return out, nil
}

func mergeFiles(local, remote, out *DirV1) {
	seen := make(map[string]bool, len(local.Files))
	for name, lf := range local.Files {
		seen[name] = true
		rf, ok := remote.Files[name]
		if !ok {
			out.Files[name] = lf
			continue
		}
		out.Files[name] = mergeFileChains(lf, rf)
	}
	for name, rf := range remote.Files {
		if !seen[name] {
			out.Files[name] = rf
		}
	}
}

// laterVersion applies the LWW tiebreak rule to two versions: later
// timestamp wins; equal timestamps break by byte-wise greater hash (§4.5).
func laterVersion(a, b *FileRef) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return bytes.Compare(a.Hash[:], b.Hash[:]) > 0
}

// mergeFileChains reconciles two version chains for the same name into one:
// the union of both sides' versions, deduplicated, ordered newest-first by
// the LWW rule, with Prev/VersionCount/FirstVersion rebuilt. The head is
// the LWW winner; the losing branch's distinct versions sit under it rather
// than being discarded, so no history is lost on either side.
func mergeFileChains(a, b *FileRef) *FileRef {
	type versionKey struct {
		kind FileKind
		hash Hash
		ts   uint32
	}
	var versions []*FileRef
	dedup := make(map[versionKey]bool)
	for _, head := range []*FileRef{a, b} {
		for f := head; f != nil; f = f.Prev {
			k := versionKey{kind: f.Kind, hash: f.Hash, ts: f.Timestamp}
			if dedup[k] {
				continue
			}
			dedup[k] = true
			versions = append(versions, f)
		}
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return laterVersion(versions[i], versions[j])
	})

	// Rebuild oldest-up so each node's chain invariants are recomputed
	// rather than inherited from whichever branch it came from.
	var chain *FileRef
	for i := len(versions) - 1; i >= 0; i-- {
		v := *versions[i]
		v.Prev = chain
		v.VersionCount = 1
		v.FirstVersion = v.Timestamp
		if chain != nil {
			v.VersionCount = 1 + chain.VersionCount
			v.FirstVersion = chain.FirstVersion
		}
		chain = &v
	}
	return chain
}

func (t *Tree) mergeDirs(ctx context.Context, local, remote, out *DirV1) error {
	seen := make(map[string]bool, len(local.Dirs))
	for name, lref := range local.Dirs {
		seen[name] = true
		rref, ok := remote.Dirs[name]
		if !ok {
			cp := *lref
			out.Dirs[name] = &cp
			continue
		}
		merged, err := t.mergeDirRefs(ctx, lref, rref)
		if err != nil {
			return err
		}
		out.Dirs[name] = merged
	}
	for name, rref := range remote.Dirs {
		if !seen[name] {
			cp := *rref
			out.Dirs[name] = &cp
		}
	}
	return nil
}

func (t *Tree) mergeDirRefs(ctx context.Context, local, remote *DirRef) (*DirRef, error) {
	if local.Hash == remote.Hash {
		cp := *local
		return &cp, nil
	}
	if local.Encrypted() != remote.Encrypted() {
		return nil, ErrIncompatibleEncryption
	}
	if local.Encrypted() && !bytes.Equal(local.Key, remote.Key) {
		return nil, ErrIncompatibleEncryption
	}
	lkey, err := childKey(local)
	if err != nil {
		return nil, err
	}
	rkey, err := childKey(remote)
	if err != nil {
		return nil, err
	}
	lDir, err := t.loadDir(ctx, local.Hash, lkey)
	if err != nil {
		return nil, err
	}
	rDir, err := t.loadDir(ctx, remote.Hash, rkey)
	if err != nil {
		return nil, err
	}
	merged, err := t.Merge(ctx, lDir, rDir)
	if err != nil {
		return nil, err
	}
	bytesOut, hash, err := encodeSnapshot(merged, lkey)
	if err != nil {
		return nil, err
	}
	if err := t.store.Put(ctx, [32]byte(hash), bytesOut); err != nil {
		return nil, &StoreError{Op: "put", Hash: hash, Err: err}
	}
	return &DirRef{Hash: hash, Size: uint64(len(bytesOut)), Key: lkey}, nil
}

// flattenShards returns a copy of d with every shard's Files/Dirs merged
// back into top-level maps, so the generic (unsharded) merge path can run
// over it. If d is not sharded, it is returned as-is.
func (t *Tree) flattenShards(ctx context.Context, d *DirV1) (*DirV1, error) {
	if !d.Sharded() {
		return d, nil
	}
	out := NewDirV1()
	out.Header.Encrypted = d.Header.Encrypted
	for _, bucket := range sortedShardBuckets(d.Header.Shards) {
		ref := d.Header.Shards[bucket]
		key, err := childKey(&ref)
		if err != nil {
			return nil, err
		}
		bd, err := t.loadDir(ctx, ref.Hash, key)
		if err != nil {
			return nil, err
		}
		for name, f := range bd.Files {
			out.Files[name] = f
		}
		for name, dr := range bd.Dirs {
			out.Dirs[name] = dr
		}
	}
	return out, nil
}

// reshard re-partitions a freshly merged, flat DirV1 back into shards if
// its encoded size is over threshold, mirroring actor.maybeShard's
// partitioning but operating on a detached value with no live actor.
func (t *Tree) reshard(ctx context.Context, d *DirV1) (*DirV1, error) {
	plain, err := encodePlain(d)
	if err != nil {
		return nil, err
	}
	if len(plain) <= shardThreshold {
		return d, nil
	}

	buckets := make(map[uint8]*DirV1, shardCount)
	for i := uint8(0); i < shardCount; i++ {
		buckets[i] = NewDirV1()
	}
	for name, f := range d.Files {
		b := shardBucket(name)
		buckets[b].Files[name] = f
	}
	for name, ref := range d.Dirs {
		b := shardBucket(name)
		buckets[b].Dirs[name] = ref
	}

	shards := make(map[uint8]DirRef, shardCount)
	for i, bd := range buckets {
		var key []byte
		if d.Header.Encrypted {
			k, err := newDirKey()
			if err != nil {
				return nil, err
			}
			key = k
		}
		bytesOut, hash, err := encodeSnapshot(bd, key)
		if err != nil {
			return nil, err
		}
		if err := t.store.Put(ctx, [32]byte(hash), bytesOut); err != nil {
			return nil, &StoreError{Op: "put", Hash: hash, Err: err}
		}
		shards[i] = DirRef{Hash: hash, Size: uint64(len(bytesOut)), Key: key}
	}

	out := NewDirV1()
	out.Header.Encrypted = d.Header.Encrypted
	out.Header.Shards = shards
	return out, nil
}
