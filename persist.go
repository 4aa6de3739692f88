// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package fs5

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fs5-dev/fs5/blobstore"
	"github.com/fs5-dev/fs5/registry"
)

// Tree owns the blob store, registry, and root actor for one FS5 tree. It
// is the object Option values configure and the thing Handle methods
// ultimately delegate to.
type Tree struct {
	store blobstore.Store
	reg   registry.Registry

	retryBudget int

	root *actor
}

// Option configures a Tree at construction time.
type Option func(*Tree)

// WithRegistryRetryBudget overrides how many merge-then-retry cycles a
// RegistryKey save attempts before failing with ErrRegistryConflict.
func WithRegistryRetryBudget(n int) Option {
	return func(t *Tree) { t.retryBudget = n }
}

func newTree(store blobstore.Store, reg registry.Registry, opts ...Option) *Tree {
	t := &Tree{
		store:       store,
		reg:         reg,
		retryBudget: 5,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Close tears down the actor tree. Pending enqueued commands that have not
// started are abandoned; in-flight commands run to completion before each
// actor's goroutine exits (§5 Cancellation). Close does not save — callers
// wanting durability call Save first.
func (t *Tree) Close() {
	if t.root != nil {
		closeActorTree(t.root)
	}
}

func closeActorTree(a *actor) {
	a.close()
	for _, child := range a.children {
		closeActorTree(child)
	}
}

// OpenLocal opens (or creates, if path does not exist) a tree rooted at a
// local CBOR pointer file, per the LocalFile parent link variant (§3, §4.4).
func OpenLocal(ctx context.Context, store blobstore.Store, path string, encrypted bool, key []byte, opts ...Option) (*Tree, error) {
	t := newTree(store, nil, opts...)
	link := ParentLink{Kind: ParentLocalFile, LocalFilePath: path}

	ref, err := readLocalPointer(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("fs5: reading root pointer %s: %w", path, err)
		}
		if encrypted && len(key) == 0 {
			if key, err = newDirKey(); err != nil {
				return nil, err
			}
		}
		dir := NewDirV1()
		dir.Header.Encrypted = encrypted
		t.root = newActor(t, dir, key, link)
		return t, nil
	}

	childK, err := childKey(ref)
	if err != nil {
		return nil, err
	}
	if len(key) > 0 {
		childK = key
	}
	dir, err := t.loadDir(ctx, ref.Hash, childK)
	if err != nil {
		return nil, err
	}
	t.root = newActor(t, dir, childK, link)
	t.root.hash = ref.Hash
	t.root.size = ref.Size
	return t, nil
}

// OpenRegistry opens (or creates) a tree rooted at a signed registry entry,
// per the RegistryKey parent link variant.
func OpenRegistry(ctx context.Context, store blobstore.Store, reg registry.Registry, pub ed25519.PublicKey, priv ed25519.PrivateKey, encrypted bool, key []byte, opts ...Option) (*Tree, error) {
	t := newTree(store, reg, opts...)
	link := ParentLink{Kind: ParentRegistryKey, RegistryPubKey: pub, RegistryPrivKey: priv}

	msg, ok, err := reg.Get(ctx, pub)
	if err != nil {
		return nil, &RegistryError{Op: "get", Key: fmt.Sprintf("%x", pub), Err: err}
	}
	if !ok {
		if encrypted && len(key) == 0 {
			if key, err = newDirKey(); err != nil {
				return nil, err
			}
		}
		dir := NewDirV1()
		dir.Header.Encrypted = encrypted
		t.root = newActor(t, dir, key, link)
		return t, nil
	}

	var ref DirRef
	if err := wireDecMode.Unmarshal(msg.Payload, &ref); err != nil {
		return nil, fmt.Errorf("%w: registry payload: %v", ErrBadFormat, err)
	}
	childK, err := childKey(&ref)
	if err != nil {
		return nil, err
	}
	if len(key) > 0 {
		childK = key
	}
	dir, err := t.loadDir(ctx, ref.Hash, childK)
	if err != nil {
		return nil, err
	}
	t.root = newActor(t, dir, childK, link)
	t.root.hash = ref.Hash
	t.root.size = ref.Size
	t.root.registryRevision = msg.Revision
	return t, nil
}

// loadDir fetches, verifies, and decodes the snapshot at hash.
func (t *Tree) loadDir(ctx context.Context, hash Hash, key []byte) (*DirV1, error) {
	bytes, err := t.store.Get(ctx, [32]byte(hash))
	if err != nil {
		return nil, &StoreError{Op: "get", Hash: hash, Err: err}
	}
	if got := HashBytes(bytes); got != hash {
		return nil, fmt.Errorf("%w: blob %s hashes to %s", ErrInvariant, hash.ShortString(), got.ShortString())
	}
	dir, err := decodeSnapshot(bytes, key)
	if err != nil {
		return nil, err
	}
	return dir, nil
}

// Conventional filenames inside a local root directory (§6).
const (
	RootPointerName     = "root.fs5.cbor"
	SnapshotRecordsName = "snapshots.fs5.cbor"
)

// SnapshotRecords is the contents of a snapshots.fs5.cbor file: named
// historical DirRefs kept beside a local root pointer. Each record is an
// additional GC root — callers sweeping a blob store union
// CollectReachable over the live root and every record here (§4.8).
type SnapshotRecords struct {
	Snapshots map[string]DirRef `cbor:"1,keyasint"`
}

// ReadSnapshotRecords loads the records at path. A missing file is an
// empty, usable record set, not an error.
func ReadSnapshotRecords(path string) (*SnapshotRecords, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &SnapshotRecords{Snapshots: make(map[string]DirRef)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fs5: reading snapshot records %s: %w", path, err)
	}
	var recs SnapshotRecords
	if err := wireDecMode.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("%w: snapshot records %s: %v", ErrBadFormat, path, err)
	}
	if recs.Snapshots == nil {
		recs.Snapshots = make(map[string]DirRef)
	}
	return &recs, nil
}

// WriteSnapshotRecords atomically replaces path with recs, using the same
// temp-then-rename publish as the root pointer.
func WriteSnapshotRecords(path string, recs *SnapshotRecords) error {
	b, err := wireEncMode.Marshal(recs)
	if err != nil {
		return fmt.Errorf("fs5: encoding snapshot records: %w", err)
	}
	return writeFileAtomic(path, b)
}

// readLocalPointer reads and decodes the DirRef at path, per the LocalFile
// parent link convention (§6).
func readLocalPointer(path string) (*DirRef, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ref DirRef
	if err := wireDecMode.Unmarshal(b, &ref); err != nil {
		return nil, fmt.Errorf("%w: root pointer %s: %v", ErrBadFormat, path, err)
	}
	return &ref, nil
}

// writeLocalPointer atomically replaces path with the CBOR encoding of ref,
// via create-temp-then-rename (§6).
func writeLocalPointer(path string, ref *DirRef) error {
	b, err := wireEncMode.Marshal(ref)
	if err != nil {
		return fmt.Errorf("fs5: encoding root pointer: %w", err)
	}
	return writeFileAtomic(path, b)
}

// writeFileAtomic publishes b at path through create temp, fsync, rename,
// fsync parent dir, so readers only ever observe a complete file.
func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".fs5-*")
	if err != nil {
		return fmt.Errorf("fs5: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(b); err != nil {
		return fmt.Errorf("fs5: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fs5: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fs5: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("fs5: renaming %s into place: %w", filepath.Base(path), err)
	}
	if f, err := os.Open(dir); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	return nil
}

// savedRef is what one actor's save hands back to whoever asked: the blob
// hash and size its snapshot now lives under.
type savedRef struct {
	hash Hash
	size uint64
}

// SaveStats accounts for what one recursive save actually moved: snapshots
// whose bytes were new to the blob store versus ones that collapsed onto
// already-present content. Purely informational.
type SaveStats struct {
	BlobsWritten  int
	BlobsExisting int
	BytesWritten  uint64
}

// save recursively persists a, post-order: live children first, then a's
// own encoding, write, and parent-pointer update (§4.4). Each child saves
// on its own goroutine via its mailbox, so a child that also serves
// Subdir-handle commands never has its state touched from two goroutines;
// the recursion chain blocks parent-down only, so it cannot cycle.
//
// The parent-pointer update for a DirEntry-linked actor is performed by
// the CALLER in the parent's context (installChild below), never by the
// child reaching into the parent's maps — two sibling subtrees saving
// concurrently would otherwise both write the shared parent's state.
func (a *actor) save(ctx context.Context, stats *SaveStats) (savedRef, error) {
	for childKeyName, child := range a.children {
		var res savedRef
		var childErr error
		if err := child.submit(ctx, func(c *actor) {
			res, childErr = c.save(ctx, stats)
		}); err != nil {
			return savedRef{}, err
		}
		if childErr != nil {
			return savedRef{}, childErr
		}
		a.installChild(childKeyName, child, res)
	}
	if !a.dirty {
		return savedRef{hash: a.hash, size: a.size}, nil
	}

	bytesOut, hash, err := encodeSnapshot(a.dir, a.key)
	if err != nil {
		return savedRef{}, err
	}
	size := uint64(len(bytesOut))
	exists, err := a.tree.store.Exists(ctx, [32]byte(hash))
	if err != nil {
		return savedRef{}, &StoreError{Op: "exists", Hash: hash, Err: err}
	}
	if exists {
		stats.BlobsExisting++
	} else {
		if err := a.tree.store.Put(ctx, [32]byte(hash), bytesOut); err != nil {
			slog.Error("[fs5] blob store write failed, actor stays dirty",
				"actor", a.id,
				"hash", hash.ShortString(),
				"err", err)
			return savedRef{}, &StoreError{Op: "put", Hash: hash, Err: err}
		}
		stats.BlobsWritten++
		stats.BytesWritten += size
	}

	switch a.parent.Kind {
	case ParentLocalFile:
		if err := writeLocalPointer(a.parent.LocalFilePath, &DirRef{Hash: hash, Size: size, Key: a.key}); err != nil {
			return savedRef{}, err
		}
	case ParentRegistryKey:
		// A registry conflict can merge remote state in and re-encode, so
		// the published hash is whatever actually landed in the stream.
		if hash, size, err = a.saveToRegistry(ctx, hash, size); err != nil {
			return savedRef{}, err
		}
	case ParentDirEntry:
		// Installed by the caller.
	default:
		return savedRef{}, fmt.Errorf("%w: unknown parent link kind", ErrInvariant)
	}

	a.hash = hash
	a.size = size
	a.dirty = false
	slog.Debug("[fs5] saved snapshot", "actor", a.id, "hash", hash.ShortString(), "size", size)
	return savedRef{hash: hash, size: size}, nil
}

// installChild records a freshly saved child's blob ref in a's own Dirs
// map or shard table, keyed the same way a.children is. It runs in a's
// goroutine and marks a dirty only if the ref actually moved, so a
// no-op child save never forces a parent re-save.
func (a *actor) installChild(childKeyName string, child *actor, res savedRef) {
	if res.hash.IsZero() {
		return
	}
	if bucket, isShard := parseShardChildKey(childKeyName); isShard {
		ref := a.dir.Header.Shards[bucket]
		if ref.Hash == res.hash && ref.Size == res.size {
			return
		}
		ref.Hash = res.hash
		ref.Size = res.size
		ref.Key = child.key
		a.dir.Header.Shards[bucket] = ref
		a.dirty = true
		return
	}
	ref := a.dir.Dirs[childKeyName]
	if ref == nil {
		ref = &DirRef{}
		a.dir.Dirs[childKeyName] = ref
	}
	if ref.Hash == res.hash && ref.Size == res.size {
		return
	}
	ref.Hash = res.hash
	ref.Size = res.size
	ref.Key = child.key
	a.dirty = true
}

// saveToRegistry implements the RegistryKey save variant: produce a signed
// StreamMessage with a monotonically increasing revision, submit it, and on
// divergence merge the remote snapshot into this actor's and retry, bounded
// by the tree's retry budget (§4.4 Failure semantics).
//
// Divergence is detected against the revision this actor last observed
// (a.registryRevision, set at load and after each successful publish), not
// against a fresh read alone: a writer whose state is based on an older
// revision than the stream's current one must fold the remote snapshot in
// before publishing, or it would silently discard the other writer's data.
func (a *actor) saveToRegistry(ctx context.Context, hash Hash, size uint64) (Hash, uint64, error) {
	ref := DirRef{Hash: hash, Size: size, Key: a.key}
	payload, err := wireEncMode.Marshal(&ref)
	if err != nil {
		return Hash{}, 0, fmt.Errorf("fs5: encoding registry payload: %w", err)
	}

	for attempt := 0; attempt <= a.tree.retryBudget; attempt++ {
		current, ok, err := a.tree.reg.Get(ctx, a.parent.RegistryPubKey)
		if err != nil {
			return Hash{}, 0, &RegistryError{Op: "get", Key: fmt.Sprintf("%x", a.parent.RegistryPubKey), Err: err}
		}
		if ok && current.Revision > a.registryRevision {
			hash, size, err = a.mergeRemoteEntry(ctx, current)
			if err != nil {
				return Hash{}, 0, err
			}
			a.registryRevision = current.Revision
			ref = DirRef{Hash: hash, Size: size, Key: a.key}
			if payload, err = wireEncMode.Marshal(&ref); err != nil {
				return Hash{}, 0, fmt.Errorf("fs5: encoding registry payload: %w", err)
			}
		}

		revision := uint64(timeNow().UnixMilli())
		if a.registryRevision >= revision {
			revision = a.registryRevision
		}
		revision++

		msg := registry.StreamMessage{
			Key:      a.parent.RegistryPubKey,
			Revision: revision,
			Payload:  payload,
		}
		msg.Signature = registry.Sign(a.parent.RegistryPrivKey, a.parent.RegistryPubKey, revision, payload)

		err = a.tree.reg.Set(ctx, msg)
		if err == nil {
			a.registryRevision = revision
			return hash, size, nil
		}
		var conflict *registry.ErrConflict
		if !errors.As(err, &conflict) {
			return Hash{}, 0, &RegistryError{Op: "set", Key: fmt.Sprintf("%x", a.parent.RegistryPubKey), Err: err}
		}
		// Lost a Set race. The next iteration re-reads the stream and
		// merges whatever got there first.
		slog.Error("[fs5] registry revision conflict, merging and retrying",
			"actor", a.id,
			"attempt", attempt+1,
			"sent_revision", revision,
			"current_revision", conflict.Current.Revision)
	}
	slog.Error("[fs5] registry save failed, retry budget exhausted",
		"actor", a.id,
		"attempts", a.tree.retryBudget+1)
	return Hash{}, 0, ErrRegistryConflict
}

// mergeRemoteEntry folds the snapshot a remote registry entry points at
// into a's live directory, writes the merged snapshot to the blob store,
// and returns its hash and size.
func (a *actor) mergeRemoteEntry(ctx context.Context, remote registry.StreamMessage) (Hash, uint64, error) {
	var remoteRef DirRef
	if err := wireDecMode.Unmarshal(remote.Payload, &remoteRef); err != nil {
		return Hash{}, 0, fmt.Errorf("%w: remote registry payload: %v", ErrBadFormat, err)
	}
	remoteKey, err := childKey(&remoteRef)
	if err != nil {
		return Hash{}, 0, err
	}
	remoteDir, err := a.tree.loadDir(ctx, remoteRef.Hash, remoteKey)
	if err != nil {
		return Hash{}, 0, err
	}
	merged, err := a.tree.Merge(ctx, a.dir, remoteDir)
	if err != nil {
		return Hash{}, 0, err
	}
	a.dropChildren()
	a.dir = merged
	bytesOut, hash, err := encodeSnapshot(a.dir, a.key)
	if err != nil {
		return Hash{}, 0, err
	}
	if err := a.tree.store.Put(ctx, [32]byte(hash), bytesOut); err != nil {
		return Hash{}, 0, &StoreError{Op: "put", Hash: hash, Err: err}
	}
	return hash, uint64(len(bytesOut)), nil
}

