// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package fs5

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// command is one message in an actor's FIFO mailbox. Every command carries
// its own reply channel so the actor's run loop stays single-threaded
// without blocking callers on each other — mirrors the queued-sender
// pattern used for outbound frames in the reconnecting client this package
// is descended from.
type command struct {
	fn   func(a *actor)
	done chan struct{}
}

// actor owns one directory's mutable state and serializes every read and
// write to it through a single goroutine, so concurrent Put/Delete/List
// calls on the same directory never race (§4.3).
type actor struct {
	tree *Tree
	id   string // correlation id for log lines, not part of any wire format

	// dir and everything below are only ever touched from the run loop
	// goroutine; callers never read them directly, only through submit.
	dir    *DirV1
	key    []byte // this directory's own encryption key, nil if plaintext
	hash   Hash   // hash of dir as last saved; zero if never saved
	size   uint64 // byte size of the last saved snapshot
	dirty  bool
	parent ParentLink

	// registryRevision is the stream revision this actor's state is based
	// on; only meaningful for a ParentRegistryKey root. See saveToRegistry.
	registryRevision uint64

	children map[string]*actor // live child actors, keyed by name (unsharded) or shardChildKey(bucket) (sharded)

	mailbox   chan command
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// newActor starts a fresh actor and its run loop. dir must be non-nil.
func newActor(tree *Tree, dir *DirV1, key []byte, parent ParentLink) *actor {
	a := &actor{
		tree:     tree,
		id:       uuid.NewString(),
		dir:      dir,
		key:      key,
		parent:   parent,
		children: make(map[string]*actor),
		mailbox:  make(chan command, 64),
		closed:   make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *actor) run() {
	defer a.wg.Done()
	for {
		select {
		case cmd := <-a.mailbox:
			cmd.fn(a)
			close(cmd.done)
		case <-a.closed:
			return
		}
	}
}

// submit enqueues fn to run on the actor's goroutine and blocks until it has
// executed, or ctx is cancelled, or the actor is closed. The leading closed
// check matters: a buffered mailbox send can still succeed after close, and
// without the check the caller would wait forever on a reply the exited run
// loop will never produce.
func (a *actor) submit(ctx context.Context, fn func(a *actor)) error {
	select {
	case <-a.closed:
		return ErrClosed
	default:
	}
	done := make(chan struct{})
	select {
	case a.mailbox <- command{fn: fn, done: done}:
	case <-a.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.closed:
		// The run loop may be mid-command; give done one last look before
		// reporting the shutdown.
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// enqueue is submit's fire-and-forget half: it places fn in the mailbox and
// returns as soon as the enqueue lands, so two enqueues from the same caller
// still execute in call order, but the caller does not wait for execution.
func (a *actor) enqueue(fn func(a *actor)) error {
	select {
	case <-a.closed:
		return ErrClosed
	default:
	}
	select {
	case a.mailbox <- command{fn: fn, done: make(chan struct{})}:
		return nil
	case <-a.closed:
		return ErrClosed
	}
}

// close stops the run loop. The command being executed (if any) runs to
// completion; commands still queued in the mailbox are abandoned. It does
// not recursively close children — the Tree walks those explicitly.
func (a *actor) close() {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.wg.Wait()
	})
}

// markDirty flags this actor as needing a save. Dirtiness reaches the
// parent at save time, not eagerly: save recurses over every live child
// before checking its own flag, and the parent sets its own flag in
// installChild when a child's save returns a new hash, so a dirty descendant always drags
// its ancestors along without any cross-actor signalling here.
func (a *actor) markDirty() {
	a.dirty = true
}

// shardChildKey is the a.children map key for a live shard-bucket actor.
func shardChildKey(bucket uint8) string {
	return fmt.Sprintf("#%d", bucket)
}

// forwardToShard routes name's operation into its shard-bucket actor's
// mailbox when a has been auto-sharded, so the bucket's state is only ever
// touched from its own goroutine. It reports whether the operation was
// forwarded (in which case the returned error is the operation's result).
// maybeShard partitions Files right alongside Dirs, so every name-level
// operation routes here exactly like resolveChild does for subdirectories.
func (a *actor) forwardToShard(ctx context.Context, name string, fn func(o *actor) error) (bool, error) {
	if !a.dir.Sharded() {
		return false, nil
	}
	owner, err := a.loadShardActor(ctx, shardBucket(name))
	if err != nil {
		return true, err
	}
	var opErr error
	if err := owner.submit(ctx, func(o *actor) { opErr = fn(o) }); err != nil {
		return true, err
	}
	return true, opErr
}

// put installs a new version of name (a single path component) built from
// the given content metadata, per §4.3 Put.
func (a *actor) put(ctx context.Context, name string, hash Hash, size uint64, mediaType string, timestamp uint32, locations []BlobLocation) error {
	if forwarded, err := a.forwardToShard(ctx, name, func(o *actor) error {
		return o.put(ctx, name, hash, size, mediaType, timestamp, locations)
	}); forwarded {
		return err
	}
	if _, isDir := a.dir.Dirs[name]; isDir {
		return fmt.Errorf("%w: %q is a directory", ErrExists, name)
	}
	prev := a.dir.Files[name]
	a.dir.Files[name] = NewVersion(prev, hash, size, mediaType, timestamp, locations)
	a.markDirty()
	slog.Debug("[fs5] put", "actor", a.id, "name", name, "hash", hash.ShortString())
	return a.maybeShard(ctx)
}

// delete appends a tombstone on top of name's current head, per §4.3
// Delete. A name with no prior entry still gets a bare tombstone head so
// the deletion is recorded; re-deleting an already-tombstoned name is a
// no-op success.
func (a *actor) delete(ctx context.Context, name string, timestamp uint32) error {
	if forwarded, err := a.forwardToShard(ctx, name, func(o *actor) error {
		return o.delete(ctx, name, timestamp)
	}); forwarded {
		return err
	}
	if _, isDir := a.dir.Dirs[name]; isDir {
		return fmt.Errorf("%w: %q is a directory", ErrInvariant, name)
	}
	prev := a.dir.Files[name]
	if prev.IsTombstone() {
		return nil
	}
	a.dir.Files[name] = NewTombstone(prev, timestamp)
	a.markDirty()
	return nil
}

// get returns the live head FileRef for name, or nil if absent or
// tombstoned (ErrNotFound in both cases, per §4.3 Get — tombstones are not
// visible through Get; use GetAny for history).
func (a *actor) get(ctx context.Context, name string) (*FileRef, error) {
	var result *FileRef
	if forwarded, err := a.forwardToShard(ctx, name, func(o *actor) error {
		f, err := o.get(ctx, name)
		result = f
		return err
	}); forwarded {
		return result, err
	}
	f, ok := a.dir.Files[name]
	if !ok || f.IsTombstone() {
		return nil, ErrNotFound
	}
	return f, nil
}

// getAny returns the live head FileRef for name including tombstones, or
// ErrNotFound if no entry (live or dead) exists.
func (a *actor) getAny(ctx context.Context, name string) (*FileRef, error) {
	var result *FileRef
	if forwarded, err := a.forwardToShard(ctx, name, func(o *actor) error {
		f, err := o.getAny(ctx, name)
		result = f
		return err
	}); forwarded {
		return result, err
	}
	f, ok := a.dir.Files[name]
	if !ok {
		return nil, ErrNotFound
	}
	return f, nil
}

// createChildDir installs a brand new, empty sub-directory entry named
// name. If encrypted, a fresh key is generated and stored in the DirRef so
// the key travels with the parent (§4.7). Like put/delete/get, it routes
// through a's shard table first if a has been auto-sharded.
func (a *actor) createChildDir(ctx context.Context, name string, encrypted bool) (*actor, error) {
	var created *actor
	if forwarded, err := a.forwardToShard(ctx, name, func(o *actor) error {
		ca, err := o.createChildDir(ctx, name, encrypted)
		created = ca
		return err
	}); forwarded {
		return created, err
	}
	if _, exists := a.dir.Files[name]; exists {
		return nil, fmt.Errorf("%w: %q is a file", ErrExists, name)
	}
	if _, exists := a.dir.Dirs[name]; exists {
		return nil, fmt.Errorf("%w: directory %q", ErrExists, name)
	}
	var key []byte
	if encrypted {
		k, err := newDirKey()
		if err != nil {
			return nil, err
		}
		key = k
	}
	child := NewDirV1()
	child.Header.Encrypted = encrypted
	ref := &DirRef{Key: key}
	a.dir.Dirs[name] = ref
	a.markDirty()

	ca := newActor(a.tree, child, key, ParentLink{Kind: ParentDirEntry, ParentActor: a, ChildName: name})
	ca.dirty = true // never persisted; even an empty directory must save once
	a.children[name] = ca
	return ca, nil
}

// resolveChild returns the live actor for path component name, spawning or
// lazily loading it as needed. If the directory is sharded, name is routed
// to its shard bucket first and the lookup continues inside that shard
// actor. createMissing controls whether an absent name is created fresh
// (inheriting this actor's encryption) or reported as ErrNotFound, per
// §4.2's create-missing / reject-missing resolution modes.
func (a *actor) resolveChild(ctx context.Context, name string, createMissing bool) (*actor, error) {
	if a.dir.Sharded() {
		inherit := a.dir.Header.Encrypted
		shardActor, err := a.loadShardActor(ctx, shardBucket(name))
		if err != nil {
			return nil, err
		}
		var child *actor
		var resolveErr error
		if err := shardActor.submit(ctx, func(s *actor) {
			child, resolveErr = s.resolveChildUnsharded(ctx, name, createMissing, inherit)
		}); err != nil {
			return nil, err
		}
		return child, resolveErr
	}
	return a.resolveChildUnsharded(ctx, name, createMissing, a.dir.Header.Encrypted)
}

func (a *actor) resolveChildUnsharded(ctx context.Context, name string, createMissing bool, inheritEncrypted bool) (*actor, error) {
	if ca, ok := a.children[name]; ok {
		return ca, nil
	}
	if _, isFile := a.dir.Files[name]; isFile {
		return nil, fmt.Errorf("%w: %q is a file", ErrInvariant, name)
	}
	ref, isDir := a.dir.Dirs[name]
	if !isDir {
		if !createMissing {
			return nil, ErrNotFound
		}
		ca, err := a.createChildDir(ctx, name, inheritEncrypted)
		return ca, err
	}
	key, err := childKey(ref)
	if err != nil {
		return nil, err
	}
	child, err := a.tree.loadDir(ctx, ref.Hash, key)
	if err != nil {
		return nil, err
	}
	ca := newActor(a.tree, child, key, ParentLink{Kind: ParentDirEntry, ParentActor: a, ChildName: name})
	ca.hash = ref.Hash
	ca.size = ref.Size
	a.children[name] = ca
	return ca, nil
}

// loadShardActor returns the live actor for shard bucket, lazily loading it
// from the shard table if not already spawned.
func (a *actor) loadShardActor(ctx context.Context, bucket uint8) (*actor, error) {
	key := shardChildKey(bucket)
	if ca, ok := a.children[key]; ok {
		return ca, nil
	}
	ref, ok := a.dir.Header.Shards[bucket]
	if !ok {
		return nil, fmt.Errorf("%w: shard bucket %d missing from header", ErrInvariant, bucket)
	}
	k, err := childKey(&ref)
	if err != nil {
		return nil, err
	}
	dir, err := a.tree.loadDir(ctx, ref.Hash, k)
	if err != nil {
		return nil, err
	}
	ca := newActor(a.tree, dir, k, ParentLink{Kind: ParentDirEntry, ParentActor: a, IsShard: true, ShardBucket: bucket})
	ca.hash = ref.Hash
	ca.size = ref.Size
	a.children[key] = ca
	return ca, nil
}

// maybeShard promotes this directory to sharded storage once its plain
// encoded size exceeds shardThreshold (§4.3 Auto-sharding). Promotion moves
// every Files/Dirs entry into shardCount per-bucket child directories and
// clears the top-level maps; subsequent reads route through the shard
// table. This directory's own key (if encrypted) is not shared with the
// shard children — each shard child is created with its own fresh key only
// if the parent itself is encrypted, so the whole subtree stays opaque.
func (a *actor) maybeShard(ctx context.Context) error {
	if a.dir.Sharded() {
		return nil
	}
	if a.parent.IsShard {
		// Shard buckets don't re-split; a directory that outgrows its 16
		// buckets keeps them, each simply holding more entries.
		return nil
	}
	plain, err := encodePlain(a.dir)
	if err != nil {
		return err
	}
	if len(plain) <= shardThreshold {
		return nil
	}
	slog.Info("[fs5] sharding directory", "actor", a.id, "size", len(plain))

	buckets := make(map[uint8]*DirV1, shardCount)
	for i := uint8(0); i < shardCount; i++ {
		buckets[i] = NewDirV1()
	}
	for name, f := range a.dir.Files {
		b := shardBucket(name)
		buckets[b].Files[name] = f
	}
	for name, d := range a.dir.Dirs {
		b := shardBucket(name)
		buckets[b].Dirs[name] = d
	}

	// Any subdirectory that already has a live actor must be relocated: its
	// new parent becomes the shard-bucket actor that owns its bucket, not
	// this actor directly.
	liveByBucket := make(map[uint8]map[string]*actor)
	for name, child := range a.children {
		if _, wasShardKey := parseShardChildKey(name); wasShardKey {
			continue // already a shard actor from a prior promotion; unreachable pre-promotion but guarded
		}
		b := shardBucket(name)
		if liveByBucket[b] == nil {
			liveByBucket[b] = make(map[string]*actor)
		}
		liveByBucket[b][name] = child
		delete(a.children, name)
	}

	shards := make(map[uint8]DirRef, shardCount)
	for i, bd := range buckets {
		var key []byte
		if a.dir.Header.Encrypted {
			k, err := newDirKey()
			if err != nil {
				return err
			}
			key = k
		}
		bytesOut, hash, err := encodeSnapshot(bd, key)
		if err != nil {
			return err
		}
		if err := a.tree.store.Put(ctx, hash, bytesOut); err != nil {
			return &StoreError{Op: "put", Hash: hash, Err: err}
		}
		shards[i] = DirRef{Hash: hash, Size: uint64(len(bytesOut)), Key: key}

		if live := liveByBucket[i]; len(live) > 0 {
			bucketActor := newActor(a.tree, bd, key, ParentLink{Kind: ParentDirEntry, ParentActor: a, IsShard: true, ShardBucket: i})
			bucketActor.hash = hash
			bucketActor.size = uint64(len(bytesOut))
			bucketActor.dirty = true // carries relocated live state not yet reflected in the bytes just stored
			for name, child := range live {
				// Reparent through the child's own mailbox: the link is
				// read on the child's goroutine during its saves.
				newLink := ParentLink{Kind: ParentDirEntry, ParentActor: bucketActor, ChildName: name}
				if err := child.submit(ctx, func(c *actor) { c.parent = newLink }); err != nil {
					return err
				}
				bucketActor.children[name] = child
			}
			a.children[shardChildKey(i)] = bucketActor
		}
	}

	a.dir.Header.Shards = shards
	a.dir.Files = make(map[string]*FileRef)
	a.dir.Dirs = make(map[string]*DirRef)
	return nil
}

// parseShardChildKey reports whether key is a shard-bucket children-map key
// (as produced by shardChildKey) and, if so, its bucket index.
func parseShardChildKey(key string) (uint8, bool) {
	if len(key) < 2 || key[0] != '#' {
		return 0, false
	}
	var b uint8
	if _, err := fmt.Sscanf(key[1:], "%d", &b); err != nil {
		return 0, false
	}
	return b, true
}

// mergeSnapshot folds other into this actor's live directory via LWW merge
// and marks the actor dirty, per the façade's merge_from_snapshot (§4.9).
func (a *actor) mergeSnapshot(ctx context.Context, other *DirV1) error {
	merged, err := a.tree.Merge(ctx, a.dir, other)
	if err != nil {
		return err
	}
	a.dropChildren()
	a.dir = merged
	a.markDirty()
	return nil
}

// dropChildren closes and forgets every live child actor. Called after a
// merge replaces a.dir wholesale: live children hold pre-merge state, and
// letting a later save re-install their refs would silently undo the
// merge. Subsequent access reloads children from the merged refs; handles
// still bound to a dropped child get ErrClosed.
func (a *actor) dropChildren() {
	for k, child := range a.children {
		closeActorTree(child)
		delete(a.children, k)
	}
}

// sortedShardBuckets returns the shard indices in ascending order, for
// stable iteration order during listing and GC.
func sortedShardBuckets(shards map[uint8]DirRef) []uint8 {
	out := make([]uint8, 0, len(shards))
	for k := range shards {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
