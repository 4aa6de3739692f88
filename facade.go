// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package fs5

import (
	"context"
	"errors"
	"fmt"
)

// Handle is an ergonomic, path-keyed view bound to one actor in the tree
// (§4.9). The root Handle is obtained from Tree.Root; subdir Handles chain
// off it.
type Handle struct {
	tree *Tree
	dir  *actor
}

// Root returns a Handle bound to t's root actor.
func (t *Tree) Root() *Handle {
	return &Handle{tree: t, dir: t.root}
}

// resolveParent walks all but the last component of parts, returning the
// actor that should own the final component and that component's name.
func (h *Handle) resolveParent(ctx context.Context, path string, createMissing bool) (*actor, string, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, "", err
	}
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("%w: empty path", ErrBadFormat)
	}
	cur := h.dir
	for _, c := range parts[:len(parts)-1] {
		var next *actor
		var resolveErr error
		submitErr := cur.submit(ctx, func(a *actor) {
			next, resolveErr = a.resolveChild(ctx, c, createMissing)
		})
		if submitErr != nil {
			return nil, "", submitErr
		}
		if resolveErr != nil {
			return nil, "", resolveErr
		}
		cur = next
	}
	return cur, parts[len(parts)-1], nil
}

// FilePut enqueues a write and returns immediately after the enqueue
// lands in the owning actor's mailbox — it does not wait for the mutation
// to execute, matching the fire-and-forget half of §4.9's dual API. The
// enqueue itself is synchronous so two FilePuts to the same directory
// still execute in call order. An error returned by the deferred mutation
// is discarded and reported nowhere; FilePutSync is the variant that
// returns it.
func (h *Handle) FilePut(ctx context.Context, path string, hash Hash, size uint64, mediaType string, timestamp uint32, locations []BlobLocation) error {
	owner, name, err := h.resolveParent(ctx, path, true)
	if err != nil {
		return err
	}
	return owner.enqueue(func(a *actor) {
		_ = a.put(context.Background(), name, hash, size, mediaType, timestamp, locations)
	})
}

// FilePutSync is FilePut's durable counterpart: it awaits completion.
func (h *Handle) FilePutSync(ctx context.Context, path string, hash Hash, size uint64, mediaType string, timestamp uint32, locations []BlobLocation) error {
	owner, name, err := h.resolveParent(ctx, path, true)
	if err != nil {
		return err
	}
	var putErr error
	err = owner.submit(ctx, func(a *actor) {
		putErr = a.put(ctx, name, hash, size, mediaType, timestamp, locations)
	})
	if err != nil {
		return err
	}
	return putErr
}

// FileGet returns the live head FileRef at path, or ErrNotFound.
func (h *Handle) FileGet(ctx context.Context, path string) (*FileRef, error) {
	owner, name, err := h.resolveParent(ctx, path, false)
	if err != nil {
		return nil, err
	}
	var result *FileRef
	var getErr error
	err = owner.submit(ctx, func(a *actor) {
		result, getErr = a.get(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return result, getErr
}

// FileGetAny returns the head FileRef at path including tombstones.
func (h *Handle) FileGetAny(ctx context.Context, path string) (*FileRef, error) {
	owner, name, err := h.resolveParent(ctx, path, false)
	if err != nil {
		return nil, err
	}
	var result *FileRef
	var getErr error
	err = owner.submit(ctx, func(a *actor) {
		result, getErr = a.getAny(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return result, getErr
}

// FileExists reports whether path has a live (non-tombstone) head.
func (h *Handle) FileExists(ctx context.Context, path string) (bool, error) {
	_, err := h.FileGet(ctx, path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// FileDelete appends a tombstone at path. A missing intermediate
// directory is ErrNotFound: there is no snapshot anywhere the deletion
// could be recorded in.
func (h *Handle) FileDelete(ctx context.Context, path string, timestamp uint32) error {
	owner, name, err := h.resolveParent(ctx, path, false)
	if err != nil {
		return err
	}
	var deleteErr error
	if err := owner.submit(ctx, func(a *actor) {
		deleteErr = a.delete(ctx, name, timestamp)
	}); err != nil {
		return err
	}
	return deleteErr
}

// FileMove relocates src to dst. If both resolve under the same owning
// actor it is a single command; otherwise it is a put-then-tombstone
// across two actors, which is not atomic across the pair (§4.9).
func (h *Handle) FileMove(ctx context.Context, src, dst string, timestamp uint32) error {
	srcOwner, srcName, err := h.resolveParent(ctx, src, false)
	if err != nil {
		return err
	}
	dstOwner, dstName, err := h.resolveParent(ctx, dst, true)
	if err != nil {
		return err
	}

	var f *FileRef
	var getErr error
	if err := srcOwner.submit(ctx, func(a *actor) {
		f, getErr = a.get(ctx, srcName)
	}); err != nil {
		return err
	}
	if getErr != nil {
		return getErr
	}

	if srcOwner == dstOwner {
		var moveErr error
		if err := srcOwner.submit(ctx, func(a *actor) {
			if moveErr = a.put(ctx, dstName, f.Hash, f.Size, f.MediaType, timestamp, f.Locations); moveErr != nil {
				return
			}
			moveErr = a.delete(ctx, srcName, timestamp)
		}); err != nil {
			return err
		}
		return moveErr
	}

	var putErr error
	if err := dstOwner.submit(ctx, func(a *actor) {
		putErr = a.put(ctx, dstName, f.Hash, f.Size, f.MediaType, timestamp, f.Locations)
	}); err != nil {
		return err
	}
	if putErr != nil {
		return putErr
	}
	var deleteErr error
	if err := srcOwner.submit(ctx, func(a *actor) {
		deleteErr = a.delete(ctx, srcName, timestamp)
	}); err != nil {
		return err
	}
	return deleteErr
}

// CreateDir creates an empty subdirectory at path, failing with ErrExists
// if the name is occupied.
func (h *Handle) CreateDir(ctx context.Context, path string, encrypted bool) error {
	owner, name, err := h.resolveParent(ctx, path, true)
	if err != nil {
		return err
	}
	var createErr error
	err = owner.submit(ctx, func(a *actor) {
		_, createErr = a.createChildDir(ctx, name, encrypted || a.dir.Header.Encrypted)
	})
	if err != nil {
		return err
	}
	return createErr
}

// Subdir resolves path (creating intermediate directories as needed,
// inheriting encryption) and returns a Handle bound to it.
func (h *Handle) Subdir(ctx context.Context, path string) (*Handle, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	cur := h.dir
	for _, c := range parts {
		var next *actor
		var resolveErr error
		err := cur.submit(ctx, func(a *actor) {
			next, resolveErr = a.resolveChild(ctx, c, true)
		})
		if err != nil {
			return nil, err
		}
		if resolveErr != nil {
			return nil, resolveErr
		}
		cur = next
	}
	return &Handle{tree: h.tree, dir: cur}, nil
}

// List returns up to limit live entries past cursor, flat across shards.
func (h *Handle) List(ctx context.Context, cursor string, limit int) ([]Entry, string, error) {
	var entries []Entry
	var next string
	var listErr error
	err := h.dir.submit(ctx, func(a *actor) {
		entries, next, listErr = a.list(ctx, cursor, limit)
	})
	if err != nil {
		return nil, "", err
	}
	return entries, next, listErr
}

// Batch runs fn, which may issue any number of FilePut/FileDelete/etc.
// calls against h, then performs a single Save.
func (h *Handle) Batch(ctx context.Context, fn func(h *Handle) error) error {
	if err := fn(h); err != nil {
		return err
	}
	return h.Save(ctx)
}

// Save recursively persists h's actor and every dirty descendant (§4.4).
// For a Handle bound below the root, the subtree's snapshots are durable
// in the blob store afterward, but the ancestors' pointers advance only on
// their own saves: a parent's recursive save always re-reads each live
// child's current hash, so the new subtree is picked up then.
func (h *Handle) Save(ctx context.Context) error {
	_, err := h.SaveWithStats(ctx)
	return err
}

// SaveWithStats is Save plus dedup accounting: how many snapshot blobs the
// recursive save actually wrote versus found already present by content
// hash, and the bytes that moved.
func (h *Handle) SaveWithStats(ctx context.Context) (SaveStats, error) {
	var stats SaveStats
	var saveErr error
	err := h.dir.submit(ctx, func(a *actor) {
		_, saveErr = a.save(ctx, &stats)
	})
	if err != nil {
		return stats, err
	}
	return stats, saveErr
}

// MergeFromSnapshot folds other into h's live directory via LWW merge.
func (h *Handle) MergeFromSnapshot(ctx context.Context, other *DirV1) error {
	var mergeErr error
	err := h.dir.submit(ctx, func(a *actor) {
		mergeErr = a.mergeSnapshot(ctx, other)
	})
	if err != nil {
		return err
	}
	return mergeErr
}

// ExportSnapshot returns a detached copy of h's current in-memory DirV1,
// including tombstone chains (§8 P3).
func (h *Handle) ExportSnapshot(ctx context.Context) (*DirV1, error) {
	var out *DirV1
	err := h.dir.submit(ctx, func(a *actor) {
		out = a.dir.Clone()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
