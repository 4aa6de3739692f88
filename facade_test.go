// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package fs5

import (
	"context"
	"errors"
	"testing"
)

// TestFacadePutGetRoundTrip is §8 scenario 1.
func TestFacadePutGetRoundTrip(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	h := tr.Root()

	hash := HashBytes([]byte("hello"))
	if err := h.FilePutSync(ctx, "a/b.txt", hash, 5, "text/plain", 1, nil); err != nil {
		t.Fatalf("FilePutSync: %v", err)
	}
	got, err := h.FileGet(ctx, "a/b.txt")
	if err != nil {
		t.Fatalf("FileGet: %v", err)
	}
	if got.Size != 5 || got.Hash != hash || got.VersionCount != 1 {
		t.Fatalf("got = %+v, want Size=5 Hash=%s VersionCount=1", got, hash)
	}
}

// TestFacadeEncryptedSubdirOpaqueOnDisk is §8 scenario 2.
func TestFacadeEncryptedSubdirOpaqueOnDisk(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	h := tr.Root()

	if err := h.CreateDir(ctx, "secret", true); err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	sub, err := h.Subdir(ctx, "secret")
	if err != nil {
		t.Fatalf("Subdir: %v", err)
	}
	hash := HashBytes([]byte("top secret"))
	if err := sub.FilePutSync(ctx, "plan.txt", hash, 11, "", 1, nil); err != nil {
		t.Fatalf("FilePutSync: %v", err)
	}
	if err := h.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap, err := h.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}
	ref := snap.Dirs["secret"]
	if ref == nil || !ref.Encrypted() {
		t.Fatal("root's DirRef for \"secret\" must carry key material")
	}
	bytesOnDisk, err := tr.store.Get(ctx, [32]byte(ref.Hash))
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if _, err := decodePlain(bytesOnDisk); err == nil {
		t.Fatal("encrypted subdir blob must not decode as plain CBOR")
	}
}

// TestFacadeTombstoneSemantics is §8 scenario 3.
func TestFacadeTombstoneSemantics(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	h := tr.Root()

	v1Hash := HashBytes([]byte("v1"))
	v2Hash := HashBytes([]byte("v2"))
	if err := h.FilePutSync(ctx, "x", v1Hash, 1, "", 10, nil); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	if err := h.FilePutSync(ctx, "x", v2Hash, 1, "", 20, nil); err != nil {
		t.Fatalf("put v2: %v", err)
	}
	if err := h.FileDelete(ctx, "x", 30); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := h.FileGet(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FileGet after delete = %v, want ErrNotFound", err)
	}

	snap, err := h.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}
	head := snap.Files["x"]
	if !head.IsTombstone() {
		t.Fatal("exported head must be the tombstone")
	}
	if head.Prev == nil || head.Prev.Hash != v2Hash {
		t.Fatal("tombstone's Prev must be v2")
	}
	if head.Prev.Prev == nil || head.Prev.Prev.Hash != v1Hash {
		t.Fatal("v2's Prev must be v1")
	}
	if head.VersionCount != 3 {
		t.Fatalf("VersionCount = %d, want 3", head.VersionCount)
	}
}

// TestFacadeFilePutFireAndForget: FilePut returns after enqueue, but the
// mutation lands in the same mailbox as later synchronous commands, so a
// subsequent FilePutSync on the same directory observes it completed.
func TestFacadeFilePutFireAndForget(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	h := tr.Root()

	first := HashBytes([]byte("first"))
	if err := h.FilePut(ctx, "f", first, 5, "", 1, nil); err != nil {
		t.Fatalf("FilePut: %v", err)
	}
	// Same mailbox, so this put executes strictly after the enqueued one.
	second := HashBytes([]byte("second"))
	if err := h.FilePutSync(ctx, "f", second, 6, "", 2, nil); err != nil {
		t.Fatalf("FilePutSync: %v", err)
	}

	got, err := h.FileGet(ctx, "f")
	if err != nil {
		t.Fatalf("FileGet: %v", err)
	}
	if got.Hash != second || got.VersionCount != 2 {
		t.Fatalf("got = %+v, want second@VersionCount=2 on top of the enqueued first", got)
	}
	if got.Prev == nil || got.Prev.Hash != first {
		t.Fatal("enqueued FilePut must have executed before the later FilePutSync")
	}
}

func TestFacadeFileExists(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	h := tr.Root()

	if exists, err := h.FileExists(ctx, "missing"); err != nil || exists {
		t.Fatalf("FileExists(missing) = (%v, %v), want (false, nil)", exists, err)
	}
	if err := h.FilePutSync(ctx, "there", HashBytes([]byte("x")), 1, "", 1, nil); err != nil {
		t.Fatalf("FilePutSync: %v", err)
	}
	if exists, err := h.FileExists(ctx, "there"); err != nil || !exists {
		t.Fatalf("FileExists(there) = (%v, %v), want (true, nil)", exists, err)
	}
	if err := h.FileDelete(ctx, "there", 2); err != nil {
		t.Fatalf("FileDelete: %v", err)
	}
	if exists, err := h.FileExists(ctx, "there"); err != nil || exists {
		t.Fatalf("FileExists after delete = (%v, %v), want (false, nil)", exists, err)
	}
}

// TestFacadeFileDeleteMissingIntermediateDir: deleting through a directory
// that was never created must surface ErrNotFound, not silently succeed —
// there is no snapshot the tombstone could be recorded in.
func TestFacadeFileDeleteMissingIntermediateDir(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	h := tr.Root()

	if err := h.FileDelete(ctx, "missing-dir/x.txt", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FileDelete through missing intermediate = %v, want ErrNotFound", err)
	}

	// Deleting an absent name inside an existing directory still records a
	// tombstone, matching the actor-level semantics.
	if err := h.CreateDir(ctx, "present", false); err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	if err := h.FileDelete(ctx, "present/x.txt", 1); err != nil {
		t.Fatalf("FileDelete in existing dir: %v", err)
	}
	got, err := h.FileGetAny(ctx, "present/x.txt")
	if err != nil {
		t.Fatalf("FileGetAny: %v", err)
	}
	if !got.IsTombstone() || got.VersionCount != 1 {
		t.Fatalf("head = %+v, want bare tombstone recording the delete", got)
	}
}

func TestFacadeFileMoveSameActor(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	h := tr.Root()

	hash := HashBytes([]byte("content"))
	if err := h.FilePutSync(ctx, "src.txt", hash, 7, "", 1, nil); err != nil {
		t.Fatalf("FilePutSync: %v", err)
	}
	if err := h.FileMove(ctx, "src.txt", "dst.txt", 2); err != nil {
		t.Fatalf("FileMove: %v", err)
	}
	if _, err := h.FileGet(ctx, "src.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FileGet(src) after move = %v, want ErrNotFound", err)
	}
	got, err := h.FileGet(ctx, "dst.txt")
	if err != nil {
		t.Fatalf("FileGet(dst): %v", err)
	}
	if got.Hash != hash {
		t.Fatalf("moved file hash = %s, want %s", got.Hash, hash)
	}
}

func TestFacadeFileMoveAcrossActors(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	h := tr.Root()

	if err := h.CreateDir(ctx, "a", false); err != nil {
		t.Fatalf("CreateDir a: %v", err)
	}
	if err := h.CreateDir(ctx, "b", false); err != nil {
		t.Fatalf("CreateDir b: %v", err)
	}
	hash := HashBytes([]byte("payload"))
	if err := h.FilePutSync(ctx, "a/f.txt", hash, 7, "", 1, nil); err != nil {
		t.Fatalf("FilePutSync: %v", err)
	}
	if err := h.FileMove(ctx, "a/f.txt", "b/f.txt", 2); err != nil {
		t.Fatalf("FileMove: %v", err)
	}
	if _, err := h.FileGet(ctx, "a/f.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FileGet(a/f.txt) after move = %v, want ErrNotFound", err)
	}
	got, err := h.FileGet(ctx, "b/f.txt")
	if err != nil {
		t.Fatalf("FileGet(b/f.txt): %v", err)
	}
	if got.Hash != hash {
		t.Fatalf("moved file hash = %s, want %s", got.Hash, hash)
	}
}

func TestFacadeBatchSavesOnce(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	h := tr.Root()

	err := h.Batch(ctx, func(h *Handle) error {
		for i := 0; i < 5; i++ {
			name := "batch-" + itoa(i)
			if err := h.FilePutSync(ctx, name, HashBytes([]byte(name)), 1, "", uint32(i), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}

	var dirty bool
	_ = tr.root.submit(ctx, func(a *actor) { dirty = a.dirty })
	if dirty {
		t.Fatal("Batch must end with a Save that leaves the actor clean")
	}
	for i := 0; i < 5; i++ {
		name := "batch-" + itoa(i)
		if _, err := h.FileGet(ctx, name); err != nil {
			t.Fatalf("FileGet(%s) after Batch: %v", name, err)
		}
	}
}

func TestFacadeMergeFromSnapshot(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	h := tr.Root()

	if err := h.FilePutSync(ctx, "p", HashBytes([]byte("p")), 1, "", 1, nil); err != nil {
		t.Fatalf("FilePutSync: %v", err)
	}

	other := NewDirV1()
	other.Files["q"] = NewVersion(nil, HashBytes([]byte("q")), 1, "", 1, nil)
	if err := h.MergeFromSnapshot(ctx, other); err != nil {
		t.Fatalf("MergeFromSnapshot: %v", err)
	}

	if _, err := h.FileGet(ctx, "p"); err != nil {
		t.Fatalf("FileGet(p) after merge: %v", err)
	}
	if _, err := h.FileGet(ctx, "q"); err != nil {
		t.Fatalf("FileGet(q) after merge: %v", err)
	}
}

func TestFacadeCreateDirRejectsOccupiedName(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	h := tr.Root()

	if err := h.FilePutSync(ctx, "name", HashBytes([]byte("x")), 1, "", 1, nil); err != nil {
		t.Fatalf("FilePutSync: %v", err)
	}
	if err := h.CreateDir(ctx, "name", false); !errors.Is(err, ErrExists) {
		t.Fatalf("CreateDir onto a file name = %v, want ErrExists", err)
	}
}

// TestFacadeSubdirInheritsEncryption covers §4.2's "create-missing inherits
// encryption" rule: an intermediate directory auto-created while resolving
// a path under an encrypted ancestor must itself be encrypted.
func TestFacadeSubdirInheritsEncryption(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	h := tr.Root()

	if err := h.CreateDir(ctx, "vault", true); err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	if err := h.FilePutSync(ctx, "vault/deep/nested/secret.txt", HashBytes([]byte("s")), 1, "", 1, nil); err != nil {
		t.Fatalf("FilePutSync through auto-created intermediates: %v", err)
	}

	deep, err := h.Subdir(ctx, "vault/deep")
	if err != nil {
		t.Fatalf("Subdir(vault/deep): %v", err)
	}
	if len(deep.dir.key) == 0 {
		t.Fatal("intermediate directory auto-created under an encrypted ancestor must inherit encryption")
	}
}
