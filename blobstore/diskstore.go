// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// DiskStore is a Store backed by a local directory, fanned out two hex
// characters deep to keep any single directory's entry count reasonable.
// Writes go through create-temp-in-tmpdir, fsync, rename, fsync-parent-dir,
// the same atomic-publish sequence a content-addressed local store needs
// regardless of what it's storing.
type DiskStore struct {
	Root   string
	TmpDir string
}

// NewDiskStore returns a DiskStore rooted at dir, using dir/.tmp for
// staging writes. The caller must ensure dir exists.
func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{Root: dir, TmpDir: filepath.Join(dir, ".tmp")}
}

func (s *DiskStore) pathFor(hash [32]byte) string {
	hx := hashHex(hash)
	return filepath.Join(s.Root, hx[:2], hx)
}

func (s *DiskStore) Put(ctx context.Context, hash [32]byte, bytes []byte) error {
	if got := blake3.Sum256(bytes); got != hash {
		return fmt.Errorf("%w: got %s want %s", ErrHashMismatch, hashHex(got), hashHex(hash))
	}
	finalPath := s.pathFor(hash)
	if st, err := os.Stat(finalPath); err == nil {
		if st.Size() != int64(len(bytes)) {
			return fmt.Errorf("blobstore: collision at %s: existing size %d, new size %d", finalPath, st.Size(), len(bytes))
		}
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat existing blob: %w", err)
	}

	if err := os.MkdirAll(s.TmpDir, 0o755); err != nil {
		return fmt.Errorf("mkdir tmp dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.TmpDir, ".put-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(bytes); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}

	finalDir := filepath.Dir(finalPath)
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		return fmt.Errorf("mkdir blob dir: %w", err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		if st, statErr := os.Stat(finalPath); statErr == nil && st.Size() == int64(len(bytes)) {
			return nil // raced with an equivalent writer
		}
		return fmt.Errorf("rename temp into place: %w", err)
	}
	_ = fsyncDir(finalDir)
	return nil
}

func (s *DiskStore) Get(ctx context.Context, hash [32]byte) ([]byte, error) {
	b, err := os.ReadFile(s.pathFor(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return b, nil
}

func (s *DiskStore) Exists(ctx context.Context, hash [32]byte) (bool, error) {
	_, err := os.Stat(s.pathFor(hash))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *DiskStore) Delete(ctx context.Context, hash [32]byte) error {
	err := os.Remove(s.pathFor(hash))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// fsyncDir flushes directory metadata (the new filename entry) so a
// preceding rename is durable across a crash, not just visible.
func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
