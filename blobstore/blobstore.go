// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package blobstore provides the content-addressed byte store fs5 writes
// encoded directory snapshots (and, transitively, file blobs) into.
package blobstore

import (
	"context"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned by Get/Delete for a hash the store does not hold.
var ErrNotFound = errors.New("blobstore: not found")

// ErrHashMismatch is returned by Put when the caller-supplied hash does not
// match the hash of the bytes it is paired with.
var ErrHashMismatch = errors.New("blobstore: hash mismatch")

// Store is the content-addressed KV contract fs5's persistence layer
// consumes. Implementations MUST be safe for concurrent use and MUST make
// Put atomic per blob: a concurrent Get either sees the full value or
// ErrNotFound, never a partial write.
type Store interface {
	// Put writes bytes under hash. It is idempotent: writing the same
	// hash twice with byte-identical content succeeds silently.
	// Implementations MUST reject a Put with mismatched hash->bytes.
	Put(ctx context.Context, hash [32]byte, bytes []byte) error

	// Get returns the bytes stored under hash, or ErrNotFound.
	Get(ctx context.Context, hash [32]byte) ([]byte, error)

	// Exists reports whether hash is present, without fetching bytes.
	Exists(ctx context.Context, hash [32]byte) (bool, error)

	// Delete removes hash. Used only by garbage collection sweeps, never
	// by normal write paths. Deleting an absent hash is a no-op.
	Delete(ctx context.Context, hash [32]byte) error
}

func hashHex(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}
