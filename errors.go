// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package fs5

import (
	"errors"
	"fmt"

	"github.com/fs5-dev/fs5/blobstore"
)

// Error taxonomy. Every failure mode the core surfaces is one of these
// sentinels (or wraps one), so callers can branch with errors.Is.
var (
	// ErrNotFound is returned when a path or hash does not exist.
	ErrNotFound = errors.New("fs5: not found")

	// ErrExists is returned by CreateDir onto an occupied name.
	ErrExists = errors.New("fs5: already exists")

	// ErrBadFormat is returned when CBOR decoding of a snapshot fails.
	ErrBadFormat = errors.New("fs5: bad snapshot format")

	// ErrBadCipher is returned when AEAD decryption fails (wrong key or
	// tampered bytes).
	ErrBadCipher = errors.New("fs5: bad cipher")

	// ErrMissingKey is returned when an encrypted child is loaded without
	// key material.
	ErrMissingKey = errors.New("fs5: missing encryption key")

	// ErrIncompatibleEncryption is returned when merging two snapshots
	// whose encryption states (or keys) diverge.
	ErrIncompatibleEncryption = errors.New("fs5: incompatible encryption")

	// ErrRegistryConflict is returned when a registry save exhausts its
	// retry budget against repeated stale-revision responses.
	ErrRegistryConflict = errors.New("fs5: registry conflict")

	// ErrTransient is returned for blob-store/registry I/O errors and
	// timeouts. The actor remains dirty and the caller may retry Save.
	ErrTransient = errors.New("fs5: transient failure")

	// ErrInvariant is returned when a detected inconsistency would violate
	// a core invariant (e.g. hash(bytes) != stored hash).
	ErrInvariant = errors.New("fs5: invariant violation")

	// ErrClosed is returned when an operation is attempted on a handle or
	// actor whose owning tree has been torn down.
	ErrClosed = errors.New("fs5: handle closed")
)

// StoreError wraps an error surfaced by a blob store implementation with the
// operation and hash it concerned, for collaborators that want richer
// diagnostics than a bare sentinel.
type StoreError struct {
	Op   string
	Hash Hash
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("fs5: blob store %s %s: %v", e.Op, e.Hash.ShortString(), e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is classifies a StoreError per §7: a hash the store does not hold is
// ErrNotFound; every other blob-store failure is the transient class a
// caller may retry Save against.
func (e *StoreError) Is(target error) bool {
	if errors.Is(e.Err, blobstore.ErrNotFound) {
		return target == ErrNotFound
	}
	return target == ErrTransient
}

// RegistryError wraps an error surfaced by a Registry implementation.
type RegistryError struct {
	Op  string
	Key string
	Err error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("fs5: registry %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// Is reports a RegistryError as an ErrTransient match, same rationale as
// StoreError.Is.
func (e *RegistryError) Is(target error) bool { return target == ErrTransient }

// IsTransient reports whether err is, or wraps, ErrTransient — the signal
// that a caller may retry the failed operation (typically Save).
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
