// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package fs5

import (
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest. Equality is byte equality.
type Hash [32]byte

// ShortString returns the first 8 hex bytes, for log lines.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash (used as a sentinel for
// "no value" in fields like FileRef.Hash on a tombstone).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashBytes computes the BLAKE3 hash of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashReader computes the BLAKE3 hash of everything read from r.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, err
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, n, nil
}

// BlobId identifies a single immutable byte blob by hash and size.
type BlobId struct {
	Hash Hash
	Size uint64
}
