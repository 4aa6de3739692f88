// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package fs5

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// dirKeySize is the XChaCha20-Poly1305 key size used for per-directory
// encryption (§4.7).
const dirKeySize = chacha20poly1305.KeySize

// newDirKey generates fresh random key material for a newly created
// encrypted directory.
func newDirKey() ([]byte, error) {
	key := make([]byte, dirKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("fs5: generating directory key: %w", err)
	}
	return key, nil
}

// childKey resolves the key needed to load/save the child a DirRef points
// to. Every encrypted child carries its own key in DirRef.Key — a child
// never shares its parent's key; encryption inheritance (§4.2) means a
// child created under an encrypted ancestor gets a fresh key of its own,
// stored here so that loading the parent is sufficient to load the child.
func childKey(ref *DirRef) ([]byte, error) {
	if ref == nil {
		return nil, nil
	}
	if !ref.Encrypted() {
		return nil, nil
	}
	if len(ref.Key) != dirKeySize {
		return nil, fmt.Errorf("%w: directory key has wrong length %d", ErrBadCipher, len(ref.Key))
	}
	return ref.Key, nil
}

