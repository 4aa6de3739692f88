// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package registry provides the signed, monotonically-revisioned KV
// contract fs5 uses for RegistryKey parent links.
package registry

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
)

// ErrConflict is returned by Set when revision is not strictly greater
// than the stored revision for Key; Current carries the stored entry so
// the caller can merge and retry.
type ErrConflict struct {
	Current StreamMessage
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("registry: stale revision, current is %d", e.Current.Revision)
}

// ErrBadSignature is returned by Set when the signature does not verify
// against Key.
var ErrBadSignature = errors.New("registry: bad signature")

// StreamMessage is one signed, revisioned entry: the payload is the CBOR
// encoding of a DirRef, key is the ed25519 public key identifying the
// stream, and Signature covers Key||Revision(big-endian u64)||Payload.
type StreamMessage struct {
	Key       ed25519.PublicKey
	Revision  uint64
	Payload   []byte
	Signature []byte
}

// SigningBytes returns the byte sequence a StreamMessage's Signature
// covers.
func SigningBytes(key ed25519.PublicKey, revision uint64, payload []byte) []byte {
	out := make([]byte, 0, len(key)+8+len(payload))
	out = append(out, key...)
	var rev [8]byte
	for i := 0; i < 8; i++ {
		rev[7-i] = byte(revision >> (8 * i))
	}
	out = append(out, rev[:]...)
	out = append(out, payload...)
	return out
}

// Sign produces the Signature field for a StreamMessage with the given
// fields, using priv.
func Sign(priv ed25519.PrivateKey, pub ed25519.PublicKey, revision uint64, payload []byte) []byte {
	return ed25519.Sign(priv, SigningBytes(pub, revision, payload))
}

// Verify reports whether msg's signature is valid for msg.Key.
func Verify(msg StreamMessage) bool {
	if len(msg.Key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(msg.Key, SigningBytes(msg.Key, msg.Revision, msg.Payload), msg.Signature)
}

// Registry is the external KV contract fs5's persistence layer consumes
// for RegistryKey parent links.
type Registry interface {
	// Get returns the current StreamMessage for key, or (zero, false, nil)
	// if the stream has never been written.
	Get(ctx context.Context, key ed25519.PublicKey) (StreamMessage, bool, error)

	// Set stores msg if msg.Revision is strictly greater than the stored
	// revision (if any) for msg.Key, and msg's signature verifies. A
	// signature that does not verify is rejected (MemRegistry returns
	// ErrBadSignature); a stale revision returns *ErrConflict with the
	// stored entry.
	Set(ctx context.Context, msg StreamMessage) error
}

// MemRegistry is an in-memory Registry, a reference implementation and
// test double.
type MemRegistry struct {
	mu      sync.Mutex
	entries map[string]StreamMessage
}

// NewMemRegistry returns an empty MemRegistry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{entries: make(map[string]StreamMessage)}
}

func (r *MemRegistry) Get(_ context.Context, key ed25519.PublicKey) (StreamMessage, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.entries[string(key)]
	return msg, ok, nil
}

func (r *MemRegistry) Set(_ context.Context, msg StreamMessage) error {
	if !Verify(msg) {
		return ErrBadSignature
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[string(msg.Key)]
	if ok && msg.Revision <= current.Revision {
		return &ErrConflict{Current: current}
	}
	r.entries[string(msg.Key)] = msg
	return nil
}
