// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"
)

// MemStore is an in-memory Store, useful for tests and as a reference
// implementation of the Store contract.
type MemStore struct {
	mu   sync.RWMutex
	data map[[32]byte][]byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[[32]byte][]byte)}
}

func (s *MemStore) Put(_ context.Context, hash [32]byte, bytes []byte) error {
	if got := blake3.Sum256(bytes); got != hash {
		return fmt.Errorf("%w: got %s want %s", ErrHashMismatch, hashHex(got), hashHex(hash))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.data[hash]; ok {
		if len(existing) != len(bytes) {
			return fmt.Errorf("blobstore: collision at %s: existing size %d, new size %d", hashHex(hash), len(existing), len(bytes))
		}
		return nil
	}
	cp := make([]byte, len(bytes))
	copy(cp, bytes)
	s.data[hash] = cp
	return nil
}

func (s *MemStore) Get(_ context.Context, hash [32]byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[hash]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *MemStore) Exists(_ context.Context, hash [32]byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[hash]
	return ok, nil
}

func (s *MemStore) Delete(_ context.Context, hash [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, hash)
	return nil
}
