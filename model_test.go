// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package fs5

import "testing"

func TestNewVersionChain(t *testing.T) {
	h1 := HashBytes([]byte("v1"))
	v1 := NewVersion(nil, h1, 2, "", 10, nil)
	if v1.VersionCount != 1 || v1.FirstVersion != 10 {
		t.Fatalf("v1 = %+v, want VersionCount=1 FirstVersion=10", v1)
	}

	h2 := HashBytes([]byte("v2"))
	v2 := NewVersion(v1, h2, 2, "", 20, nil)
	if v2.VersionCount != 2 {
		t.Fatalf("v2.VersionCount = %d, want 2", v2.VersionCount)
	}
	if v2.FirstVersion != 10 {
		t.Fatalf("v2.FirstVersion = %d, want 10 (inherited)", v2.FirstVersion)
	}
	if v2.Prev != v1 {
		t.Fatal("v2.Prev must be v1")
	}

	// P2: walking prev yields exactly version_count - 1 references.
	count := 0
	for cur := v2.Prev; cur != nil; cur = cur.Prev {
		count++
	}
	if count != int(v2.VersionCount)-1 {
		t.Fatalf("prev chain length = %d, want %d", count, v2.VersionCount-1)
	}
}

func TestNewTombstonePreservesPrev(t *testing.T) {
	v1 := NewVersion(nil, HashBytes([]byte("a")), 1, "", 5, nil)
	ts := NewTombstone(v1, 30)
	if !ts.IsTombstone() {
		t.Fatal("NewTombstone must produce a tombstone")
	}
	if ts.Prev != v1 {
		t.Fatal("tombstone prev must be the prior head")
	}
	if ts.VersionCount != 2 {
		t.Fatalf("VersionCount = %d, want 2", ts.VersionCount)
	}

	// Deleting with no prior entry still records version_count == 1.
	bare := NewTombstone(nil, 1)
	if bare.VersionCount != 1 {
		t.Fatalf("bare tombstone VersionCount = %d, want 1", bare.VersionCount)
	}
}

func TestDirV1CloneIndependence(t *testing.T) {
	d := NewDirV1()
	d.Files["a"] = NewVersion(nil, HashBytes([]byte("a")), 1, "", 1, nil)
	d.Dirs["b"] = &DirRef{Hash: HashBytes([]byte("b-dir"))}

	c := d.Clone()
	c.Files["new"] = NewVersion(nil, Hash{}, 0, "", 2, nil)
	c.Dirs["b"].Hash = Hash{}

	if _, ok := d.Files["new"]; ok {
		t.Fatal("mutating clone's Files must not affect original")
	}
	if d.Dirs["b"].Hash.IsZero() {
		t.Fatal("mutating clone's DirRef must not affect original's DirRef")
	}
}

func TestDirRefEncrypted(t *testing.T) {
	plain := &DirRef{Hash: HashBytes([]byte("x"))}
	if plain.Encrypted() {
		t.Fatal("DirRef with no key must not report Encrypted")
	}
	enc := &DirRef{Hash: HashBytes([]byte("x")), Key: make([]byte, 32)}
	if !enc.Encrypted() {
		t.Fatal("DirRef with key must report Encrypted")
	}
}
