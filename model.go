// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package fs5

import "time"

// FileKind discriminates a FileRef's variant.
type FileKind uint8

const (
	// KindContentBlob is a regular file backed by an immutable blob.
	KindContentBlob FileKind = 0

	// KindTombstone records a deletion; it carries no content hash.
	KindTombstone FileKind = 1
)

// BlobLocationKind tags how to fetch a blob.
type BlobLocationKind uint8

const (
	LocationInline BlobLocationKind = 0
	LocationURL    BlobLocationKind = 1
	LocationPeer   BlobLocationKind = 2
	LocationSia    BlobLocationKind = 3
)

// BlobLocation is a tagged description of how to fetch a blob, with
// optional wrapping transforms applied on top of the plaintext content.
type BlobLocation struct {
	Kind BlobLocationKind `cbor:"1,keyasint"`

	// Inline carries the bytes directly when Kind == LocationInline.
	Inline []byte `cbor:"2,keyasint,omitempty"`

	// URL carries a fetch URL when Kind == LocationURL.
	URL string `cbor:"3,keyasint,omitempty"`

	// PeerID carries an opaque peer identifier when Kind == LocationPeer.
	PeerID string `cbor:"4,keyasint,omitempty"`

	// SiaObject carries a Sia object reference when Kind == LocationSia.
	SiaObject string `cbor:"5,keyasint,omitempty"`

	// EncryptionNonce, if non-empty, is prepended to the fetched bytes
	// before AEAD decryption (a wrapping transform, distinct from the
	// directory-level encryption of the snapshot itself).
	EncryptionNonce []byte `cbor:"6,keyasint,omitempty"`

	// Compressed indicates the fetched bytes are compressed and must be
	// inflated before use.
	Compressed bool `cbor:"7,keyasint,omitempty"`
}

// FileRef is the metadata for one file version, or a tombstone recording a
// deletion. FileRef values form a singly linked version chain through Prev.
type FileRef struct {
	Kind FileKind `cbor:"1,keyasint"`

	// Hash is the plaintext content hash. Absent (zero) for tombstones.
	Hash Hash `cbor:"2,keyasint,omitempty"`

	Size uint64 `cbor:"3,keyasint,omitempty"`

	// MediaType is an optional MIME-ish content type hint.
	MediaType string `cbor:"4,keyasint,omitempty"`

	// Timestamp is seconds since epoch, used as the LWW tiebreaker. Zero
	// means "no timestamp supplied".
	Timestamp uint32 `cbor:"5,keyasint,omitempty"`

	// Locations optionally lists redundant fetch locations for Hash.
	Locations []BlobLocation `cbor:"6,keyasint,omitempty"`

	// Prev is the previous version this one supersedes, or nil if this is
	// the first version.
	Prev *FileRef `cbor:"7,keyasint,omitempty"`

	// FirstVersion is the timestamp of the oldest version in the chain.
	FirstVersion uint32 `cbor:"8,keyasint,omitempty"`

	// VersionCount is 1 + Prev.VersionCount, or 1 if Prev is nil.
	VersionCount uint32 `cbor:"9,keyasint"`
}

// IsTombstone reports whether f records a deletion.
func (f *FileRef) IsTombstone() bool {
	return f != nil && f.Kind == KindTombstone
}

// NewVersion builds the FileRef that results from writing content (hash,
// size, mediaType, timestamp) on top of the current head prev (which may be
// nil if the name had no prior entry). It establishes VersionCount and
// FirstVersion per the version-chain invariants in §3.
func NewVersion(prev *FileRef, hash Hash, size uint64, mediaType string, timestamp uint32, locations []BlobLocation) *FileRef {
	f := &FileRef{
		Kind:      KindContentBlob,
		Hash:      hash,
		Size:      size,
		MediaType: mediaType,
		Timestamp: timestamp,
		Locations: locations,
		Prev:      prev,
	}
	f.VersionCount = 1
	f.FirstVersion = timestamp
	if prev != nil {
		f.VersionCount = 1 + prev.VersionCount
		f.FirstVersion = prev.FirstVersion
	}
	return f
}

// NewTombstone builds the tombstone FileRef appended on delete. If prev is
// nil the delete is still recorded as a VersionCount==1 tombstone head, per
// §4.3 Delete semantics.
func NewTombstone(prev *FileRef, timestamp uint32) *FileRef {
	f := &FileRef{
		Kind:      KindTombstone,
		Timestamp: timestamp,
		Prev:      prev,
	}
	f.VersionCount = 1
	f.FirstVersion = timestamp
	if prev != nil {
		f.VersionCount = 1 + prev.VersionCount
		f.FirstVersion = prev.FirstVersion
	}
	return f
}

// DirRef points to a sub-directory snapshot: its content hash, size, optional
// redundant locations, optional per-directory key (for an encrypted child),
// and optional registry public key for a registry-rooted child.
type DirRef struct {
	Hash      Hash           `cbor:"1,keyasint"`
	Size      uint64         `cbor:"2,keyasint,omitempty"`
	Locations []BlobLocation `cbor:"3,keyasint,omitempty"`

	// Key is 32 bytes of XChaCha20-Poly1305 key material for the child
	// this DirRef points to, or nil if the child is not encrypted.
	// Reserved wire index 0x0e per §4.7.
	Key []byte `cbor:"14,keyasint,omitempty"`

	// RegistryPubKey, if set, means the child is reached via a
	// RegistryKey parent link rather than being embedded in this dirs map.
	RegistryPubKey []byte `cbor:"15,keyasint,omitempty"`
}

// Encrypted reports whether this DirRef carries key material.
func (r *DirRef) Encrypted() bool {
	return r != nil && len(r.Key) > 0
}

// DirHeader is the snapshot header: version tag, optional shard table,
// encryption marker, and auxiliary metadata.
type DirHeader struct {
	Version uint8 `cbor:"1,keyasint"`

	// Shards holds the shard table when this directory has been promoted
	// to sharded storage (§4.3 Auto-sharding). Keyed by bucket index.
	Shards map[uint8]DirRef `cbor:"2,keyasint,omitempty"`

	// Encrypted marks that this snapshot's own bytes are wrapped in
	// XChaCha20-Poly1305 (the key itself lives in the parent's DirRef,
	// not here — see §4.7).
	Encrypted bool `cbor:"3,keyasint,omitempty"`

	// Unknown carries any integer header keys this build doesn't
	// recognize, so they round-trip untouched (forward compatibility).
	Unknown map[uint64]any `cbor:"-"`
}

const dirV1Version uint8 = 1

// DirV1 is one immutable directory snapshot.
type DirV1 struct {
	Header DirHeader `cbor:"1,keyasint"`

	// Files maps name -> live head FileRef. Disjoint from Dirs by name.
	Files map[string]*FileRef `cbor:"2,keyasint,omitempty"`

	// Dirs maps name -> DirRef. Disjoint from Files by name.
	Dirs map[string]*DirRef `cbor:"3,keyasint,omitempty"`
}

// NewDirV1 returns an empty, unsharded, unencrypted snapshot.
func NewDirV1() *DirV1 {
	return &DirV1{
		Header: DirHeader{Version: dirV1Version},
		Files:  make(map[string]*FileRef),
		Dirs:   make(map[string]*DirRef),
	}
}

// Sharded reports whether the directory has been promoted to shard storage.
func (d *DirV1) Sharded() bool {
	return len(d.Header.Shards) > 0
}

// Clone returns a deep-enough copy of d for safe mutation by a caller that
// must not observe the actor's live state (e.g. ExportSnapshot, Merge
// inputs). FileRef/DirRef chains are immutable once built, so only the
// containing maps and header need copying.
func (d *DirV1) Clone() *DirV1 {
	out := &DirV1{
		Header: DirHeader{
			Version:   d.Header.Version,
			Encrypted: d.Header.Encrypted,
		},
		Files: make(map[string]*FileRef, len(d.Files)),
		Dirs:  make(map[string]*DirRef, len(d.Dirs)),
	}
	if d.Header.Unknown != nil {
		out.Header.Unknown = make(map[uint64]any, len(d.Header.Unknown))
		for k, v := range d.Header.Unknown {
			out.Header.Unknown[k] = v
		}
	}
	for k, v := range d.Files {
		out.Files[k] = v
	}
	for k, v := range d.Dirs {
		ref := *v
		out.Dirs[k] = &ref
	}
	if d.Header.Shards != nil {
		out.Header.Shards = make(map[uint8]DirRef, len(d.Header.Shards))
		for k, v := range d.Header.Shards {
			out.Header.Shards[k] = v
		}
	}
	return out
}

// ParentLinkKind discriminates how a directory is reached from above.
type ParentLinkKind uint8

const (
	ParentLocalFile ParentLinkKind = iota
	ParentRegistryKey
	ParentDirEntry
)

// ParentLink describes how an actor's latest hash is discovered and
// advanced on save (§3 Parent link).
type ParentLink struct {
	Kind ParentLinkKind

	// LocalFilePath is set for ParentLocalFile: the path to the CBOR file
	// holding the current DirRef (conventionally "root.fs5.cbor").
	LocalFilePath string

	// RegistryPubKey/RegistryPrivKey are set for ParentRegistryKey.
	RegistryPubKey  []byte
	RegistryPrivKey []byte

	// ParentActor/ChildName are set for ParentDirEntry: the owning
	// actor and the name of this directory in the parent's Dirs map.
	// When IsShard is true, ChildName is unused and ShardBucket selects
	// the slot in the parent's Header.Shards table instead.
	ParentActor *actor
	ChildName   string
	IsShard     bool
	ShardBucket uint8
}

// timeNow is overridable in tests; production code always uses time.Now.
var timeNow = time.Now

func unixSeconds() uint32 {
	return uint32(timeNow().Unix())
}
