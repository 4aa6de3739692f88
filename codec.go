// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package fs5

import (
	"crypto/rand"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

// wireEncMode encodes with sorted (canonical, byte-wise) map keys so that
// Files/Dirs name maps serialize in lexicographic order regardless of Go's
// randomized map iteration — required by §4.1 for stable hashing.
var wireEncMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("fs5: building cbor encode mode: %v", err))
	}
	return m
}()

var wireDecMode = func() cbor.DecMode {
	m, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("fs5: building cbor decode mode: %v", err))
	}
	return m
}()

const headerKeyVersion = 1
const headerKeyShards = 2
const headerKeyEncrypted = 3

// MarshalCBOR implements cbor.Marshaler so unknown integer header keys
// round-trip untouched (§4.1 forward compatibility).
func (h DirHeader) MarshalCBOR() ([]byte, error) {
	m := make(map[uint64]any, len(h.Unknown)+3)
	for k, v := range h.Unknown {
		m[k] = v
	}
	m[headerKeyVersion] = h.Version
	if len(h.Shards) > 0 {
		m[headerKeyShards] = h.Shards
	}
	if h.Encrypted {
		m[headerKeyEncrypted] = h.Encrypted
	}
	return wireEncMode.Marshal(m)
}

// UnmarshalCBOR implements cbor.Unmarshaler, preserving any integer key it
// does not recognize in Unknown.
func (h *DirHeader) UnmarshalCBOR(data []byte) error {
	var m map[uint64]cbor.RawMessage
	if err := wireDecMode.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: header: %v", ErrBadFormat, err)
	}
	*h = DirHeader{}
	for k, raw := range m {
		switch k {
		case headerKeyVersion:
			if err := wireDecMode.Unmarshal(raw, &h.Version); err != nil {
				return fmt.Errorf("%w: header version: %v", ErrBadFormat, err)
			}
		case headerKeyShards:
			var shards map[uint8]DirRef
			if err := wireDecMode.Unmarshal(raw, &shards); err != nil {
				return fmt.Errorf("%w: header shards: %v", ErrBadFormat, err)
			}
			h.Shards = shards
		case headerKeyEncrypted:
			if err := wireDecMode.Unmarshal(raw, &h.Encrypted); err != nil {
				return fmt.Errorf("%w: header encrypted: %v", ErrBadFormat, err)
			}
		default:
			if h.Unknown == nil {
				h.Unknown = make(map[uint64]any)
			}
			var v any
			if err := wireDecMode.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("%w: header unknown key %d: %v", ErrBadFormat, k, err)
			}
			h.Unknown[k] = v
		}
	}
	return nil
}

// encodePlain serializes d to canonical CBOR, with no encryption
// wrapper.
func encodePlain(d *DirV1) ([]byte, error) {
	b, err := wireEncMode.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrBadFormat, err)
	}
	return b, nil
}

func decodePlain(b []byte) (*DirV1, error) {
	var d DirV1
	if err := wireDecMode.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrBadFormat, err)
	}
	if d.Files == nil {
		d.Files = make(map[string]*FileRef)
	}
	if d.Dirs == nil {
		d.Dirs = make(map[string]*DirRef)
	}
	return &d, nil
}

// encryptWrap wraps plaintext CBOR bytes as nonce(24) || ciphertext || tag(16)
// under XChaCha20-Poly1305 with a fresh random nonce and empty AAD (§4.1).
func encryptWrap(key []byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: bad key: %v", ErrBadCipher, err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("fs5: generating nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// decryptUnwrap reverses encryptWrap.
func decryptUnwrap(key []byte, wrapped []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: bad key: %v", ErrBadCipher, err)
	}
	if len(wrapped) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrBadCipher)
	}
	nonce, ciphertext := wrapped[:chacha20poly1305.NonceSizeX], wrapped[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCipher, err)
	}
	return plaintext, nil
}

// encodeSnapshot encodes d, optionally encrypting with key, and returns the
// final on-blob bytes plus their BLAKE3 hash. The hash is always taken over
// the final bytes (ciphertext if encrypted), per §4.1.
func encodeSnapshot(d *DirV1, key []byte) ([]byte, Hash, error) {
	plain, err := encodePlain(d)
	if err != nil {
		return nil, Hash{}, err
	}
	out := plain
	if len(key) > 0 {
		out, err = encryptWrap(key, plain)
		if err != nil {
			return nil, Hash{}, err
		}
	}
	return out, HashBytes(out), nil
}

// decodeSnapshot reverses encodeSnapshot. key is nil for a plaintext
// snapshot; ErrMissingKey is the caller's responsibility to raise when a
// DirRef says a child is encrypted but no key was supplied.
func decodeSnapshot(bytes []byte, key []byte) (*DirV1, error) {
	plain := bytes
	if len(key) > 0 {
		var err error
		plain, err = decryptUnwrap(key, bytes)
		if err != nil {
			return nil, err
		}
	}
	return decodePlain(plain)
}
