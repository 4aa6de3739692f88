// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package fs5

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
)

// EntryKind discriminates a listing entry.
type EntryKind uint8

const (
	EntryFile EntryKind = 0
	EntryDir  EntryKind = 1
)

// Entry is one name in a flat directory listing.
type Entry struct {
	Name string
	Kind EntryKind
}

// cursorState is the CBOR tuple a cursor encodes: (bucket, name, kind).
type cursorState struct {
	_      struct{} `cbor:",toarray"`
	Bucket uint8
	Name   string
	Kind   uint8
}

// EncodeCursor renders a cursor opaque token, per §4.6 / §6.
func EncodeCursor(bucket uint8, name string, kind EntryKind) (string, error) {
	b, err := wireEncMode.Marshal(cursorState{Bucket: bucket, Name: name, Kind: uint8(kind)})
	if err != nil {
		return "", fmt.Errorf("fs5: encoding cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeCursor parses a cursor token produced by EncodeCursor.
func DecodeCursor(token string) (bucket uint8, name string, kind EntryKind, err error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, "", 0, fmt.Errorf("%w: cursor not valid base64url", ErrBadFormat)
	}
	var cs cursorState
	if err := wireDecMode.Unmarshal(b, &cs); err != nil {
		return 0, "", 0, fmt.Errorf("%w: cursor not valid CBOR tuple", ErrBadFormat)
	}
	return cs.Bucket, cs.Name, EntryKind(cs.Kind), nil
}

// list returns up to limit live (non-tombstone) entries starting after
// cursor in the flat logical view, and a continuation cursor if more
// remain (§4.6). A sharded directory's shard iterators are merged into one
// global lexicographic stream before pagination, so the result is
// indistinguishable from an unsharded directory holding the same entries
// (§8 P5) — bucket order alone is not name order, since XXH3 routes names
// to buckets independent of their lexicographic position.
func (a *actor) list(ctx context.Context, cursor string, limit int) ([]Entry, string, error) {
	startName := ""
	startKind := EntryKind(0)
	if cursor != "" {
		_, n, k, err := DecodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		startName, startKind = n, k
	}

	if !a.dir.Sharded() {
		return paginate(flatEntries(a.dir), startName, startKind, limit)
	}

	// Per §4.6 step 1, each shard skips its entries <= (last_name, kind)
	// before the shard streams merge. Whole buckets can never be skipped:
	// XXH3 routes names to buckets independent of lexicographic position,
	// so any bucket may still hold names past the cursor.
	var all []Entry
	for _, bucket := range sortedShardBuckets(a.dir.Header.Shards) {
		shardActor, err := a.loadShardActor(ctx, bucket)
		if err != nil {
			return nil, "", err
		}
		var shardEntries []Entry
		if err := shardActor.submit(ctx, func(s *actor) {
			shardEntries = entriesAfter(flatEntries(s.dir), startName, startKind)
		}); err != nil {
			return nil, "", err
		}
		all = append(all, shardEntries...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].Kind < all[j].Kind
	})
	return paginate(all, "", 0, limit)
}

// flatEntries returns d's live Files+Dirs as a sorted Entry slice.
func flatEntries(d *DirV1) []Entry {
	out := make([]Entry, 0, len(d.Files)+len(d.Dirs))
	for name, f := range d.Files {
		if f.IsTombstone() {
			continue
		}
		out = append(out, Entry{Name: name, Kind: EntryFile})
	}
	for name := range d.Dirs {
		out = append(out, Entry{Name: name, Kind: EntryDir})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// entriesAfter returns the suffix of a sorted entries slice strictly past
// (after, afterKind), by binary search.
func entriesAfter(entries []Entry, after string, afterKind EntryKind) []Entry {
	if after == "" && afterKind == 0 {
		return entries
	}
	start := sort.Search(len(entries), func(i int) bool {
		if entries[i].Name != after {
			return entries[i].Name > after
		}
		return entries[i].Kind > afterKind
	})
	return entries[start:]
}

// paginate skips entries <= (after, afterKind) out of an already globally
// sorted entries slice, returns up to limit of the rest, and, if more
// remain, a continuation cursor. The cursor's bucket field records the
// shard bucket the last emitted name routes to (computed the same way
// whether or not the directory is sharded), matching the wire format of §6
// even though resumption itself keys only on (name, kind).
func paginate(entries []Entry, after string, afterKind EntryKind, limit int) ([]Entry, string, error) {
	rest := entriesAfter(entries, after, afterKind)
	if limit <= 0 || len(rest) <= limit {
		return rest, "", nil
	}
	page := rest[:limit]
	last := page[len(page)-1]
	tok, err := EncodeCursor(shardBucket(last.Name), last.Name, last.Kind)
	if err != nil {
		return nil, "", err
	}
	return page, tok, nil
}
