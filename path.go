// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package fs5

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
	"golang.org/x/text/unicode/norm"
)

// shardCount is the fixed number of shard buckets a directory is split into
// once promoted (§4.2, §9 — kept fixed rather than configurable, for
// deterministic bucket routing across readers and writers).
const shardCount = 16

// shardThreshold is the encoded-size trigger for auto-sharding a directory
// (§4.3, §9 — fixed for the same reason as shardCount).
const shardThreshold = 64 * 1024

// splitPath normalizes and splits a slash-separated path into its non-empty
// components. Leading/trailing slashes are stripped; "." and ".." components
// and empty components (from "//") are rejected.
func splitPath(p string) ([]string, error) {
	cleaned := norm.NFC.String(p)
	cleaned = strings.Trim(cleaned, "/")
	if cleaned == "" {
		return nil, nil
	}
	parts := strings.Split(cleaned, "/")
	out := make([]string, 0, len(parts))
	for _, c := range parts {
		switch c {
		case "":
			return nil, fmt.Errorf("%w: empty path component", ErrBadFormat)
		case ".", "..":
			return nil, fmt.Errorf("%w: %q path component not allowed", ErrBadFormat, c)
		}
		out = append(out, c)
	}
	return out, nil
}

// shardBucket returns the bucket index (0..shardCount-1) a name routes to
// within a sharded directory, via XXH3-64.
func shardBucket(name string) uint8 {
	h := xxh3.HashString(name)
	return uint8(h % shardCount)
}
