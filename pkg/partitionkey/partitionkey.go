// Package partitionkey implements PartitionKey, the opaque immutable
// byte-string identity spec.md's data model assigns to partitions, and the
// deterministic hash that maps a key to its owning segment.
package partitionkey

import (
	"encoding/base64"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Key is an opaque, immutable partition identity. Callers must not mutate a
// Key's backing array after constructing it with New.
type Key string

// New copies b into a new Key. Copying (rather than aliasing) keeps Key
// genuinely immutable even if the caller mutates b afterward.
func New(b []byte) Key {
	return Key(append([]byte(nil), b...))
}

// Bytes returns the key's raw bytes.
func (k Key) Bytes() []byte {
	return []byte(k)
}

// pathEncoding is used for the textual, path-segment-safe form of a Key.
// Raw URL encoding (no padding, no '/' or '+') is a total injection from
// arbitrary bytes to a string containing none of the characters ZK-style
// node paths treat specially, so no further escaping is needed here the
// way address.KeyToPath needs it for free-form text.
var pathEncoding = base64.RawURLEncoding

// PathSegment renders the key as the literal child-node name used under
// /segments/{segment}/{key}.
func (k Key) PathSegment() string {
	return pathEncoding.EncodeToString([]byte(k))
}

// FromPathSegment is the inverse of PathSegment.
func FromPathSegment(seg string) (Key, error) {
	b, err := pathEncoding.DecodeString(seg)
	if err != nil {
		return "", fmt.Errorf("partitionkey: invalid path segment %q: %w", seg, err)
	}
	return Key(b), nil
}

// SegmentOf returns the segment a key is assigned to, as the literal node
// name "segment-N". The hash must be stable across processes and across
// runs — xxhash is deterministic (unlike hash/maphash, which is seeded per
// process) and is already present in the dependency graph of every repo in
// the retrieval pack that cares about hashing throughput.
func SegmentOf(k Key, segments int) string {
	if segments <= 0 {
		segments = 1
	}
	h := xxhash.Sum64([]byte(k))
	return fmt.Sprintf("segment-%d", h%uint64(segments))
}
