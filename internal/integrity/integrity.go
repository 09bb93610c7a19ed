// Package integrity provides the SHA-1 content hashing used for blob keys
// and the whole-file integrity table appended to verified archives.
package integrity

import (
	"crypto/sha1"
	"encoding/hex"
	"hash"
)

// HashSize is the length of a blob key.
const HashSize = sha1.Size

// Hash is a SHA-1 digest. Blobs are addressed by the digest of their
// uncompressed content.
type Hash [HashSize]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether the hash is unset. Empty streams carry a zero
// hash because the format elides empty content.
func (h Hash) IsZero() bool { return h == Hash{} }

// Sum returns the SHA-1 digest of b.
func Sum(b []byte) Hash { return sha1.Sum(b) }

// NewHasher returns a streaming SHA-1 hasher.
func NewHasher() hash.Hash { return sha1.New() }

// Finish extracts the digest from a hasher returned by NewHasher.
func Finish(h hash.Hash) Hash {
	var out Hash
	h.Sum(out[:0])
	return out
}
