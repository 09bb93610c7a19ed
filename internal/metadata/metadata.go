// Package metadata serializes and parses an image's metadata resource:
// the security-descriptor table followed by the dentry tree in
// depth-first preorder. All integers are little-endian and every record
// is 8-byte aligned.
package metadata

import (
	"errors"

	"github.com/wimkit/wim/internal/dentry"
)

const (
	// dentryFixedSize is the fixed portion of a dentry record, before
	// the variable-length names.
	dentryFixedSize = 102

	// adsFixedSize is the fixed portion of an alternate-data-stream
	// record.
	adsFixedSize = 38

	noSecurityIDDisk = 0xffffffff
)

var (
	// ErrInvalidMetadata is returned when a metadata resource does not
	// parse: truncated records, lengths pointing outside the buffer,
	// malformed names or child lists.
	ErrInvalidMetadata = errors.New("metadata: invalid metadata resource")

	// ErrInvalidSecurityData is returned when the security-descriptor
	// table is malformed.
	ErrInvalidSecurityData = errors.New("metadata: invalid security data")
)

// Options adjust parsing policy.
type Options struct {
	// DuplicateUnnamedIsError fails the parse when an inode carries two
	// unnamed data streams instead of keeping the first and warning.
	DuplicateUnnamedIsError bool
}

// Warning is a non-fatal oddity found while parsing: hard-link groups
// with disagreeing attributes, duplicate unnamed streams.
type Warning struct {
	Path    string
	Message string
}

// Image pairs a parsed dentry tree with its security table.
type Image struct {
	Root     *dentry.Dentry
	Security *dentry.SecurityTable
}

func align8(n int64) int64 {
	return (n + 7) &^ 7
}
