// Package blobtable implements the SHA-1 keyed content store: the map
// from blob hash to blob descriptor that gives the archive its
// deduplication and integrity guarantees.
package blobtable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/wimkit/wim/internal/integrity"
	"github.com/wimkit/wim/internal/wimfile"
)

// EntrySize is the on-disk size of one blob-table entry: a resource
// entry, part number, reference count and the SHA-1 key.
const EntrySize = wimfile.ResEntrySize + 2 + 4 + integrity.HashSize

// ErrInvalidTable is returned when a blob-table resource does not parse.
var ErrInvalidTable = errors.New("blobtable: invalid blob table")

// Opener yields the bytes backing a blob that is not yet stored in the
// output archive, either a captured source stream or a resource in
// another archive during export.
type Opener func() (io.ReadCloser, error)

// Blob describes one deduplicated byte stream.
type Blob struct {
	Hash       integrity.Hash
	Res        wimfile.ResourceEntry
	PartNumber uint16
	RefCount   uint32

	// Open is set on blobs whose content is not in this archive yet.
	// The writer drains it when emitting the blob's resource.
	Open Opener
}

// Size returns the blob's uncompressed size.
func (b *Blob) Size() int64 { return b.Res.OriginalSize }

// Table is the in-memory blob table. An RWMutex serializes mutations
// and guards lookups; mutations do not all come from one goroutine, as
// capture's hashing workers intern concurrently.
type Table struct {
	mu sync.RWMutex
	m  map[integrity.Hash]*Blob
}

// New returns an empty table.
func New() *Table {
	return &Table{m: make(map[integrity.Hash]*Blob)}
}

// Parse decodes a blob-table resource. masked counts entries whose
// reserved resource-entry bits were set and discarded.
func Parse(data []byte) (t *Table, masked int, err error) {
	if len(data)%EntrySize != 0 {
		return nil, 0, fmt.Errorf("%w: %d bytes is not a whole number of entries", ErrInvalidTable, len(data))
	}
	t = New()
	for off := 0; off < len(data); off += EntrySize {
		b, m := parseEntry(data[off : off+EntrySize])
		if m {
			masked++
		}
		if _, ok := t.m[b.Hash]; ok {
			return nil, 0, fmt.Errorf("%w: duplicate entry for %s", ErrInvalidTable, b.Hash)
		}
		t.m[b.Hash] = b
	}
	return t, masked, nil
}

func parseEntry(p []byte) (*Blob, bool) {
	res, masked := wimfile.GetResourceEntry(p[0:24])
	b := &Blob{
		Res:        res,
		PartNumber: binary.LittleEndian.Uint16(p[24:26]),
		RefCount:   binary.LittleEndian.Uint32(p[26:30]),
	}
	copy(b.Hash[:], p[30:50])
	return b, masked
}

// Encode serializes the table, entries ordered by resource offset so
// sequential readers visit blobs in file order.
func (t *Table) Encode() []byte {
	blobs := t.Sorted()
	out := make([]byte, len(blobs)*EntrySize)
	for i, b := range blobs {
		p := out[i*EntrySize:]
		wimfile.PutResourceEntry(p[0:24], b.Res)
		binary.LittleEndian.PutUint16(p[24:26], b.PartNumber)
		binary.LittleEndian.PutUint32(p[26:30], b.RefCount)
		copy(p[30:50], b.Hash[:])
	}
	return out
}

// Lookup returns the blob for a hash.
func (t *Table) Lookup(h integrity.Hash) (*Blob, bool) {
	t.mu.RLock()
	b, ok := t.m[h]
	t.mu.RUnlock()
	return b, ok
}

// Intern returns the existing blob for h with its reference count bumped,
// or inserts the blob produced by create with a reference count of one.
// The second result reports whether the blob was newly inserted.
func (t *Table) Intern(h integrity.Hash, create func() *Blob) (*Blob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.m[h]; ok {
		b.RefCount++
		return b, false
	}
	b := create()
	b.Hash = h
	b.RefCount = 1
	t.m[h] = b
	return b, true
}

// Ref increments a blob's reference count.
func (t *Table) Ref(h integrity.Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.m[h]
	if ok {
		b.RefCount++
	}
	return ok
}

// Unref decrements a blob's reference count. Entries that reach zero stay
// in the table as orphans until Prune.
func (t *Table) Unref(h integrity.Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.m[h]
	if ok && b.RefCount > 0 {
		b.RefCount--
	}
	return ok
}

// Prune removes and returns all zero-reference entries.
func (t *Table) Prune() []*Blob {
	t.mu.Lock()
	defer t.mu.Unlock()
	var dropped []*Blob
	for h, b := range t.m {
		if b.RefCount == 0 {
			dropped = append(dropped, b)
			delete(t.m, h)
		}
	}
	return dropped
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// Sorted returns all blobs ordered by resource offset, hash as the tie
// break for blobs not yet placed in the file.
func (t *Table) Sorted() []*Blob {
	t.mu.RLock()
	blobs := make([]*Blob, 0, len(t.m))
	for _, b := range t.m {
		blobs = append(blobs, b)
	}
	t.mu.RUnlock()
	sort.Slice(blobs, func(i, j int) bool {
		if blobs[i].Res.Offset != blobs[j].Res.Offset {
			return blobs[i].Res.Offset < blobs[j].Res.Offset
		}
		return bytes.Compare(blobs[i].Hash[:], blobs[j].Hash[:]) < 0
	})
	return blobs
}

// Metadata returns the image-metadata entries in file order. Their order
// in the archive defines image numbering.
func (t *Table) Metadata() []*Blob {
	var out []*Blob
	for _, b := range t.Sorted() {
		if b.Res.IsMetadata() {
			out = append(out, b)
		}
	}
	return out
}
