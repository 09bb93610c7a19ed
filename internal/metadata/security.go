package metadata

import (
	"encoding/binary"
	"fmt"

	"github.com/wimkit/wim/internal/dentry"
)

// encodeSecurity serializes the security-descriptor table: a u32 total
// length, a u32 descriptor count, one u64 size per descriptor, then the
// descriptors back to back. The whole table is padded to 8 bytes.
func encodeSecurity(tab *dentry.SecurityTable) []byte {
	n := tab.Len()
	size := int64(8 + 8*n)
	for _, d := range tab.Descriptors {
		size += int64(len(d))
	}
	total := align8(size)

	b := make([]byte, total)
	binary.LittleEndian.PutUint32(b[0:], uint32(total))
	binary.LittleEndian.PutUint32(b[4:], uint32(n))
	off := 8 + 8*n
	for i, d := range tab.Descriptors {
		binary.LittleEndian.PutUint64(b[8+8*i:], uint64(len(d)))
		copy(b[off:], d)
		off += len(d)
	}
	return b
}

// parseSecurity reads the security-descriptor table from the start of a
// metadata resource. It returns the table and the aligned offset of the
// first byte past it.
func parseSecurity(data []byte) (*dentry.SecurityTable, int64, error) {
	if len(data) < 8 {
		return nil, 0, fmt.Errorf("%w: %d bytes for header", ErrInvalidSecurityData, len(data))
	}
	total := int64(binary.LittleEndian.Uint32(data[0:]))
	count := int64(binary.LittleEndian.Uint32(data[4:]))

	// An empty table may be stored as 8 zero bytes or with total = 8.
	if count == 0 {
		end := total
		if end < 8 {
			end = 8
		}
		if end > int64(len(data)) {
			return nil, 0, fmt.Errorf("%w: length %d exceeds resource", ErrInvalidSecurityData, total)
		}
		return dentry.NewSecurityTable(), align8(end), nil
	}
	if total > int64(len(data)) {
		return nil, 0, fmt.Errorf("%w: length %d exceeds resource", ErrInvalidSecurityData, total)
	}
	if 8+8*count > total {
		return nil, 0, fmt.Errorf("%w: %d descriptors do not fit in %d bytes", ErrInvalidSecurityData, count, total)
	}

	// Descriptors are loaded verbatim rather than interned so that
	// on-disk duplicates keep their indices and security IDs in the
	// dentry tree stay valid.
	tab := dentry.NewSecurityTable()
	tab.Descriptors = make([][]byte, 0, count)
	off := 8 + 8*count
	for i := int64(0); i < count; i++ {
		sz := int64(binary.LittleEndian.Uint64(data[8+8*i:]))
		if sz < 0 || off+sz > total {
			return nil, 0, fmt.Errorf("%w: descriptor %d overruns table", ErrInvalidSecurityData, i)
		}
		tab.Descriptors = append(tab.Descriptors, append([]byte(nil), data[off:off+sz]...))
		off += sz
	}
	return tab, align8(total), nil
}
