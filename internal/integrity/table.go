package integrity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// TableChunkSize is the granularity at which the integrity table hashes
// the archive's resource region.
const TableChunkSize = 10 * 1048576

const tableHeaderSize = 8

var (
	// ErrInvalidTable is returned when an integrity table is malformed.
	ErrInvalidTable = errors.New("integrity: invalid integrity table")

	// ErrMismatch is returned when a region chunk does not hash to the
	// value recorded in the table.
	ErrMismatch = errors.New("integrity: chunk hash mismatch")
)

// BuildTable reads n bytes from r, hashes them in TableChunkSize pieces
// and returns the serialized table: entry size, entry count, then the
// hashes in region order.
func BuildTable(r io.Reader, n int64) ([]byte, error) {
	count := chunkCount(n)
	table := make([]byte, tableHeaderSize+count*HashSize)
	binary.LittleEndian.PutUint32(table[0:4], HashSize)
	binary.LittleEndian.PutUint32(table[4:8], uint32(count))

	for i := 0; i < count; i++ {
		h, err := hashChunk(r, n, i)
		if err != nil {
			return nil, err
		}
		copy(table[tableHeaderSize+i*HashSize:], h[:])
	}
	return table, nil
}

// VerifyTable re-hashes n bytes from r and compares each chunk against
// table. The first divergent chunk fails with ErrMismatch.
func VerifyTable(r io.Reader, n int64, table []byte) error {
	if len(table) < tableHeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidTable, len(table))
	}
	if es := binary.LittleEndian.Uint32(table[0:4]); es != HashSize {
		return fmt.Errorf("%w: entry size %d", ErrInvalidTable, es)
	}
	count := int(binary.LittleEndian.Uint32(table[4:8]))
	if count != chunkCount(n) {
		return fmt.Errorf("%w: %d entries for %d bytes", ErrInvalidTable, count, n)
	}
	if len(table) != tableHeaderSize+count*HashSize {
		return fmt.Errorf("%w: table size %d", ErrInvalidTable, len(table))
	}

	for i := 0; i < count; i++ {
		got, err := hashChunk(r, n, i)
		if err != nil {
			return err
		}
		var want Hash
		copy(want[:], table[tableHeaderSize+i*HashSize:])
		if got != want {
			return fmt.Errorf("%w: chunk %d", ErrMismatch, i)
		}
	}
	return nil
}

func chunkCount(n int64) int {
	return int((n + TableChunkSize - 1) / TableChunkSize)
}

func hashChunk(r io.Reader, n int64, i int) (Hash, error) {
	size := int64(TableChunkSize)
	if rest := n - int64(i)*TableChunkSize; rest < size {
		size = rest
	}
	h := NewHasher()
	if _, err := io.CopyN(h, r, size); err != nil {
		return Hash{}, fmt.Errorf("integrity: read chunk %d: %w", i, err)
	}
	return Finish(h), nil
}
