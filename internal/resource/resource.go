// Package resource reads and writes the chunked resource container: a
// chunk-offset table followed by independently compressed 32 KiB chunks.
// Chunks whose compressed form would not shrink are stored verbatim.
package resource

import (
	"errors"
	"fmt"

	"github.com/wimkit/wim/internal/compress"
	"github.com/wimkit/wim/internal/compress/lzx"
	"github.com/wimkit/wim/internal/compress/xpress"
	"github.com/wimkit/wim/internal/wimfile"
)

var (
	// ErrCorrupt is returned when a resource's chunk table or chunk sizes
	// are inconsistent with its declared sizes.
	ErrCorrupt = errors.New("resource: corrupt resource")

	// ErrDecompression is returned when a chunk fails to decompress.
	ErrDecompression = errors.New("resource: decompression failed")

	// ErrHashMismatch is returned when a fully read blob does not hash to
	// its blob-table key.
	ErrHashMismatch = errors.New("resource: blob content does not match its hash")

	// ErrUnsupportedCodec is returned for archives declaring a codec this
	// library does not implement.
	ErrUnsupportedCodec = errors.New("resource: unsupported compression codec")

	// ErrSizeMismatch is returned by Writer.End when the bytes fed differ
	// from the declared uncompressed size.
	ErrSizeMismatch = errors.New("resource: fed bytes differ from declared size")
)

// NewDecompressor returns a chunk decompressor for the given codec.
func NewDecompressor(c wimfile.Compression) (compress.Decompressor, error) {
	switch c {
	case wimfile.CompressionXPRESS:
		return xpress.NewDecompressor(), nil
	case wimfile.CompressionLZX:
		return lzx.NewDecompressor(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, c)
}

// NewCompressor returns a chunk compressor for the given codec.
func NewCompressor(c wimfile.Compression) (compress.Compressor, error) {
	switch c {
	case wimfile.CompressionXPRESS:
		return xpress.NewCompressor(), nil
	case wimfile.CompressionLZX:
		return lzx.NewCompressor(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, c)
}

// tableEntryWidth is 4 bytes until the uncompressed size needs 8.
func tableEntryWidth(originalSize int64) int {
	if originalSize >= 1<<32 {
		return 8
	}
	return 4
}

// chunkCount returns the number of chunks of a resource of the given
// uncompressed size.
func chunkCount(originalSize int64) int64 {
	return (originalSize + compress.ChunkSize - 1) / compress.ChunkSize
}

// tableSize returns the byte size of the chunk-offset table. The first
// chunk's offset is implicit, so a single-chunk resource has no table.
func tableSize(originalSize int64) int64 {
	n := chunkCount(originalSize)
	if n <= 1 {
		return 0
	}
	return (n - 1) * int64(tableEntryWidth(originalSize))
}
