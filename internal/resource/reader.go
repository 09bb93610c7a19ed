package resource

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/wimkit/wim/internal/compress"
	"github.com/wimkit/wim/internal/integrity"
	"github.com/wimkit/wim/internal/wimfile"
)

// Reader performs random-access reads of compressed and uncompressed
// resources. A Reader keeps decompression scratch state and is not safe
// for concurrent use; concurrent readers each take their own Reader and
// their own file handle.
type Reader struct {
	codec   wimfile.Compression
	dec     compress.Decompressor
	scratch []byte
	cbuf    []byte
}

// NewReader returns a reader for an archive declaring the given codec.
func NewReader(codec wimfile.Compression) (*Reader, error) {
	r := &Reader{codec: codec}
	if codec != wimfile.CompressionNone {
		dec, err := NewDecompressor(codec)
		if err != nil {
			return nil, err
		}
		r.dec = dec
		r.scratch = make([]byte, compress.ChunkSize)
		r.cbuf = make([]byte, compress.ChunkSize)
	}
	return r, nil
}

// ReadRange fills out with resource bytes starting at the given
// uncompressed offset. For compressed resources only the chunk-table
// slice covering the requested chunks is loaded and only those chunks are
// read and decompressed.
func (r *Reader) ReadRange(ctx context.Context, src io.ReaderAt, res wimfile.ResourceEntry, off int64, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	if off < 0 || off+int64(len(out)) > res.OriginalSize {
		return fmt.Errorf("%w: range [%d,%d) outside resource of %d bytes",
			ErrCorrupt, off, off+int64(len(out)), res.OriginalSize)
	}
	if !res.IsCompressed() {
		if _, err := src.ReadAt(out, res.Offset+off); err != nil {
			return fmt.Errorf("read resource at offset %d: %w", res.Offset+off, err)
		}
		return nil
	}
	if r.dec == nil {
		return fmt.Errorf("%w: compressed resource in an uncompressed archive", ErrCorrupt)
	}

	bounds, chunksStart, err := r.loadTableSlice(src, res, off, int64(len(out)))
	if err != nil {
		return err
	}

	numChunks := chunkCount(res.OriginalSize)
	start := off / compress.ChunkSize
	end := (off + int64(len(out)) - 1) / compress.ChunkSize
	for i := start; i <= end; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.readChunk(src, res, chunksStart, bounds, numChunks, i, start, off, out); err != nil {
			return err
		}
	}
	return nil
}

// loadTableSlice reads the chunk-table entries covering the request and
// returns the chunk boundary offsets, relative to the end of the table,
// for chunks [off/ChunkSize, last] plus the end bound of the last chunk.
func (r *Reader) loadTableSlice(src io.ReaderAt, res wimfile.ResourceEntry, off, length int64) ([]int64, int64, error) {
	numChunks := chunkCount(res.OriginalSize)
	width := int64(tableEntryWidth(res.OriginalSize))
	tsize := tableSize(res.OriginalSize)
	if tsize >= res.Size {
		return nil, 0, fmt.Errorf("%w: chunk table (%d bytes) exceeds stored size %d", ErrCorrupt, tsize, res.Size)
	}
	chunksStart := res.Offset + tsize

	start := off / compress.ChunkSize
	end := (off + length - 1) / compress.ChunkSize

	// Entry k holds the offset of chunk k+1. The request needs entries
	// start-1 through end; the latter exists only when end is not the
	// final chunk, whose end bound derives from the stored size instead.
	entLo := start - 1
	if entLo < 0 {
		entLo = 0
	}
	entHi := end
	if entHi > numChunks-2 {
		entHi = numChunks - 2
	}

	bounds := make([]int64, end-start+2)
	if entHi >= entLo {
		raw := make([]byte, (entHi-entLo+1)*width)
		if _, err := src.ReadAt(raw, res.Offset+entLo*width); err != nil {
			return nil, 0, fmt.Errorf("read chunk table at entry %d: %w", entLo, err)
		}
		for k := entLo; k <= entHi; k++ {
			var v int64
			p := raw[(k-entLo)*width:]
			if width == 8 {
				v = int64(binary.LittleEndian.Uint64(p))
			} else {
				v = int64(binary.LittleEndian.Uint32(p))
			}
			if j := k + 1 - start; j >= 0 && j < int64(len(bounds)) {
				bounds[j] = v
			}
		}
	}
	if start == 0 {
		bounds[0] = 0
	}
	if end == numChunks-1 {
		bounds[len(bounds)-1] = res.Size - tsize
	}
	return bounds, chunksStart, nil
}

// readChunk reads chunk i and copies the slice of it that overlaps the
// request into out.
func (r *Reader) readChunk(src io.ReaderAt, res wimfile.ResourceEntry, chunksStart int64, bounds []int64, numChunks, i, start, off int64, out []byte) error {
	cstart := bounds[i-start]
	cend := bounds[i-start+1]
	csize := cend - cstart

	usize := int64(compress.ChunkSize)
	if i == numChunks-1 {
		usize = res.OriginalSize - i*compress.ChunkSize
	}
	if csize <= 0 || csize > usize {
		return fmt.Errorf("%w: chunk %d has stored size %d (uncompressed %d)", ErrCorrupt, i, csize, usize)
	}

	lo := i * compress.ChunkSize
	if off > lo {
		lo = off
	}
	hi := i*compress.ChunkSize + usize
	if reqEnd := off + int64(len(out)); reqEnd < hi {
		hi = reqEnd
	}

	if csize == usize {
		// Stored verbatim; read just the needed slice.
		at := chunksStart + cstart + (lo - i*compress.ChunkSize)
		if _, err := src.ReadAt(out[lo-off:hi-off], at); err != nil {
			return fmt.Errorf("read raw chunk %d: %w", i, err)
		}
		return nil
	}

	if _, err := src.ReadAt(r.cbuf[:csize], chunksStart+cstart); err != nil {
		return fmt.Errorf("read chunk %d: %w", i, err)
	}
	if lo == i*compress.ChunkSize && hi == i*compress.ChunkSize+usize {
		if err := r.dec.Decompress(out[lo-off:hi-off], r.cbuf[:csize]); err != nil {
			return fmt.Errorf("%w: chunk %d: %v", ErrDecompression, i, err)
		}
		return nil
	}
	if err := r.dec.Decompress(r.scratch[:usize], r.cbuf[:csize]); err != nil {
		return fmt.Errorf("%w: chunk %d: %v", ErrDecompression, i, err)
	}
	copy(out[lo-off:hi-off], r.scratch[lo-i*compress.ChunkSize:hi-i*compress.ChunkSize])
	return nil
}

// ReadFull reads an entire resource. out must have the resource's
// uncompressed size.
func (r *Reader) ReadFull(ctx context.Context, src io.ReaderAt, res wimfile.ResourceEntry, out []byte) error {
	if int64(len(out)) != res.OriginalSize {
		return fmt.Errorf("%w: buffer of %d bytes for resource of %d", ErrCorrupt, len(out), res.OriginalSize)
	}
	return r.ReadRange(ctx, src, res, 0, out)
}

// ReadBlob reads an entire blob resource and verifies its content against
// the blob-table key.
func (r *Reader) ReadBlob(ctx context.Context, src io.ReaderAt, res wimfile.ResourceEntry, want integrity.Hash, out []byte) error {
	if err := r.ReadFull(ctx, src, res, out); err != nil {
		return err
	}
	if got := integrity.Sum(out); got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrHashMismatch, got, want)
	}
	return nil
}

// ReadChunks streams a resource's uncompressed chunks in ascending order.
// fn receives each chunk's bytes, valid only until the next call. Used by
// blob extraction so a blob is decompressed exactly once no matter how
// many streams reference it.
func (r *Reader) ReadChunks(ctx context.Context, src io.ReaderAt, res wimfile.ResourceEntry, fn func(p []byte) error) error {
	if res.OriginalSize == 0 {
		return nil
	}
	if !res.IsCompressed() {
		buf := r.scratch
		if buf == nil {
			buf = make([]byte, compress.ChunkSize)
		}
		for off := int64(0); off < res.OriginalSize; off += int64(len(buf)) {
			if err := ctx.Err(); err != nil {
				return err
			}
			n := res.OriginalSize - off
			if n > int64(len(buf)) {
				n = int64(len(buf))
			}
			if _, err := src.ReadAt(buf[:n], res.Offset+off); err != nil {
				return fmt.Errorf("read resource at offset %d: %w", res.Offset+off, err)
			}
			if err := fn(buf[:n]); err != nil {
				return err
			}
		}
		return nil
	}

	bounds, chunksStart, err := r.loadTableSlice(src, res, 0, res.OriginalSize)
	if err != nil {
		return err
	}
	numChunks := chunkCount(res.OriginalSize)
	for i := int64(0); i < numChunks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		csize := bounds[i+1] - bounds[i]
		usize := int64(compress.ChunkSize)
		if i == numChunks-1 {
			usize = res.OriginalSize - i*compress.ChunkSize
		}
		if csize <= 0 || csize > usize {
			return fmt.Errorf("%w: chunk %d has stored size %d (uncompressed %d)", ErrCorrupt, i, csize, usize)
		}
		if csize == usize {
			if _, err := src.ReadAt(r.scratch[:usize], chunksStart+bounds[i]); err != nil {
				return fmt.Errorf("read raw chunk %d: %w", i, err)
			}
		} else {
			if _, err := src.ReadAt(r.cbuf[:csize], chunksStart+bounds[i]); err != nil {
				return fmt.Errorf("read chunk %d: %w", i, err)
			}
			if err := r.dec.Decompress(r.scratch[:usize], r.cbuf[:csize]); err != nil {
				return fmt.Errorf("%w: chunk %d: %v", ErrDecompression, i, err)
			}
		}
		if err := fn(r.scratch[:usize]); err != nil {
			return err
		}
	}
	return nil
}
