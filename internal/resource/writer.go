package resource

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/wimkit/wim/internal/compress"
	"github.com/wimkit/wim/internal/integrity"
	"github.com/wimkit/wim/internal/wimfile"
)

// Writer streams one resource into the archive: Feed accepts uncompressed
// bytes in any granularity, chunks of 32 KiB are compressed and written as
// they fill, and End returns the finished resource entry along with the
// SHA-1 of everything fed.
//
// When the uncompressed size is declared up front the chunk table is
// reserved at the resource start and patched by seeking back on End. With
// an unknown size the compressed chunks are buffered in memory until End
// so the table can still precede them.
type Writer struct {
	out   io.WriteSeeker
	codec wimfile.Compression
	comp  compress.Compressor

	start    int64
	declared int64
	sha      hash.Hash
	fed      int64

	buf  []byte
	n    int
	cbuf []byte

	offsets []int64
	written int64
	cdata   *bytes.Buffer
	done    bool
}

// UnknownSize declares a resource whose uncompressed size is not known in
// advance, selecting the buffered table mode.
const UnknownSize = int64(-1)

// NewWriter begins a resource at out's current offset. size is the
// uncompressed size to come, or UnknownSize. For CompressionNone the
// bytes pass through unchunked.
func NewWriter(out io.WriteSeeker, codec wimfile.Compression, size int64) (*Writer, error) {
	start, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("locate resource start: %w", err)
	}
	w := &Writer{
		out:      out,
		codec:    codec,
		start:    start,
		declared: size,
		sha:      integrity.NewHasher(),
	}
	if codec == wimfile.CompressionNone {
		return w, nil
	}

	w.comp, err = NewCompressor(codec)
	if err != nil {
		return nil, err
	}
	w.buf = make([]byte, compress.ChunkSize)
	w.cbuf = make([]byte, compress.ChunkSize)
	if size == UnknownSize {
		w.cdata = &bytes.Buffer{}
		return w, nil
	}

	// Reserve the chunk table so chunks can stream straight to the file.
	if ts := tableSize(size); ts > 0 {
		if _, err := out.Write(make([]byte, ts)); err != nil {
			return nil, fmt.Errorf("reserve chunk table: %w", err)
		}
	}
	return w, nil
}

// Feed appends uncompressed resource bytes.
func (w *Writer) Feed(p []byte) error {
	if w.done {
		return errors.New("resource: Feed after End")
	}
	w.sha.Write(p)
	w.fed += int64(len(p))

	if w.codec == wimfile.CompressionNone {
		if _, err := w.out.Write(p); err != nil {
			return fmt.Errorf("write resource: %w", err)
		}
		return nil
	}
	for len(p) > 0 {
		n := copy(w.buf[w.n:], p)
		w.n += n
		p = p[n:]
		if w.n == len(w.buf) {
			if err := w.flushChunk(); err != nil {
				return err
			}
		}
	}
	return nil
}

// flushChunk compresses and emits the staged chunk, storing it raw when
// the codec reports it did not shrink.
func (w *Writer) flushChunk() error {
	src := w.buf[:w.n]
	w.n = 0
	w.offsets = append(w.offsets, w.written)

	data := src
	n, err := w.comp.Compress(w.cbuf[:len(src)], src)
	switch {
	case err == nil:
		data = w.cbuf[:n]
	case errors.Is(err, compress.ErrNotCompressible):
	default:
		return fmt.Errorf("compress chunk: %w", err)
	}

	w.written += int64(len(data))
	if w.cdata != nil {
		w.cdata.Write(data)
		return nil
	}
	if _, err := w.out.Write(data); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	return nil
}

// End finishes the resource, writes or patches the chunk table, and
// returns the resource entry and the SHA-1 of the uncompressed content.
// The entry's metadata flag is left for the caller.
func (w *Writer) End() (wimfile.ResourceEntry, integrity.Hash, error) {
	if w.done {
		return wimfile.ResourceEntry{}, integrity.Hash{}, errors.New("resource: End called twice")
	}
	w.done = true

	if w.codec == wimfile.CompressionNone {
		return wimfile.ResourceEntry{
			Size:         w.fed,
			Offset:       w.start,
			OriginalSize: w.fed,
		}, integrity.Finish(w.sha), nil
	}

	if w.n > 0 {
		if err := w.flushChunk(); err != nil {
			return wimfile.ResourceEntry{}, integrity.Hash{}, err
		}
	}
	if w.declared != UnknownSize && w.fed != w.declared {
		return wimfile.ResourceEntry{}, integrity.Hash{}, fmt.Errorf("%w: declared %d, fed %d", ErrSizeMismatch, w.declared, w.fed)
	}

	table := w.encodeTable()
	if w.cdata != nil {
		if _, err := w.out.Write(table); err != nil {
			return wimfile.ResourceEntry{}, integrity.Hash{}, fmt.Errorf("write chunk table: %w", err)
		}
		if _, err := w.out.Write(w.cdata.Bytes()); err != nil {
			return wimfile.ResourceEntry{}, integrity.Hash{}, fmt.Errorf("write chunks: %w", err)
		}
	} else if len(table) > 0 {
		if _, err := w.out.Seek(w.start, io.SeekStart); err != nil {
			return wimfile.ResourceEntry{}, integrity.Hash{}, fmt.Errorf("seek to chunk table: %w", err)
		}
		if _, err := w.out.Write(table); err != nil {
			return wimfile.ResourceEntry{}, integrity.Hash{}, fmt.Errorf("patch chunk table: %w", err)
		}
		if _, err := w.out.Seek(w.start+int64(len(table))+w.written, io.SeekStart); err != nil {
			return wimfile.ResourceEntry{}, integrity.Hash{}, fmt.Errorf("seek past resource: %w", err)
		}
	}

	return wimfile.ResourceEntry{
		Size:         int64(len(table)) + w.written,
		Flags:        wimfile.ResFlagCompressed,
		Offset:       w.start,
		OriginalSize: w.fed,
	}, integrity.Finish(w.sha), nil
}

// encodeTable serializes the chunk-offset table. The first chunk's offset
// is implicit and omitted.
func (w *Writer) encodeTable() []byte {
	if len(w.offsets) <= 1 {
		return nil
	}
	width := tableEntryWidth(w.fed)
	table := make([]byte, (len(w.offsets)-1)*width)
	for i, off := range w.offsets[1:] {
		if width == 8 {
			binary.LittleEndian.PutUint64(table[i*8:], uint64(off))
		} else {
			binary.LittleEndian.PutUint32(table[i*4:], uint32(off))
		}
	}
	return table
}
