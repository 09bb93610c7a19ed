package resource

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wimkit/wim/internal/compress"
	"github.com/wimkit/wim/internal/integrity"
	"github.com/wimkit/wim/internal/wimfile"
)

func writeResource(t *testing.T, codec wimfile.Compression, data []byte, declared int64) (*os.File, wimfile.ResourceEntry, integrity.Hash) {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "res.bin"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	w, err := NewWriter(f, codec, declared)
	require.NoError(t, err)

	// Feed in uneven pieces to exercise chunk staging.
	for off := 0; off < len(data); {
		n := 1000
		if off+n > len(data) {
			n = len(data) - off
		}
		require.NoError(t, w.Feed(data[off:off+n]))
		off += n
	}
	entry, sum, err := w.End()
	require.NoError(t, err)
	assert.Equal(t, integrity.Sum(data), sum)
	assert.Equal(t, int64(len(data)), entry.OriginalSize)
	return f, entry, sum
}

func compressible(n int) []byte {
	return bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), n/45+1)[:n]
}

func TestRoundTripCompressed(t *testing.T) {
	tests := []struct {
		name  string
		codec wimfile.Compression
		size  int
	}{
		{"xpress small", wimfile.CompressionXPRESS, 5000},
		{"xpress multi chunk", wimfile.CompressionXPRESS, 100000},
		{"lzx multi chunk", wimfile.CompressionLZX, 100000},
		{"exactly one chunk", wimfile.CompressionXPRESS, compress.ChunkSize},
		{"one chunk plus one byte", wimfile.CompressionXPRESS, compress.ChunkSize + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := compressible(tt.size)
			f, entry, _ := writeResource(t, tt.codec, data, int64(len(data)))
			assert.True(t, entry.IsCompressed())
			assert.Less(t, entry.Size, entry.OriginalSize)

			r, err := NewReader(tt.codec)
			require.NoError(t, err)
			out := make([]byte, len(data))
			require.NoError(t, r.ReadFull(context.Background(), f, entry, out))
			assert.Equal(t, data, out)
		})
	}
}

func TestChunkTableSizes(t *testing.T) {
	// One chunk has no table; a second chunk adds one entry.
	assert.EqualValues(t, 0, tableSize(compress.ChunkSize))
	assert.EqualValues(t, 4, tableSize(compress.ChunkSize+1))
	assert.EqualValues(t, 4, tableSize(2*compress.ChunkSize))

	// Entries widen to 8 bytes past 4 GiB of uncompressed content.
	assert.Equal(t, 4, tableEntryWidth(1<<32-1))
	assert.Equal(t, 8, tableEntryWidth(1<<32))
	n := chunkCount(1 << 32)
	assert.EqualValues(t, (n-1)*8, tableSize(1<<32))
}

func TestUnknownSizeMatchesDeclared(t *testing.T) {
	data := compressible(90000)
	f1, e1, _ := writeResource(t, wimfile.CompressionXPRESS, data, int64(len(data)))
	f2, e2, _ := writeResource(t, wimfile.CompressionXPRESS, data, UnknownSize)

	assert.Equal(t, e1.Size, e2.Size)
	assert.Equal(t, e1.OriginalSize, e2.OriginalSize)

	b1, err := os.ReadFile(f1.Name())
	require.NoError(t, err)
	b2, err := os.ReadFile(f2.Name())
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestSizeMismatch(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "res.bin"))
	require.NoError(t, err)
	defer f.Close()

	w, err := NewWriter(f, wimfile.CompressionXPRESS, 100)
	require.NoError(t, err)
	require.NoError(t, w.Feed([]byte("short")))
	_, _, err = w.End()
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestUncompressedPassthrough(t *testing.T) {
	data := compressible(50000)
	f, entry, _ := writeResource(t, wimfile.CompressionNone, data, int64(len(data)))
	assert.False(t, entry.IsCompressed())
	assert.Equal(t, entry.OriginalSize, entry.Size)

	r, err := NewReader(wimfile.CompressionNone)
	require.NoError(t, err)
	out := make([]byte, len(data))
	require.NoError(t, r.ReadFull(context.Background(), f, entry, out))
	assert.Equal(t, data, out)
}

func TestIncompressibleStoredRaw(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	data := make([]byte, 2*compress.ChunkSize+777)
	rng.Read(data)

	f, entry, _ := writeResource(t, wimfile.CompressionLZX, data, int64(len(data)))
	assert.Equal(t, entry.OriginalSize+tableSize(entry.OriginalSize), entry.Size)

	r, err := NewReader(wimfile.CompressionLZX)
	require.NoError(t, err)
	out := make([]byte, len(data))
	require.NoError(t, r.ReadFull(context.Background(), f, entry, out))
	assert.Equal(t, data, out)
}

func TestReadRange(t *testing.T) {
	data := compressible(5 * compress.ChunkSize)
	f, entry, _ := writeResource(t, wimfile.CompressionXPRESS, data, int64(len(data)))

	r, err := NewReader(wimfile.CompressionXPRESS)
	require.NoError(t, err)

	tests := []struct {
		name string
		off  int64
		n    int
	}{
		{"within one chunk", 100, 500},
		{"chunk boundary crossing", compress.ChunkSize - 10, 20},
		{"aligned full chunk", compress.ChunkSize, compress.ChunkSize},
		{"multi chunk", 1000, 3 * compress.ChunkSize},
		{"tail", int64(len(data)) - 37, 37},
		{"empty", 42, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := make([]byte, tt.n)
			require.NoError(t, r.ReadRange(context.Background(), f, entry, tt.off, out))
			assert.Equal(t, data[tt.off:tt.off+int64(tt.n)], out)
		})
	}

	out := make([]byte, 10)
	assert.ErrorIs(t, r.ReadRange(context.Background(), f, entry, entry.OriginalSize-5, out), ErrCorrupt)
}

func TestReadBlob(t *testing.T) {
	data := compressible(70000)
	f, entry, sum := writeResource(t, wimfile.CompressionXPRESS, data, int64(len(data)))

	r, err := NewReader(wimfile.CompressionXPRESS)
	require.NoError(t, err)
	out := make([]byte, len(data))
	require.NoError(t, r.ReadBlob(context.Background(), f, entry, sum, out))

	var wrong integrity.Hash
	wrong[0] = 1
	assert.ErrorIs(t, r.ReadBlob(context.Background(), f, entry, wrong, out), ErrHashMismatch)
}

func TestReadCorruptChunk(t *testing.T) {
	data := compressible(70000)
	f, entry, sum := writeResource(t, wimfile.CompressionXPRESS, data, int64(len(data)))

	// Flip a byte near the end of the last chunk's compressed body.
	pos := entry.Offset + entry.Size - 10
	b := make([]byte, 1)
	_, err := f.ReadAt(b, pos)
	require.NoError(t, err)
	b[0] ^= 0x40
	_, err = f.WriteAt(b, pos)
	require.NoError(t, err)

	r, err := NewReader(wimfile.CompressionXPRESS)
	require.NoError(t, err)
	out := make([]byte, len(data))
	err = r.ReadBlob(context.Background(), f, entry, sum, out)
	require.Error(t, err)
	// Either failure mode is acceptable for a flipped chunk byte.
	if !errors.Is(err, ErrDecompression) && !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReadChunksStreams(t *testing.T) {
	data := compressible(3*compress.ChunkSize + 123)
	f, entry, _ := writeResource(t, wimfile.CompressionLZX, data, int64(len(data)))

	r, err := NewReader(wimfile.CompressionLZX)
	require.NoError(t, err)

	var got []byte
	var sizes []int
	require.NoError(t, r.ReadChunks(context.Background(), f, entry, func(p []byte) error {
		got = append(got, p...)
		sizes = append(sizes, len(p))
		return nil
	}))
	assert.Equal(t, data, got)
	assert.Equal(t, []int{compress.ChunkSize, compress.ChunkSize, compress.ChunkSize, 123}, sizes)
}

func TestReadCancelled(t *testing.T) {
	data := compressible(2 * compress.ChunkSize)
	f, entry, _ := writeResource(t, wimfile.CompressionXPRESS, data, int64(len(data)))

	r, err := NewReader(wimfile.CompressionXPRESS)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make([]byte, len(data))
	assert.ErrorIs(t, r.ReadRange(ctx, f, entry, 0, out), context.Canceled)
}

func TestUnsupportedCodec(t *testing.T) {
	_, err := NewReader(wimfile.Compression(9))
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
	_, err = NewCompressor(wimfile.Compression(9))
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}
