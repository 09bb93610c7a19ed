package xpress

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wimkit/wim/internal/compress"
)

func roundTrip(t *testing.T, src []byte) {
	t.Helper()
	c := NewCompressor()
	dst := make([]byte, len(src))
	n, err := c.Compress(dst, src)
	require.NoError(t, err)
	require.Less(t, n, len(src))

	d := NewDecompressor()
	out := make([]byte, len(src))
	require.NoError(t, d.Decompress(out, dst[:n]))
	assert.Equal(t, src, out)
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		src  []byte
	}{
		{"zeros", make([]byte, compress.ChunkSize)},
		{"repeats", bytes.Repeat([]byte("abcdefgh"), compress.ChunkSize/8)},
		{"text", bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 500)},
		{"short runs", bytes.Repeat([]byte("aaabbbccc"), 400)},
		{"partial chunk", bytes.Repeat([]byte("wimkit"), 100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roundTrip(t, tt.src)
		})
	}
}

func TestRoundTripLongMatches(t *testing.T) {
	// Exercise the byte and 16-bit length escapes: matches of length 18,
	// 270 and beyond.
	src := make([]byte, 0, compress.ChunkSize)
	src = append(src, []byte("seed block 0123456789abcdef")...)
	for len(src) < 300 {
		src = append(src, src[:27]...)
	}
	src = append(src, bytes.Repeat([]byte{0x55}, 4000)...)
	src = append(src, src[:256]...)
	roundTrip(t, src)
}

func TestIncompressible(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	src := make([]byte, compress.ChunkSize)
	rng.Read(src)

	c := NewCompressor()
	dst := make([]byte, len(src))
	_, err := c.Compress(dst, src)
	assert.ErrorIs(t, err, compress.ErrNotCompressible)
}

func TestTinyInput(t *testing.T) {
	c := NewCompressor()
	dst := make([]byte, 64)
	_, err := c.Compress(dst, []byte("hi"))
	assert.ErrorIs(t, err, compress.ErrNotCompressible)
}

func TestDecompressCorrupt(t *testing.T) {
	d := NewDecompressor()
	out := make([]byte, 100)

	assert.Error(t, d.Decompress(out, []byte{1, 2, 3}), "truncated table")

	// An oversubscribed code table is rejected.
	src := make([]byte, 300)
	for i := range src[:256] {
		src[i] = 0x11
	}
	assert.Error(t, d.Decompress(out, src))
}

func TestDecompressTruncated(t *testing.T) {
	src := bytes.Repeat([]byte("abcdefgh"), 512)
	c := NewCompressor()
	dst := make([]byte, len(src))
	n, err := c.Compress(dst, src)
	require.NoError(t, err)

	d := NewDecompressor()
	out := make([]byte, len(src))
	assert.Error(t, d.Decompress(out, dst[:n/2]))
}
