package lzx

import (
	"bytes"
	"encoding/binary"
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
		{"varied distances", buildVariedDistances()},
		{"partial chunk", bytes.Repeat([]byte("wimkit archive "), 64)},
		{"long matches", bytes.Repeat([]byte{0xaa}, compress.ChunkSize)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roundTrip(t, tt.src)
		})
	}
}

// buildVariedDistances produces matches across many position slots,
// including large offsets that need aligned or verbatim footers.
func buildVariedDistances() []byte {
	rng := rand.New(rand.NewSource(3))
	src := make([]byte, 0, compress.ChunkSize)
	block := make([]byte, 113)
	rng.Read(block)
	for len(src) < 20000 {
		src = append(src, block...)
		if len(src) > 512 {
			src = append(src, src[len(src)-509:len(src)-509+40]...)
		}
	}
	src = append(src, src[:2048]...)
	src = append(src, src[100:160]...)
	return src
}

func TestRoundTripE8(t *testing.T) {
	// Call instruction translation applies only to full-size chunks.
	src := make([]byte, compress.ChunkSize)
	copy(src, bytes.Repeat([]byte("padding data for the code section "), 40))
	for i := 100; i < len(src)-20; i += 517 {
		src[i] = 0xe8
		binary.LittleEndian.PutUint32(src[i+1:], uint32(i*3))
	}
	// Copies so matches still exist after translation.
	copy(src[16384:], src[:8192])
	roundTrip(t, src)
}

func TestE8Inverse(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	data := make([]byte, compress.ChunkSize)
	rng.Read(data)
	orig := append([]byte(nil), data...)

	doE8(data)
	undoE8(data)
	assert.Equal(t, orig, data)
}

func TestE8SkipsPartialChunks(t *testing.T) {
	data := bytes.Repeat([]byte{0xe8, 1, 2, 3, 4, 5}, 100)
	orig := append([]byte(nil), data...)
	doE8(data)
	assert.Equal(t, orig, data)
}

func TestIncompressible(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	src := make([]byte, compress.ChunkSize)
	rng.Read(src)

	c := NewCompressor()
	dst := make([]byte, len(src))
	_, err := c.Compress(dst, src)
	assert.ErrorIs(t, err, compress.ErrNotCompressible)
}

func TestDecompressCorrupt(t *testing.T) {
	d := NewDecompressor()
	out := make([]byte, 1024)

	assert.Error(t, d.Decompress(out, []byte{1, 2}), "too short")

	// An all-zero stream has block type 0, which is invalid.
	assert.Error(t, d.Decompress(out, make([]byte, 64)))
}

func TestDecompressTruncated(t *testing.T) {
	src := bytes.Repeat([]byte("abcdefgh"), 1024)
	c := NewCompressor()
	dst := make([]byte, len(src))
	n, err := c.Compress(dst, src)
	require.NoError(t, err)

	d := NewDecompressor()
	out := make([]byte, len(src))
	assert.Error(t, d.Decompress(out, dst[:n/2]))
}

func TestPositionSlotTable(t *testing.T) {
	assert.Equal(t, uint32(0), posBase[0])
	assert.Equal(t, uint32(1), posBase[1])
	assert.Equal(t, uint32(2), posBase[2])
	assert.Equal(t, uint32(3), posBase[3])

	for formatted := uint32(3); formatted <= maxFormattedOffset; formatted += 919 {
		slot := positionSlot(formatted)
		require.GreaterOrEqual(t, formatted, posBase[slot])
		require.Less(t, formatted, posBase[slot]+1<<extraBits[slot])
	}
	// The window's last two positions are not expressible.
	assert.Equal(t, uint32(32767), maxFormattedOffset)
}
