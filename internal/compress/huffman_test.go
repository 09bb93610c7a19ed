package compress

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeCanonicalCodeKraft(t *testing.T) {
	tests := []struct {
		name   string
		freqs  []uint32
		maxLen uint
	}{
		{"uniform", []uint32{5, 5, 5, 5, 5, 5, 5, 5}, 15},
		{"skewed", []uint32{1000, 200, 50, 10, 2, 1, 1, 1}, 15},
		{"sparse", []uint32{0, 7, 0, 0, 3, 0, 0, 1}, 15},
		{"single", []uint32{0, 0, 9, 0}, 15},
		{"tight limit", []uint32{1, 2, 4, 8, 16, 32, 64, 128, 256, 512}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lens := make([]byte, len(tt.freqs))
			codes := make([]uint16, len(tt.freqs))
			MakeCanonicalCode(tt.freqs, tt.maxLen, lens, codes)

			kraft := 0.0
			for sym, l := range lens {
				if tt.freqs[sym] == 0 {
					assert.Zero(t, l, "unused symbol %d got a code", sym)
					continue
				}
				require.NotZero(t, l, "used symbol %d has no code", sym)
				require.LessOrEqual(t, uint(l), tt.maxLen)
				kraft += 1 / float64(uint32(1)<<l)
			}
			assert.LessOrEqual(t, kraft, 1.0)
		})
	}
}

func TestHuffmanRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	freqs := make([]uint32, 64)
	for i := range freqs {
		freqs[i] = uint32(rng.Intn(500))
	}
	freqs[0] = 0
	freqs[1] = 10000

	lens := make([]byte, len(freqs))
	codes := make([]uint16, len(freqs))
	MakeCanonicalCode(freqs, 15, lens, codes)

	var dec Decoder
	require.NoError(t, dec.Init(lens, 15))

	var syms []int
	for sym, f := range freqs {
		if f == 0 {
			continue
		}
		for i := 0; i < 20; i++ {
			syms = append(syms, sym)
		}
	}
	rng.Shuffle(len(syms), func(i, j int) { syms[i], syms[j] = syms[j], syms[i] })

	out := make([]byte, 8*len(syms)+8)
	var w BitWriter
	w.Init(out)
	for _, sym := range syms {
		w.PutBits(uint32(codes[sym]), uint(lens[sym]))
	}
	n := w.Flush()
	require.Greater(t, n, 0)

	var r BitReader
	r.Init(out[:n])
	for i, want := range syms {
		got, err := dec.ReadSym(&r)
		require.NoError(t, err)
		require.Equal(t, want, got, "symbol %d", i)
	}
}

func TestDecoderRejectsOversubscribed(t *testing.T) {
	// Three codes of length one cannot coexist.
	var dec Decoder
	assert.Error(t, dec.Init([]byte{1, 1, 1}, 15))
}

func TestDecoderEmpty(t *testing.T) {
	var dec Decoder
	require.NoError(t, dec.Init([]byte{0, 0, 0, 0}, 15))
	assert.True(t, dec.Empty())

	var r BitReader
	r.Init([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := dec.ReadSym(&r)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDecoderSingleton(t *testing.T) {
	lens := make([]byte, 16)
	lens[9] = 1
	var dec Decoder
	require.NoError(t, dec.Init(lens, 15))

	var r BitReader
	r.Init([]byte{0, 0, 0, 0})
	sym, err := dec.ReadSym(&r)
	require.NoError(t, err)
	assert.Equal(t, 9, sym)
}
