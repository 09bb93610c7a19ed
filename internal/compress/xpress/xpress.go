// Package xpress implements the XPRESS Huffman chunk codec.
//
// An XPRESS chunk starts with a 256-byte table packing the 4-bit code
// lengths of 512 prefix-code symbols, low nibble first. Symbols below 256
// are literal bytes. Higher symbols encode a match: the low nibble is a
// length header and the remaining bits select the number of extra offset
// bits. Long lengths spill into byte and 16-bit escapes read from the byte
// cursor of the bitstream.
package xpress

import (
	"math/bits"

	"github.com/wimkit/wim/internal/compress"
)

const (
	numSyms        = 512
	maxCodewordLen = 15
	tableSize      = numSyms / 2
	endOfDataSym   = 256
	minMatch       = 3
)

// Decompressor decodes XPRESS chunks. Not safe for concurrent use.
type Decompressor struct {
	lens [numSyms]byte
	dec  compress.Decoder
	br   compress.BitReader
}

// NewDecompressor returns a reusable XPRESS decompressor.
func NewDecompressor() *Decompressor {
	return &Decompressor{}
}

// Decompress fills dst, whose length must be the exact uncompressed size,
// from the compressed chunk in src.
func (d *Decompressor) Decompress(dst, src []byte) error {
	if len(src) < tableSize+4 {
		return compress.ErrCorrupt
	}
	for i := 0; i < tableSize; i++ {
		d.lens[2*i] = src[i] & 0xf
		d.lens[2*i+1] = src[i] >> 4
	}
	if err := d.dec.Init(d.lens[:], maxCodewordLen); err != nil {
		return err
	}

	d.br.Init(src[tableSize:])
	pos := 0
	for pos < len(dst) {
		sym, err := d.dec.ReadSym(&d.br)
		if err != nil {
			return err
		}
		if sym < 256 {
			dst[pos] = byte(sym)
			pos++
			continue
		}

		lenHdr := sym & 0xf
		offsetBits := uint(sym-256) >> 4
		dist := int(1<<offsetBits | d.br.Bits(offsetBits))
		length := lenHdr
		if lenHdr == 0xf {
			b := d.br.Byte()
			if b == 0xff {
				length = int(d.br.U16())
			} else {
				length = int(b) + 0xf
			}
		}
		length += minMatch

		pos, err = compress.CopyMatch(dst, pos, dist, length)
		if err != nil {
			return err
		}
	}
	if d.br.Overrun() {
		return compress.ErrCorrupt
	}
	return nil
}

// token is a literal byte (length zero) or a match.
type token struct {
	length int32
	dist   int32
}

// Compressor encodes XPRESS chunks. Not safe for concurrent use.
type Compressor struct {
	mf     compress.MatchFinder
	freqs  [numSyms]uint32
	lens   [numSyms]byte
	codes  [numSyms]uint16
	tokens []token
	bw     compress.BitWriter
}

// NewCompressor returns a reusable XPRESS compressor.
func NewCompressor() *Compressor {
	return &Compressor{tokens: make([]token, 0, compress.ChunkSize/2)}
}

var xpressParams = compress.LZParams{
	MinMatch:  minMatch,
	MaxMatch:  compress.ChunkSize,
	NiceMatch: 272,
	GoodMatch: 32,
	MaxChain:  256,
	MaxLazy:   64,
	TooFar:    4096,
}

// Compress writes the compressed form of src into dst. It returns
// ErrNotCompressible when the result would not be smaller than src.
func (c *Compressor) Compress(dst, src []byte) (int, error) {
	if len(src) <= tableSize+4 {
		return 0, compress.ErrNotCompressible
	}

	c.tokens = c.tokens[:0]
	for i := range c.freqs {
		c.freqs[i] = 0
	}

	c.mf.Analyze(src, xpressParams,
		func(b byte) {
			c.freqs[b]++
			c.tokens = append(c.tokens, token{dist: int32(b)})
		},
		func(length, dist int) {
			c.freqs[matchSym(length, dist)]++
			c.tokens = append(c.tokens, token{length: int32(length), dist: int32(dist)})
		})
	c.freqs[endOfDataSym]++

	compress.MakeCanonicalCode(c.freqs[:], maxCodewordLen, c.lens[:], c.codes[:])

	if len(dst) < tableSize+4 {
		return 0, compress.ErrNotCompressible
	}
	for i := 0; i < tableSize; i++ {
		dst[i] = c.lens[2*i] | c.lens[2*i+1]<<4
	}

	c.bw.Init(dst[tableSize:])
	for _, t := range c.tokens {
		if t.length == 0 {
			c.putSym(int(t.dist))
		} else {
			c.putMatch(int(t.length), int(t.dist))
		}
		if c.bw.Full() {
			return 0, compress.ErrNotCompressible
		}
	}
	c.putSym(endOfDataSym)

	n := c.bw.Flush()
	if n < 0 || tableSize+n >= len(src) {
		return 0, compress.ErrNotCompressible
	}
	return tableSize + n, nil
}

func matchSym(length, dist int) int {
	offsetBits := bits.Len32(uint32(dist)) - 1
	lenHdr := length - minMatch
	if lenHdr > 0xf {
		lenHdr = 0xf
	}
	return 256 + offsetBits<<4 + lenHdr
}

func (c *Compressor) putSym(sym int) {
	c.bw.PutBits(uint32(c.codes[sym]), uint(c.lens[sym]))
}

func (c *Compressor) putMatch(length, dist int) {
	sym := matchSym(length, dist)
	c.putSym(sym)

	offsetBits := uint(sym-256) >> 4
	c.bw.PutBits(uint32(dist)&(1<<offsetBits-1), offsetBits)

	adjusted := length - minMatch
	if adjusted >= 0xf {
		rem := adjusted - 0xf
		if rem < 0xff {
			c.bw.PutByte(byte(rem))
		} else {
			c.bw.PutByte(0xff)
			c.bw.PutU16(uint16(adjusted))
		}
	}
}
