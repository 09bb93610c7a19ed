package lzx

import (
	"github.com/wimkit/wim/internal/compress"
)

// token is a literal byte (length zero) or a resolved match. Matches carry
// the position slot and formatted offset decided while the recent offsets
// queue was live.
type token struct {
	length    int32
	litOrSlot int32
	formatted uint32
}

// Compressor encodes LZX chunks as a single verbatim or aligned block.
// Not safe for concurrent use.
type Compressor struct {
	mf  compress.MatchFinder
	win [compress.ChunkSize]byte

	tokens []token

	mainFreqs    [mainSyms]uint32
	lenFreqs     [lenSyms]uint32
	alignedFreqs [alignedSyms]uint32

	mainLens     [mainSyms]byte
	mainCodes    [mainSyms]uint16
	lenLens      [lenSyms]byte
	lenCodes     [lenSyms]uint16
	alignedLens  [alignedSyms]byte
	alignedCodes [alignedSyms]uint16
	preLens      [pretreeSyms]byte
	preCodes     [pretreeSyms]uint16

	bw compress.BitWriter
}

// NewCompressor returns a reusable LZX compressor.
func NewCompressor() *Compressor {
	return &Compressor{tokens: make([]token, 0, compress.ChunkSize/2)}
}

var lzxParams = compress.LZParams{
	MinMatch:  3,
	MaxMatch:  maxMatch,
	NiceMatch: 257,
	GoodMatch: 32,
	MaxChain:  256,
	MaxLazy:   64,
	TooFar:    4096,
}

// Compress writes the compressed form of src into dst. It returns
// ErrNotCompressible when the result would not be smaller than src.
func (c *Compressor) Compress(dst, src []byte) (int, error) {
	if len(src) < 16 || len(src) > compress.ChunkSize {
		return 0, compress.ErrNotCompressible
	}

	buf := c.win[:len(src)]
	copy(buf, src)
	doE8(buf)

	c.tokenize(buf)

	compress.MakeCanonicalCode(c.mainFreqs[:], maxMainCodeLen, c.mainLens[:], c.mainCodes[:])
	compress.MakeCanonicalCode(c.lenFreqs[:], maxLenCodeLen, c.lenLens[:], c.lenCodes[:])
	compress.MakeCanonicalCode(c.alignedFreqs[:], maxAlignedCodeLen, c.alignedLens[:], c.alignedCodes[:])

	aligned := c.alignedWins()

	c.bw.Init(dst)
	blockType := blockTypeVerbatim
	if aligned {
		blockType = blockTypeAligned
	}
	c.bw.PutBits(uint32(blockType), 3)
	if len(src) == compress.ChunkSize {
		c.bw.PutBits(1, 1)
	} else {
		c.bw.PutBits(0, 1)
		c.bw.PutBits(uint32(len(src)), 16)
	}
	if aligned {
		for _, l := range c.alignedLens {
			c.bw.PutBits(uint32(l), 3)
		}
	}

	c.writeLens(c.mainLens[:numChars])
	c.writeLens(c.mainLens[numChars:])
	c.writeLens(c.lenLens[:])

	for _, t := range c.tokens {
		if t.length == 0 {
			c.putMainSym(int(t.litOrSlot))
		} else {
			c.putMatch(t, aligned)
		}
		if c.bw.Full() {
			return 0, compress.ErrNotCompressible
		}
	}

	n := c.bw.Flush()
	if n < 0 || n >= len(src) {
		return 0, compress.ErrNotCompressible
	}
	return n, nil
}

// tokenize runs the match search and resolves offsets against the recent
// offsets queue, accumulating symbol frequencies.
func (c *Compressor) tokenize(buf []byte) {
	c.tokens = c.tokens[:0]
	for i := range c.mainFreqs {
		c.mainFreqs[i] = 0
	}
	for i := range c.lenFreqs {
		c.lenFreqs[i] = 0
	}
	for i := range c.alignedFreqs {
		c.alignedFreqs[i] = 0
	}

	recent := [3]int{1, 1, 1}
	emitLiteral := func(b byte) {
		c.mainFreqs[b]++
		c.tokens = append(c.tokens, token{litOrSlot: int32(b)})
	}
	emitMatch := func(length, dist int) {
		var slot int
		var formatted uint32
		switch dist {
		case recent[0]:
			slot = 0
		case recent[1]:
			slot = 1
			recent[1], recent[0] = recent[0], recent[1]
		case recent[2]:
			slot = 2
			recent[2], recent[0] = recent[0], recent[2]
		default:
			formatted = uint32(dist) + formattedOffsetShift
			slot = positionSlot(formatted)
			recent[2], recent[1], recent[0] = recent[1], recent[0], dist
		}

		lenHdr := length - minMatch
		if lenHdr >= numPrimaryLens {
			c.lenFreqs[length-minMatch-numPrimaryLens]++
			lenHdr = numPrimaryLens
		}
		c.mainFreqs[numChars+slot<<3+lenHdr]++
		if eb := extraBits[slot]; eb >= 3 {
			c.alignedFreqs[(formatted-posBase[slot])&7]++
		}
		c.tokens = append(c.tokens, token{
			length:    int32(length),
			litOrSlot: int32(slot),
			formatted: formatted,
		})
	}

	wpos := 0
	c.mf.Analyze(buf, lzxParams,
		func(b byte) {
			emitLiteral(b)
			wpos++
		},
		func(length, dist int) {
			if uint32(dist)+formattedOffsetShift > maxFormattedOffset &&
				dist != recent[0] && dist != recent[1] && dist != recent[2] {
				// The slot table cannot express the last couple of
				// window positions. Fall back to literals.
				for j := 0; j < length; j++ {
					emitLiteral(buf[wpos+j])
				}
				wpos += length
				return
			}
			emitMatch(length, dist)
			wpos += length
		})
}

// alignedWins reports whether coding the low offset bits through the
// aligned tree beats emitting them verbatim.
func (c *Compressor) alignedWins() bool {
	var count, alignedCost uint32
	for s, f := range c.alignedFreqs {
		count += f
		alignedCost += f * uint32(c.alignedLens[s])
	}
	if count == 0 {
		return false
	}
	return alignedCost+alignedSyms*3 < count*3
}

func (c *Compressor) putMainSym(sym int) {
	c.bw.PutBits(uint32(c.mainCodes[sym]), uint(c.mainLens[sym]))
}

func (c *Compressor) putMatch(t token, aligned bool) {
	slot := int(t.litOrSlot)
	length := int(t.length)

	lenHdr := length - minMatch
	if lenHdr > numPrimaryLens {
		lenHdr = numPrimaryLens
	}
	c.putMainSym(numChars + slot<<3 + lenHdr)
	if lenHdr == numPrimaryLens {
		ls := length - minMatch - numPrimaryLens
		c.bw.PutBits(uint32(c.lenCodes[ls]), uint(c.lenLens[ls]))
	}

	if slot >= 3 {
		eb := extraBits[slot]
		delta := t.formatted - posBase[slot]
		if aligned && eb >= 3 {
			c.bw.PutBits(delta>>3, eb-3)
			as := delta & 7
			c.bw.PutBits(uint32(c.alignedCodes[as]), uint(c.alignedLens[as]))
		} else {
			c.bw.PutBits(delta, eb)
		}
	}
}

type preItem struct {
	sym       int
	extra     uint32
	extraBits uint
}

// writeLens emits 4-bit pretree lengths followed by the pretree-coded
// deltas for lens. The previous lengths are all zero, the chunk being a
// single block.
func (c *Compressor) writeLens(lens []byte) {
	items := make([]preItem, 0, len(lens))
	var preFreqs [pretreeSyms]uint32

	for i := 0; i < len(lens); {
		if lens[i] == 0 {
			run := 0
			for i+run < len(lens) && lens[i+run] == 0 {
				run++
			}
			for run >= 20 {
				n := run
				if n > 51 {
					n = 51
				}
				items = append(items, preItem{sym: 18, extra: uint32(n - 20), extraBits: 5})
				preFreqs[18]++
				i += n
				run -= n
			}
			for run >= 4 {
				n := run
				if n > 19 {
					n = 19
				}
				items = append(items, preItem{sym: 17, extra: uint32(n - 4), extraBits: 4})
				preFreqs[17]++
				i += n
				run -= n
			}
			for ; run > 0; run-- {
				items = append(items, preItem{sym: 0})
				preFreqs[0]++
				i++
			}
			continue
		}
		sym := (17 - int(lens[i])) % 17
		items = append(items, preItem{sym: sym})
		preFreqs[sym]++
		i++
	}

	compress.MakeCanonicalCode(preFreqs[:], maxPretreeCodeLen, c.preLens[:], c.preCodes[:])
	for _, l := range c.preLens {
		c.bw.PutBits(uint32(l), 4)
	}
	for _, it := range items {
		c.bw.PutBits(uint32(c.preCodes[it.sym]), uint(c.preLens[it.sym]))
		if it.extraBits > 0 {
			c.bw.PutBits(it.extra, it.extraBits)
		}
	}
}
