package lzx

import (
	"github.com/wimkit/wim/internal/compress"
)

// Decompressor decodes LZX chunks. Not safe for concurrent use.
type Decompressor struct {
	br compress.BitReader

	// Tree lengths persist across blocks within a chunk; the pretree
	// codes deltas against the previous block's lengths.
	mainLens    [mainSyms]byte
	lenLens     [lenSyms]byte
	alignedLens [alignedSyms]byte
	preLens     [pretreeSyms]byte

	mainDec    compress.Decoder
	lenDec     compress.Decoder
	alignedDec compress.Decoder
	preDec     compress.Decoder
}

// NewDecompressor returns a reusable LZX decompressor.
func NewDecompressor() *Decompressor {
	return &Decompressor{}
}

// Decompress fills dst, whose length must be the exact uncompressed size,
// from the compressed chunk in src.
func (d *Decompressor) Decompress(dst, src []byte) error {
	if len(src) < 4 {
		return compress.ErrCorrupt
	}
	for i := range d.mainLens {
		d.mainLens[i] = 0
	}
	for i := range d.lenLens {
		d.lenLens[i] = 0
	}
	recent := [3]int{1, 1, 1}

	d.br.Init(src)
	pos := 0
	for pos < len(dst) {
		blockType := d.br.Bits(3)
		blockSize := compress.ChunkSize
		if d.br.Bit() == 0 {
			blockSize = int(d.br.Bits(16))
		}
		if blockSize == 0 {
			return compress.ErrCorrupt
		}

		switch blockType {
		case blockTypeUncompressed:
			var err error
			pos, err = d.readUncompressedBlock(dst, pos, blockSize, &recent)
			if err != nil {
				return err
			}

		case blockTypeAligned, blockTypeVerbatim:
			aligned := blockType == blockTypeAligned
			if aligned {
				for i := range d.alignedLens {
					d.alignedLens[i] = byte(d.br.Bits(3))
				}
				if err := d.alignedDec.Init(d.alignedLens[:], maxAlignedCodeLen); err != nil {
					return err
				}
			}
			if err := d.readTrees(); err != nil {
				return err
			}
			end := pos + blockSize
			if end > len(dst) {
				end = len(dst)
			}
			var err error
			pos, err = d.decodeBlock(dst, pos, end, aligned, &recent)
			if err != nil {
				return err
			}

		default:
			return compress.ErrCorrupt
		}
		if d.br.Overrun() {
			return compress.ErrCorrupt
		}
	}

	undoE8(dst)
	return nil
}

// readUncompressedBlock realigns the stream, loads the recent offsets
// queue and copies the raw block body.
func (d *Decompressor) readUncompressedBlock(dst []byte, pos, blockSize int, recent *[3]int) (int, error) {
	d.br.AlignAndRewind()
	for i := range recent {
		v := int(d.br.U32())
		if v <= 0 {
			return 0, compress.ErrCorrupt
		}
		recent[i] = v
	}
	if blockSize > len(dst)-pos {
		return 0, compress.ErrCorrupt
	}
	if !d.br.CopyBytes(dst[pos : pos+blockSize]) {
		return 0, compress.ErrCorrupt
	}
	if blockSize&1 == 1 {
		d.br.Byte()
	}
	d.br.Reload()
	return pos + blockSize, nil
}

// readTrees reads the main and length trees for the next block.
func (d *Decompressor) readTrees() error {
	if err := d.readLens(d.mainLens[:numChars]); err != nil {
		return err
	}
	if err := d.readLens(d.mainLens[numChars:]); err != nil {
		return err
	}
	if err := d.mainDec.Init(d.mainLens[:], maxMainCodeLen); err != nil {
		return err
	}
	if err := d.readLens(d.lenLens[:]); err != nil {
		return err
	}
	return d.lenDec.Init(d.lenLens[:], maxLenCodeLen)
}

// readLens updates lens in place from a pretree-coded delta sequence.
func (d *Decompressor) readLens(lens []byte) error {
	for i := range d.preLens {
		d.preLens[i] = byte(d.br.Bits(4))
	}
	if err := d.preDec.Init(d.preLens[:], maxPretreeCodeLen); err != nil {
		return err
	}

	i := 0
	for i < len(lens) {
		sym, err := d.preDec.ReadSym(&d.br)
		if err != nil {
			return err
		}
		switch {
		case sym == 17:
			n := int(d.br.Bits(4)) + 4
			if i+n > len(lens) {
				return compress.ErrCorrupt
			}
			for ; n > 0; n-- {
				lens[i] = 0
				i++
			}
		case sym == 18:
			n := int(d.br.Bits(5)) + 20
			if i+n > len(lens) {
				return compress.ErrCorrupt
			}
			for ; n > 0; n-- {
				lens[i] = 0
				i++
			}
		case sym == 19:
			n := int(d.br.Bit()) + 4
			if i+n > len(lens) {
				return compress.ErrCorrupt
			}
			s, err := d.preDec.ReadSym(&d.br)
			if err != nil {
				return err
			}
			if s > 16 {
				return compress.ErrCorrupt
			}
			v := byte((int(lens[i]) - s + 17) % 17)
			for ; n > 0; n-- {
				lens[i] = v
				i++
			}
		default:
			lens[i] = byte((int(lens[i]) - sym + 17) % 17)
			i++
		}
	}
	return nil
}

// decodeBlock decodes literals and matches until the block's output budget
// is consumed.
func (d *Decompressor) decodeBlock(dst []byte, pos, end int, aligned bool, recent *[3]int) (int, error) {
	for pos < end {
		sym, err := d.mainDec.ReadSym(&d.br)
		if err != nil {
			return 0, err
		}
		if sym < numChars {
			dst[pos] = byte(sym)
			pos++
			continue
		}

		sym -= numChars
		slot := sym >> 3
		lenHdr := sym & 7
		length := lenHdr + minMatch
		if lenHdr == numPrimaryLens {
			ls, err := d.lenDec.ReadSym(&d.br)
			if err != nil {
				return 0, err
			}
			length += ls
		}

		var dist int
		switch slot {
		case 0:
			dist = recent[0]
		case 1:
			dist = recent[1]
			recent[1] = recent[0]
			recent[0] = dist
		case 2:
			dist = recent[2]
			recent[2] = recent[0]
			recent[0] = dist
		default:
			eb := extraBits[slot]
			var formatted uint32
			if aligned && eb >= 3 {
				verbatim := d.br.Bits(eb-3) << 3
				as, err := d.alignedDec.ReadSym(&d.br)
				if err != nil {
					return 0, err
				}
				formatted = posBase[slot] + verbatim + uint32(as)
			} else {
				formatted = posBase[slot] + d.br.Bits(eb)
			}
			dist = int(formatted) - formattedOffsetShift
			recent[2] = recent[1]
			recent[1] = recent[0]
			recent[0] = dist
		}

		pos, err = compress.CopyMatch(dst, pos, dist, length)
		if err != nil {
			return 0, err
		}
	}
	return pos, nil
}
