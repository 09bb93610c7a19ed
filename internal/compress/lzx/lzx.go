// Package lzx implements the LZX chunk codec variant used by WIM archives:
// a fixed 32 KiB window, a one-bit default block size header, and call
// instruction preprocessing with a fixed file size constant.
//
// A chunk holds one or more blocks. Verbatim and aligned-offset blocks
// carry Huffman trees transmitted as delta-coded lengths under a pretree;
// uncompressed blocks carry raw bytes after realigning the bitstream.
package lzx

import (
	"encoding/binary"

	"github.com/wimkit/wim/internal/compress"
)

const (
	minMatch = 2
	maxMatch = 257

	blockTypeVerbatim     = 1
	blockTypeAligned      = 2
	blockTypeUncompressed = 3

	numChars         = 256
	numPositionSlots = 30
	numPrimaryLens   = 7
	mainSyms         = numChars + numPositionSlots*(numPrimaryLens+1)
	lenSyms          = maxMatch - minMatch + 1 - numPrimaryLens
	alignedSyms      = 8
	pretreeSyms      = 20

	maxMainCodeLen    = 16
	maxLenCodeLen     = 16
	maxAlignedCodeLen = 7
	maxPretreeCodeLen = 15

	// Formatted offsets 0, 1 and 2 select the recent offsets queue.
	formattedOffsetShift = 2

	// The call instruction translation assumes this executable size.
	e8FileSize = 12000000
	e8Margin   = 10
)

var (
	posBase   [numPositionSlots]uint32
	extraBits [numPositionSlots]uint

	// maxFormattedOffset is the largest formatted offset the slot table
	// can express, computed once the tables are filled.
	maxFormattedOffset uint32
)

func init() {
	base := uint32(0)
	for slot := 0; slot < numPositionSlots; slot++ {
		posBase[slot] = base
		eb := uint(0)
		if slot >= 2 {
			eb = uint(slot)/2 - 1
		}
		extraBits[slot] = eb
		base += 1 << eb
	}
	maxFormattedOffset = base - 1
}

// positionSlot returns the slot whose base range contains the formatted
// offset.
func positionSlot(formatted uint32) int {
	slot := numPositionSlots - 1
	for posBase[slot] > formatted {
		slot--
	}
	return slot
}

// undoE8 reverses the call instruction translation after decompression.
// The translation is only ever applied to full-size chunks.
func undoE8(data []byte) {
	if len(data) != compress.ChunkSize {
		return
	}
	for i := 0; i < len(data)-e8Margin; i++ {
		if data[i] != 0xe8 {
			continue
		}
		abs := int32(binary.LittleEndian.Uint32(data[i+1:]))
		pos := int32(i)
		if abs >= -pos && abs < e8FileSize {
			var rel int32
			if abs >= 0 {
				rel = abs - pos
			} else {
				rel = abs + e8FileSize
			}
			binary.LittleEndian.PutUint32(data[i+1:], uint32(rel))
		}
		i += 4
	}
}

// doE8 applies the call instruction translation before compression.
func doE8(data []byte) {
	if len(data) != compress.ChunkSize {
		return
	}
	for i := 0; i < len(data)-e8Margin; i++ {
		if data[i] != 0xe8 {
			continue
		}
		rel := int32(binary.LittleEndian.Uint32(data[i+1:]))
		pos := int32(i)
		if rel >= -pos && rel < e8FileSize {
			var abs int32
			if rel < e8FileSize-pos {
				abs = rel + pos
			} else {
				abs = rel - e8FileSize
			}
			binary.LittleEndian.PutUint32(data[i+1:], uint32(abs))
		}
		i += 4
	}
}
