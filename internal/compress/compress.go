// Package compress provides the shared bitstream and prefix-code primitives
// for the XPRESS and LZX chunk codecs.
//
// Both codecs read a sequence of little-endian 16-bit words with bits
// consumed from the most significant end, and both interleave
// byte-granularity items (length escapes, uncompressed runs) into the same
// byte stream. The reader keeps 32 bits buffered and refills one word
// whenever the buffer drops below 16 bits; the writer reserves two word
// slots ahead of the byte cursor so that byte writes land exactly where the
// reader expects them.
package compress

import "errors"

// ChunkSize is the uncompressed size of every chunk of a compressed
// resource except possibly the last.
const ChunkSize = 32768

var (
	// ErrCorrupt is returned when a compressed chunk cannot be decoded.
	ErrCorrupt = errors.New("compress: invalid compressed data")

	// ErrNotCompressible is returned by a Compressor when the input does
	// not shrink. The caller stores the chunk uncompressed instead.
	ErrNotCompressible = errors.New("compress: data did not shrink")
)

// Compressor compresses one chunk at a time. Implementations keep internal
// scratch state and are not safe for concurrent use.
type Compressor interface {
	// Compress writes the compressed form of src into dst and returns the
	// number of bytes written. It returns ErrNotCompressible when the
	// result would not be smaller than src.
	Compress(dst, src []byte) (int, error)
}

// Decompressor decompresses one chunk at a time. Implementations keep
// internal scratch state and are not safe for concurrent use.
type Decompressor interface {
	// Decompress fills dst, whose length must be the exact uncompressed
	// size, from the compressed chunk in src.
	Decompress(dst, src []byte) error
}

// lzCopy copies a match of the given length from dist bytes back, one byte
// at a time so that overlapping copies replicate earlier output.
func lzCopy(dst []byte, pos, dist, length int) {
	for i := 0; i < length; i++ {
		dst[pos+i] = dst[pos+i-dist]
	}
}

// CopyMatch validates and performs an LZ77 match copy at pos and returns
// the new output position.
func CopyMatch(dst []byte, pos, dist, length int) (int, error) {
	if dist <= 0 || dist > pos {
		return 0, ErrCorrupt
	}
	if length < 0 || length > len(dst)-pos {
		return 0, ErrCorrupt
	}
	lzCopy(dst, pos, dist, length)
	return pos + length, nil
}
