package wimfile

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	// HeaderSize is the fixed on-disk size of the archive header.
	HeaderSize = 208

	// Version is the format version this library reads and writes.
	Version = 0x10d00

	// ChunkSize is the uncompressed chunk size of every compressed
	// resource. The format fixes it at 32 KiB.
	ChunkSize = 32768
)

var magic = [8]byte{'M', 'S', 'W', 'I', 'M', 0, 0, 0}

// Header is the parsed 208-byte archive header.
type Header struct {
	Version      uint32
	Flags        Flags
	ChunkSize    uint32
	GUID         uuid.UUID
	PartNumber   uint16
	TotalParts   uint16
	ImageCount   uint32
	BlobTable    ResourceEntry
	XMLData      ResourceEntry
	BootMetadata ResourceEntry
	BootIndex    uint32
	Integrity    ResourceEntry
}

// NewHeader returns a header for a fresh single-part archive using the
// given codec, with a newly generated GUID and no images.
func NewHeader(c Compression) *Header {
	h := &Header{
		Version:    Version,
		ChunkSize:  ChunkSize,
		GUID:       uuid.New(),
		PartNumber: 1,
		TotalParts: 1,
	}
	switch c {
	case CompressionXPRESS:
		h.Flags = FlagCompression | FlagCompressXPRESS
	case CompressionLZX:
		h.Flags = FlagCompression | FlagCompressLZX
	}
	return h
}

// Compression resolves the header flags to a chunk codec. A compressed
// archive must declare exactly one codec.
func (h *Header) Compression() (Compression, error) {
	if h.Flags&FlagCompression == 0 {
		return CompressionNone, nil
	}
	switch h.Flags & (FlagCompressXPRESS | FlagCompressLZX) {
	case FlagCompressXPRESS:
		return CompressionXPRESS, nil
	case FlagCompressLZX:
		return CompressionLZX, nil
	}
	return CompressionNone, fmt.Errorf("%w: ambiguous compression flags %#x", ErrInvalidHeader, uint32(h.Flags))
}

// HasIntegrity reports whether the archive carries an integrity table.
func (h *Header) HasIntegrity() bool {
	return !h.Integrity.IsZero()
}

// MaskedField identifies a resource-entry header field whose reserved bits
// were set on disk and masked during a lenient parse.
type MaskedField string

// ParseHeader decodes the archive header from b. In strict mode, reserved
// bits set in any resource entry fail with ErrInvalidHeader; otherwise the
// bits are masked and the affected fields are reported so the caller can
// warn.
func ParseHeader(b []byte, strict bool) (*Header, []MaskedField, error) {
	if len(b) < HeaderSize {
		return nil, nil, fmt.Errorf("%w: short header (%d bytes)", ErrInvalidHeader, len(b))
	}
	if !bytes.Equal(b[0:8], magic[:]) {
		return nil, nil, fmt.Errorf("%w: bad magic", ErrInvalidHeader)
	}
	if size := binary.LittleEndian.Uint32(b[8:12]); size != HeaderSize {
		return nil, nil, fmt.Errorf("%w: header size %d", ErrInvalidHeader, size)
	}

	h := &Header{
		Version:    binary.LittleEndian.Uint32(b[12:16]),
		Flags:      Flags(binary.LittleEndian.Uint32(b[16:20])),
		ChunkSize:  binary.LittleEndian.Uint32(b[20:24]),
		PartNumber: binary.LittleEndian.Uint16(b[40:42]),
		TotalParts: binary.LittleEndian.Uint16(b[42:44]),
		ImageCount: binary.LittleEndian.Uint32(b[44:48]),
		BootIndex:  binary.LittleEndian.Uint32(b[120:124]),
	}
	copy(h.GUID[:], b[24:40])

	if h.Version != Version {
		return nil, nil, fmt.Errorf("%w: %#x", ErrUnsupportedVersion, h.Version)
	}
	if h.Flags&FlagCompression != 0 && h.ChunkSize != ChunkSize {
		return nil, nil, fmt.Errorf("%w: chunk size %d", ErrInvalidHeader, h.ChunkSize)
	}
	if h.PartNumber == 0 || h.TotalParts == 0 || h.PartNumber > h.TotalParts {
		return nil, nil, fmt.Errorf("%w: part %d of %d", ErrInvalidHeader, h.PartNumber, h.TotalParts)
	}

	var warnings []MaskedField
	get := func(off int, name MaskedField) (ResourceEntry, error) {
		e, masked := GetResourceEntry(b[off : off+ResEntrySize])
		if masked {
			if strict {
				return e, fmt.Errorf("%w: reserved bits set in %s resource entry", ErrInvalidHeader, name)
			}
			warnings = append(warnings, name)
		}
		return e, nil
	}

	var err error
	if h.BlobTable, err = get(48, "blob table"); err != nil {
		return nil, nil, err
	}
	if h.XMLData, err = get(72, "xml data"); err != nil {
		return nil, nil, err
	}
	if h.BootMetadata, err = get(96, "boot metadata"); err != nil {
		return nil, nil, err
	}
	if h.Integrity, err = get(124, "integrity table"); err != nil {
		return nil, nil, err
	}

	if h.BootIndex > h.ImageCount {
		return nil, nil, fmt.Errorf("%w: boot index %d with %d images", ErrInvalidHeader, h.BootIndex, h.ImageCount)
	}
	return h, warnings, nil
}

// Encode serializes the header to its fixed 208-byte layout.
func (h *Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	copy(b[0:8], magic[:])
	binary.LittleEndian.PutUint32(b[8:12], HeaderSize)
	binary.LittleEndian.PutUint32(b[12:16], h.Version)
	binary.LittleEndian.PutUint32(b[16:20], uint32(h.Flags))
	binary.LittleEndian.PutUint32(b[20:24], h.ChunkSize)
	copy(b[24:40], h.GUID[:])
	binary.LittleEndian.PutUint16(b[40:42], h.PartNumber)
	binary.LittleEndian.PutUint16(b[42:44], h.TotalParts)
	binary.LittleEndian.PutUint32(b[44:48], h.ImageCount)
	PutResourceEntry(b[48:72], h.BlobTable)
	PutResourceEntry(b[72:96], h.XMLData)
	PutResourceEntry(b[96:120], h.BootMetadata)
	binary.LittleEndian.PutUint32(b[120:124], h.BootIndex)
	PutResourceEntry(b[124:148], h.Integrity)
	return b
}
