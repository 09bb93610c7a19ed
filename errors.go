package wim

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/wimkit/wim/internal/apply"
	"github.com/wimkit/wim/internal/blobtable"
	"github.com/wimkit/wim/internal/capture"
	"github.com/wimkit/wim/internal/dentry"
	"github.com/wimkit/wim/internal/metadata"
	"github.com/wimkit/wim/internal/reparse"
	"github.com/wimkit/wim/internal/resource"
	"github.com/wimkit/wim/internal/wimfile"
	"github.com/wimkit/wim/internal/xmlinfo"
)

// Errors re-exported from the format layers.
var (
	// ErrInvalidHeader is returned when the archive header or a resource
	// entry does not parse, or when strict mode rejects reserved bits.
	ErrInvalidHeader = wimfile.ErrInvalidHeader

	// ErrUnsupportedVersion is returned for archives declaring a format
	// version this library does not implement.
	ErrUnsupportedVersion = wimfile.ErrUnsupportedVersion

	// ErrInvalidMetadata is returned when an image metadata resource does
	// not parse.
	ErrInvalidMetadata = metadata.ErrInvalidMetadata

	// ErrInvalidSecurityData is returned when an image's security
	// descriptor table does not parse.
	ErrInvalidSecurityData = metadata.ErrInvalidSecurityData

	// ErrInvalidBlobTable is returned when the blob table resource does
	// not parse.
	ErrInvalidBlobTable = blobtable.ErrInvalidTable

	// ErrInvalidReparseData is returned when reparse-point data does not
	// parse or exceeds the format maximum.
	ErrInvalidReparseData = reparse.ErrInvalidData

	// ErrDecompression is returned when a compressed chunk fails to
	// decompress.
	ErrDecompression = resource.ErrDecompression

	// ErrInvalidResourceHash is returned when a blob's content does not
	// hash to its blob-table key.
	ErrInvalidResourceHash = resource.ErrHashMismatch

	// ErrCorruptResource is returned when a resource's chunk table is
	// inconsistent with its declared sizes.
	ErrCorruptResource = resource.ErrCorrupt

	// ErrNameCollision is returned when an image name is already taken,
	// compared case-insensitively.
	ErrNameCollision = xmlinfo.ErrNameCollision

	// ErrNoImage is returned when an image index or name does not
	// resolve.
	ErrNoImage = xmlinfo.ErrNoImage

	// ErrNotADirectory is returned by the dentry layer when a child is
	// added under a dentry that is not a directory.
	ErrNotADirectory = dentry.ErrNotADirectory

	// ErrUnsupportedFeature is returned in strict mode when an image uses
	// a feature the apply target cannot represent.
	ErrUnsupportedFeature = apply.ErrUnsupported

	// ErrCapture is returned for capture failures when the caller did not
	// ask to continue past them.
	ErrCapture = capture.ErrCapture

	// ErrApply is returned when an image cannot be written to the apply
	// target.
	ErrApply = apply.ErrApply
)

// Errors raised by the archive layer itself.
var (
	// ErrIntegrity is returned when the whole-file integrity table does
	// not match the archive content.
	ErrIntegrity = errors.New("wim: integrity table mismatch")

	// ErrImageCountMismatch is returned when the header image count
	// disagrees with the metadata resources in the blob table.
	ErrImageCountMismatch = errors.New("wim: image count mismatch")

	// ErrClosed is returned by operations on a closed archive.
	ErrClosed = errors.New("wim: archive is closed")

	// ErrSpanned is returned when a spanned part is opened directly;
	// parts cannot be read in isolation.
	ErrSpanned = errors.New("wim: spanned archive part")
)

// ErrorKind classifies an error for the CLI exit-code contract. The
// numeric values are stable.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindRead
	KindWrite
	KindOpen
	KindSeek
	KindDecompressionFailed
	KindInvalidResourceHash
	KindInvalidReparseData
	KindInvalidMetadata
	KindInvalidHeader
	KindInvalidSecurityData
	KindUnsupported
	KindImageNameCollision
	KindNoImage
	KindNotADirectory
	KindImageCountMismatch
	KindOutOfMemory
	KindCancelled
	KindNtfsVolume
)

var kindNames = map[ErrorKind]string{
	KindNone:                "none",
	KindRead:                "read",
	KindWrite:               "write",
	KindOpen:                "open",
	KindSeek:                "seek",
	KindDecompressionFailed: "decompression failed",
	KindInvalidResourceHash: "invalid resource hash",
	KindInvalidReparseData:  "invalid reparse data",
	KindInvalidMetadata:     "invalid metadata",
	KindInvalidHeader:       "invalid header",
	KindInvalidSecurityData: "invalid security data",
	KindUnsupported:         "unsupported",
	KindImageNameCollision:  "image name collision",
	KindNoImage:             "no such image",
	KindNotADirectory:       "not a directory",
	KindImageCountMismatch:  "image count mismatch",
	KindOutOfMemory:         "out of memory",
	KindCancelled:           "cancelled",
	KindNtfsVolume:          "ntfs volume",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Kind maps an error to its ErrorKind. Unrecognized errors classify as
// KindRead, the generic failure on the consuming side.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, ErrUnsupportedVersion),
		errors.Is(err, ErrUnsupportedFeature),
		errors.Is(err, resource.ErrUnsupportedCodec),
		errors.Is(err, ErrSpanned):
		return KindUnsupported
	case errors.Is(err, ErrInvalidHeader), errors.Is(err, ErrInvalidBlobTable):
		return KindInvalidHeader
	case errors.Is(err, ErrInvalidMetadata):
		return KindInvalidMetadata
	case errors.Is(err, ErrInvalidSecurityData):
		return KindInvalidSecurityData
	case errors.Is(err, ErrInvalidReparseData):
		return KindInvalidReparseData
	case errors.Is(err, ErrDecompression):
		return KindDecompressionFailed
	case errors.Is(err, ErrInvalidResourceHash),
		errors.Is(err, ErrCorruptResource),
		errors.Is(err, ErrIntegrity):
		return KindInvalidResourceHash
	case errors.Is(err, ErrNameCollision):
		return KindImageNameCollision
	case errors.Is(err, ErrNoImage):
		return KindNoImage
	case errors.Is(err, ErrNotADirectory):
		return KindNotADirectory
	case errors.Is(err, ErrImageCountMismatch):
		return KindImageCountMismatch
	default:
		return pathErrorKind(err)
	}
}

// pathErrorKind distinguishes the I/O kinds by the failing operation.
func pathErrorKind(err error) ErrorKind {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return KindOpen
	}
	var pe *os.PathError
	if errors.As(err, &pe) {
		switch pe.Op {
		case "open", "openat", "lstat", "stat":
			return KindOpen
		case "write", "truncate", "mkdir", "symlink", "link", "chmod", "utimes":
			return KindWrite
		case "seek":
			return KindSeek
		}
	}
	return KindRead
}
