package wimfile

import "errors"

// Sentinel errors for header and resource-entry parsing.
var (
	// ErrInvalidHeader is returned when the archive header or an embedded
	// resource entry is malformed.
	ErrInvalidHeader = errors.New("wimfile: invalid header")

	// ErrUnsupportedVersion is returned for format versions other than the
	// one this library implements.
	ErrUnsupportedVersion = errors.New("wimfile: unsupported format version")
)
