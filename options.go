package wim

import (
	"log/slog"

	"github.com/moby/patternmatcher"
)

// DuplicateStreamPolicy decides what happens when an image's metadata
// declares two unnamed data streams for one file.
type DuplicateStreamPolicy int

const (
	// DuplicateStreamsKeepFirst keeps the first unnamed stream and
	// records a warning for the rest.
	DuplicateStreamsKeepFirst DuplicateStreamPolicy = iota

	// DuplicateStreamsError fails the metadata parse instead.
	DuplicateStreamsError
)

type openOptions struct {
	Codec            Compression
	Strict           bool
	VerifyOnOpen     bool
	MaxHandles       int
	Logger           *slog.Logger
	DuplicateStreams DuplicateStreamPolicy
}

func defaultOpenOptions() openOptions {
	return openOptions{
		Codec:      CompressionXPRESS,
		MaxHandles: 8,
	}
}

// OpenOption configures [New] and [Open].
type OpenOption func(*openOptions)

// WithCompression sets the chunk codec of a new archive. Opening an
// existing archive takes the codec from its header instead.
func WithCompression(c Compression) OpenOption {
	return func(o *openOptions) { o.Codec = c }
}

// WithStrict rejects reserved bits and unrepresentable features instead
// of masking them with a warning.
func WithStrict() OpenOption {
	return func(o *openOptions) { o.Strict = true }
}

// WithVerifyOnOpen checks the whole-file integrity table, when the
// archive carries one, before Open returns.
func WithVerifyOnOpen() OpenOption {
	return func(o *openOptions) { o.VerifyOnOpen = true }
}

// WithMaxHandles caps the archive's read handle pool. Concurrent reads
// past the cap wait for a free handle.
func WithMaxHandles(n int) OpenOption {
	return func(o *openOptions) { o.MaxHandles = n }
}

// WithLogger routes the archive's diagnostics. Without it nothing is
// logged.
func WithLogger(l *slog.Logger) OpenOption {
	return func(o *openOptions) { o.Logger = l }
}

// WithDuplicateStreamPolicy sets how duplicate unnamed streams in image
// metadata are handled.
func WithDuplicateStreamPolicy(p DuplicateStreamPolicy) OpenOption {
	return func(o *openOptions) { o.DuplicateStreams = p }
}

type captureOptions struct {
	Description      string
	Excludes         []string
	Workers          int
	ContinueOnErrors bool
	Boot             bool
}

// CaptureOption configures [Archive.Capture].
type CaptureOption func(*captureOptions)

// WithDescription sets the new image's description.
func WithDescription(desc string) CaptureOption {
	return func(o *captureOptions) { o.Description = desc }
}

// WithExcludePatterns skips source paths matching the given patterns.
// Patterns follow the gitignore-style syntax of
// [patternmatcher.PatternMatcher] and match image-relative slash paths.
func WithExcludePatterns(patterns ...string) CaptureOption {
	return func(o *captureOptions) { o.Excludes = append(o.Excludes, patterns...) }
}

// WithWorkers sets the number of concurrent hashing workers.
func WithWorkers(n int) CaptureOption {
	return func(o *captureOptions) { o.Workers = n }
}

// WithContinueOnErrors records unreadable source files as warnings and
// captures the rest, instead of failing.
func WithContinueOnErrors() CaptureOption {
	return func(o *captureOptions) { o.ContinueOnErrors = true }
}

// WithBoot marks the captured image as the archive's boot image.
func WithBoot() CaptureOption {
	return func(o *captureOptions) { o.Boot = true }
}

func (o captureOptions) matcher() (*patternmatcher.PatternMatcher, error) {
	if len(o.Excludes) == 0 {
		return nil, nil
	}
	return patternmatcher.New(o.Excludes)
}

type applyOptions struct {
	Strict bool
}

// ApplyOption configures [Archive.Apply] and [Archive.Extract].
type ApplyOption func(*applyOptions)

// WithStrictFeatures fails the apply when the image uses a feature the
// target cannot represent, instead of dropping it with a warning.
func WithStrictFeatures() ApplyOption {
	return func(o *applyOptions) { o.Strict = true }
}

// Progress reports blob bytes stored so far against the total to
// store. It is called from the writing goroutine; keep it fast.
type Progress func(done, total int64)

type writeOptions struct {
	Integrity bool
	Progress  Progress
}

// WriteOption configures [Archive.Write] and [Archive.Append].
type WriteOption func(*writeOptions)

// WithIntegrityTable appends a whole-file integrity table so later
// opens can verify the archive without rehashing every blob.
func WithIntegrityTable() WriteOption {
	return func(o *writeOptions) { o.Integrity = true }
}

// WithProgress reports write progress as blob content is stored.
func WithProgress(fn Progress) WriteOption {
	return func(o *writeOptions) { o.Progress = fn }
}
