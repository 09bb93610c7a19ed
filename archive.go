package wim

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/wimkit/wim/internal/blobtable"
	"github.com/wimkit/wim/internal/handlepool"
	"github.com/wimkit/wim/internal/integrity"
	"github.com/wimkit/wim/internal/metadata"
	"github.com/wimkit/wim/internal/resource"
	"github.com/wimkit/wim/internal/wimfile"
	"github.com/wimkit/wim/internal/xmlinfo"
)

// Compression selects the chunk codec of an archive.
type Compression = wimfile.Compression

// Chunk codecs. Compressed archives use one of XPRESS or LZX for every
// compressed resource; the choice is a whole-archive property.
const (
	CompressionNone   = wimfile.CompressionNone
	CompressionXPRESS = wimfile.CompressionXPRESS
	CompressionLZX    = wimfile.CompressionLZX
)

// Warning is a non-fatal problem found while reading or writing, kept
// in archive order.
type Warning struct {
	Path    string
	Message string
}

// image pairs an archive image's metadata blob with its lazily parsed
// tree. A freshly captured or exported image has no blob until Write.
type image struct {
	meta *blobtable.Blob
	tree *metadata.Image
}

// Archive is an open WIM archive: header, blob table, image metadata
// and the XML property bag. An Archive is not safe for concurrent use:
// Apply and Extract cache parsed image trees and record warnings
// without locking.
type Archive struct {
	path  string
	hdr   *wimfile.Header
	codec Compression
	blobs *blobtable.Table
	info  *xmlinfo.Info

	pool   *handlepool.Pool
	rd     *resource.Reader
	images []*image

	opts     openOptions
	warnings []Warning
	closed   bool
}

// New returns an empty in-memory archive. It has no backing file until
// Write.
func New(opts ...OpenOption) *Archive {
	o := defaultOpenOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Archive{
		hdr:   wimfile.NewHeader(o.Codec),
		codec: o.Codec,
		blobs: blobtable.New(),
		info:  xmlinfo.New(),
		opts:  o,
	}
}

// Open reads an archive's header, blob table and XML data. Image trees
// load lazily on first use. Spanned parts cannot be opened directly.
func Open(path string, opts ...OpenOption) (*Archive, error) {
	o := defaultOpenOptions()
	for _, opt := range opts {
		opt(&o)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	a := &Archive{path: path, opts: o}
	if err := a.load(f); err != nil {
		return nil, err
	}
	a.pool = handlepool.New(path, o.MaxHandles)
	return a, nil
}

func (a *Archive) load(f *os.File) error {
	hbuf := make([]byte, wimfile.HeaderSize)
	if _, err := io.ReadFull(f, hbuf); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	hdr, masked, err := wimfile.ParseHeader(hbuf, a.opts.Strict)
	if err != nil {
		return err
	}
	for _, field := range masked {
		a.warnf("/", "reserved bits masked in %s resource entry", field)
	}
	if hdr.TotalParts > 1 {
		return fmt.Errorf("%w: part %d of %d", ErrSpanned, hdr.PartNumber, hdr.TotalParts)
	}
	a.hdr = hdr

	if a.codec, err = hdr.Compression(); err != nil {
		return err
	}
	if a.rd, err = resource.NewReader(a.codec); err != nil {
		return err
	}

	if hdr.HasIntegrity() && a.opts.VerifyOnOpen {
		if err := a.verifyIntegrity(f); err != nil {
			return err
		}
	}

	tbuf := make([]byte, hdr.BlobTable.OriginalSize)
	if err := a.rd.ReadFull(context.Background(), f, hdr.BlobTable, tbuf); err != nil {
		return err
	}
	blobs, maskedEntries, err := blobtable.Parse(tbuf)
	if err != nil {
		return err
	}
	if maskedEntries > 0 {
		if a.opts.Strict {
			return fmt.Errorf("%w: reserved bits set in %d blob-table entries", ErrInvalidHeader, maskedEntries)
		}
		a.warnf("/", "reserved bits masked in %d blob-table entries", maskedEntries)
	}
	a.blobs = blobs

	metas := blobs.Metadata()
	if uint32(len(metas)) != hdr.ImageCount {
		return fmt.Errorf("%w: header declares %d images, blob table holds %d",
			ErrImageCountMismatch, hdr.ImageCount, len(metas))
	}
	a.images = make([]*image, len(metas))
	for i, m := range metas {
		a.images[i] = &image{meta: m}
	}

	xbuf := make([]byte, hdr.XMLData.OriginalSize)
	if err := a.rd.ReadFull(context.Background(), f, hdr.XMLData, xbuf); err != nil {
		return err
	}
	info, err := xmlinfo.Parse(xbuf, a.opts.Logger)
	if err != nil {
		return err
	}
	for info.ImageCount() < len(a.images) {
		// Archives with sparse XML still need an entry per image so
		// names and stats have a place to live.
		if _, err := info.AddImage("", ""); err != nil {
			return err
		}
	}
	a.info = info
	return nil
}

// verifyIntegrity checks the whole-file integrity table over the
// resource region.
func (a *Archive) verifyIntegrity(f *os.File) error {
	table := make([]byte, a.hdr.Integrity.OriginalSize)
	if err := a.rd.ReadFull(context.Background(), f, a.hdr.Integrity, table); err != nil {
		return err
	}
	end := a.hdr.BlobTable.Offset + a.hdr.BlobTable.Size
	region := end - wimfile.HeaderSize
	if region < 0 {
		return fmt.Errorf("%w: resource region ends before the header", ErrInvalidHeader)
	}
	sec := io.NewSectionReader(f, wimfile.HeaderSize, region)
	if err := integrity.VerifyTable(sec, region, table); err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return nil
}

// Close releases the archive's file handles. The in-memory state stays
// readable, but blob content is gone.
func (a *Archive) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if a.pool != nil {
		return a.pool.Close()
	}
	return nil
}

// Path returns the backing file path, empty for an unwritten archive.
func (a *Archive) Path() string { return a.path }

// GUID returns the archive identity carried in the header.
func (a *Archive) GUID() uuid.UUID { return a.hdr.GUID }

// Compression returns the archive's chunk codec.
func (a *Archive) Compression() Compression { return a.codec }

// ImageCount returns the number of images.
func (a *Archive) ImageCount() int { return len(a.images) }

// BootIndex returns the 1-based boot image index, 0 when none is set.
func (a *Archive) BootIndex() int { return int(a.hdr.BootIndex) }

// SetBootIndex marks an image as the boot image. Zero clears it.
func (a *Archive) SetBootIndex(index int) error {
	if index < 0 || index > len(a.images) {
		return fmt.Errorf("%w: index %d of %d", ErrNoImage, index, len(a.images))
	}
	a.hdr.BootIndex = uint32(index)
	return nil
}

// ResolveImage resolves an image reference: a 1-based index in decimal,
// or an image name compared case-insensitively.
func (a *Archive) ResolveImage(ref string) (int, error) {
	var index int
	if _, err := fmt.Sscanf(ref, "%d", &index); err == nil && fmt.Sprint(index) == ref {
		if index < 1 || index > len(a.images) {
			return 0, fmt.Errorf("%w: index %d of %d", ErrNoImage, index, len(a.images))
		}
		return index, nil
	}
	if index = a.info.ResolveName(ref); index == 0 {
		return 0, fmt.Errorf("%w: %q", ErrNoImage, ref)
	}
	return index, nil
}

// Warnings returns the non-fatal problems collected so far, in the
// order found.
func (a *Archive) Warnings() []Warning { return a.warnings }

func (a *Archive) warnf(path, format string, args ...any) {
	w := Warning{Path: path, Message: fmt.Sprintf(format, args...)}
	a.warnings = append(a.warnings, w)
	a.log().Warn("archive warning", "path", w.Path, "message", w.Message)
}

func (a *Archive) log() *slog.Logger {
	if a.opts.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return a.opts.Logger
}

// loadImage parses the 1-based image's metadata resource, caching the
// tree for later calls.
func (a *Archive) loadImage(ctx context.Context, index int) (*metadata.Image, error) {
	if index < 1 || index > len(a.images) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrNoImage, index, len(a.images))
	}
	img := a.images[index-1]
	if img.tree != nil {
		return img.tree, nil
	}
	if a.closed {
		return nil, ErrClosed
	}

	buf := make([]byte, img.meta.Res.OriginalSize)
	f, err := a.pool.Acquire()
	if err != nil {
		return nil, err
	}
	err = a.rd.ReadBlob(ctx, f, img.meta.Res, img.meta.Hash, buf)
	a.pool.Release(f)
	if err != nil {
		return nil, err
	}

	tree, warnings, err := metadata.Parse(buf, metadata.Options{
		DuplicateUnnamedIsError: a.opts.DuplicateStreams == DuplicateStreamsError,
	})
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		a.warnf(w.Path, "image %d: %s", index, w.Message)
	}
	img.tree = tree
	return tree, nil
}

// blobReader adapts the archive to the apply pipeline's blob source.
// Blobs not yet written to this archive drain their capture or export
// opener instead.
type blobReader struct {
	a   *Archive
	ctx context.Context
}

func (r blobReader) OpenBlob(b *blobtable.Blob) (io.ReadCloser, error) {
	if b.Open != nil {
		return b.Open()
	}
	if r.a.closed {
		return nil, ErrClosed
	}
	f, err := r.a.pool.Acquire()
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	go func() {
		err := r.a.rd.ReadChunks(r.ctx, f, b.Res, func(p []byte) error {
			_, werr := pw.Write(p)
			return werr
		})
		r.a.pool.Release(f)
		pw.CloseWithError(err)
	}()
	return pr, nil
}
