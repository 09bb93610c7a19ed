package wim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wimkit/wim/internal/blobtable"
	"github.com/wimkit/wim/internal/handlepool"
	"github.com/wimkit/wim/internal/integrity"
	"github.com/wimkit/wim/internal/metadata"
	"github.com/wimkit/wim/internal/resource"
	"github.com/wimkit/wim/internal/wimfile"
)

// ErrNoBackingFile is returned by Append on an archive that has never
// been written.
var ErrNoBackingFile = errors.New("wim: archive has no backing file")

// copyBlob writes one blob's content to out as a resource, draining the
// blob's opener for unwritten content and the backing file otherwise.
// The rewritten content must hash back to the blob's key.
func (a *Archive) copyBlob(ctx context.Context, out *os.File, b *blobtable.Blob) (wimfile.ResourceEntry, error) {
	w, err := resource.NewWriter(out, a.codec, b.Res.OriginalSize)
	if err != nil {
		return wimfile.ResourceEntry{}, err
	}

	if b.Open != nil {
		rc, err := b.Open()
		if err != nil {
			return wimfile.ResourceEntry{}, err
		}
		buf := make([]byte, wimfile.ChunkSize)
		for {
			n, rerr := rc.Read(buf)
			if n > 0 {
				if err := w.Feed(buf[:n]); err != nil {
					rc.Close()
					return wimfile.ResourceEntry{}, err
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				rc.Close()
				return wimfile.ResourceEntry{}, rerr
			}
		}
		if err := rc.Close(); err != nil {
			return wimfile.ResourceEntry{}, err
		}
	} else {
		f, err := a.pool.Acquire()
		if err != nil {
			return wimfile.ResourceEntry{}, err
		}
		err = a.rd.ReadChunks(ctx, f, b.Res, w.Feed)
		a.pool.Release(f)
		if err != nil {
			return wimfile.ResourceEntry{}, err
		}
	}

	entry, hash, err := w.End()
	if err != nil {
		return wimfile.ResourceEntry{}, err
	}
	if hash != b.Hash {
		return wimfile.ResourceEntry{}, fmt.Errorf("%w: blob %s rewrote to %s",
			ErrInvalidResourceHash, b.Hash, hash)
	}
	return entry, nil
}

// writeUncompressed stores data as a raw resource at the current file
// position.
func writeUncompressed(out *os.File, data []byte) (wimfile.ResourceEntry, error) {
	w, err := resource.NewWriter(out, wimfile.CompressionNone, int64(len(data)))
	if err != nil {
		return wimfile.ResourceEntry{}, err
	}
	if err := w.Feed(data); err != nil {
		return wimfile.ResourceEntry{}, err
	}
	entry, _, err := w.End()
	return entry, err
}

// writeMetadata encodes and stores one image's metadata resource.
func (a *Archive) writeMetadata(out *os.File, tree *metadata.Image) (wimfile.ResourceEntry, integrity.Hash, error) {
	enc, err := metadata.Encode(tree)
	if err != nil {
		return wimfile.ResourceEntry{}, integrity.Hash{}, err
	}
	w, err := resource.NewWriter(out, a.codec, int64(len(enc)))
	if err != nil {
		return wimfile.ResourceEntry{}, integrity.Hash{}, err
	}
	if err := w.Feed(enc); err != nil {
		return wimfile.ResourceEntry{}, integrity.Hash{}, err
	}
	entry, hash, err := w.End()
	if err != nil {
		return wimfile.ResourceEntry{}, integrity.Hash{}, err
	}
	entry.Flags |= wimfile.ResFlagMetadata
	return entry, hash, nil
}

// writeIntegrity builds and appends the whole-file integrity table over
// the resource region ending at the blob table.
func (a *Archive) writeIntegrity(out *os.File) (wimfile.ResourceEntry, error) {
	region := a.hdr.BlobTable.Offset + a.hdr.BlobTable.Size - wimfile.HeaderSize
	table, err := integrity.BuildTable(io.NewSectionReader(out, wimfile.HeaderSize, region), region)
	if err != nil {
		return wimfile.ResourceEntry{}, err
	}
	off, err := out.Seek(0, io.SeekEnd)
	if err != nil {
		return wimfile.ResourceEntry{}, err
	}
	if _, err := out.Write(table); err != nil {
		return wimfile.ResourceEntry{}, err
	}
	return wimfile.ResourceEntry{
		Size:         int64(len(table)),
		Offset:       off,
		OriginalSize: int64(len(table)),
	}, nil
}

// Write stores the archive at path: every blob, fresh metadata for
// every image, the blob table, the XML data and optionally an
// integrity table. Unreferenced blobs are dropped. After a successful
// Write the archive is backed by the new file.
//
// Writing over the archive's own backing file goes through a temporary
// sibling and a rename, so the source stays readable until the new
// content is complete.
func (a *Archive) Write(ctx context.Context, path string, opts ...WriteOption) error {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	for i := 1; i <= len(a.images); i++ {
		if _, err := a.loadImage(ctx, i); err != nil {
			return err
		}
	}

	dest := path
	if a.path != "" && samePath(a.path, path) {
		dest = path + ".tmp"
	}
	out, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := out.Write(make([]byte, wimfile.HeaderSize)); err != nil {
		return err
	}

	// Old metadata resources are replaced wholesale; dropping their
	// references lets Prune discard blobs orphaned by image deletion.
	for _, img := range a.images {
		if img.meta != nil {
			a.blobs.Unref(img.meta.Hash)
			img.meta = nil
		}
	}
	a.blobs.Prune()

	blobs := a.blobs.Sorted()
	var done, total int64
	for _, b := range blobs {
		total += b.Res.OriginalSize
	}
	for _, b := range blobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := a.copyBlob(ctx, out, b)
		if err != nil {
			return fmt.Errorf("blob %s: %w", b.Hash, err)
		}
		b.Res = entry
		b.PartNumber = 1
		b.Open = nil
		done += entry.OriginalSize
		if o.Progress != nil {
			o.Progress(done, total)
		}
	}

	a.hdr.BootMetadata = wimfile.ResourceEntry{}
	for i, img := range a.images {
		entry, hash, err := a.writeMetadata(out, img.tree)
		if err != nil {
			return fmt.Errorf("image %d metadata: %w", i+1, err)
		}
		mb, _ := a.blobs.Intern(hash, func() *blobtable.Blob { return &blobtable.Blob{} })
		mb.Res = entry
		mb.PartNumber = 1
		mb.Open = nil
		img.meta = mb
		if int(a.hdr.BootIndex) == i+1 {
			a.hdr.BootMetadata = entry
		}
	}

	if a.hdr.BlobTable, err = writeUncompressed(out, a.blobs.Encode()); err != nil {
		return err
	}

	size, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	a.info.TotalBytes = size
	xml, err := a.info.Encode()
	if err != nil {
		return err
	}
	if a.hdr.XMLData, err = writeUncompressed(out, xml); err != nil {
		return err
	}

	a.hdr.Integrity = wimfile.ResourceEntry{}
	if o.Integrity {
		if a.hdr.Integrity, err = a.writeIntegrity(out); err != nil {
			return err
		}
	}

	a.hdr.ImageCount = uint32(len(a.images))
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := out.Write(a.hdr.Encode()); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if a.pool != nil {
		a.pool.Close()
	}
	if dest != path {
		if err := os.Rename(dest, path); err != nil {
			return err
		}
	}
	a.path = path
	a.pool = handlepool.New(path, a.opts.MaxHandles)
	if a.rd == nil {
		if a.rd, err = resource.NewReader(a.codec); err != nil {
			return err
		}
	}
	a.closed = false
	return nil
}

// Append stores new content in place at the end of the backing file:
// unwritten blobs, metadata for new images, then a fresh blob table,
// XML data and header. Superseded table and XML bytes stay behind as
// dead space; Write reclaims them.
func (a *Archive) Append(ctx context.Context, opts ...WriteOption) error {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if a.path == "" {
		return ErrNoBackingFile
	}
	if a.closed {
		return ErrClosed
	}

	for i := 1; i <= len(a.images); i++ {
		if _, err := a.loadImage(ctx, i); err != nil {
			return err
		}
	}

	out, err := os.OpenFile(a.path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	var fresh []*blobtable.Blob
	var done, total int64
	for _, b := range a.blobs.Sorted() {
		if b.Open != nil {
			fresh = append(fresh, b)
			total += b.Res.OriginalSize
		}
	}
	for _, b := range fresh {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := a.copyBlob(ctx, out, b)
		if err != nil {
			return fmt.Errorf("blob %s: %w", b.Hash, err)
		}
		b.Res = entry
		b.PartNumber = 1
		b.Open = nil
		done += entry.OriginalSize
		if o.Progress != nil {
			o.Progress(done, total)
		}
	}

	for i, img := range a.images {
		if img.meta != nil {
			continue
		}
		entry, hash, err := a.writeMetadata(out, img.tree)
		if err != nil {
			return fmt.Errorf("image %d metadata: %w", i+1, err)
		}
		mb, _ := a.blobs.Intern(hash, func() *blobtable.Blob { return &blobtable.Blob{} })
		mb.Res = entry
		mb.PartNumber = 1
		img.meta = mb
	}

	a.hdr.BootMetadata = wimfile.ResourceEntry{}
	if boot := int(a.hdr.BootIndex); boot >= 1 && boot <= len(a.images) {
		if mb := a.images[boot-1].meta; mb != nil {
			a.hdr.BootMetadata = mb.Res
		}
	}

	if a.hdr.BlobTable, err = writeUncompressed(out, a.blobs.Encode()); err != nil {
		return err
	}

	size, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	a.info.TotalBytes = size
	xml, err := a.info.Encode()
	if err != nil {
		return err
	}
	if a.hdr.XMLData, err = writeUncompressed(out, xml); err != nil {
		return err
	}

	a.hdr.Integrity = wimfile.ResourceEntry{}
	if o.Integrity {
		if a.hdr.Integrity, err = a.writeIntegrity(out); err != nil {
			return err
		}
	}

	a.hdr.ImageCount = uint32(len(a.images))
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := out.Write(a.hdr.Encode()); err != nil {
		return err
	}
	return out.Close()
}

// samePath compares two paths after cleaning and, where the filesystem
// answers, by identity.
func samePath(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	fa, err1 := os.Stat(a)
	fb, err2 := os.Stat(b)
	return err1 == nil && err2 == nil && os.SameFile(fa, fb)
}

// splitPart is one file of a spanned set under construction.
type splitPart struct {
	path  string
	f     *os.File
	hdr   *wimfile.Header
	blobs *blobtable.Table
}

// Split writes the archive as a spanned set of parts of roughly
// partSize bytes each. The first part takes path as given; later parts
// insert their part number before the extension, so "base.swm" spans
// "base.swm", "base2.swm" and so on. Part one carries every metadata
// resource; each part carries the full XML data and a table of its own
// blobs. The archive itself stays backed by its original file.
func (a *Archive) Split(ctx context.Context, path string, partSize int64) error {
	if partSize <= 0 {
		return fmt.Errorf("wim: part size %d", partSize)
	}
	for i := 1; i <= len(a.images); i++ {
		if _, err := a.loadImage(ctx, i); err != nil {
			return err
		}
	}

	var parts []*splitPart
	fail := func(err error) error {
		for _, p := range parts {
			p.f.Close()
			os.Remove(p.path)
		}
		return err
	}

	start := func() (*splitPart, error) {
		p := &splitPart{
			path:  partPath(path, len(parts)+1),
			blobs: blobtable.New(),
		}
		hdr := *a.hdr
		hdr.Flags |= wimfile.FlagSpanned
		hdr.PartNumber = uint16(len(parts) + 1)
		hdr.ImageCount = uint32(len(a.images))
		hdr.BootMetadata = wimfile.ResourceEntry{}
		hdr.Integrity = wimfile.ResourceEntry{}
		p.hdr = &hdr

		f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, err
		}
		p.f = f
		if _, err := f.Write(make([]byte, wimfile.HeaderSize)); err != nil {
			f.Close()
			return nil, err
		}
		parts = append(parts, p)
		return p, nil
	}

	finish := func(p *splitPart) error {
		var err error
		if p.hdr.BlobTable, err = writeUncompressed(p.f, p.blobs.Encode()); err != nil {
			return err
		}
		size, err := p.f.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		a.info.TotalBytes = size
		xml, err := a.info.Encode()
		if err != nil {
			return err
		}
		p.hdr.XMLData, err = writeUncompressed(p.f, xml)
		return err
	}

	p, err := start()
	if err != nil {
		return fail(err)
	}

	for i, img := range a.images {
		entry, hash, err := a.writeMetadata(p.f, img.tree)
		if err != nil {
			return fail(fmt.Errorf("image %d metadata: %w", i+1, err))
		}
		mb, _ := p.blobs.Intern(hash, func() *blobtable.Blob { return &blobtable.Blob{} })
		mb.Res = entry
		mb.PartNumber = 1
		if int(a.hdr.BootIndex) == i+1 {
			p.hdr.BootMetadata = entry
		}
	}

	for _, b := range a.blobs.Sorted() {
		if b.Res.IsMetadata() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		off, err := p.f.Seek(0, io.SeekCurrent)
		if err != nil {
			return fail(err)
		}
		if off >= partSize && p.blobs.Len() > 0 {
			if err := finish(p); err != nil {
				return fail(err)
			}
			if p, err = start(); err != nil {
				return fail(err)
			}
		}
		entry, err := a.copyBlob(ctx, p.f, b)
		if err != nil {
			return fail(fmt.Errorf("blob %s: %w", b.Hash, err))
		}
		pb, _ := p.blobs.Intern(b.Hash, func() *blobtable.Blob { return &blobtable.Blob{} })
		pb.Res = entry
		pb.PartNumber = p.hdr.PartNumber
		pb.RefCount = b.RefCount
	}

	if err := finish(p); err != nil {
		return fail(err)
	}

	for _, p := range parts {
		p.hdr.TotalParts = uint16(len(parts))
		if _, err := p.f.Seek(0, io.SeekStart); err != nil {
			return fail(err)
		}
		if _, err := p.f.Write(p.hdr.Encode()); err != nil {
			return fail(err)
		}
		if err := p.f.Close(); err != nil {
			return fail(err)
		}
	}
	return nil
}

// partPath names the n-th part of a spanned set.
func partPath(path string, n int) string {
	if n == 1 {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + strconv.Itoa(n) + ext
}
