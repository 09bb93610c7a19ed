// Package apply reconstructs an image tree onto a target file system,
// extracting every referenced blob exactly once.
package apply

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/wimkit/wim/internal/blobtable"
	"github.com/wimkit/wim/internal/dentry"
	"github.com/wimkit/wim/internal/integrity"
	"github.com/wimkit/wim/internal/metadata"
	"github.com/wimkit/wim/internal/reparse"
	"github.com/wimkit/wim/internal/wimfile"
)

var (
	// ErrApply is returned when an image cannot be written to the
	// target.
	ErrApply = errors.New("apply: cannot apply image")

	// ErrUnsupported is returned in strict mode when the image uses a
	// feature the target does not support.
	ErrUnsupported = errors.New("apply: unsupported target feature")
)

// Features is the capability mask a target reports before extraction
// starts.
type Features uint32

const (
	FeatureHardLinks Features = 1 << iota
	FeatureNamedStreams
	FeatureReparsePoints
	FeatureSecurity
	FeatureShortNames
	FeatureTimestamps
)

var featureNames = map[Features]string{
	FeatureHardLinks:     "hard links",
	FeatureNamedStreams:  "named streams",
	FeatureReparsePoints: "reparse points",
	FeatureSecurity:      "security descriptors",
	FeatureShortNames:    "short names",
	FeatureTimestamps:    "timestamps",
}

// Has reports whether every bit of x is set.
func (f Features) Has(x Features) bool { return f&x == x }

// Target is an apply back-end: a writable file-system view addressed by
// slash-separated paths relative to the extraction root. The empty path
// is the root itself.
type Target interface {
	// Features reports what the target can represent. The pipeline
	// never calls a method whose feature bit is absent.
	Features() Features

	// CreateDir makes a directory, parents included.
	CreateDir(path string) error

	// CreateFile makes an empty regular file, truncating any previous
	// content.
	CreateFile(path string) error

	// Link adds newpath as a hard link to oldpath.
	Link(oldpath, newpath string) error

	// OpenStream opens one of the file's streams for writing. The
	// unnamed data stream has name "".
	OpenStream(path, name string) (io.WriteCloser, error)

	// WriteReparse materializes a reparse point from its tag and data.
	// The node does not exist before the call.
	WriteReparse(path string, tag uint32, data []byte) error

	// SetAttributes applies Windows file attribute bits.
	SetAttributes(path string, attrs uint32) error

	// SetTimes applies the inode timestamps.
	SetTimes(path string, creation, access, write time.Time) error

	// SetSecurity applies a self-relative binary security descriptor.
	SetSecurity(path string, descriptor []byte) error

	// SetShortName applies the DOS 8.3 name.
	SetShortName(path, short string) error
}

// BlobSource yields the decompressed content of blobs, typically backed
// by the archive's resource reader.
type BlobSource interface {
	OpenBlob(b *blobtable.Blob) (io.ReadCloser, error)
}

// Warning is a non-fatal apply problem, reported per target path.
type Warning struct {
	Path    string
	Message string
}

// Result summarizes an apply run.
type Result struct {
	Warnings []Warning

	// ExtractedBytes counts bytes written to target streams; shared
	// blobs count once per stream they fan out to.
	ExtractedBytes int64
}

// Options adjust an apply run.
type Options struct {
	// Strict fails the apply when the image uses a feature the target
	// cannot represent, instead of dropping it with a warning.
	Strict bool

	Logger *slog.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithStrict makes unsupported target features fatal.
func WithStrict() Option {
	return func(o *Options) { o.Strict = true }
}

// WithLogger sets the logger for apply warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// streamTarget is one destination for a blob's bytes.
type streamTarget struct {
	path    string
	name    string
	reparse bool
	tag     uint32
}

type applier struct {
	src  BlobSource
	tgt  Target
	sec  *dentry.SecurityTable
	opts Options

	feat    Features
	dropped Features

	first    map[*dentry.Inode]string
	targets  map[integrity.Hash][]streamTarget
	warnings []Warning
	written  int64
}

// Apply writes img onto tgt, reading blob content through src. The blob
// table resolves stream hashes; it is not mutated.
func Apply(ctx context.Context, img *metadata.Image, blobs *blobtable.Table, src BlobSource, tgt Target, opts ...Option) (*Result, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	a := &applier{
		src:     src,
		tgt:     tgt,
		sec:     img.Security,
		opts:    o,
		feat:    tgt.Features(),
		first:   make(map[*dentry.Inode]string),
		targets: make(map[integrity.Hash][]streamTarget),
	}
	if err := a.negotiate(img.Root); err != nil {
		return nil, err
	}
	if err := a.createTree(ctx, img.Root, ""); err != nil {
		return nil, err
	}
	if err := a.extract(ctx, blobs); err != nil {
		return nil, err
	}
	if err := a.finalize(ctx, img.Root); err != nil {
		return nil, err
	}
	return &Result{Warnings: a.warnings, ExtractedBytes: a.written}, nil
}

func (a *applier) log() *slog.Logger {
	if a.opts.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return a.opts.Logger
}

func (a *applier) warnf(p, format string, args ...any) {
	w := Warning{Path: p, Message: fmt.Sprintf(format, args...)}
	a.warnings = append(a.warnings, w)
	a.log().Warn("apply warning", "path", w.Path, "message", w.Message)
}

// negotiate compares the features the image uses against what the
// target reports. Missing features fail in strict mode and are otherwise
// dropped with a single warning that names them all.
func (a *applier) negotiate(root *dentry.Dentry) error {
	var used Features
	seen := make(map[*dentry.Inode]bool)
	root.Walk(func(d *dentry.Dentry) error {
		n := d.Inode
		if n == nil {
			return nil
		}
		if seen[n] {
			used |= FeatureHardLinks
		}
		seen[n] = true
		if n.IsReparsePoint() {
			used |= FeatureReparsePoints
		}
		if n.SecurityID != dentry.NoSecurityID {
			used |= FeatureSecurity
		}
		if !n.CreationTime.IsZero() || !n.LastWriteTime.IsZero() {
			used |= FeatureTimestamps
		}
		if d.ShortName != "" {
			used |= FeatureShortNames
		}
		for _, s := range n.Streams {
			if s.Kind == dentry.StreamADS {
				used |= FeatureNamedStreams
			}
		}
		return nil
	})

	missing := used &^ a.feat
	if missing == 0 {
		return nil
	}
	if a.opts.Strict {
		return fmt.Errorf("%w: %s", ErrUnsupported, featureList(missing))
	}
	a.dropped = missing
	a.warnf("/", "target cannot represent %s; dropping", featureList(missing))
	return nil
}

func featureList(f Features) string {
	var names []string
	for bit, name := range featureNames {
		if f.Has(bit) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// createTree is phase one: a single preorder walk that creates each
// directory and each file, with its hard-link aliases and empty
// streams, as it is reached, setting security on creation. Directories
// are not all created before the first file. Attributes and timestamps
// wait for finalize so extraction does not disturb them.
func (a *applier) createTree(ctx context.Context, d *dentry.Dentry, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := d.Inode
	if n == nil {
		return fmt.Errorf("%w: %q has no inode", ErrApply, d.Path())
	}

	switch {
	case n.IsReparsePoint():
		return a.createReparse(d, p)
	case n.IsDirectory():
		if err := a.tgt.CreateDir(p); err != nil {
			return fmt.Errorf("%w: %v", ErrApply, err)
		}
		a.applyMetadata(d, p)
		for _, c := range d.Children() {
			if err := a.createTree(ctx, c, path.Join(p, c.Name)); err != nil {
				return err
			}
		}
		return nil
	default:
		return a.createFile(d, p)
	}
}

func (a *applier) createReparse(d *dentry.Dentry, p string) error {
	if a.dropped.Has(FeatureReparsePoints) {
		return nil
	}
	rs := d.Inode.ReparseStream()
	if rs == nil || rs.IsEmpty() {
		if err := a.tgt.WriteReparse(p, d.Inode.ReparseTag, nil); err != nil {
			return fmt.Errorf("%w: %v", ErrApply, err)
		}
		a.applyMetadata(d, p)
		return nil
	}
	a.addTarget(rs.Hash, streamTarget{path: p, reparse: true, tag: d.Inode.ReparseTag})
	return nil
}

func (a *applier) createFile(d *dentry.Dentry, p string) error {
	n := d.Inode
	if firstPath, ok := a.first[n]; ok && a.feat.Has(FeatureHardLinks) {
		if err := a.tgt.Link(firstPath, p); err != nil {
			return fmt.Errorf("%w: %v", ErrApply, err)
		}
		return nil
	}
	if err := a.tgt.CreateFile(p); err != nil {
		return fmt.Errorf("%w: %v", ErrApply, err)
	}
	if _, ok := a.first[n]; !ok {
		a.first[n] = p
	}
	a.applyMetadata(d, p)

	for _, s := range n.Streams {
		switch s.Kind {
		case dentry.StreamData:
			if !s.IsEmpty() {
				a.addTarget(s.Hash, streamTarget{path: p})
			}
		case dentry.StreamADS:
			if a.dropped.Has(FeatureNamedStreams) {
				continue
			}
			if s.IsEmpty() {
				// Empty streams carry no blob, so phase two
				// would never touch them.
				w, err := a.tgt.OpenStream(p, s.Name)
				if err != nil {
					return fmt.Errorf("%w: %v", ErrApply, err)
				}
				if err := w.Close(); err != nil {
					return fmt.Errorf("%w: %v", ErrApply, err)
				}
				continue
			}
			a.addTarget(s.Hash, streamTarget{path: p, name: s.Name})
		}
	}
	return nil
}

// applyMetadata sets security and the short name at creation time.
func (a *applier) applyMetadata(d *dentry.Dentry, p string) {
	n := d.Inode
	if n.SecurityID != dentry.NoSecurityID && a.feat.Has(FeatureSecurity) {
		if desc := a.sec.Get(n.SecurityID); desc != nil {
			if err := a.tgt.SetSecurity(p, FixDescriptor(desc)); err != nil {
				a.warnf(p, "cannot set security descriptor: %v", err)
			}
		}
	}
	if d.ShortName != "" && a.feat.Has(FeatureShortNames) {
		if err := a.tgt.SetShortName(p, d.ShortName); err != nil {
			a.warnf(p, "cannot set short name: %v", err)
		}
	}
}

func (a *applier) addTarget(h integrity.Hash, t streamTarget) {
	a.targets[h] = append(a.targets[h], t)
}

// extract is phase two: each referenced blob is read once, in ascending
// archive offset order, and its bytes fan out to every target stream.
func (a *applier) extract(ctx context.Context, blobs *blobtable.Table) error {
	refs := make([]*blobtable.Blob, 0, len(a.targets))
	for h := range a.targets {
		b, ok := blobs.Lookup(h)
		if !ok {
			return fmt.Errorf("%w: blob %s is not in the blob table", ErrApply, h)
		}
		refs = append(refs, b)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Res.Offset != refs[j].Res.Offset {
			return refs[i].Res.Offset < refs[j].Res.Offset
		}
		return bytes.Compare(refs[i].Hash[:], refs[j].Hash[:]) < 0
	})
	for _, b := range refs {
		if err := a.extractBlob(ctx, b, a.targets[b.Hash]); err != nil {
			return err
		}
	}
	return nil
}

// blobWriter is one open destination during a blob's extraction.
type blobWriter struct {
	streamTarget
	w   io.WriteCloser
	buf *bytes.Buffer
}

func (a *applier) extractBlob(ctx context.Context, b *blobtable.Blob, targets []streamTarget) error {
	rc, err := a.src.OpenBlob(b)
	if err != nil {
		return fmt.Errorf("%w: blob %s: %v", ErrApply, b.Hash, err)
	}
	defer rc.Close()

	writers := make([]*blobWriter, 0, len(targets))
	abort := func() {
		for _, bw := range writers {
			if bw.w != nil {
				bw.w.Close()
			}
		}
	}
	for _, t := range targets {
		bw := &blobWriter{streamTarget: t}
		if t.reparse {
			if b.Size() > reparse.MaxDataSize {
				abort()
				return fmt.Errorf("%w: %q: reparse data of %d bytes exceeds the %d byte maximum",
					ErrApply, t.path, b.Size(), reparse.MaxDataSize)
			}
			bw.buf = new(bytes.Buffer)
		} else {
			w, err := a.tgt.OpenStream(t.path, t.name)
			if err != nil {
				abort()
				return fmt.Errorf("%w: %v", ErrApply, err)
			}
			bw.w = w
		}
		writers = append(writers, bw)
	}

	hasher := integrity.NewHasher()
	buf := make([]byte, wimfile.ChunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			abort()
			return err
		}
		n, rerr := rc.Read(buf)
		if n > 0 {
			total += int64(n)
			hasher.Write(buf[:n])
			for _, bw := range writers {
				var werr error
				if bw.buf != nil {
					_, werr = bw.buf.Write(buf[:n])
				} else {
					_, werr = bw.w.Write(buf[:n])
				}
				if werr != nil {
					abort()
					return fmt.Errorf("%w: %q: %v", ErrApply, bw.path, werr)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			abort()
			return fmt.Errorf("%w: blob %s: %v", ErrApply, b.Hash, rerr)
		}
	}

	if total != b.Size() {
		abort()
		return fmt.Errorf("%w: blob %s: got %d bytes, resource declares %d", ErrApply, b.Hash, total, b.Size())
	}
	if sum := integrity.Finish(hasher); sum != b.Hash {
		abort()
		return fmt.Errorf("%w: blob %s: content hashes to %s", ErrApply, b.Hash, sum)
	}

	for _, bw := range writers {
		if bw.buf != nil {
			if err := a.tgt.WriteReparse(bw.path, bw.tag, bw.buf.Bytes()); err != nil {
				abort()
				return fmt.Errorf("%w: %v", ErrApply, err)
			}
			continue
		}
		if err := bw.w.Close(); err != nil {
			bw.w = nil
			abort()
			return fmt.Errorf("%w: %q: %v", ErrApply, bw.path, err)
		}
		bw.w = nil
	}
	a.written += total * int64(len(writers))
	return nil
}

// finalize is phase three: attributes and timestamps, children before
// parents so directory times survive their own population.
func (a *applier) finalize(ctx context.Context, root *dentry.Dentry) error {
	type node struct {
		d *dentry.Dentry
		p string
	}
	var order []node
	var collect func(d *dentry.Dentry, p string)
	collect = func(d *dentry.Dentry, p string) {
		order = append(order, node{d, p})
		for _, c := range d.Children() {
			collect(c, path.Join(p, c.Name))
		}
	}
	collect(root, "")

	for i := len(order) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, p := order[i].d, order[i].p
		n := d.Inode
		if n.IsReparsePoint() && a.dropped.Has(FeatureReparsePoints) {
			continue
		}
		if err := a.tgt.SetAttributes(p, n.Attributes); err != nil {
			a.warnf(p, "cannot set attributes: %v", err)
		}
		if a.feat.Has(FeatureTimestamps) {
			if err := a.tgt.SetTimes(p, n.CreationTime, n.LastAccessTime, n.LastWriteTime); err != nil {
				a.warnf(p, "cannot set times: %v", err)
			}
		}
	}
	return nil
}
