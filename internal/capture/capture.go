// Package capture builds an in-memory image tree from a source file
// system, deduplicating stream content into a blob table as it goes.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"runtime"
	"sync"
	"time"

	"github.com/moby/patternmatcher"
	"golang.org/x/sync/errgroup"

	"github.com/wimkit/wim/internal/blobtable"
	"github.com/wimkit/wim/internal/dentry"
	"github.com/wimkit/wim/internal/integrity"
	"github.com/wimkit/wim/internal/reparse"
	"github.com/wimkit/wim/internal/wimfile"
)

// ErrCapture is returned for per-entry failures when the caller did not
// ask to continue past them.
var ErrCapture = errors.New("capture: cannot capture entry")

// StreamInfo describes one byte stream of a source entry.
type StreamInfo struct {
	Name string
	Size int64
}

// NodeInfo is the stat result for a source entry.
type NodeInfo struct {
	Attributes     uint32
	CreationTime   time.Time
	LastAccessTime time.Time
	LastWriteTime  time.Time
	InodeID        uint64
	LinkCount      uint64
	ReparseTag     uint32
	Streams        []StreamInfo
}

// Source is a capture back-end: a file-system view the pipeline walks.
type Source interface {
	// Stat describes the entry at path without following links.
	Stat(path string) (*NodeInfo, error)

	// ListDir returns child names in the source's natural order.
	ListDir(path string) ([]string, error)

	// OpenStream opens one of the entry's streams for reading. The
	// unnamed data stream has name "".
	OpenStream(path, name string) (io.ReadCloser, error)

	// Reparse returns the entry's reparse tag and data.
	Reparse(path string) (tag uint32, data []byte, err error)

	// Security returns the entry's binary security descriptor, or nil
	// when the source has none.
	Security(path string) ([]byte, error)
}

// Warning is a non-fatal capture problem, reported per source path.
type Warning struct {
	Path    string
	Message string
}

// Result is a captured image: the tree, its security table, byte
// counters for the image properties, and any warnings.
type Result struct {
	Root          *dentry.Dentry
	Security      *dentry.SecurityTable
	Warnings      []Warning
	TotalBytes    int64
	HardLinkBytes int64
}

// Options adjust a capture run.
type Options struct {
	// Excludes filters source paths, relative to the capture root with
	// forward slashes. A matched entry and its subtree are skipped.
	Excludes *patternmatcher.PatternMatcher

	// ContinueOnErrors turns per-entry failures into warnings.
	ContinueOnErrors bool

	// Workers bounds the hashing pool. Zero means GOMAXPROCS.
	Workers int

	Logger *slog.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithExcludes sets the exclusion patterns.
func WithExcludes(pm *patternmatcher.PatternMatcher) Option {
	return func(o *Options) { o.Excludes = pm }
}

// WithContinueOnErrors keeps going past unreadable entries.
func WithContinueOnErrors() Option {
	return func(o *Options) { o.ContinueOnErrors = true }
}

// WithWorkers bounds the hashing worker pool.
func WithWorkers(n int) Option {
	return func(o *Options) { o.Workers = n }
}

// WithLogger sets the logger for capture warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// Capture walks the source tree rooted at root and returns the captured
// image. New and deduplicated stream content is interned into blobs;
// new blob entries keep an opener back to their source location so the
// content can be read at write time.
func Capture(ctx context.Context, src Source, root string, blobs *blobtable.Table, opts ...Option) (*Result, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}

	c := &capturer{
		src:    src,
		blobs:  blobs,
		opts:   o,
		groups: make(map[uint64]*dentry.Inode),
	}

	info, err := src.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrCapture, root, err)
	}
	rootDentry := dentry.NewRoot()
	applyNodeInfo(rootDentry.Inode, info)
	if !rootDentry.IsDirectory() {
		return nil, fmt.Errorf("%w: %q is not a directory", ErrCapture, root)
	}
	if err := c.captureSecurity(rootDentry.Inode, root); err != nil {
		return nil, err
	}
	if err := c.walkDir(ctx, rootDentry, root, ""); err != nil {
		return nil, err
	}
	if err := c.hashAll(ctx); err != nil {
		return nil, err
	}

	return &Result{
		Root:          rootDentry,
		Security:      c.security(),
		Warnings:      c.warnings,
		TotalBytes:    c.totalBytes,
		HardLinkBytes: c.hardLinkBytes,
	}, nil
}

type hashJob struct {
	path   string
	name   string
	size   int64
	stream *dentry.Stream
}

type capturer struct {
	src   Source
	blobs *blobtable.Table
	opts  Options

	sec      *dentry.SecurityTable
	warnMu   sync.Mutex
	warnings []Warning
	jobs     []hashJob

	// groups maps source inode numbers to captured inodes so hard
	// links share one inode.
	groups map[uint64]*dentry.Inode

	totalBytes    int64
	hardLinkBytes int64
}

func (c *capturer) log() *slog.Logger {
	if c.opts.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.opts.Logger
}

func (c *capturer) warnf(path, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.warnings = append(c.warnings, Warning{Path: path, Message: msg})
	c.log().Warn("capture warning", "path", path, "message", msg)
}

func (c *capturer) security() *dentry.SecurityTable {
	if c.sec == nil {
		return dentry.NewSecurityTable()
	}
	return c.sec
}

// entryErr applies the continue-on-errors policy to a per-entry error.
func (c *capturer) entryErr(p string, err error) error {
	if c.opts.ContinueOnErrors {
		c.warnf(p, "skipped: %v", err)
		return nil
	}
	return fmt.Errorf("%w: %q: %v", ErrCapture, p, err)
}

func (c *capturer) walkDir(ctx context.Context, dir *dentry.Dentry, dirPath, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	names, err := c.src.ListDir(dirPath)
	if err != nil {
		return c.entryErr(dirPath, err)
	}
	for _, name := range names {
		childPath := path.Join(dirPath, name)
		childRel := path.Join(rel, name)
		if c.excluded(childRel) {
			continue
		}
		child, err := c.captureEntry(childPath, name)
		if err != nil {
			return err
		}
		if child == nil {
			continue
		}
		if err := dir.AddChild(child); err != nil {
			if err := c.entryErr(childPath, err); err != nil {
				return err
			}
			continue
		}
		if child.IsDirectory() && !child.Inode.IsReparsePoint() {
			if err := c.walkDir(ctx, child, childPath, childRel); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *capturer) excluded(rel string) bool {
	if c.opts.Excludes == nil || rel == "" {
		return false
	}
	ok, err := c.opts.Excludes.MatchesOrParentMatches(rel)
	if err != nil {
		c.warnf(rel, "exclusion match failed: %v", err)
		return false
	}
	return ok
}

// captureEntry captures one source entry into a dentry. A nil dentry
// with nil error means the entry was skipped.
func (c *capturer) captureEntry(p, name string) (*dentry.Dentry, error) {
	info, err := c.src.Stat(p)
	if err != nil {
		return nil, c.entryErr(p, err)
	}

	// A previously seen hard-linked inode contributes only a new name.
	// Directory link counts reflect subdirectories, never hard links.
	if info.LinkCount > 1 && info.ReparseTag == 0 && info.Attributes&dentry.AttrDirectory == 0 {
		if n, ok := c.groups[info.InodeID]; ok {
			if s := n.DataStream(); s != nil {
				c.hardLinkBytes += streamSize(c.jobs, s)
				c.totalBytes += streamSize(c.jobs, s)
			}
			return &dentry.Dentry{Name: name, Inode: n}, nil
		}
	}

	n := dentry.NewInode(info.Attributes)
	applyNodeInfo(n, info)
	d := &dentry.Dentry{Name: name, Inode: n}

	if err := c.captureSecurity(n, p); err != nil {
		return nil, err
	}

	if info.ReparseTag != 0 {
		if err := c.captureReparse(n, p); err != nil {
			return nil, c.entryErr(p, err)
		}
	} else if !n.IsDirectory() {
		for _, si := range info.Streams {
			kind := dentry.StreamData
			if si.Name != "" {
				kind = dentry.StreamADS
			}
			s := n.AddStream(kind, si.Name, integrity.Hash{})
			if si.Size > 0 {
				c.jobs = append(c.jobs, hashJob{path: p, name: si.Name, size: si.Size, stream: s})
			}
			c.totalBytes += si.Size
		}
		if info.LinkCount > 1 {
			n.LinkGroupID = info.InodeID
			c.groups[info.InodeID] = n
		}
	}
	return d, nil
}

func (c *capturer) captureReparse(n *dentry.Inode, p string) error {
	tag, data, err := c.src.Reparse(p)
	if err != nil {
		return err
	}
	if err := reparse.Check(data); err != nil {
		return err
	}
	n.ReparseTag = tag
	h := integrity.Sum(data)
	s := n.AddStream(dentry.StreamReparse, "", h)
	if len(data) == 0 {
		s.Hash = integrity.Hash{}
		return nil
	}
	c.internBytes(h, data)
	c.totalBytes += int64(len(data))
	return nil
}

func (c *capturer) captureSecurity(n *dentry.Inode, p string) error {
	sd, err := c.src.Security(p)
	if err != nil {
		return c.entryErr(p, err)
	}
	if len(sd) == 0 {
		return nil
	}
	if c.sec == nil {
		c.sec = dentry.NewSecurityTable()
	}
	n.SecurityID = c.sec.Intern(sd)
	return nil
}

// internBytes interns in-memory content, as used for reparse data.
func (c *capturer) internBytes(h integrity.Hash, data []byte) {
	buf := append([]byte(nil), data...)
	c.blobs.Intern(h, func() *blobtable.Blob {
		return &blobtable.Blob{
			Hash: h,
			Res:  wimfile.ResourceEntry{OriginalSize: int64(len(buf))},
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(buf)), nil
			},
		}
	})
}

// hashAll runs the pending stream jobs through the hashing pool. Each
// worker streams one source file through SHA-1 and interns the result;
// the blob table's own locking serializes the interning.
func (c *capturer) hashAll(ctx context.Context) error {
	workers := c.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range c.jobs {
		job := &c.jobs[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, err := c.hashStream(job)
			if err != nil {
				if c.opts.ContinueOnErrors {
					c.warnMu.Lock()
					c.warnings = append(c.warnings, Warning{Path: job.path, Message: err.Error()})
					c.warnMu.Unlock()
					return nil
				}
				return fmt.Errorf("%w: %q: %v", ErrCapture, job.path, err)
			}
			job.stream.Hash = h
			src, p, streamName, size := c.src, job.path, job.name, job.size
			c.blobs.Intern(h, func() *blobtable.Blob {
				return &blobtable.Blob{
					Hash: h,
					Res:  wimfile.ResourceEntry{OriginalSize: size},
					Open: func() (io.ReadCloser, error) {
						return src.OpenStream(p, streamName)
					},
				}
			})
			return nil
		})
	}
	return g.Wait()
}

func (c *capturer) hashStream(job *hashJob) (integrity.Hash, error) {
	r, err := c.src.OpenStream(job.path, job.name)
	if err != nil {
		return integrity.Hash{}, err
	}
	defer r.Close()

	hasher := integrity.NewHasher()
	if _, err := io.Copy(hasher, r); err != nil {
		return integrity.Hash{}, err
	}
	return integrity.Finish(hasher), nil
}

func applyNodeInfo(n *dentry.Inode, info *NodeInfo) {
	n.Attributes = info.Attributes
	n.CreationTime = info.CreationTime
	n.LastAccessTime = info.LastAccessTime
	n.LastWriteTime = info.LastWriteTime
}

func streamSize(jobs []hashJob, s *dentry.Stream) int64 {
	for i := range jobs {
		if jobs[i].stream == s {
			return jobs[i].size
		}
	}
	return 0
}
