package wim

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/wimkit/wim/internal/apply"
	"github.com/wimkit/wim/internal/dentry"
	"github.com/wimkit/wim/internal/metadata"
)

// Apply extracts an image into destDir. The target's capabilities
// decide which image features survive; by default unrepresentable ones
// are dropped with a warning, strict mode fails instead.
func (a *Archive) Apply(ctx context.Context, image int, destDir string, opts ...ApplyOption) error {
	tree, err := a.loadImage(ctx, image)
	if err != nil {
		return err
	}
	return a.applyTree(ctx, tree, destDir, opts)
}

// Extract applies a single file or subtree of an image into destDir.
// srcPath is slash-separated and image-relative; an empty path means
// the whole image.
func (a *Archive) Extract(ctx context.Context, image int, srcPath, destDir string, opts ...ApplyOption) error {
	tree, err := a.loadImage(ctx, image)
	if err != nil {
		return err
	}
	if srcPath == "" || srcPath == "/" {
		return a.applyTree(ctx, tree, destDir, opts)
	}

	d := tree.Root.Lookup(srcPath)
	if d == nil {
		return fmt.Errorf("%q in image %d: %w", srcPath, image, fs.ErrNotExist)
	}

	// Re-root the entry so the target sees it at top level. The copy
	// shares the inode and children with the image tree.
	clone := *d
	clone.Parent = nil
	root := dentry.NewRoot()
	if err := root.AddChild(&clone); err != nil {
		return err
	}
	sub := &metadata.Image{Root: root, Security: tree.Security}
	return a.applyTree(ctx, sub, destDir, opts)
}

func (a *Archive) applyTree(ctx context.Context, tree *metadata.Image, destDir string, opts []ApplyOption) error {
	var o applyOptions
	for _, opt := range opts {
		opt(&o)
	}

	aopts := []apply.Option{apply.WithLogger(a.opts.Logger)}
	if o.Strict || a.opts.Strict {
		aopts = append(aopts, apply.WithStrict())
	}

	res, err := apply.Apply(ctx, tree, a.blobs, blobReader{a: a, ctx: ctx}, apply.NewDirTarget(destDir), aopts...)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		a.warnf(w.Path, "apply: %s", w.Message)
	}
	return nil
}
