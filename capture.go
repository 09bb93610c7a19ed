package wim

import (
	"context"
	"fmt"

	"github.com/wimkit/wim/internal/capture"
	"github.com/wimkit/wim/internal/metadata"
)

// Capture walks srcDir and appends its tree as a new image, returning
// the 1-based image index. Blob content is read lazily: the source
// tree must stay in place and unchanged until the archive is written.
func (a *Archive) Capture(ctx context.Context, srcDir, name string, opts ...CaptureOption) (int, error) {
	var o captureOptions
	for _, opt := range opts {
		opt(&o)
	}

	// Refuse the name before walking the source, so a rejected capture
	// leaves no interned blobs behind.
	if name != "" && a.info.ResolveName(name) != 0 {
		return 0, fmt.Errorf("%w: %q", ErrNameCollision, name)
	}

	copts := []capture.Option{capture.WithLogger(a.opts.Logger)}
	if m, err := o.matcher(); err != nil {
		return 0, err
	} else if m != nil {
		copts = append(copts, capture.WithExcludes(m))
	}
	if o.Workers > 0 {
		copts = append(copts, capture.WithWorkers(o.Workers))
	}
	if o.ContinueOnErrors {
		copts = append(copts, capture.WithContinueOnErrors())
	}

	res, err := capture.Capture(ctx, capture.NewDirSource(), srcDir, a.blobs, copts...)
	if err != nil {
		return 0, err
	}

	xi, err := a.info.AddImage(name, o.Description)
	if err != nil {
		return 0, err
	}
	a.images = append(a.images, &image{
		tree: &metadata.Image{Root: res.Root, Security: res.Security},
	})
	a.hdr.ImageCount = uint32(len(a.images))
	index := len(a.images)

	dirs, files := res.Root.CountTree()
	xi.SetTreeStats(dirs, files, res.TotalBytes, res.HardLinkBytes)

	for _, w := range res.Warnings {
		a.warnf(w.Path, "capture: %s", w.Message)
	}
	if o.Boot {
		a.hdr.BootIndex = uint32(index)
	}
	return index, nil
}
