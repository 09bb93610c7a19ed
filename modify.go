package wim

import (
	"context"
	"fmt"
	"io"

	"github.com/wimkit/wim/internal/blobtable"
	"github.com/wimkit/wim/internal/dentry"
	"github.com/wimkit/wim/internal/integrity"
)

// streamHashes calls fn once per distinct non-empty stream hash
// reference in the tree. Hard-linked inodes count once.
func streamHashes(root *dentry.Dentry, fn func(integrity.Hash)) {
	seen := make(map[*dentry.Inode]bool)
	root.Walk(func(d *dentry.Dentry) error {
		n := d.Inode
		if n == nil || seen[n] {
			return nil
		}
		seen[n] = true
		for _, s := range n.Streams {
			if !s.IsEmpty() {
				fn(s.Hash)
			}
		}
		return nil
	})
}

// DeleteImage removes the 1-based image, dropping blob references its
// tree held. Unreferenced blobs disappear from the archive at the next
// Write; Append keeps them as dead bytes.
func (a *Archive) DeleteImage(ctx context.Context, index int) error {
	tree, err := a.loadImage(ctx, index)
	if err != nil {
		return err
	}
	if err := a.info.DeleteImage(index); err != nil {
		return err
	}

	streamHashes(tree.Root, func(h integrity.Hash) { a.blobs.Unref(h) })
	if img := a.images[index-1]; img.meta != nil {
		a.blobs.Unref(img.meta.Hash)
	}

	a.images = append(a.images[:index-1], a.images[index:]...)
	a.hdr.ImageCount = uint32(len(a.images))

	switch boot := int(a.hdr.BootIndex); {
	case boot == index:
		a.hdr.BootIndex = 0
	case boot > index:
		a.hdr.BootIndex = uint32(boot - 1)
	}
	return nil
}

// ExportImage copies the 1-based image of src into a, returning the
// new image's index. Blob content is shared by hash and read from src
// on demand: src must stay open until a is written. An empty name
// keeps the source name.
func (a *Archive) ExportImage(ctx context.Context, src *Archive, srcIndex int, name, desc string) (int, error) {
	tree, err := src.loadImage(ctx, srcIndex)
	if err != nil {
		return 0, err
	}
	sx, err := src.info.Image(srcIndex)
	if err != nil {
		return 0, err
	}

	if _, err := a.info.ExportImage(sx, name, desc); err != nil {
		return 0, err
	}

	streamHashes(tree.Root, func(h integrity.Hash) {
		sb, ok := src.blobs.Lookup(h)
		if !ok {
			return
		}
		a.blobs.Intern(h, func() *blobtable.Blob {
			return &blobtable.Blob{
				Res:  sb.Res,
				Open: exportOpener(src, sb),
			}
		})
	})

	a.images = append(a.images, &image{tree: tree})
	a.hdr.ImageCount = uint32(len(a.images))
	return len(a.images), nil
}

// exportOpener defers reading an exported blob's content until the
// destination archive is written.
func exportOpener(src *Archive, b *blobtable.Blob) blobtable.Opener {
	return func() (io.ReadCloser, error) {
		if src.closed {
			return nil, fmt.Errorf("source archive %q: %w", src.path, ErrClosed)
		}
		return blobReader{a: src, ctx: context.Background()}.OpenBlob(b)
	}
}
