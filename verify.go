package wim

import (
	"context"
	"fmt"
	"os"

	"github.com/wimkit/wim/internal/integrity"
)

// Verify checks the archive's whole-file integrity table when it
// carries one, then rehashes every blob against its blob-table key.
// The first mismatch fails; a nil return means every resource is
// intact.
func (a *Archive) Verify(ctx context.Context) error {
	if a.path == "" {
		return ErrNoBackingFile
	}
	if a.closed {
		return ErrClosed
	}

	if a.hdr.HasIntegrity() {
		f, err := os.Open(a.path)
		if err != nil {
			return err
		}
		err = a.verifyIntegrity(f)
		f.Close()
		if err != nil {
			return err
		}
	}

	for _, b := range a.blobs.Sorted() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.Open != nil {
			// Unwritten content has no on-disk resource to check yet.
			continue
		}
		f, err := a.pool.Acquire()
		if err != nil {
			return err
		}
		h := integrity.NewHasher()
		var n int64
		err = a.rd.ReadChunks(ctx, f, b.Res, func(p []byte) error {
			n += int64(len(p))
			_, werr := h.Write(p)
			return werr
		})
		a.pool.Release(f)
		if err != nil {
			return fmt.Errorf("blob %s: %w", b.Hash, err)
		}
		if n != b.Res.OriginalSize {
			return fmt.Errorf("%w: blob %s is %d bytes, expected %d",
				ErrCorruptResource, b.Hash, n, b.Res.OriginalSize)
		}
		if got := integrity.Finish(h); got != b.Hash {
			return fmt.Errorf("%w: blob %s hashes to %s", ErrInvalidResourceHash, b.Hash, got)
		}
	}
	return nil
}
