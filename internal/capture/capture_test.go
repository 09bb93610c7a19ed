//go:build !windows

package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/moby/patternmatcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wimkit/wim/internal/blobtable"
	"github.com/wimkit/wim/internal/integrity"
	"github.com/wimkit/wim/internal/reparse"
)

func writeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "x.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "empty.txt"), nil, 0o644))
	require.NoError(t, os.Link(filepath.Join(root, "b.txt"), filepath.Join(root, "link.txt")))
	require.NoError(t, os.Symlink("a/x.txt", filepath.Join(root, "sym")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "skip"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "skip", "inner.txt"), []byte("nope"), 0o644))
	return root
}

func TestCaptureDirectory(t *testing.T) {
	root := writeTree(t)
	blobs := blobtable.New()
	pm, err := patternmatcher.New([]string{"skip"})
	require.NoError(t, err)

	res, err := Capture(context.Background(), NewDirSource(), root, blobs,
		WithExcludes(pm), WithWorkers(2))
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	helloHash := integrity.Sum([]byte("hello"))

	x := res.Root.Lookup("a/x.txt")
	require.NotNil(t, x)
	assert.Equal(t, helloHash, x.Inode.DataStream().Hash)
	assert.False(t, x.Inode.LastWriteTime.IsZero())

	b := res.Root.Lookup("b.txt")
	link := res.Root.Lookup("link.txt")
	require.NotNil(t, b)
	require.NotNil(t, link)
	assert.Same(t, b.Inode, link.Inode, "hard links share an inode")
	assert.NotZero(t, b.Inode.LinkGroupID)
	assert.EqualValues(t, 5, res.HardLinkBytes)

	empty := res.Root.Lookup("empty.txt")
	require.NotNil(t, empty)
	assert.True(t, empty.Inode.DataStream().IsEmpty())

	sym := res.Root.Lookup("sym")
	require.NotNil(t, sym)
	assert.True(t, sym.Inode.IsReparsePoint())
	assert.EqualValues(t, reparse.TagSymlink, sym.Inode.ReparseTag)
	wantData, err := reparse.EncodeSymlink("a/x.txt", true)
	require.NoError(t, err)
	assert.Equal(t, integrity.Sum(wantData), sym.Inode.ReparseStream().Hash)

	assert.Nil(t, res.Root.Lookup("skip"), "excluded subtree is absent")

	// One blob for the shared "hello" content, one for the symlink data.
	assert.Equal(t, 2, blobs.Len())
	hello, ok := blobs.Lookup(helloHash)
	require.True(t, ok)
	assert.EqualValues(t, 2, hello.RefCount, "identical content interned once")

	r, err := hello.Open()
	require.NoError(t, err)
	defer r.Close()
	got := make([]byte, 5)
	_, err = r.Read(got)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestCaptureTotalBytes(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f1"), []byte("abcd"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "f2"), []byte("efgh"), 0o644))
	require.NoError(t, os.Link(filepath.Join(root, "f1"), filepath.Join(root, "f3")))

	res, err := Capture(context.Background(), NewDirSource(), root, blobtable.New())
	require.NoError(t, err)
	// Each dentry counts its bytes, hard links included.
	assert.EqualValues(t, 12, res.TotalBytes)
	assert.EqualValues(t, 4, res.HardLinkBytes)
}

type failingSource struct {
	Source
	fail string
}

func (f *failingSource) Stat(p string) (*NodeInfo, error) {
	if strings.HasSuffix(p, f.fail) {
		return nil, errors.New("injected stat failure")
	}
	return f.Source.Stat(p)
}

func TestCaptureEntryError(t *testing.T) {
	root := writeTree(t)
	src := &failingSource{Source: NewDirSource(), fail: "b.txt"}

	_, err := Capture(context.Background(), src, root, blobtable.New())
	assert.ErrorIs(t, err, ErrCapture)

	res, err := Capture(context.Background(), src, root, blobtable.New(), WithContinueOnErrors())
	require.NoError(t, err)
	require.NotEmpty(t, res.Warnings)
	assert.Nil(t, res.Root.Lookup("b.txt"))
	assert.NotNil(t, res.Root.Lookup("a/x.txt"), "other entries still captured")
}

func TestCaptureRootErrors(t *testing.T) {
	_, err := Capture(context.Background(), NewDirSource(), filepath.Join(t.TempDir(), "missing"), blobtable.New())
	assert.ErrorIs(t, err, ErrCapture)

	root := t.TempDir()
	file := filepath.Join(root, "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = Capture(context.Background(), NewDirSource(), file, blobtable.New())
	assert.ErrorIs(t, err, ErrCapture)
}

func TestCaptureCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Capture(ctx, NewDirSource(), writeTree(t), blobtable.New())
	assert.ErrorIs(t, err, context.Canceled)
}
