package handlepool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.wim")
	require.NoError(t, os.WriteFile(path, []byte("contents"), 0o644))
	return path
}

func TestAcquireRelease(t *testing.T) {
	p := New(tempFile(t), 2)
	defer p.Close()

	f1, err := p.Acquire()
	require.NoError(t, err)
	f2, err := p.Acquire()
	require.NoError(t, err)
	assert.NotSame(t, f1, f2)

	// A released handle is reused rather than reopened.
	p.Release(f1)
	f3, err := p.Acquire()
	require.NoError(t, err)
	assert.Same(t, f1, f3)

	p.Release(f2)
	p.Release(f3)
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	p := New(tempFile(t), 1)
	defer p.Close()

	f, err := p.Acquire()
	require.NoError(t, err)

	got := make(chan *os.File)
	go func() {
		f2, err := p.Acquire()
		require.NoError(t, err)
		got <- f2
	}()

	select {
	case <-got:
		t.Fatal("Acquire returned while the pool was exhausted")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release(f)
	select {
	case f2 := <-got:
		p.Release(f2)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not wake after Release")
	}
}

func TestAcquireMissingFile(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "absent.wim"), 2)
	defer p.Close()

	_, err := p.Acquire()
	assert.Error(t, err)

	// The failed open must not leak capacity.
	_, err = p.Acquire()
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	p := New(tempFile(t), 2)

	f, err := p.Acquire()
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrClosed)

	// Releasing after close closes the handle.
	p.Release(f)
	_, err = f.Read(make([]byte, 1))
	assert.Error(t, err)
}
