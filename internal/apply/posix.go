//go:build !windows

package apply

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wimkit/wim/internal/dentry"
	"github.com/wimkit/wim/internal/reparse"
)

// DirTarget extracts into a local directory with POSIX semantics:
// symlink and junction reparse points become symlinks, the read-only
// attribute clears the write bits, and named streams, short names and
// security descriptors are unrepresentable.
type DirTarget struct {
	root string
}

// NewDirTarget returns the local-directory apply back-end rooted at
// root.
func NewDirTarget(root string) *DirTarget { return &DirTarget{root: root} }

// Features implements Target.
func (*DirTarget) Features() Features {
	return FeatureHardLinks | FeatureReparsePoints | FeatureTimestamps
}

func (t *DirTarget) abs(p string) string {
	return filepath.Join(t.root, filepath.FromSlash(p))
}

// CreateDir implements Target.
func (t *DirTarget) CreateDir(p string) error {
	return os.MkdirAll(t.abs(p), 0o755)
}

// CreateFile implements Target.
func (t *DirTarget) CreateFile(p string) error {
	f, err := os.OpenFile(t.abs(p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Link implements Target.
func (t *DirTarget) Link(oldpath, newpath string) error {
	return os.Link(t.abs(oldpath), t.abs(newpath))
}

// OpenStream implements Target. POSIX files have only the unnamed
// stream.
func (t *DirTarget) OpenStream(p, name string) (io.WriteCloser, error) {
	if name != "" {
		return nil, fmt.Errorf("no stream %q in %q", name, p)
	}
	return os.OpenFile(t.abs(p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

// WriteReparse implements Target by translating symlink and mount-point
// reparse data into a symlink.
func (t *DirTarget) WriteReparse(p string, tag uint32, data []byte) error {
	var target string
	var err error
	switch tag {
	case reparse.TagSymlink:
		target, _, err = reparse.DecodeSymlink(data)
	case reparse.TagMountPoint:
		target, err = reparse.DecodeMountPoint(data)
	default:
		return fmt.Errorf("reparse tag %#x has no POSIX equivalent", tag)
	}
	if err != nil {
		return err
	}
	return os.Symlink(filepath.FromSlash(target), t.abs(p))
}

// SetAttributes implements Target. Only the read-only bit maps to
// POSIX; symlinks are left alone because chmod would follow them.
func (t *DirTarget) SetAttributes(p string, attrs uint32) error {
	abs := t.abs(p)
	fi, err := os.Lstat(abs)
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	mode := os.FileMode(0o644)
	if fi.IsDir() {
		mode = 0o755
	}
	if attrs&dentry.AttrReadOnly != 0 {
		mode &^= 0o222
	}
	return os.Chmod(abs, mode)
}

// SetTimes implements Target. POSIX has no creation time to set.
func (t *DirTarget) SetTimes(p string, _, access, write time.Time) error {
	if access.IsZero() {
		access = write
	}
	if write.IsZero() {
		return nil
	}
	ts := []unix.Timespec{
		unix.NsecToTimespec(access.UnixNano()),
		unix.NsecToTimespec(write.UnixNano()),
	}
	err := unix.UtimesNanoAt(unix.AT_FDCWD, t.abs(p), ts, unix.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		return &os.PathError{Op: "utimes", Path: t.abs(p), Err: err}
	}
	return nil
}

// SetSecurity implements Target. POSIX targets carry no Windows
// security descriptors.
func (*DirTarget) SetSecurity(string, []byte) error { return nil }

// SetShortName implements Target. POSIX targets have no short names.
func (*DirTarget) SetShortName(string, string) error { return nil }
