//go:build !windows

package capture

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wimkit/wim/internal/dentry"
	"github.com/wimkit/wim/internal/reparse"
)

// DirSource captures from a local directory tree with POSIX semantics:
// symlinks become symlink reparse points, inode numbers drive hard-link
// detection, and there are no named streams, short names, or security
// descriptors.
type DirSource struct{}

// NewDirSource returns the local-directory capture back-end.
func NewDirSource() *DirSource { return &DirSource{} }

// Stat implements Source.
func (*DirSource) Stat(path string) (*NodeInfo, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return nil, &os.PathError{Op: "lstat", Path: path, Err: err}
	}

	info := &NodeInfo{
		InodeID:        st.Ino,
		LinkCount:      uint64(st.Nlink),
		LastAccessTime: timespecToTime(st.Atim),
		LastWriteTime:  timespecToTime(st.Mtim),
	}
	// POSIX has no creation time; the status-change time is the best
	// stand-in.
	info.CreationTime = timespecToTime(st.Ctim)

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		info.Attributes = dentry.AttrDirectory
	case unix.S_IFLNK:
		info.Attributes = dentry.AttrReparsePoint
		info.ReparseTag = reparse.TagSymlink
	case unix.S_IFREG:
		info.Attributes = dentry.AttrNormal
		info.Streams = []StreamInfo{{Name: "", Size: st.Size}}
	default:
		return nil, fmt.Errorf("unsupported file type %#o", st.Mode&unix.S_IFMT)
	}
	if st.Mode&0o200 == 0 {
		info.Attributes |= dentry.AttrReadOnly
	}
	return info, nil
}

// ListDir implements Source. Names come back sorted so captures are
// reproducible across file systems.
func (*DirSource) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// OpenStream implements Source. POSIX files have only the unnamed
// stream.
func (*DirSource) OpenStream(path, name string) (io.ReadCloser, error) {
	if name != "" {
		return nil, fmt.Errorf("no stream %q in %q", name, path)
	}
	return os.Open(path)
}

// Reparse implements Source by translating a symlink into symlink
// reparse data.
func (*DirSource) Reparse(path string) (uint32, []byte, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return 0, nil, err
	}
	data, err := reparse.EncodeSymlink(target, !filepath.IsAbs(target))
	if err != nil {
		return 0, nil, err
	}
	return reparse.TagSymlink, data, nil
}

// Security implements Source. POSIX sources carry no Windows security
// descriptors.
func (*DirSource) Security(string) ([]byte, error) { return nil, nil }

func timespecToTime(ts unix.Timespec) time.Time {
	sec, nsec := ts.Unix()
	return time.Unix(sec, nsec).UTC()
}
