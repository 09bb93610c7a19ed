//go:build windows

package capture

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"
	"unsafe"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"

	"github.com/wimkit/wim/internal/dentry"
)

// DirSource captures from a local directory tree with native Windows
// semantics: file attributes, creation times, reparse data, hard links
// and security descriptors come straight from the file system.
type DirSource struct{}

// NewDirSource returns the local-directory capture back-end.
func NewDirSource() *DirSource { return &DirSource{} }

// openMeta opens a metadata-only handle that does not follow reparse
// points.
func openMeta(path string) (*os.File, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFile(p, windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE, nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OPEN_REPARSE_POINT, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return os.NewFile(uintptr(h), path), nil
}

// Stat implements Source.
func (*DirSource) Stat(path string) (*NodeInfo, error) {
	f, err := openMeta(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	basic, err := winio.GetFileBasicInfo(f)
	if err != nil {
		return nil, err
	}
	var byHandle windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(windows.Handle(f.Fd()), &byHandle); err != nil {
		return nil, &os.PathError{Op: "stat", Path: path, Err: err}
	}

	info := &NodeInfo{
		Attributes:     basic.FileAttributes,
		CreationTime:   filetime(basic.CreationTime),
		LastAccessTime: filetime(basic.LastAccessTime),
		LastWriteTime:  filetime(basic.LastWriteTime),
		InodeID:        uint64(byHandle.FileIndexHigh)<<32 | uint64(byHandle.FileIndexLow),
		LinkCount:      uint64(byHandle.NumberOfLinks),
	}
	if info.Attributes&dentry.AttrReparsePoint != 0 {
		tag, _, err := readReparse(f)
		if err != nil {
			return nil, err
		}
		info.ReparseTag = tag
		return info, nil
	}
	if info.Attributes&dentry.AttrDirectory == 0 {
		size := int64(byHandle.FileSizeHigh)<<32 | int64(byHandle.FileSizeLow)
		info.Streams = []StreamInfo{{Name: "", Size: size}}
	}
	return info, nil
}

// ListDir implements Source.
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

// OpenStream implements Source. Named streams open through the
// path:name syntax.
func (*DirSource) OpenStream(path, name string) (io.ReadCloser, error) {
	if name != "" {
		path = path + ":" + name
	}
	return os.Open(path)
}

// Reparse implements Source.
func (*DirSource) Reparse(path string) (uint32, []byte, error) {
	f, err := openMeta(path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()
	return readReparse(f)
}

func readReparse(f *os.File) (uint32, []byte, error) {
	buf := make([]byte, windows.MAXIMUM_REPARSE_DATA_BUFFER_SIZE)
	var ret uint32
	err := windows.DeviceIoControl(windows.Handle(f.Fd()), windows.FSCTL_GET_REPARSE_POINT,
		nil, 0, &buf[0], uint32(len(buf)), &ret, nil)
	if err != nil {
		return 0, nil, &os.PathError{Op: "reparse", Path: f.Name(), Err: err}
	}
	if ret < 8 {
		return 0, nil, fmt.Errorf("reparse buffer of %d bytes from %q", ret, f.Name())
	}
	rdb := (*windows.REPARSE_DATA_BUFFER)(unsafe.Pointer(&buf[0]))
	return rdb.ReparseTag, append([]byte(nil), buf[8:ret]...), nil
}

// Security implements Source, returning the self-relative descriptor
// with owner, group and DACL.
func (*DirSource) Security(path string) ([]byte, error) {
	sd, err := windows.GetNamedSecurityInfo(path, windows.SE_FILE_OBJECT,
		windows.OWNER_SECURITY_INFORMATION|windows.GROUP_SECURITY_INFORMATION|
			windows.DACL_SECURITY_INFORMATION)
	if err != nil {
		return nil, &os.PathError{Op: "getsecurity", Path: path, Err: err}
	}
	rel, err := sd.ToSelfRelative()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(rel)), rel.Length())...), nil
}

func filetime(ft windows.Filetime) time.Time {
	return time.Unix(0, ft.Nanoseconds()).UTC()
}
