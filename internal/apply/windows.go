//go:build windows

package apply

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/wimkit/wim/internal/reparse"
)

// DirTarget extracts into a local directory with native Windows
// semantics: named streams, reparse data, file attributes, creation
// times and security descriptors all reach the file system. Short
// names need a restore privilege the process rarely holds, so they are
// not offered.
type DirTarget struct {
	root string
}

// NewDirTarget returns the local-directory apply back-end rooted at
// root.
func NewDirTarget(root string) *DirTarget { return &DirTarget{root: root} }

// Features implements Target.
func (*DirTarget) Features() Features {
	return FeatureHardLinks | FeatureNamedStreams | FeatureReparsePoints |
		FeatureSecurity | FeatureTimestamps
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

// OpenStream implements Target. Named streams open through the
// path:name syntax.
func (t *DirTarget) OpenStream(p, name string) (io.WriteCloser, error) {
	abs := t.abs(p)
	if name != "" {
		abs = abs + ":" + name
	}
	return os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

// WriteReparse implements Target. Mount points become directories,
// every other tag an empty file, and the reparse data is attached with
// FSCTL_SET_REPARSE_POINT.
func (t *DirTarget) WriteReparse(p string, tag uint32, data []byte) error {
	abs := t.abs(p)
	if tag == reparse.TagMountPoint {
		if err := os.Mkdir(abs, 0o755); err != nil {
			return err
		}
	} else {
		f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	h, err := openWrite(abs)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)

	buf := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], tag)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(data)))
	copy(buf[8:], data)
	var ret uint32
	err = windows.DeviceIoControl(h, windows.FSCTL_SET_REPARSE_POINT,
		&buf[0], uint32(len(buf)), nil, 0, &ret, nil)
	if err != nil {
		return &os.PathError{Op: "reparse", Path: abs, Err: err}
	}
	return nil
}

// openWrite opens a metadata-writable handle that does not follow
// reparse points.
func openWrite(path string) (windows.Handle, error) {
	pp, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	h, err := windows.CreateFile(pp, windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE, nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OPEN_REPARSE_POINT, 0)
	if err != nil {
		return 0, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return h, nil
}

// SetAttributes implements Target. The directory and reparse bits
// belong to the node itself and cannot be set this way.
func (t *DirTarget) SetAttributes(p string, attrs uint32) error {
	abs := t.abs(p)
	attrs &^= windows.FILE_ATTRIBUTE_DIRECTORY | windows.FILE_ATTRIBUTE_REPARSE_POINT
	if attrs == 0 {
		attrs = windows.FILE_ATTRIBUTE_NORMAL
	}
	pp, err := windows.UTF16PtrFromString(abs)
	if err != nil {
		return err
	}
	if err := windows.SetFileAttributes(pp, attrs); err != nil {
		return &os.PathError{Op: "setattrs", Path: abs, Err: err}
	}
	return nil
}

// SetTimes implements Target.
func (t *DirTarget) SetTimes(p string, creation, access, write time.Time) error {
	h, err := openWrite(t.abs(p))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	c := windows.NsecToFiletime(creation.UnixNano())
	a := windows.NsecToFiletime(access.UnixNano())
	w := windows.NsecToFiletime(write.UnixNano())
	if err := windows.SetFileTime(h, &c, &a, &w); err != nil {
		return &os.PathError{Op: "settimes", Path: t.abs(p), Err: err}
	}
	return nil
}

// SetSecurity implements Target, applying the owner, group and DACL of
// a self-relative descriptor.
func (t *DirTarget) SetSecurity(p string, descriptor []byte) error {
	abs := t.abs(p)
	sd := (*windows.SECURITY_DESCRIPTOR)(unsafe.Pointer(&descriptor[0]))
	owner, _, err := sd.Owner()
	if err != nil {
		return err
	}
	group, _, err := sd.Group()
	if err != nil {
		return err
	}
	dacl, _, err := sd.DACL()
	if err != nil {
		return err
	}
	var flags windows.SECURITY_INFORMATION
	if owner != nil {
		flags |= windows.OWNER_SECURITY_INFORMATION
	}
	if group != nil {
		flags |= windows.GROUP_SECURITY_INFORMATION
	}
	if dacl != nil {
		flags |= windows.DACL_SECURITY_INFORMATION
	}
	if flags == 0 {
		return nil
	}
	err = windows.SetNamedSecurityInfo(abs, windows.SE_FILE_OBJECT, flags,
		owner, group, dacl, nil)
	if err != nil {
		return &os.PathError{Op: "setsecurity", Path: abs, Err: err}
	}
	return nil
}

// SetShortName implements Target. Short names are not offered in the
// feature mask.
func (*DirTarget) SetShortName(string, string) error { return nil }
