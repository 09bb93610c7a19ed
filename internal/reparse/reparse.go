// Package reparse encodes and decodes Windows reparse-point data
// buffers, covering the symlink and mount-point (junction) layouts used
// when translating POSIX symlinks.
package reparse

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wimkit/wim/internal/dentry"
)

// Reparse tags handled natively. Other tags pass through as opaque
// bytes.
const (
	TagSymlink    = 0xa000000c
	TagMountPoint = 0xa0000003
)

// MaxDataSize caps a reparse data buffer, excluding its 8-byte header.
const MaxDataSize = 16 * 1024

// SymlinkFlagRelative marks a symlink substitute name as relative to
// its parent directory.
const SymlinkFlagRelative = 1

// ErrInvalidData is returned for reparse buffers that do not parse or
// exceed MaxDataSize.
var ErrInvalidData = errors.New("reparse: invalid reparse data")

// EncodeSymlink builds the reparse data for a symlink to target,
// without the 8-byte reparse header. Relative targets carry the
// relative flag so they survive a path change of the link itself.
func EncodeSymlink(target string, relative bool) ([]byte, error) {
	name := dentry.EncodeUTF16(target)

	// Substitute and print names are stored back to back after a
	// 12-byte symlink-specific header.
	b := make([]byte, 12+2*len(name))
	le := binary.LittleEndian
	le.PutUint16(b[0:], 0)                 // substitute name offset
	le.PutUint16(b[2:], uint16(len(name))) // substitute name length
	le.PutUint16(b[4:], uint16(len(name))) // print name offset
	le.PutUint16(b[6:], uint16(len(name))) // print name length
	if relative {
		le.PutUint32(b[8:], SymlinkFlagRelative)
	}
	copy(b[12:], name)
	copy(b[12+len(name):], name)

	if len(b) > MaxDataSize {
		return nil, fmt.Errorf("%w: symlink target of %d bytes", ErrInvalidData, len(name))
	}
	return b, nil
}

// DecodeSymlink extracts the substitute-name target and the relative
// flag from symlink reparse data.
func DecodeSymlink(data []byte) (target string, relative bool, err error) {
	if len(data) < 12 {
		return "", false, fmt.Errorf("%w: %d bytes for symlink", ErrInvalidData, len(data))
	}
	le := binary.LittleEndian
	off := int(le.Uint16(data[0:]))
	n := int(le.Uint16(data[2:]))
	flags := le.Uint32(data[8:])
	if 12+off+n > len(data) {
		return "", false, fmt.Errorf("%w: substitute name out of range", ErrInvalidData)
	}
	target, err = dentry.DecodeUTF16(data[12+off : 12+off+n])
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return target, flags&SymlinkFlagRelative != 0, nil
}

// DecodeMountPoint extracts the substitute-name target from junction
// reparse data, which lacks the symlink flags word.
func DecodeMountPoint(data []byte) (string, error) {
	if len(data) < 8 {
		return "", fmt.Errorf("%w: %d bytes for mount point", ErrInvalidData, len(data))
	}
	le := binary.LittleEndian
	off := int(le.Uint16(data[0:]))
	n := int(le.Uint16(data[2:]))
	if 8+off+n > len(data) {
		return "", fmt.Errorf("%w: substitute name out of range", ErrInvalidData)
	}
	target, err := dentry.DecodeUTF16(data[8+off : 8+off+n])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return target, nil
}

// Check validates a reparse data buffer's size.
func Check(data []byte) error {
	if len(data) > MaxDataSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidData, len(data), MaxDataSize)
	}
	return nil
}
