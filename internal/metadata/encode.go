package metadata

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/wimkit/wim/internal/dentry"
	"github.com/wimkit/wim/internal/integrity"
	"github.com/wimkit/wim/internal/wimfile"
)

// Encode serializes an image to its metadata resource: the security
// table followed by the root dentry record and each directory's child
// list in depth-first preorder.
func Encode(img *Image) ([]byte, error) {
	sec := img.Security
	if sec == nil {
		sec = dentry.NewSecurityTable()
	}

	var buf bytes.Buffer
	buf.Write(encodeSecurity(sec))

	rootOff := int64(buf.Len())
	if err := writeDentry(&buf, img.Root); err != nil {
		return nil, err
	}
	// The root has no siblings, so its list ends immediately.
	buf.Write(make([]byte, 8))

	if err := writeChildren(&buf, img.Root, rootOff); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeChildren emits d's child list, patches d's subdir offset to point
// at it, then recurses into each child directory.
func writeChildren(buf *bytes.Buffer, d *dentry.Dentry, recordOff int64) error {
	if !d.IsDirectory() {
		return nil
	}
	listOff := int64(buf.Len())
	binary.LittleEndian.PutUint64(buf.Bytes()[recordOff+16:], uint64(listOff))

	childOffs := make([]int64, 0, len(d.Children()))
	for _, c := range d.Children() {
		childOffs = append(childOffs, int64(buf.Len()))
		if err := writeDentry(buf, c); err != nil {
			return err
		}
	}
	buf.Write(make([]byte, 8))

	for i, c := range d.Children() {
		if err := writeChildren(buf, c, childOffs[i]); err != nil {
			return err
		}
	}
	return nil
}

// writeDentry emits one dentry record followed by its alternate-stream
// entries, each padded to 8 bytes.
func writeDentry(buf *bytes.Buffer, d *dentry.Dentry) error {
	n := d.Inode
	if n == nil {
		return fmt.Errorf("%w: dentry %q has no inode", ErrInvalidMetadata, d.Name)
	}
	if err := dentry.CheckShortName(d.ShortName); err != nil {
		return err
	}

	fileName := dentry.EncodeUTF16(d.Name)
	shortName := dentry.EncodeUTF16(d.ShortName)

	length := int64(dentryFixedSize)
	if len(fileName) > 0 {
		length += int64(len(fileName)) + 2
	}
	if len(shortName) > 0 {
		length += int64(len(shortName)) + 2
	}

	rec := make([]byte, align8(length))
	le := binary.LittleEndian
	le.PutUint64(rec[0:], uint64(length))
	le.PutUint32(rec[8:], n.Attributes)
	if n.SecurityID == dentry.NoSecurityID {
		le.PutUint32(rec[12:], noSecurityIDDisk)
	} else {
		le.PutUint32(rec[12:], uint32(n.SecurityID))
	}
	// Subdir offset at 16 is patched by writeChildren.
	le.PutUint64(rec[40:], wimfile.TimeToFiletime(n.CreationTime))
	le.PutUint64(rec[48:], wimfile.TimeToFiletime(n.LastAccessTime))
	le.PutUint64(rec[56:], wimfile.TimeToFiletime(n.LastWriteTime))

	var h integrity.Hash
	if n.IsReparsePoint() {
		if s := n.ReparseStream(); s != nil {
			h = s.Hash
		}
		le.PutUint32(rec[88:], n.ReparseTag)
	} else {
		if s := n.DataStream(); s != nil {
			h = s.Hash
		}
		le.PutUint64(rec[88:], n.LinkGroupID)
	}
	copy(rec[64:], h[:])

	ads := namedStreams(n)
	le.PutUint16(rec[96:], uint16(len(ads)))
	le.PutUint16(rec[98:], uint16(len(shortName)))
	le.PutUint16(rec[100:], uint16(len(fileName)))

	off := dentryFixedSize
	if len(fileName) > 0 {
		off += copy(rec[off:], fileName) + 2
	}
	if len(shortName) > 0 {
		copy(rec[off:], shortName)
	}
	buf.Write(rec)

	for _, s := range ads {
		writeADS(buf, s)
	}
	return nil
}

// namedStreams lists the streams stored as alternate-stream entries:
// every named stream, plus a reparse point's unnamed data stream, which
// has no home in the fixed record.
func namedStreams(n *dentry.Inode) []*dentry.Stream {
	var out []*dentry.Stream
	if n.IsReparsePoint() {
		if s := n.DataStream(); s != nil {
			out = append(out, s)
		}
	}
	for _, s := range n.Streams {
		if s.Kind == dentry.StreamADS {
			out = append(out, s)
		}
	}
	return out
}

func writeADS(buf *bytes.Buffer, s *dentry.Stream) {
	name := dentry.EncodeUTF16(s.Name)
	length := int64(adsFixedSize)
	if len(name) > 0 {
		length += int64(len(name)) + 2
	}

	rec := make([]byte, align8(length))
	le := binary.LittleEndian
	le.PutUint64(rec[0:], uint64(length))
	copy(rec[16:], s.Hash[:])
	le.PutUint16(rec[36:], uint16(len(name)))
	if len(name) > 0 {
		copy(rec[adsFixedSize:], name)
	}
	buf.Write(rec)
}
