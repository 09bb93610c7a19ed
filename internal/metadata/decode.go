package metadata

import (
	"encoding/binary"
	"fmt"

	"github.com/wimkit/wim/internal/dentry"
	"github.com/wimkit/wim/internal/integrity"
	"github.com/wimkit/wim/internal/wimfile"
)

// Parse reads a metadata resource into an image tree. Non-fatal
// oddities, hard-link groups with disagreeing metadata or duplicate
// unnamed streams, are reported as warnings unless opts escalates them.
func Parse(data []byte, opts Options) (*Image, []Warning, error) {
	sec, rootOff, err := parseSecurity(data)
	if err != nil {
		return nil, nil, err
	}

	p := &parser{
		data:    data,
		opts:    opts,
		visited: make(map[int64]bool),
		groups:  make(map[uint64]*dentry.Inode),
	}
	root, subdirOff, _, err := p.readDentry(rootOff)
	if err != nil {
		return nil, nil, err
	}
	if root == nil {
		return nil, nil, fmt.Errorf("%w: missing root dentry", ErrInvalidMetadata)
	}
	if !root.IsDirectory() {
		return nil, nil, fmt.Errorf("%w: root is not a directory", ErrInvalidMetadata)
	}
	root.Name = ""
	root.ShortName = ""

	if err := p.readChildren(root, subdirOff); err != nil {
		return nil, nil, err
	}
	return &Image{Root: root, Security: sec}, p.warnings, nil
}

type parser struct {
	data     []byte
	opts     Options
	warnings []Warning

	// visited guards against child lists that loop back into
	// already-parsed regions.
	visited map[int64]bool

	// groups maps link-group IDs to the first inode seen with each ID,
	// so hard links share one inode.
	groups map[uint64]*dentry.Inode
}

func (p *parser) warnf(path, format string, args ...any) {
	p.warnings = append(p.warnings, Warning{Path: path, Message: fmt.Sprintf(format, args...)})
}

// readChildren parses the child list at off into d and recurses into
// subdirectories.
func (p *parser) readChildren(d *dentry.Dentry, off int64) error {
	if off == 0 {
		// A zero subdir offset means the child list was omitted.
		return nil
	}
	if p.visited[off] {
		return fmt.Errorf("%w: child list at %d visited twice", ErrInvalidMetadata, off)
	}
	p.visited[off] = true

	for {
		c, subdirOff, next, err := p.readDentry(off)
		if err != nil {
			return err
		}
		if c == nil {
			return nil
		}
		if c.Name == "" {
			p.warnf(d.Path(), "ignoring unnamed dentry")
		} else if err := d.AddChild(c); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		} else if c.IsDirectory() {
			if err := p.readChildren(c, subdirOff); err != nil {
				return err
			}
		}
		off = next
	}
}

// readDentry parses the record at off. It returns the dentry, the
// offset of its child list, and the offset of the following record. A
// terminator (length < 8, conventionally zero) yields a nil dentry.
func (p *parser) readDentry(off int64) (*dentry.Dentry, int64, int64, error) {
	if off < 0 || off+8 > int64(len(p.data)) {
		return nil, 0, 0, fmt.Errorf("%w: dentry offset %d out of range", ErrInvalidMetadata, off)
	}
	le := binary.LittleEndian
	length := int64(le.Uint64(p.data[off:]))
	if length < 8 {
		return nil, 0, 0, nil
	}
	if length < dentryFixedSize {
		return nil, 0, 0, fmt.Errorf("%w: dentry length %d below minimum", ErrInvalidMetadata, length)
	}
	end := off + align8(length)
	if end > int64(len(p.data)) {
		return nil, 0, 0, fmt.Errorf("%w: dentry at %d overruns resource", ErrInvalidMetadata, off)
	}
	rec := p.data[off : off+length]

	attributes := le.Uint32(rec[8:])
	rawSec := le.Uint32(rec[12:])
	subdirOff := int64(le.Uint64(rec[16:]))

	n := dentry.NewInode(attributes)
	n.CreationTime = wimfile.FiletimeToTime(le.Uint64(rec[40:]))
	n.LastAccessTime = wimfile.FiletimeToTime(le.Uint64(rec[48:]))
	n.LastWriteTime = wimfile.FiletimeToTime(le.Uint64(rec[56:]))
	if rawSec != noSecurityIDDisk {
		n.SecurityID = int32(rawSec)
	}

	var mainHash integrity.Hash
	copy(mainHash[:], rec[64:84])
	if n.IsReparsePoint() {
		n.ReparseTag = le.Uint32(rec[88:])
		n.AddStream(dentry.StreamReparse, "", mainHash)
	} else {
		n.LinkGroupID = le.Uint64(rec[88:])
		n.AddStream(dentry.StreamData, "", mainHash)
	}

	numADS := int(le.Uint16(rec[96:]))
	shortNameBytes := int64(le.Uint16(rec[98:]))
	fileNameBytes := int64(le.Uint16(rec[100:]))
	if shortNameBytes%2 != 0 || fileNameBytes%2 != 0 {
		return nil, 0, 0, fmt.Errorf("%w: odd name length in dentry at %d", ErrInvalidMetadata, off)
	}

	need := int64(dentryFixedSize)
	if fileNameBytes > 0 {
		need += fileNameBytes + 2
	}
	if shortNameBytes > 0 {
		need += shortNameBytes + 2
	}
	if need > length {
		return nil, 0, 0, fmt.Errorf("%w: names overrun dentry at %d", ErrInvalidMetadata, off)
	}

	d := &dentry.Dentry{Inode: n}
	nameOff := int64(dentryFixedSize)
	if fileNameBytes > 0 {
		name, err := dentry.DecodeUTF16(rec[nameOff : nameOff+fileNameBytes])
		if err != nil {
			return nil, 0, 0, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
		d.Name = name
		nameOff += fileNameBytes + 2
	}
	if shortNameBytes > 0 {
		name, err := dentry.DecodeUTF16(rec[nameOff : nameOff+shortNameBytes])
		if err != nil {
			return nil, 0, 0, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
		d.ShortName = name
	}

	next := end
	for i := 0; i < numADS; i++ {
		var err error
		next, err = p.readADS(n, d.Name, next)
		if err != nil {
			return nil, 0, 0, err
		}
	}

	p.unifyLinks(d)
	return d, subdirOff, next, nil
}

// readADS parses one alternate-stream entry and returns the offset of
// the next record.
func (p *parser) readADS(n *dentry.Inode, path string, off int64) (int64, error) {
	if off < 0 || off+adsFixedSize > int64(len(p.data)) {
		return 0, fmt.Errorf("%w: stream entry at %d overruns resource", ErrInvalidMetadata, off)
	}
	le := binary.LittleEndian
	rec := p.data[off:]
	length := int64(le.Uint64(rec[0:]))
	if length < adsFixedSize {
		return 0, fmt.Errorf("%w: stream entry length %d below minimum", ErrInvalidMetadata, length)
	}
	end := off + align8(length)
	if end > int64(len(p.data)) {
		return 0, fmt.Errorf("%w: stream entry at %d overruns resource", ErrInvalidMetadata, off)
	}

	var h integrity.Hash
	copy(h[:], rec[16:36])
	nameBytes := int64(le.Uint16(rec[36:]))
	if nameBytes%2 != 0 {
		return 0, fmt.Errorf("%w: odd stream name length at %d", ErrInvalidMetadata, off)
	}
	if nameBytes > 0 && adsFixedSize+nameBytes+2 > length {
		return 0, fmt.Errorf("%w: stream name overruns entry at %d", ErrInvalidMetadata, off)
	}

	var name string
	if nameBytes > 0 {
		var err error
		name, err = dentry.DecodeUTF16(rec[adsFixedSize : adsFixedSize+nameBytes])
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
	}

	switch {
	case name == "" && n.IsReparsePoint() && n.DataStream() == nil:
		// A reparse point stores its unnamed data stream as an
		// alternate-stream entry.
		n.AddStream(dentry.StreamData, "", h)
	case name == "":
		ds := n.DataStream()
		if ds != nil && !ds.IsEmpty() && !h.IsZero() && ds.Hash != h {
			if p.opts.DuplicateUnnamedIsError {
				return 0, fmt.Errorf("%w: conflicting unnamed streams for %q", ErrInvalidMetadata, path)
			}
			p.warnf(path, "keeping first of multiple unnamed streams")
		} else if ds != nil && ds.IsEmpty() {
			ds.Hash = h
		} else if ds == nil {
			n.AddStream(dentry.StreamData, "", h)
		}
	case n.NamedStream(name) != nil:
		p.warnf(path, "duplicate stream name %q", name)
	default:
		n.AddStream(dentry.StreamADS, name, h)
	}
	return end, nil
}

// unifyLinks replaces d's inode with the first inode parsed for the
// same link group. Directories never share inodes.
func (p *parser) unifyLinks(d *dentry.Dentry) {
	n := d.Inode
	if n.LinkGroupID == 0 || n.IsDirectory() {
		return
	}
	first, ok := p.groups[n.LinkGroupID]
	if !ok {
		p.groups[n.LinkGroupID] = n
		return
	}
	if first.Attributes != n.Attributes || first.SecurityID != n.SecurityID {
		p.warnf(d.Name, "hard-link group %#x has inconsistent metadata", n.LinkGroupID)
	}
	d.Inode = first
}
