// Package dentry holds the in-memory model of a file-system image: inodes
// with their streams, and the named directory entries referencing them.
// Hard links are multiple dentries sharing one inode.
package dentry

import (
	"time"

	"github.com/wimkit/wim/internal/integrity"
)

// Windows file attribute bits carried by inodes.
const (
	AttrReadOnly          = 0x00000001
	AttrHidden            = 0x00000002
	AttrSystem            = 0x00000004
	AttrDirectory         = 0x00000010
	AttrArchive           = 0x00000020
	AttrNormal            = 0x00000080
	AttrSparseFile        = 0x00000200
	AttrReparsePoint      = 0x00000400
	AttrCompressed        = 0x00000800
	AttrNotContentIndexed = 0x00002000
	AttrEncrypted         = 0x00004000
)

// NoSecurityID marks an inode without a security descriptor.
const NoSecurityID = int32(-1)

// StreamKind distinguishes the three stream flavors an inode can carry.
type StreamKind uint8

const (
	// StreamData is the unnamed default data stream.
	StreamData StreamKind = iota
	// StreamADS is a named alternate data stream.
	StreamADS
	// StreamReparse holds reparse-point data.
	StreamReparse
)

// Stream is one byte stream of an inode. An empty stream has a zero hash;
// the format elides empty content entirely.
type Stream struct {
	Kind StreamKind
	Name string
	Hash integrity.Hash
}

// IsEmpty reports whether the stream references no blob.
func (s *Stream) IsEmpty() bool { return s.Hash.IsZero() }

// Inode is the identity of a file. Multiple dentries alias one inode to
// form hard links.
type Inode struct {
	Attributes     uint32
	CreationTime   time.Time
	LastAccessTime time.Time
	LastWriteTime  time.Time
	SecurityID     int32
	ReparseTag     uint32
	LinkGroupID    uint64
	Streams        []*Stream
}

// NewInode returns an inode with no security descriptor and no streams.
func NewInode(attributes uint32) *Inode {
	return &Inode{Attributes: attributes, SecurityID: NoSecurityID}
}

func (n *Inode) IsDirectory() bool    { return n.Attributes&AttrDirectory != 0 }
func (n *Inode) IsReparsePoint() bool { return n.Attributes&AttrReparsePoint != 0 }

// DataStream returns the unnamed data stream, or nil.
func (n *Inode) DataStream() *Stream { return n.stream(StreamData, "") }

// ReparseStream returns the reparse data stream, or nil.
func (n *Inode) ReparseStream() *Stream { return n.stream(StreamReparse, "") }

// NamedStream returns the alternate data stream with the given name, or
// nil. Stream names compare case-sensitively.
func (n *Inode) NamedStream(name string) *Stream { return n.stream(StreamADS, name) }

func (n *Inode) stream(kind StreamKind, name string) *Stream {
	for _, s := range n.Streams {
		if s.Kind == kind && s.Name == name {
			return s
		}
	}
	return nil
}

// AddStream appends a stream and returns it.
func (n *Inode) AddStream(kind StreamKind, name string, hash integrity.Hash) *Stream {
	s := &Stream{Kind: kind, Name: name, Hash: hash}
	n.Streams = append(n.Streams, s)
	return s
}
