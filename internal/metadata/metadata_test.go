package metadata

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wimkit/wim/internal/dentry"
	"github.com/wimkit/wim/internal/integrity"
)

var testTime = time.Date(2023, 4, 5, 6, 7, 8, 900, time.UTC).Round(100 * time.Nanosecond)

func newDir(name string) *dentry.Dentry {
	d := &dentry.Dentry{Name: name, Inode: dentry.NewInode(dentry.AttrDirectory)}
	stampInode(d.Inode)
	return d
}

func newFile(name, contents string) *dentry.Dentry {
	d := &dentry.Dentry{Name: name, Inode: dentry.NewInode(dentry.AttrNormal)}
	stampInode(d.Inode)
	d.Inode.AddStream(dentry.StreamData, "", integrity.Sum([]byte(contents)))
	return d
}

func stampInode(n *dentry.Inode) {
	n.CreationTime = testTime
	n.LastAccessTime = testTime
	n.LastWriteTime = testTime
}

func buildImage(t *testing.T) *Image {
	t.Helper()
	root := dentry.NewRoot()
	stampInode(root.Inode)

	docs := newDir("Documents")
	readme := newFile("readme.txt", "hello")
	readme.ShortName = "README~1.TXT"
	readme.Inode.AddStream(dentry.StreamADS, "Zone.Identifier", integrity.Sum([]byte("zone")))
	readme.Inode.AddStream(dentry.StreamADS, "empty", integrity.Hash{})

	empty := newDir("empty")
	unicode := newFile("héllo 日本語.txt", "unicode")

	link := &dentry.Dentry{Name: "link.txt", Inode: readme.Inode}
	readme.Inode.LinkGroupID = 42

	reparse := &dentry.Dentry{Name: "junction", Inode: dentry.NewInode(dentry.AttrDirectory | dentry.AttrReparsePoint)}
	stampInode(reparse.Inode)
	reparse.Inode.ReparseTag = 0xa0000003
	reparse.Inode.AddStream(dentry.StreamReparse, "", integrity.Sum([]byte("reparse data")))

	sec := dentry.NewSecurityTable()
	readme.Inode.SecurityID = sec.Intern([]byte("descriptor-a"))
	docs.Inode.SecurityID = sec.Intern([]byte("descriptor-b-longer"))

	require.NoError(t, root.AddChild(docs))
	require.NoError(t, docs.AddChild(readme))
	require.NoError(t, docs.AddChild(link))
	require.NoError(t, root.AddChild(empty))
	require.NoError(t, root.AddChild(unicode))
	require.NoError(t, root.AddChild(reparse))

	return &Image{Root: root, Security: sec}
}

func TestRoundTrip(t *testing.T) {
	img := buildImage(t)
	data, err := Encode(img)
	require.NoError(t, err)
	assert.Zero(t, len(data)%8)

	got, warnings, err := Parse(data, Options{})
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, 2, got.Security.Len())
	assert.Equal(t, []byte("descriptor-a"), got.Security.Get(0))

	readme := got.Root.Lookup("Documents/readme.txt")
	require.NotNil(t, readme)
	assert.Equal(t, "README~1.TXT", readme.ShortName)
	assert.Equal(t, int32(0), readme.Inode.SecurityID)
	assert.True(t, testTime.Equal(readme.Inode.LastWriteTime))
	assert.Equal(t, integrity.Sum([]byte("hello")), readme.Inode.DataStream().Hash)

	zone := readme.Inode.NamedStream("Zone.Identifier")
	require.NotNil(t, zone)
	assert.Equal(t, integrity.Sum([]byte("zone")), zone.Hash)
	require.NotNil(t, readme.Inode.NamedStream("empty"))
	assert.True(t, readme.Inode.NamedStream("empty").IsEmpty())

	link := got.Root.Lookup("Documents/link.txt")
	require.NotNil(t, link)
	assert.Same(t, readme.Inode, link.Inode, "hard links share an inode")

	empty := got.Root.Lookup("empty")
	require.NotNil(t, empty)
	assert.True(t, empty.IsDirectory())
	assert.Empty(t, empty.Children())

	unicode := got.Root.Lookup("héllo 日本語.txt")
	require.NotNil(t, unicode)

	junction := got.Root.Lookup("junction")
	require.NotNil(t, junction)
	assert.True(t, junction.Inode.IsReparsePoint())
	assert.Equal(t, uint32(0xa0000003), junction.Inode.ReparseTag)
	require.NotNil(t, junction.Inode.ReparseStream())
	assert.Equal(t, integrity.Sum([]byte("reparse data")), junction.Inode.ReparseStream().Hash)

	root := got.Root
	assert.Equal(t, "", root.Name)
	assert.Equal(t, dentry.NoSecurityID, root.Inode.SecurityID)

	// Re-encoding a parsed image is stable.
	again, err := Encode(got)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestEncodeRejects(t *testing.T) {
	root := dentry.NewRoot()
	bad := newFile("long.txt", "x")
	bad.ShortName = "THISNAMEIS.WAYTOOLONG"
	require.NoError(t, root.AddChild(bad))

	_, err := Encode(&Image{Root: root})
	assert.ErrorIs(t, err, dentry.ErrShortNameTooLong)

	_, err = Encode(&Image{Root: &dentry.Dentry{}})
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestSecurityTableRoundTrip(t *testing.T) {
	tab := dentry.NewSecurityTable()
	tab.Intern([]byte("one"))
	tab.Intern([]byte("descriptor number two"))

	b := encodeSecurity(tab)
	assert.Zero(t, len(b)%8)

	got, off, err := parseSecurity(b)
	require.NoError(t, err)
	assert.Equal(t, int64(len(b)), off)
	assert.Equal(t, 2, got.Len())
	assert.Equal(t, []byte("one"), got.Get(0))
	assert.Equal(t, []byte("descriptor number two"), got.Get(1))
}

func TestSecurityTableEmpty(t *testing.T) {
	b := encodeSecurity(dentry.NewSecurityTable())
	got, off, err := parseSecurity(append(b, make([]byte, 256)...))
	require.NoError(t, err)
	assert.Zero(t, got.Len())
	assert.Equal(t, align8(int64(len(b))), off)

	// Some writers store an all-zero 8-byte table.
	got, off, err = parseSecurity(make([]byte, 256))
	require.NoError(t, err)
	assert.Zero(t, got.Len())
	assert.Equal(t, int64(8), off)
}

func TestSecurityTableRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated header", []byte{1, 2, 3}},
		{"length beyond buffer", func() []byte {
			b := make([]byte, 16)
			binary.LittleEndian.PutUint32(b[0:], 1000)
			binary.LittleEndian.PutUint32(b[4:], 1)
			return b
		}()},
		{"sizes do not fit", func() []byte {
			b := make([]byte, 16)
			binary.LittleEndian.PutUint32(b[0:], 16)
			binary.LittleEndian.PutUint32(b[4:], 5)
			return b
		}()},
		{"descriptor overruns table", func() []byte {
			b := make([]byte, 24)
			binary.LittleEndian.PutUint32(b[0:], 24)
			binary.LittleEndian.PutUint32(b[4:], 1)
			binary.LittleEndian.PutUint64(b[8:], 100)
			return b
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseSecurity(tt.data)
			assert.ErrorIs(t, err, ErrInvalidSecurityData)
		})
	}
}

func TestParseRejectsTruncation(t *testing.T) {
	img := buildImage(t)
	data, err := Encode(img)
	require.NoError(t, err)

	// Chopping the resource anywhere must fail cleanly, never panic.
	for n := 0; n < len(data); n += 7 {
		_, _, err := Parse(data[:n], Options{})
		if err == nil {
			// Short prefixes can still form a smaller valid tree when
			// the cut lands past the last referenced record.
			continue
		}
		if !errors.Is(err, ErrInvalidMetadata) && !errors.Is(err, ErrInvalidSecurityData) {
			t.Fatalf("Parse(%d bytes) = %v, want a metadata error", n, err)
		}
	}
}

func TestParseRejectsCorruptRecords(t *testing.T) {
	img := buildImage(t)
	base, err := Encode(img)
	require.NoError(t, err)
	_, rootOff, err := parseSecurity(base)
	require.NoError(t, err)

	corrupt := func(mutate func(b []byte)) error {
		b := append([]byte(nil), base...)
		mutate(b)
		_, _, err := Parse(b, Options{})
		return err
	}

	t.Run("root not a directory", func(t *testing.T) {
		err := corrupt(func(b []byte) {
			binary.LittleEndian.PutUint32(b[rootOff+8:], dentry.AttrNormal)
		})
		assert.ErrorIs(t, err, ErrInvalidMetadata)
	})
	t.Run("dentry length below minimum", func(t *testing.T) {
		err := corrupt(func(b []byte) {
			binary.LittleEndian.PutUint64(b[rootOff:], 50)
		})
		assert.ErrorIs(t, err, ErrInvalidMetadata)
	})
	t.Run("child list cycle", func(t *testing.T) {
		err := corrupt(func(b []byte) {
			// Point the root's child list at itself.
			subdir := binary.LittleEndian.Uint64(b[rootOff+16:])
			binary.LittleEndian.PutUint64(b[subdir+16:], subdir)
		})
		assert.ErrorIs(t, err, ErrInvalidMetadata)
	})
	t.Run("name overruns record", func(t *testing.T) {
		err := corrupt(func(b []byte) {
			binary.LittleEndian.PutUint16(b[rootOff+100:], 5000)
		})
		assert.ErrorIs(t, err, ErrInvalidMetadata)
	})
}

func TestParseRejectsCycle(t *testing.T) {
	img := &Image{Root: dentry.NewRoot()}
	stampInode(img.Root.Inode)
	sub := newDir("a")
	require.NoError(t, img.Root.AddChild(sub))
	data, err := Encode(img)
	require.NoError(t, err)

	_, rootOff, err := parseSecurity(data)
	require.NoError(t, err)

	// Redirect the subdirectory's child list back at the root's list.
	rootList := binary.LittleEndian.Uint64(data[rootOff+16:])
	binary.LittleEndian.PutUint64(data[rootList+16:], rootList)

	_, _, err = Parse(data, Options{})
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestDuplicateUnnamedStream(t *testing.T) {
	root := dentry.NewRoot()
	stampInode(root.Inode)
	f := newFile("f", "first")
	// A second unnamed stream rides along as an anonymous entry.
	f.Inode.Streams = append(f.Inode.Streams, &dentry.Stream{
		Kind: dentry.StreamADS,
		Hash: integrity.Sum([]byte("second")),
	})
	require.NoError(t, root.AddChild(f))
	data, err := Encode(&Image{Root: root})
	require.NoError(t, err)

	got, warnings, err := Parse(data, Options{})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "unnamed")
	assert.Equal(t, integrity.Sum([]byte("first")), got.Root.Lookup("f").Inode.DataStream().Hash)

	_, _, err = Parse(data, Options{DuplicateUnnamedIsError: true})
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}

func TestHardLinkInconsistencyWarns(t *testing.T) {
	root := dentry.NewRoot()
	stampInode(root.Inode)
	a := newFile("a", "payload")
	a.Inode.LinkGroupID = 7
	require.NoError(t, root.AddChild(a))

	b := &dentry.Dentry{Name: "b", Inode: dentry.NewInode(dentry.AttrNormal | dentry.AttrHidden)}
	stampInode(b.Inode)
	b.Inode.LinkGroupID = 7
	b.Inode.AddStream(dentry.StreamData, "", integrity.Sum([]byte("payload")))
	require.NoError(t, root.AddChild(b))

	data, err := Encode(&Image{Root: root})
	require.NoError(t, err)

	got, warnings, err := Parse(data, Options{})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "hard-link")

	// The first dentry's metadata wins for the whole group.
	assert.Same(t, got.Root.Lookup("a").Inode, got.Root.Lookup("b").Inode)
	assert.Equal(t, uint32(dentry.AttrNormal), got.Root.Lookup("b").Inode.Attributes)
}

func TestCountsSurviveRoundTrip(t *testing.T) {
	img := buildImage(t)
	data, err := Encode(img)
	require.NoError(t, err)
	got, _, err := Parse(data, Options{})
	require.NoError(t, err)

	wantDirs, wantFiles := img.Root.CountTree()
	gotDirs, gotFiles := got.Root.CountTree()
	assert.Equal(t, wantDirs, gotDirs)
	assert.Equal(t, wantFiles, gotFiles)
}
