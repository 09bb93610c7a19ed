package dentry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wimkit/wim/internal/integrity"
)

func dir(name string) *Dentry {
	return &Dentry{Name: name, Inode: NewInode(AttrDirectory)}
}

func file(name string) *Dentry {
	return &Dentry{Name: name, Inode: NewInode(AttrNormal)}
}

func TestAddChild(t *testing.T) {
	root := NewRoot()
	a := dir("a")
	require.NoError(t, root.AddChild(a))
	require.NoError(t, a.AddChild(file("x.txt")))

	assert.Same(t, root, a.Parent)
	assert.Same(t, a, root.Child("a"))
	assert.Nil(t, root.Child("b"))

	// Windows name comparison is case-insensitive.
	assert.Same(t, a, root.Child("A"))
	err := root.AddChild(file("A"))
	assert.ErrorIs(t, err, ErrDuplicateName)

	err = root.AddChild(root)
	assert.Error(t, err)

	err = root.Child("a").Child("x.txt").AddChild(file("y"))
	assert.ErrorIs(t, err, ErrNotADirectory)
}

func TestRemoveChild(t *testing.T) {
	root := NewRoot()
	a := file("a")
	require.NoError(t, root.AddChild(a))
	assert.True(t, root.RemoveChild(a))
	assert.Nil(t, root.Child("a"))
	assert.Nil(t, a.Parent)
	assert.False(t, root.RemoveChild(a))
}

func TestPathAndLookup(t *testing.T) {
	root := NewRoot()
	a := dir("a")
	b := dir("b")
	x := file("x.txt")
	require.NoError(t, root.AddChild(a))
	require.NoError(t, a.AddChild(b))
	require.NoError(t, b.AddChild(x))

	assert.Equal(t, "/", root.Path())
	assert.Equal(t, "/a/b/x.txt", x.Path())

	assert.Same(t, x, root.Lookup("a/b/x.txt"))
	assert.Same(t, x, root.Lookup("/a/B/x.txt"))
	assert.Nil(t, root.Lookup("a/missing"))
}

func TestWalkPreorder(t *testing.T) {
	root := NewRoot()
	a := dir("a")
	b := file("b")
	c := file("c")
	require.NoError(t, root.AddChild(a))
	require.NoError(t, root.AddChild(b))
	require.NoError(t, a.AddChild(c))

	var names []string
	require.NoError(t, root.Walk(func(d *Dentry) error {
		names = append(names, d.Name)
		return nil
	}))
	assert.Equal(t, []string{"", "a", "c", "b"}, names)

	dirs, files := root.CountTree()
	assert.EqualValues(t, 1, dirs)
	assert.EqualValues(t, 2, files)
}

func TestInodeStreams(t *testing.T) {
	n := NewInode(AttrNormal)
	assert.Equal(t, NoSecurityID, n.SecurityID)

	data := n.AddStream(StreamData, "", integrity.Sum([]byte("payload")))
	meta := n.AddStream(StreamADS, "meta", integrity.Sum([]byte("m")))
	empty := n.AddStream(StreamADS, "empty", integrity.Hash{})

	assert.Same(t, data, n.DataStream())
	assert.Same(t, meta, n.NamedStream("meta"))
	assert.Same(t, empty, n.NamedStream("empty"))
	assert.Nil(t, n.NamedStream("META"), "stream names are case-sensitive")
	assert.Nil(t, n.ReparseStream())

	assert.False(t, data.IsEmpty())
	assert.True(t, empty.IsEmpty())
}

func TestUTF16RoundTrip(t *testing.T) {
	tests := []string{"", "hello.txt", "héllo wörld", "日本語", "emoji 🙂 name"}
	for _, s := range tests {
		b := EncodeUTF16(s)
		got, err := DecodeUTF16(b)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := DecodeUTF16([]byte{0x41})
	assert.Error(t, err)
}

func TestCheckShortName(t *testing.T) {
	assert.NoError(t, CheckShortName("FILE~1.TXT"))
	assert.NoError(t, CheckShortName("ABCDEFGH.IJK"))
	assert.ErrorIs(t, CheckShortName("ABCDEFGHI.JKLM"), ErrShortNameTooLong)
}

func TestSecurityTableIntern(t *testing.T) {
	tab := NewSecurityTable()
	d1 := []byte("descriptor one")
	d2 := []byte("descriptor two")

	id1 := tab.Intern(d1)
	id2 := tab.Intern(d2)
	assert.Equal(t, int32(0), id1)
	assert.Equal(t, int32(1), id2)

	// Identical descriptors share an index.
	assert.Equal(t, id1, tab.Intern(append([]byte(nil), d1...)))
	assert.Equal(t, 2, tab.Len())

	assert.Equal(t, d1, tab.Get(id1))
	assert.Nil(t, tab.Get(NoSecurityID))
	assert.Nil(t, tab.Get(99))
}
