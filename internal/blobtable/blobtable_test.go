package blobtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wimkit/wim/internal/integrity"
	"github.com/wimkit/wim/internal/wimfile"
)

func blobAt(content string, offset int64) *Blob {
	data := []byte(content)
	return &Blob{
		Hash:       integrity.Sum(data),
		Res:        wimfile.ResourceEntry{Size: int64(len(data)), Offset: offset, OriginalSize: int64(len(data))},
		PartNumber: 1,
		RefCount:   1,
	}
}

func TestInternDedupes(t *testing.T) {
	tab := New()
	h := integrity.Sum([]byte("content"))

	calls := 0
	create := func() *Blob {
		calls++
		return &Blob{PartNumber: 1}
	}

	b1, isNew := tab.Intern(h, create)
	assert.True(t, isNew)
	assert.Equal(t, uint32(1), b1.RefCount)
	assert.Equal(t, h, b1.Hash)

	b2, isNew := tab.Intern(h, create)
	assert.False(t, isNew)
	assert.Same(t, b1, b2)
	assert.Equal(t, uint32(2), b2.RefCount)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, tab.Len())
}

func TestRefUnrefPrune(t *testing.T) {
	tab := New()
	b := blobAt("alpha", 1000)
	tab.Intern(b.Hash, func() *Blob { return b })

	assert.True(t, tab.Ref(b.Hash))
	assert.Equal(t, uint32(2), b.RefCount)

	assert.True(t, tab.Unref(b.Hash))
	assert.True(t, tab.Unref(b.Hash))
	assert.Equal(t, uint32(0), b.RefCount)

	// Orphans survive until an explicit prune.
	assert.Equal(t, 1, tab.Len())
	dropped := tab.Prune()
	require.Len(t, dropped, 1)
	assert.Same(t, b, dropped[0])
	assert.Equal(t, 0, tab.Len())

	assert.False(t, tab.Ref(b.Hash))
	assert.False(t, tab.Unref(b.Hash))
}

func TestEncodeParseRoundTrip(t *testing.T) {
	tab := New()
	blobs := []*Blob{blobAt("one", 5000), blobAt("two", 300), blobAt("three", 9000)}
	for _, b := range blobs {
		b := b
		tab.Intern(b.Hash, func() *Blob { return b })
	}
	blobs[2].RefCount = 7
	blobs[2].Res.Flags = wimfile.ResFlagMetadata | wimfile.ResFlagCompressed

	data := tab.Encode()
	require.Len(t, data, 3*EntrySize)

	got, masked, err := Parse(data)
	require.NoError(t, err)
	assert.Zero(t, masked)
	require.Equal(t, 3, got.Len())

	for _, want := range blobs {
		b, ok := got.Lookup(want.Hash)
		require.True(t, ok)
		assert.Equal(t, want.Res, b.Res)
		assert.Equal(t, want.RefCount, b.RefCount)
		assert.Equal(t, want.PartNumber, b.PartNumber)
	}
}

func TestEncodeOrdersByOffset(t *testing.T) {
	tab := New()
	for _, b := range []*Blob{blobAt("a", 900), blobAt("b", 100), blobAt("c", 500)} {
		b := b
		tab.Intern(b.Hash, func() *Blob { return b })
	}
	sorted := tab.Sorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, int64(100), sorted[0].Res.Offset)
	assert.Equal(t, int64(500), sorted[1].Res.Offset)
	assert.Equal(t, int64(900), sorted[2].Res.Offset)
}

func TestMetadataEntries(t *testing.T) {
	tab := New()
	meta1 := blobAt("image1", 2000)
	meta1.Res.Flags = wimfile.ResFlagMetadata
	meta2 := blobAt("image2", 6000)
	meta2.Res.Flags = wimfile.ResFlagMetadata
	plain := blobAt("data", 4000)
	for _, b := range []*Blob{meta2, plain, meta1} {
		b := b
		tab.Intern(b.Hash, func() *Blob { return b })
	}

	metas := tab.Metadata()
	require.Len(t, metas, 2)
	assert.Same(t, meta1, metas[0])
	assert.Same(t, meta2, metas[1])
}

func TestParseRejects(t *testing.T) {
	_, _, err := Parse(make([]byte, EntrySize+7))
	assert.ErrorIs(t, err, ErrInvalidTable)

	// Two entries with the same hash.
	tab := New()
	b := blobAt("dup", 100)
	tab.Intern(b.Hash, func() *Blob { return b })
	one := tab.Encode()
	_, _, err = Parse(append(append([]byte(nil), one...), one...))
	assert.ErrorIs(t, err, ErrInvalidTable)
}

func TestParseMaskedBits(t *testing.T) {
	tab := New()
	b := blobAt("masked", 100)
	tab.Intern(b.Hash, func() *Blob { return b })
	data := tab.Encode()
	data[15] |= 0x80 // reserved bit of the offset field

	got, masked, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, 1, masked)
	gb, ok := got.Lookup(b.Hash)
	require.True(t, ok)
	assert.Equal(t, int64(100), gb.Res.Offset)
}
