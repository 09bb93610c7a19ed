package integrity

import (
	"bytes"
	"crypto/sha1"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumMatchesStreaming(t *testing.T) {
	data := []byte("hello")
	assert.Equal(t, Hash(sha1.Sum(data)), Sum(data))

	h := NewHasher()
	h.Write(data[:2])
	h.Write(data[2:])
	assert.Equal(t, Sum(data), Finish(h))
}

func TestHashIsZero(t *testing.T) {
	assert.True(t, Hash{}.IsZero())
	assert.False(t, Sum(nil).IsZero())
}

func TestTableRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		size    int64
		entries int
	}{
		{"empty", 0, 0},
		{"small", 100, 1},
		{"one chunk exactly", TableChunkSize, 1},
		{"one chunk plus one", TableChunkSize + 1, 2},
		{"several", 2*TableChunkSize + 5000, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(tt.size))
			data := make([]byte, tt.size)
			rng.Read(data)

			table, err := BuildTable(bytes.NewReader(data), tt.size)
			require.NoError(t, err)
			require.Len(t, table, tableHeaderSize+tt.entries*HashSize)

			require.NoError(t, VerifyTable(bytes.NewReader(data), tt.size, table))
		})
	}
}

func TestVerifyTableMismatch(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 5000)
	table, err := BuildTable(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	data[7000] ^= 0x40
	err = VerifyTable(bytes.NewReader(data), int64(len(data)), table)
	assert.ErrorIs(t, err, ErrMismatch)
}

func TestVerifyTableInvalid(t *testing.T) {
	data := []byte("payload")
	table, err := BuildTable(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	assert.ErrorIs(t, VerifyTable(bytes.NewReader(data), int64(len(data)), table[:4]), ErrInvalidTable)

	bad := append([]byte(nil), table...)
	bad[0] = 32 // wrong entry size
	assert.ErrorIs(t, VerifyTable(bytes.NewReader(data), int64(len(data)), bad), ErrInvalidTable)

	// Entry count disagreeing with the region size.
	assert.ErrorIs(t, VerifyTable(bytes.NewReader(data), 0, table), ErrInvalidTable)
}

func TestBuildTableShortRead(t *testing.T) {
	_, err := BuildTable(bytes.NewReader([]byte("abc")), 100)
	assert.Error(t, err)
}
