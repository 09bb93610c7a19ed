package dentry

import "github.com/wimkit/wim/internal/integrity"

// SecurityTable is an image's ordered array of binary Windows security
// descriptors. Inodes reference entries by index; duplicate descriptors
// share an index.
type SecurityTable struct {
	Descriptors [][]byte

	index map[integrity.Hash]int32
}

// NewSecurityTable returns an empty table.
func NewSecurityTable() *SecurityTable {
	return &SecurityTable{index: make(map[integrity.Hash]int32)}
}

// Intern adds desc to the table and returns its index, reusing the index
// of an identical descriptor already present.
func (t *SecurityTable) Intern(desc []byte) int32 {
	if t.index == nil {
		t.index = make(map[integrity.Hash]int32)
	}
	h := integrity.Sum(desc)
	if id, ok := t.index[h]; ok {
		return id
	}
	id := int32(len(t.Descriptors))
	t.Descriptors = append(t.Descriptors, append([]byte(nil), desc...))
	t.index[h] = id
	return id
}

// Get returns the descriptor for an index. NoSecurityID and out-of-range
// indices return nil.
func (t *SecurityTable) Get(id int32) []byte {
	if t == nil || id < 0 || int(id) >= len(t.Descriptors) {
		return nil
	}
	return t.Descriptors[id]
}

// Len returns the number of descriptors.
func (t *SecurityTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Descriptors)
}
