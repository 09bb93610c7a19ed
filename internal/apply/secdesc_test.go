package apply

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildDescriptor assembles a self-relative descriptor from its parts,
// laid out in the order given.
func buildDescriptor(owner, group, sacl, dacl []byte) []byte {
	sd := make([]byte, sdHeaderSize)
	sd[0] = 1
	place := func(hdrOff int, part []byte) []byte {
		if part == nil {
			return sd
		}
		binary.LittleEndian.PutUint32(sd[hdrOff:], uint32(len(sd)))
		return append(sd, part...)
	}
	sd = place(sdOffsetOwner, owner)
	sd = place(sdOffsetGroup, group)
	sd = place(sdOffsetSacl, sacl)
	sd = place(sdOffsetDacl, dacl)
	return sd
}

func testSID(subAuthorities ...uint32) []byte {
	sid := make([]byte, sidHeaderSize+4*len(subAuthorities))
	sid[0] = 1
	sid[1] = byte(len(subAuthorities))
	sid[7] = 5
	for i, sub := range subAuthorities {
		binary.LittleEndian.PutUint32(sid[sidHeaderSize+4*i:], sub)
	}
	return sid
}

func emptyACL() []byte {
	acl := make([]byte, aclHeaderSize)
	acl[0] = 2
	binary.LittleEndian.PutUint16(acl[2:], aclHeaderSize)
	return acl
}

func TestFixDescriptorRelocatesOwner(t *testing.T) {
	owner := testSID(32, 544)
	sd := buildDescriptor(owner, nil, nil, emptyACL())

	fixed := FixDescriptor(sd)
	require.Len(t, fixed, len(sd)+len(owner))
	assert.EqualValues(t, len(sd), binary.LittleEndian.Uint32(fixed[sdOffsetOwner:]))
	assert.Equal(t, owner, fixed[len(sd):], "owner SID copied behind the ACL")

	assert.Equal(t, fixed, FixDescriptor(fixed), "fixed descriptor is stable")
}

func TestFixDescriptorRelocatesGroupWithoutOwner(t *testing.T) {
	group := testSID(513)
	sd := buildDescriptor(nil, group, emptyACL(), nil)

	fixed := FixDescriptor(sd)
	require.Len(t, fixed, len(sd)+len(group))
	assert.EqualValues(t, len(sd), binary.LittleEndian.Uint32(fixed[sdOffsetGroup:]))
	assert.Equal(t, group, fixed[len(sd):])
}

func TestFixDescriptorLeavesGoodDescriptors(t *testing.T) {
	acl := emptyACL()
	binary.LittleEndian.PutUint16(acl[4:], 1) // an ACE, not empty

	// A descriptor whose SACL sits ahead of the group SID does not end
	// in an ACL.
	aclFirst := buildDescriptor(nil, nil, emptyACL(), nil)
	group := testSID(513)
	binary.LittleEndian.PutUint32(aclFirst[sdOffsetGroup:], uint32(len(aclFirst)))
	aclFirst = append(aclFirst, group...)

	tests := []struct {
		name string
		sd   []byte
	}{
		{"short", []byte{1, 0, 0}},
		{"no acl", buildDescriptor(testSID(18), nil, nil, nil)},
		{"populated dacl", buildDescriptor(testSID(18), nil, nil, acl)},
		{"acl before sid", aclFirst},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.sd, FixDescriptor(tt.sd))
		})
	}
}
