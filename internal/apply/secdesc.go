package apply

import "encoding/binary"

// Self-relative security descriptor header offsets.
const (
	sdHeaderSize  = 20
	sdOffsetOwner = 4
	sdOffsetGroup = 8
	sdOffsetSacl  = 12
	sdOffsetDacl  = 16

	aclHeaderSize = 8
	sidHeaderSize = 8
)

// FixDescriptor rewrites a self-relative security descriptor whose last
// element is an empty DACL or SACL. Windows rejects such descriptors on
// write, so the owner SID (or the group SID when no owner is present)
// is duplicated behind the ACL to push it off the tail. Descriptors
// that need no fix, or that do not parse, come back unchanged.
func FixDescriptor(sd []byte) []byte {
	if len(sd) < sdHeaderSize {
		return sd
	}
	if !emptyACLAtTail(sd, sdOffsetDacl) && !emptyACLAtTail(sd, sdOffsetSacl) {
		return sd
	}

	relocate := sdOffsetOwner
	off := binary.LittleEndian.Uint32(sd[relocate:])
	if off == 0 {
		relocate = sdOffsetGroup
		off = binary.LittleEndian.Uint32(sd[relocate:])
	}
	size := sidSize(sd, off)
	if size == 0 {
		return sd
	}

	out := make([]byte, len(sd)+size)
	copy(out, sd)
	copy(out[len(sd):], sd[off:int(off)+size])
	binary.LittleEndian.PutUint32(out[relocate:], uint32(len(sd)))
	return out
}

// emptyACLAtTail reports whether the ACL referenced by the header field
// at hdrOff is a zero-ACE ACL occupying the descriptor's final bytes.
func emptyACLAtTail(sd []byte, hdrOff int) bool {
	off := binary.LittleEndian.Uint32(sd[hdrOff:])
	if off == 0 || int64(off)+aclHeaderSize != int64(len(sd)) {
		return false
	}
	aclSize := binary.LittleEndian.Uint16(sd[off+2:])
	aceCount := binary.LittleEndian.Uint16(sd[off+4:])
	return aclSize == aclHeaderSize && aceCount == 0
}

// sidSize returns the byte size of the SID at off, or zero when off
// does not address a whole SID inside sd.
func sidSize(sd []byte, off uint32) int {
	if off == 0 || int64(off)+sidHeaderSize > int64(len(sd)) {
		return 0
	}
	subAuthorities := int(sd[off+1])
	size := sidHeaderSize + 4*subAuthorities
	if int64(off)+int64(size) > int64(len(sd)) {
		return 0
	}
	return size
}
