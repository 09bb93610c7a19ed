package dentry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

// MaxShortNameUnits bounds a short (DOS) name to 8.3 form: at most 12
// UTF-16 code units.
const MaxShortNameUnits = 12

// ErrShortNameTooLong is returned for short names beyond 8.3 form.
var ErrShortNameTooLong = errors.New("dentry: short name exceeds 12 UTF-16 units")

// EncodeUTF16 converts s to UTF-16LE bytes without a terminator.
func EncodeUTF16(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2*i:], u)
	}
	return b
}

// DecodeUTF16 converts UTF-16LE bytes to a string. The byte count must be
// even.
func DecodeUTF16(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("dentry: odd UTF-16 byte count %d", len(b))
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(units)), nil
}

// CheckShortName validates a short (DOS) name.
func CheckShortName(s string) error {
	if len(utf16.Encode([]rune(s))) > MaxShortNameUnits {
		return fmt.Errorf("%w: %q", ErrShortNameTooLong, s)
	}
	return nil
}
