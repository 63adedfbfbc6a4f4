package models

import (
	"encoding/hex"

	"github.com/juju/errors"
)

// AddrSize is the length in bytes of a mesh node address.
const AddrSize = 6

// ErrInvalidAddress is returned for any target that is not a 12 digit hex address.
const ErrInvalidAddress = errors.ConstError("invalid address")

// Address identifies one node of the mesh.
type Address [AddrSize]byte

// ParseAddress decodes a 12 digit hex string (any case) into an Address.
func ParseAddress(s string) (Address, error) {
	var addr Address
	if len(s) != hex.EncodedLen(AddrSize) {
		return addr, errors.Annotatef(ErrInvalidAddress, "%q has %d characters, want %d", s, len(s), hex.EncodedLen(AddrSize))
	}
	if _, err := hex.Decode(addr[:], []byte(s)); err != nil {
		return Address{}, errors.Annotatef(ErrInvalidAddress, "%q: %v", s, err)
	}
	return addr, nil
}

func (a Address) IsZero() bool { return a == Address{} }

// String returns the address as 12 lowercase hex digits.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}
