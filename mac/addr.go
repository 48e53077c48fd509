package mac

import (
	"encoding/binary"
	"fmt"
)

// Addr is a 64-bit link-layer address derived from the node's hardware ID.
// It maps 1:1 onto the node's IPv6 interface identifier.
type Addr uint64

// Broadcast is the all-ones broadcast address.
const Broadcast Addr = 0xffff_ffff_ffff_ffff

// AddrFromBytes decodes a little-endian 8-byte address.
func AddrFromBytes(b []byte) Addr {
	return Addr(binary.LittleEndian.Uint64(b))
}

// Bytes returns the address in little-endian wire order.
func (a Addr) Bytes() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(a))
	return b
}

// InterfaceID returns the address as an IPv6 interface identifier, in
// network byte order.
func (a Addr) InterfaceID() [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(a))
	return b
}

func (a Addr) String() string {
	return fmt.Sprintf("%016x", uint64(a))
}
