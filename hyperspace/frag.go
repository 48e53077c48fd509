package hyperspace

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFrameTooLarge is surfaced when even a single fragment cannot fit the
// PDU budget.
var ErrFrameTooLarge = errors.New("frame too large")

const (
	protoFragment  = 44
	fragHeaderLen  = 8
	minFragPayload = 8
)

// Fragment splits an IPv6 packet into fragments no larger than mtu bytes.
//
// Fragmentation happens at the IPv6 layer, not 6LoWPAN-style per hop: every
// fragment carries the same identification and is routed independently. The
// unfragmentable part is the base header plus the Hop-By-Hop header when
// present, so the coordinate option rides along on every fragment.
func Fragment(pkt []byte, mtu int, id uint32) ([][]byte, error) {
	if len(pkt) <= mtu {
		return [][]byte{pkt}, nil
	}
	if len(pkt) < ipv6HeaderLen {
		return nil, ErrShortPacket
	}

	unfrag := ipv6HeaderLen
	nextHeader := pkt[6]
	if nextHeader == protoHopByHop {
		if len(pkt) < ipv6HeaderLen+8 {
			return nil, ErrShortPacket
		}
		unfrag += 8 * (int(pkt[ipv6HeaderLen+1]) + 1)
		if unfrag > len(pkt) {
			return nil, ErrShortPacket
		}
	}

	budget := mtu - unfrag - fragHeaderLen
	// Fragment payloads other than the last must be 8-byte multiples.
	budget &^= 7
	if budget < minFragPayload {
		return nil, fmt.Errorf("%w: mtu %d leaves no fragment payload", ErrFrameTooLarge, mtu)
	}

	// The protocol following the unfragmentable part.
	fragNext := nextHeader
	if nextHeader == protoHopByHop {
		fragNext = pkt[ipv6HeaderLen]
	}

	payload := pkt[unfrag:]
	var out [][]byte
	for off := 0; off < len(payload); off += budget {
		end := off + budget
		more := byte(0)
		if end >= len(payload) {
			end = len(payload)
		} else {
			more = 1
		}

		frag := make([]byte, 0, unfrag+fragHeaderLen+end-off)
		frag = append(frag, pkt[:unfrag]...)

		fh := make([]byte, fragHeaderLen)
		fh[0] = fragNext
		binary.BigEndian.PutUint16(fh[2:], uint16(off)|uint16(more))
		binary.BigEndian.PutUint32(fh[4:], id)
		frag = append(frag, fh...)
		frag = append(frag, payload[off:end]...)

		// Rewrite the chain and the payload length.
		if nextHeader == protoHopByHop {
			frag[ipv6HeaderLen] = protoFragment
		} else {
			frag[6] = protoFragment
		}
		binary.BigEndian.PutUint16(frag[4:], uint16(len(frag)-ipv6HeaderLen))

		out = append(out, frag)
	}
	return out, nil
}
