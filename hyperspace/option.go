package hyperspace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/latticemesh/latticemesh/geom"
)

// Option codec errors.
var (
	ErrNotIPv6     = errors.New("not an ipv6 packet")
	ErrNoOption    = errors.New("no hyperspace option")
	ErrBadOption   = errors.New("malformed hyperspace option")
	ErrShortPacket = errors.New("short ipv6 packet")
)

// Hop-By-Hop option types.
const (
	// OptionTypeCoord is the per-packet coordinate option every originated
	// packet carries.
	OptionTypeCoord uint8 = 0x22
	// OptionTypeRedirect carries new-versus-old source coordinates; emitting
	// it is optional.
	OptionTypeRedirect uint8 = 0x23
)

// optionDataLen is the option length field value: the coordinate payload
// padded to a 32-byte extension header.
const optionDataLen = 22

const (
	ipv6HeaderLen = 40
	hbhLen        = 32
	protoHopByHop = 0
)

// HopOption is the decoded Hop-By-Hop coordinate option.
type HopOption struct {
	SrcCoordSeq uint8
	DstCoordSeq uint8
	PacketID    uint16
	Src         geom.Coord
	Dst         geom.Coord
}

// encodeData serialises the 22-byte option payload in network order.
func (o *HopOption) encodeData() []byte {
	b := make([]byte, optionDataLen)
	b[0] = o.SrcCoordSeq
	b[1] = o.DstCoordSeq
	binary.BigEndian.PutUint16(b[2:], o.PacketID)
	putF32(b[4:], o.Src.R)
	putF32(b[8:], o.Src.Theta)
	putF32(b[12:], o.Dst.R)
	putF32(b[16:], o.Dst.Theta)
	return b
}

func decodeData(b []byte) (HopOption, error) {
	if len(b) < optionDataLen {
		return HopOption{}, fmt.Errorf("%w: %d bytes", ErrBadOption, len(b))
	}
	return HopOption{
		SrcCoordSeq: b[0],
		DstCoordSeq: b[1],
		PacketID:    binary.BigEndian.Uint16(b[2:]),
		Src:         geom.Coord{R: getF32(b[4:]), Theta: getF32(b[8:])},
		Dst:         geom.Coord{R: getF32(b[12:]), Theta: getF32(b[16:])},
	}, nil
}

// InsertOption prepends a Hop-By-Hop extension header carrying the
// coordinate option to an IPv6 packet that does not have one yet.
func InsertOption(pkt []byte, opt *HopOption) ([]byte, error) {
	if len(pkt) < ipv6HeaderLen {
		return nil, ErrShortPacket
	}
	if pkt[0]>>4 != 6 {
		return nil, ErrNotIPv6
	}

	out := make([]byte, 0, len(pkt)+hbhLen)
	out = append(out, pkt[:ipv6HeaderLen]...)

	hbh := make([]byte, hbhLen)
	hbh[0] = pkt[6] // chain the original next header
	hbh[1] = hbhLen/8 - 1
	hbh[2] = OptionTypeCoord
	hbh[3] = optionDataLen
	copy(hbh[4:], opt.encodeData())
	// PadN fills the remainder of the 8-byte-aligned header.
	hbh[26] = 1
	hbh[27] = 4

	out = append(out, hbh...)
	out = append(out, pkt[ipv6HeaderLen:]...)

	out[6] = protoHopByHop
	binary.BigEndian.PutUint16(out[4:], uint16(len(out)-ipv6HeaderLen))
	return out, nil
}

// FindOption locates the coordinate option in a packet's Hop-By-Hop header.
// It returns the decoded option and the byte offset of its data.
func FindOption(pkt []byte) (HopOption, int, error) {
	if len(pkt) < ipv6HeaderLen {
		return HopOption{}, 0, ErrShortPacket
	}
	if pkt[0]>>4 != 6 {
		return HopOption{}, 0, ErrNotIPv6
	}
	if pkt[6] != protoHopByHop {
		return HopOption{}, 0, ErrNoOption
	}
	if len(pkt) < ipv6HeaderLen+8 {
		return HopOption{}, 0, ErrShortPacket
	}

	hbhEnd := ipv6HeaderLen + 8*(int(pkt[ipv6HeaderLen+1])+1)
	if hbhEnd > len(pkt) {
		return HopOption{}, 0, fmt.Errorf("%w: truncated hop-by-hop header", ErrShortPacket)
	}

	// Walk the TLV options inside the header.
	off := ipv6HeaderLen + 2
	for off < hbhEnd {
		switch pkt[off] {
		case 0: // Pad1
			off++
			continue
		}
		if off+2 > hbhEnd {
			return HopOption{}, 0, ErrBadOption
		}
		optType, optLen := pkt[off], int(pkt[off+1])
		dataOff := off + 2
		if dataOff+optLen > hbhEnd {
			return HopOption{}, 0, ErrBadOption
		}
		if optType == OptionTypeCoord {
			opt, err := decodeData(pkt[dataOff : dataOff+optLen])
			return opt, dataOff, err
		}
		off = dataOff + optLen
	}
	return HopOption{}, 0, ErrNoOption
}

// UpdateOption rewrites the coordinate option in place at the offset
// returned by FindOption.
func UpdateOption(pkt []byte, dataOff int, opt *HopOption) {
	copy(pkt[dataOff:dataOff+optionDataLen], opt.encodeData())
}

// SrcAddr and DstAddr return the packet's address fields.
func SrcAddr(pkt []byte) [16]byte {
	var a [16]byte
	copy(a[:], pkt[8:24])
	return a
}

// DstAddr returns the destination address field.
func DstAddr(pkt []byte) [16]byte {
	var a [16]byte
	copy(a[:], pkt[24:40])
	return a
}

func putF32(b []byte, v float64) {
	binary.BigEndian.PutUint32(b, math.Float32bits(float32(v)))
}

func getF32(b []byte) float64 {
	return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
}
