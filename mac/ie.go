package mac

import (
	"encoding/binary"
	"fmt"
)

// EncodeTimingIE builds the TSCH timing header IE: the advertiser's ASN and
// its join metric (hop distance from the root).
func EncodeTimingIE(asn uint64, joinMetric uint8) []byte {
	b := make([]byte, 9)
	binary.LittleEndian.PutUint64(b, asn)
	b[8] = joinMetric
	return b
}

// DecodeTimingIE parses a TSCH timing IE.
func DecodeTimingIE(b []byte) (asn uint64, joinMetric uint8, err error) {
	if len(b) != 9 {
		return 0, 0, fmt.Errorf("%w: timing IE of %d bytes", ErrMalformedFrame, len(b))
	}
	return binary.LittleEndian.Uint64(b), b[8], nil
}

// EncodeTurnaroundIE builds the ACK ranging IE: the signed tick count from
// the acknowledged frame's reception to the ACK SFD.
func EncodeTurnaroundIE(ticks int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(ticks))
	return b
}

// DecodeTurnaroundIE parses an ACK ranging IE.
func DecodeTurnaroundIE(b []byte) (int32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: turnaround IE of %d bytes", ErrMalformedFrame, len(b))
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// EncodeScheduleIE serialises slotframe and cell descriptors for
// advertisements.
func EncodeScheduleIE(s *Schedule) []byte {
	out := []byte{byte(len(s.frames))}
	for _, sf := range s.frames {
		out = append(out, sf.ID)
		out = binary.LittleEndian.AppendUint16(out, sf.Length)
		out = append(out, byte(len(sf.cells)))
		for _, c := range sf.sortedCells() {
			out = binary.LittleEndian.AppendUint16(out, c.SlotOffset)
			out = append(out, c.ChannelOffset, byte(c.Kind), c.LocIndex)
			out = binary.LittleEndian.AppendUint64(out, uint64(c.Neighbor))
		}
	}
	return out
}

// DecodeScheduleIE reconstructs a schedule from advertisement descriptors.
func DecodeScheduleIE(b []byte) (*Schedule, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: empty schedule IE", ErrMalformedFrame)
	}
	n := int(b[0])
	b = b[1:]

	s := NewSchedule()
	for i := 0; i < n; i++ {
		if len(b) < 4 {
			return nil, fmt.Errorf("%w: truncated slotframe descriptor", ErrMalformedFrame)
		}
		sf, err := s.AddSlotframe(b[0], binary.LittleEndian.Uint16(b[1:]))
		if err != nil {
			return nil, err
		}
		nCells := int(b[3])
		b = b[4:]

		for j := 0; j < nCells; j++ {
			if len(b) < 13 {
				return nil, fmt.Errorf("%w: truncated cell descriptor", ErrMalformedFrame)
			}
			cell := Cell{
				SlotOffset:    binary.LittleEndian.Uint16(b),
				ChannelOffset: b[2],
				Kind:          CellKind(b[3]),
				LocIndex:      b[4],
				Neighbor:      Addr(binary.LittleEndian.Uint64(b[5:])),
			}
			if err := sf.AddCell(cell); err != nil {
				return nil, err
			}
			b = b[13:]
		}
	}
	return s, nil
}
