package location

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/latticemesh/latticemesh/common/bitset"
	"github.com/latticemesh/latticemesh/geom"
	"github.com/latticemesh/latticemesh/lattice"
	"github.com/latticemesh/latticemesh/mac"
)

// ErrMalformedBeacon is returned for truncated or inconsistent LocBeacon
// bodies.
var ErrMalformedBeacon = errors.New("malformed locbeacon")

// LocBeaconVersion is the current wire version.
const LocBeaconVersion = 1

// Beacon classes.
const (
	// ClassRanging is a positioned beacon's normal transmission.
	ClassRanging uint8 = 1
	// ClassBootstrap marks a beacon transmitting before it has a position
	// fix; its position fields are meaningless.
	ClassBootstrap uint8 = 2
)

// Expectation timestamps in neighbour records for sub-offsets later than the
// transmitter's own. Measured records for earlier sub-offsets carry positive
// tick counts.
const (
	// TstampHeard marks an expectation that was satisfied last cycle.
	TstampHeard int32 = 0
	// TstampConflict marks an expected transmitter that was not heard or
	// collided last cycle.
	TstampConflict int32 = -1
)

// NbrRecord is one per-sub-offset record in a LocBeacon body.
//
// For sub-offsets earlier than the transmitter's, Tstamp is the measured
// tick count from that sub-offset's SFD reception to this frame's SFD. For
// later sub-offsets it is an expectation marker; a zero address means no
// expectation.
type NbrRecord struct {
	Addr   mac.Addr
	Tstamp int32
}

// LocBeacon is the payload transmitted by a beacon at one sub-offset of a
// location slot.
type LocBeacon struct {
	Version uint8
	Class   uint8

	Dir  lattice.Direction
	Slot uint8
	Sub  uint8

	Position     geom.Vec3
	Coord        geom.Coord
	Neighborhood bitset.Neighborhood

	// Nbrs carries one record per sub-offset 0..5, excluding the
	// transmitter's own, in ascending sub-offset order. The prime's closing
	// frame at sub-offset 6 instead carries the round-trip closures for
	// sub-offsets 1..5.
	Nbrs []NbrRecord
}

// packDirSlotSub folds the schedule coordinates into the wire byte.
func packDirSlotSub(dir lattice.Direction, slot, sub uint8) byte {
	return byte(dir)<<5 | slot<<3 | sub
}

func unpackDirSlotSub(b byte) (lattice.Direction, uint8, uint8) {
	return lattice.Direction(b >> 5), b >> 3 & 0x03, b & 0x07
}

// Encode serialises the body in the little-endian wire layout.
func (lb *LocBeacon) Encode() ([]byte, error) {
	if len(lb.Nbrs) > 6 {
		return nil, fmt.Errorf("%w: %d records", ErrMalformedBeacon, len(lb.Nbrs))
	}

	out := make([]byte, 0, 28+12*len(lb.Nbrs))
	out = append(out, lb.Version, lb.Class, packDirSlotSub(lb.Dir, lb.Slot, lb.Sub), 0)
	out = appendF32(out, lb.Position.X)
	out = appendF32(out, lb.Position.Y)
	out = appendF32(out, lb.Position.Z)
	out = appendF32(out, lb.Coord.R)
	out = appendF32(out, lb.Coord.Theta)
	out = binary.LittleEndian.AppendUint32(out, uint32(lb.Neighborhood))

	for _, r := range lb.Nbrs {
		out = append(out, r.Addr.Bytes()...)
		out = binary.LittleEndian.AppendUint32(out, uint32(r.Tstamp))
	}
	return out, nil
}

// DecodeLocBeacon parses a LocBeacon body.
func DecodeLocBeacon(b []byte) (*LocBeacon, error) {
	if len(b) < 28 || (len(b)-28)%12 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedBeacon, len(b))
	}

	lb := &LocBeacon{
		Version: b[0],
		Class:   b[1],
	}
	lb.Dir, lb.Slot, lb.Sub = unpackDirSlotSub(b[2])

	lb.Position = geom.Vec3{X: f32At(b, 4), Y: f32At(b, 8), Z: f32At(b, 12)}
	lb.Coord = geom.Coord{R: f32At(b, 16), Theta: f32At(b, 20)}
	lb.Neighborhood = bitset.Neighborhood(binary.LittleEndian.Uint32(b[24:]))

	for off := 28; off < len(b); off += 12 {
		lb.Nbrs = append(lb.Nbrs, NbrRecord{
			Addr:   mac.AddrFromBytes(b[off:]),
			Tstamp: int32(binary.LittleEndian.Uint32(b[off+8:])),
		})
	}
	return lb, nil
}

// RecordSub returns the sub-offset a record list position refers to, given
// the transmitter's own sub-offset is skipped.
func RecordSub(txSub uint8, position int) int {
	sub := position
	if sub >= int(txSub) {
		sub++
	}
	return sub
}

func appendF32(b []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint32(b, math.Float32bits(float32(v)))
}

func f32At(b []byte, off int) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off:])))
}
