package location

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticemesh/latticemesh/common/bitset"
	"github.com/latticemesh/latticemesh/geom"
	"github.com/latticemesh/latticemesh/lattice"
)

func TestLocBeaconRoundTrip(t *testing.T) {
	var mask bitset.Neighborhood
	mask.Insert(0)
	mask.Insert(4)
	mask.Insert(19)

	lb := &LocBeacon{
		Version:      LocBeaconVersion,
		Class:        ClassRanging,
		Dir:          lattice.SW,
		Slot:         3,
		Sub:          5,
		Position:     geom.Vec3{X: 1.5, Y: -2.25, Z: 0.5},
		Coord:        geom.Coord{R: 2.634, Theta: 1.0471975},
		Neighborhood: mask,
		Nbrs: []NbrRecord{
			{Addr: 0x01, Tstamp: 22_000_000},
			{Addr: 0x02, Tstamp: 19_000_000},
			{Addr: 0, Tstamp: 0},
			{Addr: 0x04, Tstamp: TstampConflict},
			{Addr: 0x05, Tstamp: TstampHeard},
		},
	}

	raw, err := lb.Encode()
	require.NoError(t, err)

	got, err := DecodeLocBeacon(raw)
	require.NoError(t, err)

	// Positions cross the wire as f32; compare at that precision.
	assert.InDelta(t, lb.Position.X, got.Position.X, 1e-6)
	assert.InDelta(t, lb.Position.Y, got.Position.Y, 1e-6)
	assert.InDelta(t, lb.Coord.R, got.Coord.R, 1e-6)

	got.Position, got.Coord = lb.Position, lb.Coord
	if diff := cmp.Diff(lb, got); diff != "" {
		t.Fatalf("locbeacon mismatch (-want +got):\n%s", diff)
	}
}

func TestLocBeaconTruncated(t *testing.T) {
	_, err := DecodeLocBeacon(make([]byte, 27))
	assert.ErrorIs(t, err, ErrMalformedBeacon)

	_, err = DecodeLocBeacon(make([]byte, 30))
	assert.ErrorIs(t, err, ErrMalformedBeacon)
}

func TestLocBeaconTooManyRecords(t *testing.T) {
	lb := &LocBeacon{Nbrs: make([]NbrRecord, 7)}
	_, err := lb.Encode()
	assert.ErrorIs(t, err, ErrMalformedBeacon)
}

func TestRecordSub(t *testing.T) {
	// A beacon at sub-offset 2 reports records for 0,1,3,4,5.
	subs := make([]int, 5)
	for pos := range subs {
		subs[pos] = RecordSub(2, pos)
	}
	assert.Equal(t, []int{0, 1, 3, 4, 5}, subs)

	// The prime's closing frame covers 1..5.
	assert.Equal(t, 1, RecordSub(0, 0))
	assert.Equal(t, 5, RecordSub(0, 4))
}

func TestDirSlotSubPacking(t *testing.T) {
	for dir := lattice.Direction(0); dir < lattice.NumDirections; dir++ {
		for slot := uint8(0); slot < lattice.NumLocSlots; slot++ {
			for sub := uint8(0); sub < lattice.SubOffsets; sub++ {
				d, s, o := unpackDirSlotSub(packDirSlotSub(dir, slot, sub))
				assert.Equal(t, dir, d)
				assert.Equal(t, slot, s)
				assert.Equal(t, sub, o)
			}
		}
	}
}
