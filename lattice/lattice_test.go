package lattice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticemesh/latticemesh/geom"
)

func TestIndexOfBootstrapAnchors(t *testing.T) {
	// The bootstrap chain depends on these exact assignments: the origin is
	// the index-0 prime, its +x neighbour bootstraps via the line solver and
	// the two diagonal neighbours via 2-sphere intersection.
	assert.Equal(t, uint8(0), IndexOf(Point{0, 0, 0}))
	assert.Equal(t, uint8(4), IndexOf(Point{1, 0, 0}))
	assert.Equal(t, uint8(9), IndexOf(Point{1, 1, 0}))
	assert.Equal(t, uint8(13), IndexOf(Point{2, 1, 0}))
}

func TestIndexOfPeriodicity(t *testing.T) {
	p := Point{2, 3, 0}
	assert.Equal(t, IndexOf(p), IndexOf(Point{p.X + 5, p.Y, p.Z}))
	assert.Equal(t, IndexOf(p), IndexOf(Point{p.X, p.Y + 4, p.Z}))
	assert.Equal(t, IndexOf(p), IndexOf(Point{p.X, p.Y, p.Z + 4}))
	assert.Equal(t, IndexOf(p), IndexOf(Point{p.X - 5, p.Y - 4, p.Z - 4}))
}

func TestIndexOfSheets(t *testing.T) {
	// Adjacent sheets never assign the same index to the same XY cell, so
	// no node neighbours two beacons with the same index vertically.
	for z := -2; z < 4; z++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 5; x++ {
				below := IndexOf(Point{x, y, z})
				above := IndexOf(Point{x, y, z + 1})
				assert.NotEqual(t, below, above, "cell (%d,%d,%d)", x, y, z)
			}
		}
	}
}

func TestIndexRangeAndCoverage(t *testing.T) {
	var seen [NumIndices]bool
	for z := 0; z < 4; z++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 5; x++ {
				idx := IndexOf(Point{x, y, z})
				require.Less(t, idx, uint8(NumIndices))
				seen[idx] = true
			}
		}
	}
	for i, ok := range seen {
		assert.True(t, ok, "index %d never assigned", i)
	}
}

func TestNearest(t *testing.T) {
	edge := 2.0

	assert.Equal(t, Point{0, 0, 0}, Nearest(geom.Vec3{X: 0.3, Y: -0.4, Z: 0.9}, edge))
	assert.Equal(t, Point{1, -1, 2}, Nearest(geom.Vec3{X: 2.2, Y: -1.7, Z: 3.8}, edge))
}

func TestPointPos(t *testing.T) {
	p := Point{1, 2, -1}
	assert.Equal(t, geom.Vec3{X: 2.5, Y: 5, Z: -2.5}, p.Pos(2.5))
}

func TestNeighborOffsetsTable(t *testing.T) {
	offsets := NeighborOffsets()
	require.Len(t, offsets, 17)

	seen := map[Point]bool{}
	for _, d := range offsets {
		assert.False(t, seen[d], "duplicate offset %v", d)
		seen[d] = true
		assert.NotEqual(t, Point{}, d)

		// All offsets stay within one unit cell per axis.
		assert.LessOrEqual(t, abs(d.X), 1)
		assert.LessOrEqual(t, abs(d.Y), 1)
		assert.LessOrEqual(t, abs(d.Z), 1)
	}
}

func TestOffsetBetween(t *testing.T) {
	// 0 at the origin and 4 at (1,0,0) are direct neighbours.
	d, ok := OffsetBetween(0, 4)
	require.True(t, ok)
	assert.Equal(t, Point{1, 0, 0}, d)

	_, ok = OffsetBetween(0, NumIndices)
	assert.False(t, ok)

	// An index is never its own neighbour.
	_, ok = OffsetBetween(7, 7)
	assert.False(t, ok)
}

func TestParticipantsShape(t *testing.T) {
	seenRows := map[[6]uint8]bool{}
	for d := Direction(0); d < NumDirections; d++ {
		for s := uint8(0); s < NumLocSlots; s++ {
			row := Participants(d, s)

			// The slot's prime opens the exchange.
			assert.Equal(t, s, row[0], "direction %v slot %d", d, s)

			// The remaining five transmitters are distinct non-primes.
			seen := map[uint8]bool{}
			for _, idx := range row[1:] {
				assert.False(t, IsPrime(idx), "direction %v slot %d: %d", d, s, idx)
				assert.False(t, seen[idx])
				seen[idx] = true
			}
			seenRows[row] = true
		}
	}

	// All 32 rows are distinct.
	assert.Len(t, seenRows, NumDirections*NumLocSlots)
}

func TestSubOffsetOf(t *testing.T) {
	assert.Equal(t, 0, SubOffsetOf(NE, 0, 0))
	assert.Equal(t, 1, SubOffsetOf(NE, 0, 4))
	assert.Equal(t, -1, SubOffsetOf(NE, 0, 5))
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "NE", NE.String())
	assert.Equal(t, "E", E.String())
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
