// Package lattice implements the octahedral beacon lattice: the mapping from
// integer lattice points to beacon indices, the relative offsets between
// neighbouring beacons, and the location-slot participation schedule.
package lattice

import (
	"math"

	"github.com/latticemesh/latticemesh/geom"
)

const (
	// NumIndices is the number of beacon roles.
	NumIndices = 20
	// NumPrimes is the number of prime beacon roles; indices below it open
	// and close location slots.
	NumPrimes = 4
	// NumDirections is the number of cardinal directions the location
	// schedule cycles through.
	NumDirections = 8
	// NumLocSlots is the number of location cells per slotframe.
	NumLocSlots = 4
	// SubOffsets is the number of transmit slices within one location slot.
	SubOffsets = 7
)

// Point is an integer lattice point, in unit cells.
type Point struct {
	X, Y, Z int
}

// Add returns p + d.
func (p Point) Add(d Point) Point {
	return Point{p.X + d.X, p.Y + d.Y, p.Z + d.Z}
}

// Pos returns the metre-frame position of the lattice point for the given
// unit-cell edge length.
func (p Point) Pos(edge float64) geom.Vec3 {
	return geom.Vec3{
		X: float64(p.X) * edge,
		Y: float64(p.Y) * edge,
		Z: float64(p.Z) * edge,
	}
}

// Vec returns the offset as a unit-cell displacement vector.
func (p Point) Vec() geom.Vec3 {
	return geom.Vec3{X: float64(p.X), Y: float64(p.Y), Z: float64(p.Z)}
}

// Nearest returns the lattice point closest to the given position.
func Nearest(v geom.Vec3, edge float64) Point {
	return Point{
		X: int(math.Round(v.X / edge)),
		Y: int(math.Round(v.Y / edge)),
		Z: int(math.Round(v.Z / edge)),
	}
}

// Index-assignment patterns for the two sheets. Within a sheet the pattern
// repeats every 4 rows (Y) and 5 columns (X); successive sheet pairs shift
// the patterns by two columns so that adjacent sheets never assign the same
// index to vertically neighbouring cells.
var (
	sheetA = [4][5]uint8{
		{0, 4, 8, 12, 16},
		{5, 9, 13, 17, 1},
		{10, 14, 18, 2, 6},
		{15, 19, 3, 7, 11},
	}
	sheetB = [4][5]uint8{
		{2, 6, 10, 14, 18},
		{7, 11, 15, 19, 3},
		{12, 16, 0, 4, 8},
		{17, 1, 5, 9, 13},
	}
)

// IndexOf returns the beacon index assigned to the lattice point.
//
// Even-Z points take sheet A, odd-Z sheet B; every second sheet pair shifts
// both layouts by two columns.
func IndexOf(p Point) uint8 {
	colShift := 0
	if floorMod(p.Z, 4) >= 2 {
		colShift = 2
	}

	row := floorMod(p.Y, 4)
	col := floorMod(p.X+colShift, 5)
	if floorMod(p.Z, 2) == 0 {
		return sheetA[row][col]
	}
	return sheetB[row][col]
}

// IsPrime reports whether the beacon index is a prime role.
func IsPrime(idx uint8) bool {
	return idx < NumPrimes
}

// neighborOffsets lists the 17 relative positions a beacon's lattice
// neighbours can occupy, in unit cells.
var neighborOffsets = [17]Point{
	{1, 0, 0}, {-1, 0, 0},
	{0, 1, 0}, {0, -1, 0},
	{0, 0, 1}, {0, 0, -1},
	{1, 1, 0}, {1, -1, 0}, {-1, 1, 0},
	{1, 0, 1}, {1, 0, -1}, {-1, 0, 1}, {-1, 0, -1},
	{0, 1, 1}, {0, 1, -1}, {0, -1, 1}, {0, -1, -1},
}

// NeighborOffsets returns the fixed table of relative positions from a
// beacon to its possible neighbours.
func NeighborOffsets() []Point {
	out := make([]Point, len(neighborOffsets))
	copy(out, neighborOffsets[:])
	return out
}

// offsetBetween[a][b] caches the unit-cell offset from a beacon of index a
// to the nearest beacon of index b, resolved against the sheet patterns.
var offsetBetween [NumIndices][NumIndices]struct {
	d  Point
	ok bool
}

func init() {
	// Anchor one representative point per index inside a single pattern
	// tile, then resolve every pairwise offset by scanning the surrounding
	// cells in a fixed order.
	var anchor [NumIndices]Point
	var seen [NumIndices]bool
	for z := 0; z < 4; z++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 5; x++ {
				p := Point{x, y, z}
				idx := IndexOf(p)
				if !seen[idx] {
					seen[idx] = true
					anchor[idx] = p
				}
			}
		}
	}

	for a := 0; a < NumIndices; a++ {
		for _, d := range neighborOffsets {
			b := IndexOf(anchor[a].Add(d))
			if b == uint8(a) {
				continue
			}
			if !offsetBetween[a][b].ok {
				offsetBetween[a][b] = struct {
					d  Point
					ok bool
				}{d, true}
			}
		}
	}
}

// OffsetBetween returns the expected unit-cell offset from a beacon of index
// a to a neighbouring beacon of index b. The second return is false when the
// two indices are never lattice neighbours.
func OffsetBetween(a, b uint8) (Point, bool) {
	if a >= NumIndices || b >= NumIndices {
		return Point{}, false
	}
	e := offsetBetween[a][b]
	return e.d, e.ok
}
