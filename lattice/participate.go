package lattice

// Direction labels the eight cardinal neighbourhood rotations cycled by the
// location slotframe.
type Direction uint8

const (
	NE Direction = iota
	N
	NW
	W
	SW
	S
	SE
	E
)

var directionNames = [NumDirections]string{"NE", "N", "NW", "W", "SW", "S", "SE", "E"}

func (d Direction) String() string {
	if int(d) < len(directionNames) {
		return directionNames[d]
	}
	return "?"
}

// participants maps (direction, location slot) to the ordered beacon indices
// transmitting at sub-offsets 0..5. Sub-offset 0 is always the slot's prime;
// the same prime closes the slot at sub-offset 6.
var participants = [NumDirections][NumLocSlots][6]uint8{
	NE: {
		{0, 4, 7, 10, 13, 16},
		{1, 8, 11, 14, 17, 4},
		{2, 12, 15, 18, 5, 8},
		{3, 16, 19, 6, 9, 12},
	},
	N: {
		{0, 5, 8, 11, 14, 17},
		{1, 9, 12, 15, 18, 5},
		{2, 13, 16, 19, 6, 9},
		{3, 17, 4, 7, 10, 13},
	},
	NW: {
		{0, 6, 9, 12, 15, 18},
		{1, 10, 13, 16, 19, 6},
		{2, 14, 17, 4, 7, 10},
		{3, 18, 5, 8, 11, 14},
	},
	W: {
		{0, 7, 10, 13, 16, 19},
		{1, 11, 14, 17, 4, 7},
		{2, 15, 18, 5, 8, 11},
		{3, 19, 6, 9, 12, 15},
	},
	SW: {
		{0, 8, 11, 14, 17, 4},
		{1, 12, 15, 18, 5, 8},
		{2, 16, 19, 6, 9, 12},
		{3, 4, 7, 10, 13, 16},
	},
	S: {
		{0, 9, 12, 15, 18, 5},
		{1, 13, 16, 19, 6, 9},
		{2, 17, 4, 7, 10, 13},
		{3, 5, 8, 11, 14, 17},
	},
	SE: {
		{0, 10, 13, 16, 19, 6},
		{1, 14, 17, 4, 7, 10},
		{2, 18, 5, 8, 11, 14},
		{3, 6, 9, 12, 15, 18},
	},
	E: {
		{0, 11, 14, 17, 4, 7},
		{1, 15, 18, 5, 8, 11},
		{2, 19, 6, 9, 12, 15},
		{3, 7, 10, 13, 16, 19},
	},
}

// Participants returns the ordered beacon indices transmitting at
// sub-offsets 0..5 of the given location slot under the given direction.
func Participants(dir Direction, locSlot uint8) [6]uint8 {
	return participants[dir%NumDirections][locSlot%NumLocSlots]
}

// SubOffsetOf returns the sub-offset at which the given beacon index
// transmits in the given (direction, location slot) row, or -1 when the
// index does not participate.
//
// The closing retransmission of the prime at sub-offset 6 is not reported
// here; callers handle it explicitly.
func SubOffsetOf(dir Direction, locSlot uint8, idx uint8) int {
	row := Participants(dir, locSlot)
	for k, v := range row {
		if v == idx {
			return k
		}
	}
	return -1
}

// floorMod returns the non-negative remainder of a modulo m.
func floorMod(a, m int) int {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}
