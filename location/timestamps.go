package location

import (
	"github.com/latticemesh/latticemesh/timing"
)

// SlotMatrix is the jagged timestamp matrix a participant accumulates over
// one location slot.
//
// Row j holds the turnarounds reported by the beacon at sub-offset j:
// Reported[j][i] is the tick count from j's reception of sub-offset i's SFD
// to j's own transmission SFD (i < j). Closing[j] is the prime's round-trip
// closure t'_j from the sub-offset-6 retransmission. OwnRx[i] is this
// node's measured reception tick of sub-offset i in its local timebase.
//
// A beacon that transmitted at sub-offset k fills its own row k from its
// measured receptions, which makes the distance formulas below uniform for
// beacons and passive listeners alike.
type SlotMatrix struct {
	Reported [6][6]int64
	HasRep   [6][6]bool

	Closing    [6]int64
	HasClosing [6]bool

	OwnRx    [7]int64
	HasOwnRx [7]bool

	// TxSub is this node's transmit sub-offset, or -1 for a passive
	// listener.
	TxSub int
}

// NewSlotMatrix returns an empty matrix for a passive listener.
func NewSlotMatrix() *SlotMatrix {
	return &SlotMatrix{TxSub: -1}
}

// DistPrime returns d_0j, the distance from the prime to the beacon at
// sub-offset j, from the round-trip closure: (t'_j - t_0j)/2 ticks of light
// travel.
func (m *SlotMatrix) DistPrime(j int) (float64, bool) {
	if j <= 0 || j > 5 || !m.HasClosing[j] || !m.HasRep[j][0] {
		return 0, false
	}
	return float64(m.Closing[j]-m.Reported[j][0]) / 2 * timing.MetersPerTick, true
}

// DistBetween returns d_ij between the beacons at sub-offsets i < j.
//
// Beacon j heard the prime t_0j ticks before its own SFD and beacon i
// t_ij ticks before it, so the inter-reception gap is t_0j - t_ij. That gap
// exceeds beacon i's own turnaround t_0i by exactly the extra path
// d_0i + d_ij - d_0j of light travel.
func (m *SlotMatrix) DistBetween(i, j int) (float64, bool) {
	if i < 0 || j <= i || j > 5 {
		return 0, false
	}
	if i == 0 {
		return m.DistPrime(j)
	}
	if !m.HasRep[j][0] || !m.HasRep[j][i] || !m.HasRep[i][0] {
		return 0, false
	}
	d0i, ok := m.DistPrime(i)
	if !ok {
		return 0, false
	}
	d0j, ok := m.DistPrime(j)
	if !ok {
		return 0, false
	}

	gap := m.Reported[j][0] - m.Reported[j][i]
	return float64(gap-m.Reported[i][0])*timing.MetersPerTick + d0j - d0i, true
}

// Pseudorange returns p_i for a passive listener: the distance to the
// beacon at sub-offset i offset by the unknown distance to the prime, so
// that d_i = p_i + d_0. The prime itself has pseudorange zero by
// definition.
func (m *SlotMatrix) Pseudorange(i int) (float64, bool) {
	if i == 0 {
		return 0, m.HasOwnRx[0]
	}
	if i < 0 || i > 5 || !m.HasOwnRx[0] || !m.HasOwnRx[i] || !m.HasRep[i][0] {
		return 0, false
	}
	d0i, ok := m.DistPrime(i)
	if !ok {
		return 0, false
	}

	gap := m.OwnRx[i] - m.OwnRx[0]
	return float64(gap-m.Reported[i][0])*timing.MetersPerTick - d0i, true
}

// DistTo returns this node's measured distance to the beacon at sub-offset
// i, available only when the node itself transmitted in the slot.
func (m *SlotMatrix) DistTo(i int) (float64, bool) {
	k := m.TxSub
	if k < 0 || i == k {
		return 0, false
	}
	switch {
	case k == 0:
		return m.DistPrime(i)
	case i < k:
		return m.DistBetween(i, k)
	default:
		return m.DistBetween(k, i)
	}
}
