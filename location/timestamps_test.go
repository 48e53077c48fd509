package location

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticemesh/latticemesh/geom"
	"github.com/latticemesh/latticemesh/timing"
)

// buildMatrix synthesises a slot's timestamps from exact geometry: beacons
// transmit at fixed sub-offset spacing and every path delay is distance at
// the speed of light.
func buildMatrix(beacons []geom.Vec3, listener geom.Vec3) *SlotMatrix {
	const spacing = 22_000_000 // ticks between sub-offsets

	ticks := func(d float64) int64 {
		return int64(math.Round(d / timing.MetersPerTick))
	}

	m := NewSlotMatrix()
	for j := 1; j < len(beacons); j++ {
		d0j := ticks(beacons[0].Dist(beacons[j]))
		m.Reported[j][0] = int64(j)*spacing - d0j
		m.HasRep[j][0] = true
		m.Closing[j] = int64(j)*spacing + d0j
		m.HasClosing[j] = true

		for i := 1; i < j; i++ {
			dij := ticks(beacons[i].Dist(beacons[j]))
			m.Reported[j][i] = int64(j-i)*spacing - dij
			m.HasRep[j][i] = true
		}
	}

	for i := 0; i < len(beacons); i++ {
		m.OwnRx[i] = int64(i)*spacing + ticks(beacons[i].Dist(listener))
		m.HasOwnRx[i] = true
	}
	return m
}

func TestDistPrimeRoundTrip(t *testing.T) {
	beacons := []geom.Vec3{
		{},
		{X: 1},
		{X: 0.5, Y: math.Sqrt(0.75)},
		{X: 2, Y: 1, Z: 0.5},
	}
	m := buildMatrix(beacons, geom.Vec3{X: 1, Y: 1})

	for j := 1; j < len(beacons); j++ {
		d, ok := m.DistPrime(j)
		require.True(t, ok, "j=%d", j)
		assert.InDelta(t, beacons[0].Dist(beacons[j]), d, 0.005, "j=%d", j)
		assert.GreaterOrEqual(t, d, 0.0)
	}

	_, ok := m.DistPrime(0)
	assert.False(t, ok)
}

func TestDistBetweenRoundTrip(t *testing.T) {
	beacons := []geom.Vec3{
		{},
		{X: 1},
		{X: 0.5, Y: math.Sqrt(0.75)},
		{X: 1.5, Y: 0.5, Z: 1},
	}
	m := buildMatrix(beacons, geom.Vec3{})

	for i := 1; i < len(beacons); i++ {
		for j := i + 1; j < len(beacons); j++ {
			d, ok := m.DistBetween(i, j)
			require.True(t, ok, "i=%d j=%d", i, j)
			assert.InDelta(t, beacons[i].Dist(beacons[j]), d, 0.01, "i=%d j=%d", i, j)
		}
	}
}

func TestPseudorangeRoundTrip(t *testing.T) {
	beacons := []geom.Vec3{
		{},
		{X: 2},
		{Y: 2},
		{X: 1, Y: 1, Z: 1},
	}
	listener := geom.Vec3{X: 0.7, Y: 0.4, Z: 0.2}
	m := buildMatrix(beacons, listener)

	d0 := listener.Dist(beacons[0])
	for i := 1; i < len(beacons); i++ {
		p, ok := m.Pseudorange(i)
		require.True(t, ok, "i=%d", i)

		// d_i = p_i + d_0 for the unknown common offset d_0.
		assert.InDelta(t, listener.Dist(beacons[i])-d0, p, 0.01, "i=%d", i)
	}

	p0, ok := m.Pseudorange(0)
	require.True(t, ok)
	assert.Equal(t, 0.0, p0)
}

func TestDistToAsParticipant(t *testing.T) {
	beacons := []geom.Vec3{
		{},
		{X: 1},
		{X: 0, Y: 1},
	}
	// The node itself is the beacon at sub-offset 2: its row is built from
	// its own receptions.
	m := buildMatrix(beacons, beacons[2])
	m.TxSub = 2

	d, ok := m.DistTo(0)
	require.True(t, ok)
	assert.InDelta(t, 1.0, d, 0.01)

	d, ok = m.DistTo(1)
	require.True(t, ok)
	assert.InDelta(t, math.Sqrt2, d, 0.01)

	_, ok = m.DistTo(2)
	assert.False(t, ok)
}

func TestMatrixMissingData(t *testing.T) {
	m := NewSlotMatrix()

	_, ok := m.DistPrime(1)
	assert.False(t, ok)
	_, ok = m.DistBetween(1, 2)
	assert.False(t, ok)
	_, ok = m.Pseudorange(1)
	assert.False(t, ok)
	_, ok = m.DistTo(1)
	assert.False(t, ok)
}
