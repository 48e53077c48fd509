package mac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticemesh/latticemesh/geom"
)

func TestNeighborUpsertAndLookup(t *testing.T) {
	tbl := NewNeighborTable(nil)

	tbl.Upsert(7, func(n *Neighbor) {
		n.LastSeenASN = 100
		n.HasPosition = true
		n.Position = geom.Vec3{X: 1}
		n.PosSeq = 3
	})

	n, ok := tbl.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, uint64(100), n.LastSeenASN)
	assert.Equal(t, NoBeacon, n.BeaconIndex)
	assert.True(t, n.HasPosition)

	_, ok = tbl.Lookup(8)
	assert.False(t, ok)
}

func TestNeighborSnapshotIsCopy(t *testing.T) {
	tbl := NewNeighborTable(nil)
	tbl.Upsert(1, func(n *Neighbor) { n.PosSeq = 1 })

	snap := tbl.Snapshot()
	require.Len(t, snap, 1)
	snap[0].PosSeq = 99

	n, _ := tbl.Lookup(1)
	assert.Equal(t, uint8(1), n.PosSeq)
}

func TestNeighborExpire(t *testing.T) {
	tbl := NewNeighborTable(nil)
	tbl.Upsert(1, func(n *Neighbor) { n.LastSeenASN = 100 })
	tbl.Upsert(2, func(n *Neighbor) { n.LastSeenASN = 900 })

	evicted := tbl.Expire(1000, 500)
	assert.Equal(t, []Addr{1}, evicted)
	assert.Equal(t, 1, tbl.Len())

	_, ok := tbl.Lookup(2)
	assert.True(t, ok)
}

func TestNeighborBeaconOf(t *testing.T) {
	tbl := NewNeighborTable(nil)
	tbl.Upsert(5, func(n *Neighbor) { n.BeaconIndex = 4 })

	n, ok := tbl.BeaconOf(4)
	require.True(t, ok)
	assert.Equal(t, Addr(5), n.Addr)

	_, ok = tbl.BeaconOf(9)
	assert.False(t, ok)
}
