package mac

import (
	"sync"

	"go.uber.org/zap"

	"github.com/latticemesh/latticemesh/common/bitset"
	"github.com/latticemesh/latticemesh/geom"
)

// NoBeacon marks a neighbour without a claimed beacon role.
const NoBeacon int8 = -1

// Neighbor is everything the node knows about a peer, populated exclusively
// from received frames.
type Neighbor struct {
	Addr        Addr
	LastSeenASN uint64

	// ClockOffset is the latest drift correction attributed to this
	// neighbour, in signed ticks.
	ClockOffset int64

	// HasPosition gates Position and PosSeq.
	HasPosition bool
	Position    geom.Vec3
	PosSeq      uint8

	// HasCoord gates Coord and CoordSeq.
	HasCoord bool
	Coord    geom.Coord
	CoordSeq uint8

	// BeaconIndex is the beacon role the neighbour advertises, or NoBeacon.
	BeaconIndex int8

	// Neighborhood lists the beacon indices the neighbour hears.
	Neighborhood bitset.Neighborhood

	// RxFrames and MissedFrames are per-neighbour link statistics. RxFrames
	// counts received frames; no code path increments MissedFrames.
	RxFrames     uint64
	MissedFrames uint64
}

// NeighborTable is the neighbour database. The MAC and the location engine
// write on frame reception, both from the slot loop; the router reads atomic
// snapshots.
type NeighborTable struct {
	mu  sync.RWMutex
	m   map[Addr]*Neighbor
	log *zap.SugaredLogger
}

// NewNeighborTable creates an empty neighbour table.
func NewNeighborTable(log *zap.SugaredLogger) *NeighborTable {
	return &NeighborTable{m: map[Addr]*Neighbor{}, log: log}
}

// Upsert applies fn to the neighbour record for addr, creating it first if
// needed. The update runs under the table lock and is therefore atomic with
// respect to readers: a snapshot never sees a half-applied update.
func (t *NeighborTable) Upsert(addr Addr, fn func(*Neighbor)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.m[addr]
	if !ok {
		n = &Neighbor{Addr: addr, BeaconIndex: NoBeacon}
		t.m[addr] = n
	}
	fn(n)
}

// Lookup returns a copy of the neighbour record.
func (t *NeighborTable) Lookup(addr Addr) (Neighbor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.m[addr]
	if !ok {
		return Neighbor{}, false
	}
	return *n, true
}

// Snapshot returns a copy of every record.
func (t *NeighborTable) Snapshot() []Neighbor {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Neighbor, 0, len(t.m))
	for _, n := range t.m {
		out = append(out, *n)
	}
	return out
}

// Len returns the number of records.
func (t *NeighborTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.m)
}

// Expire drops records not heard from within timeout slots and returns the
// evicted addresses.
func (t *NeighborTable) Expire(asn uint64, timeout uint64) []Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []Addr
	for addr, n := range t.m {
		if asn-n.LastSeenASN > timeout {
			delete(t.m, addr)
			evicted = append(evicted, addr)
		}
	}

	if len(evicted) > 0 && t.log != nil {
		t.log.Debugw("expired neighbours", zap.Int("count", len(evicted)), zap.Uint64("asn", asn))
	}
	return evicted
}

// BeaconOf returns the neighbour currently advertising the given beacon
// index, if any.
func (t *NeighborTable) BeaconOf(idx uint8) (Neighbor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, n := range t.m {
		if n.BeaconIndex == int8(idx) {
			return *n, true
		}
	}
	return Neighbor{}, false
}
