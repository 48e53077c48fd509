package hyperspace

import (
	"github.com/latticemesh/latticemesh/mac"
)

// pidCache is the bounded flood-dedupe set of (source, packet id) pairs.
//
// It is an open-addressed table with linear probing: within a short probe
// window the oldest entry is overwritten, which gives LRU-like behaviour
// without a linked list and with zero allocation per lookup.
type pidCache struct {
	entries []pidEntry
	clock   uint64
	probes  int
}

type pidEntry struct {
	src  mac.Addr
	id   uint16
	seen uint64 // stamp of the last insertion or hit; zero means empty
}

func newPidCache(size int) *pidCache {
	if size < 16 {
		size = 16
	}
	// Round up to a power of two for cheap masking.
	n := 16
	for n < size {
		n *= 2
	}
	return &pidCache{entries: make([]pidEntry, n), probes: 8}
}

func (c *pidCache) slot(src mac.Addr, id uint16) uint64 {
	h := uint64(src) * 0x9e3779b97f4a7c15
	h ^= uint64(id) * 0xff51afd7ed558ccd
	h ^= h >> 33
	return h & uint64(len(c.entries)-1)
}

// Seen records the pair and reports whether it was already present.
func (c *pidCache) Seen(src mac.Addr, id uint16) bool {
	c.clock++
	base := c.slot(src, id)

	oldest := base
	oldestSeen := c.entries[base].seen
	for i := 0; i < c.probes; i++ {
		idx := (base + uint64(i)) & uint64(len(c.entries)-1)
		e := &c.entries[idx]

		if e.seen != 0 && e.src == src && e.id == id {
			e.seen = c.clock
			return true
		}
		if e.seen < oldestSeen {
			oldest, oldestSeen = idx, e.seen
		}
	}

	c.entries[oldest] = pidEntry{src: src, id: id, seen: c.clock}
	return false
}
