// Package hyperspace implements geometric packet routing over the beacon
// lattice: every node derives a hyperbolic polar coordinate from its
// quantised position, packets carry source and destination coordinates in a
// Hop-By-Hop option, and each hop forwards to the neighbour strictly closer
// to the destination, falling back to a bounded flood when no coordinate is
// known.
package hyperspace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"go.uber.org/zap"

	"github.com/latticemesh/latticemesh/common/serial"
	"github.com/latticemesh/latticemesh/geom"
	"github.com/latticemesh/latticemesh/lattice"
	"github.com/latticemesh/latticemesh/mac"
)

// ErrNoRoute is surfaced when a packet reaches a local minimum that is not
// its destination.
var ErrNoRoute = errors.New("no route")

// RouteEntry is one destination's cached routing coordinate.
type RouteEntry struct {
	Dest           mac.Addr
	Coord          geom.Coord
	CoordSeq       uint8
	LastRefreshASN uint64
}

// Router is the per-node hyperspace router. It is fully synchronous per
// packet and is the single writer of the routing table; the location engine
// reads coordinate snapshots for self-advertisement.
type Router struct {
	cfg       *Config
	log       *zap.SugaredLogger
	addr      mac.Addr
	neighbors *mac.NeighborTable
	rng       *rand.Rand

	mu    sync.RWMutex
	table map[mac.Addr]RouteEntry

	self     geom.Coord
	selfSeq  uint8
	hasCoord bool

	cache    *pidCache
	packetID uint16
	asn      uint64

	pending []pendingFlood

	send    func(*mac.Frame) error
	deliver func(pkt []byte)
}

type pendingFlood struct {
	pkt        []byte
	delaySlots int
}

// NewRouter creates a router wired to the given MAC queue and upward
// delivery sink.
func NewRouter(cfg *Config, addr mac.Addr, neighbors *mac.NeighborTable, rng *rand.Rand, send func(*mac.Frame) error, deliver func(pkt []byte), log *zap.SugaredLogger) *Router {
	return &Router{
		cfg:       cfg,
		log:       log,
		addr:      addr,
		neighbors: neighbors,
		rng:       rng,
		table:     map[mac.Addr]RouteEntry{},
		cache:     newPidCache(cfg.PacketCacheSize),
		send:      send,
		deliver:   deliver,
	}
}

// SetSelfCoord installs the node's own routing coordinate; the location
// engine calls it after every position update.
func (r *Router) SetSelfCoord(c geom.Coord, seq uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.self = c
	r.selfSeq = seq
	r.hasCoord = true
}

// CoordFromPosition derives the routing coordinate for a position by
// quantising it onto the lattice and embedding the offsets.
func CoordFromPosition(pos geom.Vec3, edge float64) geom.Coord {
	q := lattice.Nearest(pos, edge)
	return geom.Embed(q.X, q.Y, q.Z)
}

// Lookup returns the routing-table entry for a destination.
func (r *Router) Lookup(dest mac.Addr) (RouteEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.table[dest]
	return e, ok
}

// LinkAddrOf maps an IPv6 address to its link-layer address: the interface
// identifier is the 64-bit hardware address.
func LinkAddrOf(ip [16]byte) mac.Addr {
	return mac.Addr(binary.BigEndian.Uint64(ip[8:]))
}

// nextPacketID returns a fresh 16-bit packet id, unique per originated
// packet and shared across its fragments.
func (r *Router) nextPacketID() uint16 {
	r.packetID++
	return r.packetID
}

// Send originates an IPv6 packet: it validates the header, stamps the
// Hop-By-Hop coordinate option, fragments if needed and forwards each
// fragment.
func (r *Router) Send(pkt []byte) error {
	parsed := gopacket.NewPacket(pkt, layers.LayerTypeIPv6, gopacket.Lazy)
	ip6, ok := parsed.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if ip6 == nil || !ok {
		return ErrNotIPv6
	}

	dstLink := LinkAddrOf(DstAddr(pkt))

	r.mu.Lock()
	opt := HopOption{
		SrcCoordSeq: r.selfSeq,
		PacketID:    r.nextPacketID(),
		Src:         r.self,
		Dst:         geom.NaNCoord(),
	}
	if !r.hasCoord {
		opt.Src = geom.NaNCoord()
	}
	if e, ok := r.table[dstLink]; ok {
		opt.Dst = e.Coord
		opt.DstCoordSeq = e.CoordSeq
	}
	r.mu.Unlock()

	stamped, err := InsertOption(pkt, &opt)
	if err != nil {
		return err
	}

	frags, err := Fragment(stamped, r.cfg.MTU, uint32(opt.PacketID))
	if err != nil {
		return err
	}

	for _, frag := range frags {
		if err := r.route(frag); err != nil {
			return err
		}
	}
	return nil
}

// Receive handles a packet arriving from the MAC: refresh the routing table
// from the option, deliver local traffic, forward or flood the rest.
func (r *Router) Receive(pkt []byte) error {
	opt, dataOff, err := FindOption(pkt)
	if err != nil {
		// Packets without the option can only be local traffic.
		if errors.Is(err, ErrNoOption) {
			if LinkAddrOf(DstAddr(pkt)) == r.addr {
				r.deliver(pkt)
				return nil
			}
			return fmt.Errorf("%w: unrouted packet without option", ErrNoRoute)
		}
		return err
	}

	srcLink := LinkAddrOf(SrcAddr(pkt))
	dstLink := LinkAddrOf(DstAddr(pkt))

	// Coordinate gossip: the packet updates our table when its embedded
	// coords are newer, and we refresh the packet when ours are.
	r.refreshEntry(srcLink, opt.Src, opt.SrcCoordSeq)
	if !opt.Dst.IsNaN() {
		r.refreshEntry(dstLink, opt.Dst, opt.DstCoordSeq)
	}
	if e, ok := r.Lookup(dstLink); ok && serial.Newer8(e.CoordSeq, opt.DstCoordSeq) {
		opt.Dst = e.Coord
		opt.DstCoordSeq = e.CoordSeq
		UpdateOption(pkt, dataOff, &opt)
	}

	if dstLink == r.addr {
		r.deliver(pkt)
		return nil
	}

	if opt.Dst.IsNaN() {
		return r.flood(pkt, srcLink, opt.PacketID)
	}
	return r.route(pkt)
}

// refreshEntry supersedes a routing-table entry when the observed sequence
// is strictly newer. The write is atomic: readers never see a mixture of
// old coordinate and new sequence.
func (r *Router) refreshEntry(dest mac.Addr, c geom.Coord, seq uint8) {
	if dest == r.addr || c.IsNaN() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.table[dest]
	if ok && !serial.Newer8(seq, e.CoordSeq) {
		e.LastRefreshASN = r.asn
		r.table[dest] = e
		return
	}
	r.table[dest] = RouteEntry{Dest: dest, Coord: c, CoordSeq: seq, LastRefreshASN: r.asn}
}

// route forwards a packet to the neighbour strictly closer to the
// destination coordinate in hyperbolic distance.
func (r *Router) route(pkt []byte) error {
	opt, _, err := FindOption(pkt)
	if err != nil {
		return err
	}

	dstLink := LinkAddrOf(DstAddr(pkt))
	if opt.Dst.IsNaN() {
		return r.flood(pkt, LinkAddrOf(SrcAddr(pkt)), opt.PacketID)
	}

	r.mu.RLock()
	self, hasCoord := r.self, r.hasCoord
	r.mu.RUnlock()
	if !hasCoord {
		return r.flood(pkt, LinkAddrOf(SrcAddr(pkt)), opt.PacketID)
	}

	ownDist := geom.Dist(self, opt.Dst)
	best := mac.Addr(0)
	bestDist := ownDist
	for _, n := range r.neighbors.Snapshot() {
		if !n.HasCoord {
			continue
		}
		if d := geom.Dist(n.Coord, opt.Dst); d < bestDist {
			best, bestDist = n.Addr, d
		}
	}

	// A direct neighbour that IS the destination wins outright, even when
	// coordinates are stale.
	if _, ok := r.neighbors.Lookup(dstLink); ok {
		best = dstLink
	}

	if best == 0 {
		// Local minimum: nothing is strictly closer.
		r.log.Debugw("no strictly closer neighbour",
			zap.Stringer("dst", dstLink), zap.Float64("own_dist", ownDist))
		return fmt.Errorf("%w: local minimum at distance %.3f", ErrNoRoute, ownDist)
	}

	return r.unicast(pkt, best)
}

func (r *Router) unicast(pkt []byte, next mac.Addr) error {
	f := &mac.Frame{
		Type:       mac.FrameData,
		AckRequest: true,
		Dst:        next,
		Src:        r.addr,
		Payload:    pkt,
	}
	return r.send(f)
}

// flood retransmits a packet FloodK times with random jitter, dropping
// packets already seen. The (source, packet id) cache bounds the total work
// to FloodK transmissions per node per packet.
func (r *Router) flood(pkt []byte, src mac.Addr, id uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cache.Seen(src, id) {
		return nil
	}

	for i := 0; i < r.cfg.FloodK; i++ {
		delay := 0
		if r.cfg.FloodJitterSlots > 0 {
			delay = r.rng.Intn(r.cfg.FloodJitterSlots + 1)
		}
		r.pending = append(r.pending, pendingFlood{pkt: pkt, delaySlots: delay})
	}
	return nil
}

// OnSlot advances flood jitter timers and records the current ASN used to
// stamp routing-table refreshes; the node loop calls it once per slot.
// Routing entries are not expired here.
func (r *Router) OnSlot(asn uint64) {
	r.mu.Lock()
	var due [][]byte
	r.asn = asn
	kept := r.pending[:0]
	for _, p := range r.pending {
		if p.delaySlots <= 0 {
			due = append(due, p.pkt)
			continue
		}
		p.delaySlots--
		kept = append(kept, p)
	}
	r.pending = kept
	r.mu.Unlock()

	for _, pkt := range due {
		f := &mac.Frame{
			Type:    mac.FrameData,
			Dst:     mac.Broadcast,
			Src:     r.addr,
			Payload: pkt,
		}
		if err := r.send(f); err != nil {
			r.log.Debugw("flood transmit dropped", zap.Error(err))
		}
	}
}

// PendingFloods returns the number of queued flood copies, for tests and
// statistics.
func (r *Router) PendingFloods() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}
