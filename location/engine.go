// Package location implements the cooperative 3D localisation engine: the
// location-slot ranging protocol, the position solvers, the beacon-role
// optimiser and the error detectors that keep a drifting lattice honest.
package location

import (
	"sync"

	"go.uber.org/zap"

	"github.com/latticemesh/latticemesh/common/bitset"
	"github.com/latticemesh/latticemesh/geom"
	"github.com/latticemesh/latticemesh/lattice"
	"github.com/latticemesh/latticemesh/mac"
	"github.com/latticemesh/latticemesh/radio"
	"github.com/latticemesh/latticemesh/timing"
)

// NoBeacon mirrors the MAC's unclaimed-role marker.
const NoBeacon = mac.NoBeacon

// Update is the engine's published state after a location cycle.
type Update struct {
	Position    geom.Vec3
	PosSeq      uint8
	Coord       geom.Coord
	CoordSeq    uint8
	BeaconIndex int8
	Lost        bool
}

// Engine is the per-node location engine. It plugs into the MAC as the
// location-slot planner and owns the node's position, routing coordinate
// and beacon role.
type Engine struct {
	cfg       *Config
	log       *zap.SugaredLogger
	addr      mac.Addr
	neighbors *mac.NeighborTable
	randFloat func() float64

	slotframeLen uint64
	slotTicks    timing.Tick

	mu sync.Mutex

	hasPos bool
	pos    geom.Vec3
	vel    geom.Vec3
	posSeq uint8

	coord    geom.Coord
	coordSeq uint8

	allowBeaconing bool
	beaconIdx      int8

	// Role claiming: the delay is proportional to the node's distance from
	// the lattice point, so nearer candidates always preempt farther ones.
	claimIdx        int8
	claimCyclesLeft int

	// Conflict backoff after a collision in our own sub-offset.
	backoffLeft int

	// lastHeard tracks, per beacon index, whether the expected transmitter
	// was heard the last time its index participated. It feeds the
	// expectation records of outgoing LocBeacons.
	lastHeard [lattice.NumIndices]bool

	cur *slotCapture

	onUpdate func(Update)
}

type slotCapture struct {
	asn     uint64
	dir     lattice.Direction
	locSlot uint8
	row     [6]uint8
	txSub   int
	origin  timing.Tick

	matrix  *SlotMatrix
	beacons [7]*LocBeacon
	srcs    [7]mac.Addr

	conflictAtMine bool
	challenger     *LocBeacon
}

// NewEngine creates a location engine. For a root node it seeds the lattice
// at the origin as beacon index 0.
func NewEngine(cfg *Config, addr mac.Addr, neighbors *mac.NeighborTable, slotframeLen uint16, slotDurationUs uint64, randFloat func() float64, log *zap.SugaredLogger) *Engine {
	e := &Engine{
		cfg:            cfg,
		log:            log,
		addr:           addr,
		neighbors:      neighbors,
		randFloat:      randFloat,
		slotframeLen:   uint64(slotframeLen),
		slotTicks:      timing.TicksPerMicros(slotDurationUs),
		allowBeaconing: cfg.AllowBeaconing,
		beaconIdx:      NoBeacon,
		claimIdx:       NoBeacon,
	}

	if cfg.Root {
		e.hasPos = true
		e.pos = geom.Vec3{}
		e.beaconIdx = 0
		e.coord = geom.Embed(0, 0, 0)
	}
	return e
}

// OnUpdate registers the observer fed after every location cycle.
func (e *Engine) OnUpdate(fn func(Update)) { e.onUpdate = fn }

// BeaconIndex returns the node's current beacon role, or NoBeacon.
func (e *Engine) BeaconIndex() int8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.beaconIdx
}

// Position returns the node's position snapshot.
func (e *Engine) Position() (geom.Vec3, uint8, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos, e.posSeq, e.hasPos
}

// RoutingCoord returns the node's routing coordinate snapshot.
func (e *Engine) RoutingCoord() (geom.Coord, uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coord, e.coordSeq
}

// SetAllowBeaconing toggles the administrative beaconing flag; clearing it
// vacates any held role.
func (e *Engine) SetAllowBeaconing(allow bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.allowBeaconing = allow
	if !allow {
		e.beaconIdx = NoBeacon
		e.claimIdx = NoBeacon
	}
}

// Neighborhood returns the mask of beacon indices currently heard.
func (e *Engine) Neighborhood() bitset.Neighborhood {
	var mask bitset.Neighborhood
	for _, n := range e.neighbors.Snapshot() {
		if n.BeaconIndex != NoBeacon {
			mask.Insert(uint8(n.BeaconIndex))
		}
	}
	return mask
}

// subTicks is the length of one of the seven sub-offset slices.
func (e *Engine) subTicks() timing.Tick { return e.slotTicks / lattice.SubOffsets }

// subSFD is the in-slot SFD tick of the given sub-offset.
func (e *Engine) subSFD(sub int) timing.Tick {
	return timing.Tick(sub)*e.subTicks() + timing.TicksPerMicros(e.cfg.SubTxOffsetUs)
}

// DirectionFor returns the neighbourhood rotation active at the given ASN:
// it cycles through the eight directions once per slotframe repetition.
func (e *Engine) DirectionFor(asn uint64) lattice.Direction {
	return lattice.Direction((asn / e.slotframeLen) % lattice.NumDirections)
}

// PlanLocationSlot implements mac.LocationPlanner. It returns one step per
// sub-offset: transmissions for the node's own sub-offsets and guarded
// receive windows for everyone else's.
func (e *Engine) PlanLocationSlot(asn uint64, cell mac.Cell, origin timing.Tick) []radio.SlotStep {
	e.mu.Lock()
	defer e.mu.Unlock()

	dir := e.DirectionFor(asn)
	row := lattice.Participants(dir, cell.LocIndex)

	txSub := -1
	if e.beaconIdx != NoBeacon && e.allowBeaconing {
		txSub = lattice.SubOffsetOf(dir, cell.LocIndex, uint8(e.beaconIdx))
	}
	if txSub >= 0 && !e.consumeBackoff() {
		txSub = -1
	}

	cap := &slotCapture{
		asn:     asn,
		dir:     dir,
		locSlot: cell.LocIndex,
		row:     row,
		txSub:   txSub,
		origin:  origin,
		matrix:  NewSlotMatrix(),
	}
	cap.matrix.TxSub = txSub
	e.cur = cap

	guard := timing.TicksPerMicros(e.cfg.GuardUs)
	steps := make([]radio.SlotStep, lattice.SubOffsets)
	for sub := 0; sub < lattice.SubOffsets; sub++ {
		transmit := sub == txSub || (sub == 6 && txSub == 0)
		if transmit {
			s := sub
			steps[sub] = radio.SlotStep{
				Kind:   radio.StepTx,
				Offset: e.subSFD(sub),
				Build: func(prior []radio.StepResult) []byte {
					return e.buildBeaconFrame(cap, s, prior)
				},
			}
		} else {
			steps[sub] = radio.SlotStep{
				Kind:    radio.StepRx,
				Offset:  e.subSFD(sub) - guard,
				Timeout: 2 * guard,
			}
		}
	}
	return steps
}

// consumeBackoff applies the conflict backoff to one transmit opportunity:
// after a collision the node stays silent for BackoffCount cycles, then
// re-attempts with probability 1/BackoffCount. It reports whether this
// opportunity may be used.
func (e *Engine) consumeBackoff() bool {
	switch {
	case e.backoffLeft > 0:
		e.backoffLeft--
		if e.backoffLeft == 0 {
			// Enter the probabilistic re-attempt phase.
			e.backoffLeft = -1
		}
		return false
	case e.backoffLeft < 0:
		if e.randFloat() < 1/float64(e.cfg.BackoffCount) {
			e.backoffLeft = 0
			return true
		}
		return false
	default:
		return true
	}
}

// buildBeaconFrame assembles the LocBeacon transmitted at the given
// sub-offset, folding in reception timestamps measured earlier in the same
// slot.
func (e *Engine) buildBeaconFrame(cap *slotCapture, sub int, prior []radio.StepResult) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	lb := &LocBeacon{
		Version:      LocBeaconVersion,
		Class:        ClassRanging,
		Dir:          cap.dir,
		Slot:         cap.locSlot,
		Sub:          uint8(sub),
		Position:     e.pos,
		Coord:        e.coord,
		Neighborhood: e.neighborhoodLocked(),
	}
	if !e.hasPos {
		lb.Class = ClassBootstrap
	}

	txTick := cap.origin + e.subSFD(sub)

	if sub == 6 {
		// Closing frame: round-trip closures for sub-offsets 1..5, measured
		// from our own sub-offset-0 SFD.
		tx0 := prior[0].SFD
		for j := 1; j <= 5; j++ {
			rec := NbrRecord{}
			if j < len(prior) && prior[j].OK {
				if src, ok := decodeBeaconSrc(prior[j].Frame); ok {
					rec.Addr = src
					rec.Tstamp = int32(int64(prior[j].SFD) - int64(tx0))
				}
			}
			lb.Nbrs = append(lb.Nbrs, rec)
		}
	} else {
		for i := 0; i < 6; i++ {
			if i == sub {
				continue
			}
			rec := NbrRecord{}
			if i < sub {
				// Measured turnaround to an earlier transmitter.
				if i < len(prior) && prior[i].OK {
					if src, ok := decodeBeaconSrc(prior[i].Frame); ok {
						rec.Addr = src
						rec.Tstamp = int32(int64(txTick) - int64(prior[i].SFD))
					}
				}
			} else {
				// Expectation for a later sub-offset, used only for
				// conflict signalling.
				idx := cap.row[i]
				if n, ok := e.neighbors.BeaconOf(idx); ok {
					rec.Addr = n.Addr
					rec.Tstamp = TstampHeard
					if !e.lastHeard[idx] {
						rec.Tstamp = TstampConflict
					}
				}
			}
			lb.Nbrs = append(lb.Nbrs, rec)
		}
	}

	body, err := lb.Encode()
	if err != nil {
		e.log.Errorw("failed to encode locbeacon", zap.Error(err))
		return nil
	}

	f := &mac.Frame{
		Type:       mac.FrameData,
		Dst:        mac.Broadcast,
		Src:        e.addr,
		PayloadIEs: []mac.IE{{ID: mac.IELocBeacon, Data: body}},
	}
	raw, err := f.Encode(0)
	if err != nil {
		e.log.Errorw("failed to encode locbeacon frame", zap.Error(err))
		return nil
	}
	return raw
}

func (e *Engine) neighborhoodLocked() bitset.Neighborhood {
	var mask bitset.Neighborhood
	for _, n := range e.neighbors.Snapshot() {
		if n.BeaconIndex != NoBeacon {
			mask.Insert(uint8(n.BeaconIndex))
		}
	}
	if e.beaconIdx != NoBeacon {
		mask.Insert(uint8(e.beaconIdx))
	}
	return mask
}

func decodeBeaconSrc(raw []byte) (mac.Addr, bool) {
	f, err := mac.Decode(raw)
	if err != nil {
		return 0, false
	}
	return f.Src, true
}

// FinishLocationSlot implements mac.LocationPlanner: it digests the slot's
// receptions into the timestamp matrix, runs conflict detection and the
// position update, and re-evaluates the beacon role.
func (e *Engine) FinishLocationSlot(asn uint64, cell mac.Cell, results []radio.StepResult) {
	e.mu.Lock()
	cap := e.cur
	e.cur = nil
	e.mu.Unlock()

	if cap == nil || len(results) != lattice.SubOffsets {
		return
	}

	e.captureResults(cap, results)
	e.detectConflicts(cap, results)
	e.updateNeighbors(cap, asn)
	e.runUpdate(cap)
}

// captureResults fills the timestamp matrix from the slot's frames.
func (e *Engine) captureResults(cap *slotCapture, results []radio.StepResult) {
	m := cap.matrix

	for sub := 0; sub < lattice.SubOffsets; sub++ {
		res := results[sub]
		if res.Kind == radio.StepTx {
			continue
		}
		if !res.OK {
			continue
		}

		f, err := mac.Decode(res.Frame)
		if err != nil {
			continue
		}
		body, ok := f.PayloadIE(mac.IELocBeacon)
		if !ok {
			continue
		}
		lb, err := DecodeLocBeacon(body)
		if err != nil || int(lb.Sub) != sub {
			continue
		}

		cap.beacons[sub] = lb
		cap.srcs[sub] = f.Src
		m.OwnRx[sub] = int64(res.SFD)
		m.HasOwnRx[sub] = true

		switch {
		case sub == 6:
			for pos, rec := range lb.Nbrs {
				j := RecordSub(0, pos)
				if rec.Addr != 0 && j >= 1 && j <= 5 {
					m.Closing[j] = int64(rec.Tstamp)
					m.HasClosing[j] = true
				}
			}
		case sub > 0:
			for pos, rec := range lb.Nbrs {
				i := RecordSub(uint8(sub), pos)
				if i < sub && rec.Addr != 0 && rec.Tstamp > 0 {
					m.Reported[sub][i] = int64(rec.Tstamp)
					m.HasRep[sub][i] = true
				}
			}
		}
	}

	// A transmitting participant fills its own row from its measured
	// receptions, making the distance formulas uniform.
	k := cap.txSub
	if k >= 0 && results[k].OK {
		txSFD := int64(results[k].SFD)
		for i := 0; i < k; i++ {
			if m.HasOwnRx[i] {
				m.Reported[k][i] = txSFD - m.OwnRx[i]
				m.HasRep[k][i] = true
			}
		}
		if k == 0 && results[6].Kind == radio.StepTx && results[6].OK {
			for j := 1; j <= 5; j++ {
				if m.HasOwnRx[j] {
					m.Closing[j] = m.OwnRx[j] - txSFD
					m.HasClosing[j] = true
				}
			}
		}
	}
}

// detectConflicts scans later beacons' records for conflict markers on this
// node's sub-offset and spots challengers transmitting in it.
func (e *Engine) detectConflicts(cap *slotCapture, results []radio.StepResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Whether this node's index went unheard in its previous cycle, e.g.
	// because it was silent through a backoff. Read before the update below.
	silentBefore := cap.txSub >= 0 && !e.lastHeard[cap.row[cap.txSub]]

	// Update the per-index heard bookkeeping for this row.
	for sub := 0; sub < 6; sub++ {
		if sub == cap.txSub {
			e.lastHeard[cap.row[sub]] = results[sub].OK || results[sub].Kind == radio.StepTx
			continue
		}
		e.lastHeard[cap.row[sub]] = cap.beacons[sub] != nil
	}

	if cap.txSub >= 0 {
		// Earlier transmitters flag last cycle's collision in their
		// expectation records; later ones report whom they actually heard
		// in our sub-offset this cycle. An earlier marker is not acted on
		// when the sub-offset was already silent on our side last cycle:
		// it then reports that silence, not a collision.
		for sub := 0; sub < 6; sub++ {
			lb := cap.beacons[sub]
			if lb == nil || sub == cap.txSub {
				continue
			}
			for pos, rec := range lb.Nbrs {
				if RecordSub(uint8(sub), pos) != cap.txSub {
					continue
				}
				if sub < cap.txSub {
					if rec.Tstamp == TstampConflict && !silentBefore {
						cap.conflictAtMine = true
					}
				} else if rec.Addr != 0 && rec.Addr != e.addr && rec.Tstamp > 0 {
					cap.conflictAtMine = true
				}
			}
		}
		if cap.conflictAtMine {
			e.backoffLeft = e.cfg.BackoffCount
			e.log.Debugw("sub-offset conflict, backing off",
				zap.Int("sub", cap.txSub), zap.Int("cycles", e.backoffLeft))
		}
	} else if e.beaconIdx != NoBeacon {
		// We hold a role but stayed silent this cycle; anyone transmitting
		// in our sub-offset is a challenger.
		if mySub := lattice.SubOffsetOf(cap.dir, cap.locSlot, uint8(e.beaconIdx)); mySub >= 0 {
			if lb := cap.beacons[mySub]; lb != nil && cap.srcs[mySub] != e.addr {
				cap.challenger = lb
			}
		}
	}

}

// updateNeighbors folds the heard beacons into the neighbour table.
func (e *Engine) updateNeighbors(cap *slotCapture, asn uint64) {
	for sub := 0; sub <= 5; sub++ {
		lb := cap.beacons[sub]
		if lb == nil || cap.srcs[sub] == e.addr {
			continue
		}

		e.neighbors.Upsert(cap.srcs[sub], func(n *mac.Neighbor) {
			n.LastSeenASN = asn
			n.RxFrames++
			n.BeaconIndex = int8(cap.row[sub])
			n.Neighborhood = lb.Neighborhood
			if lb.Class == ClassRanging && lb.Position.IsFinite() {
				n.HasPosition = true
				n.Position = lb.Position
				n.PosSeq++
			}
			if !lb.Coord.IsNaN() {
				n.HasCoord = true
				n.Coord = lb.Coord
			}
		})
	}
}

// runUpdate executes the solver decision table and commits the result.
func (e *Engine) runUpdate(cap *slotCapture) {
	e.mu.Lock()
	defer e.mu.Unlock()

	anchors := e.collectAnchors(cap)
	transmitted := cap.txSub >= 0

	// Error detectors.
	if e.hasPos {
		var inverted bool
		anchors, inverted = filterNonLocal(anchors, e.pos, e.cfg.LatticeEdge)
		if inverted {
			e.lose("majority of beacons non-local")
			return
		}
		if transmitted {
			anchors = filterInconsistent(anchors, e.pos, e.cfg.LatticeEdge)
		}
	}

	positioned := e.positionedNeighbors()

	switch {
	case positioned >= 4:
		e.solveNominal(cap, anchors, transmitted)
	default:
		e.solveBootstrap(cap, anchors, transmitted)
	}

	e.evaluateRole(cap)
	e.publish()
}

// collectAnchors gathers per-sub-offset measurements against positioned
// beacons.
func (e *Engine) collectAnchors(cap *slotCapture) []anchor {
	var out []anchor
	for sub := 0; sub <= 5; sub++ {
		lb := cap.beacons[sub]
		if lb == nil || lb.Class != ClassRanging || !lb.Position.IsFinite() {
			continue
		}

		var d float64
		var ok bool
		if cap.txSub >= 0 {
			d, ok = cap.matrix.DistTo(sub)
		} else {
			d, ok = cap.matrix.Pseudorange(sub)
		}
		if !ok {
			continue
		}
		out = append(out, anchor{sub: sub, position: lb.Position, dist: d})
	}
	return out
}

func (e *Engine) positionedNeighbors() int {
	count := 0
	for _, n := range e.neighbors.Snapshot() {
		if n.HasPosition {
			count++
		}
	}
	return count
}

func (e *Engine) solveNominal(cap *slotCapture, anchors []anchor, transmitted bool) {
	positions := make([]geom.Vec3, len(anchors))
	dists := make([]float64, len(anchors))
	for i, a := range anchors {
		positions[i] = a.position
		dists[i] = a.dist
	}
	flat := coplanar(positions, 0.05*e.cfg.LatticeEdge)

	switch {
	case transmitted && e.hasPos:
		springs := make([]SpringNeighbor, len(anchors))
		for i, a := range anchors {
			springs[i] = SpringNeighbor{Position: a.position, Dist: a.dist}
		}
		latticePoint := lattice.Nearest(e.pos, e.cfg.LatticeEdge).Pos(e.cfg.LatticeEdge)
		next := SpringStep(SpringState{Position: e.pos, Velocity: e.vel}, springs, latticePoint, e.cfg)
		e.commit(next.Position)
		e.vel = next.Velocity

	case transmitted && len(anchors) >= 5 && !flat:
		p, err := SolveTOA(positions, dists)
		if err != nil {
			e.lose("toa solve failed")
			return
		}
		e.commit(p)

	case !transmitted && len(anchors) >= 5 && !flat:
		p, err := SolveTDOA(positions, dists)
		if err != nil {
			e.lose("tdoa solve failed")
			return
		}
		e.commit(p)

	case transmitted && len(anchors) == 4:
		hint := e.threeSphereHint(cap, anchors)
		p, err := SolveThreeSpheres(
			positions[0], positions[1], positions[2],
			dists[0], dists[1], dists[2], hint)
		if err != nil {
			e.lose("3-sphere solve failed")
			return
		}
		e.commit(p)

	default:
		e.lose("no nominal solver branch")
	}
}

// threeSphereHint disambiguates the 3-sphere root from the expected lattice
// offsets of the participating beacons: the triple product of the expected
// offsets tells which side of the anchor plane this node must be on.
func (e *Engine) threeSphereHint(cap *slotCapture, anchors []anchor) float64 {
	if e.beaconIdx == NoBeacon {
		return 1
	}

	idx0 := cap.row[anchors[0].sub]
	idx1 := cap.row[anchors[1].sub]
	idx2 := cap.row[anchors[2].sub]

	a, ok1 := lattice.OffsetBetween(idx0, idx1)
	b, ok2 := lattice.OffsetBetween(idx0, idx2)
	c, ok3 := lattice.OffsetBetween(idx0, uint8(e.beaconIdx))
	if !ok1 || !ok2 || !ok3 {
		return 1
	}

	hint := geom.Triple(a.Vec(), b.Vec(), c.Vec())
	if hint == 0 {
		return 1
	}
	return hint
}

func (e *Engine) solveBootstrap(cap *slotCapture, anchors []anchor, transmitted bool) {
	// A node that did not transmit, or holds no role yet, has nothing to
	// solve in the bootstrap regime; it keeps whatever state it has and
	// waits for density.
	if !transmitted || e.beaconIdx == NoBeacon {
		return
	}

	// The bootstrap chain hangs off the origin beacon.
	originAnchor := -1
	for i, a := range anchors {
		if a.position.Norm() < 1e-6 {
			originAnchor = i
			break
		}
	}

	switch uint8(e.beaconIdx) {
	case 0:
		e.commit(geom.Vec3{})

	case 4:
		if originAnchor < 0 {
			return
		}
		e.commit(SolveLine(anchors[originAnchor].dist))

	case 9, 13:
		if originAnchor < 0 || len(anchors) < 2 {
			return
		}
		other := 0
		if other == originAnchor {
			other = 1
		}

		p0, r0 := anchors[originAnchor].position, anchors[originAnchor].dist
		p1, r1 := anchors[other].position, anchors[other].dist
		positive := e.twoSphereRootSign(cap, anchors[originAnchor].sub, anchors[other].sub, p0, p1)

		p, err := SolveTwoSpheres(p0, p1, r0, r1, positive)
		if err != nil {
			e.lose("2-sphere solve failed")
			return
		}
		e.commit(p)

	default:
		// Indices outside the bootstrap chain wait for four positioned
		// neighbours.
	}
}

// twoSphereRootSign picks the 2-sphere root from the expected lattice
// offsets: positive when the cross product of the baseline with the
// expected self offset points up.
func (e *Engine) twoSphereRootSign(cap *slotCapture, sub0, sub1 int, p0, p1 geom.Vec3) bool {
	idx0 := cap.row[sub0]
	idx1 := cap.row[sub1]

	if exp, ok := lattice.OffsetBetween(idx1, uint8(e.beaconIdx)); ok {
		v := p1.Sub(p0)
		cross := v.Cross(exp.Vec())
		return cross.Z >= 0
	}
	if exp, ok := lattice.OffsetBetween(idx0, uint8(e.beaconIdx)); ok {
		v := p1.Sub(p0)
		cross := v.Cross(exp.Vec())
		return cross.Z >= 0
	}
	return true
}

// commit installs a new position fix and refreshes the routing coordinate.
func (e *Engine) commit(p geom.Vec3) {
	if !p.IsFinite() {
		e.lose("non-finite fix")
		return
	}

	e.pos = p
	e.hasPos = true
	e.posSeq++

	q := lattice.Nearest(p, e.cfg.LatticeEdge)
	coord := geom.Embed(q.X, q.Y, q.Z)
	if coord != e.coord {
		e.coord = coord
		e.coordSeq++
	}
}

// lose marks the position invalid and abandons the beacon role; the node
// keeps executing TSCH and listening.
func (e *Engine) lose(reason string) {
	if e.hasPos {
		e.log.Warnw("position lost", zap.String("reason", reason))
	}
	e.hasPos = false
	e.vel = geom.Vec3{}

	if !e.cfg.Root {
		e.beaconIdx = NoBeacon
		e.claimIdx = NoBeacon
	}

	e.publish()
}

func (e *Engine) publish() {
	if e.onUpdate == nil {
		return
	}
	e.onUpdate(Update{
		Position:    e.pos,
		PosSeq:      e.posSeq,
		Coord:       e.coord,
		CoordSeq:    e.coordSeq,
		BeaconIndex: e.beaconIdx,
		Lost:        !e.hasPos,
	})
}

// evaluateRole runs the beacon-role optimiser after every location cycle.
func (e *Engine) evaluateRole(cap *slotCapture) {
	if !e.allowBeaconing || e.cfg.Root {
		return
	}

	// A silent incumbent vacates when a strictly closer challenger has
	// claimed the index.
	if cap.challenger != nil && e.hasPos && e.beaconIdx != NoBeacon {
		point := lattice.Nearest(e.pos, e.cfg.LatticeEdge).Pos(e.cfg.LatticeEdge)
		myDist := e.pos.Dist(point)
		theirDist := cap.challenger.Position.Dist(point)
		if cap.challenger.Class == ClassRanging && theirDist < myDist*(1-e.cfg.Hysteresis) {
			e.log.Infow("vacating beacon role to closer challenger",
				zap.Int8("index", e.beaconIdx))
			e.beaconIdx = NoBeacon
			e.claimIdx = NoBeacon
			e.backoffLeft = 0
		}
	}

	if e.hasPos {
		e.evaluatePositionedRole()
	} else {
		e.evaluateBootstrapClaim(cap)
	}

	// Claim countdown: the proportional delay means nearer nodes always
	// preempt farther ones.
	if e.claimIdx != NoBeacon {
		e.claimCyclesLeft--
		if e.claimCyclesLeft <= 0 {
			e.beaconIdx = e.claimIdx
			e.claimIdx = NoBeacon
			e.log.Infow("claimed beacon role", zap.Int8("index", e.beaconIdx))
		}
	}
}

func (e *Engine) evaluatePositionedRole() {
	point := lattice.Nearest(e.pos, e.cfg.LatticeEdge)
	idx := lattice.IndexOf(point)
	pointPos := point.Pos(e.cfg.LatticeEdge)
	myDist := e.pos.Dist(pointPos)

	if e.beaconIdx == int8(idx) {
		return
	}

	// Moving across cells: the old role no longer matches our cell.
	if e.beaconIdx != NoBeacon {
		e.beaconIdx = NoBeacon
	}
	if e.claimIdx == int8(idx) {
		return
	}

	if inc, ok := e.neighbors.BeaconOf(idx); ok && inc.HasPosition {
		incDist := inc.Position.Dist(pointPos)
		if myDist >= incDist*(1-e.cfg.Hysteresis) {
			e.claimIdx = NoBeacon
			return
		}
	}

	e.claimIdx = int8(idx)
	e.claimCyclesLeft = 1 + int(myDist*e.cfg.ClaimDelayPerMeter)
}

// evaluateBootstrapClaim lets an unpositioned node claim one of the early
// bootstrap indices so the lattice can grow from the origin.
func (e *Engine) evaluateBootstrapClaim(cap *slotCapture) {
	if e.beaconIdx != NoBeacon || e.claimIdx != NoBeacon {
		return
	}

	// The chain starts only next to the origin beacon.
	origin := false
	for sub := 0; sub <= 5; sub++ {
		if lb := cap.beacons[sub]; lb != nil && lb.Class == ClassRanging && lb.Position.Norm() < 1e-6 {
			origin = true
			break
		}
	}
	if !origin {
		return
	}

	for _, idx := range []uint8{4, 9, 13} {
		if _, taken := e.neighbors.BeaconOf(idx); !taken {
			e.claimIdx = int8(idx)
			e.claimCyclesLeft = 1
			return
		}
	}
}

// Lost reports whether the engine currently has no valid fix.
func (e *Engine) Lost() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.hasPos
}

var _ mac.LocationPlanner = (*Engine)(nil)
