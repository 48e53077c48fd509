// Package mac implements the Time-Slotted Channel-Hopping MAC over the UWB
// radio: the slotframe database, the per-slot state machine, shared-slot
// backoff, synchronisation upkeep and network formation.
package mac

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/latticemesh/latticemesh/lattice"
	"github.com/latticemesh/latticemesh/radio"
	"github.com/latticemesh/latticemesh/timing"
)

// MAC errors.
var (
	ErrQueueFull = errors.New("outbound queue full")
	ErrSyncLost  = errors.New("synchronisation lost")
	ErrNotJoined = errors.New("not joined")
)

// State is the node's network-formation state.
type State uint8

const (
	// StateDetached means no network timing is known; the node scans.
	StateDetached State = iota
	// StateSynchronized means slot timing is latched but the node has not
	// heard enough advertisements to participate.
	StateSynchronized
	// StateJoined means the node executes the full slot loop.
	StateJoined
)

var stateNames = [...]string{"detached", "synchronized", "joined"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "?"
}

// RxInfo accompanies every frame delivered upward.
type RxInfo struct {
	ASN  uint64
	SFD  timing.Tick
	Cell Cell
}

// LocationPlanner is the location engine's hook into location cells. The
// MAC owns the radio; the engine only describes what the slot should do and
// digests the results.
type LocationPlanner interface {
	PlanLocationSlot(asn uint64, cell Cell, origin timing.Tick) []radio.SlotStep
	FinishLocationSlot(asn uint64, cell Cell, results []radio.StepResult)
}

type plannedKind uint8

const (
	planIdle plannedKind = iota
	planAdvertTx
	planAdvertRx
	planSharedTx
	planSharedRx
	planLocation
	planScan
)

type outbound struct {
	frame   *Frame
	encoded []byte
	retries int
}

// Mac is the per-node TSCH MAC.
//
// The slot loop is split into PlanSlot and FinishSlot so that a driver (the
// node's real-time loop or the lockstep simulator) owns the clock: inside a
// slot the MAC runs to completion and never suspends.
type Mac struct {
	cfg       *Config
	log       *zap.SugaredLogger
	addr      Addr
	engine    *timing.Engine
	schedule  *Schedule
	neighbors *NeighborTable
	rng       *rand.Rand

	mu            sync.Mutex
	state         State
	seq           uint8
	joinMetric    uint8
	advertsHeard  int
	missedAdverts int

	txq        []*outbound
	queueBytes int

	backoff     *sharedBackoff
	backoffWait int

	scan          *scanner
	scanPredicate ScanPredicate
	scanBest      *scanCandidate

	loc         LocationPlanner
	beaconIndex func() int8

	onFrame    func(*Frame, RxInfo)
	onTxResult func(*Frame, error)
	onSyncLost func()

	last struct {
		kind plannedKind
		asn  uint64
		cell Cell
		out  *outbound
	}
}

// New creates a MAC in the Detached state.
func New(cfg *Config, addr Addr, engine *timing.Engine, schedule *Schedule, neighbors *NeighborTable, rng *rand.Rand, log *zap.SugaredLogger) (*Mac, error) {
	pred, err := SSIDGlobPredicate(cfg.SSID)
	if err != nil {
		return nil, err
	}

	m := &Mac{
		cfg:           cfg,
		log:           log,
		addr:          addr,
		engine:        engine,
		schedule:      schedule,
		neighbors:     neighbors,
		rng:           rng,
		backoff:       newSharedBackoff(cfg.BackoffWMin, cfg.BackoffWMax, rng),
		scan:          newScanner(cfg),
		scanPredicate: pred,
		beaconIndex:   func() int8 { return NoBeacon },
	}
	return m, nil
}

// Addr returns the node's link-layer address.
func (m *Mac) Addr() Addr { return m.addr }

// State returns the network-formation state.
func (m *Mac) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// JoinMetric returns the node's hop distance from the root.
func (m *Mac) JoinMetric() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joinMetric
}

// SetLocationPlanner wires the location engine into location cells.
func (m *Mac) SetLocationPlanner(p LocationPlanner) { m.loc = p }

// SetBeaconIndexFunc wires the location engine's current beacon role into
// advertisement scheduling.
func (m *Mac) SetBeaconIndexFunc(fn func() int8) { m.beaconIndex = fn }

// SetScanPredicate replaces the default SSID-glob network filter.
func (m *Mac) SetScanPredicate(p ScanPredicate) { m.scanPredicate = p }

// OnFrame registers the upward frame sink.
func (m *Mac) OnFrame(fn func(*Frame, RxInfo)) { m.onFrame = fn }

// OnTxResult registers the transmit-outcome callback; it fires with a nil
// error on delivery and with ErrRetriesExceeded when the retry cap expired.
func (m *Mac) OnTxResult(fn func(*Frame, error)) { m.onTxResult = fn }

// OnSyncLost registers the callback fired when the node falls back to
// scanning.
func (m *Mac) OnSyncLost(fn func()) { m.onSyncLost = fn }

// StartAsRoot latches slot timing locally and joins immediately, making
// this node the network's time source.
func (m *Mac) StartAsRoot() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.engine.Start(0, 0)
	m.state = StateJoined
	m.joinMetric = 0
	m.log.Infow("started as root", zap.Stringer("addr", m.addr))
}

// NextSeq returns a fresh outgoing sequence number.
func (m *Mac) NextSeq() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq
}

// Enqueue appends a frame to the outbound shared-slot queue.
func (m *Mac) Enqueue(f *Frame) error {
	encoded, err := f.Encode(m.cfg.MaxFrameLen)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.txq) >= m.cfg.QueueFrames ||
		m.queueBytes+len(encoded) > int(m.cfg.QueueBudget.Bytes()) {
		return fmt.Errorf("%w: %d frames, %d bytes", ErrQueueFull, len(m.txq), m.queueBytes)
	}

	m.txq = append(m.txq, &outbound{frame: f, encoded: encoded})
	m.queueBytes += len(encoded)
	return nil
}

// QueueLen returns the outbound queue depth.
func (m *Mac) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txq)
}

func (m *Mac) txOffsetTicks() timing.Tick  { return timing.TicksPerMicros(m.cfg.TxOffsetUs) }
func (m *Mac) ackOffsetTicks() timing.Tick { return timing.TicksPerMicros(m.cfg.AckOffsetUs) }
func (m *Mac) guardTicks() timing.Tick     { return timing.TicksPerMicros(m.cfg.GuardUs) }

// PlanSlot builds the radio plan for the given slot. In the Detached state
// it returns a scan dwell instead; the caller keeps the ASN advancing either
// way so that a resynchronised node re-enters the schedule consistently.
func (m *Mac) PlanSlot(asn uint64) radio.Plan {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.last.kind = planIdle
	m.last.asn = asn
	m.last.out = nil

	if m.state == StateDetached {
		m.last.kind = planScan
		plan := m.scan.plan(m.engine.SlotTicks())
		plan.Origin = m.engine.Origin()
		return plan
	}

	cell, _, ok := m.schedule.CellAt(asn)
	if !ok {
		return radio.Plan{Origin: m.engine.Origin()}
	}
	m.last.cell = cell

	plan := radio.Plan{
		Origin:  m.engine.Origin(),
		Channel: ChannelFor(m.cfg.Channels, asn, cell.ChannelOffset),
	}

	switch cell.Kind {
	case CellAdvertise:
		idx := m.beaconIndex()
		if m.state == StateJoined && idx != NoBeacon && lattice.IsPrime(uint8(idx)) && uint64(idx) == asn%4 {
			m.last.kind = planAdvertTx
			plan.Steps = []radio.SlotStep{{
				Kind:   radio.StepTx,
				Offset: m.txOffsetTicks(),
				Frame:  m.buildAdvert(asn),
			}}
		} else {
			m.last.kind = planAdvertRx
			plan.Steps = []radio.SlotStep{m.guardedRx()}
		}

	case CellShared:
		if len(m.txq) > 0 && m.backoffWait == 0 && m.state == StateJoined {
			out := m.txq[0]
			m.last.kind = planSharedTx
			m.last.out = out
			plan.Steps = []radio.SlotStep{{
				Kind:        radio.StepTx,
				Offset:      m.txOffsetTicks(),
				Frame:       out.encoded,
				AckExpected: out.frame.AckRequest && out.frame.Dst != Broadcast,
			}}
		} else {
			m.last.kind = planSharedRx
			step := m.guardedRx()
			step.AutoAck = m.autoAck
			step.AckOffset = m.ackOffsetTicks()
			plan.Steps = []radio.SlotStep{step}
		}

	case CellLocation:
		if m.loc != nil && m.state == StateJoined {
			m.last.kind = planLocation
			plan.Steps = m.loc.PlanLocationSlot(asn, cell, plan.Origin)
		}

	case CellTx:
		if out := m.dequeueFor(cell.Neighbor); out != nil {
			m.last.kind = planSharedTx
			m.last.out = out
			plan.Steps = []radio.SlotStep{{
				Kind:        radio.StepTx,
				Offset:      m.txOffsetTicks(),
				Frame:       out.encoded,
				AckExpected: out.frame.AckRequest,
			}}
		}

	case CellRx:
		m.last.kind = planSharedRx
		step := m.guardedRx()
		step.AutoAck = m.autoAck
		step.AckOffset = m.ackOffsetTicks()
		plan.Steps = []radio.SlotStep{step}
	}

	return plan
}

// guardedRx opens the receive window GUARD ticks before the nominal SFD and
// gives up after twice the guard, powering the radio down early.
func (m *Mac) guardedRx() radio.SlotStep {
	return radio.SlotStep{
		Kind:    radio.StepRx,
		Offset:  m.txOffsetTicks() - m.guardTicks(),
		Timeout: 2 * m.guardTicks(),
	}
}

// dequeueFor pulls the first queued frame addressed to the given neighbour.
func (m *Mac) dequeueFor(neighbor Addr) *outbound {
	for _, out := range m.txq {
		if neighbor == Broadcast || out.frame.Dst == neighbor {
			return out
		}
	}
	return nil
}

// autoAck builds the auto-turnaround ACK for a received frame. The ACK
// carries the nominal turnaround tick count so the peer can close its
// ranging computation regardless of the data frame's length.
func (m *Mac) autoAck(raw []byte) []byte {
	f, err := Decode(raw)
	if err != nil || !f.AckRequest || f.Dst != m.addr {
		return nil
	}

	turnaround := int32(m.ackOffsetTicks()) - int32(m.txOffsetTicks())
	ack := &Frame{
		Type: FrameAck,
		Seq:  f.Seq,
		Dst:  f.Src,
		Src:  m.addr,
		HeaderIEs: []IE{
			{ID: IETurnaround, Data: EncodeTurnaroundIE(turnaround)},
		},
	}
	encoded, err := ack.Encode(m.cfg.MaxFrameLen)
	if err != nil {
		return nil
	}
	return encoded
}

// buildAdvert assembles the enhanced beacon for the advertisement slot.
func (m *Mac) buildAdvert(asn uint64) []byte {
	m.seq++
	f := &Frame{
		Type: FrameAdvert,
		Seq:  m.seq,
		Dst:  Broadcast,
		Src:  m.addr,
		HeaderIEs: []IE{
			{ID: IESSID, Data: []byte(m.cfg.SSID)},
			{ID: IETiming, Data: EncodeTimingIE(asn, m.joinMetric)},
			{ID: IESchedule, Data: EncodeScheduleIE(m.schedule)},
		},
	}
	encoded, err := f.Encode(0)
	if err != nil {
		m.log.Errorw("failed to encode advertisement", zap.Error(err))
		return nil
	}
	return encoded
}

// FinishSlot digests the radio results of the slot planned by the previous
// PlanSlot call and advances the state machine.
func (m *Mac) FinishSlot(asn uint64, results []radio.StepResult) {
	m.mu.Lock()
	kind := m.last.kind
	cell := m.last.cell
	m.mu.Unlock()

	switch kind {
	case planScan:
		m.finishScan(results)
	case planAdvertTx:
		// Nothing to digest; our own advertisement needs no ACK.
	case planAdvertRx:
		m.finishAdvertRx(asn, results)
	case planSharedTx:
		m.finishSharedTx(results)
	case planSharedRx:
		m.finishSharedRx(asn, cell, results)
	case planLocation:
		if m.loc != nil {
			m.loc.FinishLocationSlot(asn, cell, results)
		}
	}

	m.mu.Lock()
	if kind != planSharedTx && cell.Kind == CellShared && m.backoffWait > 0 {
		m.backoffWait--
	}
	m.mu.Unlock()

	// Housekeeping once per slotframe.
	if m.cfg.SlotframeLength > 0 && asn%uint64(m.cfg.SlotframeLength) == 0 {
		m.neighbors.Expire(asn, m.cfg.NeighborTimeoutASN)
	}
}

// scanCandidate is one acceptable network observed during a scan dwell.
// The slot timing it latched stays usable after the dwell: age counts the
// scan slots elapsed since the capture, so the commit can project the
// origin and ASN forward.
type scanCandidate struct {
	origin   timing.Tick
	asn      uint64
	metric   uint8
	src      Addr
	schedule *Schedule
	age      uint64
}

// finishScan digests one scan slot. Matching advertisements are collected
// for the length of the dwell and the one with the lowest join metric wins;
// a metric-zero advertiser is the root itself, which nothing can beat, so
// it short-circuits the dwell.
func (m *Mac) finishScan(results []radio.StepResult) {
	candidate := m.parseScanCandidate(results)

	m.mu.Lock()
	if m.scanBest != nil {
		m.scanBest.age++
	}
	if candidate != nil && (m.scanBest == nil || candidate.metric < m.scanBest.metric) {
		m.scanBest = candidate
	}
	dwellEnded := m.scan.tick()
	best := m.scanBest
	commit := best != nil && (best.metric == 0 || dwellEnded)
	if commit {
		m.scanBest = nil
	}
	m.mu.Unlock()

	if commit {
		m.commitSync(best)
	}
}

// parseScanCandidate validates a scan reception against the predicate and
// latches its timing: the advertisement SFD sits at the fixed transmit
// offset of the advertiser's slot.
func (m *Mac) parseScanCandidate(results []radio.StepResult) *scanCandidate {
	if len(results) == 0 || !results[0].OK {
		return nil
	}

	f, err := Decode(results[0].Frame)
	if err != nil || f.Type != FrameAdvert {
		return nil
	}
	timingIE, ok := f.HeaderIE(IETiming)
	if !ok {
		return nil
	}
	theirASN, metric, err := DecodeTimingIE(timingIE)
	if err != nil {
		return nil
	}
	if !m.scanPredicate(f, metric) {
		return nil
	}

	c := &scanCandidate{
		origin: results[0].SFD - m.txOffsetTicks(),
		asn:    theirASN,
		metric: metric,
		src:    f.Src,
	}
	if scheduleIE, ok := f.HeaderIE(IESchedule); ok {
		if sched, err := DecodeScheduleIE(scheduleIE); err == nil {
			c.schedule = sched
		}
	}
	return c
}

// commitSync joins the candidate's network, projecting its latched slot
// origin and ASN over the scan slots that passed since the capture.
func (m *Mac) commitSync(c *scanCandidate) {
	asn := c.asn + c.age
	m.engine.Start(c.origin+timing.Tick(c.age)*m.engine.SlotTicks(), asn)

	m.mu.Lock()
	m.state = StateSynchronized
	m.joinMetric = c.metric + 1
	m.advertsHeard = 1
	m.missedAdverts = 0
	if c.schedule != nil {
		m.schedule = c.schedule
	}
	m.mu.Unlock()

	m.neighbors.Upsert(c.src, func(n *Neighbor) {
		n.LastSeenASN = asn
		n.RxFrames++
	})
	m.log.Infow("synchronised to network",
		zap.Stringer("advertiser", c.src),
		zap.Uint64("asn", asn),
		zap.Uint8("join_metric", c.metric),
	)
}

func (m *Mac) finishAdvertRx(asn uint64, results []radio.StepResult) {
	if len(results) == 0 || !results[0].OK {
		m.noteMissedAdvert()
		return
	}

	f, err := Decode(results[0].Frame)
	if err != nil || f.Type != FrameAdvert {
		m.noteMissedAdvert()
		return
	}
	if ssid, ok := f.HeaderIE(IESSID); !ok || string(ssid) != m.cfg.SSID {
		m.noteMissedAdvert()
		return
	}

	drift := m.engine.Resync(results[0].SFD, m.txOffsetTicks())
	m.touchNeighbor(f, asn, drift)

	m.mu.Lock()
	m.missedAdverts = 0
	if m.state == StateSynchronized {
		m.advertsHeard++
		if m.advertsHeard >= m.cfg.JoinAdverts {
			m.state = StateJoined
			m.log.Infow("joined network", zap.Uint64("asn", asn))
		}
	}
	m.mu.Unlock()
}

func (m *Mac) noteMissedAdvert() {
	m.mu.Lock()
	m.missedAdverts++
	lost := m.missedAdverts >= m.cfg.SyncLossK && m.state != StateDetached
	if lost {
		m.state = StateDetached
		m.advertsHeard = 0
		m.missedAdverts = 0
		m.scanBest = nil
		m.scan.reset()
	}
	m.mu.Unlock()

	if lost {
		m.log.Warnw("synchronisation lost", zap.Int("missed", m.cfg.SyncLossK))
		if m.onSyncLost != nil {
			m.onSyncLost()
		}
	}
}

func (m *Mac) finishSharedTx(results []radio.StepResult) {
	if len(results) == 0 {
		return
	}
	res := results[0]

	m.mu.Lock()
	out := m.last.out
	if out == nil {
		m.mu.Unlock()
		return
	}

	needAck := out.frame.AckRequest && out.frame.Dst != Broadcast
	delivered := res.OK && (!needAck || res.AckOK)

	var txErr error
	if delivered {
		m.removeOutbound(out)
		m.backoff.OnSuccess()
	} else {
		out.retries++
		m.backoffWait = m.backoff.OnCollision()
		if out.retries > m.cfg.MaxRetries {
			m.removeOutbound(out)
			txErr = ErrRetriesExceeded
		}
	}
	frame := out.frame
	m.mu.Unlock()

	if m.onTxResult != nil && (delivered || txErr != nil) {
		m.onTxResult(frame, txErr)
	}
}

func (m *Mac) removeOutbound(out *outbound) {
	for i, o := range m.txq {
		if o == out {
			m.txq = append(m.txq[:i], m.txq[i+1:]...)
			m.queueBytes -= len(out.encoded)
			return
		}
	}
}

func (m *Mac) finishSharedRx(asn uint64, cell Cell, results []radio.StepResult) {
	if len(results) == 0 || !results[0].OK {
		return
	}

	f, err := Decode(results[0].Frame)
	if err != nil {
		return
	}
	if f.Dst != m.addr && f.Dst != Broadcast {
		return
	}

	m.touchNeighbor(f, asn, 0)

	if f.Type == FrameData && m.onFrame != nil {
		m.onFrame(f, RxInfo{ASN: asn, SFD: results[0].SFD, Cell: cell})
	}
}

func (m *Mac) touchNeighbor(f *Frame, asn uint64, drift int64) {
	m.neighbors.Upsert(f.Src, func(n *Neighbor) {
		n.LastSeenASN = asn
		n.RxFrames++
		if drift != 0 {
			n.ClockOffset = drift
		}
	})
}
