package radio

import (
	"container/heap"
	"context"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/latticemesh/latticemesh/geom"
	"github.com/latticemesh/latticemesh/timing"
)

// Medium is a lockstep-simulated UWB channel connecting any number of
// simulated radios placed at metre positions.
//
// One slot at a time, the medium matches every queued transmission against
// every open receive window, computing SFD arrival ticks from propagation
// delay at the speed of light. Two transmissions landing in the same window
// collide into a CRC error, exactly like a garbled preamble would. Links can
// be forced to drop or corrupt for fault-injection tests.
type Medium struct {
	mu      sync.Mutex
	cond    *sync.Cond
	log     *zap.SugaredLogger
	nodes   []*SimRadio
	drops   map[linkKey]bool
	corrupt map[linkKey]bool
	pending []*parkedPlan
}

type linkKey struct {
	from, to int
}

type parkedPlan struct {
	r    *SimRadio
	plan Plan
	out  chan []StepResult
}

// NewMedium creates an empty simulated channel.
func NewMedium(log *zap.SugaredLogger) *Medium {
	m := &Medium{
		log:     log,
		drops:   map[linkKey]bool{},
		corrupt: map[linkKey]bool{},
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SimRadio is one simulated transceiver attached to a Medium.
//
// The clock offset models an unsynchronised local timebase: every tick the
// radio reports is the true air time shifted by the offset, the same way a
// free-running hardware counter would read.
type SimRadio struct {
	m           *Medium
	idx         int
	pos         geom.Vec3
	clockOffset int64
	asleep      bool
}

// Attach adds a radio at the given position with the given local clock
// offset in ticks.
func (m *Medium) Attach(pos geom.Vec3, clockOffset int64) *SimRadio {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := &SimRadio{m: m, idx: len(m.nodes), pos: pos, clockOffset: clockOffset}
	m.nodes = append(m.nodes, r)
	return r
}

// SetDrop forces the unidirectional link from one radio to another to lose
// every frame.
func (m *Medium) SetDrop(from, to *SimRadio, drop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.drops[linkKey{from.idx, to.idx}] = drop
}

// SetCorrupt forces frames on the unidirectional link to arrive with a bad
// checksum.
func (m *Medium) SetCorrupt(from, to *SimRadio, corrupt bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.corrupt[linkKey{from.idx, to.idx}] = corrupt
}

// SetPosition moves a radio.
func (m *Medium) SetPosition(r *SimRadio, pos geom.Vec3) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.pos = pos
}

// Position returns the radio's true position.
func (r *SimRadio) Position() geom.Vec3 {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	return r.pos
}

// ClockOffset returns the radio's local clock offset in ticks.
func (r *SimRadio) ClockOffset() int64 {
	return r.clockOffset
}

// Sleep powers the simulated radio down; it neither hears nor transmits.
func (r *SimRadio) Sleep() {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.asleep = true
}

// Wake powers the simulated radio back up.
func (r *SimRadio) Wake() {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.asleep = false
}

// ExecuteSlot parks the plan with the medium and blocks until a concurrent
// StepSlot call resolves the slot. It implements SlotExecutor so a full node
// loop can run against the simulation unchanged.
func (r *SimRadio) ExecuteSlot(ctx context.Context, plan Plan) ([]StepResult, error) {
	out := make(chan []StepResult, 1)

	r.m.mu.Lock()
	r.m.pending = append(r.m.pending, &parkedPlan{r: r, plan: plan, out: out})
	r.m.cond.Broadcast()
	r.m.mu.Unlock()

	select {
	case res := <-out:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StepSlot blocks until the given number of radios have parked a plan, then
// resolves the slot and releases them.
func (m *Medium) StepSlot(participants int) {
	m.mu.Lock()
	for len(m.pending) < participants {
		m.cond.Wait()
	}
	parked := m.pending
	m.pending = nil
	m.mu.Unlock()

	plans := make(map[*SimRadio]Plan, len(parked))
	for _, p := range parked {
		plans[p.r] = p.plan
	}
	results := m.ResolveSlot(plans)
	for _, p := range parked {
		p.out <- results[p.r]
	}
}

// propagation delay between two radios, in true ticks.
func propTicks(a, b geom.Vec3) int64 {
	return int64(math.Round(a.Dist(b) / timing.MetersPerTick))
}

// localTick converts a true air tick to a radio's local timebase.
func (r *SimRadio) localTick(trueTick int64) timing.Tick {
	return timing.Tick(trueTick + r.clockOffset)
}

// trueTick converts a local tick to the shared timebase.
func (r *SimRadio) trueTick(local timing.Tick) int64 {
	return int64(local) - r.clockOffset
}

type txEvent struct {
	trueTick    int64
	node        *SimRadio
	step        int // -1 for auto-turnaround ACKs
	frame       []byte
	build       func([]StepResult) []byte
	ackExpected bool
	channel     uint8
	replyNode   *SimRadio
	replyStep   int
	canceled    bool
}

type txHeap []*txEvent

func (h txHeap) Len() int { return len(h) }
func (h txHeap) Less(i, j int) bool {
	if h[i].trueTick != h[j].trueTick {
		return h[i].trueTick < h[j].trueTick
	}
	if h[i].node.idx != h[j].node.idx {
		return h[i].node.idx < h[j].node.idx
	}
	return h[i].step < h[j].step
}
func (h txHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *txHeap) Push(x any)        { *h = append(*h, x.(*txEvent)) }
func (h *txHeap) Pop() any          { old := *h; n := len(old); x := old[n-1]; *h = old[:n-1]; return x }

type arrival struct {
	trueTick int64
	frame    []byte
	corrupt  bool
}

type rxWindow struct {
	node      *SimRadio
	step      int
	channel   uint8
	openTrue  int64
	closeTrue int64
	autoAck   func([]byte) []byte
	ackOffset int64 // true tick of the auto-ACK SFD
	arrivals  []arrival
	ackEv     *txEvent
	finalized bool
}

// ResolveSlot executes one slot for every radio in the plans map and returns
// each radio's step results. Radios without a plan are silent and deaf for
// the slot.
func (m *Medium) ResolveSlot(plans map[*SimRadio]Plan) map[*SimRadio][]StepResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make(map[*SimRadio][]StepResult, len(plans))
	windows := []*rxWindow{}
	events := &txHeap{}

	for r, plan := range plans {
		res := make([]StepResult, len(plan.Steps))
		results[r] = res

		if r.asleep {
			for i, step := range plan.Steps {
				res[i].Kind = step.Kind
				if step.Kind == StepRx {
					res[i].Err = ErrTimeout
				}
			}
			continue
		}

		trueOrigin := r.trueTick(plan.Origin)
		for i, step := range plan.Steps {
			res[i].Kind = step.Kind

			switch step.Kind {
			case StepTx:
				heap.Push(events, &txEvent{
					trueTick:    trueOrigin + int64(step.Offset),
					node:        r,
					step:        i,
					frame:       step.Frame,
					build:       step.Build,
					ackExpected: step.AckExpected,
					channel:     plan.Channel,
				})
			case StepRx:
				open := trueOrigin + int64(step.Offset)
				windows = append(windows, &rxWindow{
					node:      r,
					step:      i,
					channel:   plan.Channel,
					openTrue:  open,
					closeTrue: open + int64(step.Timeout),
					autoAck:   step.AutoAck,
					ackOffset: trueOrigin + int64(step.AckOffset),
				})
				res[i].Err = ErrTimeout
			}
		}
	}

	for events.Len() > 0 {
		ev := heap.Pop(events).(*txEvent)
		if ev.canceled {
			continue
		}

		frame := ev.frame
		if ev.build != nil {
			// Earlier windows of the transmitter are closed by now; settle
			// them so the builder sees its own reception timestamps.
			m.finalizeBefore(windows, results, ev.node, ev.trueTick)
			frame = ev.build(results[ev.node])
		}
		if frame == nil {
			continue
		}

		if ev.step >= 0 {
			res := &results[ev.node][ev.step]
			res.OK = true
			res.SFD = ev.node.localTick(ev.trueTick)
		}

		for _, win := range windows {
			if win.node == ev.node || win.finalized || win.channel != ev.channel {
				continue
			}
			if win.node.asleep || m.drops[linkKey{ev.node.idx, win.node.idx}] {
				continue
			}

			at := ev.trueTick + propTicks(ev.node.pos, win.node.pos)
			if at < win.openTrue || at > win.closeTrue {
				continue
			}

			win.arrivals = append(win.arrivals, arrival{
				trueTick: at,
				frame:    frame,
				corrupt:  m.corrupt[linkKey{ev.node.idx, win.node.idx}],
			})

			switch len(win.arrivals) {
			case 1:
				if win.autoAck != nil && !win.arrivals[0].corrupt {
					if ack := win.autoAck(frame); ack != nil {
						win.ackEv = &txEvent{
							trueTick:  win.ackOffset,
							node:      win.node,
							step:      -1,
							frame:     ack,
							channel:   win.channel,
							replyNode: ev.node,
							replyStep: ev.step,
						}
						heap.Push(events, win.ackEv)
					}
				}
			case 2:
				// Collision: whatever ACK the first arrival triggered is
				// garbage now.
				if win.ackEv != nil {
					win.ackEv.canceled = true
				}
			}
		}

		if ev.step < 0 && ev.replyNode != nil {
			// Auto-turnaround ACK: report back to the original transmitter.
			if !m.drops[linkKey{ev.node.idx, ev.replyNode.idx}] && !ev.replyNode.asleep {
				at := ev.trueTick + propTicks(ev.node.pos, ev.replyNode.pos)
				res := &results[ev.replyNode][ev.replyStep]
				if res.OK {
					res.AckOK = true
					res.AckSFD = ev.replyNode.localTick(at)
					res.AckFrame = frame
				}
			}
		}
	}

	for _, win := range windows {
		m.finalizeWindow(win, results)
	}

	return results
}

func (m *Medium) finalizeBefore(windows []*rxWindow, results map[*SimRadio][]StepResult, r *SimRadio, trueTick int64) {
	for _, win := range windows {
		if win.node == r && !win.finalized && win.closeTrue <= trueTick {
			m.finalizeWindow(win, results)
		}
	}
}

func (m *Medium) finalizeWindow(win *rxWindow, results map[*SimRadio][]StepResult) {
	if win.finalized {
		return
	}
	win.finalized = true

	res := &results[win.node][win.step]
	switch {
	case len(win.arrivals) == 0:
		res.Err = ErrTimeout
	case len(win.arrivals) > 1 || win.arrivals[0].corrupt:
		res.Err = ErrCRC
	default:
		res.Err = nil
		res.OK = true
		res.Frame = win.arrivals[0].frame
		res.SFD = win.node.localTick(win.arrivals[0].trueTick)
	}
}
