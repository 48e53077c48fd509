// Package node assembles the firmware core: slot timing, TSCH MAC,
// location engine, hyperspace router and the optional host bridge, glued by
// one slot-paced run loop and exposed through the upward API.
package node

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/latticemesh/latticemesh/common/logging"
	"github.com/latticemesh/latticemesh/hostbridge"
	"github.com/latticemesh/latticemesh/hyperspace"
	"github.com/latticemesh/latticemesh/location"
	"github.com/latticemesh/latticemesh/mac"
	"github.com/latticemesh/latticemesh/radio"
	"github.com/latticemesh/latticemesh/timing"
)

// Node is one mesh node.
type Node struct {
	cfg *Config
	log *zap.SugaredLogger

	engine   *timing.Engine
	mac      *mac.Mac
	loc      *location.Engine
	router   *hyperspace.Router
	executor radio.SlotExecutor
	bridge   *hostbridge.Endpoint

	recv chan []byte
}

// New wires a node together around the given slot executor (hardware driver
// or simulated radio).
func New(cfg *Config, executor radio.SlotExecutor, log *zap.SugaredLogger) (*Node, error) {
	addr := mac.Addr(cfg.LinkAddr)
	if addr == 0 {
		return nil, fmt.Errorf("link_addr must be set")
	}

	engine := timing.NewEngine(cfg.MAC.SlotDurationUs, logging.Component(log, "timing"))
	neighbors := mac.NewNeighborTable(logging.Component(log, "neighbors"))

	schedule, err := mac.BaselineSchedule(cfg.MAC)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(int64(addr) ^ time.Now().UnixNano()))
	m, err := mac.New(cfg.MAC, addr, engine, schedule, neighbors, rng, logging.Component(log, "mac"))
	if err != nil {
		return nil, err
	}

	loc := location.NewEngine(cfg.Location, addr, neighbors,
		cfg.MAC.SlotframeLength, cfg.MAC.SlotDurationUs, rng.Float64,
		logging.Component(log, "location"))

	n := &Node{
		cfg:      cfg,
		log:      log,
		engine:   engine,
		mac:      m,
		loc:      loc,
		executor: executor,
		recv:     make(chan []byte, 32),
	}

	n.router = hyperspace.NewRouter(cfg.Hyperspace, addr, neighbors, rng,
		n.enqueueFrame, n.deliver, logging.Component(log, "hyperspace"))

	m.SetLocationPlanner(loc)
	m.SetBeaconIndexFunc(loc.BeaconIndex)
	m.OnFrame(n.onFrame)
	m.OnTxResult(n.onTxResult)

	loc.OnUpdate(func(u location.Update) {
		if !u.Lost {
			n.router.SetSelfCoord(u.Coord, u.CoordSeq)
		}
		log.Debugw("location update",
			zap.Stringer("position", u.Position),
			zap.Stringer("coord", u.Coord),
			zap.Int8("beacon_index", u.BeaconIndex),
			zap.Bool("lost", u.Lost),
		)
	})

	if cfg.Bridge.Enabled {
		tr, err := hostbridge.OpenSpidev(cfg.Bridge.Device, cfg.Bridge.SpeedHz)
		if err != nil {
			return nil, fmt.Errorf("failed to open host bridge: %w", err)
		}
		ready := hostbridge.NewSysfsReadyLine(cfg.Bridge.ReadyGPIO)
		n.bridge = hostbridge.NewEndpoint(tr, ready, cfg.Bridge.MaxPacket, logging.Component(log, "bridge"))
	}

	if cfg.Root {
		m.StartAsRoot()
	}
	return n, nil
}

// enqueueFrame stamps a sequence number and hands a frame to the MAC queue.
func (n *Node) enqueueFrame(f *mac.Frame) error {
	f.Seq = n.mac.NextSeq()
	return n.mac.Enqueue(f)
}

// onFrame receives MAC data frames and feeds IPv6 payloads to the router.
func (n *Node) onFrame(f *mac.Frame, _ mac.RxInfo) {
	if len(f.Payload) == 0 || f.Payload[0]>>4 != 6 {
		return
	}
	if err := n.router.Receive(f.Payload); err != nil {
		n.log.Debugw("packet dropped", zap.Error(err))
	}
}

func (n *Node) onTxResult(f *mac.Frame, err error) {
	if err != nil {
		n.log.Debugw("transmit failed", zap.Stringer("dst", f.Dst), zap.Error(err))
	}
}

// deliver hands a packet up the stack: the local receive queue, plus the
// host bridge on root nodes.
func (n *Node) deliver(pkt []byte) {
	if n.bridge != nil {
		if err := n.bridge.Enqueue(pkt); err != nil {
			n.log.Warnw("bridge enqueue failed", zap.Error(err))
		}
	}

	select {
	case n.recv <- pkt:
	default:
		n.log.Warnw("receive queue full, dropping packet")
	}
}

// Run executes the node until the context is cancelled.
func (n *Node) Run(ctx context.Context) error {
	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.slotLoop(ctx)
	})
	if n.bridge != nil {
		wg.Go(func() error {
			return n.bridgeLoop(ctx)
		})
	}

	return wg.Wait()
}

// slotLoop is the node's heartbeat: plan, execute, digest, advance, once
// per slot. The executor owns the in-slot timing; the loop never suspends
// inside a slot.
func (n *Node) slotLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		asn := n.engine.ASN()
		plan := n.mac.PlanSlot(asn)

		results, err := n.executor.ExecuteSlot(ctx, plan)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("slot %d failed: %w", asn, err)
		}

		n.mac.FinishSlot(asn, results)
		n.router.OnSlot(asn)
		n.engine.AdvanceSlot()
	}
}

// bridgeLoop pumps the host bridge: it runs one session per millisecond
// tick, whether or not either side has data.
func (n *Node) bridgeLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pkt, err := n.bridge.Exchange()
		if err != nil {
			n.log.Warnw("bridge exchange failed", zap.Error(err))
			continue
		}
		if pkt != nil {
			if err := n.router.Send(pkt); err != nil {
				n.log.Debugw("bridge packet dropped", zap.Error(err))
			}
		}
	}
}

// Send originates an IPv6 packet into the mesh.
func (n *Node) Send(pkt []byte) error {
	return n.router.Send(pkt)
}

// Recv returns the upward delivery channel.
func (n *Node) Recv() <-chan []byte {
	return n.recv
}

// Position returns the node's position snapshot.
func (n *Node) Position() (x, y, z float64, seq uint8, ok bool) {
	pos, seq, ok := n.loc.Position()
	return pos.X, pos.Y, pos.Z, seq, ok
}

// RoutingCoord returns the node's routing coordinate snapshot.
func (n *Node) RoutingCoord() (r, theta float64, seq uint8) {
	c, seq := n.loc.RoutingCoord()
	return c.R, c.Theta, seq
}

// BeaconIndex returns the node's beacon role, or nothing.
func (n *Node) BeaconIndex() (uint8, bool) {
	idx := n.loc.BeaconIndex()
	if idx == location.NoBeacon {
		return 0, false
	}
	return uint8(idx), true
}

// AllowBeaconing toggles the administrative beaconing flag.
func (n *Node) AllowBeaconing(allow bool) {
	n.loc.SetAllowBeaconing(allow)
}

// State returns the MAC formation state.
func (n *Node) State() mac.State {
	return n.mac.State()
}

// Addr returns the node's link-layer address.
func (n *Node) Addr() mac.Addr {
	return n.mac.Addr()
}
