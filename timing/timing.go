// Package timing implements the slot timing engine: the radio tick
// timebase, the slot origin bookkeeping and the resynchronisation that keeps
// a node's slot boundaries aligned to the network.
package timing

import (
	"sync"

	"go.uber.org/zap"
)

// Tick is a radio timestamp in units of 1/(499.2 MHz × 128) ≈ 15.65 ps.
type Tick uint64

const (
	// TickHz is the radio timestamp rate.
	TickHz = 499_200_000 * 128

	// TickSeconds is the duration of one tick in seconds.
	TickSeconds = 1.0 / float64(TickHz)

	// SpeedOfLight in metres per second.
	SpeedOfLight = 299_792_458.0

	// MetersPerTick is the distance resolution of a single tick,
	// about 4.69 mm.
	MetersPerTick = SpeedOfLight * TickSeconds
)

// TicksPerMicros converts a microsecond duration to ticks. The tick rate is
// an exact multiple of 100 kHz, so the conversion is exact whenever the
// duration is a multiple of 10 µs; odd microsecond counts truncate by less
// than one tick.
func TicksPerMicros(us uint64) Tick {
	return Tick(us * (TickHz / 100_000) / 10)
}

// Meters converts a signed tick count to a distance in metres.
func Meters(ticks int64) float64 {
	return float64(ticks) * MetersPerTick
}

// Engine tracks the local slot origin and the absolute slot number.
//
// The engine never waits: a driver (the node's real-time loop or the
// lockstep simulator) advances it once per slot boundary and feeds it SFD
// captures for resynchronisation.
type Engine struct {
	mu sync.Mutex

	slotTicks Tick
	origin    Tick
	asn       uint64
	started   bool

	log *zap.SugaredLogger
}

// NewEngine creates a slot timing engine with the given slot duration.
func NewEngine(slotDurationUs uint64, log *zap.SugaredLogger) *Engine {
	return &Engine{
		slotTicks: TicksPerMicros(slotDurationUs),
		log:       log,
	}
}

// SlotTicks returns the slot duration in ticks.
func (m *Engine) SlotTicks() Tick {
	return m.slotTicks
}

// Start latches the slot origin and ASN of the first slot. It is called once
// on network formation; a later Start replaces the previous epoch entirely.
func (m *Engine) Start(epoch Tick, asn uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.origin = epoch
	m.asn = asn
	m.started = true
}

// Started reports whether the engine has latched an epoch.
func (m *Engine) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.started
}

// ASN returns the current absolute slot number.
func (m *Engine) ASN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.asn
}

// Origin returns the tick of the current slot's start.
func (m *Engine) Origin() Tick {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.origin
}

// OffsetTick returns the absolute tick of the given offset inside the
// current slot.
func (m *Engine) OffsetTick(offset Tick) Tick {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.origin + offset
}

// AdvanceSlot moves the origin to the next slot boundary and increments the
// ASN. It returns the new ASN.
func (m *Engine) AdvanceSlot() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.origin += m.slotTicks
	m.asn++
	return m.asn
}

// Resync shifts the slot origin so that a frame whose SFD was captured at
// sfd aligns to the expected offset inside the current slot. It returns the
// signed correction in ticks (positive when the local origin was early, so
// the origin moves later).
//
// The ASN is never changed by a resync: a correction that moves the origin
// backwards still belongs to the same slot.
func (m *Engine) Resync(sfd Tick, expectedOffset Tick) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	newOrigin := sfd - expectedOffset
	drift := int64(newOrigin) - int64(m.origin)
	m.origin = newOrigin

	if m.log != nil && drift != 0 {
		m.log.Debugw("slot resync", zap.Uint64("asn", m.asn), zap.Int64("drift_ticks", drift))
	}

	return drift
}
