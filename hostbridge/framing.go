// Package hostbridge implements the framed IPv6 tunnel between a root node
// and an external host over slave SPI.
//
// A session is two bursts. The first is a fixed 40 bytes and carries the
// packet header: an IPv6 header plus the Hop-By-Hop coordinate option is
// always at least 40 bytes, so the version nibble of byte zero (0x6)
// doubles as the valid-frame signal. The second burst is sized to the
// larger of what either side still has to move, so both directions can
// transfer simultaneously and either may be idle. Packet boundaries are
// preserved exactly: one packet per session.
package hostbridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// FirstBurstLen is the fixed size of the header burst.
const FirstBurstLen = 40

// Framing errors.
var (
	ErrPacketTooShort = errors.New("packet shorter than header burst")
	ErrPacketTooLarge = errors.New("packet exceeds bridge buffer")
)

// Transport is a full-duplex byte exchange: tx and rx are equal length and
// clocked simultaneously, SPI style.
type Transport interface {
	Transfer(tx, rx []byte) error
}

// ReadyLine is the slave-to-host data-available signal, a dedicated GPIO
// driven active high.
type ReadyLine interface {
	Set(active bool) error
}

// nopReady is used when no GPIO is wired, e.g. in tests.
type nopReady struct{}

func (nopReady) Set(bool) error { return nil }

// AnnouncedLen parses a first burst and returns the peer's total packet
// length, or zero when the peer is idle this session.
func AnnouncedLen(b []byte) int {
	if len(b) < FirstBurstLen || b[0]>>4 != 6 {
		return 0
	}
	return FirstBurstLen + int(binary.BigEndian.Uint16(b[4:6]))
}

// SecondBurstLen sizes the second burst: both directions share one clock,
// so it covers whichever side has more left to move.
func SecondBurstLen(txRemaining, rxAnnounced int) int {
	if txRemaining > rxAnnounced {
		return txRemaining
	}
	return rxAnnounced
}

// Endpoint is one side of the bridge. The framing is symmetric: the node
// runs it as the SPI slave, the host tool as the master.
type Endpoint struct {
	tr     Transport
	ready  ReadyLine
	maxPkt int
	log    *zap.SugaredLogger

	mu  sync.Mutex
	txq [][]byte
}

// NewEndpoint creates a bridge endpoint. maxPkt bounds the reassembled
// receive packet; an announcement beyond it is clamped and the excess
// drained.
func NewEndpoint(tr Transport, ready ReadyLine, maxPkt int, log *zap.SugaredLogger) *Endpoint {
	if ready == nil {
		ready = nopReady{}
	}
	return &Endpoint{tr: tr, ready: ready, maxPkt: maxPkt, log: log}
}

// Enqueue queues an IPv6 packet for the peer and raises the ready line.
func (e *Endpoint) Enqueue(pkt []byte) error {
	if len(pkt) < FirstBurstLen {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooShort, len(pkt))
	}
	if len(pkt) > e.maxPkt {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(pkt))
	}

	e.mu.Lock()
	e.txq = append(e.txq, pkt)
	e.mu.Unlock()

	return e.ready.Set(true)
}

// PendingTx returns the outbound queue depth.
func (e *Endpoint) PendingTx() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.txq)
}

// Exchange runs one two-burst session. It returns the packet received from
// the peer, or nil when the peer was idle.
func (e *Endpoint) Exchange() ([]byte, error) {
	e.mu.Lock()
	var tx []byte
	if len(e.txq) > 0 {
		tx = e.txq[0]
	}
	e.mu.Unlock()

	// Phase 1: the fixed header burst.
	tx1 := make([]byte, FirstBurstLen)
	rx1 := make([]byte, FirstBurstLen)
	copy(tx1, tx)
	if err := e.tr.Transfer(tx1, rx1); err != nil {
		return nil, fmt.Errorf("header burst failed: %w", err)
	}

	rxTotal := AnnouncedLen(rx1)
	rxRemaining := 0
	if rxTotal > 0 {
		rxRemaining = rxTotal - FirstBurstLen
	}
	txRemaining := 0
	if tx != nil {
		txRemaining = len(tx) - FirstBurstLen
	}

	// Phase 2: sized to the larger remainder; skipped when both sides fit
	// in the header burst.
	var rx2 []byte
	if n := SecondBurstLen(txRemaining, rxRemaining); n > 0 {
		tx2 := make([]byte, n)
		rx2 = make([]byte, n)
		if txRemaining > 0 {
			copy(tx2, tx[FirstBurstLen:])
		}
		if err := e.tr.Transfer(tx2, rx2); err != nil {
			return nil, fmt.Errorf("payload burst failed: %w", err)
		}
	}

	if tx != nil {
		e.mu.Lock()
		e.txq = e.txq[1:]
		empty := len(e.txq) == 0
		e.mu.Unlock()
		if empty {
			if err := e.ready.Set(false); err != nil {
				return nil, err
			}
		}
	}

	if rxTotal == 0 {
		return nil, nil
	}

	if rxTotal > e.maxPkt {
		// The announcement exceeds our buffer: keep what fits, drain the
		// rest of the burst on the floor.
		e.log.Warnw("clamping oversized bridge packet",
			zap.Int("announced", rxTotal), zap.Int("max", e.maxPkt))
		rxTotal = e.maxPkt
	}

	pkt := make([]byte, 0, rxTotal)
	pkt = append(pkt, rx1...)
	if need := rxTotal - FirstBurstLen; need > 0 && rx2 != nil {
		if need > len(rx2) {
			need = len(rx2)
		}
		pkt = append(pkt, rx2[:need]...)
	}
	return pkt, nil
}
