// Package radio abstracts the UWB transceiver: queued transmissions with a
// programmable SFD time, receive windows with hardware SFD capture, ACK
// auto-turnaround and channel switching.
//
// All ticks crossing this boundary are air times: implementations add the
// transmit antenna delay and subtract the receive antenna delay so that
// higher layers never see internal register captures.
package radio

import (
	"context"
	"errors"

	"github.com/latticemesh/latticemesh/timing"
)

var (
	// ErrTimeout is returned when no SFD arrived inside a receive window or
	// no ACK inside the ACK window.
	ErrTimeout = errors.New("radio timeout")
	// ErrCRC is returned when a frame was received with a bad checksum,
	// including the case of two transmissions colliding in one window.
	ErrCRC = errors.New("radio crc error")
)

// TxResult reports a completed transmission.
type TxResult struct {
	// SFD is the tick at which the frame's SFD left the antenna.
	SFD timing.Tick
	// AckOK is set when an expected ACK was received.
	AckOK bool
	// AckSFD is the arrival tick of the ACK's SFD.
	AckSFD timing.Tick
	// AckFrame is the raw ACK frame.
	AckFrame []byte
}

// RxResult reports a completed reception.
type RxResult struct {
	// Frame is the raw received frame, including its trailing 2-byte FCS.
	Frame []byte
	// SFD is the arrival tick of the frame's SFD.
	SFD timing.Tick
}

// Driver is the thin blocking abstraction over the UWB hardware.
type Driver interface {
	// TxAt schedules a frame whose SFD leaves the antenna at the given
	// tick. With ackExpected it also waits for the ACK turnaround.
	TxAt(ctx context.Context, tick timing.Tick, frame []byte, ackExpected bool) (TxResult, error)
	// RxWindow listens from open for at most timeout ticks.
	RxWindow(ctx context.Context, open timing.Tick, timeout timing.Tick) (RxResult, error)
	// SetChannel switches the PHY channel.
	SetChannel(ch uint8) error
	// Sleep powers the radio down until Wake.
	Sleep()
	// Wake powers the radio back up.
	Wake()
}

// StepKind discriminates the two kinds of slot steps.
type StepKind uint8

const (
	// StepTx transmits a frame at a fixed offset inside the slot.
	StepTx StepKind = iota
	// StepRx opens a receive window at a fixed offset inside the slot.
	StepRx
)

// SlotStep is one timed radio operation inside a slot. The MAC plans a slot
// as a step sequence and a driver executes it, which keeps the per-slot
// state machine deterministic and testable without a timer.
type SlotStep struct {
	Kind StepKind

	// Offset of the operation inside the slot: the SFD tick for StepTx, the
	// window-open tick for StepRx.
	Offset timing.Tick

	// Frame is the transmit payload.
	Frame []byte

	// Build, when set, assembles the transmit payload at execution time
	// from the results of the node's earlier steps in the same slot. The
	// location engine uses this to fold measured reception timestamps into
	// a frame transmitted later in the very same slot.
	Build func(prior []StepResult) []byte

	// AckExpected makes a StepTx wait for the ACK turnaround.
	AckExpected bool

	// Timeout is the StepRx window length in ticks.
	Timeout timing.Tick

	// AutoAck, when set on a StepRx, is invoked with a received frame and
	// returns the ACK to transmit at AckOffset, or nil for no ACK.
	AutoAck func(frame []byte) []byte

	// AckOffset is the in-slot SFD tick of the auto-turnaround ACK.
	AckOffset timing.Tick
}

// StepResult is the outcome of one SlotStep.
type StepResult struct {
	Kind StepKind

	// OK is set when the step produced a frame (StepRx) or completed
	// transmission (StepTx).
	OK bool

	// Err is ErrTimeout or ErrCRC for a failed StepRx.
	Err error

	// Frame is the received frame for a successful StepRx.
	Frame []byte

	// SFD is the air-time tick of the frame's SFD: departure for StepTx,
	// arrival for StepRx, in the node's local timebase.
	SFD timing.Tick

	// AckOK, AckSFD and AckFrame report the ACK turnaround of a StepTx
	// with AckExpected.
	AckOK    bool
	AckSFD   timing.Tick
	AckFrame []byte
}

// Plan is a full slot schedule handed to an executor.
type Plan struct {
	// Origin is the slot start in the node's local timebase.
	Origin timing.Tick
	// Channel is the PHY channel for the whole slot.
	Channel uint8
	// Steps are executed in offset order.
	Steps []SlotStep
}

// SlotExecutor runs one slot's worth of radio operations.
type SlotExecutor interface {
	ExecuteSlot(ctx context.Context, plan Plan) ([]StepResult, error)
	Sleep()
	Wake()
}
