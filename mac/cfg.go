package mac

import (
	"github.com/c2h5oh/datasize"
)

// Config is the TSCH MAC configuration.
type Config struct {
	// SSID is the network identifier carried in advertisements.
	SSID string `yaml:"ssid"`

	// SlotDurationUs is the slot length in microseconds.
	SlotDurationUs uint64 `yaml:"slot_duration_us"`

	// SlotframeLength is the shared length of both baseline slotframes, in
	// slots.
	SlotframeLength uint16 `yaml:"slotframe_length"`

	// Channels is the hopping sequence.
	Channels []uint8 `yaml:"channels"`

	// TxOffsetUs is the in-slot offset of a data frame's SFD.
	TxOffsetUs uint64 `yaml:"tx_offset_us"`

	// AckOffsetUs is the fixed in-slot offset of the ACK SFD, independent
	// of the data length.
	AckOffsetUs uint64 `yaml:"ack_offset_us"`

	// GuardUs is the half-width of a receive window: RX opens this many
	// microseconds before the nominal SFD and closes the same amount after.
	GuardUs uint64 `yaml:"guard_us"`

	// QueueFrames bounds the outbound queue by frame count.
	QueueFrames int `yaml:"queue_frames"`

	// QueueBudget bounds the outbound queue by total frame bytes.
	QueueBudget datasize.ByteSize `yaml:"queue_budget"`

	// BackoffWMin and BackoffWMax bound the shared-slot binary exponential
	// backoff window.
	BackoffWMin int `yaml:"backoff_w_min"`
	BackoffWMax int `yaml:"backoff_w_max"`

	// MaxRetries is the per-frame hard retry cap on shared slots.
	MaxRetries int `yaml:"max_retries"`

	// SyncLossK is the number of consecutive missed advertisements after
	// which the node falls back to scanning.
	SyncLossK int `yaml:"sync_loss_k"`

	// JoinAdverts is the number of matching advertisements heard in the
	// Synchronised state before the node considers itself joined.
	JoinAdverts int `yaml:"join_adverts"`

	// NeighborTimeoutASN expires neighbour records that stayed silent for
	// this many slots.
	NeighborTimeoutASN uint64 `yaml:"neighbor_timeout_asn"`

	// MaxFrameLen is the PHY frame budget in bytes. The baseline PHY caps
	// at 127; extended frame lengths are permitted by configuration.
	MaxFrameLen int `yaml:"max_frame_len"`
}

// DefaultConfig returns the baseline MAC configuration.
func DefaultConfig() *Config {
	return &Config{
		SSID:               "latticemesh",
		SlotDurationUs:     2500,
		SlotframeLength:    40,
		Channels:           []uint8{1, 2, 3, 5, 7},
		TxOffsetUs:         300,
		AckOffsetUs:        1700,
		GuardUs:            50,
		QueueFrames:        32,
		QueueBudget:        16 * datasize.KB,
		BackoffWMin:        1,
		BackoffWMax:        16,
		MaxRetries:         8,
		SyncLossK:          8,
		JoinAdverts:        2,
		NeighborTimeoutASN: 4000,
		MaxFrameLen:        127,
	}
}
