package radio

import "github.com/latticemesh/latticemesh/timing"

// Config carries the PHY calibration constants.
type Config struct {
	// TxAntennaDelay is added to transmit timestamps so a reported SFD tick
	// is the moment the symbol left the antenna, not the internal register
	// capture.
	TxAntennaDelay timing.Tick `yaml:"tx_antenna_delay"`

	// RxAntennaDelay is subtracted from receive timestamps for the same
	// reason. The two delays are calibrated independently.
	RxAntennaDelay timing.Tick `yaml:"rx_antenna_delay"`
}

// DefaultConfig returns zero calibration, appropriate for the simulated
// medium which reports air times directly.
func DefaultConfig() *Config {
	return &Config{}
}
