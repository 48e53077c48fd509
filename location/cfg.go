package location

// Config is the location engine configuration.
type Config struct {
	// LatticeEdge is the unit-cell edge length R of the beacon lattice, in
	// metres. A deployment-scale constant.
	LatticeEdge float64 `yaml:"lattice_edge_r"`

	// Root pins this node to beacon index 0 at the origin, seeding the
	// lattice.
	Root bool `yaml:"root"`

	// AllowBeaconing permits the node to claim beacon roles. Leaf nodes
	// clear it and stay passive listeners.
	AllowBeaconing bool `yaml:"allow_beaconing"`

	// Hysteresis is the relative margin by which a challenger must be
	// closer to a lattice point before it may take over the beacon role.
	Hysteresis float64 `yaml:"hysteresis"`

	// BackoffCount is the number of location cycles a beacon stays silent
	// after a sub-offset conflict.
	BackoffCount int `yaml:"backoff_count"`

	// Spring relaxation parameters.
	Ks       float64 `yaml:"ks"`
	Kg       float64 `yaml:"kg"`
	DampingB float64 `yaml:"damping_b"`
	Mass     float64 `yaml:"mass"`
	SimDt    float64 `yaml:"sim_dt"`

	// SubTxOffsetUs is the SFD offset of a transmission inside its
	// sub-offset slice, in microseconds.
	SubTxOffsetUs uint64 `yaml:"sub_tx_offset_us"`

	// GuardUs is the receive-window half-width around an expected
	// sub-offset SFD.
	GuardUs uint64 `yaml:"guard_us"`

	// ClaimDelayPerMeter scales the beacon-claim delay: the farther a node
	// sits from the lattice point, the longer it waits, so nearer
	// candidates always preempt it.
	ClaimDelayPerMeter float64 `yaml:"claim_delay_per_meter"`
}

// DefaultConfig returns the baseline location configuration.
func DefaultConfig() *Config {
	return &Config{
		LatticeEdge:        1.0,
		AllowBeaconing:     true,
		Hysteresis:         0.25,
		BackoffCount:       2,
		Ks:                 1.0,
		Kg:                 0.2,
		DampingB:           2.0,
		Mass:               1.0,
		SimDt:              0.01,
		SubTxOffsetUs:      40,
		GuardUs:            30,
		ClaimDelayPerMeter: 4,
	}
}
