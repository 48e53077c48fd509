package hyperspace

// Config is the hyperspace router configuration.
type Config struct {
	// LatticeEdge is the unit-cell edge R used to quantise positions into
	// routing coordinates; it matches the location engine's value.
	LatticeEdge float64 `yaml:"lattice_edge_r"`

	// MTU is the largest IPv6 packet handed to the MAC in one frame;
	// anything larger is fragmented at the IPv6 layer.
	MTU int `yaml:"mtu"`

	// FloodK is the number of times a flooded packet is retransmitted by
	// each node.
	FloodK int `yaml:"flood_k"`

	// FloodJitterSlots bounds the uniformly random inter-transmit delay of
	// flood copies, in slots.
	FloodJitterSlots int `yaml:"flood_jitter_slots"`

	// PacketCacheSize bounds the flood dedupe cache.
	PacketCacheSize int `yaml:"packet_cache_size"`
}

// DefaultConfig returns the baseline router configuration.
func DefaultConfig() *Config {
	return &Config{
		LatticeEdge:      1.0,
		MTU:              1280,
		FloodK:           3,
		FloodJitterSlots: 8,
		PacketCacheSize:  256,
	}
}
