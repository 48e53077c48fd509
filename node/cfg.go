package node

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/latticemesh/latticemesh/common/logging"
	"github.com/latticemesh/latticemesh/hyperspace"
	"github.com/latticemesh/latticemesh/location"
	"github.com/latticemesh/latticemesh/mac"
	"github.com/latticemesh/latticemesh/radio"
)

// Config is the whole-node configuration tree.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`

	// LinkAddr is the node's 64-bit link-layer address, normally derived
	// from the hardware ID.
	LinkAddr uint64 `yaml:"link_addr"`

	// Root makes this node the network's time source and lattice origin.
	Root bool `yaml:"root"`

	// Radio carries the PHY antenna-delay calibration.
	Radio *radio.Config `yaml:"radio"`

	// MAC is the TSCH MAC configuration.
	MAC *mac.Config `yaml:"mac"`

	// Location is the localisation engine configuration.
	Location *location.Config `yaml:"location"`

	// Hyperspace is the router configuration.
	Hyperspace *hyperspace.Config `yaml:"hyperspace"`

	// Bridge is the optional host bridge, meaningful on root nodes only.
	Bridge BridgeConfig `yaml:"bridge"`
}

// BridgeConfig configures the slave-SPI host bridge.
type BridgeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Device    string `yaml:"device"`
	SpeedHz   uint32 `yaml:"speed_hz"`
	ReadyGPIO int    `yaml:"ready_gpio"`
	MaxPacket int    `yaml:"max_packet"`
}

// DefaultConfig returns the baseline node configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging:    logging.DefaultConfig(),
		Radio:      radio.DefaultConfig(),
		MAC:        mac.DefaultConfig(),
		Location:   location.DefaultConfig(),
		Hyperspace: hyperspace.DefaultConfig(),
		Bridge: BridgeConfig{
			Device:    "/dev/spidev0.0",
			SpeedHz:   8_000_000,
			ReadyGPIO: 24,
			MaxPacket: 2048,
		},
	}
}

// LoadConfig loads the configuration from the given path.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	// The root flag and lattice scale fan out to the subsystems.
	cfg.Location.Root = cfg.Root
	cfg.Hyperspace.LatticeEdge = cfg.Location.LatticeEdge
	return cfg, nil
}
