package node

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/latticemesh/latticemesh/geom"
	"github.com/latticemesh/latticemesh/mac"
	"github.com/latticemesh/latticemesh/radio"
)

func meshPacket(t *testing.T, src, dst mac.Addr, payload []byte) []byte {
	t.Helper()

	ip := func(a mac.Addr) net.IP {
		out := make(net.IP, 16)
		out[0], out[1] = 0xfd, 0x00
		iid := a.InterfaceID()
		copy(out[8:], iid[:])
		return out
	}

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolNoNextHeader,
			SrcIP:      ip(src),
			DstIP:      ip(dst),
		},
		gopacket.Payload(payload))
	require.NoError(t, err)
	return buf.Bytes()
}

func newTestNode(t *testing.T, m *radio.Medium, addr uint64, pos geom.Vec3, root bool) (*Node, *radio.SimRadio) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.LinkAddr = addr
	cfg.Root = root
	cfg.Location.Root = root

	r := m.Attach(pos, 0)
	n, err := New(cfg, r, zap.NewNop().Sugar())
	require.NoError(t, err)
	return n, r
}

func TestNewValidatesAddr(t *testing.T) {
	cfg := DefaultConfig()
	_, err := New(cfg, nil, zap.NewNop().Sugar())
	require.Error(t, err)
}

func TestUpwardAPISnapshots(t *testing.T) {
	m := radio.NewMedium(nil)
	n, _ := newTestNode(t, m, 0xA0, geom.Vec3{}, true)

	x, y, z, _, ok := n.Position()
	require.True(t, ok)
	assert.Equal(t, [3]float64{0, 0, 0}, [3]float64{x, y, z})

	idx, ok := n.BeaconIndex()
	require.True(t, ok)
	assert.Equal(t, uint8(0), idx)

	r, theta, _ := n.RoutingCoord()
	assert.Equal(t, 0.0, r)
	assert.Equal(t, 0.0, theta)

	assert.Equal(t, mac.StateJoined, n.State())
	assert.Equal(t, mac.Addr(0xA0), n.Addr())

	n.AllowBeaconing(false)
	_, ok = n.BeaconIndex()
	assert.False(t, ok)
}

func TestTwoNodesJoinAndDeliver(t *testing.T) {
	if testing.Short() {
		t.Skip("lockstep integration test")
	}

	m := radio.NewMedium(nil)
	root, _ := newTestNode(t, m, 0xA0, geom.Vec3{}, true)
	joiner, _ := newTestNode(t, m, 0xB0, geom.Vec3{X: 5}, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- root.Run(ctx) }()
	go func() { errs <- joiner.Run(ctx) }()

	// Two advertisement periods take the joiner through scan, sync and
	// join.
	for slot := 0; slot < 100; slot++ {
		m.StepSlot(2)
	}
	require.Equal(t, mac.StateJoined, joiner.State())

	// With no routing coordinate for the root, the packet floods and is
	// delivered upward there.
	pkt := meshPacket(t, 0xB0, 0xA0, []byte("over the mesh"))
	require.NoError(t, joiner.Send(pkt))

	var got []byte
	for slot := 0; slot < 250 && got == nil; slot++ {
		m.StepSlot(2)
		select {
		case got = <-root.Recv():
		default:
		}
	}

	require.NotNil(t, got, "flooded packet should reach the root")
	assert.Equal(t, []byte("over the mesh"), got[len(got)-13:])

	cancel()
	timeout := time.After(5 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-errs:
		case <-timeout:
			t.Fatal("nodes did not stop")
		}
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/node.yaml"
	doc := []byte(`
link_addr: 42
root: true
logging:
  level: debug
mac:
  ssid: testnet
  slotframe_length: 40
location:
  lattice_edge_r: 2.5
`)
	require.NoError(t, os.WriteFile(path, doc, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cfg.LinkAddr)
	assert.True(t, cfg.Root)
	assert.True(t, cfg.Location.Root, "root flag fans out to the location engine")
	assert.Equal(t, "testnet", cfg.MAC.SSID)
	assert.Equal(t, 2.5, cfg.Location.LatticeEdge)
	assert.Equal(t, 2.5, cfg.Hyperspace.LatticeEdge, "lattice edge fans out to the router")

	// Unspecified fields keep their defaults.
	assert.Equal(t, uint64(2500), cfg.MAC.SlotDurationUs)

	_, err = LoadConfig(dir + "/missing.yaml")
	require.Error(t, err)
}
