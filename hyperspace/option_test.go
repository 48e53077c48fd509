package hyperspace

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticemesh/latticemesh/geom"
	"github.com/latticemesh/latticemesh/mac"
)

// meshIP builds the mesh-local IPv6 address for a link-layer address.
func meshIP(addr mac.Addr) net.IP {
	ip := make(net.IP, 16)
	ip[0], ip[1] = 0xfd, 0x00
	iid := addr.InterfaceID()
	copy(ip[8:], iid[:])
	return ip
}

// buildPacket serialises a minimal IPv6 packet between two mesh nodes.
func buildPacket(t *testing.T, src, dst mac.Addr, payload []byte) []byte {
	t.Helper()

	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolNoNextHeader,
		SrcIP:      meshIP(src),
		DstIP:      meshIP(dst),
	}

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		ip, gopacket.Payload(payload))
	require.NoError(t, err)
	return buf.Bytes()
}

func TestInsertAndFindOption(t *testing.T) {
	pkt := buildPacket(t, 0xA0, 0xB0, []byte("payload"))

	opt := &HopOption{
		SrcCoordSeq: 3,
		DstCoordSeq: 7,
		PacketID:    0xBEEF,
		Src:         geom.Coord{R: 2.634, Theta: 1.0472},
		Dst:         geom.Coord{R: 5.268, Theta: 0},
	}

	stamped, err := InsertOption(pkt, opt)
	require.NoError(t, err)
	assert.Len(t, stamped, len(pkt)+32)

	got, dataOff, err := FindOption(stamped)
	require.NoError(t, err)
	assert.Equal(t, opt.SrcCoordSeq, got.SrcCoordSeq)
	assert.Equal(t, opt.DstCoordSeq, got.DstCoordSeq)
	assert.Equal(t, opt.PacketID, got.PacketID)
	assert.InDelta(t, opt.Src.R, got.Src.R, 1e-6)
	assert.InDelta(t, opt.Dst.Theta, got.Dst.Theta, 1e-6)

	// In-place rewrite.
	got.DstCoordSeq = 8
	UpdateOption(stamped, dataOff, &got)
	again, _, err := FindOption(stamped)
	require.NoError(t, err)
	assert.Equal(t, uint8(8), again.DstCoordSeq)
}

func TestInsertedOptionParsesAsHopByHop(t *testing.T) {
	pkt := buildPacket(t, 0xA0, 0xB0, nil)
	stamped, err := InsertOption(pkt, &HopOption{PacketID: 1})
	require.NoError(t, err)

	parsed := gopacket.NewPacket(stamped, layers.LayerTypeIPv6, gopacket.Default)
	require.Nil(t, parsed.ErrorLayer(), "stamped packet must stay standards-parseable")

	hbh := parsed.Layer(layers.LayerTypeIPv6HopByHop)
	require.NotNil(t, hbh, "hop-by-hop header expected")
}

func TestNaNCoordSurvivesWire(t *testing.T) {
	pkt := buildPacket(t, 0xA0, 0xB0, nil)
	stamped, err := InsertOption(pkt, &HopOption{Dst: geom.NaNCoord()})
	require.NoError(t, err)

	got, _, err := FindOption(stamped)
	require.NoError(t, err)
	assert.True(t, got.Dst.IsNaN())
	assert.False(t, got.Src.IsNaN())
}

func TestFindOptionErrors(t *testing.T) {
	_, _, err := FindOption([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortPacket)

	pkt := buildPacket(t, 1, 2, nil)
	_, _, err = FindOption(pkt)
	assert.ErrorIs(t, err, ErrNoOption)

	notV6 := make([]byte, 40)
	notV6[0] = 0x45
	_, _, err = FindOption(notV6)
	assert.ErrorIs(t, err, ErrNotIPv6)
}

func TestLinkAddrOf(t *testing.T) {
	addr := mac.Addr(0x0102030405060708)
	var ip [16]byte
	copy(ip[:], meshIP(addr))
	assert.Equal(t, addr, LinkAddrOf(ip))
}
