// Package capturetest builds raw IP packets for tests.
package capturetest

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Spec describes one packet to build.
type Spec struct {
	Src, Dst        string // "ip:port"
	TCP             bool
	PayloadLen      int
	PayloadFillByte byte
}

// Build serializes an IPv4 or IPv6 TCP/UDP packet. It panics on bad
// input since it only serves tests.
func Build(s Spec) []byte {
	src := netip.MustParseAddrPort(s.Src)
	dst := netip.MustParseAddrPort(s.Dst)

	payload := make([]byte, s.PayloadLen)
	for i := range payload {
		payload[i] = s.PayloadFillByte
	}

	var network gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer
	proto := layers.IPProtocolUDP
	if s.TCP {
		proto = layers.IPProtocolTCP
	}

	if src.Addr().Is4() {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: proto,
			SrcIP:    net.IP(src.Addr().AsSlice()),
			DstIP:    net.IP(dst.Addr().AsSlice()),
		}
		network, ipLayer = ip, ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: proto,
			SrcIP:      net.IP(src.Addr().AsSlice()),
			DstIP:      net.IP(dst.Addr().AsSlice()),
		}
		network, ipLayer = ip, ip
	}

	var transport gopacket.SerializableLayer
	if s.TCP {
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(src.Port()),
			DstPort: layers.TCPPort(dst.Port()),
			ACK:     true,
			Window:  65535,
		}
		_ = tcp.SetNetworkLayerForChecksum(network)
		transport = tcp
	} else {
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(src.Port()),
			DstPort: layers.UDPPort(dst.Port()),
		}
		_ = udp.SetNetworkLayerForChecksum(network)
		transport = udp
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ipLayer, transport, gopacket.Payload(payload)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// UDP builds a UDP packet of exactly size bytes (IPv4 header included)
// when size is at least 28.
func UDP(src, dst string, size int) []byte {
	n := size - 28
	if netip.MustParseAddrPort(src).Addr().Is6() {
		n = size - 48
	}
	if n < 0 {
		n = 0
	}
	return Build(Spec{Src: src, Dst: dst, PayloadLen: n})
}
