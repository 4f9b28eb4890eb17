// Package capture defines intercepted packets and the handles that
// deliver and reinject them.
package capture

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// FiveTuple identifies a flow. It is comparable and used as a map key.
// The zero value means "not parseable" and always passes through.
type FiveTuple struct {
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   layers.IPProtocol
}

// Valid reports whether the tuple came from a TCP or UDP packet.
func (t FiveTuple) Valid() bool {
	return t.Src.IsValid() && (t.Proto == layers.IPProtocolTCP || t.Proto == layers.IPProtocolUDP)
}

func (t FiveTuple) String() string {
	if !t.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("%s %s -> %s",
		t.Proto, netip.AddrPortFrom(t.Src, t.SrcPort), netip.AddrPortFrom(t.Dst, t.DstPort))
}

// Packet is one intercepted datagram. Raw is forwarded unmodified; Tag
// carries whatever the backend needs to reinject it.
type Packet struct {
	Raw      []byte
	Captured time.Time
	Flow     FiveTuple
	Tag      any
}

// Len returns the on-wire size used for rate accounting.
func (p *Packet) Len() int { return len(p.Raw) }

// NewPacket parses raw and stamps it with the capture time.
func NewPacket(raw []byte, captured time.Time, tag any) *Packet {
	return &Packet{
		Raw:      raw,
		Captured: captured,
		Flow:     ParseFlow(raw),
		Tag:      tag,
	}
}

// flowParser decodes raw IP packets without allocating per packet.
type flowParser struct {
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload

	v4      *gopacket.DecodingLayerParser
	v6      *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newFlowParser() *flowParser {
	p := &flowParser{decoded: make([]gopacket.LayerType, 0, 4)}
	p.v4 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &p.ip4, &p.tcp, &p.udp, &p.payload)
	p.v6 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6, &p.ip6, &p.tcp, &p.udp, &p.payload)
	p.v4.IgnoreUnsupported = true
	p.v6.IgnoreUnsupported = true
	return p
}

var parserPool = sync.Pool{
	New: func() any { return newFlowParser() },
}

// ParseFlow extracts the 5-tuple of a raw IPv4/IPv6 packet. Non-IP,
// truncated or non-TCP/UDP packets yield the zero tuple.
func ParseFlow(raw []byte) FiveTuple {
	if len(raw) == 0 {
		return FiveTuple{}
	}
	p := parserPool.Get().(*flowParser)
	defer parserPool.Put(p)
	return p.parse(raw)
}

func (p *flowParser) parse(raw []byte) FiveTuple {
	var dlp *gopacket.DecodingLayerParser
	switch raw[0] >> 4 {
	case 4:
		dlp = p.v4
	case 6:
		dlp = p.v6
	default:
		return FiveTuple{}
	}

	p.decoded = p.decoded[:0]
	if err := dlp.DecodeLayers(raw, &p.decoded); err != nil {
		return FiveTuple{}
	}

	var t FiveTuple
	for _, lt := range p.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			t.Src, _ = netip.AddrFromSlice(p.ip4.SrcIP.To4())
			t.Dst, _ = netip.AddrFromSlice(p.ip4.DstIP.To4())
		case layers.LayerTypeIPv6:
			t.Src, _ = netip.AddrFromSlice(p.ip6.SrcIP)
			t.Dst, _ = netip.AddrFromSlice(p.ip6.DstIP)
		case layers.LayerTypeTCP:
			t.Proto = layers.IPProtocolTCP
			t.SrcPort = uint16(p.tcp.SrcPort)
			t.DstPort = uint16(p.tcp.DstPort)
		case layers.LayerTypeUDP:
			t.Proto = layers.IPProtocolUDP
			t.SrcPort = uint16(p.udp.SrcPort)
			t.DstPort = uint16(p.udp.DstPort)
		}
	}
	if !t.Valid() {
		return FiveTuple{}
	}
	return t
}
