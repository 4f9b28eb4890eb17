package capture

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PcapReader reads packets from a pcap stream and returns them as raw IP
// packets stamped with their capture time.
type PcapReader struct {
	r        *pcapgo.Reader
	closer   io.Closer
	linkType layers.LinkType
}

// NewPcapReader wraps r. If r is an io.Closer, Close closes it.
func NewPcapReader(r io.Reader) (*PcapReader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("pcap: read header: %w", err)
	}
	lt := pr.LinkType()
	switch lt {
	case layers.LinkTypeEthernet, layers.LinkTypeRaw, layers.LinkTypeIPv4,
		layers.LinkTypeIPv6, layers.LinkTypeNull, layers.LinkTypeLoop:
	default:
		return nil, fmt.Errorf("pcap: unsupported link type %s", lt)
	}
	c, _ := r.(io.Closer)
	return &PcapReader{r: pr, closer: c, linkType: lt}, nil
}

// Recv returns the next IP packet, skipping frames that carry none.
// Returns io.EOF at the end of the stream.
func (p *PcapReader) Recv(ctx context.Context) (*Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, ci, err := p.r.ReadPacketData()
		if err != nil {
			return nil, err
		}
		raw := p.ipPayload(data)
		if raw == nil {
			continue
		}
		return NewPacket(raw, ci.Timestamp, nil), nil
	}
}

func (p *PcapReader) ipPayload(data []byte) []byte {
	switch p.linkType {
	case layers.LinkTypeEthernet:
		var eth layers.Ethernet
		if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil
		}
		switch eth.EthernetType {
		case layers.EthernetTypeIPv4, layers.EthernetTypeIPv6:
			return eth.Payload
		case layers.EthernetTypeDot1Q:
			var vlan layers.Dot1Q
			if err := vlan.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
				return nil
			}
			if vlan.Type == layers.EthernetTypeIPv4 || vlan.Type == layers.EthernetTypeIPv6 {
				return vlan.Payload
			}
		}
		return nil
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		if len(data) <= 4 {
			return nil
		}
		return data[4:]
	default:
		return data
	}
}

// Close closes the underlying reader if it is closable.
func (p *PcapReader) Close() error {
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

// PcapWriter writes raw IP packets to a pcap stream.
type PcapWriter struct {
	w      *pcapgo.Writer
	closer io.Closer
}

// NewPcapWriter writes the file header for raw IP link type.
func NewPcapWriter(w io.Writer) (*PcapWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}
	c, _ := w.(io.Closer)
	return &PcapWriter{w: pw, closer: c}, nil
}

// WritePacket appends pkt with timestamp at.
func (p *PcapWriter) WritePacket(pkt *Packet, at time.Time) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     at,
		CaptureLength: len(pkt.Raw),
		Length:        len(pkt.Raw),
	}
	return p.w.WritePacket(ci, pkt.Raw)
}

// Close closes the underlying writer if it is closable.
func (p *PcapWriter) Close() error {
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}
