package capture

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultNICBufferSize is the channel depth used by NewNIC.
const DefaultNICBufferSize = 1024

// ErrNICBufferFull indicates that a NIC queue is full and the packet was
// discarded.
var ErrNICBufferFull = errors.New("capture: nic buffer is full: dropping packet")

// NIC is an in-memory Handle. Intercepted packets are written to
// Incoming by a producer, and reinjected packets appear on Outgoing.
// Writes never block; a full queue discards the packet.
type NIC struct {
	Incoming chan *Packet
	Outgoing chan *Packet

	// Now stamps packets injected through Inject. Defaults to time.Now.
	Now func() time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// NICOption configures a NIC.
type NICOption func(n *NIC)

// NICOptionBufferSize sets the depth of both queues.
func NICOptionBufferSize(size int) NICOption {
	return func(n *NIC) {
		n.Incoming = make(chan *Packet, size)
		n.Outgoing = make(chan *Packet, size)
	}
}

// NICOptionClock sets the capture timestamp source.
func NICOptionClock(now func() time.Time) NICOption {
	return func(n *NIC) { n.Now = now }
}

// NewNIC creates a NIC with the given options.
func NewNIC(options ...NICOption) *NIC {
	n := &NIC{
		Incoming: make(chan *Packet, DefaultNICBufferSize),
		Outgoing: make(chan *Packet, DefaultNICBufferSize),
		Now:      time.Now,
		closed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(n)
	}
	return n
}

// Inject parses raw and queues it as an intercepted packet.
func (n *NIC) Inject(raw []byte) error {
	return n.write(n.Incoming, NewPacket(raw, n.Now(), nil))
}

// Recv implements Handle.
func (n *NIC) Recv(ctx context.Context) (*Packet, error) {
	select {
	case pkt := <-n.Incoming:
		return pkt, nil
	case <-n.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send implements Handle.
func (n *NIC) Send(ctx context.Context, pkt *Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.write(n.Outgoing, pkt)
}

func (n *NIC) write(ch chan *Packet, pkt *Packet) error {
	select {
	case <-n.closed:
		return ErrClosed
	default:
	}
	select {
	case ch <- pkt:
		return nil
	default:
		return ErrNICBufferFull
	}
}

// ReadOutgoing waits for the next reinjected packet.
func (n *NIC) ReadOutgoing(ctx context.Context) (*Packet, error) {
	select {
	case pkt := <-n.Outgoing:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Handle. Queued outgoing packets stay readable.
func (n *NIC) Close() error {
	n.closeOnce.Do(func() { close(n.closed) })
	return nil
}
