package capture

import (
	"context"
	"errors"
)

// ErrClosed is returned by a handle after Close.
var ErrClosed = errors.New("capture: handle closed")

// Handle is a capture/injection driver. Recv blocks until a packet is
// intercepted, the context ends or the handle is closed. Send reinjects a
// packet unmodified. Close unblocks pending Recv calls.
type Handle interface {
	Recv(ctx context.Context) (*Packet, error)
	Send(ctx context.Context, pkt *Packet) error
	Close() error
}

// Config selects and parameterizes a live capture backend.
type Config struct {
	Filter   string
	Priority int16
}
