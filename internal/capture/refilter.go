package capture

import (
	"context"
	"errors"
	"sync"

	"proc-throttle/internal/core"
)

// Opener opens a handle for a filter expression.
type Opener func(filter string) (Handle, error)

// Refilter is a Handle whose filter follows a changing port set. Track
// reopens the underlying handle when a port falls outside the current
// filter; Recv and Send move to the new handle transparently.
type Refilter struct {
	open Opener

	trackMu sync.Mutex // serializes reopening

	mu     sync.Mutex
	cur    Handle
	opts   FilterOptions
	gen    uint64
	closed bool
}

// NewRefilter opens the first handle with the filter built from opts.
func NewRefilter(open Opener, opts FilterOptions) (*Refilter, error) {
	filter := BuildFilter(opts)
	h, err := open(filter)
	if err != nil {
		return nil, err
	}
	core.Log.Debugf("Capture", "Filter: %s", filter)
	return &Refilter{open: open, cur: h, opts: opts}, nil
}

// Filter returns the options the current handle was opened with.
func (r *Refilter) Filter() FilterOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

func (r *Refilter) current() (Handle, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, 0, ErrClosed
	}
	return r.cur, r.gen, nil
}

// Track reopens the handle with a filter listing ports unless the current
// filter already covers them. The old handle is closed after the swap.
func (r *Refilter) Track(ports []uint16) error {
	r.trackMu.Lock()
	defer r.trackMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.opts.Covers(ports) {
		r.mu.Unlock()
		return nil
	}
	opts := r.opts
	r.mu.Unlock()

	opts.Ports = ports
	filter := BuildFilter(opts)
	h, err := r.open(filter)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = h.Close()
		return ErrClosed
	}
	old := r.cur
	r.cur, r.opts = h, opts
	r.gen++
	r.mu.Unlock()

	core.Log.Infof("Capture", "Filter updated for ports %v", ports)
	core.Log.Debugf("Capture", "Filter: %s", filter)
	return old.Close()
}

// Recv implements Handle.
func (r *Refilter) Recv(ctx context.Context) (*Packet, error) {
	for {
		h, gen, err := r.current()
		if err != nil {
			return nil, err
		}
		pkt, err := h.Recv(ctx)
		if err == nil || ctx.Err() != nil || !errors.Is(err, ErrClosed) {
			return pkt, err
		}
		if _, now, cerr := r.current(); cerr != nil || now == gen {
			return nil, err
		}
		// Replaced by Track; continue on the new handle.
	}
}

// Send implements Handle.
func (r *Refilter) Send(ctx context.Context, pkt *Packet) error {
	h, gen, err := r.current()
	if err != nil {
		return err
	}
	err = h.Send(ctx, pkt)
	if errors.Is(err, ErrClosed) {
		if h2, now, cerr := r.current(); cerr == nil && now != gen {
			return h2.Send(ctx, pkt)
		}
	}
	return err
}

// Close implements Handle.
func (r *Refilter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	h := r.cur
	r.mu.Unlock()
	return h.Close()
}
