package engine

import (
	"context"
	"errors"
	"time"

	"proc-throttle/internal/capture"
	"proc-throttle/internal/classifier"
	"proc-throttle/internal/core"
)

// DefaultTick bounds how long the loop sleeps without checking the engine.
const DefaultTick = time.Millisecond

// HandleSink reinjects packets through a capture handle.
type HandleSink struct {
	Handle capture.Handle
}

// Forward implements Sink.
func (s HandleSink) Forward(pkt *capture.Packet, _ time.Time) error {
	return s.Handle.Send(context.Background(), pkt)
}

// FollowPorts reopens h whenever cls binds a port its filter misses.
func FollowPorts(cls *classifier.Classifier, h *capture.Refilter) {
	cls.OnPortsChanged(func(ports []uint16) {
		if err := h.Track(ports); err != nil && !errors.Is(err, capture.ErrClosed) {
			core.Log.Warnf("Capture", "Update filter for ports %v: %v", ports, err)
		}
	})
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Tick     time.Duration
	Shutdown core.ShutdownPolicy
	Now      func() time.Time
}

// Pipeline drives an Engine in real time from a capture handle.
type Pipeline struct {
	engine *Engine
	handle capture.Handle
	state  *State
	opts   PipelineOptions
}

// NewPipeline wires engine to handle. The engine's sink is expected to
// reinject through the same handle (see HandleSink).
func NewPipeline(e *Engine, h capture.Handle, state *State, opts PipelineOptions) *Pipeline {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{engine: e, handle: h, state: state, opts: opts}
}

// Engine returns the driven engine.
func (p *Pipeline) Engine() *Engine { return p.engine }

// Run processes packets until ctx is cancelled or the handle fails. On
// return every pending packet has been flushed or dropped per the
// shutdown policy and the handle is closed, so traffic flows unshaped.
// A capture failure is returned as *core.CaptureError; cancellation
// returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	// The reader outlives ctx until the engine is flushed.
	readCtx, cancelRead := context.WithCancel(context.WithoutCancel(ctx))
	pkts := make(chan *capture.Packet, 256)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	go p.readLoop(readCtx, pkts, readErr, readerDone)

	timer := time.NewTimer(p.opts.Tick)
	defer timer.Stop()

	core.Log.Infof("Pipeline", "Packet loop started (tick %s)", p.opts.Tick)

	var runErr error
loop:
	for {
		var err error
		select {
		case <-ctx.Done():
			break loop
		case pkt := <-pkts:
			err = p.engine.Ingest(pkt, p.opts.Now())
		case <-p.state.Wake():
			err = p.engine.Tick(p.opts.Now())
		case <-timer.C:
			err = p.engine.Tick(p.opts.Now())
		case rerr := <-readErr:
			runErr = &core.CaptureError{Op: "recv", Err: rerr}
			break loop
		}
		if err != nil {
			runErr = err
			break loop
		}
		timer.Reset(p.nextWait())
	}

	// Flush while the handle can still send, then stop the reader and
	// let through whatever it captured in the meantime.
	p.flush()
	cancelRead()
	<-readerDone
	p.drain(pkts)
	if err := p.handle.Close(); err != nil {
		core.Log.Warnf("Pipeline", "Close capture handle: %v", err)
	}

	if runErr != nil {
		core.Log.Errorf("Pipeline", "Stopped: %v (traffic now flows unthrottled)", runErr)
	} else {
		core.Log.Infof("Pipeline", "Stopped")
	}
	return runErr
}

func (p *Pipeline) nextWait() time.Duration {
	wait := p.opts.Tick
	if dl, ok := p.engine.NextDeadline(); ok {
		if d := dl.Sub(p.opts.Now()); d < wait {
			wait = max(d, 0)
		}
	}
	return wait
}

// flush empties the engine per the shutdown policy.
func (p *Pipeline) flush() {
	_ = p.engine.Flush(p.opts.Now(), p.opts.Shutdown)
}

// drain forwards packets that were read but never ingested.
func (p *Pipeline) drain(pkts <-chan *capture.Packet) {
	now := p.opts.Now()
	for {
		select {
		case pkt := <-pkts:
			if err := p.engine.Passthrough(pkt, now); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *Pipeline) readLoop(ctx context.Context, out chan<- *capture.Packet, errc chan<- error, done chan<- struct{}) {
	defer close(done)
	for {
		pkt, err := p.handle.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			errc <- err
			return
		}
		select {
		case out <- pkt:
		case <-ctx.Done():
			// Captured but never ingested: let it through.
			_ = p.handle.Send(context.Background(), pkt)
			return
		}
	}
}
