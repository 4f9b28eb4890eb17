// Package engine runs the shaping pipeline: classify each intercepted
// packet, rate-limit, delay and drop the target's traffic, and forward
// everything else untouched.
package engine

import (
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"proc-throttle/internal/capture"
	"proc-throttle/internal/core"
	"proc-throttle/internal/shaper"
)

// PacketState is a step in a packet's life inside the engine.
type PacketState int

const (
	StateCaptured PacketState = iota
	StateClassified
	StatePassthrough
	StateRateCheck
	StateQueuedForRate
	StateDelayScheduled
	StateLossCheck
	StateForwarded
	StateDropped
)

func (s PacketState) String() string {
	switch s {
	case StateCaptured:
		return "captured"
	case StateClassified:
		return "classified"
	case StatePassthrough:
		return "passthrough"
	case StateRateCheck:
		return "rate_check"
	case StateQueuedForRate:
		return "queued_for_rate"
	case StateDelayScheduled:
		return "delay_scheduled"
	case StateLossCheck:
		return "loss_check"
	case StateForwarded:
		return "forwarded"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// TraceFunc observes state transitions. It runs on the packet loop and
// must not block.
type TraceFunc func(pkt *capture.Packet, state PacketState, at time.Time)

// Owner decides whether a flow belongs to the target process.
type Owner interface {
	Owns(capture.FiveTuple) bool
}

// OwnerFunc adapts a function to Owner.
type OwnerFunc func(capture.FiveTuple) bool

// Owns implements Owner.
func (f OwnerFunc) Owns(ft capture.FiveTuple) bool { return f(ft) }

// Sink receives packets that leave the engine. at is the instant the
// packet was due; real-time sinks can ignore it.
type Sink interface {
	Forward(pkt *capture.Packet, at time.Time) error
}

// Options tunes the engine. Zero values select defaults.
type Options struct {
	Burst         time.Duration
	ColdStart     bool
	MaxRateQueue  int
	MaxHold       time.Duration
	MaxDelayQueue int
	LossSource    rand.Source
	Trace         TraceFunc
}

const (
	DefaultMaxRateQueue = 10000
	DefaultMaxHold      = 5 * time.Second
	holdSampleSize      = 4096
)

// OptionsFromConfig maps the engine section of the config file.
func OptionsFromConfig(cfg core.Config) Options {
	opts := Options{
		Burst:         cfg.Engine.Burst,
		ColdStart:     cfg.ColdStart(),
		MaxRateQueue:  cfg.Engine.MaxRateQueue,
		MaxHold:       cfg.Engine.MaxHold,
		MaxDelayQueue: cfg.Engine.MaxDelayQueue,
	}
	if cfg.Engine.LossSeed != 0 {
		opts.LossSource = rand.NewPCG(cfg.Engine.LossSeed, cfg.Engine.LossSeed^0x9e3779b97f4a7c15)
	}
	return opts
}

// Counters is a snapshot of the engine's totals.
type Counters struct {
	Processed   uint64 // every ingested packet
	Passthrough uint64 // forwarded without shaping
	Throttled   uint64 // entered the shaping path
	RateHeld    uint64 // waited for tokens
	Forwarded   uint64 // shaped packets forwarded
	Dropped     uint64 // dropped by the loss simulator or a drop-on-exit
	Overflow    uint64 // dropped by a queue bound or hold timeout
	SendErrors  uint64
	ShapedBytes uint64 // bytes of shaped packets forwarded
	TotalBytes  uint64 // bytes forwarded, shaped or not
	HoldQueue   int64
	DelayQueue  int64
}

type counters struct {
	processed, passthrough, throttled, rateHeld atomic.Uint64
	forwarded, dropped, overflow, sendErrors    atomic.Uint64
	shapedBytes, totalBytes                     atomic.Uint64
	holdLen, delayLen                           atomic.Int64
}

type held struct {
	pkt       *capture.Packet
	since     time.Time
	waitUntil time.Time
}

// Engine is the shaping state machine. It never reads the clock: every
// entry point takes the current time, so the same engine runs in real
// time under Pipeline or in virtual time under replay. Apart from Stats
// and HoldSamples, methods must be called from a single goroutine.
type Engine struct {
	state *State
	owner Owner
	sink  Sink
	opts  Options

	bucket *shaper.TokenBucket
	delay  *shaper.DelayQueue
	loss   *shaper.LossSimulator

	hold     []held
	holdHead int
	pending  map[capture.FiveTuple]int

	appliedCfg *core.ThrottleConfig
	enabled    bool
	fatal      error
	scratch    []shaper.Released

	c counters

	samplesMu sync.Mutex
	samples   []time.Duration
	sampleIdx int
}

// New creates an engine reading control values from state.
func New(state *State, owner Owner, sink Sink, opts Options) *Engine {
	if opts.MaxRateQueue <= 0 {
		opts.MaxRateQueue = DefaultMaxRateQueue
	}
	if opts.MaxHold <= 0 {
		opts.MaxHold = DefaultMaxHold
	}
	if opts.Burst <= 0 {
		opts.Burst = time.Second
	}

	cfg := state.Config()
	e := &Engine{
		state:      state,
		owner:      owner,
		sink:       sink,
		opts:       opts,
		bucket:     shaper.NewTokenBucket(cfg.BandwidthBytesPerSec, shaper.CapacityFor(cfg.BandwidthBytesPerSec, opts.Burst), time.Time{}),
		delay:      shaper.NewDelayQueue(opts.MaxDelayQueue),
		loss:       shaper.NewLossSimulator(cfg.LossProbability, opts.LossSource),
		pending:    make(map[capture.FiveTuple]int),
		appliedCfg: cfg,
		samples:    make([]time.Duration, 0, holdSampleSize),
	}
	return e
}

// Ingest runs one captured packet through the pipeline. The returned
// error is non-nil only for fatal failures (see core.IsFatal).
func (e *Engine) Ingest(pkt *capture.Packet, now time.Time) error {
	if e.fatal != nil {
		return e.fatal
	}
	e.advance(now)

	e.c.processed.Add(1)
	e.trace(pkt, StateCaptured, now)
	e.trace(pkt, StateClassified, now)

	if !e.enabled || (e.pending[pkt.Flow] == 0 && !e.owner.Owns(pkt.Flow)) {
		e.c.passthrough.Add(1)
		e.trace(pkt, StatePassthrough, now)
		e.forward(pkt, now, false)
		return e.fatal
	}

	e.c.throttled.Add(1)
	e.trace(pkt, StateRateCheck, now)
	e.pending[pkt.Flow]++

	if e.holdLen() > 0 {
		// Tokens go to the head first; queue behind it.
		e.enqueueHold(pkt, now, time.Time{})
	} else if d := e.bucket.Admit(pkt.Len(), now); d.Allow {
		e.schedule(pkt, now)
	} else {
		e.enqueueHold(pkt, now, d.WaitUntil)
	}
	e.updateGauges()
	return e.fatal
}

// Tick releases everything due at now.
func (e *Engine) Tick(now time.Time) error {
	if e.fatal != nil {
		return e.fatal
	}
	e.advance(now)
	e.updateGauges()
	return e.fatal
}

// NextDeadline returns when Tick next has work to do.
func (e *Engine) NextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	if t, ok := e.delay.NextRelease(); ok {
		next, found = t, true
	}
	if e.holdLen() > 0 {
		h := e.hold[e.holdHead]
		t := h.waitUntil
		if expire := h.since.Add(e.opts.MaxHold); t.IsZero() || expire.Before(t) {
			t = expire
		}
		if !found || t.Before(next) {
			next, found = t, true
		}
	}
	return next, found
}

// Flush empties both queues at shutdown. ShutdownFlush forwards every
// pending packet without a loss roll; ShutdownDrop discards them.
func (e *Engine) Flush(now time.Time, policy core.ShutdownPolicy) error {
	sent, failed := e.c.forwarded.Load(), e.c.sendErrors.Load()
	n := e.flushPending(now, policy == core.ShutdownFlush)
	switch {
	case n == 0:
	case policy == core.ShutdownDrop:
		core.Log.Infof("Engine", "Shutdown: dropped %d pending packets", n)
	default:
		sent = e.c.forwarded.Load() - sent
		failed = e.c.sendErrors.Load() - failed
		if sent < uint64(n) {
			core.Log.Warnf("Engine", "Shutdown: forwarded %d of %d pending packets (%d send errors)", sent, n, failed)
		} else {
			core.Log.Infof("Engine", "Shutdown: forwarded %d pending packets", n)
		}
	}
	e.updateGauges()
	return e.fatal
}

// Passthrough forwards pkt immediately, counting it as processed.
func (e *Engine) Passthrough(pkt *capture.Packet, now time.Time) error {
	e.c.processed.Add(1)
	e.c.passthrough.Add(1)
	e.trace(pkt, StatePassthrough, now)
	e.forward(pkt, now, false)
	return e.fatal
}

// Stats returns the current totals. Safe for concurrent use.
func (e *Engine) Stats() Counters {
	return Counters{
		Processed:   e.c.processed.Load(),
		Passthrough: e.c.passthrough.Load(),
		Throttled:   e.c.throttled.Load(),
		RateHeld:    e.c.rateHeld.Load(),
		Forwarded:   e.c.forwarded.Load(),
		Dropped:     e.c.dropped.Load(),
		Overflow:    e.c.overflow.Load(),
		SendErrors:  e.c.sendErrors.Load(),
		ShapedBytes: e.c.shapedBytes.Load(),
		TotalBytes:  e.c.totalBytes.Load(),
		HoldQueue:   e.c.holdLen.Load(),
		DelayQueue:  e.c.delayLen.Load(),
	}
}

// HoldSamples returns a copy of the most recent rate-hold durations.
// Safe for concurrent use.
func (e *Engine) HoldSamples() []time.Duration {
	e.samplesMu.Lock()
	defer e.samplesMu.Unlock()
	out := make([]time.Duration, len(e.samples))
	copy(out, e.samples)
	return out
}

// Pending returns the number of packets inside the engine.
func (e *Engine) Pending() int {
	return e.holdLen() + e.delay.Len()
}

// advance applies control changes and then releases due packets.
func (e *Engine) advance(now time.Time) {
	e.syncState(now)
	if !e.enabled {
		return
	}
	e.drainHold(now)
	e.drainDelay(now)
}

func (e *Engine) syncState(now time.Time) {
	if cfg := e.state.Config(); cfg != e.appliedCfg {
		if cfg.BandwidthBytesPerSec != e.appliedCfg.BandwidthBytesPerSec {
			rate := cfg.BandwidthBytesPerSec
			e.bucket.SetRate(rate, shaper.CapacityFor(rate, e.opts.Burst), now)
		}
		e.loss.SetProbability(cfg.LossProbability)
		core.Log.Debugf("Engine", "Applied %s", cfg)
		e.appliedCfg = cfg
	}

	enabled := e.state.Enabled()
	if enabled == e.enabled {
		return
	}
	e.enabled = enabled
	if enabled {
		if e.opts.ColdStart {
			e.bucket.Reset(now, 0)
		} else {
			e.bucket.Reset(now, e.bucket.Capacity())
		}
		core.Log.Infof("Engine", "Throttling enabled: %s", e.appliedCfg)
		return
	}
	n := e.flushPending(now, true)
	core.Log.Infof("Engine", "Throttling disabled, released %d pending packets", n)
}

func (e *Engine) drainHold(now time.Time) {
	for e.holdLen() > 0 {
		h := &e.hold[e.holdHead]
		if !now.Before(h.since.Add(e.opts.MaxHold)) {
			pkt := h.pkt
			e.popHold()
			e.c.overflow.Add(1)
			e.logOverflow("hold timeout")
			e.drop(pkt, now)
			continue
		}
		d := e.bucket.Admit(h.pkt.Len(), now)
		if !d.Allow {
			h.waitUntil = d.WaitUntil
			return
		}
		pkt, since := h.pkt, h.since
		e.popHold()
		e.recordHold(now.Sub(since))
		e.pending[pkt.Flow]++ // popHold released it; schedule takes it back
		e.schedule(pkt, now)
	}
}

func (e *Engine) drainDelay(now time.Time) {
	e.scratch = e.delay.DrainReady(now, e.scratch[:0])
	for i, r := range e.scratch {
		e.release(r.Packet, r.Release)
		e.scratch[i] = shaper.Released{}
	}
}

// schedule moves an admitted packet into the delay queue, or straight to
// the loss roll when there is no latency and nothing of its flow ahead.
func (e *Engine) schedule(pkt *capture.Packet, now time.Time) {
	latency := e.appliedCfg.Latency()
	if latency <= 0 && e.delay.Pending(pkt.Flow) == 0 {
		e.release(pkt, now)
		return
	}
	if _, err := e.delay.Schedule(pkt, latency, now); err != nil {
		e.unpend(pkt.Flow)
		e.c.overflow.Add(1)
		if errors.Is(err, core.ErrQueueOverflow) {
			e.logOverflow("delay queue")
		}
		e.drop(pkt, now)
		return
	}
	e.trace(pkt, StateDelayScheduled, now)
}

// release performs the loss roll and forwards survivors.
func (e *Engine) release(pkt *capture.Packet, at time.Time) {
	e.unpend(pkt.Flow)
	e.trace(pkt, StateLossCheck, at)
	if e.loss.ShouldDrop() {
		e.c.dropped.Add(1)
		e.drop(pkt, at)
		return
	}
	e.forward(pkt, at, true)
}

func (e *Engine) enqueueHold(pkt *capture.Packet, now, waitUntil time.Time) {
	if e.holdLen() >= e.opts.MaxRateQueue {
		e.unpend(pkt.Flow)
		e.c.overflow.Add(1)
		e.logOverflow("rate queue")
		e.drop(pkt, now)
		return
	}
	e.c.rateHeld.Add(1)
	e.hold = append(e.hold, held{pkt: pkt, since: now, waitUntil: waitUntil})
	e.trace(pkt, StateQueuedForRate, now)
}

func (e *Engine) holdLen() int { return len(e.hold) - e.holdHead }

func (e *Engine) popHold() {
	e.unpend(e.hold[e.holdHead].pkt.Flow)
	e.hold[e.holdHead] = held{}
	e.holdHead++
	if e.holdHead == len(e.hold) {
		e.hold = e.hold[:0]
		e.holdHead = 0
	} else if e.holdHead > 1024 && e.holdHead > len(e.hold)/2 {
		n := copy(e.hold, e.hold[e.holdHead:])
		clear(e.hold[n:])
		e.hold = e.hold[:n]
		e.holdHead = 0
	}
}

func (e *Engine) unpend(flow capture.FiveTuple) {
	if n := e.pending[flow] - 1; n > 0 {
		e.pending[flow] = n
	} else {
		delete(e.pending, flow)
	}
}

// flushPending releases every queued packet in release order: the delay
// queue first, then the hold queue. No loss roll is applied.
func (e *Engine) flushPending(now time.Time, forward bool) int {
	e.scratch = e.delay.Flush(e.scratch[:0])
	n := len(e.scratch) + e.holdLen()
	for i, r := range e.scratch {
		e.emitFlushed(r.Packet, now, forward)
		e.scratch[i] = shaper.Released{}
	}
	for e.holdLen() > 0 {
		pkt := e.hold[e.holdHead].pkt
		e.popHold()
		e.emitFlushed(pkt, now, forward)
	}
	clear(e.pending)
	return n
}

func (e *Engine) emitFlushed(pkt *capture.Packet, now time.Time, forward bool) {
	if forward {
		e.forward(pkt, now, true)
		return
	}
	e.c.dropped.Add(1)
	e.drop(pkt, now)
}

func (e *Engine) drop(pkt *capture.Packet, at time.Time) {
	e.trace(pkt, StateDropped, at)
}

// forward hands pkt to the sink. A closed handle is fatal; any other
// send error is counted and logged every 10 000 occurrences.
func (e *Engine) forward(pkt *capture.Packet, at time.Time, shaped bool) {
	if e.fatal != nil {
		return
	}
	if err := e.sink.Forward(pkt, at); err != nil {
		if errors.Is(err, capture.ErrClosed) {
			e.fatal = &core.CaptureError{Op: "send", Err: err}
			return
		}
		if d := e.c.sendErrors.Add(1); d == 1 || d%10000 == 0 {
			core.Log.Warnf("Engine", "Send error #%d: %v", d, err)
		}
		return
	}
	if shaped {
		e.c.forwarded.Add(1)
		e.c.shapedBytes.Add(uint64(pkt.Len()))
	}
	e.c.totalBytes.Add(uint64(pkt.Len()))
	e.trace(pkt, StateForwarded, at)
}

func (e *Engine) logOverflow(queue string) {
	if d := e.c.overflow.Load(); d == 1 || d%10000 == 0 {
		core.Log.Warnf("Engine", "%s overflow, packet dropped (total %d)", queue, d)
	}
}

func (e *Engine) recordHold(d time.Duration) {
	e.samplesMu.Lock()
	if len(e.samples) < holdSampleSize {
		e.samples = append(e.samples, d)
	} else {
		e.samples[e.sampleIdx] = d
		e.sampleIdx = (e.sampleIdx + 1) % holdSampleSize
	}
	e.samplesMu.Unlock()
}

func (e *Engine) updateGauges() {
	e.c.holdLen.Store(int64(e.holdLen()))
	e.c.delayLen.Store(int64(e.delay.Len()))
}

func (e *Engine) trace(pkt *capture.Packet, s PacketState, at time.Time) {
	if e.opts.Trace != nil {
		e.opts.Trace(pkt, s, at)
	}
}
