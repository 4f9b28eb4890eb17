package engine

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proc-throttle/internal/capture"
	"proc-throttle/internal/capture/capturetest"
	"proc-throttle/internal/classifier"
	"proc-throttle/internal/core"
	"proc-throttle/internal/process"
)

type pipelineHarness struct {
	nic      *capture.NIC
	engine   *Engine
	pipeline *Pipeline
	cancel   context.CancelFunc
	done     chan error
}

func startPipeline(t *testing.T, cfg core.ThrottleConfig, policy core.ShutdownPolicy) *pipelineHarness {
	t.Helper()
	nic := capture.NewNIC()
	state := NewState(cfg, true)
	e := New(state, portOwner(5000), HandleSink{Handle: nic}, Options{ColdStart: true})
	p := NewPipeline(e, nic, state, PipelineOptions{Shutdown: policy})
	require.Same(t, e, p.Engine())

	ctx, cancel := context.WithCancel(context.Background())
	h := &pipelineHarness{nic: nic, engine: e, pipeline: p, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- p.Run(ctx) }()
	t.Cleanup(cancel)
	return h
}

func (h *pipelineHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
		return nil
	}
}

func readOutgoing(t *testing.T, nic *capture.NIC) *capture.Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pkt, err := nic.ReadOutgoing(ctx)
	require.NoError(t, err)
	return pkt
}

func TestPipelineForwardsWithLatency(t *testing.T) {
	h := startPipeline(t, throttle(0, 30, 0), core.ShutdownFlush)

	start := time.Now()
	require.NoError(t, h.nic.Inject(capturetest.UDP(targetAddr, remoteAddr, 200)))
	require.NoError(t, h.nic.Inject(capturetest.UDP(otherAddr, remoteAddr, 200)))

	// The untargeted packet overtakes the delayed one.
	first := readOutgoing(t, h.nic)
	assert.Equal(t, uint16(6000), first.Flow.SrcPort)
	second := readOutgoing(t, h.nic)
	assert.Equal(t, uint16(5000), second.Flow.SrcPort)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	h.cancel()
	require.NoError(t, h.wait(t))

	st := h.engine.Stats()
	assert.Equal(t, uint64(2), st.Processed)
	assert.Equal(t, uint64(1), st.Forwarded)
	assert.Equal(t, uint64(1), st.Passthrough)
}

func TestPipelineShutdownPolicy(t *testing.T) {
	for _, tc := range []struct {
		policy    core.ShutdownPolicy
		forwarded int
	}{
		{core.ShutdownFlush, 5},
		{core.ShutdownDrop, 0},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			// 10 B/s with a cold bucket: nothing leaves before shutdown.
			h := startPipeline(t, throttle(10, 0, 0), tc.policy)
			for range 5 {
				require.NoError(t, h.nic.Inject(capturetest.UDP(targetAddr, remoteAddr, 100)))
			}
			require.Eventually(t, func() bool {
				return h.engine.Stats().Processed == 5
			}, 5*time.Second, time.Millisecond)

			h.cancel()
			require.NoError(t, h.wait(t))

			assert.Len(t, h.nic.Outgoing, tc.forwarded)
			assert.Zero(t, h.engine.Pending())
			if tc.policy == core.ShutdownDrop {
				assert.Equal(t, uint64(5), h.engine.Stats().Dropped)
			}
		})
	}
}

func TestPipelineClosedHandleIsFatal(t *testing.T) {
	h := startPipeline(t, throttle(0, 0, 0), core.ShutdownFlush)

	require.NoError(t, h.nic.Close())
	err := h.wait(t)
	require.Error(t, err)
	assert.True(t, core.IsFatal(err))
	assert.ErrorIs(t, err, capture.ErrClosed)

	var cerr *core.CaptureError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "recv", cerr.Op)
}

func TestPipelineWakesOnToggle(t *testing.T) {
	nic := capture.NewNIC()
	state := NewState(throttle(10, 0, 0), true)
	e := New(state, portOwner(5000), HandleSink{Handle: nic}, Options{ColdStart: true})
	// A long tick proves the release comes from the wake-up.
	p := NewPipeline(e, nic, state, PipelineOptions{Tick: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.NoError(t, nic.Inject(capturetest.UDP(targetAddr, remoteAddr, 100)))
	require.Eventually(t, func() bool { return e.Stats().HoldQueue == 1 }, 5*time.Second, time.Millisecond)

	state.SetEnabled(false)
	pkt := readOutgoing(t, nic)
	assert.Equal(t, uint16(5000), pkt.Flow.SrcPort)

	cancel()
	require.NoError(t, <-done)
}

// recvShutdownNIC stops sending once any Recv context is cancelled, like a
// driver handle whose shutdown covers both directions.
type recvShutdownNIC struct {
	*capture.NIC
	down atomic.Bool
}

func (n *recvShutdownNIC) Recv(ctx context.Context) (*capture.Packet, error) {
	stop := context.AfterFunc(ctx, func() { n.down.Store(true) })
	defer stop()
	return n.NIC.Recv(ctx)
}

func (n *recvShutdownNIC) Send(ctx context.Context, pkt *capture.Packet) error {
	if n.down.Load() {
		return capture.ErrClosed
	}
	return n.NIC.Send(ctx, pkt)
}

func TestPipelineFlushesBeforeStoppingReader(t *testing.T) {
	nic := &recvShutdownNIC{NIC: capture.NewNIC()}
	state := NewState(throttle(0, 2000, 0), true)
	e := New(state, portOwner(5000), HandleSink{Handle: nic}, Options{ColdStart: true})
	p := NewPipeline(e, nic, state, PipelineOptions{Shutdown: core.ShutdownFlush})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for range 10 {
		require.NoError(t, nic.Inject(capturetest.UDP(targetAddr, remoteAddr, 100)))
	}
	require.Eventually(t, func() bool { return e.Stats().DelayQueue == 10 }, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	assert.Len(t, nic.Outgoing, 10)
	st := e.Stats()
	assert.Equal(t, uint64(10), st.Forwarded)
	assert.Zero(t, st.SendErrors)
	assert.Zero(t, e.Pending())
}

// bindingResolver reports one "game" process with a mutable socket list.
type bindingResolver struct {
	mu    sync.Mutex
	ports []uint16
}

func (r *bindingResolver) FindProcesses(context.Context, string) ([]process.Info, error) {
	return []process.Info{{PID: 10, Name: "game.exe"}}, nil
}

func (r *bindingResolver) ListBoundEndpoints(context.Context, uint32) ([]process.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	eps := make([]process.Endpoint, 0, len(r.ports))
	for _, p := range r.ports {
		eps = append(eps, process.Endpoint{
			Proto: layers.IPProtocolUDP,
			Local: netip.AddrPortFrom(netip.IPv4Unspecified(), p),
		})
	}
	return eps, nil
}

func (r *bindingResolver) bind(port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports = append(r.ports, port)
}

type openedNICs struct {
	mu      sync.Mutex
	filters []string
	nics    []*capture.NIC
}

func (o *openedNICs) open(filter string) (capture.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	nic := capture.NewNIC()
	o.filters = append(o.filters, filter)
	o.nics = append(o.nics, nic)
	return nic, nil
}

func (o *openedNICs) last() (string, *capture.NIC) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filters[len(o.filters)-1], o.nics[len(o.nics)-1]
}

func TestPipelineThrottlesPortBoundAfterStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res := &bindingResolver{ports: []uint16{5000}}
	cls := classifier.New(res, "game", classifier.Options{Refresh: 10 * time.Millisecond})
	cls.Start(ctx)

	nics := &openedNICs{}
	h, err := capture.NewRefilter(nics.open, capture.FilterOptions{Ports: cls.Binding().Ports()})
	require.NoError(t, err)
	FollowPorts(cls, h)

	state := NewState(throttle(0, 50, 0), true)
	e := New(state, cls, HandleSink{Handle: h}, Options{ColdStart: true})
	p := NewPipeline(e, h, state, PipelineOptions{Shutdown: core.ShutdownFlush})
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	res.bind(7000)
	require.Eventually(t, func() bool {
		filter, _ := nics.last()
		return strings.Contains(filter, "udp.SrcPort == 7000")
	}, 5*time.Second, time.Millisecond)

	_, nic := nics.last()
	start := time.Now()
	require.NoError(t, nic.Inject(capturetest.UDP("10.0.0.2:7000", remoteAddr, 100)))
	pkt := readOutgoing(t, nic)
	assert.Equal(t, uint16(7000), pkt.Flow.SrcPort)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, uint64(1), e.Stats().Throttled)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}
