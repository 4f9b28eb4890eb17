// Package classifier decides whether an intercepted packet belongs to the
// target process. It keeps an immutable snapshot of the target's bound
// endpoints and rebuilds it periodically.
package classifier

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"

	"proc-throttle/internal/capture"
	"proc-throttle/internal/core"
	"proc-throttle/internal/process"
)

// DefaultRefresh is how often the binding is rebuilt.
const DefaultRefresh = time.Second

type endpointKey struct {
	proto layers.IPProtocol
	port  uint16
}

// Binding is one snapshot of the target's processes and local endpoints.
// It is never mutated after construction.
type Binding struct {
	Target    string
	Processes []process.Info
	Built     time.Time

	endpoints map[endpointKey][]netip.Addr
}

// NewBinding builds a snapshot from resolved processes and endpoints.
func NewBinding(target string, procs []process.Info, eps []process.Endpoint, built time.Time) *Binding {
	b := &Binding{
		Target:    target,
		Processes: procs,
		Built:     built,
		endpoints: make(map[endpointKey][]netip.Addr, len(eps)),
	}
	for _, ep := range eps {
		if !ep.Local.IsValid() || ep.Local.Port() == 0 {
			continue
		}
		k := endpointKey{ep.Proto, ep.Local.Port()}
		addr := ep.Local.Addr().Unmap()
		if !slices.Contains(b.endpoints[k], addr) {
			b.endpoints[k] = append(b.endpoints[k], addr)
		}
	}
	return b
}

var emptyBinding = &Binding{endpoints: map[endpointKey][]netip.Addr{}}

// Empty reports whether no endpoint is bound.
func (b *Binding) Empty() bool { return len(b.endpoints) == 0 }

// Len returns the number of bound (protocol, port) pairs.
func (b *Binding) Len() int { return len(b.endpoints) }

// Owns reports whether either side of ft is a bound endpoint.
func (b *Binding) Owns(ft capture.FiveTuple) bool {
	if !ft.Valid() || len(b.endpoints) == 0 {
		return false
	}
	return b.bound(ft.Proto, ft.Src, ft.SrcPort) || b.bound(ft.Proto, ft.Dst, ft.DstPort)
}

func (b *Binding) bound(proto layers.IPProtocol, addr netip.Addr, port uint16) bool {
	addrs, ok := b.endpoints[endpointKey{proto, port}]
	if !ok {
		return false
	}
	addr = addr.Unmap()
	for _, a := range addrs {
		if a.IsUnspecified() || a == addr {
			return true
		}
	}
	return false
}

// Ports returns the distinct bound port numbers in ascending order.
func (b *Binding) Ports() []uint16 {
	ports := make([]uint16, 0, len(b.endpoints))
	for k := range b.endpoints {
		ports = append(ports, k.port)
	}
	slices.Sort(ports)
	return slices.Compact(ports)
}

// Options configures a Classifier.
type Options struct {
	Refresh time.Duration
	// AllMatches binds every matching process instead of the first.
	AllMatches bool
	Now        func() time.Time
}

// Classifier answers Owns from the latest Binding. Owns is safe to call
// from the packet loop while Refresh runs elsewhere.
type Classifier struct {
	resolver process.Resolver
	opts     Options

	target  atomic.Pointer[string]
	binding atomic.Pointer[Binding]
	trigger chan struct{}

	mu        sync.Mutex // serializes Refresh
	lastErr   string
	lastPIDs  []uint32
	lastPorts []uint16
	onPorts   func([]uint16)
}

// New creates a classifier for target. The binding starts empty.
func New(resolver process.Resolver, target string, opts Options) *Classifier {
	if opts.Refresh <= 0 {
		opts.Refresh = DefaultRefresh
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Classifier{
		resolver: resolver,
		opts:     opts,
		trigger:  make(chan struct{}, 1),
	}
	c.target.Store(&target)
	c.binding.Store(emptyBinding)
	return c
}

// Owns reports whether ft belongs to the target process.
func (c *Classifier) Owns(ft capture.FiveTuple) bool {
	return c.binding.Load().Owns(ft)
}

// Binding returns the current snapshot.
func (c *Classifier) Binding() *Binding { return c.binding.Load() }

// Target returns the current target pattern.
func (c *Classifier) Target() string { return *c.target.Load() }

// SetTarget changes the target pattern and schedules a refresh.
func (c *Classifier) SetTarget(target string) {
	old := c.target.Swap(&target)
	if old != nil && *old == target {
		return
	}
	core.Log.Infof("Classifier", "Target changed to %q", target)
	c.Trigger()
}

// Trigger requests an immediate refresh from the Start loop.
func (c *Classifier) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// OnPortsChanged registers fn to run after each refresh that changes the
// bound port set. fn is called once with the current ports before
// OnPortsChanged returns, and never concurrently with itself.
func (c *Classifier) OnPortsChanged(fn func(ports []uint16)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPorts = fn
	if fn != nil {
		fn(c.Binding().Ports())
	}
}

// Refresh rebuilds the binding. On resolver failure the binding becomes
// empty and a *core.ClassificationError is returned.
func (c *Classifier) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.Target()
	procs, err := c.find(ctx, target)
	if err != nil {
		return c.fail(target, err)
	}

	var eps []process.Endpoint
	live := procs[:0:0]
	for _, p := range procs {
		pe, err := c.resolver.ListBoundEndpoints(ctx, p.PID)
		if err != nil {
			if ctx.Err() != nil {
				return c.fail(target, err)
			}
			// Exited between the two calls.
			core.Log.Debugf("Classifier", "Skipping %s: %v", p, err)
			continue
		}
		live = append(live, p)
		eps = append(eps, pe...)
	}

	b := NewBinding(target, live, eps, c.opts.Now())
	c.binding.Store(b)
	c.lastErr = ""
	c.logChange(b)
	c.notifyPorts(b.Ports())
	return nil
}

func (c *Classifier) notifyPorts(ports []uint16) {
	if slices.Equal(ports, c.lastPorts) {
		return
	}
	c.lastPorts = ports
	if c.onPorts != nil {
		c.onPorts(ports)
	}
}

// find returns every match with AllMatches, otherwise the first one.
// No match is an empty result, not an error.
func (c *Classifier) find(ctx context.Context, target string) ([]process.Info, error) {
	if c.opts.AllMatches {
		return c.resolver.FindProcesses(ctx, target)
	}
	p, err := process.FindProcess(ctx, c.resolver, target)
	if errors.Is(err, process.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []process.Info{p}, nil
}

func (c *Classifier) fail(target string, err error) error {
	c.binding.Store(emptyBinding)
	cerr := &core.ClassificationError{Target: target, Err: err}
	if msg := err.Error(); msg != c.lastErr {
		c.lastErr = msg
		core.Log.Warnf("Classifier", "%v", cerr)
	}
	c.lastPIDs = nil
	c.notifyPorts(nil)
	return cerr
}

// logChange logs only when the matched process set changes.
func (c *Classifier) logChange(b *Binding) {
	pids := make([]uint32, len(b.Processes))
	for i, p := range b.Processes {
		pids[i] = p.PID
	}
	if slices.Equal(pids, c.lastPIDs) {
		core.Log.Debugf("Classifier", "Binding refreshed: %d endpoints", b.Len())
		return
	}
	c.lastPIDs = pids
	if len(b.Processes) == 0 {
		core.Log.Warnf("Classifier", "No process matching %q found", b.Target)
		return
	}
	for _, p := range b.Processes {
		core.Log.Infof("Classifier", "Found process: %s", p)
	}
	core.Log.Infof("Classifier", "Throttling %d ports: %v", len(b.Ports()), b.Ports())
}

// Start refreshes once synchronously, then every Refresh interval and on
// Trigger until ctx is cancelled.
func (c *Classifier) Start(ctx context.Context) {
	_ = c.Refresh(ctx)

	go func() {
		ticker := time.NewTicker(c.opts.Refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-c.trigger:
			}
			if err := c.Refresh(ctx); err != nil && errors.Is(err, context.Canceled) {
				return
			}
		}
	}()
}
