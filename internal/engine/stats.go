package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

const defaultStatsInterval = 1 * time.Second

// StatsSnapshot is a point-in-time view of the engine's counters plus
// rates derived from the previous snapshot.
type StatsSnapshot struct {
	Counters
	Enabled bool

	ShapedRate    float64 // shaped bytes/s forwarded over the last interval
	TotalRate     float64 // bytes/s forwarded over the last interval
	PacketsPerSec float64 // packets/s processed over the last interval

	HoldP50 time.Duration
	HoldP95 time.Duration
	HoldP99 time.Duration

	Started   time.Time
	Timestamp time.Time
}

// Runtime is the time elapsed since the collector started.
func (s StatsSnapshot) Runtime() time.Duration {
	if s.Started.IsZero() {
		return 0
	}
	return s.Timestamp.Sub(s.Started)
}

// AveragePPS is the processed packet rate over the whole run.
func (s StatsSnapshot) AveragePPS() float64 {
	if rt := s.Runtime().Seconds(); rt > 0 {
		return float64(s.Processed) / rt
	}
	return 0
}

// StatusLine renders the one-line periodic status.
func (s StatsSnapshot) StatusLine() string {
	mode := "NORMAL"
	if s.Enabled {
		mode = "THROTTLING"
	}
	return fmt.Sprintf("%s | Processed: %d | Throttled: %d | Dropped: %d | Rate: %.1f KB/s",
		mode, s.Processed, s.Throttled, s.Dropped+s.Overflow, s.ShapedRate/1024)
}

// StatsSource is the part of Engine the collector reads.
type StatsSource interface {
	Stats() Counters
	HoldSamples() []time.Duration
}

// StatsCollector periodically samples engine counters and fans snapshots
// out to subscribers.
type StatsCollector struct {
	source   StatsSource
	state    *State
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.RWMutex
	started   time.Time
	prev      StatsSnapshot
	latest    StatsSnapshot
	listeners []chan StatsSnapshot
}

// NewStatsCollector creates a StatsCollector. A zero interval selects 1s.
func NewStatsCollector(source StatsSource, state *State, interval time.Duration) *StatsCollector {
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	return &StatsCollector{
		source:   source,
		state:    state,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// SetClock replaces the time source. Call before Start.
func (sc *StatsCollector) SetClock(now func() time.Time) {
	sc.now = now
}

// Start begins periodic stats collection.
func (sc *StatsCollector) Start(ctx context.Context) {
	sc.Reset()
	ctx, sc.cancel = context.WithCancel(ctx)
	go sc.loop(ctx)
}

// Reset marks now as the start of the run for rates and runtime.
func (sc *StatsCollector) Reset() {
	sc.mu.Lock()
	sc.started = sc.now()
	sc.prev = StatsSnapshot{Counters: sc.source.Stats(), Timestamp: sc.started}
	sc.mu.Unlock()
}

// Stop halts stats collection and closes all listener channels.
func (sc *StatsCollector) Stop() {
	if sc.cancel != nil {
		sc.cancel()
		<-sc.done
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, ch := range sc.listeners {
		close(ch)
	}
	sc.listeners = nil
}

// Subscribe returns a channel that receives a snapshot at each interval.
// Slow subscribers miss snapshots rather than block the collector.
func (sc *StatsCollector) Subscribe() chan StatsSnapshot {
	ch := make(chan StatsSnapshot, 4)
	sc.mu.Lock()
	sc.listeners = append(sc.listeners, ch)
	sc.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener channel.
func (sc *StatsCollector) Unsubscribe(ch chan StatsSnapshot) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for i, l := range sc.listeners {
		if l == ch {
			close(l)
			sc.listeners = append(sc.listeners[:i], sc.listeners[i+1:]...)
			return
		}
	}
}

// Latest returns the most recent snapshot.
func (sc *StatsCollector) Latest() StatsSnapshot {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.latest
}

// Collect takes a snapshot now, outside the ticker. Used for the final
// statistics on exit.
func (sc *StatsCollector) Collect() StatsSnapshot {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	snap := sc.collectLocked()
	sc.latest = snap
	return snap
}

func (sc *StatsCollector) loop(ctx context.Context) {
	defer close(sc.done)
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.mu.Lock()
			snap := sc.collectLocked()
			sc.latest = snap
			listeners := make([]chan StatsSnapshot, len(sc.listeners))
			copy(listeners, sc.listeners)
			sc.mu.Unlock()

			for _, ch := range listeners {
				select {
				case ch <- snap:
				default:
				}
			}
		}
	}
}

func (sc *StatsCollector) collectLocked() StatsSnapshot {
	now := sc.now()
	snap := StatsSnapshot{
		Counters:  sc.source.Stats(),
		Started:   sc.started,
		Timestamp: now,
	}
	if sc.state != nil {
		snap.Enabled = sc.state.Enabled()
	}

	if elapsed := now.Sub(sc.prev.Timestamp).Seconds(); elapsed > 0 && !sc.prev.Timestamp.IsZero() {
		snap.ShapedRate = delta(snap.ShapedBytes, sc.prev.ShapedBytes) / elapsed
		snap.TotalRate = delta(snap.TotalBytes, sc.prev.TotalBytes) / elapsed
		snap.PacketsPerSec = delta(snap.Processed, sc.prev.Processed) / elapsed
	}
	snap.HoldP50, snap.HoldP95, snap.HoldP99 = holdPercentiles(sc.source.HoldSamples())

	sc.prev = snap
	return snap
}

func delta(cur, prev uint64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur - prev)
}

func holdPercentiles(samples []time.Duration) (p50, p95, p99 time.Duration) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	data := make(stats.Float64Data, len(samples))
	for i, s := range samples {
		data[i] = float64(s)
	}
	pick := func(p float64) time.Duration {
		v, err := data.Percentile(p)
		if err != nil {
			return 0
		}
		return time.Duration(v)
	}
	return pick(50), pick(95), pick(99)
}
