package shaper

import (
	"time"

	"github.com/google/btree"

	"proc-throttle/internal/capture"
	"proc-throttle/internal/core"
)

// DefaultMaxDelayQueue bounds the delay queue when no limit is configured.
const DefaultMaxDelayQueue = 65536

type delayEntry struct {
	release time.Time
	seq     uint64
	pkt     *capture.Packet
}

func lessEntry(a, b delayEntry) bool {
	if !a.release.Equal(b.release) {
		return a.release.Before(b.release)
	}
	return a.seq < b.seq
}

// Released is a packet leaving the delay queue.
type Released struct {
	Packet  *capture.Packet
	Release time.Time
}

// DelayQueue holds packets until their release time. Packets of one flow
// leave in insertion order even if the latency shrinks between them.
// Not safe for concurrent use.
type DelayQueue struct {
	tree     *btree.BTreeG[delayEntry]
	seq      uint64
	maxDepth int

	lastRelease map[capture.FiveTuple]time.Time
	pending     map[capture.FiveTuple]int
}

// NewDelayQueue creates an empty queue holding at most maxDepth packets.
func NewDelayQueue(maxDepth int) *DelayQueue {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDelayQueue
	}
	return &DelayQueue{
		tree:        btree.NewG(32, lessEntry),
		maxDepth:    maxDepth,
		lastRelease: make(map[capture.FiveTuple]time.Time),
		pending:     make(map[capture.FiveTuple]int),
	}
}

// Schedule queues pkt for release at now+latency, or later if an earlier
// packet of the same flow is still waiting. Returns core.ErrQueueOverflow
// when the queue is full; the packet is not queued in that case.
func (q *DelayQueue) Schedule(pkt *capture.Packet, latency time.Duration, now time.Time) (time.Time, error) {
	if q.tree.Len() >= q.maxDepth {
		return time.Time{}, core.ErrQueueOverflow
	}

	release := now.Add(latency)
	if last, ok := q.lastRelease[pkt.Flow]; ok && last.After(release) {
		release = last
	}

	q.seq++
	q.tree.ReplaceOrInsert(delayEntry{release: release, seq: q.seq, pkt: pkt})
	q.lastRelease[pkt.Flow] = release
	q.pending[pkt.Flow]++
	return release, nil
}

// DrainReady removes every packet due at or before now, appending them
// to out in release order.
func (q *DelayQueue) DrainReady(now time.Time, out []Released) []Released {
	for {
		e, ok := q.tree.Min()
		if !ok || e.release.After(now) {
			return out
		}
		q.tree.DeleteMin()
		q.forget(e.pkt.Flow)
		out = append(out, Released{Packet: e.pkt, Release: e.release})
	}
}

// Flush removes every queued packet regardless of release time.
func (q *DelayQueue) Flush(out []Released) []Released {
	q.tree.Ascend(func(e delayEntry) bool {
		out = append(out, Released{Packet: e.pkt, Release: e.release})
		return true
	})
	q.tree.Clear(false)
	clear(q.lastRelease)
	clear(q.pending)
	return out
}

func (q *DelayQueue) forget(flow capture.FiveTuple) {
	n := q.pending[flow] - 1
	if n <= 0 {
		delete(q.pending, flow)
		delete(q.lastRelease, flow)
		return
	}
	q.pending[flow] = n
}

// NextRelease returns the earliest release time.
func (q *DelayQueue) NextRelease() (time.Time, bool) {
	e, ok := q.tree.Min()
	if !ok {
		return time.Time{}, false
	}
	return e.release, true
}

// Pending returns the number of queued packets of flow.
func (q *DelayQueue) Pending(flow capture.FiveTuple) int {
	return q.pending[flow]
}

// Len returns the number of queued packets.
func (q *DelayQueue) Len() int { return q.tree.Len() }
