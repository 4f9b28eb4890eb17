package shaper

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proc-throttle/internal/capture"
	"proc-throttle/internal/capture/capturetest"
	"proc-throttle/internal/core"
)

func pkt(src string, seq int) *capture.Packet {
	raw := capturetest.Build(capturetest.Spec{Src: src, Dst: "10.0.0.9:80", PayloadLen: seq})
	return capture.NewPacket(raw, epoch, seq)
}

func TestDelayQueueFIFOPerFlowInterleaved(t *testing.T) {
	q := NewDelayQueue(0)
	flows := []string{"10.0.0.1:1000", "10.0.0.2:2000", "10.0.0.3:3000"}

	now := epoch
	for i := range 30 {
		p := pkt(flows[i%len(flows)], i)
		// Latency alternates so later packets would overtake without the flow clamp.
		latency := 100 * time.Millisecond
		if i%2 == 1 {
			latency = 10 * time.Millisecond
		}
		_, err := q.Schedule(p, latency, now)
		require.NoError(t, err)
		now = now.Add(time.Millisecond)
	}
	require.Equal(t, 30, q.Len())

	out := q.DrainReady(epoch.Add(time.Hour), nil)
	require.Len(t, out, 30)

	last := map[capture.FiveTuple]int{}
	var prev time.Time
	for _, r := range out {
		seq := r.Packet.Tag.(int)
		if s, ok := last[r.Packet.Flow]; ok {
			require.Greater(t, seq, s, "flow %s reordered", r.Packet.Flow)
		}
		last[r.Packet.Flow] = seq
		require.False(t, r.Release.Before(prev))
		prev = r.Release
	}
	require.Zero(t, q.Len())
	for _, f := range flows {
		require.Zero(t, q.Pending(pkt(f, 0).Flow))
	}
}

func TestDelayQueueLatencyDecreaseKeepsOrder(t *testing.T) {
	q := NewDelayQueue(0)
	a := pkt("10.0.0.1:1000", 1)
	b := pkt("10.0.0.1:1000", 2)

	ra, err := q.Schedule(a, 500*time.Millisecond, epoch)
	require.NoError(t, err)
	rb, err := q.Schedule(b, 0, epoch.Add(time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, ra, rb)

	require.Empty(t, q.DrainReady(epoch.Add(499*time.Millisecond), nil))
	out := q.DrainReady(epoch.Add(500*time.Millisecond), nil)
	require.Len(t, out, 2)
	require.Equal(t, 1, out[0].Packet.Tag)
	require.Equal(t, 2, out[1].Packet.Tag)
}

func TestDelayQueueDrainReadyRespectsTime(t *testing.T) {
	q := NewDelayQueue(0)
	for i := range 5 {
		_, err := q.Schedule(pkt(fmt.Sprintf("10.0.0.%d:1000", i+1), i), time.Duration(i+1)*10*time.Millisecond, epoch)
		require.NoError(t, err)
	}

	next, ok := q.NextRelease()
	require.True(t, ok)
	require.Equal(t, epoch.Add(10*time.Millisecond), next)

	require.Len(t, q.DrainReady(epoch.Add(25*time.Millisecond), nil), 2)
	require.Equal(t, 3, q.Len())

	flushed := q.Flush(nil)
	require.Len(t, flushed, 3)
	require.Equal(t, 2, flushed[0].Packet.Tag)
	_, ok = q.NextRelease()
	require.False(t, ok)
}

func TestDelayQueueOverflow(t *testing.T) {
	q := NewDelayQueue(2)
	_, err := q.Schedule(pkt("10.0.0.1:1", 0), time.Second, epoch)
	require.NoError(t, err)
	_, err = q.Schedule(pkt("10.0.0.1:1", 1), time.Second, epoch)
	require.NoError(t, err)
	_, err = q.Schedule(pkt("10.0.0.1:1", 2), time.Second, epoch)
	require.ErrorIs(t, err, core.ErrQueueOverflow)
	require.Equal(t, 2, q.Len())
}
