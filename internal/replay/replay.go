// Package replay drives the shaping engine in virtual time from a pcap
// file, so a configuration can be evaluated offline and repeatably.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"proc-throttle/internal/capture"
	"proc-throttle/internal/core"
	"proc-throttle/internal/engine"
)

// Source yields captured packets in timestamp order and io.EOF at the end.
type Source interface {
	Recv(ctx context.Context) (*capture.Packet, error)
}

// Writer receives forwarded packets with their shaped timestamps.
type Writer interface {
	WritePacket(pkt *capture.Packet, at time.Time) error
}

// Options configures a replay.
type Options struct {
	Throttle core.ThrottleConfig
	// Ports selects the target traffic by local or remote port. Empty
	// means every IP packet is the target.
	Ports  []uint16
	Engine engine.Options
}

// Result summarises a replay.
type Result struct {
	Stats   engine.StatsSnapshot
	Skipped int // packets without a parsable 5-tuple
}

// PortOwner claims flows with either port in ports, or every valid flow
// when ports is empty.
func PortOwner(ports []uint16) engine.OwnerFunc {
	set := slices.Clone(ports)
	slices.Sort(set)
	return func(ft capture.FiveTuple) bool {
		if !ft.Valid() {
			return false
		}
		if len(set) == 0 {
			return true
		}
		_, src := slices.BinarySearch(set, ft.SrcPort)
		_, dst := slices.BinarySearch(set, ft.DstPort)
		return src || dst
	}
}

type writerSink struct {
	w Writer
}

func (s writerSink) Forward(pkt *capture.Packet, at time.Time) error {
	return s.w.WritePacket(pkt, at)
}

// Run replays src through a fresh engine and writes survivors to dst.
// Virtual time follows the capture timestamps; a timestamp earlier than
// the previous one is treated as simultaneous.
func Run(ctx context.Context, src Source, dst Writer, opts Options) (Result, error) {
	if err := opts.Throttle.Validate(); err != nil {
		return Result{}, err
	}

	var now time.Time
	clock := func() time.Time { return now }

	state := engine.NewState(opts.Throttle, true)
	e := engine.New(state, PortOwner(opts.Ports), writerSink{dst}, opts.Engine)
	stats := engine.NewStatsCollector(e, state, time.Second)
	stats.SetClock(clock)

	var res Result
	started := false
	for {
		pkt, err := src.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("replay: read: %w", err)
		}
		if !pkt.Flow.Valid() {
			res.Skipped++
		}

		at := pkt.Captured
		if !started {
			now = at
			stats.Reset()
			started = true
		}
		if at.Before(now) {
			at = now
		}
		if err := advance(e, &now, at); err != nil {
			return res, err
		}
		if err := e.Ingest(pkt, now); err != nil {
			return res, fmt.Errorf("replay: %w", err)
		}
	}

	if err := drain(e, &now); err != nil {
		return res, err
	}
	res.Stats = stats.Collect()
	core.Log.Infof("Replay", "Replayed %d packets over %s", res.Stats.Processed, res.Stats.Runtime())
	return res, nil
}

// advance ticks through every engine deadline up to until.
func advance(e *engine.Engine, now *time.Time, until time.Time) error {
	for {
		dl, ok := e.NextDeadline()
		if !ok || dl.After(until) {
			break
		}
		if dl.After(*now) {
			*now = dl
		}
		if err := e.Tick(*now); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
	}
	*now = until
	return nil
}

// drain releases everything still queued once the input is exhausted.
func drain(e *engine.Engine, now *time.Time) error {
	for e.Pending() > 0 {
		dl, ok := e.NextDeadline()
		if !ok {
			break
		}
		if dl.After(*now) {
			*now = dl
		}
		if err := e.Tick(*now); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
	}
	return nil
}
