package output

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"proc-throttle/internal/core"
	"proc-throttle/internal/engine"
	"proc-throttle/internal/process"
)

func TestBytes(t *testing.T) {
	for _, tc := range []struct {
		n    uint64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
	} {
		assert.Equal(t, tc.want, Bytes(tc.n), "%d", tc.n)
	}
}

func TestBandwidth(t *testing.T) {
	assert.Equal(t, "unlimited", Bandwidth(0))
	assert.Equal(t, "2.00 Mbit/s (244.1 KiB/s)", Bandwidth(core.MbpsToBytesPerSec(2)))
}

func TestFinalStats(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := FinalStats(engine.StatsSnapshot{
		Counters:  engine.Counters{Processed: 1000, Throttled: 400, Dropped: 12, Overflow: 3},
		Started:   start,
		Timestamp: start.Add(8 * time.Second),
	})
	assert.Contains(t, out, "Final Statistics")
	assert.Contains(t, out, "Total packets processed")
	assert.Contains(t, out, "1000")
	assert.Contains(t, out, "15")
	assert.Contains(t, out, "125.00")
	assert.Contains(t, out, "8.0 seconds")
}

func TestStatusAndProcesses(t *testing.T) {
	st := engine.Status{
		Enabled:   true,
		Target:    "game",
		Config:    core.ThrottleConfig{BandwidthBytesPerSec: 250000, LatencyMS: 30, LossProbability: 0.02, ProcessSubstring: "game"},
		Processes: []process.Info{{PID: 42, Name: "game.exe"}},
		Ports:     []uint16{5000, 5001},
	}
	out := Status(st)
	assert.Contains(t, out, "THROTTLING")
	assert.Contains(t, out, "game.exe (PID: 42)")
	assert.Contains(t, out, "5000 5001")
	assert.Contains(t, out, "30 ms")
	assert.Contains(t, out, "2.0%")

	ps := Processes([]process.Info{{PID: 42, Name: "game.exe", ExePath: `C:\Games\game.exe`}},
		map[uint32][]process.Endpoint{42: make([]process.Endpoint, 3)})
	assert.Contains(t, ps, "game.exe")
	assert.Contains(t, ps, "1 processes")
}
