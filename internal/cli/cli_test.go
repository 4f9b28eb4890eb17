package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"proc-throttle/internal/capture"
	"proc-throttle/internal/capture/capturetest"
	"proc-throttle/internal/core"
)

// execute runs the command line with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	SetVersionInfo("1.2.3", "abc123", "2024-01-01")
	t.Cleanup(func() { SetVersionInfo("dev", "unknown", "unknown") })

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "proc-throttle 1.2.3 (commit=abc123, built=2024-01-01)\n", out)
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "throttle.yaml")

	out, err := execute(t, "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	require.FileExists(t, path)

	_, err = execute(t, "config", "init", "--config", path)
	require.ErrorContains(t, err, "already exists")
	_, err = execute(t, "config", "init", "--force", "--config", path)
	require.NoError(t, err)

	t.Setenv("PROC_THROTTLE_LOSS", "0.25")
	t.Setenv("PROC_THROTTLE_PROCESS", "game.exe")
	out, err = execute(t, "config", "show", "-c", path)
	require.NoError(t, err)

	var cfg core.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, 0.25, cfg.Throttle.Loss)
	assert.Equal(t, "game.exe", cfg.Throttle.Process)
	assert.Equal(t, core.DefaultConfig().Throttle.BandwidthMbps, cfg.Throttle.BandwidthMbps)
}

func TestConfigShowRejectsBadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	t.Setenv("PROC_THROTTLE_LOSS", "2")

	_, err := execute(t, "config", "show", "--config", path)
	var cerr *core.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "loss", cerr.Field)
	assert.NoFileExists(t, path)
}

func TestApplyOverridesFlagsBeatEnv(t *testing.T) {
	t.Setenv("PROC_THROTTLE_LATENCY_MS", "40")
	t.Setenv("PROC_THROTTLE_BANDWIDTH_MBPS", "8")

	g := &globals{v: newViper()}
	cmd := newRunCommand(g)
	require.NoError(t, cmd.ParseFlags([]string{"--latency-ms", "90", "--enabled"}))
	require.NoError(t, g.bindFlags(cmd, map[string]string{
		"throttle.latency_ms":     "latency-ms",
		"throttle.bandwidth_mbps": "bandwidth-mbps",
		"throttle.enabled":        "enabled",
		"throttle.loss":           "loss",
	}))

	cfg := core.DefaultConfig()
	assert.True(t, g.applyOverrides(&cfg))
	assert.Equal(t, uint32(90), cfg.Throttle.LatencyMS)
	assert.Equal(t, 8.0, cfg.Throttle.BandwidthMbps)
	assert.True(t, cfg.Throttle.Enabled)
	assert.Equal(t, core.DefaultConfig().Throttle.Loss, cfg.Throttle.Loss)
	assert.Equal(t, "info", cfg.Logging.Level)

	g.verbose = true
	g.applyOverrides(&cfg)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyOverridesNothingSet(t *testing.T) {
	g := &globals{v: newViper()}
	cfg := core.DefaultConfig()
	assert.False(t, g.applyOverrides(&cfg))
	assert.Equal(t, core.DefaultConfig(), cfg)
}

func TestReplayCommand(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	out := filepath.Join(dir, "out.pcap")
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	f, err := os.Create(in)
	require.NoError(t, err)
	w, err := capture.NewPcapWriter(f)
	require.NoError(t, err)
	for i := range 4 {
		src := "10.0.0.2:5000"
		if i%2 == 1 {
			src = "10.0.0.2:6000"
		}
		pkt := &capture.Packet{Raw: capturetest.UDP(src, "1.1.1.1:443", 100)}
		require.NoError(t, w.WritePacket(pkt, t0.Add(time.Duration(i)*time.Millisecond)))
	}
	require.NoError(t, w.Close())

	stdout, err := execute(t, "replay",
		"--config", filepath.Join(dir, "none.yaml"),
		"--in", in, "--out", out,
		"--port", "5000", "--latency-ms", "20", "--bandwidth-mbps", "0")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Final Statistics")

	rf, err := os.Open(out)
	require.NoError(t, err)
	r, err := capture.NewPcapReader(rf)
	require.NoError(t, err)
	defer r.Close()

	delays := map[uint16][]time.Duration{}
	for {
		pkt, err := r.Recv(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		delays[pkt.Flow.SrcPort] = append(delays[pkt.Flow.SrcPort], pkt.Captured.Sub(t0))
	}
	assert.Equal(t, []time.Duration{time.Millisecond, 3 * time.Millisecond}, delays[6000])
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 22 * time.Millisecond}, delays[5000])
	assert.NoFileExists(t, filepath.Join(dir, "none.yaml"))
}

func TestReplayRequiresFiles(t *testing.T) {
	_, err := execute(t, "replay", "--in", "x.pcap")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "out"))
}

func TestPsRequiresPattern(t *testing.T) {
	_, err := execute(t, "ps")
	require.Error(t, err)
}
