//go:build !windows

package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proc-throttle/internal/control"
	"proc-throttle/internal/core"
	"proc-throttle/internal/engine"
)

func TestRunWithoutCaptureBackendIsFatal(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "run",
		"--config", filepath.Join(dir, "config.yaml"),
		"--control", filepath.Join(dir, "ctl.sock"),
		"--process", "no-such-process")
	require.Error(t, err)
	assert.True(t, core.IsFatal(err))
	assert.ErrorIs(t, err, core.ErrUnsupported)
	assert.FileExists(t, filepath.Join(dir, "config.yaml"))
}

func startControl(t *testing.T) (*engine.State, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "ctl.sock")
	cfg := core.ThrottleConfig{BandwidthBytesPerSec: 250_000, LatencyMS: 10, ProcessSubstring: "game"}
	state := engine.NewState(cfg, false)
	ctl := engine.NewController(state, engine.ControllerDeps{})

	stop, err := control.NewServer(ctl, nil).ListenAndServe(sock)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = stop(ctx)
	})
	return state, sock
}

func TestCtlCommands(t *testing.T) {
	state, sock := startControl(t)

	out, err := execute(t, "ctl", "toggle", "--address", sock)
	require.NoError(t, err)
	assert.Equal(t, "Throttling ENABLED\n", out)
	assert.True(t, state.Enabled())

	out, err = execute(t, "ctl", "enable", "--address", sock)
	require.NoError(t, err)
	assert.Equal(t, "Throttling ENABLED (unchanged)\n", out)

	out, err = execute(t, "ctl", "set", "--address", sock, "--latency-ms", "75", "--loss", "0.1")
	require.NoError(t, err)
	assert.Contains(t, out, "75 ms")
	assert.Equal(t, uint32(75), state.Config().LatencyMS)
	assert.Equal(t, 0.1, state.Config().LossProbability)
	assert.Equal(t, 250_000.0, state.Config().BandwidthBytesPerSec)

	_, err = execute(t, "ctl", "set", "--address", sock, "--loss", "3")
	var apiErr *control.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "loss", apiErr.Field)

	out, err = execute(t, "ctl", "status", "--address", sock)
	require.NoError(t, err)
	assert.Contains(t, out, "THROTTLING")
	assert.Contains(t, out, "game")

	_, err = execute(t, "ctl", "reload", "--address", sock)
	require.ErrorAs(t, err, &apiErr)

	out, err = execute(t, "ctl", "disable", "--address", sock)
	require.NoError(t, err)
	assert.Equal(t, "Throttling DISABLED\n", out)
}

func TestCtlAddressFromEnv(t *testing.T) {
	_, sock := startControl(t)
	t.Setenv("PROC_THROTTLE_CONTROL", sock)

	out, err := execute(t, "ctl", "toggle", "--config", filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "Throttling ENABLED\n", out)
}
