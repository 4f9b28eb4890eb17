package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cm := NewConfigManager(path, nil)

	require.NoError(t, cm.Load())
	require.FileExists(t, path)

	cfg := cm.Get()
	require.Equal(t, "Your-process-here", cfg.Throttle.Process)
	require.Equal(t, 2.0, cfg.Throttle.BandwidthMbps)
	require.Equal(t, uint32(10), cfg.Throttle.LatencyMS)
	require.False(t, cfg.Throttle.Enabled)
	require.Equal(t, 250000.0, cfg.ThrottleConfig().BandwidthBytesPerSec)
	require.True(t, cfg.ColdStart())
}

func TestLoadRoundTripsThroughSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cm := NewConfigManager(path, nil)
	require.NoError(t, cm.Load())

	cfg := cm.Get()
	cfg.Throttle.Process = "game.exe"
	cfg.Engine.Shutdown = ShutdownDrop
	cfg.Engine.MaxHold = 2 * time.Second
	require.NoError(t, cm.Set(cfg))
	require.NoError(t, cm.Save())

	other := NewConfigManager(path, nil)
	require.NoError(t, other.Load())
	got := other.Get()
	require.Equal(t, "game.exe", got.Throttle.Process)
	require.Equal(t, ShutdownDrop, got.Engine.Shutdown)
	require.Equal(t, 2*time.Second, got.Engine.MaxHold)
}

func TestReloadRejectsInvalidAndKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	bus := NewEventBus()
	cm := NewConfigManager(path, bus)
	require.NoError(t, cm.Load())

	var rejected, reloaded int
	bus.Subscribe(EventConfigRejected, func(Event) { rejected++ })
	bus.Subscribe(EventConfigReloaded, func(Event) { reloaded++ })

	require.NoError(t, os.WriteFile(path, []byte("throttle:\n  process: app\n  loss: 1.5\n"), 0o644))
	err := cm.Reload()
	require.Error(t, err)

	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, "loss", ce.Field)
	require.Equal(t, "Your-process-here", cm.Get().Throttle.Process)
	require.Equal(t, 1, rejected)

	require.NoError(t, os.WriteFile(path, []byte("throttle: [broken"), 0o644))
	require.Error(t, cm.Reload())
	require.Equal(t, 2, rejected)

	require.NoError(t, os.WriteFile(path, []byte("throttle:\n  process: app\n  latency_ms: 50\n"), 0o644))
	require.NoError(t, cm.Reload())
	require.Equal(t, "app", cm.Get().Throttle.Process)
	tc := cm.Get().ThrottleConfig()
	require.Equal(t, 50*time.Millisecond, tc.Latency())
	require.Equal(t, 1, reloaded)
	// Unset sections fall back to defaults.
	require.Equal(t, 10000, cm.Get().Engine.MaxRateQueue)
}

func TestOverlaySurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("throttle:\n  process: app\n  loss: 0.1\n"), 0o644))

	bus := NewEventBus()
	cm := NewConfigManager(path, bus)
	cm.SetOverlay(func(c *Config) { c.Throttle.Loss = 0.5 })
	require.NoError(t, cm.Load())
	require.Equal(t, 0.5, cm.Get().Throttle.Loss)

	var published []Config
	bus.Subscribe(EventConfigReloaded, func(e Event) {
		published = append(published, e.Payload.(ConfigPayload).Config)
	})

	require.NoError(t, os.WriteFile(path, []byte("throttle:\n  process: other\n  loss: 0.2\n"), 0o644))
	require.NoError(t, cm.Reload())
	require.Equal(t, "other", cm.Get().Throttle.Process)
	require.Equal(t, 0.5, cm.Get().Throttle.Loss)
	require.Len(t, published, 1)
	require.Equal(t, 0.5, published[0].Throttle.Loss)

	// The file keeps its own value.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "loss: 0.2")
}

func TestInvalidOverlayIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cm := NewConfigManager(path, nil)
	cm.SetOverlay(func(c *Config) { c.Throttle.Loss = 2 })

	err := cm.Load()
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "loss", ce.Field)
}

func TestThrottleConfigValidate(t *testing.T) {
	tests := []struct {
		name  string
		cfg   ThrottleConfig
		field string
	}{
		{"valid", ThrottleConfig{BandwidthBytesPerSec: 1000, ProcessSubstring: "x"}, ""},
		{"unlimited", ThrottleConfig{ProcessSubstring: "x"}, ""},
		{"negative bandwidth", ThrottleConfig{BandwidthBytesPerSec: -1, ProcessSubstring: "x"}, "bandwidth"},
		{"loss above one", ThrottleConfig{LossProbability: 1.01, ProcessSubstring: "x"}, "loss"},
		{"loss below zero", ThrottleConfig{LossProbability: -0.1, ProcessSubstring: "x"}, "loss"},
		{"empty process", ThrottleConfig{ProcessSubstring: "  "}, "process"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			require.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestParseShutdownPolicy(t *testing.T) {
	p, err := ParseShutdownPolicy("DROP")
	require.NoError(t, err)
	require.Equal(t, ShutdownDrop, p)

	p, err = ParseShutdownPolicy("")
	require.NoError(t, err)
	require.Equal(t, ShutdownFlush, p)

	_, err = ParseShutdownPolicy("later")
	require.Error(t, err)
}

func TestIsFatal(t *testing.T) {
	require.True(t, IsFatal(&CaptureError{Op: "recv", Err: errors.New("closed")}))
	require.True(t, IsFatal(errors.Join(errors.New("x"), &CaptureError{Op: "send"})))
	require.False(t, IsFatal(&ClassificationError{Target: "a", Err: ErrUnsupported}))
	require.False(t, IsFatal(ErrQueueOverflow))
}
