package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proc-throttle/internal/core"
)

type eventLog struct {
	mu     sync.Mutex
	events []core.Event
}

func (l *eventLog) record(e core.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) types() []core.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func newTestBus(log *eventLog) *core.EventBus {
	bus := core.NewEventBus()
	for _, t := range []core.EventType{
		core.EventThrottleToggled, core.EventTargetChanged,
		core.EventConfigRejected, core.EventShutdownRequested,
	} {
		bus.Subscribe(t, log.record)
	}
	return bus
}

func TestControllerToggle(t *testing.T) {
	var log eventLog
	state := NewState(throttle(1000, 10, 0), false)
	c := NewController(state, ControllerDeps{Bus: newTestBus(&log)})

	assert.True(t, c.Toggle())
	assert.True(t, c.Enabled())
	assert.False(t, c.SetEnabled(true))
	assert.True(t, c.SetEnabled(false))
	assert.True(t, c.Toggle())

	assert.Equal(t, []core.EventType{
		core.EventThrottleToggled, core.EventThrottleToggled, core.EventThrottleToggled,
	}, log.types())
	assert.Equal(t, core.TogglePayload{Enabled: true}, log.events[2].Payload)
}

func TestControllerApply(t *testing.T) {
	var log eventLog
	state := NewState(throttle(1000, 10, 0), true)
	c := NewController(state, ControllerDeps{Bus: newTestBus(&log)})

	next := throttle(5000, 50, 0.1)
	next.ProcessSubstring = "browser"
	require.NoError(t, c.Apply(next))
	assert.Equal(t, next, *state.Config())

	bad := next
	bad.LossProbability = 1.5
	var cerr *core.ConfigError
	require.ErrorAs(t, c.Apply(bad), &cerr)
	assert.Equal(t, "loss", cerr.Field)
	assert.Equal(t, next, *state.Config())

	// Re-applying the same snapshot is silent.
	require.NoError(t, c.Apply(next))

	assert.Equal(t, []core.EventType{core.EventTargetChanged, core.EventConfigRejected}, log.types())
	assert.Equal(t, core.TargetPayload{Old: "game", New: "browser"}, log.events[0].Payload)

	st := c.Status()
	assert.True(t, st.Enabled)
	assert.Equal(t, "browser", st.Target)
	assert.Equal(t, next, st.Config)
}

func TestControllerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	bus := core.NewEventBus()
	cm := core.NewConfigManager(path, bus)
	require.NoError(t, cm.Load())

	state := NewState(cm.Get().ThrottleConfig(), false)
	c := NewController(state, ControllerDeps{Configs: cm, Bus: bus})

	cfg := cm.Get()
	cfg.Throttle.BandwidthMbps = 8
	cfg.Throttle.LatencyMS = 40
	cfg.Throttle.Process = "editor"
	require.NoError(t, cm.Set(cfg))
	require.NoError(t, cm.Save())

	// Set already applied it through the bus; the file round-trips too.
	assert.Equal(t, 1_000_000.0, state.Config().BandwidthBytesPerSec)
	require.NoError(t, c.Reload())
	assert.Equal(t, uint32(40), state.Config().LatencyMS)
	assert.Equal(t, "editor", state.Config().ProcessSubstring)

	require.NoError(t, os.WriteFile(path, []byte("throttle:\n  loss: 3\n"), 0o644))
	require.Error(t, c.Reload())
	assert.Equal(t, "editor", state.Config().ProcessSubstring)

	assert.Error(t, NewController(state, ControllerDeps{}).Reload())
}

func TestControllerShutdown(t *testing.T) {
	var log eventLog
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewController(NewState(throttle(0, 0, 0), true), ControllerDeps{
		Bus:      newTestBus(&log),
		Shutdown: cancel,
	})

	c.Shutdown()
	c.Shutdown()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Equal(t, []core.EventType{core.EventShutdownRequested}, log.types())
}
