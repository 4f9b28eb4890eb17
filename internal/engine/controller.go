package engine

import (
	"context"
	"errors"
	"sync"

	"proc-throttle/internal/classifier"
	"proc-throttle/internal/core"
	"proc-throttle/internal/process"
)

// Status is what the control API reports.
type Status struct {
	Enabled   bool                `json:"enabled"`
	Config    core.ThrottleConfig `json:"config"`
	Target    string              `json:"target"`
	Processes []process.Info      `json:"processes"`
	Ports     []uint16            `json:"ports"`
	Stats     StatsSnapshot       `json:"stats"`
}

// Controller applies control requests (toggle, reconfigure, reload,
// shutdown) to the shared State. Every mutation is an atomic swap plus a
// wake-up; the packet loop picks it up on its next iteration.
type Controller struct {
	state      *State
	configs    *core.ConfigManager
	classifier *classifier.Classifier
	stats      *StatsCollector
	bus        *core.EventBus

	shutdownOnce sync.Once
	shutdown     context.CancelFunc
}

// ControllerDeps groups the optional collaborators of a Controller.
type ControllerDeps struct {
	Configs    *core.ConfigManager
	Classifier *classifier.Classifier
	Stats      *StatsCollector
	Bus        *core.EventBus
	// Shutdown stops the run loop.
	Shutdown context.CancelFunc
}

// NewController creates a Controller and subscribes it to config reloads.
func NewController(state *State, deps ControllerDeps) *Controller {
	c := &Controller{
		state:      state,
		configs:    deps.Configs,
		classifier: deps.Classifier,
		stats:      deps.Stats,
		bus:        deps.Bus,
		shutdown:   deps.Shutdown,
	}
	if c.bus != nil {
		c.bus.Subscribe(core.EventConfigReloaded, func(e core.Event) {
			p, ok := e.Payload.(core.ConfigPayload)
			if !ok {
				return
			}
			if err := c.Apply(p.Config.ThrottleConfig()); err != nil {
				core.Log.Warnf("Control", "Reloaded config not applied: %v", err)
			}
		})
	}
	return c
}

// Enabled reports whether shaping is on.
func (c *Controller) Enabled() bool { return c.state.Enabled() }

// Toggle flips shaping on or off and returns the new state.
func (c *Controller) Toggle() bool {
	enabled := c.state.Toggle()
	c.announce(enabled)
	return enabled
}

// SetEnabled sets the enabled flag. It reports whether anything changed;
// setting the current value is a no-op.
func (c *Controller) SetEnabled(v bool) bool {
	if !c.state.SetEnabled(v) {
		return false
	}
	c.announce(v)
	return true
}

func (c *Controller) announce(enabled bool) {
	status := "DISABLED"
	if enabled {
		status = "ENABLED"
	}
	cfg := c.state.Config()
	core.Log.Infof("Control", "Throttling %s for %q", status, cfg.ProcessSubstring)
	if c.bus != nil {
		c.bus.Publish(core.Event{Type: core.EventThrottleToggled, Payload: core.TogglePayload{Enabled: enabled}})
	}
}

// Apply validates cfg and installs it. A rejected snapshot returns a
// *core.ConfigError and leaves the current one in effect.
func (c *Controller) Apply(cfg core.ThrottleConfig) error {
	old := *c.state.Config()
	if err := c.state.SetConfig(cfg); err != nil {
		core.Log.Warnf("Control", "Config rejected: %v", err)
		if c.bus != nil {
			c.bus.Publish(core.Event{Type: core.EventConfigRejected, Payload: err})
		}
		return err
	}
	if old == cfg {
		return nil
	}
	core.Log.Infof("Control", "Applied %s", cfg)

	if old.ProcessSubstring != cfg.ProcessSubstring {
		if c.classifier != nil {
			c.classifier.SetTarget(cfg.ProcessSubstring)
		}
		if c.bus != nil {
			c.bus.Publish(core.Event{Type: core.EventTargetChanged, Payload: core.TargetPayload{
				Old: old.ProcessSubstring, New: cfg.ProcessSubstring,
			}})
		}
	}
	return nil
}

// Reload re-reads the config file. Success flows back through
// EventConfigReloaded into Apply.
func (c *Controller) Reload() error {
	if c.configs == nil {
		return errors.New("no config file")
	}
	return c.configs.Reload()
}

// Shutdown asks the run loop to stop. Safe to call more than once.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		core.Log.Infof("Control", "Shutdown requested")
		if c.bus != nil {
			c.bus.Publish(core.Event{Type: core.EventShutdownRequested})
		}
		if c.shutdown != nil {
			c.shutdown()
		}
	})
}

// Status reports the current control values, binding and counters.
func (c *Controller) Status() Status {
	cfg := *c.state.Config()
	st := Status{
		Enabled: c.state.Enabled(),
		Config:  cfg,
		Target:  cfg.ProcessSubstring,
	}
	if c.classifier != nil {
		b := c.classifier.Binding()
		st.Processes = b.Processes
		st.Ports = b.Ports()
	}
	if c.stats != nil {
		st.Stats = c.stats.Latest()
	}
	return st
}
