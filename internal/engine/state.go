package engine

import (
	"sync/atomic"

	"proc-throttle/internal/core"
)

// State is the shared control state read by the packet loop. Writers
// swap values atomically and poke the wake channel so the loop notices
// without waiting for its next timer.
type State struct {
	enabled atomic.Bool
	config  atomic.Pointer[core.ThrottleConfig]
	wake    chan struct{}
}

// NewState creates a state holding cfg. cfg is not validated here.
func NewState(cfg core.ThrottleConfig, enabled bool) *State {
	s := &State{wake: make(chan struct{}, 1)}
	s.config.Store(&cfg)
	s.enabled.Store(enabled)
	return s
}

// Enabled reports whether shaping is on.
func (s *State) Enabled() bool { return s.enabled.Load() }

// SetEnabled stores v and reports whether it changed.
func (s *State) SetEnabled(v bool) bool {
	if s.enabled.Swap(v) == v {
		return false
	}
	s.notify()
	return true
}

// Toggle flips the enabled flag and returns the new value.
func (s *State) Toggle() bool {
	for {
		old := s.enabled.Load()
		if s.enabled.CompareAndSwap(old, !old) {
			s.notify()
			return !old
		}
	}
}

// Config returns the current snapshot. Callers must not modify it.
func (s *State) Config() *core.ThrottleConfig { return s.config.Load() }

// SetConfig validates and installs cfg.
func (s *State) SetConfig(cfg core.ThrottleConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.config.Store(&cfg)
	s.notify()
	return nil
}

// Wake is signalled after every change.
func (s *State) Wake() <-chan struct{} { return s.wake }

func (s *State) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
