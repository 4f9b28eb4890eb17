package core

import (
	"errors"
	"fmt"
)

// ErrQueueOverflow is returned when a shaping queue exceeds its bound.
// The packet that triggered it is dropped and counted.
var ErrQueueOverflow = errors.New("queue overflow")

// ErrUnsupported reports that the current platform has no backend for
// an OS-bound collaborator (capture driver, process resolver).
var ErrUnsupported = errors.New("not supported on this platform")

// CaptureError is a capture/injection driver failure. It is fatal: the
// pipeline stops intercepting and the target's traffic flows unthrottled.
type CaptureError struct {
	Op  string
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("[Capture] %s: %v", e.Op, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// ClassificationError is a process or socket enumeration failure.
// Non-fatal: the classifier reports "no match" for the cycle.
type ClassificationError struct {
	Target string
	Err    error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("[Classifier] resolve %q: %v", e.Target, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// ConfigError is a rejected configuration snapshot. The prior valid
// snapshot stays in effect.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		if e.Err != nil {
			return fmt.Sprintf("[Config] %s: %v", e.Reason, e.Err)
		}
		return "[Config] " + e.Reason
	}
	return fmt.Sprintf("[Config] %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsFatal reports whether err must terminate the engine.
func IsFatal(err error) bool {
	var ce *CaptureError
	return errors.As(err, &ce)
}
