//go:build !windows

package capture

import "proc-throttle/internal/core"

// OpenLive opens the platform's live capture backend. Only WinDivert on
// Windows is available; elsewhere use offline replay.
func OpenLive(cfg Config) (Handle, error) {
	return nil, &core.CaptureError{Op: "open", Err: core.ErrUnsupported}
}
