//go:build !windows

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"proc-throttle/internal/core"
	"proc-throttle/internal/engine"
)

// watchSignals maps SIGHUP to a config reload and SIGUSR1 to a toggle
// until ctx ends.
func watchSignals(ctx context.Context, ctl *engine.Controller) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				switch sig {
				case syscall.SIGHUP:
					if err := ctl.Reload(); err != nil {
						core.Log.Errorf("Config", "Reload on SIGHUP: %v", err)
					}
				case syscall.SIGUSR1:
					ctl.Toggle()
				}
			}
		}
	}()
}
