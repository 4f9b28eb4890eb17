package cli

import (
	"context"

	"proc-throttle/internal/engine"
)

// watchSignals is a no-op on Windows; use "proc-throttle ctl".
func watchSignals(context.Context, *engine.Controller) {}
