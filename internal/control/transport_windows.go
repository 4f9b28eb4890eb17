//go:build windows

package control

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

// DefaultAddress is the named pipe the control API listens on.
const DefaultAddress = `\\.\pipe\proc-throttle`

// Listen opens a named pipe. Any authenticated user may connect, so the
// CLI works from a non-elevated shell.
func Listen(address string) (net.Listener, error) {
	if address == "" {
		address = DefaultAddress
	}
	return winio.ListenPipe(address, &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;AU)",
		InputBufferSize:    64 * 1024,
		OutputBufferSize:   64 * 1024,
	})
}

// Dial connects to a control pipe.
func Dial(ctx context.Context, address string) (net.Conn, error) {
	if address == "" {
		address = DefaultAddress
	}
	return winio.DialPipeContext(ctx, address)
}
