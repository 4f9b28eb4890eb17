//go:build !windows

package control

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
)

// DefaultAddress is the Unix socket the control API listens on.
var DefaultAddress = filepath.Join(os.TempDir(), "proc-throttle.sock")

// Listen opens a Unix socket, replacing a stale one left by a crashed run.
func Listen(address string) (net.Listener, error) {
	if address == "" {
		address = DefaultAddress
	}
	if conn, err := net.Dial("unix", address); err == nil {
		conn.Close()
		return nil, errors.New("another instance is listening on " + address)
	}
	if err := os.Remove(address); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	ln, err := net.Listen("unix", address)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(address, 0o600); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// Dial connects to a control socket.
func Dial(ctx context.Context, address string) (net.Conn, error) {
	if address == "" {
		address = DefaultAddress
	}
	var d net.Dialer
	return d.DialContext(ctx, "unix", address)
}
