// Package process finds processes by name and enumerates the sockets
// they have bound.
package process

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket/layers"
)

// ErrNotFound is returned when no process matches a pattern.
var ErrNotFound = errors.New("no matching process")

// Info describes a running process.
type Info struct {
	PID     uint32 `json:"pid"`
	Name    string `json:"name"`
	ExePath string `json:"exe_path,omitempty"`
}

func (i Info) String() string {
	return fmt.Sprintf("%s (PID: %d)", i.Name, i.PID)
}

// Endpoint is one socket owned by a process. Local may carry an
// unspecified address for sockets bound to all interfaces.
type Endpoint struct {
	Proto  layers.IPProtocol
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// Resolver is the OS-facing process/socket enumeration backend.
type Resolver interface {
	// FindProcesses returns every process whose name or executable
	// matches pattern, in ascending PID order.
	FindProcesses(ctx context.Context, pattern string) ([]Info, error)
	// ListBoundEndpoints returns the TCP/UDP sockets owned by pid.
	ListBoundEndpoints(ctx context.Context, pid uint32) ([]Endpoint, error)
}

// FindProcess returns the first process matching pattern.
func FindProcess(ctx context.Context, r Resolver, pattern string) (Info, error) {
	procs, err := r.FindProcesses(ctx, pattern)
	if err != nil {
		return Info{}, err
	}
	if len(procs) == 0 {
		return Info{}, fmt.Errorf("%w: %q", ErrNotFound, pattern)
	}
	return procs[0], nil
}

// NewResolver returns the resolver for the running platform.
func NewResolver() Resolver {
	return newPlatformResolver()
}
