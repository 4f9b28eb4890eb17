//go:build linux

package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/google/gopacket/layers"
	"github.com/prometheus/procfs"
)

// procResolver reads /proc through prometheus/procfs.
type procResolver struct {
	mountPoint string
	self       int
}

func newPlatformResolver() Resolver {
	return &procResolver{mountPoint: procfs.DefaultMountPoint, self: os.Getpid()}
}

// NewProcResolver reads an alternative procfs mount, e.g. a fixture tree.
func NewProcResolver(mountPoint string) Resolver {
	return &procResolver{mountPoint: mountPoint, self: -1}
}

func (r *procResolver) fs() (procfs.FS, error) {
	return procfs.NewFS(r.mountPoint)
}

// FindProcesses implements Resolver.
func (r *procResolver) FindProcesses(ctx context.Context, pattern string) ([]Info, error) {
	pat, err := CompilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	pfs, err := r.fs()
	if err != nil {
		return nil, err
	}
	procs, err := pfs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var out []Info
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.PID == r.self {
			continue
		}
		comm, err := p.Comm()
		if err != nil {
			// Exited while listing.
			continue
		}
		exe, _ := p.Executable()
		if !pat.Match(comm, exe) {
			continue
		}
		name := comm
		if exe != "" {
			name = baseName(exe)
		}
		out = append(out, Info{PID: uint32(p.PID), Name: name, ExePath: exe})
	}

	slices.SortFunc(out, func(a, b Info) int { return int(a.PID) - int(b.PID) })
	return out, nil
}

// ListBoundEndpoints implements Resolver. Socket inodes from the fd table
// are joined against /proc/net/{tcp,tcp6,udp,udp6}.
func (r *procResolver) ListBoundEndpoints(ctx context.Context, pid uint32) ([]Endpoint, error) {
	pfs, err := r.fs()
	if err != nil {
		return nil, err
	}
	p, err := pfs.Proc(int(pid))
	if err != nil {
		return nil, err
	}
	targets, err := p.FileDescriptorTargets()
	if err != nil {
		return nil, fmt.Errorf("read fds of %d: %w", pid, err)
	}

	inodes := make(map[uint64]struct{}, len(targets))
	for _, t := range targets {
		if ino, ok := socketInode(t); ok {
			inodes[ino] = struct{}{}
		}
	}
	if len(inodes) == 0 {
		return nil, nil
	}

	var out []Endpoint
	tables := []struct {
		proto layers.IPProtocol
		read  func() ([]socketLine, error)
	}{
		{layers.IPProtocolTCP, func() ([]socketLine, error) { t, err := pfs.NetTCP(); return tcpLines(t), err }},
		{layers.IPProtocolTCP, func() ([]socketLine, error) { t, err := pfs.NetTCP6(); return tcpLines(t), err }},
		{layers.IPProtocolUDP, func() ([]socketLine, error) { t, err := pfs.NetUDP(); return udpLines(t), err }},
		{layers.IPProtocolUDP, func() ([]socketLine, error) { t, err := pfs.NetUDP6(); return udpLines(t), err }},
	}
	for _, tbl := range tables {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lines, err := tbl.read()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// IPv6 disabled.
				continue
			}
			return nil, err
		}
		for _, l := range lines {
			if _, ok := inodes[l.inode]; !ok {
				continue
			}
			out = append(out, Endpoint{
				Proto:  tbl.proto,
				Local:  netip.AddrPortFrom(toAddr(l.localAddr), uint16(l.localPort)),
				Remote: netip.AddrPortFrom(toAddr(l.remAddr), uint16(l.remPort)),
			})
		}
	}
	return out, nil
}

type socketLine struct {
	localAddr, remAddr net.IP
	localPort, remPort uint64
	inode              uint64
}

func tcpLines(t procfs.NetTCP) []socketLine {
	out := make([]socketLine, 0, len(t))
	for _, l := range t {
		out = append(out, socketLine{l.LocalAddr, l.RemAddr, l.LocalPort, l.RemPort, l.Inode})
	}
	return out
}

func udpLines(t procfs.NetUDP) []socketLine {
	out := make([]socketLine, 0, len(t))
	for _, l := range t {
		out = append(out, socketLine{l.LocalAddr, l.RemAddr, l.LocalPort, l.RemPort, l.Inode})
	}
	return out
}

// socketInode parses an fd link target of the form "socket:[12345]".
func socketInode(target string) (uint64, bool) {
	rest, ok := strings.CutPrefix(target, "socket:[")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, "]")
	if !ok {
		return 0, false
	}
	ino, err := strconv.ParseUint(rest, 10, 64)
	return ino, err == nil
}

func toAddr(ip net.IP) netip.Addr {
	if v4 := ip.To4(); v4 != nil {
		a, _ := netip.AddrFromSlice(v4)
		return a
	}
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}
