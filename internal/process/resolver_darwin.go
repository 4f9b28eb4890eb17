//go:build darwin

package process

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"os"
	"slices"
	"unsafe"

	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"
)

// proc_info syscall constants (from XNU bsd/sys/proc_info.h).
const (
	sysProcInfo = 336 // SYS_PROC_INFO

	procInfoCallListPIDs  = 1 // PROC_INFO_CALL_LISTPIDS
	procInfoCallPIDInfo   = 2 // PROC_INFO_CALL_PIDINFO
	procInfoCallPIDFDInfo = 3 // PROC_INFO_CALL_PIDFDINFO

	procAllPIDs         = 1  // PROC_ALL_PIDS
	procPIDListFDs      = 1  // PROC_PIDLISTFDS
	procPIDFDSocketInfo = 3  // PROC_PIDFDSOCKETINFO
	procPIDPathInfo     = 11 // PROC_PIDPATHINFO

	procFDTypeSocket     = 2 // PROX_FDTYPE_SOCKET
	procPIDPathInfoMaxSz = 4096
)

// struct proc_fdinfo layout (8 bytes).
const (
	procFDInfoSize    = 8
	procFDFieldFD     = 0 // int32: file descriptor
	procFDFieldFDType = 4 // uint32: descriptor type
)

// struct socket_fdinfo offsets.
// Layout: proc_fileinfo(24) + socket_info(vinfo_stat(136) + fields(48) + union).
// The union starts with in_sockinfo at 208.
const (
	sockProtocolOff   = 180 // soi_protocol
	sockFamilyOff     = 184 // soi_family
	sockForeignPort   = 208 // insi_fport (network byte order)
	sockLocalPortOff  = 212 // insi_lport (network byte order)
	sockVFlagOff      = 232 // insi_vflag: 1 = IPv4, 2 = IPv6
	sockForeignAddr   = 240 // insi_faddr (in4in6_addr or in6_addr)
	sockLocalAddrOff  = 256 // insi_laddr
	sockFDInfoBufSz   = 1024
	in4in6AddrPadding = 12
)

type darwinResolver struct {
	paths *pathCache
}

func newPlatformResolver() Resolver {
	return &darwinResolver{paths: newPathCache(queryProcessPath)}
}

// FindProcesses implements Resolver.
func (r *darwinResolver) FindProcesses(ctx context.Context, pattern string) ([]Info, error) {
	pat, err := CompilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	pids, err := listAllPIDs()
	if err != nil {
		return nil, err
	}

	self := os.Getpid()
	live := make(map[uint32]string, len(pids))
	var out []Info
	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exe, ok := r.paths.get(uint32(pid))
		if !ok {
			continue
		}
		name := baseName(exe)
		live[uint32(pid)] = name
		if pid == self || !pat.Match(name, exe) {
			continue
		}
		out = append(out, Info{PID: uint32(pid), Name: name, ExePath: exe})
	}
	r.paths.retain(live)

	slices.SortFunc(out, func(a, b Info) int { return int(a.PID) - int(b.PID) })
	return out, nil
}

// ListBoundEndpoints implements Resolver by walking the socket fds of pid.
func (r *darwinResolver) ListBoundEndpoints(ctx context.Context, pid uint32) ([]Endpoint, error) {
	fdBuf := make([]byte, 64*1024) // handles ~8000 FDs per process
	n, err := callPIDInfo(int(pid), procPIDListFDs, 0, fdBuf)
	if err != nil {
		return nil, fmt.Errorf("list fds of %d: %w", pid, err)
	}

	sockBuf := make([]byte, sockFDInfoBufSz)
	var out []Endpoint
	for off := 0; off+procFDInfoSize <= n; off += procFDInfoSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if binary.LittleEndian.Uint32(fdBuf[off+procFDFieldFDType:]) != procFDTypeSocket {
			continue
		}
		fd := int(int32(binary.LittleEndian.Uint32(fdBuf[off+procFDFieldFD:])))
		if fd < 0 {
			continue
		}

		sn, err := callPIDFDInfo(int(pid), fd, procPIDFDSocketInfo, sockBuf)
		if err != nil || sn < sockLocalAddrOff+16 {
			continue
		}
		if ep, ok := parseSocketInfo(sockBuf); ok {
			out = append(out, ep)
		}
	}
	return out, nil
}

func parseSocketInfo(b []byte) (Endpoint, bool) {
	family := int32(binary.LittleEndian.Uint32(b[sockFamilyOff:]))
	if family != unix.AF_INET && family != unix.AF_INET6 {
		return Endpoint{}, false
	}

	var proto layers.IPProtocol
	switch int32(binary.LittleEndian.Uint32(b[sockProtocolOff:])) {
	case unix.IPPROTO_TCP:
		proto = layers.IPProtocolTCP
	case unix.IPPROTO_UDP:
		proto = layers.IPProtocolUDP
	default:
		return Endpoint{}, false
	}

	lport := binary.BigEndian.Uint16(b[sockLocalPortOff:])
	if lport == 0 {
		return Endpoint{}, false
	}
	fport := binary.BigEndian.Uint16(b[sockForeignPort:])
	v4 := b[sockVFlagOff]&0x1 != 0

	return Endpoint{
		Proto:  proto,
		Local:  netip.AddrPortFrom(sockAddr(b[sockLocalAddrOff:], v4), lport),
		Remote: netip.AddrPortFrom(sockAddr(b[sockForeignAddr:], v4), fport),
	}, true
}

func sockAddr(b []byte, v4 bool) netip.Addr {
	if v4 {
		return netip.AddrFrom4([4]byte(b[in4in6AddrPadding : in4in6AddrPadding+4]))
	}
	return netip.AddrFrom16([16]byte(b[:16])).Unmap()
}

// listAllPIDs returns all process IDs on the system.
func listAllPIDs() ([]int, error) {
	n, err := sysCallProcInfo(procInfoCallListPIDs, 0, procAllPIDs, 0, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("list PIDs: %w", err)
	}
	if n <= 0 {
		return nil, fmt.Errorf("proc_info returned 0 PIDs")
	}

	// 2x for processes started in between.
	buf := make([]byte, n*2)
	n, err = sysCallProcInfo(procInfoCallListPIDs, 0, procAllPIDs, 0, unsafe.Pointer(&buf[0]), len(buf))
	if err != nil {
		return nil, fmt.Errorf("list PIDs: %w", err)
	}

	pids := make([]int, 0, n/4)
	for i := 0; i+4 <= n; i += 4 {
		if pid := int32(binary.LittleEndian.Uint32(buf[i:])); pid > 0 {
			pids = append(pids, int(pid))
		}
	}
	return pids, nil
}

// queryProcessPath is proc_pidpath via the raw syscall (no cgo).
func queryProcessPath(pid uint32) (string, error) {
	buf := make([]byte, procPIDPathInfoMaxSz)
	n, err := callPIDInfo(int(pid), procPIDPathInfo, 0, buf)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", unix.ESRCH
	}
	return unix.ByteSliceToString(buf[:n]), nil
}

func callPIDInfo(pid, flavor int, arg uint64, buf []byte) (int, error) {
	return sysCallProcInfo(procInfoCallPIDInfo, pid, flavor, arg, unsafe.Pointer(&buf[0]), len(buf))
}

// For PIDFDINFO the flavor slot carries the fd and arg the fdinfo flavor.
func callPIDFDInfo(pid, fd, fdInfoFlavor int, buf []byte) (int, error) {
	return sysCallProcInfo(procInfoCallPIDFDInfo, pid, fd, uint64(fdInfoFlavor), unsafe.Pointer(&buf[0]), len(buf))
}

func sysCallProcInfo(callnum, pid, flavor int, arg uint64, buf unsafe.Pointer, bufsize int) (int, error) {
	r1, _, errno := unix.Syscall6(
		sysProcInfo,
		uintptr(callnum),
		uintptr(pid),
		uintptr(flavor),
		uintptr(arg),
		uintptr(buf),
		uintptr(bufsize),
	)
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}
