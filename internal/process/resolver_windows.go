//go:build windows

package process

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"unsafe"

	"github.com/google/gopacket/layers"
	"golang.org/x/sys/windows"
)

var (
	modIPHlpAPI = windows.NewLazySystemDLL("iphlpapi.dll")

	procGetExtendedTcpTable = modIPHlpAPI.NewProc("GetExtendedTcpTable")
	procGetExtendedUdpTable = modIPHlpAPI.NewProc("GetExtendedUdpTable")
)

const (
	tcpTableOwnerPIDAll = 5 // TCP_TABLE_OWNER_PID_ALL
	udpTableOwnerPID    = 1 // UDP_TABLE_OWNER_PID

	errInsufficientBuffer = 122
)

// Row layouts of the owner-PID tables.
var tableLayouts = []struct {
	proto   layers.IPProtocol
	family  uint32
	rowSize int
	// byte offsets inside a row
	localAddr, localPort, remoteAddr, remotePort, pid int
	addrLen                                           int
}{
	// MIB_TCPROW_OWNER_PID: state, laddr, lport, raddr, rport, pid
	{layers.IPProtocolTCP, windows.AF_INET, 24, 4, 8, 12, 16, 20, 4},
	// MIB_TCP6ROW_OWNER_PID: laddr[16], lscope, lport, raddr[16], rscope, rport, state, pid
	{layers.IPProtocolTCP, windows.AF_INET6, 56, 0, 20, 24, 44, 52, 16},
	// MIB_UDPROW_OWNER_PID: laddr, lport, pid
	{layers.IPProtocolUDP, windows.AF_INET, 12, 0, 4, -1, -1, 8, 4},
	// MIB_UDP6ROW_OWNER_PID: laddr[16], lscope, lport, pid
	{layers.IPProtocolUDP, windows.AF_INET6, 28, 0, 20, -1, -1, 24, 16},
}

// winResolver uses a toolhelp snapshot for processes and the iphlpapi
// owner-PID tables for sockets.
type winResolver struct {
	paths   *pathCache
	bufPool sync.Pool
}

func newPlatformResolver() Resolver {
	return &winResolver{
		paths: newPathCache(queryProcessPath),
		bufPool: sync.Pool{
			New: func() any {
				b := make([]byte, 64*1024)
				return &b
			},
		},
	}
}

// FindProcesses implements Resolver.
func (r *winResolver) FindProcesses(ctx context.Context, pattern string) ([]Info, error) {
	pat, err := CompilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, fmt.Errorf("CreateToolhelp32Snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Process32First(snap, &entry); err != nil {
		return nil, fmt.Errorf("Process32First: %w", err)
	}

	self := windows.GetCurrentProcessId()
	live := make(map[uint32]string, 256)
	var out []Info
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid := entry.ProcessID
		name := windows.UTF16ToString(entry.ExeFile[:])
		live[pid] = name

		if pid != 0 && pid != self {
			exe, _ := r.paths.get(pid)
			if pat.Match(name, exe) {
				out = append(out, Info{PID: pid, Name: name, ExePath: exe})
			}
		}

		if err := windows.Process32Next(snap, &entry); err != nil {
			break
		}
	}
	r.paths.retain(live)

	slices.SortFunc(out, func(a, b Info) int { return int(a.PID) - int(b.PID) })
	return out, nil
}

// ListBoundEndpoints implements Resolver.
func (r *winResolver) ListBoundEndpoints(ctx context.Context, pid uint32) ([]Endpoint, error) {
	var out []Endpoint
	for _, lay := range tableLayouts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf, err := r.table(lay.proto, lay.family)
		if err != nil {
			return nil, err
		}

		n := int(binary.LittleEndian.Uint32(buf[0:4]))
		for i := 0; i < n; i++ {
			row := 4 + i*lay.rowSize
			if row+lay.rowSize > len(buf) {
				break
			}
			b := buf[row : row+lay.rowSize]
			if binary.LittleEndian.Uint32(b[lay.pid:]) != pid {
				continue
			}
			ep := Endpoint{
				Proto: lay.proto,
				Local: netip.AddrPortFrom(rowAddr(b[lay.localAddr:], lay.addrLen), ntohs(b[lay.localPort:])),
			}
			if lay.remoteAddr >= 0 {
				ep.Remote = netip.AddrPortFrom(rowAddr(b[lay.remoteAddr:], lay.addrLen), ntohs(b[lay.remotePort:]))
			}
			out = append(out, ep)
		}
	}
	return out, nil
}

// table fetches one owner-PID table, growing the buffer as needed. The
// returned slice is a private copy.
func (r *winResolver) table(proto layers.IPProtocol, family uint32) ([]byte, error) {
	bp := r.bufPool.Get().(*[]byte)
	defer r.bufPool.Put(bp)

	call, class, name := procGetExtendedTcpTable, uintptr(tcpTableOwnerPIDAll), "GetExtendedTcpTable"
	if proto == layers.IPProtocolUDP {
		call, class, name = procGetExtendedUdpTable, uintptr(udpTableOwnerPID), "GetExtendedUdpTable"
	}

	for attempt := 0; attempt < 3; attempt++ {
		buf := *bp
		size := uint32(len(buf))
		ret, _, _ := call.Call(
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(unsafe.Pointer(&size)),
			0, // bOrder = false
			uintptr(family),
			class,
			0,
		)
		switch ret {
		case 0:
			return slices.Clone(buf[:size]), nil
		case errInsufficientBuffer:
			// Table grew between calls; retry with headroom.
			*bp = make([]byte, size+size/4)
		default:
			return nil, fmt.Errorf("%s: 0x%x", name, ret)
		}
	}
	return nil, fmt.Errorf("%s: table keeps growing", name)
}

func rowAddr(b []byte, n int) netip.Addr {
	if n == 4 {
		return netip.AddrFrom4([4]byte(b[:4]))
	}
	return netip.AddrFrom16([16]byte(b[:16])).Unmap()
}

// ntohs reads a port stored as a DWORD in network byte order.
func ntohs(b []byte) uint16 {
	return binary.BigEndian.Uint16(b[:2])
}

// queryProcessPath uses Windows API to get the executable path from a PID.
func queryProcessPath(pid uint32) (string, error) {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return "", err
	}
	defer windows.CloseHandle(handle)

	var buf [windows.MAX_PATH]uint16
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(handle, 0, &buf[0], &size); err != nil {
		return "", err
	}
	return windows.UTF16ToString(buf[:size]), nil
}
