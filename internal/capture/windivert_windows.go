//go:build windows

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"proc-throttle/internal/core"
)

var (
	modWinDivert = windows.NewLazyDLL("WinDivert.dll")

	procWinDivertOpen     = modWinDivert.NewProc("WinDivertOpen")
	procWinDivertRecv     = modWinDivert.NewProc("WinDivertRecv")
	procWinDivertSend     = modWinDivert.NewProc("WinDivertSend")
	procWinDivertShutdown = modWinDivert.NewProc("WinDivertShutdown")
	procWinDivertClose    = modWinDivert.NewProc("WinDivertClose")
)

const (
	winDivertLayerNetwork = 0
	winDivertShutdownRecv = 1
	winDivertShutdownBoth = 3
	// sizeof(WINDIVERT_ADDRESS) in WinDivert 2.x.
	winDivertAddressSize = 80
	maxPacketSize        = 0xFFFF

	errNoData = windows.Errno(232) // ERROR_NO_DATA after WinDivertShutdown
)

// winDivertAddress is the opaque WINDIVERT_ADDRESS returned by Recv and
// handed back unchanged to Send so the packet keeps its direction and
// interface.
type winDivertAddress [winDivertAddressSize]byte

// WinDivert captures and reinjects packets through the WinDivert driver
// at the network layer.
type WinDivert struct {
	handle windows.Handle

	bufPool sync.Pool

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenLive opens the platform's live capture backend.
func OpenLive(cfg Config) (Handle, error) {
	return OpenWinDivert(cfg.Filter, cfg.Priority)
}

// OpenWinDivert opens a network-layer WinDivert handle for filter.
// Requires administrator rights and WinDivert.dll/WinDivert64.sys next
// to the executable.
func OpenWinDivert(filter string, priority int16) (*WinDivert, error) {
	if err := modWinDivert.Load(); err != nil {
		return nil, &core.CaptureError{Op: "load WinDivert.dll", Err: err}
	}
	f, err := windows.BytePtrFromString(filter)
	if err != nil {
		return nil, &core.CaptureError{Op: "open", Err: err}
	}

	r, _, callErr := procWinDivertOpen.Call(
		uintptr(unsafe.Pointer(f)),
		winDivertLayerNetwork,
		uintptr(priority),
		0, // flags
	)
	h := windows.Handle(r)
	if h == windows.InvalidHandle {
		return nil, &core.CaptureError{Op: "open", Err: fmt.Errorf("WinDivertOpen(%q): %w", filter, callErr)}
	}

	core.Log.Infof("Capture", "WinDivert opened with filter: %s", filter)
	return &WinDivert{
		handle: h,
		bufPool: sync.Pool{
			New: func() any {
				b := make([]byte, maxPacketSize)
				return &b
			},
		},
		closed: make(chan struct{}),
	}, nil
}

// Recv implements Handle. Cancelling ctx shuts down the receive side
// only; Send keeps working until Close.
func (w *WinDivert) Recv(ctx context.Context) (*Packet, error) {
	stop := context.AfterFunc(ctx, func() { w.shutdown(winDivertShutdownRecv) })
	defer stop()

	bp := w.bufPool.Get().(*[]byte)
	defer w.bufPool.Put(bp)
	buf := *bp

	var n uint32
	addr := new(winDivertAddress)
	r, _, callErr := procWinDivertRecv.Call(
		uintptr(w.handle),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&n)),
		uintptr(unsafe.Pointer(addr)),
	)
	if r == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if w.isClosed() || errors.Is(callErr, errNoData) || errors.Is(callErr, windows.ERROR_INVALID_HANDLE) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("WinDivertRecv: %w", callErr)
	}

	raw := make([]byte, n)
	copy(raw, buf[:n])
	return NewPacket(raw, time.Now(), addr), nil
}

// Send implements Handle.
func (w *WinDivert) Send(_ context.Context, pkt *Packet) error {
	if w.isClosed() {
		return ErrClosed
	}
	addr, ok := pkt.Tag.(*winDivertAddress)
	if !ok || len(pkt.Raw) == 0 {
		return fmt.Errorf("WinDivertSend: packet has no WinDivert address")
	}

	var n uint32
	r, _, callErr := procWinDivertSend.Call(
		uintptr(w.handle),
		uintptr(unsafe.Pointer(&pkt.Raw[0])),
		uintptr(len(pkt.Raw)),
		uintptr(unsafe.Pointer(&n)),
		uintptr(unsafe.Pointer(addr)),
	)
	if r == 0 {
		if errors.Is(callErr, windows.ERROR_INVALID_HANDLE) {
			return ErrClosed
		}
		return fmt.Errorf("WinDivertSend: %w", callErr)
	}
	return nil
}

func (w *WinDivert) shutdown(how uintptr) {
	procWinDivertShutdown.Call(uintptr(w.handle), how)
}

func (w *WinDivert) isClosed() bool {
	select {
	case <-w.closed:
		return true
	default:
		return false
	}
}

// Close implements Handle. Closing the handle removes the filter, so
// traffic flows normally afterwards.
func (w *WinDivert) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		w.shutdown(winDivertShutdownBoth)
		r, _, callErr := procWinDivertClose.Call(uintptr(w.handle))
		if r == 0 {
			err = fmt.Errorf("WinDivertClose: %w", callErr)
		}
	})
	return err
}
