//go:build linux

package xen

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Evtchn is an open event channel device. Ports bound through an Evtchn are
// delivered only to it, so each consumer should open its own.
type Evtchn struct {
	f *os.File
}

// OpenEvtchn opens the event channel device in non-blocking mode.
func OpenEvtchn() (*Evtchn, error) {
	f, err := os.OpenFile(EvtchnPath, os.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("xen: open evtchn: %w", err)
	}

	return &Evtchn{f: f}, nil
}

// Fd returns the descriptor to poll for pending events.
func (e *Evtchn) Fd() int {
	return int(e.f.Fd())
}

func (e *Evtchn) Close() error {
	return e.f.Close()
}

// BindInterdomain binds a local port to remotePort in domain and returns the local port.
func (e *Evtchn) BindInterdomain(domain uint16, remotePort uint32) (uint32, error) {
	arg := evtchnBindInterdomain{
		RemoteDomain: uint32(domain),
		RemotePort:   remotePort,
	}

	port, _, errno := unix.Syscall(unix.SYS_IOCTL, e.f.Fd(), kBindInterdomain, uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return 0, errno
	}

	return uint32(port), nil
}

// Unbind releases a port returned by BindInterdomain.
func (e *Evtchn) Unbind(port uint32) error {
	arg := evtchnPort{Port: port}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, e.f.Fd(), kUnbindEvtchn, uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return errno
	}

	return nil
}

// Notify signals the remote end of port.
func (e *Evtchn) Notify(port uint32) error {
	arg := evtchnPort{Port: port}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, e.f.Fd(), kNotifyEvtchn, uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return errno
	}

	return nil
}

// Pending returns the next port with a pending event. It returns ok=false if
// nothing is pending. The port stays masked until Unmask is called.
func (e *Evtchn) Pending() (port uint32, ok bool, err error) {
	var b [4]byte
	for {
		n, err := unix.Read(int(e.f.Fd()), b[:])
		switch err {
		case nil:
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, false, nil
		default:
			return 0, false, err
		}

		if n != len(b) {
			return 0, false, fmt.Errorf("xen: short evtchn read: %d bytes", n)
		}

		return binary.NativeEndian.Uint32(b[:]), true, nil
	}
}

// Unmask re-enables delivery of events on port.
func (e *Evtchn) Unmask(port uint32) error {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], port)

	for {
		_, err := unix.Write(int(e.f.Fd()), b[:])
		if err == unix.EINTR {
			continue
		}

		return err
	}
}
