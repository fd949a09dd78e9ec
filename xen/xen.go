//go:build linux

// Package xen wraps the privcmd and evtchn devices exposed by the Xen drivers in a
// Linux control domain. It covers the small surface an ioreq server needs: mapping
// foreign frames, device-model ops for ioreq servers, and interdomain event channels.
package xen

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	PrivcmdPath = "/dev/xen/privcmd"
	EvtchnPath  = "/dev/xen/evtchn"
)

// PageSize is the size of a Xen frame. It is 4K on every architecture Xen supports.
const PageSize = 1 << 12

var ErrUnavailable = errors.New("xen: privcmd is not available")

// Handle is an open privcmd device.
type Handle struct {
	f *os.File
}

// ioctl direction bits from asm-generic/ioctl.h
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | typ<<8 | nr
}

// privcmdMmapBatchV2 has the same layout as struct privcmd_mmapbatch_v2.
type privcmdMmapBatchV2 struct {
	Num  uint32
	Dom  uint16
	_    uint16
	Addr uint64
	Arr  unsafe.Pointer // const xen_pfn_t *
	Err  unsafe.Pointer // int *
}

// privcmdDMOp has the same layout as struct privcmd_dm_op.
type privcmdDMOp struct {
	Dom   uint16
	Num   uint16
	_     uint32
	Ubufs unsafe.Pointer // const privcmd_dm_op_buf *
}

// privcmdDMOpBuf has the same layout as struct privcmd_dm_op_buf.
type privcmdDMOpBuf struct {
	Uptr unsafe.Pointer
	Size uint64
}

// evtchnBindInterdomain has the same layout as struct ioctl_evtchn_bind_interdomain.
type evtchnBindInterdomain struct {
	RemoteDomain uint32
	RemotePort   uint32
}

// evtchnPort has the same layout as struct ioctl_evtchn_unbind and
// struct ioctl_evtchn_notify, which both carry a single port.
type evtchnPort struct {
	Port uint32
}

var (
	kMmapBatchV2     = ioc(iocNone, 'P', 4, unsafe.Sizeof(privcmdMmapBatchV2{}))
	kDMOp            = ioc(iocNone, 'P', 5, unsafe.Sizeof(privcmdDMOp{}))
	kBindInterdomain = ioc(iocNone, 'E', 1, unsafe.Sizeof(evtchnBindInterdomain{}))
	kUnbindEvtchn    = ioc(iocNone, 'E', 3, unsafe.Sizeof(evtchnPort{}))
	kNotifyEvtchn    = ioc(iocNone, 'E', 4, unsafe.Sizeof(evtchnPort{}))
)

// Open opens the privcmd device.
func Open() (*Handle, error) {
	f, err := os.OpenFile(PrivcmdPath, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return &Handle{f: f}, nil
}

// Fd returns the privcmd file descriptor.
func (h *Handle) Fd() uintptr {
	return h.f.Fd()
}

func (h *Handle) Close() error {
	return h.f.Close()
}

// MapForeign maps one frame of the given domain into this process. The returned
// slice is PageSize bytes long and must be released with Unmap.
func (h *Handle) MapForeign(domain uint16, gfn uint64) ([]byte, error) {
	mem, err := unix.Mmap(int(h.f.Fd()), 0, PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		return nil, err
	}

	var (
		pfn  = gfn
		perr int32
	)

	batch := privcmdMmapBatchV2{
		Num:  1,
		Dom:  domain,
		Addr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		Arr:  unsafe.Pointer(&pfn),
		Err:  unsafe.Pointer(&perr),
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, h.f.Fd(), kMmapBatchV2, uintptr(unsafe.Pointer(&batch)))
	if errno == 0 && perr != 0 {
		errno = unix.Errno(-perr)
	}

	if errno != 0 {
		unix.Munmap(mem)
		return nil, errno
	}

	return mem, nil
}

// Unmap releases a mapping returned by MapForeign.
func (h *Handle) Unmap(mem []byte) error {
	return unix.Munmap(mem)
}

// dmOp issues a single-buffer device-model op for domain.
func (h *Handle) dmOp(domain uint16, op *dmOp) error {
	buf := privcmdDMOpBuf{
		Uptr: unsafe.Pointer(op),
		Size: uint64(unsafe.Sizeof(*op)),
	}

	arg := privcmdDMOp{
		Dom:   domain,
		Num:   1,
		Ubufs: unsafe.Pointer(&buf),
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, h.f.Fd(), kDMOp, uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return errno
	}

	return nil
}
