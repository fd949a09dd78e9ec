package ioreq

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// The shared pages follow public/hvm/ioreq.h. Bitfields are laid out as on a
// little-endian host, which is every host Xen runs on.

// ioreq states
const (
	StateNone          = 0
	StateReady         = 1
	StateInProcess     = 2
	StateResponseReady = 3
)

// Type is an ioreq type.
type Type uint8

const (
	TypePIO        Type = 0 // port I/O
	TypeCopy       Type = 1 // MMIO, possibly a string op
	TypePCIConfig  Type = 2
	TypeTimeOffset Type = 7
	TypeInvalidate Type = 8 // the mapcache must be flushed
)

const (
	// SlotSize is the size of one vCPU's struct ioreq in the synchronous page.
	SlotSize = 32

	// MaxVCPUs is the number of slots that fit in the synchronous page.
	MaxVCPUs = pageSize / SlotSize

	// BufferedSlots is the capacity of the buffered ring (IOREQ_BUFFER_SLOT_NUM).
	BufferedSlots = 511

	pageSize = 1 << 12
)

// struct ioreq field offsets
const (
	offAddr    = 0
	offData    = 8
	offCount   = 16
	offSize    = 20
	offVPEport = 24
	offFlags   = 28 // 32-bit word holding _pad0, the state/flag bitfield and type
)

// bit positions in the word at offFlags
const (
	flagStateShift = 16
	flagStateMask  = 0xf << flagStateShift
	flagDataIsPtr  = 1 << 20
	flagDirRead    = 1 << 21
	flagDF         = 1 << 22
	flagTypeShift  = 24
)

// buffered page offsets and buf_ioreq bitfield positions
const (
	offReadPointer  = 0
	offWritePointer = 4
	offBufSlots     = 8
	bufSlotSize     = 8

	bufDirRead   = 1 << 9
	bufSizeShift = 10
	bufAddrShift = 12
)

// Request is a decoded ioreq.
type Request struct {
	Addr      uint64
	Data      uint64
	Count     uint32
	Size      uint32
	Read      bool // IOREQ_READ; otherwise a write
	DF        bool // string ops step downwards
	DataIsPtr bool // Data is a guest physical address
	Type      Type
}

func (t Type) String() string {
	switch t {
	case TypePIO:
		return "pio"

	case TypeCopy:
		return "copy"

	case TypePCIConfig:
		return "pci-config"

	case TypeTimeOffset:
		return "time-offset"

	case TypeInvalidate:
		return "invalidate"

	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

var le = binary.LittleEndian

// slot is a view of one vCPU's struct ioreq in the synchronous page.
type slot []byte

func (s slot) flags() *uint32 {
	return (*uint32)(unsafe.Pointer(&s[offFlags]))
}

// state loads the slot state. The load orders all later reads of the slot after it.
func (s slot) state() uint8 {
	return uint8((atomic.LoadUint32(s.flags()) & flagStateMask) >> flagStateShift)
}

// setState publishes a new state. All earlier writes to the slot are visible
// to the guest before it can observe the new state.
func (s slot) setState(st uint8) {
	w := s.flags()
	for {
		old := atomic.LoadUint32(w)
		v := old&^flagStateMask | uint32(st)<<flagStateShift
		if atomic.CompareAndSwapUint32(w, old, v) {
			return
		}
	}
}

func (s slot) port() uint32 {
	return le.Uint32(s[offVPEport:])
}

func (s slot) request() Request {
	f := atomic.LoadUint32(s.flags())
	return Request{
		Addr:      le.Uint64(s[offAddr:]),
		Data:      le.Uint64(s[offData:]),
		Count:     le.Uint32(s[offCount:]),
		Size:      le.Uint32(s[offSize:]),
		Read:      f&flagDirRead != 0,
		DF:        f&flagDF != 0,
		DataIsPtr: f&flagDataIsPtr != 0,
		Type:      Type(f >> flagTypeShift),
	}
}

func (s slot) setData(v uint64) {
	le.PutUint64(s[offData:], v)
}

// ring is a view of the buffered ioreq page. The cursors are free-running; the
// producer may rebase both by a multiple of BufferedSlots at any time.
type ring []byte

func (r ring) readPointer() *uint32 {
	return (*uint32)(unsafe.Pointer(&r[offReadPointer]))
}

func (r ring) writePointer() *uint32 {
	return (*uint32)(unsafe.Pointer(&r[offWritePointer]))
}

// at returns the raw buf_ioreq at cursor i.
func (r ring) at(i uint32) (hdr, data uint32) {
	off := offBufSlots + int(i%BufferedSlots)*bufSlotSize
	return le.Uint32(r[off:]), le.Uint32(r[off+4:])
}

// decodeBuffered normalizes a buf_ioreq header and data word into a Request.
func decodeBuffered(hdr, data uint32) Request {
	req := Request{
		Addr:  uint64(hdr >> bufAddrShift),
		Data:  uint64(data),
		Count: 1,
		Size:  1 << ((hdr >> bufSizeShift) & 3),
		Read:  hdr&bufDirRead != 0,
		DF:    true,
		Type:  Type(hdr & 0xff),
	}

	return req
}
