package ioreq

import "log/slog"

// Dispatch performs req. For reads whose Data isn't a pointer, the result is
// left in req.Data.
func (d *Dispatcher) Dispatch(req *Request) {
	if !req.DataIsPtr && !req.Read && req.Size < 8 {
		req.Data &= 1<<(8*req.Size) - 1
	}

	switch req.Type {
	case TypePIO:
		d.pio(req)

	case TypeCopy:
		d.copy(req)

	case TypeInvalidate:
		if d.cache != nil {
			d.cache.InvalidateAll()
		}

	case TypeTimeOffset:
		// nothing to do: there's no emulated RTC in this layer

	default:
		d.nIgnored.Add(1)
		d.guestLog(slog.LevelWarn, "unhandled ioreq", "type", req.Type, "addr", req.Addr, "size", req.Size)
	}
}

// step returns the offset of iteration i of a string op. It wraps when DF is set.
func step(req *Request, i uint32) uint64 {
	off := uint64(i) * uint64(req.Size)
	if req.DF {
		return -off
	}

	return off
}

func (d *Dispatcher) pio(req *Request) {
	switch {
	case req.Read && !req.DataIsPtr:
		req.Data = d.Read(req.Addr, req.Size, false)

	case req.Read:
		for i := uint32(0); i < req.Count; i++ {
			v := d.Read(req.Addr, req.Size, false)
			d.Write(req.Data+step(req, i), v, req.Size, true)
		}

	case !req.DataIsPtr:
		d.Write(req.Addr, req.Data, req.Size, false)

	default:
		for i := uint32(0); i < req.Count; i++ {
			v := d.Read(req.Data+step(req, i), req.Size, true)
			d.Write(req.Addr, v, req.Size, false)
		}
	}
}

func (d *Dispatcher) copy(req *Request) {
	switch {
	case req.Read && !req.DataIsPtr:
		for i := uint32(0); i < req.Count; i++ {
			req.Data = d.Read(req.Addr+step(req, i), req.Size, true)
		}

	case req.Read:
		for i := uint32(0); i < req.Count; i++ {
			off := step(req, i)
			v := d.Read(req.Addr+off, req.Size, true)
			d.Write(req.Data+off, v, req.Size, true)
		}

	case !req.DataIsPtr:
		for i := uint32(0); i < req.Count; i++ {
			d.Write(req.Addr+step(req, i), req.Data, req.Size, true)
		}

	default:
		for i := uint32(0); i < req.Count; i++ {
			off := step(req, i)
			v := d.Read(req.Data+off, req.Size, true)
			d.Write(req.Addr+off, v, req.Size, true)
		}
	}
}

// Read reads size bytes at addr. A device range claiming addr is called first;
// unclaimed MMIO is read from guest memory and unclaimed port I/O reads as 0.
// Guest memory errors are logged and read as 0. After Close, Read returns 0.
func (d *Dispatcher) Read(addr uint64, size uint32, mmio bool) uint64 {
	if d.closed.Load() {
		return 0
	}

	if v, ok := d.ranges.read(addr, size, mmio); ok {
		return v
	}

	if !mmio {
		return 0
	}

	if size == 0 || size > 8 {
		d.guestLog(slog.LevelWarn, "guest memory read with bad size", "addr", addr, "size", size)
		return 0
	}

	var b [8]byte
	if _, err := d.cache.CopyIn(b[:size], addr); err != nil {
		d.guestLog(slog.LevelError, "guest memory read failed", "addr", addr, "size", size, "err", err)
		return 0
	}

	return le.Uint64(b[:])
}

// Write writes the low size bytes of val at addr. A device range claiming addr
// is called first; unclaimed MMIO goes to guest memory and unclaimed port I/O is
// dropped. Guest memory errors are logged and the write is dropped. After Close,
// writes are dropped.
func (d *Dispatcher) Write(addr, val uint64, size uint32, mmio bool) {
	if d.closed.Load() {
		return
	}

	if d.ranges.write(addr, val, size, mmio) || !mmio {
		return
	}

	if size == 0 || size > 8 {
		d.guestLog(slog.LevelWarn, "guest memory write with bad size", "addr", addr, "size", size)
		return
	}

	var b [8]byte
	le.PutUint64(b[:], val)

	if _, err := d.cache.CopyOut(addr, b[:size]); err != nil {
		d.guestLog(slog.LevelError, "guest memory write failed", "addr", addr, "size", size, "err", err)
	}
}
