package ioreq

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// pollInterval bounds how long Run waits between buffered ring drains and
// context checks, in milliseconds.
const pollInterval = 100

// Poll services pending work: it drains the buffered ring, then handles the
// synchronous request of the vCPU whose port is pending, if any. Spurious and
// stale notifications are ignored.
func (d *Dispatcher) Poll() error {
	if d.closed.Load() {
		return ErrClosed
	}

	d.drainBuffered()
	return d.handleSync()
}

// Run polls the event channel and calls Poll until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(d.ev.Fd()), Events: unix.POLLIN}}

	for ctx.Err() == nil {
		n, err := unix.Poll(fds, pollInterval)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return err
		}

		if n == 0 {
			if !d.closed.Load() {
				d.drainBuffered()
			}

			continue
		}

		if err := d.Poll(); err != nil {
			return err
		}
	}

	return nil
}

// drainBuffered handles every published buffered request in FIFO order. Each
// request's effects happen before the read cursor moves past it.
func (d *Dispatcher) drainBuffered() {
	if d.bufPage == nil {
		return
	}

	r := ring(d.bufPage)
	for {
		rp, wp := d.cursors(r)

		avail := wp - rp
		if avail == 0 {
			return
		}

		if avail > BufferedSlots {
			d.guestLog(slog.LevelError, "buffered ioreq ring is corrupt", "read", rp, "write", wp)
			return
		}

		hdr, data := r.at(rp)
		req := decodeBuffered(hdr, data)

		n := uint32(1)
		if req.Size == 8 {
			if avail < 2 {
				// the high half isn't published yet
				return
			}

			_, hi := r.at(rp + 1)
			req.Data |= uint64(hi) << 32
			n = 2
		}

		d.Dispatch(&req)
		d.nBuffered.Add(1)

		atomic.AddUint32(r.readPointer(), n)
	}
}

// cursors loads a consistent pair of ring cursors. The producer may rebase both
// cursors between the two loads, so the read cursor is reloaded until it is
// stable across the write cursor load.
func (d *Dispatcher) cursors(r ring) (rp, wp uint32) {
	rp = atomic.LoadUint32(r.readPointer())
	for {
		if d.ringHook != nil {
			d.ringHook()
		}

		wp = atomic.LoadUint32(r.writePointer())

		again := atomic.LoadUint32(r.readPointer())
		if again == rp {
			return rp, wp
		}

		rp = again
	}
}

// handleSync services at most one synchronous request, moving its slot from
// READY through IN_PROCESS to RESPONSE_READY and notifying the vCPU.
func (d *Dispatcher) handleSync() error {
	port, ok, err := d.ev.Pending()
	if err != nil || !ok {
		return err
	}

	if err := d.ev.Unmask(port); err != nil {
		return err
	}

	if port == d.bufPort {
		return nil
	}

	vcpu := slices.Index(d.ports, port)
	if vcpu < 0 {
		d.nIgnored.Add(1)
		return nil
	}

	s := d.slot(vcpu)
	if s.state() != StateReady {
		d.nIgnored.Add(1)
		return nil
	}

	req := s.request()
	s.setState(StateInProcess)

	d.Dispatch(&req)
	d.nSync.Add(1)

	s.setData(req.Data)
	s.setState(StateResponseReady)

	return d.ev.Notify(port)
}
