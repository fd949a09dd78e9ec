package ioreq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/btree"
	"golang.org/x/time/rate"
)

// ReadFunc reads a device register at the absolute address addr. It returns at
// most the width the callback is registered for; wider bits are discarded.
type ReadFunc func(opaque any, addr uint64) uint32

// WriteFunc writes val to a device register at the absolute address addr.
type WriteFunc func(opaque any, addr uint64, val uint32)

// Ops holds a device's byte, word and long accessors, in that order.
// A nil reader yields 0 and a nil writer drops the write.
type Ops struct {
	Read  [3]ReadFunc
	Write [3]WriteFunc
}

// Range is a claimed address range and the device that services it.
type Range struct {
	Start  uint64
	End    uint64 // inclusive
	MMIO   bool
	Ops    Ops
	Opaque any

	seq uint64
}

// Claimer mirrors range registration to the hypervisor.
type Claimer interface {
	MapIORange(domain, server uint16, mmio bool, start, end uint64) error
	UnmapIORange(domain, server uint16, mmio bool, start, end uint64) error
}

// Ranges is an ordered set of device ranges for one ioreq server. Lookups scan
// in start address order and return the first range containing the address.
type Ranges struct {
	domain uint16
	server uint16
	claim  Claimer
	log    *slog.Logger
	limit  *rate.Limiter // guest-triggered log messages

	mu   sync.Mutex
	tree *btree.BTreeG[*Range]
	seq  uint64
}

func rangeLess(a, b *Range) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}

	return a.seq < b.seq
}

// NewRanges returns an empty range set that claims ranges for server in domain.
func NewRanges(domain, server uint16, c Claimer, log *slog.Logger) *Ranges {
	if log == nil {
		log = slog.Default()
	}

	return &Ranges{
		domain: domain,
		server: server,
		claim:  c,
		log:    log,
		limit:  rate.NewLimiter(rate.Every(guestLogInterval), guestLogBurst),
		tree:   btree.NewG(8, rangeLess),
	}
}

func (r *Range) contains(addr uint64) bool {
	return addr >= r.Start && addr <= r.End
}

// Register adds [start, start+size) and claims it from the hypervisor. If the claim
// fails the range stays registered locally and a *RegistrationError is returned.
func (rs *Ranges) Register(start, size uint64, mmio bool, ops Ops, opaque any) error {
	if size == 0 || start+(size-1) < start {
		return &RegistrationError{Start: start, Size: size, MMIO: mmio, Err: ErrInvalidRange}
	}

	end := start + size - 1

	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.seq++
	rs.tree.ReplaceOrInsert(&Range{
		Start:  start,
		End:    end,
		MMIO:   mmio,
		Ops:    ops,
		Opaque: opaque,
		seq:    rs.seq,
	})

	if err := rs.claim.MapIORange(rs.domain, rs.server, mmio, start, end); err != nil {
		rs.log.Error("ioreq range claim failed",
			"domain", rs.domain, "start", start, "end", end, "mmio", mmio, "err", err)

		return &RegistrationError{Start: start, Size: size, MMIO: mmio, Err: err}
	}

	return nil
}

// Unregister releases the claim on the first range of the given kind containing
// addr and removes it. It returns ErrNoRange if there is no such range.
func (rs *Ranges) Unregister(addr uint64, mmio bool) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	r := rs.lookup(addr, mmio)
	if r == nil {
		return ErrNoRange
	}

	err := rs.claim.UnmapIORange(rs.domain, rs.server, r.MMIO, r.Start, r.End)
	if err != nil {
		rs.log.Error("ioreq range release failed",
			"domain", rs.domain, "start", r.Start, "end", r.End, "mmio", r.MMIO, "err", err)
	}

	rs.tree.Delete(r)

	return err
}

// SetOpaque points the first range containing addr at a new opaque value. It
// returns false if no range contains addr.
func (rs *Ranges) SetOpaque(addr uint64, opaque any) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var found *Range
	rs.ascendTo(addr, func(r *Range) bool {
		if r.contains(addr) {
			found = r
			return false
		}

		return true
	})

	if found == nil {
		return false
	}

	found.Opaque = opaque
	return true
}

// Lookup returns a copy of the first range of the given kind containing addr.
func (rs *Ranges) Lookup(addr uint64, mmio bool) (Range, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if r := rs.lookup(addr, mmio); r != nil {
		return *r, true
	}

	return Range{}, false
}

// Len returns the number of registered ranges.
func (rs *Ranges) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	return rs.tree.Len()
}

// All returns copies of the registered ranges in lookup order.
func (rs *Ranges) All() []Range {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	all := make([]Range, 0, rs.tree.Len())
	rs.tree.Ascend(func(r *Range) bool {
		all = append(all, *r)
		return true
	})

	return all
}

// unregisterAll releases and removes every range. Ranges whose release fails
// are removed too.
func (rs *Ranges) unregisterAll() error {
	var errs []error
	for _, r := range rs.All() {
		if err := rs.Unregister(r.Start, r.MMIO); err != nil {
			errs = append(errs, fmt.Errorf("release range %#x-%#x: %w", r.Start, r.End, err))
		}
	}

	return errors.Join(errs...)
}

// read calls the device claiming addr, if any, with the lock held.
func (rs *Ranges) read(addr uint64, size uint32, mmio bool) (val uint64, ok bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	r := rs.lookup(addr, mmio)
	if r == nil {
		return 0, false
	}

	switch size {
	case 1:
		return uint64(r.call(0, addr) & 0xff), true

	case 2:
		return uint64(r.call(1, addr) & 0xffff), true

	case 4:
		return uint64(r.call(2, addr)), true

	case 8:
		lo := uint64(r.call(2, addr))
		hi := uint64(r.call(2, addr+4))
		return lo | hi<<32, true

	default:
		rs.guestLog("ioreq read with bad size", "addr", addr, "size", size)
		return 0, true
	}
}

// write calls the device claiming addr, if any, with the lock held.
func (rs *Ranges) write(addr, val uint64, size uint32, mmio bool) (ok bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	r := rs.lookup(addr, mmio)
	if r == nil {
		return false
	}

	switch size {
	case 1:
		r.callWrite(0, addr, uint32(val&0xff))

	case 2:
		r.callWrite(1, addr, uint32(val&0xffff))

	case 4:
		r.callWrite(2, addr, uint32(val))

	case 8:
		r.callWrite(2, addr, uint32(val))
		r.callWrite(2, addr+4, uint32(val>>32))

	default:
		rs.guestLog("ioreq write with bad size", "addr", addr, "size", size)
	}

	return true
}

// guestLog logs a warning caused by guest behavior, unless too many have been
// logged recently.
func (rs *Ranges) guestLog(msg string, args ...any) {
	if rs.limit.Allow() {
		rs.log.Log(context.Background(), slog.LevelWarn, msg, args...)
	}
}

func (r *Range) call(width int, addr uint64) uint32 {
	if f := r.Ops.Read[width]; f != nil {
		return f(r.Opaque, addr)
	}

	return 0
}

func (r *Range) callWrite(width int, addr uint64, val uint32) {
	if f := r.Ops.Write[width]; f != nil {
		f(r.Opaque, addr, val)
	}
}

func (rs *Ranges) lookup(addr uint64, mmio bool) *Range {
	var found *Range
	rs.ascendTo(addr, func(r *Range) bool {
		if r.MMIO == mmio && r.contains(addr) {
			found = r
			return false
		}

		return true
	})

	return found
}

// ascendTo visits ranges starting at or below addr in order.
func (rs *Ranges) ascendTo(addr uint64, fn func(*Range) bool) {
	if addr == math.MaxUint64 {
		rs.tree.Ascend(fn)
		return
	}

	rs.tree.AscendLessThan(&Range{Start: addr + 1}, fn)
}
