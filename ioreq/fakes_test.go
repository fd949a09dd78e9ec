package ioreq_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/c35s/ioemu/ioreq"
	"github.com/c35s/ioemu/mapcache"
)

const (
	testDomain   = 7
	testServer   = 3
	ioreqGFN     = 0xfeff0
	bufioreqGFN  = 0xfeff1
	bufRemote    = 99
	vcpuRemote   = 100 // vcpu i's remote port is vcpuRemote+i
	testNumVCPUs = 2
)

var le = binary.LittleEndian

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type claim struct {
	MMIO       bool
	Start, End uint64
}

// fakeHV is an in-memory hypervisor. Guest memory is a sparse set of frames and
// a "mapping" of a frame aliases its backing page.
type fakeHV struct {
	mu     sync.Mutex
	frames map[uint64][]byte
	live   map[*byte]int
	fail   map[uint64]bool
	claims map[claim]bool
	calls  *[]string

	createErr  error
	infoErr    error
	enableErr  error
	claimErr   error
	releaseErr error
}

func newFakeHV(calls *[]string) *fakeHV {
	if calls == nil {
		calls = new([]string)
	}

	h := &fakeHV{
		frames: make(map[uint64][]byte),
		live:   make(map[*byte]int),
		fail:   make(map[uint64]bool),
		claims: make(map[claim]bool),
		calls:  calls,
	}

	page := h.frame(ioreqGFN)
	for i := 0; i < ioreq.MaxVCPUs; i++ {
		le.PutUint32(page[i*ioreq.SlotSize+24:], uint32(vcpuRemote+i))
	}

	return h
}

func (h *fakeHV) frame(gfn uint64) []byte {
	if p, ok := h.frames[gfn]; ok {
		return p
	}

	p := make([]byte, mapcache.PageSize)
	h.frames[gfn] = p
	return p
}

// mem returns guest memory at addr, to the end of its page.
func (h *fakeHV) mem(addr uint64) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.frame(addr >> mapcache.PageShift)[addr&mapcache.PageMask:]
}

func (h *fakeHV) liveMappings() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, c := range h.live {
		n += c
	}

	return n
}

func (h *fakeHV) log(format string, args ...any) {
	*h.calls = append(*h.calls, fmt.Sprintf(format, args...))
}

func (h *fakeHV) MapForeign(domain uint16, gfn uint64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if domain != testDomain {
		return nil, fmt.Errorf("wrong domain %d", domain)
	}

	if h.fail[gfn] {
		return nil, errors.New("frame is not mappable")
	}

	p := h.frame(gfn)
	h.live[&p[0]]++
	return p, nil
}

func (h *fakeHV) Unmap(mem []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.live[&mem[0]] == 0 {
		return errors.New("not mapped")
	}

	h.live[&mem[0]]--
	h.log("unmap")
	return nil
}

func (h *fakeHV) CreateIoreqServer(domain uint16, bufioreq bool) (uint16, error) {
	h.log("create bufioreq=%v", bufioreq)
	return testServer, h.createErr
}

func (h *fakeHV) IoreqServerInfo(domain, server uint16) (uint64, uint64, uint32, error) {
	return ioreqGFN, bufioreqGFN, bufRemote, h.infoErr
}

func (h *fakeHV) SetIoreqServerState(domain, server uint16, enabled bool) error {
	h.log("state enabled=%v", enabled)
	if enabled {
		return h.enableErr
	}

	return nil
}

func (h *fakeHV) DestroyIoreqServer(domain, server uint16) error {
	h.log("destroy")
	return nil
}

func (h *fakeHV) MapIORange(domain, server uint16, mmio bool, start, end uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.log("claim %#x-%#x", start, end)
	if h.claimErr != nil {
		return h.claimErr
	}

	h.claims[claim{mmio, start, end}] = true
	return nil
}

func (h *fakeHV) UnmapIORange(domain, server uint16, mmio bool, start, end uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.log("release %#x-%#x", start, end)
	if h.releaseErr != nil {
		return h.releaseErr
	}

	delete(h.claims, claim{mmio, start, end})
	return nil
}

// fakeEvents hands out local ports 1, 2, ... and delivers queued pending ports.
// Its descriptor is the read end of a pipe that becomes readable on kick.
type fakeEvents struct {
	mu       sync.Mutex
	r, w     *os.File
	next     uint32
	bound    map[uint32]uint32 // local:remote
	pending  []uint32
	notified []uint32
	calls    *[]string
}

func newFakeEvents(t *testing.T, calls *[]string) *fakeEvents {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		r.Close()
		w.Close()
	})

	if calls == nil {
		calls = new([]string)
	}

	return &fakeEvents{
		r:     r,
		w:     w,
		bound: make(map[uint32]uint32),
		calls: calls,
	}
}

// local returns the local port bound to remote.
func (e *fakeEvents) local(remote uint32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	for l, r := range e.bound {
		if r == remote {
			return l
		}
	}

	return 0
}

func (e *fakeEvents) signal(port uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending = append(e.pending, port)
}

func (e *fakeEvents) kick() {
	e.w.Write([]byte{1})
}

func (e *fakeEvents) notifications() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]uint32(nil), e.notified...)
}

func (e *fakeEvents) Fd() int {
	return int(e.r.Fd())
}

func (e *fakeEvents) BindInterdomain(domain uint16, remote uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.next++
	e.bound[e.next] = remote
	return e.next, nil
}

func (e *fakeEvents) Unbind(port uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.bound[port]; !ok {
		return errors.New("not bound")
	}

	delete(e.bound, port)
	*e.calls = append(*e.calls, "unbind")
	return nil
}

func (e *fakeEvents) Notify(port uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.notified = append(e.notified, port)
	return nil
}

func (e *fakeEvents) Pending() (uint32, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) == 0 {
		return 0, false, nil
	}

	p := e.pending[0]
	e.pending = e.pending[1:]
	return p, true, nil
}

func (e *fakeEvents) Unmask(port uint32) error {
	return nil
}

type testEnv struct {
	hv *fakeHV
	ev *fakeEvents
	d  *ioreq.Dispatcher
}

func attach(t *testing.T) *testEnv {
	t.Helper()

	var (
		hv = newFakeHV(nil)
		ev = newFakeEvents(t, nil)
	)

	d, err := ioreq.Attach(ioreq.Config{
		Domain:     testDomain,
		NumVCPU:    testNumVCPUs,
		Hypervisor: hv,
		Events:     ev,
		Logger:     quiet,
	})

	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { d.Close() })

	return &testEnv{hv: hv, ev: ev, d: d}
}

// putRequest writes req into vcpu's slot of the synchronous page.
func (env *testEnv) putRequest(vcpu int, req ioreq.Request, state uint8) {
	s := env.hv.mem(ioreqGFN<<mapcache.PageShift + uint64(vcpu*ioreq.SlotSize))

	le.PutUint64(s[0:], req.Addr)
	le.PutUint64(s[8:], req.Data)
	le.PutUint32(s[16:], req.Count)
	le.PutUint32(s[20:], req.Size)

	f := state
	if req.DataIsPtr {
		f |= 1 << 4
	}

	if req.Read {
		f |= 1 << 5
	}

	if req.DF {
		f |= 1 << 6
	}

	s[30] = f
	s[31] = byte(req.Type)
}

func (env *testEnv) slotState(vcpu int) uint8 {
	return env.hv.mem(ioreqGFN<<mapcache.PageShift + uint64(vcpu*ioreq.SlotSize))[30] & 0xf
}

func (env *testEnv) slotData(vcpu int) uint64 {
	return le.Uint64(env.hv.mem(ioreqGFN<<mapcache.PageShift + uint64(vcpu*ioreq.SlotSize) + 8))
}

func (env *testEnv) ring() []byte {
	return env.hv.mem(bufioreqGFN << mapcache.PageShift)
}

// pushBuffered appends a buffered write. Eight-byte writes take two slots. If
// publish is false, only the first slot is published.
func (env *testEnv) pushBuffered(typ ioreq.Type, addr uint32, sizeCode uint32, data uint64, publish bool) {
	r := env.ring()
	wp := le.Uint32(r[4:])

	put := func(i uint32, hdr, data uint32) {
		off := 8 + int(i%ioreq.BufferedSlots)*8
		le.PutUint32(r[off:], hdr)
		le.PutUint32(r[off+4:], data)
	}

	hdr := uint32(typ) | sizeCode<<10 | addr<<12
	put(wp, hdr, uint32(data))

	n := uint32(1)
	if sizeCode == 3 {
		put(wp+1, 0, uint32(data>>32))
		if publish {
			n = 2
		}
	}

	le.PutUint32(r[4:], wp+n)
}

func (env *testEnv) cursors() (rp, wp uint32) {
	r := env.ring()
	return le.Uint32(r[0:]), le.Uint32(r[4:])
}

type access struct {
	Addr uint64
	Val  uint32
}

// recorder is a device that logs writes and reads back a fixed value.
type recorder struct {
	mu     sync.Mutex
	writes []access
	reads  []uint64
	value  uint32
}

func (r *recorder) ops() ioreq.Ops {
	read := func(opaque any, addr uint64) uint32 {
		rec := opaque.(*recorder)
		rec.mu.Lock()
		defer rec.mu.Unlock()

		rec.reads = append(rec.reads, addr)
		return rec.value
	}

	write := func(opaque any, addr uint64, val uint32) {
		rec := opaque.(*recorder)
		rec.mu.Lock()
		defer rec.mu.Unlock()

		rec.writes = append(rec.writes, access{addr, val})
	}

	return ioreq.Ops{
		Read:  [3]ioreq.ReadFunc{read, read, read},
		Write: [3]ioreq.WriteFunc{write, write, write},
	}
}
