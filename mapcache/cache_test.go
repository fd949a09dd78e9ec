package mapcache_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/c35s/ioemu/mapcache"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// frameAddr returns the address of the first byte of frame n.
func frameAddr(n uint64) uint64 {
	return n << mapcache.PageShift
}

func TestCacheHit(t *testing.T) {
	m := newFakeMapper()
	c := mapcache.New(testDomain, m)

	a, err := c.Get(0x5123)
	if err != nil {
		t.Fatal(err)
	}

	if len(a) != mapcache.PageSize-0x123 {
		t.Errorf("len %d != %d", len(a), mapcache.PageSize-0x123)
	}

	a[0] = 0xaa

	b, err := c.Get(0x5123)
	if err != nil {
		t.Fatal(err)
	}

	if b[0] != 0xaa {
		t.Error("second get doesn't alias the first")
	}

	if m.page(5)[0x123] != 0xaa {
		t.Error("write didn't reach the frame")
	}

	want := mapcache.Stats{Domain: testDomain, Hits: 1, Misses: 1, Live: 1}
	if diff := cmp.Diff(want, c.Stats()); diff != "" {
		t.Errorf("stats (-want +got):\n%s", diff)
	}

	if m.maps != 1 {
		t.Errorf("frame was mapped %d times", m.maps)
	}
}

func TestCacheEvictsLeastRecent(t *testing.T) {
	m := newFakeMapper()
	c := mapcache.New(testDomain, m)

	// frames that all land in set 0
	f := func(i uint64) uint64 { return frameAddr(i * mapcache.Sets) }

	for i := uint64(0); i < mapcache.Ways; i++ {
		if _, err := c.Get(f(i)); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := c.Get(f(0)); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Get(f(mapcache.Ways)); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]uint64{1 * mapcache.Sets}, m.unmaps); diff != "" {
		t.Errorf("evicted frames (-want +got):\n%s", diff)
	}

	s := c.Stats()
	if s.Live != mapcache.Ways || s.Evictions != 1 {
		t.Errorf("live %d, evictions %d, want %d, 1", s.Live, s.Evictions, mapcache.Ways)
	}

	// frame 0 is still cached
	if _, err := c.Get(f(0)); err != nil {
		t.Fatal(err)
	}

	if s := c.Stats(); s.Hits != 2 {
		t.Errorf("hits %d != 2", s.Hits)
	}
}

func TestCacheFillsEmptyWaysFirst(t *testing.T) {
	m := newFakeMapper()
	c := mapcache.New(testDomain, m)

	// frames that all land in set 0
	f := func(i uint64) uint64 { return frameAddr(i * mapcache.Sets) }

	// frame 0's recency decays to zero while two ways are still empty
	seq := []uint64{f(0)}
	for i := 0; i < 30; i++ {
		seq = append(seq, f(1))
	}

	seq = append(seq, f(2), f(3), f(0))

	for _, addr := range seq {
		if _, err := c.Get(addr); err != nil {
			t.Fatal(err)
		}
	}

	if m.maps != mapcache.Ways {
		t.Errorf("%d maps != %d", m.maps, mapcache.Ways)
	}

	s := c.Stats()
	if s.Evictions != 0 || s.Live != mapcache.Ways {
		t.Errorf("evictions %d, live %d, want 0, %d", s.Evictions, s.Live, mapcache.Ways)
	}

	if len(m.unmaps) != 0 {
		t.Errorf("unmapped frames %v", m.unmaps)
	}
}

func TestCacheSetsAreIndependent(t *testing.T) {
	m := newFakeMapper()
	c := mapcache.New(testDomain, m)

	for i := uint64(0); i < mapcache.Sets*mapcache.Ways; i++ {
		if _, err := c.Get(frameAddr(i)); err != nil {
			t.Fatal(err)
		}
	}

	s := c.Stats()
	if s.Live != mapcache.Sets*mapcache.Ways || s.Evictions != 0 {
		t.Errorf("live %d, evictions %d, want a full cache and none", s.Live, s.Evictions)
	}
}

func TestCacheMapsFrameOnce(t *testing.T) {
	m := newFakeMapper()
	c := mapcache.New(testDomain, m)

	// a walk that revisits frames in the same sets in varying order
	for i := 0; i < 10000; i++ {
		frame := uint64(i*7919) % (3 * mapcache.Sets * mapcache.Ways)
		if _, err := c.Get(frameAddr(frame)); err != nil {
			t.Fatal(err)
		}
	}

	total, maxPerFrame := m.mapped()
	if maxPerFrame > 1 {
		t.Errorf("a frame is mapped %d times", maxPerFrame)
	}

	if live := c.Stats().Live; live != total {
		t.Errorf("cache has %d live entries, mapper has %d mappings", live, total)
	}

	if total > mapcache.Sets*mapcache.Ways {
		t.Errorf("%d mappings exceed the cache size", total)
	}
}

func TestCacheMapError(t *testing.T) {
	m := newFakeMapper()
	c := mapcache.New(testDomain, m)

	m.fail[9] = true

	_, err := c.Get(frameAddr(9))

	var merr *mapcache.MapError
	if !errors.As(err, &merr) {
		t.Fatalf("error isn't a MapError: %v", err)
	}

	if merr.Frame != 9 || merr.Domain != testDomain {
		t.Errorf("error names domain %d frame %d", merr.Domain, merr.Frame)
	}

	if !errors.Is(err, errNotMappable) {
		t.Errorf("error doesn't wrap the mapper's: %v", err)
	}

	if live := c.Stats().Live; live != 0 {
		t.Errorf("live %d != 0", live)
	}

	delete(m.fail, 9)

	if _, err := c.Get(frameAddr(9)); err != nil {
		t.Fatal(err)
	}

	if s := c.Stats(); s.Misses != 2 || s.Live != 1 {
		t.Errorf("misses %d, live %d, want 2, 1", s.Misses, s.Live)
	}
}

func TestCacheMapErrorEvicts(t *testing.T) {
	m := newFakeMapper()
	c := mapcache.New(testDomain, m)

	for i := uint64(0); i < mapcache.Ways; i++ {
		c.Get(frameAddr(i * mapcache.Sets))
	}

	m.fail[mapcache.Ways*mapcache.Sets] = true
	if _, err := c.Get(frameAddr(mapcache.Ways * mapcache.Sets)); err == nil {
		t.Fatal("get succeeded")
	}

	if live := c.Stats().Live; live != mapcache.Ways-1 {
		t.Errorf("live %d != %d", live, mapcache.Ways-1)
	}

	if total, _ := m.mapped(); total != mapcache.Ways-1 {
		t.Errorf("%d mappings != %d", total, mapcache.Ways-1)
	}
}

func TestCacheInvalidate(t *testing.T) {
	m := newFakeMapper()
	c := mapcache.New(testDomain, m)

	c.Get(frameAddr(1))
	c.Get(frameAddr(2))

	c.Invalidate(frameAddr(1) + 0x10)
	c.Invalidate(frameAddr(3))

	if diff := cmp.Diff([]uint64{1}, m.unmaps); diff != "" {
		t.Errorf("unmapped frames (-want +got):\n%s", diff)
	}

	c.InvalidateAll()
	c.InvalidateAll()

	if diff := cmp.Diff([]uint64{1, 2}, m.unmaps); diff != "" {
		t.Errorf("unmapped frames (-want +got):\n%s", diff)
	}

	if total, _ := m.mapped(); total != 0 {
		t.Errorf("%d mappings left", total)
	}

	if live := c.Stats().Live; live != 0 {
		t.Errorf("live %d != 0", live)
	}
}

func TestCacheCopy(t *testing.T) {
	m := newFakeMapper()
	c := mapcache.New(testDomain, m)

	src := bytes.Repeat([]byte("guest memory "), 1000) // spans four frames
	addr := frameAddr(0x10) + 0x7f3

	if n, err := c.CopyOut(addr, src); n != 0 || err != nil {
		t.Fatalf("copy out: remaining %d, err %v", n, err)
	}

	dst := make([]byte, len(src))
	if n, err := c.CopyIn(dst, addr); n != 0 || err != nil {
		t.Fatalf("copy in: remaining %d, err %v", n, err)
	}

	if !bytes.Equal(dst, src) {
		t.Error("copied bytes differ")
	}

	if !bytes.Equal(m.page(0x10)[0x7f3:], src[:mapcache.PageSize-0x7f3]) {
		t.Error("first frame has the wrong bytes")
	}
}

func TestCachePartialCopy(t *testing.T) {
	m := newFakeMapper()
	c := mapcache.New(testDomain, m)

	m.fail[2] = true

	src := bytes.Repeat([]byte{0x5a}, 32)
	n, err := c.CopyOut(frameAddr(2)-16, src)
	if n != 16 {
		t.Errorf("remaining %d != 16", n)
	}

	var perr *mapcache.PartialCopyError
	if !errors.As(err, &perr) {
		t.Fatalf("error isn't a PartialCopyError: %v", err)
	}

	want := mapcache.PartialCopyError{Addr: frameAddr(2) - 16, Len: 32, Remaining: 16}
	if diff := cmp.Diff(want, *perr, cmpopts.IgnoreFields(mapcache.PartialCopyError{}, "Err")); diff != "" {
		t.Errorf("error (-want +got):\n%s", diff)
	}

	var merr *mapcache.MapError
	if !errors.As(err, &merr) || merr.Frame != 2 {
		t.Errorf("error doesn't wrap a MapError for frame 2: %v", err)
	}

	if !bytes.Equal(m.page(1)[mapcache.PageSize-16:], src[:16]) {
		t.Error("bytes before the failure weren't written")
	}

	dst := make([]byte, 8)
	if n, _ := c.CopyIn(dst, frameAddr(2)); n != 8 {
		t.Errorf("copy in remaining %d != 8", n)
	}
}

func TestCacheEmptyCopy(t *testing.T) {
	m := newFakeMapper()
	c := mapcache.New(testDomain, m)

	if n, err := c.CopyIn(nil, 0x1000); n != 0 || err != nil {
		t.Errorf("remaining %d, err %v", n, err)
	}

	if m.maps != 0 {
		t.Errorf("empty copy mapped %d frames", m.maps)
	}
}
