// Package mapcache maps guest frames into this process on demand. A Cache holds a
// bounded, set-associative table of foreign page mappings for one domain, and a
// Registry shares one Cache between every consumer attached to the same domain.
package mapcache

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1

	Ways = 4   // entries per set
	Sets = 256 // must be a power of 2
)

const (
	recencyBits = 12
	recencyTop  = 1 << (recencyBits - 1)
)

// Mapper maps and unmaps single foreign frames. xen.Handle implements it.
type Mapper interface {

	// MapForeign maps frame gfn of domain. The result is PageSize bytes long.
	MapForeign(domain uint16, gfn uint64) ([]byte, error)

	// Unmap releases a mapping returned by MapForeign.
	Unmap(mem []byte) error
}

// Cache is a set-associative cache of foreign page mappings for one domain.
// A frame lives only in set frame%Sets, so at most one entry maps any frame.
type Cache struct {
	domain uint16
	mapper Mapper

	mu      sync.Mutex
	entries [Ways * Sets]entry

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	// refs counts live Refs and is written under Registry.mu.
	refs atomic.Int32
}

// Stats is a snapshot of a cache's counters.
type Stats struct {
	Domain    uint16 `json:"domain"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Live      int    `json:"live"`
	Refs      int    `json:"refs"`
}

type entry struct {
	frame   uint64
	recency uint16
	m       *mapping
}

// mapping owns one foreign page. release is the only place a page is unmapped.
type mapping struct {
	mem    []byte
	mapper Mapper
}

// New returns an empty cache for domain. Most callers should get a cache from a
// Registry instead so that consumers of one domain share it.
func New(domain uint16, m Mapper) *Cache {
	return &Cache{domain: domain, mapper: m}
}

// Domain returns the id of the domain the cache maps.
func (c *Cache) Domain() uint16 {
	return c.domain
}

// Refs returns the number of live Refs to the cache.
func (c *Cache) Refs() int {
	return int(c.refs.Load())
}

// Get returns guest memory starting at addr and running to the end of its page.
// The slice is only valid until the next call that may evict its entry.
func (c *Cache) Get(addr uint64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.get(addr)
}

func (c *Cache) get(addr uint64) ([]byte, error) {
	var (
		frame = addr >> PageShift
		set   = c.entries[(frame&(Sets-1))*Ways:][:Ways]
		off   = addr & PageMask
	)

	hit := -1
	for i := range set {
		if set[i].m != nil && set[i].frame == frame {
			hit = i
			break
		}
	}

	for i := range set {
		set[i].recency >>= 1
	}

	if hit >= 0 {
		c.hits.Add(1)
		set[hit].recency |= recencyTop
		return set[hit].m.mem[off:], nil
	}

	c.misses.Add(1)

	victim := -1
	for i := range set {
		if set[i].m == nil {
			victim = i
			break
		}
	}

	if victim < 0 {
		victim = 0
		for i := range set {
			if set[i].recency < set[victim].recency {
				victim = i
			}
		}
	}

	e := &set[victim]
	if e.m != nil {
		c.evictions.Add(1)
	}

	e.clear()

	mem, err := c.mapper.MapForeign(c.domain, frame)
	if err != nil {
		return nil, &MapError{Domain: c.domain, Frame: frame, Err: err}
	}

	e.frame = frame
	e.recency = recencyTop
	e.m = &mapping{mem: mem, mapper: c.mapper}

	return mem[off:], nil
}

// Invalidate drops the mapping for the frame containing addr, if any.
func (c *Cache) Invalidate(addr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	frame := addr >> PageShift
	set := c.entries[(frame&(Sets-1))*Ways:][:Ways]
	for i := range set {
		if set[i].m != nil && set[i].frame == frame {
			set[i].clear()
			return
		}
	}
}

// InvalidateAll drops every mapping.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		c.entries[i].clear()
	}
}

// CopyIn fills dst with guest memory starting at addr. It returns the number of
// bytes that were not copied; a non-zero count comes with a *PartialCopyError.
func (c *Cache) CopyIn(dst []byte, addr uint64) (remaining int, err error) {
	return c.copy(dst, addr, false)
}

// CopyOut writes src to guest memory starting at addr. It returns the number of
// bytes that were not copied; a non-zero count comes with a *PartialCopyError.
func (c *Cache) CopyOut(addr uint64, src []byte) (remaining int, err error) {
	return c.copy(src, addr, true)
}

func (c *Cache) copy(buf []byte, addr uint64, toGuest bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		start = addr
		size  = len(buf)
	)

	for len(buf) > 0 {
		page, err := c.get(addr)
		if err != nil {
			return len(buf), &PartialCopyError{
				Addr:      start,
				Len:       size,
				Remaining: len(buf),
				Err:       err,
			}
		}

		var n int
		if toGuest {
			n = copy(page, buf)
		} else {
			n = copy(buf, page)
		}

		buf = buf[n:]
		addr += uint64(n)
	}

	return 0, nil
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	live := 0
	for i := range c.entries {
		if c.entries[i].m != nil {
			live++
		}
	}
	c.mu.Unlock()

	return Stats{
		Domain:    c.domain,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Live:      live,
		Refs:      c.Refs(),
	}
}

func (e *entry) clear() {
	if e.m != nil {
		e.m.release()
	}

	*e = entry{}
}

func (m *mapping) release() {
	if err := m.mapper.Unmap(m.mem); err != nil {
		slog.Error("foreign page unmap failed", "err", err)
	}

	m.mem = nil
}
