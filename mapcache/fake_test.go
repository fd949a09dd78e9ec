package mapcache_test

import (
	"errors"
	"sync"

	"github.com/c35s/ioemu/mapcache"
)

const testDomain = 7

var errNotMappable = errors.New("frame is not mappable")

// fakeMapper backs each frame with one page. Mappings alias the page, so writes
// through one mapping are visible through the next.
type fakeMapper struct {
	mu     sync.Mutex
	frames map[uint64][]byte
	owner  map[*byte]uint64
	live   map[uint64]int
	fail   map[uint64]bool
	maps   int
	unmaps []uint64
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{
		frames: make(map[uint64][]byte),
		owner:  make(map[*byte]uint64),
		live:   make(map[uint64]int),
		fail:   make(map[uint64]bool),
	}
}

func (m *fakeMapper) MapForeign(domain uint16, gfn uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail[gfn] {
		return nil, errNotMappable
	}

	p, ok := m.frames[gfn]
	if !ok {
		p = make([]byte, mapcache.PageSize)
		m.frames[gfn] = p
		m.owner[&p[0]] = gfn
	}

	m.maps++
	m.live[gfn]++
	return p, nil
}

func (m *fakeMapper) Unmap(mem []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gfn, ok := m.owner[&mem[0]]
	if !ok || m.live[gfn] == 0 {
		return errors.New("not mapped")
	}

	m.live[gfn]--
	if m.live[gfn] == 0 {
		delete(m.live, gfn)
	}

	m.unmaps = append(m.unmaps, gfn)
	return nil
}

// mapped returns the number of outstanding mappings and the highest number of
// concurrent mappings of any one frame.
func (m *fakeMapper) mapped() (total, maxPerFrame int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.live {
		total += n
		maxPerFrame = max(maxPerFrame, n)
	}

	return total, maxPerFrame
}

func (m *fakeMapper) page(gfn uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.frames[gfn]
}
