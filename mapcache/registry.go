package mapcache

import "sync"

// Registry hands out one shared Cache per domain. Consumers attached to the same
// domain must share a cache so that no frame is mapped twice.
type Registry struct {
	mapper Mapper

	mu     sync.Mutex
	caches map[uint16]*Cache
}

// Ref is a counted reference to a shared Cache. The cache lives until every Ref
// to it is released.
type Ref struct {
	c    *Cache
	r    *Registry
	once sync.Once
}

// NewRegistry returns a registry whose caches map frames with m.
func NewRegistry(m Mapper) *Registry {
	return &Registry{
		mapper: m,
		caches: make(map[uint16]*Cache),
	}
}

// Acquire returns a reference to the cache for domain, creating the cache if
// necessary.
func (r *Registry) Acquire(domain uint16) *Ref {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.caches[domain]
	if !ok {
		c = New(domain, r.mapper)
		r.caches[domain] = c
	}

	c.refs.Add(1)
	return &Ref{c: c, r: r}
}

// Cache returns the referenced cache.
func (ref *Ref) Cache() *Cache {
	return ref.c
}

// Release drops the reference. Releasing the last reference to a cache removes
// it from the registry and unmaps all of its pages. Only the first call to
// Release has any effect.
func (ref *Ref) Release() {
	ref.once.Do(func() {
		ref.r.release(ref.c)
	})
}

func (r *Registry) release(c *Cache) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.refs.Add(-1) > 0 {
		return
	}

	delete(r.caches, c.domain)
	c.InvalidateAll()
}

// Len returns the number of live caches.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.caches)
}
