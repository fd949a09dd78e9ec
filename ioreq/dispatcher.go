package ioreq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c35s/ioemu/mapcache"
	"golang.org/x/time/rate"
)

// Config describes a domain to attach to.
type Config struct {

	// Domain is the id of the domain to emulate I/O for.
	Domain uint16

	// NumVCPU is the number of the domain's vCPUs.
	// If NumVCPU is 0, the domain is assumed to have 1 vCPU.
	NumVCPU int

	// NoBuffered disables the buffered ioreq ring.
	NoBuffered bool

	// Hypervisor creates the ioreq server and maps its pages.
	Hypervisor Hypervisor

	// Events delivers the server's event channels. The Dispatcher binds ports
	// on it but doesn't close it.
	Events Events

	// Caches supplies the domain's shared mapping cache. If Caches is nil, the
	// Dispatcher gets a private registry backed by Hypervisor.
	Caches *mapcache.Registry

	// Logger is used for request errors. If Logger is nil, slog.Default is used.
	Logger *slog.Logger
}

// Dispatcher services the requests of one ioreq server. Poll and Run must not be
// called concurrently; everything else is safe for concurrent use.
type Dispatcher struct {
	domain uint16
	server uint16
	hv     Hypervisor
	ev     Events
	log    *slog.Logger
	limit  *rate.Limiter // guest-triggered log messages

	syncPage []byte
	bufPage  []byte
	ports    []uint32 // local port per vCPU, 0 if unbound
	bufPort  uint32

	ranges   *Ranges
	caches   *mapcache.Registry
	cacheRef *mapcache.Ref
	cache    *mapcache.Cache

	serverCreated bool

	// ringHook, if set, runs between the cursor loads of a buffered drain.
	ringHook func()

	closeOnce sync.Once
	closed    atomic.Bool

	nSync     atomic.Uint64
	nBuffered atomic.Uint64
	nIgnored  atomic.Uint64
}

// Stats is a snapshot of a dispatcher's counters.
type Stats struct {
	Domain   uint16         `json:"domain"`
	Server   uint16         `json:"server"`
	Sync     uint64         `json:"sync"`
	Buffered uint64         `json:"buffered"`
	Ignored  uint64         `json:"ignored"`
	Ranges   int            `json:"ranges"`
	Cache    mapcache.Stats `json:"cache"`
}

// domain ids at and above this are reserved (DOMID_FIRST_RESERVED)
const firstReservedDomain = 0x7ff0

// A guest can trigger errors at will, so their log messages are rate limited.
const (
	guestLogInterval = time.Second
	guestLogBurst    = 10
)

// Attach creates an ioreq server for cfg.Domain, maps its shared pages, binds
// its event channels and enables it.
func Attach(cfg Config) (_ *Dispatcher, err error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	d := &Dispatcher{
		domain: cfg.Domain,
		hv:     cfg.Hypervisor,
		ev:     cfg.Events,
		log:    cfg.Logger.With("domain", cfg.Domain),
		limit:  rate.NewLimiter(rate.Every(guestLogInterval), guestLogBurst),
		caches: cfg.Caches,
		ports:  make([]uint32, cfg.NumVCPU),
	}

	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if d.server, err = d.hv.CreateIoreqServer(d.domain, !cfg.NoBuffered); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateServer, err)
	}

	d.serverCreated = true
	d.ranges = NewRanges(d.domain, d.server, d.hv, d.log)

	ioreqGFN, bufGFN, bufRemote, err := d.hv.IoreqServerInfo(d.domain, d.server)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServerInfo, err)
	}

	if d.syncPage, err = d.hv.MapForeign(d.domain, ioreqGFN); err != nil {
		return nil, fmt.Errorf("%w: ioreq frame %#x: %w", ErrMapPage, ioreqGFN, err)
	}

	if !cfg.NoBuffered {
		if d.bufPage, err = d.hv.MapForeign(d.domain, bufGFN); err != nil {
			return nil, fmt.Errorf("%w: buffered ioreq frame %#x: %w", ErrMapPage, bufGFN, err)
		}
	}

	for vcpu := range d.ports {
		remote := d.slot(vcpu).port()
		port, err := d.ev.BindInterdomain(d.domain, remote)
		if err != nil {
			return nil, fmt.Errorf("%w: vcpu %d port %d: %w", ErrBindPort, vcpu, remote, err)
		}

		d.ports[vcpu] = port
	}

	if !cfg.NoBuffered {
		if d.bufPort, err = d.ev.BindInterdomain(d.domain, bufRemote); err != nil {
			return nil, fmt.Errorf("%w: buffered port %d: %w", ErrBindPort, bufRemote, err)
		}
	}

	d.cacheRef = d.caches.Acquire(d.domain)
	d.cache = d.cacheRef.Cache()

	if err := d.hv.SetIoreqServerState(d.domain, d.server, true); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnableServer, err)
	}

	return d, nil
}

// Domain returns the id of the domain the dispatcher serves.
func (d *Dispatcher) Domain() uint16 {
	return d.domain
}

// Fd returns the descriptor that polls readable when requests may be pending.
func (d *Dispatcher) Fd() int {
	return d.ev.Fd()
}

// Cache returns the domain's shared mapping cache.
func (d *Dispatcher) Cache() *mapcache.Cache {
	return d.cache
}

// Ranges returns the dispatcher's device ranges.
func (d *Dispatcher) Ranges() *Ranges {
	return d.ranges
}

// Register claims [start, start+size) for a device. See Ranges.Register.
func (d *Dispatcher) Register(start, size uint64, mmio bool, ops Ops, opaque any) error {
	if d.closed.Load() {
		return ErrClosed
	}

	return d.ranges.Register(start, size, mmio, ops, opaque)
}

// Unregister releases a device range. See Ranges.Unregister.
func (d *Dispatcher) Unregister(addr uint64, mmio bool) error {
	if d.closed.Load() {
		return ErrClosed
	}

	return d.ranges.Unregister(addr, mmio)
}

// SetOpaque retargets a device range. See Ranges.SetOpaque.
func (d *Dispatcher) SetOpaque(addr uint64, opaque any) bool {
	return d.ranges.SetOpaque(addr, opaque)
}

// Stats returns a snapshot of the dispatcher's counters.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Domain:   d.domain,
		Server:   d.server,
		Sync:     d.nSync.Load(),
		Buffered: d.nBuffered.Load(),
		Ignored:  d.nIgnored.Load(),
	}

	if d.ranges != nil {
		s.Ranges = d.ranges.Len()
	}

	if d.cache != nil {
		s.Cache = d.cache.Stats()
	}

	return s
}

// Close detaches from the domain. It unbinds the event channels, unmaps the
// shared pages, drops the cache reference, releases every range and destroys the
// ioreq server.
func (d *Dispatcher) Close() error {
	var errs []error

	d.closeOnce.Do(func() {
		d.closed.Store(true)

		for i, port := range d.ports {
			if port != 0 {
				if err := d.ev.Unbind(port); err != nil {
					errs = append(errs, fmt.Errorf("unbind vcpu %d port %d: %w", i, port, err))
				}

				d.ports[i] = 0
			}
		}

		if d.bufPort != 0 {
			if err := d.ev.Unbind(d.bufPort); err != nil {
				errs = append(errs, fmt.Errorf("unbind buffered port %d: %w", d.bufPort, err))
			}

			d.bufPort = 0
		}

		for _, page := range []*[]byte{&d.syncPage, &d.bufPage} {
			if *page != nil {
				if err := d.hv.Unmap(*page); err != nil {
					errs = append(errs, fmt.Errorf("unmap shared page: %w", err))
				}

				*page = nil
			}
		}

		if d.cacheRef != nil {
			d.cacheRef.Release()
			d.cacheRef, d.cache = nil, nil
		}

		if d.ranges != nil {
			if err := d.ranges.unregisterAll(); err != nil {
				errs = append(errs, err)
			}
		}

		if d.serverCreated {
			if err := d.hv.SetIoreqServerState(d.domain, d.server, false); err != nil {
				errs = append(errs, fmt.Errorf("disable server %d: %w", d.server, err))
			}

			if err := d.hv.DestroyIoreqServer(d.domain, d.server); err != nil {
				errs = append(errs, fmt.Errorf("destroy server %d: %w", d.server, err))
			}
		}
	})

	return errors.Join(errs...)
}

// guestLog logs a message caused by guest behavior, unless too many have been
// logged recently.
func (d *Dispatcher) guestLog(level slog.Level, msg string, args ...any) {
	if d.limit.Allow() {
		d.log.Log(context.Background(), level, msg, args...)
	}
}

func (d *Dispatcher) slot(vcpu int) slot {
	return slot(d.syncPage[vcpu*SlotSize:][:SlotSize])
}

func (cfg Config) validate() error {
	if cfg.Hypervisor == nil {
		return errors.New("hypervisor is not set")
	}

	if cfg.Events == nil {
		return errors.New("events are not set")
	}

	if cfg.Domain == 0 || cfg.Domain >= firstReservedDomain {
		return fmt.Errorf("domain id %d is out of range", cfg.Domain)
	}

	if cfg.NumVCPU < 1 || cfg.NumVCPU > MaxVCPUs {
		return fmt.Errorf("vcpu count %d is out of range [1, %d]", cfg.NumVCPU, MaxVCPUs)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.NumVCPU == 0 {
		cfg.NumVCPU = 1
	}

	if cfg.Caches == nil && cfg.Hypervisor != nil {
		cfg.Caches = mapcache.NewRegistry(cfg.Hypervisor)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
