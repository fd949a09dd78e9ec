package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/c35s/ioemu/device"
	"github.com/c35s/ioemu/ioreq"
	"github.com/c35s/ioemu/xen"
	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
)

// attachTimeout bounds how long a domain that isn't ready yet is retried.
const attachTimeout = time.Minute

func (r *domainRunner) run(ctx context.Context) error {
	lock, err := lockDomain(r.lockDir, r.cfg.ID)
	if err != nil {
		return err
	}

	defer lock.Unlock()

	ev, err := xen.OpenEvtchn()
	if err != nil {
		return fmt.Errorf("domain %d: %w", r.cfg.ID, err)
	}

	defer ev.Close()

	d, err := r.attach(ctx, ev)
	if err != nil {
		return fmt.Errorf("domain %d: %w", r.cfg.ID, err)
	}

	defer func() {
		r.setDispatcher(nil)
		if err := d.Close(); err != nil {
			r.log.Error("detach failed", "err", err)
		}
	}()

	devs, closeDevs, err := r.devices()
	if err != nil {
		return fmt.Errorf("domain %d: %w", r.cfg.ID, err)
	}

	defer closeDevs()

	for _, dev := range devs {
		err := dev.Attach(d)

		var rerr *ioreq.RegistrationError
		if errors.As(err, &rerr) && !errors.Is(err, ioreq.ErrInvalidRange) {
			// the device stays registered but the hypervisor won't route to it
			r.log.Warn("device range isn't claimed", "device", fmt.Sprintf("%T", dev), "err", err)
			continue
		}

		if err != nil {
			return fmt.Errorf("domain %d: %w", r.cfg.ID, err)
		}
	}

	r.setDispatcher(d)
	r.log.Info("attached", "vcpus", r.cfg.VCPUs, "buffered", !r.cfg.NoBuffered, "devices", len(devs))

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("domain %d: %w", r.cfg.ID, err)
	}

	r.log.Info("detaching")
	return nil
}

// attach retries ioreq.Attach with exponential backoff: a domain that is still
// being built can't take an ioreq server yet.
func (r *domainRunner) attach(ctx context.Context, ev *xen.Evtchn) (*ioreq.Dispatcher, error) {
	cfg := r.cfg.DispatcherConfig()
	cfg.Hypervisor = r.hv
	cfg.Events = ev
	cfg.Caches = r.caches
	cfg.Logger = r.log

	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = attachTimeout

	var d *ioreq.Dispatcher
	op := func() (err error) {
		d, err = ioreq.Attach(cfg)
		return err
	}

	notify := func(err error, next time.Duration) {
		r.log.Warn("attach failed", "retry", next, "err", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(eb, ctx), notify); err != nil {
		return nil, err
	}

	return d, nil
}

// devices returns the domain's configured devices and a func that releases their
// resources.
func (r *domainRunner) devices() ([]device.Device, func(), error) {
	var (
		devs    []device.Device
		closers []io.Closer
	)

	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	if dc := r.cfg.DebugCon; dc != nil {
		var out io.Writer = os.Stdout
		if dc.Path != "" && dc.Path != "-" {
			f, err := os.OpenFile(dc.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("debug console: %w", err)
			}

			closers = append(closers, f)
			out = f
		}

		devs = append(devs, &device.DebugCon{Port: dc.Port, Out: out})
	}

	return devs, closeAll, nil
}

// lockDomain takes an exclusive lock for domain in dir. Only one emulator may
// serve a domain: two would map the same frames through separate caches.
func lockDomain(dir string, domain uint16) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}

	l := flock.New(filepath.Join(dir, fmt.Sprintf("domain-%d.lock", domain)))

	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock domain %d: %w", domain, err)
	}

	if !ok {
		return nil, fmt.Errorf("domain %d is served by another process (%s is locked)", domain, l.Path())
	}

	return l, nil
}
