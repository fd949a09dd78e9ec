// Command ioemu emulates device I/O for Xen domains. It attaches an ioreq server
// to each configured domain and services its port I/O and MMIO requests.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/c35s/ioemu/config"
	"github.com/c35s/ioemu/ioreq"
	"github.com/c35s/ioemu/mapcache"
	"github.com/c35s/ioemu/stats"
	"github.com/c35s/ioemu/xen"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func main() {

	var (
		configPath = flag.String("config", "/etc/ioemu/ioemu.toml", "read the configuration from file")
		logLevel   = flag.String("log-level", "", "override the configured log level")
		logFormat  = flag.String("log-format", "", "override the configured log format (auto, text or json)")
	)

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ioemu:", err)
		os.Exit(2)
	}

	cfg, err = withLogFlags(cfg, *logLevel, *logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ioemu:", err)
		os.Exit(2)
	}

	slog.SetDefault(newLogger(os.Stderr, cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("ioemu failed", "err", err)
		os.Exit(1)
	}
}

// withLogFlags applies the non-empty log flags to cfg and checks the result.
func withLogFlags(cfg config.Config, level, format string) (config.Config, error) {
	if level != "" {
		cfg.LogLevel = level
	}

	if format != "" {
		cfg.LogFormat = format
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

// newLogger returns a text logger if w is a terminal or the format says so, and
// a JSON logger otherwise.
func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}

	text := cfg.LogFormat == "text"
	if cfg.LogFormat == "auto" {
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			text = true
		}
	}

	if text {
		return slog.New(slog.NewTextHandler(w, opts))
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}

func run(ctx context.Context, cfg config.Config) error {
	h, err := xen.Open()
	if err != nil {
		return err
	}

	defer h.Close()

	var (
		caches  = mapcache.NewRegistry(h)
		runners = make([]*domainRunner, len(cfg.Domains))
	)

	g, ctx := errgroup.WithContext(ctx)

	for i, dc := range cfg.Domains {
		r := &domainRunner{
			cfg:     dc,
			hv:      h,
			caches:  caches,
			lockDir: cfg.LockDir,
			log:     slog.Default().With("domain", dc.ID),
		}

		runners[i] = r
		g.Go(func() error {
			return r.run(ctx)
		})
	}

	if cfg.Stats.Address != "" {
		l, err := stats.Listen(cfg.Stats.Network, cfg.Stats.Address)
		if err != nil {
			// the domain runners are already going; stop them
			g.Go(func() error { return err })
			return g.Wait()
		}

		slog.Info("serving stats", "network", cfg.Stats.Network, "addr", l.Addr())

		g.Go(func() error {
			return stats.Serve(ctx, l, snapshotter(runners))
		})
	}

	return g.Wait()
}

func snapshotter(runners []*domainRunner) stats.Source {
	return func() stats.Snapshot {
		s := stats.Snapshot{Time: time.Now()}
		for _, r := range runners {
			if ds, ok := r.stats(); ok {
				s.Dispatchers = append(s.Dispatchers, ds)
			}
		}

		return s
	}
}

// domainRunner attaches to one domain and runs its dispatcher until the context
// is done.
type domainRunner struct {
	cfg     config.Domain
	hv      *xen.Handle
	caches  *mapcache.Registry
	lockDir string
	log     *slog.Logger

	mu sync.Mutex
	d  *ioreq.Dispatcher
}

func (r *domainRunner) stats() (ioreq.Stats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.d == nil {
		return ioreq.Stats{}, false
	}

	return r.d.Stats(), true
}

func (r *domainRunner) setDispatcher(d *ioreq.Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.d = d
}
