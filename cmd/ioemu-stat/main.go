// ioemu-stat prints the counters of a running ioemu daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/c35s/ioemu/stats"
	"github.com/google/subcommands"
)

var (
	network = flag.String("network", "vsock", "connect over vsock, tcp or unix")
	address = flag.String("addr", "2:5000", "stats address (cid:port for vsock)")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&showCmd{}, "")
	subcommands.Register(&watchCmd{}, "")

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	os.Exit(int(subcommands.Execute(ctx)))
}

func fetch(ctx context.Context) (stats.Snapshot, error) {
	conn, err := stats.Dial(ctx, *network, *address)
	if err != nil {
		return stats.Snapshot{}, err
	}

	return stats.Fetch(conn)
}

type showCmd struct {
	json bool
}

func (*showCmd) Name() string     { return "show" }
func (*showCmd) Synopsis() string { return "print the current counters" }
func (*showCmd) Usage() string    { return "show [-json]\n" }

func (c *showCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.json, "json", false, "print the raw snapshot")
}

func (c *showCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	s, err := fetch(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ioemu-stat:", err)
		return subcommands.ExitFailure
	}

	if c.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(s)
		return subcommands.ExitSuccess
	}

	printTable(os.Stdout, s)
	return subcommands.ExitSuccess
}

type watchCmd struct {
	interval time.Duration
}

func (*watchCmd) Name() string     { return "watch" }
func (*watchCmd) Synopsis() string { return "print counters repeatedly" }
func (*watchCmd) Usage() string    { return "watch [-interval d]\n" }

func (c *watchCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&c.interval, "interval", 2*time.Second, "time between snapshots")
}

func (c *watchCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.interval <= 0 {
		fmt.Fprintln(os.Stderr, "ioemu-stat: interval must be positive")
		return subcommands.ExitUsageError
	}

	t := time.NewTicker(c.interval)
	defer t.Stop()

	for {
		s, err := fetch(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "ioemu-stat:", err)
			return subcommands.ExitFailure
		}

		printTable(os.Stdout, s)
		fmt.Println()

		select {
		case <-ctx.Done():
			return subcommands.ExitSuccess

		case <-t.C:
		}
	}
}

func printTable(w io.Writer, s stats.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "domain\tserver\tsync\tbuffered\tignored\tranges\thits\tmisses\tevictions\tlive\t")

	for _, d := range s.Dispatchers {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
			d.Domain, d.Server, d.Sync, d.Buffered, d.Ignored, d.Ranges,
			d.Cache.Hits, d.Cache.Misses, d.Cache.Evictions, d.Cache.Live)
	}

	tw.Flush()
}
