package device

import (
	"io"
	"log/slog"
	"sync"

	"github.com/c35s/ioemu/ioreq"
)

// DebugConPort is the conventional I/O port of the Bochs debug console.
const DebugConPort = 0xe9

// DebugCon is a Bochs-style debug console: every byte the guest writes to its
// port is copied to Out, and reads return the port number so the guest can
// detect it.
type DebugCon struct {

	// Port is the I/O port. If Port is 0, DebugConPort is used.
	Port uint16

	// Out receives the guest's output. If Out is nil, output is discarded.
	Out io.Writer

	mu  sync.Mutex
	err error
}

func (c *DebugCon) Attach(r Registrar) error {
	return r.Register(uint64(c.port()), 1, false, debugConOps, c)
}

var debugConOps = ioreq.Ops{
	Read: [3]ioreq.ReadFunc{
		func(opaque any, addr uint64) uint32 {
			return uint32(opaque.(*DebugCon).port())
		},
	},

	Write: [3]ioreq.WriteFunc{
		func(opaque any, addr uint64, val uint32) {
			opaque.(*DebugCon).putc(byte(val))
		},
	},
}

func (c *DebugCon) port() uint16 {
	if c.Port == 0 {
		return DebugConPort
	}

	return c.Port
}

func (c *DebugCon) putc(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Out == nil || c.err != nil {
		return
	}

	if _, err := c.Out.Write([]byte{b}); err != nil {
		// stop writing after the first error
		c.err = err
		slog.Error("debug console write failed", "port", c.port(), "err", err)
	}
}

// Err returns the first error returned by Out, if any.
func (c *DebugCon) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}
