// Package stats serves dispatcher and cache counters as JSON. A client connects,
// reads one snapshot and the server closes the connection.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c35s/ioemu/ioreq"
	"github.com/mdlayher/vsock"
)

// Snapshot is what the server sends.
type Snapshot struct {
	Time        time.Time     `json:"time"`
	Dispatchers []ioreq.Stats `json:"dispatchers"`
}

// Source returns the current snapshot.
type Source func() Snapshot

// writeTimeout bounds how long a slow client can hold a connection.
const writeTimeout = 5 * time.Second

// Serve accepts connections on l and writes a snapshot to each until ctx is
// done. It closes l before returning.
func Serve(ctx context.Context, l net.Listener, src Source) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer func() {
		if stop() {
			l.Close()
		}
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}

			return fmt.Errorf("stats: accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()

			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := json.NewEncoder(conn).Encode(src()); err != nil {
				slog.Warn("stats write failed", "remote", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

// Fetch reads one snapshot from conn and closes it.
func Fetch(conn net.Conn) (Snapshot, error) {
	defer conn.Close()

	var s Snapshot
	if err := json.NewDecoder(conn).Decode(&s); err != nil {
		return Snapshot{}, fmt.Errorf("stats: read snapshot: %w", err)
	}

	return s, nil
}

// Listen listens on network, which is vsock, tcp or unix. A vsock address is a
// port number.
func Listen(network, address string) (net.Listener, error) {
	if network != "vsock" {
		return net.Listen(network, address)
	}

	port, err := strconv.ParseUint(address, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("stats: vsock port %q: %w", address, err)
	}

	return vsock.Listen(uint32(port), nil)
}

// Dial connects to a stats server. A vsock address is cid:port.
func Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "vsock" {
		var d net.Dialer
		return d.DialContext(ctx, network, address)
	}

	cid, port, ok := strings.Cut(address, ":")
	if !ok {
		return nil, fmt.Errorf("stats: vsock address %q is not cid:port", address)
	}

	c, err := strconv.ParseUint(cid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("stats: vsock cid %q: %w", cid, err)
	}

	p, err := strconv.ParseUint(port, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("stats: vsock port %q: %w", port, err)
	}

	return vsock.Dial(uint32(c), uint32(p), nil)
}
