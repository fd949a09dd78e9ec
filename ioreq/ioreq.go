// Package ioreq services I/O requests that a Xen ioreq server receives on behalf of
// a domain. A Dispatcher drains the server's synchronous per-vCPU slots and its
// buffered ring and routes each request to a registered device Range or, for
// unclaimed MMIO, straight to guest memory through a shared mapcache.Cache.
package ioreq

import "github.com/c35s/ioemu/mapcache"

// Hypervisor is the control interface a Dispatcher needs. xen.Handle implements it.
type Hypervisor interface {
	mapcache.Mapper
	Claimer

	// CreateIoreqServer creates a disabled ioreq server for domain.
	CreateIoreqServer(domain uint16, bufioreq bool) (server uint16, err error)

	// IoreqServerInfo returns the frames of the server's shared pages and the
	// remote port of its buffered ioreq event channel.
	IoreqServerInfo(domain, server uint16) (ioreqGFN, bufioreqGFN uint64, bufioreqPort uint32, err error)

	// SetIoreqServerState enables or disables the server.
	SetIoreqServerState(domain, server uint16, enabled bool) error

	// DestroyIoreqServer destroys the server.
	DestroyIoreqServer(domain, server uint16) error
}

// Events is an interdomain event channel handle. xen.Evtchn implements it.
type Events interface {

	// Fd returns a descriptor that polls readable when a port is pending.
	Fd() int

	// BindInterdomain binds a local port to a remote port and returns it.
	BindInterdomain(domain uint16, remotePort uint32) (uint32, error)

	// Unbind releases a local port.
	Unbind(port uint32) error

	// Notify signals the remote end of a local port.
	Notify(port uint32) error

	// Pending returns the next pending local port, if any.
	Pending() (port uint32, ok bool, err error)

	// Unmask re-enables a port returned by Pending.
	Unmask(port uint32) error
}
