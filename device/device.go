// Package device has emulated devices that sit behind an ioreq server.
package device

import "github.com/c35s/ioemu/ioreq"

// Registrar claims address ranges for a device. *ioreq.Dispatcher implements it.
type Registrar interface {
	Register(start, size uint64, mmio bool, ops ioreq.Ops, opaque any) error
}

// Device is an emulated device.
type Device interface {

	// Attach registers the device's ranges with r.
	Attach(r Registrar) error
}
