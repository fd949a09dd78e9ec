package ioreq

import (
	"errors"
	"fmt"
)

var (
	ErrConfig       = errors.New("ioreq: invalid config")
	ErrCreateServer = errors.New("ioreq: create server failed")
	ErrServerInfo   = errors.New("ioreq: get server info failed")
	ErrMapPage      = errors.New("ioreq: map shared page failed")
	ErrBindPort     = errors.New("ioreq: bind event channel failed")
	ErrEnableServer = errors.New("ioreq: enable server failed")
	ErrClosed       = errors.New("ioreq: dispatcher is closed")
	ErrNoRange      = errors.New("ioreq: no range at address")
	ErrInvalidRange = errors.New("ioreq: invalid range")
)

// RegistrationError is returned when a range can't be claimed from the hypervisor.
// Unless Err is ErrInvalidRange, the range remains registered locally.
type RegistrationError struct {
	Start uint64
	Size  uint64
	MMIO  bool
	Err   error
}

func (e *RegistrationError) Error() string {
	kind := "pio"
	if e.MMIO {
		kind = "mmio"
	}

	return fmt.Sprintf("ioreq: register %s range %#x+%#x: %v", kind, e.Start, e.Size, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}
