package mapcache

import "fmt"

// MapError is returned when a frame can't be mapped. The entry chosen for the
// frame has already been evicted and is left empty.
type MapError struct {
	Domain uint16
	Frame  uint64
	Err    error
}

func (e *MapError) Error() string {
	return fmt.Sprintf("mapcache: map domain %d frame %#x: %v", e.Domain, e.Frame, e.Err)
}

func (e *MapError) Unwrap() error {
	return e.Err
}

// PartialCopyError is returned when a copy to or from guest memory stops early.
// Remaining is the number of bytes that were not transferred.
type PartialCopyError struct {
	Addr      uint64
	Len       int
	Remaining int
	Err       error
}

func (e *PartialCopyError) Error() string {
	return fmt.Sprintf("mapcache: copy %#x+%d: %d bytes not transferred: %v",
		e.Addr, e.Len, e.Remaining, e.Err)
}

func (e *PartialCopyError) Unwrap() error {
	return e.Err
}
