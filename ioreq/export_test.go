package ioreq

// SetRingHook makes d call f between its loads of the buffered ring cursors.
func SetRingHook(d *Dispatcher, f func()) {
	d.ringHook = f
}
