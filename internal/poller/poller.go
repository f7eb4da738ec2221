package poller

import "errors"

// ErrClosed is returned by operations on a closed Poller.
var ErrClosed = errors.New("poller closed")

// Poller waits for read readiness on a set of registered descriptors.
//
// Register, Rearm, Deregister and Wait must be called from a single
// goroutine. Wake may be called from any goroutine.
type Poller interface {
	// Register adds fd to the watched set. A oneShot descriptor is disarmed
	// after it is reported ready once.
	Register(fd int, oneShot bool) error

	// Rearm re-enables a disarmed one-shot descriptor.
	Rearm(fd int) error

	// Deregister removes fd from the watched set. It must be called before
	// fd is closed.
	Deregister(fd int) error

	// Wait blocks until at least one descriptor is readable or Wake is
	// called, and appends the readable descriptors to ready in ascending
	// order. A wakeup with nothing ready returns ready unchanged.
	Wait(ready []int) ([]int, error)

	// Wake interrupts a blocked or the next Wait.
	Wake() error

	Close() error
}
