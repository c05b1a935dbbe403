// File: reactor/poller.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness multiplexer interface.

package reactor

import "time"

// EventMask describes the readiness reported for a descriptor.
type EventMask uint8

const (
	EventRead EventMask = 1 << iota
	EventWrite
	EventError
)

// Event contains event information returned by Wait.
type Event struct {
	Fd   int
	Mask EventMask
}

// poller is the readiness multiplexer behind a Reactor. Only Wake may be
// called from another goroutine.
type poller interface {
	// Add registers fd for read readiness, plus write readiness if write is set.
	Add(fd int, write bool) error
	// Modify switches write interest on or off.
	Modify(fd int, write bool) error
	Remove(fd int) error
	// Wait blocks until events arrive, the timeout elapses or Wake is called.
	// A negative timeout blocks indefinitely.
	Wait(events []Event, timeout time.Duration) (int, error)
	Wake() error
	Close() error
}
