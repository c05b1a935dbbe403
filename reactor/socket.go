// File: reactor/socket.go
// Author: momentics <momentics@gmail.com>
//
// Stream endpoint abstraction shared by plain and TLS-wrapped connections.

package reactor

import (
	"errors"
	"net"
)

// ErrWouldBlock is returned by socket reads and writes that would block.
var ErrWouldBlock = errors.New("operation would block")

// socket is a non-blocking stream endpoint registered with the poller.
type socket interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}
