//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms. New fails in newPoller, so
// the socket helpers below are never reached.

package reactor

import (
	"net"

	"github.com/momentics/wsengine/api"
)

func newPoller() (poller, error) {
	return nil, api.Wrap(api.KindIo, "reactor: this platform is not supported", api.ErrNotSupported)
}

func wrapFd(int, net.Addr, net.Addr) socket { return nil }

func closeFd(int) error { return api.ErrNotSupported }

func listenTCP(*net.TCPAddr, bool, int) (int, net.Addr, error) {
	return -1, nil, api.ErrNotSupported
}

func acceptConn(int) (int, net.Addr, error) { return -1, nil, api.ErrNotSupported }

func dialTCP(*net.TCPAddr) (int, error) { return -1, api.ErrNotSupported }

func connectResult(int) error { return api.ErrNotSupported }

func setNoDelay(int) error { return api.ErrNotSupported }

func socketPair() (int, int, error) { return -1, -1, api.ErrNotSupported }

func sockName(int) net.Addr { return nil }

func peerName(int) net.Addr { return nil }
