// File: reactor/tls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TLS wrapping. crypto/tls needs a blocking net.Conn, so the encrypted socket
// is handed to the Go runtime and two goroutines pump plaintext through a
// socketpair. The reactor only ever sees the non-blocking plaintext end.

package reactor

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/wsengine/api"
)

// fdConn turns fd into a runtime-managed net.Conn. fd is consumed.
func fdConn(fd int, name string) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), name)
	c, err := net.FileConn(f)
	f.Close()
	return c, err
}

// wrapTLS replaces raw with the plaintext end of a TLS bridge. raw is consumed
// even on error.
func wrapTLS(raw socket, cfg *tls.Config, client bool, handshakeTimeout time.Duration, log *zap.Logger) (socket, error) {
	local, remote := raw.LocalAddr(), raw.RemoteAddr()
	enc, err := fdConn(raw.Fd(), "tls")
	if err != nil {
		return nil, api.Wrap(api.KindIo, "tls: adopt socket", err)
	}
	inner, outer, err := socketPair()
	if err != nil {
		enc.Close()
		return nil, api.Wrap(api.KindIo, "tls: socketpair", err)
	}
	plain, err := fdConn(outer, "tls-plain")
	if err != nil {
		enc.Close()
		closeFd(inner)
		return nil, api.Wrap(api.KindIo, "tls: adopt socketpair", err)
	}

	var tc *tls.Conn
	if client {
		tc = tls.Client(enc, cfg)
	} else {
		tc = tls.Server(enc, cfg)
	}
	s := &tlsSocket{socket: wrapFd(inner, local, remote)}
	go pumpTLS(tc, plain, handshakeTimeout, s, log.With(zap.Stringer("peer", remote)))
	return s, nil
}

// tlsSocket is the plaintext end of a TLS bridge. When the handshake fails
// the bridge is closed, and the end of stream seen by the reactor carries the
// handshake error instead of io.EOF.
type tlsSocket struct {
	socket
	failure atomic.Pointer[api.Error]
}

func (s *tlsSocket) Read(p []byte) (int, error) {
	n, err := s.socket.Read(p)
	if errors.Is(err, io.EOF) {
		if f := s.failure.Load(); f != nil {
			return n, f
		}
	}
	return n, err
}

func (s *tlsSocket) Write(p []byte) (int, error) {
	n, err := s.socket.Write(p)
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		if f := s.failure.Load(); f != nil {
			return n, f
		}
	}
	return n, err
}

// pumpTLS copies between the TLS session and the plaintext socket until
// either side ends, then closes both. A failed handshake is recorded on s
// before the bridge closes.
func pumpTLS(tc *tls.Conn, plain net.Conn, handshakeTimeout time.Duration, s *tlsSocket, log *zap.Logger) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			tc.Close()
			plain.Close()
		})
	}

	ctx := context.Background()
	if handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		log.Debug("tls handshake failed", zap.Error(err))
		s.failure.Store(api.Wrap(api.KindIo, "tls handshake", err))
		closeBoth()
		return
	}

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		_, err := io.Copy(plain, tc)
		return err
	})
	g.Go(func() error {
		defer closeBoth()
		_, err := io.Copy(tc, plain)
		return err
	})
	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debug("tls pump ended", zap.Error(err))
	}
}
