// File: protocol/handler.go
// Package protocol defines the Handler contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Handler carries the application logic of one connection. The engine owns
// every protocol rule; the handler only sees validated frames, complete
// messages and lifecycle events. All methods are called on the reactor
// goroutine and must not block.

package protocol

import (
	"crypto/tls"
	"errors"
	"net"
	"net/url"

	"github.com/momentics/wsengine/api"
)

// ErrNoTLSPolicy is returned by the default BuildTLS. The engine then falls
// back to the TLS configuration of the listener or reactor, if any.
var ErrNoTLSPolicy = errors.New("no tls policy configured")

// Handler is the per-connection extension point. Embed DefaultHandler to
// inherit the default behaviour and override selected methods.
type Handler interface {
	// OnShutdown is called once when the reactor is asked to shut down,
	// before the connection is closed.
	OnShutdown()

	// OnOpen is called when the handshake completed. An error aborts the connection.
	OnOpen(hs Handshake) error

	// OnMessage receives every complete message. An error closes the
	// connection with the code matching its kind.
	OnMessage(msg Message) error

	// OnClose is called exactly once when an opened connection reaches
	// Closed, with the code and reason the peer sent (CloseAbnormal if none).
	OnClose(code CloseCode, reason string)

	// OnError receives errors the engine could not resolve locally.
	OnError(err error)

	// OnRequest validates a server side upgrade request and returns the
	// response to send. Not called for client connections.
	OnRequest(req *Request) (*Response, error)

	// OnResponse inspects the server's upgrade response. Not called for
	// server connections.
	OnResponse(res *Response) error

	// OnFrame sees every inbound frame after validation and before
	// assembly. Returning a nil frame without error drops it.
	OnFrame(f *Frame) (*Frame, error)

	// OnSendFrame sees every outbound frame before encoding. Returning a
	// nil frame without error drops it.
	OnSendFrame(f *Frame) (*Frame, error)

	// BuildRequest creates the client upgrade request for u.
	BuildRequest(u *url.URL) (*Request, error)

	// BuildTLS returns the TLS configuration used to wrap the socket.
	BuildTLS(info ConnInfo) (*tls.Config, error)
}

// ConnInfo describes a connection for handlers and factories.
type ConnInfo struct {
	Token     uint64
	Role      api.Role
	URL       *url.URL
	PeerAddr  net.Addr
	LocalAddr net.Addr
}

// ExtensionClaims is implemented by handlers whose extensions use reserved
// header bits. The codec accepts the claimed bits once the handshake is done.
type ExtensionClaims interface {
	ReservedBits() RsvMask
}

// DefaultHandler implements every Handler method with the protocol
// conforming default.
type DefaultHandler struct{}

var _ Handler = DefaultHandler{}

func (DefaultHandler) OnShutdown() {}

func (DefaultHandler) OnOpen(Handshake) error { return nil }

func (DefaultHandler) OnMessage(Message) error { return nil }

func (DefaultHandler) OnClose(CloseCode, string) {}

// OnError does nothing; the engine has already logged the error unless it
// matched the ignore predicate.
func (DefaultHandler) OnError(error) {}

func (DefaultHandler) OnRequest(req *Request) (*Response, error) {
	return NewResponseFromRequest(req)
}

func (DefaultHandler) OnResponse(*Response) error { return nil }

// OnFrame rejects frames with reserved bits set.
func (DefaultHandler) OnFrame(f *Frame) (*Frame, error) { return rejectRsv(f) }

// OnSendFrame rejects frames with reserved bits set.
func (DefaultHandler) OnSendFrame(f *Frame) (*Frame, error) { return rejectRsv(f) }

func (DefaultHandler) BuildRequest(u *url.URL) (*Request, error) {
	return NewRequestFromURL(u)
}

func (DefaultHandler) BuildTLS(ConnInfo) (*tls.Config, error) {
	return nil, ErrNoTLSPolicy
}

func rejectRsv(f *Frame) (*Frame, error) {
	if f.HasRsv() {
		return nil, api.NewError(api.KindProtocol, "encountered frame with reserved bits set")
	}
	return f, nil
}

// MessageFunc is a plain message consumer. Its Handler method turns it into
// a full Handler.
type MessageFunc func(Message) error

// Handler adapts fn into a full Handler that delegates OnMessage and keeps
// the default behaviour for every other hook.
func (fn MessageFunc) Handler() Handler { return funcHandler{fn: fn} }

type funcHandler struct {
	DefaultHandler
	fn MessageFunc
}

func (h funcHandler) OnMessage(m Message) error { return h.fn(m) }

// Factory creates one Handler per connection. out is the connection's
// sending handle and stays valid for the connection's lifetime.
type Factory interface {
	NewHandler(out *Sender, info ConnInfo) Handler
}

// FactoryFunc adapts a function into a Factory.
type FactoryFunc func(out *Sender, info ConnInfo) Handler

// NewHandler calls fn.
func (fn FactoryFunc) NewHandler(out *Sender, info ConnInfo) Handler { return fn(out, info) }

// MessageFactory returns a Factory whose handlers all run fn. Replies go
// through the Sender passed to fn.
func MessageFactory(fn func(out *Sender, msg Message) error) Factory {
	return FactoryFunc(func(out *Sender, _ ConnInfo) Handler {
		return MessageFunc(func(m Message) error { return fn(out, m) }).Handler()
	})
}

// LossNotifier is optionally implemented by a Factory that wants its
// handlers back once their connection is released.
type LossNotifier interface {
	ConnectionLost(h Handler)
}
