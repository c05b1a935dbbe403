// File: protocol/connection.go
// Package protocol implements the per-connection state machine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection owns the buffers, lifecycle state and fragment in progress of
// one WebSocket session. It performs no I/O: the reactor feeds it bytes with
// Feed and drains its output with Peek/Advance. All methods must be called
// from the goroutine that owns the connection.

package protocol

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/pool"
)

// Observer receives protocol counters. Implementations must be cheap; they
// run inline on the reactor goroutine.
type Observer interface {
	FrameIn(op OpCode, n int)
	FrameOut(op OpCode, n int)
	MessageIn(kind MessageKind, n int)
	Error(kind api.Kind)
	Closed(code CloseCode)
}

type nopObserver struct{}

func (nopObserver) FrameIn(OpCode, int)        {}
func (nopObserver) FrameOut(OpCode, int)       {}
func (nopObserver) MessageIn(MessageKind, int) {}
func (nopObserver) Error(api.Kind)             {}
func (nopObserver) Closed(CloseCode)           {}

// ConnConfig bounds the resources and timing of one connection. Limits and
// timeouts left at zero take their DefaultConnConfig value.
type ConnConfig struct {
	MaxFramePayload   int64         // per-frame payload limit
	MaxMessageSize    int64         // assembled message limit
	FragmentSize      int           // outbound messages larger than this are fragmented, 0 disables
	FragmentsCapacity int           // max frames per inbound message, 0 = unbounded
	MaxInBuffer       int           // bytes buffered while waiting for a complete frame
	MaxOutBuffer      int           // encoded bytes waiting for the socket, or held before open
	HandshakeTimeout  time.Duration // Connecting must end within this
	CloseTimeout      time.Duration // Closing must end within this
	LenientMasking    bool          // accept inbound frames regardless of mask bit
	IgnoreError       func(error) bool
	Logger            *zap.Logger
	Observer          Observer
	Clock             func() time.Time
}

// DefaultConnConfig returns sensible defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		MaxFramePayload:  DefaultMaxFramePayload,
		MaxMessageSize:   16 << 20,
		FragmentSize:     65535,
		MaxInBuffer:      DefaultMaxFramePayload + 64<<10,
		MaxOutBuffer:     16 << 20,
		HandshakeTimeout: 10 * time.Second,
		CloseTimeout:     5 * time.Second,
	}
}

// withDefaults fills unset limits and timeouts. A connection never runs
// without a close timeout.
func (cfg ConnConfig) withDefaults() ConnConfig {
	def := DefaultConnConfig()
	if cfg.MaxFramePayload <= 0 {
		cfg.MaxFramePayload = def.MaxFramePayload
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MaxInBuffer <= 0 {
		cfg.MaxInBuffer = int(cfg.MaxFramePayload) + 64<<10
	}
	if cfg.MaxOutBuffer <= 0 {
		cfg.MaxOutBuffer = def.MaxOutBuffer
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}

// Connection is one WebSocket session.
type Connection struct {
	token   uint64
	role    api.Role
	state   api.State
	handler Handler
	cfg     ConnConfig
	codec   Codec
	asm     Assembler
	log     *zap.Logger
	obs     Observer

	url   *url.URL
	req   *Request
	res   *Response
	peer  net.Addr
	local net.Addr

	in       []byte
	out      *queue.Queue // of []byte, in write order
	outOff   int          // bytes of the head chunk already written
	outBytes int

	deadline  time.Time
	sentClose bool
	recvClose bool
	drain     bool // release the socket as soon as output is flushed
	opened    bool
	shutdown  bool
	code      CloseCode
	reason    string
	lastPong  time.Time

	early      []*Frame // sent before the handshake completed
	earlyBytes int
}

// NewServerConnection creates a connection for an accepted socket.
func NewServerConnection(token uint64, h Handler, cfg ConnConfig) *Connection {
	return newConnection(token, api.RoleServer, h, nil, cfg)
}

// NewClientConnection creates a connection that will upgrade to u.
func NewClientConnection(token uint64, h Handler, u *url.URL, cfg ConnConfig) *Connection {
	return newConnection(token, api.RoleClient, h, u, cfg)
}

func newConnection(token uint64, role api.Role, h Handler, u *url.URL, cfg ConnConfig) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{
		token:   token,
		role:    role,
		state:   api.StateConnecting,
		handler: h,
		cfg:     cfg,
		codec: Codec{
			MaxPayload: cfg.MaxFramePayload,
			Role:       role,
			Lenient:    cfg.LenientMasking,
		},
		asm: Assembler{
			MaxMessage: cfg.MaxMessageSize,
			Capacity:   cfg.FragmentsCapacity,
		},
		log: cfg.Logger.With(zap.Uint64("conn", token), zap.Stringer("role", role)),
		obs: cfg.Observer,
		url: u,
		out: queue.New(),
	}
}

// SetAddrs records the socket addresses reported in the Handshake.
func (c *Connection) SetAddrs(local, peer net.Addr) { c.local, c.peer = local, peer }

func (c *Connection) Token() uint64       { return c.token }
func (c *Connection) Role() api.Role      { return c.role }
func (c *Connection) State() api.State    { return c.state }
func (c *Connection) Handler() Handler    { return c.handler }
func (c *Connection) LastPong() time.Time { return c.lastPong }

// Closed reports whether the connection reached its terminal state and its
// socket may be released.
func (c *Connection) Closed() bool { return c.state == api.StateClosed }

// Deadline returns the instant at which Tick forces progress, or the zero
// time if none is pending.
func (c *Connection) Deadline() time.Time { return c.deadline }

// Handshake returns the completed handshake, or nil before Open.
func (c *Connection) Handshake() *Handshake {
	if !c.opened {
		return nil
	}
	return &Handshake{Request: c.req, Response: c.res, PeerAddr: c.peer, LocalAddr: c.local}
}

// Start arms the handshake timer and, for clients, queues the upgrade request.
func (c *Connection) Start() {
	c.deadline = c.now().Add(c.cfg.HandshakeTimeout)
	if c.role != api.RoleClient {
		return
	}
	var req *Request
	err := c.guard("BuildRequest", func() (err error) {
		req, err = c.handler.BuildRequest(c.url)
		return err
	})
	if err == nil && req == nil {
		err = api.NewError(api.KindInternal, "BuildRequest returned no request")
	}
	if err != nil {
		c.fail(api.Wrap(api.KindHandshake, "build request", err))
		return
	}
	c.req = req
	c.push(req.Bytes())
}

// Feed hands bytes read from the socket to the connection.
func (c *Connection) Feed(p []byte) {
	if c.state == api.StateClosed || c.drain || c.recvClose {
		return
	}
	if len(c.in)+len(p) > c.cfg.MaxInBuffer {
		c.fail(api.NewError(api.KindCapacity, "input buffer limit exceeded"))
		return
	}
	c.in = append(c.in, p...)
	c.process()
}

func (c *Connection) process() {
	off := 0
	defer func() { c.compact(off) }()

	if c.state == api.StateConnecting {
		n, ok := c.handshake()
		off += n
		if !ok {
			return
		}
	}
	for !c.drain && !c.recvClose && (c.state == api.StateOpen || c.state == api.StateClosing) {
		f, n, err := c.codec.Decode(c.in[off:])
		if err != nil {
			c.fail(err)
			return
		}
		if f == nil {
			return
		}
		off += n
		c.obs.FrameIn(f.OpCode, len(f.Payload))
		c.handleFrame(f)
	}
}

func (c *Connection) compact(off int) {
	if c.drain || c.state == api.StateClosed {
		c.in = nil
		return
	}
	if off == 0 {
		return
	}
	n := copy(c.in, c.in[off:])
	c.in = c.in[:n]
}

func (c *Connection) handshake() (int, bool) {
	if c.role == api.RoleServer {
		return c.serverHandshake()
	}
	return c.clientHandshake()
}

func (c *Connection) serverHandshake() (int, bool) {
	req, n, err := ParseRequest(c.in)
	if err != nil {
		c.reject(err)
		return 0, false
	}
	if req == nil {
		return 0, false
	}
	c.req = req
	var res *Response
	err = c.guard("OnRequest", func() (err error) {
		res, err = c.handler.OnRequest(req)
		return err
	})
	if err == nil && res == nil {
		err = api.NewError(api.KindInternal, "OnRequest returned no response")
	}
	if err != nil {
		c.reject(err)
		return n, false
	}
	c.push(res.Bytes())
	if res.Status != http.StatusSwitchingProtocols {
		c.fail(api.Errorf(api.KindHandshake, "upgrade refused with status %d", res.Status))
		return n, false
	}
	c.res = res
	return n, c.open()
}

// reject answers a failed upgrade request with 400 and releases the socket.
func (c *Connection) reject(err error) {
	c.push(RejectResponse(http.StatusBadRequest).Bytes())
	c.fail(api.Wrap(api.KindHandshake, "upgrade rejected", err))
}

func (c *Connection) clientHandshake() (int, bool) {
	res, n, err := ParseResponse(c.in)
	if err != nil {
		c.fail(err)
		return 0, false
	}
	if res == nil {
		return 0, false
	}
	if err := res.Validate(c.req); err != nil {
		c.fail(err)
		return n, false
	}
	if err := c.guard("OnResponse", func() error { return c.handler.OnResponse(res) }); err != nil {
		c.fail(api.Wrap(api.KindHandshake, "response rejected", err))
		return n, false
	}
	c.res = res
	return n, c.open()
}

func (c *Connection) open() bool {
	c.state = api.StateOpen
	c.opened = true
	c.deadline = time.Time{}
	if ec, ok := c.handler.(ExtensionClaims); ok {
		c.codec.Claimed = ec.ReservedBits()
	}
	c.log.Debug("connection open", zap.String("resource", c.req.Resource))
	hs := Handshake{Request: c.req, Response: c.res, PeerAddr: c.peer, LocalAddr: c.local}
	if err := c.guard("OnOpen", func() error { return c.handler.OnOpen(hs) }); err != nil {
		c.failWith(err, handlerCloseCode(err))
		return false
	}
	early := c.early
	c.early, c.earlyBytes = nil, 0
	for _, f := range early {
		if c.state != api.StateOpen {
			break
		}
		if err := c.writeFrame(f); err != nil {
			c.Report(err)
		}
	}
	return c.state == api.StateOpen
}

func (c *Connection) handleFrame(f *Frame) {
	if c.state == api.StateClosing && f.OpCode != OpClose {
		return
	}
	var out *Frame
	err := c.guard("OnFrame", func() (err error) {
		out, err = c.handler.OnFrame(f)
		return err
	})
	if err != nil {
		c.failWith(err, handlerCloseCode(err))
		return
	}
	if out == nil {
		return
	}

	switch out.OpCode {
	case OpPing:
		if err := c.sendFrame(NewPongFrame(out.Payload)); err != nil {
			c.Report(err)
		}
	case OpPong:
		c.lastPong = c.now()
	case OpClose:
		c.handleClose(out)
	default:
		msg, err := c.asm.Push(out)
		if err != nil {
			c.fail(err)
			return
		}
		if msg == nil {
			return
		}
		c.obs.MessageIn(msg.Kind, msg.Len())
		if err := c.guard("OnMessage", func() error { return c.handler.OnMessage(*msg) }); err != nil {
			c.Report(err)
			code := handlerCloseCode(err)
			c.closeOpen(code, CloseReasonFor(err, code))
		}
	}
}

func (c *Connection) handleClose(f *Frame) {
	code, reason, err := f.CloseDetails()
	if err != nil {
		c.fail(err)
		return
	}
	c.recvClose = true
	c.code, c.reason = code, reason
	c.log.Debug("close received", zap.Uint16("code", uint16(code)), zap.String("reason", reason))
	if c.state == api.StateOpen {
		c.beginClosing()
		c.sendClose(code, "")
	}
	c.maybeFinish()
}

// Close starts the closing handshake. A connection still in Connecting is
// released without one.
func (c *Connection) Close(code CloseCode, reason string) error {
	switch c.state {
	case api.StateOpen:
		if code != CloseNoStatus && !code.Sendable() {
			return api.Errorf(api.KindProtocol, "close code %d may not be sent", uint16(code))
		}
		c.closeOpen(code, reason)
	case api.StateConnecting:
		c.drainAndClose()
	}
	return nil
}

func (c *Connection) closeOpen(code CloseCode, reason string) {
	if c.state != api.StateOpen {
		return
	}
	c.beginClosing()
	c.sendClose(code, reason)
	c.maybeFinish()
}

func (c *Connection) beginClosing() {
	if c.state != api.StateOpen {
		return
	}
	c.state = api.StateClosing
	c.asm.Reset()
	c.deadline = c.now().Add(c.cfg.CloseTimeout)
	c.log.Debug("connection closing")
}

func (c *Connection) sendClose(code CloseCode, reason string) {
	if c.sentClose {
		return
	}
	f, err := NewCloseFrame(code, reason)
	if err != nil {
		c.Report(err)
		return
	}
	c.sentClose = true
	if err := c.writeFrame(f); err != nil {
		c.Report(err)
	}
}

// fail reports err and tears the connection down: an open connection sends
// the close code matching err, then the socket is released once the output
// is flushed. Input is no longer trusted after a failure.
func (c *Connection) fail(err error) { c.failWith(err, CloseCodeFor(err)) }

func (c *Connection) failWith(err error, code CloseCode) {
	if c.state == api.StateClosed {
		return
	}
	c.Report(err)
	if c.state == api.StateOpen {
		c.beginClosing()
		c.sendClose(code, CloseReasonFor(err, code))
	}
	c.drainAndClose()
}

// handlerCloseCode maps an error returned by a handler callback. Errors
// without a close code or an engine kind count as protocol violations.
func handlerCloseCode(err error) CloseCode {
	var cc CloseCoder
	if errors.As(err, &cc) && cc.CloseCode().Sendable() {
		return cc.CloseCode()
	}
	if api.KindOf(err) != api.KindCustom {
		return CloseCodeFor(err)
	}
	return CloseProtocolError
}

func (c *Connection) drainAndClose() {
	c.drain = true
	c.in = nil
	if c.deadline.IsZero() {
		c.deadline = c.now().Add(c.cfg.CloseTimeout)
	}
	c.maybeFinish()
}

func (c *Connection) maybeFinish() {
	if c.state == api.StateClosed || c.Pending() {
		return
	}
	if c.drain || (c.state == api.StateClosing && c.sentClose && c.recvClose) {
		c.toClosed()
	}
}

func (c *Connection) toClosed() {
	if c.state == api.StateClosed {
		return
	}
	c.state = api.StateClosed
	c.deadline = time.Time{}
	c.in = nil
	c.early, c.earlyBytes = nil, 0
	for c.out.Length() > 0 {
		pool.Default.Put(c.out.Remove().([]byte))
	}
	c.outOff, c.outBytes = 0, 0
	code, reason := c.code, c.reason
	if !c.recvClose {
		code, reason = CloseAbnormal, ""
	}
	c.obs.Closed(code)
	c.log.Debug("connection closed", zap.Uint16("code", uint16(code)))
	if c.opened {
		_ = c.guard("OnClose", func() error {
			c.handler.OnClose(code, reason)
			return nil
		})
	}
}

// Abort moves straight to Closed, e.g. after the socket failed or the peer
// hung up. A nil err means an orderly hang-up.
func (c *Connection) Abort(err error) {
	if c.state == api.StateClosed {
		return
	}
	if err != nil {
		c.Report(api.Wrap(api.KindIo, "socket", err))
	}
	c.toClosed()
}

// Tick enforces the handshake and close timeouts.
func (c *Connection) Tick(now time.Time) {
	if c.state == api.StateClosed || c.deadline.IsZero() || now.Before(c.deadline) {
		return
	}
	if c.state == api.StateConnecting && !c.drain {
		c.deadline = time.Time{}
		c.fail(api.NewError(api.KindHandshake, "handshake timed out"))
		return
	}
	c.log.Debug("timeout elapsed, forcing teardown", zap.Stringer("state", c.state))
	c.toClosed()
}

// Shutdown runs OnShutdown once and starts a graceful close.
func (c *Connection) Shutdown() {
	if c.shutdown || c.state == api.StateClosed {
		return
	}
	c.shutdown = true
	_ = c.guard("OnShutdown", func() error {
		c.handler.OnShutdown()
		return nil
	})
	switch c.state {
	case api.StateOpen:
		c.closeOpen(CloseNormal, "shutting down")
	case api.StateConnecting:
		c.drainAndClose()
	}
}

// Send queues msg, fragmenting it per FragmentSize. Messages sent while
// Connecting are held until the connection opens; once Closing they are
// discarded.
func (c *Connection) Send(msg Message) error {
	for _, f := range Fragment(msg.OpCode(), msg.Data, c.cfg.FragmentSize) {
		if err := c.sendFrame(f); err != nil {
			return err
		}
	}
	return nil
}

// Ping queues a ping carrying data.
func (c *Connection) Ping(data []byte) error {
	if len(data) > MaxControlPayload {
		return api.NewError(api.KindProtocol, "ping payload exceeds 125 bytes")
	}
	return c.sendFrame(NewPingFrame(data))
}

// Pong queues a pong carrying data.
func (c *Connection) Pong(data []byte) error {
	if len(data) > MaxControlPayload {
		return api.NewError(api.KindProtocol, "pong payload exceeds 125 bytes")
	}
	return c.sendFrame(NewPongFrame(data))
}

func (c *Connection) sendFrame(f *Frame) error {
	if c.state == api.StateConnecting && !c.drain {
		if c.earlyBytes+len(f.Payload) > c.cfg.MaxOutBuffer {
			return api.NewError(api.KindQueue, "output buffer limit exceeded")
		}
		c.early = append(c.early, f)
		c.earlyBytes += len(f.Payload)
		return nil
	}
	if c.state != api.StateOpen {
		return api.ErrConnectionClosed
	}
	return c.writeFrame(f)
}

// writeFrame runs the outbound pipeline: OnSendFrame, encode, enqueue.
func (c *Connection) writeFrame(f *Frame) error {
	var out *Frame
	err := c.guard("OnSendFrame", func() (err error) {
		out, err = c.handler.OnSendFrame(f)
		return err
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	b, err := c.codec.AppendFrame(pool.Default.Get(MaxHeaderLen+len(out.Payload)), out)
	if err != nil {
		pool.Default.Put(b)
		return err
	}
	if out.OpCode != OpClose && c.outBytes+len(b) > c.cfg.MaxOutBuffer {
		pool.Default.Put(b)
		return api.NewError(api.KindQueue, "output buffer limit exceeded")
	}
	c.obs.FrameOut(out.OpCode, len(out.Payload))
	c.push(b)
	return nil
}

// Report sends err through the error funnel: the ignore predicate, the log
// and finally Handler.OnError.
func (c *Connection) Report(err error) {
	if err == nil {
		return
	}
	kind := api.KindOf(err)
	c.obs.Error(kind)
	if c.cfg.IgnoreError != nil && c.cfg.IgnoreError(err) {
		c.log.Debug("ignored error", zap.Error(err))
		return
	}
	c.log.Error("connection error", zap.Stringer("kind", kind), zap.Error(err))
	_ = c.guard("OnError", func() error {
		c.handler.OnError(err)
		return nil
	})
}

func (c *Connection) push(b []byte) {
	c.out.Add(b)
	c.outBytes += len(b)
}

// Pending reports whether output is waiting for the socket.
func (c *Connection) Pending() bool { return c.out.Length() > 0 }

// OutBytes returns the number of encoded bytes waiting for the socket.
func (c *Connection) OutBytes() int { return c.outBytes }

// Peek returns the unwritten part of the oldest output chunk.
func (c *Connection) Peek() []byte {
	if c.out.Length() == 0 {
		return nil
	}
	return c.out.Peek().([]byte)[c.outOff:]
}

// Advance marks n bytes of output as written.
func (c *Connection) Advance(n int) {
	for n > 0 && c.out.Length() > 0 {
		rest := len(c.out.Peek().([]byte)) - c.outOff
		if n < rest {
			c.outOff += n
			c.outBytes -= n
			return
		}
		n -= rest
		c.outBytes -= rest
		pool.Default.Put(c.out.Remove().([]byte))
		c.outOff = 0
	}
	c.maybeFinish()
}

// guard runs a handler hook, converting a panic into an Internal error.
func (c *Connection) guard(hook string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.Errorf(api.KindInternal, "handler %s panicked: %v", hook, r)
		}
	}()
	return fn()
}

func (c *Connection) now() time.Time { return c.cfg.Clock() }

// IsClosedErr reports whether err only says the connection no longer accepts output.
func IsClosedErr(err error) bool { return errors.Is(err, api.ErrConnectionClosed) }
