// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reactor multiplexes listeners and connections on one goroutine. Sockets,
// maps and connection state are owned by the goroutine running Run; every
// other entry point posts to the mailbox and wakes the poller.

package reactor

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/wsengine/affinity"
	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/protocol"
)

// maxReadsPerEvent bounds the reads done for one readiness event so a busy
// peer cannot starve the others. Level triggering reports the rest.
const maxReadsPerEvent = 16

type opKind int

const (
	opCommand opKind = iota
	opListen
	opDial
	opBroadcast
	opShutdown
)

// op is a mailbox entry.
type op struct {
	kind opKind
	cmd  protocol.Command
	lis  *listener
	dial *dialRequest
	msg  protocol.Message
}

type listener struct {
	fd     int
	addr   net.Addr
	secure bool
	tls    *tls.Config // fallback when the handler has no TLS policy
}

type dialRequest struct {
	token uint64
	url   *url.URL
	addr  *net.TCPAddr
}

// entry binds a connection to its socket.
type entry struct {
	conn         *protocol.Connection
	sock         socket
	handler      protocol.Handler
	info         protocol.ConnInfo
	dialing      bool
	dialDeadline time.Time
	wantWrite    bool
}

// Reactor drives WebSocket connections with a single event loop.
type Reactor struct {
	cfg     Config
	factory protocol.Factory
	log     *zap.Logger
	obs     Observer
	poller  poller

	mu      sync.Mutex
	mailbox *queue.Queue // of op
	closed  bool

	nextToken atomic.Uint64
	live      atomic.Int64
	running   atomic.Bool

	// owned by the loop goroutine
	listeners map[int]*listener
	byFd      map[int]*entry
	byToken   map[uint64]*entry
	ops       []op
	buf       []byte
	stopping  bool
	lastTick  time.Time
}

var _ protocol.Mailbox = (*Reactor)(nil)

// New creates a reactor. A nil cfg means DefaultConfig; opts are applied on
// top of it and fields still zero take their DefaultConfig value.
func New(cfg *Config, f protocol.Factory, opts ...Option) (*Reactor, error) {
	if f == nil {
		return nil, api.NewError(api.KindInternal, "reactor: nil handler factory")
	}
	c := DefaultConfig()
	if cfg != nil {
		*c = *cfg
	}
	for _, o := range opts {
		o(c)
	}
	c.fillDefaults()

	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	r := &Reactor{
		cfg:       *c,
		factory:   f,
		log:       c.Logger.Named("reactor"),
		obs:       nopObserver{},
		poller:    p,
		mailbox:   queue.New(),
		listeners: make(map[int]*listener),
		byFd:      make(map[int]*entry),
		byToken:   make(map[uint64]*entry),
		buf:       make([]byte, c.ReadBufferSize),
	}
	if c.Observer != nil {
		r.obs = c.Observer
	}
	return r, nil
}

// Post implements protocol.Mailbox. Safe for concurrent use.
func (r *Reactor) Post(cmd protocol.Command) error {
	return r.post(op{kind: opCommand, cmd: cmd})
}

func (r *Reactor) post(o op) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return api.ErrReactorClosed
	}
	if o.kind != opShutdown && r.cfg.QueueSize > 0 && r.mailbox.Length() >= r.cfg.QueueSize {
		r.mu.Unlock()
		return api.NewError(api.KindQueue, "reactor mailbox is full")
	}
	r.mailbox.Add(o)
	r.mu.Unlock()
	return r.poller.Wake()
}

// Listen binds a plain listener and returns its address. Safe for
// concurrent use; the reactor starts accepting once Run is going.
func (r *Reactor) Listen(addr string) (net.Addr, error) {
	return r.listen(addr, false, nil)
}

// ListenTLS binds a listener whose connections are wrapped in TLS. cfg is the
// fallback for handlers without a BuildTLS policy and may be nil if every
// handler supplies one.
func (r *Reactor) ListenTLS(addr string, cfg *tls.Config) (net.Addr, error) {
	return r.listen(addr, true, cfg)
}

func (r *Reactor) listen(addr string, secure bool, cfg *tls.Config) (net.Addr, error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, api.Wrap(api.KindIo, "resolve listen address", err)
	}
	fd, bound, err := listenTCP(ta, r.cfg.ReusePort, r.cfg.Backlog)
	if err != nil {
		return nil, api.Wrap(api.KindIo, "listen", err).WithContext("addr", addr)
	}
	if err := r.post(op{kind: opListen, lis: &listener{fd: fd, addr: bound, secure: secure, tls: cfg}}); err != nil {
		closeFd(fd)
		return nil, err
	}
	return bound, nil
}

// Connect dials a ws:// or wss:// URL and returns the Sender of the new
// connection. Messages sent before the handshake completes are held until
// the connection opens.
func (r *Reactor) Connect(u *url.URL) (*protocol.Sender, error) {
	port := u.Port()
	switch u.Scheme {
	case "ws":
		if port == "" {
			port = "80"
		}
	case "wss":
		if port == "" {
			port = "443"
		}
	default:
		return nil, api.Errorf(api.KindHandshake, "unsupported url scheme %q", u.Scheme)
	}
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return nil, api.Wrap(api.KindIo, "resolve", err).WithContext("url", u.String())
	}
	token := r.nextToken.Add(1)
	if err := r.post(op{kind: opDial, dial: &dialRequest{token: token, url: u, addr: addr}}); err != nil {
		return nil, err
	}
	return protocol.NewSender(token, r), nil
}

// Broadcast sends msg to every open connection.
func (r *Reactor) Broadcast(msg protocol.Message) error {
	return r.post(op{kind: opBroadcast, msg: msg})
}

// Shutdown starts a graceful shutdown: listeners close, every connection
// gets OnShutdown and a normal close, and Run returns once all are released.
func (r *Reactor) Shutdown() {
	if err := r.post(op{kind: opShutdown}); err != nil && !errors.Is(err, api.ErrReactorClosed) {
		r.log.Warn("shutdown request failed", zap.Error(err))
	}
}

// Len returns the number of live connections.
func (r *Reactor) Len() int { return int(r.live.Load()) }

// Run drives the event loop until shutdown completes or ctx is cancelled
// (which triggers a graceful shutdown). A reactor runs at most once.
func (r *Reactor) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return api.NewError(api.KindInternal, "reactor already started")
	}
	defer r.teardown()
	stop := context.AfterFunc(ctx, r.Shutdown)
	defer stop()

	if r.cfg.PinCPU {
		unpin, err := affinity.Pin(r.cfg.CPU)
		if err != nil {
			r.log.Warn("cpu pinning failed", zap.Int("cpu", r.cfg.CPU), zap.Error(err))
		}
		defer unpin()
	}

	r.log.Info("reactor started")
	events := make([]Event, 256)
	for {
		n, err := r.poller.Wait(events, r.cfg.TickInterval)
		if err != nil {
			return api.Wrap(api.KindIo, "poll", err)
		}
		for _, ev := range events[:n] {
			r.dispatch(ev)
		}
		r.drainMailbox()
		r.tick(time.Now())
		if r.stopping && len(r.byToken) == 0 {
			r.log.Info("reactor stopped")
			return nil
		}
	}
}

func (r *Reactor) teardown() {
	r.mu.Lock()
	r.closed = true
	for r.mailbox.Length() > 0 {
		if o := r.mailbox.Remove().(op); o.kind == opListen {
			closeFd(o.lis.fd)
		}
	}
	r.mu.Unlock()

	for fd := range r.listeners {
		closeFd(fd)
		delete(r.listeners, fd)
	}
	for _, e := range r.byToken {
		e.conn.Abort(api.ErrReactorClosed)
		r.release(e)
	}
	if err := r.poller.Close(); err != nil {
		r.log.Debug("poller close", zap.Error(err))
	}
}

func (r *Reactor) dispatch(ev Event) {
	if l, ok := r.listeners[ev.Fd]; ok {
		r.accept(l)
		return
	}
	e, ok := r.byFd[ev.Fd]
	if !ok {
		return
	}
	if e.dialing {
		if ev.Mask&(EventWrite|EventError) != 0 {
			r.finishDial(e)
		}
		return
	}
	if ev.Mask&(EventRead|EventError) != 0 {
		r.readFrom(e)
	}
	r.settle(e)
}

func (r *Reactor) readFrom(e *entry) {
	for i := 0; i < maxReadsPerEvent && !e.conn.Closed(); i++ {
		n, err := e.sock.Read(r.buf)
		if n > 0 {
			e.conn.Feed(r.buf[:n])
		}
		switch {
		case err == nil:
		case errors.Is(err, ErrWouldBlock):
			return
		case errors.Is(err, io.EOF):
			e.conn.Abort(nil)
			return
		default:
			e.conn.Abort(err)
			return
		}
	}
}

// settle flushes output, releases a closed connection and keeps write
// interest in line with pending output.
func (r *Reactor) settle(e *entry) {
	if e.dialing {
		if e.conn.Closed() {
			r.release(e)
		}
		return
	}
	if !e.conn.Closed() {
		r.flush(e)
	}
	if e.conn.Closed() {
		r.release(e)
		return
	}
	if want := e.conn.Pending(); want != e.wantWrite {
		if err := r.poller.Modify(e.sock.Fd(), want); err != nil {
			e.conn.Abort(err)
			r.release(e)
			return
		}
		e.wantWrite = want
	}
}

func (r *Reactor) flush(e *entry) {
	for e.conn.Pending() {
		n, err := e.sock.Write(e.conn.Peek())
		if n > 0 {
			e.conn.Advance(n)
		}
		if err != nil {
			if !errors.Is(err, ErrWouldBlock) {
				e.conn.Abort(err)
			}
			return
		}
	}
}

// release frees the socket of a closed connection.
func (r *Reactor) release(e *entry) {
	if _, ok := r.byToken[e.info.Token]; !ok {
		return
	}
	delete(r.byToken, e.info.Token)
	if e.sock != nil {
		fd := e.sock.Fd()
		delete(r.byFd, fd)
		if err := r.poller.Remove(fd); err != nil {
			r.log.Debug("poller remove", zap.Int("fd", fd), zap.Error(err))
		}
		e.sock.Close()
	}
	r.live.Add(-1)
	r.obs.Released()
	r.notifyLost(e.handler)
}

func (r *Reactor) notifyLost(h protocol.Handler) {
	ln, ok := r.factory.(protocol.LossNotifier)
	if !ok {
		return
	}
	r.safely("ConnectionLost", func() { ln.ConnectionLost(h) })
}

func (r *Reactor) accept(l *listener) {
	for {
		fd, remote, err := acceptConn(l.fd)
		if err != nil {
			if !errors.Is(err, ErrWouldBlock) {
				r.log.Warn("accept failed", zap.Stringer("addr", l.addr), zap.Error(err))
			}
			return
		}
		r.obs.Accepted()
		if reason := r.admit(); reason != "" {
			closeFd(fd)
			r.obs.Rejected(reason)
			r.log.Debug("connection rejected", zap.String("reason", reason), zap.Stringer("peer", remote))
			continue
		}
		r.adopt(fd, remote, l)
	}
}

// admit returns why a new connection must be refused, or "".
func (r *Reactor) admit() string {
	switch {
	case r.stopping:
		return "shutting down"
	case r.cfg.MaxConnections > 0 && len(r.byToken) >= r.cfg.MaxConnections:
		return "connection limit"
	case r.cfg.AcceptLimiter != nil && !r.cfg.AcceptLimiter.Allow():
		return "rate limited"
	}
	return ""
}

func (r *Reactor) adopt(fd int, remote net.Addr, l *listener) {
	if r.cfg.TCPNoDelay {
		if err := setNoDelay(fd); err != nil {
			r.log.Debug("tcp nodelay", zap.Error(err))
		}
	}
	info := protocol.ConnInfo{
		Token:     r.nextToken.Add(1),
		Role:      api.RoleServer,
		PeerAddr:  remote,
		LocalAddr: sockName(fd),
	}
	h, err := r.newHandler(info)
	if err != nil {
		r.log.Error("handler factory failed", zap.Error(err))
		closeFd(fd)
		return
	}
	conn := protocol.NewServerConnection(info.Token, h, r.cfg.connConfig())
	conn.SetAddrs(info.LocalAddr, info.PeerAddr)

	sock := wrapFd(fd, info.LocalAddr, info.PeerAddr)
	if l.secure {
		var cfg *tls.Config
		cfg, err = r.tlsConfig(h, info, l.tls)
		if err != nil {
			sock.Close()
		} else {
			sock, err = wrapTLS(sock, cfg, false, r.cfg.HandshakeTimeout, r.log)
		}
		if err != nil {
			conn.Report(err)
			conn.Abort(nil)
			r.notifyLost(h)
			return
		}
	}

	e := &entry{conn: conn, sock: sock, handler: h, info: info}
	if err := r.register(e, false); err != nil {
		sock.Close()
		conn.Abort(err)
		r.notifyLost(h)
		return
	}
	conn.Start()
	r.settle(e)
}

func (r *Reactor) register(e *entry, write bool) error {
	fd := e.sock.Fd()
	if err := r.poller.Add(fd, write); err != nil {
		return err
	}
	e.wantWrite = write
	r.byFd[fd] = e
	r.byToken[e.info.Token] = e
	r.live.Add(1)
	r.obs.Opened()
	return nil
}

func (r *Reactor) dial(d *dialRequest) {
	info := protocol.ConnInfo{Token: d.token, Role: api.RoleClient, URL: d.url, PeerAddr: d.addr}
	h, err := r.newHandler(info)
	if err != nil {
		r.log.Error("handler factory failed", zap.Error(err))
		return
	}
	conn := protocol.NewClientConnection(d.token, h, d.url, r.cfg.connConfig())
	if r.stopping {
		conn.Report(api.ErrReactorClosed)
		conn.Abort(nil)
		r.notifyLost(h)
		return
	}
	fd, err := dialTCP(d.addr)
	if err != nil {
		conn.Abort(err)
		r.notifyLost(h)
		return
	}
	e := &entry{conn: conn, sock: wrapFd(fd, nil, d.addr), handler: h, info: info, dialing: true}
	if r.cfg.HandshakeTimeout > 0 {
		e.dialDeadline = time.Now().Add(r.cfg.HandshakeTimeout)
	}
	if err := r.register(e, true); err != nil {
		closeFd(fd)
		conn.Abort(err)
		r.notifyLost(h)
		return
	}
	r.log.Debug("dialing", zap.Uint64("conn", d.token), zap.String("url", d.url.String()))
}

func (r *Reactor) finishDial(e *entry) {
	fd := e.sock.Fd()
	if err := connectResult(fd); err != nil {
		e.conn.Abort(err)
		r.release(e)
		return
	}
	e.dialing = false
	if r.cfg.TCPNoDelay {
		if err := setNoDelay(fd); err != nil {
			r.log.Debug("tcp nodelay", zap.Error(err))
		}
	}
	e.info.LocalAddr = sockName(fd)
	if peer := peerName(fd); peer != nil {
		e.info.PeerAddr = peer
	}
	e.sock = wrapFd(fd, e.info.LocalAddr, e.info.PeerAddr)
	e.conn.SetAddrs(e.info.LocalAddr, e.info.PeerAddr)

	if e.info.URL.Scheme == "wss" {
		// the raw fd is handed to the TLS pump; the entry moves to the plaintext end
		delete(r.byFd, fd)
		if err := r.poller.Remove(fd); err != nil {
			r.log.Debug("poller remove", zap.Int("fd", fd), zap.Error(err))
		}
		sock, err := r.clientTLS(e)
		if err != nil {
			e.sock = nil
			e.conn.Report(err)
			e.conn.Abort(nil)
			r.release(e)
			return
		}
		e.sock = sock
		if err := r.poller.Add(sock.Fd(), false); err != nil {
			e.conn.Abort(err)
			r.release(e)
			return
		}
		r.byFd[sock.Fd()] = e
		e.wantWrite = false
	}
	e.conn.Start()
	r.settle(e)
}

func (r *Reactor) clientTLS(e *entry) (socket, error) {
	cfg, err := r.tlsConfig(e.handler, e.info, r.cfg.TLSConfig)
	if err != nil {
		e.sock.Close()
		return nil, err
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = e.info.URL.Hostname()
	}
	return wrapTLS(e.sock, cfg, true, r.cfg.HandshakeTimeout, r.log)
}

// tlsConfig asks the handler for its TLS policy and falls back to the
// listener or reactor configuration.
func (r *Reactor) tlsConfig(h protocol.Handler, info protocol.ConnInfo, fallback *tls.Config) (*tls.Config, error) {
	var cfg *tls.Config
	var err error
	r.safely("BuildTLS", func() { cfg, err = h.BuildTLS(info) })
	if errors.Is(err, protocol.ErrNoTLSPolicy) {
		cfg, err = fallback, nil
	}
	if err != nil {
		return nil, api.Wrap(api.KindHandshake, "build tls config", err)
	}
	if cfg == nil {
		return nil, api.NewError(api.KindHandshake, "no tls configuration available")
	}
	return cfg, nil
}

func (r *Reactor) newHandler(info protocol.ConnInfo) (h protocol.Handler, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = api.Errorf(api.KindInternal, "handler factory panicked: %v", p)
		}
	}()
	h = r.factory.NewHandler(protocol.NewSender(info.Token, r), info)
	if h == nil {
		return nil, api.NewError(api.KindInternal, "handler factory returned nil")
	}
	return h, nil
}

// safely runs a user callback outside a connection, logging a panic.
func (r *Reactor) safely(hook string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("callback panicked", zap.String("hook", hook), zap.Any("panic", p))
		}
	}()
	fn()
}

func (r *Reactor) drainMailbox() {
	r.mu.Lock()
	for r.mailbox.Length() > 0 {
		r.ops = append(r.ops, r.mailbox.Remove().(op))
	}
	r.mu.Unlock()
	for i := range r.ops {
		r.apply(r.ops[i])
		r.ops[i] = op{}
	}
	r.ops = r.ops[:0]
}

func (r *Reactor) apply(o op) {
	switch o.kind {
	case opCommand:
		r.command(o.cmd)
	case opListen:
		if r.stopping {
			closeFd(o.lis.fd)
			return
		}
		if err := r.poller.Add(o.lis.fd, false); err != nil {
			r.log.Error("listener registration failed", zap.Stringer("addr", o.lis.addr), zap.Error(err))
			closeFd(o.lis.fd)
			return
		}
		r.listeners[o.lis.fd] = o.lis
		r.log.Info("listening", zap.Stringer("addr", o.lis.addr), zap.Bool("tls", o.lis.secure))
	case opDial:
		r.dial(o.dial)
	case opBroadcast:
		for _, e := range r.byToken {
			if e.conn.State() != api.StateOpen {
				continue
			}
			if err := e.conn.Send(o.msg); err != nil && !protocol.IsClosedErr(err) {
				e.conn.Report(err)
			}
			r.settle(e)
		}
	case opShutdown:
		r.beginShutdown()
	}
}

func (r *Reactor) command(cmd protocol.Command) {
	if cmd.Kind == protocol.CmdShutdown {
		r.beginShutdown()
		return
	}
	e := r.byToken[cmd.Token]
	if e == nil {
		r.log.Debug("command for released connection", zap.Uint64("conn", cmd.Token), zap.Stringer("cmd", cmd.Kind))
		return
	}
	var err error
	switch cmd.Kind {
	case protocol.CmdSend:
		err = e.conn.Send(cmd.Message)
	case protocol.CmdPing:
		err = e.conn.Ping(cmd.Data)
	case protocol.CmdPong:
		err = e.conn.Pong(cmd.Data)
	case protocol.CmdClose:
		err = e.conn.Close(cmd.Code, cmd.Reason)
	}
	if err != nil && !protocol.IsClosedErr(err) {
		e.conn.Report(err)
	}
	r.settle(e)
}

func (r *Reactor) beginShutdown() {
	if r.stopping {
		return
	}
	r.stopping = true
	r.log.Info("reactor shutting down", zap.Int("connections", len(r.byToken)))
	for fd, l := range r.listeners {
		if err := r.poller.Remove(fd); err != nil {
			r.log.Debug("poller remove", zap.Error(err))
		}
		closeFd(fd)
		delete(r.listeners, fd)
		r.log.Debug("listener closed", zap.Stringer("addr", l.addr))
	}
	for _, e := range r.byToken {
		e.conn.Shutdown()
		r.settle(e)
	}
}

func (r *Reactor) tick(now time.Time) {
	if now.Sub(r.lastTick) < r.cfg.TickInterval {
		return
	}
	r.lastTick = now
	for _, e := range r.byToken {
		if e.dialing {
			if !e.dialDeadline.IsZero() && !now.Before(e.dialDeadline) {
				e.conn.Report(api.NewError(api.KindIo, "connect timed out"))
				e.conn.Abort(nil)
				r.release(e)
			}
			continue
		}
		e.conn.Tick(now)
		r.settle(e)
	}
}
