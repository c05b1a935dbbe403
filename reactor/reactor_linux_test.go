//go:build linux

// File: reactor/reactor_linux_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// End-to-end tests over loopback. Gorilla WebSocket plays the foreign peer.

package reactor

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/gorilla/websocket"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/protocol"
)

const testTimeout = 5 * time.Second

func echoFactory() protocol.Factory {
	return protocol.MessageFactory(func(out *protocol.Sender, msg protocol.Message) error {
		return out.Send(msg)
	})
}

func testReactorConfig() *Config {
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.CloseTimeout = time.Second
	return cfg
}

type run struct {
	done chan struct{}
	err  error
}

// start runs r until the test ends.
func start(t *testing.T, r *Reactor) *run {
	t.Helper()
	rn := &run{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		rn.err = r.Run(ctx)
		close(rn.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-rn.done:
		case <-time.After(testTimeout):
			t.Error("reactor did not stop")
		}
	})
	return rn
}

func newEchoServer(t *testing.T, opts ...Option) (*Reactor, string) {
	t.Helper()
	r, err := New(testReactorConfig(), echoFactory(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	addr, err := r.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return r, addr.String()
}

func dial(t *testing.T, rawURL string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{HandshakeTimeout: testTimeout}
	c, _, err := d.Dial(rawURL, nil)
	if err != nil {
		t.Fatalf("Dial %s: %v", rawURL, err)
	}
	t.Cleanup(func() { c.Close() })
	c.SetReadDeadline(time.Now().Add(testTimeout))
	return c
}

func TestEchoWithGorilla(t *testing.T) {
	r, addr := newEchoServer(t, WithFragmentSize(1024))
	start(t, r)
	c := dial(t, "ws://"+addr+"/echo")

	big := []byte(strings.Repeat("0123456789", 1000))
	tests := []struct {
		typ  int
		data []byte
	}{
		{websocket.TextMessage, []byte("hello")},
		{websocket.BinaryMessage, []byte{0, 1, 2, 3}},
		{websocket.TextMessage, []byte("")},
		{websocket.BinaryMessage, big},
	}
	for _, tt := range tests {
		if err := c.WriteMessage(tt.typ, tt.data); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
		typ, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if typ != tt.typ {
			t.Errorf("message type = %d, want %d", typ, tt.typ)
		}
		if diff := cmp.Diff(tt.data, data, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("echo mismatch (-want +got):\n%s", diff)
		}
	}

	if err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")); err != nil {
		t.Fatalf("write close: %v", err)
	}
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("ReadMessage after close = %v, want close 1000", err)
	}
}

func TestInvalidUTF8ClosesWith1007(t *testing.T) {
	r, addr := newEchoServer(t)
	start(t, r)
	c := dial(t, "ws://"+addr+"/")

	if err := c.WriteMessage(websocket.TextMessage, []byte{0xff, 0xfe}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInvalidFramePayloadData) {
		t.Fatalf("ReadMessage = %v, want close 1007", err)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	r, addr := newEchoServer(t)
	rn := start(t, r)
	c := dial(t, "ws://"+addr+"/")

	r.Shutdown()
	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
		t.Fatalf("ReadMessage = %v, want close 1000", err)
	}

	select {
	case <-rn.done:
		if rn.err != nil {
			t.Fatalf("Run = %v", rn.err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Run did not return after shutdown")
	}
	if n := r.Len(); n != 0 {
		t.Errorf("Len after shutdown = %d", n)
	}
	if err := r.Broadcast(protocol.TextMessage("late")); err == nil {
		t.Error("Broadcast after shutdown succeeded")
	}
}

func TestMaxConnections(t *testing.T) {
	obs := &countingObserver{}
	r, addr := newEchoServer(t, WithMaxConnections(1), WithObserver(obs))
	start(t, r)
	dial(t, "ws://"+addr+"/")

	d := websocket.Dialer{HandshakeTimeout: testTimeout}
	if c, _, err := d.Dial("ws://"+addr+"/", nil); err == nil {
		c.Close()
		t.Fatal("second connection was admitted")
	}
	deadline := time.Now().Add(testTimeout)
	for obs.rejected.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := obs.accepted.Load(); got != 2 {
		t.Errorf("accepted = %d, want 2", got)
	}
	if got := obs.rejected.Load(); got != 1 {
		t.Errorf("rejected = %d, want 1", got)
	}
}

func TestBroadcast(t *testing.T) {
	r, addr := newEchoServer(t)
	start(t, r)
	a := dial(t, "ws://"+addr+"/")
	b := dial(t, "ws://"+addr+"/")

	if err := r.Broadcast(protocol.TextMessage("to all")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for _, c := range []*websocket.Conn{a, b} {
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if string(data) != "to all" {
			t.Errorf("got %q", data)
		}
	}
}

// collector is a client handler that forwards messages to a channel.
type collector struct {
	protocol.DefaultHandler
	got chan string
}

func (c *collector) OnMessage(m protocol.Message) error {
	c.got <- string(m.Data)
	return nil
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name   string
		scheme string
		secure bool
	}{
		{"plain", "ws", false},
		{"tls", "wss", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, err := New(testReactorConfig(), echoFactory())
			if err != nil {
				t.Fatal(err)
			}
			var addr net.Addr
			if tt.secure {
				addr, err = server.ListenTLS("127.0.0.1:0", serverTLS(t))
			} else {
				addr, err = server.Listen("127.0.0.1:0")
			}
			if err != nil {
				t.Fatal(err)
			}
			start(t, server)

			got := make(chan string, 4)
			lost := make(chan struct{}, 1)
			f := &lossFactory{
				Factory: protocol.FactoryFunc(func(*protocol.Sender, protocol.ConnInfo) protocol.Handler {
					return &collector{got: got}
				}),
				lost: lost,
			}
			client, err := New(testReactorConfig(), f, WithTLS(&tls.Config{InsecureSkipVerify: true}))
			if err != nil {
				t.Fatal(err)
			}
			start(t, client)

			u := &url.URL{Scheme: tt.scheme, Host: addr.String(), Path: "/"}
			out, err := client.Connect(u)
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			// sent before the handshake completes
			if err := out.SendText("early"); err != nil {
				t.Fatal(err)
			}
			select {
			case msg := <-got:
				if msg != "early" {
					t.Errorf("echo = %q", msg)
				}
			case <-time.After(testTimeout):
				t.Fatal("no echo received")
			}

			if err := out.Close(protocol.CloseNormal); err != nil {
				t.Fatal(err)
			}
			select {
			case <-lost:
			case <-time.After(testTimeout):
				t.Fatal("connection was not released")
			}
		})
	}
}

// errorSink is a server handler that forwards OnError to a channel.
type errorSink struct {
	protocol.DefaultHandler
	errs chan error
}

func (h *errorSink) OnError(err error) { h.errs <- err }

func TestTLSHandshakeFailureReachesOnError(t *testing.T) {
	errs := make(chan error, 4)
	r, err := New(testReactorConfig(), protocol.FactoryFunc(func(*protocol.Sender, protocol.ConnInfo) protocol.Handler {
		return &errorSink{errs: errs}
	}))
	if err != nil {
		t.Fatal(err)
	}
	addr, err := r.ListenTLS("127.0.0.1:0", serverTLS(t))
	if err != nil {
		t.Fatal(err)
	}
	start(t, r)

	c, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(testTimeout))
	if _, err := io.WriteString(c, "GET / HTTP/1.1\r\nHost: plain\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, c)

	select {
	case err := <-errs:
		if api.KindOf(err) != api.KindIo {
			t.Errorf("OnError(%v), want an io error", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("OnError was not called for the failed tls handshake")
	}
}

func TestNewFillsDefaults(t *testing.T) {
	r, err := New(&Config{MaxConnections: 3}, echoFactory())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.poller.Close() })

	def := DefaultConfig()
	type limits struct {
		MaxConnections                  int
		ReadBufferSize, Backlog         int
		MaxFramePayload, MaxMessageSize int64
		MaxInBuffer, MaxOutBuffer       int
		HandshakeTimeout, CloseTimeout  time.Duration
		TickInterval                    time.Duration
		HasIgnoreError, HasLogger       bool
	}
	pick := func(c *Config) limits {
		return limits{
			c.MaxConnections,
			c.ReadBufferSize, c.Backlog,
			c.MaxFramePayload, c.MaxMessageSize,
			c.MaxInBuffer, c.MaxOutBuffer,
			c.HandshakeTimeout, c.CloseTimeout,
			c.TickInterval,
			c.IgnoreError != nil, c.Logger != nil,
		}
	}
	want := pick(def)
	want.MaxConnections = 3
	if diff := cmp.Diff(want, pick(&r.cfg)); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}
}

func TestConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	lost := make(chan struct{}, 1)
	f := &lossFactory{Factory: echoFactory(), lost: lost}
	client, err := New(testReactorConfig(), f)
	if err != nil {
		t.Fatal(err)
	}
	start(t, client)
	if _, err := client.Connect(&url.URL{Scheme: "ws", Host: addr}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-lost:
	case <-time.After(testTimeout):
		t.Fatal("refused connection was not released")
	}
}

func TestConnectRejectsScheme(t *testing.T) {
	r, err := New(nil, echoFactory())
	if err != nil {
		t.Fatal(err)
	}
	defer r.poller.Close()
	if _, err := r.Connect(&url.URL{Scheme: "http", Host: "localhost"}); err == nil {
		t.Fatal("http scheme accepted")
	}
}

func TestRunTwice(t *testing.T) {
	r, _ := newEchoServer(t)
	start(t, r)
	for !r.running.Load() {
		time.Sleep(time.Millisecond)
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("second Run succeeded")
	}
}

func TestGroup(t *testing.T) {
	cfg := testReactorConfig()
	cfg.PinCPU = true
	g, err := NewGroup(3, cfg, echoFactory())
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	addr, err := g.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	var conns []*websocket.Conn
	for i := 0; i < 6; i++ {
		c := dial(t, "ws://"+addr.String()+"/")
		if err := c.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
			t.Fatal(err)
		}
		if _, data, err := c.ReadMessage(); err != nil || string(data) != "ping" {
			t.Fatalf("echo = %q, %v", data, err)
		}
		conns = append(conns, c)
	}
	if n := g.Len(); n != len(conns) {
		t.Errorf("Len = %d, want %d", n, len(conns))
	}
	if err := g.Broadcast(protocol.TextMessage("all")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for _, c := range conns {
		if _, data, err := c.ReadMessage(); err != nil || string(data) != "all" {
			t.Fatalf("broadcast = %q, %v", data, err)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("group did not stop")
	}
}

type lossFactory struct {
	protocol.Factory
	lost chan struct{}
}

func (f *lossFactory) ConnectionLost(protocol.Handler) {
	select {
	case f.lost <- struct{}{}:
	default:
	}
}

type countingObserver struct {
	nopObserver
	accepted, rejected atomic.Int32
}

func (o *countingObserver) Accepted()       { o.accepted.Add(1) }
func (o *countingObserver) Rejected(string) { o.rejected.Add(1) }

func serverTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}
}
