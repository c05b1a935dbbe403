// File: reactor/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reactor configuration and functional options.

package reactor

import (
	"crypto/tls"
	"errors"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/momentics/wsengine/protocol"
)

// Config holds all reactor-side configuration parameters.
type Config struct {
	MaxConnections    int           // live sockets per reactor, 0 = unlimited
	QueueSize         int           // mailbox capacity, 0 = unbounded
	ReadBufferSize    int           // bytes read per syscall
	Backlog           int           // listen(2) backlog
	MaxFramePayload   int64         // per-frame payload limit
	MaxMessageSize    int64         // assembled message limit
	FragmentSize      int           // outbound fragmentation threshold, 0 disables
	FragmentsCapacity int           // max frames per inbound message, 0 = unbounded
	MaxInBuffer       int           // buffered partial input per connection
	MaxOutBuffer      int           // queued output per connection
	HandshakeTimeout  time.Duration // upper bound for Connecting
	CloseTimeout      time.Duration // upper bound for Closing
	TickInterval      time.Duration // timer resolution of the loop
	TCPNoDelay        bool
	ReusePort         bool // SO_REUSEPORT on listeners, required by Group
	LenientMasking    bool
	PinCPU            bool // lock the loop thread to CPU; Group assigns CPUs in order
	CPU               int

	// AcceptLimiter throttles accepted connections; nil disables throttling.
	AcceptLimiter *rate.Limiter
	// IgnoreError decides which errors are dropped before logging and OnError.
	IgnoreError func(error) bool
	// TLSConfig is used for wss:// clients whose handler has no TLS policy.
	TLSConfig *tls.Config
	Logger    *zap.Logger
	Observer  Observer
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	conn := protocol.DefaultConnConfig()
	return &Config{
		QueueSize:         4096,
		ReadBufferSize:    64 * 1024,
		Backlog:           1024,
		MaxFramePayload:   conn.MaxFramePayload,
		MaxMessageSize:    conn.MaxMessageSize,
		FragmentSize:      conn.FragmentSize,
		FragmentsCapacity: conn.FragmentsCapacity,
		MaxInBuffer:       conn.MaxInBuffer,
		MaxOutBuffer:      conn.MaxOutBuffer,
		HandshakeTimeout:  conn.HandshakeTimeout,
		CloseTimeout:      conn.CloseTimeout,
		TickInterval:      100 * time.Millisecond,
		TCPNoDelay:        true,
		IgnoreError:       IgnoreDisconnects,
		Logger:            zap.NewNop(),
	}
}

// fillDefaults replaces zero sizes, timeouts and hooks with their
// DefaultConfig values. Fields where zero has a meaning of its own
// (MaxConnections, QueueSize, FragmentSize, FragmentsCapacity) are kept.
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.Backlog <= 0 {
		c.Backlog = def.Backlog
	}
	if c.MaxFramePayload <= 0 {
		c.MaxFramePayload = def.MaxFramePayload
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.MaxInBuffer <= 0 {
		c.MaxInBuffer = int(c.MaxFramePayload) + 64<<10
	}
	if c.MaxOutBuffer <= 0 {
		c.MaxOutBuffer = def.MaxOutBuffer
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.IgnoreError == nil {
		c.IgnoreError = def.IgnoreError
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
}

// IgnoreDisconnects reports errors caused by the peer vanishing mid-stream.
func IgnoreDisconnects(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

func (c *Config) connConfig() protocol.ConnConfig {
	var obs protocol.Observer
	if c.Observer != nil {
		obs = c.Observer
	}
	return protocol.ConnConfig{
		MaxFramePayload:   c.MaxFramePayload,
		MaxMessageSize:    c.MaxMessageSize,
		FragmentSize:      c.FragmentSize,
		FragmentsCapacity: c.FragmentsCapacity,
		MaxInBuffer:       c.MaxInBuffer,
		MaxOutBuffer:      c.MaxOutBuffer,
		HandshakeTimeout:  c.HandshakeTimeout,
		CloseTimeout:      c.CloseTimeout,
		LenientMasking:    c.LenientMasking,
		IgnoreError:       c.IgnoreError,
		Logger:            c.Logger,
		Observer:          obs,
	}
}

// Option customizes reactor initialization.
type Option func(*Config)

// WithLogger sets the structured event sink.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Config) { c.Observer = o }
}

// WithMaxConnections caps live connections; extra accepts are closed at once.
func WithMaxConnections(n int) Option {
	return func(c *Config) { c.MaxConnections = n }
}

// WithAcceptRate throttles accepts to r per second with the given burst.
func WithAcceptRate(r rate.Limit, burst int) Option {
	return func(c *Config) { c.AcceptLimiter = rate.NewLimiter(r, burst) }
}

// WithTLS sets the fallback client TLS configuration.
func WithTLS(cfg *tls.Config) Option {
	return func(c *Config) { c.TLSConfig = cfg }
}

// WithTimeouts overrides the handshake and close timeouts.
func WithTimeouts(handshake, closing time.Duration) Option {
	return func(c *Config) {
		c.HandshakeTimeout = handshake
		c.CloseTimeout = closing
	}
}

// WithReusePort enables SO_REUSEPORT on listeners.
func WithReusePort(on bool) Option {
	return func(c *Config) { c.ReusePort = on }
}

// WithIgnoreError replaces the ignorable error predicate.
func WithIgnoreError(fn func(error) bool) Option {
	return func(c *Config) { c.IgnoreError = fn }
}

// WithCPU pins the event loop thread to cpu.
func WithCPU(cpu int) Option {
	return func(c *Config) {
		c.PinCPU = true
		c.CPU = cpu
	}
}

// WithFragmentSize sets the outbound fragmentation threshold.
func WithFragmentSize(n int) Option {
	return func(c *Config) { c.FragmentSize = n }
}

// WithMessageLimits bounds frame and message sizes.
func WithMessageLimits(maxFrame, maxMessage int64) Option {
	return func(c *Config) {
		c.MaxFramePayload = maxFrame
		c.MaxMessageSize = maxMessage
		c.MaxInBuffer = int(maxFrame) + 64<<10
	}
}
