// File: reactor/group.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Group scales horizontally: N independent reactors, each with its own
// SO_REUSEPORT listener on the same address, run under one errgroup.

package reactor

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"strconv"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/wsengine/affinity"
	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/protocol"
)

// Group runs several reactors side by side.
type Group struct {
	reactors []*Reactor
	next     atomic.Uint64
}

// NewGroup creates n reactors sharing cfg and f. ReusePort is forced on.
// With PinCPU set, reactor i is pinned to CPU i modulo the CPU count.
func NewGroup(n int, cfg *Config, f protocol.Factory, opts ...Option) (*Group, error) {
	if n < 1 {
		n = 1
	}
	opts = append(opts, WithReusePort(true))
	g := &Group{}
	for i := 0; i < n; i++ {
		o := append(opts[:len(opts):len(opts)], func(c *Config) {
			if c.Logger == nil {
				c.Logger = zap.NewNop()
			}
			c.Logger = c.Logger.With(zap.Int("reactor", i))
			if c.PinCPU {
				c.CPU = i % affinity.NumCPU()
			}
		})
		r, err := New(cfg, f, o...)
		if err != nil {
			for _, prev := range g.reactors {
				prev.poller.Close()
			}
			return nil, err
		}
		g.reactors = append(g.reactors, r)
	}
	return g, nil
}

// Reactors returns the members of the group.
func (g *Group) Reactors() []*Reactor { return g.reactors }

// Listen binds addr on every reactor. A zero port is resolved by the first
// reactor and reused by the rest.
func (g *Group) Listen(addr string) (net.Addr, error) {
	return g.listen(addr, func(r *Reactor, a string) (net.Addr, error) { return r.Listen(a) })
}

// ListenTLS is Listen with TLS wrapping.
func (g *Group) ListenTLS(addr string, cfg *tls.Config) (net.Addr, error) {
	return g.listen(addr, func(r *Reactor, a string) (net.Addr, error) { return r.ListenTLS(a, cfg) })
}

func (g *Group) listen(addr string, fn func(*Reactor, string) (net.Addr, error)) (net.Addr, error) {
	var first net.Addr
	for _, r := range g.reactors {
		bound, err := fn(r, addr)
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = bound
			if ta, ok := bound.(*net.TCPAddr); ok {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, api.Wrap(api.KindIo, "listen address", err)
				}
				addr = net.JoinHostPort(host, strconv.Itoa(ta.Port))
			}
		}
	}
	return first, nil
}

// Connect dials u on the next reactor in round-robin order.
func (g *Group) Connect(u *url.URL) (*protocol.Sender, error) {
	i := g.next.Add(1) % uint64(len(g.reactors))
	return g.reactors[i].Connect(u)
}

// Broadcast sends msg to every open connection of every reactor.
func (g *Group) Broadcast(msg protocol.Message) error {
	var err error
	for _, r := range g.reactors {
		err = multierr.Append(err, r.Broadcast(msg))
	}
	return err
}

// Len returns the number of live connections across the group.
func (g *Group) Len() int {
	n := 0
	for _, r := range g.reactors {
		n += r.Len()
	}
	return n
}

// Shutdown asks every reactor to shut down gracefully.
func (g *Group) Shutdown() {
	for _, r := range g.reactors {
		r.Shutdown()
	}
}

// Run runs every reactor on its own goroutine. If one fails the others are
// shut down; the first error is returned.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, r := range g.reactors {
		r := r
		eg.Go(func() error { return r.Run(ctx) })
	}
	return eg.Wait()
}
