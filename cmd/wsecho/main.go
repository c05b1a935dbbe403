// File: cmd/wsecho/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// wsecho is an echo server and load client built on the reactor engine.
// Every flag can also be set through a WSECHO_ prefixed environment variable.

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/momentics/wsengine/control"
	"github.com/momentics/wsengine/protocol"
	"github.com/momentics/wsengine/reactor"
)

type options struct {
	listen      string
	connect     string
	reactors    int
	metrics     string
	maxConns    int
	acceptRate  float64
	tlsCert     string
	tlsKey      string
	insecure    bool
	maxMessage  int64
	fragment    int
	count       int
	payload     string
	pin         bool
	development bool
}

func main() {
	fs := flag.NewFlagSet("wsecho", flag.ContinueOnError)
	var o options
	fs.StringVar(&o.listen, "listen", ":9001", "echo server listen address")
	fs.StringVar(&o.connect, "connect", "", "run as a client against this ws:// or wss:// URL")
	fs.IntVar(&o.reactors, "reactors", runtime.NumCPU(), "number of reactors sharing the listen port")
	fs.StringVar(&o.metrics, "metrics", ":9100", "prometheus listen address, empty disables")
	fs.IntVar(&o.maxConns, "max-conns", 0, "live connections per reactor, 0 is unlimited")
	fs.Float64Var(&o.acceptRate, "accept-rate", 0, "accepted connections per second, 0 is unlimited")
	fs.StringVar(&o.tlsCert, "tls-cert", "", "certificate file, enables wss")
	fs.StringVar(&o.tlsKey, "tls-key", "", "private key file")
	fs.BoolVar(&o.insecure, "insecure", false, "client: skip server certificate verification")
	fs.Int64Var(&o.maxMessage, "max-message", 16<<20, "largest accepted message in bytes")
	fs.IntVar(&o.fragment, "fragment", 65535, "outbound fragment size, 0 disables fragmentation")
	fs.IntVar(&o.count, "count", 10, "client: messages to send")
	fs.StringVar(&o.payload, "payload", "hello", "client: message text")
	fs.BoolVar(&o.pin, "pin", false, "pin each reactor to its own CPU")
	fs.BoolVar(&o.development, "dev", false, "human readable debug logging")

	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("WSECHO")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := newLogger(o.development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, log); err != nil {
		log.Fatal("wsecho failed", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, o options, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := control.NewMetrics(reg, "wsecho")

	opts := []reactor.Option{
		reactor.WithLogger(log),
		reactor.WithObserver(metrics),
		reactor.WithMaxConnections(o.maxConns),
		reactor.WithFragmentSize(o.fragment),
	}
	cfg := reactor.DefaultConfig()
	cfg.MaxMessageSize = o.maxMessage
	cfg.PinCPU = o.pin
	if o.acceptRate > 0 {
		opts = append(opts, reactor.WithAcceptRate(rate.Limit(o.acceptRate), int(o.acceptRate)+1))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	if o.metrics != "" {
		srv := &http.Server{
			Addr:              o.metrics,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		eg.Go(func() error {
			log.Info("metrics listening", zap.String("addr", o.metrics))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	eg.Go(func() error {
		// the metrics endpoint lives as long as the engine
		defer cancel()
		if o.connect != "" {
			return runClient(ctx, o, cfg, opts, metrics)
		}
		return runServer(ctx, o, cfg, opts, metrics, log)
	})
	return eg.Wait()
}

func runServer(ctx context.Context, o options, cfg *reactor.Config, opts []reactor.Option, m *control.Metrics, log *zap.Logger) error {
	echo := protocol.MessageFactory(func(out *protocol.Sender, msg protocol.Message) error {
		return out.Send(msg)
	})
	g, err := reactor.NewGroup(o.reactors, cfg, echo, opts...)
	if err != nil {
		return err
	}
	if err := m.RegisterProbe("live_connections", "Connections owned by the reactor group.", func() float64 {
		return float64(g.Len())
	}); err != nil {
		return err
	}

	var addr net.Addr
	if o.tlsCert != "" {
		cert, err := tls.LoadX509KeyPair(o.tlsCert, o.tlsKey)
		if err != nil {
			return err
		}
		addr, err = g.ListenTLS(o.listen, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			return err
		}
	} else if addr, err = g.Listen(o.listen); err != nil {
		return err
	}
	log.Info("echo server ready", zap.Stringer("addr", addr), zap.Int("reactors", o.reactors))
	return g.Run(ctx)
}

// client counts echoed messages and closes once all arrived.
type client struct {
	protocol.DefaultHandler
	out  *protocol.Sender
	want int
	got  atomic.Int64
	log  *zap.Logger
}

func (c *client) OnMessage(m protocol.Message) error {
	n := c.got.Add(1)
	c.log.Debug("echo", zap.Int64("seq", n), zap.Int("bytes", len(m.Data)))
	if int(n) == c.want {
		return c.out.Close(protocol.CloseNormal)
	}
	return nil
}

func (c *client) OnClose(code protocol.CloseCode, reason string) {
	c.log.Info("closed", zap.Stringer("code", code), zap.String("reason", reason), zap.Int64("received", c.got.Load()))
}

// clientFactory shuts the reactor down when its only connection ends.
type clientFactory struct {
	want int
	log  *zap.Logger
	done chan struct{}
}

func (f *clientFactory) NewHandler(out *protocol.Sender, info protocol.ConnInfo) protocol.Handler {
	return &client{out: out, want: f.want, log: f.log.With(zap.Uint64("conn", info.Token))}
}

func (f *clientFactory) ConnectionLost(protocol.Handler) { close(f.done) }

func runClient(ctx context.Context, o options, cfg *reactor.Config, opts []reactor.Option, m *control.Metrics) error {
	u, err := url.Parse(o.connect)
	if err != nil {
		return err
	}
	if o.insecure && strings.EqualFold(u.Scheme, "wss") {
		opts = append(opts, reactor.WithTLS(&tls.Config{InsecureSkipVerify: true}))
	}
	for _, opt := range opts {
		opt(cfg)
	}
	f := &clientFactory{want: o.count, log: cfg.Logger.Named("client"), done: make(chan struct{})}

	r, err := reactor.New(cfg, f)
	if err != nil {
		return err
	}
	if err := m.RegisterProbe("live_connections", "Connections owned by the reactor.", func() float64 {
		return float64(r.Len())
	}); err != nil {
		return err
	}
	out, err := r.Connect(u)
	if err != nil {
		return err
	}
	for i := 0; i < o.count; i++ {
		if err := out.SendText(o.payload); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-f.done:
			r.Shutdown()
		case <-runCtx.Done():
		}
	}()
	return r.Run(runCtx)
}
