// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for connection, frame and close statistics. Metrics
// satisfies reactor.Observer and is called inline on reactor goroutines, so
// hot-path counters are resolved once at construction.

package control

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/protocol"
)

// Metrics holds the engine collectors.
type Metrics struct {
	reg       prometheus.Registerer
	namespace string

	connections prometheus.Gauge
	accepted    prometheus.Counter
	rejected    *prometheus.CounterVec
	frames      *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	messages    *prometheus.CounterVec
	errors      *prometheus.CounterVec
	closes      *prometheus.CounterVec

	framesIn, framesOut [16]prometheus.Counter
	bytesIn, bytesOut   prometheus.Counter
	errorsByKind        [api.KindCustom + 1]prometheus.Counter

	mu     sync.Mutex
	probes map[string]prometheus.Collector
}

// NewMetrics registers the collectors on reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		reg:       reg,
		namespace: namespace,
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Live connections, including those still handshaking.",
		}),
		accepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "accepted_total",
			Help: "Sockets accepted by listeners.",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejected_total",
			Help: "Accepted sockets closed immediately, by reason.",
		}, []string{"reason"}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_total",
			Help: "Frames by direction and opcode.",
		}, []string{"direction", "opcode"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "payload_bytes_total",
			Help: "Frame payload bytes by direction.",
		}, []string{"direction"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_received_total",
			Help: "Complete inbound messages by kind.",
		}, []string{"kind"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total",
			Help: "Connection errors by kind, ignored ones included.",
		}, []string{"kind"}),
		closes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "closes_total",
			Help: "Connections reaching Closed, by close code.",
		}, []string{"code"}),
		probes: make(map[string]prometheus.Collector),
	}
	for _, op := range []protocol.OpCode{
		protocol.OpContinue, protocol.OpText, protocol.OpBinary,
		protocol.OpClose, protocol.OpPing, protocol.OpPong,
	} {
		m.framesIn[op] = m.frames.WithLabelValues("in", op.String())
		m.framesOut[op] = m.frames.WithLabelValues("out", op.String())
	}
	m.bytesIn = m.bytes.WithLabelValues("in")
	m.bytesOut = m.bytes.WithLabelValues("out")
	for k := api.KindInternal; k <= api.KindCustom; k++ {
		m.errorsByKind[k] = m.errors.WithLabelValues(k.String())
	}
	return m
}

func (m *Metrics) FrameIn(op protocol.OpCode, n int) {
	if c := m.framesIn[op&0xF]; c != nil {
		c.Inc()
	}
	m.bytesIn.Add(float64(n))
}

func (m *Metrics) FrameOut(op protocol.OpCode, n int) {
	if c := m.framesOut[op&0xF]; c != nil {
		c.Inc()
	}
	m.bytesOut.Add(float64(n))
}

func (m *Metrics) MessageIn(kind protocol.MessageKind, _ int) {
	if kind == protocol.KindText {
		m.messages.WithLabelValues("text").Inc()
		return
	}
	m.messages.WithLabelValues("binary").Inc()
}

func (m *Metrics) Error(kind api.Kind) {
	if kind >= 0 && int(kind) < len(m.errorsByKind) {
		m.errorsByKind[kind].Inc()
		return
	}
	m.errors.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) Closed(code protocol.CloseCode) {
	m.closes.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

func (m *Metrics) Accepted()              { m.accepted.Inc() }
func (m *Metrics) Rejected(reason string) { m.rejected.WithLabelValues(reason).Inc() }
func (m *Metrics) Opened()                { m.connections.Inc() }
func (m *Metrics) Released()              { m.connections.Dec() }

// RegisterProbe exposes fn as a gauge sampled at scrape time. Registering
// the same name again replaces the previous probe.
func (m *Metrics) RegisterProbe(name, help string, fn func() float64) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: "probe", Name: name, Help: help,
	}, fn)
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.probes[name]; ok {
		m.reg.Unregister(old)
	}
	if err := m.reg.Register(g); err != nil {
		return api.Wrap(api.KindInternal, "register probe "+name, err)
	}
	m.probes[name] = g
	return nil
}
