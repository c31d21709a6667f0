// Package bus defines the publish/subscribe primitives the mesh runs on.
//
// Implementations deliver inbound messages from a single goroutine (the one
// running Serve), one message at a time, in the order the transport hands them
// over. No ordering is guaranteed across channels.
package bus

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zrepl/procmesh/internal/logger"
)

type Logger = logger.Logger

type contextKey int

const contextKeyLogger contextKey = iota

func WithLogger(ctx context.Context, log Logger) context.Context {
	return context.WithValue(ctx, contextKeyLogger, log)
}

func GetLogger(ctx context.Context) Logger {
	if log, ok := ctx.Value(contextKeyLogger).(Logger); ok {
		return log
	}
	return logger.NewNullLogger()
}

// Message is a single inbound delivery. Pattern is set if the message was
// delivered because of a pattern subscription.
type Message struct {
	Channel string
	Pattern string
	Payload []byte
}

type Handler func(msg Message)

type Publisher interface {
	Publish(channel string, payload []byte) error
}

type Bus interface {
	Publisher
	Subscribe(channel string) error
	Unsubscribe(channel string) error
	SubscribePattern(pattern string) error
	UnsubscribePattern(pattern string) error
	// Serve delivers inbound messages to h until ctx is done or the
	// transport fails. It must be called at most once.
	Serve(ctx context.Context, h Handler) error
	Close() error
}

var ErrClosed = errors.New("bus closed")

var prom struct {
	published *prometheus.CounterVec
	received  *prometheus.CounterVec
	errors    *prometheus.CounterVec
}

func init() {
	prom.published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procmesh",
		Subsystem: "bus",
		Name:      "published_messages",
		Help:      "number of messages published, by bus type",
	}, []string{"bus"})
	prom.received = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procmesh",
		Subsystem: "bus",
		Name:      "received_messages",
		Help:      "number of messages delivered to the dispatch handler, by bus type",
	}, []string{"bus"})
	prom.errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procmesh",
		Subsystem: "bus",
		Name:      "transport_errors",
		Help:      "number of transport errors, by bus type and operation",
	}, []string{"bus", "op"})
}

func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(prom.published)
	r.MustRegister(prom.received)
	r.MustRegister(prom.errors)
}

// Metrics are shared by all implementations, keyed by their type name.
type Metrics struct {
	busType string
}

func NewMetrics(busType string) Metrics { return Metrics{busType} }

func (m Metrics) Published()               { prom.published.WithLabelValues(m.busType).Inc() }
func (m Metrics) Received()                { prom.received.WithLabelValues(m.busType).Inc() }
func (m Metrics) TransportError(op string) { prom.errors.WithLabelValues(m.busType, op).Inc() }
