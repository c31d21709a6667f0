// Package router is the dispatch core of a mesh node. It interprets inbound
// envelopes, decides between local delivery and forwarding for client
// messages, maintains symbolic connections and correlates cross-process
// callbacks.
//
// A Node guards its route table, connection table, peer set and pending
// callbacks with one coarse lock. The lock is never held while handlers or
// hooks run, nor across directory requests or publishes. Subscription changes
// happen under the lock.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/bus"
	"github.com/zrepl/procmesh/internal/callback"
	"github.com/zrepl/procmesh/internal/conn"
	"github.com/zrepl/procmesh/internal/directory"
	"github.com/zrepl/procmesh/internal/dispatch"
	"github.com/zrepl/procmesh/internal/envelope"
	"github.com/zrepl/procmesh/internal/logger"
	"github.com/zrepl/procmesh/internal/registry"
	"github.com/zrepl/procmesh/internal/route"
	"github.com/zrepl/procmesh/internal/util/chainlock"
	"github.com/zrepl/procmesh/internal/util/envconst"
	"github.com/zrepl/procmesh/internal/util/semaphore"
)

type Logger = logger.Logger

type contextKey int

const contextKeyLogger contextKey = iota

func WithLogger(ctx context.Context, log Logger) context.Context {
	return context.WithValue(ctx, contextKeyLogger, log)
}

func getLogger(ctx context.Context) Logger {
	if log, ok := ctx.Value(contextKeyLogger).(Logger); ok {
		return log
	}
	return logger.NewNullLogger()
}

// Dispatcher is the function-dispatch layer the node delivers to.
type Dispatcher interface {
	ExecuteFunction(executor dispatch.Executor, msg *dispatch.Message, factory dispatch.CallbackFactory) error
	AddCallbackConnections(callbackID string, connIDs []string) error
	Register(ns, name string, fn dispatch.Func)
	BindCallbacks(cb dispatch.Callbacks, self string)
}

var _ Dispatcher = (*dispatch.Functions)(nil)

type Config struct {
	Bus        bus.Bus
	Registry   *registry.Registry
	Directory  directory.Directory
	Dispatcher Dispatcher

	// DirectoryTimeout bounds directory requests issued by the node.
	DirectoryTimeout time.Duration
	// CallbackTimeout evicts pending callbacks older than this. Zero disables eviction.
	CallbackTimeout time.Duration
	SweepInterval   time.Duration
}

type Node struct {
	conf Config
	log  Logger
	self string

	bus  bus.Bus
	dir  directory.Directory
	disp Dispatcher

	l         *chainlock.L
	reg       *registry.Registry
	routes    *route.Table
	conns     *conn.Table
	callbacks *callback.Registry
	symInit   []func(*conn.Symbolic)
	symClose  []func(*conn.Symbolic)

	// lookups bounds concurrent directory lookups of GenerateSymbolic.
	lookups *semaphore.S
}

// NewNode wires a node for a process that completed registration.
// It binds the dispatcher's callback resolution to the node and registers
// the built-in interprocess functions.
func NewNode(ctx context.Context, conf Config) (*Node, error) {
	if conf.Registry.State() != registry.Active {
		return nil, errors.Errorf("process registry is %s, must be active", conf.Registry.State())
	}
	if conf.DirectoryTimeout <= 0 {
		conf.DirectoryTimeout = 10 * time.Second
	}
	if conf.SweepInterval <= 0 {
		conf.SweepInterval = 10 * time.Second
	}
	n := &Node{
		conf:      conf,
		log:       getLogger(ctx),
		self:      conf.Registry.Self(),
		bus:       conf.Bus,
		dir:       conf.Directory,
		disp:      conf.Dispatcher,
		l:         chainlock.New(),
		reg:       conf.Registry,
		routes:    route.NewTable(conf.Bus),
		conns:     conn.NewTable(),
		callbacks: callback.NewRegistry(),
		lookups:   semaphore.New(int64(envconst.Int("PROCMESH_SYMBOLIC_LOOKUP_CONCURRENCY", 64))),
	}
	n.log = n.log.WithField("process", n.self)
	n.disp.BindCallbacks(n, n.self)
	n.disp.Register(dispatch.NamespaceInterprocess, FuncRequestSymbolicData, n.requestSymbolicData)
	n.disp.Register(dispatch.NamespaceInterprocess, FuncCreateSymbolicConnection, n.createSymbolicConnection)
	n.disp.Register(dispatch.NamespaceInterprocess, FuncExecuteOnNatives, n.executeOnNativeConnections)
	return n, nil
}

func (n *Node) Self() string { return n.self }

// Start subscribes the node's process channels and then seeds the peer set
// from the directory. Subscribing first guarantees that a peer joining
// concurrently is seen either in the listing or as an announcement.
func (n *Node) Start(ctx context.Context) error {
	self := n.self
	routes := []struct {
		name, kind, channel string
		h                   route.Handler
	}{
		{"processJoin", "join", envelope.ChannelProcessJoin, n.handleProcessJoin},
		{"processLeave", "leave", envelope.ChannelProcessLeave, n.handleProcessLeave},
		{"forward", envelope.KindForward, envelope.ProcessChannel(self, envelope.KindForward), n.handleForward},
		{"callbackList", envelope.KindCallbackList, envelope.ProcessChannel(self, envelope.KindCallbackList), n.handleCallbackList},
		{"symbolicNew", envelope.KindSymbolicNew, envelope.ProcessChannel(self, envelope.KindSymbolicNew), n.handleSymbolicNew},
		{"symbolicDel", envelope.KindSymbolicDel, envelope.ProcessChannel(self, envelope.KindSymbolicDel), n.handleSymbolicDel},
		{"exec", envelope.KindExec, envelope.ProcessChannel(self, envelope.KindExec), n.handleExec},
		{"ipcCallback", envelope.KindIPCCallback, envelope.ProcessChannel(self, envelope.KindIPCCallback), n.handleIPCCallback},
	}
	for _, r := range routes {
		if err := n.AddRoute(r.name, r.channel, n.counted(r.kind, r.h)); err != nil {
			return err
		}
	}

	peers, err := n.reg.FetchPeers(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot seed peers")
	}
	defer n.l.Lock().Unlock()
	for _, id := range peers {
		if n.reg.OnPeerJoin(id) {
			n.log.WithField("peer", id).Debug("seeded peer from directory")
		}
	}
	n.updateGauges()
	n.log.WithField("peers", len(peers)).Info("node started")
	return nil
}

// Serve delivers bus messages to routes until ctx is done or the bus fails.
func (n *Node) Serve(ctx context.Context) error {
	if n.conf.CallbackTimeout > 0 {
		go n.sweepCallbacks(ctx)
	}
	return n.bus.Serve(ctx, n.onMessage)
}

// Shutdown removes the process from the directory and announces the departure.
func (n *Node) Shutdown(ctx context.Context) error {
	return n.reg.Deregister(ctx)
}

func (n *Node) onMessage(msg bus.Message) {
	n.l.Lock()
	h, ok := n.routes.Lookup(msg)
	n.l.Unlock()
	if !ok {
		// unsubscribe races end up here
		n.drop("no_route", msg.Channel, nil)
		return
	}
	h(msg.Channel, msg.Payload)
}

func (n *Node) counted(kind string, h route.Handler) route.Handler {
	return func(channel string, payload []byte) {
		prom.received.WithLabelValues(kind).Inc()
		h(channel, payload)
	}
}

func (n *Node) drop(reason, channel string, err error) {
	prom.dropped.WithLabelValues(reason).Inc()
	l := n.log.WithField("channel", channel).WithField("reason", reason)
	if err != nil {
		l = l.WithError(err)
	}
	l.Warn("dropping message")
}

// updateGauges must be called with n.l held.
func (n *Node) updateGauges() {
	prom.peers.Set(float64(len(n.reg.Peers())))
	prom.connections.WithLabelValues("native").Set(float64(n.conns.NativeCount()))
	prom.connections.WithLabelValues("symbolic").Set(float64(n.conns.Len() - n.conns.NativeCount()))
	prom.pendingCallbacks.Set(float64(n.callbacks.Len()))
}

func (n *Node) AddRoute(name, channel string, h route.Handler) error {
	defer n.l.Lock().Unlock()
	return n.routes.Add(name, channel, h)
}

// AddPatternRoute registers h for all channels matching the glob pattern.
func (n *Node) AddPatternRoute(name, pattern string, h route.Handler) error {
	defer n.l.Lock().Unlock()
	return n.routes.AddPattern(name, pattern, h)
}

func (n *Node) RemoveRoute(name string) error {
	defer n.l.Lock().Unlock()
	return n.routes.Remove(name)
}

func (n *Node) PublishToRoute(name string, payload []byte) error {
	n.l.Lock()
	channel, err := n.routes.Resolve(name)
	n.l.Unlock()
	if err != nil {
		return err
	}
	return n.bus.Publish(channel, payload)
}

func (n *Node) Publish(channel string, payload []byte) error { return n.bus.Publish(channel, payload) }
func (n *Node) Subscribe(channel string) error                { return n.bus.Subscribe(channel) }
func (n *Node) Unsubscribe(channel string) error              { return n.bus.Unsubscribe(channel) }
func (n *Node) SubscribePattern(pattern string) error         { return n.bus.SubscribePattern(pattern) }
func (n *Node) UnsubscribePattern(pattern string) error       { return n.bus.UnsubscribePattern(pattern) }

func (n *Node) Peers() []string {
	defer n.l.Lock().Unlock()
	return n.reg.Peers()
}

func (n *Node) Connection(id string) (conn.Connection, bool) {
	defer n.l.Lock().Unlock()
	return n.conns.Get(id)
}

// OnSymbolic registers hooks run after a symbolic connection was added to or
// removed from the connection table. Either may be nil.
func (n *Node) OnSymbolic(init, closing func(*conn.Symbolic)) {
	defer n.l.Lock().Unlock()
	if init != nil {
		n.symInit = append(n.symInit, init)
	}
	if closing != nil {
		n.symClose = append(n.symClose, closing)
	}
}

func encodeArgs(args []interface{}) ([]json.RawMessage, error) {
	ret := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot encode argument %d", i)
		}
		ret[i] = raw
	}
	return ret, nil
}
