package router

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/callback"
	"github.com/zrepl/procmesh/internal/conn"
	"github.com/zrepl/procmesh/internal/dispatch"
	"github.com/zrepl/procmesh/internal/envelope"
	"github.com/zrepl/procmesh/internal/registry"
)

// RouteMessage handles a message a client sent on connection c. The message
// names its target process in the first element (["<owner>", {...}]).
// Messages for this process are delivered locally without touching the bus,
// all others are published once to PRC:<owner>:FWD.
func (n *Node) RouteMessage(c conn.Connection, raw []byte) error {
	owner, ok := envelope.ClientMessageOwner(raw, registry.IDLength)
	if !ok {
		prom.dropped.WithLabelValues("malformed").Inc()
		return errors.Wrap(envelope.ErrMalformed, "client message does not name a process")
	}
	if owner == n.self {
		prom.localDeliveries.Inc()
		return n.deliverLocal(c, raw)
	}
	payload, err := envelope.Encode(envelope.TagFrom, []string{c.ID()}, raw)
	if err != nil {
		prom.dropped.WithLabelValues("malformed").Inc()
		return errors.Wrapf(err, "cannot forward message from connection %q", c.ID())
	}
	prom.forwarded.Inc()
	return n.bus.Publish(envelope.ProcessChannel(owner, envelope.KindForward), payload)
}

func (n *Node) deliverLocal(c conn.Connection, raw []byte) error {
	var packet []json.RawMessage
	if err := json.Unmarshal(raw, &packet); err != nil {
		prom.dropped.WithLabelValues("malformed").Inc()
		return errors.Wrap(envelope.ErrMalformed, err.Error())
	}
	if len(packet) < 2 {
		prom.dropped.WithLabelValues("malformed").Inc()
		return errors.Wrap(envelope.ErrMalformed, "client message without body")
	}
	var msg dispatch.Message
	if err := json.Unmarshal(packet[1], &msg); err != nil {
		prom.dropped.WithLabelValues("malformed").Inc()
		return errors.Wrap(envelope.ErrMalformed, err.Error())
	}
	msg.Sender = c.ID()
	return n.disp.ExecuteFunction(c, &msg, nil)
}

// Process is the execute capability for a peer process.
type Process struct {
	node *Node
	id   string
}

var _ dispatch.Executor = (*Process)(nil)

func (p *Process) ID() string { return p.id }

// Process returns the peer id, or an error wrapping registry.ErrUnknownPeer.
func (n *Node) Process(id string) (*Process, error) {
	defer n.l.Lock().Unlock()
	if _, err := n.reg.Process(id); err != nil {
		return nil, err
	}
	return &Process{n, id}, nil
}

// Execute calls the interprocess function fn on the peer. If cb is not nil,
// it is invoked once with the peer's reply.
func (p *Process) Execute(fn string, args []interface{}, cb callback.Func) error {
	return p.node.execute(p.id, dispatch.NamespaceInterprocess, fn, args, cb, nil)
}

// CreateSymbolic announces the native connection c to the peer, which then
// holds a symbolic proxy for it until c closes or this process leaves.
func (p *Process) CreateSymbolic(c *conn.Native) error {
	payload, err := json.Marshal(symbolicNew{
		NativeID:       c.ID(),
		Owner:          c.Owner(),
		ConnectionData: c.ConnectionData(),
	})
	if err != nil {
		return errors.Wrap(err, "cannot encode connection data")
	}
	c.AddSymbolicOwner(p.id)
	return p.node.bus.Publish(envelope.ProcessChannel(p.id, envelope.KindSymbolicNew), payload)
}

// execute publishes an EXEC request to target. If cb is not nil, exactly one
// of cb and evict runs: cb with the reply, or evict when the callback expires
// or target leaves the mesh first.
// CreateSymbolicAcked asks the peer to create a symbolic proxy for c by
// calling createSymbolicConnection. The peer is recorded as symbolic owner of
// c only once it acknowledged. done, if not nil, runs exactly once with the
// outcome.
func (p *Process) CreateSymbolicAcked(c *conn.Native, done func(error)) error {
	if done == nil {
		done = func(error) {}
	}
	args := []interface{}{c.ID(), c.Owner(), c.ConnectionData()}
	return p.node.execute(p.id, dispatch.NamespaceInterprocess, FuncCreateSymbolicConnection, args,
		func(sender string, reply []json.RawMessage) {
			if err := decodeRemoteError(reply); err != nil {
				done(errors.Wrapf(err, "process %s", p.id))
				return
			}
			c.AddSymbolicOwner(p.id)
			done(nil)
		},
		func(err error) { done(err) })
}

func (n *Node) execute(target, ns, fn string, args []interface{}, cb callback.Func, evict callback.EvictFunc) error {
	rawArgs, err := encodeArgs(args)
	if err != nil {
		return err
	}
	pkt := execPacket{Owner: n.self, NS: ns, Func: fn, Args: rawArgs}
	// checked under the same lock handleProcessLeave drops callbacks with
	n.l.Lock()
	if _, err := n.reg.Process(target); err != nil {
		n.l.Unlock()
		return errors.Wrapf(err, "cannot execute %s", fn)
	}
	if cb != nil {
		pkt.CallbackID = n.callbacks.RegisterEvictable(n.self, []string{target}, cb, evict)
		n.updateGauges()
	}
	n.l.Unlock()
	payload, err := json.Marshal(pkt)
	if err == nil {
		err = n.bus.Publish(envelope.ProcessChannel(target, envelope.KindExec), payload)
	}
	if err != nil && cb != nil {
		n.l.Lock()
		_, _ = n.callbacks.Take(pkt.CallbackID, target)
		n.updateGauges()
		n.l.Unlock()
	}
	return errors.Wrapf(err, "cannot execute %s on %s", fn, target)
}

// ExecuteOn calls the client function ns.fn on the given connections. The
// packet is written to each of them, directly for native connections and via
// the owner for symbolic ones. If cb is not nil it is invoked once, with the
// first reply from any of the connections.
func (n *Node) ExecuteOn(conns []conn.Connection, ns, fn string, args []interface{}, cb callback.Func) error {
	rawArgs, err := encodeArgs(args)
	if err != nil {
		return err
	}
	msg := &dispatch.Message{NS: ns, Func: fn, Args: rawArgs}
	if cb != nil {
		ids := make([]string, len(conns))
		for i, c := range conns {
			ids[i] = c.ID()
		}
		n.l.Lock()
		msg.CallBack = n.callbacks.Register(n.self, ids, cb)
		n.updateGauges()
		n.l.Unlock()
	}
	raw, err := dispatch.ClientPacket(n.self, msg)
	if err != nil {
		return errors.Wrap(err, "cannot encode client packet")
	}
	var firstErr error
	for _, c := range conns {
		if err := c.Write(raw); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "cannot write to connection %q", c.ID())
		}
	}
	return firstErr
}

// SendCallbackList tells process that replies to its callback callbackID
// will come from connIDs.
func (n *Node) SendCallbackList(process, callbackID string, connIDs []string) error {
	payload, err := envelope.EncodeCallbackList(callbackID, connIDs)
	if err != nil {
		return err
	}
	return n.bus.Publish(envelope.ProcessChannel(process, envelope.KindCallbackList), payload)
}
