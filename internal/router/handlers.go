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

// execPacket is the payload of PRC:<target>:EXEC.
type execPacket struct {
	Owner      string            `json:"owner"`
	NS         string            `json:"ns,omitempty"`
	Func       string            `json:"func"`
	Args       []json.RawMessage `json:"args"`
	CallbackID string            `json:"callbackId,omitempty"`
}

// symbolicNew is the payload of PRC:<target>:SYMNEW.
type symbolicNew struct {
	NativeID       string    `json:"nativeID"`
	Owner          string    `json:"owner"`
	ConnectionData conn.Data `json:"connectionData"`
}

func (n *Node) handleProcessJoin(channel string, payload []byte) {
	id := string(payload)
	n.l.Lock()
	added := n.reg.OnPeerJoin(id)
	n.updateGauges()
	n.l.Unlock()
	if added {
		n.log.WithField("peer", id).Info("peer joined")
	}
}

// handleProcessLeave forgets the peer and every symbolic connection it owned.
// Pending callbacks waiting for a reply from the peer are evicted.
func (n *Node) handleProcessLeave(channel string, payload []byte) {
	id := string(payload)
	if id == n.self {
		return
	}
	n.l.Lock()
	known := n.reg.OnPeerLeave(id)
	var removed []*conn.Symbolic
	for _, s := range n.conns.SymbolicOwnedBy(id) {
		if n.removeSymbolicLocked(s) {
			removed = append(removed, s)
		}
	}
	for _, nat := range n.conns.Natives() {
		nat.RemoveSymbolicOwner(id)
	}
	orphaned := n.callbacks.DropAccepting(id)
	n.updateGauges()
	hooks := n.symClose
	n.l.Unlock()

	if known {
		n.log.WithField("peer", id).WithField("symbolic_removed", len(removed)).
			WithField("callbacks_dropped", len(orphaned)).Info("peer left")
	}
	for _, s := range removed {
		runHooks(hooks, s)
	}
	for _, p := range orphaned {
		p.Evict(errors.Wrapf(registry.ErrUnknownPeer, "process %s left before replying to callback %q", id, p.ID))
	}
}

func (n *Node) handleForward(channel string, payload []byte) {
	env, err := envelope.Decode(payload)
	if err != nil {
		n.drop("malformed", channel, err)
		return
	}
	connID, ok := env.Header.After(envelope.TagFrom)
	if !ok {
		n.drop("malformed", channel, errors.Wrap(envelope.ErrMalformed, "forwarded message without FRM header"))
		return
	}
	n.l.Lock()
	c, found := n.conns.Get(connID)
	n.l.Unlock()
	if !found {
		c = conn.NewStub(connID)
	}
	if err := n.deliverLocal(c, env.Payload); err != nil {
		n.log.WithError(err).WithField("conn", connID).Warn("cannot deliver forwarded message")
	}
}

func (n *Node) handleCallbackList(channel string, payload []byte) {
	id, connIDs, err := envelope.DecodeCallbackList(payload)
	if err != nil {
		n.drop("malformed", channel, err)
		return
	}
	if err := n.disp.AddCallbackConnections(id, connIDs); err != nil {
		n.log.WithError(err).WithField("callback", id).Warn("cannot add callback connections")
	}
}

func (n *Node) handleSymbolicNew(channel string, payload []byte) {
	var sn symbolicNew
	if err := json.Unmarshal(payload, &sn); err != nil {
		n.drop("malformed", channel, errors.Wrap(envelope.ErrMalformed, err.Error()))
		return
	}
	if sn.NativeID == "" || sn.Owner == "" {
		n.drop("malformed", channel, errors.Wrap(envelope.ErrMalformed, "symbolic connection without id or owner"))
		return
	}
	n.insertSymbolic(sn.NativeID, sn.Owner, sn.ConnectionData)
}

func (n *Node) handleSymbolicDel(channel string, payload []byte) {
	if len(payload) == 0 {
		n.drop("malformed", channel, errors.Wrap(envelope.ErrMalformed, "empty connection id"))
		return
	}
	n.removeSymbolic(string(payload))
}

// handleSymbolicDelete serves SYM:<connId>:DEL.
func (n *Node) handleSymbolicDelete(channel string, payload []byte) {
	ch, err := envelope.ParseChannel(channel)
	if err != nil {
		n.drop("malformed", channel, err)
		return
	}
	n.removeSymbolic(ch.Target)
}

func (n *Node) handleExec(channel string, payload []byte) {
	var p execPacket
	if err := json.Unmarshal(payload, &p); err != nil {
		n.drop("malformed", channel, errors.Wrap(envelope.ErrMalformed, err.Error()))
		return
	}
	if p.Owner == "" || p.Func == "" {
		n.drop("malformed", channel, errors.Wrap(envelope.ErrMalformed, "exec without owner or func"))
		return
	}
	if p.NS == "" {
		p.NS = dispatch.NamespaceInterprocess
	}
	msg := &dispatch.Message{
		NS:       p.NS,
		Func:     p.Func,
		Args:     p.Args,
		CallBack: p.CallbackID,
		Owner:    p.Owner,
		Sender:   p.Owner,
	}
	factory := func(id string) dispatch.ReplyFunc {
		return callback.CreateIPCCallback(n.bus, n.self, p.Owner, id, n.log)
	}
	if err := n.disp.ExecuteFunction(&Process{n, p.Owner}, msg, factory); err != nil {
		n.log.WithError(err).WithField("caller", p.Owner).Warn("remote execution failed")
	}
}

func (n *Node) handleIPCCallback(channel string, payload []byte) {
	id, sender, args, err := callback.DecodeReply(payload)
	if err != nil {
		n.drop("malformed", channel, err)
		return
	}
	// stale replies are logged by ResolveCallback
	_ = n.ResolveCallback(id, sender, args)
}

// handleNativeMessage serves NTV:<connId>:MSG for connections owned here.
func (n *Node) handleNativeMessage(channel string, payload []byte) {
	ch, err := envelope.ParseChannel(channel)
	if err != nil {
		n.drop("malformed", channel, err)
		return
	}
	n.l.Lock()
	nat, ok := n.conns.Native(ch.Target)
	n.l.Unlock()
	if !ok {
		n.drop("unknown_connection", channel, nil)
		return
	}
	if err := nat.Write(payload); err != nil {
		n.log.WithError(err).WithField("conn", ch.Target).Warn("cannot write to native connection")
	}
}

// ResolveCallback resolves the pending callback id with a reply from sender.
// Unknown ids and unaccepted senders are dropped with a warning.
func (n *Node) ResolveCallback(id, sender string, args []json.RawMessage) error {
	n.l.Lock()
	fn, err := n.callbacks.Take(id, sender)
	n.updateGauges()
	n.l.Unlock()
	if err != nil {
		prom.staleCallbacks.Inc()
		n.log.WithError(err).WithField("callback", id).WithField("sender", sender).Warn("dropping callback reply")
		return err
	}
	if fn != nil {
		fn(sender, args)
	}
	return nil
}

func (n *Node) AddCallbackConnections(id string, connIDs []string) error {
	defer n.l.Lock().Unlock()
	return n.callbacks.AddConnections(id, connIDs)
}

var _ dispatch.Callbacks = (*Node)(nil)
