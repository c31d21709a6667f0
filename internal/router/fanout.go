package router

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/callback"
	"github.com/zrepl/procmesh/internal/dispatch"
)

const FuncExecuteOnNatives = "executeOnNativeConnections"

// ExecuteOnNatives asks the peer to call the client function ns.fn on every
// native connection the peer holds. If cb is not nil, it is invoked once with
// the first client reply. The peer announces the connections that may reply
// with a callback list. A peer without native connections replies itself,
// without arguments.
func (p *Process) ExecuteOnNatives(ns, fn string, args []interface{}, cb callback.Func) error {
	if args == nil {
		args = []interface{}{}
	}
	return p.node.execute(p.id, dispatch.NamespaceInterprocess, FuncExecuteOnNatives,
		[]interface{}{ns, fn, args}, cb, nil)
}

// executeOnNativeConnections serves ExecuteOnNatives. Arguments are
// [ns, func, args]. The callback list is published before the packets are
// written, so it precedes every client reply on the bus.
func (n *Node) executeOnNativeConnections(call *dispatch.Call) error {
	var (
		ns, fn string
		args   []json.RawMessage
	)
	if err := call.Arg(0, &ns); err != nil {
		return err
	}
	if err := call.Arg(1, &fn); err != nil {
		return err
	}
	if err := call.Arg(2, &args); err != nil {
		return err
	}

	n.l.Lock()
	natives := n.conns.Natives()
	n.l.Unlock()
	if len(natives) == 0 {
		if call.Reply != nil {
			call.Reply()
		}
		return nil
	}

	origin := call.Executor.ID()
	msg := &dispatch.Message{NS: ns, Func: fn, Args: args, CallBack: call.Message.CallBack}
	if msg.CallBack != "" {
		ids := make([]string, len(natives))
		for i, nat := range natives {
			ids[i] = nat.ID()
		}
		if err := n.SendCallbackList(origin, msg.CallBack, ids); err != nil {
			return errors.Wrap(err, "cannot announce callback connections")
		}
	}
	raw, err := dispatch.ClientPacket(origin, msg)
	if err != nil {
		return errors.Wrap(err, "cannot encode client packet")
	}
	var firstErr error
	for _, nat := range natives {
		if err := nat.Write(raw); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "cannot write to connection %q", nat.ID())
		}
	}
	return firstErr
}
