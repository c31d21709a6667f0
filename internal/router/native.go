package router

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/conn"
	"github.com/zrepl/procmesh/internal/envelope"
)

// AttachNative adds a client session owned by this process. The node
// subscribes NTV:<id>:MSG for it and records this process as the owner in the
// directory so peers can generate symbolic connections.
func (n *Node) AttachNative(ctx context.Context, s conn.Session, data conn.Data) (*conn.Native, error) {
	nat := conn.NewNative(n.self, s, data)
	id := nat.ID()

	n.l.Lock()
	var replaced *conn.Symbolic
	if old, ok := n.conns.Symbolic(id); ok && n.removeSymbolicLocked(old) {
		replaced = old
	}
	if _, ok := n.conns.Get(id); ok {
		n.l.Unlock()
		return nil, errors.Errorf("connection %q already attached", id)
	}
	n.conns.Insert(nat)
	err := n.routes.Add(nativeRouteName(id), envelope.NativeMessageChannel(id), n.counted(envelope.KindMessage, n.handleNativeMessage))
	if err != nil {
		n.conns.RemoveIf(nat)
	}
	n.updateGauges()
	closing := n.symClose
	n.l.Unlock()

	if replaced != nil {
		runHooks(closing, replaced)
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, n.conf.DirectoryTimeout)
	defer cancel()
	if err := n.dir.SetConnectionOwner(ctx, id, n.self); err != nil {
		n.log.WithError(err).WithField("conn", id).Warn("cannot record connection owner, peers cannot generate symbolic connections for it")
	}
	n.log.WithField("conn", id).Debug("attached native connection")
	return nat, nil
}

// DetachNative removes a closed client session. Every process holding a
// symbolic proxy of it is told via PRC:<p>:SYMDEL, and SYM:<id>:DEL is
// broadcast for everyone else.
func (n *Node) DetachNative(ctx context.Context, id string) {
	n.l.Lock()
	nat, ok := n.conns.Native(id)
	if !ok {
		n.l.Unlock()
		return
	}
	n.conns.RemoveIf(nat)
	if err := n.routes.Remove(nativeRouteName(id)); err != nil {
		n.log.WithError(err).WithField("conn", id).Warn("cannot unsubscribe native message channel")
	}
	n.updateGauges()
	n.l.Unlock()

	ctx, cancel := context.WithTimeout(ctx, n.conf.DirectoryTimeout)
	defer cancel()
	if err := n.dir.RemoveConnectionOwner(ctx, id); err != nil {
		n.log.WithError(err).WithField("conn", id).Warn("cannot remove connection owner")
	}
	for _, p := range nat.SymbolicOwners() {
		if err := n.bus.Publish(envelope.ProcessChannel(p, envelope.KindSymbolicDel), []byte(id)); err != nil {
			n.log.WithError(err).WithField("conn", id).WithField("peer", p).Warn("cannot notify symbolic owner")
		}
	}
	if err := n.bus.Publish(envelope.SymbolicDeleteChannel(id), []byte(id)); err != nil {
		n.log.WithError(err).WithField("conn", id).Warn("cannot broadcast symbolic delete")
	}
	n.log.WithField("conn", id).Debug("detached native connection")
}
