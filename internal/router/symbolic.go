package router

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/conn"
	"github.com/zrepl/procmesh/internal/dispatch"
	"github.com/zrepl/procmesh/internal/envelope"
)

const (
	FuncRequestSymbolicData      = "requestSymbolicData"
	FuncCreateSymbolicConnection = "createSymbolicConnection"
)

func symbolicRouteName(connID string) string { return "symbolic:" + connID }
func nativeRouteName(connID string) string   { return "native:" + connID }

func runHooks(hooks []func(*conn.Symbolic), s *conn.Symbolic) {
	for _, h := range hooks {
		h(s)
	}
}

// insertSymbolic adds a proxy for connID owned by owner unless the table
// already has one for that owner or holds the native connection.
func (n *Node) insertSymbolic(connID, owner string, data conn.Data) conn.Connection {
	var (
		s        *conn.Symbolic
		replaced *conn.Symbolic
		hooks    []func(*conn.Symbolic)
		closing  []func(*conn.Symbolic)
	)
	n.l.Lock()
	if existing, ok := n.conns.Get(connID); ok {
		if _, native := existing.(*conn.Native); native || existing.Owner() == owner {
			n.l.Unlock()
			return existing
		}
		if old, ok := existing.(*conn.Symbolic); ok && n.removeSymbolicLocked(old) {
			replaced = old
		}
	}
	s = conn.NewSymbolic(connID, owner, data, n.bus, n.closeSymbolic)
	n.conns.Insert(s)
	if err := n.routes.Add(symbolicRouteName(connID), envelope.SymbolicDeleteChannel(connID), n.counted("symdelete", n.handleSymbolicDelete)); err != nil {
		n.log.WithError(err).WithField("conn", connID).Warn("cannot subscribe symbolic delete channel")
	}
	n.updateGauges()
	hooks, closing = n.symInit, n.symClose
	n.l.Unlock()

	n.log.WithField("conn", connID).WithField("owner", owner).Debug("added symbolic connection")
	if replaced != nil {
		runHooks(closing, replaced)
	}
	runHooks(hooks, s)
	return s
}

// removeSymbolicLocked must be called with n.l held.
func (n *Node) removeSymbolicLocked(s *conn.Symbolic) bool {
	if !n.conns.RemoveIf(s) {
		return false
	}
	if err := n.routes.Remove(symbolicRouteName(s.ID())); err != nil {
		n.log.WithError(err).WithField("conn", s.ID()).Warn("cannot unsubscribe symbolic delete channel")
	}
	return true
}

func (n *Node) removeSymbolic(connID string) {
	n.l.Lock()
	s, ok := n.conns.Symbolic(connID)
	removed := ok && n.removeSymbolicLocked(s)
	n.updateGauges()
	hooks := n.symClose
	n.l.Unlock()
	if removed {
		n.log.WithField("conn", connID).Debug("removed symbolic connection")
		runHooks(hooks, s)
	}
}

// closeSymbolic backs conn.Symbolic.CloseConnection.
func (n *Node) closeSymbolic(s *conn.Symbolic) {
	n.l.Lock()
	removed := n.removeSymbolicLocked(s)
	n.updateGauges()
	hooks := n.symClose
	n.l.Unlock()
	if removed {
		runHooks(hooks, s)
	}
}

// GenerateSymbolic obtains a connection object for connID. If the connection is
// not yet known locally, its owner is looked up in the directory and asked for
// the connection data. cb runs exactly once, on a separate goroutine if a
// network round-trip was needed. It fails with an error wrapping
// registry.ErrUnknownPeer if the owner is not a live peer or leaves before
// replying, and with callback.ErrExpired if the owner does not reply in time.
func (n *Node) GenerateSymbolic(connID string, cb func(conn.Connection, error)) {
	if c, ok := n.Connection(connID); ok {
		cb(c, nil)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.conf.DirectoryTimeout)
		guard, err := n.lookups.Acquire(ctx)
		if err != nil {
			cancel()
			cb(nil, errors.Wrapf(err, "too many pending lookups for connection %q", connID))
			return
		}
		owner, err := n.dir.ConnectionOwner(ctx, connID)
		guard.Release()
		cancel()
		if err != nil {
			cb(nil, errors.Wrapf(err, "cannot look up owner of connection %q", connID))
			return
		}
		if owner == n.self {
			cb(nil, errors.Errorf("connection %q is registered to this process but not attached", connID))
			return
		}
		err = n.execute(owner, dispatch.NamespaceInterprocess, FuncRequestSymbolicData, []interface{}{connID},
			func(sender string, args []json.RawMessage) {
				data, err := decodeSymbolicData(args)
				if err != nil {
					cb(nil, errors.Wrapf(err, "process %s", owner))
					return
				}
				cb(n.insertSymbolic(connID, owner, data), nil)
			},
			func(err error) {
				cb(nil, errors.Wrapf(err, "cannot obtain connection %q", connID))
			})
		if err != nil {
			cb(nil, errors.Wrapf(err, "cannot obtain connection %q", connID))
		}
	}()
}

// decodeRemoteError decodes the leading error argument of a reply. null and ""
// mean success.
func decodeRemoteError(args []json.RawMessage) error {
	if len(args) == 0 {
		return nil
	}
	var remoteErr *string
	if err := json.Unmarshal(args[0], &remoteErr); err != nil {
		return errors.Wrap(envelope.ErrMalformed, "invalid error in reply")
	}
	if remoteErr != nil && *remoteErr != "" {
		return errors.New(*remoteErr)
	}
	return nil
}

// decodeSymbolicData decodes the reply [err, connectionData] of requestSymbolicData.
func decodeSymbolicData(args []json.RawMessage) (conn.Data, error) {
	if err := decodeRemoteError(args); err != nil {
		return nil, err
	}
	var data conn.Data
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &data); err != nil {
			return nil, errors.Wrap(envelope.ErrMalformed, "invalid connection data in symbolic data reply")
		}
	}
	return data, nil
}

// requestSymbolicData runs on the owner of a connection. It records the calling
// process as symbolic owner and replies with [err, connectionData].
func (n *Node) requestSymbolicData(call *dispatch.Call) error {
	var connID string
	if err := call.Arg(0, &connID); err != nil {
		return err
	}
	n.l.Lock()
	nat, ok := n.conns.Native(connID)
	n.l.Unlock()
	if !ok {
		if call.Reply != nil {
			call.Reply("unknown connection "+connID, nil)
		}
		return errors.Errorf("no native connection %q", connID)
	}
	nat.AddSymbolicOwner(call.Executor.ID())
	if call.Reply != nil {
		call.Reply(nil, nat.ConnectionData())
	}
	return nil
}

// createSymbolicConnection lets a peer push a symbolic connection with an
// acknowledgement. Arguments are [connId, owner, connectionData], the reply
// is [err].
func (n *Node) createSymbolicConnection(call *dispatch.Call) error {
	err := n.doCreateSymbolicConnection(call)
	if call.Reply != nil {
		if err != nil {
			call.Reply(err.Error())
		} else {
			call.Reply(nil)
		}
	}
	return err
}

func (n *Node) doCreateSymbolicConnection(call *dispatch.Call) error {
	var (
		connID, owner string
		data          conn.Data
	)
	if err := call.Arg(0, &connID); err != nil {
		return err
	}
	if err := call.Arg(1, &owner); err != nil {
		return err
	}
	if len(call.Message.Args) > 2 {
		if err := call.Arg(2, &data); err != nil {
			return err
		}
	}
	if connID == "" || owner == "" {
		return errors.Wrap(envelope.ErrMalformed, "symbolic connection without id or owner")
	}
	n.insertSymbolic(connID, owner, data)
	return nil
}

// SymbolicConnections returns the ids of all symbolic connections, sorted.
func (n *Node) SymbolicConnections() []string {
	defer n.l.Lock().Unlock()
	syms := n.conns.Symbolics()
	ids := make([]string, len(syms))
	for i, s := range syms {
		ids[i] = s.ID()
	}
	return ids
}
