// Package conn models client connections: Native ones whose socket this
// process owns, Symbolic proxies for connections owned by a peer, and
// ownerless stubs for connections nobody here knows about.
//
// Code outside the router must not distinguish variants except via Owner.
package conn

import (
	"sort"
	"sync"

	"github.com/jinzhu/copier"
	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/bus"
	"github.com/zrepl/procmesh/internal/envelope"
)

// Data is the connection data snapshot shared with processes holding a
// symbolic proxy of the connection.
type Data map[string]interface{}

// Clone returns a deep copy of d.
func (d Data) Clone() Data {
	if d == nil {
		return Data{}
	}
	var out Data
	if err := copier.CopyWithOption(&out, &d, copier.Option{DeepCopy: true}); err != nil {
		panic(err) // copying a map into a map of the same type cannot fail
	}
	return out
}

type Connection interface {
	ID() string
	// Owner is the process holding the socket, "" for a stub.
	Owner() string
	Write(payload []byte) error
	ConnectionData() Data
}

// Session is the socket layer's view of a client connection.
type Session interface {
	ID() string
	Write(payload []byte) error
	Close() error
}

var ErrNoSocket = errors.New("connection has no reachable socket")

type Native struct {
	session Session
	owner   string

	mtx            sync.Mutex
	data           Data
	symbolicOwners map[string]struct{}
}

var _ Connection = (*Native)(nil)

func NewNative(owner string, s Session, data Data) *Native {
	return &Native{
		session:        s,
		owner:          owner,
		data:           data.Clone(),
		symbolicOwners: make(map[string]struct{}),
	}
}

func (n *Native) ID() string                 { return n.session.ID() }
func (n *Native) Owner() string              { return n.owner }
func (n *Native) Write(payload []byte) error { return n.session.Write(payload) }
func (n *Native) Close() error               { return n.session.Close() }

func (n *Native) ConnectionData() Data {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.data.Clone()
}

func (n *Native) UpdateDataAttribute(key string, value interface{}) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.data[key] = value
}

// AddSymbolicOwner records that process holds a symbolic proxy of n.
func (n *Native) AddSymbolicOwner(process string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.symbolicOwners[process] = struct{}{}
}

func (n *Native) RemoveSymbolicOwner(process string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	delete(n.symbolicOwners, process)
}

func (n *Native) SymbolicOwners() []string {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	ret := make([]string, 0, len(n.symbolicOwners))
	for p := range n.symbolicOwners {
		ret = append(ret, p)
	}
	sort.Strings(ret)
	return ret
}

type Symbolic struct {
	id    string
	owner string
	pub   bus.Publisher
	close func(*Symbolic)

	mtx  sync.Mutex
	data Data
}

var _ Connection = (*Symbolic)(nil)

// NewSymbolic creates a proxy for connection id owned by process owner.
// onClose is called by CloseConnection and must remove the proxy from the
// connection table.
func NewSymbolic(id, owner string, data Data, pub bus.Publisher, onClose func(*Symbolic)) *Symbolic {
	return &Symbolic{
		id:    id,
		owner: owner,
		pub:   pub,
		close: onClose,
		data:  data.Clone(),
	}
}

func (s *Symbolic) ID() string    { return s.id }
func (s *Symbolic) Owner() string { return s.owner }

// Write publishes payload to NTV:<id>:MSG, where the owner picks it up and
// writes it to the socket.
func (s *Symbolic) Write(payload []byte) error {
	return s.pub.Publish(envelope.NativeMessageChannel(s.id), payload)
}

func (s *Symbolic) ConnectionData() Data {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.data.Clone()
}

// UpdateDataAttribute changes the local snapshot only. The owner is not told.
func (s *Symbolic) UpdateDataAttribute(key string, value interface{}) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.data[key] = value
}

// CloseConnection drops the proxy locally. The owner is not notified.
func (s *Symbolic) CloseConnection() {
	if s.close != nil {
		s.close(s)
	}
}

// Stub stands in for a connection id that is not in the table, e.g. the sender
// of a forwarded message whose connection was never announced here.
type Stub struct {
	id string
}

var _ Connection = Stub{}

func NewStub(id string) Stub { return Stub{id} }

func (s Stub) ID() string                 { return s.id }
func (s Stub) Owner() string              { return "" }
func (s Stub) Write(payload []byte) error { return errors.Wrapf(ErrNoSocket, "connection %q", s.id) }
func (s Stub) ConnectionData() Data       { return nil }
