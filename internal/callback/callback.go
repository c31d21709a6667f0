// Package callback correlates cross-process calls with their replies.
//
// A caller registers a pending callback under a generated id and ships the id
// with the call. The reply carries the id back and resolves the pending
// callback exactly once. A callback that is evicted before a reply arrives
// runs its eviction function instead, if it has one. Registry is not safe for
// concurrent use; the router serializes access to it.
package callback

import (
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Func is invoked with the id of the replying process or connection and the
// reply arguments.
type Func func(sender string, args []json.RawMessage)

// EvictFunc is invoked instead of Func when the callback is dropped unanswered.
type EvictFunc func(err error)

var (
	ErrStale            = errors.New("no pending callback with this id")
	ErrUnexpectedSender = errors.New("sender not accepted for callback")
	ErrExpired          = errors.New("callback expired")
)

// NewID returns a random url-safe id. It never contains the envelope
// token separator ':'.
func NewID() string {
	id := uuid.New()
	var buf strings.Builder
	enc := base64.NewEncoder(base64.RawURLEncoding, &buf)
	n, err := enc.Write(id[:])
	if err != nil {
		panic(err)
	} else if n != len(id) {
		panic(n)
	}
	if err := enc.Close(); err != nil {
		panic(err)
	}
	return buf.String()
}

type Pending struct {
	ID     string
	Origin string
	// empty accepts any sender
	accept  map[string]struct{}
	fn      Func
	evict   EvictFunc
	created time.Time
}

// Evict runs the eviction function of p, if any. The caller must have
// removed p from its registry first.
func (p *Pending) Evict(err error) {
	if p.evict != nil {
		p.evict(err)
	}
}

func (p *Pending) Accepts(sender string) bool {
	if len(p.accept) == 0 {
		return true
	}
	_, ok := p.accept[sender]
	return ok
}

func (p *Pending) Accepted() []string {
	ret := make([]string, 0, len(p.accept))
	for s := range p.accept {
		ret = append(ret, s)
	}
	sort.Strings(ret)
	return ret
}

type Registry struct {
	pending map[string]*Pending
	newID   func() string
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[string]*Pending),
		newID:   NewID,
		now:     time.Now,
	}
}

// Register stores fn under a fresh id and returns the id.
// origin is the local process id, accept the initial set of senders
// whose replies resolve the callback.
func (r *Registry) Register(origin string, accept []string, fn Func) string {
	return r.RegisterEvictable(origin, accept, fn, nil)
}

// RegisterEvictable is Register with an eviction function that runs if the
// callback is expired or dropped before a reply resolves it.
func (r *Registry) RegisterEvictable(origin string, accept []string, fn Func, evict EvictFunc) string {
	id := r.newID()
	for _, exists := r.pending[id]; exists; _, exists = r.pending[id] {
		id = r.newID()
	}
	p := &Pending{
		ID:      id,
		Origin:  origin,
		accept:  make(map[string]struct{}, len(accept)),
		fn:      fn,
		evict:   evict,
		created: r.now(),
	}
	for _, a := range accept {
		p.accept[a] = struct{}{}
	}
	r.pending[id] = p
	return id
}

// AddConnections extends the acceptance set of callback id.
func (r *Registry) AddConnections(id string, senders []string) error {
	p, ok := r.pending[id]
	if !ok {
		return errors.Wrapf(ErrStale, "callback %q", id)
	}
	for _, s := range senders {
		p.accept[s] = struct{}{}
	}
	return nil
}

// Take removes the pending callback id and returns its function.
// A reply from a sender outside the acceptance set leaves the callback pending.
func (r *Registry) Take(id, sender string) (Func, error) {
	p, ok := r.pending[id]
	if !ok {
		return nil, errors.Wrapf(ErrStale, "callback %q", id)
	}
	if !p.Accepts(sender) {
		return nil, errors.Wrapf(ErrUnexpectedSender, "callback %q, sender %q", id, sender)
	}
	delete(r.pending, id)
	return p.fn, nil
}

func (r *Registry) Get(id string) (*Pending, bool) {
	p, ok := r.pending[id]
	return p, ok
}

// Expire removes all callbacks registered more than maxAge ago and returns
// them. The caller is expected to Evict them.
func (r *Registry) Expire(maxAge time.Duration) []*Pending {
	deadline := r.now().Add(-maxAge)
	return r.removeIf(func(p *Pending) bool { return p.created.Before(deadline) })
}

// DropAccepting removes and returns every callback that names sender in its
// acceptance set. Callbacks accepting any sender are kept.
func (r *Registry) DropAccepting(sender string) []*Pending {
	return r.removeIf(func(p *Pending) bool {
		_, ok := p.accept[sender]
		return ok
	})
}

func (r *Registry) removeIf(pred func(*Pending) bool) []*Pending {
	var removed []*Pending
	for id, p := range r.pending {
		if pred(p) {
			removed = append(removed, p)
			delete(r.pending, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	return removed
}

func (r *Registry) Len() int { return len(r.pending) }
