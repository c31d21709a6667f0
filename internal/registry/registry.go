// Package registry tracks the identity of the local process and the set of
// peer processes in the fleet.
//
// Register must complete before the peer methods are used. The peer methods
// are not safe for concurrent use; the router serializes access to them.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/bus"
	"github.com/zrepl/procmesh/internal/directory"
	"github.com/zrepl/procmesh/internal/envelope"
	"github.com/zrepl/procmesh/internal/logger"
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

// IDLength is the length of every ProcessID.
// Client messages carry the owner id at a fixed offset of this length.
const IDLength = 8

// NewProcessID returns a random alphanumeric id of length IDLength.
func NewProcessID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:IDLength])
}

type State int

const (
	Unregistered State = iota
	Registering
	Active
	Deregistered
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registering:
		return "registering"
	case Active:
		return "active"
	case Deregistered:
		return "deregistered"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrIdentityCollision = errors.New("process id already registered")
	ErrUnknownPeer       = errors.New("unknown peer process")
)

// RegistrationFailed is returned by Register once the attempt budget is
// exhausted. The process must not start without an identity.
type RegistrationFailed struct {
	Attempts int
	Last     error
}

func (e *RegistrationFailed) Error() string {
	return fmt.Sprintf("registration failed after %d attempt(s): %s", e.Attempts, e.Last)
}

func (e *RegistrationFailed) Cause() error { return e.Last }

type Config struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	// Timeout bounds each directory request.
	Timeout time.Duration
}

type Peer struct {
	ID string
}

type Registry struct {
	dir   directory.Directory
	pub   bus.Publisher
	conf  Config
	newID func() string

	state State
	self  string
	peers map[string]Peer
}

func New(dir directory.Directory, pub bus.Publisher, conf Config) *Registry {
	return &Registry{
		dir:   dir,
		pub:   pub,
		conf:  conf,
		newID: NewProcessID,
		peers: make(map[string]Peer),
	}
}

func (r *Registry) State() State { return r.state }

// Self returns the committed id of the local process, or "" before Register succeeded.
func (r *Registry) Self() string { return r.self }

// Register claims a unique process id in the directory and announces it on
// PRC:NEW. Identity collisions are retried with a fresh id, directory errors
// are retried with exponential backoff. Both count against the attempt budget.
func (r *Registry) Register(ctx context.Context) (string, error) {
	log := getLogger(ctx)
	if r.state != Unregistered {
		return "", errors.Errorf("cannot register in state %s", r.state)
	}
	r.state = Registering

	backoff := r.conf.Backoff
	var last error
	for attempt := 1; attempt <= r.conf.MaxAttempts; attempt++ {
		id := r.newID()
		l := log.WithField("attempt", attempt).WithField("candidate", id)

		reqCtx, cancel := context.WithTimeout(ctx, r.conf.Timeout)
		added, err := r.dir.AddProcessIfAbsent(reqCtx, id)
		cancel()

		if err == nil && !added {
			last = errors.Wrapf(ErrIdentityCollision, "candidate %q", id)
			l.Info("process id already taken, retrying with a new one")
			continue
		}
		if err == nil {
			r.self = id
			r.state = Active
			l.Info("registered process")
			if err := r.pub.Publish(envelope.ChannelProcessJoin, []byte(id)); err != nil {
				// peers still learn about us from the directory
				l.WithError(err).Warn("cannot announce join")
			}
			return id, nil
		}

		last = errors.Wrap(err, "directory unavailable")
		l.WithError(err).WithField("backoff", backoff).Warn("registration attempt failed")
		select {
		case <-ctx.Done():
			r.state = Unregistered
			return "", &RegistrationFailed{Attempts: attempt, Last: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.conf.MaxBackoff {
			backoff = r.conf.MaxBackoff
		}
	}
	r.state = Unregistered
	return "", &RegistrationFailed{Attempts: r.conf.MaxAttempts, Last: last}
}

// Deregister removes the local process from the directory and announces the
// departure on PRC:DEL.
func (r *Registry) Deregister(ctx context.Context) error {
	if r.state != Active {
		return nil
	}
	r.state = Deregistered
	ctx, cancel := context.WithTimeout(ctx, r.conf.Timeout)
	defer cancel()
	err := r.dir.RemoveProcess(ctx, r.self)
	if perr := r.pub.Publish(envelope.ChannelProcessLeave, []byte(r.self)); err == nil {
		err = perr
	}
	return errors.Wrap(err, "deregister")
}

// FetchPeers lists the processes currently in the directory, except self.
// It does not modify the peer set.
func (r *Registry) FetchPeers(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.conf.Timeout)
	defer cancel()
	ids, err := r.dir.ListProcesses(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "cannot list processes")
	}
	ret := ids[:0]
	for _, id := range ids {
		if id != r.self {
			ret = append(ret, id)
		}
	}
	return ret, nil
}

// OnPeerJoin inserts id into the peer set and reports whether it was new.
// The local process is never its own peer.
func (r *Registry) OnPeerJoin(id string) bool {
	if id == r.self || id == "" {
		return false
	}
	_, known := r.peers[id]
	r.peers[id] = Peer{ID: id}
	return !known
}

// OnPeerLeave removes id from the peer set and reports whether it was known.
func (r *Registry) OnPeerLeave(id string) bool {
	_, known := r.peers[id]
	delete(r.peers, id)
	return known
}

func (r *Registry) Process(id string) (Peer, error) {
	p, ok := r.peers[id]
	if !ok {
		return Peer{}, errors.Wrapf(ErrUnknownPeer, "process %q", id)
	}
	return p, nil
}

func (r *Registry) Peers() []string {
	ret := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret
}
