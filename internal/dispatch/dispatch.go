// Package dispatch is the function-dispatch layer: a registry of named,
// remotely callable functions grouped in namespaces.
package dispatch

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zrepl/procmesh/internal/callback"
	"github.com/zrepl/procmesh/internal/envelope"
	"github.com/zrepl/procmesh/internal/logger"
)

type Logger = logger.Logger

const (
	NamespaceCore         = "core"
	NamespaceInternal     = callback.NamespaceInternal
	NamespaceInterprocess = "interprocess"
)

// Executor is whoever a function runs on behalf of: a native or symbolic
// connection, an ownerless stub, or a peer process.
type Executor interface {
	ID() string
}

// Writer is implemented by executors that can receive client messages.
type Writer interface {
	Executor
	Write(payload []byte) error
}

// Message is a function call as it arrives from a client or a peer.
type Message struct {
	NS       string            `json:"ns,omitempty"`
	Func     string            `json:"func,omitempty"`
	Internal string            `json:"internal,omitempty"`
	Args     []json.RawMessage `json:"args,omitempty"`
	CallBack string            `json:"callBack,omitempty"`
	Owner    string            `json:"owner,omitempty"`
	Sender   string            `json:"sender,omitempty"`
}

// Normalize maps the internal shorthand to namespace internal and fills in
// the default namespace.
func (m *Message) Normalize() error {
	if m.Func == "" && m.Internal != "" {
		m.NS = NamespaceInternal
		m.Func = m.Internal
	}
	if m.Func == "" {
		return errors.Wrap(envelope.ErrMalformed, "message without func")
	}
	if m.NS == "" {
		m.NS = NamespaceCore
	}
	return nil
}

type ReplyFunc func(args ...interface{})

// CallbackFactory builds the reply function for a message that expects a
// reply under callbackID.
type CallbackFactory func(callbackID string) ReplyFunc

type Call struct {
	Executor Executor
	Message  *Message
	// Reply is nil if the caller expects no reply. It is safe to call more
	// than once; only the first call has an effect.
	Reply ReplyFunc
}

// Arg decodes argument i into v.
func (c *Call) Arg(i int, v interface{}) error {
	if i >= len(c.Message.Args) {
		return errors.Errorf("%s.%s: missing argument %d", c.Message.NS, c.Message.Func, i)
	}
	if err := json.Unmarshal(c.Message.Args[i], v); err != nil {
		return errors.Wrapf(err, "%s.%s: argument %d", c.Message.NS, c.Message.Func, i)
	}
	return nil
}

type Func func(call *Call) error

// Callbacks resolves replies to calls issued by this process.
type Callbacks interface {
	AddCallbackConnections(callbackID string, connIDs []string) error
	ResolveCallback(callbackID, sender string, args []json.RawMessage) error
}

var (
	ErrUnknownFunction = errors.New("unknown function")
	ErrNoCallbacks     = errors.New("no callback resolver bound")
)

var prom struct {
	calls *prometheus.CounterVec
}

func init() {
	prom.calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procmesh",
		Subsystem: "dispatch",
		Name:      "calls",
		Help:      "number of function calls by namespace and outcome",
	}, []string{"ns", "outcome"})
}

func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(prom.calls)
}

type Functions struct {
	log Logger

	mtx       sync.RWMutex
	fns       map[string]map[string]Func
	callbacks Callbacks
	self      string
}

func NewFunctions(log Logger) *Functions {
	f := &Functions{
		log: log,
		fns: make(map[string]map[string]Func),
	}
	f.Register(NamespaceInternal, callback.FuncCallItBack, f.callItBack)
	return f
}

// BindCallbacks connects the callback resolver and the local process id used
// to address replies to clients.
func (f *Functions) BindCallbacks(cb Callbacks, self string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.callbacks = cb
	f.self = self
}

func (f *Functions) Register(ns, name string, fn Func) {
	if ns == "" {
		ns = NamespaceCore
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.fns[ns] == nil {
		f.fns[ns] = make(map[string]Func)
	}
	f.fns[ns][name] = fn
}

func (f *Functions) lookup(ns, name string) (Func, Callbacks, string) {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	return f.fns[ns][name], f.callbacks, f.self
}

// ExecuteFunction runs the function named by msg on behalf of executor.
// If msg expects a reply, the reply function comes from factory, or, if
// factory is nil, writes a callItBack message to the executor.
func (f *Functions) ExecuteFunction(executor Executor, msg *Message, factory CallbackFactory) error {
	if err := msg.Normalize(); err != nil {
		prom.calls.WithLabelValues("", "malformed").Inc()
		return err
	}
	fn, _, self := f.lookup(msg.NS, msg.Func)
	if fn == nil {
		prom.calls.WithLabelValues(msg.NS, "unknown").Inc()
		return errors.Wrapf(ErrUnknownFunction, "%s.%s", msg.NS, msg.Func)
	}

	call := &Call{Executor: executor, Message: msg}
	if msg.CallBack != "" {
		var reply ReplyFunc
		if factory != nil {
			reply = factory(msg.CallBack)
		} else if w, ok := executor.(Writer); ok {
			reply = clientReply(w, self, msg.CallBack, f.log)
		}
		if reply != nil {
			var once sync.Once
			call.Reply = func(args ...interface{}) {
				once.Do(func() { reply(args...) })
			}
		}
	}

	if err := fn(call); err != nil {
		prom.calls.WithLabelValues(msg.NS, "error").Inc()
		return errors.Wrapf(err, "%s.%s", msg.NS, msg.Func)
	}
	prom.calls.WithLabelValues(msg.NS, "ok").Inc()
	return nil
}

func (f *Functions) AddCallbackConnections(callbackID string, connIDs []string) error {
	_, cb, _ := f.lookup("", "")
	if cb == nil {
		return ErrNoCallbacks
	}
	return cb.AddCallbackConnections(callbackID, connIDs)
}

func (f *Functions) callItBack(call *Call) error {
	id, args, err := callback.DecodeReplyArgs(call.Message.Args)
	if err != nil {
		return err
	}
	_, cb, _ := f.lookup("", "")
	if cb == nil {
		return ErrNoCallbacks
	}
	return cb.ResolveCallback(id, call.Executor.ID(), args)
}

// ClientPacket encodes msg the way clients expect it: ["<owner>", {...}].
func ClientPacket(owner string, msg *Message) ([]byte, error) {
	return json.Marshal([]interface{}{owner, msg})
}

func clientReply(w Writer, self, id string, log Logger) ReplyFunc {
	return func(args ...interface{}) {
		if args == nil {
			args = []interface{}{}
		}
		raw, err := json.Marshal([]interface{}{id, args})
		if err == nil {
			var rawArgs []json.RawMessage
			if err = json.Unmarshal(raw, &rawArgs); err == nil {
				raw, err = ClientPacket(self, &Message{NS: NamespaceInternal, Func: callback.FuncCallItBack, Args: rawArgs})
			}
		}
		if err != nil {
			log.WithError(err).WithField("callback", id).Error("cannot encode client reply")
			return
		}
		if err := w.Write(raw); err != nil {
			log.WithError(err).WithField("conn", w.ID()).Warn("cannot write client reply")
		}
	}
}
