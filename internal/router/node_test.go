package router

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zrepl/procmesh/internal/bus"
	"github.com/zrepl/procmesh/internal/callback"
	"github.com/zrepl/procmesh/internal/conn"
	"github.com/zrepl/procmesh/internal/directory"
	"github.com/zrepl/procmesh/internal/dispatch"
	"github.com/zrepl/procmesh/internal/envelope"
	"github.com/zrepl/procmesh/internal/logger"
	"github.com/zrepl/procmesh/internal/registry"
	"github.com/zrepl/procmesh/internal/route"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type published struct {
	channel string
	payload string
}

type hubRecorder struct {
	mtx  sync.Mutex
	msgs []published
}

func (r *hubRecorder) observe(m bus.Message) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.msgs = append(r.msgs, published{m.Channel, string(m.Payload)})
}

func (r *hubRecorder) reset() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.msgs = nil
}

func (r *hubRecorder) get() []published {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]published(nil), r.msgs...)
}

func (r *hubRecorder) on(channel string) []published {
	var ret []published
	for _, m := range r.get() {
		if m.channel == channel {
			ret = append(ret, m)
		}
	}
	return ret
}

type testSession struct {
	id      string
	mtx     sync.Mutex
	written []string
}

func (s *testSession) ID() string { return s.id }

func (s *testSession) Write(p []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.written = append(s.written, string(p))
	return nil
}

func (s *testSession) Close() error { return nil }

func (s *testSession) get() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]string(nil), s.written...)
}

type mesh struct {
	t   *testing.T
	hub *bus.Hub
	dir *directory.Memory
	rec *hubRecorder
}

func newMesh(t *testing.T) *mesh {
	m := &mesh{t: t, hub: bus.NewHub(), dir: directory.NewMemory(), rec: &hubRecorder{}}
	m.hub.Observe(m.rec.observe)
	return m
}

type testNode struct {
	*Node
	fns *dispatch.Functions
	ctx context.Context
}

func (m *mesh) node() *testNode {
	return m.nodeWith(nil)
}

// nodeWith starts a node whose config is adjusted by tweak before NewNode.
func (m *mesh) nodeWith(tweak func(*Config)) *testNode {
	t := m.t
	log := logger.NewTestLogger(t)
	ctx := WithLogger(context.Background(), log)
	ctx = registry.WithLogger(ctx, log)
	ctx, cancel := context.WithCancel(ctx)

	b := m.hub.Connect()
	reg := registry.New(m.dir, b, registry.Config{
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		MaxBackoff:  time.Millisecond,
		Timeout:     time.Second,
	})
	_, err := reg.Register(ctx)
	require.NoError(t, err)

	fns := dispatch.NewFunctions(log)
	conf := Config{
		Bus:              b,
		Registry:         reg,
		Directory:        m.dir,
		Dispatcher:       fns,
		DirectoryTimeout: time.Second,
	}
	if tweak != nil {
		tweak(&conf)
	}
	n, err := NewNode(ctx, conf)
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		b.Close()
		<-done
	})
	return &testNode{n, fns, ctx}
}

func (n *testNode) pending() int {
	defer n.l.Lock().Unlock()
	return n.callbacks.Len()
}

func (n *testNode) attach(t *testing.T, id string, data conn.Data) (*conn.Native, *testSession) {
	s := &testSession{id: id}
	nat, err := n.AttachNative(n.ctx, s, data)
	require.NoError(t, err)
	return nat, s
}

func clientMessage(owner, body string) []byte {
	return []byte(`["` + owner + `",` + body + `]`)
}

func TestExecuteEndToEnd(t *testing.T) {
	m := newMesh(t)
	a := m.node()
	b := m.node()
	a.attach(t, "c1", nil)

	a.fns.Register(dispatch.NamespaceInterprocess, "ping", func(call *dispatch.Call) error {
		var s string
		if err := call.Arg(0, &s); err != nil {
			return err
		}
		call.Reply("pong " + s)
		return nil
	})

	pa, err := b.Process(a.Self())
	require.NoError(t, err)

	var (
		mtx     sync.Mutex
		replies [][]json.RawMessage
		senders []string
	)
	m.rec.reset()
	err = pa.Execute("ping", []interface{}{"hello"}, func(sender string, args []json.RawMessage) {
		mtx.Lock()
		defer mtx.Unlock()
		replies = append(replies, args)
		senders = append(senders, sender)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return len(replies) == 1
	}, waitFor, tick)

	exec := m.rec.on(envelope.ProcessChannel(a.Self(), envelope.KindExec))
	require.Len(t, exec, 1)
	assert.Contains(t, exec[0].payload, `"func":"ping"`)
	assert.Contains(t, exec[0].payload, `"args":["hello"]`)
	assert.Contains(t, exec[0].payload, `"owner":"`+b.Self()+`"`)

	ipccb := m.rec.on(envelope.ProcessChannel(b.Self(), envelope.KindIPCCallback))
	require.Len(t, ipccb, 1)

	mtx.Lock()
	assert.Equal(t, []string{a.Self()}, senders)
	require.Len(t, replies[0], 1)
	assert.JSONEq(t, `"pong hello"`, string(replies[0][0]))
	mtx.Unlock()
	assert.Equal(t, 0, b.pending())

	// a duplicate reply has no observable effect
	require.NoError(t, a.Publish(ipccb[0].channel, []byte(ipccb[0].payload)))
	require.NoError(t, a.Publish(ipccb[0].channel, []byte(ipccb[0].payload)))
	time.Sleep(50 * time.Millisecond)
	mtx.Lock()
	assert.Len(t, replies, 1)
	mtx.Unlock()
}

func TestUnknownPeer(t *testing.T) {
	m := newMesh(t)
	a := m.node()
	_, err := a.Process("NOBODY00")
	assert.Equal(t, registry.ErrUnknownPeer, errors.Cause(err))
}

func TestPeerSeedingAndAnnouncements(t *testing.T) {
	m := newMesh(t)
	a := m.node()
	b := m.node()
	// b seeded a from the directory, a learned about b from PRC:NEW
	assert.Equal(t, []string{a.Self()}, b.Peers())
	require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{b.Self()}, a.Peers())

	require.NoError(t, b.Shutdown(b.ctx))
	require.Eventually(t, func() bool { return len(a.Peers()) == 0 }, waitFor, tick)
}

func TestRouteMessageLocalVsForward(t *testing.T) {
	m := newMesh(t)
	a := m.node()
	b := m.node()

	var (
		mtx       sync.Mutex
		executors []string
	)
	a.fns.Register("", "echo", func(call *dispatch.Call) error {
		mtx.Lock()
		defer mtx.Unlock()
		executors = append(executors, call.Executor.ID()+"/"+call.Message.Sender)
		return nil
	})
	natA, _ := a.attach(t, "c1", nil)
	natB, _ := b.attach(t, "c2", nil)
	m.rec.reset()

	// owned here: delivered synchronously, no bus traffic
	require.NoError(t, a.RouteMessage(natA, clientMessage(a.Self(), `{"func":"echo","args":[]}`)))
	mtx.Lock()
	assert.Equal(t, []string{"c1/c1"}, executors)
	mtx.Unlock()
	assert.Empty(t, m.rec.get())

	// owned elsewhere: exactly one FWD envelope
	raw := clientMessage(a.Self(), `{"func":"echo","args":["a::b"]}`)
	require.NoError(t, b.RouteMessage(natB, raw))
	msgs := m.rec.get()
	require.Len(t, msgs, 1)
	assert.Equal(t, envelope.ProcessChannel(a.Self(), envelope.KindForward), msgs[0].channel)
	assert.Equal(t, "FRM:c2::"+string(raw), msgs[0].payload)

	require.Eventually(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return len(executors) == 2
	}, waitFor, tick)
	mtx.Lock()
	assert.Equal(t, "c2/c2", executors[1])
	mtx.Unlock()

	err := a.RouteMessage(natA, []byte(`{"func":"echo"}`))
	assert.True(t, envelope.IsMalformed(err))

	// a connection id that cannot be carried in the FRM header is not forwarded
	m.rec.reset()
	err = b.RouteMessage(conn.NewStub("bad:id"), raw)
	assert.True(t, envelope.IsMalformed(err))
	assert.Empty(t, m.rec.get())
}

func TestInternalFieldMapsToInternalNamespace(t *testing.T) {
	m := newMesh(t)
	a := m.node()
	nat, _ := a.attach(t, "c1", nil)

	called := false
	a.fns.Register(dispatch.NamespaceInternal, "heartbeat", func(call *dispatch.Call) error {
		called = true
		return nil
	})
	require.NoError(t, a.RouteMessage(nat, clientMessage(a.Self(), `{"internal":"heartbeat"}`)))
	assert.True(t, called)
}

func TestExecuteOnConnectionWithClientCallback(t *testing.T) {
	m := newMesh(t)
	a := m.node()
	nat, sess := a.attach(t, "c1", nil)

	var got []string
	err := a.ExecuteOn([]conn.Connection{nat}, "", "greet", []interface{}{"hi"}, func(sender string, args []json.RawMessage) {
		got = append(got, sender+"="+string(args[0]))
	})
	require.NoError(t, err)
	require.Len(t, sess.get(), 1)

	var packet []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(sess.get()[0]), &packet))
	var owner string
	require.NoError(t, json.Unmarshal(packet[0], &owner))
	assert.Equal(t, a.Self(), owner)
	var msg dispatch.Message
	require.NoError(t, json.Unmarshal(packet[1], &msg))
	assert.Equal(t, "greet", msg.Func)
	require.NotEmpty(t, msg.CallBack)
	assert.Equal(t, 1, a.pending())

	reply := clientMessage(a.Self(), `{"internal":"callItBack","args":["`+msg.CallBack+`",["ok"]]}`)
	require.NoError(t, a.RouteMessage(nat, reply))
	assert.Equal(t, []string{`c1="ok"`}, got)
	assert.Equal(t, 0, a.pending())

	err = a.RouteMessage(nat, reply)
	assert.Error(t, err)
	assert.Len(t, got, 1)
}

func TestSymbolicLifecycle(t *testing.T) {
	m := newMesh(t)
	a := m.node()
	b := m.node()
	require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, waitFor, tick)

	var (
		mtx            sync.Mutex
		opened, closed []string
	)
	b.OnSymbolic(func(s *conn.Symbolic) {
		mtx.Lock()
		defer mtx.Unlock()
		opened = append(opened, s.ID())
	}, func(s *conn.Symbolic) {
		mtx.Lock()
		defer mtx.Unlock()
		closed = append(closed, s.ID())
	})

	nat, sess := a.attach(t, "c1", conn.Data{"user": "alice"})
	pb, err := a.Process(b.Self())
	require.NoError(t, err)
	require.NoError(t, pb.CreateSymbolic(nat))
	assert.Equal(t, []string{b.Self()}, nat.SymbolicOwners())

	require.Eventually(t, func() bool {
		_, ok := b.Connection("c1")
		return ok
	}, waitFor, tick)
	c, _ := b.Connection("c1")
	assert.Equal(t, a.Self(), c.Owner())
	assert.Equal(t, "alice", c.ConnectionData()["user"])

	m.rec.reset()
	require.NoError(t, c.Write([]byte("to the client")))
	msgs := m.rec.get()
	require.Len(t, msgs, 1)
	assert.Equal(t, envelope.NativeMessageChannel("c1"), msgs[0].channel)
	require.Eventually(t, func() bool { return len(sess.get()) == 1 }, waitFor, tick)
	assert.Equal(t, "to the client", sess.get()[0])

	a.DetachNative(a.ctx, "c1")
	require.Eventually(t, func() bool {
		_, ok := b.Connection("c1")
		return !ok
	}, waitFor, tick)
	assert.Len(t, m.rec.on(envelope.ProcessChannel(b.Self(), envelope.KindSymbolicDel)), 1)
	assert.Len(t, m.rec.on(envelope.SymbolicDeleteChannel("c1")), 1)

	mtx.Lock()
	assert.Equal(t, []string{"c1"}, opened)
	assert.Equal(t, []string{"c1"}, closed)
	mtx.Unlock()
}

func TestSymbolicNewAndDelEnvelopes(t *testing.T) {
	m := newMesh(t)
	b := m.node()
	pub := m.hub.Connect()
	defer pub.Close()

	symnew := envelope.ProcessChannel(b.Self(), envelope.KindSymbolicNew)
	require.NoError(t, pub.Publish(symnew, []byte(`{"nativeID":"c1","owner":"AAAAAAAA","connectionData":{"k":1}}`)))
	require.Eventually(t, func() bool {
		c, ok := b.Connection("c1")
		return ok && c.Owner() == "AAAAAAAA"
	}, waitFor, tick)
	assert.Equal(t, []string{"c1"}, b.SymbolicConnections())

	require.NoError(t, pub.Publish(envelope.ProcessChannel(b.Self(), envelope.KindSymbolicDel), []byte("c1")))
	require.Eventually(t, func() bool {
		_, ok := b.Connection("c1")
		return !ok
	}, waitFor, tick)

	// the per-connection delete route went away with the connection
	b.l.Lock()
	assert.False(t, b.routes.Has(symbolicRouteName("c1")))
	b.l.Unlock()
}

func TestSymbolicCloseConnectionIsLocal(t *testing.T) {
	m := newMesh(t)
	b := m.node()
	c := b.insertSymbolic("c1", "AAAAAAAA", nil)
	sym, ok := c.(*conn.Symbolic)
	require.True(t, ok)

	m.rec.reset()
	sym.CloseConnection()
	_, ok = b.Connection("c1")
	assert.False(t, ok)
	assert.Empty(t, m.rec.get())
}

func TestPeerLeaveRemovesItsSymbolicConnections(t *testing.T) {
	m := newMesh(t)
	a := m.node()
	b := m.node()
	require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, waitFor, tick)

	nat, _ := a.attach(t, "c1", nil)
	pb, err := a.Process(b.Self())
	require.NoError(t, err)
	require.NoError(t, pb.CreateSymbolic(nat))
	require.Eventually(t, func() bool {
		_, ok := b.Connection("c1")
		return ok
	}, waitFor, tick)

	require.NoError(t, a.Shutdown(a.ctx))
	require.Eventually(t, func() bool {
		_, ok := b.Connection("c1")
		return !ok && len(b.Peers()) == 0
	}, waitFor, tick)
}

func TestGenerateSymbolic(t *testing.T) {
	m := newMesh(t)
	a := m.node()
	b := m.node()
	nat, _ := a.attach(t, "c1", conn.Data{"room": "lobby"})

	type result struct {
		c   conn.Connection
		err error
	}
	done := make(chan result, 1)
	b.GenerateSymbolic("c1", func(c conn.Connection, err error) { done <- result{c, err} })

	var r result
	select {
	case r = <-done:
	case <-time.After(waitFor):
		t.Fatal("GenerateSymbolic did not complete")
	}
	require.NoError(t, r.err)
	assert.Equal(t, "c1", r.c.ID())
	assert.Equal(t, a.Self(), r.c.Owner())
	assert.Equal(t, "lobby", r.c.ConnectionData()["room"])
	assert.Equal(t, []string{b.Self()}, nat.SymbolicOwners())

	// known connections are returned without a round-trip
	b.GenerateSymbolic("c1", func(c conn.Connection, err error) { done <- result{c, err} })
	r = <-done
	assert.Same(t, r.c, func() conn.Connection { c, _ := b.Connection("c1"); return c }())

	b.GenerateSymbolic("nope", func(c conn.Connection, err error) { done <- result{c, err} })
	r = <-done
	assert.Equal(t, directory.ErrNotFound, errors.Cause(r.err))
}

// announcePeer makes n see a peer that never answers.
func (m *mesh) announcePeer(t *testing.T, n *testNode, id string) {
	pub := m.hub.Connect()
	defer pub.Close()
	require.NoError(t, pub.Publish(envelope.ChannelProcessJoin, []byte(id)))
	require.Eventually(t, func() bool {
		_, err := n.Process(id)
		return err == nil
	}, waitFor, tick)
}

type symbolicResult struct {
	c   conn.Connection
	err error
}

func awaitSymbolic(t *testing.T, done <-chan symbolicResult) symbolicResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(waitFor):
		t.Fatal("GenerateSymbolic callback did not run")
		return symbolicResult{}
	}
}

func TestGenerateSymbolicOwnerNotAPeer(t *testing.T) {
	m := newMesh(t)
	b := m.node()
	require.NoError(t, m.dir.SetConnectionOwner(context.Background(), "c9", "DEADBEEF"))

	done := make(chan symbolicResult, 2)
	b.GenerateSymbolic("c9", func(c conn.Connection, err error) { done <- symbolicResult{c, err} })
	r := awaitSymbolic(t, done)
	assert.Nil(t, r.c)
	assert.Equal(t, registry.ErrUnknownPeer, errors.Cause(r.err))
	assert.Equal(t, 0, b.pending())
	assert.Empty(t, m.rec.on(envelope.ProcessChannel("DEADBEEF", envelope.KindExec)))
}

func TestGenerateSymbolicOwnerNeverReplies(t *testing.T) {
	m := newMesh(t)
	b := m.nodeWith(func(c *Config) {
		c.CallbackTimeout = 50 * time.Millisecond
		c.SweepInterval = 10 * time.Millisecond
	})
	m.announcePeer(t, b, "DEADBEEF")
	require.NoError(t, m.dir.SetConnectionOwner(context.Background(), "c9", "DEADBEEF"))

	done := make(chan symbolicResult, 2)
	b.GenerateSymbolic("c9", func(c conn.Connection, err error) { done <- symbolicResult{c, err} })
	r := awaitSymbolic(t, done)
	assert.Nil(t, r.c)
	assert.Equal(t, callback.ErrExpired, errors.Cause(r.err))
	assert.Equal(t, 0, b.pending())
	assert.Len(t, m.rec.on(envelope.ProcessChannel("DEADBEEF", envelope.KindExec)), 1)

	select {
	case r := <-done:
		t.Fatalf("callback ran twice: %v", r.err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGenerateSymbolicOwnerLeavesBeforeReplying(t *testing.T) {
	m := newMesh(t)
	b := m.node()
	m.announcePeer(t, b, "DEADBEEF")
	require.NoError(t, m.dir.SetConnectionOwner(context.Background(), "c9", "DEADBEEF"))

	done := make(chan symbolicResult, 2)
	b.GenerateSymbolic("c9", func(c conn.Connection, err error) { done <- symbolicResult{c, err} })
	require.Eventually(t, func() bool { return b.pending() == 1 }, waitFor, tick)

	pub := m.hub.Connect()
	defer pub.Close()
	require.NoError(t, pub.Publish(envelope.ChannelProcessLeave, []byte("DEADBEEF")))

	r := awaitSymbolic(t, done)
	assert.Equal(t, registry.ErrUnknownPeer, errors.Cause(r.err))
	assert.Equal(t, 0, b.pending())
}

func TestCreateSymbolicAcked(t *testing.T) {
	m := newMesh(t)
	a := m.node()
	b := m.node()
	require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, waitFor, tick)

	nat, _ := a.attach(t, "c1", conn.Data{"user": "alice"})
	pb, err := a.Process(b.Self())
	require.NoError(t, err)

	done := make(chan error, 1)
	require.NoError(t, pb.CreateSymbolicAcked(nat, func(err error) { done <- err }))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("createSymbolicConnection was not acknowledged")
	}
	assert.Equal(t, []string{b.Self()}, nat.SymbolicOwners())
	c, ok := b.Connection("c1")
	require.True(t, ok)
	assert.Equal(t, a.Self(), c.Owner())
	assert.Equal(t, "alice", c.ConnectionData()["user"])
	assert.Len(t, m.rec.on(envelope.ProcessChannel(b.Self(), envelope.KindExec)), 1)
	assert.Empty(t, m.rec.on(envelope.ProcessChannel(b.Self(), envelope.KindSymbolicNew)))
}

func TestCreateSymbolicConnectionRejectsMissingOwner(t *testing.T) {
	m := newMesh(t)
	a := m.node()
	b := m.node()
	require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, waitFor, tick)

	pb, err := a.Process(b.Self())
	require.NoError(t, err)
	got := make(chan error, 1)
	err = pb.Execute(FuncCreateSymbolicConnection, []interface{}{"c1", ""}, func(sender string, args []json.RawMessage) {
		got <- decodeRemoteError(args)
	})
	require.NoError(t, err)
	select {
	case err := <-got:
		assert.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("no reply from createSymbolicConnection")
	}
	assert.Empty(t, b.SymbolicConnections())
}

func TestCreateSymbolicAckedNotRecordedWithoutAck(t *testing.T) {
	m := newMesh(t)
	a := m.nodeWith(func(c *Config) {
		c.CallbackTimeout = 50 * time.Millisecond
		c.SweepInterval = 10 * time.Millisecond
	})
	m.announcePeer(t, a, "DEADBEEF")
	nat, _ := a.attach(t, "c1", nil)

	pd, err := a.Process("DEADBEEF")
	require.NoError(t, err)
	done := make(chan error, 1)
	require.NoError(t, pd.CreateSymbolicAcked(nat, func(err error) { done <- err }))
	select {
	case err := <-done:
		assert.Equal(t, callback.ErrExpired, errors.Cause(err))
	case <-time.After(waitFor):
		t.Fatal("done did not run")
	}
	assert.Empty(t, nat.SymbolicOwners())
}

func TestExecuteOnNativesAnnouncesCallbackList(t *testing.T) {
	m := newMesh(t)
	a := m.node()
	b := m.node()
	require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, waitFor, tick)
	nat, sess := b.attach(t, "c1", nil)

	pb, err := a.Process(b.Self())
	require.NoError(t, err)
	got := make(chan string, 2)
	m.rec.reset()
	err = pb.ExecuteOnNatives("", "greet", []interface{}{"hi"}, func(sender string, args []json.RawMessage) {
		got <- sender + "=" + string(args[0])
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sess.get()) == 1 }, waitFor, tick)

	cbl := m.rec.on(envelope.ProcessChannel(a.Self(), envelope.KindCallbackList))
	require.Len(t, cbl, 1)
	id, connIDs, err := envelope.DecodeCallbackList([]byte(cbl[0].payload))
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, connIDs)

	var packet []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(sess.get()[0]), &packet))
	var owner string
	require.NoError(t, json.Unmarshal(packet[0], &owner))
	assert.Equal(t, a.Self(), owner)
	var msg dispatch.Message
	require.NoError(t, json.Unmarshal(packet[1], &msg))
	assert.Equal(t, "greet", msg.Func)
	assert.Equal(t, id, msg.CallBack)

	require.Eventually(t, func() bool {
		defer a.l.Lock().Unlock()
		p, ok := a.callbacks.Get(id)
		return ok && p.Accepts("c1")
	}, waitFor, tick)

	// the client answers through its own process
	reply := clientMessage(a.Self(), `{"internal":"callItBack","args":["`+id+`",["ok"]]}`)
	require.NoError(t, b.RouteMessage(nat, reply))
	select {
	case s := <-got:
		assert.Equal(t, `c1="ok"`, s)
	case <-time.After(waitFor):
		t.Fatal("client reply did not resolve the callback")
	}
	assert.Equal(t, 0, a.pending())
}

func TestExecuteOnNativesWithoutConnections(t *testing.T) {
	m := newMesh(t)
	a := m.node()
	b := m.node()
	require.Eventually(t, func() bool { return len(a.Peers()) == 1 }, waitFor, tick)

	pb, err := a.Process(b.Self())
	require.NoError(t, err)
	got := make(chan string, 1)
	require.NoError(t, pb.ExecuteOnNatives("", "greet", nil, func(sender string, args []json.RawMessage) {
		got <- sender
	}))
	select {
	case s := <-got:
		assert.Equal(t, b.Self(), s)
	case <-time.After(waitFor):
		t.Fatal("peer without connections did not reply")
	}
	assert.Empty(t, m.rec.on(envelope.ProcessChannel(a.Self(), envelope.KindCallbackList)))
}

func TestCallbackList(t *testing.T) {
	m := newMesh(t)
	a := m.node()
	b := m.node()

	b.l.Lock()
	id := b.callbacks.Register(b.Self(), nil, func(string, []json.RawMessage) {})
	b.callbacks.AddConnections(id, []string{"c0"})
	b.l.Unlock()

	require.NoError(t, a.SendCallbackList(b.Self(), id, []string{"c7", "c8"}))
	require.Eventually(t, func() bool {
		defer b.l.Lock().Unlock()
		p, ok := b.callbacks.Get(id)
		return ok && len(p.Accepted()) == 3
	}, waitFor, tick)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	m := newMesh(t)
	a := m.node()
	b := m.node()
	pub := m.hub.Connect()
	defer pub.Close()

	for _, kind := range []string{envelope.KindExec, envelope.KindForward, envelope.KindIPCCallback,
		envelope.KindCallbackList, envelope.KindSymbolicNew, envelope.KindSymbolicDel} {
		require.NoError(t, pub.Publish(envelope.ProcessChannel(a.Self(), kind), []byte("")))
		require.NoError(t, pub.Publish(envelope.ProcessChannel(a.Self(), kind), []byte("{garbage")))
	}

	// a is still serving
	a.fns.Register(dispatch.NamespaceInterprocess, "ping", func(call *dispatch.Call) error {
		call.Reply("pong")
		return nil
	})
	pa, err := b.Process(a.Self())
	require.NoError(t, err)
	done := make(chan struct{})
	require.NoError(t, pa.Execute("ping", nil, func(string, []json.RawMessage) { close(done) }))
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("node stopped serving after malformed input")
	}
}

func TestRoutes(t *testing.T) {
	m := newMesh(t)
	a := m.node()

	got := make(chan string, 1)
	require.NoError(t, a.AddRoute("custom", "APP:chat", func(channel string, payload []byte) {
		got <- channel + "=" + string(payload)
	}))
	err := a.AddRoute("other", "APP:chat", func(string, []byte) {})
	assert.Equal(t, route.ErrChannelConflict, errors.Cause(err))

	require.NoError(t, a.PublishToRoute("custom", []byte("hello")))
	select {
	case s := <-got:
		assert.Equal(t, "APP:chat=hello", s)
	case <-time.After(waitFor):
		t.Fatal("route handler not invoked")
	}

	assert.Equal(t, route.ErrUnknownRoute, errors.Cause(a.PublishToRoute("nope", nil)))
	require.NoError(t, a.RemoveRoute("custom"))
	assert.Equal(t, route.ErrUnknownRoute, errors.Cause(a.RemoveRoute("custom")))

	require.NoError(t, a.AddPatternRoute("rooms", "ROOM:*", func(channel string, payload []byte) {
		got <- channel
	}))
	require.NoError(t, a.Publish("ROOM:42", []byte("x")))
	select {
	case s := <-got:
		assert.True(t, strings.HasPrefix(s, "ROOM:"))
	case <-time.After(waitFor):
		t.Fatal("pattern route handler not invoked")
	}
}
