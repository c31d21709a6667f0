package route

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zrepl/procmesh/internal/bus"
)

func subscribed(l *bus.Local) []string {
	ret := append(l.Subscriptions().Channels(), l.Subscriptions().Patterns()...)
	sort.Strings(ret)
	return ret
}

func TestAddRemovePublish(t *testing.T) {
	hub := bus.NewHub()
	l := hub.Connect()
	defer l.Close()

	var published []bus.Message
	hub.Observe(func(m bus.Message) { published = append(published, m) })

	tbl := NewTable(l)
	var got []string
	require.NoError(t, tbl.Add("process", "PRC:A:FWD", func(ch string, p []byte) { got = append(got, ch+"|"+string(p)) }))

	h, ok := tbl.Lookup(bus.Message{Channel: "PRC:A:FWD"})
	require.True(t, ok)
	h("PRC:A:FWD", []byte("x"))
	assert.Equal(t, []string{"PRC:A:FWD|x"}, got)

	require.NoError(t, tbl.Publish("process", []byte("payload")))
	require.Len(t, published, 1)
	assert.Equal(t, "PRC:A:FWD", published[0].Channel)

	require.NoError(t, tbl.Remove("process"))
	_, ok = tbl.Lookup(bus.Message{Channel: "PRC:A:FWD"})
	assert.False(t, ok)
	assert.Empty(t, subscribed(l))

	err := tbl.Publish("process", nil)
	assert.Equal(t, ErrUnknownRoute, errors.Cause(err))
	assert.Equal(t, ErrUnknownRoute, errors.Cause(tbl.Remove("process")))
}

func TestChannelConflict(t *testing.T) {
	l := bus.NewHub().Connect()
	defer l.Close()
	tbl := NewTable(l)

	require.NoError(t, tbl.Add("a", "PRC:NEW", func(string, []byte) {}))
	err := tbl.Add("b", "PRC:NEW", func(string, []byte) {})
	assert.Equal(t, ErrChannelConflict, errors.Cause(err))
	assert.False(t, tbl.Has("b"))

	// same name, same channel: handler replaced
	var called bool
	require.NoError(t, tbl.Add("a", "PRC:NEW", func(string, []byte) { called = true }))
	h, _ := tbl.Lookup(bus.Message{Channel: "PRC:NEW"})
	h("PRC:NEW", nil)
	assert.True(t, called)
}

func TestRouteMoves(t *testing.T) {
	l := bus.NewHub().Connect()
	defer l.Close()
	tbl := NewTable(l)

	require.NoError(t, tbl.Add("a", "NTV:c1:MSG", func(string, []byte) {}))
	require.NoError(t, tbl.Add("a", "NTV:c2:MSG", func(string, []byte) {}))
	assert.Equal(t, []string{"NTV:c2:MSG"}, subscribed(l))
	assert.Equal(t, []string{"NTV:c2:MSG"}, tbl.Channels())
}

func TestPatternRoute(t *testing.T) {
	l := bus.NewHub().Connect()
	defer l.Close()
	tbl := NewTable(l)

	require.NoError(t, tbl.AddPattern("natives", "NTV:*:MSG", func(string, []byte) {}))
	_, ok := tbl.Lookup(bus.Message{Channel: "NTV:c9:MSG", Pattern: "NTV:*:MSG"})
	assert.True(t, ok)
	assert.Error(t, tbl.Publish("natives", nil))
	require.NoError(t, tbl.Remove("natives"))
	assert.Empty(t, subscribed(l))
}

// After any sequence of adds and removes the bus subscription set equals the
// set of routed channels.
func TestSubscriptionsFollowRoutes(t *testing.T) {
	l := bus.NewHub().Connect()
	defer l.Close()
	tbl := NewTable(l)

	names := []string{"r0", "r1", "r2", "r3", "r4"}
	channels := []string{"PRC:NEW", "PRC:DEL", "PRC:A:FWD", "PRC:A:CBL", "NTV:c1:MSG", "NTV:c2:MSG"}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		name := names[rng.Intn(len(names))]
		if rng.Intn(3) == 0 {
			_ = tbl.Remove(name)
		} else {
			_ = tbl.Add(name, channels[rng.Intn(len(channels))], func(string, []byte) {})
		}
		require.Equal(t, tbl.Channels(), subscribed(l), "iteration %d", i)
	}
}
