package zmqbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zrepl/procmesh/internal/broker"
	"github.com/zrepl/procmesh/internal/bus"
	"github.com/zrepl/procmesh/internal/logger"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

type recorder struct {
	mtx  sync.Mutex
	msgs []bus.Message
}

func (r *recorder) handle(m bus.Message) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) on(channel string) []bus.Message {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	var ret []bus.Message
	for _, m := range r.msgs {
		if m.Channel == channel {
			ret = append(ret, m)
		}
	}
	return ret
}

// startBroker runs a forwarding proxy on inproc endpoints named after name.
func startBroker(t *testing.T, name string) (xsub, xpub string) {
	xsub = "inproc://zmqbus-test-" + name + "-xsub"
	xpub = "inproc://zmqbus-test-" + name + "-xpub"
	ctx, cancel := context.WithCancel(broker.WithLogger(context.Background(), logger.NewTestLogger(t)))
	done := make(chan error, 1)
	go func() { done <- broker.New(xsub, xpub).Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return xsub, xpub
}

func serveBus(t *testing.T, xsub, xpub string) (*Bus, *recorder) {
	b, err := New(xsub, xpub)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(bus.WithLogger(context.Background(), logger.NewTestLogger(t)))
	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, rec.handle) }()
	t.Cleanup(func() {
		cancel()
		<-done
		b.Close()
	})
	return b, rec
}

// publishUntilReceived repeats the publish until it arrives, as subscriptions
// reach the publisher asynchronously through the proxy.
func publishUntilReceived(t *testing.T, pub *Bus, rec *recorder, channel string, payload []byte) {
	require.Eventually(t, func() bool {
		assert.NoError(t, pub.Publish(channel, payload))
		return len(rec.on(channel)) > 0
	}, waitFor, tick)
}

func TestPublishSubscribeThroughBroker(t *testing.T) {
	xsub, xpub := startBroker(t, "pubsub")
	pub, _ := serveBus(t, xsub, xpub)
	sub, rec := serveBus(t, xsub, xpub)

	require.NoError(t, sub.Subscribe("PRC:A:FWD"))
	require.NoError(t, sub.SubscribePattern("NTV:*:MSG"))

	publishUntilReceived(t, pub, rec, "PRC:A:FWD", []byte("hello"))
	m := rec.on("PRC:A:FWD")[0]
	assert.Equal(t, []byte("hello"), m.Payload)
	assert.Empty(t, m.Pattern)

	publishUntilReceived(t, pub, rec, "NTV:c1:MSG", []byte("raw"))
	assert.Equal(t, "NTV:*:MSG", rec.on("NTV:c1:MSG")[0].Pattern)
}

func TestPrefixMatchesAreFilteredOut(t *testing.T) {
	xsub, xpub := startBroker(t, "prefix")
	pub, _ := serveBus(t, xsub, xpub)
	sub, rec := serveBus(t, xsub, xpub)

	require.NoError(t, sub.Subscribe("PRC:A"))
	publishUntilReceived(t, pub, rec, "PRC:A", []byte("warmup"))

	// the ZeroMQ filter "PRC:A" lets these through
	require.NoError(t, pub.Publish("PRC:AB", []byte("other process")))
	require.NoError(t, pub.Publish("PRC:A:FWD", []byte("other channel")))
	require.NoError(t, pub.Publish("PRC:A", []byte("marker")))
	require.Eventually(t, func() bool {
		for _, m := range rec.on("PRC:A") {
			if string(m.Payload) == "marker" {
				return true
			}
		}
		return false
	}, waitFor, tick)
	assert.Empty(t, rec.on("PRC:AB"))
	assert.Empty(t, rec.on("PRC:A:FWD"))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	xsub, xpub := startBroker(t, "unsub")
	pub, _ := serveBus(t, xsub, xpub)
	sub, rec := serveBus(t, xsub, xpub)

	require.NoError(t, sub.Subscribe("PRC:A:FWD"))
	require.NoError(t, sub.Subscribe("PRC:A:EXEC"))
	publishUntilReceived(t, pub, rec, "PRC:A:FWD", []byte("first"))
	publishUntilReceived(t, pub, rec, "PRC:A:EXEC", []byte("first"))
	before := len(rec.on("PRC:A:FWD"))

	require.NoError(t, sub.Unsubscribe("PRC:A:FWD"))
	require.NoError(t, pub.Publish("PRC:A:FWD", []byte("late")))
	require.NoError(t, pub.Publish("PRC:A:EXEC", []byte("marker")))
	require.Eventually(t, func() bool {
		msgs := rec.on("PRC:A:EXEC")
		return string(msgs[len(msgs)-1].Payload) == "marker"
	}, waitFor, tick)
	assert.Len(t, rec.on("PRC:A:FWD"), before)
}

func TestClosedBus(t *testing.T) {
	xsub, xpub := startBroker(t, "closed")
	b, err := New(xsub, xpub)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	assert.Equal(t, bus.ErrClosed, b.Publish("PRC:A:FWD", nil))
	assert.Equal(t, bus.ErrClosed, b.Subscribe("PRC:A:FWD"))
}
