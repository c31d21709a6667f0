// Package zmqbus implements bus.Bus on ZeroMQ PUB/SUB sockets connected to an
// XSUB/XPUB forwarding proxy (see package broker).
//
// ZeroMQ subscriptions are prefix filters, so inbound messages are filtered
// again against the exact subscription set before delivery.
package zmqbus

import (
	"context"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/bus"
	"github.com/zrepl/procmesh/internal/util/envconst"
)

type subOp struct {
	subscribe bool
	filter    string
}

type Bus struct {
	publishAddr, subscribeAddr string
	metrics                    bus.Metrics
	subs                       *bus.Subscriptions

	pubMtx sync.Mutex
	pub    *zmq.Socket

	// sub is used exclusively by the goroutine running Serve.
	sub *zmq.Socket

	opsMtx sync.Mutex
	ops    []subOp
	closed bool
}

var _ bus.Bus = (*Bus)(nil)

// New connects a PUB socket to publishAddr (the proxy's XSUB side) and a SUB
// socket to subscribeAddr (the proxy's XPUB side).
func New(publishAddr, subscribeAddr string) (*Bus, error) {
	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create PUB socket")
	}
	if err := pub.SetLinger(0); err != nil {
		pub.Close()
		return nil, errors.Wrap(err, "cannot set linger on PUB socket")
	}
	if err := pub.Connect(publishAddr); err != nil {
		pub.Close()
		return nil, errors.Wrapf(err, "cannot connect PUB socket to %q", publishAddr)
	}

	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		pub.Close()
		return nil, errors.Wrap(err, "cannot create SUB socket")
	}
	if err := sub.SetLinger(0); err != nil {
		pub.Close()
		sub.Close()
		return nil, errors.Wrap(err, "cannot set linger on SUB socket")
	}
	if err := sub.Connect(subscribeAddr); err != nil {
		pub.Close()
		sub.Close()
		return nil, errors.Wrapf(err, "cannot connect SUB socket to %q", subscribeAddr)
	}

	return &Bus{
		publishAddr:   publishAddr,
		subscribeAddr: subscribeAddr,
		metrics:       bus.NewMetrics("zmq"),
		subs:          bus.NewSubscriptions(),
		pub:           pub,
		sub:           sub,
	}, nil
}

func (b *Bus) Publish(channel string, payload []byte) error {
	b.pubMtx.Lock()
	defer b.pubMtx.Unlock()
	if b.pub == nil {
		return bus.ErrClosed
	}
	if _, err := b.pub.SendMessage(channel, payload); err != nil {
		b.metrics.TransportError("publish")
		return errors.Wrapf(err, "cannot publish to %q", channel)
	}
	b.metrics.Published()
	return nil
}

func (b *Bus) queue(op subOp) error {
	b.opsMtx.Lock()
	defer b.opsMtx.Unlock()
	if b.closed {
		return bus.ErrClosed
	}
	b.ops = append(b.ops, op)
	return nil
}

func (b *Bus) Subscribe(channel string) error {
	if !b.subs.AddChannel(channel) {
		return nil
	}
	return b.queue(subOp{true, channel})
}

func (b *Bus) Unsubscribe(channel string) error {
	if !b.subs.RemoveChannel(channel) {
		return nil
	}
	return b.queue(subOp{false, channel})
}

func (b *Bus) SubscribePattern(pattern string) error {
	added, err := b.subs.AddPattern(pattern)
	if err != nil || !added {
		return err
	}
	return b.queue(subOp{true, bus.PatternPrefix(pattern)})
}

func (b *Bus) UnsubscribePattern(pattern string) error {
	if !b.subs.RemovePattern(pattern) {
		return nil
	}
	return b.queue(subOp{false, bus.PatternPrefix(pattern)})
}

func (b *Bus) takeOps() []subOp {
	b.opsMtx.Lock()
	defer b.opsMtx.Unlock()
	ops := b.ops
	b.ops = nil
	return ops
}

func (b *Bus) applyOps() error {
	for _, op := range b.takeOps() {
		var err error
		if op.subscribe {
			err = b.sub.SetSubscribe(op.filter)
		} else {
			err = b.sub.SetUnsubscribe(op.filter)
		}
		if err != nil {
			b.metrics.TransportError("subscribe")
			return errors.Wrapf(err, "cannot update subscription %q", op.filter)
		}
	}
	return nil
}

func (b *Bus) Serve(ctx context.Context, h bus.Handler) error {
	log := bus.GetLogger(ctx).WithField("subscribe_addr", b.subscribeAddr)
	pollInterval := envconst.Duration("PROCMESH_ZMQBUS_POLL_INTERVAL", 50*time.Millisecond)

	poller := zmq.NewPoller()
	poller.Add(b.sub, zmq.POLLIN)

	for ctx.Err() == nil {
		if err := b.applyOps(); err != nil {
			return err
		}
		polled, err := poller.Poll(pollInterval)
		if err != nil {
			if zmq.AsErrno(err) == zmq.ETERM {
				return bus.ErrClosed
			}
			b.metrics.TransportError("poll")
			log.WithError(err).Warn("poll failed")
			continue
		}
		if len(polled) == 0 {
			continue
		}
		for {
			parts, err := b.sub.RecvMessageBytes(zmq.DONTWAIT)
			if err != nil {
				if zmq.AsErrno(err) != zmq.Errno(syscall.EAGAIN) {
					b.metrics.TransportError("recv")
					log.WithError(err).Warn("receive failed")
				}
				break
			}
			if len(parts) != 2 {
				log.WithField("parts", len(parts)).Warn("dropping message with unexpected frame count")
				continue
			}
			channel := string(parts[0])
			pattern, ok := b.subs.Match(channel)
			if !ok {
				continue // prefix match only
			}
			b.metrics.Received()
			h(bus.Message{Channel: channel, Pattern: pattern, Payload: parts[1]})
		}
	}
	return ctx.Err()
}

// Close closes both sockets. It must not be called while Serve is running.
func (b *Bus) Close() error {
	b.opsMtx.Lock()
	b.closed = true
	b.opsMtx.Unlock()

	b.pubMtx.Lock()
	defer b.pubMtx.Unlock()
	var firstErr error
	if b.pub != nil {
		firstErr = b.pub.Close()
		b.pub = nil
	}
	if b.sub != nil {
		if err := b.sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.sub = nil
	}
	return firstErr
}
