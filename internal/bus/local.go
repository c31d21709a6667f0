package bus

import (
	"context"
	"sync"
)

// Hub is an in-process broker. Every Local bus connected to the same Hub
// receives the messages published by any of them, like processes sharing a
// broker. Used for single-host deployments and for multi-node tests.
type Hub struct {
	mtx       sync.Mutex
	members   map[*Local]struct{}
	observers []func(Message)
}

func NewHub() *Hub {
	return &Hub{members: make(map[*Local]struct{})}
}

// Observe registers fn to be called synchronously for every published message.
func (h *Hub) Observe(fn func(Message)) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.observers = append(h.observers, fn)
}

func (h *Hub) Connect() *Local {
	l := &Local{
		hub:     h,
		subs:    NewSubscriptions(),
		metrics: NewMetrics("local"),
	}
	l.cond = sync.NewCond(&l.mtx)
	h.mtx.Lock()
	h.members[l] = struct{}{}
	h.mtx.Unlock()
	return l
}

func (h *Hub) publish(channel string, payload []byte) {
	h.mtx.Lock()
	members := make([]*Local, 0, len(h.members))
	for m := range h.members {
		members = append(members, m)
	}
	observers := h.observers
	h.mtx.Unlock()

	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, o := range observers {
		o(msg)
	}
	for _, m := range members {
		if pattern, ok := m.subs.Match(channel); ok {
			msg := msg
			msg.Pattern = pattern
			m.enqueue(msg)
		}
	}
}

func (h *Hub) disconnect(l *Local) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	delete(h.members, l)
}

type Local struct {
	hub     *Hub
	subs    *Subscriptions
	metrics Metrics

	mtx    sync.Mutex
	cond   *sync.Cond
	queue  []Message
	closed bool
}

var _ Bus = (*Local)(nil)

func (l *Local) enqueue(msg Message) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.closed {
		return
	}
	l.queue = append(l.queue, msg)
	l.cond.Signal()
}

func (l *Local) Publish(channel string, payload []byte) error {
	l.mtx.Lock()
	closed := l.closed
	l.mtx.Unlock()
	if closed {
		return ErrClosed
	}
	l.hub.publish(channel, payload)
	l.metrics.Published()
	return nil
}

func (l *Local) Subscribe(channel string) error {
	l.subs.AddChannel(channel)
	return nil
}

func (l *Local) Unsubscribe(channel string) error {
	l.subs.RemoveChannel(channel)
	return nil
}

func (l *Local) SubscribePattern(pattern string) error {
	_, err := l.subs.AddPattern(pattern)
	return err
}

func (l *Local) UnsubscribePattern(pattern string) error {
	l.subs.RemovePattern(pattern)
	return nil
}

// Subscriptions exposes the current subscription set, mostly for tests.
func (l *Local) Subscriptions() *Subscriptions { return l.subs }

func (l *Local) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() {
		l.mtx.Lock()
		defer l.mtx.Unlock()
		l.cond.Broadcast()
	})
	defer stop()

	for {
		l.mtx.Lock()
		for len(l.queue) == 0 && !l.closed && ctx.Err() == nil {
			l.cond.Wait()
		}
		if l.closed {
			l.mtx.Unlock()
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			l.mtx.Unlock()
			return err
		}
		msg := l.queue[0]
		l.queue[0] = Message{}
		l.queue = l.queue[1:]
		l.mtx.Unlock()

		l.metrics.Received()
		h(msg)
	}
}

func (l *Local) Close() error {
	l.hub.disconnect(l)
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.closed = true
	l.queue = nil
	l.cond.Broadcast()
	return nil
}
