// Package redisbus implements bus.Bus on Redis PUBLISH / (P)SUBSCRIBE.
package redisbus

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/zrepl/procmesh/internal/bus"
)

type Bus struct {
	client         *redis.Client
	pubsub         *redis.PubSub
	metrics        bus.Metrics
	requestTimeout time.Duration
}

var _ bus.Bus = (*Bus)(nil)

func New(client *redis.Client, requestTimeout time.Duration) *Bus {
	return &Bus{
		client:         client,
		pubsub:         client.Subscribe(context.Background()),
		metrics:        bus.NewMetrics("redis"),
		requestTimeout: requestTimeout,
	}
}

func (b *Bus) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.requestTimeout)
}

func (b *Bus) Publish(channel string, payload []byte) error {
	ctx, cancel := b.ctx()
	defer cancel()
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		b.metrics.TransportError("publish")
		return errors.Wrapf(err, "cannot publish to %q", channel)
	}
	b.metrics.Published()
	return nil
}

func (b *Bus) Subscribe(channel string) error {
	ctx, cancel := b.ctx()
	defer cancel()
	return errors.Wrapf(b.pubsub.Subscribe(ctx, channel), "cannot subscribe to %q", channel)
}

func (b *Bus) Unsubscribe(channel string) error {
	ctx, cancel := b.ctx()
	defer cancel()
	return errors.Wrapf(b.pubsub.Unsubscribe(ctx, channel), "cannot unsubscribe from %q", channel)
}

func (b *Bus) SubscribePattern(pattern string) error {
	ctx, cancel := b.ctx()
	defer cancel()
	return errors.Wrapf(b.pubsub.PSubscribe(ctx, pattern), "cannot subscribe to pattern %q", pattern)
}

func (b *Bus) UnsubscribePattern(pattern string) error {
	ctx, cancel := b.ctx()
	defer cancel()
	return errors.Wrapf(b.pubsub.PUnsubscribe(ctx, pattern), "cannot unsubscribe from pattern %q", pattern)
}

func (b *Bus) Serve(ctx context.Context, h bus.Handler) error {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return bus.ErrClosed
			}
			b.metrics.Received()
			h(bus.Message{Channel: msg.Channel, Pattern: msg.Pattern, Payload: []byte(msg.Payload)})
		}
	}
}

func (b *Bus) Close() error {
	err := b.pubsub.Close()
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}
