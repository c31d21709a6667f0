// Package route maps logical route names to bus channels and their handlers.
//
// A Table owns the subscribe/unsubscribe lifecycle of the channels it routes:
// a channel is subscribed exactly as long as a route is registered for it.
// Table is not safe for concurrent use; the router serializes access.
package route

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/bus"
)

type Handler func(channel string, payload []byte)

// Subscriber is the subset of bus.Bus the table needs.
type Subscriber interface {
	bus.Publisher
	Subscribe(channel string) error
	Unsubscribe(channel string) error
	SubscribePattern(pattern string) error
	UnsubscribePattern(pattern string) error
}

var (
	ErrUnknownRoute    = errors.New("unknown route")
	ErrChannelConflict = errors.New("channel already owned by another route")
)

type binding struct {
	name    string
	handler Handler
	pattern bool
}

type Table struct {
	sub       Subscriber
	byName    map[string]string   // route name -> channel or pattern
	byChannel map[string]*binding // channel or pattern -> binding
}

func NewTable(sub Subscriber) *Table {
	return &Table{
		sub:       sub,
		byName:    make(map[string]string),
		byChannel: make(map[string]*binding),
	}
}

// Add registers h for channel under name and subscribes to channel.
//
// Re-adding an existing name moves the route (the old channel is
// unsubscribed). Adding a route for a channel owned by a different name fails
// with ErrChannelConflict.
func (t *Table) Add(name, channel string, h Handler) error {
	return t.add(name, channel, h, false)
}

// AddPattern is like Add but subscribes to a glob pattern.
func (t *Table) AddPattern(name, pattern string, h Handler) error {
	return t.add(name, pattern, h, true)
}

func (t *Table) add(name, channel string, h Handler, pattern bool) error {
	if b, ok := t.byChannel[channel]; ok {
		if b.name != name {
			return errors.Wrapf(ErrChannelConflict, "channel %q owned by route %q", channel, b.name)
		}
		b.handler = h
		return nil
	}

	if pattern {
		if err := t.sub.SubscribePattern(channel); err != nil {
			return errors.Wrapf(err, "cannot subscribe route %q", name)
		}
	} else {
		if err := t.sub.Subscribe(channel); err != nil {
			return errors.Wrapf(err, "cannot subscribe route %q", name)
		}
	}

	if _, ok := t.byName[name]; ok {
		if err := t.Remove(name); err != nil {
			return err
		}
	}
	t.byName[name] = channel
	t.byChannel[channel] = &binding{name: name, handler: h, pattern: pattern}
	return nil
}

// Remove unsubscribes the route's channel and forgets the route.
func (t *Table) Remove(name string) error {
	channel, ok := t.byName[name]
	if !ok {
		return errors.Wrapf(ErrUnknownRoute, "route %q", name)
	}
	b := t.byChannel[channel]
	delete(t.byName, name)
	delete(t.byChannel, channel)

	var err error
	if b.pattern {
		err = t.sub.UnsubscribePattern(channel)
	} else {
		err = t.sub.Unsubscribe(channel)
	}
	return errors.Wrapf(err, "cannot unsubscribe route %q", name)
}

// Resolve returns the channel of route name. Pattern routes cannot be
// published to and fail to resolve.
func (t *Table) Resolve(name string) (string, error) {
	channel, ok := t.byName[name]
	if !ok {
		return "", errors.Wrapf(ErrUnknownRoute, "route %q", name)
	}
	if t.byChannel[channel].pattern {
		return "", errors.Errorf("cannot publish to pattern route %q", name)
	}
	return channel, nil
}

// Publish publishes payload on the channel of route name.
func (t *Table) Publish(name string, payload []byte) error {
	channel, err := t.Resolve(name)
	if err != nil {
		return err
	}
	return t.sub.Publish(channel, payload)
}

// Lookup returns the handler for an inbound message. Messages delivered via a
// pattern subscription are looked up by pattern.
func (t *Table) Lookup(msg bus.Message) (Handler, bool) {
	key := msg.Channel
	if msg.Pattern != "" {
		key = msg.Pattern
	}
	b, ok := t.byChannel[key]
	if !ok {
		return nil, false
	}
	return b.handler, true
}

func (t *Table) Has(name string) bool {
	_, ok := t.byName[name]
	return ok
}

// Channels returns the sorted channels and patterns of all registered routes.
func (t *Table) Channels() []string {
	ret := make([]string, 0, len(t.byChannel))
	for c := range t.byChannel {
		ret = append(ret, c)
	}
	sort.Strings(ret)
	return ret
}
