package channel

import (
	"context"

	"github.com/ICE6332/MineCompanion-WebUI/internal/bus"
)

// Channel is an outbound sink for monitoring events.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// BaseChannel carries what every channel shares: its name, the bus it
// listens on and the event types it wants. No types means all of them.
type BaseChannel struct {
	name   string
	bus    *bus.EventBus
	events map[bus.EventType]struct{}
}

func NewBaseChannel(name string, b *bus.EventBus, events []bus.EventType) BaseChannel {
	bc := BaseChannel{name: name, bus: b}
	if len(events) > 0 {
		bc.events = make(map[bus.EventType]struct{}, len(events))
		for _, t := range events {
			bc.events[t] = struct{}{}
		}
	}
	return bc
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) Wants(t bus.EventType) bool {
	if len(c.events) == 0 {
		return true
	}
	_, ok := c.events[t]
	return ok
}

// subscribe attaches fn to the wanted event types.
func (c *BaseChannel) subscribe(fn bus.Handler) []bus.Subscription {
	if len(c.events) == 0 {
		return []bus.Subscription{c.bus.SubscribeAll(fn)}
	}
	subs := make([]bus.Subscription, 0, len(c.events))
	for t := range c.events {
		subs = append(subs, c.bus.Subscribe(t, fn))
	}
	return subs
}

func (c *BaseChannel) unsubscribe(subs []bus.Subscription) {
	for _, s := range subs {
		c.bus.Unsubscribe(s)
	}
}
