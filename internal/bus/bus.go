package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultHistorySize = 100

// SubscriberPolicy decides what happens when a subscriber panics.
type SubscriberPolicy string

const (
	// PolicyIsolate recovers the panic, logs it and keeps delivering to
	// the remaining subscribers.
	PolicyIsolate SubscriberPolicy = "isolate"
	// PolicyPropagate lets the panic reach the publisher.
	PolicyPropagate SubscriberPolicy = "propagate"
)

// Handler receives published events. It runs on the publisher's goroutine.
type Handler func(Event)

// Subscription identifies a registered handler.
type Subscription struct {
	id        uint64
	eventType EventType
}

type subscriber struct {
	id uint64
	fn Handler
}

type Options struct {
	HistorySize int
	Policy      SubscriberPolicy
	Clock       clock.Clock
	Logger      *zap.Logger
}

// EventBus fans events out to subscribers and keeps a bounded history.
type EventBus struct {
	policy SubscriberPolicy
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	history *ring[Event]
	subs    map[EventType][]subscriber
	nextID  uint64

	failures atomic.Uint64
}

func New(opts Options) *EventBus {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Policy == "" {
		opts.Policy = PolicyIsolate
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &EventBus{
		policy:  opts.Policy,
		clock:   opts.Clock,
		logger:  opts.Logger,
		history: newRing[Event](opts.HistorySize),
		subs:    make(map[EventType][]subscriber),
	}
}

// Publish records an event and delivers it synchronously to the
// subscribers of its type, then to the wildcard subscribers, each group in
// registration order. Severity defaults to info.
func (b *EventBus) Publish(t EventType, data map[string]any, severity ...Severity) Event {
	sev := SeverityInfo
	if len(severity) > 0 && severity[0] != "" {
		sev = severity[0]
	}
	if data == nil {
		data = map[string]any{}
	}
	ev := Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: b.clock.Now().UTC(),
		Severity:  sev,
		Data:      data,
	}

	b.mu.Lock()
	b.history.push(ev)
	targets := make([]subscriber, 0, len(b.subs[t])+len(b.subs[AllEvents]))
	targets = append(targets, b.subs[t]...)
	if t != AllEvents {
		targets = append(targets, b.subs[AllEvents]...)
	}
	b.mu.Unlock()

	for _, s := range targets {
		b.deliver(s, ev)
	}
	return ev
}

func (b *EventBus) deliver(s subscriber, ev Event) {
	if b.policy == PolicyPropagate {
		s.fn(ev)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.failures.Add(1)
			b.logger.Error("subscriber panicked",
				zap.String("event_type", string(ev.Type)),
				zap.String("event_id", ev.ID),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	s.fn(ev)
}

// Subscribe registers fn for events of type t. AllEvents matches every type.
func (b *EventBus) Subscribe(t EventType, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[t] = append(b.subs[t], subscriber{id: b.nextID, fn: fn})
	return Subscription{id: b.nextID, eventType: t}
}

func (b *EventBus) SubscribeAll(fn Handler) Subscription {
	return b.Subscribe(AllEvents, fn)
}

// Unsubscribe removes a handler. Unknown subscriptions are ignored.
func (b *EventBus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.eventType]
	for i, s := range list {
		if s.id == sub.id {
			next := make([]subscriber, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			b.subs[sub.eventType] = next
			return
		}
	}
}

// RecentEvents returns up to limit of the newest events, oldest first.
func (b *EventBus) RecentEvents(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.last(limit)
}

// ClearHistory drops the history but keeps subscriptions.
func (b *EventBus) ClearHistory() {
	b.mu.Lock()
	b.history.reset()
	b.mu.Unlock()
}

func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.len()
}

func (b *EventBus) Capacity() int {
	return b.history.cap()
}

// Evicted counts events pushed out of the history by newer ones.
func (b *EventBus) Evicted() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.evicted
}

// SubscriberFailures counts recovered subscriber panics.
func (b *EventBus) SubscriberFailures() uint64 {
	return b.failures.Load()
}
