package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_Fields(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	b := New(Options{Clock: clk})

	ev := b.Publish(ModConnected, map[string]any{"client_id": "mod-1"})
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, ModConnected, ev.Type)
	assert.Equal(t, SeverityInfo, ev.Severity)
	assert.Equal(t, clk.Now().UTC(), ev.Timestamp)
	assert.Equal(t, "mod-1", ev.Data["client_id"])

	ev2 := b.Publish(Error, nil, SeverityError)
	assert.Equal(t, SeverityError, ev2.Severity)
	assert.NotNil(t, ev2.Data)
	assert.NotEqual(t, ev.ID, ev2.ID)
}

func TestHistory_EvictsOldest(t *testing.T) {
	b := New(Options{HistorySize: 100})
	for i := 0; i < 150; i++ {
		b.Publish(MessageReceived, map[string]any{"n": i})
	}

	assert.Equal(t, 100, b.Len())
	assert.Equal(t, uint64(50), b.Evicted())

	events := b.RecentEvents(1000)
	require.Len(t, events, 100)
	for i, ev := range events {
		assert.Equal(t, i+50, ev.Data["n"])
	}
}

func TestRecentEvents_Limit(t *testing.T) {
	b := New(Options{HistorySize: 10})
	for i := 0; i < 5; i++ {
		b.Publish(MessageSent, map[string]any{"n": i})
	}

	last := b.RecentEvents(2)
	require.Len(t, last, 2)
	assert.Equal(t, 3, last[0].Data["n"])
	assert.Equal(t, 4, last[1].Data["n"])

	assert.Empty(t, b.RecentEvents(0))
	assert.Empty(t, b.RecentEvents(-1))
	assert.NotNil(t, b.RecentEvents(0))
}

func TestClearHistory_KeepsSubscribers(t *testing.T) {
	b := New(Options{})
	var got int
	b.Subscribe(TokenStats, func(Event) { got++ })

	b.Publish(TokenStats, nil)
	b.ClearHistory()
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.RecentEvents(10))

	b.Publish(TokenStats, nil)
	assert.Equal(t, 2, got)
	assert.Equal(t, 1, b.Len())
}

func TestSubscribe_OrderAndType(t *testing.T) {
	b := New(Options{})
	var calls []string
	b.Subscribe(MessageSent, func(Event) { calls = append(calls, "first") })
	b.Subscribe(MessageSent, func(Event) { calls = append(calls, "second") })
	b.Subscribe(MessageReceived, func(Event) { calls = append(calls, "other") })
	b.SubscribeAll(func(ev Event) { calls = append(calls, "all:"+string(ev.Type)) })

	b.Publish(MessageSent, nil)
	assert.Equal(t, []string{"first", "second", "all:message_sent"}, calls)
}

func TestUnsubscribe(t *testing.T) {
	b := New(Options{})
	var n int
	sub := b.Subscribe(Error, func(Event) { n++ })
	b.Publish(Error, nil)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Publish(Error, nil)
	assert.Equal(t, 1, n)
}

func TestSubscriberPanic_Isolated(t *testing.T) {
	b := New(Options{Policy: PolicyIsolate})
	var reached bool
	b.Subscribe(Error, func(Event) { panic("boom") })
	b.Subscribe(Error, func(Event) { reached = true })

	assert.NotPanics(t, func() { b.Publish(Error, nil) })
	assert.True(t, reached)
	assert.Equal(t, uint64(1), b.SubscriberFailures())
	assert.Equal(t, 1, b.Len())
}

func TestSubscriberPanic_Propagated(t *testing.T) {
	b := New(Options{Policy: PolicyPropagate})
	b.Subscribe(Error, func(Event) { panic("boom") })

	assert.Panics(t, func() { b.Publish(Error, nil) })
	// the event is recorded before delivery
	assert.Equal(t, 1, b.Len())
}

func TestSubscriber_CanPublish(t *testing.T) {
	b := New(Options{})
	b.Subscribe(MessageReceived, func(ev Event) {
		b.Publish(MessageSent, map[string]any{"reply_to": ev.ID})
	})
	b.Publish(MessageReceived, nil)

	events := b.RecentEvents(2)
	require.Len(t, events, 2)
	assert.Equal(t, MessageSent, events[1].Type)
}

func TestPublish_Concurrent(t *testing.T) {
	b := New(Options{HistorySize: 50})
	var mu sync.Mutex
	seen := 0
	b.SubscribeAll(func(Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Publish(MessageReceived, map[string]any{"k": fmt.Sprintf("%d-%d", i, j)})
				_ = b.RecentEvents(5)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 200, seen)
	assert.Equal(t, 50, b.Len())
	assert.Equal(t, uint64(150), b.Evicted())
}

func TestRing(t *testing.T) {
	r := newRing[int](3)
	assert.Equal(t, []int{}, r.last(5))
	for i := 1; i <= 4; i++ {
		r.push(i)
	}
	assert.Equal(t, []int{2, 3, 4}, r.last(3))
	assert.Equal(t, []int{4}, r.last(1))
	assert.Equal(t, uint64(1), r.evicted)
	r.reset()
	assert.Equal(t, 0, r.len())
	r.push(9)
	assert.Equal(t, []int{9}, r.last(3))
}
