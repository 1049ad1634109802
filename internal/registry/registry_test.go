package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	name string
}

func (f *fakeHandle) WriteJSON(ctx context.Context, v any) error { return nil }
func (f *fakeHandle) Close(reason string) error                  { return nil }

func TestRegistry_AddRemoveGet(t *testing.T) {
	r := New(nil)
	h := &fakeHandle{name: "a"}

	r.Add("a", h)
	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, r.Count())

	r.Remove("a")
	_, ok = r.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())

	r.Remove("a")
}

func TestRegistry_AddOverwrites(t *testing.T) {
	r := New(nil)
	first, second := &fakeHandle{name: "1"}, &fakeHandle{name: "2"}
	r.Add("a", first)
	r.Add("a", second)

	got, _ := r.Get("a")
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_ListIDs(t *testing.T) {
	r := New(nil)
	r.Add("b", &fakeHandle{})
	r.Add("a", &fakeHandle{})
	ids := r.ListIDs()
	sort.Strings(ids)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestRegistry_TouchAndIdle(t *testing.T) {
	clk := clock.NewMock()
	r := New(clk)
	r.Add("a", &fakeHandle{})
	r.Add("b", &fakeHandle{})

	clk.Add(30 * time.Second)
	r.Touch("b")
	r.Touch("missing")
	clk.Add(20 * time.Second)

	assert.Equal(t, []string{"a"}, r.IdleSince(40*time.Second))

	conns := r.Connections()
	require.Len(t, conns, 2)
	for _, c := range conns {
		if c.ID == "b" {
			assert.True(t, c.LastMessageAt.After(c.ConnectedAt))
		}
	}
}

func TestRegistry_Target(t *testing.T) {
	r := New(nil)

	_, _, err := r.Target("")
	assert.ErrorIs(t, err, ErrNoConnection)
	assert.ErrorIs(t, err, ErrUnavailable)

	a, b := &fakeHandle{name: "a"}, &fakeHandle{name: "b"}
	r.Add("a", a)
	r.Add("b", b)
	r.SetPrimary("b")

	id, h, err := r.Target("a")
	require.NoError(t, err)
	assert.Equal(t, "a", id)
	assert.Same(t, a, h)

	id, _, err = r.Target("gone")
	require.NoError(t, err)
	assert.Equal(t, "b", id)

	r.Remove("b")
	_, ok := r.Primary()
	assert.False(t, ok)

	id, _, err = r.Target("")
	require.NoError(t, err)
	assert.Equal(t, "a", id)
}

func TestRegistry_TargetStale(t *testing.T) {
	r := New(nil)
	r.Add("a", nil)
	_, _, err := r.Target("a")
	assert.ErrorIs(t, err, ErrStaleConnection)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("mod-%d", i)
			r.Add(id, &fakeHandle{})
			r.Touch(id)
			_ = r.ListIDs()
			if i%2 == 0 {
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 25, r.Count())
}
