package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/markb/tableside/internal/querycache"
	"github.com/markb/tableside/internal/realtime"
	"github.com/markb/tableside/internal/realtime/realtimetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func changeEvent(table string) realtime.Event {
	return realtime.Event{
		Type:   realtime.BindingPostgres,
		Event:  "INSERT",
		Change: &realtime.ChangeEvent{Schema: "public", Table: table, EventType: "INSERT"},
	}
}

// recorder returns a callback that appends tag to calls
func recorder(mu *sync.Mutex, calls *[]string, tag string) Callback {
	return func(realtime.Event) error {
		mu.Lock()
		defer mu.Unlock()
		*calls = append(*calls, tag)
		return nil
	}
}

func TestCreateOpensFilteredChannel(t *testing.T) {
	opener := &realtimetest.FakeOpener{}
	r := New(opener)

	ch := r.Create(context.Background(), "bookings", SubscriptionConfig{Table: "bookings", Filter: "restaurant_id=eq.7"}, func(realtime.Event) error { return nil })

	fake := opener.Last("bookings")
	assert.Same(t, fake, ch)
	assert.Equal(t, 1, fake.Subscribes())
	require.Len(t, fake.Bindings(), 1)
	assert.Equal(t, realtime.Binding{
		Type: realtime.BindingPostgres, Event: "*", Schema: "public", Table: "bookings", Filter: "restaurant_id=eq.7",
	}, fake.Bindings()[0])
}

func TestCreateSameNameReplaces(t *testing.T) {
	opener := &realtimetest.FakeOpener{}
	r := New(opener)
	ctx := context.Background()

	var mu sync.Mutex
	var calls []string
	for i := 0; i < 3; i++ {
		r.Create(ctx, "orders", SubscriptionConfig{Table: "orders"}, recorder(&mu, &calls, "cb"))
	}

	assert.Equal(t, 1, r.TotalCount())
	assert.Len(t, r.Callbacks("orders"), 1)

	opened := opener.Opened("orders")
	require.Len(t, opened, 3)
	assert.Equal(t, 1, opened[0].Unsubscribes())
	assert.Equal(t, 1, opened[1].Unsubscribes())
	assert.Equal(t, 0, opened[2].Unsubscribes())

	current, ok := r.Channel("orders")
	require.True(t, ok)
	assert.Same(t, opened[2], current)

	opened[2].Emit(changeEvent("orders"))
	assert.Equal(t, []string{"cb"}, calls)
}

func TestAddCallbackUnknownName(t *testing.T) {
	r := New(&realtimetest.FakeOpener{})

	ok := r.AddCallback("missing", func(realtime.Event) error { return nil })

	assert.False(t, ok)
	assert.Equal(t, 0, r.TotalCount())
	assert.Nil(t, r.Callbacks("missing"))
}

func TestCallbacksRunInOrderAndIsolateFailures(t *testing.T) {
	opener := &realtimetest.FakeOpener{}
	r := New(opener)

	var mu sync.Mutex
	var calls []string
	r.Create(context.Background(), "orders", SubscriptionConfig{Table: "orders"}, recorder(&mu, &calls, "first"))
	require.True(t, r.AddCallback("orders", func(realtime.Event) error {
		calls = append(calls, "failing")
		return errors.New("boom")
	}))
	require.True(t, r.AddCallback("orders", func(realtime.Event) error {
		calls = append(calls, "panicking")
		panic("kaboom")
	}))
	require.True(t, r.AddCallback("orders", recorder(&mu, &calls, "last")))

	ch := opener.Last("orders")
	ch.Emit(changeEvent("orders"))
	ch.Emit(changeEvent("orders"))

	assert.Equal(t, []string{"first", "failing", "panicking", "last", "first", "failing", "panicking", "last"}, calls)
	assert.Equal(t, 0, ch.Unsubscribes())
}

func TestStatusAccessors(t *testing.T) {
	opener := &realtimetest.FakeOpener{}
	r := New(opener)
	ctx := context.Background()
	noop := func(realtime.Event) error { return nil }

	r.Create(ctx, "a", SubscriptionConfig{Table: "a"}, noop)
	r.Create(ctx, "b", SubscriptionConfig{Table: "b"}, noop)

	assert.True(t, r.HasInactive())
	assert.Equal(t, 0, r.ActiveCount())

	opener.Last("a").SendStatus(realtime.StatusSubscribed, nil)
	opener.Last("b").SendStatus(realtime.StatusSubscribed, nil)
	assert.False(t, r.HasInactive())
	assert.Equal(t, 2, r.ActiveCount())
	assert.Equal(t, map[string]bool{"a": true, "b": true}, r.Status())

	opener.Last("b").SendStatus(realtime.StatusChannelError, errors.New("down"))
	assert.True(t, r.HasInactive())
	assert.Equal(t, 1, r.ActiveCount())
	assert.Equal(t, 2, r.TotalCount())
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestRemoveIsBestEffort(t *testing.T) {
	opener := &realtimetest.FakeOpener{}
	r := New(opener)
	r.Create(context.Background(), "orders", SubscriptionConfig{Table: "orders"}, func(realtime.Event) error { return nil })
	opener.Last("orders").FailUnsubscribe(errors.New("socket closed"))

	res := r.Remove(context.Background(), "orders")

	assert.Error(t, res.Err)
	assert.Equal(t, 0, r.TotalCount())
	assert.NoError(t, r.Remove(context.Background(), "orders").Err)
}

func TestReconnectAllPreservesNamesAndCallbacks(t *testing.T) {
	opener := &realtimetest.FakeOpener{}
	cache := querycache.New()
	cache.Set("A/r1", 1)
	cache.Set("other", 2)
	r := New(opener, WithCache(cache))
	ctx := context.Background()

	var mu sync.Mutex
	var calls []string
	r.Create(ctx, "A", SubscriptionConfig{Table: "A"}, recorder(&mu, &calls, "a1"))
	r.AddCallback("A", recorder(&mu, &calls, "a2"))
	r.Create(ctx, "B", SubscriptionConfig{Table: "B", Event: "UPDATE"}, recorder(&mu, &calls, "b1"))
	opener.Last("A").FailUnsubscribe(errors.New("already closed"))

	namesBefore := r.Names()
	require.Equal(t, 2, opener.Count())

	results := r.ReconnectAll(ctx)

	// exactly one create per name and one AddCallback (A's second callback)
	assert.Equal(t, 4, opener.Count())
	assert.Len(t, opener.Opened("A"), 2)
	assert.Len(t, opener.Opened("B"), 2)
	require.Len(t, results, 2)
	assert.Equal(t, "A", results[0].Name)
	assert.Error(t, results[0].Err)
	assert.Equal(t, 1, results[0].Replayed)
	assert.Equal(t, 0, results[1].Replayed)
	assert.NoError(t, results[1].Err)

	assert.Equal(t, namesBefore, r.Names())
	assert.Len(t, r.Callbacks("A"), 2)
	assert.Len(t, r.Callbacks("B"), 1)
	assert.Equal(t, "UPDATE", opener.Last("B").Bindings()[0].Event)

	opener.Last("A").Emit(changeEvent("A"))
	opener.Last("B").Emit(realtime.Event{Type: realtime.BindingPostgres, Event: "UPDATE"})
	assert.Equal(t, []string{"a1", "a2", "b1"}, calls)

	assert.Equal(t, []string{"A/r1"}, cache.Stale())
}

func TestReconnectAllWhileInFlightIsNoop(t *testing.T) {
	opener := &realtimetest.FakeOpener{}
	r := New(opener)
	ctx := context.Background()
	r.Create(ctx, "orders", SubscriptionConfig{Table: "orders"}, func(realtime.Event) error { return nil })
	release := opener.Last("orders").BlockUnsubscribe()

	done := make(chan []Result)
	go func() { done <- r.ReconnectAll(ctx) }()
	require.Eventually(t, r.Reconnecting, time.Second, time.Millisecond)

	second := r.ReconnectAll(ctx)
	assert.Nil(t, second)
	assert.Equal(t, 1, opener.Count())

	release()
	first := <-done
	assert.Len(t, first, 1)
	assert.Equal(t, 2, opener.Count())
	assert.Equal(t, []string{"orders"}, r.Names())
	assert.False(t, r.Reconnecting())
}

func TestReconnectAllEmpty(t *testing.T) {
	r := New(&realtimetest.FakeOpener{})
	assert.Empty(t, r.ReconnectAll(context.Background()))
}

func TestStaleStatusIgnoredAfterReplace(t *testing.T) {
	opener := &realtimetest.FakeOpener{}
	r := New(opener)
	ctx := context.Background()
	noop := func(realtime.Event) error { return nil }

	r.Create(ctx, "orders", SubscriptionConfig{Table: "orders"}, noop)
	old := opener.Last("orders")
	r.Create(ctx, "orders", SubscriptionConfig{Table: "orders"}, noop)
	opener.Last("orders").SendStatus(realtime.StatusSubscribed, nil)

	// the fake detached the old callback on Unsubscribe, so this is a no-op
	old.SendStatus(realtime.StatusClosed, nil)
	assert.Equal(t, 1, r.ActiveCount())
}

func TestInvalidFilterStaysInactive(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	sock := realtime.NewSocket(realtime.SocketConfig{URL: srv.URL(), APIKey: "anon", JoinTimeout: 500 * time.Millisecond})
	defer sock.Close()

	r := New(sock)
	noop := func(realtime.Event) error { return nil }
	r.Create(context.Background(), "good", SubscriptionConfig{Table: "bookings", Filter: "restaurant_id=eq.7"}, noop)
	r.Create(context.Background(), "bad", SubscriptionConfig{Table: "bookings", Filter: "restaurant_id-eq-7"}, noop)

	require.Eventually(t, func() bool { return r.ActiveCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return r.Status()["bad"] }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, map[string]bool{"good": true, "bad": false}, r.Status())
	assert.True(t, r.HasInactive())
	assert.Equal(t, 1, srv.Joins())
}
