package syncbridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/markb/tableside/internal/health"
	"github.com/markb/tableside/internal/querycache"
	"github.com/markb/tableside/internal/realtime"
	"github.com/markb/tableside/internal/realtime/realtimetest"
	"github.com/markb/tableside/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHealth struct {
	mu         sync.Mutex
	status     health.Status
	reconnects int
	listeners  []func(health.Status)
	rebuild    func(context.Context)
}

func (f *fakeHealth) Status() health.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeHealth) Subscribe(fn func(health.Status)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

func (f *fakeHealth) ForceReconnect(ctx context.Context) bool {
	f.mu.Lock()
	f.reconnects++
	rebuild := f.rebuild
	f.mu.Unlock()
	if rebuild != nil {
		rebuild(ctx)
	}
	return true
}

func (f *fakeHealth) set(s health.Status) {
	f.mu.Lock()
	f.status = s
	listeners := append([]func(health.Status)(nil), f.listeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

func (f *fakeHealth) reconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

type fakePresence struct {
	visible    int
	reconnects int
}

func (p *fakePresence) VisibilityChanged(bool) { p.visible++ }
func (p *fakePresence) Reconnect()             { p.reconnects++ }

var (
	healthy   = health.Status{IsHealthy: true, ConnectionState: health.StateConnected, ChannelCount: 1}
	unhealthy = health.Status{ConnectionState: health.StateDisconnected, ChannelCount: 1, ReconnectAttempts: 1}
)

type fixture struct {
	bridge   *Bridge
	health   *fakeHealth
	presence *fakePresence
	cache    *querycache.Cache
	opener   *realtimetest.FakeOpener
	worker   *ChanWorker
	clock    *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		health:   &fakeHealth{status: healthy},
		presence: &fakePresence{},
		cache:    querycache.New(),
		opener:   &realtimetest.FakeOpener{},
		worker:   NewChanWorker(32),
	}
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	f.clock = &now
	reg := registry.New(f.opener)
	reg.Create(context.Background(), "bookings", registry.SubscriptionConfig{Table: "bookings"}, func(realtime.Event) error { return nil })
	f.health.rebuild = func(ctx context.Context) { reg.ReconnectAll(ctx) }
	f.bridge = New(Config{StaleAfter: 3 * time.Minute, RestaurantID: "r-7"},
		WithHealth(f.health), WithRegistry(reg), WithPresence(f.presence), WithCache(f.cache),
		WithClock(func() time.Time { return *f.clock }))
	detach := f.bridge.Attach(f.worker)
	t.Cleanup(detach)
	return f
}

func (f *fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func drain(w *ChanWorker) []Message {
	var out []Message
	for {
		select {
		case m := <-w.Outbox():
			out = append(out, m)
		default:
			return out
		}
	}
}

func types(msgs []Message) []MessageType {
	out := make([]MessageType, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func TestEscalatesAfterStaleAfter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bridge.evaluate(ctx, unhealthy)
	f.advance(2 * time.Minute)
	f.bridge.evaluate(ctx, unhealthy)
	assert.False(t, f.bridge.Aggressive())
	assert.Empty(t, drain(f.worker))

	f.advance(time.Minute)
	f.bridge.evaluate(ctx, unhealthy)
	assert.True(t, f.bridge.Aggressive())
	msgs := drain(f.worker)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeForceBackgroundSync, msgs[0].Type)
	assert.Equal(t, "r-7", msgs[0].RestaurantID)
	assert.Equal(t, f.clock.UnixMilli(), msgs[0].Timestamp)

	f.bridge.evaluate(ctx, healthy)
	assert.False(t, f.bridge.Aggressive())
	msgs = drain(f.worker)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeHealthUpdate, msgs[0].Type)
	assert.True(t, msgs[0].Health.IsHealthy)
}

func TestHealthyTickResetsStaleClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bridge.evaluate(ctx, unhealthy)
	f.advance(2 * time.Minute)
	f.bridge.evaluate(ctx, healthy)
	f.advance(2 * time.Minute)
	f.bridge.evaluate(ctx, unhealthy)

	assert.False(t, f.bridge.Aggressive())
}

func TestPollInvalidatesAndResubscribes(t *testing.T) {
	f := newFixture(t)
	f.cache.Set("bookings/r-7", []string{"b1"})
	f.cache.Set("menu", 1)

	f.bridge.poll(context.Background())

	assert.ElementsMatch(t, []string{"bookings/r-7", "menu"}, f.cache.Stale())
	assert.Equal(t, 2, f.opener.Count())
	assert.Equal(t, 1, f.health.reconnectCount())
	assert.Equal(t, []MessageType{TypeSubscriptionRefreshed}, types(drain(f.worker)))
}

func TestResubscribeWithoutHealthUsesRegistry(t *testing.T) {
	opener := &realtimetest.FakeOpener{}
	reg := registry.New(opener)
	reg.Create(context.Background(), "orders", registry.SubscriptionConfig{Table: "orders"}, func(realtime.Event) error { return nil })
	b := New(Config{}, WithRegistry(reg))

	require.True(t, b.ForceResubscribe(context.Background()))
	assert.Len(t, opener.Opened("orders"), 2)
}

func TestWorkerMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cache.Set("tables", 1)

	f.bridge.Handle(ctx, Message{Type: TypeRequestHealth})
	f.bridge.Handle(ctx, Message{Type: TypeForceDataRefresh})
	f.bridge.Handle(ctx, Message{Type: TypeForceBackgroundSync})
	f.bridge.Handle(ctx, Message{Type: "SOMETHING_ELSE"})

	assert.Equal(t, []MessageType{TypeHealthUpdate, TypeSubscriptionRefreshed}, types(drain(f.worker)))
	assert.Equal(t, []string{"tables"}, f.cache.Stale())
	assert.Equal(t, 1, f.health.reconnectCount())
}

func TestVisibilityRegain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bridge.VisibilityChanged(ctx, false)
	assert.Equal(t, 0, f.presence.visible)

	f.bridge.VisibilityChanged(ctx, true)
	assert.Equal(t, 1, f.presence.visible)
	assert.Equal(t, 0, f.health.reconnectCount(), "healthy connection is left alone")

	f.health.set(unhealthy)
	visible := true
	f.bridge.Handle(ctx, Message{Type: TypeVisibilityChange, Visible: &visible})
	assert.Equal(t, 1, f.health.reconnectCount())
	assert.Equal(t, 2, f.presence.visible)
}

func TestNetworkBackOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bridge.NetworkChanged(ctx, true)
	assert.Equal(t, 0, f.health.reconnectCount(), "already online")

	f.bridge.Handle(ctx, Message{Type: TypeOffline})
	f.bridge.Handle(ctx, Message{Type: TypeOnline})

	assert.Equal(t, 1, f.health.reconnectCount())
	assert.Equal(t, 1, f.presence.reconnects)
}

func TestForceResubscribeGuard(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.bridge.refreshing.TryBegin())

	assert.False(t, f.bridge.ForceResubscribe(context.Background()))
	f.bridge.refreshing.End()
	assert.True(t, f.bridge.ForceResubscribe(context.Background()))
}

func TestServeRelaysWorkerRequests(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.bridge.Serve(ctx) }()

	first := <-f.worker.Outbox()
	assert.Equal(t, TypeHealthUpdate, first.Type)

	f.worker.Send(Message{Type: TypeRequestHealth})
	select {
	case m := <-f.worker.Outbox():
		assert.Equal(t, TypeHealthUpdate, m.Type)
	case <-time.After(time.Second):
		t.Fatal("no health reply")
	}

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestChangeEventRefreshesWorkerKeys(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.bridge.Serve(ctx) }()
	require.Equal(t, TypeHealthUpdate, (<-f.worker.Outbox()).Type)

	f.worker.Send(Message{Type: TypeQueryCached, Keys: []string{"orders/r-7", "menu/r-7"}})
	require.Eventually(t, func() bool {
		_, fresh, ok := f.cache.Get("menu/r-7")
		return ok && fresh
	}, time.Second, time.Millisecond)

	reg := registry.New(f.opener)
	reg.Create(ctx, "orders", registry.SubscriptionConfig{Table: "orders"}, func(realtime.Event) error {
		f.cache.Invalidate("orders")
		return nil
	})
	f.opener.Last("orders").Emit(realtime.Event{Type: realtime.BindingPostgres, Event: "UPDATE"})

	select {
	case m := <-f.worker.Outbox():
		assert.Equal(t, TypeForceDataRefresh, m.Type)
		assert.Equal(t, []string{"orders/r-7"}, m.Keys)
		assert.Equal(t, "r-7", m.RestaurantID)
	case <-time.After(time.Second):
		t.Fatal("no refresh for invalidated keys")
	}
	assert.Equal(t, []string{"orders/r-7"}, f.cache.Stale())

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestWorkerRefreshByKey(t *testing.T) {
	f := newFixture(t)
	f.cache.Set("orders/r-7", 1)
	f.cache.Set("menu/r-7", 1)

	f.bridge.Handle(context.Background(), Message{Type: TypeForceDataRefresh, Keys: []string{"menu"}})
	assert.Equal(t, []string{"menu/r-7"}, f.cache.Stale())
}

func TestDetachOnWorkerClose(t *testing.T) {
	b := New(Config{})
	w := NewChanWorker(1)
	b.Attach(w)
	require.Equal(t, 1, b.Workers())

	w.Close()
	assert.Eventually(t, func() bool { return b.Workers() == 0 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, w.Post(context.Background(), Message{Type: TypeHealthUpdate}), ErrWorkerClosed)
}
