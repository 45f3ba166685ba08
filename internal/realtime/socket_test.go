// internal/realtime/socket_test.go
package realtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/markb/tableside/internal/realtime"
	"github.com/markb/tableside/internal/realtime/realtimetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statusRecorder collects channel statuses
type statusRecorder struct {
	mu       sync.Mutex
	statuses []realtime.ChannelStatus
	ch       chan realtime.ChannelStatus
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{ch: make(chan realtime.ChannelStatus, 16)}
}

func (r *statusRecorder) fn(s realtime.ChannelStatus, _ error) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
	r.ch <- s
}

func (r *statusRecorder) wait(t *testing.T, want realtime.ChannelStatus) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func newSocket(t *testing.T, srv *realtimetest.Server) *realtime.Socket {
	t.Helper()
	s := realtime.NewSocket(realtime.SocketConfig{
		URL:               srv.URL(),
		APIKey:            "anon",
		HeartbeatInterval: 50 * time.Millisecond,
		JoinTimeout:       500 * time.Millisecond,
	})
	t.Cleanup(s.Close)
	return s
}

func TestSocketSubscribeAndReceiveChange(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	sock := newSocket(t, srv)

	ch := sock.Channel("orders-7", realtime.ChannelConfig{})
	assert.Equal(t, "realtime:orders-7", ch.Topic())

	changes := make(chan realtime.Event, 4)
	ch.On(realtime.Binding{Type: realtime.BindingPostgres, Table: "orders", Filter: "restaurant_id=eq.7"}, func(e realtime.Event) {
		changes <- e
	})

	rec := newStatusRecorder()
	ch.Subscribe(rec.fn)
	rec.wait(t, realtime.StatusSubscribed)
	assert.Equal(t, realtime.ChannelJoined, ch.State())
	assert.True(t, sock.Connected())

	srv.EmitChange("public", "orders", "INSERT", map[string]any{"restaurant_id": 8}, nil)
	srv.EmitChange("public", "orders", "INSERT", map[string]any{"restaurant_id": 7, "id": 1}, nil)

	select {
	case e := <-changes:
		require.NotNil(t, e.Change)
		assert.Equal(t, "INSERT", e.Change.EventType)
		assert.Equal(t, float64(1), e.Change.New["id"])
	case <-time.After(3 * time.Second):
		t.Fatal("no change delivered")
	}
	select {
	case e := <-changes:
		t.Fatalf("unexpected extra change: %+v", e.Change)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSocketInvalidFilterFailsJoin(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	sock := newSocket(t, srv)

	ch := sock.Channel("orders-bad", realtime.ChannelConfig{})
	ch.On(realtime.Binding{Type: realtime.BindingPostgres, Table: "orders", Filter: "restaurant_id-eq-7"}, func(realtime.Event) {})

	errs := make(chan error, 1)
	ch.Subscribe(func(s realtime.ChannelStatus, err error) {
		if s == realtime.StatusChannelError {
			errs <- err
		}
	})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, realtime.ErrInvalidFilter)
	case <-time.After(3 * time.Second):
		t.Fatal("join with an invalid filter did not fail")
	}
	assert.Equal(t, realtime.ChannelErrored, ch.State())
	assert.Equal(t, 0, srv.Joins())
}

func TestSocketJoinRejected(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	srv.RejectJoins(true)
	sock := newSocket(t, srv)

	ch := sock.Channel("orders", realtime.ChannelConfig{})
	rec := newStatusRecorder()
	ch.Subscribe(rec.fn)
	rec.wait(t, realtime.StatusChannelError)
	assert.Equal(t, realtime.ChannelErrored, ch.State())
}

func TestSocketJoinTimesOut(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	srv.MuteReplies(true)
	sock := realtime.NewSocket(realtime.SocketConfig{
		URL:               srv.URL(),
		HeartbeatInterval: 10 * time.Second,
		JoinTimeout:       200 * time.Millisecond,
	})
	defer sock.Close()

	ch := sock.Channel("orders", realtime.ChannelConfig{})
	rec := newStatusRecorder()
	ch.Subscribe(rec.fn)
	rec.wait(t, realtime.StatusTimedOut)
}

func TestSocketDropReportsClosed(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	sock := newSocket(t, srv)

	ch := sock.Channel("orders", realtime.ChannelConfig{})
	rec := newStatusRecorder()
	ch.Subscribe(rec.fn)
	rec.wait(t, realtime.StatusSubscribed)

	srv.DropAll()
	rec.wait(t, realtime.StatusClosed)
	assert.Eventually(t, func() bool { return !sock.Connected() }, time.Second, 10*time.Millisecond)

	// a fresh subscribe dials again
	ch2 := sock.Channel("orders", realtime.ChannelConfig{})
	rec2 := newStatusRecorder()
	ch2.Subscribe(rec2.fn)
	rec2.wait(t, realtime.StatusSubscribed)
	assert.Equal(t, 2, srv.Joins())
}

func TestSocketUnsubscribeDoesNotReportClosed(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	sock := newSocket(t, srv)

	ch := sock.Channel("orders", realtime.ChannelConfig{})
	rec := newStatusRecorder()
	ch.Subscribe(rec.fn)
	rec.wait(t, realtime.StatusSubscribed)

	require.NoError(t, ch.Unsubscribe(context.Background()))
	assert.Equal(t, realtime.ChannelClosed, ch.State())
	assert.Equal(t, 1, srv.Leaves())

	srv.DropAll()
	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []realtime.ChannelStatus{realtime.StatusSubscribed}, rec.statuses)
}

func TestSocketUnsubscribeNeverJoined(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	sock := newSocket(t, srv)

	ch := sock.Channel("orders", realtime.ChannelConfig{})
	assert.NoError(t, ch.Unsubscribe(context.Background()))
	assert.Equal(t, 0, srv.Leaves())
}

func TestSocketHeartbeats(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	sock := newSocket(t, srv)

	require.NoError(t, sock.Connect(context.Background()))
	assert.Eventually(t, func() bool { return srv.Heartbeats() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, sock.Connected())
}

func TestSocketMissedHeartbeatDropsConnection(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	sock := newSocket(t, srv)

	ch := sock.Channel("orders", realtime.ChannelConfig{})
	rec := newStatusRecorder()
	ch.Subscribe(rec.fn)
	rec.wait(t, realtime.StatusSubscribed)

	srv.MuteReplies(true)
	rec.wait(t, realtime.StatusClosed)
}

func TestSocketPresenceTrack(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	sock := newSocket(t, srv)

	ch := sock.OpenPresence("room", "client-1")
	synced := make(chan struct{}, 8)
	ch.On(realtime.Binding{Type: realtime.BindingPresence, Event: realtime.PresenceSync}, func(realtime.Event) {
		synced <- struct{}{}
	})

	rec := newStatusRecorder()
	ch.Subscribe(rec.fn)
	rec.wait(t, realtime.StatusSubscribed)

	require.NoError(t, ch.Track(context.Background(), map[string]any{"user_id": "u1"}))
	assert.Eventually(t, func() bool {
		return len(ch.PresenceState()["client-1"]) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSocketPresenceTrackWaitsForReply(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	sock := newSocket(t, srv)

	ch := sock.OpenPresence("room", "client-2")
	rec := newStatusRecorder()
	ch.Subscribe(rec.fn)
	rec.wait(t, realtime.StatusSubscribed)

	srv.MuteReplies(true)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.Error(t, ch.Track(ctx, map[string]any{"user_id": "u2"}))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSocketClosedRejectsConnect(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	sock := newSocket(t, srv)
	sock.Close()

	assert.ErrorIs(t, sock.Connect(context.Background()), realtime.ErrSocketClosed)
}
