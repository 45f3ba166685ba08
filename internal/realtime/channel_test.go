// internal/realtime/channel_test.go
package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func changeMessage(topic string, ids []any, table, eventType string, row map[string]any) *Message {
	return &Message{
		Event: EventPostgres,
		Topic: topic,
		Payload: map[string]any{
			"ids": ids,
			"data": map[string]any{
				"schema":    "public",
				"table":     table,
				"eventType": eventType,
				"new":       row,
				"old":       map[string]any{},
			},
		},
	}
}

func TestChannelOnDefaults(t *testing.T) {
	ch := newChannel(nil, "realtime:orders", ChannelConfig{})
	ch.On(Binding{Type: BindingPostgres, Table: "orders"}, func(Event) {})

	if len(ch.bindings) != 1 {
		t.Fatalf("expected 1 binding, got %d", len(ch.bindings))
	}
	b := ch.bindings[0]
	assert.Equal(t, "public", b.Schema)
	assert.Equal(t, "*", b.Event)
	assert.True(t, b.filter.IsZero())
}

func TestChannelRoutesChangesByID(t *testing.T) {
	ch := newChannel(nil, "realtime:orders", ChannelConfig{})
	var first, second int
	ch.On(Binding{Type: BindingPostgres, Table: "orders"}, func(Event) { first++ })
	ch.On(Binding{Type: BindingPostgres, Table: "payments"}, func(Event) { second++ })
	ch.bindings[0].id = 1
	ch.bindings[1].id = 2

	ch.handleMessage(changeMessage("realtime:orders", []any{float64(2)}, "payments", "INSERT", map[string]any{"id": float64(1)}))

	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestChannelMatchesChangesWithoutIDs(t *testing.T) {
	ch := newChannel(nil, "realtime:orders", ChannelConfig{})
	var got []Event
	ch.On(Binding{Type: BindingPostgres, Event: "UPDATE", Table: "orders", Filter: "restaurant_id=eq.7"}, func(e Event) {
		got = append(got, e)
	})

	ch.handleMessage(changeMessage("realtime:orders", nil, "orders", "UPDATE", map[string]any{"restaurant_id": float64(7)}))
	ch.handleMessage(changeMessage("realtime:orders", nil, "orders", "UPDATE", map[string]any{"restaurant_id": float64(8)}))
	ch.handleMessage(changeMessage("realtime:orders", nil, "orders", "INSERT", map[string]any{"restaurant_id": float64(7)}))
	ch.handleMessage(changeMessage("realtime:orders", nil, "tables", "UPDATE", map[string]any{"restaurant_id": float64(7)}))

	if assert.Len(t, got, 1) {
		assert.Equal(t, "orders", got[0].Change.Table)
		assert.Equal(t, BindingPostgres, got[0].Type)
	}
}

func TestChannelDispatchOrder(t *testing.T) {
	ch := newChannel(nil, "realtime:orders", ChannelConfig{})
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		ch.On(Binding{Type: BindingBroadcast, Event: "*"}, func(Event) { order = append(order, i) })
	}

	ch.handleMessage(&Message{
		Event:   EventBroadcast,
		Topic:   "realtime:orders",
		Payload: map[string]any{"event": "ping", "payload": map[string]any{}},
	})

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestChannelPresenceEvents(t *testing.T) {
	ch := newChannel(nil, "realtime:room", ChannelConfig{})
	var events []string
	ch.On(Binding{Type: BindingPresence, Event: PresenceSync}, func(Event) { events = append(events, "sync") })
	ch.On(Binding{Type: BindingPresence, Event: PresenceJoin}, func(e Event) {
		events = append(events, "join:"+e.Joins.Keys()[0])
	})
	ch.On(Binding{Type: BindingPresence, Event: PresenceLeave}, func(e Event) {
		events = append(events, "leave:"+e.Leaves.Keys()[0])
	})

	ch.handleMessage(&Message{Event: EventPresenceState, Topic: "realtime:room", Payload: map[string]any{
		"u1": map[string]any{"metas": []any{map[string]any{"phx_ref": "a"}}},
	}})
	ch.handleMessage(&Message{Event: EventPresenceDiff, Topic: "realtime:room", Payload: map[string]any{
		"joins":  map[string]any{"u2": map[string]any{"metas": []any{map[string]any{"phx_ref": "b"}}}},
		"leaves": map[string]any{"u1": map[string]any{"metas": []any{map[string]any{"phx_ref": "a"}}}},
	}})

	assert.Equal(t, []string{"sync", "join:u2", "leave:u1", "sync"}, events)
	assert.Equal(t, []string{"u2"}, ch.PresenceState().Keys())
}

func TestChannelServerErrorReportsStatus(t *testing.T) {
	ch := newChannel(nil, "realtime:orders", ChannelConfig{})
	var statuses []ChannelStatus
	ch.state = ChannelJoined
	ch.onStatus = func(s ChannelStatus, err error) { statuses = append(statuses, s) }

	ch.handleMessage(&Message{Event: EventError, Topic: "realtime:orders", Payload: map[string]any{}})
	assert.Equal(t, ChannelErrored, ch.State())

	ch.state = ChannelJoined
	ch.handleMessage(&Message{Event: EventClose, Topic: "realtime:orders", Payload: map[string]any{}})
	assert.Equal(t, ChannelClosed, ch.State())

	assert.Equal(t, []ChannelStatus{StatusChannelError, StatusClosed}, statuses)
}

func TestChannelFailIgnoredWhileLeaving(t *testing.T) {
	ch := newChannel(nil, "realtime:orders", ChannelConfig{})
	called := false
	ch.state = ChannelLeaving
	ch.onStatus = func(ChannelStatus, error) { called = true }

	ch.socketClosed()

	assert.False(t, called)
	assert.Equal(t, ChannelLeaving, ch.State())
}

func TestJoinRefMatches(t *testing.T) {
	ch := newChannel(nil, "realtime:orders", ChannelConfig{})
	ch.joinRef = "5"

	assert.True(t, ch.joinRefMatches(""))
	assert.True(t, ch.joinRefMatches("5"))
	assert.False(t, ch.joinRefMatches("4"))
}
