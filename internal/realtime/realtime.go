// internal/realtime/realtime.go
package realtime

import (
	"context"
	"errors"
)

var (
	// ErrSocketClosed is returned when the socket has no live connection.
	ErrSocketClosed = errors.New("realtime: socket closed")
	// ErrNotJoined is returned for pushes on a channel that is not joined.
	ErrNotJoined = errors.New("realtime: channel not joined")
	// ErrSendBufferFull is returned when the outbound queue is saturated.
	ErrSendBufferFull = errors.New("realtime: send buffer full")
)

// ChannelStatus is reported to the Subscribe callback.
type ChannelStatus string

const (
	StatusSubscribed   ChannelStatus = "SUBSCRIBED"
	StatusChannelError ChannelStatus = "CHANNEL_ERROR"
	StatusTimedOut     ChannelStatus = "TIMED_OUT"
	StatusClosed       ChannelStatus = "CLOSED"
)

// StatusFunc receives channel status transitions. err is set for
// CHANNEL_ERROR and TIMED_OUT.
type StatusFunc func(status ChannelStatus, err error)

// BindingType selects which server events a handler receives.
type BindingType string

const (
	BindingPostgres  BindingType = "postgres_changes"
	BindingBroadcast BindingType = "broadcast"
	BindingPresence  BindingType = "presence"
	BindingSystem    BindingType = "system"
)

// Presence binding events
const (
	PresenceSync  = "sync"
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// Binding describes the events a handler is interested in. For postgres
// changes Event is INSERT, UPDATE, DELETE or "*".
type Binding struct {
	Type   BindingType
	Event  string
	Schema string
	Table  string
	Filter string
}

// Event is delivered to handlers registered with On.
type Event struct {
	Type    BindingType
	Event   string
	Topic   string
	Payload map[string]any
	Change  *ChangeEvent
	Joins   PresenceSnapshot
	Leaves  PresenceSnapshot
}

// Handler consumes channel events.
type Handler func(Event)

// ChannelConfig holds per-channel join options.
type ChannelConfig struct {
	Broadcast BroadcastConfig
	Presence  PresenceConfig
	Private   bool
}

// RealtimeChannel is the subset of *Channel used by the recovery services.
type RealtimeChannel interface {
	Topic() string
	On(b Binding, h Handler)
	Subscribe(fn StatusFunc)
	Unsubscribe(ctx context.Context) error
}

// PresenceChannel is a RealtimeChannel with presence tracking.
type PresenceChannel interface {
	RealtimeChannel
	PresenceState() PresenceSnapshot
	Track(ctx context.Context, payload map[string]any) error
}

// Opener creates channels by name.
type Opener interface {
	Open(name string, cfg ChannelConfig) RealtimeChannel
}

// PresenceOpener creates presence-enabled channels.
type PresenceOpener interface {
	OpenPresence(name, key string) PresenceChannel
}
