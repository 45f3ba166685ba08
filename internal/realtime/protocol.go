// Package realtime is a client for the Supabase Realtime protocol.
// It speaks Phoenix Protocol v1.0.0 over a WebSocket and exposes channels
// carrying postgres_changes, broadcast and presence events.
package realtime

import (
	"encoding/json"
	"fmt"
)

// Phoenix Protocol v1.0.0 message format
type Message struct {
	Event   string         `json:"event"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref,omitempty"`
	JoinRef string         `json:"join_ref,omitempty"`
}

// Client events
const (
	EventJoin        = "phx_join"
	EventLeave       = "phx_leave"
	EventHeartbeat   = "heartbeat"
	EventAccessToken = "access_token"
	EventBroadcast   = "broadcast"
	EventPresence    = "presence"
)

// Server events
const (
	EventReply         = "phx_reply"
	EventClose         = "phx_close"
	EventError         = "phx_error"
	EventSystem        = "system"
	EventPostgres      = "postgres_changes"
	EventPresenceState = "presence_state"
	EventPresenceDiff  = "presence_diff"
)

// Phoenix topic for heartbeats
const TopicPhoenix = "phoenix"

// TopicPrefix is prepended to channel names to form the wire topic.
const TopicPrefix = "realtime:"

// JoinConfig is sent as payload.config of phx_join.
type JoinConfig struct {
	Broadcast       BroadcastConfig     `json:"broadcast"`
	Presence        PresenceConfig      `json:"presence"`
	PostgresChanges []PostgresChangeSub `json:"postgres_changes"`
	Private         bool                `json:"private"`
}

// BroadcastConfig holds broadcast options
type BroadcastConfig struct {
	Ack  bool `json:"ack"`  // wait for server ack
	Self bool `json:"self"` // receive own broadcasts
}

// PresenceConfig holds presence options
type PresenceConfig struct {
	Key string `json:"key"` // presence key (e.g., user ID)
}

// PostgresChangeSub holds a postgres_changes subscription
type PostgresChangeSub struct {
	Event  string `json:"event"`            // INSERT, UPDATE, DELETE, *
	Schema string `json:"schema"`           // "public"
	Table  string `json:"table"`            // table name or "*"
	Filter string `json:"filter,omitempty"` // e.g., "restaurant_id=eq.123"
	ID     int    `json:"id,omitempty"`     // assigned in join order
}

// ChangeEvent represents a database change delivered on a channel.
type ChangeEvent struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp string         `json:"commit_timestamp"`
	EventType       string         `json:"eventType"` // INSERT, UPDATE, DELETE
	New             map[string]any `json:"new"`
	Old             map[string]any `json:"old"`
	Errors          []string       `json:"errors"`
}

// NewJoinMessage creates a phx_join message.
func NewJoinMessage(topic, joinRef, ref string, config JoinConfig, accessToken string) *Message {
	payload := map[string]any{
		"config": config,
	}
	if accessToken != "" {
		payload["access_token"] = accessToken
	}
	return &Message{
		Event:   EventJoin,
		Topic:   topic,
		JoinRef: joinRef,
		Ref:     ref,
		Payload: payload,
	}
}

// NewLeaveMessage creates a phx_leave message.
func NewLeaveMessage(topic, joinRef, ref string) *Message {
	return &Message{
		Event:   EventLeave,
		Topic:   topic,
		JoinRef: joinRef,
		Ref:     ref,
		Payload: map[string]any{},
	}
}

// NewHeartbeatMessage creates a heartbeat on the phoenix topic.
func NewHeartbeatMessage(ref string) *Message {
	return &Message{
		Event:   EventHeartbeat,
		Topic:   TopicPhoenix,
		Ref:     ref,
		Payload: map[string]any{},
	}
}

// NewTrackMessage creates a presence track message.
func NewTrackMessage(topic, joinRef, ref string, payload map[string]any) *Message {
	return &Message{
		Event:   EventPresence,
		Topic:   topic,
		JoinRef: joinRef,
		Ref:     ref,
		Payload: map[string]any{
			"type":    "presence",
			"event":   "track",
			"payload": payload,
		},
	}
}

// NewAccessTokenMessage pushes a refreshed access token for a joined topic.
func NewAccessTokenMessage(topic, joinRef, ref, token string) *Message {
	return &Message{
		Event:   EventAccessToken,
		Topic:   topic,
		JoinRef: joinRef,
		Ref:     ref,
		Payload: map[string]any{"access_token": token},
	}
}

// ReplyStatus extracts status and response from a phx_reply payload.
func ReplyStatus(payload map[string]any) (string, map[string]any) {
	status, _ := payload["status"].(string)
	response, _ := payload["response"].(map[string]any)
	return status, response
}

// DecodeChange extracts the change record and routed subscription ids
// from a postgres_changes payload.
func DecodeChange(payload map[string]any) (*ChangeEvent, []int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encode change payload: %w", err)
	}
	var wire struct {
		IDs  []int       `json:"ids"`
		Data ChangeEvent `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, nil, fmt.Errorf("invalid change payload: %w", err)
	}
	return &wire.Data, wire.IDs, nil
}

// Encode serializes a message to JSON bytes
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses JSON bytes into a Message
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	return &msg, nil
}
