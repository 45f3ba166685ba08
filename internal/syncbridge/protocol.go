package syncbridge

import (
	"encoding/json"
	"fmt"

	"github.com/markb/tableside/internal/health"
)

// MessageType identifies a worker protocol message.
type MessageType string

// Messages sent to the worker.
const (
	TypeHealthUpdate          MessageType = "CONNECTION_HEALTH_UPDATE"
	TypeForceDataRefresh      MessageType = "FORCE_DATA_REFRESH"
	TypeForceBackgroundSync   MessageType = "FORCE_BACKGROUND_SYNC"
	TypeSubscriptionRefreshed MessageType = "SUBSCRIPTION_REFRESHED"
)

// Messages received from the worker. FORCE_DATA_REFRESH and
// FORCE_BACKGROUND_SYNC are accepted in both directions.
const (
	TypeRequestHealth    MessageType = "REQUEST_HEALTH"
	TypeVisibilityChange MessageType = "VISIBILITY_CHANGE"
	TypeOnline           MessageType = "ONLINE"
	TypeOffline          MessageType = "OFFLINE"
	TypeQueryCached      MessageType = "QUERY_CACHED" // keys the worker has fetched
)

// Message is one worker protocol envelope. Timestamp is unix milliseconds.
type Message struct {
	Type         MessageType    `json:"type"`
	Timestamp    int64          `json:"timestamp"`
	RestaurantID string         `json:"restaurant_id,omitempty"`
	Health       *health.Status `json:"health,omitempty"`
	Visible      *bool          `json:"visible,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Keys         []string       `json:"keys,omitempty"`
}

// Encode marshals m to JSON.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a worker message. A message without a type is
// rejected.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode worker message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("worker message has no type")
	}
	return m, nil
}
