package realtimetest

import (
	"sync"

	"github.com/google/uuid"
)

// presenceState is the server-side presence for one topic
type presenceState struct {
	mu    sync.Mutex
	state map[string][]presenceMeta // presence key -> metas
}

type presenceMeta struct {
	connID  string
	phxRef  string
	payload map[string]any
}

// track adds or replaces the meta for key/connection
func (ps *presenceState) track(key, connID string, payload map[string]any) map[string]any {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	meta := presenceMeta{
		connID:  connID,
		phxRef:  uuid.New().String()[:8],
		payload: payload,
	}

	metas := ps.state[key]
	for i, m := range metas {
		if m.connID == connID {
			metas[i] = meta
			return meta.toMap()
		}
	}
	ps.state[key] = append(metas, meta)
	return meta.toMap()
}

// untrack removes the metas for key/connection and returns them
func (ps *presenceState) untrack(key, connID string) []map[string]any {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	var leaves []map[string]any
	var remaining []presenceMeta
	for _, m := range ps.state[key] {
		if m.connID == connID {
			leaves = append(leaves, m.toMap())
		} else {
			remaining = append(remaining, m)
		}
	}
	if len(remaining) == 0 {
		delete(ps.state, key)
	} else {
		ps.state[key] = remaining
	}
	return leaves
}

// snapshot returns the state in presence_state wire form
func (ps *presenceState) snapshot() map[string]any {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	result := make(map[string]any, len(ps.state))
	for key, metas := range ps.state {
		list := make([]any, len(metas))
		for i, m := range metas {
			list[i] = m.toMap()
		}
		result[key] = map[string]any{"metas": list}
	}
	return result
}

func (m presenceMeta) toMap() map[string]any {
	result := make(map[string]any, len(m.payload)+1)
	for k, v := range m.payload {
		result[k] = v
	}
	result["phx_ref"] = m.phxRef
	return result
}
