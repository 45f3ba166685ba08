// internal/realtime/presence.go
package realtime

import (
	"sort"
	"sync"
)

// PresenceSnapshot maps a presence key to the metas currently tracked under it.
type PresenceSnapshot map[string][]map[string]any

// Keys returns the presence keys in sorted order.
func (s PresenceSnapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PresenceSet is the client-side mirror of a channel's presence, kept in
// sync from presence_state and presence_diff messages.
type PresenceSet struct {
	mu    sync.RWMutex
	state PresenceSnapshot
}

// NewPresenceSet creates an empty presence set
func NewPresenceSet() *PresenceSet {
	return &PresenceSet{
		state: make(PresenceSnapshot),
	}
}

// Sync replaces the state with a presence_state payload.
func (ps *PresenceSet) Sync(payload map[string]any) {
	next := make(PresenceSnapshot, len(payload))
	for key, entry := range payload {
		if metas := decodeMetas(entry); len(metas) > 0 {
			next[key] = metas
		}
	}

	ps.mu.Lock()
	ps.state = next
	ps.mu.Unlock()
}

// Diff applies a presence_diff payload and returns what joined and left.
func (ps *PresenceSet) Diff(payload map[string]any) (joins, leaves PresenceSnapshot) {
	joins = make(PresenceSnapshot)
	leaves = make(PresenceSnapshot)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if raw, ok := payload["joins"].(map[string]any); ok {
		for key, entry := range raw {
			metas := decodeMetas(entry)
			if len(metas) == 0 {
				continue
			}
			joins[key] = metas
			ps.state[key] = mergeMetas(ps.state[key], metas)
		}
	}

	if raw, ok := payload["leaves"].(map[string]any); ok {
		for key, entry := range raw {
			metas := decodeMetas(entry)
			if len(metas) == 0 {
				continue
			}
			leaves[key] = metas
			remaining := removeMetas(ps.state[key], metas)
			if len(remaining) == 0 {
				delete(ps.state, key)
			} else {
				ps.state[key] = remaining
			}
		}
	}

	return joins, leaves
}

// State returns a copy of the current presence state
func (ps *PresenceSet) State() PresenceSnapshot {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	result := make(PresenceSnapshot, len(ps.state))
	for key, metas := range ps.state {
		cp := make([]map[string]any, len(metas))
		for i, m := range metas {
			cp[i] = copyMeta(m)
		}
		result[key] = cp
	}
	return result
}

// Len returns the number of distinct presence keys.
func (ps *PresenceSet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.state)
}

// decodeMetas accepts both {"metas": [...]} and a bare list of metas.
func decodeMetas(entry any) []map[string]any {
	var list []any
	switch v := entry.(type) {
	case map[string]any:
		list, _ = v["metas"].([]any)
	case []any:
		list = v
	case []map[string]any:
		return v
	}

	metas := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			metas = append(metas, m)
		}
	}
	return metas
}

func mergeMetas(existing, joined []map[string]any) []map[string]any {
	out := append([]map[string]any{}, existing...)
	for _, j := range joined {
		replaced := false
		ref, _ := j["phx_ref"].(string)
		for i, m := range out {
			if r, _ := m["phx_ref"].(string); ref != "" && r == ref {
				out[i] = j
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, j)
		}
	}
	return out
}

func removeMetas(existing, left []map[string]any) []map[string]any {
	refs := make(map[string]bool, len(left))
	for _, m := range left {
		if ref, _ := m["phx_ref"].(string); ref != "" {
			refs[ref] = true
		}
	}
	var remaining []map[string]any
	for _, m := range existing {
		if ref, _ := m["phx_ref"].(string); refs[ref] {
			continue
		}
		remaining = append(remaining, m)
	}
	return remaining
}

func copyMeta(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
