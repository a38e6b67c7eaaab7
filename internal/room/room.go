package room

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/teamsync/relay/internal/crdt"
	"github.com/teamsync/relay/internal/protocol"
)

// A collaborative session: the authoritative document replica plus the
// ephemeral presence table. Presence never touches the replica and dies
// with the room.
type Room struct {
	Name string

	doc *crdt.Doc

	mu        sync.RWMutex
	awareness map[string]map[string]json.RawMessage
}

// NewRoom creates an empty room with the given name
func NewRoom(name string) *Room {
	return &Room{
		Name:      name,
		doc:       crdt.NewDoc(),
		awareness: make(map[string]map[string]json.RawMessage),
	}
}

// Doc returns the room's authoritative replica.
func (r *Room) Doc() *crdt.Doc {
	return r.doc
}

// ApplyAwareness updates the presence table from one awareness payload.
// A null value deletes the field; deleting the last field drops the client
// entry entirely.
func (r *Room) ApplyAwareness(a protocol.Awareness) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.Clears() {
		if fields, ok := r.awareness[a.ClientID]; ok {
			delete(fields, a.Field)
			if len(fields) == 0 {
				delete(r.awareness, a.ClientID)
			}
		}
		return
	}

	fields, ok := r.awareness[a.ClientID]
	if !ok {
		fields = make(map[string]json.RawMessage)
		r.awareness[a.ClientID] = fields
	}
	fields[a.Field] = a.Value
}

// DropClient removes every presence field for a client. Returns true if the
// client had an entry, so the caller knows whether to announce the departure.
func (r *Room) DropClient(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.awareness[clientID]
	delete(r.awareness, clientID)
	return ok
}

// AwarenessSnapshot returns the current presence table as individual
// payloads, ordered deterministically. Only live presence is included;
// there is no history to replay.
func (r *Room) AwarenessSnapshot() []protocol.Awareness {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []protocol.Awareness
	for clientID, fields := range r.awareness {
		for field, value := range fields {
			out = append(out, protocol.Awareness{
				ClientID: clientID,
				Field:    field,
				Value:    value,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].Field < out[j].Field
	})
	return out
}

// Presence returns the last-known value of one field for one client.
func (r *Room) Presence(clientID, field string) (json.RawMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fields, ok := r.awareness[clientID]
	if !ok {
		return nil, false
	}
	value, ok := fields[field]
	return value, ok
}
