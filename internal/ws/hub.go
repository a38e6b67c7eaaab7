package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teamsync/relay/internal/metrics"
	"github.com/teamsync/relay/internal/protocol"
	"github.com/teamsync/relay/internal/room"
)

// Frame is one inbound message queued for the hub loop.
type Frame struct {
	Room   string
	Data   []byte
	Sender *Client
}

// Hub owns the room registry: the set of live clients per room and each
// room's state. All registry mutation is serialized through Run, so two
// frames arriving "simultaneously" are merged and relayed one at a time in
// arrival order.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	// Registered clients and room state, both keyed by room name. A state
	// entry can exist without clients (seeded by a snapshot restore); a
	// clients entry cannot exist without state.
	mu      sync.RWMutex
	clients map[string]map[*Client]bool
	states  map[string]*room.Room

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Frame
	done       chan struct{}
}

func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	return &Hub{
		log:        logger,
		metrics:    m,
		clients:    make(map[string]map[*Client]bool),
		states:     make(map[string]*room.Room),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Frame, 64),
		done:       make(chan struct{}),
	}
}

// Run processes registry events until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case frame := <-h.broadcast:
			h.handleFrame(frame)

		case <-h.done:
			h.closeAll()
			return
		}
	}
}

// Stop shuts the loop down and closes every connection.
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) handleRegister(c *Client) {
	h.mu.Lock()
	members, ok := h.clients[c.roomName]
	if !ok {
		members = make(map[*Client]bool)
		h.clients[c.roomName] = members
	}
	members[c] = true
	state := h.getOrCreateStateLocked(c.roomName)
	total := len(members)
	h.mu.Unlock()

	h.metrics.Connections.Inc()
	h.updateRoomGauge()

	// Initial sync: one full-state frame, then the live presence table.
	// Join itself broadcasts nothing to the other members.
	c.trySend(protocol.EncodeSync(protocol.SyncStep2, state.Doc().EncodeFullState()))
	for _, a := range state.AwarenessSnapshot() {
		c.trySend(protocol.EncodeAwareness(a))
	}

	h.log.Info("client joined room",
		slog.String("room", c.roomName),
		slog.String("client", c.id),
		slog.Int("members", total))
}

func (h *Hub) handleUnregister(c *Client) {
	h.mu.Lock()
	members, ok := h.clients[c.roomName]
	if !ok || !members[c] {
		h.mu.Unlock()
		return
	}
	delete(members, c)
	close(c.send)

	state := h.states[c.roomName]
	hadPresence := state.DropClient(c.id)

	var remaining []*Client
	if len(members) == 0 {
		// Last one out: the room and everything it holds is discarded.
		delete(h.clients, c.roomName)
		delete(h.states, c.roomName)
	} else {
		for m := range members {
			remaining = append(remaining, m)
		}
	}
	h.mu.Unlock()

	h.metrics.Connections.Dec()
	h.updateRoomGauge()

	if hadPresence && len(remaining) > 0 {
		departed := protocol.EncodeAwareness(protocol.Awareness{ClientID: c.id})
		for _, m := range remaining {
			m.trySend(departed)
		}
	}

	if len(remaining) == 0 {
		h.log.Info("room closed", slog.String("room", c.roomName))
	} else {
		h.log.Info("client left room",
			slog.String("room", c.roomName),
			slog.String("client", c.id),
			slog.Int("members", len(remaining)))
	}
}

func (h *Hub) handleFrame(f *Frame) {
	h.mu.RLock()
	state := h.states[f.Room]
	var recipients []*Client
	for m := range h.clients[f.Room] {
		if m != f.Sender {
			recipients = append(recipients, m)
		}
	}
	h.mu.RUnlock()

	if state == nil {
		// Sender raced with room teardown; nothing to merge into.
		return
	}

	data := f.Data
	var kind string

	switch protocol.FrameKind(data) {
	case protocol.FrameSync:
		if protocol.SyncStep(data) == protocol.SyncStep1 {
			// State-vector announcements are answered with full state and
			// never forwarded.
			if f.Sender != nil {
				f.Sender.trySend(protocol.EncodeSync(protocol.SyncStep2, state.Doc().EncodeFullState()))
			}
			return
		}
		if err := state.Doc().Merge(protocol.SyncPayload(data)); err != nil {
			// Tolerated corrupt frame: drop it, keep the connection.
			h.metrics.FramesDropped.WithLabelValues(metrics.ReasonMergeFailed).Inc()
			h.log.Warn("dropping unmergeable update",
				slog.String("room", f.Room),
				slog.Any("error", err))
			return
		}
		kind = metrics.KindSync

	case protocol.FrameAwareness:
		a, err := protocol.DecodeAwareness(data)
		if err != nil {
			h.metrics.FramesDropped.WithLabelValues(metrics.ReasonInvalidFrame).Inc()
			return
		}
		// Presence is scoped to the sending connection, whatever id the
		// payload claims.
		if f.Sender != nil {
			a.ClientID = f.Sender.id
			data = protocol.EncodeAwareness(a)
		}
		state.ApplyAwareness(a)
		kind = metrics.KindAwareness

	default:
		// Clients validate frames before queueing them, so this is only
		// reachable through internal misuse.
		h.metrics.FramesDropped.WithLabelValues(metrics.ReasonInvalidFrame).Inc()
		return
	}

	var slow []*Client
	for _, m := range recipients {
		if !m.trySend(data) {
			slow = append(slow, m)
		}
	}
	if len(recipients) > len(slow) {
		h.metrics.FramesRelayed.WithLabelValues(kind).Add(float64(len(recipients) - len(slow)))
	}

	for _, m := range slow {
		h.metrics.SlowClientDisconnects.Inc()
		h.log.Warn("dropping slow client",
			slog.String("room", m.roomName),
			slog.String("client", m.id))
		h.handleUnregister(m)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, members := range h.clients {
		for c := range members {
			close(c.send)
		}
	}
	h.clients = make(map[string]map[*Client]bool)
	h.states = make(map[string]*room.Room)
}

func (h *Hub) getOrCreateStateLocked(name string) *room.Room {
	state, ok := h.states[name]
	if !ok {
		state = room.NewRoom(name)
		h.states[name] = state
	}
	return state
}

func (h *Hub) updateRoomGauge() {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	h.metrics.Rooms.Set(float64(n))
}

// GetRoomCount returns the number of rooms with at least one connection.
func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetClientCount returns the number of live connections across all rooms.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, members := range h.clients {
		total += len(members)
	}
	return total
}

// GetActiveRooms maps each active room name to its member count.
func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make(map[string]int, len(h.clients))
	for name, members := range h.clients {
		rooms[name] = len(members)
	}
	return rooms
}

// RoomState returns the live state for a room, if the room exists.
func (h *Hub) RoomState(name string) (*room.Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	state, ok := h.states[name]
	return state, ok
}

// EncodeRoomState returns a room's full document state and its update
// count. Used by the snapshot archive.
func (h *Hub) EncodeRoomState(name string) ([]byte, int, bool) {
	state, ok := h.RoomState(name)
	if !ok {
		return nil, 0, false
	}
	return state.Doc().EncodeFullState(), state.Doc().Len(), true
}

var ErrNothingToSeed = errors.New("ws: no updates to seed")

// SeedRoom merges a batch of updates into a room's replica, creating the
// room state if it is idle, and pushes the resulting full state to any
// current members. Used by snapshot restore; duplicate updates are no-ops.
func (h *Hub) SeedRoom(name string, updates [][]byte) error {
	if len(updates) == 0 {
		return ErrNothingToSeed
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.getOrCreateStateLocked(name)
	for _, u := range updates {
		if err := state.Doc().Merge(u); err != nil {
			return fmt.Errorf("seed room %q: %w", name, err)
		}
	}

	full := protocol.EncodeSync(protocol.SyncStep2, state.Doc().EncodeFullState())
	for m := range h.clients[name] {
		m.trySend(full)
	}
	return nil
}
