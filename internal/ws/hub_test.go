package ws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/teamsync/relay/internal/crdt"
	"github.com/teamsync/relay/internal/protocol"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(nil, nil)
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func newTestClient(hub *Hub, id, roomName string) *Client {
	return &Client{
		hub:      hub,
		send:     make(chan []byte, 512),
		roomName: roomName,
		id:       id,
		log:      hub.log,
	}
}

func join(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	time.Sleep(10 * time.Millisecond)
}

func leave(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.unregister <- c
	time.Sleep(10 * time.Millisecond)
}

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			t.Fatal("Send channel closed while expecting a frame")
		}
		return data
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for a frame")
		return nil
	}
}

func expectNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("Expected no frame, got %v", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func updateFrame(payload []byte) []byte {
	return protocol.EncodeSync(protocol.SyncUpdate, payload)
}

func TestHubCreation(t *testing.T) {
	hub := NewHub(nil, nil)
	if hub == nil {
		t.Fatal("Hub should not be nil")
	}
	if hub.clients == nil || hub.states == nil {
		t.Error("Hub maps should be initialized")
	}
}

func TestRegisterSendsInitialSync(t *testing.T) {
	hub := newTestHub(t)

	x := newTestClient(hub, "client-x", "canvas-1")
	join(t, hub, x)

	// A brand-new room syncs an empty full state.
	first := receive(t, x)
	if protocol.FrameKind(first) != protocol.FrameSync || protocol.SyncStep(first) != protocol.SyncStep2 {
		t.Fatalf("First frame must be a full-state sync, got %v", first[:2])
	}
	if len(protocol.SyncPayload(first)) != 0 {
		t.Errorf("Empty room should sync an empty batch, got %d bytes", len(protocol.SyncPayload(first)))
	}
}

func TestLateJoinerReceivesMergedState(t *testing.T) {
	hub := newTestHub(t)

	x := newTestClient(hub, "client-x", "canvas-1")
	join(t, hub, x)
	receive(t, x) // initial sync

	u1 := []byte("draw-point-u1")
	hub.broadcast <- &Frame{Room: "canvas-1", Data: updateFrame(u1), Sender: x}
	time.Sleep(10 * time.Millisecond)

	y := newTestClient(hub, "client-y", "canvas-1")
	join(t, hub, y)

	first := receive(t, y)
	if protocol.SyncStep(first) != protocol.SyncStep2 {
		t.Fatal("Late joiner's first frame must be full state")
	}
	split := crdt.SplitUpdates(protocol.SyncPayload(first))
	if len(split) != 1 || !bytes.Equal(split[0], u1) {
		t.Fatalf("Full state should hold u1, got %v", split)
	}

	// Join is silent for existing members.
	expectNoFrame(t, x)

	// A further update reaches y verbatim and both replicas agree.
	u2 := []byte("draw-point-u2")
	hub.broadcast <- &Frame{Room: "canvas-1", Data: updateFrame(u2), Sender: x}

	got := receive(t, y)
	if !bytes.Equal(got, updateFrame(u2)) {
		t.Errorf("u2 not forwarded verbatim: %v", got)
	}

	state, count, ok := hub.EncodeRoomState("canvas-1")
	if !ok || count != 2 {
		t.Fatalf("Expected 2 merged updates, got %d", count)
	}
	if !bytes.Equal(state, crdt.EncodeUpdates([][]byte{u1, u2})) {
		t.Error("Authoritative state must equal merge(u1, u2)")
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	hub := newTestHub(t)

	x := newTestClient(hub, "client-x", "room-1")
	y := newTestClient(hub, "client-y", "room-1")
	join(t, hub, x)
	join(t, hub, y)
	receive(t, x)
	receive(t, y)

	hub.broadcast <- &Frame{Room: "room-1", Data: updateFrame([]byte{1}), Sender: x}

	receive(t, y)
	expectNoFrame(t, x)
}

func TestNoCrossRoomLeakage(t *testing.T) {
	hub := newTestHub(t)

	x := newTestClient(hub, "client-x", "room-a")
	y := newTestClient(hub, "client-y", "room-b")
	join(t, hub, x)
	join(t, hub, y)
	receive(t, x)
	receive(t, y)

	hub.broadcast <- &Frame{Room: "room-a", Data: updateFrame([]byte{1}), Sender: x}
	time.Sleep(10 * time.Millisecond)

	expectNoFrame(t, y)

	if _, count, _ := hub.EncodeRoomState("room-b"); count != 0 {
		t.Errorf("Room b replica must stay empty, got %d updates", count)
	}
}

func TestAwarenessNotMergedIntoReplica(t *testing.T) {
	hub := newTestHub(t)

	x := newTestClient(hub, "client-x", "room-1")
	join(t, hub, x)
	receive(t, x)

	frame := protocol.EncodeAwareness(protocol.Awareness{
		ClientID: "client-x",
		Field:    "cursor",
		Value:    json.RawMessage(`{"x":10,"y":20}`),
	})
	hub.broadcast <- &Frame{Room: "room-1", Data: frame, Sender: x}
	time.Sleep(10 * time.Millisecond)

	if _, count, _ := hub.EncodeRoomState("room-1"); count != 0 {
		t.Errorf("Awareness must not be merged, got %d updates", count)
	}

	state, _ := hub.RoomState("room-1")
	value, ok := state.Presence("client-x", "cursor")
	if !ok || !bytes.Equal(value, []byte(`{"x":10,"y":20}`)) {
		t.Errorf("Awareness table not updated: %s", value)
	}
}

func TestAwarenessScopedToSender(t *testing.T) {
	hub := newTestHub(t)

	x := newTestClient(hub, "client-x", "room-1")
	y := newTestClient(hub, "client-y", "room-1")
	join(t, hub, x)
	join(t, hub, y)
	receive(t, x)
	receive(t, y)

	// The payload claims someone else's id; the relay rebinds it.
	frame := protocol.EncodeAwareness(protocol.Awareness{
		ClientID: "someone-else",
		Field:    "cursor",
		Value:    json.RawMessage(`{"x":1}`),
	})
	hub.broadcast <- &Frame{Room: "room-1", Data: frame, Sender: x}

	got, err := protocol.DecodeAwareness(receive(t, y))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.ClientID != "client-x" {
		t.Errorf("Awareness must carry the sender's id, got %q", got.ClientID)
	}

	state, _ := hub.RoomState("room-1")
	if _, ok := state.Presence("someone-else", "cursor"); ok {
		t.Error("Spoofed id must not appear in the awareness table")
	}
}

func TestAwarenessSnapshotSentOnJoin(t *testing.T) {
	hub := newTestHub(t)

	x := newTestClient(hub, "client-x", "room-1")
	join(t, hub, x)
	receive(t, x)

	frame := protocol.EncodeAwareness(protocol.Awareness{
		ClientID: "client-x",
		Field:    "cursor",
		Value:    json.RawMessage(`{"x":10,"y":20}`),
	})
	hub.broadcast <- &Frame{Room: "room-1", Data: frame, Sender: x}
	time.Sleep(10 * time.Millisecond)

	y := newTestClient(hub, "client-y", "room-1")
	join(t, hub, y)

	receive(t, y) // full state
	a, err := protocol.DecodeAwareness(receive(t, y))
	if err != nil {
		t.Fatalf("Expected awareness snapshot frame: %v", err)
	}
	if a.ClientID != "client-x" || a.Field != "cursor" {
		t.Errorf("Unexpected snapshot entry: %+v", a)
	}
}

func TestDisconnectClearsAwareness(t *testing.T) {
	hub := newTestHub(t)

	x := newTestClient(hub, "client-x", "room-1")
	y := newTestClient(hub, "client-y", "room-1")
	join(t, hub, x)
	join(t, hub, y)
	receive(t, x)
	receive(t, y)

	frame := protocol.EncodeAwareness(protocol.Awareness{
		ClientID: "client-x",
		Field:    "cursor",
		Value:    json.RawMessage(`{"x":1}`),
	})
	hub.broadcast <- &Frame{Room: "room-1", Data: frame, Sender: x}
	receive(t, y)

	leave(t, hub, x)

	a, err := protocol.DecodeAwareness(receive(t, y))
	if err != nil {
		t.Fatalf("Expected departure frame: %v", err)
	}
	if !a.Departure() || a.ClientID != "client-x" {
		t.Errorf("Unexpected departure payload: %+v", a)
	}

	state, _ := hub.RoomState("room-1")
	if _, ok := state.Presence("client-x", "cursor"); ok {
		t.Error("Departed client's presence must be removed")
	}
}

func TestRoomDiscardedWhenEmpty(t *testing.T) {
	hub := newTestHub(t)

	x := newTestClient(hub, "client-x", "room-1")
	join(t, hub, x)
	receive(t, x)

	hub.broadcast <- &Frame{Room: "room-1", Data: updateFrame([]byte{1}), Sender: x}
	time.Sleep(10 * time.Millisecond)

	leave(t, hub, x)

	if hub.GetRoomCount() != 0 {
		t.Errorf("Expected 0 active rooms, got %d", hub.GetRoomCount())
	}
	if _, ok := hub.RoomState("room-1"); ok {
		t.Error("Room state must be discarded when the last client leaves")
	}

	// A rejoin starts from scratch.
	y := newTestClient(hub, "client-y", "room-1")
	join(t, hub, y)
	first := receive(t, y)
	if len(protocol.SyncPayload(first)) != 0 {
		t.Error("Rejoined room must start empty")
	}
}

func TestMalformedUpdateDroppedNotFatal(t *testing.T) {
	hub := newTestHub(t)

	x := newTestClient(hub, "client-x", "room-1")
	y := newTestClient(hub, "client-y", "room-1")
	join(t, hub, x)
	join(t, hub, y)
	receive(t, x)
	receive(t, y)

	// Empty payload fails the merge; the frame is dropped, not forwarded,
	// and the sender stays connected.
	hub.broadcast <- &Frame{Room: "room-1", Data: updateFrame(nil), Sender: x}
	time.Sleep(10 * time.Millisecond)

	expectNoFrame(t, y)
	if hub.GetClientCount() != 2 {
		t.Errorf("Both clients must stay connected, got %d", hub.GetClientCount())
	}
}

func TestSyncStep1AnsweredWithFullState(t *testing.T) {
	hub := newTestHub(t)

	x := newTestClient(hub, "client-x", "room-1")
	y := newTestClient(hub, "client-y", "room-1")
	join(t, hub, x)
	join(t, hub, y)
	receive(t, x)
	receive(t, y)

	u1 := []byte("u1")
	hub.broadcast <- &Frame{Room: "room-1", Data: updateFrame(u1), Sender: x}
	receive(t, y)

	hub.broadcast <- &Frame{Room: "room-1", Data: protocol.EncodeSync(protocol.SyncStep1, []byte("state-vector")), Sender: y}

	reply := receive(t, y)
	if protocol.SyncStep(reply) != protocol.SyncStep2 {
		t.Fatal("Step1 must be answered with full state")
	}
	split := crdt.SplitUpdates(protocol.SyncPayload(reply))
	if len(split) != 1 || !bytes.Equal(split[0], u1) {
		t.Errorf("Full state mismatch: %v", split)
	}

	// State vectors are never forwarded to peers.
	expectNoFrame(t, x)
}

func TestSlowClientDropped(t *testing.T) {
	hub := newTestHub(t)

	x := newTestClient(hub, "client-x", "room-1")
	join(t, hub, x)
	receive(t, x)

	slow := &Client{
		hub:      hub,
		send:     make(chan []byte, 1),
		roomName: "room-1",
		id:       "client-slow",
		log:      hub.log,
	}
	join(t, hub, slow)
	// Leave the initial sync unread so the buffer is already full.

	hub.broadcast <- &Frame{Room: "room-1", Data: updateFrame([]byte{1}), Sender: x}
	time.Sleep(10 * time.Millisecond)

	if hub.GetClientCount() != 1 {
		t.Errorf("Slow client must be dropped, got %d clients", hub.GetClientCount())
	}
}

func TestSeedRoomActivatesIdleRoom(t *testing.T) {
	hub := newTestHub(t)

	u1 := []byte("restored-update")
	if err := hub.SeedRoom("room-1", [][]byte{u1}); err != nil {
		t.Fatalf("SeedRoom failed: %v", err)
	}

	x := newTestClient(hub, "client-x", "room-1")
	join(t, hub, x)

	first := receive(t, x)
	split := crdt.SplitUpdates(protocol.SyncPayload(first))
	if len(split) != 1 || !bytes.Equal(split[0], u1) {
		t.Errorf("Seeded state must reach the first joiner: %v", split)
	}
}

func TestSeedRoomPushesToMembers(t *testing.T) {
	hub := newTestHub(t)

	x := newTestClient(hub, "client-x", "room-1")
	join(t, hub, x)
	receive(t, x)

	u1 := []byte("restored-update")
	if err := hub.SeedRoom("room-1", [][]byte{u1}); err != nil {
		t.Fatalf("SeedRoom failed: %v", err)
	}

	frame := receive(t, x)
	if protocol.SyncStep(frame) != protocol.SyncStep2 {
		t.Fatal("Seed must push full state to live members")
	}
	split := crdt.SplitUpdates(protocol.SyncPayload(frame))
	if len(split) != 1 || !bytes.Equal(split[0], u1) {
		t.Errorf("Pushed state mismatch: %v", split)
	}
}

func TestSeedRoomRejectsEmptyBatch(t *testing.T) {
	hub := newTestHub(t)

	if err := hub.SeedRoom("room-1", nil); err != ErrNothingToSeed {
		t.Errorf("Expected ErrNothingToSeed, got %v", err)
	}
}

func TestCounts(t *testing.T) {
	hub := newTestHub(t)

	if hub.GetRoomCount() != 0 || hub.GetClientCount() != 0 {
		t.Error("Fresh hub must be empty")
	}

	for i := 0; i < 3; i++ {
		for j := 0; j < 2; j++ {
			c := newTestClient(hub, fmt.Sprintf("client-%d-%d", i, j), fmt.Sprintf("room-%d", i))
			join(t, hub, c)
		}
	}

	if hub.GetRoomCount() != 3 {
		t.Errorf("Expected 3 rooms, got %d", hub.GetRoomCount())
	}
	if hub.GetClientCount() != 6 {
		t.Errorf("Expected 6 clients, got %d", hub.GetClientCount())
	}

	active := hub.GetActiveRooms()
	if active["room-0"] != 2 {
		t.Errorf("Expected 2 members in room-0, got %d", active["room-0"])
	}
}
