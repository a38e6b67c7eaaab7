package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame kinds, carried in the first byte of every message
const (
	// Document sync frames (opaque CRDT payloads)
	FrameSync byte = 0

	// Presence frames (cursors, user colors)
	FrameAwareness byte = 1
)

// Sync steps, carried in the second byte of a sync frame
const (
	// Client announces its state vector
	SyncStep1 byte = 0

	// Full document state, sent to late joiners
	SyncStep2 byte = 1

	// Regular incremental update broadcast
	SyncUpdate byte = 2
)

var (
	ErrFrameTooShort    = errors.New("protocol: frame too short")
	ErrUnknownFrameKind = errors.New("protocol: unknown frame kind")
	ErrUnknownSyncStep  = errors.New("protocol: unknown sync step")
	ErrBadAwareness     = errors.New("protocol: malformed awareness payload")
)

// ValidateFrame rejects frames the relay must not forward: short frames,
// unknown kinds, unknown sync steps, and awareness payloads that do not
// decode. The sync payload itself is opaque and never inspected.
func ValidateFrame(data []byte) error {
	if len(data) < 2 {
		return ErrFrameTooShort
	}

	switch data[0] {
	case FrameSync:
		if data[1] > SyncUpdate {
			return fmt.Errorf("%w: %d", ErrUnknownSyncStep, data[1])
		}
		return nil
	case FrameAwareness:
		if _, err := DecodeAwareness(data); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownFrameKind, data[0])
	}
}

// FrameKind returns the first byte of a frame. Callers are expected to have
// validated the frame already.
func FrameKind(data []byte) byte {
	if len(data) == 0 {
		return FrameSync
	}
	return data[0]
}

// SyncStep returns the step byte of a sync frame.
func SyncStep(data []byte) byte {
	if len(data) < 2 {
		return SyncStep1
	}
	return data[1]
}

// SyncPayload returns the opaque CRDT bytes after the two-byte sync header.
func SyncPayload(data []byte) []byte {
	if len(data) < 2 {
		return nil
	}
	return data[2:]
}

// EncodeSync builds a sync frame from a step and an opaque payload.
func EncodeSync(step byte, payload []byte) []byte {
	frame := make([]byte, 0, 2+len(payload))
	frame = append(frame, FrameSync, step)
	return append(frame, payload...)
}

// Awareness is the structured presence payload carried after the awareness
// kind byte. A null Value clears the field; departure broadcasts carry an
// empty Field and a null Value.
type Awareness struct {
	ClientID string          `json:"clientId"`
	Field    string          `json:"field"`
	Value    json.RawMessage `json:"value"`
}

var nullJSON = []byte("null")

// Clears reports whether this payload removes the field rather than set it.
func (a Awareness) Clears() bool {
	return len(a.Value) == 0 || bytes.Equal(a.Value, nullJSON)
}

// Departure reports whether this is a server-generated "peer left" payload.
func (a Awareness) Departure() bool {
	return a.Field == "" && a.Clears()
}

// DecodeAwareness parses a full awareness frame (kind byte included).
func DecodeAwareness(data []byte) (Awareness, error) {
	if len(data) < 2 {
		return Awareness{}, ErrFrameTooShort
	}
	var a Awareness
	if err := json.Unmarshal(data[1:], &a); err != nil {
		return Awareness{}, fmt.Errorf("%w: %v", ErrBadAwareness, err)
	}
	if a.ClientID == "" {
		return Awareness{}, fmt.Errorf("%w: missing clientId", ErrBadAwareness)
	}
	return a, nil
}

// EncodeAwareness builds a full awareness frame (kind byte included).
func EncodeAwareness(a Awareness) []byte {
	if a.Value == nil {
		a.Value = nullJSON
	}
	payload, err := json.Marshal(a)
	if err != nil {
		// Values are either null or came through DecodeAwareness, so they
		// are known-valid JSON.
		panic(err)
	}
	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, FrameAwareness)
	return append(frame, payload...)
}
