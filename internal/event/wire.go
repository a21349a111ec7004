// ABOUTME: JSON wire frames exchanged over a persistent connection
// ABOUTME: Builds outbound frames and classifies inbound client frames

package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame is the JSON message shape on the wire. Lifecycle frames carry
// one of the five Type kinds; control frames use the Frame* types below.
type Frame struct {
	Type      string         `json:"type"`
	UserID    string         `json:"user_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Control frame types. FrameAck is sent by the server after a successful
// handshake (payload carries connection_id) and may be echoed by clients.
// FramePong is an application-level heartbeat response for clients whose
// websocket stack does not surface protocol pongs. FrameError reports a
// rejected inbound frame.
const (
	FrameAck   = "ack"
	FramePong  = "pong"
	FrameError = "error"
)

// Inbound frame classification errors.
var (
	ErrServerOnlyType = errors.New("server-only event type on inbound frame")
	ErrMalformedFrame = errors.New("malformed frame")
)

// ToFrame converts an event into its wire representation.
func (e *Event) ToFrame() Frame {
	return Frame{
		Type:      string(e.Type),
		UserID:    e.UserID,
		RunID:     e.RunID,
		Timestamp: e.CreatedAt,
		Payload:   e.Payload,
	}
}

// AckFrame builds the post-handshake acknowledgement for a connection.
func AckFrame(userID, connectionID string) Frame {
	return Frame{
		Type:      FrameAck,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"connection_id": connectionID},
	}
}

// ErrorFrame builds an error frame describing a rejected inbound message.
func ErrorFrame(code, detail string) Frame {
	return Frame{
		Type:      FrameError,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"code": code, "detail": detail},
	}
}

// ParseInbound decodes a client frame and rejects any frame that claims a
// server-only lifecycle type. Clients may only send control frames; the
// lifecycle kinds are output, never input.
func ParseInbound(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if IsServerType(Type(f.Type)) {
		return &f, fmt.Errorf("%w: %q", ErrServerOnlyType, f.Type)
	}
	return &f, nil
}
