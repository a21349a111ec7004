// ABOUTME: Lifecycle event model for agent-run progress delivery
// ABOUTME: Defines the five canonical event kinds and their payloads

package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies one of the canonical run lifecycle event kinds.
// These kinds flow strictly server-to-client; an inbound frame carrying
// one of them is rejected (see wire.go).
type Type string

const (
	TypeStarted       Type = "started"
	TypeThinking      Type = "thinking"
	TypeToolExecuting Type = "tool_executing"
	TypeToolCompleted Type = "tool_completed"
	TypeCompleted     Type = "completed"
)

// serverTypes is the set of server-only lifecycle kinds.
var serverTypes = map[Type]bool{
	TypeStarted:       true,
	TypeThinking:      true,
	TypeToolExecuting: true,
	TypeToolCompleted: true,
	TypeCompleted:     true,
}

// IsServerType reports whether t is one of the five server-emitted
// lifecycle kinds.
func IsServerType(t Type) bool {
	return serverTypes[t]
}

// Event is one immutable step of a run's progress, destined for exactly
// one user. DeliveryAttempts is the only field mutated after creation,
// and only by the router.
type Event struct {
	ID               string
	RunID            string
	UserID           string
	Type             Type
	Payload          map[string]any
	CreatedAt        time.Time
	DeliveryAttempts int
}

// New creates an event of the given type for (userID, runID).
func New(userID, runID string, t Type, payload map[string]any) *Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{
		ID:        uuid.New().String(),
		RunID:     runID,
		UserID:    userID,
		Type:      t,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// NewStarted creates a run-started event.
func NewStarted(userID, runID, agentName string) *Event {
	return New(userID, runID, TypeStarted, map[string]any{"agent_name": agentName})
}

// NewThinking creates a thinking event.
func NewThinking(userID, runID string) *Event {
	return New(userID, runID, TypeThinking, map[string]any{})
}

// NewToolExecuting creates a tool-executing event.
func NewToolExecuting(userID, runID, toolName string) *Event {
	return New(userID, runID, TypeToolExecuting, map[string]any{"tool_name": toolName})
}

// NewToolCompleted creates a tool-completed event.
func NewToolCompleted(userID, runID string, results any) *Event {
	return New(userID, runID, TypeToolCompleted, map[string]any{"results": results})
}

// NewCompleted creates a terminal completion event with a summary.
func NewCompleted(userID, runID, summary string) *Event {
	return New(userID, runID, TypeCompleted, map[string]any{"summary": summary})
}

// NewCompletedError creates a terminal completion event carrying an error.
// Task-level failures travel through the same pipeline as success.
func NewCompletedError(userID, runID, errMsg string) *Event {
	return New(userID, runID, TypeCompleted, map[string]any{"error": errMsg})
}
