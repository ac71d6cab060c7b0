// Package events defines the messages of the arena's live feed. Every store
// mutation produces one Event, which the websocket layer writes to clients
// as JSON.
package events

import "time"

// Type discriminates live-feed events.
type Type string

const (
	// TypeSessionChanged fires when the active session is set or replaced.
	TypeSessionChanged Type = "session_changed"
	// TypeModelUpdated fires after a model's live data is merged.
	TypeModelUpdated Type = "model_updated"
	// TypeAILog fires for each appended activity-feed entry.
	TypeAILog Type = "ai_log"
	// TypeProgress fires when the run advances to a new day.
	TypeProgress Type = "progress"
	// TypeArenaStatus fires when the run starts, stops or finishes.
	TypeArenaStatus Type = "arena_status"
)

// Event is one live-feed message. Model is empty for session-wide events.
// Payload carries the event-specific body and must be JSON-marshalable.
type Event struct {
	Type      Type      `json:"type"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// StatusPayload is the body of an arena_status event.
type StatusPayload struct {
	Running bool   `json:"running"`
	Message string `json:"message,omitempty"`
}

// New builds an event stamped with the current time.
func New(t Type, model string, payload any) Event {
	return Event{
		Type:      t,
		Model:     model,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
