package models

import (
	"time"

	"codepair/internal/crdt"

	"github.com/segmentio/ksuid"
)

// EventType enumerates every domain event the core emits. Typed
// constants instead of ad-hoc strings so subscribers can switch
// exhaustively.
type EventType string

const (
	// Lifecycle events
	EventSessionCreated  EventType = "sessionCreated"
	EventSessionStarted  EventType = "sessionStarted"
	EventSessionEnded    EventType = "sessionEnded"
	EventSessionArchived EventType = "sessionArchived"
	EventUserJoined      EventType = "userJoined"
	EventUserLeft        EventType = "userLeft"
	EventRoleChanged     EventType = "roleChanged"

	// Document events
	EventOperationApplied  EventType = "operationApplied"
	EventOperationRejected EventType = "operationRejected"
	EventSyncState         EventType = "syncState"

	// Conflict events
	EventConflictDetected EventType = "conflictDetected"
)

// Event is the outbound envelope handed to the transport and to
// external subscribers (chat, UI, security). Pure notification — never
// part of the correctness-critical path.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an envelope with a KSUID and the current time.
func NewEvent(t EventType, sessionID string, payload any) Event {
	return Event{
		ID:        ksuid.New().String(),
		Type:      t,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Event payloads. Kept as named structs so subscribers get real types
// instead of map soup.

type SessionEventPayload struct {
	Session *CollaborationSession `json:"session"`
}

type ParticipantEventPayload struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role,omitempty"`
}

type RoleChangedPayload struct {
	UserID       string `json:"user_id"`
	PreviousRole Role   `json:"previous_role"`
	NewRole      Role   `json:"new_role"`
}

type OperationPayload struct {
	Operation *crdt.Operation     `json:"operation"`
	Conflicts []crdt.ConflictInfo `json:"conflicts,omitempty"`
}

type RejectionPayload struct {
	OperationID string              `json:"operation_id"`
	Conflicts   []crdt.ConflictInfo `json:"conflicts"`
}

type ConflictPayload struct {
	DocumentID string              `json:"document_id"`
	Conflicts  []crdt.ConflictInfo `json:"conflicts"`
}
