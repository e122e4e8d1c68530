package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: PERSISTENCE RECORDS

The collaboration core is in-memory only; these records are the
external persistence collaborator. A bus subscriber writes them as
events flow by, so the core never blocks on the database and a write
failure can never corrupt a session.

Why persist the operation log?
- late joiners can catch up from history
- server restart without losing the document
- audit trail, including edits that lost conflict resolution
*/

// SessionSnapshot is a point-in-time copy of a session, written on every
// lifecycle transition.
type SessionSnapshot struct {
	ID           string        `gorm:"type:char(27);primaryKey" json:"id"`
	SessionID    string        `gorm:"type:char(27);not null;index:idx_snap_session" json:"session_id"`
	Name         string        `gorm:"type:text" json:"name"`
	HostID       string        `gorm:"type:char(27);not null" json:"host_id"`
	Status       SessionStatus `gorm:"type:varchar(16);not null" json:"status"`
	Participants []byte        `gorm:"type:jsonb" json:"-"` // marshalled []Participant
	CreatedAt    time.Time     `gorm:"index:idx_snap_session" json:"created_at"`
}

func (s *SessionSnapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

func (SessionSnapshot) TableName() string { return "session_snapshots" }

// OperationRecord is one applied edit, appended as operations clear the
// engine. Vector is the operation's clock snapshot as jsonb.
type OperationRecord struct {
	ID            string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	SessionID     string    `gorm:"type:char(27);not null;index:idx_op_session_time" json:"session_id"`
	DocumentID    string    `gorm:"type:char(27);not null" json:"document_id"`
	Type          string    `gorm:"type:varchar(16);not null" json:"type"`
	Position      int       `gorm:"not null" json:"position"`
	Content       string    `gorm:"type:text" json:"content,omitempty"`
	Length        int       `json:"length,omitempty"`
	Attributes    []byte    `gorm:"type:jsonb" json:"-"`
	Author        string    `gorm:"type:char(27)" json:"author"`
	OriginReplica string    `gorm:"type:varchar(64)" json:"origin_replica"`
	Vector        []byte    `gorm:"type:jsonb" json:"-"`
	Timestamp     time.Time `json:"timestamp"`
	CreatedAt     time.Time `gorm:"index:idx_op_session_time" json:"created_at"`
}

func (OperationRecord) TableName() string { return "operation_log" }

// ConflictRecord keeps every detected conflict retrievable, including
// rejected edits that last-writer-wins dropped from the document.
type ConflictRecord struct {
	ID          string    `gorm:"type:char(27);primaryKey" json:"id"`
	SessionID   string    `gorm:"type:char(27);not null;index:idx_conflict_session" json:"session_id"`
	DocumentID  string    `gorm:"type:char(27);not null" json:"document_id"`
	Type        string    `gorm:"type:varchar(32);not null" json:"type"`
	OperationID string    `gorm:"type:varchar(27)" json:"operation_id"`
	Details     []byte    `gorm:"type:jsonb" json:"-"` // marshalled []crdt.ConflictInfo
	Resolution  string    `gorm:"type:text" json:"resolution"`
	CreatedAt   time.Time `gorm:"index:idx_conflict_session" json:"created_at"`
}

func (c *ConflictRecord) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = ksuid.New().String()
	}
	return nil
}

func (ConflictRecord) TableName() string { return "conflict_log" }
