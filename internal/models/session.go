package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// SessionStatus is the lifecycle state of a collaboration session.
type SessionStatus string

const (
	SessionCreated  SessionStatus = "created"
	SessionActive   SessionStatus = "active"
	SessionEnded    SessionStatus = "ended"
	SessionArchived SessionStatus = "archived" // display/retention only
)

// Joinable reports whether new participants may still enter.
func (s SessionStatus) Joinable() bool {
	return s == SessionCreated || s == SessionActive
}

// Role is a participant's function in the pair-programming session.
type Role string

const (
	RoleObserver  Role = "observer"
	RoleDriver    Role = "driver"
	RoleNavigator Role = "navigator"
	RoleModerator Role = "moderator"
)

// Permission is a single capability granted by a role.
type Permission string

const (
	PermRead     Permission = "read"
	PermWrite    Permission = "write"
	PermEdit     Permission = "edit"
	PermDelete   Permission = "delete"
	PermShare    Permission = "share"
	PermRecord   Permission = "record"
	PermTerminal Permission = "terminal"
	PermDebug    Permission = "debug"
	PermModerate Permission = "moderate"
)

// PermissionsForRole is the canonical role -> permission mapping. Role
// is the source of truth; a participant's permission set is always
// derived from it and never mutated independently.
func PermissionsForRole(role Role) []Permission {
	switch role {
	case RoleDriver:
		return []Permission{PermRead, PermWrite, PermEdit, PermTerminal, PermDebug}
	case RoleNavigator:
		return []Permission{PermRead, PermEdit, PermTerminal, PermDebug}
	case RoleModerator:
		return []Permission{
			PermRead, PermWrite, PermEdit, PermDelete, PermShare,
			PermRecord, PermTerminal, PermDebug, PermModerate,
		}
	default: // observer
		return []Permission{PermRead}
	}
}

// ConflictPolicy names the resolution strategy for concurrent edits.
// Only last-writer-wins is implemented; the setting exists so a session
// records what its clients were promised.
type ConflictPolicy string

const (
	PolicyLastWriterWins ConflictPolicy = "last_writer_wins"
)

// SessionSettings are the per-session knobs fixed at creation.
type SessionSettings struct {
	MaxParticipants int            `json:"max_participants"`
	ConflictPolicy  ConflictPolicy `json:"conflict_policy"`
	AllowObservers  bool           `json:"allow_observers"`
}

// DefaultSettings returns the settings applied when a creator passes none.
func DefaultSettings() SessionSettings {
	return SessionSettings{
		MaxParticipants: 10,
		ConflictPolicy:  PolicyLastWriterWins,
		AllowObservers:  true,
	}
}

// Participant is one user's membership in one session. Permissions are
// always exactly PermissionsForRole(Role).
type Participant struct {
	UserID      string       `json:"user_id"`
	SessionID   string       `json:"session_id"`
	Role        Role         `json:"role"`
	Permissions []Permission `json:"permissions"`
	IsActive    bool         `json:"is_active"`
	JoinedAt    time.Time    `json:"joined_at"`
}

// Clone returns an independent copy of the participant.
func (p *Participant) Clone() *Participant {
	out := *p
	out.Permissions = append([]Permission(nil), p.Permissions...)
	return &out
}

// Has reports whether the participant holds the given permission.
func (p *Participant) Has(perm Permission) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

// SetRole assigns a role and re-derives the permission set from it.
// This is the only way a participant's permissions ever change.
func (p *Participant) SetRole(role Role) {
	p.Role = role
	p.Permissions = PermissionsForRole(role)
}

// CollaborationSession is one collaborative editing room. It owns
// exactly one document replica, created and destroyed with it.
type CollaborationSession struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	HostID   string          `json:"host_id"`
	Status   SessionStatus   `json:"status"`
	Settings SessionSettings `json:"settings"`

	// Participants holds one entry per current member, in join order.
	// Non-host members are removed on leave; the host's entry is kept
	// but marked inactive.
	Participants []*Participant `json:"participants"`

	// CurrentDriver / CurrentNavigator each name at most one active
	// participant holding that role, or are empty.
	CurrentDriver    string `json:"current_driver,omitempty"`
	CurrentNavigator string `json:"current_navigator,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// NewCollaborationSession creates a session in the created state with
// the host auto-joined as sole moderator.
func NewCollaborationSession(name, hostID string, settings SessionSettings) *CollaborationSession {
	now := time.Now()
	s := &CollaborationSession{
		ID:        ksuid.New().String(),
		Name:      name,
		HostID:    hostID,
		Status:    SessionCreated,
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}

	host := &Participant{
		UserID:    hostID,
		SessionID: s.ID,
		IsActive:  true,
		JoinedAt:  now,
	}
	host.SetRole(RoleModerator)
	s.Participants = append(s.Participants, host)

	return s
}

// Snapshot deep-copies the session so the copy can be read, marshalled,
// or handed to subscribers without holding the owning lock. The caller
// must hold that lock while snapshotting.
func (s *CollaborationSession) Snapshot() *CollaborationSession {
	out := *s
	out.Participants = make([]*Participant, len(s.Participants))
	for i, p := range s.Participants {
		out.Participants[i] = p.Clone()
	}
	if s.EndedAt != nil {
		endedAt := *s.EndedAt
		out.EndedAt = &endedAt
	}
	return &out
}

// Participant returns the membership entry for a user, or nil.
func (s *CollaborationSession) Participant(userID string) *Participant {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// ActiveParticipants returns active members in join order.
func (s *CollaborationSession) ActiveParticipants() []*Participant {
	var out []*Participant
	for _, p := range s.Participants {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out
}

// ActiveCount returns the number of active members.
func (s *CollaborationSession) ActiveCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.IsActive {
			n++
		}
	}
	return n
}
