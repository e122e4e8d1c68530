package collaboration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codepair/internal/crdt"
	"codepair/internal/models"
)

// UserDirectory is the identity lookup the registry consumes. The core
// trusts an already-authenticated user id and only checks existence.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// sessionEntry pairs a session with its own lock. Every mutation of the
// session record or its document replica happens under this lock, so
// two concurrent edits to the same session can never interleave inside
// the engine's detect -> resolve -> append sequence. Different sessions
// share nothing but the registry map itself.
type sessionEntry struct {
	mu           sync.Mutex
	session      *models.CollaborationSession
	lastActivity time.Time
}

// Registry owns every CollaborationSession hosted by this process and
// the 1:1 binding between a session and its document replica.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*sessionEntry

	users  UserDirectory
	engine *crdt.Engine
	bus    *Bus

	defaults models.SessionSettings
}

// NewRegistry creates a registry backed by the given identity
// directory, CRDT engine, and event bus.
func NewRegistry(users UserDirectory, engine *crdt.Engine, bus *Bus) *Registry {
	return &Registry{
		entries:  make(map[string]*sessionEntry),
		users:    users,
		engine:   engine,
		bus:      bus,
		defaults: models.DefaultSettings(),
	}
}

// SetDefaultSettings overrides the settings applied when a session is
// created without any, e.g. from server configuration.
func (r *Registry) SetDefaultSettings(settings models.SessionSettings) {
	if settings.MaxParticipants > 0 {
		r.defaults = settings
	}
}

func (r *Registry) entry(sessionID string) (*sessionEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[sessionID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return e, nil
}

// CreateSession creates a session in the created state with the host as
// sole moderator, and its document replica alongside it. The document
// id is the session id — the binding is 1:1 for the session's lifetime.
func (r *Registry) CreateSession(ctx context.Context, hostID, name string, settings models.SessionSettings) (*models.CollaborationSession, error) {
	if _, err := r.users.GetUser(ctx, hostID); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	if settings.MaxParticipants <= 0 {
		settings = r.defaults
	}

	session := models.NewCollaborationSession(name, hostID, settings)
	r.engine.CreateDocument(session.ID, "")

	// Snapshot before the record becomes reachable through the map.
	snap := session.Snapshot()

	r.mu.Lock()
	r.entries[session.ID] = &sessionEntry{
		session:      session,
		lastActivity: time.Now(),
	}
	r.mu.Unlock()

	r.bus.PublishLifecycle(models.NewEvent(models.EventSessionCreated, session.ID,
		models.SessionEventPayload{Session: snap}))

	return snap, nil
}

// JoinSession adds a user to a session with the requested role
// (observer by default). Re-joining is idempotent: an already-active
// participant keeps its role, no duplicate entry. Returned records are
// snapshots; the live ones never leave the entry lock.
func (r *Registry) JoinSession(ctx context.Context, sessionID, userID string, role models.Role) (*models.CollaborationSession, *models.Participant, error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := r.users.GetUser(ctx, userID); err != nil {
		return nil, nil, fmt.Errorf("join session: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.session
	if !s.Status.Joinable() {
		return nil, nil, models.ErrSessionNotJoinable
	}
	if role == "" {
		role = models.RoleObserver
	}
	if role == models.RoleObserver && !s.Settings.AllowObservers {
		return nil, nil, models.ErrPermissionDenied
	}

	if existing := s.Participant(userID); existing != nil {
		if existing.IsActive {
			return s.Snapshot(), existing.Clone(), nil
		}
		// The host re-entering after a leave: reactivate the kept entry.
		existing.IsActive = true
		existing.JoinedAt = time.Now()
		assignRole(s, existing, role)
		r.touchLocked(e)
		r.bus.PublishLifecycle(models.NewEvent(models.EventUserJoined, s.ID,
			models.ParticipantEventPayload{UserID: userID, Role: existing.Role}))
		return s.Snapshot(), existing.Clone(), nil
	}

	if s.ActiveCount() >= s.Settings.MaxParticipants {
		return nil, nil, models.ErrSessionFull
	}

	p := &models.Participant{
		UserID:    userID,
		SessionID: s.ID,
		IsActive:  true,
		JoinedAt:  time.Now(),
	}
	p.SetRole(models.RoleObserver)
	s.Participants = append(s.Participants, p)
	assignRole(s, p, role)
	r.touchLocked(e)

	r.bus.PublishLifecycle(models.NewEvent(models.EventUserJoined, s.ID,
		models.ParticipantEventPayload{UserID: userID, Role: p.Role}))

	return s.Snapshot(), p.Clone(), nil
}

// LeaveSession marks the participant inactive and removes the record
// unless they are the host. A vacated driver or navigator slot is
// refilled by the replacement search. When the last active participant
// leaves an active session, the session ends.
func (r *Registry) LeaveSession(ctx context.Context, sessionID, userID string) error {
	e, err := r.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	s := e.session
	p := s.Participant(userID)
	if p == nil {
		e.mu.Unlock()
		return models.ErrUserNotInSession
	}

	p.IsActive = false
	promoted := clearRoleSlots(s, p)
	if promoted != nil {
		promoted = promoted.Clone()
	}

	if userID != s.HostID {
		for i, existing := range s.Participants {
			if existing.UserID == userID {
				s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
				break
			}
		}
	}
	s.UpdatedAt = time.Now()
	r.touchLocked(e)

	endNow := s.ActiveCount() == 0 && s.Status == models.SessionActive
	if endNow {
		r.endLocked(s)
	}
	snap := s.Snapshot()
	e.mu.Unlock()

	r.bus.PublishLifecycle(models.NewEvent(models.EventUserLeft, sessionID,
		models.ParticipantEventPayload{UserID: userID}))
	if promoted != nil {
		r.bus.PublishLifecycle(models.NewEvent(models.EventRoleChanged, sessionID,
			models.RoleChangedPayload{UserID: promoted.UserID, PreviousRole: models.RoleNavigator, NewRole: promoted.Role}))
	}
	if endNow {
		r.bus.PublishLifecycle(models.NewEvent(models.EventSessionEnded, sessionID,
			models.SessionEventPayload{Session: snap}))
	}

	return nil
}

// ChangeRole reassigns a participant's role, enforcing the single
// driver/navigator slots: promoting to driver demotes the prior driver
// to navigator, and vacating a slot triggers the replacement search.
func (r *Registry) ChangeRole(ctx context.Context, sessionID, userID string, role models.Role) (*models.Participant, error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	s := e.session
	p := s.Participant(userID)
	if p == nil || !p.IsActive {
		e.mu.Unlock()
		return nil, models.ErrUserNotInSession
	}

	previous := p.Role
	demoted := assignRole(s, p, role)
	s.UpdatedAt = time.Now()
	r.touchLocked(e)
	changed := p.Clone()
	if demoted != nil {
		demoted = demoted.Clone()
	}
	e.mu.Unlock()

	r.bus.PublishLifecycle(models.NewEvent(models.EventRoleChanged, sessionID,
		models.RoleChangedPayload{UserID: userID, PreviousRole: previous, NewRole: role}))
	if demoted != nil {
		r.bus.PublishLifecycle(models.NewEvent(models.EventRoleChanged, sessionID,
			models.RoleChangedPayload{UserID: demoted.UserID, PreviousRole: models.RoleDriver, NewRole: demoted.Role}))
	}

	return changed, nil
}

// StartSession moves a created session to active.
func (r *Registry) StartSession(ctx context.Context, sessionID string) (*models.CollaborationSession, error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	s := e.session
	if s.Status != models.SessionCreated {
		e.mu.Unlock()
		return nil, models.ErrSessionNotJoinable
	}
	s.Status = models.SessionActive
	s.UpdatedAt = time.Now()
	r.touchLocked(e)
	snap := s.Snapshot()
	e.mu.Unlock()

	r.bus.PublishLifecycle(models.NewEvent(models.EventSessionStarted, sessionID,
		models.SessionEventPayload{Session: snap}))

	return snap, nil
}

// EndSession deactivates everyone and moves the session to ended.
// Idempotent: ending an ended session is a no-op.
func (r *Registry) EndSession(ctx context.Context, sessionID string) error {
	e, err := r.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	s := e.session
	if s.Status == models.SessionEnded || s.Status == models.SessionArchived {
		e.mu.Unlock()
		return nil
	}
	r.endLocked(s)
	snap := s.Snapshot()
	e.mu.Unlock()

	r.bus.PublishLifecycle(models.NewEvent(models.EventSessionEnded, sessionID,
		models.SessionEventPayload{Session: snap}))

	return nil
}

// endLocked performs the ended transition. Caller holds the entry lock.
func (r *Registry) endLocked(s *models.CollaborationSession) {
	now := time.Now()
	s.Status = models.SessionEnded
	s.EndedAt = &now
	s.UpdatedAt = now
	s.CurrentDriver = ""
	s.CurrentNavigator = ""
	for _, p := range s.Participants {
		p.IsActive = false
	}
}

// ArchiveSession moves an ended session to archived and tears down its
// document replica. The transition is display/retention only.
func (r *Registry) ArchiveSession(ctx context.Context, sessionID string) error {
	e, err := r.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	s := e.session
	if s.Status != models.SessionEnded {
		e.mu.Unlock()
		return nil
	}
	s.Status = models.SessionArchived
	s.UpdatedAt = time.Now()
	snap := s.Snapshot()
	e.mu.Unlock()

	r.engine.RemoveDocument(sessionID)

	r.bus.PublishLifecycle(models.NewEvent(models.EventSessionArchived, sessionID,
		models.SessionEventPayload{Session: snap}))

	return nil
}

// ApplyEdit runs one edit operation against the session's replica,
// holding the session entry lock across the whole detect -> resolve ->
// append sequence so session-level serialization holds even though the
// replica carries its own lock.
func (r *Registry) ApplyEdit(ctx context.Context, sessionID string, op crdt.Operation) (*crdt.ApplyResult, error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := r.engine.Apply(sessionID, op)
	if err != nil {
		return nil, err
	}
	r.touchLocked(e)
	return result, nil
}

// GetSession returns a snapshot of the session record, taken under the
// entry lock. The live record never escapes the registry, so callers
// can iterate participants or marshal the result while joins and
// leaves keep mutating the original.
func (r *Registry) GetSession(sessionID string) (*models.CollaborationSession, error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Snapshot(), nil
}

// GetParticipant resolves a user's membership in a session.
func (r *Registry) GetParticipant(sessionID, userID string) (*models.Participant, error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.session.Participant(userID)
	if p == nil || !p.IsActive {
		return nil, models.ErrUserNotInSession
	}
	return p.Clone(), nil
}

// ListSessions snapshots all session records, for the REST surface and
// the sweep scheduler. Each entry lock is taken briefly in turn.
func (r *Registry) ListSessions() []*models.CollaborationSession {
	r.mu.RLock()
	entries := make([]*sessionEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*models.CollaborationSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.session.Snapshot())
		e.mu.Unlock()
	}
	return out
}

// LastActivity reports when the session last saw a mutation. The sweep
// scheduler uses it for the idle timeout.
func (r *Registry) LastActivity(sessionID string) (time.Time, error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return time.Time{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActivity, nil
}

// Touch records activity on a session without mutating it, e.g. for
// presence updates.
func (r *Registry) Touch(sessionID string) {
	if e, err := r.entry(sessionID); err == nil {
		e.mu.Lock()
		r.touchLocked(e)
		e.mu.Unlock()
	}
}

func (r *Registry) touchLocked(e *sessionEntry) {
	e.lastActivity = time.Now()
}
