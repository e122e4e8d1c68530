package collaboration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepair/internal/crdt"
	"codepair/internal/models"
	"codepair/internal/repository"
)

// captureSubscriber collects every published event for assertions.
type captureSubscriber struct {
	mu        sync.Mutex
	lifecycle []models.Event
	document  []models.Event
	conflict  []models.Event
}

func (c *captureSubscriber) OnLifecycleEvent(event models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lifecycle = append(c.lifecycle, event)
}

func (c *captureSubscriber) OnDocumentEvent(event models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.document = append(c.document, event)
}

func (c *captureSubscriber) OnConflictEvent(event models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflict = append(c.conflict, event)
}

func (c *captureSubscriber) lifecycleTypes() []models.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.EventType, 0, len(c.lifecycle))
	for _, e := range c.lifecycle {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	users    *repository.MemoryUserDirectory
	engine   *crdt.Engine
	bus      *Bus
	events   *captureSubscriber
	registry *Registry
}

func newFixture(t *testing.T, userIDs ...string) *fixture {
	t.Helper()

	users := repository.NewMemoryUserDirectory()
	for _, id := range userIDs {
		users.Add(&models.User{ID: id, Name: id})
	}

	engine := crdt.NewEngine(uuid.NewString())
	bus := NewBus()
	events := &captureSubscriber{}
	bus.SubscribeLifecycle(events)
	bus.SubscribeDocument(events)
	bus.SubscribeConflict(events)

	return &fixture{
		users:    users,
		engine:   engine,
		bus:      bus,
		events:   events,
		registry: NewRegistry(users, engine, bus),
	}
}

func (f *fixture) createSession(t *testing.T, hostID string, settings models.SessionSettings) *models.CollaborationSession {
	t.Helper()
	session, err := f.registry.CreateSession(context.Background(), hostID, "pairing", settings)
	require.NoError(t, err)
	return session
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t, "host")

	session := f.createSession(t, "host", models.SessionSettings{})

	assert.Equal(t, models.SessionCreated, session.Status)
	assert.Equal(t, "host", session.HostID)
	assert.Equal(t, models.DefaultSettings(), session.Settings, "zero settings fall back to defaults")

	host := session.Participant("host")
	require.NotNil(t, host)
	assert.Equal(t, models.RoleModerator, host.Role)
	assert.True(t, host.IsActive)
	assert.ElementsMatch(t, models.PermissionsForRole(models.RoleModerator), host.Permissions)

	// The document replica is created with the session, 1:1 by id.
	state, err := f.engine.State(session.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), state.Version)

	assert.Contains(t, f.events.lifecycleTypes(), models.EventSessionCreated)
}

func TestCreateSessionUnknownHost(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.CreateSession(context.Background(), "ghost", "pairing", models.DefaultSettings())
	assert.ErrorIs(t, err, models.ErrUserNotFound)
}

func TestJoinSession(t *testing.T) {
	t.Run("default role is observer with read-only permissions", func(t *testing.T) {
		f := newFixture(t, "host", "alice")
		session := f.createSession(t, "host", models.DefaultSettings())

		_, p, err := f.registry.JoinSession(context.Background(), session.ID, "alice", "")
		require.NoError(t, err)
		assert.Equal(t, models.RoleObserver, p.Role)
		assert.Equal(t, []models.Permission{models.PermRead}, p.Permissions)
	})

	t.Run("rejoin is idempotent", func(t *testing.T) {
		f := newFixture(t, "host", "alice")
		session := f.createSession(t, "host", models.DefaultSettings())

		_, first, err := f.registry.JoinSession(context.Background(), session.ID, "alice", models.RoleNavigator)
		require.NoError(t, err)
		s, second, err := f.registry.JoinSession(context.Background(), session.ID, "alice", models.RoleDriver)
		require.NoError(t, err)

		assert.Equal(t, first.UserID, second.UserID)
		assert.Equal(t, models.RoleNavigator, second.Role, "rejoin must not reassign the role")
		assert.Equal(t, 2, s.ActiveCount())
	})

	t.Run("session full", func(t *testing.T) {
		f := newFixture(t, "host", "alice", "bob")
		session := f.createSession(t, "host", models.SessionSettings{
			MaxParticipants: 2,
			ConflictPolicy:  models.PolicyLastWriterWins,
			AllowObservers:  true,
		})

		_, _, err := f.registry.JoinSession(context.Background(), session.ID, "alice", "")
		require.NoError(t, err)

		_, _, err = f.registry.JoinSession(context.Background(), session.ID, "bob", "")
		assert.ErrorIs(t, err, models.ErrSessionFull)
	})

	t.Run("observers can be disallowed", func(t *testing.T) {
		f := newFixture(t, "host", "alice")
		session := f.createSession(t, "host", models.SessionSettings{
			MaxParticipants: 10,
			ConflictPolicy:  models.PolicyLastWriterWins,
			AllowObservers:  false,
		})

		_, _, err := f.registry.JoinSession(context.Background(), session.ID, "alice", "")
		assert.ErrorIs(t, err, models.ErrPermissionDenied)

		_, p, err := f.registry.JoinSession(context.Background(), session.ID, "alice", models.RoleNavigator)
		require.NoError(t, err)
		assert.Equal(t, models.RoleNavigator, p.Role)
	})

	t.Run("unknown session and unknown user", func(t *testing.T) {
		f := newFixture(t, "host", "alice")
		session := f.createSession(t, "host", models.DefaultSettings())

		_, _, err := f.registry.JoinSession(context.Background(), "nope", "alice", "")
		assert.ErrorIs(t, err, models.ErrSessionNotFound)

		_, _, err = f.registry.JoinSession(context.Background(), session.ID, "ghost", "")
		assert.ErrorIs(t, err, models.ErrUserNotFound)
	})

	t.Run("ended session is not joinable", func(t *testing.T) {
		f := newFixture(t, "host", "alice")
		session := f.createSession(t, "host", models.DefaultSettings())
		require.NoError(t, f.registry.EndSession(context.Background(), session.ID))

		_, _, err := f.registry.JoinSession(context.Background(), session.ID, "alice", "")
		assert.ErrorIs(t, err, models.ErrSessionNotJoinable)
	})
}

func TestRoleSlots(t *testing.T) {
	t.Run("promoting a second driver demotes the first to navigator", func(t *testing.T) {
		f := newFixture(t, "host", "alice", "bob")
		session := f.createSession(t, "host", models.DefaultSettings())

		_, _, err := f.registry.JoinSession(context.Background(), session.ID, "alice", models.RoleDriver)
		require.NoError(t, err)
		_, _, err = f.registry.JoinSession(context.Background(), session.ID, "bob", models.RoleDriver)
		require.NoError(t, err)

		s, _ := f.registry.GetSession(session.ID)
		assert.Equal(t, "bob", s.CurrentDriver)
		assert.Equal(t, "alice", s.CurrentNavigator)

		alice := s.Participant("alice")
		assert.Equal(t, models.RoleNavigator, alice.Role)
		assert.ElementsMatch(t, models.PermissionsForRole(models.RoleNavigator), alice.Permissions)
	})

	t.Run("driver leaving promotes the navigator", func(t *testing.T) {
		f := newFixture(t, "host", "alice", "bob")
		session := f.createSession(t, "host", models.DefaultSettings())

		_, _, err := f.registry.JoinSession(context.Background(), session.ID, "alice", models.RoleDriver)
		require.NoError(t, err)
		_, _, err = f.registry.JoinSession(context.Background(), session.ID, "bob", models.RoleNavigator)
		require.NoError(t, err)

		require.NoError(t, f.registry.LeaveSession(context.Background(), session.ID, "alice"))

		s, _ := f.registry.GetSession(session.ID)
		assert.Equal(t, "bob", s.CurrentDriver)
		assert.Empty(t, s.CurrentNavigator, "navigator vacancy is not cascaded")

		bob := s.Participant("bob")
		assert.Equal(t, models.RoleDriver, bob.Role)
		assert.ElementsMatch(t, models.PermissionsForRole(models.RoleDriver), bob.Permissions)
	})

	t.Run("navigator leaving leaves the slot empty", func(t *testing.T) {
		f := newFixture(t, "host", "alice", "bob")
		session := f.createSession(t, "host", models.DefaultSettings())

		_, _, err := f.registry.JoinSession(context.Background(), session.ID, "alice", models.RoleDriver)
		require.NoError(t, err)
		_, _, err = f.registry.JoinSession(context.Background(), session.ID, "bob", models.RoleNavigator)
		require.NoError(t, err)

		require.NoError(t, f.registry.LeaveSession(context.Background(), session.ID, "bob"))

		s, _ := f.registry.GetSession(session.ID)
		assert.Equal(t, "alice", s.CurrentDriver)
		assert.Empty(t, s.CurrentNavigator)
	})

	t.Run("change role keeps at most one driver", func(t *testing.T) {
		f := newFixture(t, "host", "alice", "bob")
		session := f.createSession(t, "host", models.DefaultSettings())

		_, _, err := f.registry.JoinSession(context.Background(), session.ID, "alice", models.RoleDriver)
		require.NoError(t, err)
		_, _, err = f.registry.JoinSession(context.Background(), session.ID, "bob", "")
		require.NoError(t, err)

		_, err = f.registry.ChangeRole(context.Background(), session.ID, "bob", models.RoleDriver)
		require.NoError(t, err)

		s, _ := f.registry.GetSession(session.ID)
		assert.Equal(t, "bob", s.CurrentDriver)
		assert.Equal(t, "alice", s.CurrentNavigator)

		drivers := 0
		for _, p := range s.ActiveParticipants() {
			if p.Role == models.RoleDriver {
				drivers++
			}
		}
		assert.Equal(t, 1, drivers)
	})

	t.Run("driver stepping down to observer triggers the replacement search", func(t *testing.T) {
		f := newFixture(t, "host", "alice", "bob")
		session := f.createSession(t, "host", models.DefaultSettings())

		_, _, err := f.registry.JoinSession(context.Background(), session.ID, "alice", models.RoleDriver)
		require.NoError(t, err)
		_, _, err = f.registry.JoinSession(context.Background(), session.ID, "bob", models.RoleNavigator)
		require.NoError(t, err)

		_, err = f.registry.ChangeRole(context.Background(), session.ID, "alice", models.RoleObserver)
		require.NoError(t, err)

		s, _ := f.registry.GetSession(session.ID)
		assert.Equal(t, "bob", s.CurrentDriver)
		assert.Equal(t, models.RoleDriver, s.Participant("bob").Role)
	})

	t.Run("change role for an absent user fails", func(t *testing.T) {
		f := newFixture(t, "host", "alice")
		session := f.createSession(t, "host", models.DefaultSettings())

		_, err := f.registry.ChangeRole(context.Background(), session.ID, "alice", models.RoleDriver)
		assert.ErrorIs(t, err, models.ErrUserNotInSession)
	})
}

func TestLeaveSession(t *testing.T) {
	t.Run("non-host record is removed", func(t *testing.T) {
		f := newFixture(t, "host", "alice")
		session := f.createSession(t, "host", models.DefaultSettings())

		_, _, err := f.registry.JoinSession(context.Background(), session.ID, "alice", "")
		require.NoError(t, err)
		require.NoError(t, f.registry.LeaveSession(context.Background(), session.ID, "alice"))

		s, _ := f.registry.GetSession(session.ID)
		assert.Nil(t, s.Participant("alice"))

		_, err = f.registry.GetParticipant(session.ID, "alice")
		assert.ErrorIs(t, err, models.ErrUserNotInSession)
	})

	t.Run("host record is kept inactive and rejoin reactivates it", func(t *testing.T) {
		f := newFixture(t, "host", "alice")
		session := f.createSession(t, "host", models.DefaultSettings())

		_, _, err := f.registry.JoinSession(context.Background(), session.ID, "alice", "")
		require.NoError(t, err)
		require.NoError(t, f.registry.LeaveSession(context.Background(), session.ID, "host"))

		s, _ := f.registry.GetSession(session.ID)
		host := s.Participant("host")
		require.NotNil(t, host)
		assert.False(t, host.IsActive)

		_, p, err := f.registry.JoinSession(context.Background(), session.ID, "host", models.RoleModerator)
		require.NoError(t, err)
		assert.Equal(t, "host", p.UserID)
		assert.True(t, p.IsActive)

		s, _ = f.registry.GetSession(session.ID)
		assert.True(t, s.Participant("host").IsActive)
		assert.Len(t, s.Participants, 2, "reactivation must not duplicate the entry")
	})

	t.Run("last active participant leaving ends an active session", func(t *testing.T) {
		f := newFixture(t, "host")
		session := f.createSession(t, "host", models.DefaultSettings())

		_, err := f.registry.StartSession(context.Background(), session.ID)
		require.NoError(t, err)
		require.NoError(t, f.registry.LeaveSession(context.Background(), session.ID, "host"))

		s, _ := f.registry.GetSession(session.ID)
		assert.Equal(t, models.SessionEnded, s.Status)
		require.NotNil(t, s.EndedAt)
		assert.Contains(t, f.events.lifecycleTypes(), models.EventSessionEnded)
	})

	t.Run("leaving a created session does not end it", func(t *testing.T) {
		f := newFixture(t, "host")
		session := f.createSession(t, "host", models.DefaultSettings())

		require.NoError(t, f.registry.LeaveSession(context.Background(), session.ID, "host"))

		s, _ := f.registry.GetSession(session.ID)
		assert.Equal(t, models.SessionCreated, s.Status)
	})

	t.Run("leaving when not a member fails", func(t *testing.T) {
		f := newFixture(t, "host", "alice")
		session := f.createSession(t, "host", models.DefaultSettings())

		err := f.registry.LeaveSession(context.Background(), session.ID, "alice")
		assert.ErrorIs(t, err, models.ErrUserNotInSession)
	})
}

func TestSessionLifecycle(t *testing.T) {
	t.Run("start requires the created state", func(t *testing.T) {
		f := newFixture(t, "host")
		session := f.createSession(t, "host", models.DefaultSettings())

		s, err := f.registry.StartSession(context.Background(), session.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionActive, s.Status)

		_, err = f.registry.StartSession(context.Background(), session.ID)
		assert.ErrorIs(t, err, models.ErrSessionNotJoinable)
	})

	t.Run("end deactivates everyone and clears role slots", func(t *testing.T) {
		f := newFixture(t, "host", "alice")
		session := f.createSession(t, "host", models.DefaultSettings())

		_, _, err := f.registry.JoinSession(context.Background(), session.ID, "alice", models.RoleDriver)
		require.NoError(t, err)
		require.NoError(t, f.registry.EndSession(context.Background(), session.ID))

		s, _ := f.registry.GetSession(session.ID)
		assert.Equal(t, models.SessionEnded, s.Status)
		assert.Empty(t, s.CurrentDriver)
		assert.Empty(t, s.CurrentNavigator)
		assert.Equal(t, 0, s.ActiveCount())
	})

	t.Run("end is idempotent", func(t *testing.T) {
		f := newFixture(t, "host")
		session := f.createSession(t, "host", models.DefaultSettings())

		require.NoError(t, f.registry.EndSession(context.Background(), session.ID))
		s, _ := f.registry.GetSession(session.ID)
		endedAt := s.EndedAt

		require.NoError(t, f.registry.EndSession(context.Background(), session.ID))
		s, _ = f.registry.GetSession(session.ID)
		assert.Equal(t, endedAt, s.EndedAt)
	})

	t.Run("archive tears down the document replica", func(t *testing.T) {
		f := newFixture(t, "host")
		session := f.createSession(t, "host", models.DefaultSettings())

		// Archiving a live session is a no-op; the replica survives.
		require.NoError(t, f.registry.ArchiveSession(context.Background(), session.ID))
		_, err := f.engine.State(session.ID)
		require.NoError(t, err)

		require.NoError(t, f.registry.EndSession(context.Background(), session.ID))
		require.NoError(t, f.registry.ArchiveSession(context.Background(), session.ID))

		s, _ := f.registry.GetSession(session.ID)
		assert.Equal(t, models.SessionArchived, s.Status)

		_, err = f.engine.State(session.ID)
		assert.ErrorIs(t, err, crdt.ErrDocumentNotFound)
	})
}

func TestGetSessionReturnsSnapshot(t *testing.T) {
	f := newFixture(t, "host", "alice")
	session := f.createSession(t, "host", models.DefaultSettings())

	before, err := f.registry.GetSession(session.ID)
	require.NoError(t, err)
	require.Len(t, before.Participants, 1)

	_, _, err = f.registry.JoinSession(context.Background(), session.ID, "alice", models.RoleDriver)
	require.NoError(t, err)

	// The earlier snapshot must not see the join.
	assert.Len(t, before.Participants, 1)
	assert.Empty(t, before.CurrentDriver)

	// Mutating a snapshot must not touch the registry's record.
	before.Participants[0].SetRole(models.RoleObserver)
	fresh, err := f.registry.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleModerator, fresh.Participant("host").Role)
	assert.Equal(t, "alice", fresh.CurrentDriver)
}

func TestConcurrentMembershipChurn(t *testing.T) {
	f := newFixture(t, "host", "u1", "u2", "u3", "u4")
	session := f.createSession(t, "host", models.DefaultSettings())
	ctx := context.Background()

	// Writers churn membership while readers walk participant lists
	// and marshal snapshots, the way broadcast fan-out and the REST
	// surface do. Run with the race detector to validate isolation.
	var wg sync.WaitGroup
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				f.registry.JoinSession(ctx, session.ID, userID, models.RoleDriver)
				f.registry.LeaveSession(ctx, session.ID, userID)
			}
		}(id)
	}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s, err := f.registry.GetSession(session.ID)
				if !assert.NoError(t, err) {
					return
				}
				for _, p := range s.ActiveParticipants() {
					_ = p.Has(models.PermWrite)
				}
				_, err = json.Marshal(s)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	s, err := f.registry.GetSession(session.ID)
	require.NoError(t, err)
	assert.NotNil(t, s.Participant("host"))
}

func TestApplyEditTouchesActivity(t *testing.T) {
	f := newFixture(t, "host")
	session := f.createSession(t, "host", models.DefaultSettings())

	before, err := f.registry.LastActivity(session.ID)
	require.NoError(t, err)

	result, err := f.registry.ApplyEdit(context.Background(), session.ID, crdt.Operation{
		Type:     crdt.OpInsert,
		Position: 0,
		Content:  "package main",
		Author:   "host",
	})
	require.NoError(t, err)
	require.True(t, result.Applied)

	after, err := f.registry.LastActivity(session.ID)
	require.NoError(t, err)
	assert.False(t, after.Before(before))

	state, err := f.engine.State(session.ID)
	require.NoError(t, err)
	assert.Equal(t, "package main", state.Text)
}
