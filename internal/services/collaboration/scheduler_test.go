package collaboration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepair/internal/crdt"
	"codepair/internal/models"
)

type virtualClock struct {
	now time.Time
}

func (c *virtualClock) Now() time.Time { return c.now }

func newSweepFixture(t *testing.T) (*fixture, *Scheduler, *models.CollaborationSession) {
	t.Helper()

	f := newFixture(t, "host")
	session := f.createSession(t, "host", models.DefaultSettings())
	_, err := f.registry.StartSession(context.Background(), session.ID)
	require.NoError(t, err)

	clock := &virtualClock{now: time.Now()}
	scheduler := NewScheduler(f.registry, clock, time.Minute, 30*time.Minute, 24*time.Hour)
	return f, scheduler, session
}

func TestSweepIdleTimeout(t *testing.T) {
	f, scheduler, session := newSweepFixture(t)

	// Before the timeout nothing happens.
	scheduler.Sweep(time.Now().Add(29 * time.Minute))
	s, _ := f.registry.GetSession(session.ID)
	assert.Equal(t, models.SessionActive, s.Status)

	scheduler.Sweep(time.Now().Add(31 * time.Minute))
	s, _ = f.registry.GetSession(session.ID)
	assert.Equal(t, models.SessionEnded, s.Status)
	require.NotNil(t, s.EndedAt)
	assert.Contains(t, f.events.lifecycleTypes(), models.EventSessionEnded)
}

func TestSweepActivityResetsIdle(t *testing.T) {
	f, scheduler, session := newSweepFixture(t)

	// An edit 20 minutes in refreshes the activity stamp; the sweep at
	// 31 minutes sees only 11 idle minutes.
	_, err := f.registry.ApplyEdit(context.Background(), session.ID, crdt.Operation{
		Type: crdt.OpInsert, Position: 0, Content: "x", Author: "host",
	})
	require.NoError(t, err)

	last, err := f.registry.LastActivity(session.ID)
	require.NoError(t, err)

	scheduler.Sweep(last.Add(29 * time.Minute))
	s, _ := f.registry.GetSession(session.ID)
	assert.Equal(t, models.SessionActive, s.Status)

	scheduler.Sweep(last.Add(31 * time.Minute))
	s, _ = f.registry.GetSession(session.ID)
	assert.Equal(t, models.SessionEnded, s.Status)
}

func TestSweepArchivesEndedSessions(t *testing.T) {
	f, scheduler, session := newSweepFixture(t)

	require.NoError(t, f.registry.EndSession(context.Background(), session.ID))
	s, _ := f.registry.GetSession(session.ID)
	require.NotNil(t, s.EndedAt)
	endedAt := *s.EndedAt

	// Ended but not yet due: document replica stays readable.
	scheduler.Sweep(endedAt.Add(23 * time.Hour))
	s, _ = f.registry.GetSession(session.ID)
	assert.Equal(t, models.SessionEnded, s.Status)
	_, err := f.engine.State(session.ID)
	require.NoError(t, err)

	scheduler.Sweep(endedAt.Add(25 * time.Hour))
	s, _ = f.registry.GetSession(session.ID)
	assert.Equal(t, models.SessionArchived, s.Status)
	assert.Contains(t, f.events.lifecycleTypes(), models.EventSessionArchived)

	_, err = f.engine.State(session.ID)
	assert.ErrorIs(t, err, crdt.ErrDocumentNotFound)
}

func TestSweepIgnoresCreatedSessions(t *testing.T) {
	f := newFixture(t, "host")
	session := f.createSession(t, "host", models.DefaultSettings())

	clock := &virtualClock{now: time.Now()}
	scheduler := NewScheduler(f.registry, clock, time.Minute, 30*time.Minute, 24*time.Hour)

	scheduler.Sweep(time.Now().Add(48 * time.Hour))
	s, _ := f.registry.GetSession(session.ID)
	assert.Equal(t, models.SessionCreated, s.Status, "created sessions never idle out")
}
