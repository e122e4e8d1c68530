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

type dispatcherFixture struct {
	*fixture
	dispatcher *Dispatcher
	session    *models.CollaborationSession
}

// newDispatcherFixture builds a started session with host (moderator),
// a driver, and an observer already joined.
func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()

	f := newFixture(t, "host", "driver", "watcher")
	session := f.createSession(t, "host", models.DefaultSettings())
	d := NewDispatcher(f.registry, f.engine, f.bus)

	ctx := context.Background()
	_, err := d.Submit(ctx, "driver", session.ID, Action{Kind: ActionJoin, Role: models.RoleDriver})
	require.NoError(t, err)
	_, err = d.Submit(ctx, "watcher", session.ID, Action{Kind: ActionJoin})
	require.NoError(t, err)
	_, err = d.Submit(ctx, "host", session.ID, Action{Kind: ActionStart})
	require.NoError(t, err)

	return &dispatcherFixture{fixture: f, dispatcher: d, session: session}
}

func insertAction(position int, content string) Action {
	return Action{
		Kind: ActionEdit,
		Operation: &crdt.Operation{
			Type:     crdt.OpInsert,
			Position: position,
			Content:  content,
		},
	}
}

func TestSubmitEdit(t *testing.T) {
	t.Run("driver edit is acked and broadcast to the others", func(t *testing.T) {
		df := newDispatcherFixture(t)

		delivery, err := df.dispatcher.Submit(context.Background(), "driver", df.session.ID,
			insertAction(0, "func main() {}"))
		require.NoError(t, err)

		require.Len(t, delivery.ToSubmitter, 1)
		assert.Equal(t, models.EventOperationApplied, delivery.ToSubmitter[0].Type)
		require.Len(t, delivery.Broadcast, 1)
		assert.ElementsMatch(t, []string{"host", "watcher"}, delivery.Recipients)

		payload, ok := delivery.ToSubmitter[0].Payload.(models.OperationPayload)
		require.True(t, ok)
		assert.Equal(t, "driver", payload.Operation.Author, "author is stamped from the submitter")

		state, err := df.engine.State(df.session.ID)
		require.NoError(t, err)
		assert.Equal(t, "func main() {}", state.Text)
	})

	t.Run("observer edit is denied", func(t *testing.T) {
		df := newDispatcherFixture(t)

		_, err := df.dispatcher.Submit(context.Background(), "watcher", df.session.ID,
			insertAction(0, "nope"))
		assert.ErrorIs(t, err, models.ErrPermissionDenied)

		state, _ := df.engine.State(df.session.ID)
		assert.Empty(t, state.Text)
	})

	t.Run("losing edit is rejected only to the submitter", func(t *testing.T) {
		df := newDispatcherFixture(t)
		ctx := context.Background()

		_, err := df.dispatcher.Submit(ctx, "driver", df.session.ID, insertAction(0, "helloworld"))
		require.NoError(t, err)

		base := time.Now()
		winner := Action{Kind: ActionEdit, Operation: &crdt.Operation{
			ID: "late", Type: crdt.OpDelete, Position: 2, Length: 3,
			OriginReplica: "rb", Vector: crdt.VectorClock{"rb": 1},
			Timestamp: base.Add(time.Hour),
		}}
		_, err = df.dispatcher.Submit(ctx, "driver", df.session.ID, winner)
		require.NoError(t, err)

		loser := Action{Kind: ActionEdit, Operation: &crdt.Operation{
			ID: "early", Type: crdt.OpDelete, Position: 0, Length: 5,
			OriginReplica: "rc", Vector: crdt.VectorClock{"rc": 1},
			Timestamp: base,
		}}
		delivery, err := df.dispatcher.Submit(ctx, "driver", df.session.ID, loser)
		require.NoError(t, err, "a rejected edit is a delivery, not an error")

		require.Len(t, delivery.ToSubmitter, 1)
		assert.Equal(t, models.EventOperationRejected, delivery.ToSubmitter[0].Type)
		assert.Empty(t, delivery.Broadcast)
		assert.Empty(t, delivery.Recipients)

		payload, ok := delivery.ToSubmitter[0].Payload.(models.RejectionPayload)
		require.True(t, ok)
		assert.Equal(t, "early", payload.OperationID)
		require.NotEmpty(t, payload.Conflicts)
	})

	t.Run("conflicts are published on the bus", func(t *testing.T) {
		df := newDispatcherFixture(t)
		ctx := context.Background()

		_, err := df.dispatcher.Submit(ctx, "driver", df.session.ID, insertAction(0, "helloworld"))
		require.NoError(t, err)

		base := time.Now()
		overlapping := []*crdt.Operation{
			{ID: "a", Type: crdt.OpDelete, Position: 0, Length: 5,
				OriginReplica: "rb", Vector: crdt.VectorClock{"rb": 1}, Timestamp: base},
			{ID: "b", Type: crdt.OpDelete, Position: 2, Length: 3,
				OriginReplica: "rc", Vector: crdt.VectorClock{"rc": 1}, Timestamp: base.Add(time.Second)},
		}
		for _, op := range overlapping {
			_, err = df.dispatcher.Submit(ctx, "driver", df.session.ID, Action{Kind: ActionEdit, Operation: op})
			require.NoError(t, err)
		}

		df.events.mu.Lock()
		conflictCount := len(df.events.conflict)
		df.events.mu.Unlock()
		assert.NotZero(t, conflictCount)
	})

	t.Run("edit without an operation fails", func(t *testing.T) {
		df := newDispatcherFixture(t)

		_, err := df.dispatcher.Submit(context.Background(), "driver", df.session.ID,
			Action{Kind: ActionEdit})
		assert.Error(t, err)
	})
}

func TestSubmitQueryState(t *testing.T) {
	df := newDispatcherFixture(t)
	ctx := context.Background()

	_, err := df.dispatcher.Submit(ctx, "driver", df.session.ID, insertAction(0, "a"))
	require.NoError(t, err)
	_, err = df.dispatcher.Submit(ctx, "driver", df.session.ID, insertAction(1, "b"))
	require.NoError(t, err)

	t.Run("full sync state", func(t *testing.T) {
		delivery, err := df.dispatcher.Submit(ctx, "watcher", df.session.ID,
			Action{Kind: ActionQueryState})
		require.NoError(t, err)

		require.Len(t, delivery.ToSubmitter, 1)
		assert.Equal(t, models.EventSyncState, delivery.ToSubmitter[0].Type)

		state, ok := delivery.ToSubmitter[0].Payload.(*crdt.SyncState)
		require.True(t, ok)
		assert.Equal(t, uint64(2), state.Version)
		assert.Len(t, state.Operations, 2)
	})

	t.Run("catch-up since a version", func(t *testing.T) {
		delivery, err := df.dispatcher.Submit(ctx, "watcher", df.session.ID,
			Action{Kind: ActionQueryState, SinceVersion: 1})
		require.NoError(t, err)

		state, ok := delivery.ToSubmitter[0].Payload.(crdt.SyncState)
		require.True(t, ok)
		require.Len(t, state.Operations, 1)
		assert.Equal(t, "b", state.Operations[0].Content)
	})

	t.Run("non-member cannot query", func(t *testing.T) {
		_, err := df.dispatcher.Submit(ctx, "ghost", df.session.ID,
			Action{Kind: ActionQueryState})
		assert.ErrorIs(t, err, models.ErrUserNotInSession)
	})
}

func TestSubmitChangeRole(t *testing.T) {
	t.Run("self role change needs only membership", func(t *testing.T) {
		df := newDispatcherFixture(t)

		delivery, err := df.dispatcher.Submit(context.Background(), "watcher", df.session.ID,
			Action{Kind: ActionChangeRole, Role: models.RoleNavigator})
		require.NoError(t, err)

		require.Len(t, delivery.ToSubmitter, 1)
		assert.Equal(t, models.EventRoleChanged, delivery.ToSubmitter[0].Type)

		s, _ := df.registry.GetSession(df.session.ID)
		assert.Equal(t, "watcher", s.CurrentNavigator)
	})

	t.Run("changing another user's role requires moderate", func(t *testing.T) {
		df := newDispatcherFixture(t)
		ctx := context.Background()

		_, err := df.dispatcher.Submit(ctx, "watcher", df.session.ID,
			Action{Kind: ActionChangeRole, TargetUserID: "driver", Role: models.RoleObserver})
		assert.ErrorIs(t, err, models.ErrPermissionDenied)

		_, err = df.dispatcher.Submit(ctx, "host", df.session.ID,
			Action{Kind: ActionChangeRole, TargetUserID: "driver", Role: models.RoleObserver})
		require.NoError(t, err)

		s, _ := df.registry.GetSession(df.session.ID)
		assert.Empty(t, s.CurrentDriver)
		assert.Equal(t, models.RoleObserver, s.Participant("driver").Role)
	})
}

func TestSubmitLifecycleActions(t *testing.T) {
	t.Run("start and end require moderate", func(t *testing.T) {
		f := newFixture(t, "host", "alice")
		session := f.createSession(t, "host", models.DefaultSettings())
		d := NewDispatcher(f.registry, f.engine, f.bus)
		ctx := context.Background()

		_, err := d.Submit(ctx, "alice", session.ID, Action{Kind: ActionJoin})
		require.NoError(t, err)

		_, err = d.Submit(ctx, "alice", session.ID, Action{Kind: ActionStart})
		assert.ErrorIs(t, err, models.ErrPermissionDenied)

		_, err = d.Submit(ctx, "host", session.ID, Action{Kind: ActionStart})
		require.NoError(t, err)

		_, err = d.Submit(ctx, "alice", session.ID, Action{Kind: ActionEnd})
		assert.ErrorIs(t, err, models.ErrPermissionDenied)

		delivery, err := d.Submit(ctx, "host", session.ID, Action{Kind: ActionEnd})
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, delivery.Recipients)

		s, _ := f.registry.GetSession(session.ID)
		assert.Equal(t, models.SessionEnded, s.Status)
	})

	t.Run("leave delivers to the remaining participants", func(t *testing.T) {
		df := newDispatcherFixture(t)

		delivery, err := df.dispatcher.Submit(context.Background(), "watcher", df.session.ID,
			Action{Kind: ActionLeave})
		require.NoError(t, err)

		require.Len(t, delivery.Broadcast, 1)
		assert.Equal(t, models.EventUserLeft, delivery.Broadcast[0].Type)
		assert.ElementsMatch(t, []string{"host", "driver"}, delivery.Recipients)
	})

	t.Run("join delivers session state to the submitter", func(t *testing.T) {
		f := newFixture(t, "host", "alice")
		session := f.createSession(t, "host", models.DefaultSettings())
		d := NewDispatcher(f.registry, f.engine, f.bus)

		delivery, err := d.Submit(context.Background(), "alice", session.ID,
			Action{Kind: ActionJoin, Role: models.RoleNavigator})
		require.NoError(t, err)

		require.Len(t, delivery.ToSubmitter, 1)
		assert.Equal(t, models.EventSyncState, delivery.ToSubmitter[0].Type)
		require.Len(t, delivery.Broadcast, 1)
		assert.Equal(t, models.EventUserJoined, delivery.Broadcast[0].Type)
		assert.Equal(t, []string{"host"}, delivery.Recipients)
	})

	t.Run("unknown action kind fails", func(t *testing.T) {
		df := newDispatcherFixture(t)

		_, err := df.dispatcher.Submit(context.Background(), "host", df.session.ID,
			Action{Kind: "teleport"})
		assert.Error(t, err)
	})
}
