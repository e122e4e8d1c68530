package collaboration

import (
	"context"
	"fmt"

	"codepair/internal/crdt"
	"codepair/internal/middleware"
	"codepair/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

// ActionKind enumerates the inbound client actions the transport may
// submit.
type ActionKind string

const (
	ActionJoin       ActionKind = "join"
	ActionLeave      ActionKind = "leave"
	ActionChangeRole ActionKind = "changeRole"
	ActionStart      ActionKind = "start"
	ActionEnd        ActionKind = "end"
	ActionEdit       ActionKind = "editOperation"
	ActionQueryState ActionKind = "queryState"
)

// Action is one inbound client request, already authenticated by the
// transport layer.
type Action struct {
	Kind         ActionKind      `json:"kind"`
	Role         models.Role     `json:"role,omitempty"`           // join, changeRole
	TargetUserID string          `json:"target_user_id,omitempty"` // changeRole; defaults to submitter
	Operation    *crdt.Operation `json:"operation,omitempty"`      // editOperation
	SinceVersion uint64          `json:"since_version,omitempty"`  // queryState
}

// Delivery is what the transport must send out after an action: events
// for the submitter, and events to broadcast to every other active
// participant in the session.
type Delivery struct {
	ToSubmitter []models.Event `json:"to_submitter"`
	Broadcast   []models.Event `json:"broadcast"`
	Recipients  []string       `json:"recipients"` // user ids the broadcast targets
}

// Dispatcher binds an authenticated, permissioned client action to a
// session and its document replica, and turns the outcome into outbound
// events. It owns no state of its own — sessions live in the registry,
// document state in the engine.
type Dispatcher struct {
	registry *Registry
	engine   *crdt.Engine
	bus      *Bus
}

// NewDispatcher wires a dispatcher to its collaborators.
func NewDispatcher(registry *Registry, engine *crdt.Engine, bus *Bus) *Dispatcher {
	return &Dispatcher{registry: registry, engine: engine, bus: bus}
}

// Submit routes one client action. Lookup and policy failures come back
// as errors; a conflicted edit is a normal delivery carrying the
// rejection.
func (d *Dispatcher) Submit(ctx context.Context, userID, sessionID string, action Action) (*Delivery, error) {
	ctx, span := middleware.StartSpan(ctx, "Dispatcher.Submit",
		attribute.String("session.id", sessionID),
		attribute.String("user.id", userID),
		attribute.String("action.kind", string(action.Kind)),
	)
	defer span.End()

	delivery, err := d.submit(ctx, userID, sessionID, action)
	if err != nil {
		middleware.AddSpanError(ctx, err)
	}
	return delivery, err
}

func (d *Dispatcher) submit(ctx context.Context, userID, sessionID string, action Action) (*Delivery, error) {
	switch action.Kind {
	case ActionJoin:
		return d.join(ctx, userID, sessionID, action.Role)
	case ActionLeave:
		return d.leave(ctx, userID, sessionID)
	case ActionChangeRole:
		return d.changeRole(ctx, userID, sessionID, action)
	case ActionStart:
		return d.start(ctx, userID, sessionID)
	case ActionEnd:
		return d.end(ctx, userID, sessionID)
	case ActionEdit:
		return d.edit(ctx, userID, sessionID, action.Operation)
	case ActionQueryState:
		return d.queryState(ctx, userID, sessionID, action.SinceVersion)
	default:
		return nil, fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

// require resolves the submitter's membership and checks one
// permission.
func (d *Dispatcher) require(sessionID, userID string, perm models.Permission) (*models.Participant, error) {
	p, err := d.registry.GetParticipant(sessionID, userID)
	if err != nil {
		return nil, err
	}
	if !p.Has(perm) {
		return nil, models.ErrPermissionDenied
	}
	return p, nil
}

// othersIn lists the active participants a broadcast should reach,
// excluding the submitter. The session is a registry snapshot, so
// iterating it never races with membership churn on the live record.
func (d *Dispatcher) othersIn(session *models.CollaborationSession, submitter string) []string {
	var out []string
	for _, p := range session.ActiveParticipants() {
		if p.UserID != submitter {
			out = append(out, p.UserID)
		}
	}
	return out
}

func (d *Dispatcher) join(ctx context.Context, userID, sessionID string, role models.Role) (*Delivery, error) {
	session, participant, err := d.registry.JoinSession(ctx, sessionID, userID, role)
	if err != nil {
		return nil, err
	}

	joined := models.NewEvent(models.EventUserJoined, sessionID,
		models.ParticipantEventPayload{UserID: userID, Role: participant.Role})

	return &Delivery{
		ToSubmitter: []models.Event{models.NewEvent(models.EventSyncState, sessionID,
			models.SessionEventPayload{Session: session})},
		Broadcast:  []models.Event{joined},
		Recipients: d.othersIn(session, userID),
	}, nil
}

func (d *Dispatcher) leave(ctx context.Context, userID, sessionID string) (*Delivery, error) {
	session, err := d.registry.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	recipients := d.othersIn(session, userID)

	if err := d.registry.LeaveSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}

	left := models.NewEvent(models.EventUserLeft, sessionID,
		models.ParticipantEventPayload{UserID: userID})

	return &Delivery{
		ToSubmitter: []models.Event{left},
		Broadcast:   []models.Event{left},
		Recipients:  recipients,
	}, nil
}

func (d *Dispatcher) changeRole(ctx context.Context, userID, sessionID string, action Action) (*Delivery, error) {
	target := action.TargetUserID
	if target == "" {
		target = userID
	}
	// Changing someone else's role is a moderation act; the target
	// themselves only needs to be a member.
	if target != userID {
		if _, err := d.require(sessionID, userID, models.PermModerate); err != nil {
			return nil, err
		}
	} else if _, err := d.registry.GetParticipant(sessionID, userID); err != nil {
		return nil, err
	}

	participant, err := d.registry.ChangeRole(ctx, sessionID, target, action.Role)
	if err != nil {
		return nil, err
	}

	session, err := d.registry.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	changed := models.NewEvent(models.EventRoleChanged, sessionID,
		models.ParticipantEventPayload{UserID: target, Role: participant.Role})

	return &Delivery{
		ToSubmitter: []models.Event{changed},
		Broadcast:   []models.Event{changed},
		Recipients:  d.othersIn(session, userID),
	}, nil
}

func (d *Dispatcher) start(ctx context.Context, userID, sessionID string) (*Delivery, error) {
	if _, err := d.require(sessionID, userID, models.PermModerate); err != nil {
		return nil, err
	}

	session, err := d.registry.StartSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	started := models.NewEvent(models.EventSessionStarted, sessionID,
		models.SessionEventPayload{Session: session})

	return &Delivery{
		ToSubmitter: []models.Event{started},
		Broadcast:   []models.Event{started},
		Recipients:  d.othersIn(session, userID),
	}, nil
}

func (d *Dispatcher) end(ctx context.Context, userID, sessionID string) (*Delivery, error) {
	if _, err := d.require(sessionID, userID, models.PermModerate); err != nil {
		return nil, err
	}

	session, err := d.registry.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	recipients := d.othersIn(session, userID)

	if err := d.registry.EndSession(ctx, sessionID); err != nil {
		return nil, err
	}

	// Re-fetch so the delivery carries the ended state, not the
	// pre-transition snapshot the recipients were computed from.
	session, err = d.registry.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	ended := models.NewEvent(models.EventSessionEnded, sessionID,
		models.SessionEventPayload{Session: session})

	return &Delivery{
		ToSubmitter: []models.Event{ended},
		Broadcast:   []models.Event{ended},
		Recipients:  recipients,
	}, nil
}

// edit is the correctness-critical path: permission check, serialized
// apply, then one ack or rejection for the submitter and a broadcast
// for everyone else.
func (d *Dispatcher) edit(ctx context.Context, userID, sessionID string, op *crdt.Operation) (*Delivery, error) {
	if op == nil {
		return nil, fmt.Errorf("edit action carries no operation")
	}

	participant, err := d.require(sessionID, userID, models.PermWrite)
	if err != nil {
		return nil, err
	}

	submitted := *op
	submitted.Author = participant.UserID

	result, err := d.registry.ApplyEdit(ctx, sessionID, submitted)
	if err != nil {
		return nil, err
	}

	session, err := d.registry.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	if len(result.Conflicts) > 0 {
		d.bus.PublishConflict(models.NewEvent(models.EventConflictDetected, sessionID,
			models.ConflictPayload{DocumentID: sessionID, Conflicts: result.Conflicts}))
	}

	if !result.Applied {
		// Rejection goes only to the submitter, with the conflict list
		// so the client can surface it and re-submit if it wants.
		rejected := models.NewEvent(models.EventOperationRejected, sessionID,
			models.RejectionPayload{OperationID: submitted.ID, Conflicts: result.Conflicts})
		return &Delivery{ToSubmitter: []models.Event{rejected}}, nil
	}

	applied := models.NewEvent(models.EventOperationApplied, sessionID,
		models.OperationPayload{Operation: result.Operation, Conflicts: result.Conflicts})
	d.bus.PublishDocument(applied)

	return &Delivery{
		ToSubmitter: []models.Event{applied},
		Broadcast:   []models.Event{applied},
		Recipients:  d.othersIn(session, userID),
	}, nil
}

func (d *Dispatcher) queryState(ctx context.Context, userID, sessionID string, sinceVersion uint64) (*Delivery, error) {
	if _, err := d.require(sessionID, userID, models.PermRead); err != nil {
		return nil, err
	}

	var payload any
	if sinceVersion > 0 {
		ops, err := d.engine.OperationsSince(sessionID, sinceVersion)
		if err != nil {
			return nil, err
		}
		payload = crdt.SyncState{DocumentID: sessionID, Version: sinceVersion, Operations: ops}
	} else {
		state, err := d.engine.SyncState(sessionID)
		if err != nil {
			return nil, err
		}
		payload = state
	}

	return &Delivery{
		ToSubmitter: []models.Event{models.NewEvent(models.EventSyncState, sessionID, payload)},
	}, nil
}
