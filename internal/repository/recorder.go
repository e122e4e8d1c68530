package repository

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"codepair/internal/models"

	"gorm.io/gorm"
)

// Recorder is the persistence collaborator: it subscribes to the event
// bus and writes session snapshots, applied operations, and conflict
// reports as they flow by. The collaboration core never waits on it —
// a write failure is logged and the session carries on.
type Recorder struct {
	db  *gorm.DB
	ops *OperationRepositoryImpl
}

// NewRecorder creates a recorder over the given database.
func NewRecorder(db *gorm.DB, ops *OperationRepositoryImpl) *Recorder {
	return &Recorder{db: db, ops: ops}
}

// OnLifecycleEvent snapshots the session on every lifecycle transition.
func (r *Recorder) OnLifecycleEvent(event models.Event) {
	payload, ok := event.Payload.(models.SessionEventPayload)
	if !ok || payload.Session == nil {
		return
	}
	s := payload.Session

	participants, err := json.Marshal(s.Participants)
	if err != nil {
		log.Printf("⚠️  Failed to marshal participants: %v", err)
		return
	}

	snapshot := &models.SessionSnapshot{
		SessionID:    s.ID,
		Name:         s.Name,
		HostID:       s.HostID,
		Status:       s.Status,
		Participants: participants,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.db.WithContext(ctx).Create(snapshot).Error; err != nil {
		log.Printf("⚠️  Failed to snapshot session %s: %v", s.ID, err)
	}
}

// OnDocumentEvent appends applied operations to the durable log.
func (r *Recorder) OnDocumentEvent(event models.Event) {
	payload, ok := event.Payload.(models.OperationPayload)
	if !ok || payload.Operation == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.ops.StoreOperation(ctx, event.SessionID, payload.Operation); err != nil {
		log.Printf("⚠️  Failed to persist operation %s: %v", payload.Operation.ID, err)
	}
}

// OnConflictEvent appends conflict reports, keeping rejected edits
// retrievable for audit.
func (r *Recorder) OnConflictEvent(event models.Event) {
	payload, ok := event.Payload.(models.ConflictPayload)
	if !ok || len(payload.Conflicts) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.ops.StoreConflict(ctx, event.SessionID, payload.Conflicts[0].Incoming, payload.Conflicts); err != nil {
		log.Printf("⚠️  Failed to persist conflict report: %v", err)
	}
}
