package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"codepair/internal/crdt"
	"codepair/internal/models"

	"gorm.io/gorm"
)

/*
LEARNING: OPERATION LOG PERSISTENCE

Persisting the applied-operation stream allows:
1. Late joiners to catch up from history
2. Server restart without losing the document
3. An audit trail, including rejected edits in the conflict log

Query patterns:
- ListBySession: initial catch-up (get everything, in order)
- ListAfter: incremental catch-up
- StoreOperation / StoreConflict: append as events flow by
*/

// OperationRepositoryImpl handles operation and conflict log storage.
type OperationRepositoryImpl struct {
	db *gorm.DB
}

// NewOperationRepository creates an operation repository.
func NewOperationRepository(db *gorm.DB) *OperationRepositoryImpl {
	return &OperationRepositoryImpl{db: db}
}

// StoreOperation appends one applied operation.
func (r *OperationRepositoryImpl) StoreOperation(ctx context.Context, sessionID string, op *crdt.Operation) error {
	record, err := operationRecord(sessionID, op)
	if err != nil {
		return err
	}

	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to store operation: %w", err)
	}
	return nil
}

// ListBySession retrieves a session's full operation history in append
// order. Used for late-joiner catch-up.
func (r *OperationRepositoryImpl) ListBySession(ctx context.Context, sessionID string) ([]*models.OperationRecord, error) {
	var records []*models.OperationRecord

	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return records, nil
}

// ListAfter retrieves operations appended after a reference operation.
// Used for incremental catch-up.
func (r *OperationRepositoryImpl) ListAfter(ctx context.Context, sessionID, afterID string) ([]*models.OperationRecord, error) {
	var after models.OperationRecord
	if err := r.db.WithContext(ctx).First(&after, "id = ?", afterID).Error; err != nil {
		return nil, fmt.Errorf("failed to find reference operation: %w", err)
	}

	var records []*models.OperationRecord
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND created_at > ?", sessionID, after.CreatedAt).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return records, nil
}

// StoreConflict appends one conflict report, keeping rejected edits
// retrievable.
func (r *OperationRepositoryImpl) StoreConflict(ctx context.Context, sessionID, operationID string, conflicts []crdt.ConflictInfo) error {
	details, err := json.Marshal(conflicts)
	if err != nil {
		return fmt.Errorf("failed to marshal conflicts: %w", err)
	}

	kind := ""
	resolution := ""
	if len(conflicts) > 0 {
		kind = string(conflicts[0].Type)
		resolution = conflicts[0].Resolution
	}

	record := &models.ConflictRecord{
		SessionID:   sessionID,
		DocumentID:  sessionID,
		Type:        kind,
		OperationID: operationID,
		Details:     details,
		Resolution:  resolution,
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to store conflict: %w", err)
	}
	return nil
}

// PruneOperations drops the oldest records past a retention count.
// Call periodically to prevent unbounded growth.
func (r *OperationRepositoryImpl) PruneOperations(ctx context.Context, sessionID string, keepCount int) error {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.OperationRecord{}).
		Where("session_id = ?", sessionID).
		Count(&count).Error; err != nil {
		return err
	}
	if count <= int64(keepCount) {
		return nil
	}

	var cutoff models.OperationRecord
	offset := count - int64(keepCount)
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Offset(int(offset)).
		First(&cutoff).Error; err != nil {
		return err
	}

	result := r.db.WithContext(ctx).
		Where("session_id = ? AND created_at < ?", sessionID, cutoff.CreatedAt).
		Delete(&models.OperationRecord{})
	if result.Error != nil {
		return fmt.Errorf("failed to prune operations: %w", result.Error)
	}
	return nil
}

func operationRecord(sessionID string, op *crdt.Operation) (*models.OperationRecord, error) {
	vector, err := json.Marshal(op.Vector)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vector: %w", err)
	}

	var attrs []byte
	if len(op.Attributes) > 0 {
		if attrs, err = json.Marshal(op.Attributes); err != nil {
			return nil, fmt.Errorf("failed to marshal attributes: %w", err)
		}
	}

	return &models.OperationRecord{
		ID:            op.ID,
		SessionID:     sessionID,
		DocumentID:    sessionID,
		Type:          string(op.Type),
		Position:      op.Position,
		Content:       op.Content,
		Length:        op.Length,
		Attributes:    attrs,
		Author:        op.Author,
		OriginReplica: op.OriginReplica,
		Vector:        vector,
		Timestamp:     op.Timestamp,
	}, nil
}
