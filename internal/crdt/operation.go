package crdt

import (
	"time"
)

// OperationType identifies the kind of edit an operation performs.
type OperationType string

const (
	OpInsert  OperationType = "insert"
	OpDelete  OperationType = "delete"
	OpReplace OperationType = "replace"
	OpFormat  OperationType = "format"  // metadata only, no text mutation
	OpRetain  OperationType = "retain"  // no-op placeholder
)

// Operation is a single edit against a shared document. Once applied it
// is appended to the replica's log and never mutated again.
type Operation struct {
	ID            string            `json:"id"`
	Type          OperationType     `json:"type"`
	Position      int               `json:"position"`
	Content       string            `json:"content,omitempty"`
	Length        int               `json:"length,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Author        string            `json:"author"`
	OriginReplica string            `json:"origin_replica"`
	Vector        VectorClock       `json:"vector"`
	Dependencies  []string          `json:"dependencies,omitempty"` // advisory causal parents
	Timestamp     time.Time         `json:"timestamp"`
}

// span returns the half-open byte range [start, end) the operation
// touches. Inserts claim the range of the content they splice in;
// deletes and replaces claim the range they remove.
func (op Operation) span() (start, end int) {
	switch op.Type {
	case OpInsert:
		return op.Position, op.Position + len(op.Content)
	case OpDelete, OpReplace:
		return op.Position, op.Position + op.Length
	case OpFormat:
		return op.Position, op.Position + op.Length
	default: // retain
		return op.Position, op.Position
	}
}

// overlaps reports whether two operations touch intersecting byte
// ranges. Zero-width ranges overlap a range that contains their point.
func overlaps(a, b Operation) bool {
	as, ae := a.span()
	bs, be := b.span()
	if as == ae {
		return bs <= as && as < be
	}
	if bs == be {
		return as <= bs && bs < ae
	}
	return as < be && bs < ae
}

// LogBefore is the log-ordering comparator used for storage and display:
// primary key is the vector clock sum, ties broken lexicographically by
// origin replica id, then by operation id for full determinism. This is
// an approximation of total operation count, not a true causal order;
// conflict detection never uses it.
func LogBefore(a, b Operation) bool {
	sa, sb := a.Vector.Sum(), b.Vector.Sum()
	if sa != sb {
		return sa < sb
	}
	if a.OriginReplica != b.OriginReplica {
		return a.OriginReplica < b.OriginReplica
	}
	return a.ID < b.ID
}

// ConflictType classifies a detected conflict between two operations.
type ConflictType string

const (
	// ConcurrentEdit covers overlapping insert/delete/replace pairs;
	// resolved by last-writer-wins on timestamp.
	ConcurrentEdit ConflictType = "concurrent_edit"
	// AttributeConflict covers overlaps involving a format operation;
	// resolved by merging attribute maps.
	AttributeConflict ConflictType = "attribute_conflict"
)

// ConflictInfo describes one conflict between the incoming operation and
// an operation already in the log.
type ConflictInfo struct {
	Type       ConflictType `json:"type"`
	Incoming   string       `json:"incoming"` // incoming operation id
	Existing   Operation    `json:"existing"` // the logged operation it collides with
	Resolution string       `json:"resolution,omitempty"`
}

// ApplyResult is the outcome of applying one operation. A conflicted
// apply is a normal result, not an error: Applied=false with a non-empty
// Conflicts list means the edit lost last-writer-wins resolution and the
// caller should surface the rejection.
type ApplyResult struct {
	Applied   bool           `json:"applied"`
	Operation *Operation     `json:"operation,omitempty"` // the operation as appended, if applied
	Conflicts []ConflictInfo `json:"conflicts,omitempty"`
}

// MergeResult accumulates the outcome of replica-to-replica sync.
type MergeResult struct {
	Applied   []Operation    `json:"applied"`
	Conflicts []ConflictInfo `json:"conflicts,omitempty"`
}

// SyncState is a snapshot a peer can use to compute what it is missing.
type SyncState struct {
	DocumentID string      `json:"document_id"`
	Version    uint64      `json:"version"`
	Operations []Operation `json:"operations"`
	Vector     VectorClock `json:"vector"`
}

// DocumentState is the materialized view of a replica.
type DocumentState struct {
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
	Version    uint64 `json:"version"`
}
