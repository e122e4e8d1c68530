package crdt

import (
	"errors"
	"sort"
	"sync"
)

// ErrDocumentNotFound is returned by every engine method when the
// document id has no replica. Callers never retry; a missing document
// means the owning session is gone.
var ErrDocumentNotFound = errors.New("document not found")

// Engine owns all document replicas hosted by this process. Each
// replica serializes its own mutations, so different documents are
// fully independent; the engine's own lock only guards the registry
// map for short find-by-id critical sections.
type Engine struct {
	replicaID string

	mu       sync.RWMutex
	replicas map[string]*Replica
}

// NewEngine creates an engine whose locally-originated operations are
// stamped with the given replica id.
func NewEngine(replicaID string) *Engine {
	return &Engine{
		replicaID: replicaID,
		replicas:  make(map[string]*Replica),
	}
}

// ReplicaID returns the id local operations are stamped with.
func (e *Engine) ReplicaID() string { return e.replicaID }

// CreateDocument initializes a replica with an empty operation log and
// zero version. Calling twice for the same id overwrites; callers own
// the 1:1 session-to-document mapping and must not.
func (e *Engine) CreateDocument(documentID, initialText string) *DocumentState {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := newReplica(documentID, e.replicaID, initialText)
	e.replicas[documentID] = r

	return &DocumentState{DocumentID: documentID, Text: initialText, Version: 0}
}

// RemoveDocument drops a replica. Used when the owning session is torn
// down; subsequent calls for the id fail with ErrDocumentNotFound.
func (e *Engine) RemoveDocument(documentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.replicas, documentID)
}

func (e *Engine) replica(documentID string) (*Replica, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.replicas[documentID]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return r, nil
}

// Apply runs one operation through the full detect -> resolve -> append
// sequence under the replica lock.
//
// A conflicted apply is a normal outcome, not an error: attribute
// conflicts are resolved by merging and still applied; concurrent-edit
// conflicts go to last-writer-wins, and a losing incoming operation
// comes back with Applied=false plus the conflict list so the caller
// can surface the rejection.
func (e *Engine) Apply(documentID string, op Operation) (*ApplyResult, error) {
	r, err := e.replica(documentID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	op = r.complete(op)

	if _, dup := r.seen[op.ID]; dup {
		// Idempotent re-delivery: already in the log, nothing to do.
		return &ApplyResult{Applied: false}, nil
	}

	conflicts := r.detectConflicts(op)
	if len(conflicts) == 0 {
		r.append(op)
		return &ApplyResult{Applied: true, Operation: &op}, nil
	}

	if !lastWriterWins(op, conflicts) {
		for i := range conflicts {
			conflicts[i].Resolution = "rejected: lost last-writer-wins"
		}
		return &ApplyResult{Applied: false, Conflicts: conflicts}, nil
	}

	op = mergeAttributes(op, conflicts)
	for i := range conflicts {
		switch conflicts[i].Type {
		case AttributeConflict:
			conflicts[i].Resolution = "merged attributes"
		case ConcurrentEdit:
			conflicts[i].Resolution = "applied: won last-writer-wins"
		}
	}

	r.append(op)
	return &ApplyResult{Applied: true, Operation: &op, Conflicts: conflicts}, nil
}

// Transform adjusts an operation's position for the concurrent
// operations that already changed the document — classic OT. Only
// operations genuinely concurrent with the target (by vector clock)
// shift it: an insert at or before the target's position pushes it
// right; a delete before it pulls it left; a replace moves it by its
// net length change. Two inserts at the identical
// position tie-break on timestamp, earlier writer keeping the lower
// position. The log is not consulted or mutated.
func (e *Engine) Transform(documentID string, op Operation, concurrent []Operation) (Operation, error) {
	if _, err := e.replica(documentID); err != nil {
		return Operation{}, err
	}

	ordered := make([]Operation, len(concurrent))
	copy(ordered, concurrent)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].Position < ordered[j].Position
	})

	for _, c := range ordered {
		if c.ID == op.ID || !Concurrent(c.Vector, op.Vector) {
			continue
		}

		switch c.Type {
		case OpInsert:
			if c.Position < op.Position {
				op.Position += len(c.Content)
			} else if c.Position == op.Position && op.Type == OpInsert && c.Timestamp.Before(op.Timestamp) {
				op.Position += len(c.Content)
			}

		case OpDelete, OpReplace:
			if c.Position < op.Position {
				removed := c.Length
				if c.Position+removed > op.Position {
					removed = op.Position - c.Position
				}
				op.Position -= removed
				// A replace also splices content in at c.Position,
				// which sits before op after the shrink.
				if c.Type == OpReplace {
					op.Position += len(c.Content)
				}
			}
		}
	}

	return op, nil
}

// OperationsSince returns operations whose vector clock sum exceeds the
// given version, in log order. Peers use it to catch up after the
// version reported by SyncState.
func (e *Engine) OperationsSince(documentID string, version uint64) ([]Operation, error) {
	r, err := e.replica(documentID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	log := r.snapshotLocked()
	r.mu.Unlock()

	out := make([]Operation, 0, len(log))
	for _, op := range log {
		if op.Vector.Sum() > version {
			out = append(out, op)
		}
	}
	sortLog(out)
	return out, nil
}

// Merge is the replica-to-replica synchronization entry point: sort the
// incoming batch into log order, skip operations we already hold, and
// apply the rest in order. Re-merging an already-seen batch is a no-op,
// which is what makes delivery-order-independent convergence work.
func (e *Engine) Merge(documentID string, remote []Operation) (*MergeResult, error) {
	r, err := e.replica(documentID)
	if err != nil {
		return nil, err
	}

	batch := make([]Operation, len(remote))
	copy(batch, remote)
	sortLog(batch)

	result := &MergeResult{}
	for _, op := range batch {
		r.mu.Lock()
		_, dup := r.seen[op.ID]
		r.mu.Unlock()
		if dup {
			continue
		}

		res, err := e.Apply(documentID, op)
		if err != nil {
			return nil, err
		}
		if res.Applied && res.Operation != nil {
			result.Applied = append(result.Applied, *res.Operation)
		}
		result.Conflicts = append(result.Conflicts, res.Conflicts...)
	}

	return result, nil
}

// SyncState snapshots what a peer needs to compute its missing
// operations: version, the full log in log order, and our clock.
func (e *Engine) SyncState(documentID string) (*SyncState, error) {
	r, err := e.replica(documentID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ops := r.snapshotLocked()
	sortLog(ops)

	return &SyncState{
		DocumentID: documentID,
		Version:    r.version,
		Operations: ops,
		Vector:     r.clock.Clone(),
	}, nil
}

// State returns the materialized text and version.
func (e *Engine) State(documentID string) (*DocumentState, error) {
	r, err := e.replica(documentID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return &DocumentState{DocumentID: documentID, Text: r.text, Version: r.version}, nil
}
