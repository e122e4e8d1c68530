package crdt

import (
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// Replica is one copy of a document's shared state: the materialized
// text, the append-only operation log, and this replica's vector clock.
//
// All mutation goes through the replica's mutex so the detect -> resolve
// -> append sequence inside apply can never interleave with a concurrent
// apply on the same document. The clock increment happens inside the
// same critical section as the log append.
type Replica struct {
	DocumentID string
	ReplicaID  string

	mu      sync.Mutex
	text    string
	version uint64
	log     []Operation
	clock   VectorClock
	seen    map[string]struct{} // operation ids already in the log
}

func newReplica(documentID, replicaID, initialText string) *Replica {
	return &Replica{
		DocumentID: documentID,
		ReplicaID:  replicaID,
		text:       initialText,
		clock:      VectorClock{},
		seen:       make(map[string]struct{}),
	}
}

// complete fills in the fields a freshly-submitted operation may omit:
// id, author, origin replica, timestamp, and the vector clock stamp.
// A locally-originated operation (no vector yet) bumps the local clock
// and is stamped with the post-increment snapshot; a remote operation
// keeps its stamp and its view of time is folded into ours.
func (r *Replica) complete(op Operation) Operation {
	if op.ID == "" {
		op.ID = ksuid.New().String()
	}
	if op.OriginReplica == "" {
		op.OriginReplica = r.ReplicaID
	}
	if op.Author == "" {
		op.Author = op.OriginReplica
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}

	if op.Vector == nil {
		r.clock.Increment(op.OriginReplica)
		op.Vector = r.clock.Clone()
	} else {
		r.clock.Merge(op.Vector)
	}

	return op
}

// mutate splices the operation's effect into the text. Positions are
// clamped to the current text length so a stale remote position cannot
// index out of range.
func (r *Replica) mutate(op Operation) {
	switch op.Type {
	case OpInsert:
		pos := clamp(op.Position, len(r.text))
		r.text = r.text[:pos] + op.Content + r.text[pos:]

	case OpDelete:
		pos := clamp(op.Position, len(r.text))
		end := clamp(op.Position+op.Length, len(r.text))
		r.text = r.text[:pos] + r.text[end:]

	case OpReplace:
		pos := clamp(op.Position, len(r.text))
		end := clamp(op.Position+op.Length, len(r.text))
		r.text = r.text[:pos] + op.Content + r.text[end:]

	case OpFormat, OpRetain:
		// Format is metadata-only; retain is a placeholder. No text change.
	}
}

// append commits an operation: log append, text mutation, version bump.
// The version always equals the log length after a successful apply.
func (r *Replica) append(op Operation) {
	r.log = append(r.log, op)
	r.seen[op.ID] = struct{}{}
	r.mutate(op)
	r.version = uint64(len(r.log))
}

// snapshotLocked copies the log for callers that must not observe later
// appends. Caller holds r.mu.
func (r *Replica) snapshotLocked() []Operation {
	out := make([]Operation, len(r.log))
	copy(out, r.log)
	return out
}

// sortLog orders operations by the storage/display comparator.
func sortLog(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return LogBefore(ops[i], ops[j])
	})
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
