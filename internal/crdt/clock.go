package crdt

import "sort"

/*
LEARNING: VECTOR CLOCKS

A vector clock tracks logical time per replica: replica_id -> counter.
Comparing two clocks tells us whether one operation happened-before the
other, or whether they were made concurrently (neither saw the other).

This is the only causality primitive the engine needs:
- Concurrent(a, b) drives operational-transform position adjustment
- Merge(other) folds a remote operation's view of time into ours
*/

// VectorClock maps a replica id to the number of operations that replica
// has originated, as seen by the holder of the clock. Missing entries
// count as zero.
type VectorClock map[string]uint64

// Increment bumps the counter for the given replica and returns the
// clock itself for chaining. Called exactly once per locally-originated
// operation, before the operation is stamped.
func (vc VectorClock) Increment(replicaID string) VectorClock {
	vc[replicaID]++
	return vc
}

// Merge folds another clock into the receiver by taking the max value
// for each component.
func (vc VectorClock) Merge(other VectorClock) {
	for id, v := range other {
		if v > vc[id] {
			vc[id] = v
		}
	}
}

// Dominates reports whether the receiver has seen at least as much as
// the other clock for every component.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for id, v := range other {
		if vc[id] < v {
			return false
		}
	}
	return true
}

// Concurrent reports whether two clocks are causally unrelated: each has
// at least one component strictly greater than the other's. Symmetric,
// and false when the clocks are equal or one dominates the other.
func Concurrent(a, b VectorClock) bool {
	aAhead := false
	bAhead := false

	for id, v := range a {
		if v > b[id] {
			aAhead = true
			break
		}
	}
	for id, v := range b {
		if v > a[id] {
			bAhead = true
			break
		}
	}

	return aAhead && bAhead
}

// Sum returns the total of all components. Used as the primary key for
// log ordering; it approximates total operation count, not a true
// causal order.
func (vc VectorClock) Sum() uint64 {
	var total uint64
	for _, v := range vc {
		total += v
	}
	return total
}

// Clone returns a deep copy of the clock. Operations are stamped with a
// clone so later increments never mutate an already-stamped snapshot.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for id, v := range vc {
		out[id] = v
	}
	return out
}

// ReplicaIDs returns the replica ids present in the clock, sorted.
// Useful for deterministic iteration in logs and tests.
func (vc VectorClock) ReplicaIDs() []string {
	ids := make([]string, 0, len(vc))
	for id := range vc {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
