package crdt

/*
LEARNING: CONFLICT DETECTION & RESOLUTION

Two edits conflict when their byte ranges overlap, with one carve-out:
insert vs insert never conflicts, because both insertions can be placed
and their relative order is settled by the position transform instead.

Resolution depends on the conflict class:
- attribute conflicts (a format op is involved) merge the attribute
  maps; nobody's edit is dropped
- concurrent edits go to last-writer-wins on timestamp; the losing
  operation is rejected and the caller is told why
*/

// conflictsWith classifies the collision between an incoming operation
// and one already in the log, or returns ("", false) when the pair is
// compatible.
func conflictsWith(incoming, existing Operation) (ConflictType, bool) {
	if incoming.ID == existing.ID {
		return "", false
	}
	if incoming.Type == OpRetain || existing.Type == OpRetain {
		return "", false
	}
	if !overlaps(incoming, existing) {
		return "", false
	}

	// Overlaps involving a format op only contend on attributes.
	if incoming.Type == OpFormat || existing.Type == OpFormat {
		return AttributeConflict, true
	}

	// Both insertions can be placed; ordering is the transform's job.
	if incoming.Type == OpInsert && existing.Type == OpInsert {
		return "", false
	}

	// A replace collides with anything overlapping its range; the
	// remaining overlapping insert/delete pairs collide too.
	return ConcurrentEdit, true
}

// detectConflicts scans the log for operations colliding with the
// incoming one. Caller holds the replica lock.
func (r *Replica) detectConflicts(incoming Operation) []ConflictInfo {
	var conflicts []ConflictInfo
	for _, logged := range r.log {
		if kind, ok := conflictsWith(incoming, logged); ok {
			conflicts = append(conflicts, ConflictInfo{
				Type:     kind,
				Incoming: incoming.ID,
				Existing: logged,
			})
		}
	}
	return conflicts
}

// mergeAttributes unions the attribute maps of every conflicting format
// operation into the incoming one. On key collision the later-timestamped
// writer wins, so replaying the same merge on any replica converges.
func mergeAttributes(incoming Operation, conflicts []ConflictInfo) Operation {
	merged := make(map[string]string)

	for _, c := range conflicts {
		if c.Type != AttributeConflict {
			continue
		}
		if !c.Existing.Timestamp.After(incoming.Timestamp) {
			for k, v := range c.Existing.Attributes {
				merged[k] = v
			}
		}
	}
	for k, v := range incoming.Attributes {
		merged[k] = v
	}
	for _, c := range conflicts {
		if c.Type != AttributeConflict {
			continue
		}
		if c.Existing.Timestamp.After(incoming.Timestamp) {
			for k, v := range c.Existing.Attributes {
				merged[k] = v
			}
		}
	}

	incoming.Attributes = merged
	return incoming
}

// lastWriterWins decides whether the incoming operation survives its
// concurrent-edit conflicts. The greatest timestamp in the conflict set
// wins; timestamp ties break lexicographically by origin replica id so
// every replica picks the same winner.
func lastWriterWins(incoming Operation, conflicts []ConflictInfo) bool {
	for _, c := range conflicts {
		if c.Type != ConcurrentEdit {
			continue
		}
		ex := c.Existing
		if ex.Timestamp.After(incoming.Timestamp) {
			return false
		}
		if ex.Timestamp.Equal(incoming.Timestamp) && ex.OriginReplica > incoming.OriginReplica {
			return false
		}
	}
	return true
}
