package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorClockIncrement(t *testing.T) {
	vc := VectorClock{}

	vc.Increment("a")
	vc.Increment("a")
	vc.Increment("b")

	assert.Equal(t, uint64(2), vc["a"])
	assert.Equal(t, uint64(1), vc["b"])
	assert.Equal(t, uint64(3), vc.Sum())
}

func TestVectorClockConcurrent(t *testing.T) {
	t.Run("disjoint clocks are concurrent", func(t *testing.T) {
		a := VectorClock{"r1": 1}
		b := VectorClock{"r2": 1}

		assert.True(t, Concurrent(a, b))
		assert.True(t, Concurrent(b, a), "concurrency must be symmetric")
	})

	t.Run("equal clocks are not concurrent", func(t *testing.T) {
		a := VectorClock{"r1": 2, "r2": 1}
		b := VectorClock{"r1": 2, "r2": 1}

		assert.False(t, Concurrent(a, b))
	})

	t.Run("dominated clock is not concurrent", func(t *testing.T) {
		earlier := VectorClock{"r1": 1}
		later := VectorClock{"r1": 2, "r2": 1}

		assert.False(t, Concurrent(earlier, later))
		assert.False(t, Concurrent(later, earlier))
		assert.True(t, later.Dominates(earlier))
		assert.False(t, earlier.Dominates(later))
	})

	t.Run("cross-ahead clocks are concurrent", func(t *testing.T) {
		a := VectorClock{"r1": 2, "r2": 1}
		b := VectorClock{"r1": 1, "r2": 2}

		assert.True(t, Concurrent(a, b))
	})

	t.Run("missing components count as zero", func(t *testing.T) {
		a := VectorClock{"r1": 1, "r2": 1}
		b := VectorClock{"r1": 1}

		assert.False(t, Concurrent(a, b))
		assert.True(t, a.Dominates(b))
	})
}

func TestVectorClockMerge(t *testing.T) {
	a := VectorClock{"r1": 3, "r2": 1}
	b := VectorClock{"r2": 4, "r3": 2}

	a.Merge(b)

	assert.Equal(t, VectorClock{"r1": 3, "r2": 4, "r3": 2}, a)
}

func TestVectorClockClone(t *testing.T) {
	original := VectorClock{"r1": 1}
	snapshot := original.Clone()

	original.Increment("r1")

	require.Equal(t, uint64(1), snapshot["r1"], "snapshot must not see later increments")
	assert.Equal(t, uint64(2), original["r1"])
}

func TestLogBefore(t *testing.T) {
	t.Run("lower clock sum orders first", func(t *testing.T) {
		a := Operation{ID: "x", OriginReplica: "r1", Vector: VectorClock{"r1": 1}}
		b := Operation{ID: "y", OriginReplica: "r1", Vector: VectorClock{"r1": 2}}

		assert.True(t, LogBefore(a, b))
		assert.False(t, LogBefore(b, a))
	})

	t.Run("equal sums break ties by replica id", func(t *testing.T) {
		a := Operation{ID: "x", OriginReplica: "alpha", Vector: VectorClock{"alpha": 1}}
		b := Operation{ID: "y", OriginReplica: "beta", Vector: VectorClock{"beta": 1}}

		assert.True(t, LogBefore(a, b))
		assert.False(t, LogBefore(b, a))
	})
}
