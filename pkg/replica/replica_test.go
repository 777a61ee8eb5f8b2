package replica

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardsync/wardsync/pkg/clock"
	"github.com/wardsync/wardsync/pkg/types"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func strp(s string) *string                { return &s }
func statusp(s types.Status) *types.Status { return &s }
func prip(p types.Priority) *types.Priority {
	return &p
}

func newTask(t *testing.T, e *Engine, node string) *types.Replica {
	t.Helper()
	r, err := e.New("T1", node, "administer medication", t0)
	require.NoError(t, err)
	return r
}

func TestApplyLocalBumpsClockPerField(t *testing.T) {
	e := NewEngine(0)
	r := newTask(t, e, "n1")
	base := r.VectorClock.Get("n1")

	out, err := e.ApplyLocal(r, "n1", Change{
		Title:    strp("check vitals"),
		Assignee: strp("nurse-7"),
	}, t0.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, base+2, out.VectorClock.Get("n1"), "two field edits bump the counter twice")
	assert.Equal(t, "check vitals", out.Title)
	assert.Equal(t, "nurse-7", out.Assignee)
	// Input untouched
	assert.Equal(t, "administer medication", r.Title)
}

func TestApplyLocalStatusTransitions(t *testing.T) {
	legal := map[types.Status][]types.Status{
		types.StatusTodo:       {types.StatusInProgress, types.StatusCancelled},
		types.StatusInProgress: {types.StatusCompleted, types.StatusBlocked, types.StatusCancelled},
		types.StatusBlocked:    {types.StatusInProgress, types.StatusCancelled},
		types.StatusCompleted:  {types.StatusInProgress},
		types.StatusCancelled:  {types.StatusTodo},
	}
	isLegal := func(from, to types.Status) bool {
		for _, s := range legal[from] {
			if s == to {
				return true
			}
		}
		return false
	}

	e := NewEngine(0)
	// All 36 pairs, including self-transitions and the verified status
	for _, from := range types.Statuses {
		for _, to := range types.Statuses {
			name := fmt.Sprintf("%s->%s", from, to)
			t.Run(name, func(t *testing.T) {
				r := newTask(t, e, "n1")
				r.Status = from
				_, err := e.ApplyLocal(r, "n1", Change{Status: statusp(to)}, t0)
				if isLegal(from, to) {
					assert.NoError(t, err)
				} else {
					assert.ErrorIs(t, err, ErrInvalidState)
				}
			})
		}
	}
}

func TestApplyLocalTombstoneRequiresCancellation(t *testing.T) {
	e := NewEngine(0)
	r := newTask(t, e, "n1")
	_, err := e.ApplyLocal(r, "n1", Change{Status: statusp(types.StatusInProgress), Tombstone: true}, t0)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestMergeIdempotent(t *testing.T) {
	e := NewEngine(0)
	a := newTask(t, e, "n1")
	b, err := e.ApplyLocal(a, "n2", Change{Assignee: strp("nurse-2")}, t0.Add(time.Second))
	require.NoError(t, err)

	once, _, err := e.MergeRemote(a, b)
	require.NoError(t, err)
	twice, rep, err := e.MergeRemote(once, b)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.True(t, rep.Empty(), "second merge must not report conflicts")
}

func TestMergeCommutative(t *testing.T) {
	e := NewEngine(0)
	base := newTask(t, e, "n1")
	a, err := e.ApplyLocal(base, "n1", Change{Title: strp("draw blood")}, t0.Add(time.Second))
	require.NoError(t, err)
	b, err := e.ApplyLocal(base, "n2", Change{Title: strp("draw blood stat")}, t0.Add(2*time.Second))
	require.NoError(t, err)

	ab, _, err := e.MergeRemote(a, b)
	require.NoError(t, err)
	ba, _, err := e.MergeRemote(b, a)
	require.NoError(t, err)

	assert.Equal(t, ab.Title, ba.Title)
	assert.Equal(t, ab.Status, ba.Status)
	assert.Equal(t, ab.VectorClock.Counters, ba.VectorClock.Counters)
	assert.Equal(t, "draw blood stat", ab.Title, "later physical timestamp wins the concurrent edit")
}

func TestMergeConvergenceAnyInterleaving(t *testing.T) {
	e := NewEngine(0)
	base := newTask(t, e, "n0")

	a, err := e.ApplyLocal(base, "nA", Change{Assignee: strp("nurse-a")}, t0.Add(1*time.Second))
	require.NoError(t, err)
	b, err := e.ApplyLocal(base, "nB", Change{Priority: prip(types.PriorityCritical)}, t0.Add(2*time.Second))
	require.NoError(t, err)
	c, err := e.ApplyLocal(base, "nC", Change{Status: statusp(types.StatusInProgress)}, t0.Add(3*time.Second))
	require.NoError(t, err)

	merge := func(x, y *types.Replica) *types.Replica {
		m, _, err := e.MergeRemote(x, y)
		require.NoError(t, err)
		return m
	}

	orders := [][3]*types.Replica{
		{a, b, c}, {a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a},
	}
	var terminal *types.Replica
	for i, ord := range orders {
		m := merge(merge(ord[0], ord[1]), ord[2])
		if i == 0 {
			terminal = m
			continue
		}
		assert.Equal(t, terminal.Status, m.Status, "interleaving %d diverged on status", i)
		assert.Equal(t, terminal.Assignee, m.Assignee, "interleaving %d diverged on assignee", i)
		assert.Equal(t, terminal.Priority, m.Priority, "interleaving %d diverged on priority", i)
		assert.Equal(t, terminal.VectorClock.Counters, m.VectorClock.Counters, "interleaving %d diverged on clock", i)
	}
}

// Concurrent status edit: a tombstoned cancellation absorbs a
// concurrent in_progress edit on both nodes.
func TestConcurrentCancelIsAbsorbing(t *testing.T) {
	e := NewEngine(0)
	base := &types.Replica{ID: "T1", Status: types.StatusTodo, VectorClock: clock.New()}

	n1, err := e.ApplyLocal(base, "N1", Change{Status: statusp(types.StatusInProgress)}, t0.Add(5*time.Second))
	require.NoError(t, err)
	n2, err := e.ApplyLocal(base, "N2", Change{Status: statusp(types.StatusCancelled), Tombstone: true}, t0.Add(time.Second))
	require.NoError(t, err)

	on1, _, err := e.MergeRemote(n1, n2)
	require.NoError(t, err)
	on2, _, err := e.MergeRemote(n2, n1)
	require.NoError(t, err)

	for _, m := range []*types.Replica{on1, on2} {
		assert.Equal(t, types.StatusCancelled, m.Status)
		assert.True(t, m.Tombstone)
		assert.Equal(t, uint64(1), m.VectorClock.Get("N1"))
		assert.Equal(t, uint64(1), m.VectorClock.Get("N2"))
	}
}

func TestDominatedTombstoneIsOverridden(t *testing.T) {
	e := NewEngine(0)
	base := newTask(t, e, "n1")
	dead, err := e.ApplyLocal(base, "n1", Change{Status: statusp(types.StatusCancelled), Tombstone: true}, t0.Add(time.Second))
	require.NoError(t, err)
	// Reactivation strictly dominates the tombstone.
	alive, err := e.ApplyLocal(dead, "n1", Change{Status: statusp(types.StatusTodo)}, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, alive.Tombstone, "reactivation lifts the tombstone")

	m, _, err := e.MergeRemote(dead, alive)
	require.NoError(t, err)
	assert.Equal(t, types.StatusTodo, m.Status)
	assert.False(t, m.Tombstone)
}

func TestEMRPayloadHigherVersionWins(t *testing.T) {
	e := NewEngine(0)
	base := newTask(t, e, "n1")

	older, err := e.ApplyLocal(base, "n1", Change{EMRPayload: &types.EMRPayload{
		System: types.EMRSystemEpic, ResourceType: "Task", ResourceID: "task-9", Version: 3, Checksum: "aaa",
	}}, t0.Add(10*time.Second))
	require.NoError(t, err)

	// Lower version but dominant clock and later timestamp; version
	// still wins for matching system+id.
	newer, err := e.ApplyLocal(base, "n2", Change{EMRPayload: &types.EMRPayload{
		System: types.EMRSystemEpic, ResourceType: "Task", ResourceID: "task-9", Version: 5, Checksum: "bbb",
	}}, t0.Add(time.Second))
	require.NoError(t, err)

	m, rep, err := e.MergeRemote(older, newer)
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.EMRPayload.Version)
	assert.False(t, rep.Empty())
}

func TestVerificationDerivedAfterMerge(t *testing.T) {
	e := NewEngine(0)
	base := newTask(t, e, "n1")

	verified, err := e.ApplyLocal(base, "n1", Change{EMRPayload: &types.EMRPayload{
		System: types.EMRSystemCerner, ResourceID: "t1", Version: 1, Checksum: "sum-1",
	}}, t0.Add(time.Second))
	require.NoError(t, err)
	verified.VerifiedChecksum = "sum-1"
	verified.VerifiedAt = t0.Add(2 * time.Second)
	verified.VerificationState = types.VerificationVerified

	// A newer payload version arrives; the recorded checksum no longer
	// matches, so the merged replica drops back to pending.
	refetched, err := e.ApplyLocal(base, "n2", Change{EMRPayload: &types.EMRPayload{
		System: types.EMRSystemCerner, ResourceID: "t1", Version: 2, Checksum: "sum-2",
	}}, t0.Add(3*time.Second))
	require.NoError(t, err)

	m, _, err := e.MergeRemote(verified, refetched)
	require.NoError(t, err)
	assert.Equal(t, types.VerificationPending, m.VerificationState)

	// Same payload on both sides keeps the verified state.
	m2, _, err := e.MergeRemote(verified, verified.Clone())
	require.NoError(t, err)
	assert.Equal(t, types.VerificationVerified, m2.VerificationState)
}

func TestMergeIDMismatch(t *testing.T) {
	e := NewEngine(0)
	a, err := e.New("T1", "n1", "a", t0)
	require.NoError(t, err)
	b, err := e.New("T2", "n1", "b", t0)
	require.NoError(t, err)
	_, _, err = e.MergeRemote(a, b)
	assert.Error(t, err)
}

func TestMergeReportsDominanceReversal(t *testing.T) {
	e := NewEngine(0)
	a := newTask(t, e, "n1")
	b, err := e.ApplyLocal(a, "n2", Change{Title: strp("new title")}, t0.Add(time.Second))
	require.NoError(t, err)

	_, rep, err := e.MergeRemote(a, b)
	require.NoError(t, err)
	require.False(t, rep.Empty())
	assert.Equal(t, "title", rep.Conflicts[0].Field)
	assert.Equal(t, types.ConflictDominance, rep.Conflicts[0].Kind)
}

func TestHashChangesWithContent(t *testing.T) {
	e := NewEngine(0)
	a := newTask(t, e, "n1")
	b, err := e.ApplyLocal(a, "n1", Change{Title: strp("x")}, t0.Add(time.Second))
	require.NoError(t, err)
	assert.NotEqual(t, Hash(a), Hash(b))
	assert.Equal(t, Hash(a), Hash(a.Clone()))
}
