package clock

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrementMonotonic(t *testing.T) {
	v := New()
	var prev uint64
	for i := 0; i < 100; i++ {
		require.NoError(t, v.Increment("n1", time.Now()))
		cur := v.Get("n1")
		if cur <= prev {
			t.Fatalf("counter not strictly increasing: %d after %d", cur, prev)
		}
		prev = cur
	}
}

func TestIncrementEmptyNode(t *testing.T) {
	v := New()
	assert.ErrorIs(t, v.Increment("", time.Now()), ErrEmptyNode)
}

func TestIncrementOverflow(t *testing.T) {
	v := New()
	v.Counters["n1"] = math.MaxUint64
	err := v.Increment("n1", time.Now())
	assert.ErrorIs(t, err, ErrOverflow)
	// Operation aborted, counter unchanged
	assert.Equal(t, uint64(math.MaxUint64), v.Get("n1"))
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b map[string]uint64
		want Ordering
	}{
		{"both empty", nil, nil, Equal},
		{"equal", map[string]uint64{"a": 1, "b": 2}, map[string]uint64{"a": 1, "b": 2}, Equal},
		{"before", map[string]uint64{"a": 1}, map[string]uint64{"a": 2}, Before},
		{"before with extra entry", map[string]uint64{"a": 1}, map[string]uint64{"a": 1, "b": 1}, Before},
		{"after", map[string]uint64{"a": 2, "b": 1}, map[string]uint64{"a": 1, "b": 1}, After},
		{"concurrent", map[string]uint64{"a": 2}, map[string]uint64{"b": 2}, Concurrent},
		{"missing entries are zero", map[string]uint64{"a": 0}, nil, Equal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &VectorClock{Counters: tt.a}
			b := &VectorClock{Counters: tt.b}
			assert.Equal(t, tt.want, a.Compare(b))
		})
	}
}

// referenceCompare is a direct Lamport comparison used to cross-check
// the production implementation on random pairs.
func referenceCompare(a, b map[string]uint64) Ordering {
	nodes := map[string]struct{}{}
	for n := range a {
		nodes[n] = struct{}{}
	}
	for n := range b {
		nodes[n] = struct{}{}
	}
	aLEb, bLEa := true, true
	for n := range nodes {
		if a[n] > b[n] {
			aLEb = false
		}
		if b[n] > a[n] {
			bLEa = false
		}
	}
	switch {
	case aLEb && bLEa:
		return Equal
	case aLEb:
		return Before
	case bLEa:
		return After
	default:
		return Concurrent
	}
}

func TestCompareAgainstReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		a := map[string]uint64{}
		b := map[string]uint64{}
		for j := 0; j < rng.Intn(6); j++ {
			a[fmt.Sprintf("n%d", rng.Intn(4))] = uint64(rng.Intn(4))
		}
		for j := 0; j < rng.Intn(6); j++ {
			b[fmt.Sprintf("n%d", rng.Intn(4))] = uint64(rng.Intn(4))
		}
		va := &VectorClock{Counters: a}
		vb := &VectorClock{Counters: b}
		want := referenceCompare(a, b)
		if got := va.Compare(vb); got != want {
			t.Fatalf("pair %d: compare(%v, %v) = %v, want %v", i, a, b, got, want)
		}
	}
}

func TestMergeDominatesBoth(t *testing.T) {
	a := &VectorClock{Counters: map[string]uint64{"a": 3, "b": 1}, Timestamp: 10}
	b := &VectorClock{Counters: map[string]uint64{"b": 4, "c": 2}, Timestamp: 20}

	m := a.Merge(b)
	assert.Equal(t, uint64(3), m.Get("a"))
	assert.Equal(t, uint64(4), m.Get("b"))
	assert.Equal(t, uint64(2), m.Get("c"))
	assert.Equal(t, int64(20), m.Timestamp)

	for _, in := range []*VectorClock{a, b} {
		ord := m.Compare(in)
		if ord != After && ord != Equal {
			t.Fatalf("merged clock does not dominate input %v: %v", in.Counters, ord)
		}
	}
	// Inputs untouched
	assert.Equal(t, uint64(1), a.Get("b"))
}

func TestMergeCommutative(t *testing.T) {
	a := &VectorClock{Counters: map[string]uint64{"a": 3, "b": 1}}
	b := &VectorClock{Counters: map[string]uint64{"b": 4, "c": 2}}
	assert.Equal(t, a.Merge(b).Counters, b.Merge(a).Counters)
}

func TestPruneBelowThresholdNoop(t *testing.T) {
	v := New()
	for i := 0; i < 10; i++ {
		v.Counters[fmt.Sprintf("n%d", i)] = uint64(i)
	}
	assert.Nil(t, v.Prune(1000))
	assert.Equal(t, 10, v.Len())
}

func TestPrunePrecisionLoss(t *testing.T) {
	// Build a clock with 1001 entries, one over the default threshold.
	v := New()
	for i := 0; i < 1001; i++ {
		v.Counters[fmt.Sprintf("node-%04d", i)] = uint64(i + 1)
	}

	dropped := v.Prune(1000)
	require.NotEmpty(t, dropped, "expected a prune warning with dropped entries")
	assert.Equal(t, 500, v.Len())

	// The lowest-counter entries were dropped.
	assert.Contains(t, dropped, "node-0000")
	assert.NotContains(t, dropped, "node-1000")

	// Known limitation: a clock that only referenced a dropped entry
	// truthfully happened-before the pruned clock, but now compares
	// Concurrent because the pruned side lost the entry.
	old := &VectorClock{Counters: map[string]uint64{"node-0000": 1}}
	assert.Equal(t, Concurrent, old.Compare(v))

	// Convergence is still reached: merging re-learns the entry and the
	// merged clock dominates both sides.
	m := v.Merge(old)
	assert.Equal(t, After, m.Compare(old))
}

func TestPruneDeterministic(t *testing.T) {
	mk := func() *VectorClock {
		v := New()
		for i := 0; i < 20; i++ {
			v.Counters[fmt.Sprintf("n%02d", i)] = uint64(i % 7)
		}
		return v
	}
	a, b := mk(), mk()
	a.Prune(10)
	b.Prune(10)
	assert.Equal(t, a.Counters, b.Counters)
}

func TestHashStable(t *testing.T) {
	a := &VectorClock{Counters: map[string]uint64{"a": 1, "b": 2}}
	b := &VectorClock{Counters: map[string]uint64{"b": 2, "a": 1}}
	assert.Equal(t, a.Hash(), b.Hash())

	c := &VectorClock{Counters: map[string]uint64{"a": 1, "b": 3}}
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestSnapshotIndependent(t *testing.T) {
	v := &VectorClock{Counters: map[string]uint64{"a": 1}}
	s := v.Snapshot()
	s["a"] = 99
	assert.Equal(t, uint64(1), v.Get("a"))
}

func TestOverflowSurfacesAsError(t *testing.T) {
	v := New()
	v.Counters["n"] = math.MaxUint64
	err := v.Increment("n", time.Now())
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}
