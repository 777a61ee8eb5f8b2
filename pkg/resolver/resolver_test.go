package resolver

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardsync/wardsync/pkg/clock"
	"github.com/wardsync/wardsync/pkg/events"
	"github.com/wardsync/wardsync/pkg/replica"
	"github.com/wardsync/wardsync/pkg/security"
	"github.com/wardsync/wardsync/pkg/storage"
	"github.com/wardsync/wardsync/pkg/types"
)

func testStore(t *testing.T) storage.Store {
	t.Helper()
	cipher, err := security.NewCipherFromKeyID("test-key")
	require.NoError(t, err)
	s, err := storage.NewBoltStore(t.TempDir(), cipher, storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func remoteReplica(id, node string, at time.Time) *types.Replica {
	vc := clock.New()
	_ = vc.Increment(node, at)
	return &types.Replica{
		ID:                   id,
		Title:                "check vitals",
		Priority:             types.PriorityMedium,
		Status:               types.StatusTodo,
		VerificationState:    types.VerificationPending,
		VectorClock:          vc,
		LastModifiedPhysical: at,
		LastWriterNode:       node,
	}
}

func TestMergeBatchPersistsAll(t *testing.T) {
	store := testStore(t)
	r := New(replica.NewEngine(0), store, nil, 10, time.Second)

	now := time.Now().UTC()
	var remotes []*types.Replica
	for i := 0; i < 25; i++ {
		remotes = append(remotes, remoteReplica(fmt.Sprintf("T%02d", i), "n2", now))
	}

	res, err := r.MergeBatch(context.Background(), remotes, "sync")
	require.NoError(t, err)
	assert.Equal(t, 25, res.Committed)

	got, err := store.Get("T13")
	require.NoError(t, err)
	assert.Equal(t, "check vitals", got.Title)
}

func TestMergeBatchDeterministicOrder(t *testing.T) {
	now := time.Now().UTC()
	a := remoteReplica("T2", "n2", now.Add(time.Second))
	b := remoteReplica("T1", "n2", now)
	c := remoteReplica("T3", "n2", now)
	c.EMRPayload = &types.EMRPayload{System: types.EMRSystemEpic, ResourceID: "x", Version: 5}

	in := []*types.Replica{a, c, b}
	sortForMerge(in)
	// Ascending payload version first, then physical time, then id.
	assert.Equal(t, []string{"T1", "T2", "T3"},
		[]string{in[0].ID, in[1].ID, in[2].ID})
}

func TestMergeBatchConflictsAudited(t *testing.T) {
	store := testStore(t)
	engine := replica.NewEngine(0)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	r := New(engine, store, broker, 10, time.Second)

	// Seed a local replica, then merge a concurrent remote edit that
	// wins the tie-break.
	now := time.Now().UTC()
	local, err := engine.New("T1", "n1", "original", now)
	require.NoError(t, err)
	require.NoError(t, store.SaveBatch(context.Background(), []*types.Replica{local}, "nurse-7", types.AuditActionApplyLocal))

	remote := remoteReplica("T1", "n2", now.Add(time.Minute))
	remote.Title = "rewritten"

	res, err := r.MergeBatch(context.Background(), []*types.Replica{remote}, "sync")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	require.Positive(t, res.Conflicts)

	entries, err := store.ListAudit("T1", 0)
	require.NoError(t, err)
	var conflictEntries int
	for _, e := range entries {
		if _, ok := e.Metadata["conflicts"]; ok {
			conflictEntries++
		}
	}
	assert.Equal(t, 1, conflictEntries, "one conflict audit entry per conflicting replica")

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventReplicaConflict, ev.Type)
		assert.Equal(t, "T1", ev.ReplicaID)
	case <-time.After(time.Second):
		t.Fatal("expected a conflict event")
	}
}

// slowStore injects latency on reads so the chunk deadline reliably
// fires regardless of machine speed.
type slowStore struct {
	storage.Store
	delay time.Duration
}

func (s *slowStore) Get(id string) (*types.Replica, error) {
	time.Sleep(s.delay)
	return s.Store.Get(id)
}

func TestMergeBatchPartialUnderDeadline(t *testing.T) {
	store := testStore(t)
	slow := &slowStore{Store: store, delay: time.Millisecond}
	r := New(replica.NewEngine(0), slow, nil, 100, 100*time.Millisecond)

	now := time.Now().UTC()
	var remotes []*types.Replica
	for i := 0; i < 1000; i++ {
		remotes = append(remotes, remoteReplica(fmt.Sprintf("T%04d", i), "n2", now))
	}

	res, err := r.MergeBatch(context.Background(), remotes, "sync")
	require.ErrorIs(t, err, ErrMergeTimeout)
	assert.Less(t, res.Committed, 1000, "timeout must leave a strict prefix")
	assert.Positive(t, res.Committed)

	// The committed prefix is durable and the remainder merges cleanly
	// on later rounds with the same terminal state.
	fast := New(replica.NewEngine(0), store, nil, 100, 10*time.Second)
	_, err = fast.MergeBatch(context.Background(), remotes, "sync")
	require.NoError(t, err)

	all, err := store.Load(context.Background(), storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1000)
	got, err := store.Get("T0500")
	require.NoError(t, err)
	assert.Equal(t, "check vitals", got.Title)
}

func TestMergeBatchCancelledBetweenChunks(t *testing.T) {
	store := testStore(t)
	r := New(replica.NewEngine(0), store, nil, 10, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	now := time.Now().UTC()
	res, err := r.MergeBatch(ctx, []*types.Replica{remoteReplica("T1", "n2", now)}, "sync")
	require.Error(t, err)
	assert.Zero(t, res.Committed)
}

func TestMergeBatchIdempotent(t *testing.T) {
	store := testStore(t)
	r := New(replica.NewEngine(0), store, nil, 10, time.Second)

	now := time.Now().UTC()
	remotes := []*types.Replica{remoteReplica("T1", "n2", now)}

	_, err := r.MergeBatch(context.Background(), remotes, "sync")
	require.NoError(t, err)
	first, err := store.Get("T1")
	require.NoError(t, err)

	_, err = r.MergeBatch(context.Background(), remotes, "sync")
	require.NoError(t, err)
	second, err := store.Get("T1")
	require.NoError(t, err)

	assert.Equal(t, replica.Hash(first), replica.Hash(second))
}

func TestMergeBatchConcurrentSameReplica(t *testing.T) {
	store := testStore(t)
	r := New(replica.NewEngine(0), store, nil, 10, time.Second)

	// Two batches carrying the same task id from different writer nodes,
	// merged concurrently. The read-merge-save window is serialized per
	// id, so the stored clock must always end up carrying both writers.
	for round := 0; round < 50; round++ {
		id := fmt.Sprintf("T%03d", round)
		now := time.Now().UTC()
		fromA := remoteReplica(id, "node-a", now)
		fromB := remoteReplica(id, "node-b", now.Add(time.Millisecond))

		var wg sync.WaitGroup
		wg.Add(2)
		for _, remote := range []*types.Replica{fromA, fromB} {
			go func(rep *types.Replica) {
				defer wg.Done()
				_, err := r.MergeBatch(context.Background(), []*types.Replica{rep}, "sync")
				assert.NoError(t, err)
			}(remote)
		}
		wg.Wait()

		got, err := store.Get(id)
		require.NoError(t, err)
		counters := got.VectorClock.Snapshot()
		assert.Contains(t, counters, "node-a", "round %d lost node-a's merge", round)
		assert.Contains(t, counters, "node-b", "round %d lost node-b's merge", round)
	}
}
