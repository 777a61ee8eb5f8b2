package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardsync/wardsync/pkg/clock"
	"github.com/wardsync/wardsync/pkg/replica"
	"github.com/wardsync/wardsync/pkg/resolver"
	"github.com/wardsync/wardsync/pkg/security"
	"github.com/wardsync/wardsync/pkg/storage"
	"github.com/wardsync/wardsync/pkg/types"
)

type fakeMonitor struct {
	available bool
	quality   Quality
}

func (m *fakeMonitor) Available() bool  { return m.available }
func (m *fakeMonitor) Quality() Quality { return m.quality }

type fakeTransport struct {
	sent     []*types.SyncEnvelope
	response *types.SyncEnvelope
	err      error
	block    chan struct{}
}

func (t *fakeTransport) Exchange(ctx context.Context, env *types.SyncEnvelope) (*types.SyncEnvelope, error) {
	if t.block != nil {
		select {
		case <-t.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t.sent = append(t.sent, env)
	if t.err != nil {
		return nil, t.err
	}
	return t.response, nil
}

func testOrchestrator(t testing.TB, transport Transport, monitor NetworkMonitor, opts Options) (*Orchestrator, storage.Store) {
	t.Helper()
	cipher, err := security.NewCipherFromKeyID("test-key")
	require.NoError(t, err)
	store, err := storage.NewBoltStore(t.TempDir(), cipher, storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	res := resolver.New(replica.NewEngine(0), store, nil, 0, 0)
	return New(store, res, transport, monitor, nil, opts), store
}

func seedReplica(t *testing.T, store storage.Store, id string, tombstone bool) {
	t.Helper()
	vc := clock.New()
	_ = vc.Increment("n1", time.Now())
	r := &types.Replica{
		ID:                   id,
		Title:                "draw blood",
		Priority:             types.PriorityMedium,
		Status:               types.StatusTodo,
		VerificationState:    types.VerificationPending,
		VectorClock:          vc,
		LastModifiedPhysical: time.Now().UTC(),
		LastWriterNode:       "n1",
		Tombstone:            tombstone,
	}
	if tombstone {
		r.Status = types.StatusCancelled
	}
	require.NoError(t, store.SaveBatch(context.Background(), []*types.Replica{r}, "nurse-7", types.AuditActionApplyLocal))
}

func TestStartSyncSingleFlight(t *testing.T) {
	transport := &fakeTransport{block: make(chan struct{})}
	o, _ := testOrchestrator(t, transport, &fakeMonitor{available: true}, Options{MaxAttempts: 1})

	done := make(chan error, 1)
	go func() { done <- o.StartSync(context.Background()) }()

	require.Eventually(t, func() bool { return o.State() == StateSyncing },
		time.Second, 5*time.Millisecond)

	err := o.StartSync(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(transport.block)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, o.State())
}

func TestStartSyncOfflineWhenNetworkDown(t *testing.T) {
	o, _ := testOrchestrator(t, &fakeTransport{}, &fakeMonitor{available: false}, Options{})

	require.NoError(t, o.StartSync(context.Background()))
	assert.Equal(t, StateOffline, o.State())
}

func TestStartSyncExchangesAndMerges(t *testing.T) {
	remoteVC := clock.New()
	_ = remoteVC.Increment("n2", time.Now())
	remote := &types.Replica{
		ID:                   "R1",
		Title:                "verify allergy record",
		Priority:             types.PriorityHigh,
		Status:               types.StatusTodo,
		VerificationState:    types.VerificationPending,
		VectorClock:          remoteVC,
		LastModifiedPhysical: time.Now().UTC(),
		LastWriterNode:       "n2",
	}
	transport := &fakeTransport{
		response: &types.SyncEnvelope{
			Operations:  []types.SyncOperation{{Op: types.SyncOpUpsert, Replica: remote}},
			VectorClock: map[string]uint64{"n2": 7},
		},
	}
	o, store := testOrchestrator(t, transport, &fakeMonitor{available: true}, Options{})
	seedReplica(t, store, "L1", false)

	require.NoError(t, o.StartSync(context.Background()))
	assert.Equal(t, StateIdle, o.State())

	// Local pending operation went out.
	require.NotEmpty(t, transport.sent)
	var sawLocal bool
	for _, env := range transport.sent {
		assert.NotEmpty(t, env.BatchID)
		assert.NotEmpty(t, env.NodeID)
		for _, op := range env.Operations {
			if op.Replica.ID == "L1" {
				sawLocal = true
				assert.Equal(t, types.SyncOpUpsert, op.Op)
			}
		}
	}
	assert.True(t, sawLocal, "pending local replica was not sent")

	// Remote operation was merged and persisted.
	got, err := store.Get("R1")
	require.NoError(t, err)
	assert.Equal(t, "verify allergy record", got.Title)

	// The cursor advanced to the server snapshot.
	raw, err := store.Meta("since_vector")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"n2":7`)
}

func TestStartSyncTombstonesGoOutAsDeletes(t *testing.T) {
	transport := &fakeTransport{}
	o, store := testOrchestrator(t, transport, &fakeMonitor{available: true}, Options{})
	seedReplica(t, store, "D1", true)

	require.NoError(t, o.StartSync(context.Background()))

	var sawDelete bool
	for _, env := range transport.sent {
		for _, op := range env.Operations {
			if op.Replica.ID == "D1" {
				sawDelete = true
				assert.Equal(t, types.SyncOpDelete, op.Op)
			}
		}
	}
	assert.True(t, sawDelete)
}

func TestStartSyncExhaustionParksFailed(t *testing.T) {
	transport := &fakeTransport{err: errors.New("backend unreachable")}
	o, _ := testOrchestrator(t, transport, &fakeMonitor{available: true}, Options{MaxAttempts: 1})

	err := o.StartSync(context.Background())
	require.ErrorIs(t, err, ErrSyncFailed)
	assert.Equal(t, StateFailed, o.State())

	// Failed requires a manual reset before the next round.
	err = o.StartSync(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)

	require.NoError(t, o.Reset())
	assert.Equal(t, StateIdle, o.State())
}

func TestResetOnlyFromFailed(t *testing.T) {
	o, _ := testOrchestrator(t, &fakeTransport{}, &fakeMonitor{available: true}, Options{})
	assert.Error(t, o.Reset())
}

func TestDomainErrorsNotRetried(t *testing.T) {
	transport := &fakeTransport{err: types.NewError(types.KindInvalidState, "bad transition")}
	o, _ := testOrchestrator(t, transport, &fakeMonitor{available: true}, Options{MaxAttempts: 5})

	err := o.StartSync(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSyncFailed)
	assert.Len(t, transport.sent, 1, "domain errors must not be retried")
}

func TestScheduleNext(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		quality  Quality
		want     time.Duration
	}{
		{"default good", 300 * time.Second, QualityGood, 300 * time.Second},
		{"clamped low", 10 * time.Second, QualityGood, 60 * time.Second},
		{"clamped high", 900 * time.Second, QualityGood, 300 * time.Second},
		{"fair stretches", 120 * time.Second, QualityFair, 180 * time.Second},
		{"poor doubles", 120 * time.Second, QualityPoor, 240 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := testOrchestrator(t, &fakeTransport{}, &fakeMonitor{available: true, quality: tt.quality}, Options{})
			assert.Equal(t, tt.want, o.ScheduleNext(tt.interval))
		})
	}
}

func TestBatchByOwner(t *testing.T) {
	var ops []types.SyncOperation
	for i := 0; i < 150; i++ {
		ops = append(ops, types.SyncOperation{
			Op:      types.SyncOpUpsert,
			Replica: &types.Replica{ID: fmt.Sprintf("a%03d", i), LastWriterNode: "node-a"},
		})
	}
	for i := 0; i < 50; i++ {
		ops = append(ops, types.SyncOperation{
			Op:      types.SyncOpUpsert,
			Replica: &types.Replica{ID: fmt.Sprintf("b%03d", i), LastWriterNode: "node-b"},
		})
	}

	batches := batchByOwner(ops, 100)
	require.Len(t, batches, 3)

	var prevA string
	for _, batch := range batches {
		assert.LessOrEqual(t, len(batch), 100)
		owner := batch[0].Replica.LastWriterNode
		for _, op := range batch {
			assert.Equal(t, owner, op.Replica.LastWriterNode, "batches never mix owners")
			if owner == "node-a" {
				assert.Greater(t, op.Replica.ID, prevA, "per-owner order preserved")
				prevA = op.Replica.ID
			}
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	assert.Equal(t, time.Second, backoff(1))
	assert.Equal(t, 2*time.Second, backoff(2))
	assert.Equal(t, 16*time.Second, backoff(5))
	assert.Equal(t, 30*time.Second, backoff(10))
}

// BenchmarkStartSyncRound measures one full sync round pushing a
// 1000-operation local backlog through the transport. The cursor is
// rewound between iterations so every round carries the same workload;
// the reported p95-ms covers a full round end to end.
func BenchmarkStartSyncRound(b *testing.B) {
	transport := &fakeTransport{response: &types.SyncEnvelope{}}
	o, store := testOrchestrator(b, transport, &fakeMonitor{available: true}, Options{OpsPerSecond: 100000})

	now := time.Now().UTC()
	reps := make([]*types.Replica, 0, 1000)
	for i := 0; i < 1000; i++ {
		vc := clock.New()
		_ = vc.Increment("n1", now)
		reps = append(reps, &types.Replica{
			ID:                   fmt.Sprintf("B%04d", i),
			Title:                "draw blood",
			Priority:             types.PriorityMedium,
			Status:               types.StatusTodo,
			VerificationState:    types.VerificationPending,
			VectorClock:          vc,
			LastModifiedPhysical: now,
			LastWriterNode:       "n1",
		})
	}
	require.NoError(b, store.SaveBatch(context.Background(), reps, "nurse-7", types.AuditActionApplyLocal))

	epoch := []byte(time.Unix(0, 0).UTC().Format(time.RFC3339Nano))
	rounds := make([]time.Duration, 0, b.N)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		require.NoError(b, store.SetMeta("last_sync_at", epoch))
		transport.sent = nil
		b.StartTimer()

		began := time.Now()
		if err := o.StartSync(context.Background()); err != nil {
			b.Fatal(err)
		}
		rounds = append(rounds, time.Since(began))
	}
	b.StopTimer()
	b.ReportMetric(float64(percentileOf(rounds, 95))/float64(time.Millisecond), "p95-ms")
}

func percentileOf(durations []time.Duration, pct int) time.Duration {
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := len(sorted) * pct / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
