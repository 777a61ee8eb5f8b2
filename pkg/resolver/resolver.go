package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardsync/wardsync/pkg/events"
	"github.com/wardsync/wardsync/pkg/log"
	"github.com/wardsync/wardsync/pkg/metrics"
	"github.com/wardsync/wardsync/pkg/replica"
	"github.com/wardsync/wardsync/pkg/storage"
	"github.com/wardsync/wardsync/pkg/types"
)

// ErrMergeTimeout is returned when a merge batch hits its per-chunk
// deadline. The committed prefix is durable; the caller reschedules the
// remainder for the next round.
var ErrMergeTimeout = types.NewError(types.KindMergeTimeout, "merge batch deadline exceeded")

// Defaults for batch resolution
const (
	DefaultChunkSize    = 100
	DefaultChunkTimeout = 500 * time.Millisecond
)

// lockStripes sizes the per-replica-id lock table
const lockStripes = 64

// Result summarizes one merge batch
type Result struct {
	// Committed is the number of remote replicas merged and persisted.
	// On timeout this is a strict prefix of the input.
	Committed int

	// Conflicts is the number of field conflicts resolved
	Conflicts int

	// Pruned is the number of replicas whose clocks were pruned
	Pruned int
}

// Resolver merges batches of remote replicas into the local store in
// bounded time. Work proceeds in chunks; each completed chunk is
// committed before the next starts, so a deadline or cancellation never
// loses finished work.
//
// Writes are serialized per replica id through striped locks: at most
// one read-merge-save is in flight for a given id, so concurrent
// batches (sync handlers, the event dispatcher) cannot overwrite each
// other's merge results.
type Resolver struct {
	engine       *replica.Engine
	store        storage.Store
	broker       *events.Broker
	chunkSize    int
	chunkTimeout time.Duration
	locks        [lockStripes]sync.Mutex
}

// New creates a resolver. chunkSize and chunkTimeout fall back to the
// defaults when zero.
func New(engine *replica.Engine, store storage.Store, broker *events.Broker, chunkSize int, chunkTimeout time.Duration) *Resolver {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkTimeout <= 0 {
		chunkTimeout = DefaultChunkTimeout
	}
	r := &Resolver{
		engine:       engine,
		store:        store,
		broker:       broker,
		chunkSize:    chunkSize,
		chunkTimeout: chunkTimeout,
	}
	engine.OnPrune = r.onPrune
	return r
}

// MergeBatch merges remote replicas into the local store. Input order
// does not matter: replicas are sorted into the deterministic merge
// order first, so every node processes the same batch identically.
// Returns ErrMergeTimeout with the committed prefix count when a chunk
// deadline expires; already-committed chunks stay durable.
func (r *Resolver) MergeBatch(ctx context.Context, remotes []*types.Replica, actor string) (*Result, error) {
	logger := log.WithComponent("resolver")
	res := &Result{}

	ordered := make([]*types.Replica, len(remotes))
	copy(ordered, remotes)
	sortForMerge(ordered)

	for start := 0; start < len(ordered); start += r.chunkSize {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("merge cancelled after %d of %d: %w", res.Committed, len(ordered), err)
		}

		end := start + r.chunkSize
		if end > len(ordered) {
			end = len(ordered)
		}
		chunk := ordered[start:end]

		// The chunk's stripes stay locked through the save so another
		// batch cannot read a local that this commit is about to replace.
		// The deadline clock starts after acquisition: lock wait is
		// contention, not merge work.
		unlock := r.lockChunk(chunk)
		began := time.Now()
		deadline := began.Add(r.chunkTimeout)
		merged, reports, timedOut, err := r.mergeChunk(chunk, deadline)
		if err != nil {
			unlock()
			return res, err
		}

		var saveErr error
		if len(merged) > 0 {
			saveErr = r.store.SaveBatch(ctx, merged, actor, types.AuditActionMergeRemote)
		}
		unlock()
		if saveErr != nil {
			return res, fmt.Errorf("failed to commit merge chunk: %w", saveErr)
		}
		res.Committed += len(merged)
		for _, rep := range reports {
			res.Conflicts += len(rep.Conflicts)
			r.recordConflicts(rep, actor)
		}
		metrics.MergeChunkDuration.Observe(time.Since(began).Seconds())

		if timedOut {
			metrics.MergeTimeouts.Inc()
			logger.Warn().
				Int("committed", res.Committed).
				Int("total", len(ordered)).
				Msg("merge chunk deadline exceeded")
			return res, fmt.Errorf("committed %d of %d: %w", res.Committed, len(ordered), ErrMergeTimeout)
		}
	}

	logger.Debug().
		Int("merged", res.Committed).
		Int("conflicts", res.Conflicts).
		Msg("merge batch completed")
	return res, nil
}

// lockChunk acquires the lock stripes covering the chunk's replica ids
// in ascending order, so two batches touching overlapping ids cannot
// deadlock. The returned func releases them in reverse order.
func (r *Resolver) lockChunk(chunk []*types.Replica) func() {
	var held [lockStripes]bool
	for _, rep := range chunk {
		held[stripeFor(rep.ID)] = true
	}
	for i := 0; i < lockStripes; i++ {
		if held[i] {
			r.locks[i].Lock()
		}
	}
	return func() {
		for i := lockStripes - 1; i >= 0; i-- {
			if held[i] {
				r.locks[i].Unlock()
			}
		}
	}
}

func stripeFor(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % lockStripes)
}

// mergeChunk merges replicas in memory until the chunk is done or the
// deadline passes. The returned slice is the prefix that completed.
func (r *Resolver) mergeChunk(chunk []*types.Replica, deadline time.Time) ([]*types.Replica, []*types.ConflictReport, bool, error) {
	var merged []*types.Replica
	var reports []*types.ConflictReport

	for _, remote := range chunk {
		if !time.Now().Before(deadline) {
			return merged, reports, true, nil
		}

		local, err := r.store.Get(remote.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return merged, reports, false, err
		}

		out, report, err := r.engine.MergeRemote(local, remote)
		if err != nil {
			return merged, reports, false, err
		}
		merged = append(merged, out)
		if !report.Empty() {
			reports = append(reports, report)
		}
	}
	return merged, reports, false, nil
}

// recordConflicts writes one audit entry per conflicting replica and
// publishes a conflict event.
func (r *Resolver) recordConflicts(report *types.ConflictReport, actor string) {
	for _, c := range report.Conflicts {
		metrics.ConflictsResolved.WithLabelValues(string(c.Kind)).Inc()
	}

	detail, _ := json.Marshal(report.Conflicts)
	entry := &types.AuditEntry{
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    types.AuditActionMergeRemote,
		TargetID:  report.ReplicaID,
		Metadata: map[string]string{
			"conflicts": string(detail),
		},
	}
	if err := r.store.AppendAudit(entry); err != nil {
		logger := log.WithComponent("resolver")
		logger.Error().Err(err).
			Str("replica_id", report.ReplicaID).
			Msg("failed to audit conflict report")
	}

	if r.broker != nil {
		r.broker.Publish(&events.Event{
			ID:        uuid.New().String(),
			Type:      events.EventReplicaConflict,
			ReplicaID: report.ReplicaID,
			Message:   fmt.Sprintf("%d field conflicts resolved", len(report.Conflicts)),
		})
	}
}

func (r *Resolver) onPrune(replicaID string, dropped []string) {
	metrics.VectorClockPrunes.Inc()
	logger := log.WithComponent("resolver")
	logger.Warn().
		Str("replica_id", replicaID).
		Int("dropped", len(dropped)).
		Msg("vector clock pruned; causality precision reduced")
	if r.broker != nil {
		r.broker.Publish(&events.Event{
			ID:        uuid.New().String(),
			Type:      events.EventVectorClockPrune,
			ReplicaID: replicaID,
			Message:   "vector clock entries dropped",
			Metadata:  map[string]string{"dropped": fmt.Sprintf("%d", len(dropped))},
		})
	}
}

// sortForMerge orders replicas so every node resolves a batch in the
// same sequence: ascending EMR payload version, then physical
// timestamp, then id.
func sortForMerge(rs []*types.Replica) {
	sort.SliceStable(rs, func(i, j int) bool {
		vi, vj := payloadVersion(rs[i]), payloadVersion(rs[j])
		if vi != vj {
			return vi < vj
		}
		if !rs[i].LastModifiedPhysical.Equal(rs[j].LastModifiedPhysical) {
			return rs[i].LastModifiedPhysical.Before(rs[j].LastModifiedPhysical)
		}
		return rs[i].ID < rs[j].ID
	})
}

func payloadVersion(r *types.Replica) int64 {
	if r.EMRPayload == nil {
		return 0
	}
	return r.EMRPayload.Version
}
