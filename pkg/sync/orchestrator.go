package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wardsync/wardsync/pkg/events"
	"github.com/wardsync/wardsync/pkg/log"
	"github.com/wardsync/wardsync/pkg/metrics"
	"github.com/wardsync/wardsync/pkg/resolver"
	"github.com/wardsync/wardsync/pkg/storage"
	"github.com/wardsync/wardsync/pkg/types"
)

// State is the orchestrator's lifecycle state
type State string

const (
	StateIdle     State = "idle"
	StateSyncing  State = "syncing"
	StateOffline  State = "offline"
	StateRetrying State = "retrying"
	StateFailed   State = "failed"
)

var stateGauge = map[State]float64{
	StateIdle:     0,
	StateSyncing:  1,
	StateOffline:  2,
	StateRetrying: 3,
	StateFailed:   4,
}

// Errors returned by the orchestrator
var (
	// ErrSyncInProgress is returned when StartSync is called while a
	// round is already running. Benign; the caller waits.
	ErrSyncInProgress = types.NewError(types.KindSyncInProgress, "sync round already running")

	// ErrSyncFailed is returned after the retry budget is exhausted.
	// Manual Reset is required before the next round.
	ErrSyncFailed = types.NewError(types.KindSyncTimeout, "sync retries exhausted")
)

// Defaults for scheduling and retry
const (
	DefaultInterval     = 300 * time.Second
	MinInterval         = 60 * time.Second
	DefaultBatchSize    = 100
	DefaultMaxAttempts  = 5
	DefaultOpTimeout    = 30 * time.Second
	DefaultOpsPerSecond = 1000
	backoffBase         = time.Second
	backoffCap          = 30 * time.Second
)

// Quality grades the current network link
type Quality int

const (
	QualityGood Quality = iota
	QualityFair
	QualityPoor
)

// NetworkMonitor reports link availability and quality. Injected so
// tests and platforms supply their own probe; there is no singleton.
type NetworkMonitor interface {
	Available() bool
	Quality() Quality
}

// Transport exchanges one sync envelope with the backend and returns
// the mirrored response.
type Transport interface {
	Exchange(ctx context.Context, env *types.SyncEnvelope) (*types.SyncEnvelope, error)
}

// Options configures an Orchestrator
type Options struct {
	Interval     time.Duration
	BatchSize    int
	MaxAttempts  int
	OpTimeout    time.Duration
	OpsPerSecond int
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
	if o.OpsPerSecond <= 0 {
		o.OpsPerSecond = DefaultOpsPerSecond
	}
}

const metaSinceVector = "since_vector"
const metaLastSync = "last_sync_at"

// Orchestrator schedules and executes sync rounds: it batches pending
// local operations, exchanges them with the backend, and hands remote
// operations to the conflict resolver.
type Orchestrator struct {
	store     storage.Store
	resolver  *resolver.Resolver
	transport Transport
	monitor   NetworkMonitor
	broker    *events.Broker
	limiter   *rate.Limiter
	opts      Options

	mu    stdsync.Mutex
	state State
}

// New creates an orchestrator in the idle state
func New(store storage.Store, res *resolver.Resolver, transport Transport, monitor NetworkMonitor, broker *events.Broker, opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		store:     store,
		resolver:  res,
		transport: transport,
		monitor:   monitor,
		broker:    broker,
		limiter:   rate.NewLimiter(rate.Limit(opts.OpsPerSecond), opts.OpsPerSecond),
		opts:      opts,
		state:     StateIdle,
	}
}

// State returns the current lifecycle state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	metrics.SyncState.Set(stateGauge[s])
}

// Reset returns a failed orchestrator to idle. Only the failed state
// needs the manual step; offline recovers on its own.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateFailed {
		return fmt.Errorf("reset from %s: only the failed state is resettable", o.state)
	}
	o.state = StateIdle
	metrics.SyncState.Set(stateGauge[StateIdle])
	return nil
}

// StartSync runs one synchronization round. Refuses with
// ErrSyncInProgress unless idle. Retries transient failures up to the
// attempt budget with exponential backoff; exhaustion parks the
// orchestrator in failed until Reset.
func (o *Orchestrator) StartSync(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return fmt.Errorf("state %s: %w", o.state, ErrSyncInProgress)
	}
	o.state = StateSyncing
	o.mu.Unlock()
	metrics.SyncState.Set(stateGauge[StateSyncing])

	if !o.monitor.Available() {
		o.setState(StateOffline)
		o.publish(events.EventNodeOffline, "", "network unavailable, sync deferred")
		return nil
	}

	logger := log.WithComponent("sync")
	began := time.Now()
	o.publish(events.EventSyncStarted, "", "sync round started")

	var err error
	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		err = o.round(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		if attempt == o.opts.MaxAttempts {
			break
		}

		o.setState(StateRetrying)
		delay := backoff(attempt)
		logger.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("sync round failed, backing off")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			err = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
		o.setState(StateSyncing)
	}

	metrics.SyncDuration.Observe(time.Since(began).Seconds())
	if err != nil {
		metrics.SyncRoundsTotal.WithLabelValues("failure").Inc()
		o.setState(StateFailed)
		o.publish(events.EventSyncFailed, "", err.Error())
		if retryable(err) && ctx.Err() == nil {
			return fmt.Errorf("%v: %w", err, ErrSyncFailed)
		}
		return err
	}

	metrics.SyncRoundsTotal.WithLabelValues("success").Inc()
	o.setState(StateIdle)
	o.publish(events.EventSyncCompleted, "", "sync round completed")
	logger.Info().Dur("duration", time.Since(began)).Msg("sync round completed")
	return nil
}

// round executes one full exchange: pending local operations out,
// remote operations in, merged state persisted, cursor advanced.
func (o *Orchestrator) round(ctx context.Context) error {
	nodeID, err := o.store.NodeID()
	if err != nil {
		return err
	}
	since, err := o.sinceVector()
	if err != nil {
		return err
	}
	pending, err := o.pendingOperations(ctx)
	if err != nil {
		return err
	}

	// Batches are sequential within one owner node so intra-owner
	// causal order survives the wire; owners themselves interleave.
	for _, batch := range batchByOwner(pending, o.opts.BatchSize) {
		if err := o.limiter.WaitN(ctx, len(batch)); err != nil {
			return err
		}
		env := &types.SyncEnvelope{
			BatchID:     uuid.New().String(),
			NodeID:      nodeID,
			Operations:  batch,
			SinceVector: since,
		}
		if err := o.exchange(ctx, env); err != nil {
			return err
		}
		metrics.SyncOperationsTotal.WithLabelValues("out").Add(float64(len(batch)))
	}

	// Always run at least one exchange so a quiet node still pulls
	// remote operations.
	if len(pending) == 0 {
		env := &types.SyncEnvelope{
			BatchID:     uuid.New().String(),
			NodeID:      nodeID,
			SinceVector: since,
		}
		if err := o.exchange(ctx, env); err != nil {
			return err
		}
	}

	return o.store.SetMeta(metaLastSync, []byte(time.Now().UTC().Format(time.RFC3339Nano)))
}

func (o *Orchestrator) exchange(parent context.Context, env *types.SyncEnvelope) error {
	ctx, cancel := context.WithTimeout(parent, o.opts.OpTimeout)
	defer cancel()

	resp, err := o.transport.Exchange(ctx, env)
	if err != nil {
		return fmt.Errorf("sync exchange: %w", err)
	}
	if resp == nil {
		return nil
	}

	var remotes []*types.Replica
	for _, op := range resp.Operations {
		if op.Replica != nil {
			remotes = append(remotes, op.Replica)
		}
	}
	if len(remotes) > 0 {
		res, err := o.resolver.MergeBatch(parent, remotes, "sync:"+env.NodeID)
		if err != nil && !errors.Is(err, resolver.ErrMergeTimeout) {
			return err
		}
		metrics.SyncOperationsTotal.WithLabelValues("in").Add(float64(res.Committed))
		// A merge timeout commits a prefix; the rest arrives again on
		// the next round because the cursor only advances on success.
		if err != nil {
			return err
		}
	}

	if len(resp.VectorClock) > 0 {
		return o.advanceCursor(resp.VectorClock)
	}
	return nil
}

// pendingOperations loads replicas modified since the last successful
// round, tombstones included: deletions must reach the backend too.
func (o *Orchestrator) pendingOperations(ctx context.Context) ([]types.SyncOperation, error) {
	var since time.Time
	if raw, err := o.store.Meta(metaLastSync); err != nil {
		return nil, err
	} else if len(raw) > 0 {
		since, _ = time.Parse(time.RFC3339Nano, string(raw))
	}

	replicas, err := o.store.Load(ctx, storage.Filter{ModifiedSince: since, IncludeTombstones: true})
	if err != nil {
		return nil, err
	}

	ops := make([]types.SyncOperation, 0, len(replicas))
	for _, r := range replicas {
		op := types.SyncOpUpsert
		if r.Tombstone {
			op = types.SyncOpDelete
		}
		ops = append(ops, types.SyncOperation{Op: op, Replica: r})
	}
	return ops, nil
}

func (o *Orchestrator) sinceVector() (map[string]uint64, error) {
	raw, err := o.store.Meta(metaSinceVector)
	if err != nil {
		return nil, err
	}
	cursor := map[string]uint64{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cursor); err != nil {
			return nil, fmt.Errorf("corrupt sync cursor: %w", err)
		}
	}
	return cursor, nil
}

// advanceCursor raises the since-vector to the server's snapshot,
// pointwise; counters never move backwards.
func (o *Orchestrator) advanceCursor(server map[string]uint64) error {
	cursor, err := o.sinceVector()
	if err != nil {
		return err
	}
	for node, counter := range server {
		if counter > cursor[node] {
			cursor[node] = counter
		}
	}
	raw, err := json.Marshal(cursor)
	if err != nil {
		return err
	}
	return o.store.SetMeta(metaSinceVector, raw)
}

// ScheduleNext returns the wait before the next scheduled round. The
// base interval is clamped to [60s, 300s], then stretched when the
// link is degraded so poor networks see fewer, larger rounds.
func (o *Orchestrator) ScheduleNext(interval time.Duration) time.Duration {
	if interval < MinInterval {
		interval = MinInterval
	}
	if interval > DefaultInterval {
		interval = DefaultInterval
	}
	switch o.monitor.Quality() {
	case QualityPoor:
		interval *= 2
	case QualityFair:
		interval = interval * 3 / 2
	}
	return interval
}

// Run drives scheduled rounds until the context is cancelled. An
// offline orchestrator polls for reconnection and auto-starts a round
// when the link returns.
func (o *Orchestrator) Run(ctx context.Context) {
	logger := log.WithComponent("sync")
	for {
		var wait time.Duration
		if o.State() == StateOffline {
			wait = 5 * time.Second
		} else {
			wait = o.ScheduleNext(o.opts.Interval)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if o.State() == StateOffline {
			if !o.monitor.Available() {
				continue
			}
			o.setState(StateIdle)
			o.publish(events.EventNodeOnline, "", "network restored")
		}

		if err := o.StartSync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
			logger.Error().Err(err).Msg("scheduled sync round failed")
		}
	}
}

func (o *Orchestrator) publish(t events.EventType, replicaID, msg string) {
	if o.broker == nil {
		return
	}
	o.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      t,
		ReplicaID: replicaID,
		Message:   msg,
	})
}

// batchByOwner splits operations into batches of at most size, never
// mixing owner nodes within a batch, preserving per-owner input order.
func batchByOwner(ops []types.SyncOperation, size int) [][]types.SyncOperation {
	byOwner := map[string][]types.SyncOperation{}
	var owners []string
	for _, op := range ops {
		owner := ""
		if op.Replica != nil {
			owner = op.Replica.LastWriterNode
		}
		if _, seen := byOwner[owner]; !seen {
			owners = append(owners, owner)
		}
		byOwner[owner] = append(byOwner[owner], op)
	}
	sort.Strings(owners)

	var batches [][]types.SyncOperation
	for _, owner := range owners {
		queue := byOwner[owner]
		for len(queue) > 0 {
			n := size
			if n > len(queue) {
				n = len(queue)
			}
			batches = append(batches, queue[:n])
			queue = queue[n:]
		}
	}
	return batches
}

// retryable reports whether a round failure is worth another attempt.
// Domain errors (invalid state, verification mismatches) never are.
func retryable(err error) bool {
	switch types.KindOf(err) {
	case types.KindInvalidState, types.KindEMRMismatch, types.KindPatientIDMismatch,
		types.KindStatusMismatch, types.KindDataCorruption, types.KindStorageLimit:
		return false
	}
	return true
}

func backoff(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCap {
		return backoffCap
	}
	return d
}
