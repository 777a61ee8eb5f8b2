package replica

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wardsync/wardsync/pkg/clock"
	"github.com/wardsync/wardsync/pkg/types"
)

// Errors returned by replica operations
var (
	// ErrInvalidState is returned when a local status edit is not
	// allowed by the workflow transition graph. Never retried.
	ErrInvalidState = types.NewError(types.KindInvalidState, "illegal status transition")

	// ErrIDMismatch is returned when two replicas of different tasks
	// are handed to a merge.
	ErrIDMismatch = types.NewError(types.KindEMRMismatch, "replica id mismatch")

	// ErrClockOverflow is returned when a counter cannot grow even
	// after pruning. Fatal for the replica.
	ErrClockOverflow = types.NewError(types.KindClockOverflow, "vector clock counter exhausted")
)

// Change describes a set of local field edits. Each non-nil field is
// one edit and bumps the owning node's clock entry by exactly one.
type Change struct {
	Title            *string
	Description      *string
	Priority         *types.Priority
	Status           *types.Status
	Assignee         *string
	Department       *string
	PatientReference *string
	EMRPayload       *types.EMRPayload
	HandoverLock     *types.HandoverLock

	// Tombstone may only accompany a transition to cancelled
	Tombstone bool
}

func (c *Change) fieldCount() int {
	n := 0
	for _, set := range []bool{
		c.Title != nil, c.Description != nil, c.Priority != nil,
		c.Status != nil, c.Assignee != nil, c.Department != nil,
		c.PatientReference != nil, c.EMRPayload != nil, c.HandoverLock != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Engine applies local mutations and merges remote replicas. The
// conflict-resolution policy is explicit: pure last-write-wins with
// tie-break on clock dominance, then physical timestamp, then
// lexicographic node identifier. Policy is fixed per deployment.
type Engine struct {
	Policy         clock.MergePolicy
	PruneThreshold int

	// OnPrune is invoked when a merged clock had to drop entries, so
	// the caller can emit a vector_clock_prune warning event.
	OnPrune func(replicaID string, dropped []string)
}

// NewEngine creates an engine with the given prune threshold
func NewEngine(pruneThreshold int) *Engine {
	if pruneThreshold <= 0 {
		pruneThreshold = clock.DefaultPruneThreshold
	}
	return &Engine{Policy: clock.PolicyLWW, PruneThreshold: pruneThreshold}
}

// New creates a replica on first write. The id is immutable from here.
func (e *Engine) New(id, node, title string, now time.Time) (*types.Replica, error) {
	r := &types.Replica{
		ID:                   id,
		Title:                title,
		Priority:             types.PriorityMedium,
		Status:               types.StatusTodo,
		VerificationState:    types.VerificationPending,
		VectorClock:          clock.New(),
		LastModifiedPhysical: now,
		LastWriterNode:       node,
	}
	if err := e.bump(r, node, now); err != nil {
		return nil, err
	}
	return r, nil
}

// ApplyLocal validates the change, bumps the owning node's clock entry
// once per edited field, writes the fields and stamps the physical
// timestamp. Returns the new replica; the input is not mutated.
func (e *Engine) ApplyLocal(r *types.Replica, node string, c Change, now time.Time) (*types.Replica, error) {
	if c.Status != nil && !types.ValidTransition(r.Status, *c.Status) {
		return nil, fmt.Errorf("%s -> %s: %w", r.Status, *c.Status, ErrInvalidState)
	}
	if c.Tombstone && (c.Status == nil || *c.Status != types.StatusCancelled) {
		return nil, fmt.Errorf("tombstone requires cancellation: %w", ErrInvalidState)
	}

	out := r.Clone()
	if out.VectorClock == nil {
		out.VectorClock = clock.New()
	}
	for i := 0; i < c.fieldCount(); i++ {
		if err := e.bump(out, node, now); err != nil {
			return nil, err
		}
	}

	if c.Title != nil {
		out.Title = *c.Title
	}
	if c.Description != nil {
		out.Description = *c.Description
	}
	if c.Priority != nil {
		out.Priority = *c.Priority
	}
	if c.Status != nil {
		out.Status = *c.Status
		if c.Tombstone {
			out.Tombstone = true
		} else if *c.Status != types.StatusCancelled {
			// Reactivation lifts the tombstone
			out.Tombstone = false
		}
	}
	if c.Assignee != nil {
		out.Assignee = *c.Assignee
	}
	if c.Department != nil {
		out.Department = *c.Department
	}
	if c.PatientReference != nil {
		out.PatientReference = *c.PatientReference
	}
	if c.EMRPayload != nil {
		p := *c.EMRPayload
		out.EMRPayload = &p
	}
	if c.HandoverLock != nil {
		l := *c.HandoverLock
		out.HandoverLock = &l
	}
	out.LastModifiedPhysical = now
	out.LastWriterNode = node
	out.VerificationState = deriveVerification(out)
	return out, nil
}

// bump increments the node's clock entry, pruning and retrying once on
// overflow before giving up on the replica.
func (e *Engine) bump(r *types.Replica, node string, now time.Time) error {
	err := r.VectorClock.Increment(node, now)
	if err == nil {
		if dropped := r.VectorClock.Prune(e.PruneThreshold); len(dropped) > 0 && e.OnPrune != nil {
			e.OnPrune(r.ID, dropped)
		}
		return nil
	}
	if dropped := r.VectorClock.Prune(e.PruneThreshold / 2); len(dropped) > 0 {
		if e.OnPrune != nil {
			e.OnPrune(r.ID, dropped)
		}
		if r.VectorClock.Increment(node, now) == nil {
			return nil
		}
	}
	return fmt.Errorf("replica %s node %s: %w", r.ID, node, ErrClockOverflow)
}

// MergeRemote merges a remote replica into the local one and returns
// the merged replica plus a report of fields whose values changed.
// The merge is deterministic, commutative and idempotent; neither input
// is mutated.
func (e *Engine) MergeRemote(local, remote *types.Replica) (*types.Replica, *types.ConflictReport, error) {
	if local == nil {
		return remote.Clone(), &types.ConflictReport{ReplicaID: remote.ID}, nil
	}
	if remote == nil {
		return local.Clone(), &types.ConflictReport{ReplicaID: local.ID}, nil
	}
	if local.ID != remote.ID {
		return nil, nil, fmt.Errorf("%s vs %s: %w", local.ID, remote.ID, ErrIDMismatch)
	}

	ord := local.VectorClock.Compare(remote.VectorClock)
	report := &types.ConflictReport{ReplicaID: local.ID}

	winner, kind := pickWinner(local, remote, ord)
	merged := winner.Clone()
	merged.VectorClock = local.VectorClock.Merge(remote.VectorClock)

	if kind != "" {
		recordScalarConflicts(report, local, winner, kind)
	}

	e.mergeTombstone(merged, local, remote, ord, report)
	mergeEMRPayload(merged, local, remote, report)
	merged.VerificationState = mergeVerification(merged, local, remote)

	if dropped := merged.VectorClock.Prune(e.PruneThreshold); len(dropped) > 0 && e.OnPrune != nil {
		e.OnPrune(merged.ID, dropped)
	}
	return merged, report, nil
}

// pickWinner selects the replica whose scalar user-editable fields
// survive. Dominant clock first, then physical timestamp, then
// lexicographic node identifier so ties resolve identically everywhere.
func pickWinner(local, remote *types.Replica, ord clock.Ordering) (*types.Replica, types.ConflictKind) {
	switch ord {
	case clock.After, clock.Equal:
		return local, ""
	case clock.Before:
		return remote, types.ConflictDominance
	}
	// Concurrent edits: physical timestamp, then node id.
	if !local.LastModifiedPhysical.Equal(remote.LastModifiedPhysical) {
		if remote.LastModifiedPhysical.After(local.LastModifiedPhysical) {
			return remote, types.ConflictTieBreak
		}
		return local, ""
	}
	if remote.LastWriterNode > local.LastWriterNode {
		return remote, types.ConflictTieBreak
	}
	return local, ""
}

func recordScalarConflicts(report *types.ConflictReport, local, winner *types.Replica, kind types.ConflictKind) {
	add := func(field, lv, rv string) {
		if lv != rv {
			report.Conflicts = append(report.Conflicts, types.FieldConflict{
				Field: field, Kind: kind, Local: lv, Remote: rv, Winner: winner.LastWriterNode,
			})
		}
	}
	add("title", local.Title, winner.Title)
	add("description", local.Description, winner.Description)
	add("priority", string(local.Priority), string(winner.Priority))
	add("status", string(local.Status), string(winner.Status))
	add("assignee", local.Assignee, winner.Assignee)
	add("department", local.Department, winner.Department)
	add("patient_reference", local.PatientReference, winner.PatientReference)
}

// mergeTombstone makes a tombstoned cancellation absorbing unless it is
// strictly dominated by the other side.
func (e *Engine) mergeTombstone(merged, local, remote *types.Replica, ord clock.Ordering, report *types.ConflictReport) {
	localAbsorbs := local.Tombstone && local.Status == types.StatusCancelled && ord != clock.Before
	remoteAbsorbs := remote.Tombstone && remote.Status == types.StatusCancelled && ord != clock.After

	if !localAbsorbs && !remoteAbsorbs {
		return
	}
	if merged.Tombstone && merged.Status == types.StatusCancelled {
		return
	}
	prev := merged.Status
	merged.Status = types.StatusCancelled
	merged.Tombstone = true
	report.Conflicts = append(report.Conflicts, types.FieldConflict{
		Field:  "status",
		Kind:   types.ConflictTombstone,
		Local:  string(prev),
		Remote: string(types.StatusCancelled),
	})
}

// mergeEMRPayload keys on (system, resource_id): the higher version
// wins regardless of clock order when both sides reference the same
// resource.
func mergeEMRPayload(merged, local, remote *types.Replica, report *types.ConflictReport) {
	lp, rp := local.EMRPayload, remote.EMRPayload
	if lp == nil || rp == nil {
		return // scalar winner's payload already in place
	}
	if lp.System != rp.System || lp.ResourceID != rp.ResourceID {
		return
	}
	higher := lp
	if rp.Version > lp.Version {
		higher = rp
	}
	if merged.EMRPayload == nil || merged.EMRPayload.Version < higher.Version {
		p := *higher
		report.Conflicts = append(report.Conflicts, types.FieldConflict{
			Field:  "emr_payload",
			Kind:   types.ConflictHigherVersion,
			Local:  fmt.Sprintf("v%d", lp.Version),
			Remote: fmt.Sprintf("v%d", rp.Version),
		})
		merged.EMRPayload = &p
	}
}

// mergeVerification recomputes the verification state after the rest of
// the replica is merged: the latest recorded verification result is
// compared against the merged payload's checksum.
func mergeVerification(merged, local, remote *types.Replica) types.VerificationState {
	rec := local
	if remote.VerifiedAt.After(local.VerifiedAt) ||
		(remote.VerifiedAt.Equal(local.VerifiedAt) && remote.VerifiedChecksum > local.VerifiedChecksum) {
		rec = remote
	}
	merged.VerifiedChecksum = rec.VerifiedChecksum
	merged.VerifiedAt = rec.VerifiedAt

	state := deriveVerification(merged)
	if state == types.VerificationPending {
		// A recorded failure against the current payload sticks until a
		// fresh verification runs.
		if rec.VerificationState == types.VerificationFailed && checksumOf(merged) == checksumOf(rec) {
			return types.VerificationFailed
		}
	}
	if state == types.VerificationVerified && rec.VerificationState == types.VerificationStale {
		return types.VerificationStale
	}
	return state
}

func checksumOf(r *types.Replica) string {
	if r.EMRPayload == nil {
		return ""
	}
	return r.EMRPayload.Checksum
}

// deriveVerification computes the verification state from the recorded
// checksum: verified only while the payload still matches the last
// verification-engine result.
func deriveVerification(r *types.Replica) types.VerificationState {
	if r.VerificationState == types.VerificationFailed && r.VerifiedChecksum != "" &&
		checksumOf(r) == r.VerifiedChecksum {
		return types.VerificationFailed
	}
	if r.VerifiedChecksum == "" || r.EMRPayload == nil {
		return types.VerificationPending
	}
	if r.EMRPayload.Checksum == r.VerifiedChecksum {
		if r.VerificationState == types.VerificationStale {
			return types.VerificationStale
		}
		return types.VerificationVerified
	}
	return types.VerificationPending
}

// Hash returns a stable content hash of the replica, used for audit
// before/after records and server-side change detection.
func Hash(r *types.Replica) string {
	if r == nil {
		return ""
	}
	data, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
