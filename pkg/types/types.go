package types

import (
	"time"

	"github.com/wardsync/wardsync/pkg/clock"
)

// Status represents the workflow state of a task replica
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
	StatusVerified   Status = "verified"
)

// Statuses lists every valid status value
var Statuses = []Status{
	StatusTodo,
	StatusInProgress,
	StatusCompleted,
	StatusBlocked,
	StatusCancelled,
	StatusVerified,
}

// Priority represents clinical urgency of a task
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// VerificationState tracks EMR verification of a replica
type VerificationState string

const (
	VerificationPending  VerificationState = "pending"
	VerificationVerified VerificationState = "verified"
	VerificationFailed   VerificationState = "failed"
	VerificationStale    VerificationState = "stale"
)

// EMRSystem identifies an external EMR vendor
type EMRSystem string

const (
	EMRSystemEpic   EMRSystem = "epic"
	EMRSystemCerner EMRSystem = "cerner"
)

// EMRPayload wraps a resource fetched from an external EMR system.
// Payloads are embedded value objects; copies are never shared between
// replicas.
type EMRPayload struct {
	System        EMRSystem       `json:"system"`
	ResourceType  string          `json:"resource_type"`
	ResourceID    string          `json:"resource_id"`
	Version       int64           `json:"version"`
	Raw           []byte          `json:"raw,omitempty"`
	Checksum      string          `json:"checksum,omitempty"`
	LastFetchedAt time.Time       `json:"last_fetched_at"`
}

// HandoverLock is owned by the handover workflow, an external
// collaborator. The sync core merges it like any other scalar field and
// never interprets it.
type HandoverLock struct {
	Owner     string    `json:"owner,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Replica is the atomic unit of synchronization: one task's replicated
// state on one node.
type Replica struct {
	ID                   string             `json:"id"`
	Title                string             `json:"title"`
	Description          string             `json:"description,omitempty"`
	Priority             Priority           `json:"priority"`
	Status               Status             `json:"status"`
	Assignee             string             `json:"assignee,omitempty"`
	PatientReference     string             `json:"patient_reference,omitempty"`
	Department           string             `json:"department,omitempty"`
	EMRPayload           *EMRPayload        `json:"emr_payload,omitempty"`
	VerificationState    VerificationState  `json:"verification_state"`
	VerifiedChecksum     string             `json:"verified_checksum,omitempty"`
	VerifiedAt           time.Time          `json:"verified_at,omitempty"`
	VectorClock          *clock.VectorClock `json:"vector_clock"`
	LastModifiedPhysical time.Time          `json:"last_modified_physical"`
	LastWriterNode       string             `json:"last_writer_node,omitempty"`
	Tombstone            bool               `json:"tombstone"`
	HandoverLock         *HandoverLock      `json:"handover_lock,omitempty"`
}

// Clone returns a deep copy of the replica
func (r *Replica) Clone() *Replica {
	if r == nil {
		return nil
	}
	c := *r
	if r.VectorClock != nil {
		c.VectorClock = r.VectorClock.Clone()
	}
	if r.EMRPayload != nil {
		p := *r.EMRPayload
		p.Raw = append([]byte(nil), r.EMRPayload.Raw...)
		c.EMRPayload = &p
	}
	if r.HandoverLock != nil {
		l := *r.HandoverLock
		c.HandoverLock = &l
	}
	return &c
}

// statusTransitions is the write-path transition graph. Convergence of
// merges is monotone regardless; this only gates local mutations.
var statusTransitions = map[Status][]Status{
	StatusTodo:       {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusBlocked, StatusCancelled},
	StatusBlocked:    {StatusInProgress, StatusCancelled},
	StatusCompleted:  {StatusInProgress}, // reopen
	StatusCancelled:  {StatusTodo},       // reactivate
}

// ValidTransition reports whether a local status edit from -> to is
// allowed by the workflow graph.
func ValidTransition(from, to Status) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AuditAction identifies the kind of audited action
type AuditAction string

const (
	AuditActionApplyLocal      AuditAction = "apply_local"
	AuditActionMergeRemote     AuditAction = "merge_remote"
	AuditActionEMRVerification AuditAction = "emr_verification"
	AuditActionMigration       AuditAction = "migration"
	AuditActionCompaction      AuditAction = "compaction"
)

// AuditEntry is an append-only audit record. Entries are never deleted;
// the actor field may be anonymized after a right-to-erasure request.
type AuditEntry struct {
	ID            uint64             `json:"id"`
	Timestamp     time.Time          `json:"timestamp"`
	Actor         string             `json:"actor"`
	Action        AuditAction        `json:"action"`
	TargetID      string             `json:"target_id"`
	BeforeHash    string             `json:"before_hash,omitempty"`
	AfterHash     string             `json:"after_hash,omitempty"`
	VectorClock   *clock.VectorClock `json:"vector_clock,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
}

// ConflictKind classifies why a field value changed during a merge
type ConflictKind string

const (
	ConflictDominance     ConflictKind = "dominance"
	ConflictTieBreak      ConflictKind = "tie_break"
	ConflictTombstone     ConflictKind = "tombstone"
	ConflictHigherVersion ConflictKind = "higher_version"
)

// FieldConflict records one field whose value changed due to a merge
type FieldConflict struct {
	Field    string       `json:"field"`
	Kind     ConflictKind `json:"kind"`
	Local    string       `json:"local"`
	Remote   string       `json:"remote"`
	Winner   string       `json:"winner"` // node identifier
}

// ConflictReport enumerates the fields of one replica that changed
// value during a remote merge, for audit logging.
type ConflictReport struct {
	ReplicaID string          `json:"replica_id"`
	Conflicts []FieldConflict `json:"conflicts,omitempty"`
}

// Empty reports whether the merge changed nothing
func (c *ConflictReport) Empty() bool {
	return c == nil || len(c.Conflicts) == 0
}
