package types

// SyncOp is the kind of one sync operation
type SyncOp string

const (
	SyncOpUpsert SyncOp = "upsert"
	SyncOpDelete SyncOp = "delete"
)

// SyncOperation is one element of a sync envelope
type SyncOperation struct {
	Op      SyncOp   `json:"op"`
	Replica *Replica `json:"replica"`
}

// SyncEnvelope is the wire protocol between edge clients and the
// backend, JSON over HTTPS (TLS 1.3 required). The response mirrors the
// request shape: the server returns the operations it holds beyond
// SinceVector plus its own clock snapshot.
type SyncEnvelope struct {
	BatchID     string            `json:"batch_id"`
	NodeID      string            `json:"node_id"`
	Operations  []SyncOperation   `json:"operations"`
	SinceVector map[string]uint64 `json:"since_vector,omitempty"`
	VectorClock map[string]uint64 `json:"vector_clock,omitempty"`
}

// Event bus topics consumed by the dispatcher
const (
	TopicTaskCreated = "task.created"
	TopicTaskUpdated = "task.updated"
	TopicTaskDeleted = "task.deleted"
	TopicSyncRequest = "sync.request"
)
