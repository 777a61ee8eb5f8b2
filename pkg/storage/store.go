package storage

import (
	"context"
	"errors"
	"time"

	"github.com/wardsync/wardsync/pkg/types"
)

// Errors returned by the storage layer
var (
	// ErrNotFound is returned when a replica id is unknown
	ErrNotFound = errors.New("replica not found")

	// ErrStorageLimit is returned when a write would exceed the device
	// storage cap. Compaction is triggered out-of-band.
	ErrStorageLimit = types.NewError(types.KindStorageLimit, "device storage cap exceeded")

	// ErrDataCorruption is returned when the startup integrity check
	// fails. Not recovered automatically; the store is quarantined.
	ErrDataCorruption = types.NewError(types.KindDataCorruption, "state checksum mismatch")

	// ErrMigrationFailed is returned when a schema migration fails and
	// was rolled back.
	ErrMigrationFailed = types.NewError(types.KindMigrationFailed, "schema migration failed")
)

// Default resource bounds
const (
	// DefaultMaxBytes caps on-device storage (1 GiB)
	DefaultMaxBytes = int64(1) << 30

	// DefaultLoadTimeout bounds a Load call
	DefaultLoadTimeout = 30 * time.Second

	// DefaultMigrateTimeout bounds a full migration run
	DefaultMigrateTimeout = 300 * time.Second

	// DefaultAuditRetention satisfies healthcare audit requirements
	// (seven years); the CRDT state may be compacted independently.
	DefaultAuditRetention = 7 * 365 * 24 * time.Hour
)

// Filter selects replicas for Load
type Filter struct {
	Status            types.Status
	Assignee          string
	PatientReference  string
	ModifiedSince     time.Time
	IncludeTombstones bool
	Limit             int
}

// Store persists task replicas and the append-only audit log
type Store interface {
	// NodeID returns this replica node's stable identifier, generated
	// once on first use and never reused.
	NodeID() (string, error)

	// SaveBatch atomically persists a batch of replicas and writes one
	// audit entry per replica with before/after content hashes.
	SaveBatch(ctx context.Context, replicas []*types.Replica, actor string, action types.AuditAction) error

	// Get retrieves one replica by id; ErrNotFound if absent
	Get(id string) (*types.Replica, error)

	// Load retrieves replicas matching the filter, ordered by physical
	// modification time then id. Timeout-bounded by ctx.
	Load(ctx context.Context, f Filter) ([]*types.Replica, error)

	// AppendAudit appends a single audit entry (verification decisions,
	// compactions); mutations audited by SaveBatch do not use this.
	AppendAudit(e *types.AuditEntry) error

	// ListAudit returns audit entries for a target, newest first
	ListAudit(targetID string, limit int) ([]*types.AuditEntry, error)

	// AnonymizeActor rewrites the actor identity on existing audit
	// entries after a right-to-erasure request. Entries are kept.
	AnonymizeActor(actor string) (int, error)

	// CompactTombstones removes tombstoned replicas acknowledged by all
	// known peers and older than the retention cutoff.
	CompactTombstones(ctx context.Context, acked func(*types.Replica) bool, cutoff time.Time) (int, error)

	// Meta reads an opaque metadata value (sync cursors and the like)
	Meta(key string) ([]byte, error)

	// SetMeta writes an opaque metadata value
	SetMeta(key string, value []byte) error

	// UsedBytes reports current on-disk usage
	UsedBytes() (int64, error)

	Close() error
}
