package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/wardsync/wardsync/pkg/security"
	"github.com/wardsync/wardsync/pkg/types"
)

var (
	// Bucket names
	bucketReplicas      = []byte("replicas")
	bucketAuditLog      = []byte("audit_log")
	bucketSchemaVersion = []byte("schema_version")
	bucketMeta          = []byte("meta")

	// Meta keys
	metaNodeID        = []byte("node_id")
	metaStateChecksum = []byte("state_checksum")
)

// BoltStore implements Store using bbolt. Sensitive replica fields
// (patient reference, raw EMR payload) are sealed with AES-256-GCM
// before they reach the disk.
type BoltStore struct {
	db       *bolt.DB
	path     string
	cipher   *security.Cipher
	maxBytes int64
}

// Options configures a BoltStore
type Options struct {
	// MaxBytes caps on-disk size; DefaultMaxBytes when zero
	MaxBytes int64
}

// NewBoltStore opens (or creates) the store at dataDir and runs the
// startup integrity check. A nil cipher is rejected: at-rest encryption
// of sensitive fields is not optional.
func NewBoltStore(dataDir string, cipher *security.Cipher, opts Options) (*BoltStore, error) {
	if cipher == nil {
		return nil, fmt.Errorf("field cipher is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "wardsync.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketReplicas, bucketAuditLog, bucketSchemaVersion, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	s := &BoltStore{db: db, path: dbPath, cipher: cipher, maxBytes: maxBytes}

	if err := s.verifyIntegrity(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// NodeID returns the stable node identifier, generating it on first use
func (s *BoltStore) NodeID() (string, error) {
	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if v := b.Get(metaNodeID); v != nil {
			id = string(v)
			return nil
		}
		id = uuid.New().String()
		return b.Put(metaNodeID, []byte(id))
	})
	return id, err
}

// storedReplica is the on-disk shape: the replica with sensitive fields
// blanked plus the sealed ciphertext holding them.
type storedReplica struct {
	types.Replica
	Sealed []byte `json:"sealed,omitempty"`
}

type sensitiveFields struct {
	PatientReference string `json:"patient_reference,omitempty"`
	Raw              []byte `json:"raw,omitempty"`
}

func (s *BoltStore) encode(r *types.Replica) ([]byte, error) {
	sr := storedReplica{Replica: *r.Clone()}
	sens := sensitiveFields{PatientReference: sr.PatientReference}
	if sr.EMRPayload != nil {
		sens.Raw = sr.EMRPayload.Raw
	}
	if sens.PatientReference != "" || len(sens.Raw) > 0 {
		plain, err := json.Marshal(sens)
		if err != nil {
			return nil, err
		}
		sealed, err := s.cipher.Seal(plain)
		if err != nil {
			return nil, fmt.Errorf("failed to seal sensitive fields: %w", err)
		}
		sr.Sealed = sealed
		sr.PatientReference = ""
		if sr.EMRPayload != nil {
			sr.EMRPayload.Raw = nil
		}
	}
	return json.Marshal(&sr)
}

func (s *BoltStore) decode(data []byte) (*types.Replica, error) {
	var sr storedReplica
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, err
	}
	if len(sr.Sealed) > 0 {
		plain, err := s.cipher.Open(sr.Sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to open sensitive fields: %w", err)
		}
		var sens sensitiveFields
		if err := json.Unmarshal(plain, &sens); err != nil {
			return nil, err
		}
		sr.PatientReference = sens.PatientReference
		if len(sens.Raw) > 0 {
			if sr.EMRPayload == nil {
				sr.EMRPayload = &types.EMRPayload{}
			}
			sr.EMRPayload.Raw = sens.Raw
		}
	}
	r := sr.Replica
	return &r, nil
}

// SaveBatch persists replicas atomically and audits each mutation.
// All-or-nothing: a failure on any replica rolls the whole batch back.
func (s *BoltStore) SaveBatch(ctx context.Context, replicas []*types.Replica, actor string, action types.AuditAction) error {
	if len(replicas) == 0 {
		return nil
	}
	used, err := s.UsedBytes()
	if err != nil {
		return errStorage(err)
	}
	if used >= s.maxBytes {
		return fmt.Errorf("%d of %d bytes used: %w", used, s.maxBytes, ErrStorageLimit)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rb := tx.Bucket(bucketReplicas)
		ab := tx.Bucket(bucketAuditLog)
		mb := tx.Bucket(bucketMeta)
		checksum := readChecksum(mb)

		for _, r := range replicas {
			prev := rb.Get([]byte(r.ID))
			var beforeHash string
			if prev != nil {
				beforeHash = hashHex(prev)
				xorInto(checksum, itemHash(prev))
			}

			data, err := s.encode(r)
			if err != nil {
				return fmt.Errorf("failed to encode replica %s: %w", r.ID, err)
			}
			if err := rb.Put([]byte(r.ID), data); err != nil {
				return err
			}
			xorInto(checksum, itemHash(data))

			entry := &types.AuditEntry{
				Timestamp:   time.Now(),
				Actor:       actor,
				Action:      action,
				TargetID:    r.ID,
				BeforeHash:  beforeHash,
				AfterHash:   hashHex(data),
				VectorClock: r.VectorClock.Clone(),
			}
			if err := appendAuditTx(ab, entry); err != nil {
				return err
			}
		}
		return mb.Put(metaStateChecksum, checksum)
	})
	if err != nil {
		return errStorage(err)
	}
	return nil
}

// Get retrieves one replica by id
func (s *BoltStore) Get(id string) (*types.Replica, error) {
	var r *types.Replica
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReplicas).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		var err error
		r, err = s.decode(data)
		return err
	})
	return r, err
}

// Load retrieves replicas matching the filter, ordered by modification
// time then id so batch processing is reproducible.
func (s *BoltStore) Load(ctx context.Context, f Filter) ([]*types.Replica, error) {
	var out []*types.Replica
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketReplicas).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := s.decode(v)
			if err != nil {
				return err
			}
			if !matches(r, f) {
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, errStorage(err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastModifiedPhysical.Equal(out[j].LastModifiedPhysical) {
			return out[i].LastModifiedPhysical.Before(out[j].LastModifiedPhysical)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(r *types.Replica, f Filter) bool {
	if !f.IncludeTombstones && r.Tombstone {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Assignee != "" && r.Assignee != f.Assignee {
		return false
	}
	if f.PatientReference != "" && r.PatientReference != f.PatientReference {
		return false
	}
	if !f.ModifiedSince.IsZero() && !r.LastModifiedPhysical.After(f.ModifiedSince) {
		return false
	}
	return true
}

// CompactTombstones removes tombstoned replicas that every known peer
// has acknowledged and that are older than the cutoff. The audit log is
// untouched.
func (s *BoltStore) CompactTombstones(ctx context.Context, acked func(*types.Replica) bool, cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketReplicas)
		mb := tx.Bucket(bucketMeta)
		checksum := readChecksum(mb)

		var victims [][]byte
		c := rb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := s.decode(v)
			if err != nil {
				return err
			}
			if !r.Tombstone || r.LastModifiedPhysical.After(cutoff) {
				continue
			}
			if acked != nil && !acked(r) {
				continue
			}
			xorInto(checksum, itemHash(v))
			victims = append(victims, append([]byte(nil), k...))
		}
		for _, k := range victims {
			if err := rb.Delete(k); err != nil {
				return err
			}
		}
		removed = len(victims)
		if removed > 0 {
			entry := &types.AuditEntry{
				Timestamp: time.Now(),
				Actor:     "system",
				Action:    types.AuditActionCompaction,
				Metadata:  map[string]string{"removed": fmt.Sprintf("%d", removed)},
			}
			if err := appendAuditTx(tx.Bucket(bucketAuditLog), entry); err != nil {
				return err
			}
		}
		return mb.Put(metaStateChecksum, checksum)
	})
	if err != nil {
		return 0, errStorage(err)
	}
	return removed, nil
}

// Meta reads an opaque metadata value
func (s *BoltStore) Meta(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// SetMeta writes an opaque metadata value
func (s *BoltStore) SetMeta(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), value)
	})
}

// UsedBytes reports the database file size
func (s *BoltStore) UsedBytes() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// verifyIntegrity recomputes the state checksum and compares it against
// the stored one. A mismatch means on-disk state was altered outside a
// transaction; the store refuses to start.
func (s *BoltStore) verifyIntegrity() error {
	return s.db.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket(bucketMeta).Get(metaStateChecksum)
		if stored == nil {
			return nil // fresh store
		}
		computed := make([]byte, sha256.Size)
		err := tx.Bucket(bucketReplicas).ForEach(func(k, v []byte) error {
			xorInto(computed, itemHash(v))
			return nil
		})
		if err != nil {
			return err
		}
		if !bytes.Equal(stored, computed) {
			return ErrDataCorruption
		}
		return nil
	})
}

// The state checksum is the XOR of per-item hashes, so it can be
// maintained incrementally and is independent of iteration order.
func itemHash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func readChecksum(meta *bolt.Bucket) []byte {
	out := make([]byte, sha256.Size)
	if v := meta.Get(metaStateChecksum); v != nil {
		copy(out, v)
	}
	return out
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

func hashHex(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// errStorage wraps infrastructure failures as storage_error, leaving
// kinded errors (limit, corruption) untouched.
func errStorage(err error) error {
	if err == nil {
		return nil
	}
	if types.KindOf(err) != "" {
		return err
	}
	return &types.Error{Kind: types.KindStorageError, Err: err}
}
