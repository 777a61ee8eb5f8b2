package storage

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/wardsync/wardsync/pkg/clock"
	"github.com/wardsync/wardsync/pkg/types"
)

// Migration is one schema step. Up and Down run inside the migration
// transaction; Down must be idempotent so a failed run can be replayed.
type Migration struct {
	From int
	To   int
	ID   string
	Up   func(tx *bolt.Tx) error
	Down func(tx *bolt.Tx) error
}

// MigrationRecord is one row of the schema_version bucket
type MigrationRecord struct {
	Version     int                `json:"version"`
	MigrationID string             `json:"migration_id"`
	AppliedAt   time.Time          `json:"applied_at"`
	VectorClock *clock.VectorClock `json:"vector_clock,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

// SchemaVersion returns the highest applied schema version
func (s *BoltStore) SchemaVersion() (int, error) {
	version := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSchemaVersion).Cursor()
		if k, _ := c.Last(); k != nil {
			version = int(binary.BigEndian.Uint64(k))
		}
		return nil
	})
	return version, err
}

// Migrate applies the ordered migrations needed to reach target inside
// a single transaction: a failure anywhere rolls everything back and
// the store keeps its previous schema version. Every applied migration
// is recorded in schema_version with a clock snapshot and metadata.
func (s *BoltStore) Migrate(ctx context.Context, target int, migrations []Migration, snapshot *clock.VectorClock, meta map[string]string) error {
	current, err := s.SchemaVersion()
	if err != nil {
		return errStorage(err)
	}
	if current == target {
		return nil
	}
	if current > target {
		return fmt.Errorf("downgrade from %d to %d not supported: %w", current, target, ErrMigrationFailed)
	}

	chain, err := migrationChain(migrations, current, target)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrMigrationFailed)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		sv := tx.Bucket(bucketSchemaVersion)
		for _, m := range chain {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("migration %s: %w", m.ID, err)
			}
			if err := m.Up(tx); err != nil {
				return fmt.Errorf("migration %s (%d -> %d): %w", m.ID, m.From, m.To, err)
			}
			rec := MigrationRecord{
				Version:     m.To,
				MigrationID: m.ID,
				AppliedAt:   time.Now(),
				VectorClock: snapshot.Clone(),
				Metadata:    meta,
			}
			data, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], uint64(m.To))
			if err := sv.Put(key[:], data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &types.Error{Kind: types.KindMigrationFailed, Msg: "rolled back", Err: err}
	}
	return nil
}

// migrationChain selects the contiguous from -> to chain covering
// (current, target], failing on gaps or duplicates.
func migrationChain(migrations []Migration, current, target int) ([]Migration, error) {
	byFrom := make(map[int]Migration, len(migrations))
	for _, m := range migrations {
		if m.To != m.From+1 {
			return nil, fmt.Errorf("migration %s skips versions (%d -> %d)", m.ID, m.From, m.To)
		}
		if _, dup := byFrom[m.From]; dup {
			return nil, fmt.Errorf("duplicate migration from version %d", m.From)
		}
		byFrom[m.From] = m
	}
	var chain []Migration
	for v := current; v < target; v++ {
		m, ok := byFrom[v]
		if !ok {
			return nil, fmt.Errorf("no migration from version %d", v)
		}
		chain = append(chain, m)
	}
	return chain, nil
}

// RehashState recomputes and stores the state checksum from the
// replicas bucket. Migrations that rewrite replica records must call
// this before returning or the startup integrity check will refuse the
// store.
func RehashState(tx *bolt.Tx) error {
	computed := make([]byte, sha256.Size)
	if b := tx.Bucket(bucketReplicas); b != nil {
		err := b.ForEach(func(_, v []byte) error {
			xorInto(computed, itemHash(v))
			return nil
		})
		if err != nil {
			return err
		}
	}
	return tx.Bucket(bucketMeta).Put(metaStateChecksum, computed)
}

// AppliedMigrations lists the schema_version records in order
func (s *BoltStore) AppliedMigrations() ([]MigrationRecord, error) {
	var out []MigrationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchemaVersion).ForEach(func(k, v []byte) error {
			var rec MigrationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, errStorage(err)
	}
	return out, nil
}
