package storage

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/wardsync/wardsync/pkg/types"
)

// appendAuditTx writes one audit entry inside an open transaction. The
// id is the bucket sequence, monotonically increasing and never reused.
func appendAuditTx(b *bolt.Bucket, e *types.AuditEntry) error {
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	e.ID = seq
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.Put(auditKey(seq), data)
}

func auditKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// AppendAudit appends a single audit entry outside a batch save
func (s *BoltStore) AppendAudit(e *types.AuditEntry) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return appendAuditTx(tx.Bucket(bucketAuditLog), e)
	})
	return errStorage(err)
}

// ListAudit returns audit entries, newest first. Empty targetID lists
// every entry.
func (s *BoltStore) ListAudit(targetID string, limit int) ([]*types.AuditEntry, error) {
	var out []*types.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAuditLog).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e types.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if targetID != "" && e.TargetID != targetID {
				continue
			}
			out = append(out, &e)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, errStorage(err)
	}
	return out, nil
}

// AnonymizeActor replaces the actor identity on existing audit entries
// with a stable pseudonym after a right-to-erasure request. The entries
// themselves are never deleted.
func (s *BoltStore) AnonymizeActor(actor string) (int, error) {
	if actor == "" {
		return 0, fmt.Errorf("actor cannot be empty")
	}
	pseudonym := anonymizedActor(actor)
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditLog)

		// Collect first: writing while a cursor is open is not safe.
		updates := make(map[uint64][]byte)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e types.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Actor != actor {
				continue
			}
			e.Actor = pseudonym
			data, err := json.Marshal(&e)
			if err != nil {
				return err
			}
			updates[e.ID] = data
		}
		for id, data := range updates {
			if err := b.Put(auditKey(id), data); err != nil {
				return err
			}
		}
		count = len(updates)
		return nil
	})
	if err != nil {
		return 0, errStorage(err)
	}
	return count, nil
}

func anonymizedActor(actor string) string {
	sum := sha256.Sum256([]byte("wardsync-erasure:" + actor))
	return fmt.Sprintf("anon:%x", sum[:8])
}
