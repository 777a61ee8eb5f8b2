/*
Package storage provides bbolt-backed persistence for task replicas,
the append-only audit log, and schema migrations.

All mutations are transactional: a batch save either lands completely
or not at all, and every persisted mutation writes an audit entry with
before/after content hashes in the same transaction. Sensitive fields
(patient reference, raw EMR payload) are sealed with AES-256-GCM before
they reach the disk.

Bucket layout:

	replicas        replica id -> storedReplica JSON
	audit_log       big-endian sequence -> AuditEntry JSON
	schema_version  big-endian version -> MigrationRecord JSON
	meta            node_id, state_checksum, sync cursors

A state checksum (XOR of per-item hashes, maintained incrementally) is
verified on startup; a mismatch quarantines the store with a
data_corruption error rather than attempting recovery.
*/
package storage
