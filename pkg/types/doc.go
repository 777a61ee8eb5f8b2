/*
Package types defines the shared domain model for WardSync: task
replicas and their workflow states, EMR payload envelopes, audit
entries, conflict reports, the sync wire envelope, and the error-kind
taxonomy shared by every component.

The types here are plain data. Behavior lives in the owning packages
(replica for merge semantics, storage for persistence, emr for
verification); keeping the model dependency-free avoids import cycles
between them.
*/
package types
