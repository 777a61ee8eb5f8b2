/*
Package sync drives the exchange of replica state with the backend.

The orchestrator is a small state machine (idle, syncing, offline,
retrying, failed). One round collects local changes since the last
successful sync, ships them in owner-grouped batches, merges what the
backend answers, and advances the since-vector cursor only on success
so interrupted rounds replay rather than lose. Rounds are single
flight; a second StartSync while one runs returns ErrSyncInProgress.

Scheduling adapts to the link: the base interval is clamped to
[60s, 300s] and stretched on fair or poor connectivity as reported by
the injected NetworkMonitor.
*/
package sync
