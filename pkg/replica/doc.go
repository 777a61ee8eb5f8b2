/*
Package replica implements the conflict-free replicated task state that
lets intermittently-connected devices mutate tasks offline and converge
without coordination.

Merge semantics per field:

  - Scalar user-editable fields (title, description, priority,
    assignee, department, patient reference): last-write-wins. The
    winner is the side whose vector clock dominates; concurrent edits
    tie-break on physical timestamp, then lexicographic node id.
  - Status follows the same rule, except a cancellation carrying a
    tombstone is absorbing unless it is strictly dominated.
  - EMR payloads referencing the same (system, resource id) resolve to
    the higher version regardless of clock order.
  - The verification state is never merged directly; it is recomputed
    after the merge by comparing the payload checksum against the last
    recorded verification result.
  - Vector clocks merge pointwise.

The merge function is commutative, associative and idempotent, so any
interleaving of pairwise merges of the same operation set reaches the
same terminal state on every node.

Local mutations go through Engine.ApplyLocal, which additionally
enforces the clinical workflow transition graph; remote state is never
gated, convergence must stay monotone regardless of what a peer sends.
*/
package replica
