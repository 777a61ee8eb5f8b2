// Package events provides the in-process broker used for warning and
// lifecycle notifications (clock pruning, sync rounds, verification
// outcomes). Buffers are bounded; a stalled subscriber loses events
// rather than growing memory.
package events
