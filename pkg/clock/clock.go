package clock

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Errors returned by clock operations
var (
	// ErrEmptyNode is returned when a node identifier is empty
	ErrEmptyNode = errors.New("node identifier cannot be empty")

	// ErrOverflow is returned when a counter cannot be incremented
	// further; the caller prunes and retries once, then treats the
	// replica as fatal.
	ErrOverflow = errors.New("vector_clock_overflow: counter at limit")
)

// DefaultPruneThreshold bounds the number of entries per clock
const DefaultPruneThreshold = 1000

// Ordering is the result of comparing two vector clocks
type Ordering int

const (
	Before Ordering = iota
	After
	Equal
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Before:
		return "before"
	case After:
		return "after"
	case Equal:
		return "equal"
	default:
		return "concurrent"
	}
}

// MergePolicy tags the conflict-resolution policy a clock was written
// under. Only last-write-wins is shipped; the tag exists so deployments
// can be told apart if a second policy is ever rolled out.
type MergePolicy string

const PolicyLWW MergePolicy = "lww"

// VectorClock tracks causal order between replica nodes: a counter per
// node identifier, the physical timestamp (nanoseconds) of the latest
// local event, and the merge-policy tag.
type VectorClock struct {
	Counters  map[string]uint64 `json:"counters"`
	Timestamp int64             `json:"timestamp"`
	Policy    MergePolicy       `json:"policy,omitempty"`
}

// New creates an empty vector clock with the LWW policy tag
func New() *VectorClock {
	return &VectorClock{
		Counters: make(map[string]uint64),
		Policy:   PolicyLWW,
	}
}

// Clone returns a deep copy
func (v *VectorClock) Clone() *VectorClock {
	if v == nil {
		return nil
	}
	c := &VectorClock{
		Counters:  make(map[string]uint64, len(v.Counters)),
		Timestamp: v.Timestamp,
		Policy:    v.Policy,
	}
	for n, cnt := range v.Counters {
		c.Counters[n] = cnt
	}
	return c
}

// Get returns the counter for a node; missing entries read as zero
func (v *VectorClock) Get(node string) uint64 {
	if v == nil {
		return 0
	}
	return v.Counters[node]
}

// Len returns the number of entries
func (v *VectorClock) Len() int {
	if v == nil {
		return 0
	}
	return len(v.Counters)
}

// Increment raises the owning node's counter by one and stamps the
// physical timestamp. A node only ever increments its own entry.
func (v *VectorClock) Increment(node string, now time.Time) error {
	if node == "" {
		return ErrEmptyNode
	}
	if v.Counters == nil {
		v.Counters = make(map[string]uint64)
	}
	if v.Counters[node] == math.MaxUint64 {
		return fmt.Errorf("node %s: %w", node, ErrOverflow)
	}
	v.Counters[node]++
	v.Timestamp = now.UnixNano()
	return nil
}

// Merge returns the pointwise maximum of both clocks. The result
// dominates both inputs; the timestamp is the max of the two.
func (v *VectorClock) Merge(other *VectorClock) *VectorClock {
	out := v.Clone()
	if out == nil {
		out = New()
	}
	if other == nil {
		return out
	}
	for n, cnt := range other.Counters {
		if cnt > out.Counters[n] {
			out.Counters[n] = cnt
		}
	}
	if other.Timestamp > out.Timestamp {
		out.Timestamp = other.Timestamp
	}
	return out
}

// Compare classifies the causal relation between two clocks. Missing
// entries are treated as counter zero.
func (v *VectorClock) Compare(other *VectorClock) Ordering {
	var selfLess, otherLess bool
	seen := make(map[string]struct{})
	if v != nil {
		for n, cnt := range v.Counters {
			seen[n] = struct{}{}
			o := other.Get(n)
			if cnt < o {
				selfLess = true
			} else if cnt > o {
				otherLess = true
			}
		}
	}
	if other != nil {
		for n, cnt := range other.Counters {
			if _, ok := seen[n]; ok {
				continue
			}
			if cnt > 0 {
				selfLess = true
			}
		}
	}
	switch {
	case selfLess && otherLess:
		return Concurrent
	case selfLess:
		return Before
	case otherLess:
		return After
	default:
		return Equal
	}
}

// Prune drops entries when the clock has grown past threshold,
// retaining the highest-counter half. It returns the dropped node
// identifiers so the caller can emit a warning event.
//
// Pruning loses precision: two pruned clocks may compare Concurrent
// where one actually dominated. Acceptable here because nodes churn and
// dropped entries refer to retired devices.
func (v *VectorClock) Prune(threshold int) []string {
	if threshold <= 0 {
		threshold = DefaultPruneThreshold
	}
	if v == nil || len(v.Counters) <= threshold {
		return nil
	}
	type entry struct {
		node string
		cnt  uint64
	}
	entries := make([]entry, 0, len(v.Counters))
	for n, c := range v.Counters {
		entries = append(entries, entry{n, c})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].cnt != entries[j].cnt {
			return entries[i].cnt > entries[j].cnt
		}
		return entries[i].node < entries[j].node
	})
	keep := len(entries) / 2
	dropped := make([]string, 0, len(entries)-keep)
	for _, e := range entries[keep:] {
		delete(v.Counters, e.node)
		dropped = append(dropped, e.node)
	}
	return dropped
}

// Snapshot returns a plain counter map for the wire envelope
func (v *VectorClock) Snapshot() map[string]uint64 {
	if v == nil {
		return nil
	}
	out := make(map[string]uint64, len(v.Counters))
	for n, c := range v.Counters {
		out[n] = c
	}
	return out
}

// Hash returns a stable digest of the counters, used by the dispatcher
// to de-duplicate replayed events.
func (v *VectorClock) Hash() string {
	h := sha256.New()
	if v != nil {
		nodes := make([]string, 0, len(v.Counters))
		for n := range v.Counters {
			nodes = append(nodes, n)
		}
		sort.Strings(nodes)
		var buf [8]byte
		for _, n := range nodes {
			h.Write([]byte(n))
			h.Write([]byte{0})
			binary.BigEndian.PutUint64(buf[:], v.Counters[n])
			h.Write(buf[:])
		}
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
