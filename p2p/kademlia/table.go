package kademlia

import (
	"fmt"
	"strings"
)

const (
	// K is the number of slots per bucket.
	K = 8
	// maxBuckets bounds table depth: one bucket per possible shared-prefix
	// length, plus the all-bits-shared case.
	maxBuckets = IDBits + 1
)

// NodeState is the liveness state of an occupied slot.
type NodeState uint8

const (
	// StateEmpty marks a free slot.
	StateEmpty NodeState = iota
	// StatePinging marks a node we have pinged and not yet heard back from.
	StatePinging
	// StateGood marks a node that has answered a ping.
	StateGood
)

func (s NodeState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePinging:
		return "pinging"
	case StateGood:
		return "good"
	default:
		return fmt.Sprintf("NodeState(%d)", uint8(s))
	}
}

// Slot is one bucket entry: empty, or a node ID with its state.
type Slot struct {
	ID    NodeID
	State NodeState
}

// Empty reports whether the slot is unoccupied.
func (s Slot) Empty() bool { return s.State == StateEmpty }

// SlotRef identifies a slot by position, so callers can inspect and then
// overwrite it without holding a pointer into table storage.
type SlotRef struct {
	Bucket int
	Index  int
}

type bucket struct {
	slots [K]Slot
}

// locate finds the given ID in the bucket, or the first free slot. Reports
// false only when the bucket is full of other nodes.
func (b *bucket) locate(id NodeID) (int, bool) {
	for i, slot := range b.slots {
		if slot.Empty() || slot.ID == id {
			return i, true
		}
	}
	return 0, false
}

// Table stores known nodes in buckets indexed by the shared-prefix length of
// their XOR distance from the local ID. Bucket i holds only nodes whose
// prefix length equals i, except the last bucket, which is a catch-all for
// everything at its depth or beyond. The table starts with one bucket and
// only ever grows.
type Table struct {
	id      NodeID
	buckets []bucket
}

// NewTable creates a table for the given local ID with a single catch-all
// bucket.
func NewTable(id NodeID) *Table {
	return &Table{
		id:      id,
		buckets: make([]bucket, 1, 8),
	}
}

// OurID returns the local node ID the distance metric is anchored to.
func (t *Table) OurID() NodeID { return t.id }

// NumBuckets returns the current bucket count.
func (t *Table) NumBuckets() int { return len(t.buckets) }

// Slot returns a copy of the slot at ref.
func (t *Table) Slot(ref SlotRef) Slot {
	return t.buckets[ref.Bucket].slots[ref.Index]
}

// SetSlot overwrites the slot at ref.
func (t *Table) SetSlot(ref SlotRef, s Slot) {
	t.buckets[ref.Bucket].slots[ref.Index] = s
}

// Len returns the number of occupied slots across all buckets.
func (t *Table) Len() int {
	n := 0
	for i := range t.buckets {
		for _, slot := range t.buckets[i].slots {
			if !slot.Empty() {
				n++
			}
		}
	}
	return n
}

// Allocate finds a slot for id: the slot already holding id, or a free one
// in its bucket. When id lands past the current depth, or overflows the
// catch-all last bucket, the last bucket is split once and the search
// retried. Reports false when no room exists; the table never evicts.
//
// The returned slot may be occupied by id already. Callers must inspect its
// state before overwriting.
func (t *Table) Allocate(id NodeID) (SlotRef, bool) {
	p := DistanceBetween(t.id, id).PrefixLen()
	n := len(t.buckets)

	if p < n {
		if i, ok := t.buckets[p].locate(id); ok {
			return SlotRef{Bucket: p, Index: i}, true
		}
		// Bucket p is full. Only the catch-all last bucket may be split to
		// make room; an interior bucket at capacity drops the candidate.
		if p != n-1 {
			return SlotRef{}, false
		}
	}
	if n == maxBuckets {
		return SlotRef{}, false
	}

	t.split()

	b := p
	if last := len(t.buckets) - 1; b > last {
		b = last
	}
	if i, ok := t.buckets[b].locate(id); ok {
		return SlotRef{Bucket: b, Index: i}, true
	}
	return SlotRef{}, false
}

// split appends a new bucket and moves every node of the old last bucket
// whose bit at the split depth matches ours into it. The old bucket is kept
// dense with an in-place compaction scan: the lowest freed index is tracked
// as a gap, and each surviving node after it is swapped down as the scan
// passes.
func (t *Table) split() {
	bitIndex := len(t.buckets) - 1
	ourBit := t.id.Bit(bitIndex)

	var dest bucket
	destNext := 0
	gap := -1

	src := &t.buckets[bitIndex]
	for i := range src.slots {
		switch {
		case src.slots[i].Empty():
			if gap < 0 {
				gap = i
			}
		case src.slots[i].ID.Bit(bitIndex) == ourBit:
			// shares one more prefix bit with us: move to the new bucket
			dest.slots[destNext] = src.slots[i]
			destNext++
			src.slots[i] = Slot{}
			if gap < 0 {
				gap = i
			}
		default:
			// stays behind; close the gap if one opened earlier
			if gap >= 0 {
				src.slots[gap], src.slots[i] = src.slots[i], src.slots[gap]
				for gap++; gap < i && !src.slots[gap].Empty(); gap++ {
				}
			}
		}
	}

	t.buckets = append(t.buckets, dest)
}

func (t *Table) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Table (%d buckets, %d nodes)", len(t.buckets), t.Len())
	for i := range t.buckets {
		occupied := 0
		for _, slot := range t.buckets[i].slots {
			if !slot.Empty() {
				occupied++
			}
		}
		if occupied > 0 {
			fmt.Fprintf(&sb, " [%d:%d]", i, occupied)
		}
	}
	return sb.String()
}
