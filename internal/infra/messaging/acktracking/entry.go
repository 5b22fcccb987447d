package acktracking

import "time"

// nilIndex marks the absence of a neighbour in the entry list.
const nilIndex = -1

// entry is one outstanding send. It moves Pending -> Complete exactly once and
// is only ever removed as part of a head-anchored sweep.
type entry[P comparable] struct {
	position    P
	complete    bool
	submittedAt time.Time

	prev, next int
}

func (e *entry[P]) staleness(now time.Time) time.Duration { return now.Sub(e.submittedAt) }

// entryList is an insertion-ordered set of entries keyed by position. Nodes are
// stored in a slice and linked by index so front removal, tail insertion and
// lookup are all O(1) without pointer cycles.
type entryList[P comparable] struct {
	nodes []entry[P]
	free  []int
	index map[P]int

	front, back int
	completed   int
}

func newEntryList[P comparable](capacity int) *entryList[P] {
	return &entryList[P]{
		nodes: make([]entry[P], 0, capacity),
		index: make(map[P]int, capacity),
		front: nilIndex,
		back:  nilIndex,
	}
}

func (l *entryList[P]) len() int { return len(l.index) }

func (l *entryList[P]) lookup(p P) (int, bool) {
	idx, ok := l.index[p]
	return idx, ok
}

// pushBack appends a pending entry for p at the tail.
func (l *entryList[P]) pushBack(p P, submittedAt time.Time) int {
	e := entry[P]{position: p, submittedAt: submittedAt, prev: l.back, next: nilIndex}

	var idx int
	if n := len(l.free); n > 0 {
		idx = l.free[n-1]
		l.free = l.free[:n-1]
		l.nodes[idx] = e
	} else {
		idx = len(l.nodes)
		l.nodes = append(l.nodes, e)
	}

	if l.back != nilIndex {
		l.nodes[l.back].next = idx
	} else {
		l.front = idx
	}
	l.back = idx
	l.index[p] = idx

	return idx
}

// markComplete flips the entry at idx to complete. It reports false when the
// entry was already complete.
func (l *entryList[P]) markComplete(idx int) bool {
	e := &l.nodes[idx]
	if e.complete {
		return false
	}
	e.complete = true
	l.completed++
	return true
}

// popFront unlinks the oldest entry and returns its position.
func (l *entryList[P]) popFront() P {
	idx := l.front
	e := l.nodes[idx]

	l.front = e.next
	if l.front != nilIndex {
		l.nodes[l.front].prev = nilIndex
	} else {
		l.back = nilIndex
	}

	delete(l.index, e.position)
	if e.complete {
		l.completed--
	}

	var zero entry[P]
	l.nodes[idx] = zero
	l.free = append(l.free, idx)

	return e.position
}

func (l *entryList[P]) head() (*entry[P], bool) {
	if l.front == nilIndex {
		return nil, false
	}
	return &l.nodes[l.front], true
}
