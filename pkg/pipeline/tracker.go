package pipeline

import "sync"

// SequenceTracker follows sequence numbers dispatched to writers but not yet written, to find
// the highest checkpoint that neither skips an unwritten event nor passes the last merged claim.
type SequenceTracker struct {
	mu     sync.Mutex
	active map[uint64]int
	merged uint64
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{active: make(map[uint64]int)}
}

// Add marks seq as dispatched.
func (t *SequenceTracker) Add(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[seq]++
}

// Remove marks one dispatch of seq as handled, merged or not.
func (t *SequenceTracker) Remove(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch n := t.active[seq]; n {
	case 0:
	case 1:
		delete(t.active, seq)
	default:
		t.active[seq] = n - 1
	}
}

// Merged records seq as the sequence number of a committed claim.
func (t *SequenceTracker) Merged(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.merged = max(t.merged, seq)
}

// SafeResume returns the highest merged sequence number, capped at one less than the lowest
// unhandled one. Zero means nothing is safe to record.
func (t *SequenceTracker) SafeResume() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.active) == 0 {
		return t.merged
	}
	lowest := uint64(0)
	first := true
	for seq := range t.active {
		if first || seq < lowest {
			lowest, first = seq, false
		}
	}
	if lowest == 0 {
		return 0
	}
	return min(lowest-1, t.merged)
}

// Pending is the number of dispatched but unhandled sequence numbers.
func (t *SequenceTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.active {
		n += c
	}
	return n
}
