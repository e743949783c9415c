package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/treeverse/claimload/pkg/claim"
)

func TestSequenceTracker(t *testing.T) {
	tr := NewSequenceTracker()
	require.Zero(t, tr.SafeResume())

	for _, seq := range []uint64{3, 4, 5, 6} {
		tr.Add(seq)
	}
	require.Zero(t, tr.SafeResume())
	require.Equal(t, 4, tr.Pending())

	// committing later batches first must not move past the lowest pending one
	tr.Merged(6)
	tr.Remove(5)
	tr.Remove(6)
	require.Equal(t, uint64(2), tr.SafeResume())

	tr.Merged(3)
	tr.Remove(3)
	require.Equal(t, uint64(3), tr.SafeResume())
	tr.Merged(4)
	tr.Remove(4)
	require.Equal(t, uint64(6), tr.SafeResume())
	require.Zero(t, tr.Pending())

	// removing an unknown sequence is a no-op
	tr.Remove(100)
	require.Equal(t, uint64(6), tr.SafeResume())
}

func TestSequenceTrackerSkipsFailedEvents(t *testing.T) {
	tr := NewSequenceTracker()
	for _, seq := range []uint64{1, 2, 3} {
		tr.Add(seq)
	}
	// 1 and 2 merged, 3 failed transformation
	tr.Merged(2)
	for _, seq := range []uint64{1, 2, 3} {
		tr.Remove(seq)
	}
	require.Equal(t, uint64(2), tr.SafeResume())

	tr.Add(4)
	require.Equal(t, uint64(2), tr.SafeResume())
	tr.Remove(4)
	require.Equal(t, uint64(2), tr.SafeResume(), "a batch that merged nothing does not move the checkpoint")
}

func TestSequenceTrackerDuplicates(t *testing.T) {
	tr := NewSequenceTracker()
	tr.Add(7)
	tr.Add(7)
	tr.Merged(7)
	tr.Remove(7)
	require.Equal(t, uint64(6), tr.SafeResume())
	tr.Remove(7)
	require.Equal(t, uint64(7), tr.SafeResume())
}

func TestSequenceTrackerZero(t *testing.T) {
	tr := NewSequenceTracker()
	tr.Add(0)
	tr.Add(1)
	tr.Merged(1)
	require.Zero(t, tr.SafeResume())
}

func TestBatchBufferDedup(t *testing.T) {
	b := newBatchBuffer()
	ev := func(seq uint64, id string) *claim.ChangeEvent {
		return &claim.ChangeEvent{Sequence: seq, ClaimID: id, ChangeType: claim.ChangeInsert}
	}
	b.add("v1", ev(1, "a"))
	b.add("v1", ev(2, "b"))
	b.add("v1", ev(3, "a"))
	b.add("v1", ev(4, "c"))

	require.Equal(t, 3, b.uniqueCount())
	require.Equal(t, 4, b.fullCount())
	require.Equal(t, []uint64{1, 2, 3, 4}, b.sequences)

	var got []uint64
	for _, e := range b.events {
		got = append(got, e.Sequence)
	}
	// the latest change of "a" moves to where it arrived
	require.Equal(t, []uint64{2, 3, 4}, got)

	b.reset()
	require.Zero(t, b.uniqueCount())
	require.Zero(t, b.fullCount())
	b.add("v2", ev(5, "a"))
	require.Equal(t, 1, b.uniqueCount())
	require.Equal(t, "v2", b.apiVersion)
}
