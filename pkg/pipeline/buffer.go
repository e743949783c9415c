package pipeline

import "github.com/treeverse/claimload/pkg/claim"

// batchBuffer collects events for one write. A later event for a claim already buffered replaces
// the earlier one and moves to the end, so each claim is merged once per batch and the events
// stay in ascending sequence order.
type batchBuffer struct {
	apiVersion string
	events     []*claim.ChangeEvent
	index      map[string]int
	sequences  []uint64
}

func newBatchBuffer() *batchBuffer {
	return &batchBuffer{index: make(map[string]int)}
}

func (b *batchBuffer) add(apiVersion string, ev *claim.ChangeEvent) {
	b.apiVersion = apiVersion
	b.sequences = append(b.sequences, ev.Sequence)
	if i, ok := b.index[ev.ClaimID]; ok {
		b.events = append(b.events[:i], b.events[i+1:]...)
		for j := i; j < len(b.events); j++ {
			b.index[b.events[j].ClaimID] = j
		}
	}
	b.index[ev.ClaimID] = len(b.events)
	b.events = append(b.events, ev)
}

// uniqueCount is the number of distinct claims buffered.
func (b *batchBuffer) uniqueCount() int { return len(b.events) }

// fullCount is the number of events buffered, including replaced ones.
func (b *batchBuffer) fullCount() int { return len(b.sequences) }

func (b *batchBuffer) reset() {
	b.events = nil
	b.sequences = nil
	clear(b.index)
}
