package transform

import (
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/store"
)

// Tagger marks sensitive claims once they are merged. It runs inside the merge transaction, so a
// failure aborts the batch.
type Tagger interface {
	Tag(tx store.Tx, c *claim.Claim) error
}

type TaggerFunc func(tx store.Tx, c *claim.Claim) error

func (f TaggerFunc) Tag(tx store.Tx, c *claim.Claim) error { return f(tx, c) }

// NoopTagger tags nothing.
type NoopTagger struct{}

func (NoopTagger) Tag(store.Tx, *claim.Claim) error { return nil }
