// Package transform maps wire change events onto normalized claims. Transformers are pure apart
// from the identifier cache and clock they are built with.
package transform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/juju/clock"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/idcache"
)

type Transformer interface {
	// Transform returns the change for ev, or an *Error describing every invalid field.
	Transform(ctx context.Context, apiVersion string, ev *claim.ChangeEvent) (*claim.Change, error)
}

type Options struct {
	Identifiers idcache.Cache
	Clock       clock.Clock
}

type Factory func(opts Options) Transformer

var factories = map[claim.Type]Factory{
	claim.TypeFiss: newFiss,
	claim.TypeMcs:  newMcs,
}

// ForClaimType returns the transformer for claimType bound to the given collaborators.
func ForClaimType(claimType claim.Type, opts Options) (Transformer, error) {
	f, ok := factories[claimType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedClaimType, claimType)
	}
	if opts.Identifiers == nil {
		return nil, fmt.Errorf("transformer %s: identifier cache is required", claimType)
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return f(opts), nil
}

// decodeEvent checks the envelope and unmarshals the payload into dst.
func decodeEvent(f *fields, ev *claim.ChangeEvent, dst any) bool {
	if !ev.ChangeType.Valid() {
		f.add("changeType", "unrecognized enum value %q", string(ev.ChangeType))
	}
	if len(ev.Claim) == 0 {
		f.add("claim", "is required")
		return false
	}
	if err := json.Unmarshal(ev.Claim, dst); err != nil {
		f.add("claim", "malformed payload: %s", err)
		return false
	}
	return true
}

func checkClaimID(f *fields, ev *claim.ChangeEvent, id string) {
	if ev.ClaimID != "" && id != "" && ev.ClaimID != id {
		f.add("claimId", "event claim id %q does not match payload %q", ev.ClaimID, id)
	}
}

func newChange(apiVersion string, ev *claim.ChangeEvent, c *claim.Claim, m *claim.MetaData) *claim.Change {
	return &claim.Change{
		Claim:       c,
		MetaData:    m,
		APIVersion:  apiVersion,
		Sequence:    ev.Sequence,
		ChangeType:  ev.ChangeType,
		Timestamp:   ev.Timestamp,
		ExtractDate: ev.ExtractDate,
	}
}
