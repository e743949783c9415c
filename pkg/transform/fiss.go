package transform

import (
	"context"
	"fmt"

	"github.com/juju/clock"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/idcache"
)

const (
	fissStatusCodes   = "ABCDIJMPRSTUX"
	fissLocationCodes = "ABDIMOST"
)

type fissTransformer struct {
	ids   idcache.Cache
	clock clock.Clock
}

func newFiss(opts Options) Transformer {
	return &fissTransformer{ids: opts.Identifiers, clock: opts.Clock}
}

func (t *fissTransformer) Transform(ctx context.Context, apiVersion string, ev *claim.ChangeEvent) (*claim.Change, error) {
	var (
		f       fields
		payload claim.FissClaim
	)
	if !decodeEvent(&f, ev, &payload) {
		return nil, f.err(claim.TypeFiss, ev.Sequence)
	}

	attrs := map[string]any{}
	dcn := f.requiredString("dcn", payload.Dcn, 23)
	checkClaimID(&f, ev, dcn)
	mbi := f.optionalString("mbi", payload.Mbi, 11)
	status := f.code("currStatus", payload.CurrStatus, fissStatusCodes, true)
	setIf(attrs, "currLoc1", f.code("currLoc1", payload.CurrLoc1, fissLocationCodes, true))
	setIf(attrs, "currLoc2", f.optionalString("currLoc2", payload.CurrLoc2, 5))
	setIf(attrs, "intermediaryNb", f.optionalString("intermediaryNb", payload.IntermediaryNb, 5))
	setIf(attrs, "medaProvId", f.optionalString("medaProvId", payload.MedaProvID, 13))
	setIf(attrs, "totalChargeAmount", f.amount("totalChargeAmount", payload.TotalChargeAmount))
	received := f.date("receivedDate", payload.ReceivedDate)
	setDate(attrs, "receivedDate", received)
	setDate(attrs, "currTranDate", f.date("currTranDate", payload.CurrTranDate))

	lines := make([]claim.Line, 0, len(payload.ProcCodes))
	for i, pc := range payload.ProcCodes {
		prefix := fmt.Sprintf("procCode-%d-", i)
		la := map[string]any{}
		setIf(la, "procCode", f.requiredString(prefix+"procCode", pc.ProcCode, 10))
		setIf(la, "procFlag", f.optionalString(prefix+"procFlag", pc.ProcFlag, 4))
		setDate(la, "procDate", f.date(prefix+"procDate", pc.ProcDate))
		lines = append(lines, claim.Line{Number: i, Attributes: la})
	}

	if err := f.err(claim.TypeFiss, ev.Sequence); err != nil {
		return nil, err
	}

	var mbiHash string
	if mbi != "" {
		mbiHash = t.ids.Lookup(ctx, mbi).Hash
	}
	now := t.clock.Now().UTC()
	c := &claim.Claim{
		Type:        claim.TypeFiss,
		ID:          dcn,
		Sequence:    ev.Sequence,
		APISource:   apiVersion,
		MbiHash:     mbiHash,
		Status:      status,
		LastUpdated: now,
		Attributes:  attrs,
		Lines:       lines,
	}
	meta := &claim.MetaData{
		ClaimType:    claim.TypeFiss,
		Sequence:     ev.Sequence,
		ClaimID:      dcn,
		MbiHash:      mbiHash,
		ClaimState:   status,
		ReceivedDate: received,
		LastUpdated:  now,
	}
	return newChange(apiVersion, ev, c, meta), nil
}
