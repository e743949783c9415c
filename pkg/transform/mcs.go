package transform

import (
	"context"
	"fmt"

	"github.com/juju/clock"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/idcache"
)

const (
	mcsClaimTypeCodes  = "0123456789"
	mcsStatusCodes     = "ABCDEFGJKLMNPQRSTUVWXYZ"
	mcsDetailStatusCds = "ADFOPQRSUVZ"
)

type mcsTransformer struct {
	ids   idcache.Cache
	clock clock.Clock
}

func newMcs(opts Options) Transformer {
	return &mcsTransformer{ids: opts.Identifiers, clock: opts.Clock}
}

func (t *mcsTransformer) Transform(ctx context.Context, apiVersion string, ev *claim.ChangeEvent) (*claim.Change, error) {
	var (
		f       fields
		payload claim.McsClaim
	)
	if !decodeEvent(&f, ev, &payload) {
		return nil, f.err(claim.TypeMcs, ev.Sequence)
	}

	attrs := map[string]any{}
	icn := f.requiredString("idrClmHdIcn", payload.IdrClmHdIcn, 15)
	checkClaimID(&f, ev, icn)
	setIf(attrs, "idrContrId", f.requiredString("idrContrId", payload.IdrContrID, 5))
	mbi := f.optionalString("idrClaimMbi", payload.IdrClaimMbi, 11)
	setIf(attrs, "idrClaimType", f.code("idrClaimType", payload.IdrClaimType, mcsClaimTypeCodes, true))
	status := f.code("idrStatusCode", payload.IdrStatusCode, mcsStatusCodes, false)
	setIf(attrs, "idrBillProvNum", f.optionalString("idrBillProvNum", payload.IdrBillProvNum, 10))
	setIf(attrs, "idrTotBilledAmt", f.amount("idrTotBilledAmt", payload.IdrTotBilledAmt))
	fromDate := f.date("idrHdrFromDos", payload.IdrHdrFromDos)
	setDate(attrs, "idrHdrFromDos", fromDate)

	lines := make([]claim.Line, 0, len(payload.Details))
	for i, d := range payload.Details {
		prefix := fmt.Sprintf("detail-%d-", i)
		la := map[string]any{}
		setIf(la, "idrDtlStatus", f.code(prefix+"idrDtlStatus", d.IdrDtlStatus, mcsDetailStatusCds, false))
		setIf(la, "idrProcCode", f.optionalString(prefix+"idrProcCode", d.IdrProcCode, 5))
		from := f.date(prefix+"idrDtlFromDate", d.IdrDtlFromDate)
		to := f.date(prefix+"idrDtlToDate", d.IdrDtlToDate)
		if from != nil && to != nil && to.Before(*from) {
			f.add(prefix+"idrDtlToDate", "precedes idrDtlFromDate")
		}
		setDate(la, "idrDtlFromDate", from)
		setDate(la, "idrDtlToDate", to)
		lines = append(lines, claim.Line{Number: i, Attributes: la})
	}

	if err := f.err(claim.TypeMcs, ev.Sequence); err != nil {
		return nil, err
	}

	var mbiHash string
	if mbi != "" {
		mbiHash = t.ids.Lookup(ctx, mbi).Hash
	}
	now := t.clock.Now().UTC()
	c := &claim.Claim{
		Type:        claim.TypeMcs,
		ID:          icn,
		Sequence:    ev.Sequence,
		APISource:   apiVersion,
		MbiHash:     mbiHash,
		Status:      status,
		LastUpdated: now,
		Attributes:  attrs,
		Lines:       lines,
	}
	meta := &claim.MetaData{
		ClaimType:    claim.TypeMcs,
		Sequence:     ev.Sequence,
		ClaimID:      icn,
		MbiHash:      mbiHash,
		ClaimState:   status,
		ReceivedDate: fromDate,
		LastUpdated:  now,
	}
	return newChange(apiVersion, ev, c, meta), nil
}
