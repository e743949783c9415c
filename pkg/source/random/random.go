// Package random generates synthetic, reproducible change streams. Every event is a pure function
// of the seed, the claim type and its sequence number, so equal seeds give identical streams.
package random

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"cloud.google.com/go/civil"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/source"
	"github.com/treeverse/claimload/pkg/source/params"
)

const DefaultVersion = "0.0.1-random"

var (
	ErrInvalidMaxToSend = errors.New("max to send must be positive")

	// Epoch is the timestamp of sequence number zero.
	Epoch = time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC)
)

type Source struct {
	seed        int64
	maxToSend   uint64
	maxClaimIDs int
	version     string
}

func NewSource(p params.Random, version string) (*Source, error) {
	if p.MaxToSend <= 0 {
		return nil, ErrInvalidMaxToSend
	}
	if version == "" {
		version = DefaultVersion
	}
	return &Source{
		seed:        p.Seed,
		maxToSend:   uint64(p.MaxToSend),
		maxClaimIDs: p.MaxClaimIDs,
		version:     version,
	}, nil
}

func (s *Source) Version(context.Context) (string, error) {
	return s.version, nil
}

// Open streams sequence numbers 1 through maxToSend.
func (s *Source) Open(_ context.Context, claimType claim.Type, since uint64) (source.Stream, error) {
	if _, err := claim.ParseType(claimType.String()); err != nil {
		return nil, fmt.Errorf("%w: %s", source.ErrUnsupportedClaimType, claimType)
	}
	next := max(since, 1)
	return source.NewStream(&fetcher{src: s, claimType: claimType, next: next}, since), nil
}

func (s *Source) Close() error { return nil }

type fetcher struct {
	src       *Source
	claimType claim.Type
	next      uint64
}

func (f *fetcher) Fetch(ctx context.Context) (*claim.ChangeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.next > f.src.maxToSend {
		return nil, source.ErrEndOfStream
	}
	ev := Generate(f.src.seed, f.claimType, f.next, f.src.maxClaimIDs)
	f.next++
	return ev, nil
}

func (f *fetcher) Close() error { return nil }

// Generate returns the event at seq. With maxClaimIDs zero every event carries a distinct claim.
func Generate(seed int64, claimType claim.Type, seq uint64, maxClaimIDs int) *claim.ChangeEvent {
	r := rand.New(rand.NewPCG(uint64(seed), seq)) //nolint:gosec
	n := seq
	if maxClaimIDs > 0 {
		n = uint64(r.IntN(maxClaimIDs)) + 1
	}
	changeType := claim.ChangeInsert
	if maxClaimIDs > 0 && r.IntN(3) == 0 {
		changeType = claim.ChangeUpdate
	}
	ts := Epoch.Add(time.Duration(seq) * time.Minute)
	extract := civil.DateOf(ts)

	var (
		id      string
		payload any
	)
	switch claimType {
	case claim.TypeMcs:
		id = fmt.Sprintf("%015d", n)
		payload = mcsClaim(r, id, ts)
	default:
		id = fmt.Sprintf("%023d", n)
		payload = fissClaim(r, id, ts)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err) // plain structs of strings always encode
	}
	return &claim.ChangeEvent{
		Sequence:    seq,
		ClaimID:     id,
		ChangeType:  changeType,
		Timestamp:   ts,
		ExtractDate: &extract,
		Claim:       raw,
	}
}

func pick(r *rand.Rand, chars string) string {
	i := r.IntN(len(chars))
	return chars[i : i+1]
}

func mbi(r *rand.Rand) string {
	return fmt.Sprintf("1S%02dE%02dAA%02d", r.IntN(100), r.IntN(100), r.IntN(100))[:11]
}

func amount(r *rand.Rand) string {
	return fmt.Sprintf("%d.%02d", r.IntN(100000), r.IntN(100))
}

func date(r *rand.Rand, before time.Time) string {
	return civil.DateOf(before.AddDate(0, 0, -r.IntN(365))).String()
}

func fissClaim(r *rand.Rand, dcn string, ts time.Time) *claim.FissClaim {
	c := &claim.FissClaim{
		Dcn:               dcn,
		IntermediaryNb:    fmt.Sprintf("%05d", r.IntN(100000)),
		Mbi:               mbi(r),
		CurrStatus:        pick(r, "ABDIMPRST"),
		CurrLoc1:          pick(r, "ABDIMOST"),
		CurrLoc2:          fmt.Sprintf("%04d", r.IntN(10000)),
		MedaProvID:        fmt.Sprintf("%013d", r.Int64N(1e13)),
		TotalChargeAmount: amount(r),
		ReceivedDate:      date(r, ts),
		CurrTranDate:      civil.DateOf(ts).String(),
	}
	for i := range r.IntN(4) {
		c.ProcCodes = append(c.ProcCodes, claim.FissProcCode{
			ProcCode: fmt.Sprintf("P%03d%d", r.IntN(1000), i),
			ProcFlag: pick(r, "ABCD"),
			ProcDate: date(r, ts),
		})
	}
	return c
}

func mcsClaim(r *rand.Rand, icn string, ts time.Time) *claim.McsClaim {
	c := &claim.McsClaim{
		IdrClmHdIcn:     icn,
		IdrContrID:      fmt.Sprintf("%05d", r.IntN(100000)),
		IdrClaimMbi:     mbi(r),
		IdrClaimType:    pick(r, "0123456789"),
		IdrStatusCode:   pick(r, "ABCDEFGJKLMNPQRSTUVWXYZ"),
		IdrBillProvNum:  fmt.Sprintf("%010d", r.IntN(1e9)),
		IdrTotBilledAmt: amount(r),
		IdrHdrFromDos:   date(r, ts),
	}
	for range r.IntN(4) {
		from := ts.AddDate(0, 0, -r.IntN(30)-1)
		c.Details = append(c.Details, claim.McsDetail{
			IdrDtlStatus:   pick(r, "ADFOPQRSUVZ"),
			IdrProcCode:    fmt.Sprintf("%05d", r.IntN(100000)),
			IdrDtlFromDate: civil.DateOf(from).String(),
			IdrDtlToDate:   civil.DateOf(from.AddDate(0, 0, r.IntN(2))).String(),
		})
	}
	return c
}
