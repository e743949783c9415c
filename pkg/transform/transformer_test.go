package transform_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/go-test/deep"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/idcache"
	"github.com/treeverse/claimload/pkg/idhash"
	"github.com/treeverse/claimload/pkg/transform"
)

var now = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newOptions(t *testing.T) (transform.Options, *idhash.Hasher) {
	t.Helper()
	h, err := idhash.New(idhash.Config{Iterations: 10, Pepper: []byte("pepper"), CacheSize: 16})
	require.NoError(t, err)
	ids, err := idcache.NewComputed(h, idcache.Options{})
	require.NoError(t, err)
	return transform.Options{Identifiers: ids, Clock: testclock.NewClock(now)}, h
}

func event(t *testing.T, seq uint64, claimID string, payload any) *claim.ChangeEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &claim.ChangeEvent{
		Sequence:   seq,
		ClaimID:    claimID,
		ChangeType: claim.ChangeUpdate,
		Timestamp:  now.Add(-time.Hour),
		Claim:      raw,
	}
}

func TestFissTransform(t *testing.T) {
	opts, h := newOptions(t)
	tr, err := transform.ForClaimType(claim.TypeFiss, opts)
	require.NoError(t, err)

	payload := claim.FissClaim{
		Dcn:               "dcn-1",
		IntermediaryNb:    "12345",
		Mbi:               "1S00E00AA00",
		CurrStatus:        "A",
		CurrLoc1:          "M",
		TotalChargeAmount: "1234.50",
		ReceivedDate:      "2024-02-20",
		ProcCodes: []claim.FissProcCode{
			{ProcCode: "P1", ProcDate: "2024-02-01"},
			{ProcCode: "P2", ProcFlag: "F"},
		},
	}
	change, err := tr.Transform(context.Background(), "v1.2", event(t, 7, "dcn-1", payload))
	require.NoError(t, err)

	received := civil.Date{Year: 2024, Month: time.February, Day: 20}
	wantHash := h.Hash("1S00E00AA00")
	expected := &claim.Change{
		Claim: &claim.Claim{
			Type:        claim.TypeFiss,
			ID:          "dcn-1",
			Sequence:    7,
			APISource:   "v1.2",
			MbiHash:     wantHash,
			Status:      "A",
			LastUpdated: now,
			Attributes: map[string]any{
				"currLoc1":          "M",
				"intermediaryNb":    "12345",
				"totalChargeAmount": "1234.50",
				"receivedDate":      "2024-02-20",
			},
			Lines: []claim.Line{
				{Number: 0, Attributes: map[string]any{"procCode": "P1", "procDate": "2024-02-01"}},
				{Number: 1, Attributes: map[string]any{"procCode": "P2", "procFlag": "F"}},
			},
		},
		MetaData: &claim.MetaData{
			ClaimType:    claim.TypeFiss,
			Sequence:     7,
			ClaimID:      "dcn-1",
			MbiHash:      wantHash,
			ClaimState:   "A",
			ReceivedDate: &received,
			LastUpdated:  now,
		},
		APIVersion: "v1.2",
		Sequence:   7,
		ChangeType: claim.ChangeUpdate,
		Timestamp:  now.Add(-time.Hour),
	}
	if diff := deep.Equal(change, expected); diff != nil {
		t.Fatal("unexpected change:", diff)
	}
	require.Equal(t, 3, change.Claim.InsertCount())
}

func TestFissTransformCollectsAllErrors(t *testing.T) {
	opts, _ := newOptions(t)
	tr, err := transform.ForClaimType(claim.TypeFiss, opts)
	require.NoError(t, err)

	payload := claim.FissClaim{
		Dcn:               "dcn-2",
		Mbi:               "1S00E00AA00-too-long",
		CurrStatus:        "?",
		CurrLoc1:          "M",
		TotalChargeAmount: "12.345",
		ReceivedDate:      "2024-02-31",
		ProcCodes:         []claim.FissProcCode{{ProcCode: ""}},
	}
	_, err = tr.Transform(context.Background(), "v1", event(t, 1, "other", payload))
	var te *transform.Error
	require.ErrorAs(t, err, &te)
	require.Equal(t, claim.TypeFiss, te.ClaimType)
	require.Equal(t, uint64(1), te.Sequence)

	fields := make([]string, 0, len(te.Errors))
	for _, fe := range te.Errors {
		fields = append(fields, fe.Field)
	}
	require.Equal(t, []string{
		"claimId",
		"mbi",
		"currStatus",
		"totalChargeAmount",
		"receivedDate",
		"procCode-0-procCode",
	}, fields)
	require.Equal(t, te.Errors, transform.FieldErrors(err))
}

func TestMalformedPayload(t *testing.T) {
	opts, _ := newOptions(t)
	for _, ct := range claim.Types {
		t.Run(ct.String(), func(t *testing.T) {
			tr, err := transform.ForClaimType(ct, opts)
			require.NoError(t, err)
			ev := &claim.ChangeEvent{Sequence: 3, ChangeType: claim.ChangeInsert, Claim: json.RawMessage(`[1,2]`)}
			_, err = tr.Transform(context.Background(), "v1", ev)
			fe := transform.FieldErrors(err)
			require.Len(t, fe, 1)
			require.Equal(t, "claim", fe[0].Field)

			ev.Claim = nil
			_, err = tr.Transform(context.Background(), "v1", ev)
			require.Equal(t, []claim.FieldError{{Field: "claim", Message: "is required"}}, transform.FieldErrors(err))
		})
	}
}

func TestMcsTransform(t *testing.T) {
	opts, h := newOptions(t)
	tr, err := transform.ForClaimType(claim.TypeMcs, opts)
	require.NoError(t, err)

	payload := claim.McsClaim{
		IdrClmHdIcn:     "icn-1",
		IdrContrID:      "c1",
		IdrClaimMbi:     "1S00E00AA00",
		IdrClaimType:    "3",
		IdrStatusCode:   "A",
		IdrTotBilledAmt: "99.9",
		IdrHdrFromDos:   "2024-01-05",
		Details: []claim.McsDetail{
			{IdrDtlStatus: "P", IdrProcCode: "X1", IdrDtlFromDate: "2024-01-05", IdrDtlToDate: "2024-01-06"},
		},
	}
	change, err := tr.Transform(context.Background(), "v2", event(t, 11, "", payload))
	require.NoError(t, err)
	require.Equal(t, "icn-1", change.Claim.ID)
	require.Equal(t, h.Hash("1S00E00AA00"), change.Claim.MbiHash)
	require.Equal(t, "A", change.MetaData.ClaimState)
	require.Equal(t, "2024-01-05", change.MetaData.ReceivedDate.String())
	require.Equal(t, map[string]any{
		"idrContrId":      "c1",
		"idrClaimType":    "3",
		"idrTotBilledAmt": "99.9",
		"idrHdrFromDos":   "2024-01-05",
	}, change.Claim.Attributes)
	require.Len(t, change.Claim.Lines, 1)
	require.Equal(t, "X1", change.Claim.Lines[0].Attributes["idrProcCode"])
}

func TestMcsTransformDetailDates(t *testing.T) {
	opts, _ := newOptions(t)
	tr, err := transform.ForClaimType(claim.TypeMcs, opts)
	require.NoError(t, err)

	payload := claim.McsClaim{
		IdrClmHdIcn:  "icn-2",
		IdrContrID:   "c1",
		IdrClaimType: "1",
		Details:      []claim.McsDetail{{IdrDtlFromDate: "2024-01-06", IdrDtlToDate: "2024-01-05"}},
	}
	_, err = tr.Transform(context.Background(), "v2", event(t, 12, "icn-2", payload))
	require.Equal(t, []claim.FieldError{{Field: "detail-0-idrDtlToDate", Message: "precedes idrDtlFromDate"}}, transform.FieldErrors(err))
}

func TestNewUnsupported(t *testing.T) {
	opts, _ := newOptions(t)
	_, err := transform.ForClaimType(claim.Type("rx"), opts)
	require.True(t, errors.Is(err, transform.ErrUnsupportedClaimType))

	_, err = transform.ForClaimType(claim.TypeFiss, transform.Options{})
	require.Error(t, err)
}
