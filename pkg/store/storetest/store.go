// Package storetest is a conformance suite every store driver runs against.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/store"
)

// MakeStore returns an empty store with its schema in place.
type MakeStore func(t *testing.T, ctx context.Context) store.Store

var (
	baseTime = time.Date(2024, time.May, 1, 12, 30, 0, 0, time.UTC)
	errAbort = errors.New("abort")
)

func TestDriver(t *testing.T, ms MakeStore) {
	t.Run("Setup_Idempotent", func(t *testing.T) { testSetupIdempotent(t, ms) })
	t.Run("Progress", func(t *testing.T) { testProgress(t, ms) })
	t.Run("Claims", func(t *testing.T) { testClaims(t, ms) })
	t.Run("MetaData", func(t *testing.T) { testMetaData(t, ms) })
	t.Run("Errors", func(t *testing.T) { testErrors(t, ms) })
	t.Run("Identifiers", func(t *testing.T) { testIdentifiers(t, ms) })
	t.Run("Identifiers_Concurrent", func(t *testing.T) { testIdentifiersConcurrent(t, ms) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, ms) })
	t.Run("ReadOnly", func(t *testing.T) { testReadOnly(t, ms) })
}

func open(t *testing.T, ms MakeStore) (context.Context, store.Store) {
	t.Helper()
	ctx := context.Background()
	s := ms(t, ctx)
	t.Cleanup(func() { _ = s.Close() })
	return ctx, s
}

func testSetupIdempotent(t *testing.T, ms MakeStore) {
	ctx, s := open(t, ms)
	require.NoError(t, s.Setup(ctx))
}

func testProgress(t *testing.T, ms MakeStore) {
	ctx, s := open(t, ms)

	err := s.Transact(ctx, func(tx store.Tx) error {
		_, err := tx.GetProgress(claim.TypeFiss)
		return err
	})
	require.ErrorIs(t, err, store.ErrNotFound)

	for i, seq := range []uint64{5, 3, 9} {
		err := s.Transact(ctx, func(tx store.Tx) error {
			return tx.SetProgress(claim.TypeFiss, seq, baseTime.Add(time.Duration(i)*time.Minute))
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		return tx.SetProgress(claim.TypeMcs, 2, baseTime)
	}))

	var (
		fiss *claim.Progress
		all  []claim.Progress
	)
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		var err error
		fiss, err = tx.GetProgress(claim.TypeFiss)
		if err != nil {
			return err
		}
		all, err = tx.ListProgress()
		return err
	}))
	require.EqualValues(t, 9, fiss.LastSequence)
	require.True(t, fiss.LastUpdated.Equal(baseTime.Add(2*time.Minute)), "last updated %s", fiss.LastUpdated)
	require.Len(t, all, 2)
	require.Equal(t, claim.TypeFiss, all[0].ClaimType)
	require.Equal(t, claim.TypeMcs, all[1].ClaimType)
	require.EqualValues(t, 2, all[1].LastSequence)

	// never moves backwards
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		return tx.SetProgress(claim.TypeFiss, 1, baseTime)
	}))
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		var err error
		fiss, err = tx.GetProgress(claim.TypeFiss)
		return err
	}))
	require.EqualValues(t, 9, fiss.LastSequence)
}

func sampleClaim(id string, seq uint64, lines int) *claim.Claim {
	c := &claim.Claim{
		Type:        claim.TypeFiss,
		ID:          id,
		Sequence:    seq,
		APISource:   "v1.2",
		MbiHash:     "hash-" + id,
		Status:      "M",
		LastUpdated: baseTime,
		Attributes:  map[string]any{"currLoc1": "A", "totalChargeAmount": "10.50"},
	}
	for i := 0; i < lines; i++ {
		c.Lines = append(c.Lines, claim.Line{
			Number:     i,
			Attributes: map[string]any{"procCode": fmt.Sprintf("P%d", i)},
		})
	}
	return c
}

func testClaims(t *testing.T, ms MakeStore) {
	ctx, s := open(t, ms)

	first := sampleClaim("dcn-1", 10, 2)
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error { return tx.UpsertClaim(first) }))
	// applying the same claim again leaves one row
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error { return tx.UpsertClaim(first) }))

	var got *claim.Claim
	var count int
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		var err error
		if got, err = tx.GetClaim(claim.TypeFiss, "dcn-1"); err != nil {
			return err
		}
		count, err = tx.CountClaims(claim.TypeFiss)
		return err
	}))
	require.Equal(t, 1, count)
	require.True(t, got.LastUpdated.Equal(first.LastUpdated))
	got.LastUpdated = first.LastUpdated
	if diff := deep.Equal(first, got); diff != nil {
		t.Fatalf("claim differs: %s", diff)
	}

	second := sampleClaim("dcn-1", 12, 1)
	second.Status = "S"
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error { return tx.UpsertClaim(second) }))
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		var err error
		got, err = tx.GetClaim(claim.TypeFiss, "dcn-1")
		return err
	}))
	require.EqualValues(t, 12, got.Sequence)
	require.Equal(t, "S", got.Status)
	require.Len(t, got.Lines, 1)

	err := s.Transact(ctx, func(tx store.Tx) error {
		_, err := tx.GetClaim(claim.TypeMcs, "dcn-1")
		return err
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testMetaData(t *testing.T, ms MakeStore) {
	ctx, s := open(t, ms)
	received := civil.Date{Year: 2024, Month: time.April, Day: 30}
	m := &claim.MetaData{
		ClaimType:    claim.TypeMcs,
		Sequence:     7,
		ClaimID:      "icn-7",
		MbiHash:      "h",
		ClaimState:   "A",
		ReceivedDate: &received,
		LastUpdated:  baseTime,
	}
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error { return tx.UpsertMetaData(m) }))
	m.ClaimState = "B"
	m.ReceivedDate = nil
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error { return tx.UpsertMetaData(m) }))
}

func testErrors(t *testing.T, ms MakeStore) {
	ctx, s := open(t, ms)

	var ids []int64
	for i := 0; i < 3; i++ {
		rec := &claim.ErrorRecord{
			ClaimType: claim.TypeFiss,
			Sequence:  uint64(100 + i),
			ClaimID:   fmt.Sprintf("bad-%d", i),
			APISource: "v1",
			Status:    claim.ErrorUnresolved,
			Payload:   `{"dcn":""}`,
			Errors:    []claim.FieldError{{Field: "dcn", Message: "is required"}},
			CreatedAt: baseTime,
			UpdatedAt: baseTime,
		}
		require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
			id, err := tx.InsertError(rec)
			ids = append(ids, id)
			return err
		}))
	}
	require.Len(t, ids, 3)

	count := func(ct claim.Type, status claim.ErrorStatus) int {
		var n int
		require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
			var err error
			n, err = tx.CountErrors(ct, status)
			return err
		}))
		return n
	}
	require.Equal(t, 3, count(claim.TypeFiss, claim.ErrorUnresolved))
	require.Equal(t, 0, count(claim.TypeMcs, claim.ErrorUnresolved))

	var listed []claim.ErrorRecord
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		var err error
		listed, err = tx.ListErrors(claim.TypeFiss, claim.ErrorUnresolved)
		return err
	}))
	require.Len(t, listed, 3)
	require.Equal(t, ids[0], listed[0].ID)
	require.Equal(t, "bad-0", listed[0].ClaimID)
	require.EqualValues(t, 100, listed[0].Sequence)
	require.Equal(t, []claim.FieldError{{Field: "dcn", Message: "is required"}}, listed[0].Errors)
	require.JSONEq(t, `{"dcn":""}`, listed[0].Payload)

	resolvedAt := baseTime.Add(time.Hour)
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		return tx.SetErrorStatus(ids[1], claim.ErrorResolved, resolvedAt)
	}))
	require.Equal(t, 2, count(claim.TypeFiss, claim.ErrorUnresolved))
	require.Equal(t, 1, count(claim.TypeFiss, claim.ErrorResolved))

	err := s.Transact(ctx, func(tx store.Tx) error {
		return tx.SetErrorStatus(ids[2]+1000, claim.ErrorResolved, resolvedAt)
	})
	require.ErrorIs(t, err, store.ErrNotFound)

	var purged int
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		var err error
		purged, err = tx.PurgeErrors(claim.TypeFiss, claim.ErrorResolved, resolvedAt)
		return err
	}))
	require.Equal(t, 0, purged, "record updated at the cutoff is kept")
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		var err error
		purged, err = tx.PurgeErrors(claim.TypeFiss, claim.ErrorResolved, resolvedAt.Add(time.Second))
		return err
	}))
	require.Equal(t, 1, purged)
	require.Equal(t, 2, count(claim.TypeFiss, claim.ErrorUnresolved))
}

func testIdentifiers(t *testing.T, ms MakeStore) {
	ctx, s := open(t, ms)

	err := s.Transact(ctx, func(tx store.Tx) error {
		_, err := tx.GetIdentifier("1S00E00AA00")
		return err
	})
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		return tx.InsertIdentifier(&claim.Identifier{Raw: "1S00E00AA00", Hash: "first"})
	}))

	var got *claim.Identifier
	err = s.Transact(ctx, func(tx store.Tx) error {
		err := tx.InsertIdentifier(&claim.Identifier{Raw: "1S00E00AA00", Hash: "second"})
		require.ErrorIs(t, err, store.ErrAlreadyExists)
		// the transaction stays usable after a conflicting insert
		got, err = tx.GetIdentifier("1S00E00AA00")
		return err
	})
	require.NoError(t, err)
	require.Equal(t, "first", got.Hash)
}

func testIdentifiersConcurrent(t *testing.T, ms MakeStore) {
	ctx, s := open(t, ms)
	const workers = 8

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		hashes   = map[string]struct{}{}
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			var hash string
			err := s.Transact(ctx, func(tx store.Tx) error {
				err := tx.InsertIdentifier(&claim.Identifier{Raw: "shared", Hash: fmt.Sprintf("h%d", i)})
				switch {
				case err == nil:
					hash = fmt.Sprintf("h%d", i)
					return nil
				case errors.Is(err, store.ErrAlreadyExists):
					existing, err := tx.GetIdentifier("shared")
					if err != nil {
						return err
					}
					hash = existing.Hash
					return nil
				default:
					return err
				}
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.Errorf("worker %d: %s", i, err)
				return
			}
			if hash == fmt.Sprintf("h%d", i) {
				inserted++
			}
			hashes[hash] = struct{}{}
		}(i)
	}
	close(start)
	wg.Wait()
	require.Equal(t, 1, inserted)
	require.Len(t, hashes, 1)
}

func testRollback(t *testing.T, ms MakeStore) {
	ctx, s := open(t, ms)

	err := s.Transact(ctx, func(tx store.Tx) error {
		if err := tx.UpsertClaim(sampleClaim("rolled-back", 1, 1)); err != nil {
			return err
		}
		if err := tx.SetProgress(claim.TypeFiss, 1, baseTime); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		n, err := tx.CountClaims(claim.TypeFiss)
		if err != nil {
			return err
		}
		require.Equal(t, 0, n)
		_, err = tx.GetProgress(claim.TypeFiss)
		require.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func testReadOnly(t *testing.T, ms MakeStore) {
	ctx, s := open(t, ms)
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		return tx.SetProgress(claim.TypeFiss, 1, baseTime)
	}))

	err := s.Transact(ctx, func(tx store.Tx) error {
		p, err := tx.GetProgress(claim.TypeFiss)
		if err != nil {
			return err
		}
		require.Equal(t, uint64(1), p.LastSequence)
		return tx.SetProgress(claim.TypeFiss, 2, baseTime)
	}, store.ReadOnly())
	require.Error(t, err, "write inside a read-only transaction")

	// write access is back once the read-only transaction ends
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		return tx.SetProgress(claim.TypeFiss, 3, baseTime)
	}))
	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		p, err := tx.GetProgress(claim.TypeFiss)
		if err != nil {
			return err
		}
		require.Equal(t, uint64(3), p.LastSequence)
		return nil
	}, store.ReadOnly()))
}
