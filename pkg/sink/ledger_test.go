package sink_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/sink"
	"github.com/treeverse/claimload/pkg/store"
)

func TestLedgerPurgeResolved(t *testing.T) {
	f := newFixture(t, sink.Options{ErrorLimit: 10})
	ctx := context.Background()
	ledger := f.sink.Ledger()

	fe := []claim.FieldError{{Field: "dcn", Message: "is required"}}
	first, err := ledger.Record(ctx, "v1", malformed(1), fe)
	require.NoError(t, err)
	_, err = ledger.Record(ctx, "v1", malformed(2), fe)
	require.NoError(t, err)

	n, err := ledger.CountUnresolved(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, f.store.Transact(ctx, func(tx store.Tx) error {
		return tx.SetErrorStatus(first, claim.ErrorResolved, f.clock.Now())
	}))
	n, err = ledger.CountUnresolved(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	purged, err := ledger.PurgeResolved(ctx, 48*time.Hour)
	require.NoError(t, err)
	require.Zero(t, purged, "resolved record is too recent")

	f.clock.Advance(72 * time.Hour)
	purged, err = ledger.PurgeResolved(ctx, 48*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	n, err = ledger.CountUnresolved(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "unresolved records are never purged")
}
