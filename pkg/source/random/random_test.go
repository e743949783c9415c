package random_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/idcache"
	"github.com/treeverse/claimload/pkg/idhash"
	"github.com/treeverse/claimload/pkg/source"
	"github.com/treeverse/claimload/pkg/source/params"
	"github.com/treeverse/claimload/pkg/source/random"
	"github.com/treeverse/claimload/pkg/transform"
)

func readAll(t *testing.T, src source.Source, ct claim.Type, since uint64) []*claim.ChangeEvent {
	t.Helper()
	ctx := context.Background()
	s, err := src.Open(ctx, ct, since)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()
	var res []*claim.ChangeEvent
	for s.HasNext(ctx) {
		ev, err := s.Next(ctx)
		require.NoError(t, err)
		res = append(res, ev)
	}
	return res
}

func encoded(t *testing.T, events []*claim.ChangeEvent) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, claim.WriteEvents(&buf, events...))
	return buf.Bytes()
}

func TestDeterministic(t *testing.T) {
	p := params.Random{Seed: 42, MaxToSend: 10}
	a, err := random.NewSource(p, "")
	require.NoError(t, err)
	b, err := random.NewSource(p, "")
	require.NoError(t, err)

	for _, ct := range claim.Types {
		first := readAll(t, a, ct, 0)
		require.Len(t, first, 10)
		require.Equal(t, encoded(t, first), encoded(t, readAll(t, b, ct, 0)))

		ids := map[string]struct{}{}
		for i, ev := range first {
			require.Equal(t, uint64(i+1), ev.Sequence)
			ids[ev.ClaimID] = struct{}{}
		}
		require.Len(t, ids, 10, "claim ids are distinct without a bound")
	}

	other, err := random.NewSource(params.Random{Seed: 43, MaxToSend: 10}, "")
	require.NoError(t, err)
	require.NotEqual(t, encoded(t, readAll(t, a, claim.TypeFiss, 0)), encoded(t, readAll(t, other, claim.TypeFiss, 0)))
}

func TestResume(t *testing.T) {
	src, err := random.NewSource(params.Random{Seed: 7, MaxToSend: 20, MaxClaimIDs: 5}, "v9")
	require.NoError(t, err)
	all := readAll(t, src, claim.TypeMcs, 0)
	tail := readAll(t, src, claim.TypeMcs, 15)
	require.Equal(t, encoded(t, all[14:]), encoded(t, tail))
	require.Empty(t, readAll(t, src, claim.TypeMcs, 21))

	v, err := src.Version(context.Background())
	require.NoError(t, err)
	require.Equal(t, "v9", v)
}

func TestBoundedClaimIDs(t *testing.T) {
	src, err := random.NewSource(params.Random{Seed: 1, MaxToSend: 50, MaxClaimIDs: 3}, "")
	require.NoError(t, err)
	ids := map[string]struct{}{}
	for _, ev := range readAll(t, src, claim.TypeFiss, 0) {
		ids[ev.ClaimID] = struct{}{}
	}
	require.LessOrEqual(t, len(ids), 3)
}

// Generated payloads must always pass transformation.
func TestGeneratedClaimsTransform(t *testing.T) {
	h, err := idhash.New(idhash.Config{Iterations: 1, Pepper: []byte("p"), CacheSize: 64})
	require.NoError(t, err)
	ids, err := idcache.NewComputed(h, idcache.Options{})
	require.NoError(t, err)
	opts := transform.Options{Identifiers: ids, Clock: testclock.NewClock(random.Epoch)}

	src, err := random.NewSource(params.Random{Seed: 99, MaxToSend: 200, MaxClaimIDs: 40}, "")
	require.NoError(t, err)
	for _, ct := range claim.Types {
		tr, err := transform.ForClaimType(ct, opts)
		require.NoError(t, err)
		for _, ev := range readAll(t, src, ct, 0) {
			change, err := tr.Transform(context.Background(), "v", ev)
			require.NoError(t, err, "seq %d", ev.Sequence)
			require.Equal(t, ev.ClaimID, change.Claim.ID)
		}
	}
}

func TestInvalidParams(t *testing.T) {
	_, err := random.NewSource(params.Random{Seed: 1}, "")
	require.ErrorIs(t, err, random.ErrInvalidMaxToSend)
}
