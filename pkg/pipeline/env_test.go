package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/idhash"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/pipeline"
	"github.com/treeverse/claimload/pkg/source/random"
	"github.com/treeverse/claimload/pkg/store"
	"github.com/treeverse/claimload/pkg/store/params"
	"github.com/treeverse/claimload/pkg/store/sqlite"
)

var now = random.Epoch.Add(24 * time.Hour)

type env struct {
	path  string
	deps  pipeline.SinkDeps
	clock *testclock.Clock
}

func newEnv(t *testing.T, errorLimit int) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{
		path:  filepath.Join(t.TempDir(), "claims.db"),
		clock: testclock.NewClock(now),
	}
	s, err := e.open(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Setup(ctx))
	require.NoError(t, s.Close())

	h, err := idhash.New(idhash.Config{Iterations: 1, Pepper: []byte("pepper"), CacheSize: 128})
	require.NoError(t, err)
	e.deps = pipeline.SinkDeps{
		OpenStore:          e.open,
		Hasher:             h,
		PersistIdentifiers: true,
		ErrorLimit:         errorLimit,
		Clock:              e.clock,
		Logger:             logging.Dummy(),
	}
	return e
}

func (e *env) open(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, params.Store{
		Type:   sqlite.DriverName,
		SQLite: &params.SQLite{Path: e.path, BusyTimeout: 10 * time.Second},
	})
}

func (e *env) view(t *testing.T, fn func(tx store.Tx) error) {
	t.Helper()
	ctx := context.Background()
	s, err := e.open(ctx)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Transact(ctx, fn))
}

func (e *env) counts(t *testing.T, ct claim.Type) (claims, unresolved int) {
	t.Helper()
	e.view(t, func(tx store.Tx) error {
		var err error
		if claims, err = tx.CountClaims(ct); err != nil {
			return err
		}
		unresolved, err = tx.CountErrors(ct, claim.ErrorUnresolved)
		return err
	})
	return claims, unresolved
}

func (e *env) checkpoint(t *testing.T, ct claim.Type) uint64 {
	t.Helper()
	var seq uint64
	e.view(t, func(tx store.Tx) error {
		p, err := tx.GetProgress(ct)
		if err != nil {
			return err
		}
		seq = p.LastSequence
		return nil
	})
	return seq
}

func malformed(seq uint64) *claim.ChangeEvent {
	return &claim.ChangeEvent{
		Sequence:   seq,
		ClaimID:    fmt.Sprintf("bad-%d", seq),
		ChangeType: claim.ChangeInsert,
		Timestamp:  now,
		Claim:      json.RawMessage(`{"dcn":"","currStatus":"A","currLoc1":"M"}`),
	}
}
