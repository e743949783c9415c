package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/pipeline"
	"github.com/treeverse/claimload/pkg/sink"
	"github.com/treeverse/claimload/pkg/source/random"
	"github.com/treeverse/claimload/pkg/store"
)

func TestNewWriterPoolInvalidConfig(t *testing.T) {
	e := newEnv(t, 10)
	_, err := pipeline.NewWriterPool(context.Background(), pipeline.PoolConfig{Writers: 0, BatchSize: 1}, e.deps.Factory(claim.TypeFiss))
	require.ErrorIs(t, err, pipeline.ErrInvalidConfig)
	_, err = pipeline.NewWriterPool(context.Background(), pipeline.PoolConfig{Writers: 1, BatchSize: 0}, e.deps.Factory(claim.TypeFiss))
	require.ErrorIs(t, err, pipeline.ErrInvalidConfig)
}

func TestPoolRoutesUpdatesToOneWriter(t *testing.T) {
	e := newEnv(t, 10)
	sinkMetrics := sink.NewMetrics(prometheus.NewRegistry())
	e.deps.SinkMetrics = sinkMetrics
	ctx := context.Background()
	pool, err := pipeline.NewWriterPool(ctx, pipeline.PoolConfig{
		Writers:   4,
		BatchSize: 5,
		Clock:     e.clock,
		Logger:    logging.Dummy(),
	}, e.deps.Factory(claim.TypeFiss))
	require.NoError(t, err)

	const total = 30
	last := make(map[string]uint64)
	for seq := uint64(1); seq <= total; seq++ {
		ev := random.Generate(7, claim.TypeFiss, seq, 3)
		last[ev.ClaimID] = seq
		require.NoError(t, pool.Add(ctx, "v1", ev))
	}
	processed, err := pool.Close(ctx)
	require.NoError(t, err)
	require.Positive(t, processed)

	claims, unresolved := e.counts(t, claim.TypeFiss)
	require.Equal(t, len(last), claims)
	require.Zero(t, unresolved)
	require.Equal(t, uint64(total), e.checkpoint(t, claim.TypeFiss))
	// replacing a buffered claim keeps the batch in sequence order
	require.Zero(t, testutil.ToFloat64(sinkMetrics.OutOfOrderBatches.WithLabelValues(claim.TypeFiss.String())))

	// every claim holds its latest change
	e.view(t, func(tx store.Tx) error {
		for id, seq := range last {
			c, err := tx.GetClaim(claim.TypeFiss, id)
			if err != nil {
				return err
			}
			if c.Sequence != seq {
				return errors.New("claim " + id + " is not at its latest change")
			}
		}
		return nil
	})
}

func TestPoolIdleFlush(t *testing.T) {
	e := newEnv(t, 10)
	ctx := context.Background()
	pool, err := pipeline.NewWriterPool(ctx, pipeline.PoolConfig{
		Writers:       1,
		BatchSize:     100,
		FlushInterval: time.Second,
		Clock:         e.clock,
		Logger:        logging.Dummy(),
	}, e.deps.Factory(claim.TypeFiss))
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = pool.Close(ctx) })

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, pool.Add(ctx, "v1", random.Generate(1, claim.TypeFiss, seq, 0)))
	}
	require.Eventually(t, func() bool {
		e.clock.Advance(time.Second)
		return pool.Processed() == 3
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(3), e.checkpoint(t, claim.TypeFiss))
}

func TestPoolWriterFailureStopsAdd(t *testing.T) {
	e := newEnv(t, 10)
	ctx := context.Background()
	pool, err := pipeline.NewWriterPool(ctx, pipeline.PoolConfig{
		Writers:   1,
		BatchSize: 1,
		Clock:     e.clock,
		Logger:    logging.Dummy(),
	}, e.deps.Factory(claim.TypeFiss))
	require.NoError(t, err)

	del := random.Generate(1, claim.TypeFiss, 1, 0)
	del.ChangeType = claim.ChangeDelete
	require.NoError(t, pool.Add(ctx, "v1", del))

	require.Eventually(t, func() bool {
		return pool.Add(ctx, "v1", random.Generate(1, claim.TypeFiss, 2, 0)) != nil
	}, 10*time.Second, 10*time.Millisecond)

	_, err = pool.Close(ctx)
	require.ErrorIs(t, err, sink.ErrDeleteNotSupported)
	require.True(t, sink.IsFatal(err))
	claims, _ := e.counts(t, claim.TypeFiss)
	require.Zero(t, claims)

	require.ErrorIs(t, pool.Add(ctx, "v1", random.Generate(1, claim.TypeFiss, 3, 0)), pipeline.ErrPoolClosed)
}
