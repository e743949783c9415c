package sink_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/idcache"
	"github.com/treeverse/claimload/pkg/idhash"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/sink"
	sourceparams "github.com/treeverse/claimload/pkg/source/params"
	"github.com/treeverse/claimload/pkg/source/random"
	"github.com/treeverse/claimload/pkg/store"
	"github.com/treeverse/claimload/pkg/store/params"
	"github.com/treeverse/claimload/pkg/store/sqlite"
	"github.com/treeverse/claimload/pkg/transform"
)

var now = random.Epoch.Add(24 * time.Hour)

type fixture struct {
	store   store.Store
	sink    *sink.Sink
	metrics *sink.Metrics
	clock   *testclock.Clock
}

func newFixture(t *testing.T, opts sink.Options) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, params.Store{
		Type:   sqlite.DriverName,
		SQLite: &params.SQLite{Path: filepath.Join(t.TempDir(), "claims.db")},
	})
	require.NoError(t, err)
	require.NoError(t, s.Setup(ctx))

	h, err := idhash.New(idhash.Config{Iterations: 1, Pepper: []byte("pepper"), CacheSize: 128})
	require.NoError(t, err)
	ids, err := idcache.NewPersisted(s, h, idcache.Options{Logger: logging.Dummy()})
	require.NoError(t, err)

	clk := testclock.NewClock(now)
	if opts.ClaimType == "" {
		opts.ClaimType = claim.TypeFiss
	}
	if opts.Transformer == nil {
		opts.Transformer, err = transform.ForClaimType(opts.ClaimType, transform.Options{Identifiers: ids, Clock: clk})
		require.NoError(t, err)
	}
	opts.Metrics = sink.NewMetrics(prometheus.NewRegistry())
	opts.Clock = clk
	opts.Logger = logging.Dummy()
	sk, err := sink.New(s, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sk.Close() })
	return &fixture{store: s, sink: sk, metrics: opts.Metrics, clock: clk}
}

func (f *fixture) counts(t *testing.T, ct claim.Type) (claims, unresolved int) {
	t.Helper()
	err := f.store.Transact(context.Background(), func(tx store.Tx) error {
		var err error
		if claims, err = tx.CountClaims(ct); err != nil {
			return err
		}
		unresolved, err = tx.CountErrors(ct, claim.ErrorUnresolved)
		return err
	})
	require.NoError(t, err)
	return claims, unresolved
}

func (f *fixture) checkpoint(t *testing.T) (uint64, bool) {
	t.Helper()
	seq, ok, err := f.sink.ReadMaxExistingSequenceNumber(context.Background())
	require.NoError(t, err)
	return seq, ok
}

func generate(seed int64, ct claim.Type, seqs ...uint64) []*claim.ChangeEvent {
	events := make([]*claim.ChangeEvent, 0, len(seqs))
	for _, seq := range seqs {
		events = append(events, random.Generate(seed, ct, seq, 0))
	}
	return events
}

func malformed(seq uint64) *claim.ChangeEvent {
	return &claim.ChangeEvent{
		Sequence:   seq,
		ClaimID:    "bad",
		ChangeType: claim.ChangeInsert,
		Timestamp:  now,
		Claim:      json.RawMessage(`{"dcn":"","currStatus":"A","currLoc1":"M"}`),
	}
}

func counter(v *prometheus.CounterVec, ct claim.Type) float64 {
	return testutil.ToFloat64(v.WithLabelValues(ct.String()))
}

func TestSyntheticBatch(t *testing.T) {
	f := newFixture(t, sink.Options{AutoUpdateLastSeq: true, ErrorLimit: 10})
	ctx := context.Background()

	_, ok := f.checkpoint(t)
	require.False(t, ok)

	src, err := random.NewSource(sourceparams.Random{Seed: 42, MaxToSend: 10}, "")
	require.NoError(t, err)
	stream, err := src.Open(ctx, claim.TypeFiss, 0)
	require.NoError(t, err)
	var events []*claim.ChangeEvent
	for stream.HasNext(ctx) {
		ev, err := stream.Next(ctx)
		require.NoError(t, err)
		events = append(events, ev)
	}
	require.Len(t, events, 10)

	n, err := f.sink.WriteMessages(ctx, "v1", events)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	claims, unresolved := f.counts(t, claim.TypeFiss)
	require.Equal(t, 10, claims)
	require.Zero(t, unresolved)
	seq, ok := f.checkpoint(t)
	require.True(t, ok)
	require.Equal(t, events[9].Sequence, seq)

	require.Equal(t, 1.0, counter(f.metrics.Calls, claim.TypeFiss))
	require.Equal(t, 1.0, counter(f.metrics.Successes, claim.TypeFiss))
	require.Equal(t, 10.0, counter(f.metrics.ObjectsMerged, claim.TypeFiss))
	require.Equal(t, 10.0, counter(f.metrics.TransformSuccesses, claim.TypeFiss))
	require.Equal(t, 10.0, testutil.ToFloat64(f.metrics.LatestSequence.WithLabelValues("fiss")))
	require.Greater(t, testutil.ToFloat64(f.metrics.LastChangeLatency.WithLabelValues("fiss")), 0.0)
}

func TestDeleteFailsAtomically(t *testing.T) {
	f := newFixture(t, sink.Options{AutoUpdateLastSeq: true})
	ctx := context.Background()

	events := generate(1, claim.TypeFiss, 1, 2, 3)
	events[1].ChangeType = claim.ChangeDelete
	n, err := f.sink.WriteMessages(ctx, "v1", events)
	require.Zero(t, n)

	var pe *sink.ProcessingError
	require.ErrorAs(t, err, &pe)
	require.Zero(t, pe.ProcessedCount)
	require.ErrorIs(t, err, sink.ErrDeleteNotSupported)
	require.True(t, sink.IsFatal(err))

	claims, _ := f.counts(t, claim.TypeFiss)
	require.Zero(t, claims)
	_, ok := f.checkpoint(t)
	require.False(t, ok)
	require.Equal(t, 1.0, counter(f.metrics.Failures, claim.TypeFiss))
}

func TestErrorLimitExceeded(t *testing.T) {
	f := newFixture(t, sink.Options{AutoUpdateLastSeq: true, ErrorLimit: 2})
	ctx := context.Background()

	for seq := uint64(1); seq <= 2; seq++ {
		n, err := f.sink.WriteMessages(ctx, "v1", []*claim.ChangeEvent{malformed(seq)})
		require.NoError(t, err)
		require.Zero(t, n)
	}
	require.NoError(t, f.sink.CheckErrorCount(ctx))

	_, err := f.sink.WriteMessages(ctx, "v1", []*claim.ChangeEvent{malformed(3)})
	require.ErrorIs(t, err, sink.ErrErrorLimitExceeded)
	require.True(t, sink.IsFatal(err))
	require.ErrorIs(t, f.sink.CheckErrorCount(ctx), sink.ErrErrorLimitExceeded)

	_, unresolved := f.counts(t, claim.TypeFiss)
	require.Equal(t, 3, unresolved)
	require.Equal(t, 3.0, counter(f.metrics.TransformFailures, claim.TypeFiss))
}

func TestErrorIsolation(t *testing.T) {
	f := newFixture(t, sink.Options{AutoUpdateLastSeq: true, ErrorLimit: 5})
	ctx := context.Background()

	events := generate(3, claim.TypeFiss, 4, 5)
	events = append(events, malformed(6))
	n, err := f.sink.WriteMessages(ctx, "v1", events)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	claims, unresolved := f.counts(t, claim.TypeFiss)
	require.Equal(t, 2, claims)
	require.Equal(t, 1, unresolved)
	seq, _ := f.checkpoint(t)
	require.Equal(t, uint64(5), seq, "checkpoint is the max of merged claims only")

	var recs []claim.ErrorRecord
	require.NoError(t, f.store.Transact(ctx, func(tx store.Tx) error {
		var err error
		recs, err = tx.ListErrors(claim.TypeFiss, claim.ErrorUnresolved)
		return err
	}))
	require.Len(t, recs, 1)
	require.Equal(t, uint64(6), recs[0].Sequence)
	require.Equal(t, "v1", recs[0].APISource)
	require.Equal(t, "dcn", recs[0].Errors[0].Field)

	var stored claim.ChangeEvent
	require.NoError(t, json.Unmarshal([]byte(recs[0].Payload), &stored))
	require.Equal(t, uint64(6), stored.Sequence)
}

func TestIdempotentMerge(t *testing.T) {
	f := newFixture(t, sink.Options{ClaimType: claim.TypeMcs, AutoUpdateLastSeq: true})
	ctx := context.Background()

	events := generate(9, claim.TypeMcs, 1, 2, 3)
	get := func() *claim.Claim {
		var c *claim.Claim
		require.NoError(t, f.store.Transact(ctx, func(tx store.Tx) error {
			var err error
			c, err = tx.GetClaim(claim.TypeMcs, events[1].ClaimID)
			return err
		}))
		return c
	}

	_, err := f.sink.WriteMessages(ctx, "v1", events)
	require.NoError(t, err)
	first := get()
	_, err = f.sink.WriteMessages(ctx, "v1", events)
	require.NoError(t, err)

	claims, _ := f.counts(t, claim.TypeMcs)
	require.Equal(t, 3, claims)
	require.Equal(t, first, get())
}

func TestMonotonicCheckpoint(t *testing.T) {
	f := newFixture(t, sink.Options{AutoUpdateLastSeq: true})
	ctx := context.Background()

	_, err := f.sink.WriteMessages(ctx, "v1", generate(1, claim.TypeFiss, 8, 9))
	require.NoError(t, err)
	_, err = f.sink.WriteMessages(ctx, "v1", generate(1, claim.TypeFiss, 3))
	require.NoError(t, err)
	seq, _ := f.checkpoint(t)
	require.Equal(t, uint64(9), seq)
}

func TestOutOfOrderBatch(t *testing.T) {
	f := newFixture(t, sink.Options{AutoUpdateLastSeq: true})
	ctx := context.Background()

	_, err := f.sink.WriteMessages(ctx, "v1", generate(1, claim.TypeFiss, 5, 7, 6))
	require.NoError(t, err)
	seq, _ := f.checkpoint(t)
	require.Equal(t, uint64(7), seq)
	require.Equal(t, 1.0, counter(f.metrics.OutOfOrderBatches, claim.TypeFiss))
}

func TestCoordinatedCheckpoint(t *testing.T) {
	f := newFixture(t, sink.Options{})
	ctx := context.Background()

	_, err := f.sink.WriteMessages(ctx, "v1", generate(1, claim.TypeFiss, 1, 2))
	require.NoError(t, err)
	_, ok := f.checkpoint(t)
	require.False(t, ok, "writers of a shared claim type leave the checkpoint alone")

	require.NoError(t, f.sink.UpdateLastSequenceNumber(ctx, 2))
	seq, ok := f.checkpoint(t)
	require.True(t, ok)
	require.Equal(t, uint64(2), seq)
}

func TestTaggerFailureAbortsBatch(t *testing.T) {
	errTag := errors.New("tagging failed")
	tagged := 0
	f := newFixture(t, sink.Options{
		AutoUpdateLastSeq: true,
		Tagger: transform.TaggerFunc(func(_ store.Tx, c *claim.Claim) error {
			tagged++
			if tagged == 2 {
				return errTag
			}
			return nil
		}),
	})
	_, err := f.sink.WriteMessages(context.Background(), "v1", generate(1, claim.TypeFiss, 1, 2, 3))
	require.ErrorIs(t, err, errTag)
	require.False(t, sink.IsFatal(err))
	claims, _ := f.counts(t, claim.TypeFiss)
	require.Zero(t, claims)
}

func TestEmptyBatch(t *testing.T) {
	f := newFixture(t, sink.Options{AutoUpdateLastSeq: true})
	n, err := f.sink.WriteClaims(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
	seq, ok := f.checkpoint(t)
	require.Zero(t, seq)
	require.False(t, ok, "an empty batch must not create a checkpoint")
}

func TestSequenceOverflowIsFatal(t *testing.T) {
	f := newFixture(t, sink.Options{AutoUpdateLastSeq: true})
	ev := generate(1, claim.TypeFiss, 1)[0]
	ev.Sequence = math.MaxInt64 + 10
	n, err := f.sink.WriteMessages(context.Background(), "v1", []*claim.ChangeEvent{ev})
	require.Zero(t, n)
	require.ErrorIs(t, err, store.ErrSequenceOverflow)
	require.True(t, sink.IsFatal(err), "retrying a batch that cannot be stored never succeeds")
	claims, _ := f.counts(t, claim.TypeFiss)
	require.Zero(t, claims)
}

func TestClose(t *testing.T) {
	f := newFixture(t, sink.Options{AutoUpdateLastSeq: true})
	ctx := context.Background()
	_, err := f.sink.WriteMessages(ctx, "v1", generate(1, claim.TypeFiss, 1))
	require.NoError(t, err)

	require.NoError(t, f.sink.Close())
	require.Zero(t, testutil.ToFloat64(f.metrics.LastChangeLatency.WithLabelValues("fiss")))
	require.Zero(t, testutil.ToFloat64(f.metrics.LastExtractLatency.WithLabelValues("fiss")))

	_, err = f.sink.WriteMessages(ctx, "v1", generate(1, claim.TypeFiss, 2))
	require.ErrorIs(t, err, sink.ErrSinkClosed)
	require.NoError(t, f.sink.Close())
}

// blockingTransformer holds a batch in flight until released.
type blockingTransformer struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTransformer) Transform(context.Context, string, *claim.ChangeEvent) (*claim.Change, error) {
	close(b.entered)
	<-b.release
	return nil, &transform.Error{Errors: []claim.FieldError{{Field: "claim", Message: "rejected"}}}
}

func TestCloseTimesOut(t *testing.T) {
	bt := &blockingTransformer{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, sink.Options{Transformer: bt, ShutdownTimeout: time.Minute, ErrorLimit: 5})
	ctx := context.Background()

	writeDone := make(chan error, 1)
	go func() {
		_, err := f.sink.WriteMessages(ctx, "v1", []*claim.ChangeEvent{malformed(1)})
		writeDone <- err
	}()
	<-bt.entered

	closeDone := make(chan error, 1)
	go func() { closeDone <- f.sink.Close() }()
	require.NoError(t, f.clock.WaitAdvance(time.Minute, 10*time.Second, 1))
	require.ErrorIs(t, <-closeDone, sink.ErrShutdownTimeout)

	close(bt.release)
	require.Error(t, <-writeDone)
}
