package idcache_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/treeverse/claimload/pkg/idcache"
	"github.com/treeverse/claimload/pkg/idhash"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/store"
	"github.com/treeverse/claimload/pkg/store/params"
	"github.com/treeverse/claimload/pkg/store/sqlite"
)

const mbi = "1S00E00AA00"

var errFlaky = errors.New("flaky store")

func newHasher(t *testing.T, pepper string) *idhash.Hasher {
	t.Helper()
	h, err := idhash.New(idhash.Config{Iterations: 10, Pepper: []byte(pepper), CacheSize: 16})
	require.NoError(t, err)
	return h
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, params.Store{
		Type:   sqlite.DriverName,
		SQLite: &params.SQLite{Path: filepath.Join(t.TempDir(), "ids.db")},
	})
	require.NoError(t, err)
	require.NoError(t, s.Setup(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// flakyStore fails the first failures transactions.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) Transact(ctx context.Context, fn func(tx store.Tx) error, opts ...store.TxOpt) error {
	f.mu.Lock()
	if f.failures != 0 {
		f.failures--
		f.mu.Unlock()
		return errFlaky
	}
	f.mu.Unlock()
	return f.Store.Transact(ctx, fn, opts...)
}

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func fixedJitter(v int) func(int) int {
	return func(int) int { return v }
}

func TestRetryDelay(t *testing.T) {
	require.Equal(t, 50*time.Millisecond, idcache.RetryDelay(1, 0))
	require.Equal(t, 198*time.Millisecond, idcache.RetryDelay(2, 49))
	require.Equal(t, 5*75*time.Millisecond, idcache.RetryDelay(5, 25))
}

func TestComputed(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := idcache.NewMetrics(reg)
	h := newHasher(t, "pepper")
	c, err := idcache.NewComputed(h, idcache.Options{Metrics: metrics, Logger: logging.Dummy()})
	require.NoError(t, err)

	ctx := context.Background()
	first := c.Lookup(ctx, mbi)
	second := c.Lookup(ctx, mbi)
	require.Equal(t, h.Hash(mbi), first.Hash)
	require.Equal(t, first, second)

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.LookupsCounter("computed")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.MissesCounter("computed")))
}

func TestPersistedStable(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	c1, err := idcache.NewPersisted(s, newHasher(t, "pepper"), idcache.Options{Logger: logging.Dummy()})
	require.NoError(t, err)
	stored := c1.Lookup(ctx, mbi)

	// a second process with a fresh in-memory cache, even one hashing differently, sees the stored row
	c2, err := idcache.NewPersisted(s, newHasher(t, "other"), idcache.Options{Logger: logging.Dummy()})
	require.NoError(t, err)
	require.Equal(t, stored, c2.Lookup(ctx, mbi))

	require.NoError(t, s.Transact(ctx, func(tx store.Tx) error {
		got, err := tx.GetIdentifier(mbi)
		require.NoError(t, err)
		require.Equal(t, stored.Hash, got.Hash)
		return nil
	}))
}

func TestPersistedRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: newStore(t), failures: 2}
	sleeper := &recordingSleeper{}
	h := newHasher(t, "pepper")
	c, err := idcache.NewPersisted(flaky, h, idcache.Options{
		Logger: logging.Dummy(),
		Sleep:  sleeper.Sleep,
		Jitter: fixedJitter(10),
	})
	require.NoError(t, err)

	id := c.Lookup(ctx, mbi)
	require.Equal(t, h.Hash(mbi), id.Hash)
	require.Equal(t, []time.Duration{60 * time.Millisecond, 120 * time.Millisecond}, sleeper.delays)

	require.NoError(t, flaky.Store.Transact(ctx, func(tx store.Tx) error {
		_, err := tx.GetIdentifier(mbi)
		return err
	}))
}

func TestPersistedFallsBackToComputed(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := idcache.NewMetrics(reg)
	flaky := &flakyStore{Store: newStore(t), failures: -1}
	sleeper := &recordingSleeper{}
	h := newHasher(t, "pepper")
	c, err := idcache.NewPersisted(flaky, h, idcache.Options{
		Metrics: metrics,
		Logger:  logging.Dummy(),
		Sleep:   sleeper.Sleep,
		Jitter:  fixedJitter(0),
	})
	require.NoError(t, err)

	id := c.Lookup(ctx, mbi)
	require.Equal(t, h.Hash(mbi), id.Hash)
	require.Len(t, sleeper.delays, idcache.MaxRetries)
	for i, d := range sleeper.delays {
		require.Equal(t, idcache.RetryDelay(i+1, 0), d)
	}
	require.Equal(t, float64(idcache.MaxRetries), testutil.ToFloat64(metrics.RetriesCounter("persisted")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.FallbacksCounter("persisted")))

	// the degraded value is not cached, so a recovered store is written on the next lookup
	flaky.mu.Lock()
	flaky.failures = 0
	flaky.mu.Unlock()
	require.Equal(t, id, c.Lookup(ctx, mbi))
	require.NoError(t, flaky.Store.Transact(ctx, func(tx store.Tx) error {
		_, err := tx.GetIdentifier(mbi)
		return err
	}))
}

func TestPersistedCancelledSleepDegrades(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	flaky := &flakyStore{Store: newStore(t), failures: -1}
	h := newHasher(t, "pepper")
	c, err := idcache.NewPersisted(flaky, h, idcache.Options{Logger: logging.Dummy()})
	require.NoError(t, err)
	require.Equal(t, h.Hash(mbi), c.Lookup(ctx, mbi).Hash)
}

func TestPersistedConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	const writers = 4

	results := make([]string, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		c, err := idcache.NewPersisted(s, newHasher(t, "pepper"), idcache.Options{Logger: logging.Dummy()})
		require.NoError(t, err)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Lookup(ctx, mbi).Hash
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		require.Equal(t, results[0], r)
	}
}
