// Package idcache memoizes identifier hashes, either purely in memory or backed by a durable
// table shared by every writer.
package idcache

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/treeverse/claimload/pkg/cache"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/idhash"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/store"
)

const (
	// MaxRetries bounds the persistence attempts after the first one.
	MaxRetries = 5

	retryIntervalMillis = 50

	kindComputed  = "computed"
	kindPersisted = "persisted"
)

// Cache resolves a raw identifier to its hash. Lookup never fails: when the durable path is
// unavailable it answers with the computed hash.
type Cache interface {
	Lookup(ctx context.Context, raw string) claim.Identifier
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the Sleeper used outside tests.
func ContextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryDelay is the wait before retry number retry (1-based), given jitter in [0, 50).
func RetryDelay(retry, jitter int) time.Duration {
	return time.Duration(retry*(retryIntervalMillis+jitter)) * time.Millisecond
}

type Options struct {
	Metrics *Metrics
	Logger  logging.Logger
	Sleep   Sleeper
	// Jitter returns a value in [0, n)
	Jitter func(n int) int
}

func (o *Options) defaults() {
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	if o.Sleep == nil {
		o.Sleep = ContextSleep
	}
	if o.Jitter == nil {
		o.Jitter = rand.IntN //nolint:gosec
	}
}

type base struct {
	kind    string
	hasher  *idhash.Hasher
	lru     *cache.GetSetCache
	metrics *Metrics
	logger  logging.Logger
}

func newBase(kind string, h *idhash.Hasher, opts Options) (base, error) {
	lru, err := cache.NewCacheByParams(&cache.Params{
		Name: "identifiers_" + kind,
		Size: h.Config().CacheSize,
	})
	if err != nil {
		return base{}, fmt.Errorf("identifier cache: %w", err)
	}
	return base{
		kind:    kind,
		hasher:  h,
		lru:     lru,
		metrics: opts.Metrics,
		logger:  opts.Logger.WithField("cache", kind),
	}, nil
}

func (b *base) computed(raw string) claim.Identifier {
	return claim.Identifier{Raw: raw, Hash: b.hasher.Hash(raw)}
}

func (b *base) lookup(ctx context.Context, raw string, load func() (claim.Identifier, error)) claim.Identifier {
	b.metrics.lookups.WithLabelValues(b.kind).Inc()
	v, err := b.lru.GetOrSet(raw, func() (interface{}, error) {
		b.metrics.misses.WithLabelValues(b.kind).Inc()
		return load()
	})
	if err != nil {
		b.metrics.fallbacks.WithLabelValues(b.kind).Inc()
		b.logger.WithContext(ctx).WithError(err).Warn("identifier cache degraded, using computed hash")
		return b.computed(raw)
	}
	return v.(claim.Identifier)
}

// Computed hashes identifiers in process only.
type Computed struct {
	base
}

func NewComputed(h *idhash.Hasher, opts Options) (*Computed, error) {
	opts.defaults()
	b, err := newBase(kindComputed, h, opts)
	if err != nil {
		return nil, err
	}
	return &Computed{base: b}, nil
}

func (c *Computed) Lookup(ctx context.Context, raw string) claim.Identifier {
	return c.lookup(ctx, raw, func() (claim.Identifier, error) {
		return c.computed(raw), nil
	})
}

// Persisted keeps the first hash recorded for each identifier in the store, so every process
// resolves an identifier to the same row.
type Persisted struct {
	base
	store  store.Store
	sleep  Sleeper
	jitter func(n int) int
}

func NewPersisted(s store.Store, h *idhash.Hasher, opts Options) (*Persisted, error) {
	opts.defaults()
	b, err := newBase(kindPersisted, h, opts)
	if err != nil {
		return nil, err
	}
	return &Persisted{base: b, store: s, sleep: opts.Sleep, jitter: opts.Jitter}, nil
}

func (c *Persisted) Lookup(ctx context.Context, raw string) claim.Identifier {
	return c.lookup(ctx, raw, func() (claim.Identifier, error) {
		return c.load(ctx, raw)
	})
}

var errRetriesExhausted = errors.New("identifier persistence retries exhausted")

func (c *Persisted) load(ctx context.Context, raw string) (claim.Identifier, error) {
	var lastErr error
	for retry := 0; retry <= MaxRetries; retry++ {
		if retry > 0 {
			c.metrics.retries.WithLabelValues(c.kind).Inc()
			delay := RetryDelay(retry, c.jitter(retryIntervalMillis))
			c.logger.WithContext(ctx).
				WithError(lastErr).
				WithFields(logging.Fields{"retry": retry, "delay": delay}).
				Info("retrying identifier persistence")
			if err := c.sleep(ctx, delay); err != nil {
				return claim.Identifier{}, err
			}
		}
		id, err := c.readOrInsert(ctx, raw)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	return claim.Identifier{}, fmt.Errorf("%w: %w", errRetriesExhausted, lastErr)
}

// readOrInsert returns the stored record for raw, creating it when missing. Losing an insert race
// to another writer re-reads the winner's record.
func (c *Persisted) readOrInsert(ctx context.Context, raw string) (claim.Identifier, error) {
	var result claim.Identifier
	err := c.store.Transact(ctx, func(tx store.Tx) error {
		existing, err := tx.GetIdentifier(raw)
		if err == nil {
			result = *existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		candidate := c.computed(raw)
		err = tx.InsertIdentifier(&candidate)
		if errors.Is(err, store.ErrAlreadyExists) {
			existing, err = tx.GetIdentifier(raw)
			if err != nil {
				return err
			}
			result = *existing
			return nil
		}
		if err != nil {
			return err
		}
		result = candidate
		return nil
	})
	return result, err
}
