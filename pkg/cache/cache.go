package cache

import (
	"errors"
	"math/rand/v2"
	"time"

	lru "github.com/hnlq715/golang-lru"
	"golang.org/x/sync/singleflight"
)

type JitterFn func() time.Duration
type SetFn func() (v interface{}, err error)
type EvictionCallback func(key interface{}, value interface{})

// Params controls a Cache.
type Params struct {
	// User-visible name to give this cache.
	Name string
	// Size is the maximal number of entries held.
	Size int
	// Expiry is the time to keep elements in cache before eviction. Zero keeps them until
	// pushed out by newer entries.
	Expiry time.Duration
	// Jitter is the interval to jitter around expiry.
	JitterFn JitterFn
	// OnEvict is called after an element has been evicted from the cache.
	OnEvict EvictionCallback
}

type Cache interface {
	Name() string
	GetOrSet(k string, setFn SetFn) (v interface{}, err error)
}

type GetSetCache struct {
	p     *Params
	lru   *lru.Cache
	group singleflight.Group
}

var (
	ErrCacheItemNotFound = errors.New("cache item not found")
	ErrInvalidSize       = errors.New("cache size must be positive")
)

func NewCache(size int, expiry time.Duration, jitterFn JitterFn) (*GetSetCache, error) {
	return NewCacheByParams(&Params{Size: size, Expiry: expiry, JitterFn: jitterFn})
}

func NewCacheByParams(p *Params) (*GetSetCache, error) {
	if p.Size <= 0 {
		return nil, ErrInvalidSize
	}
	c, err := lru.NewWithEvict(p.Size, p.OnEvict)
	if err != nil {
		return nil, err
	}
	if p.JitterFn == nil {
		p.JitterFn = func() time.Duration { return 0 }
	}
	return &GetSetCache{
		lru: c,
		p:   p,
	}, nil
}

// GetOrSet returns the cached value of k, calling setFn at most once per key across concurrent
// callers on a miss. Errors from setFn are returned to every waiting caller and nothing is cached.
func (c *GetSetCache) GetOrSet(k string, setFn SetFn) (interface{}, error) {
	if v, ok := c.lru.Get(k); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(k, func() (interface{}, error) {
		// a caller that lost the race may arrive after the winner populated the entry
		if v, ok := c.lru.Get(k); ok {
			return v, nil
		}
		v, err := setFn()
		if err != nil {
			return nil, err
		}
		if c.p.Expiry > 0 {
			c.lru.AddEx(k, v, c.p.Expiry+c.p.JitterFn())
		} else {
			c.lru.Add(k, v)
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrCacheItemNotFound
	}
	return v, nil
}

// Len returns the number of cached entries.
func (c *GetSetCache) Len() int { return c.lru.Len() }

func (c *GetSetCache) Name() string { return c.p.Name }

func NewJitterFn(jitter time.Duration) JitterFn {
	return func() time.Duration {
		if jitter <= 0 {
			return 0
		}
		return rand.N(jitter) //nolint:gosec
	}
}
