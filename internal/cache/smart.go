package cache

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultTTL            = 5 * time.Minute
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 300 * time.Millisecond

	// prefetchConcurrency bounds the fan-out so a large key list does not
	// stampede the remote API.
	prefetchConcurrency = 4
)

// FetchFunc loads the authoritative value for a key.
type FetchFunc func(ctx context.Context) (any, error)

type Options struct {
	TTL                time.Duration
	Tags               []string
	MaxRetries         int
	RetryBaseDelay     time.Duration
	AllowStaleFallback bool
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = DefaultRetryBaseDelay
	}
	return opts
}

// Result is a cache read outcome. Stale is only ever true on the
// degraded fallback path, and always alongside a served value.
type Result struct {
	Value    any
	CacheHit bool
	Stale    bool
}

// SmartCache wraps a Store with retrying fetches, stale fallback,
// stale-while-revalidate refresh loops and best-effort prefetch.
type SmartCache struct {
	store  Store
	logger *log.Logger

	mu           sync.Mutex
	revalidators map[string]context.CancelFunc
}

func NewSmartCache(store Store, logger *log.Logger) *SmartCache {
	if logger == nil {
		logger = log.Default()
	}
	return &SmartCache{
		store:        store,
		logger:       logger,
		revalidators: make(map[string]context.CancelFunc),
	}
}

// Get serves from cache when fresh, otherwise fetches with retries and
// exponential backoff. When retries exhaust and the options allow it, a
// stale entry is served flagged instead of failing hard.
func (c *SmartCache) Get(ctx context.Context, key string, fetch FetchFunc, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	if value, ok := c.store.Get(key); ok {
		return &Result{Value: value, CacheHit: true}, nil
	}

	value, err := c.fetchWithRetry(ctx, fetch, opts)
	if err == nil {
		c.store.Set(key, value, opts.TTL, opts.Tags...)
		return &Result{Value: value}, nil
	}

	if opts.AllowStaleFallback {
		if stale, _, ok := c.store.GetAllowStale(key); ok {
			c.logger.Printf("cache: serving stale entry for %q after fetch failure: %v", key, err)
			return &Result{Value: stale, CacheHit: true, Stale: true}, nil
		}
	}
	return nil, err
}

// GetRevalidating returns the cached value immediately (stale or not) and
// keeps it fresh with a background refresh loop at the given interval.
// Refresh errors never affect already-returned values.
func (c *SmartCache) GetRevalidating(ctx context.Context, key string, fetch FetchFunc, interval time.Duration, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	result := &Result{}
	if value, stale, ok := c.store.GetAllowStale(key); ok {
		result.Value = value
		result.CacheHit = true
		result.Stale = stale
	} else {
		value, err := c.fetchWithRetry(ctx, fetch, opts)
		if err != nil {
			return nil, err
		}
		c.store.Set(key, value, opts.TTL, opts.Tags...)
		result.Value = value
	}

	c.ensureRevalidator(key, fetch, interval, opts)
	return result, nil
}

// StopRevalidating cancels the background refresh loop for key, if any.
func (c *SmartCache) StopRevalidating(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.revalidators[key]; ok {
		cancel()
		delete(c.revalidators, key)
	}
}

// Prefetch populates the cache for any listed key not already present.
// Failures are logged, never returned: prefetch is best-effort.
func (c *SmartCache) Prefetch(ctx context.Context, keys []string, fetch func(ctx context.Context, key string) (any, error), opts Options) {
	opts = opts.withDefaults()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchConcurrency)
	for _, key := range keys {
		if _, _, ok := c.store.GetAllowStale(key); ok {
			continue
		}
		key := key
		g.Go(func() error {
			value, err := fetch(gctx, key)
			if err != nil {
				c.logger.Printf("cache: prefetch of %q failed: %v", key, err)
				return nil
			}
			c.store.Set(key, value, opts.TTL, opts.Tags...)
			return nil
		})
	}
	g.Wait()
}

// HitRate exposes the cumulative hit rate without side effects.
func (c *SmartCache) HitRate() float64 {
	return c.store.Stats().HitRate
}

// FreshnessAge reports how long ago the key was stored.
func (c *SmartCache) FreshnessAge(key string) (time.Duration, bool) {
	return c.store.Age(key)
}

func (c *SmartCache) Stats() Stats {
	return c.store.Stats()
}

// Close stops every background revalidator.
func (c *SmartCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, cancel := range c.revalidators {
		cancel()
		delete(c.revalidators, key)
	}
}

func (c *SmartCache) fetchWithRetry(ctx context.Context, fetch FetchFunc, opts Options) (any, error) {
	var lastErr error
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := opts.RetryBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		value, err := fetch(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetch failed after %d attempts: %w", opts.MaxRetries, lastErr)
}

func (c *SmartCache) ensureRevalidator(key string, fetch FetchFunc, interval time.Duration, opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, running := c.revalidators[key]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.revalidators[key] = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				value, err := fetch(ctx)
				if err != nil {
					c.logger.Printf("cache: background refresh of %q failed: %v", key, err)
					continue
				}
				c.store.Set(key, value, opts.TTL, opts.Tags...)
			}
		}
	}()
}
