// Package cache provides a small expiring key/value cache.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

type settings struct {
	clk   clock.Clock
	sweep time.Duration
}

// Option configures a TTL cache.
type Option func(*settings)

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option {
	return func(s *settings) {
		s.clk = clk
	}
}

// WithSweepInterval starts a janitor that drops expired entries every d.
func WithSweepInterval(d time.Duration) Option {
	return func(s *settings) {
		s.sweep = d
	}
}

// TTL is a mutex-guarded map whose entries expire a fixed time after Set.
// It is safe for concurrent use.
type TTL[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]entry[V]
	ttl   time.Duration
	clk   clock.Clock

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a cache whose entries live for ttl.
func New[K comparable, V any](ttl time.Duration, opts ...Option) *TTL[K, V] {
	s := settings{clk: clock.New()}
	for _, opt := range opts {
		opt(&s)
	}

	c := &TTL[K, V]{
		items: make(map[K]entry[V]),
		ttl:   ttl,
		clk:   s.clk,
		done:  make(chan struct{}),
	}

	if s.sweep > 0 {
		ticker := c.clk.Ticker(s.sweep)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer ticker.Stop()
			for {
				select {
				case <-c.done:
					return
				case <-ticker.C:
					c.Sweep()
				}
			}
		}()
	}
	return c
}

// Get returns the live value for key.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.clk.Now().Before(e.expires) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for the cache's ttl.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry[V]{value: value, expires: c.clk.Now().Add(c.ttl)}
}

func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len returns the number of stored entries, including expired entries not
// yet swept.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Sweep drops expired entries and reports how many were removed.
func (c *TTL[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	removed := 0
	for k, e := range c.items {
		if !now.Before(e.expires) {
			delete(c.items, k)
			removed++
		}
	}
	return removed
}

// GetOrLoad returns the cached value for key, or calls load and caches its
// result. Errors are not cached. Concurrent misses may each call load.
func (c *TTL[K, V]) GetOrLoad(ctx context.Context, key K, load func(context.Context) (V, error)) (value V, cached bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	v, err := load(ctx)
	if err != nil {
		var zero V
		return zero, false, err
	}
	c.Set(key, v)
	return v, false, nil
}

// Close stops the janitor. The cache remains usable.
func (c *TTL[K, V]) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}
