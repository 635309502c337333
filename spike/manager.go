// Package spike coalesces concurrent requests for the same external resource and caches the result
// for a short time, so a burst of callers costs one upstream fetch.
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	defaultCleanupInterval = time.Second
	defaultFetchTimeout    = 10 * time.Second
)

type entry[T any] struct {
	v   T
	err error
}

type call[T any] struct {
	done chan struct{}
	res  entry[T]
}

type Manager[T any] struct {
	mu       sync.Mutex
	cache    *gocache.Cache
	fetch    func(ctx context.Context, k string) (T, error)
	inflight map[string]*call[T]

	cacheTime    time.Duration
	errCacheTime time.Duration
	fetchTimeout time.Duration
}

type Option func(*options)

type options struct {
	errCacheTime time.Duration
	fetchTimeout time.Duration
}

// WithErrorCacheTime caches fetch errors for d. Errors are not cached by default.
func WithErrorCacheTime(d time.Duration) Option {
	return func(o *options) {
		o.errCacheTime = d
	}
}

// WithFetchTimeout bounds a single upstream fetch. The fetch does not inherit any caller's context
// because it is shared by every waiting caller.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) {
		o.fetchTimeout = d
	}
}

func NewManager[T any](fetch func(ctx context.Context, k string) (T, error), cacheTime time.Duration, opts ...Option) *Manager[T] {
	o := options{fetchTimeout: defaultFetchTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager[T]{
		cache:        gocache.New(cacheTime, defaultCleanupInterval),
		fetch:        fetch,
		inflight:     make(map[string]*call[T]),
		cacheTime:    cacheTime,
		errCacheTime: o.errCacheTime,
		fetchTimeout: o.fetchTimeout,
	}
}

func (m *Manager[T]) cached(k string) (entry[T], bool) {
	v, ok := m.cache.Get(k)
	if !ok {
		return entry[T]{}, false
	}
	//nolint:forcetypeassert
	return v.(entry[T]), true
}

func (m *Manager[T]) GetResult(ctx context.Context, k string) (T, error) { //nolint:ireturn
	if e, ok := m.cached(k); ok {
		return e.v, e.err
	}

	m.mu.Lock()
	if e, ok := m.cached(k); ok {
		m.mu.Unlock()
		return e.v, e.err
	}
	c, ok := m.inflight[k]
	if !ok {
		c = &call[T]{done: make(chan struct{})}
		m.inflight[k] = c
		go m.run(k, c)
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-c.done:
		return c.res.v, c.res.err
	}
}

func (m *Manager[T]) run(k string, c *call[T]) {
	ctx, cancel := context.WithTimeout(context.Background(), m.fetchTimeout)
	defer cancel()
	v, err := m.fetch(ctx, k)
	c.res = entry[T]{v: v, err: err}

	m.mu.Lock()
	switch {
	case err == nil:
		m.cache.Set(k, c.res, m.cacheTime)
	case m.errCacheTime > 0:
		m.cache.Set(k, c.res, m.errCacheTime)
	}
	delete(m.inflight, k)
	m.mu.Unlock()
	close(c.done)
}

// Forget drops a cached value so the next call fetches again.
func (m *Manager[T]) Forget(k string) {
	m.cache.Delete(k)
}
