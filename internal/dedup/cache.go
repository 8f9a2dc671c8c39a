// Package dedup implements a keyed single-flight TTL cache: at most one producer
// runs per key, and late callers wait for the in-flight result.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedpipe/internal/acquire"
	"github.com/JakeFAU/feedpipe/internal/clock/system"
	"github.com/JakeFAU/feedpipe/internal/metrics"
)

// State is the lifecycle state of a cache entry.
type State int

// Entry states.
const (
	StateAbsent State = iota
	StatePending
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "absent"
	}
}

// Producer computes the value for a key.
type Producer[T any] func(ctx context.Context) (T, error)

// ProducerError is returned to every caller sharing a failed computation.
type ProducerError struct {
	Key string
	Err error
}

func (e *ProducerError) Error() string {
	return fmt.Sprintf("producer for %q failed: %v", e.Key, e.Err)
}

// Unwrap returns the producer's error.
func (e *ProducerError) Unwrap() error {
	return e.Err
}

// Is matches acquire.ErrProducerFailed.
func (e *ProducerError) Is(target error) bool {
	return target == acquire.ErrProducerFailed
}

// Options configures a Cache.
type Options[T any] struct {
	// NegativeTTL keeps failures for this long; zero evicts them immediately.
	NegativeTTL time.Duration
	// Store holds settled records; defaults to an in-memory store.
	Store  Store[T]
	Clock  acquire.Clock
	Logger *zap.Logger
	// Name labels metrics for this cache.
	Name string
}

type call[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Cache memoizes producer results per key with single-flight semantics.
type Cache[T any] struct {
	mu          sync.Mutex
	inflight    map[string]*call[T]
	store       Store[T]
	clock       acquire.Clock
	negativeTTL time.Duration
	logger      *zap.Logger
	name        string
}

// New builds a Cache.
func New[T any](opts Options[T]) *Cache[T] {
	if opts.Store == nil {
		opts.Store = NewMemoryStore[T]()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.NegativeTTL < 0 {
		opts.NegativeTTL = 0
	}
	return &Cache[T]{
		inflight:    make(map[string]*call[T]),
		store:       opts.Store,
		clock:       opts.Clock,
		negativeTTL: opts.NegativeTTL,
		logger:      opts.Logger,
		name:        opts.Name,
	}
}

// GetOrCompute returns the cached value for key, joins an in-flight computation,
// or runs producer exactly once and shares its outcome with every waiter.
// The producer runs detached from the caller's cancellation; a cancelled caller
// stops waiting without affecting the producer or other waiters.
func (c *Cache[T]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, producer Producer[T]) (T, error) {
	c.mu.Lock()
	if existing, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		metrics.ObserveCacheLookup(c.name, "shared")
		return c.wait(ctx, existing)
	}
	cl := &call[T]{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	if rec, ok := c.lookup(ctx, key); ok {
		var err error
		if rec.Failed() {
			err = &ProducerError{Key: key, Err: rec.Err}
		}
		c.finish(ctx, key, cl, rec.Value, err, nil)
		return cl.value, cl.err
	}

	go c.produce(context.WithoutCancel(ctx), key, ttl, cl, producer)
	return c.wait(ctx, cl)
}

// Invalidate drops the settled record for key and detaches any in-flight
// computation so its result is not stored.
func (c *Cache[T]) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("invalidate %q: %w", key, err)
	}
	return nil
}

// State reports the current state of key.
func (c *Cache[T]) State(ctx context.Context, key string) State {
	c.mu.Lock()
	_, pending := c.inflight[key]
	c.mu.Unlock()
	if pending {
		return StatePending
	}
	rec, ok, err := c.store.Load(ctx, key)
	if err != nil || !ok || rec.Expired(c.clock.Now()) {
		return StateAbsent
	}
	if rec.Failed() {
		return StateFailed
	}
	return StateReady
}

// Sweep drops expired records when the store supports it.
func (c *Cache[T]) Sweep() int {
	sw, ok := c.store.(Sweeper)
	if !ok {
		return 0
	}
	return sw.Sweep(c.clock.Now())
}

// StartSweeper runs Sweep every interval until ctx is done.
func (c *Cache[T]) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug("cache sweep", zap.String("cache", c.name), zap.Int("removed", n))
				}
			}
		}
	}()
}

func (c *Cache[T]) lookup(ctx context.Context, key string) (Record[T], bool) {
	rec, ok, err := c.store.Load(ctx, key)
	switch {
	case err != nil:
		c.logger.Warn("cache load failed", zap.String("cache", c.name), zap.String("key", key), zap.Error(err))
		metrics.ObserveCacheLookup(c.name, "error")
		return Record[T]{}, false
	case !ok:
		metrics.ObserveCacheLookup(c.name, "miss")
		return Record[T]{}, false
	case rec.Expired(c.clock.Now()):
		if delErr := c.store.Delete(ctx, key); delErr != nil {
			c.logger.Warn("cache evict failed", zap.String("cache", c.name), zap.String("key", key), zap.Error(delErr))
		}
		metrics.ObserveCacheLookup(c.name, "expired")
		return Record[T]{}, false
	default:
		metrics.ObserveCacheLookup(c.name, "hit")
		return rec, true
	}
}

func (c *Cache[T]) produce(ctx context.Context, key string, ttl time.Duration, cl *call[T], producer Producer[T]) {
	value, err := runProducer(ctx, producer)
	var rec *Record[T]
	now := c.clock.Now()
	switch {
	case err == nil && ttl > 0:
		rec = &Record[T]{Value: value, ExpiresAt: now.Add(ttl)}
	case err != nil && c.negativeTTL > 0:
		rec = &Record[T]{Err: err, ExpiresAt: now.Add(c.negativeTTL)}
	}
	if err != nil {
		c.logger.Debug("cache producer failed", zap.String("cache", c.name), zap.String("key", key), zap.Error(err))
		err = &ProducerError{Key: key, Err: err}
	}
	c.finish(ctx, key, cl, value, err, rec)
}

// finish persists rec (if any) while the call is still registered, so no second
// producer can start between the store write and the waiters' release.
func (c *Cache[T]) finish(ctx context.Context, key string, cl *call[T], value T, err error, rec *Record[T]) {
	c.mu.Lock()
	owned := c.inflight[key] == cl
	c.mu.Unlock()

	if owned && rec != nil {
		if saveErr := c.store.Save(ctx, key, *rec); saveErr != nil {
			c.logger.Warn("cache save failed", zap.String("cache", c.name), zap.String("key", key), zap.Error(saveErr))
		}
	}

	c.mu.Lock()
	if c.inflight[key] == cl {
		delete(c.inflight, key)
	}
	c.mu.Unlock()

	cl.value = value
	cl.err = err
	close(cl.done)
}

func (c *Cache[T]) wait(ctx context.Context, cl *call[T]) (T, error) {
	select {
	case <-cl.done:
		return cl.value, cl.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("wait for cache entry: %w", ctx.Err())
	}
}

func runProducer[T any](ctx context.Context, producer Producer[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("producer panic: %v", r)
		}
	}()
	return producer(ctx)
}
