// Package redisstore persists dedup cache records in Redis so settled results
// survive restarts and are shared between replicas.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/feedpipe/internal/acquire"
	"github.com/JakeFAU/feedpipe/internal/clock/system"
	"github.com/JakeFAU/feedpipe/internal/dedup"
	hashsha "github.com/JakeFAU/feedpipe/internal/hash/sha256"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "feedpipe:dedup:"

// Client is the subset of redis.Cmdable the store needs. *redis.Client satisfies it.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Options configures a Store.
type Options struct {
	Prefix string
	Clock  acquire.Clock
}

// Store implements dedup.Store on top of Redis string keys.
// Failures are stored as their message only; the error chain does not survive
// a round trip, so callers see a StoredError instead of the original sentinel.
type Store[T any] struct {
	client Client
	prefix string
	clock  acquire.Clock
}

var _ dedup.Store[string] = (*Store[string])(nil)

// New builds a Store.
func New[T any](client Client, opts Options) *Store[T] {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	return &Store[T]{client: client, prefix: opts.Prefix, clock: opts.Clock}
}

// StoredError is a failure read back from Redis.
type StoredError struct {
	Message string
}

func (e *StoredError) Error() string {
	return e.Message
}

type envelope[T any] struct {
	Value     T         `json:"value"`
	Error     string    `json:"error,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Key maps a cache key to its Redis key. Cache keys can carry credential
// fingerprints and long URLs, so only their digest is used.
func (s *Store[T]) Key(key string) string {
	return s.prefix + hashsha.Sum(key)
}

// Load implements dedup.Store.
func (s *Store[T]) Load(ctx context.Context, key string) (dedup.Record[T], bool, error) {
	raw, err := s.client.Get(ctx, s.Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return dedup.Record[T]{}, false, nil
	}
	if err != nil {
		return dedup.Record[T]{}, false, fmt.Errorf("redis get: %w", err)
	}
	var env envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return dedup.Record[T]{}, false, fmt.Errorf("decode record: %w", err)
	}
	rec := dedup.Record[T]{Value: env.Value, ExpiresAt: env.ExpiresAt}
	if env.Error != "" {
		rec.Err = &StoredError{Message: env.Error}
	}
	return rec, true, nil
}

// Save implements dedup.Store. Records already past their deadline are dropped.
func (s *Store[T]) Save(ctx context.Context, key string, record dedup.Record[T]) error {
	ttl := record.ExpiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return s.Delete(ctx, key)
	}
	env := envelope[T]{Value: record.Value, ExpiresAt: record.ExpiresAt}
	if record.Err != nil {
		env.Error = record.Err.Error()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := s.client.Set(ctx, s.Key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements dedup.Store.
func (s *Store[T]) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.Key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// NewClient dials Redis from a URL such as redis://localhost:6379/0.
func NewClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
