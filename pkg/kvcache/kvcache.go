// Package kvcache defines the shared KV capability consumed by the IR and
// rule-graph caches, with Redis and in-memory implementations.
package kvcache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("kvcache: miss")

// KV is the key/value contract. Implementations must treat Get misses as
// ErrMiss, not as failures; callers degrade to recompute on any error.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}
