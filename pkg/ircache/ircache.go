// Package ircache is the two-level compiled-IR cache: a per-process LRU in
// front of a shared KV with TTL. Entries are content-addressed by
// inputHash; the same inputHash always maps to the same canonical bytes,
// so concurrent writers are idempotent. L2 failures degrade to
// recompilation and never propagate.
package ircache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/kvcache"
)

const (
	// DefaultL1Size is the minimum per-process entry count.
	DefaultL1Size = 128
	// DefaultTTL bounds staleness of the shared tier.
	DefaultTTL = time.Hour

	aliasPrefix = "ir:key:"
	bodyPrefix  = "ir:body:"
)

// Cache is the two-tier compiled-IR cache. L1 entries are deep-immutable
// after insertion: callers must treat returned models as read-only.
type Cache struct {
	l1     *lru.Cache[string, *contracts.CompiledModel]
	l2     kvcache.KV
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a cache. l2 may be nil (process-local only).
func New(l1Size int, l2 kvcache.KV, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	if l1Size < DefaultL1Size {
		l1Size = DefaultL1Size
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l1, err := lru.New[string, *contracts.CompiledModel](l1Size)
	if err != nil {
		return nil, fmt.Errorf("ircache: l1: %w", err)
	}
	return &Cache{l1: l1, l2: l2, ttl: ttl, logger: logger.With("component", "ircache")}, nil
}

func aliasKey(entityName string, version int, overlayHash string) string {
	return fmt.Sprintf("%s%s:%d:%s", aliasPrefix, entityName, version, overlayHash)
}

// Get looks up (entity, version, overlayHash), trying L1 then L2. A corrupt
// L2 entry is deleted and reported as a miss so callers recompile.
func (c *Cache) Get(ctx context.Context, entityName string, version int, overlayHash string) (*contracts.CompiledModel, bool) {
	key := aliasKey(entityName, version, overlayHash)
	if model, ok := c.l1.Get(key); ok {
		return model, true
	}
	if c.l2 == nil {
		return nil, false
	}

	hashBytes, err := c.l2.Get(ctx, key)
	if err != nil {
		if err != kvcache.ErrMiss {
			c.logger.Warn("l2 alias read failed", "key", key, "error", err)
		}
		return nil, false
	}
	body, err := c.l2.Get(ctx, bodyPrefix+string(hashBytes))
	if err != nil {
		if err != kvcache.ErrMiss {
			c.logger.Warn("l2 body read failed", "input_hash", string(hashBytes), "error", err)
		}
		return nil, false
	}

	var model contracts.CompiledModel
	if err := json.Unmarshal(body, &model); err != nil {
		// corruption: drop the entry and recompile
		c.logger.Warn("corrupt IR in l2, purging", "key", key, "error", err)
		_ = c.l2.Del(ctx, key, bodyPrefix+string(hashBytes))
		return nil, false
	}
	c.l1.Add(key, &model)
	return &model, true
}

// Put stores a compiled model under its alias and content-addressed body
// keys. Writing the same inputHash twice writes identical bytes, so the
// operation is idempotent across processes.
func (c *Cache) Put(ctx context.Context, model *contracts.CompiledModel, overlayHash string) error {
	if model.InputHash == "" {
		return fmt.Errorf("ircache: model has no input hash")
	}
	key := aliasKey(model.EntityName, model.Version, overlayHash)
	c.l1.Add(key, model)

	if c.l2 == nil {
		return nil
	}
	body, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("ircache: marshal: %w", err)
	}
	if err := c.l2.SetEx(ctx, bodyPrefix+model.InputHash, body, c.ttl); err != nil {
		return fmt.Errorf("ircache: l2 body write: %w", err)
	}
	if err := c.l2.SetEx(ctx, key, []byte(model.InputHash), c.ttl); err != nil {
		return fmt.Errorf("ircache: l2 alias write: %w", err)
	}
	return nil
}

// Invalidate drops every cached variant of (entity, version), cascading
// L1 then L2. Called on publish and on overlay change. Content-addressed
// bodies are left to expire by TTL.
func (c *Cache) Invalidate(ctx context.Context, entityName string, version int) error {
	prefix := fmt.Sprintf("%s%s:%d:", aliasPrefix, entityName, version)
	for _, key := range c.l1.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.l1.Remove(key)
		}
	}
	if c.l2 == nil {
		return nil
	}
	keys, err := c.l2.Keys(ctx, prefix+"*")
	if err != nil {
		return fmt.Errorf("ircache: list l2 keys: %w", err)
	}
	if len(keys) > 0 {
		if err := c.l2.Del(ctx, keys...); err != nil {
			return fmt.Errorf("ircache: purge l2: %w", err)
		}
	}
	return nil
}
