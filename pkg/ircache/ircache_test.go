package ircache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/kvcache"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCache(t *testing.T, l2 kvcache.KV) *Cache {
	t.Helper()
	c, err := New(0, l2, time.Hour, testLogger())
	require.NoError(t, err)
	return c
}

func model(entity string, version int, inputHash string) *contracts.CompiledModel {
	return &contracts.CompiledModel{
		EntityName: entity,
		Version:    version,
		TableName:  "ent_" + entity,
		InputHash:  inputHash,
	}
}

func TestGetMiss(t *testing.T) {
	c := newCache(t, nil)
	_, ok := c.Get(context.Background(), "order", 1, "none")
	assert.False(t, ok)
}

func TestPutGetL1(t *testing.T) {
	c := newCache(t, nil)
	ctx := context.Background()
	m := model("order", 1, "sha256:aaa")

	require.NoError(t, c.Put(ctx, m, "none"))
	got, ok := c.Get(ctx, "order", 1, "none")
	require.True(t, ok)
	assert.Same(t, m, got, "l1 returns the stored pointer")

	// a different overlay hash is a different variant
	_, ok = c.Get(ctx, "order", 1, "sha256:ov")
	assert.False(t, ok)
}

func TestPutRequiresInputHash(t *testing.T) {
	c := newCache(t, nil)
	err := c.Put(context.Background(), model("order", 1, ""), "none")
	assert.Error(t, err)
}

func TestL2RoundTrip(t *testing.T) {
	l2 := kvcache.NewMemory()
	ctx := context.Background()
	m := model("order", 3, "sha256:bbb")

	writer := newCache(t, l2)
	require.NoError(t, writer.Put(ctx, m, "none"))

	// a fresh process with a cold l1 hydrates from l2
	reader := newCache(t, l2)
	got, ok := reader.Get(ctx, "order", 3, "none")
	require.True(t, ok)
	assert.Equal(t, m.TableName, got.TableName)
	assert.Equal(t, m.InputHash, got.InputHash)

	// and now serves it from l1
	again, ok := reader.Get(ctx, "order", 3, "none")
	require.True(t, ok)
	assert.Same(t, got, again)
}

func TestCorruptL2IsPurged(t *testing.T) {
	l2 := kvcache.NewMemory()
	ctx := context.Background()

	require.NoError(t, l2.SetEx(ctx, "ir:key:order:1:none", []byte("sha256:bad"), time.Hour))
	require.NoError(t, l2.SetEx(ctx, "ir:body:sha256:bad", []byte("{not json"), time.Hour))

	c := newCache(t, l2)
	_, ok := c.Get(ctx, "order", 1, "none")
	assert.False(t, ok)

	_, err := l2.Get(ctx, "ir:key:order:1:none")
	assert.ErrorIs(t, err, kvcache.ErrMiss, "corrupt alias is deleted")
	_, err = l2.Get(ctx, "ir:body:sha256:bad")
	assert.ErrorIs(t, err, kvcache.ErrMiss, "corrupt body is deleted")
}

func TestInvalidateDropsAllVariants(t *testing.T) {
	l2 := kvcache.NewMemory()
	ctx := context.Background()
	c := newCache(t, l2)

	require.NoError(t, c.Put(ctx, model("order", 1, "sha256:aaa"), "none"))
	require.NoError(t, c.Put(ctx, model("order", 1, "sha256:bbb"), "sha256:ov"))
	require.NoError(t, c.Put(ctx, model("order", 2, "sha256:ccc"), "none"))

	require.NoError(t, c.Invalidate(ctx, "order", 1))

	_, ok := c.Get(ctx, "order", 1, "none")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "order", 1, "sha256:ov")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "order", 2, "none")
	assert.True(t, ok, "other versions survive")
}
