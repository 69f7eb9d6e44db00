package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheSetGet(t *testing.T) {
	c := NewMemoryCache[string]()
	require.NoError(t, c.Set(context.Background(), "k", "v", time.Minute))

	v, ok := c.Get(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestMemoryCacheGetMissing(t *testing.T) {
	c := NewMemoryCache[string]()
	_, ok := c.Get(context.Background(), "missing")
	assert.False(t, ok)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache[int]()
	require.NoError(t, c.Set(context.Background(), "k", 42, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCacheDeleteAndClear(t *testing.T) {
	c := NewMemoryCache[int]()
	require.NoError(t, c.Set(context.Background(), "a", 1, time.Minute))
	require.NoError(t, c.Set(context.Background(), "b", 2, time.Minute))

	require.NoError(t, c.Delete(context.Background(), "a"))
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCacheBackgroundRefresh(t *testing.T) {
	var refreshCount atomic.Int32
	refresh := func(_ context.Context, key string) ([]float32, error) {
		refreshCount.Add(1)
		return []float32{1, 2, 3}, nil
	}

	c := NewMemoryCache[[]float32](
		WithRefreshFunc(refresh),
		WithRefreshCooldown[[]float32](time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartRefresh(ctx)
	defer c.StopRefresh()

	require.NoError(t, c.Set(context.Background(), "k", []float32{0}, 10*time.Millisecond))

	require.Eventually(t, func() bool {
		return refreshCount.Load() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryCacheGenericOverDifferentValueTypes(t *testing.T) {
	strCache := NewMemoryCache[string]()
	vecCache := NewMemoryCache[[]float32]()

	require.NoError(t, strCache.Set(context.Background(), "k", "hello", time.Minute))
	require.NoError(t, vecCache.Set(context.Background(), "k", []float32{1, 2}, time.Minute))

	s, ok := strCache.Get(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, "hello", s)

	v, ok := vecCache.Get(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, v)
}
