package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedResult struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
}

func newTestCache(t *testing.T, mutate func(*Config)) (*SearchCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := Config{
		Enabled: true,
		Addr:    mr.Addr(),
		TTL:     time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg, nil)
	require.True(t, c.Enabled())
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint(Key{KBID: "kb1", Query: "Hello World",
		Filters: map[string]any{"file_types": []string{".txt"}, "tags": []string{"x"}}})
	b := Fingerprint(Key{KBID: "kb1", Query: "  hello world  ",
		Filters: map[string]any{"tags": []string{"x"}, "file_types": []string{".txt"}}})
	assert.Equal(t, a, b, "trimming, casing and map order must not change the fingerprint")

	c := Fingerprint(Key{KBID: "kb1", Query: "hello world",
		Config: map[string]any{"top_k": 5}})
	assert.NotEqual(t, a, c)

	d := Fingerprint(Key{KBID: "kb2", Query: "hello world"})
	assert.NotEqual(t, a, d)
}

func TestCache_SetGetRoundtrip(t *testing.T) {
	c, _ := newTestCache(t, nil)
	ctx := context.Background()
	key := Key{KBID: "kb1", Query: "pipeline"}

	var miss []cachedResult
	assert.False(t, c.Get(ctx, key, &miss))

	c.Set(ctx, key, []cachedResult{{ChunkID: "c1", Score: 0.9}, {ChunkID: "c2", Score: 0.4}})

	var hit []cachedResult
	require.True(t, c.Get(ctx, key, &hit))
	require.Len(t, hit, 2)
	assert.Equal(t, "c1", hit[0].ChunkID)
	assert.InDelta(t, 0.9, hit[0].Score, 1e-9)
}

func TestCache_EmptyResultsRespectCacheEmpty(t *testing.T) {
	ctx := context.Background()
	key := Key{KBID: "kb1", Query: "nothing"}

	c, _ := newTestCache(t, nil)
	c.Set(ctx, key, []cachedResult{})
	var out []cachedResult
	assert.False(t, c.Get(ctx, key, &out), "empty results are not cached by default")

	withEmpty, _ := newTestCache(t, func(cfg *Config) { cfg.CacheEmpty = true })
	withEmpty.Set(ctx, key, []cachedResult{})
	require.True(t, withEmpty.Get(ctx, key, &out))
	assert.Empty(t, out)
}

func TestCache_TruncatesToMaxResults(t *testing.T) {
	c, _ := newTestCache(t, func(cfg *Config) { cfg.MaxResults = 3 })
	ctx := context.Background()
	key := Key{KBID: "kb1", Query: "big"}

	results := make([]cachedResult, 10)
	for i := range results {
		results[i] = cachedResult{ChunkID: "c", Score: float64(i)}
	}
	c.Set(ctx, key, results)

	var out []cachedResult
	require.True(t, c.Get(ctx, key, &out))
	assert.Len(t, out, 3)
}

func TestCache_InvalidateKBIsScoped(t *testing.T) {
	c, _ := newTestCache(t, nil)
	ctx := context.Background()

	c.Set(ctx, Key{KBID: "kb1", Query: "q1"}, []cachedResult{{ChunkID: "a"}})
	c.Set(ctx, Key{KBID: "kb1", Query: "q2"}, []cachedResult{{ChunkID: "b"}})
	c.Set(ctx, Key{KBID: "kb2", Query: "q1"}, []cachedResult{{ChunkID: "c"}})

	removed := c.InvalidateKB(ctx, "kb1")
	assert.Equal(t, 2, removed)

	var out []cachedResult
	assert.False(t, c.Get(ctx, Key{KBID: "kb1", Query: "q1"}, &out))
	assert.True(t, c.Get(ctx, Key{KBID: "kb2", Query: "q1"}, &out))
}

func TestCache_ClearAllAndStats(t *testing.T) {
	c, _ := newTestCache(t, nil)
	ctx := context.Background()

	c.Set(ctx, Key{KBID: "kb1", Query: "q1"}, []cachedResult{{ChunkID: "a"}})
	c.Set(ctx, Key{KBID: "kb2", Query: "q2"}, []cachedResult{{ChunkID: "b"}})

	stats := c.Stats(ctx)
	assert.True(t, stats.Enabled)
	assert.Equal(t, int64(2), stats.Keys)
	assert.Equal(t, time.Hour, stats.TTL)

	assert.Equal(t, 2, c.ClearAll(ctx))
	assert.Equal(t, int64(0), c.Stats(ctx).Keys)
}

func TestCache_EntriesExpire(t *testing.T) {
	c, mr := newTestCache(t, func(cfg *Config) { cfg.TTL = time.Minute })
	ctx := context.Background()
	key := Key{KBID: "kb1", Query: "ttl"}

	c.Set(ctx, key, []cachedResult{{ChunkID: "a"}})
	mr.FastForward(2 * time.Minute)

	var out []cachedResult
	assert.False(t, c.Get(ctx, key, &out))
}

func TestCache_DisabledIsPassThrough(t *testing.T) {
	c := New(Config{Enabled: false}, nil)
	ctx := context.Background()
	key := Key{KBID: "kb1", Query: "q"}

	assert.False(t, c.Enabled())
	c.Set(ctx, key, []cachedResult{{ChunkID: "a"}})
	var out []cachedResult
	assert.False(t, c.Get(ctx, key, &out))
	assert.Equal(t, 0, c.InvalidateKB(ctx, "kb1"))
	assert.False(t, c.Stats(ctx).Enabled)
}

func TestCache_UnreachableServerDegrades(t *testing.T) {
	c := New(Config{Enabled: true, Addr: "127.0.0.1:1"}, nil)
	assert.False(t, c.Enabled())
}
