package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/knowbase/knowbase/internal/errors"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedPoints(t *testing.T, store *LocalStore, coll string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.EnsureCollection(ctx, coll, 3))
	require.NoError(t, store.Upsert(ctx, coll, []Point{
		{ID: "a", Vector: []float32{1, 0, 0}, Payload: map[string]any{"document_id": "doc-1", "chunk_index": 0}},
		{ID: "b", Vector: []float32{0.9, 0.1, 0}, Payload: map[string]any{"document_id": "doc-1", "chunk_index": 1}},
		{ID: "c", Vector: []float32{0, 1, 0}, Payload: map[string]any{"document_id": "doc-2", "chunk_index": 0}},
		{ID: "d", Vector: []float32{0, 0, 1}, Payload: map[string]any{"document_id": "doc-3", "chunk_index": 5}},
	}))
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "kb_123e4567_e89b_12d3_a456_426614174000",
		CollectionName("123e4567-e89b-12d3-a456-426614174000"))
}

func TestEnsureCollection_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureCollection(ctx, "kb_one", 4))
	require.NoError(t, store.EnsureCollection(ctx, "kb_one", 4))
	assert.True(t, store.HasCollection(ctx, "kb_one"))
	assert.False(t, store.HasCollection(ctx, "kb_other"))

	n, err := store.Count(ctx, "kb_one")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSearch_RanksBySimilarity(t *testing.T) {
	store := newTestStore(t)
	seedPoints(t, store, "kb_one")

	results, err := store.Search(context.Background(), "kb_one", []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-5)
	assert.Equal(t, "doc-1", results[0].Payload["document_id"])
}

func TestUpsert_ReplacesExistingID(t *testing.T) {
	store := newTestStore(t)
	seedPoints(t, store, "kb_one")
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "kb_one", []Point{
		{ID: "a", Vector: []float32{0, 0, 1}, Payload: map[string]any{"document_id": "doc-9"}},
	}))

	n, err := store.Count(ctx, "kb_one")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	results, err := store.Search(ctx, "kb_one", []float32{0, 0, 1}, 1, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	if results[0].ID == "a" {
		assert.Equal(t, "doc-9", results[0].Payload["document_id"])
	}
}

func TestSearch_DimensionMismatch(t *testing.T) {
	store := newTestStore(t)
	seedPoints(t, store, "kb_one")

	_, err := store.Search(context.Background(), "kb_one", []float32{1, 0}, 3, nil)
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeDimensionMismatch, kberrors.GetCode(err))

	err = store.Upsert(context.Background(), "kb_one", []Point{{ID: "x", Vector: []float32{1}}})
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeDimensionMismatch, kberrors.GetCode(err))
}

func TestSearch_UnknownCollection(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Search(context.Background(), "kb_missing", []float32{1, 0, 0}, 3, nil)
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeCollectionNotFound, kberrors.GetCode(err))
}

func TestSearch_Filters(t *testing.T) {
	store := newTestStore(t)
	seedPoints(t, store, "kb_one")
	ctx := context.Background()

	t.Run("equality", func(t *testing.T) {
		results, err := store.Search(ctx, "kb_one", []float32{1, 0, 0}, 4,
			Filter{"document_id": "doc-1"})
		require.NoError(t, err)
		require.Len(t, results, 2)
		for _, r := range results {
			assert.Equal(t, "doc-1", r.Payload["document_id"])
		}
	})

	t.Run("in", func(t *testing.T) {
		results, err := store.Search(ctx, "kb_one", []float32{1, 0, 0}, 4,
			Filter{"document_id": map[string]any{"$in": []any{"doc-2", "doc-3"}}})
		require.NoError(t, err)
		require.Len(t, results, 2)
	})

	t.Run("range", func(t *testing.T) {
		results, err := store.Search(ctx, "kb_one", []float32{1, 0, 0}, 4,
			Filter{"chunk_index": map[string]any{"$gte": 1, "$lte": 5}})
		require.NoError(t, err)
		require.Len(t, results, 2)
		ids := []string{results[0].ID, results[1].ID}
		assert.ElementsMatch(t, []string{"b", "d"}, ids)
	})

	t.Run("conditions are anded", func(t *testing.T) {
		results, err := store.Search(ctx, "kb_one", []float32{1, 0, 0}, 4,
			Filter{"document_id": "doc-1", "chunk_index": 1})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "b", results[0].ID)
	})

	t.Run("missing field fails", func(t *testing.T) {
		results, err := store.Search(ctx, "kb_one", []float32{1, 0, 0}, 4,
			Filter{"no_such_field": "x"})
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestDelete_IgnoresUnknownIDs(t *testing.T) {
	store := newTestStore(t)
	seedPoints(t, store, "kb_one")
	ctx := context.Background()

	require.NoError(t, store.Delete(ctx, "kb_one", []string{"a", "nope"}))

	n, err := store.Count(ctx, "kb_one")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	results, err := store.Search(ctx, "kb_one", []float32{1, 0, 0}, 4, nil)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.ID)
	}
}

func TestDeleteByFilter(t *testing.T) {
	store := newTestStore(t)
	seedPoints(t, store, "kb_one")
	ctx := context.Background()

	removed, err := store.DeleteByFilter(ctx, "kb_one", Filter{"document_id": "doc-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	n, err := store.Count(ctx, "kb_one")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	removed, err = store.DeleteByFilter(ctx, "kb_one", Filter{"document_id": "doc-1"})
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestPersistence_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewLocalStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, store.EnsureCollection(ctx, "kb_one", 3))
	require.NoError(t, store.Upsert(ctx, "kb_one", []Point{
		{ID: "a", Vector: []float32{1, 0, 0}, Payload: map[string]any{"document_id": "doc-1"}},
		{ID: "b", Vector: []float32{0, 1, 0}, Payload: map[string]any{"document_id": "doc-2"}},
	}))
	require.NoError(t, store.Close())

	reopened, err := NewLocalStore(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.True(t, reopened.HasCollection(ctx, "kb_one"))

	n, err := reopened.Count(ctx, "kb_one")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	results, err := reopened.Search(ctx, "kb_one", []float32{1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "doc-1", results[0].Payload["document_id"])
}

func TestDropCollection(t *testing.T) {
	store := newTestStore(t)
	seedPoints(t, store, "kb_one")
	ctx := context.Background()

	require.NoError(t, store.Flush(ctx))
	require.NoError(t, store.DropCollection(ctx, "kb_one"))
	assert.False(t, store.HasCollection(ctx, "kb_one"))

	// Dropping again is not an error.
	require.NoError(t, store.DropCollection(ctx, "kb_one"))
}

func TestMatchesFilter_NumericCoercion(t *testing.T) {
	payload := map[string]any{"chunk_index": 3}

	assert.True(t, matchesFilter(payload, Filter{"chunk_index": 3.0}))
	assert.True(t, matchesFilter(payload, Filter{"chunk_index": map[string]any{"$gte": 3}}))
	assert.False(t, matchesFilter(payload, Filter{"chunk_index": map[string]any{"$gte": 4}}))
	assert.True(t, matchesFilter(payload, Filter{"chunk_index": map[string]any{"$in": []any{1, 3}}}))
}
