package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowbase/knowbase/internal/catalog"
	"github.com/knowbase/knowbase/internal/vectorstore"
)

// stubEmbedder returns one fixed query vector, or fails on demand.
type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.vec, nil
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = s.vec
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int   { return len(s.vec) }
func (s *stubEmbedder) ModelName() string { return "stub-model" }

// recordingReranker reverses the candidate order and records how many
// candidates it saw.
type recordingReranker struct {
	sawDocs int
	err     error
}

func (r *recordingReranker) Name() string { return "recording" }

func (r *recordingReranker) Rerank(_ context.Context, _ string, results []SearchResult, opts RerankOptions) ([]SearchResult, error) {
	r.sawDocs = len(results)
	if r.err != nil {
		return nil, r.err
	}
	out := make([]SearchResult, len(results))
	for i, res := range results {
		out[len(results)-1-i] = res
	}
	return applyTopK(out, opts.TopK), nil
}

type testEnv struct {
	retriever *Retriever
	catalog   *catalog.Catalog
	embedder  *stubEmbedder
	kbID      string
	docA      *catalog.Document
	docB      *catalog.Document
	chunkIDs  map[string]string
}

// newTestEnv seeds a KB with two documents. Document A (pipeline.txt) holds
// "alpha" and "beta" chunks, document B (cache.md) the "gamma" chunk.
// Vectors are 3-dimensional with the alpha chunk aligned to the stub query
// vector. Alpha carries team metadata and gamma carries tags, so filter
// tests have something to select on.
func newTestEnv(t *testing.T, reranker Reranker) *testEnv {
	t.Helper()
	ctx := context.Background()

	cat, err := catalog.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	kb := &catalog.KnowledgeBase{
		ID:                 uuid.NewString(),
		Name:               "search fixtures",
		OwnerID:            "user-1",
		EmbeddingProvider:  "openai",
		EmbeddingModel:     "stub-model",
		EmbeddingDimension: 3,
	}
	require.NoError(t, cat.CreateKB(ctx, kb))

	newDoc := func(name string) *catalog.Document {
		d := &catalog.Document{
			ID:       uuid.NewString(),
			KBID:     kb.ID,
			FileName: name,
			FileType: name[strings.LastIndex(name, "."):],
			FileSize: 64,
			FilePath: "knowledge_bases/" + kb.ID + "/" + name,
		}
		require.NoError(t, cat.CreateDocument(ctx, d))
		return d
	}
	docA := newDoc("pipeline.txt")
	docB := newDoc("cache.md")

	chunkIDs := map[string]string{
		"alpha": uuid.NewString(),
		"beta":  uuid.NewString(),
		"gamma": uuid.NewString(),
	}
	contents := map[string]string{
		"alpha": "the alpha embedding pipeline batches requests",
		"beta":  "beta notes on vector similarity search",
		"gamma": "gamma cache invalidation strategy",
	}

	chunkMeta := map[string]map[string]string{
		"alpha": {"team": "core"},
		"gamma": {"tags": "ops, cache"},
	}
	mkChunk := func(docID, name string, index int) *catalog.Chunk {
		return &catalog.Chunk{
			ID:         chunkIDs[name],
			DocumentID: docID,
			KBID:       kb.ID,
			ChunkIndex: index,
			Content:    contents[name],
			EndChar:    len(contents[name]),
			TokenCount: 8,
			VectorID:   chunkIDs[name],
			Metadata:   chunkMeta[name],
		}
	}
	require.NoError(t, cat.FinalizeSuccess(ctx, docA.ID,
		[]*catalog.Chunk{mkChunk(docA.ID, "alpha", 0), mkChunk(docA.ID, "beta", 1)}))
	require.NoError(t, cat.FinalizeSuccess(ctx, docB.ID,
		[]*catalog.Chunk{mkChunk(docB.ID, "gamma", 0)}))

	store, err := vectorstore.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	collection := vectorstore.CollectionName(kb.ID)
	require.NoError(t, store.EnsureCollection(ctx, collection, 3))

	vecs := map[string][]float32{
		"alpha": {1, 0, 0},
		"beta":  {0.7, 0.7, 0},
		"gamma": {0, 1, 0},
	}
	points := make([]vectorstore.Point, 0, 3)
	docByName := map[string]string{"alpha": docA.ID, "beta": docA.ID, "gamma": docB.ID}
	fileByName := map[string]string{"alpha": "pipeline.txt", "beta": "pipeline.txt", "gamma": "cache.md"}
	indexByName := map[string]int{"alpha": 0, "beta": 1, "gamma": 0}
	indexedAt := time.Now().Unix()
	for name, vec := range vecs {
		file := fileByName[name]
		points = append(points, vectorstore.Point{
			ID:     chunkIDs[name],
			Vector: vec,
			Payload: map[string]any{
				"document_id": docByName[name],
				"kb_id":       kb.ID,
				"chunk_index": indexByName[name],
				"content":     contents[name],
				"file_name":   file,
				"file_type":   file[strings.LastIndex(file, "."):],
				"created_at":  indexedAt,
			},
		})
	}
	require.NoError(t, store.Upsert(ctx, collection, points))

	embedder := &stubEmbedder{vec: []float32{1, 0, 0}}
	return &testEnv{
		retriever: New(embedder, store, cat, reranker, nil),
		catalog:   cat,
		embedder:  embedder,
		kbID:      kb.ID,
		docA:      docA,
		docB:      docB,
		chunkIDs:  chunkIDs,
	}
}

func TestSearch_Semantic(t *testing.T) {
	env := newTestEnv(t, nil)

	results, meta, err := env.retriever.Search(context.Background(), env.kbID,
		"embedding pipeline", Options{Mode: ModeSemantic, TopK: 3})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, "semantic", meta["mode"])
	top := results[0]
	assert.Equal(t, env.chunkIDs["alpha"], top.ChunkID)
	assert.Equal(t, env.docA.ID, top.DocumentID)
	assert.Equal(t, "the alpha embedding pipeline batches requests", top.Content)
	assert.Equal(t, "semantic", top.Source)
	assert.InDelta(t, 1.0, top.Score, 1e-3)
}

func TestSearch_SemanticDocumentFilter(t *testing.T) {
	env := newTestEnv(t, nil)

	results, _, err := env.retriever.Search(context.Background(), env.kbID, "anything",
		Options{
			Mode:    ModeSemantic,
			TopK:    10,
			Filters: &Filters{DocumentIDs: []string{env.docB.ID}},
		})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, env.chunkIDs["gamma"], results[0].ChunkID)
}

func TestSearch_KeywordFileTypeFilter(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	all, _, err := env.retriever.Search(ctx, env.kbID, "cache",
		Options{Mode: ModeKeyword, TopK: 10})
	require.NoError(t, err)
	require.Len(t, all, 1)

	md, _, err := env.retriever.Search(ctx, env.kbID, "cache",
		Options{Mode: ModeKeyword, TopK: 10, Filters: &Filters{FileTypes: []string{".md"}}})
	require.NoError(t, err)
	require.Len(t, md, 1)
	assert.Equal(t, env.chunkIDs["gamma"], md[0].ChunkID)

	txt, _, err := env.retriever.Search(ctx, env.kbID, "cache",
		Options{Mode: ModeKeyword, TopK: 10, Filters: &Filters{FileTypes: []string{".txt"}}})
	require.NoError(t, err)
	assert.Empty(t, txt)
}

func TestSearch_KeywordTagFilter(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	tagged, _, err := env.retriever.Search(ctx, env.kbID, "cache",
		Options{Mode: ModeKeyword, TopK: 10, Filters: &Filters{Tags: []string{"ops"}}})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, env.chunkIDs["gamma"], tagged[0].ChunkID)

	none, _, err := env.retriever.Search(ctx, env.kbID, "cache",
		Options{Mode: ModeKeyword, TopK: 10, Filters: &Filters{Tags: []string{"billing"}}})
	require.NoError(t, err)
	assert.Empty(t, none)

	// Untagged chunks never match a tag filter.
	untagged, _, err := env.retriever.Search(ctx, env.kbID, "pipeline",
		Options{Mode: ModeKeyword, TopK: 10, Filters: &Filters{Tags: []string{"ops"}}})
	require.NoError(t, err)
	assert.Empty(t, untagged)
}

func TestSearch_KeywordMetadataFilter(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	hits, _, err := env.retriever.Search(ctx, env.kbID, "pipeline",
		Options{Mode: ModeKeyword, TopK: 10,
			Filters: &Filters{Metadata: map[string]any{"team": "core"}}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, env.chunkIDs["alpha"], hits[0].ChunkID)

	none, _, err := env.retriever.Search(ctx, env.kbID, "pipeline",
		Options{Mode: ModeKeyword, TopK: 10,
			Filters: &Filters{Metadata: map[string]any{"team": "infra"}}})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSearch_DateRangeFilter(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	// Both retrieval paths honor the same date window.
	for _, mode := range []Mode{ModeKeyword, ModeSemantic} {
		within, _, err := env.retriever.Search(ctx, env.kbID, "pipeline",
			Options{Mode: mode, TopK: 10,
				Filters: &Filters{DateFrom: &past, DateTo: &future}})
		require.NoError(t, err)
		assert.NotEmpty(t, within, string(mode))

		before, _, err := env.retriever.Search(ctx, env.kbID, "pipeline",
			Options{Mode: mode, TopK: 10, Filters: &Filters{DateTo: &past}})
		require.NoError(t, err)
		assert.Empty(t, before, string(mode))

		after, _, err := env.retriever.Search(ctx, env.kbID, "pipeline",
			Options{Mode: mode, TopK: 10, Filters: &Filters{DateFrom: &future}})
		require.NoError(t, err)
		assert.Empty(t, after, string(mode))
	}
}

func TestSearch_HybridFileTypeFilter(t *testing.T) {
	env := newTestEnv(t, nil)

	results, _, err := env.retriever.Search(context.Background(), env.kbID, "cache",
		Options{Mode: ModeHybrid, TopK: 10, Filters: &Filters{FileTypes: []string{".txt"}}})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, res := range results {
		assert.NotEqual(t, env.chunkIDs["gamma"], res.ChunkID)
	}
}

func TestSearch_Keyword(t *testing.T) {
	env := newTestEnv(t, nil)

	results, _, err := env.retriever.Search(context.Background(), env.kbID,
		"pipeline", Options{Mode: ModeKeyword, TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, env.chunkIDs["alpha"], results[0].ChunkID)
	assert.Equal(t, "keyword", results[0].Source)
}

func TestSearch_Hybrid(t *testing.T) {
	env := newTestEnv(t, nil)

	results, meta, err := env.retriever.Search(context.Background(), env.kbID,
		"embedding pipeline", Options{Mode: ModeHybrid, TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.NotContains(t, meta, "partial")
	// Alpha is rank 1 in both lists.
	assert.Equal(t, env.chunkIDs["alpha"], results[0].ChunkID)
	assert.Equal(t, "rrf", results[0].Metadata["fusion_method"])
}

func TestSearch_HybridSemanticFailureDegrades(t *testing.T) {
	env := newTestEnv(t, nil)
	env.embedder.err = errors.New("embedding backend down")

	results, meta, err := env.retriever.Search(context.Background(), env.kbID,
		"pipeline", Options{Mode: ModeHybrid, TopK: 5})
	require.NoError(t, err)

	assert.Equal(t, true, meta["partial"])
	assert.Equal(t, "semantic", meta["failed_source"])
	require.Len(t, results, 1)
	assert.Equal(t, env.chunkIDs["alpha"], results[0].ChunkID)
}

func TestSearch_HybridBothFailPropagates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.embedder.err = errors.New("embedding backend down")
	require.NoError(t, env.catalog.Close())

	_, _, err := env.retriever.Search(context.Background(), env.kbID,
		"pipeline", Options{Mode: ModeHybrid, TopK: 5})
	require.Error(t, err)
}

func TestSearch_EmptyQuery(t *testing.T) {
	env := newTestEnv(t, nil)

	_, _, err := env.retriever.Search(context.Background(), env.kbID, "   ",
		Options{Mode: ModeSemantic})
	require.Error(t, err)
}

func TestSearch_ThresholdAndTopK(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	all, _, err := env.retriever.Search(ctx, env.kbID, "q",
		Options{Mode: ModeSemantic, TopK: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)

	strict, _, err := env.retriever.Search(ctx, env.kbID, "q",
		Options{Mode: ModeSemantic, TopK: 10, ScoreThreshold: 0.9})
	require.NoError(t, err)
	require.Len(t, strict, 1)
	assert.Equal(t, env.chunkIDs["alpha"], strict[0].ChunkID)

	capped, _, err := env.retriever.Search(ctx, env.kbID, "q",
		Options{Mode: ModeSemantic, TopK: 2})
	require.NoError(t, err)
	assert.Len(t, capped, 2)
}

func TestSearch_RerankPrefetchesAndReorders(t *testing.T) {
	reranker := &recordingReranker{}
	env := newTestEnv(t, reranker)

	results, meta, err := env.retriever.Search(context.Background(), env.kbID, "q",
		Options{Mode: ModeSemantic, TopK: 1, Rerank: true})
	require.NoError(t, err)

	// TopK 1 with reranking prefetches all three candidates.
	assert.Equal(t, 3, reranker.sawDocs)
	assert.Equal(t, true, meta["reranked"])
	assert.Equal(t, "recording", meta["rerank_provider"])

	// The reranker reversed the order, so the farthest vector wins.
	require.Len(t, results, 1)
	assert.Equal(t, env.chunkIDs["gamma"], results[0].ChunkID)
}

func TestSearch_RerankFailureKeepsFusedOrder(t *testing.T) {
	reranker := &recordingReranker{err: errors.New("rerank backend down")}
	env := newTestEnv(t, reranker)

	results, meta, err := env.retriever.Search(context.Background(), env.kbID, "q",
		Options{Mode: ModeSemantic, TopK: 2, Rerank: true})
	require.NoError(t, err)

	assert.Equal(t, true, meta["rerank_failed"])
	require.Len(t, results, 2)
	assert.Equal(t, env.chunkIDs["alpha"], results[0].ChunkID)
}

func TestSearch_UnknownMode(t *testing.T) {
	env := newTestEnv(t, nil)

	_, _, err := env.retriever.Search(context.Background(), env.kbID, "q",
		Options{Mode: Mode("graph")})
	require.Error(t, err)
}
