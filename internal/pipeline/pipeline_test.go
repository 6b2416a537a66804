package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowbase/knowbase/internal/cache"
	"github.com/knowbase/knowbase/internal/catalog"
	"github.com/knowbase/knowbase/internal/chunk"
	kberrors "github.com/knowbase/knowbase/internal/errors"
	"github.com/knowbase/knowbase/internal/objectstore"
	"github.com/knowbase/knowbase/internal/parser"
	"github.com/knowbase/knowbase/internal/vectorstore"
)

// memBlobs is an in-memory object store for pipeline tests.
type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[string][]byte)}
}

func (m *memBlobs) put(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[path] = data
}

func (m *memBlobs) Upload(_ context.Context, data []byte, kbID, filename, documentID, _ string) (string, string, error) {
	path := objectstore.ObjectPath(kbID, documentID, filename)
	m.put(path, data)
	return path, "", nil
}

func (m *memBlobs) Download(_ context.Context, objectPath string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[objectPath]
	if !ok {
		return nil, kberrors.NotFoundError(kberrors.ErrCodeBlobMissing, "blob", objectPath)
	}
	return data, nil
}

func (m *memBlobs) Delete(_ context.Context, objectPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, objectPath)
	return nil
}

func (m *memBlobs) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for path := range m.blobs {
		if strings.HasPrefix(path, prefix) {
			delete(m.blobs, path)
			n++
		}
	}
	return n, nil
}

func (m *memBlobs) Exists(_ context.Context, objectPath string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[objectPath]
	return ok, nil
}

func (m *memBlobs) Stat(_ context.Context, objectPath string) (*objectstore.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[objectPath]
	if !ok {
		return nil, kberrors.NotFoundError(kberrors.ErrCodeBlobMissing, "blob", objectPath)
	}
	return &objectstore.ObjectInfo{Path: objectPath, Size: int64(len(data))}, nil
}

func (m *memBlobs) List(_ context.Context, prefix string, _ bool) ([]objectstore.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []objectstore.ObjectInfo
	for path, data := range m.blobs {
		if strings.HasPrefix(path, prefix) {
			out = append(out, objectstore.ObjectInfo{Path: path, Size: int64(len(data))})
		}
	}
	return out, nil
}

func (m *memBlobs) PresignedGet(_ context.Context, objectPath string, _ time.Duration, _ map[string]string) (string, error) {
	return "mem://" + objectPath, nil
}

func (m *memBlobs) PresignedPut(_ context.Context, objectPath string, _ time.Duration) (string, error) {
	return "mem://" + objectPath, nil
}

var _ objectstore.Store = (*memBlobs)(nil)

// hashEmbedder derives a deterministic 3-dim vector from text length so
// reprocessing tests see stable vectors.
type hashEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (h *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if h.err != nil {
		return nil, h.err
	}
	n := float32(len(text)%7 + 1)
	return []float32{n, n / 2, 1}, nil
}

func (h *hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := h.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (h *hashEmbedder) Dimensions() int   { return 3 }
func (h *hashEmbedder) ModelName() string { return "test-embedder" }

type pipeEnv struct {
	pipeline *Pipeline
	catalog  *catalog.Catalog
	blobs    *memBlobs
	vectors  *vectorstore.LocalStore
	embedder *hashEmbedder
	kb       *catalog.KnowledgeBase
}

func newPipeEnv(t *testing.T) *pipeEnv {
	t.Helper()
	ctx := context.Background()

	cat, err := catalog.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	kb := &catalog.KnowledgeBase{
		ID:                uuid.NewString(),
		Name:              "pipeline fixtures",
		OwnerID:           "user-1",
		EmbeddingProvider: "openai",
		EmbeddingModel:    "test-embedder",
	}
	require.NoError(t, cat.CreateKB(ctx, kb))

	store, err := vectorstore.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs := newMemBlobs()
	embedder := &hashEmbedder{}
	p := New(cat, blobs, parser.NewRegistry(), embedder, store,
		cache.New(cache.Config{Enabled: false}, nil),
		Config{Chunking: chunk.Config{
			Strategy:     chunk.StrategyRecursive,
			ChunkSize:    80,
			ChunkOverlap: 10,
			MinChunkSize: 10,
		}}, nil)

	return &pipeEnv{
		pipeline: p,
		catalog:  cat,
		blobs:    blobs,
		vectors:  store,
		embedder: embedder,
		kb:       kb,
	}
}

// seedDoc registers a document row and stores its blob.
func (e *pipeEnv) seedDoc(t *testing.T, filename, content string) *catalog.Document {
	t.Helper()
	ctx := context.Background()
	docID := uuid.NewString()
	path, _, err := e.blobs.Upload(ctx, []byte(content), e.kb.ID, filename, docID, "text/plain")
	require.NoError(t, err)

	d := &catalog.Document{
		ID:       docID,
		KBID:     e.kb.ID,
		FileName: filename,
		FileType: strings.ToLower(filename[strings.LastIndex(filename, "."):]),
		FileSize: int64(len(content)),
		FilePath: path,
	}
	require.NoError(t, e.catalog.CreateDocument(ctx, d))
	return d
}

const sampleText = `Retrieval systems split documents into chunks.
Each chunk is embedded into a vector space for similarity search.
Keyword search complements vectors for exact terminology.
Fusion merges both ranked lists into one answer set.`

func TestProcessDocument_HappyPath(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	doc := env.seedDoc(t, "notes.txt", sampleText)

	outcome, err := env.pipeline.ProcessDocument(ctx, doc.ID, "worker-1", false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Greater(t, outcome.ChunkCount, 1)

	loaded, err := env.catalog.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCompleted, loaded.Status)
	assert.Equal(t, outcome.ChunkCount, loaded.ChunkCount)
	require.NotNil(t, loaded.ProcessedAt)

	chunks, err := env.catalog.ListChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, outcome.ChunkCount)
	assert.Equal(t, doc.ID, chunks[0].Metadata["document_id"])
	assert.Equal(t, "notes.txt", chunks[0].Metadata["filename"])
	assert.Equal(t, "test-embedder", chunks[0].EmbeddingModel)

	collection := vectorstore.CollectionName(env.kb.ID)
	count, err := env.vectors.Count(ctx, collection)
	require.NoError(t, err)
	assert.Equal(t, outcome.ChunkCount, count)

	// The KB learned the embedding dimension from the first success.
	kb, err := env.catalog.GetKB(ctx, env.kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, kb.EmbeddingDimension)
}

func TestProcessDocument_SkipsCompleted(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	doc := env.seedDoc(t, "notes.txt", sampleText)

	first, err := env.pipeline.ProcessDocument(ctx, doc.ID, "worker-1", false)
	require.NoError(t, err)

	second, err := env.pipeline.ProcessDocument(ctx, doc.ID, "worker-1", false)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, second.Status)
	assert.Equal(t, first.ChunkCount, second.ChunkCount)
	assert.Equal(t, 1, env.embedder.calls, "skip must not re-embed")
}

func TestProcessDocument_ForceReprocessReplacesState(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	doc := env.seedDoc(t, "notes.txt", sampleText)

	first, err := env.pipeline.ProcessDocument(ctx, doc.ID, "worker-1", false)
	require.NoError(t, err)

	// Replace the blob with shorter content and force a rerun.
	env.blobs.put(doc.FilePath, []byte("a much shorter replacement document body"))

	second, err := env.pipeline.ProcessDocument(ctx, doc.ID, "worker-1", true)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, second.Status)
	assert.Less(t, second.ChunkCount, first.ChunkCount)

	// Stale vectors were purged: live vector count matches the new chunks.
	count, err := env.vectors.Count(ctx, vectorstore.CollectionName(env.kb.ID))
	require.NoError(t, err)
	assert.Equal(t, second.ChunkCount, count)

	chunks, err := env.catalog.ListChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, second.ChunkCount)
}

func TestProcessDocument_AlreadyClaimed(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	doc := env.seedDoc(t, "notes.txt", sampleText)

	claimed, err := env.catalog.ClaimForProcessing(ctx, doc.ID, "other-worker", false)
	require.NoError(t, err)
	require.True(t, claimed)

	outcome, err := env.pipeline.ProcessDocument(ctx, doc.ID, "worker-1", false)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyProcessing, outcome.Status)
	assert.Equal(t, 0, env.embedder.calls)
}

func TestProcessDocument_BlobMissingFails(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	doc := env.seedDoc(t, "notes.txt", sampleText)
	require.NoError(t, env.blobs.Delete(ctx, doc.FilePath))

	_, err := env.pipeline.ProcessDocument(ctx, doc.ID, "worker-1", false)
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeBlobMissing, kberrors.GetCode(err))

	loaded, err := env.catalog.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusFailed, loaded.Status)
	assert.Contains(t, loaded.ErrorMessage, doc.FilePath)
	assert.Equal(t, 1, loaded.RetryCount)
}

func TestProcessDocument_EmptyExtractionFails(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	doc := env.seedDoc(t, "empty.txt", "   \n\n  ")

	_, err := env.pipeline.ProcessDocument(ctx, doc.ID, "worker-1", false)
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeEmptyExtraction, kberrors.GetCode(err))

	loaded, err := env.catalog.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusFailed, loaded.Status)
}

func TestProcessDocument_UnsupportedTypeFails(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	doc := env.seedDoc(t, "binary.exe", "MZ......")

	_, err := env.pipeline.ProcessDocument(ctx, doc.ID, "worker-1", false)
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeUnsupportedFileType, kberrors.GetCode(err))
}

func TestProcessDocument_EmbeddingFailureFails(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	doc := env.seedDoc(t, "notes.txt", sampleText)
	env.embedder.err = errors.New("embedding backend down")

	_, err := env.pipeline.ProcessDocument(ctx, doc.ID, "worker-1", false)
	require.Error(t, err)

	loaded, err := env.catalog.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusFailed, loaded.Status)
	assert.Contains(t, loaded.ErrorMessage, "embedding backend down")

	// No partial state: the catalog holds no chunks for the document.
	n, err := env.catalog.CountChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestProcessDocument_FailedForceReprocessPurgesPriorIndex(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	doc := env.seedDoc(t, "notes.txt", sampleText)

	first, err := env.pipeline.ProcessDocument(ctx, doc.ID, "worker-1", false)
	require.NoError(t, err)
	require.Greater(t, first.ChunkCount, 0)

	env.embedder.err = errors.New("embedding backend down")
	_, err = env.pipeline.ProcessDocument(ctx, doc.ID, "worker-1", true)
	require.Error(t, err)

	loaded, err := env.catalog.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusFailed, loaded.Status)
	assert.Equal(t, 0, loaded.ChunkCount)

	// Nothing of the prior version survives: no chunk rows, no keyword
	// hits, no vectors, and the KB counter is back to zero.
	n, err := env.catalog.CountChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	hits, err := env.catalog.SearchKeyword(ctx, env.kb.ID, "similarity", 10, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	count, err := env.vectors.Count(ctx, vectorstore.CollectionName(env.kb.ID))
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	kb, err := env.catalog.GetKB(ctx, env.kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, kb.ChunkCount)
}

func TestProcessDocument_FailedDocumentRetriesWithForce(t *testing.T) {
	env := newPipeEnv(t)
	ctx := context.Background()
	doc := env.seedDoc(t, "notes.txt", sampleText)

	env.embedder.err = errors.New("transient outage")
	_, err := env.pipeline.ProcessDocument(ctx, doc.ID, "worker-1", false)
	require.Error(t, err)

	env.embedder.err = nil
	outcome, err := env.pipeline.ProcessDocument(ctx, doc.ID, "worker-1", true)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
}
