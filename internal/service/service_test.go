package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowbase/knowbase/internal/cache"
	"github.com/knowbase/knowbase/internal/catalog"
	"github.com/knowbase/knowbase/internal/chunk"
	kberrors "github.com/knowbase/knowbase/internal/errors"
	"github.com/knowbase/knowbase/internal/objectstore"
	"github.com/knowbase/knowbase/internal/parser"
	"github.com/knowbase/knowbase/internal/pipeline"
	"github.com/knowbase/knowbase/internal/queue"
	"github.com/knowbase/knowbase/internal/retrieval"
	"github.com/knowbase/knowbase/internal/vectorstore"
)

// memBlobs is an in-memory object store for service tests.
type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[string][]byte)}
}

func (m *memBlobs) Upload(_ context.Context, data []byte, kbID, filename, documentID, _ string) (string, string, error) {
	path := objectstore.ObjectPath(kbID, documentID, filename)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[path] = data
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

// fixedEmbedder maps every text onto the same unit vector, so any query
// matches any chunk.
type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (f fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = f.Embed(ctx, texts[i])
	}
	return out, nil
}

func (fixedEmbedder) Dimensions() int   { return 3 }
func (fixedEmbedder) ModelName() string { return "test-embedder" }

type svcEnv struct {
	svc     *Service
	catalog *catalog.Catalog
	blobs   *memBlobs
	vectors *vectorstore.LocalStore
	cache   *cache.SearchCache
	queue   *queue.Queue
	redis   *miniredis.Miniredis
	kb      *catalog.KnowledgeBase
}

func newSvcEnv(t *testing.T) *svcEnv {
	t.Helper()
	ctx := context.Background()

	cat, err := catalog.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	store, err := vectorstore.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	searchCache := cache.New(cache.Config{Enabled: true, Addr: mr.Addr()}, nil)
	t.Cleanup(func() { searchCache.Close() })

	blobs := newMemBlobs()
	parsers := parser.NewRegistry()
	embedder := fixedEmbedder{}

	pipe := pipeline.New(cat, blobs, parsers, embedder, store, searchCache,
		pipeline.Config{Chunking: chunk.Config{
			Strategy:     chunk.StrategyRecursive,
			ChunkSize:    80,
			ChunkOverlap: 10,
			MinChunkSize: 10,
		}}, nil)
	retriever := retrieval.New(embedder, store, cat, nil, nil)
	q := queue.New(cat.DB(), queue.Config{
		Workers:           1,
		VisibilityTimeout: time.Minute,
		PollInterval:      10 * time.Millisecond,
	}, nil)

	svc := New(cat, store, blobs, parsers, pipe, retriever, searchCache, q, nil)

	kb := &catalog.KnowledgeBase{
		ID:                uuid.NewString(),
		Name:              "service fixtures",
		OwnerID:           "user-1",
		EmbeddingProvider: "openai",
		EmbeddingModel:    "test-embedder",
	}
	require.NoError(t, svc.CreateKB(ctx, kb))

	return &svcEnv{
		svc:     svc,
		catalog: cat,
		blobs:   blobs,
		vectors: store,
		cache:   searchCache,
		queue:   q,
		redis:   mr,
		kb:      kb,
	}
}

// processTask dequeues one task and runs it through the service handler,
// failing the test if nothing is queued.
func (e *svcEnv) processTask(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	task, err := e.queue.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task, "expected a queued task")

	var result any
	switch task.Kind {
	case queue.KindProcessDocument:
		result, err = e.svc.handleProcessDocument(ctx, task)
	case queue.KindProcessBatch:
		result, err = e.svc.handleProcessBatch(ctx, task)
	default:
		t.Fatalf("unexpected task kind %q", task.Kind)
	}
	require.NoError(t, err)
	require.NoError(t, e.queue.Ack(ctx, task.ID, result))
}

const sampleDoc = `Retrieval systems split documents into chunks.
Each chunk is embedded into a vector space for similarity search.
Keyword search complements vectors for exact terminology.`

func TestCreateKB_RequiresName(t *testing.T) {
	env := newSvcEnv(t)
	err := env.svc.CreateKB(context.Background(), &catalog.KnowledgeBase{OwnerID: "u"})
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeInvalidInput, kberrors.GetCode(err))
}

func TestUploadDocument_RegistersAndQueues(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	doc, err := env.svc.UploadDocument(ctx, env.kb.ID, []byte(sampleDoc), "notes.txt", "team notes")
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusPending, doc.Status)
	assert.Equal(t, catalog.SourceUpload, doc.SourceType)
	assert.Len(t, doc.ContentHash, 64)

	loaded, err := env.catalog.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "team notes", loaded.Description)

	exists, err := env.blobs.Exists(ctx, doc.FilePath)
	require.NoError(t, err)
	assert.True(t, exists)

	task, err := env.queue.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, queue.KindProcessDocument, task.Kind)
	var payload queue.ProcessDocumentPayload
	require.NoError(t, json.Unmarshal(task.Payload, &payload))
	assert.Equal(t, doc.ID, payload.DocumentID)
}

func TestUploadDocument_Validation(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	_, err := env.svc.UploadDocument(ctx, env.kb.ID, nil, "notes.txt", "")
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeInvalidInput, kberrors.GetCode(err))

	_, err = env.svc.UploadDocument(ctx, env.kb.ID, []byte("MZ"), "tool.exe", "")
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeUnsupportedFileType, kberrors.GetCode(err))

	_, err = env.svc.UploadDocument(ctx, "no-such-kb", []byte("x"), "notes.txt", "")
	require.Error(t, err)
	assert.True(t, kberrors.IsNotFound(err))
}

func TestPushDocument_TextFlow(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	doc, err := env.svc.PushDocument(ctx, env.kb.ID, "snippet", "pushed content body")
	require.NoError(t, err)
	assert.Equal(t, "snippet.txt", doc.FileName)

	loaded, err := env.catalog.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.SourceAPI, loaded.SourceType)

	_, err = env.svc.PushDocument(ctx, env.kb.ID, "bad", string([]byte{0xff, 0xfe}))
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeInvalidInput, kberrors.GetCode(err))

	_, err = env.svc.PushDocument(ctx, env.kb.ID, "blank", "   \n ")
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeInvalidInput, kberrors.GetCode(err))
}

func TestSearch_CacheRoundTrip(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	_, err := env.svc.UploadDocument(ctx, env.kb.ID, []byte(sampleDoc), "notes.txt", "")
	require.NoError(t, err)
	env.processTask(t)

	opts := retrieval.Options{Mode: retrieval.ModeHybrid, TopK: 5}

	first, err := env.svc.Search(ctx, env.kb.ID, "keyword search", opts, true)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	require.NotEmpty(t, first.Results)
	assert.Equal(t, "hybrid", first.Mode)

	second, err := env.svc.Search(ctx, env.kb.ID, "keyword search", opts, true)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, len(first.Results), len(second.Results))
	assert.Equal(t, first.Results[0].ChunkID, second.Results[0].ChunkID)

	// Bypassing the cache still serves a live search.
	third, err := env.svc.Search(ctx, env.kb.ID, "keyword search", opts, false)
	require.NoError(t, err)
	assert.False(t, third.FromCache)
}

func TestSearch_CacheKeyAppliesDefaults(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	_, err := env.svc.UploadDocument(ctx, env.kb.ID, []byte(sampleDoc), "notes.txt", "")
	require.NoError(t, err)
	env.processTask(t)

	// Zero-value options resolve to the defaults before the cache key is
	// computed, so spelling the defaults out hits the same entry.
	first, err := env.svc.Search(ctx, env.kb.ID, "keyword chunks", retrieval.Options{}, true)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, "hybrid", first.Mode)

	second, err := env.svc.Search(ctx, env.kb.ID, "keyword chunks", retrieval.Options{
		Mode:           retrieval.ModeHybrid,
		TopK:           retrieval.DefaultTopK,
		Fusion:         retrieval.FusionRRF,
		SemanticWeight: retrieval.DefaultSemanticWeight,
		KeywordWeight:  retrieval.DefaultKeywordWeight,
		RRFK:           retrieval.DefaultRRFK,
	}, true)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, "hybrid", second.Mode)
}

func TestSearch_UnknownKB(t *testing.T) {
	env := newSvcEnv(t)
	_, err := env.svc.Search(context.Background(), "missing", "query",
		retrieval.Options{Mode: retrieval.ModeKeyword}, true)
	require.Error(t, err)
	assert.True(t, kberrors.IsNotFound(err))
}

func TestDeleteDocument_CleansUpEverything(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	var invalidated []string
	env.svc.Hooks.KBInvalidated = func(kbID string) { invalidated = append(invalidated, kbID) }

	doc, err := env.svc.UploadDocument(ctx, env.kb.ID, []byte(sampleDoc), "notes.txt", "")
	require.NoError(t, err)
	env.processTask(t)

	opts := retrieval.Options{Mode: retrieval.ModeHybrid, TopK: 5}
	warm, err := env.svc.Search(ctx, env.kb.ID, "chunks", opts, true)
	require.NoError(t, err)
	require.NotEmpty(t, warm.Results)

	require.NoError(t, env.svc.DeleteDocument(ctx, doc.ID))

	_, err = env.catalog.GetDocument(ctx, doc.ID)
	assert.True(t, kberrors.IsNotFound(err))

	count, err := env.vectors.Count(ctx, vectorstore.CollectionName(env.kb.ID))
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	exists, err := env.blobs.Exists(ctx, doc.FilePath)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Contains(t, invalidated, env.kb.ID)

	// The cached search was dropped with the document.
	after, err := env.svc.Search(ctx, env.kb.ID, "chunks", opts, true)
	require.NoError(t, err)
	assert.False(t, after.FromCache)
	assert.Empty(t, after.Results)
}

func TestDeleteKB_DropsCollectionAndBlobs(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	doc, err := env.svc.UploadDocument(ctx, env.kb.ID, []byte(sampleDoc), "notes.txt", "")
	require.NoError(t, err)
	env.processTask(t)

	require.NoError(t, env.svc.DeleteKB(ctx, env.kb.ID))

	_, err = env.catalog.GetKB(ctx, env.kb.ID)
	assert.True(t, kberrors.IsNotFound(err))

	exists, err := env.blobs.Exists(ctx, doc.FilePath)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClearKBCache(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	_, err := env.svc.UploadDocument(ctx, env.kb.ID, []byte(sampleDoc), "notes.txt", "")
	require.NoError(t, err)
	env.processTask(t)

	opts := retrieval.Options{Mode: retrieval.ModeKeyword, TopK: 5}
	_, err = env.svc.Search(ctx, env.kb.ID, "vectors", opts, true)
	require.NoError(t, err)

	removed := env.svc.ClearKBCache(ctx, env.kb.ID)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, env.svc.ClearKBCache(ctx, env.kb.ID))
}

func TestRebuildKB_QueuesForcedBatch(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	docA, err := env.svc.UploadDocument(ctx, env.kb.ID, []byte(sampleDoc), "a.txt", "")
	require.NoError(t, err)
	docB, err := env.svc.UploadDocument(ctx, env.kb.ID, []byte(sampleDoc), "b.txt", "")
	require.NoError(t, err)

	taskID, n, err := env.svc.RebuildKB(ctx, env.kb.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)
	assert.Equal(t, 2, n)

	task, err := env.queue.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, queue.KindProcessBatch, task.Kind)
	var payload queue.ProcessBatchPayload
	require.NoError(t, json.Unmarshal(task.Payload, &payload))
	assert.ElementsMatch(t, []string{docA.ID, docB.ID}, payload.DocumentIDs)
	assert.True(t, payload.Force)
}

func TestProcessPending_QueuesPerDocument(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	_, err := env.svc.UploadDocument(ctx, env.kb.ID, []byte(sampleDoc), "a.txt", "")
	require.NoError(t, err)
	env.processTask(t)

	// One completed, one still pending.
	_, err = env.svc.UploadDocument(ctx, env.kb.ID, []byte(sampleDoc), "b.txt", "")
	require.NoError(t, err)

	n, err := env.svc.ProcessPending(ctx, env.kb.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandleProcessDocument_FiresHooks(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	var completedID string
	var completedChunks int
	var failedMsg string
	env.svc.Hooks.DocumentCompleted = func(id string, chunks int) {
		completedID = id
		completedChunks = chunks
	}
	env.svc.Hooks.DocumentFailed = func(_, msg string) { failedMsg = msg }

	doc, err := env.svc.UploadDocument(ctx, env.kb.ID, []byte(sampleDoc), "notes.txt", "")
	require.NoError(t, err)
	env.processTask(t)

	assert.Equal(t, doc.ID, completedID)
	assert.Greater(t, completedChunks, 0)
	assert.Empty(t, failedMsg)

	// A document whose blob vanished fails through the failure hook.
	doc2, err := env.svc.UploadDocument(ctx, env.kb.ID, []byte(sampleDoc), "gone.txt", "")
	require.NoError(t, err)
	require.NoError(t, env.blobs.Delete(ctx, doc2.FilePath))

	task, err := env.queue.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	_, err = env.svc.handleProcessDocument(ctx, task)
	require.Error(t, err)
	assert.Contains(t, failedMsg, doc2.FilePath)
}

func TestHandleProcessDocument_MissingDocumentSkipsFailureHook(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	hookFired := false
	env.svc.Hooks.DocumentFailed = func(_, _ string) { hookFired = true }

	payload, err := json.Marshal(queue.ProcessDocumentPayload{DocumentID: uuid.NewString()})
	require.NoError(t, err)
	_, err = env.svc.handleProcessDocument(ctx, &queue.Task{
		ID:       "task-missing",
		Kind:     queue.KindProcessDocument,
		Payload:  payload,
		WorkerID: "worker-1",
	})
	require.Error(t, err)
	assert.True(t, kberrors.IsNotFound(err))

	// Nothing was finalized FAILED, so no failure hook fires.
	assert.False(t, hookFired)
}

func TestHandleProcessBatch_RecordsPartialFailure(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	doc, err := env.svc.UploadDocument(ctx, env.kb.ID, []byte(sampleDoc), "notes.txt", "")
	require.NoError(t, err)
	// Drop the upload's own task; the batch will cover it.
	_, err = env.queue.Dequeue(ctx, "worker-1")
	require.NoError(t, err)

	payload, err := json.Marshal(queue.ProcessBatchPayload{
		DocumentIDs: []string{doc.ID, "no-such-document"},
		Force:       true,
	})
	require.NoError(t, err)

	result, err := env.svc.handleProcessBatch(ctx, &queue.Task{
		ID:       "task-1",
		Kind:     queue.KindProcessBatch,
		Payload:  payload,
		WorkerID: "worker-1",
	})
	require.NoError(t, err)

	batch, ok := result.(batchResult)
	require.True(t, ok)
	assert.Equal(t, 1, batch.Processed)
	assert.Equal(t, 1, batch.Failed)
	assert.Contains(t, batch.Errors, "no-such-document")
}

func TestHandleProcessPending_FansOut(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	docA, err := env.svc.UploadDocument(ctx, env.kb.ID, []byte(sampleDoc), "a.txt", "")
	require.NoError(t, err)
	docB, err := env.svc.UploadDocument(ctx, env.kb.ID, []byte(sampleDoc), "b.txt", "")
	require.NoError(t, err)
	// Drain the upload tasks so only the fanned-out ones remain afterwards.
	for i := 0; i < 2; i++ {
		task, err := env.queue.Dequeue(ctx, "worker-1")
		require.NoError(t, err)
		require.NoError(t, env.queue.Ack(ctx, task.ID, nil))
	}

	payload, err := json.Marshal(queue.ScopedPayload{KBID: env.kb.ID})
	require.NoError(t, err)
	result, err := env.svc.handleProcessPending(ctx, &queue.Task{
		ID:      "task-scan",
		Kind:    queue.KindProcessPending,
		Payload: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, fanoutResult{Queued: 2}, result)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		task, err := env.queue.Dequeue(ctx, "worker-2")
		require.NoError(t, err)
		require.NotNil(t, task)
		var p queue.ProcessDocumentPayload
		require.NoError(t, json.Unmarshal(task.Payload, &p))
		seen[p.DocumentID] = true
	}
	assert.True(t, seen[docA.ID])
	assert.True(t, seen[docB.ID])
}

func TestHandleDeleteVectors(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	doc, err := env.svc.UploadDocument(ctx, env.kb.ID, []byte(sampleDoc), "notes.txt", "")
	require.NoError(t, err)
	env.processTask(t)

	collection := vectorstore.CollectionName(env.kb.ID)
	before, err := env.vectors.Count(ctx, collection)
	require.NoError(t, err)
	require.Greater(t, before, 0)

	ids, err := env.catalog.ListVectorIDs(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, ids, before)

	payload, err := json.Marshal(queue.DeleteVectorsPayload{
		DocumentID: doc.ID,
		KBID:       env.kb.ID,
		VectorIDs:  ids,
	})
	require.NoError(t, err)
	result, err := env.svc.handleDeleteVectors(ctx, &queue.Task{
		ID:      "task-sweep",
		Kind:    queue.KindDeleteDocumentVectors,
		Payload: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"deleted": len(ids)}, result)

	after, err := env.vectors.Count(ctx, collection)
	require.NoError(t, err)
	assert.Equal(t, 0, after)
}
