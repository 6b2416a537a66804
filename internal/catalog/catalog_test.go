package catalog

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/knowbase/knowbase/internal/errors"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func seedKB(t *testing.T, c *Catalog) *KnowledgeBase {
	t.Helper()
	kb := &KnowledgeBase{
		ID:                 uuid.NewString(),
		Name:               "product docs",
		OwnerID:            "user-1",
		EmbeddingProvider:  "openai",
		EmbeddingModel:     "text-embedding-3-small",
		EmbeddingDimension: 4,
	}
	require.NoError(t, c.CreateKB(context.Background(), kb))
	return kb
}

func seedDocument(t *testing.T, c *Catalog, kbID string) *Document {
	t.Helper()
	d := &Document{
		ID:       uuid.NewString(),
		KBID:     kbID,
		FileName: "guide.txt",
		FileType: ".txt",
		FileSize: 1024,
		FilePath: "knowledge_bases/" + kbID + "/documents/x/guide.txt",
	}
	require.NoError(t, c.CreateDocument(context.Background(), d))
	return d
}

func makeChunks(docID, kbID string, contents ...string) []*Chunk {
	chunks := make([]*Chunk, len(contents))
	for i, content := range contents {
		id := uuid.NewString()
		chunks[i] = &Chunk{
			ID:         id,
			DocumentID: docID,
			KBID:       kbID,
			ChunkIndex: i,
			Content:    content,
			StartChar:  i * 100,
			EndChar:    i*100 + len(content),
			TokenCount: len(content) / 4,
			VectorID:   id,
			Metadata:   map[string]string{"file_name": "guide.txt"},
		}
	}
	return chunks
}

func TestKB_CreateGetDelete(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	kb := seedKB(t, c)

	loaded, err := c.GetKB(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, "product docs", loaded.Name)
	assert.Equal(t, 4, loaded.EmbeddingDimension)
	assert.Equal(t, int64(1), loaded.Version)
	assert.False(t, loaded.CreatedAt.IsZero())

	_, err = c.GetKB(ctx, uuid.NewString())
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeKBNotFound, kberrors.GetCode(err))
}

func TestDocument_CreateBumpsKBCounter(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	kb := seedKB(t, c)

	seedDocument(t, c, kb.ID)
	seedDocument(t, c, kb.ID)

	loaded, err := c.GetKB(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.DocumentCount)
}

func TestDocument_CreateUnknownKB(t *testing.T) {
	c := newTestCatalog(t)

	err := c.CreateDocument(context.Background(), &Document{
		ID: uuid.NewString(), KBID: uuid.NewString(), FileName: "x.txt", FileType: ".txt",
	})
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeKBNotFound, kberrors.GetCode(err))
}

func TestClaimForProcessing_CAS(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	kb := seedKB(t, c)
	doc := seedDocument(t, c, kb.ID)

	claimed, err := c.ClaimForProcessing(ctx, doc.ID, "worker-1", false)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim loses the race.
	claimed, err = c.ClaimForProcessing(ctx, doc.ID, "worker-2", false)
	require.NoError(t, err)
	assert.False(t, claimed)

	loaded, err := c.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, loaded.Status)
	assert.Equal(t, "worker-1", loaded.WorkerID)
}

func TestClaimForProcessing_ForceResetsTerminalStates(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	kb := seedKB(t, c)
	doc := seedDocument(t, c, kb.ID)

	claimed, err := c.ClaimForProcessing(ctx, doc.ID, "worker-1", false)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, c.FinalizeSuccess(ctx, doc.ID, makeChunks(doc.ID, kb.ID, "hello world")))

	// Without force a COMPLETED document cannot be claimed.
	claimed, err = c.ClaimForProcessing(ctx, doc.ID, "worker-1", false)
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = c.ClaimForProcessing(ctx, doc.ID, "worker-1", true)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Force does not steal a document another worker is processing.
	claimed, err = c.ClaimForProcessing(ctx, doc.ID, "worker-2", true)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestFinalizeSuccess_ReplacesChunks(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	kb := seedKB(t, c)
	doc := seedDocument(t, c, kb.ID)

	first := make([]string, 10)
	for i := range first {
		first[i] = fmt.Sprintf("original chunk %d", i)
	}
	require.NoError(t, c.FinalizeSuccess(ctx, doc.ID, makeChunks(doc.ID, kb.ID, first...)))

	loaded, err := c.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
	assert.Equal(t, 10, loaded.ChunkCount)
	require.NotNil(t, loaded.ProcessedAt)

	// Reprocessing with fewer chunks leaves exactly the new set.
	require.NoError(t, c.FinalizeSuccess(ctx, doc.ID,
		makeChunks(doc.ID, kb.ID, "new a", "new b", "new c", "new d")))

	chunks, err := c.ListChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.ChunkIndex)
		assert.Contains(t, ch.Content, "new")
		assert.Equal(t, "guide.txt", ch.Metadata["file_name"])
	}

	loadedKB, err := c.GetKB(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, loadedKB.ChunkCount)
}

func TestPurgeChunks(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	kb := seedKB(t, c)
	doc := seedDocument(t, c, kb.ID)

	require.NoError(t, c.FinalizeSuccess(ctx, doc.ID,
		makeChunks(doc.ID, kb.ID, "alpha body", "beta body", "gamma body")))

	removed, err := c.PurgeChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	n, err := c.CountChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	hits, err := c.SearchKeyword(ctx, kb.ID, "alpha", 10, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	loaded, err := c.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.ChunkCount)

	loadedKB, err := c.GetKB(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, loadedKB.ChunkCount)

	// Purging again is a no-op, and unknown documents surface not-found.
	removed, err = c.PurgeChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	_, err = c.PurgeChunks(ctx, "no-such-document")
	require.Error(t, err)
	assert.True(t, kberrors.IsNotFound(err))
}

func TestFinalizeFailure(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	kb := seedKB(t, c)
	doc := seedDocument(t, c, kb.ID)

	require.NoError(t, c.FinalizeFailure(ctx, doc.ID, "empty extraction"))
	require.NoError(t, c.FinalizeFailure(ctx, doc.ID, "still failing"))

	loaded, err := c.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, loaded.Status)
	assert.Equal(t, "still failing", loaded.ErrorMessage)
	assert.Equal(t, 2, loaded.RetryCount)
}

func TestListIDsByStatus(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	kb := seedKB(t, c)
	other := seedKB(t, c)

	d1 := seedDocument(t, c, kb.ID)
	d2 := seedDocument(t, c, kb.ID)
	d3 := seedDocument(t, c, other.ID)
	require.NoError(t, c.FinalizeFailure(ctx, d2.ID, "boom"))

	pending, err := c.ListIDsByStatus(ctx, kb.ID, StatusPending, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{d1.ID}, pending)

	allPending, err := c.ListIDsByStatus(ctx, "", StatusPending, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{d1.ID, d3.ID}, allPending)

	failed, err := c.ListIDsByStatus(ctx, kb.ID, StatusFailed, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{d2.ID}, failed)
}

func TestDeleteDocument_ReportsResidue(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	kb := seedKB(t, c)
	doc := seedDocument(t, c, kb.ID)
	chunks := makeChunks(doc.ID, kb.ID, "alpha", "beta", "gamma")
	require.NoError(t, c.FinalizeSuccess(ctx, doc.ID, chunks))

	deleted, err := c.DeleteDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, kb.ID, deleted.KBID)
	assert.Equal(t, doc.FilePath, deleted.FilePath)
	assert.Len(t, deleted.VectorIDs, 3)
	assert.Equal(t, 3, deleted.ChunkCount)

	_, err = c.GetDocument(ctx, doc.ID)
	require.Error(t, err)
	assert.True(t, kberrors.IsNotFound(err))

	loadedKB, err := c.GetKB(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, loadedKB.DocumentCount)
	assert.Equal(t, 0, loadedKB.ChunkCount)

	remaining, err := c.ListChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestDeleteKB_Cascades(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	kb := seedKB(t, c)
	doc := seedDocument(t, c, kb.ID)
	require.NoError(t, c.FinalizeSuccess(ctx, doc.ID, makeChunks(doc.ID, kb.ID, "one", "two")))

	paths, vectorIDs, err := c.DeleteKB(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{doc.FilePath}, paths)
	assert.Len(t, vectorIDs, 2)

	_, err = c.GetDocument(ctx, doc.ID)
	require.Error(t, err)

	var n int
	require.NoError(t, c.DB().QueryRow(
		`SELECT COUNT(*) FROM chunks WHERE kb_id = ?`, kb.ID).Scan(&n))
	assert.Equal(t, 0, n)
}
