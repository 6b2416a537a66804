// Package service is the inward-facing surface the transport layer drives:
// document writes, retrieval reads and admin operations, with outward hooks
// for lifecycle events.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/knowbase/knowbase/internal/cache"
	"github.com/knowbase/knowbase/internal/catalog"
	kberrors "github.com/knowbase/knowbase/internal/errors"
	"github.com/knowbase/knowbase/internal/objectstore"
	"github.com/knowbase/knowbase/internal/parser"
	"github.com/knowbase/knowbase/internal/pipeline"
	"github.com/knowbase/knowbase/internal/queue"
	"github.com/knowbase/knowbase/internal/retrieval"
	"github.com/knowbase/knowbase/internal/vectorstore"
)

// Hooks are synchronous outward notifications. Nil hooks are skipped.
type Hooks struct {
	DocumentCompleted func(documentID string, chunkCount int)
	DocumentFailed    func(documentID string, errMsg string)
	KBInvalidated     func(kbID string)
}

// Service wires the core components behind one API.
type Service struct {
	catalog   *catalog.Catalog
	vectors   vectorstore.Store
	blobs     objectstore.Store
	parsers   *parser.Registry
	pipeline  *pipeline.Pipeline
	retriever *retrieval.Retriever
	cache     *cache.SearchCache
	queue     *queue.Queue
	logger    *slog.Logger

	Hooks Hooks
}

// New creates the service.
func New(cat *catalog.Catalog, vectors vectorstore.Store, blobs objectstore.Store,
	parsers *parser.Registry, pipe *pipeline.Pipeline, retriever *retrieval.Retriever,
	searchCache *cache.SearchCache, q *queue.Queue, logger *slog.Logger) *Service {

	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		catalog:   cat,
		vectors:   vectors,
		blobs:     blobs,
		parsers:   parsers,
		pipeline:  pipe,
		retriever: retriever,
		cache:     searchCache,
		queue:     q,
		logger:    logger,
	}
}

// CreateKB registers a knowledge base.
func (s *Service) CreateKB(ctx context.Context, kb *catalog.KnowledgeBase) error {
	if kb.ID == "" {
		kb.ID = uuid.NewString()
	}
	if strings.TrimSpace(kb.Name) == "" {
		return kberrors.ValidationError("knowledge base name is required", nil)
	}
	return s.catalog.CreateKB(ctx, kb)
}

// DeleteKB removes a knowledge base and everything it owns: catalog rows,
// the vector collection, blobs and cached searches.
func (s *Service) DeleteKB(ctx context.Context, kbID string) error {
	filePaths, _, err := s.catalog.DeleteKB(ctx, kbID)
	if err != nil {
		return err
	}

	if err := s.vectors.DropCollection(ctx, vectorstore.CollectionName(kbID)); err != nil {
		s.logger.Warn("failed to drop vector collection",
			slog.String("kb_id", kbID),
			slog.String("error", err.Error()))
	}
	if _, err := s.blobs.DeleteByPrefix(ctx, objectstore.KBPrefix(kbID)); err != nil {
		s.logger.Warn("failed to delete kb blobs",
			slog.String("kb_id", kbID),
			slog.Int("files", len(filePaths)),
			slog.String("error", err.Error()))
	}

	s.invalidateKB(ctx, kbID)
	return nil
}

// UploadDocument stores the file, registers a PENDING document and enqueues
// its processing task.
func (s *Service) UploadDocument(ctx context.Context, kbID string, fileBytes []byte, filename, description string) (*catalog.Document, error) {
	return s.ingest(ctx, kbID, fileBytes, filename, description, catalog.SourceUpload)
}

// ingest is the shared write path for uploads and API pushes.
func (s *Service) ingest(ctx context.Context, kbID string, fileBytes []byte, filename, description, sourceType string) (*catalog.Document, error) {
	if len(fileBytes) == 0 {
		return nil, kberrors.ValidationError("file is empty", nil)
	}
	if !s.parsers.IsSupported(filename) {
		return nil, kberrors.New(kberrors.ErrCodeUnsupportedFileType,
			"unsupported file type: "+filename, nil)
	}
	if _, err := s.catalog.GetKB(ctx, kbID); err != nil {
		return nil, err
	}

	docID := uuid.NewString()
	path, _, err := s.blobs.Upload(ctx, fileBytes, kbID, filename, docID, "")
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(fileBytes)
	doc := &catalog.Document{
		ID:          docID,
		KBID:        kbID,
		FileName:    filename,
		FileType:    strings.ToLower(extOf(filename)),
		FileSize:    int64(len(fileBytes)),
		FilePath:    path,
		ContentHash: hex.EncodeToString(sum[:]),
		SourceType:  sourceType,
		Description: description,
	}
	if err := s.catalog.CreateDocument(ctx, doc); err != nil {
		// The blob is orphaned otherwise.
		if derr := s.blobs.Delete(ctx, path); derr != nil {
			s.logger.Warn("failed to clean up blob after catalog error",
				slog.String("path", path),
				slog.String("error", derr.Error()))
		}
		return nil, err
	}

	if _, err := s.queue.Enqueue(ctx, queue.KindProcessDocument,
		queue.ProcessDocumentPayload{DocumentID: docID}); err != nil {
		return nil, err
	}

	s.logger.Info("document uploaded",
		slog.String("document_id", docID),
		slog.String("kb_id", kbID),
		slog.String("file", filename))
	return doc, nil
}

// PushDocument registers raw UTF-8 text as a document. The content flows
// through the same blob and processing path as uploads.
func (s *Service) PushDocument(ctx context.Context, kbID, filename, text string) (*catalog.Document, error) {
	if !utf8.ValidString(text) {
		return nil, kberrors.ValidationError("pushed text is not valid UTF-8", nil)
	}
	if strings.TrimSpace(text) == "" {
		return nil, kberrors.ValidationError("pushed text is empty", nil)
	}
	if extOf(filename) == "" {
		filename += ".txt"
	}

	return s.ingest(ctx, kbID, []byte(text), filename, "", catalog.SourceAPI)
}

// ReprocessDocuments enqueues a forced batch run over the documents.
func (s *Service) ReprocessDocuments(ctx context.Context, documentIDs []string) (string, error) {
	if len(documentIDs) == 0 {
		return "", kberrors.ValidationError("no document ids given", nil)
	}
	return s.queue.Enqueue(ctx, queue.KindProcessBatch,
		queue.ProcessBatchPayload{DocumentIDs: documentIDs, Force: true})
}

// DeleteDocument removes the document's catalog rows, vectors and blob, then
// invalidates the KB's cached searches.
func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	deleted, err := s.catalog.DeleteDocument(ctx, documentID)
	if err != nil {
		return err
	}

	if len(deleted.VectorIDs) > 0 {
		collection := vectorstore.CollectionName(deleted.KBID)
		if err := s.vectors.Delete(ctx, collection, deleted.VectorIDs); err != nil {
			// Fall back to an async sweep so the vectors are not leaked.
			s.logger.Warn("synchronous vector delete failed, queuing sweep",
				slog.String("document_id", documentID),
				slog.String("error", err.Error()))
			if _, qerr := s.queue.Enqueue(ctx, queue.KindDeleteDocumentVectors,
				queue.DeleteVectorsPayload{
					DocumentID: documentID,
					KBID:       deleted.KBID,
					VectorIDs:  deleted.VectorIDs,
				}); qerr != nil {
				s.logger.Error("failed to queue vector sweep",
					slog.String("document_id", documentID),
					slog.String("error", qerr.Error()))
			}
		}
	}

	if deleted.FilePath != "" {
		if err := s.blobs.Delete(ctx, deleted.FilePath); err != nil {
			s.logger.Warn("failed to delete blob",
				slog.String("path", deleted.FilePath),
				slog.String("error", err.Error()))
		}
	}

	s.invalidateKB(ctx, deleted.KBID)
	s.logger.Info("document deleted",
		slog.String("document_id", documentID),
		slog.String("kb_id", deleted.KBID),
		slog.Int("chunks", deleted.ChunkCount))
	return nil
}

// SearchResponse is the read-path result envelope.
type SearchResponse struct {
	Results   []retrieval.SearchResult `json:"results"`
	TookMS    int64                    `json:"took_ms"`
	FromCache bool                     `json:"from_cache"`
	Mode      string                   `json:"mode"`
	Metadata  map[string]any           `json:"metadata,omitempty"`
}

// Search serves one query, consulting the result cache unless useCache is
// false. Cache failures degrade silently to a live search.
func (s *Service) Search(ctx context.Context, kbID, query string, opts retrieval.Options, useCache bool) (*SearchResponse, error) {
	start := time.Now()

	if _, err := s.catalog.GetKB(ctx, kbID); err != nil {
		return nil, err
	}

	// Equivalent requests must share one cache entry, so defaults are
	// applied before the key is computed.
	opts = opts.Normalized()

	key := s.cacheKey(kbID, query, opts)
	if useCache {
		var cached []retrieval.SearchResult
		if s.cache.Get(ctx, key, &cached) {
			return &SearchResponse{
				Results:   cached,
				TookMS:    time.Since(start).Milliseconds(),
				FromCache: true,
				Mode:      string(opts.Mode),
			}, nil
		}
	}

	results, meta, err := s.retriever.Search(ctx, kbID, query, opts)
	if err != nil {
		return nil, err
	}

	if useCache {
		s.cache.Set(ctx, key, results)
	}

	mode := string(opts.Mode)
	if m, ok := meta["mode"].(string); ok {
		mode = m
	}
	return &SearchResponse{
		Results:  results,
		TookMS:   time.Since(start).Milliseconds(),
		Mode:     mode,
		Metadata: meta,
	}, nil
}

// cacheKey fingerprints everything that changes the result set.
func (s *Service) cacheKey(kbID, query string, opts retrieval.Options) cache.Key {
	cfg := map[string]any{
		"mode":            string(opts.Mode),
		"top_k":           opts.TopK,
		"score_threshold": opts.ScoreThreshold,
		"fusion":          string(opts.Fusion),
		"semantic_weight": opts.SemanticWeight,
		"keyword_weight":  opts.KeywordWeight,
		"rrf_k":           opts.RRFK,
		"adaptive":        opts.AdaptiveWeights,
		"rerank":          opts.Rerank,
	}
	var filters map[string]any
	if f := opts.Filters; f != nil {
		filters = map[string]any{}
		if len(f.DocumentIDs) > 0 {
			filters["document_ids"] = f.DocumentIDs
		}
		if len(f.FileTypes) > 0 {
			filters["file_types"] = f.FileTypes
		}
		if f.DateFrom != nil {
			filters["date_from"] = f.DateFrom.UTC().Format(time.RFC3339)
		}
		if f.DateTo != nil {
			filters["date_to"] = f.DateTo.UTC().Format(time.RFC3339)
		}
		if len(f.Tags) > 0 {
			filters["tags"] = f.Tags
		}
		if len(f.Metadata) > 0 {
			filters["metadata"] = f.Metadata
		}
	}
	return cache.Key{KBID: kbID, Query: query, Config: cfg, Filters: filters}
}

// ClearKBCache drops the KB's cached searches and returns how many keys were
// removed.
func (s *Service) ClearKBCache(ctx context.Context, kbID string) int {
	removed := s.cache.InvalidateKB(ctx, kbID)
	s.fireKBInvalidated(kbID)
	return removed
}

// RebuildKB enqueues a forced reprocess of every document in the KB.
func (s *Service) RebuildKB(ctx context.Context, kbID string) (string, int, error) {
	ids, err := s.catalog.ListDocumentIDsByKB(ctx, kbID)
	if err != nil {
		return "", 0, err
	}
	if len(ids) == 0 {
		return "", 0, nil
	}
	taskID, err := s.queue.Enqueue(ctx, queue.KindProcessBatch,
		queue.ProcessBatchPayload{DocumentIDs: ids, Force: true})
	if err != nil {
		return "", 0, err
	}
	return taskID, len(ids), nil
}

// ProcessPending enqueues processing tasks for PENDING documents, optionally
// scoped to one KB. Returns how many were queued.
func (s *Service) ProcessPending(ctx context.Context, kbID string, limit int) (int, error) {
	ids, err := s.catalog.ListIDsByStatus(ctx, kbID, catalog.StatusPending, limit)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := s.queue.Enqueue(ctx, queue.KindProcessDocument,
			queue.ProcessDocumentPayload{DocumentID: id}); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// invalidateKB clears the cache and fires the hook.
func (s *Service) invalidateKB(ctx context.Context, kbID string) {
	s.cache.InvalidateKB(ctx, kbID)
	s.fireKBInvalidated(kbID)
}

func (s *Service) fireKBInvalidated(kbID string) {
	if s.Hooks.KBInvalidated != nil {
		s.Hooks.KBInvalidated(kbID)
	}
}

func extOf(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return ""
	}
	return filename[idx:]
}
