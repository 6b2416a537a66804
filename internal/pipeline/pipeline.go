// Package pipeline runs the document write path: download, parse, chunk,
// embed, upsert vectors and finalize the catalog row, idempotently under
// at-least-once task delivery.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knowbase/knowbase/internal/cache"
	"github.com/knowbase/knowbase/internal/catalog"
	"github.com/knowbase/knowbase/internal/chunk"
	"github.com/knowbase/knowbase/internal/embed"
	kberrors "github.com/knowbase/knowbase/internal/errors"
	"github.com/knowbase/knowbase/internal/objectstore"
	"github.com/knowbase/knowbase/internal/parser"
	"github.com/knowbase/knowbase/internal/vectorstore"
)

// DefaultSoftTimeLimit is how long one document may process before the job
// aborts itself with a timeout failure.
const DefaultSoftTimeLimit = 50 * time.Minute

// Outcome statuses.
const (
	StatusCompleted         = "completed"
	StatusSkipped           = "skipped"
	StatusAlreadyProcessing = "already_processing"
)

// Outcome reports one processing run. It doubles as the queue task result.
type Outcome struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	ChunkCount int    `json:"chunk_count"`
	TookMS     int64  `json:"took_ms"`
}

// Config tunes the pipeline.
type Config struct {
	Chunking      chunk.Config
	SoftTimeLimit time.Duration
}

// Pipeline wires the write-path components together.
type Pipeline struct {
	catalog  *catalog.Catalog
	blobs    objectstore.Store
	parsers  *parser.Registry
	embedder embed.Embedder
	vectors  vectorstore.Store
	cache    *cache.SearchCache
	cfg      Config
	logger   *slog.Logger
}

// New creates a pipeline. The cache may be a disabled pass-through.
func New(cat *catalog.Catalog, blobs objectstore.Store, parsers *parser.Registry,
	embedder embed.Embedder, vectors vectorstore.Store, searchCache *cache.SearchCache,
	cfg Config, logger *slog.Logger) *Pipeline {

	if cfg.SoftTimeLimit <= 0 {
		cfg.SoftTimeLimit = DefaultSoftTimeLimit
	}
	if cfg.Chunking.ChunkSize <= 0 {
		cfg.Chunking = chunk.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		catalog:  cat,
		blobs:    blobs,
		parsers:  parsers,
		embedder: embedder,
		vectors:  vectors,
		cache:    searchCache,
		cfg:      cfg,
		logger:   logger,
	}
}

// ProcessDocument runs the full write path for one document. Completed
// documents are skipped unless force is set. A claim held by another worker
// yields an already_processing outcome rather than an error, so redelivered
// tasks drop cleanly.
func (p *Pipeline) ProcessDocument(ctx context.Context, documentID, workerID string, force bool) (*Outcome, error) {
	start := time.Now()

	doc, err := p.catalog.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status == catalog.StatusCompleted && !force {
		return &Outcome{
			DocumentID: documentID,
			Status:     StatusSkipped,
			ChunkCount: doc.ChunkCount,
			TookMS:     time.Since(start).Milliseconds(),
		}, nil
	}

	claimed, err := p.catalog.ClaimForProcessing(ctx, documentID, workerID, force)
	if err != nil {
		return nil, err
	}
	if !claimed {
		p.logger.Info("document claimed by another worker",
			slog.String("document_id", documentID),
			slog.String("worker", workerID))
		return &Outcome{DocumentID: documentID, Status: StatusAlreadyProcessing}, nil
	}

	// The soft limit bounds the whole claimed run; the queue's hard limit
	// backs it up at the context level.
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.SoftTimeLimit)
	defer cancel()

	chunkCount, err := p.process(runCtx, doc)
	if err != nil {
		message := err.Error()
		if runCtx.Err() != nil && ctx.Err() == nil {
			err = kberrors.New(kberrors.ErrCodeProcessingTimeout,
				fmt.Sprintf("processing exceeded the %s soft limit", p.cfg.SoftTimeLimit), err)
			message = err.Error()
		}
		if ferr := p.catalog.FinalizeFailure(ctx, documentID, message); ferr != nil {
			p.logger.Error("failed to record processing failure",
				slog.String("document_id", documentID),
				slog.String("error", ferr.Error()))
		}
		p.invalidate(doc.KBID)
		p.logger.Warn("document processing failed",
			slog.String("document_id", documentID),
			slog.String("kb_id", doc.KBID),
			slog.String("error", message))
		return nil, err
	}

	p.invalidate(doc.KBID)
	p.logger.Info("document processed",
		slog.String("document_id", documentID),
		slog.String("kb_id", doc.KBID),
		slog.Int("chunks", chunkCount),
		slog.Duration("took", time.Since(start)))

	return &Outcome{
		DocumentID: documentID,
		Status:     StatusCompleted,
		ChunkCount: chunkCount,
		TookMS:     time.Since(start).Milliseconds(),
	}, nil
}

// process runs the claimed portion of the pipeline. Any error routes to
// FinalizeFailure in the caller.
func (p *Pipeline) process(ctx context.Context, doc *catalog.Document) (int, error) {
	kb, err := p.catalog.GetKB(ctx, doc.KBID)
	if err != nil {
		return 0, err
	}

	data, err := p.blobs.Download(ctx, doc.FilePath)
	if err != nil {
		return 0, err
	}

	parsed, err := p.parsers.Parse(data, doc.FileName)
	if err != nil {
		return 0, err
	}
	text := parsed.TotalContent()
	if strings.TrimSpace(text) == "" {
		return 0, kberrors.New(kberrors.ErrCodeEmptyExtraction,
			"no text extracted from "+doc.FileName, nil)
	}

	chunker, err := chunk.NewChunker(p.cfg.Chunking)
	if err != nil {
		return 0, err
	}
	pieces := chunker.Chunk(text, map[string]string{
		"document_id": doc.ID,
		"kb_id":       doc.KBID,
		"filename":    doc.FileName,
		"file_type":   doc.FileType,
	})
	if len(pieces) == 0 {
		return 0, kberrors.New(kberrors.ErrCodeEmptyExtraction,
			"chunking produced no content for "+doc.FileName, nil)
	}

	collection := vectorstore.CollectionName(doc.KBID)
	if err := p.purgeStale(ctx, collection, doc.ID); err != nil {
		return 0, err
	}

	texts := make([]string, len(pieces))
	for i, piece := range pieces {
		texts[i] = piece.Content
	}

	dims := kb.EmbeddingDimension
	if dims <= 0 {
		dims = p.embedder.Dimensions()
	}
	if dims > 0 {
		if err := p.vectors.EnsureCollection(ctx, collection, dims); err != nil {
			return 0, err
		}
	}

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}
	if len(vectors) != len(pieces) {
		return 0, kberrors.IntegrityError(kberrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("embedding returned %d vectors for %d chunks", len(vectors), len(pieces)), nil)
	}
	if dims <= 0 && len(vectors) > 0 {
		// The provider's dimension is learned from the first response.
		dims = len(vectors[0])
		if err := p.vectors.EnsureCollection(ctx, collection, dims); err != nil {
			return 0, err
		}
	}

	// One UUID serves as both the chunk row id and the vector id. The
	// payload carries the indexing time so date filters work on vectors.
	indexedAt := time.Now().Unix()
	points := make([]vectorstore.Point, len(pieces))
	rows := make([]*catalog.Chunk, len(pieces))
	for i, piece := range pieces {
		id := uuid.NewString()
		points[i] = vectorstore.Point{
			ID:     id,
			Vector: vectors[i],
			Payload: map[string]any{
				"document_id": doc.ID,
				"kb_id":       doc.KBID,
				"chunk_index": piece.Index,
				"content":     piece.Content,
				"file_name":   doc.FileName,
				"file_type":   doc.FileType,
				"start_char":  piece.StartChar,
				"end_char":    piece.EndChar,
				"created_at":  indexedAt,
			},
		}
		rows[i] = &catalog.Chunk{
			ID:             id,
			DocumentID:     doc.ID,
			KBID:           doc.KBID,
			ChunkIndex:     piece.Index,
			Content:        piece.Content,
			StartChar:      piece.StartChar,
			EndChar:        piece.EndChar,
			TokenCount:     piece.TokenCount(),
			VectorID:       id,
			Metadata:       piece.Metadata,
			EmbeddingModel: p.embedder.ModelName(),
		}
	}

	if err := p.vectors.Upsert(ctx, collection, points); err != nil {
		return 0, err
	}

	if err := p.catalog.FinalizeSuccess(ctx, doc.ID, rows); err != nil {
		return 0, err
	}

	if kb.EmbeddingDimension == 0 && dims > 0 {
		if err := p.catalog.SetKBEmbeddingDimension(ctx, doc.KBID, dims); err != nil {
			p.logger.Warn("failed to record embedding dimension",
				slog.String("kb_id", doc.KBID),
				slog.String("error", err.Error()))
		}
	}

	return len(rows), nil
}

// purgeStale removes the document's previously indexed vectors and chunk
// rows before reindexing, so a failed run leaves nothing of the prior
// version searchable. Missing collections or vectors are tolerated; a chunk
// purge failure aborts the run.
func (p *Pipeline) purgeStale(ctx context.Context, collection, documentID string) error {
	ids, err := p.catalog.ListVectorIDs(ctx, documentID)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := p.vectors.Delete(ctx, collection, ids); err != nil {
			p.logger.Warn("failed to purge stale vectors",
				slog.String("document_id", documentID),
				slog.Int("count", len(ids)),
				slog.String("error", err.Error()))
		}
	}

	removed, err := p.catalog.PurgeChunks(ctx, documentID)
	if err != nil {
		return err
	}
	if removed > 0 {
		p.logger.Debug("purged stale chunks",
			slog.String("document_id", documentID),
			slog.Int("chunks", removed))
	}
	return nil
}

// invalidate drops the KB's cached search results. Cache errors are already
// swallowed inside the cache layer.
func (p *Pipeline) invalidate(kbID string) {
	if p.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.cache.InvalidateKB(ctx, kbID)
}
