package retrieval

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/knowbase/knowbase/internal/catalog"
	"github.com/knowbase/knowbase/internal/embed"
	kberrors "github.com/knowbase/knowbase/internal/errors"
	"github.com/knowbase/knowbase/internal/vectorstore"
)

// Retriever runs searches against one deployment's embedding, vector and
// keyword backends.
type Retriever struct {
	embedder embed.Embedder
	vectors  vectorstore.Store
	catalog  *catalog.Catalog
	reranker Reranker
	logger   *slog.Logger
}

// New creates a retriever. The reranker may be nil; rerank requests are then
// ignored.
func New(embedder embed.Embedder, vectors vectorstore.Store, cat *catalog.Catalog, reranker Reranker, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		embedder: embedder,
		vectors:  vectors,
		catalog:  cat,
		reranker: reranker,
		logger:   logger,
	}
}

// Search runs one retrieval request. The returned metadata describes how the
// request was served (mode, degradations, rerank info).
func (r *Retriever) Search(ctx context.Context, kbID, query string, opts Options) ([]SearchResult, map[string]any, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil, kberrors.ValidationError("query is empty", nil).
			WithDetail("code", kberrors.ErrCodeQueryEmpty)
	}
	opts = opts.withDefaults()

	meta := map[string]any{"mode": string(opts.Mode)}

	// Reranking needs a wider candidate pool; the threshold is applied
	// after fusion and rerank, never inside the sub-retrievers.
	rerank := opts.Rerank && r.reranker != nil
	limit := opts.TopK
	if rerank {
		limit = opts.TopK * RerankPrefetchFactor
	}

	var results []SearchResult
	var err error
	switch opts.Mode {
	case ModeSemantic:
		results, err = r.semantic(ctx, kbID, query, limit, opts.Filters)
	case ModeKeyword:
		results, err = r.keyword(ctx, kbID, query, limit, opts.Filters)
	case ModeHybrid:
		results, err = r.hybrid(ctx, kbID, query, limit, opts, meta)
	default:
		return nil, nil, kberrors.ValidationError("unknown search mode: "+string(opts.Mode), nil)
	}
	if err != nil {
		return nil, nil, err
	}

	if rerank {
		rerankOpts := opts.RerankOptions
		rerankOpts.TopK = opts.TopK
		reranked, rerr := r.reranker.Rerank(ctx, query, results, rerankOpts)
		if rerr != nil {
			// Degrade to the fused order rather than failing the request.
			r.logger.Warn("rerank failed, returning unranked results",
				slog.String("kb_id", kbID),
				slog.String("provider", r.reranker.Name()),
				slog.String("error", rerr.Error()))
			meta["rerank_failed"] = true
		} else {
			results = reranked
			meta["reranked"] = true
			meta["rerank_provider"] = r.reranker.Name()
		}
	}

	filtered := results[:0:len(results)]
	for _, res := range results {
		if res.Score >= opts.ScoreThreshold {
			filtered = append(filtered, res)
		}
	}
	return applyTopK(filtered, opts.TopK), meta, nil
}

// semantic embeds the query and searches the KB's vector collection.
func (r *Retriever) semantic(ctx context.Context, kbID, query string, limit int, filters *Filters) ([]SearchResult, error) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	points, err := r.vectors.Search(ctx, vectorstore.CollectionName(kbID), vector, limit, filters.VectorFilter())
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		results = append(results, pointToResult(p))
	}
	return results, nil
}

// keyword searches the catalog's full-text index. Document IDs narrow the
// SQL query; the other filter fields are applied to the hits, mirroring the
// semantic side's payload filter.
func (r *Retriever) keyword(ctx context.Context, kbID, query string, limit int, filters *Filters) ([]SearchResult, error) {
	var docIDs []string
	if filters != nil {
		docIDs = filters.DocumentIDs
	}

	hits, err := r.catalog.SearchKeyword(ctx, kbID, query, limit, docIDs, 0)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		if !filters.matchHit(h) {
			continue
		}
		results = append(results, hitToResult(h))
	}
	return results, nil
}

// hybrid runs semantic and keyword search concurrently and fuses the lists.
// One side failing degrades to the other's results with a partial marker;
// both failing propagates the semantic error.
func (r *Retriever) hybrid(ctx context.Context, kbID, query string, limit int, opts Options, meta map[string]any) ([]SearchResult, error) {
	var semResults, kwResults []SearchResult
	var semErr, kwErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		semResults, semErr = r.semantic(gctx, kbID, query, limit, opts.Filters)
		return nil
	})
	g.Go(func() error {
		kwResults, kwErr = r.keyword(gctx, kbID, query, limit, opts.Filters)
		return nil
	})
	_ = g.Wait()

	if semErr != nil && kwErr != nil {
		return nil, kberrors.New(kberrors.ErrCodeSearchFailed, "both hybrid sub-searches failed", semErr)
	}
	if semErr != nil {
		r.logger.Warn("semantic search failed, continuing with keyword results",
			slog.String("kb_id", kbID),
			slog.String("error", semErr.Error()))
		meta["partial"] = true
		meta["failed_source"] = "semantic"
	}
	if kwErr != nil {
		r.logger.Warn("keyword search failed, continuing with semantic results",
			slog.String("kb_id", kbID),
			slog.String("error", kwErr.Error()))
		meta["partial"] = true
		meta["failed_source"] = "keyword"
	}

	semW, kwW := opts.SemanticWeight, opts.KeywordWeight
	if opts.AdaptiveWeights {
		semW, kwW = AdaptiveWeights(query, semW, kwW)
		meta["adaptive_weights"] = true
		meta["semantic_weight"] = semW
		meta["keyword_weight"] = kwW
	}

	switch opts.Fusion {
	case FusionWeighted:
		return FuseWeighted(semResults, kwResults, semW, kwW), nil
	case FusionLinear:
		return FuseLinear(semResults, kwResults, semW, kwW), nil
	default:
		return FuseRRF(semResults, kwResults, opts.RRFK), nil
	}
}

// pointToResult maps a scored vector point onto the wire result shape using
// the payload written at upsert time.
func pointToResult(p vectorstore.ScoredPoint) SearchResult {
	res := SearchResult{
		ChunkID: p.ID,
		Score:   float64(p.Score),
		Source:  string(ModeSemantic),
	}
	if v, ok := p.Payload["document_id"].(string); ok {
		res.DocumentID = v
	}
	if v, ok := p.Payload["content"].(string); ok {
		res.Content = v
	}
	if v, ok := p.Payload["file_name"].(string); ok {
		res.FileName = v
	}
	if v, ok := p.Payload["file_type"].(string); ok {
		res.FileType = v
	}
	res.ChunkIndex = payloadInt(p.Payload, "chunk_index")
	return res
}

func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func hitToResult(h catalog.KeywordHit) SearchResult {
	res := SearchResult{
		ChunkID:    h.ChunkID,
		DocumentID: h.DocumentID,
		Content:    h.Content,
		Score:      h.Score,
		FileName:   h.FileName,
		FileType:   h.FileType,
		ChunkIndex: h.ChunkIndex,
		Source:     string(ModeKeyword),
	}
	if len(h.Metadata) > 0 {
		md := make(map[string]any, len(h.Metadata))
		for k, v := range h.Metadata {
			md[k] = v
		}
		res.Metadata = md
	}
	return res
}
