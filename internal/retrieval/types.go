// Package retrieval dispatches semantic, keyword and hybrid search over a
// knowledge base, fuses ranked lists and optionally reranks the candidates.
package retrieval

import (
	"fmt"
	"strings"
	"time"

	"github.com/knowbase/knowbase/internal/catalog"
	"github.com/knowbase/knowbase/internal/vectorstore"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeKeyword  Mode = "keyword"
	ModeHybrid   Mode = "hybrid"
)

// FusionMethod selects how hybrid sub-results are combined.
type FusionMethod string

const (
	FusionRRF      FusionMethod = "rrf"
	FusionWeighted FusionMethod = "weighted"
	FusionLinear   FusionMethod = "linear"
)

// Default fusion parameters.
const (
	DefaultRRFK           = 60
	DefaultSemanticWeight = 0.7
	DefaultKeywordWeight  = 0.3
	DefaultTopK           = 10

	// RerankPrefetchFactor is how many candidates per requested result the
	// sub-retrievers fetch when reranking is enabled.
	RerankPrefetchFactor = 3
)

// SearchResult is one retrieved chunk. The JSON tags are the cache and API
// wire shape.
type SearchResult struct {
	ChunkID    string         `json:"chunk_id"`
	DocumentID string         `json:"document_id"`
	Content    string         `json:"content"`
	Score      float64        `json:"score"`
	FileName   string         `json:"file_name,omitempty"`
	FileType   string         `json:"file_type,omitempty"`
	ChunkIndex int            `json:"chunk_index"`
	Source     string         `json:"source,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// cloneMetadata copies the metadata map so fusion annotations never mutate
// the sub-retriever's result.
func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+4)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Filters narrows a search. All fields are ANDed. The date range bounds the
// chunk's indexing time, inclusive on both ends.
type Filters struct {
	DocumentIDs []string       `json:"document_ids,omitempty"`
	FileTypes   []string       `json:"file_types,omitempty"`
	DateFrom    *time.Time     `json:"date_from,omitempty"`
	DateTo      *time.Time     `json:"date_to,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// VectorFilter translates the filter into the vector store's payload filter
// schema.
func (f *Filters) VectorFilter() vectorstore.Filter {
	if f == nil {
		return nil
	}
	out := vectorstore.Filter{}
	if len(f.DocumentIDs) > 0 {
		out["document_id"] = map[string]any{"$in": toAnySlice(f.DocumentIDs)}
	}
	if len(f.FileTypes) > 0 {
		out["file_type"] = map[string]any{"$in": toAnySlice(f.FileTypes)}
	}
	if f.DateFrom != nil || f.DateTo != nil {
		ops := map[string]any{}
		if f.DateFrom != nil {
			ops["$gte"] = f.DateFrom.Unix()
		}
		if f.DateTo != nil {
			ops["$lte"] = f.DateTo.Unix()
		}
		out["created_at"] = ops
	}
	if len(f.Tags) > 0 {
		out["tags"] = map[string]any{"$in": toAnySlice(f.Tags)}
	}
	for k, v := range f.Metadata {
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// matchHit applies the filter to a keyword hit. Document ID scoping happens
// in the SQL query; the remaining fields are checked here with the same
// missing-field-fails semantics as the vector payload filter.
func (f *Filters) matchHit(h catalog.KeywordHit) bool {
	if f == nil {
		return true
	}
	if len(f.FileTypes) > 0 && !containsString(f.FileTypes, h.FileType) {
		return false
	}
	if f.DateFrom != nil && h.CreatedAt.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && h.CreatedAt.After(*f.DateTo) {
		return false
	}
	if len(f.Tags) > 0 && !matchTags(f.Tags, h.Metadata["tags"]) {
		return false
	}
	for k, want := range f.Metadata {
		got, ok := h.Metadata[k]
		if !ok || got != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// matchTags reports whether any wanted tag appears in the chunk's
// comma-separated tag list.
func matchTags(want []string, have string) bool {
	if have == "" {
		return false
	}
	for _, tag := range strings.Split(have, ",") {
		if containsString(want, strings.TrimSpace(tag)) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Options tunes one search request.
type Options struct {
	Mode           Mode
	TopK           int
	ScoreThreshold float64
	Filters        *Filters

	// Hybrid fusion settings.
	Fusion          FusionMethod
	SemanticWeight  float64
	KeywordWeight   float64
	RRFK            int
	AdaptiveWeights bool

	// Rerank settings. Rerank is honored only when the retriever carries a
	// reranker.
	Rerank        bool
	RerankOptions RerankOptions
}

// Normalized returns the options with zero values replaced by the production
// defaults. Callers that key caches or logs on options must normalize first,
// so equivalent requests collapse onto one shape.
func (o Options) Normalized() Options {
	return o.withDefaults()
}

// withDefaults fills zero values with production defaults.
func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeHybrid
	}
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.Fusion == "" {
		o.Fusion = FusionRRF
	}
	if o.SemanticWeight <= 0 && o.KeywordWeight <= 0 {
		o.SemanticWeight = DefaultSemanticWeight
		o.KeywordWeight = DefaultKeywordWeight
	}
	if o.RRFK <= 0 {
		o.RRFK = DefaultRRFK
	}
	return o
}
