package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	kberrors "github.com/knowbase/knowbase/internal/errors"
)

// Reranker defaults.
const (
	DefaultMaxInputLength = 512
	DefaultRerankTimeout  = 30 * time.Second

	// llmRerankMaxDocs bounds how many documents fit one LLM ranking prompt.
	llmRerankMaxDocs = 20
)

// RerankOptions tunes one rerank call.
type RerankOptions struct {
	TopK           int
	ScoreThreshold float64
	MaxInputLength int
}

func (o RerankOptions) withDefaults() RerankOptions {
	if o.MaxInputLength <= 0 {
		o.MaxInputLength = DefaultMaxInputLength
	}
	return o
}

// Reranker rescores search results against the query with a cross-encoder
// style model. Results come back sorted by relevance descending.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []SearchResult, opts RerankOptions) ([]SearchResult, error)
	Name() string
}

// truncateText cuts a document to at most maxLen runes before it is sent to
// a reranker backend.
func truncateText(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen])
}

// applyTopK trims a sorted result list.
func applyTopK(results []SearchResult, topK int) []SearchResult {
	if topK > 0 && topK < len(results) {
		return results[:topK]
	}
	return results
}

// NoopReranker keeps the incoming order. Used when reranking is disabled.
type NoopReranker struct{}

var _ Reranker = (*NoopReranker)(nil)

func (NoopReranker) Name() string { return "noop" }

func (NoopReranker) Rerank(_ context.Context, _ string, results []SearchResult, opts RerankOptions) ([]SearchResult, error) {
	return applyTopK(results, opts.TopK), nil
}

// HTTPRerankerConfig configures a Cohere/Jina style rerank API client.
type HTTPRerankerConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// HTTPReranker calls an external rerank API: POST /rerank with
// {model, query, documents, top_n}, reading relevance_score per index.
type HTTPReranker struct {
	cfg    HTTPRerankerConfig
	client *http.Client
}

var _ Reranker = (*HTTPReranker)(nil)

// NewHTTPReranker validates the config and builds the client.
func NewHTTPReranker(cfg HTTPRerankerConfig) (*HTTPReranker, error) {
	if cfg.BaseURL == "" {
		return nil, kberrors.ConfigError("reranker base URL is required", nil)
	}
	if cfg.Model == "" {
		return nil, kberrors.ConfigError("reranker model is required", nil)
	}
	if cfg.Provider == "" {
		cfg.Provider = "http"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRerankTimeout
	}
	return &HTTPReranker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (r *HTTPReranker) Name() string { return r.cfg.Provider }

type httpRerankRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n,omitempty"`
	ReturnDocuments bool     `json:"return_documents"`
}

type httpRerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, results []SearchResult, opts RerankOptions) ([]SearchResult, error) {
	if len(results) == 0 {
		return []SearchResult{}, nil
	}
	opts = opts.withDefaults()

	documents := make([]string, len(results))
	for i, res := range results {
		documents[i] = truncateText(res.Content, opts.MaxInputLength)
	}

	body, err := json.Marshal(httpRerankRequest{
		Model:     r.cfg.Model,
		Query:     query,
		Documents: documents,
		TopN:      opts.TopK,
	})
	if err != nil {
		return nil, kberrors.InternalError("failed to encode rerank request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(r.cfg.BaseURL, "/")+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, kberrors.InternalError("failed to build rerank request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeBackendUnavailable, "rerank request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, kberrors.New(kberrors.ErrCodeBackendUnavailable,
			fmt.Sprintf("rerank API returned status %d: %s", resp.StatusCode, string(data)), nil)
	}

	var parsed httpRerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, kberrors.New(kberrors.ErrCodeSearchFailed, "failed to decode rerank response", err)
	}

	out := make([]SearchResult, 0, len(parsed.Results))
	for _, item := range parsed.Results {
		if item.Index < 0 || item.Index >= len(results) {
			continue
		}
		if item.RelevanceScore < opts.ScoreThreshold {
			continue
		}
		res := results[item.Index]
		md := cloneMetadata(res.Metadata)
		md["original_score"] = res.Score
		md["rerank_provider"] = r.cfg.Provider
		md["rerank_model"] = r.cfg.Model
		res.Metadata = md
		res.Score = item.RelevanceScore
		out = append(out, res)
	}
	return applyTopK(out, opts.TopK), nil
}

// DefaultLocalRerankEndpoint is where a locally served cross-encoder listens.
const DefaultLocalRerankEndpoint = "http://localhost:9659"

// LocalRerankerConfig configures the client for a cross-encoder model served
// on the local machine.
type LocalRerankerConfig struct {
	Endpoint    string
	Model       string
	Instruction string
	Timeout     time.Duration
}

// LocalReranker scores each (query, document) pair on a locally hosted
// cross-encoder server: POST /rerank with {query, documents, model, top_k},
// reading a score per index. No API key is involved.
type LocalReranker struct {
	cfg    LocalRerankerConfig
	client *http.Client
}

var _ Reranker = (*LocalReranker)(nil)

// NewLocalReranker fills config defaults and builds the client.
func NewLocalReranker(cfg LocalRerankerConfig) (*LocalReranker, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultLocalRerankEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRerankTimeout
	}
	return &LocalReranker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (r *LocalReranker) Name() string { return "local" }

type localRerankRequest struct {
	Query       string   `json:"query"`
	Documents   []string `json:"documents"`
	Model       string   `json:"model,omitempty"`
	Instruction string   `json:"instruction,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
}

type localRerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
}

func (r *LocalReranker) Rerank(ctx context.Context, query string, results []SearchResult, opts RerankOptions) ([]SearchResult, error) {
	if len(results) == 0 {
		return []SearchResult{}, nil
	}
	opts = opts.withDefaults()

	documents := make([]string, len(results))
	for i, res := range results {
		documents[i] = truncateText(res.Content, opts.MaxInputLength)
	}

	body, err := json.Marshal(localRerankRequest{
		Query:       query,
		Documents:   documents,
		Model:       r.cfg.Model,
		Instruction: r.cfg.Instruction,
		TopK:        opts.TopK,
	})
	if err != nil {
		return nil, kberrors.InternalError("failed to encode rerank request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(r.cfg.Endpoint, "/")+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, kberrors.InternalError("failed to build rerank request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeBackendUnavailable, "rerank request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, kberrors.New(kberrors.ErrCodeBackendUnavailable,
			fmt.Sprintf("local reranker returned status %d: %s", resp.StatusCode, string(data)), nil)
	}

	var parsed localRerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, kberrors.New(kberrors.ErrCodeSearchFailed, "failed to decode rerank response", err)
	}
	sort.SliceStable(parsed.Results, func(i, j int) bool {
		return parsed.Results[i].Score > parsed.Results[j].Score
	})

	out := make([]SearchResult, 0, len(parsed.Results))
	for _, item := range parsed.Results {
		if item.Index < 0 || item.Index >= len(results) {
			continue
		}
		if item.Score < opts.ScoreThreshold {
			continue
		}
		res := results[item.Index]
		md := cloneMetadata(res.Metadata)
		md["original_score"] = res.Score
		md["rerank_provider"] = "local"
		if r.cfg.Model != "" {
			md["rerank_model"] = r.cfg.Model
		}
		res.Metadata = md
		res.Score = item.Score
		out = append(out, res)
	}
	return applyTopK(out, opts.TopK), nil
}

// LLMRerankerConfig configures chat-completion based reranking.
type LLMRerankerConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// LLMReranker asks a chat model to order numbered documents and synthesizes
// scores from the returned ranking as 1 - rank/N. Slow but needs no
// dedicated rerank backend.
type LLMReranker struct {
	cfg    LLMRerankerConfig
	client *http.Client
}

var _ Reranker = (*LLMReranker)(nil)

// NewLLMReranker validates the config and builds the client.
func NewLLMReranker(cfg LLMRerankerConfig) (*LLMReranker, error) {
	if cfg.BaseURL == "" {
		return nil, kberrors.ConfigError("LLM reranker base URL is required", nil)
	}
	if cfg.Model == "" {
		return nil, kberrors.ConfigError("LLM reranker model is required", nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * DefaultRerankTimeout
	}
	return &LLMReranker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (r *LLMReranker) Name() string { return "llm" }

const llmRerankSystemPrompt = "You are a search relevance expert. Your task is to " +
	"rank documents by their relevance to the query. Output only a JSON array " +
	"of document indices in order of relevance, from most to least relevant. " +
	"Example output: [3, 1, 5, 2, 4]"

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (r *LLMReranker) Rerank(ctx context.Context, query string, results []SearchResult, opts RerankOptions) ([]SearchResult, error) {
	if len(results) == 0 {
		return []SearchResult{}, nil
	}
	opts = opts.withDefaults()

	candidates := results
	if len(candidates) > llmRerankMaxDocs {
		candidates = candidates[:llmRerankMaxDocs]
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model: r.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: llmRerankSystemPrompt},
			{Role: "user", Content: r.buildPrompt(query, candidates, opts.MaxInputLength)},
		},
		Temperature: 0,
		MaxTokens:   500,
	})
	if err != nil {
		return nil, kberrors.InternalError("failed to encode rerank prompt", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(r.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, kberrors.InternalError("failed to build rerank request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeBackendUnavailable, "rerank request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, kberrors.New(kberrors.ErrCodeBackendUnavailable,
			fmt.Sprintf("LLM API returned status %d: %s", resp.StatusCode, string(data)), nil)
	}

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, kberrors.New(kberrors.ErrCodeSearchFailed, "failed to decode LLM response", err)
	}
	var content string
	if len(parsed.Choices) > 0 {
		content = strings.TrimSpace(parsed.Choices[0].Message.Content)
	}

	ranking := parseRanking(content, len(candidates))

	out := make([]SearchResult, 0, len(ranking))
	for rank, idx := range ranking {
		if idx < 0 || idx >= len(candidates) {
			continue
		}
		score := 1.0 - float64(rank)/float64(len(ranking))
		if score < opts.ScoreThreshold {
			continue
		}
		res := candidates[idx]
		md := cloneMetadata(res.Metadata)
		md["original_score"] = res.Score
		md["rerank_provider"] = "llm"
		md["rerank_model"] = r.cfg.Model
		md["rerank_rank"] = rank + 1
		res.Metadata = md
		res.Score = score
		out = append(out, res)
	}
	return applyTopK(out, opts.TopK), nil
}

func (r *LLMReranker) buildPrompt(query string, results []SearchResult, maxLen int) string {
	var b strings.Builder
	b.WriteString("Query: ")
	b.WriteString(query)
	b.WriteString("\n\nDocuments to rank:\n")
	for i, res := range results {
		fmt.Fprintf(&b, "\n[Document %d]\n%s\n", i, truncateText(res.Content, maxLen))
	}
	b.WriteString("\nRank the documents by relevance to the query. Return only a JSON array of document indices from most to least relevant.")
	return b.String()
}

// parseRanking extracts a JSON index array from model output, falling back to
// the original order when parsing fails.
func parseRanking(content string, n int) []int {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start >= 0 && end > start {
		var ranking []int
		if err := json.Unmarshal([]byte(content[start:end+1]), &ranking); err == nil {
			return ranking
		}
	}
	ranking := make([]int, n)
	for i := range ranking {
		ranking[i] = i
	}
	return ranking
}
