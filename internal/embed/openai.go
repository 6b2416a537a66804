package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	kberrors "github.com/knowbase/knowbase/internal/errors"
)

// Provider names accepted by NewClient.
const (
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"
)

// Config holds the connection settings for an embeddings endpoint.
type Config struct {
	Provider   string
	BaseURL    string
	APIKey     string
	Model      string
	Deployment string // Azure deployment name
	APIVersion string // Azure api-version query parameter
	Dimensions int    // expected dimension, 0 to accept whatever comes back
	BatchSize  int
	MaxRetries int
	Timeout    time.Duration
}

// Client talks to an OpenAI-compatible embeddings endpoint. Azure OpenAI is
// supported through its deployment URL scheme and api-key header.
type Client struct {
	cfg        Config
	httpClient *http.Client
	callLog    *CallLog

	// backoffBase is the unit of the 2^attempt schedule, overridable in tests.
	backoffBase time.Duration

	dimensions int
}

var _ Embedder = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBackoffBase overrides the retry backoff unit.
func WithBackoffBase(d time.Duration) Option {
	return func(c *Client) { c.backoffBase = d }
}

// NewClient creates an embeddings client. BaseURL, APIKey and Model are
// required; Azure additionally requires a deployment name.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, kberrors.ConfigError("embeddings base_url is required", nil)
	}
	if cfg.APIKey == "" {
		return nil, kberrors.ConfigError("embeddings api_key is required", nil)
	}
	if cfg.Model == "" {
		return nil, kberrors.ConfigError("embeddings model is required", nil)
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderOpenAI
	}
	if cfg.Provider == ProviderAzure && cfg.Deployment == "" {
		return nil, kberrors.ConfigError("azure embeddings require a deployment name", nil)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		callLog:     NewCallLog(DefaultCallLogSize),
		backoffBase: DefaultBackoffBase,
		dimensions:  cfg.Dimensions,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Embed implements Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch implements Embedder. Texts are sent in batches of BatchSize and
// results come back in input order regardless of how the provider orders its
// response rows.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := c.embedOne(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// Dimensions implements Embedder.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// ModelName implements Embedder.
func (c *Client) ModelName() string {
	return c.cfg.Model
}

// CallLog exposes the rolling record of embedding calls.
func (c *Client) CallLog() *CallLog {
	return c.callLog
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingRow struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingResponse struct {
	Data  []embeddingRow `json:"data"`
	Model string         `json:"model"`
	Usage Usage          `json:"usage"`
}

// embedOne sends a single embeddings request with retries on transient
// failures. Each attempt, success or not, lands in the call log.
func (c *Client) embedOne(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoffBase * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return nil, kberrors.New(kberrors.ErrCodeNetworkTimeout, "embedding request cancelled", ctx.Err())
			case <-time.After(delay):
			}
		}

		vectors, err := c.doRequest(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !kberrors.IsRetryable(err) {
			return nil, err
		}
	}

	return nil, kberrors.New(kberrors.ErrCodeEmbeddingFailed,
		fmt.Sprintf("embedding failed after %d retries", c.cfg.MaxRetries), lastErr)
}

func (c *Client) doRequest(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, kberrors.InternalError("failed to encode embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, kberrors.InternalError("failed to build embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Provider == ProviderAzure {
		req.Header.Set("api-key", c.cfg.APIKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	entry := CallEntry{
		Time:       time.Now(),
		Provider:   c.cfg.Provider,
		Model:      c.cfg.Model,
		InputTexts: len(texts),
		InputChars: totalChars(texts),
	}
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	entry.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		entry.Status = "error"
		c.callLog.Record(entry)
		if isTimeout(err) {
			return nil, kberrors.New(kberrors.ErrCodeNetworkTimeout, "embedding request timed out", err)
		}
		return nil, kberrors.New(kberrors.ErrCodeBackendUnavailable, "embedding backend unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		entry.Status = "error"
		c.callLog.Record(entry)
		return nil, kberrors.New(kberrors.ErrCodeBackendUnavailable, "failed to read embedding response", err)
	}

	if resp.StatusCode != http.StatusOK {
		entry.Status = fmt.Sprintf("http_%d", resp.StatusCode)
		c.callLog.Record(entry)
		return nil, c.statusError(resp.StatusCode, respBody)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		entry.Status = "error"
		c.callLog.Record(entry)
		return nil, kberrors.New(kberrors.ErrCodeEmbeddingFailed, "malformed embedding response", err)
	}
	if len(parsed.Data) != len(texts) {
		entry.Status = "error"
		c.callLog.Record(entry)
		return nil, kberrors.New(kberrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(parsed.Data)), nil)
	}

	// Providers may return rows out of order; the index field is authoritative.
	sort.Slice(parsed.Data, func(i, j int) bool {
		return parsed.Data[i].Index < parsed.Data[j].Index
	})

	vectors := make([][]float32, len(parsed.Data))
	for i, row := range parsed.Data {
		if c.cfg.Dimensions > 0 && len(row.Embedding) != c.cfg.Dimensions {
			entry.Status = "error"
			c.callLog.Record(entry)
			return nil, kberrors.IntegrityError(kberrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("embedding dimension %d does not match configured %d", len(row.Embedding), c.cfg.Dimensions), nil).
				WithDetail("model", c.cfg.Model)
		}
		vectors[i] = row.Embedding
	}

	if c.dimensions == 0 && len(vectors) > 0 {
		c.dimensions = len(vectors[0])
	}

	entry.Status = "ok"
	entry.Dimension = c.dimensions
	entry.PromptTokens = parsed.Usage.PromptTokens
	entry.TotalTokens = parsed.Usage.TotalTokens
	entry.CostEstimate = estimateCost(c.cfg.Model, parsed.Usage.TotalTokens)
	c.callLog.Record(entry)

	return vectors, nil
}

// endpoint builds the request URL. Azure routes through the deployment path
// and carries the API version as a query parameter.
func (c *Client) endpoint() string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	if c.cfg.Provider == ProviderAzure {
		apiVersion := c.cfg.APIVersion
		if apiVersion == "" {
			apiVersion = "2024-02-01"
		}
		return fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
			base, url.PathEscape(c.cfg.Deployment), url.QueryEscape(apiVersion))
	}
	return base + "/embeddings"
}

func (c *Client) statusError(status int, body []byte) error {
	msg := apiErrorMessage(body)
	switch {
	case status == http.StatusTooManyRequests:
		return kberrors.New(kberrors.ErrCodeRateLimited, "embedding provider rate limited: "+msg, nil)
	case status >= 500:
		return kberrors.New(kberrors.ErrCodeBackendUnavailable,
			fmt.Sprintf("embedding provider returned %d: %s", status, msg), nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return kberrors.New(kberrors.ErrCodePermissionDenied, "embedding provider rejected credentials: "+msg, nil)
	default:
		return kberrors.New(kberrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("embedding provider returned %d: %s", status, msg), nil)
	}
}

// apiErrorMessage pulls the error message out of an OpenAI-style error body.
func apiErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func totalChars(texts []string) int {
	n := 0
	for _, t := range texts {
		n += len(t)
	}
	return n
}
