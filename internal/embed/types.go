// Package embed generates vector embeddings through OpenAI-compatible APIs.
package embed

import (
	"context"
	"math"
	"time"
)

const (
	// DefaultBatchSize is the number of texts sent per embeddings request.
	DefaultBatchSize = 100

	// DefaultMaxRetries is the retry budget for transient HTTP failures.
	DefaultMaxRetries = 3

	// DefaultTimeout bounds a single embeddings request.
	DefaultTimeout = 60 * time.Second

	// DefaultBackoffBase is the unit for the 2^attempt backoff schedule.
	DefaultBackoffBase = time.Second
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension. 0 means not yet known.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string
}

// Usage is the token accounting returned by the provider.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
