// Package chunk splits document text into overlapping retrieval units.
package chunk

import (
	"unicode"
)

// Strategy selects a chunking algorithm.
type Strategy string

const (
	// StrategyFixed slides a fixed-size window with overlap.
	StrategyFixed Strategy = "fixed"
	// StrategyRecursive splits on a separator hierarchy, then merges.
	StrategyRecursive Strategy = "recursive"
	// StrategySemantic splits on paragraph and sentence boundaries.
	StrategySemantic Strategy = "semantic"
)

// DefaultSeparators is the recursive split order: paragraph, newline,
// Chinese/English sentence terminators, semicolons, word boundary, character.
var DefaultSeparators = []string{
	"\n\n",
	"\n",
	"。",
	".",
	"！",
	"!",
	"？",
	"?",
	"；",
	";",
	" ",
	"",
}

// Config controls chunking behavior.
type Config struct {
	Strategy     Strategy
	ChunkSize    int // target size in characters (runes)
	ChunkOverlap int // overlap carried between adjacent chunks
	Separators   []string
	MinChunkSize int
	// KeepSeparator keeps the separator at the end of each piece.
	KeepSeparator bool
}

// DefaultConfig returns the default chunking configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:      StrategyRecursive,
		ChunkSize:     1000,
		ChunkOverlap:  200,
		Separators:    DefaultSeparators,
		MinChunkSize:  100,
		KeepSeparator: true,
	}
}

// Chunk is one retrievable unit of a document.
// StartChar and EndChar are rune offsets into the source text, half-open.
type Chunk struct {
	Content   string
	Index     int
	StartChar int
	EndChar   int
	Metadata  map[string]string
}

// TokenCount estimates tokens as CJK characters plus one token per four
// non-CJK characters, rounded up.
func (c *Chunk) TokenCount() int {
	cjk := 0
	total := 0
	for _, r := range c.Content {
		total++
		if isCJK(r) {
			cjk++
		}
	}
	other := total - cjk
	return cjk + (other+3)/4
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || (r >= 0x4e00 && r <= 0x9fff)
}

// Chunker splits text into chunks. The metadata map is copied onto each
// emitted chunk alongside per-chunk entries.
type Chunker interface {
	Chunk(text string, metadata map[string]string) []Chunk
}

// mergeMetadata copies base metadata and overlays per-chunk entries.
func mergeMetadata(base map[string]string, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
