package chunk

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// NewChunker creates a chunker for the configured strategy.
// Zero-valued config fields are replaced with defaults.
func NewChunker(cfg Config) (Chunker, error) {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", cfg.ChunkOverlap, cfg.ChunkSize)
	}
	if len(cfg.Separators) == 0 {
		cfg.Separators = DefaultSeparators
	}

	switch cfg.Strategy {
	case StrategyFixed:
		return &FixedChunker{cfg: cfg}, nil
	case StrategyRecursive:
		return &RecursiveChunker{cfg: cfg}, nil
	case StrategySemantic:
		return &SemanticChunker{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown chunk strategy: %s", cfg.Strategy)
	}
}

// locator resolves emitted chunk text back to rune offsets in the source.
// The cursor only moves forward, so repeated chunk text resolves to
// successive occurrences.
type locator struct {
	text       string
	byteCursor int
	runeCursor int
}

// locate returns the [start, end) rune offsets of the next occurrence of
// piece at or after the cursor, then advances the cursor to end.
// If the piece is not found (overlap regions rewrite chunk starts), the
// current cursor position is used as the start.
func (l *locator) locate(piece string) (int, int) {
	runeLen := utf8.RuneCountInString(piece)

	rel := strings.Index(l.text[l.byteCursor:], piece)
	if rel < 0 {
		start := l.runeCursor
		end := start + runeLen
		l.runeCursor = end
		if l.byteCursor+len(piece) <= len(l.text) {
			l.byteCursor += len(piece)
		} else {
			l.byteCursor = len(l.text)
		}
		return start, end
	}

	start := l.runeCursor + utf8.RuneCountInString(l.text[l.byteCursor:l.byteCursor+rel])
	end := start + runeLen

	l.byteCursor += rel + len(piece)
	l.runeCursor = end
	return start, end
}

// buildChunks assembles Chunk values from merged text pieces, locating each
// piece in the source with a forward-only cursor.
func buildChunks(text string, pieces []string, strategy Strategy, metadata map[string]string) []Chunk {
	loc := &locator{text: text}
	chunks := make([]Chunk, 0, len(pieces))

	for _, piece := range pieces {
		if strings.TrimSpace(piece) == "" {
			continue
		}
		start, end := loc.locate(piece)
		idx := len(chunks)
		chunks = append(chunks, Chunk{
			Content:   piece,
			Index:     idx,
			StartChar: start,
			EndChar:   end,
			Metadata: mergeMetadata(metadata, map[string]string{
				"chunk_index": strconv.Itoa(idx),
				"strategy":    string(strategy),
			}),
		})
	}
	return chunks
}
