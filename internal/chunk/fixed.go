package chunk

import (
	"strconv"
	"strings"
)

// FixedChunker slides a window of ChunkSize runes with a step of
// ChunkSize-ChunkOverlap.
type FixedChunker struct {
	cfg Config
}

// Chunk implements Chunker.
func (f *FixedChunker) Chunk(text string, metadata map[string]string) []Chunk {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	size := f.cfg.ChunkSize
	overlap := f.cfg.ChunkOverlap

	var chunks []Chunk
	start := 0
	for start < len(runes) {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		content := string(runes[start:end])

		if strings.TrimSpace(content) != "" {
			idx := len(chunks)
			chunks = append(chunks, Chunk{
				Content:   content,
				Index:     idx,
				StartChar: start,
				EndChar:   end,
				Metadata: mergeMetadata(metadata, map[string]string{
					"chunk_index": strconv.Itoa(idx),
					"strategy":    string(StrategyFixed),
				}),
			})
		}

		if end >= len(runes) {
			break
		}
		start = end - overlap
	}

	return chunks
}
