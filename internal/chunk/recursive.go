package chunk

import (
	"strings"
	"unicode/utf8"
)

// RecursiveChunker splits on the first separator in the configured order,
// recursing into oversized pieces with the remaining separators, then merges
// sequential pieces into chunks at most ChunkSize runes, carrying an overlap
// tail into the next chunk.
type RecursiveChunker struct {
	cfg Config
}

// Chunk implements Chunker.
func (r *RecursiveChunker) Chunk(text string, metadata map[string]string) []Chunk {
	if text == "" {
		return nil
	}

	splits := r.splitRecursive(text, r.cfg.Separators)
	merged := r.mergeSplits(splits)

	return buildChunks(text, merged, StrategyRecursive, metadata)
}

// splitRecursive splits text on separators[0]; pieces still exceeding
// ChunkSize are re-split with the remaining separators. An empty separator
// means split into individual characters.
func (r *RecursiveChunker) splitRecursive(text string, separators []string) []string {
	if len(separators) == 0 {
		return []string{text}
	}

	sep := separators[0]
	rest := separators[1:]

	if sep == "" {
		parts := make([]string, 0, utf8.RuneCountInString(text))
		for _, c := range text {
			parts = append(parts, string(c))
		}
		return parts
	}

	var splits []string
	if r.cfg.KeepSeparator {
		parts := strings.Split(text, sep)
		for i, part := range parts {
			if i < len(parts)-1 {
				splits = append(splits, part+sep)
			} else if part != "" {
				splits = append(splits, part)
			}
		}
	} else {
		for _, part := range strings.Split(text, sep) {
			if part != "" {
				splits = append(splits, part)
			}
		}
	}

	var final []string
	for _, split := range splits {
		if utf8.RuneCountInString(split) > r.cfg.ChunkSize && len(rest) > 0 {
			final = append(final, r.splitRecursive(split, rest)...)
		} else {
			final = append(final, split)
		}
	}
	return final
}

// mergeSplits greedily packs pieces into chunks of at most ChunkSize runes.
// When a chunk is flushed, its last ChunkOverlap runes seed the next chunk.
func (r *RecursiveChunker) mergeSplits(splits []string) []string {
	if len(splits) == 0 {
		return nil
	}

	var merged []string
	current := ""

	for _, split := range splits {
		if current == "" {
			current = split
			continue
		}

		if utf8.RuneCountInString(current)+utf8.RuneCountInString(split) <= r.cfg.ChunkSize {
			current += split
			continue
		}

		if strings.TrimSpace(current) != "" {
			merged = append(merged, strings.TrimSpace(current))
		}

		if r.cfg.ChunkOverlap > 0 {
			current = tail(current, r.cfg.ChunkOverlap) + split
		} else {
			current = split
		}
	}

	if strings.TrimSpace(current) != "" {
		merged = append(merged, strings.TrimSpace(current))
	}

	return merged
}

// tail returns the last n runes of s.
func tail(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
