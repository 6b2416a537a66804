package chunk

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	paragraphPattern = regexp.MustCompile(`\n\s*\n`)
	sentenceEnd      = regexp.MustCompile(`[。！？.!?]+`)
)

// SemanticChunker splits on blank lines; paragraphs over ChunkSize are
// re-split on sentence terminators and merged back up to ChunkSize.
type SemanticChunker struct {
	cfg Config
}

// Chunk implements Chunker.
func (s *SemanticChunker) Chunk(text string, metadata map[string]string) []Chunk {
	if text == "" {
		return nil
	}

	var chunks []Chunk
	loc := &locator{text: text}

	emit := func(content, kind string) {
		if strings.TrimSpace(content) == "" {
			return
		}
		start, end := loc.locate(content)
		idx := len(chunks)
		chunks = append(chunks, Chunk{
			Content:   content,
			Index:     idx,
			StartChar: start,
			EndChar:   end,
			Metadata: mergeMetadata(metadata, map[string]string{
				"chunk_index": strconv.Itoa(idx),
				"strategy":    string(StrategySemantic),
				"type":        kind,
			}),
		})
	}

	for _, para := range splitParagraphs(text) {
		if utf8.RuneCountInString(para) <= s.cfg.ChunkSize {
			emit(para, "paragraph")
			continue
		}
		for _, piece := range s.mergeSentences(splitSentences(para)) {
			emit(piece, "sentences")
		}
	}

	return chunks
}

// splitParagraphs splits on blank lines and trims each paragraph.
func splitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphPattern.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences splits text on Chinese/English sentence terminators,
// keeping the terminators attached to their sentence.
func splitSentences(text string) []string {
	var sentences []string
	last := 0
	for _, m := range sentenceEnd.FindAllStringIndex(text, -1) {
		s := strings.TrimSpace(text[last:m[1]])
		if s != "" {
			sentences = append(sentences, s)
		}
		last = m[1]
	}
	if rest := strings.TrimSpace(text[last:]); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

// mergeSentences packs sentences into pieces of at most ChunkSize runes,
// joining with a single space.
func (s *SemanticChunker) mergeSentences(sentences []string) []string {
	if len(sentences) == 0 {
		return nil
	}

	var merged []string
	current := ""

	for _, sentence := range sentences {
		if current == "" {
			current = sentence
			continue
		}
		if utf8.RuneCountInString(current)+utf8.RuneCountInString(sentence)+1 <= s.cfg.ChunkSize {
			current += " " + sentence
			continue
		}
		if strings.TrimSpace(current) != "" {
			merged = append(merged, strings.TrimSpace(current))
		}
		current = sentence
	}

	if strings.TrimSpace(current) != "" {
		merged = append(merged, strings.TrimSpace(current))
	}

	return merged
}
