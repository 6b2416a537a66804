// Package parser extracts text, pages, and metadata from uploaded documents.
// Parsers are registered per file extension; all of them accept raw bytes so
// blobs can be parsed straight out of the object store.
package parser

import (
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// PageContent is one logical page of a document. For formats without real
// pages (DOCX, XLSX) the parser emits virtual pages.
type PageContent struct {
	PageNumber int      `json:"page_number"` // 1-based
	Content    string   `json:"content"`
	Images     []string `json:"images,omitempty"`
	Tables     []string `json:"tables,omitempty"`
}

// Metadata carries document-level attributes extracted during parsing.
type Metadata struct {
	Title      string            `json:"title,omitempty"`
	Author     string            `json:"author,omitempty"`
	CreatedAt  *time.Time        `json:"created_at,omitempty"`
	ModifiedAt *time.Time        `json:"modified_at,omitempty"`
	PageCount  int               `json:"page_count,omitempty"`
	WordCount  int               `json:"word_count"`
	Language   string            `json:"language"`
	FileType   string            `json:"file_type"`
	FileSize   int64             `json:"file_size"`
	Custom     map[string]string `json:"custom,omitempty"`
}

// ParsedDocument is the output of a parser.
type ParsedDocument struct {
	Content  string        `json:"content"`
	Metadata Metadata      `json:"metadata"`
	Pages    []PageContent `json:"pages"`
}

// TotalContent returns Content, or the pages joined with blank lines when
// Content is empty.
func (d *ParsedDocument) TotalContent() string {
	if d.Content != "" {
		return d.Content
	}
	var parts []string
	for _, p := range d.Pages {
		if p.Content != "" {
			parts = append(parts, p.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Parser converts raw file bytes into a ParsedDocument.
type Parser interface {
	// Parse extracts text and metadata from data. The filename determines
	// titles and file type metadata, not dispatch.
	Parse(data []byte, filename string) (*ParsedDocument, error)

	// Extensions returns the lower-cased file extensions this parser handles.
	Extensions() []string
}

// CountWords counts CJK characters individually and non-CJK text as
// whitespace-separated words.
func CountWords(text string) int {
	if text == "" {
		return 0
	}

	cjk := 0
	var b strings.Builder
	for _, r := range text {
		if isCJK(r) {
			cjk++
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return cjk + len(strings.Fields(b.String()))
}

// DetectLanguage classifies text by CJK character ratio:
// >0.5 zh, >0.1 mixed, otherwise en. Empty text is unknown.
func DetectLanguage(text string) string {
	if text == "" {
		return "unknown"
	}

	total := 0
	cjk := 0
	for _, r := range text {
		if r == ' ' || r == '\n' {
			continue
		}
		total++
		if isCJK(r) {
			cjk++
		}
	}
	if total == 0 {
		return "unknown"
	}

	ratio := float64(cjk) / float64(total)
	switch {
	case ratio > 0.5:
		return "zh"
	case ratio > 0.1:
		return "mixed"
	default:
		return "en"
	}
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || (r >= 0x4e00 && r <= 0x9fff)
}

// stem returns the filename without directory or extension.
func stem(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// extOf returns the lower-cased extension of filename, including the dot.
func extOf(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}
