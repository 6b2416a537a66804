package parser

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	kberrors "github.com/knowbase/knowbase/internal/errors"
)

// PDFParser extracts per-page text and Info-dictionary metadata.
type PDFParser struct{}

// Extensions implements Parser.
func (p *PDFParser) Extensions() []string {
	return []string{".pdf"}
}

// Parse implements Parser. The underlying reader panics on some malformed
// inputs, so extraction runs under recover and surfaces a ParseError.
func (p *PDFParser) Parse(data []byte, filename string) (doc *ParsedDocument, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = kberrors.New(kberrors.ErrCodeParseFailed,
				fmt.Sprintf("malformed pdf: %v", r), nil).
				WithDetail("filename", filename)
		}
	}()

	reader, rerr := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if rerr != nil {
		return nil, kberrors.New(kberrors.ErrCodeParseFailed, "malformed pdf: "+rerr.Error(), rerr).
			WithDetail("filename", filename)
	}

	pageCount := reader.NumPage()
	pages := make([]PageContent, 0, pageCount)
	var allContent []string

	for i := 1; i <= pageCount; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, PageContent{PageNumber: i})
			allContent = append(allContent, "")
			continue
		}
		text, terr := page.GetPlainText(nil)
		if terr != nil {
			text = ""
		}
		pages = append(pages, PageContent{PageNumber: i, Content: text})
		allContent = append(allContent, text)
	}

	fullContent := strings.Join(allContent, "\n\n")

	meta := Metadata{
		Title:     stem(filename),
		FileType:  ".pdf",
		FileSize:  int64(len(data)),
		PageCount: pageCount,
		WordCount: CountWords(fullContent),
		Language:  DetectLanguage(fullContent),
		Custom:    map[string]string{},
	}

	info := reader.Trailer().Key("Info")
	if !info.IsNull() {
		if t := info.Key("Title").Text(); t != "" {
			meta.Title = t
		}
		meta.Author = info.Key("Author").Text()
		if ts := parsePDFDate(info.Key("CreationDate").Text()); ts != nil {
			meta.CreatedAt = ts
		}
		if ts := parsePDFDate(info.Key("ModDate").Text()); ts != nil {
			meta.ModifiedAt = ts
		}
		for _, key := range []string{"Producer", "Creator", "Subject", "Keywords"} {
			if v := info.Key(key).Text(); v != "" {
				meta.Custom[strings.ToLower(key)] = v
			}
		}
	}

	return &ParsedDocument{
		Content:  fullContent,
		Metadata: meta,
		Pages:    pages,
	}, nil
}

// parsePDFDate parses the D:YYYYMMDDHHMMSS date syntax, accepting a
// date-only prefix. Returns nil when the string does not parse.
func parsePDFDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	s = strings.TrimPrefix(s, "D:")

	if len(s) >= 14 {
		if t, err := time.Parse("20060102150405", s[:14]); err == nil {
			return &t
		}
	}
	if len(s) >= 8 {
		if t, err := time.Parse("20060102", s[:8]); err == nil {
			return &t
		}
	}
	return nil
}
