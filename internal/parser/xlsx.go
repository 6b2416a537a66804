package parser

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	kberrors "github.com/knowbase/knowbase/internal/errors"
)

// ExcelParser handles Excel workbooks, emitting one virtual page per sheet.
type ExcelParser struct{}

// Extensions implements Parser.
func (p *ExcelParser) Extensions() []string {
	return []string{".xlsx", ".xlsm", ".xltx", ".xltm"}
}

// Parse implements Parser.
func (p *ExcelParser) Parse(data []byte, filename string) (*ParsedDocument, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeParseFailed, "malformed workbook: "+err.Error(), err).
			WithDetail("filename", filename)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	pages := make([]PageContent, 0, len(sheets))
	var allContent []string

	for i, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, kberrors.New(kberrors.ErrCodeParseFailed,
				fmt.Sprintf("failed to read sheet %s: %v", sheet, err), err).
				WithDetail("filename", filename)
		}

		sheetText := fmt.Sprintf("## %s\n\n%s", sheet, sheetContent(rows))
		allContent = append(allContent, sheetText)
		pages = append(pages, PageContent{
			PageNumber: i + 1,
			Content:    sheetText,
			Tables:     []string{fmt.Sprintf("sheet_%d", i+1)},
		})
	}

	fullContent := strings.Join(allContent, "\n\n")

	meta := Metadata{
		Title:     stem(filename),
		FileType:  extOf(filename),
		FileSize:  int64(len(data)),
		PageCount: len(sheets),
		WordCount: CountWords(fullContent),
		Language:  DetectLanguage(fullContent),
		Custom: map[string]string{
			"sheet_count": strconv.Itoa(len(sheets)),
			"sheet_names": strings.Join(sheets, ","),
		},
	}

	if props, err := f.GetDocProps(); err == nil && props != nil {
		if props.Title != "" {
			meta.Title = props.Title
		}
		meta.Author = props.Creator
		if t, err := time.Parse(time.RFC3339, props.Created); err == nil {
			meta.CreatedAt = &t
		}
		if t, err := time.Parse(time.RFC3339, props.Modified); err == nil {
			meta.ModifiedAt = &t
		}
	}

	return &ParsedDocument{
		Content:  fullContent,
		Metadata: meta,
		Pages:    pages,
	}, nil
}

// sheetContent renders rows as pipe-separated lines, skipping empty rows.
func sheetContent(rows [][]string) string {
	var lines []string
	for _, row := range rows {
		empty := true
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				empty = false
				break
			}
		}
		if !empty {
			lines = append(lines, strings.Join(row, " | "))
		}
	}
	return strings.Join(lines, "\n")
}
