package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"

	kberrors "github.com/knowbase/knowbase/internal/errors"
)

// DocxParser handles Word documents. DOCX files carry no physical pages, so
// virtual pages are split on Heading 1/2 styled paragraphs.
type DocxParser struct{}

// Extensions implements Parser.
func (p *DocxParser) Extensions() []string {
	return []string{".docx"}
}

// docxParagraph is a body paragraph with its resolved style.
type docxParagraph struct {
	style string
	text  string
}

// Parse implements Parser.
func (p *DocxParser) Parse(data []byte, filename string) (*ParsedDocument, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeParseFailed, "malformed docx: "+err.Error(), err).
			WithDetail("filename", filename)
	}

	docXML, err := readZipFile(zr, "word/document.xml")
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeParseFailed, "docx missing word/document.xml", err).
			WithDetail("filename", filename)
	}

	paragraphs, tables, err := parseDocxBody(docXML)
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeParseFailed, "malformed docx body: "+err.Error(), err).
			WithDetail("filename", filename)
	}

	var parts []string
	for _, para := range paragraphs {
		if para.text != "" {
			parts = append(parts, para.text)
		}
	}
	fullContent := strings.Join(parts, "\n\n")
	if len(tables) > 0 {
		if fullContent != "" {
			fullContent += "\n\n"
		}
		fullContent += strings.Join(tables, "\n\n")
	}

	pages := splitDocxPages(paragraphs)

	meta := Metadata{
		Title:     stem(filename),
		FileType:  ".docx",
		FileSize:  int64(len(data)),
		PageCount: len(pages),
		WordCount: CountWords(fullContent),
		Language:  DetectLanguage(fullContent),
		Custom: map[string]string{
			"paragraph_count": strconv.Itoa(len(parts)),
			"table_count":     strconv.Itoa(len(tables)),
		},
	}
	applyDocxCoreProps(zr, &meta)

	return &ParsedDocument{
		Content:  fullContent,
		Metadata: meta,
		Pages:    pages,
	}, nil
}

// parseDocxBody walks document.xml collecting paragraph text with styles and
// table text (cells joined with " | ", rows with newlines).
func parseDocxBody(docXML []byte) ([]docxParagraph, []string, error) {
	dec := xml.NewDecoder(bytes.NewReader(docXML))

	var (
		paragraphs []docxParagraph
		tables     []string

		tableDepth int
		tableRows  []string
		rowCells   []string

		inPara   bool
		inText   bool
		paraText strings.Builder
		style    string
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tableDepth++
				if tableDepth == 1 {
					tableRows = nil
				}
			case "tr":
				if tableDepth == 1 {
					rowCells = nil
				}
			case "tc":
				if tableDepth == 1 {
					rowCells = append(rowCells, "")
				}
			case "p":
				inPara = true
				paraText.Reset()
				style = ""
			case "pStyle":
				for _, a := range t.Attr {
					if a.Name.Local == "val" {
						style = a.Value
					}
				}
			case "t":
				inText = true
			case "tab":
				if inPara {
					paraText.WriteByte('\t')
				}
			case "br":
				if inPara {
					paraText.WriteByte('\n')
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "tbl":
				if tableDepth == 1 && len(tableRows) > 0 {
					tables = append(tables, strings.Join(tableRows, "\n"))
				}
				tableDepth--
			case "tr":
				if tableDepth == 1 {
					var nonEmpty []string
					for _, c := range rowCells {
						if c = strings.TrimSpace(c); c != "" {
							nonEmpty = append(nonEmpty, c)
						}
					}
					if len(nonEmpty) > 0 {
						tableRows = append(tableRows, strings.Join(nonEmpty, " | "))
					}
				}
			case "p":
				text := strings.TrimSpace(paraText.String())
				if tableDepth > 0 {
					if tableDepth == 1 && len(rowCells) > 0 && text != "" {
						last := len(rowCells) - 1
						if rowCells[last] != "" {
							rowCells[last] += " "
						}
						rowCells[last] += text
					}
				} else if text != "" {
					paragraphs = append(paragraphs, docxParagraph{style: style, text: text})
				}
				inPara = false
			case "t":
				inText = false
			}
		case xml.CharData:
			if inText && inPara {
				paraText.Write(t)
			}
		}
	}

	return paragraphs, tables, nil
}

// isHeadingStyle reports whether a paragraph style marks a level 1/2 heading.
func isHeadingStyle(style string) bool {
	switch style {
	case "Heading1", "Heading2", "heading 1", "heading 2", "1", "2":
		return true
	}
	if strings.HasPrefix(style, "Heading") {
		return strings.HasSuffix(style, "1") || strings.HasSuffix(style, "2")
	}
	return false
}

// splitDocxPages starts a new virtual page at each Heading 1/2 paragraph.
func splitDocxPages(paragraphs []docxParagraph) []PageContent {
	var pages []PageContent
	var current []string

	flush := func() {
		if len(current) == 0 {
			return
		}
		pages = append(pages, PageContent{
			PageNumber: len(pages) + 1,
			Content:    strings.Join(current, "\n\n"),
		})
		current = nil
	}

	for _, para := range paragraphs {
		if isHeadingStyle(para.style) && len(current) > 0 {
			flush()
		}
		if para.text != "" {
			current = append(current, para.text)
		}
	}
	flush()

	if len(pages) == 0 {
		pages = []PageContent{{PageNumber: 1, Content: ""}}
	}
	return pages
}

// docxCoreProps mirrors docProps/core.xml.
type docxCoreProps struct {
	Title    string `xml:"title"`
	Creator  string `xml:"creator"`
	Subject  string `xml:"subject"`
	Keywords string `xml:"keywords"`
	Category string `xml:"category"`
	Created  string `xml:"created"`
	Modified string `xml:"modified"`
}

// applyDocxCoreProps overlays core document properties onto meta when the
// part exists. Missing core properties are not an error.
func applyDocxCoreProps(zr *zip.Reader, meta *Metadata) {
	data, err := readZipFile(zr, "docProps/core.xml")
	if err != nil {
		return
	}

	var props docxCoreProps
	if err := xml.Unmarshal(data, &props); err != nil {
		return
	}

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
	if props.Subject != "" {
		meta.Custom["subject"] = props.Subject
	}
	if props.Keywords != "" {
		meta.Custom["keywords"] = props.Keywords
	}
	if props.Category != "" {
		meta.Custom["category"] = props.Category
	}
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
