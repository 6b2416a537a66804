package parser

// TxtParser handles plain text files. The whole document is a single page.
type TxtParser struct{}

// Extensions implements Parser.
func (p *TxtParser) Extensions() []string {
	return []string{".txt", ".text", ".log"}
}

// Parse implements Parser.
func (p *TxtParser) Parse(data []byte, filename string) (*ParsedDocument, error) {
	content, enc := DecodeText(data)

	meta := Metadata{
		Title:     stem(filename),
		FileType:  extOf(filename),
		FileSize:  int64(len(data)),
		WordCount: CountWords(content),
		Language:  DetectLanguage(content),
		PageCount: 1,
		Custom:    map[string]string{"encoding": enc},
	}

	return &ParsedDocument{
		Content:  content,
		Metadata: meta,
		Pages:    []PageContent{{PageNumber: 1, Content: content}},
	}, nil
}
