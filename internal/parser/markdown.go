package parser

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	frontmatterRe = regexp.MustCompile(`(?s)^---\s*\n(.*?)\n---\s*\n`)
	mdTitleRe     = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	mdHeaderRe    = regexp.MustCompile(`(?m)^#{1,2}\s+.+$`)

	mdCodeBlockRe = regexp.MustCompile("(?s)```.*?```")
	mdInlineRe    = regexp.MustCompile("`[^`]+`")
	mdImageRe     = regexp.MustCompile(`!\[([^\]]*)\]\([^\)]+\)`)
	mdLinkRe      = regexp.MustCompile(`\[([^\]]+)\]\([^\)]+\)`)
	mdHeadMarkRe  = regexp.MustCompile(`(?m)^#+\s+`)
	mdBoldRe      = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	mdEmphRe      = regexp.MustCompile(`\*([^*]+)\*`)
	mdBold2Re     = regexp.MustCompile(`__([^_]+)__`)
	mdEmph2Re     = regexp.MustCompile(`_([^_]+)_`)
	mdListRe      = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	mdOrderedRe   = regexp.MustCompile(`(?m)^\s*\d+\.\s+`)
	mdQuoteRe     = regexp.MustCompile(`(?m)^>\s*`)
	mdRuleRe      = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)
)

// MarkdownParser handles Markdown files. Virtual pages split on level 1
// and 2 headers; frontmatter supplies the title when present.
type MarkdownParser struct{}

// Extensions implements Parser.
func (p *MarkdownParser) Extensions() []string {
	return []string{".md", ".markdown", ".mdown", ".mkd"}
}

// Parse implements Parser.
func (p *MarkdownParser) Parse(data []byte, filename string) (*ParsedDocument, error) {
	content, enc := DecodeText(data)

	title := p.titleFromFrontmatter(content)
	if title == "" {
		title = p.titleFromContent(content)
	}
	if title == "" {
		title = stem(filename)
	}

	plain := stripMarkdown(content)
	pages := p.splitByHeaders(content)

	meta := Metadata{
		Title:     title,
		FileType:  extOf(filename),
		FileSize:  int64(len(data)),
		WordCount: CountWords(plain),
		Language:  DetectLanguage(content),
		PageCount: len(pages),
		Custom:    map[string]string{"encoding": enc},
	}

	return &ParsedDocument{
		Content:  content,
		Metadata: meta,
		Pages:    pages,
	}, nil
}

func (p *MarkdownParser) titleFromFrontmatter(content string) string {
	m := frontmatterRe.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	var fm map[string]any
	if err := yaml.Unmarshal([]byte(m[1]), &fm); err != nil {
		return ""
	}
	if t, ok := fm["title"].(string); ok {
		return t
	}
	return ""
}

func (p *MarkdownParser) titleFromContent(content string) string {
	body := frontmatterRe.ReplaceAllString(content, "")
	if m := mdTitleRe.FindStringSubmatch(strings.TrimSpace(body)); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// stripMarkdown removes markup so word counting sees only prose.
func stripMarkdown(content string) string {
	text := frontmatterRe.ReplaceAllString(content, "")
	text = mdCodeBlockRe.ReplaceAllString(text, "")
	text = mdInlineRe.ReplaceAllString(text, "")
	text = mdImageRe.ReplaceAllString(text, "$1")
	text = mdLinkRe.ReplaceAllString(text, "$1")
	text = mdHeadMarkRe.ReplaceAllString(text, "")
	text = mdBoldRe.ReplaceAllString(text, "$1")
	text = mdEmphRe.ReplaceAllString(text, "$1")
	text = mdBold2Re.ReplaceAllString(text, "$1")
	text = mdEmph2Re.ReplaceAllString(text, "$1")
	text = mdListRe.ReplaceAllString(text, "")
	text = mdOrderedRe.ReplaceAllString(text, "")
	text = mdQuoteRe.ReplaceAllString(text, "")
	text = mdRuleRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// splitByHeaders emits one virtual page per level 1/2 header section.
func (p *MarkdownParser) splitByHeaders(content string) []PageContent {
	body := strings.TrimSpace(frontmatterRe.ReplaceAllString(content, ""))

	headerSpans := mdHeaderRe.FindAllStringIndex(body, -1)
	if len(headerSpans) == 0 {
		return []PageContent{{PageNumber: 1, Content: body}}
	}

	var pages []PageContent
	appendPage := func(text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		pages = append(pages, PageContent{PageNumber: len(pages) + 1, Content: text})
	}

	if headerSpans[0][0] > 0 {
		appendPage(body[:headerSpans[0][0]])
	}
	for i, span := range headerSpans {
		end := len(body)
		if i+1 < len(headerSpans) {
			end = headerSpans[i+1][0]
		}
		appendPage(body[span[0]:end])
	}

	if len(pages) == 0 {
		pages = []PageContent{{PageNumber: 1, Content: body}}
	}
	return pages
}
