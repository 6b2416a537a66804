package parser

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	kberrors "github.com/knowbase/knowbase/internal/errors"
)

var (
	metaCharsetRe     = regexp.MustCompile(`(?i)<meta[^>]+charset=["']?([^"'\s>]+)`)
	metaContentTypeRe = regexp.MustCompile(`(?i)<meta[^>]+content=["'][^"']*charset=([^"'\s;]+)`)
	multiNewlineRe    = regexp.MustCompile(`\n{3,}`)
)

// skippedTags are removed before text extraction.
var skippedTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"iframe":   true,
	"nav":      true,
	"footer":   true,
	"header":   true,
}

// HTMLParser extracts readable text from HTML documents. A declared
// <meta charset> takes priority over the encoding fallback chain.
type HTMLParser struct{}

// Extensions implements Parser.
func (p *HTMLParser) Extensions() []string {
	return []string{".html", ".htm", ".xhtml"}
}

// Parse implements Parser.
func (p *HTMLParser) Parse(data []byte, filename string) (*ParsedDocument, error) {
	content, enc := p.decode(data)

	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeParseFailed, "malformed html: "+err.Error(), err).
			WithDetail("filename", filename)
	}

	var (
		title     string
		h1        string
		author    string
		images    []string
		tables    []string
		textParts []string
	)

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			tag := strings.ToLower(n.Data)
			if skippedTags[tag] {
				return
			}
			switch tag {
			case "title":
				title = strings.TrimSpace(textOf(n))
				return
			case "h1":
				if h1 == "" {
					h1 = strings.TrimSpace(textOf(n))
				}
			case "meta":
				if strings.EqualFold(attr(n, "name"), "author") {
					author = attr(n, "content")
				}
			case "img":
				if src := attr(n, "src"); src != "" {
					images = append(images, src)
				}
			case "table":
				tables = append(tables, strings.TrimSpace(textOf(n)))
			}
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				textParts = append(textParts, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	text := strings.Join(textParts, "\n")
	text = multiNewlineRe.ReplaceAllString(text, "\n\n")

	if title == "" {
		title = h1
	}
	if title == "" {
		title = stem(filename)
	}

	meta := Metadata{
		Title:     title,
		Author:    author,
		FileType:  extOf(filename),
		FileSize:  int64(len(data)),
		WordCount: CountWords(text),
		Language:  DetectLanguage(text),
		PageCount: 1,
		Custom: map[string]string{
			"encoding":    enc,
			"image_count": strconv.Itoa(len(images)),
			"table_count": strconv.Itoa(len(tables)),
		},
	}

	return &ParsedDocument{
		Content:  text,
		Metadata: meta,
		Pages: []PageContent{{
			PageNumber: 1,
			Content:    text,
			Images:     images,
			Tables:     tables,
		}},
	}, nil
}

// decode honors a charset declared in the first 1 KiB before falling back to
// the standard encoding chain.
func (p *HTMLParser) decode(data []byte) (string, string) {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}

	declared := ""
	if m := metaCharsetRe.FindSubmatch(head); m != nil {
		declared = string(m[1])
	} else if m := metaContentTypeRe.FindSubmatch(head); m != nil {
		declared = string(m[1])
	}

	if declared != "" {
		if s, ok := DecodeWithEncoding(data, declared); ok {
			return s, normalizeEncodingName(declared)
		}
	}

	return DecodeText(data)
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}
