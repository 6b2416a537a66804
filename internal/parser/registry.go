package parser

import (
	"sort"
	"strings"
	"sync"

	kberrors "github.com/knowbase/knowbase/internal/errors"
)

// Registry maps file extensions to parsers.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewRegistry creates a registry with all built-in parsers registered:
// txt, markdown, html, pdf, docx, xlsx.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	r.Register(&TxtParser{})
	r.Register(&MarkdownParser{})
	r.Register(&HTMLParser{})
	r.Register(&PDFParser{})
	r.Register(&DocxParser{})
	r.Register(&ExcelParser{})
	return r
}

// Register adds a parser for each of its extensions, replacing any
// previous registration.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range p.Extensions() {
		r.parsers[strings.ToLower(ext)] = p
	}
}

// Get returns the parser for the filename's extension, or nil.
func (r *Registry) Get(filename string) Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.parsers[extOf(filename)]
}

// IsSupported reports whether the filename's extension has a parser.
func (r *Registry) IsSupported(filename string) bool {
	return r.Get(filename) != nil
}

// SupportedExtensions returns all registered extensions, sorted.
func (r *Registry) SupportedExtensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exts := make([]string, 0, len(r.parsers))
	for ext := range r.parsers {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Parse dispatches to the parser registered for the filename's extension.
func (r *Registry) Parse(data []byte, filename string) (*ParsedDocument, error) {
	p := r.Get(filename)
	if p == nil {
		return nil, kberrors.New(kberrors.ErrCodeUnsupportedFileType,
			"unsupported file type: "+extOf(filename), nil).
			WithDetail("filename", filename)
	}
	return p.Parse(data, filename)
}
