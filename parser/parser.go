package parser

import (
	"context"
	"errors"
)

// PageBreak separates pages in ParseResult.Text.
const PageBreak = "\f"

// ErrUnsupportedFormat is returned by the registry for unknown extensions.
var ErrUnsupportedFormat = errors.New("parser: unsupported format")

// ParseResult is the raw text a parser extracted from a document file.
type ParseResult struct {
	Text     string // pages joined with PageBreak
	Pages    int    // 0 when the format has no page concept
	Method   string // "native", "ocr"
	Metadata map[string]string
}

// Parser can parse a specific document format.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParseResult, error)
	SupportedFormats() []string
}
