package parser

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// TextParser handles plain text files. Form feeds in the file are kept as
// page breaks.
type TextParser struct{}

func (p *TextParser) SupportedFormats() []string { return []string{"txt", "text", "md"} }

func (p *TextParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}

	content := string(data)
	pages := 0
	if strings.Contains(content, PageBreak) {
		pages = strings.Count(content, PageBreak) + 1
	}

	return &ParseResult{
		Text:   content,
		Pages:  pages,
		Method: "native",
	}, nil
}
