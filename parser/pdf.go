package parser

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
)

type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

// Parse extracts plain text page by page. Pages that fail to extract are
// kept as empty pages so that page numbers stay aligned with the source.
func (p *PDFParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	pages := make([]string, 0, totalPages)
	failed := 0

	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			slog.Warn("pdf: page extraction failed", "path", path, "page", i, "error", err)
			failed++
			pages = append(pages, "")
			continue
		}
		pages = append(pages, cleanPageText(text))
	}

	meta := map[string]string{"pages": strconv.Itoa(totalPages)}
	if failed > 0 {
		meta["failed_pages"] = strconv.Itoa(failed)
	}

	return &ParseResult{
		Text:     strings.Join(pages, PageBreak),
		Pages:    totalPages,
		Method:   "native",
		Metadata: meta,
	}, nil
}

// cleanPageText drops bare page-number lines ("12", "Page 12", "- 12 -")
// that PDF extraction leaves at the top or bottom of a page.
func cleanPageText(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for len(lines) > 0 && isPageNumberLine(lines[0]) {
		lines = lines[1:]
	}
	for len(lines) > 0 && isPageNumberLine(lines[len(lines)-1]) {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func isPageNumberLine(line string) bool {
	s := strings.TrimSpace(line)
	s = strings.Trim(s, "-– ")
	lower := strings.ToLower(s)
	lower = strings.TrimPrefix(lower, "page ")
	if lower == "" {
		return false
	}
	_, err := strconv.Atoi(lower)
	return err == nil
}
