// Package normalizer cleans raw statute text and segments it into
// addressable units at section markers and page breaks.
package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/brunobiangulo/lawbridge/store"
)

// ErrMalformedInput is returned for empty, whitespace-only or non-text input.
var ErrMalformedInput = errors.New("malformed input")

// DefaultMaxUnitChars bounds the size of a single unit before it is split.
const DefaultMaxUnitChars = 4000

// minPrintableRatio is the share of printable runes required for text input.
const minPrintableRatio = 0.85

// DocumentMeta identifies the document the units belong to.
type DocumentMeta struct {
	DocumentID string
	Version    int
}

// Config controls unit sizing.
type Config struct {
	MaxUnitChars int
}

// Normalizer segments raw text into units.
type Normalizer struct {
	cfg Config
}

// New creates a Normalizer. A zero MaxUnitChars uses DefaultMaxUnitChars.
func New(cfg Config) *Normalizer {
	if cfg.MaxUnitChars <= 0 {
		cfg.MaxUnitChars = DefaultMaxUnitChars
	}
	return &Normalizer{cfg: cfg}
}

// Normalize segments raw with the default configuration.
func Normalize(raw string, meta DocumentMeta) ([]store.Unit, error) {
	return New(Config{}).Normalize(raw, meta)
}

// span is a run of text on one page under one section label.
type span struct {
	label string
	page  int
	lines []string
}

func (s *span) text() string {
	return strings.TrimSpace(strings.Join(s.lines, "\n"))
}

// Normalize splits raw into units. A new unit starts at every recognised
// section marker and at every page break. Text before the first marker is
// an unlabelled preamble; a section running over a page break continues on
// the next page as a unit with the same label.
func (n *Normalizer) Normalize(raw string, meta DocumentMeta) ([]store.Unit, error) {
	if meta.DocumentID == "" {
		return nil, fmt.Errorf("%w: document id is required", ErrMalformedInput)
	}
	if meta.Version <= 0 {
		meta.Version = 1
	}
	if err := validateText(raw); err != nil {
		return nil, err
	}

	text := normalizeWhitespace(raw)
	pages := strings.Split(text, "\f")
	paged := len(pages) > 1

	var spans []span
	label := ""
	for i, page := range pages {
		pageNum := 0
		if paged {
			pageNum = i + 1
		}
		cur := span{label: label, page: pageNum}
		for _, line := range strings.Split(page, "\n") {
			if l, ok := DetectMarker(line); ok {
				if cur.text() != "" {
					spans = append(spans, cur)
				}
				label = l
				cur = span{label: label, page: pageNum}
			}
			cur.lines = append(cur.lines, line)
		}
		if cur.text() != "" {
			spans = append(spans, cur)
		}
	}

	if len(spans) == 0 {
		return nil, fmt.Errorf("%w: no text after normalisation", ErrMalformedInput)
	}

	units := make([]store.Unit, 0, len(spans))
	seen := make(map[string]int)
	for _, s := range spans {
		for _, part := range splitLong(s.text(), n.cfg.MaxUnitChars) {
			base := unitBaseID(meta, s.page, s.label)
			seen[base]++
			id := base
			if seen[base] > 1 {
				id = fmt.Sprintf("%s~%d", base, seen[base])
			}
			units = append(units, store.Unit{
				ID:           id,
				DocumentID:   meta.DocumentID,
				SectionLabel: s.label,
				PageNumber:   s.page,
				Position:     len(units),
				Text:         part,
				ContentHash:  contentHash(part),
			})
		}
	}
	return units, nil
}

// unitBaseID builds "<document_id>@<version>#p<page>-<label|body>".
func unitBaseID(meta DocumentMeta, page int, label string) string {
	if label == "" {
		label = "body"
	}
	return fmt.Sprintf("%s@%d#p%d-%s", meta.DocumentID, meta.Version, page, label)
}

// validateText rejects input that is empty or does not look like text.
func validateText(raw string) error {
	if strings.TrimSpace(strings.ReplaceAll(raw, "\f", "")) == "" {
		return fmt.Errorf("%w: empty text", ErrMalformedInput)
	}
	if strings.IndexByte(raw, 0) >= 0 {
		return fmt.Errorf("%w: contains NUL bytes", ErrMalformedInput)
	}
	if !utf8.ValidString(raw) {
		return fmt.Errorf("%w: invalid UTF-8", ErrMalformedInput)
	}
	total, printable := 0, 0
	for _, r := range raw {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	if float64(printable)/float64(total) < minPrintableRatio {
		return fmt.Errorf("%w: mostly non-printable content", ErrMalformedInput)
	}
	return nil
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// normalizeWhitespace unifies line endings, trims trailing spaces and
// collapses runs of blank lines. Form feeds are preserved.
func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\u00a0", " ")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRightFunc(l, func(r rune) bool { return r != '\f' && unicode.IsSpace(r) })
	}
	return blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
}

// splitLong breaks text longer than max into parts on paragraph, then line,
// then word boundaries.
func splitLong(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}
	var parts []string
	var b strings.Builder
	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			parts = append(parts, s)
		}
		b.Reset()
	}
	for _, word := range strings.SplitAfter(text, " ") {
		if b.Len()+len(word) > max {
			// Prefer cutting at the last paragraph or line break in the buffer.
			buf := b.String()
			cut := strings.LastIndex(buf, "\n\n")
			if cut <= 0 {
				cut = strings.LastIndex(buf, "\n")
			}
			if cut > 0 {
				rest := buf[cut:]
				b.Reset()
				b.WriteString(buf[:cut])
				flush()
				b.WriteString(strings.TrimLeft(rest, "\n"))
			} else {
				flush()
			}
			if b.Len()+len(word) > max {
				flush()
			}
		}
		b.WriteString(word)
	}
	flush()
	return parts
}

// contentHash returns the SHA-256 hex digest of text.
func contentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// ContentHash is exported for callers hashing whole documents.
func ContentHash(text string) string {
	return contentHash(text)
}
