package normalizer

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Section marker detection
// ---------------------------------------------------------------------------

// wordMarker matches "Section 302", "Sec. 41A", "§ 103" at line start.
var wordMarker = regexp.MustCompile(`^(?:(?i:section|sec)\.?|§+)\s*(\d{1,4}[A-Za-z]{0,3})\b(.*)$`)

// numberMarker matches "302. Punishment for murder" and "302A. ..." at line start.
var numberMarker = regexp.MustCompile(`^(\d{1,4}[A-Z]{0,3})\.\s*(\S.*)$`)

// DetectMarker reports whether line opens a new section and returns its
// canonical label (digits plus upper-case suffix, e.g. "41A").
func DetectMarker(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}

	if m := wordMarker.FindStringSubmatch(line); m != nil {
		rest := strings.TrimSpace(m[2])
		if rest == "" || strings.ContainsAny(rest[:1], ".:-") || strings.HasPrefix(rest, "—") ||
			strings.HasPrefix(rest, "–") || startsTitle(rest) {
			return canonicalLabel(m[1]), true
		}
		return "", false
	}

	if m := numberMarker.FindStringSubmatch(line); m != nil {
		if startsTitle(m[2]) {
			return canonicalLabel(m[1]), true
		}
	}
	return "", false
}

// startsTitle reports whether s opens like a section title or body:
// an upper-case letter, an opening bracket or a quote.
func startsTitle(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsUpper(r) || strings.ContainsRune("([\"'“‘", r)
}

// canonicalLabel upper-cases the letter suffix of a section label.
func canonicalLabel(label string) string {
	return strings.ToUpper(label)
}

// ParseSectionID splits "<code>-<label>" at the first "-".
func ParseSectionID(id string) (code, label string, ok bool) {
	i := strings.Index(id, "-")
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return strings.ToUpper(strings.TrimSpace(id[:i])), canonicalLabel(strings.TrimSpace(id[i+1:])), true
}

// SectionID joins a code and label into "<code>-<label>".
func SectionID(code, label string) string {
	return strings.ToUpper(code) + "-" + canonicalLabel(label)
}
