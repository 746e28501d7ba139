package lawbridge

import (
	"strings"
	"unicode"
)

// SnippetMaxLen bounds the length of a search snippet in runes.
const SnippetMaxLen = 240

// Snippet picks the clause of a unit's text that best matches the query, for
// display next to a search hit. With no overlap it falls back to the opening
// clause. The result never exceeds SnippetMaxLen runes.
func Snippet(text, query string) string {
	clauses := splitClauses(text)
	if len(clauses) == 0 {
		return ""
	}
	terms := queryTerms(query)

	best, bestScore := 0, 0
	for i, c := range clauses {
		score := 0
		for w := range queryTerms(c) {
			if terms[w] {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	out := clauses[best]
	// Pull in the following clause when it also matches and there is room.
	if bestScore > 0 && best+1 < len(clauses) {
		next := clauses[best+1]
		overlap := false
		for w := range queryTerms(next) {
			if terms[w] {
				overlap = true
				break
			}
		}
		if overlap && runeLen(out)+1+runeLen(next) <= SnippetMaxLen {
			out += " " + next
		}
	}
	return clip(out, SnippetMaxLen)
}

// queryTerms returns the lowercased words of at least three characters that
// are not drafting boilerplate.
func queryTerms(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if runeLen(w) >= 3 && !boilerplate[w] {
			words[w] = true
		}
	}
	return words
}

// splitClauses breaks statute text after '.', ';' or ':' when followed by
// whitespace, and at the em dash that separates a marginal heading. A lone
// section number such as "420." stays with the heading that follows it.
func splitClauses(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if s := strings.Join(strings.Fields(cur.String()), " "); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	runes := []rune(text)
	for i, r := range runes {
		if r == '—' {
			flush()
			continue
		}
		cur.WriteRune(r)
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		switch r {
		case ';', ':':
			flush()
		case '.':
			if strings.ContainsFunc(strings.TrimSpace(cur.String()), unicode.IsSpace) {
				flush()
			}
		}
	}
	flush()
	return out
}

func clip(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return strings.TrimSpace(string(r[:max-1])) + "…"
}

func runeLen(s string) int { return len([]rune(s)) }

var boilerplate = map[string]bool{
	"the": true, "and": true, "any": true, "for": true, "with": true,
	"shall": true, "which": true, "such": true, "this": true, "that": true,
	"under": true, "may": true, "who": true, "what": true, "from": true,
	"been": true, "being": true, "also": true, "either": true, "other": true,
	"section": true, "person": true, "whoever": true, "punished": true,
	"liable": true, "term": true, "extend": true, "description": true,
}
