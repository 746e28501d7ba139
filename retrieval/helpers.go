package retrieval

import (
	"strings"
)

// ftsSpecial are FTS5 syntax characters. They are replaced by spaces so that
// "IPC-302" still yields the terms IPC and 302.
var ftsSpecial = strings.NewReplacer(
	"\"", " ", "*", " ", "(", " ", ")", " ",
	"+", " ", "-", " ", "^", " ", ":", " ",
	"?", " ", "[", " ", "]", " ", "{", " ",
	"}", " ", "!", " ", ".", " ", ",", " ",
	";", " ", "'", " ", "/", " ", "§", " ",
)

// extractSignificantTerms returns the lowercased words of a query minus stop
// words and one-letter tokens. Digits survive so section numbers match.
func extractSignificantTerms(query string) []string {
	words := strings.Fields(ftsSpecial.Replace(query))

	seen := make(map[string]bool)
	var terms []string
	for _, w := range words {
		lower := strings.ToLower(w)
		if len(lower) < 2 || isStopWord(lower) || seen[lower] {
			continue
		}
		seen[lower] = true
		terms = append(terms, lower)
	}
	return terms
}

// sanitizeFTSQuery builds an FTS5 OR query: the full phrase when there is
// more than one word, then each significant term. Every part is quoted so
// words like NOT or NEAR are never read as operators. Returns "" when
// nothing searchable is left.
func sanitizeFTSQuery(query string) string {
	words := strings.Fields(ftsSpecial.Replace(query))
	if len(words) == 0 {
		return ""
	}

	var parts []string
	if len(words) > 1 {
		parts = append(parts, quote(strings.Join(words, " ")))
	}
	for _, t := range extractSignificantTerms(query) {
		parts = append(parts, quote(t))
	}
	if len(parts) == 0 {
		// Only stop words: search them anyway rather than return nothing.
		for _, w := range words {
			parts = append(parts, quote(w))
		}
	}
	return strings.Join(parts, " OR ")
}

func quote(s string) string {
	return "\"" + s + "\""
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "must": true,
	"shall": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "what": true, "which": true, "who": true, "whom": true,
	"where": true, "when": true, "how": true, "why": true, "not": true,
	"no": true, "nor": true, "if": true, "then": true, "than": true,
	"so": true, "as": true, "about": true, "into": true, "between": true,
	"section": true, "sec": true, "under": true, "u/s": true,
}

func isStopWord(w string) bool {
	return stopWords[strings.ToLower(w)]
}
