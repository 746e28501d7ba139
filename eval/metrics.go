package eval

import (
	"strings"
	"unicode"

	"github.com/brunobiangulo/lawbridge/retrieval"
)

// RetrievalKValues are the k values at which P@k and R@k are computed.
var RetrievalKValues = []int{1, 3, 5, 10}

// normalizeText folds the Unicode spacing and dashes models like to emit so
// substring checks match statute text.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		case r == '\u2010' || r == '\u2011' || r == '\u2012' || r == '\u2013' || r == '\u2014':
			b.WriteByte('-')
		case r == '\u200B' || r == '\u200C' || r == '\u200D' || r == '\uFEFF':
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// sectionIDs returns the distinct section ids of results in rank order.
// Units of one section count once.
func sectionIDs(results []retrieval.Result) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range results {
		id := strings.ToUpper(r.Citation.SectionID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func expectedSet(expected []string) map[string]bool {
	set := make(map[string]bool, len(expected))
	for _, e := range expected {
		set[strings.ToUpper(strings.TrimSpace(e))] = true
	}
	return set
}

// precisionAtK is the share of the top-k retrieved sections that are expected.
func precisionAtK(ranked []string, expected []string, k int) float64 {
	if len(ranked) == 0 || k <= 0 {
		return 0
	}
	if k > len(ranked) {
		k = len(ranked)
	}
	want := expectedSet(expected)
	hits := 0
	for _, id := range ranked[:k] {
		if want[id] {
			hits++
		}
	}
	return float64(hits) / float64(k)
}

// recallAtK is the share of expected sections found in the top k.
func recallAtK(ranked []string, expected []string, k int) float64 {
	want := expectedSet(expected)
	if len(want) == 0 {
		return 0
	}
	if k > len(ranked) {
		k = len(ranked)
	}
	hits := 0
	for _, id := range ranked[:k] {
		if want[id] {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}

// reciprocalRank is 1/rank of the first expected section, 0 when absent.
func reciprocalRank(ranked []string, expected []string) float64 {
	want := expectedSet(expected)
	for i, id := range ranked {
		if want[id] {
			return 1 / float64(i+1)
		}
	}
	return 0
}

// factRecall is the share of expected facts present in the answer.
func factRecall(answer string, facts []string) float64 {
	if len(facts) == 0 {
		return 1
	}
	norm := normalizeText(answer)
	found := 0
	for _, f := range facts {
		if strings.Contains(norm, normalizeText(f)) {
			found++
		}
	}
	return float64(found) / float64(len(facts))
}

// citationPrecision is the share of cited sections that are expected.
// An answer that cites nothing scores 0.
func citationPrecision(cited []retrieval.Citation, expected []string) float64 {
	if len(cited) == 0 {
		return 0
	}
	want := expectedSet(expected)
	hits := 0
	for _, c := range cited {
		if want[strings.ToUpper(c.SectionID)] {
			hits++
		}
	}
	return float64(hits) / float64(len(cited))
}
