package compose

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/brunobiangulo/lawbridge/normalizer"
	"github.com/brunobiangulo/lawbridge/retrieval"
)

var (
	// bracketed matches "[S1]", "[S1, S3]", "[IPC-302]" and similar markers.
	bracketed = regexp.MustCompile(`\s?\[([^\[\]\n]{1,60})\]`)

	sourceLabel = regexp.MustCompile(`^(?i:S|Source\s*)(\d{1,3})$`)
	sectionTok  = regexp.MustCompile(`^([A-Za-z]{2,5})[\s-]*(\d{1,4}[A-Za-z]{0,3})$`)
)

// checkResult is the outcome of verifying an answer against its sources.
type checkResult struct {
	text     string
	cited    []int    // indexes into sources, first-cited order
	stripped []string // markers and references that matched no source
}

// verifyCitations checks every citation the answer makes against the prompt
// sources. Unverifiable bracketed markers and prose references are removed
// from the text and recorded in stripped.
func verifyCitations(answer string, sources []retrieval.Result) checkResult {
	res := checkResult{}
	citedSet := make(map[int]bool)
	cite := func(i int) {
		if !citedSet[i] {
			citedSet[i] = true
			res.cited = append(res.cited, i)
		}
	}

	text := bracketed.ReplaceAllStringFunc(answer, func(m string) string {
		lead := ""
		if m[0] != '[' {
			lead = m[:1]
		}
		inner := strings.TrimSpace(m[len(lead)+1 : len(m)-1])

		var kept []string
		claims := false
		for _, tok := range strings.FieldsFunc(inner, func(r rune) bool { return r == ',' || r == ';' }) {
			tok = strings.TrimSpace(tok)
			idxs, isClaim := resolveMarker(tok, sources)
			if !isClaim {
				continue
			}
			claims = true
			if idxs == nil {
				res.stripped = append(res.stripped, "["+tok+"]")
				continue
			}
			for _, i := range idxs {
				cite(i)
			}
			kept = append(kept, tok)
		}
		switch {
		case !claims:
			return m // not a citation, e.g. "[emphasis added]"
		case len(kept) == 0:
			return ""
		default:
			return lead + "[" + strings.Join(kept, ", ") + "]"
		}
	})

	// Brackets left after the first pass were verified or hold no reference;
	// they are masked with same-length padding so prose offsets stay valid.
	masked := bracketed.ReplaceAllStringFunc(text, func(m string) string {
		return strings.Repeat(" ", len(m))
	})
	type span struct{ start, end int }
	var drop []span
	seen := make(map[string]bool)
	for _, ref := range normalizer.FindSectionRefs(masked) {
		if matchRef(ref, sources) >= 0 {
			continue
		}
		start, end := ref.Offset, ref.Offset+len(ref.Raw)
		if start > 0 && text[start-1] == ' ' {
			start--
		}
		drop = append(drop, span{start, end})
		if key := ref.Code + "|" + ref.Label; !seen[key] {
			seen[key] = true
			res.stripped = append(res.stripped, strings.TrimSpace(ref.Raw))
		}
	}
	for i := len(drop) - 1; i >= 0; i-- {
		text = text[:drop[i].start] + text[drop[i].end:]
	}
	res.text = text
	return res
}

// resolveMarker maps one bracketed token to source indexes. isClaim is false
// for tokens that are neither source labels nor statute references; idxs is
// nil for claims that any source fails to back.
func resolveMarker(tok string, sources []retrieval.Result) (idxs []int, isClaim bool) {
	if m := sourceLabel.FindStringSubmatch(tok); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n >= 1 && n <= len(sources) {
			return []int{n - 1}, true
		}
		return nil, true
	}
	if m := sectionTok.FindStringSubmatch(tok); m != nil {
		ref := normalizer.SectionRef{Code: strings.ToUpper(m[1]), Label: m[2]}
		if i := matchRef(ref, sources); i >= 0 {
			return []int{i}, true
		}
		return nil, true
	}
	// "Section 420 IPC", "Sec. 999", "IPC Section 420"
	refs := normalizer.FindSectionRefs(tok)
	if len(refs) == 0 {
		return nil, false
	}
	for _, ref := range refs {
		i := matchRef(ref, sources)
		if i < 0 {
			return nil, true
		}
		idxs = append(idxs, i)
	}
	return idxs, true
}

// matchRef returns the first source carrying the referenced section, or -1.
// A reference without a code matches on the label alone.
func matchRef(ref normalizer.SectionRef, sources []retrieval.Result) int {
	for i, s := range sources {
		if !strings.EqualFold(s.Citation.SectionLabel, ref.Label) {
			continue
		}
		if ref.Code == "" || strings.EqualFold(s.Citation.Code, ref.Code) {
			return i
		}
	}
	return -1
}

// confidence scores a checked answer: the mean retrieval score of the cited
// sources, less 0.15 per stripped citation. With nothing cited the mean runs
// over every source and is scaled by 0.7.
func confidence(sources []retrieval.Result, cited []int, stripped int) float64 {
	if len(sources) == 0 {
		return 0
	}
	var sum float64
	if len(cited) > 0 {
		for _, i := range cited {
			sum += sources[i].Score
		}
		sum /= float64(len(cited))
	} else {
		for _, s := range sources {
			sum += s.Score
		}
		sum /= float64(len(sources))
	}

	score := clamp(sum) - 0.15*float64(stripped)
	if len(cited) == 0 {
		score *= 0.7
	}
	return clamp(score)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
