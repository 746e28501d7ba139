package normalizer

import (
	"regexp"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Statute reference extraction
// ---------------------------------------------------------------------------

// Building blocks of the reference patterns. codeAlt lists the recognised codes.
const (
	codeAlt  = `(?i:IPC|BNSS|BNS|CrPC|IEA|BSA|CPC)`
	secWord  = `(?i:section|sec\.?|u/s\.?|s\.)`
	labelPat = `(\d{1,4}[A-Za-z]?)\b`
)

// refPatterns are tried in order; earlier patterns win on overlapping spans.
var refPatterns = []struct {
	re        *regexp.Regexp
	codeGroup int
	labelGrp  int
}{
	// "BNS Section 103", "IPC 302", "IPC s. 420"
	{regexp.MustCompile(`\b(` + codeAlt + `)\s*(?:` + secWord + `\s*)?` + labelPat), 1, 2},
	// "Section 420 IPC", "u/s 41A CrPC", "Section 420 of the IPC"
	{regexp.MustCompile(`\b` + secWord + `\s*` + labelPat + `\s*(?:(?i:of\s+(?:the\s+)?))?(` + codeAlt + `)\b`), 2, 1},
	// "Section 302" with no code
	{regexp.MustCompile(`(?i:\bsection|\bsec\.?|\bu/s\.?)\s*` + labelPat), 0, 1},
}

// SectionRef is a statute reference found in free text.
type SectionRef struct {
	Code   string `json:"code,omitempty"` // upper-case, empty when not stated
	Label  string `json:"label"`
	Raw    string `json:"raw"`
	Offset int    `json:"offset"`
}

// ID returns "<code>-<label>", or just the label when the code is unknown.
func (r SectionRef) ID() string {
	if r.Code == "" {
		return r.Label
	}
	return SectionID(r.Code, r.Label)
}

// ExtractSectionRefs finds statute references such as "IPC 302",
// "Section 420 IPC", "BNS Section 103" or "u/s 41A CrPC". Results are in
// text order with duplicates (same code and label) removed.
func ExtractSectionRefs(text string) []SectionRef {
	refs := FindSectionRefs(text)
	seen := make(map[string]bool)
	out := refs[:0]
	for _, r := range refs {
		key := r.Code + "|" + r.Label
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// FindSectionRefs is ExtractSectionRefs without deduplication: every
// occurrence is returned with its byte offset.
func FindSectionRefs(text string) []SectionRef {
	type claimed struct{ start, end int }
	var taken []claimed
	overlaps := func(s, e int) bool {
		for _, c := range taken {
			if s < c.end && e > c.start {
				return true
			}
		}
		return false
	}

	var refs []SectionRef
	for _, p := range refPatterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			if overlaps(loc[0], loc[1]) {
				continue
			}
			ref := SectionRef{
				Label:  canonicalLabel(text[loc[2*p.labelGrp]:loc[2*p.labelGrp+1]]),
				Raw:    text[loc[0]:loc[1]],
				Offset: loc[0],
			}
			if p.codeGroup > 0 {
				ref.Code = strings.ToUpper(text[loc[2*p.codeGroup]:loc[2*p.codeGroup+1]])
			}
			taken = append(taken, claimed{loc[0], loc[1]})
			refs = append(refs, ref)
		}
	}

	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Offset < refs[j].Offset })
	return refs
}
