// Package lexicon holds the reference data that explains statutes to lay
// readers: a glossary of legal terms and the procedural classification
// (bailable, cognizable) of frequently charged offences.
package lexicon

import (
	_ "embed"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/lawbridge/store"
)

//go:embed terms.yaml
var defaultTerms []byte

// DefaultTerms returns the built-in glossary.
func DefaultTerms() ([]store.GlossaryTerm, error) {
	return ParseTerms(defaultTerms)
}

// ParseTerms decodes a YAML list of glossary terms. Every entry needs a term
// and a definition, and names must be unique ignoring case.
func ParseTerms(data []byte) ([]store.GlossaryTerm, error) {
	var terms []store.GlossaryTerm
	if err := yaml.Unmarshal(data, &terms); err != nil {
		return nil, goerr.Wrap(err, "parsing glossary")
	}
	seen := make(map[string]bool, len(terms))
	for i := range terms {
		t := &terms[i]
		t.Term = strings.TrimSpace(t.Term)
		t.Definition = strings.TrimSpace(t.Definition)
		if t.Term == "" || t.Definition == "" {
			return nil, goerr.New("glossary entry needs a term and a definition", goerr.V("index", i))
		}
		key := strings.ToLower(t.Term)
		if seen[key] {
			return nil, goerr.New("duplicate glossary term", goerr.V("term", t.Term))
		}
		seen[key] = true
	}
	return terms, nil
}

// Detector finds glossary terms mentioned in free text.
type Detector struct {
	re    *regexp.Regexp
	terms map[string]store.GlossaryTerm
}

// NewDetector compiles one case-insensitive pattern for all terms. Longer
// terms are tried first, so "Anticipatory Bail" wins over "Bail" at the same
// position.
func NewDetector(terms []store.GlossaryTerm) *Detector {
	d := &Detector{terms: make(map[string]store.GlossaryTerm, len(terms))}
	names := make([]string, 0, len(terms))
	for _, t := range terms {
		key := foldSpace(t.Term)
		if key == "" {
			continue
		}
		if _, dup := d.terms[key]; !dup {
			names = append(names, key)
		}
		d.terms[key] = t
	}
	if len(names) == 0 {
		return d
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	alts := make([]string, len(names))
	for i, n := range names {
		alts[i] = termPattern(n)
	}
	d.re = regexp.MustCompile(`(?i)(?:` + strings.Join(alts, "|") + `)`)
	return d
}

// Detect returns the terms found in text, in order of first mention and
// without repeats.
func (d *Detector) Detect(text string) []store.GlossaryTerm {
	out := []store.GlossaryTerm{}
	if d.re == nil {
		return out
	}
	seen := map[string]bool{}
	for _, m := range d.re.FindAllString(text, -1) {
		key := foldSpace(m)
		if seen[key] {
			continue
		}
		if t, ok := d.terms[key]; ok {
			seen[key] = true
			out = append(out, t)
		}
	}
	return out
}

// Len reports how many distinct terms the detector knows.
func (d *Detector) Len() int { return len(d.terms) }

// termPattern quotes a term, lets any run of whitespace separate its words
// and anchors it at word boundaries where the term starts or ends with a
// word character.
func termPattern(term string) string {
	words := strings.Fields(term)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	p := strings.Join(words, `\s+`)
	if first, _ := utf8.DecodeRuneInString(term); isWord(first) {
		p = `\b` + p
	}
	if last, _ := utf8.DecodeLastRuneInString(term); isWord(last) {
		p += `\b`
	}
	return p
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func foldSpace(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
