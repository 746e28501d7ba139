// Package compare produces structured diffs between an old-code section and
// the new-code section it maps to.
package compare

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/brunobiangulo/lawbridge/normalizer"
	"github.com/brunobiangulo/lawbridge/retrieval"
	"github.com/brunobiangulo/lawbridge/store"
)

// Axis statuses.
const (
	StatusUnchanged     = "unchanged"
	StatusChanged       = "changed"
	StatusNotApplicable = "not_applicable"
)

// sectionFetchK bounds how many units one section may contribute.
const sectionFetchK = 50

// Axis is one dimension of a structured diff.
type Axis struct {
	Status  string   `json:"status"`
	Summary string   `json:"summary,omitempty"`
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// String renders the axis as "changed (fine added)".
func (a Axis) String() string {
	if a.Summary == "" {
		return a.Status
	}
	return a.Status + " (" + a.Summary + ")"
}

// WordingAxis carries the text-level change and its unified diff.
type WordingAxis struct {
	Axis
	Unified string `json:"unified,omitempty"`
}

// StructuredDiff compares an old-code section with its mapped successor.
type StructuredDiff struct {
	OldSectionID string           `json:"old_section_id"`
	NewSectionID string           `json:"new_section_id,omitempty"`
	ChangeType   store.ChangeType `json:"change_type"`
	Mapping      store.Mapping    `json:"mapping"`
	OldText      string           `json:"old_text"`
	NewText      string           `json:"new_text"`
	Wording      WordingAxis      `json:"wording"`
	Penalty      Axis             `json:"penalty"`
	Scope        Axis             `json:"scope"`
}

// Resolver is the mapper subset the comparator uses.
type Resolver interface {
	Resolve(ctx context.Context, oldSectionID string) (*store.Mapping, error)
}

// Sections reads section text directly from storage. It backs up retrieval
// when a keyword query cannot match a section by its id.
type Sections interface {
	SectionUnits(ctx context.Context, code, label string) ([]store.UnitRecord, error)
}

// Comparator is stateless and safe for concurrent use.
type Comparator struct {
	resolver Resolver
	ret      retrieval.Retriever
	sections Sections
}

// New creates a Comparator. sections may be nil.
func New(resolver Resolver, ret retrieval.Retriever, sections Sections) *Comparator {
	return &Comparator{resolver: resolver, ret: ret, sections: sections}
}

// Compare resolves oldSectionID and diffs the two provisions on the wording,
// penalty and scope axes. store.ErrNotFound is returned when no mapping exists.
func (c *Comparator) Compare(ctx context.Context, oldSectionID string) (*StructuredDiff, error) {
	m, err := c.resolver.Resolve(ctx, oldSectionID)
	if err != nil {
		return nil, err
	}

	d := &StructuredDiff{
		OldSectionID: m.OldSectionID,
		NewSectionID: m.NewSectionID,
		ChangeType:   m.ChangeType,
		Mapping:      *m,
	}
	if d.OldText, err = c.sectionText(ctx, m.OldSectionID); err != nil {
		return nil, err
	}

	repealed := m.ChangeType == store.ChangeRepealed || m.NewSectionID == ""
	if repealed {
		d.Wording = WordingAxis{Axis: Axis{Status: StatusChanged, Summary: "provision repealed"}}
		d.Penalty = repealedAxis(penaltyTerms(d.OldText))
		d.Scope = repealedAxis(scopeTerms(d.OldText))
		return d, nil
	}

	if d.NewText, err = c.sectionText(ctx, m.NewSectionID); err != nil {
		return nil, err
	}
	if d.OldText == "" || d.NewText == "" {
		slog.Debug("compare: section text missing", "old", m.OldSectionID, "new", m.NewSectionID,
			"old_found", d.OldText != "", "new_found", d.NewText != "")
		na := Axis{Status: StatusNotApplicable, Summary: "section text not indexed"}
		d.Wording = WordingAxis{Axis: na}
		d.Penalty = na
		d.Scope = na
		return d, nil
	}

	d.Wording = wordingAxis(d.OldText, d.NewText, m.OldSectionID, m.NewSectionID)
	d.Penalty = termAxis(penaltyTerms(d.OldText), penaltyTerms(d.NewText))
	d.Scope = termAxis(scopeTerms(d.OldText), scopeTerms(d.NewText))
	return d, nil
}

// sectionText joins the units of one section from a single document.
func (c *Comparator) sectionText(ctx context.Context, sectionID string) (string, error) {
	code, label, ok := normalizer.ParseSectionID(sectionID)
	if !ok {
		return "", goerr.New("malformed section id", goerr.V("section_id", sectionID))
	}

	results, err := c.ret.Query(ctx, code+" "+label, sectionFetchK, retrieval.Filters{Code: code, SectionLabel: label})
	if err != nil && !errors.Is(err, retrieval.ErrEmptyQuery) {
		return "", goerr.Wrap(err, "fetching section text", goerr.V("section_id", sectionID))
	}
	if len(results) > 0 {
		doc := results[0].Citation.DocumentID
		var parts []retrieval.Result
		for _, r := range results {
			if r.Citation.DocumentID == doc {
				parts = append(parts, r)
			}
		}
		sort.SliceStable(parts, func(i, j int) bool {
			if parts[i].Citation.PageNumber != parts[j].Citation.PageNumber {
				return parts[i].Citation.PageNumber < parts[j].Citation.PageNumber
			}
			return parts[i].UnitID < parts[j].UnitID
		})
		texts := make([]string, len(parts))
		for i, p := range parts {
			texts[i] = strings.TrimSpace(p.Text)
		}
		return strings.Join(texts, " "), nil
	}

	if c.sections == nil {
		return "", nil
	}
	recs, err := c.sections.SectionUnits(ctx, code, label)
	if err != nil {
		return "", goerr.Wrap(err, "reading section units", goerr.V("section_id", sectionID))
	}
	var texts []string
	for _, r := range recs {
		if r.DocumentID != recs[0].DocumentID {
			break
		}
		texts = append(texts, strings.TrimSpace(r.Text))
	}
	return strings.Join(texts, " "), nil
}

// termAxis compares two term sets.
func termAxis(before, after []string) Axis {
	if len(before) == 0 && len(after) == 0 {
		return Axis{Status: StatusNotApplicable, Summary: "no terms detected"}
	}
	added := difference(after, before)
	removed := difference(before, after)
	if len(added) == 0 && len(removed) == 0 {
		return Axis{Status: StatusUnchanged}
	}

	var parts []string
	for _, t := range added {
		parts = append(parts, t+" added")
	}
	for _, t := range removed {
		parts = append(parts, t+" removed")
	}
	return Axis{Status: StatusChanged, Summary: strings.Join(parts, ", "), Added: added, Removed: removed}
}

func repealedAxis(old []string) Axis {
	if len(old) == 0 {
		return Axis{Status: StatusNotApplicable, Summary: "provision repealed"}
	}
	return Axis{Status: StatusChanged, Summary: "provision repealed", Removed: old}
}

// difference returns the members of a not in b, keeping a's order.
func difference(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	var out []string
	for _, s := range a {
		if !in[s] {
			out = append(out, s)
		}
	}
	return out
}
