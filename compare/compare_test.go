package compare

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/lawbridge/retrieval"
	"github.com/brunobiangulo/lawbridge/store"
)

type mapResolver map[string]store.Mapping

func (m mapResolver) Resolve(_ context.Context, id string) (*store.Mapping, error) {
	row, ok := m[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &row, nil
}

// corpusRetriever serves units filtered by code and section label.
type corpusRetriever struct {
	units []retrieval.Result
}

func (c *corpusRetriever) Mode() string { return "corpus" }

func (c *corpusRetriever) Query(_ context.Context, _ string, k int, f retrieval.Filters) ([]retrieval.Result, error) {
	out := []retrieval.Result{}
	for _, u := range c.units {
		if f.Code != "" && u.Citation.Code != f.Code {
			continue
		}
		if f.SectionLabel != "" && u.Citation.SectionLabel != f.SectionLabel {
			continue
		}
		out = append(out, u)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

type sectionStore map[string][]store.UnitRecord

func (s sectionStore) SectionUnits(_ context.Context, code, label string) ([]store.UnitRecord, error) {
	return s[code+"-"+label], nil
}

func unit(doc, code, label string, page int, unitID, text string) retrieval.Result {
	return retrieval.Result{
		UnitID: unitID,
		Score:  1,
		Text:   text,
		Citation: retrieval.Citation{
			DocumentID:   doc,
			Code:         code,
			SectionLabel: label,
			SectionID:    code + "-" + label,
			PageNumber:   page,
			UnitID:       unitID,
		},
	}
}

const (
	ipc302 = "Whoever commits murder shall be punished with death or imprisonment for life."
	bns103 = "Whoever commits murder shall be punished with death or imprisonment for life and fine."
	ipc377 = "Whoever voluntarily has carnal intercourse against the order of nature shall be punished with " +
		"imprisonment for life, or with imprisonment of either description for a term which may extend to ten years, " +
		"and shall also be liable to fine."
)

func newComparator(sections Sections) *Comparator {
	resolver := mapResolver{
		"IPC-302": {OldSectionID: "IPC-302", NewSectionID: "BNS-103", ChangeType: store.ChangePenaltyChanged, Confidence: 1, Source: store.SourceCurated},
		"IPC-377": {OldSectionID: "IPC-377", ChangeType: store.ChangeRepealed, Confidence: 1, Source: store.SourceCurated},
		"IPC-120": {OldSectionID: "IPC-120", NewSectionID: "BNS-58", ChangeType: store.ChangeReworded, Confidence: 1, Source: store.SourceCurated},
		"IPC-511": {OldSectionID: "IPC-511", NewSectionID: "BNS-62", ChangeType: store.ChangeUnknown, Confidence: 0.7, Source: store.SourceDerived},
	}
	ret := &corpusRetriever{units: []retrieval.Result{
		unit("ipc", "IPC", "302", 12, "ipc@1#p12-302", ipc302),
		unit("bns", "BNS", "103", 40, "bns@1#p40-103", bns103),
		unit("ipc", "IPC", "377", 20, "ipc@1#p20-377", ipc377),
		unit("ipc", "IPC", "120", 5, "ipc@1#p5-120", "Whoever conceals a design to commit an offence; shall be punished."),
		unit("bns", "BNS", "58", 15, "bns@1#p15-58~2", "shall be punished."),
		unit("bns", "BNS", "58", 15, "bns@1#p15-58", "Whoever conceals a design to commit an offence;"),
	}}
	return New(resolver, ret, sections)
}

func TestCompare_PenaltyChangedFineAdded(t *testing.T) {
	c := newComparator(nil)

	d, err := c.Compare(context.Background(), "IPC-302")
	require.NoError(t, err)

	assert.Equal(t, "BNS-103", d.NewSectionID)
	assert.Equal(t, store.ChangePenaltyChanged, d.ChangeType)
	assert.Equal(t, ipc302, d.OldText)
	assert.Equal(t, bns103, d.NewText)

	assert.Equal(t, "changed (fine added)", d.Penalty.String())
	assert.Equal(t, []string{"fine"}, d.Penalty.Added)
	assert.Empty(t, d.Penalty.Removed)

	assert.Equal(t, StatusChanged, d.Wording.Status)
	assert.Equal(t, "2 words added, 0 words removed", d.Wording.Summary)
	assert.Equal(t, []string{"and", "fine"}, d.Wording.Added)
	assert.Contains(t, d.Wording.Unified, "--- IPC-302\n+++ BNS-103\n")
	assert.Contains(t, d.Wording.Unified, "@@ -1,1 +1,1 @@\n")
	assert.Contains(t, d.Wording.Unified, "\n-"+ipc302+"\n")
	assert.Contains(t, d.Wording.Unified, "\n+"+bns103+"\n")

	assert.Equal(t, StatusUnchanged, d.Scope.Status)
}

func TestCompare_NotFoundPropagates(t *testing.T) {
	c := newComparator(nil)
	_, err := c.Compare(context.Background(), "IPC-999")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestCompare_Repealed(t *testing.T) {
	c := newComparator(nil)

	d, err := c.Compare(context.Background(), "IPC-377")
	require.NoError(t, err)

	assert.Equal(t, "changed (provision repealed)", d.Wording.String())
	assert.Empty(t, d.NewText)
	assert.Equal(t, StatusChanged, d.Penalty.Status)
	assert.Equal(t, []string{"imprisonment for life", "imprisonment up to 10 years", "fine"}, d.Penalty.Removed)
	assert.Equal(t, StatusChanged, d.Scope.Status)
	assert.Equal(t, []string{"whoever"}, d.Scope.Removed)
}

func TestCompare_UnchangedWordingAcrossUnits(t *testing.T) {
	c := newComparator(nil)

	d, err := c.Compare(context.Background(), "IPC-120")
	require.NoError(t, err)

	// The two BNS-58 units are joined by unit id order.
	assert.Equal(t, "Whoever conceals a design to commit an offence; shall be punished.", d.NewText)
	assert.Equal(t, StatusUnchanged, d.Wording.Status)
	assert.Empty(t, d.Wording.Unified)
	assert.Equal(t, StatusNotApplicable, d.Penalty.Status)
	assert.Equal(t, StatusUnchanged, d.Scope.Status)
}

func TestCompare_MissingTextIsNotApplicable(t *testing.T) {
	c := newComparator(nil)

	d, err := c.Compare(context.Background(), "IPC-511")
	require.NoError(t, err)
	assert.Equal(t, StatusNotApplicable, d.Wording.Status)
	assert.Equal(t, StatusNotApplicable, d.Penalty.Status)
	assert.Equal(t, StatusNotApplicable, d.Scope.Status)
}

func TestCompare_FallsBackToStoredSections(t *testing.T) {
	sections := sectionStore{
		"IPC-511": {{Unit: store.Unit{DocumentID: "ipc", Text: "Whoever attempts to commit an offence shall be punished with imprisonment for life."}}},
		"BNS-62": {
			{Unit: store.Unit{DocumentID: "bns", Text: "Whoever attempts to commit an offence shall be punished with imprisonment for life"}},
			{Unit: store.Unit{DocumentID: "bns", Text: "or with fine."}},
			{Unit: store.Unit{DocumentID: "bns-draft", Text: "ignored"}},
		},
	}
	c := newComparator(sections)

	d, err := c.Compare(context.Background(), "IPC-511")
	require.NoError(t, err)
	assert.Equal(t, "Whoever attempts to commit an offence shall be punished with imprisonment for life or with fine.", d.NewText)
	assert.Equal(t, "changed (fine added)", d.Penalty.String())
}

func TestPenaltyTerms(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "term, minimum and fine amount",
			text: "shall be punished with rigorous imprisonment for a term which shall not be less than seven years " +
				"but which may extend to ten years, and shall also be liable to fine which may extend to Rs. 10,000.",
			want: []string{"imprisonment up to 10 years", "minimum 7 years", "fine", "fine up to 10000 rupees"},
		},
		{
			name: "community service",
			text: "shall be punished with simple imprisonment for a term which may extend to one year, or with fine, or with community service.",
			want: []string{"imprisonment up to 1 year", "fine", "community service"},
		},
		{
			name: "death as an element of the offence",
			text: "Whoever causes the death of any person by doing a rash act.",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, penaltyTerms(tt.text))
		})
	}
}

func TestScopeTerms(t *testing.T) {
	assert.Equal(t, []string{"whoever", "public servant", "knowledge"},
		scopeTerms("Whoever, being a public servant, knowingly disobeys any direction of the law."))
	assert.Equal(t, []string{"woman", "child", "proviso"},
		scopeTerms("Provided that nothing in this section applies to a woman or a child."))
}

func TestSentences(t *testing.T) {
	assert.Equal(t, []string{"A b.", "C d;", "e", "f 1.5 g."}, sentences("A b. C   d; e\nf 1.5 g."))
}

func TestDiffOps(t *testing.T) {
	got := diffOps([]string{"x", "y", "z"}, []string{"x", "q", "z", "w"})
	assert.Equal(t, []op{
		{opEqual, "x"},
		{opDelete, "y"},
		{opInsert, "q"},
		{opEqual, "z"},
		{opInsert, "w"},
	}, got)
}
