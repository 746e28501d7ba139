package eval

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/lawbridge/compose"
	"github.com/brunobiangulo/lawbridge/retrieval"
	"github.com/brunobiangulo/lawbridge/store"
)

type fakeEngine struct {
	hits     map[string][]string // question -> ranked section ids
	answers  map[string]string
	mappings map[string]*store.Mapping
	queryErr error
}

func (f *fakeEngine) Query(_ context.Context, text string, _ int, _ retrieval.Filters) ([]retrieval.Result, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []retrieval.Result
	for i, id := range f.hits[text] {
		out = append(out, retrieval.Result{
			UnitID:   "u" + id,
			Score:    1 / float64(i+1),
			Citation: retrieval.Citation{SectionID: id},
		})
	}
	return out, nil
}

func (f *fakeEngine) Answer(_ context.Context, query string, _ compose.Policy) (*compose.GroundedAnswer, error) {
	var cites []retrieval.Citation
	for _, id := range f.hits[query] {
		cites = append(cites, retrieval.Citation{SectionID: id})
	}
	status := compose.StatusGrounded
	if len(cites) == 0 {
		status = compose.StatusUngrounded
	}
	return &compose.GroundedAnswer{
		Query:      query,
		AnswerText: f.answers[query],
		Status:     status,
		Citations:  cites,
		Confidence: 0.8,
	}, nil
}

func (f *fakeEngine) Resolve(_ context.Context, old string) (*store.Mapping, error) {
	m, ok := f.mappings[strings.ToUpper(old)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func TestPrecisionRecallAtK(t *testing.T) {
	ranked := []string{"BNS-103", "BNS-101", "IPC-302"}
	expected := []string{"bns-103", "IPC-302"}

	tests := []struct {
		k             int
		wantPrecision float64
		wantRecall    float64
	}{
		{1, 1, 0.5},
		{2, 0.5, 0.5},
		{3, 2.0 / 3.0, 1},
		{10, 2.0 / 3.0, 1},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.wantPrecision, precisionAtK(ranked, expected, tt.k), 1e-9, "P@%d", tt.k)
		assert.InDelta(t, tt.wantRecall, recallAtK(ranked, expected, tt.k), 1e-9, "R@%d", tt.k)
	}

	assert.Zero(t, precisionAtK(nil, expected, 3))
	assert.Zero(t, recallAtK(ranked, nil, 3))
}

func TestReciprocalRank(t *testing.T) {
	assert.Equal(t, 1.0, reciprocalRank([]string{"BNS-103"}, []string{"BNS-103"}))
	assert.Equal(t, 0.5, reciprocalRank([]string{"BNS-101", "BNS-103"}, []string{"BNS-103"}))
	assert.Zero(t, reciprocalRank([]string{"BNS-101"}, []string{"BNS-103"}))
}

func TestFactRecall(t *testing.T) {
	answer := "Murder is punishable with death or imprisonment for life, and fine."
	assert.Equal(t, 1.0, factRecall(answer, []string{"death", "imprisonment for life", "Fine"}))
	assert.Equal(t, 0.5, factRecall(answer, []string{"death", "seven years"}))
	assert.Equal(t, 1.0, factRecall("anything", nil))
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "section 376-ab applies", normalizeText("Section 376\u2013AB\u200b\n\tapplies"))
}

func TestSectionIDsDeduplicates(t *testing.T) {
	results := []retrieval.Result{
		{Citation: retrieval.Citation{SectionID: "BNS-103"}},
		{Citation: retrieval.Citation{SectionID: "bns-103"}},
		{Citation: retrieval.Citation{}},
		{Citation: retrieval.Citation{SectionID: "BNS-101"}},
	}
	assert.Equal(t, []string{"BNS-103", "BNS-101"}, sectionIDs(results))
}

func TestCitationPrecision(t *testing.T) {
	cited := []retrieval.Citation{{SectionID: "BNS-103"}, {SectionID: "BNS-1"}}
	assert.Equal(t, 0.5, citationPrecision(cited, []string{"BNS-103"}))
	assert.Zero(t, citationPrecision(nil, []string{"BNS-103"}))
}

func TestCriminalCodesDataset(t *testing.T) {
	ds := CriminalCodesDataset()
	require.NotEmpty(t, ds.Tests)
	require.NotEmpty(t, ds.Mappings)
	for _, tc := range ds.Tests {
		assert.NotEmpty(t, tc.Question)
		assert.NotEmpty(t, tc.ExpectedSections, tc.Question)
	}
	repealed := 0
	for _, m := range ds.Mappings {
		if m.NewSectionID == "" {
			repealed++
		}
	}
	assert.Equal(t, 1, repealed)
}

func TestLoadDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gold.yaml")
	content := `name: small
tests:
  - question: punishment for murder
    expected_sections: [BNS-103]
    expected_facts: [death]
    category: penalty
mappings:
  - old_section_id: IPC-302
    new_section_id: BNS-103
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	ds, err := LoadDataset(path)
	require.NoError(t, err)
	assert.Equal(t, "small", ds.Name)
	require.Len(t, ds.Tests, 1)
	assert.Equal(t, []string{"BNS-103"}, ds.Tests[0].ExpectedSections)
	require.Len(t, ds.Mappings, 1)
	assert.Equal(t, "IPC-302", ds.Mappings[0].OldSectionID)
}

func TestLoadDatasetErrors(t *testing.T) {
	_, err := LoadDataset(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("name: nothing\n"), 0o644))
	_, err = LoadDataset(empty)
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	engine := &fakeEngine{
		hits: map[string][]string{
			"murder":   {"BNS-101", "BNS-103"},
			"cheating": {"IPC-415"},
		},
		answers: map[string]string{
			"murder":   "Death or imprisonment for life [S2].",
			"cheating": "No answer.",
		},
		mappings: map[string]*store.Mapping{
			"IPC-302": {OldSectionID: "IPC-302", NewSectionID: "BNS-103", Source: store.SourceCurated, Confidence: 1},
			"IPC-377": {OldSectionID: "IPC-377", ChangeType: store.ChangeRepealed, Source: store.SourceCurated, Confidence: 1},
			"IPC-420": {OldSectionID: "IPC-420", NewSectionID: "BNS-316", Source: store.SourceDerived, Confidence: 0.6},
		},
	}
	ds := Dataset{
		Name: "unit",
		Tests: []TestCase{
			{Question: "murder", ExpectedSections: []string{"BNS-103"}, ExpectedFacts: []string{"death"}, Category: "penalty"},
			{Question: "cheating", ExpectedSections: []string{"IPC-420"}, Category: "lookup"},
		},
		Mappings: []MappingCase{
			{OldSectionID: "IPC-302", NewSectionID: "BNS-103"},
			{OldSectionID: "IPC-377"},
			{OldSectionID: "IPC-420", NewSectionID: "BNS-318"},
			{OldSectionID: "IPC-999", NewSectionID: "BNS-1"},
		},
	}

	report, err := NewEvaluator(engine).Run(context.Background(), ds, Options{Answers: true})
	require.NoError(t, err)

	assert.Equal(t, 2, report.TotalTests)
	assert.Equal(t, 1, report.Passed)
	assert.Equal(t, 1, report.Failed)
	assert.InDelta(t, 0.25, report.Metrics.MRR, 1e-9)
	assert.Zero(t, report.Metrics.AvgRetrievalPrecision[1])
	assert.InDelta(t, 0.25, report.Metrics.AvgRetrievalPrecision[3], 1e-9)
	assert.InDelta(t, 0.5, report.Metrics.AvgRetrievalRecall[3], 1e-9)
	assert.InDelta(t, 1.0, report.Metrics.GroundedRate, 1e-9)
	require.Contains(t, report.CategoryMetrics, "penalty")
	assert.InDelta(t, 0.5, report.CategoryMetrics["penalty"].MRR, 1e-9)

	assert.Equal(t, 4, report.Mappings.Total)
	assert.Equal(t, 2, report.Mappings.Correct)
	assert.Equal(t, 1, report.Mappings.Unresolved)
	assert.InDelta(t, 0.5, report.Mappings.Accuracy, 1e-9)
	assert.Equal(t, 2, report.Mappings.BySource[string(store.SourceCurated)])

	out := FormatReport(report)
	assert.Contains(t, out, "=== Evaluation Report: unit ===")
	assert.Contains(t, out, "[PASS] 1. murder")
	assert.Contains(t, out, "[FAIL] 2. cheating")
	assert.Contains(t, out, "Mappings: 2/4 correct")
	assert.Contains(t, out, "IPC-420 expected BNS-318 got BNS-316")
}

func TestRunRecordsQueryErrors(t *testing.T) {
	engine := &fakeEngine{queryErr: errors.New("index offline")}
	ds := Dataset{Name: "err", Tests: []TestCase{{Question: "q", ExpectedSections: []string{"BNS-1"}}}}

	report, err := NewEvaluator(engine).Run(context.Background(), ds, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, "index offline", report.Results[0].Error)
	assert.Zero(t, report.Metrics.MRR)
	assert.Contains(t, FormatReport(report), "Error: index offline")
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEvaluator(&fakeEngine{}).Run(ctx, CriminalCodesDataset(), Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
