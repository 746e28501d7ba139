package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/lawbridge"
	"github.com/brunobiangulo/lawbridge/compare"
	"github.com/brunobiangulo/lawbridge/lexicon"
	"github.com/brunobiangulo/lawbridge/mapper"
	"github.com/brunobiangulo/lawbridge/retrieval"
	"github.com/brunobiangulo/lawbridge/store"
)

type fakeEngine struct {
	lawbridge.Engine
	importReport *mapper.ImportReport
	importErr    error
	closed       bool
	lastFilters  retrieval.Filters
	savedTerm    store.GlossaryTerm
}

func (f *fakeEngine) Close() error { f.closed = true; return nil }

func (f *fakeEngine) Resolve(_ context.Context, id string) (*store.Mapping, error) {
	if id != "IPC-302" {
		return nil, fmt.Errorf("%s: %w", id, lawbridge.ErrNotFound)
	}
	return &store.Mapping{OldSectionID: "IPC-302", NewSectionID: "BNS-103", ChangeType: store.ChangePenaltyChanged,
		Confidence: 1, Source: store.SourceCurated, Version: 1, Active: true}, nil
}

func (f *fakeEngine) Query(_ context.Context, _ string, k int, flt retrieval.Filters) ([]retrieval.Result, error) {
	f.lastFilters = flt
	return []retrieval.Result{{
		UnitID: "bns@1#p3-103", Score: 0.91, Text: "103. Punishment for murder.—Whoever commits murder shall be punished with death.",
		Citation: retrieval.Citation{DocumentID: "bns", Code: "BNS", SectionLabel: "103", SectionID: "BNS-103", PageNumber: 3},
	}}, nil
}

func (f *fakeEngine) ImportMappings(context.Context, string) (*mapper.ImportReport, error) {
	return f.importReport, f.importErr
}

func (f *fakeEngine) Compare(context.Context, string) (*compare.StructuredDiff, error) {
	return &compare.StructuredDiff{
		OldSectionID: "IPC-302", NewSectionID: "BNS-103", ChangeType: store.ChangePenaltyChanged,
		Wording: compare.WordingAxis{Axis: compare.Axis{Status: compare.StatusChanged, Summary: "2 words added, 0 words removed"},
			Unified: "--- IPC-302\n+++ BNS-103\n"},
		Penalty: compare.Axis{Status: compare.StatusChanged, Summary: "fine added"},
		Scope:   compare.Axis{Status: compare.StatusUnchanged},
	}, nil
}

var bailTerm = store.GlossaryTerm{Term: "Bail", Definition: "Release from custody pending trial.", Category: "Criminal Procedure"}

func (f *fakeEngine) ClassifyOffence(_ context.Context, id string) (*lexicon.Classification, error) {
	if id != "IPC-302" {
		return nil, fmt.Errorf("%s: %w", id, lawbridge.ErrNotFound)
	}
	return &lexicon.Classification{SectionID: "IPC-302", Offence: "Murder", Cognizable: true,
		Punishment: "Death or imprisonment for life", Procedure: "Bail is at the discretion of the court."}, nil
}

func (f *fakeEngine) SearchGlossary(_ context.Context, q string, _ int) ([]store.GlossaryTerm, error) {
	if strings.Contains(strings.ToLower(q), "bail") {
		return []store.GlossaryTerm{bailTerm}, nil
	}
	return []store.GlossaryTerm{}, nil
}

func (f *fakeEngine) PutGlossaryTerm(_ context.Context, t store.GlossaryTerm) (*store.GlossaryTerm, error) {
	f.savedTerm = t
	return &t, nil
}

func (f *fakeEngine) DetectTerms(_ context.Context, text string) ([]store.GlossaryTerm, error) {
	if strings.Contains(strings.ToLower(text), "bail") {
		return []store.GlossaryTerm{bailTerm}, nil
	}
	return []store.GlossaryTerm{}, nil
}

func run(t *testing.T, f *fakeEngine, args ...string) (string, error) {
	t.Helper()
	orig := openEngine
	openEngine = func(cfg lawbridge.Config) (lawbridge.Engine, error) {
		assert.Equal(t, filepath.Join("testdata", "x.db"), cfg.DBPath)
		return f, nil
	}
	t.Cleanup(func() { openEngine = orig })

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--db", filepath.Join("testdata", "x.db")}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestMapCommand(t *testing.T) {
	f := &fakeEngine{}
	out, err := run(t, f, "map", "IPC-302")
	require.NoError(t, err)
	assert.Contains(t, out, "IPC-302 -> BNS-103")
	assert.Contains(t, out, "penalty-changed")
	assert.True(t, f.closed)

	_, err = run(t, &fakeEngine{}, "map", "IPC-999")
	assert.True(t, errors.Is(err, lawbridge.ErrNotFound))
}

func TestSearchCommandJSON(t *testing.T) {
	f := &fakeEngine{}
	out, err := run(t, f, "--json", "search", "-k", "3", "--family", "new", "murder")
	require.NoError(t, err)
	var results []retrieval.Result
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "BNS-103", results[0].Citation.SectionID)
	assert.Equal(t, store.FamilyNew, f.lastFilters.LawFamily)
}

func TestSearchCommandRejectsUnknownFamily(t *testing.T) {
	_, err := run(t, &fakeEngine{}, "search", "--family", "ancient", "murder")
	assert.Error(t, err)
}

func TestCompareCommand(t *testing.T) {
	out, err := run(t, &fakeEngine{}, "compare", "--diff", "IPC-302")
	require.NoError(t, err)
	assert.Contains(t, out, "penalty: changed (fine added)")
	assert.Contains(t, out, "scope:   unchanged")
	assert.Contains(t, out, "+++ BNS-103")
}

func TestImportCommandExitCodes(t *testing.T) {
	t.Run("all rows imported", func(t *testing.T) {
		_, err := run(t, &fakeEngine{importReport: &mapper.ImportReport{Success: 3}}, "import", "map.csv")
		assert.NoError(t, err)
	})
	t.Run("partial", func(t *testing.T) {
		rep := &mapper.ImportReport{Success: 2, Errors: []mapper.RowError{{Row: 4, Error: "bad change type"}}}
		out, err := run(t, &fakeEngine{importReport: rep}, "import", "map.csv")
		var ee *exitError
		require.True(t, errors.As(err, &ee))
		assert.Equal(t, 1, ee.code)
		assert.Contains(t, out, "row 4")
	})
	t.Run("unsupported table", func(t *testing.T) {
		_, err := run(t, &fakeEngine{importErr: fmt.Errorf("x: %w", lawbridge.ErrUnsupportedTable)}, "import", "map.csv")
		var ee *exitError
		require.True(t, errors.As(err, &ee))
		assert.Equal(t, 2, ee.code)
	})
}

func TestImportExitCode(t *testing.T) {
	tests := []struct {
		name string
		rep  mapper.ImportReport
		want int
	}{
		{"clean", mapper.ImportReport{Success: 5}, 0},
		{"only unchanged rows", mapper.ImportReport{Kept: 5}, 0},
		{"some errors", mapper.ImportReport{Success: 1, Errors: []mapper.RowError{{Row: 2}}}, 1},
		{"nothing imported", mapper.ImportReport{Errors: []mapper.RowError{{Row: 2}}}, 2},
		{"empty table", mapper.ImportReport{}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, importExitCode(&tt.rep))
		})
	}
}

func TestOffenceCommand(t *testing.T) {
	out, err := run(t, &fakeEngine{}, "offence", "IPC-302")
	require.NoError(t, err)
	assert.Contains(t, out, "IPC-302  Murder")
	assert.Contains(t, out, "non-bailable, cognizable")

	_, err = run(t, &fakeEngine{}, "offence", "IPC-1")
	assert.True(t, errors.Is(err, lawbridge.ErrNotFound))
}

func TestGlossarySearchCommand(t *testing.T) {
	out, err := run(t, &fakeEngine{}, "glossary", "search", "anticipatory", "bail")
	require.NoError(t, err)
	assert.Contains(t, out, "Bail (Criminal Procedure)")
	assert.Contains(t, out, "Release from custody")

	out, err = run(t, &fakeEngine{}, "--json", "glossary", "search", "habeas")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestGlossaryAddCommand(t *testing.T) {
	f := &fakeEngine{}
	out, err := run(t, f, "glossary", "add", "Zero", "FIR",
		"--definition", "An FIR any police station must register.", "--category", "Criminal Procedure", "--related", "BNSS Section 173")
	require.NoError(t, err)
	assert.Contains(t, out, "saved Zero FIR")
	assert.Equal(t, "Zero FIR", f.savedTerm.Term)
	assert.Equal(t, "BNSS Section 173", f.savedTerm.RelatedSections)
	assert.Equal(t, "Criminal Procedure", f.savedTerm.Category)
}

func TestGlossaryDetectCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notice.txt")
	require.NoError(t, os.WriteFile(path, []byte("The accused was released on bail."), 0o600))

	out, err := run(t, &fakeEngine{}, "glossary", "detect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Bail (Criminal Procedure)")

	_, err = run(t, &fakeEngine{}, "glossary", "detect", filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
