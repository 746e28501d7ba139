//go:build cgo

// Run with:
//
//	CGO_ENABLED=1 go test -tags sqlite_fts5 ./...

package lawbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/lawbridge/compare"
	"github.com/brunobiangulo/lawbridge/compose"
	"github.com/brunobiangulo/lawbridge/index"
	"github.com/brunobiangulo/lawbridge/retrieval"
	"github.com/brunobiangulo/lawbridge/store"
)

// axisEmbedder scores texts on three keyword axes plus a constant, so
// similarity is predictable without a model.
type axisEmbedder struct{ id string }

func (e axisEmbedder) Identity() string { return e.id }

func (e axisEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		lower := strings.ToLower(t)
		v := []float32{0, 0, 0, 0.1}
		for j, axis := range []string{"murder", "cheat", "property"} {
			if strings.Contains(lower, axis) {
				v[j] = 1
			}
		}
		out[i] = v
	}
	return out, nil
}

// switchableEmbedder fails every call while down is set.
type switchableEmbedder struct {
	axisEmbedder
	down bool
}

func (e *switchableEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.down {
		return nil, errors.New("embedding service down")
	}
	return e.axisEmbedder.Embed(ctx, texts)
}

type stubGenerator struct{ reply string }

func (g stubGenerator) Model() string { return "stub-chat" }

func (g stubGenerator) Complete(context.Context, string, time.Duration) (string, error) {
	return g.reply, nil
}

type stubOCR struct{ text string }

func (o stubOCR) Name() string { return "stub" }

func (o stubOCR) ExtractText(context.Context, []byte) (string, error) { return o.text, nil }

const (
	ipcText = "302. Punishment for murder.—Whoever commits murder shall be punished with death or imprisonment for life.\n\n" +
		"420. Cheating.—Whoever cheats and thereby dishonestly induces the person deceived to deliver any property " +
		"shall be punished with imprisonment which may extend to seven years.\n"

	ipcTextAmended = "THE INDIAN PENAL CODE\n\n" + ipcText

	bnsText = "103. Punishment for murder.—Whoever commits murder shall be punished with death or imprisonment for life and fine.\n\n" +
		"318. Cheating.—Whoever cheats and thereby dishonestly induces the person deceived to deliver any property " +
		"shall be punished with imprisonment which may extend to seven years and fine.\n"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "lawbridge.db")
	cfg.EmbeddingDim = 4
	cfg.Index.Backend = index.BackendMemory
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) Engine {
	t.Helper()
	opts = append([]Option{
		WithEmbedder(axisEmbedder{id: "stub/axis/4"}),
		WithGenerator(stubGenerator{reply: "Murder is punishable with death [S1]. See also [S9]."}),
		WithOCR(stubOCR{text: "511. Attempt.—Whoever attempts to commit an offence shall be punished."}),
	}, opts...)
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func ingestCorpus(t *testing.T, e Engine) {
	t.Helper()
	ctx := context.Background()
	_, err := e.IngestText(ctx, ipcText, DocumentInfo{ID: "ipc", Title: "Indian Penal Code", Code: "ipc", LawFamily: store.FamilyOld})
	require.NoError(t, err)
	_, err = e.IngestText(ctx, bnsText, DocumentInfo{ID: "bns", Title: "Bharatiya Nyaya Sanhita", Code: "BNS", LawFamily: store.FamilyNew})
	require.NoError(t, err)
}

func TestIngestVersions(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	ctx := context.Background()
	info := DocumentInfo{ID: "ipc", Code: "IPC", LawFamily: store.FamilyOld}

	first, err := e.IngestText(ctx, ipcText, info)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, first.Units)
	assert.False(t, first.Skipped)

	again, err := e.IngestText(ctx, ipcText, info)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, 1, again.Version)
	assert.Equal(t, 2, again.Units)

	changed, err := e.IngestText(ctx, ipcTextAmended, info)
	require.NoError(t, err)
	assert.Equal(t, 2, changed.Version)
	assert.Equal(t, 3, changed.Units)
	assert.Equal(t, int64(2), changed.Removed)

	docs, err := e.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 2, docs[0].Version)
	assert.Equal(t, StatusReady, docs[0].Status)

	results, err := e.Query(ctx, "murder", 10, retrieval.Filters{})
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, strings.HasPrefix(r.UnitID, "ipc@2#"), r.UnitID)
	}
}

func TestFailedReingestKeepsPreviousVersion(t *testing.T) {
	emb := &switchableEmbedder{axisEmbedder: axisEmbedder{id: "stub/axis/4"}}
	e := newTestEngine(t, testConfig(t), WithEmbedder(emb))
	ctx := context.Background()
	info := DocumentInfo{ID: "ipc", Code: "IPC", LawFamily: store.FamilyOld}

	_, err := e.IngestText(ctx, ipcText, info)
	require.NoError(t, err)

	emb.down = true
	_, err = e.IngestText(ctx, ipcTextAmended, info)
	require.Error(t, err)
	emb.down = false

	docs, err := e.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 1, docs[0].Version)
	assert.Equal(t, StatusReady, docs[0].Status)

	results, err := e.Query(ctx, "murder", 10, retrieval.Filters{DocumentID: "ipc"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, strings.HasPrefix(r.UnitID, "ipc@1#"), r.UnitID)
	}

	again, err := e.IngestText(ctx, ipcText, info)
	require.NoError(t, err)
	assert.True(t, again.Skipped)

	changed, err := e.IngestText(ctx, ipcTextAmended, info)
	require.NoError(t, err)
	assert.Equal(t, 2, changed.Version)
	assert.Equal(t, int64(2), changed.Removed)
}

func TestIngestRejectsMalformedInput(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	_, err := e.IngestText(ctx, ipcText, DocumentInfo{ID: "../etc", LawFamily: store.FamilyOld})
	assert.True(t, errors.Is(err, ErrMalformedInput))

	_, err = e.IngestText(ctx, ipcText, DocumentInfo{ID: "ipc", LawFamily: "ancient"})
	assert.True(t, errors.Is(err, ErrMalformedInput))

	_, err = e.IngestText(ctx, "   ", DocumentInfo{ID: "ipc", LawFamily: store.FamilyOld})
	assert.True(t, errors.Is(err, ErrMalformedInput))

	docs, err := e.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestEngineEndToEnd(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	ctx := context.Background()
	ingestCorpus(t, e)

	t.Run("query", func(t *testing.T) {
		results, err := e.Query(ctx, "murder", 5, retrieval.Filters{LawFamily: store.FamilyNew})
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "BNS-103", results[0].Citation.SectionID)
		assert.Equal(t, "bns@1#p1-103", results[0].UnitID)
		for _, r := range results {
			assert.Equal(t, store.FamilyNew, r.LawFamily)
		}
	})

	t.Run("build mappings", func(t *testing.T) {
		rep, err := e.BuildMappings(ctx, []store.Mapping{{
			OldSectionID: "IPC-302", NewSectionID: "BNS-103", ChangeType: store.ChangePenaltyChanged,
		}})
		require.NoError(t, err)
		assert.Equal(t, 1, rep.CuratedWritten)
		assert.Equal(t, 1, rep.AlreadyMapped)
		assert.Equal(t, 1, rep.Derived)

		m, err := e.Resolve(ctx, "ipc-302")
		require.NoError(t, err)
		assert.Equal(t, "BNS-103", m.NewSectionID)
		assert.Equal(t, 1.0, m.Confidence)
		assert.Equal(t, store.ChangePenaltyChanged, m.ChangeType)

		m, err = e.Resolve(ctx, "IPC-420")
		require.NoError(t, err)
		assert.Equal(t, "BNS-318", m.NewSectionID)
		assert.Equal(t, store.SourceDerived, m.Source)
	})

	t.Run("compare", func(t *testing.T) {
		d, err := e.Compare(ctx, "IPC-302")
		require.NoError(t, err)
		assert.Equal(t, "BNS-103", d.NewSectionID)
		assert.Equal(t, "changed (fine added)", d.Penalty.String())
		assert.Equal(t, compare.StatusChanged, d.Wording.Status)
		assert.Equal(t, compare.StatusUnchanged, d.Scope.Status)
		assert.Contains(t, d.OldText, "302. Punishment for murder")
	})

	t.Run("answer", func(t *testing.T) {
		ans, err := e.Answer(ctx, "What is the punishment for murder?", compose.Policy{})
		require.NoError(t, err)
		assert.Equal(t, compose.StatusGrounded, ans.Status)
		assert.Equal(t, []string{"[S9]"}, ans.Stripped)
		assert.NotContains(t, ans.AnswerText, "[S9]")
		assert.Contains(t, ans.AnswerText, "[S1]")
		require.Len(t, ans.Citations, 1)
		assert.Equal(t, "stub-chat", ans.Model)
	})

	t.Run("analyze", func(t *testing.T) {
		a, err := e.AnalyzeDocument(ctx, "Notice under Section 41A CrPC. You are accused under IPC 302 and IPC 420. "+
			"Appear before the police on Monday. You may apply for anticipatory bail.")
		require.NoError(t, err)
		var ids []string
		for _, r := range a.References {
			ids = append(ids, r.ID())
		}
		assert.Equal(t, []string{"CRPC-41A", "IPC-302", "IPC-420"}, ids)
		assert.Nil(t, a.References[0].Mapping)
		require.NotNil(t, a.References[1].Mapping)
		assert.Equal(t, "BNS-103", a.References[1].Mapping.NewSectionID)
		assert.Equal(t, 7, a.Score)
		assert.Equal(t, SeverityHigh, a.Severity)
		assert.Equal(t, []string{"Police"}, a.Authorities)
		assert.Len(t, a.ActionPoints, 3)
		assert.Contains(t, a.ActionPoints, nonBailableAction)

		assert.Nil(t, a.References[0].Bail)
		require.NotNil(t, a.References[1].Bail)
		assert.Equal(t, "Murder", a.References[1].Bail.Offence)
		assert.False(t, a.References[1].Bail.Bailable)
		assert.True(t, a.References[1].Bail.Cognizable)

		require.Len(t, a.Terms, 1)
		assert.Equal(t, "Anticipatory Bail", a.Terms[0].Term)

		_, err = e.AnalyzeDocument(ctx, " ")
		assert.True(t, errors.Is(err, ErrMalformedInput))
	})

	t.Run("export", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, e.ExportMappings(ctx, "json", &buf))
		assert.Contains(t, buf.String(), "BNS-103")
	})

	t.Run("diagnostics", func(t *testing.T) {
		d, err := e.Diagnostics(ctx)
		require.NoError(t, err)
		assert.Equal(t, retrieval.ModeEmbedding, d.RetrievalMode)
		assert.Equal(t, index.BackendMemory, d.IndexBackend)
		assert.Equal(t, "stub/axis/4", d.EmbedderIdentity)
		assert.Equal(t, "stub-chat", d.ChatModel)
		assert.Equal(t, "stub", d.OCR)
		assert.Equal(t, 2, d.Stats.Documents)
		assert.Equal(t, 4, d.Stats.Units)
	})

	t.Run("verify", func(t *testing.T) {
		_, err := e.VerifyIndex(ctx)
		require.NoError(t, err)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, e.RemoveDocument(ctx, "bns"))
		err := e.RemoveDocument(ctx, "bns")
		assert.True(t, errors.Is(err, ErrDocumentNotFound))

		results, err := e.Query(ctx, "murder", 5, retrieval.Filters{LawFamily: store.FamilyNew})
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestIngestImageAndFiles(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	res, err := e.IngestImage(ctx, []byte("png"), DocumentInfo{ID: "scan", Code: "IPC", LawFamily: store.FamilyOld})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Units)

	doc, err := e.Store().GetDocument(ctx, "scan")
	require.NoError(t, err)
	var meta map[string]string
	require.NoError(t, json.Unmarshal([]byte(doc.Metadata), &meta))
	assert.Equal(t, "ocr:stub", meta["parse_method"])

	dir := t.TempDir()
	txt := filepath.Join(dir, "Penal Code.txt")
	require.NoError(t, os.WriteFile(txt, []byte(ipcText), 0o644))
	res, err = e.IngestFile(ctx, txt, DocumentInfo{Code: "IPC", LawFamily: store.FamilyOld})
	require.NoError(t, err)
	assert.Equal(t, "penal-code", res.DocumentID)
	assert.Equal(t, 2, res.Units)

	docx := filepath.Join(dir, "notes.docx")
	require.NoError(t, os.WriteFile(docx, []byte("x"), 0o644))
	_, err = e.IngestFile(ctx, docx, DocumentInfo{LawFamily: store.FamilyOther})
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestBookmarks(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	b, err := e.AddBookmark(ctx, "ipc-302", "Murder", "check the fine")
	require.NoError(t, err)
	assert.Equal(t, "IPC-302", b.SectionID)
	assert.NotEmpty(t, b.ID)

	_, err = e.AddBookmark(ctx, "IPC-420", " ", "")
	assert.True(t, errors.Is(err, ErrMalformedInput))

	list, err := e.ListBookmarks(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	updated, err := e.UpdateBookmark(ctx, b.ID, "", "fine added in BNS 103")
	require.NoError(t, err)
	assert.Equal(t, "Murder", updated.Title)
	assert.Equal(t, "fine added in BNS 103", updated.Notes)

	require.NoError(t, e.DeleteBookmark(ctx, b.ID))
	assert.True(t, errors.Is(e.DeleteBookmark(ctx, b.ID), ErrNotFound))
	_, err = e.UpdateBookmark(ctx, b.ID, "x", "y")
	assert.True(t, errors.Is(err, ErrNotFound))

	list, err = e.ListBookmarks(ctx)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestReopenWithDifferentEmbedder(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, WithEmbedder(axisEmbedder{id: "stub/axis/4"}), WithGenerator(nil))
	require.NoError(t, err)
	_, err = e.IngestText(context.Background(), ipcText, DocumentInfo{ID: "ipc", Code: "IPC", LawFamily: store.FamilyOld})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = New(cfg, WithEmbedder(axisEmbedder{id: "stub/other/4"}), WithGenerator(nil))
	assert.True(t, errors.Is(err, ErrConfigurationMismatch))
}

func TestKeywordMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetrievalMode = retrieval.ModeKeyword
	e := newTestEngine(t, cfg)
	ctx := context.Background()
	ingestCorpus(t, e)

	results, err := e.Query(ctx, "cheats dishonestly", 5, retrieval.Filters{LawFamily: store.FamilyOld})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "IPC-420", results[0].Citation.SectionID)

	d, err := e.Diagnostics(ctx)
	require.NoError(t, err)
	assert.Equal(t, retrieval.ModeKeyword, d.RetrievalMode)
}

func TestAnswerWithoutGenerator(t *testing.T) {
	e := newTestEngine(t, testConfig(t), WithGenerator(nil))
	ctx := context.Background()
	ingestCorpus(t, e)

	ans, err := e.Answer(ctx, "punishment for murder", compose.Policy{K: 2})
	require.NoError(t, err)
	assert.Equal(t, compose.StatusGenerationFailed, ans.Status)
	assert.Len(t, ans.Citations, 2)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetrievalMode = "fuzzy"
	_, err := New(cfg, WithEmbedder(axisEmbedder{id: "stub/axis/4"}))
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestGlossary(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	hits, err := e.SearchGlossary(ctx, "bail", 0)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "Bail", hits[0].Term)

	_, err = e.SearchGlossary(ctx, " ", 5)
	assert.True(t, errors.Is(err, ErrEmptyQuery))

	names, err := e.AutocompleteGlossary(ctx, "hab", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"Habeas Corpus"}, names)

	cats, err := e.GlossaryCategories(ctx)
	require.NoError(t, err)
	assert.Contains(t, cats, "Latin Maxim")

	byLetter, err := e.ListGlossary(ctx, store.GlossaryFilter{Letter: "z"})
	require.NoError(t, err)
	require.Len(t, byLetter, 1)
	assert.Equal(t, "Zero FIR", byLetter[0].Term)
	_, err = e.ListGlossary(ctx, store.GlossaryFilter{Letter: "ab"})
	assert.True(t, errors.Is(err, ErrMalformedInput))

	// New terms are detected as soon as they are saved.
	const notice = "You were served a section 41A notice and must appear."
	found, err := e.DetectTerms(ctx, notice)
	require.NoError(t, err)
	assert.Empty(t, found)

	saved, err := e.PutGlossaryTerm(ctx, store.GlossaryTerm{
		Term:       "  Section 41A   Notice ",
		Definition: "A notice to appear before the police instead of arrest.",
		Category:   "Criminal Procedure",
	})
	require.NoError(t, err)
	assert.Equal(t, "Section 41A Notice", saved.Term)

	found, err = e.DetectTerms(ctx, notice)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Section 41A Notice", found[0].Term)

	require.NoError(t, e.DeleteGlossaryTerm(ctx, "section 41a notice"))
	found, err = e.DetectTerms(ctx, notice)
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.True(t, errors.Is(e.DeleteGlossaryTerm(ctx, "section 41a notice"), ErrNotFound))

	_, err = e.PutGlossaryTerm(ctx, store.GlossaryTerm{Term: "Empty"})
	assert.True(t, errors.Is(err, ErrMalformedInput))
}

func TestGlossaryFileSeedsEmptyDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.GlossaryFile = filepath.Join(t.TempDir(), "glossary.yaml")
	require.NoError(t, os.WriteFile(cfg.GlossaryFile, []byte(
		"- {term: Panchnama, definition: A record of a search prepared before witnesses.}\n"), 0o644))

	e := newTestEngine(t, cfg)
	all, err := e.ListGlossary(context.Background(), store.GlossaryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Panchnama", all[0].Term)

	cfg.GlossaryFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = New(cfg, WithEmbedder(axisEmbedder{id: "stub/axis/4"}), WithGenerator(nil))
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestClassifyOffence(t *testing.T) {
	cfg := testConfig(t)
	cfg.OffencesFile = filepath.Join(t.TempDir(), "offences.yaml")
	require.NoError(t, os.WriteFile(cfg.OffencesFile, []byte(
		"IPC-506: {offence: Criminal intimidation, bailable: false, cognizable: false}\n"), 0o644))
	e := newTestEngine(t, cfg)
	ctx := context.Background()

	c, err := e.ClassifyOffence(ctx, "bns-318")
	require.NoError(t, err)
	assert.Equal(t, "BNS-318", c.SectionID)
	assert.False(t, c.Bailable)

	// Local rows replace built-in ones.
	c, err = e.ClassifyOffence(ctx, "IPC-506")
	require.NoError(t, err)
	assert.False(t, c.Bailable)

	// An unlisted old section is classified through its mapping.
	_, err = e.Override(ctx, store.Mapping{OldSectionID: "IPC-303", NewSectionID: "BNS-103", ChangeType: store.ChangeUnknown})
	require.NoError(t, err)
	c, err = e.ClassifyOffence(ctx, "IPC-303")
	require.NoError(t, err)
	assert.Equal(t, "BNS-103", c.SectionID)
	assert.Equal(t, "Murder", c.Offence)

	_, err = e.Override(ctx, store.Mapping{OldSectionID: "IPC-377", ChangeType: store.ChangeRepealed})
	require.NoError(t, err)
	_, err = e.ClassifyOffence(ctx, "IPC-377")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = e.ClassifyOffence(ctx, "nonsense")
	assert.True(t, errors.Is(err, ErrInvalidSectionID))
}
