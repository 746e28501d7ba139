package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/lawbridge"
	"github.com/brunobiangulo/lawbridge/compare"
	"github.com/brunobiangulo/lawbridge/lexicon"
	"github.com/brunobiangulo/lawbridge/retrieval"
	"github.com/brunobiangulo/lawbridge/store"
)

// fakeEngine implements the routes under test; the embedded interface
// panics for anything else.
type fakeEngine struct {
	lawbridge.Engine
	mappings  map[string]store.Mapping
	bookmarks []store.Bookmark
	glossary  []store.GlossaryTerm
	lastK     int
}

func (f *fakeEngine) Query(_ context.Context, text string, k int, _ retrieval.Filters) ([]retrieval.Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, lawbridge.ErrEmptyQuery
	}
	f.lastK = k
	return []retrieval.Result{{
		UnitID: "ipc@1#p1-302",
		Score:  0.9,
		Text:   "302. Punishment for murder.—Whoever commits murder shall be punished with death.",
		Citation: retrieval.Citation{
			DocumentID: "ipc", Code: "IPC", SectionLabel: "302", SectionID: "IPC-302", PageNumber: 1, UnitID: "ipc@1#p1-302",
		},
	}}, nil
}

func (f *fakeEngine) Resolve(_ context.Context, id string) (*store.Mapping, error) {
	m, ok := f.mappings[id]
	if !ok {
		return nil, fmt.Errorf("resolving %s: %w", id, lawbridge.ErrNotFound)
	}
	return &m, nil
}

func (f *fakeEngine) Compare(ctx context.Context, id string) (*compare.StructuredDiff, error) {
	m, err := f.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return &compare.StructuredDiff{OldSectionID: id, NewSectionID: m.NewSectionID, ChangeType: m.ChangeType}, nil
}

func (f *fakeEngine) AddBookmark(_ context.Context, sectionID, title, notes string) (*store.Bookmark, error) {
	if title == "" {
		return nil, fmt.Errorf("%w: bookmark needs a title", lawbridge.ErrMalformedInput)
	}
	b := store.Bookmark{ID: "b1", SectionID: sectionID, Title: title, Notes: notes}
	f.bookmarks = append(f.bookmarks, b)
	return &b, nil
}

func (f *fakeEngine) ListBookmarks(context.Context) ([]store.Bookmark, error) {
	return f.bookmarks, nil
}

func (f *fakeEngine) RemoveDocument(_ context.Context, id string) error {
	return fmt.Errorf("%w: %s", lawbridge.ErrDocumentNotFound, id)
}

func (f *fakeEngine) SearchGlossary(_ context.Context, query string, _ int) ([]store.GlossaryTerm, error) {
	if strings.TrimSpace(query) == "" {
		return nil, lawbridge.ErrEmptyQuery
	}
	var out []store.GlossaryTerm
	for _, g := range f.glossary {
		if strings.Contains(strings.ToLower(g.Term), strings.ToLower(query)) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeEngine) GetGlossaryTerm(_ context.Context, term string) (*store.GlossaryTerm, error) {
	for _, g := range f.glossary {
		if strings.EqualFold(g.Term, term) {
			return &g, nil
		}
	}
	return nil, lawbridge.ErrNotFound
}

func (f *fakeEngine) PutGlossaryTerm(_ context.Context, g store.GlossaryTerm) (*store.GlossaryTerm, error) {
	if g.Definition == "" {
		return nil, fmt.Errorf("%w: glossary term needs a name and a definition", lawbridge.ErrMalformedInput)
	}
	f.glossary = append(f.glossary, g)
	return &g, nil
}

func (f *fakeEngine) DetectTerms(_ context.Context, text string) ([]store.GlossaryTerm, error) {
	out := []store.GlossaryTerm{}
	for _, g := range f.glossary {
		if strings.Contains(strings.ToLower(text), strings.ToLower(g.Term)) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeEngine) ClassifyOffence(_ context.Context, id string) (*lexicon.Classification, error) {
	if id != "IPC-302" {
		return nil, fmt.Errorf("%w: no classification for %s", lawbridge.ErrNotFound, id)
	}
	return &lexicon.Classification{SectionID: id, Offence: "Murder", Cognizable: true}, nil
}

func (f *fakeEngine) Diagnostics(context.Context) (*lawbridge.Diagnostics, error) {
	panic("boom")
}

func newTestServer(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	f := &fakeEngine{
		mappings: map[string]store.Mapping{
			"IPC-302": {OldSectionID: "IPC-302", NewSectionID: "BNS-103", ChangeType: store.ChangePenaltyChanged, Confidence: 1, Source: store.SourceCurated, Active: true},
		},
		glossary: []store.GlossaryTerm{
			{Term: "Bail", Definition: "Temporary release of an accused person."},
			{Term: "Mens Rea", Definition: "The guilty mind."},
		},
	}
	srv := httptest.NewServer(newRouter(f, apiKey, "https://app.example"))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := newTestServer(t, "secret")
	resp, body := do(t, http.MethodGet, srv.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, "secret")

	resp, body := do(t, http.MethodGet, srv.URL+"/mappings/IPC-302", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["error"])

	resp, body = do(t, http.MethodGet, srv.URL+"/mappings/IPC-302", "secret", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "BNS-103", body["new_section_id"])
}

func TestResolveNotFound(t *testing.T) {
	srv := newTestServer(t, "")
	resp, body := do(t, http.MethodGet, srv.URL+"/mappings/IPC-999", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "IPC-999")
}

func TestSearchAddsSnippets(t *testing.T) {
	srv := newTestServer(t, "")
	resp, body := do(t, http.MethodPost, srv.URL+"/search", "", map[string]interface{}{"query": "murder punishment"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := body["results"].([]interface{})
	require.Len(t, results, 1)
	hit := results[0].(map[string]interface{})
	assert.Equal(t, "ipc@1#p1-302", hit["unit_id"])
	assert.NotEmpty(t, hit["snippet"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/search", "", map[string]interface{}{"query": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCompareRoute(t *testing.T) {
	srv := newTestServer(t, "")
	resp, body := do(t, http.MethodGet, srv.URL+"/compare/IPC-302", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "BNS-103", body["new_section_id"])
}

func TestBookmarkValidation(t *testing.T) {
	srv := newTestServer(t, "")
	resp, _ := do(t, http.MethodPost, srv.URL+"/bookmarks", "", map[string]string{"section_id": "IPC-302"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := do(t, http.MethodPost, srv.URL+"/bookmarks", "", map[string]string{"section_id": "IPC-302", "title": "Murder"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "Murder", body["title"])
}

func TestGlossaryRoutes(t *testing.T) {
	srv := newTestServer(t, "")

	resp, body := do(t, http.MethodGet, srv.URL+"/glossary/search?q=bail", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["terms"], 1)

	resp, _ = do(t, http.MethodGet, srv.URL+"/glossary/search?q=", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/glossary/Mens%20Rea", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "The guilty mind.", body["definition"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/glossary/Alibi", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPut, srv.URL+"/glossary/Alibi", "", map[string]string{"category": "Criminal Law"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodPut, srv.URL+"/glossary/Alibi", "", map[string]string{
		"term": "ignored", "definition": "A plea of having been elsewhere.",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Alibi", body["term"])

	resp, body = do(t, http.MethodPost, srv.URL+"/glossary/detect", "", map[string]string{"text": "He pleaded an alibi and sought bail."})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["terms"], 2)
}

func TestOffenceRoute(t *testing.T) {
	srv := newTestServer(t, "")
	resp, body := do(t, http.MethodGet, srv.URL+"/offences/IPC-302", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Murder", body["offence"])
	assert.Equal(t, false, body["bailable"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/offences/IPC-1", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteUnknownDocument(t *testing.T) {
	srv := newTestServer(t, "")
	resp, _ := do(t, http.MethodDelete, srv.URL+"/documents/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPanicIsRecovered(t *testing.T) {
	srv := newTestServer(t, "")
	resp, body := do(t, http.MethodGet, srv.URL+"/diagnostics", "", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal server error", body["error"])
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	srv := newTestServer(t, "")
	resp, _ := do(t, http.MethodGet, srv.URL+"/mappings/export?format=pdf", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, "secret")
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/search", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnsupportedMediaType, statusFor(fmt.Errorf("x: %w", lawbridge.ErrUnsupportedFormat)))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(lawbridge.ErrUpstreamTimeout))
	assert.Equal(t, http.StatusBadRequest, statusFor(lawbridge.ErrInvalidSectionID))
	assert.Equal(t, http.StatusInternalServerError, statusFor(lawbridge.ErrIndexConsistency))
}
