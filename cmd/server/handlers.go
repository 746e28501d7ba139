package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brunobiangulo/lawbridge"
	"github.com/brunobiangulo/lawbridge/compose"
	"github.com/brunobiangulo/lawbridge/retrieval"
	"github.com/brunobiangulo/lawbridge/store"
)

const maxUploadBytes = 100 << 20

type handler struct {
	engine lawbridge.Engine
}

func newHandler(e lawbridge.Engine) *handler {
	return &handler{engine: e}
}

// newRouter wires the API routes. Health and metrics stay outside auth.
func newRouter(e lawbridge.Engine, apiKey, corsOrigins string) http.Handler {
	h := newHandler(e)
	r := chi.NewRouter()
	r.Use(recoveryMiddleware)
	r.Use(corsMiddleware(corsOrigins))
	r.Use(middleware.RequestID)
	r.Use(logMiddleware)

	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(apiKey))

		r.Post("/ingest", h.handleIngest)
		r.Post("/ingest/image", h.handleIngestImage)
		r.Get("/documents", h.handleListDocuments)
		r.Delete("/documents/{id}", h.handleDeleteDocument)

		r.Post("/search", h.handleSearch)
		r.Post("/answer", h.handleAnswer)
		r.Post("/analyze", h.handleAnalyze)

		r.Route("/mappings", func(r chi.Router) {
			r.Post("/", h.handleOverride)
			r.Post("/build", h.handleBuildMappings)
			r.Post("/import", h.handleImportMappings)
			r.Get("/export", h.handleExportMappings)
			r.Get("/{id}", h.handleResolve)
			r.Get("/{id}/history", h.handleMappingHistory)
		})
		r.Get("/compare/{id}", h.handleCompare)

		r.Route("/glossary", func(r chi.Router) {
			r.Get("/", h.handleListGlossary)
			r.Get("/search", h.handleSearchGlossary)
			r.Get("/autocomplete", h.handleAutocompleteGlossary)
			r.Get("/categories", h.handleGlossaryCategories)
			r.Post("/detect", h.handleDetectTerms)
			r.Get("/{term}", h.handleGetGlossaryTerm)
			r.Put("/{term}", h.handlePutGlossaryTerm)
			r.Delete("/{term}", h.handleDeleteGlossaryTerm)
		})
		r.Get("/offences/{id}", h.handleClassifyOffence)

		r.Route("/bookmarks", func(r chi.Router) {
			r.Get("/", h.handleListBookmarks)
			r.Post("/", h.handleAddBookmark)
			r.Put("/{id}", h.handleUpdateBookmark)
			r.Delete("/{id}", h.handleDeleteBookmark)
		})

		r.Post("/verify", h.handleVerify)
		r.Get("/diagnostics", h.handleDiagnostics)
	})
	return r
}

type ingestRequest struct {
	Path       string            `json:"path"`
	Text       string            `json:"text"`
	DocumentID string            `json:"document_id"`
	Title      string            `json:"title"`
	Code       string            `json:"code"`
	LawFamily  string            `json:"law_family"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (req ingestRequest) info() lawbridge.DocumentInfo {
	return lawbridge.DocumentInfo{
		ID:        req.DocumentID,
		Title:     req.Title,
		Code:      req.Code,
		LawFamily: store.LawFamily(req.LawFamily),
		Metadata:  req.Metadata,
	}
}

func formRequest(r *http.Request) ingestRequest {
	return ingestRequest{
		DocumentID: r.FormValue("document_id"),
		Title:      r.FormValue("title"),
		Code:       r.FormValue("code"),
		LawFamily:  r.FormValue("law_family"),
	}
}

// POST /ingest
// Accepts a multipart upload, JSON with a server-side path, or JSON with text.
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		tmpPath, name, err := saveUpload(r, "file")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		defer os.Remove(tmpPath)

		req := formRequest(r)
		if req.DocumentID == "" {
			req.DocumentID = strings.TrimSuffix(name, filepath.Ext(name))
		}
		res, err := h.engine.IngestFile(ctx, tmpPath, req.info())
		if err != nil {
			h.fail(w, "ingest", err, "file", name)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path' or 'text'")
		return
	}

	var (
		res *lawbridge.IngestResult
		err error
	)
	switch {
	case req.Text != "":
		res, err = h.engine.IngestText(ctx, req.Text, req.info())
	case req.Path != "":
		absPath, aerr := filepath.Abs(req.Path)
		if aerr != nil {
			writeError(w, http.StatusBadRequest, "invalid path")
			return
		}
		fi, serr := os.Stat(absPath)
		if serr != nil || fi.IsDir() {
			writeError(w, http.StatusBadRequest, "path must be an existing file")
			return
		}
		res, err = h.engine.IngestFile(ctx, absPath, req.info())
	default:
		writeError(w, http.StatusBadRequest, "path or text is required")
		return
	}
	if err != nil {
		h.fail(w, "ingest", err, "document_id", req.DocumentID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /ingest/image (multipart: image, document_id, code, law_family)
func (h *handler) handleIngestImage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form with 'image'")
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read image")
		return
	}
	res, err := h.engine.IngestImage(ctx, data, formRequest(r).info())
	if err != nil {
		h.fail(w, "ingest image", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// saveUpload copies a multipart file to a temp file that keeps its extension.
func saveUpload(r *http.Request, field string) (path, name string, err error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return "", "", errors.New("invalid multipart form")
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", "", errors.New(field + " is required")
	}
	defer file.Close()

	// Sanitise filename to prevent path traversal.
	name = filepath.Base(header.Filename)
	dst, err := os.CreateTemp("", "lawbridge-*"+filepath.Ext(name))
	if err != nil {
		return "", "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(dst.Name())
		return "", "", err
	}
	return dst.Name(), name, nil
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.ListDocuments(r.Context())
	if err != nil {
		h.fail(w, "list documents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

// DELETE /documents/{id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.RemoveDocument(r.Context(), id); err != nil {
		h.fail(w, "delete document", err, "document_id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type searchRequest struct {
	Query   string            `json:"query"`
	K       int               `json:"k"`
	Filters retrieval.Filters `json:"filters"`
}

type searchHit struct {
	retrieval.Result
	Snippet string `json:"snippet"`
}

// POST /search
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.K == 0 {
		req.K = 10
	}
	results, err := h.engine.Query(ctx, req.Query, req.K, req.Filters)
	if err != nil {
		h.fail(w, "search", err)
		return
	}
	hits := make([]searchHit, len(results))
	for i, res := range results {
		hits[i] = searchHit{Result: res, Snippet: lawbridge.Snippet(res.Text, req.Query)}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": hits})
}

// POST /answer
func (h *handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Minute)
	defer cancel()

	var req struct {
		Query       string            `json:"query"`
		K           int               `json:"k,omitempty"`
		Filters     retrieval.Filters `json:"filters"`
		UseMappings bool              `json:"use_mappings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	// Bound parameters.
	if req.K < 0 || req.K > 50 {
		req.K = 0 // use default
	}
	ans, err := h.engine.Answer(ctx, req.Query, compose.Policy{K: req.K, Filters: req.Filters, UseMappings: req.UseMappings})
	if err != nil {
		h.fail(w, "answer", err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// POST /analyze
func (h *handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	a, err := h.engine.AnalyzeDocument(r.Context(), req.Text)
	if err != nil {
		h.fail(w, "analyze", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GET /mappings/{id}
func (h *handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := h.engine.Resolve(r.Context(), id)
	if err != nil {
		h.fail(w, "resolve", err, "section_id", id)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GET /mappings/{id}/history
func (h *handler) handleMappingHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rows, err := h.engine.MappingHistory(r.Context(), id)
	if err != nil {
		h.fail(w, "mapping history", err, "section_id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": rows})
}

// POST /mappings
func (h *handler) handleOverride(w http.ResponseWriter, r *http.Request) {
	var m store.Mapping
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	saved, err := h.engine.Override(r.Context(), m)
	if err != nil {
		h.fail(w, "override", err, "section_id", m.OldSectionID)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// POST /mappings/build
func (h *handler) handleBuildMappings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		Curated []store.Mapping `json:"curated"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	rep, err := h.engine.BuildMappings(ctx, req.Curated)
	if err != nil {
		h.fail(w, "build mappings", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// POST /mappings/import (multipart: file)
func (h *handler) handleImportMappings(w http.ResponseWriter, r *http.Request) {
	tmpPath, name, err := saveUpload(r, "file")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer os.Remove(tmpPath)

	rep, err := h.engine.ImportMappings(r.Context(), tmpPath)
	if err != nil {
		h.fail(w, "import mappings", err, "file", name)
		return
	}
	status := http.StatusOK
	if rep.Success == 0 && len(rep.Errors) > 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, rep)
}

var exportContentTypes = map[string]string{
	"json": "application/json",
	"csv":  "text/csv",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// GET /mappings/export?format=json|csv|xlsx
func (h *handler) handleExportMappings(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	ct, ok := exportContentTypes[format]
	if !ok {
		writeError(w, http.StatusBadRequest, "format must be json, csv or xlsx")
		return
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", `attachment; filename="mappings.`+format+`"`)
	if err := h.engine.ExportMappings(r.Context(), format, w); err != nil {
		// Headers may already be out; log only.
		slog.Error("export mappings error", "format", format, "error", err)
	}
}

// GET /compare/{id}
func (h *handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.engine.Compare(r.Context(), id)
	if err != nil {
		h.fail(w, "compare", err, "section_id", id)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type bookmarkRequest struct {
	SectionID string `json:"section_id"`
	Title     string `json:"title"`
	Notes     string `json:"notes"`
}

// GET /bookmarks
func (h *handler) handleListBookmarks(w http.ResponseWriter, r *http.Request) {
	bs, err := h.engine.ListBookmarks(r.Context())
	if err != nil {
		h.fail(w, "list bookmarks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bookmarks": bs})
}

// POST /bookmarks
func (h *handler) handleAddBookmark(w http.ResponseWriter, r *http.Request) {
	var req bookmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	b, err := h.engine.AddBookmark(r.Context(), req.SectionID, req.Title, req.Notes)
	if err != nil {
		h.fail(w, "add bookmark", err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// PUT /bookmarks/{id}
func (h *handler) handleUpdateBookmark(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req bookmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	b, err := h.engine.UpdateBookmark(r.Context(), id, req.Title, req.Notes)
	if err != nil {
		h.fail(w, "update bookmark", err, "bookmark_id", id)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// DELETE /bookmarks/{id}
func (h *handler) handleDeleteBookmark(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.DeleteBookmark(r.Context(), id); err != nil {
		h.fail(w, "delete bookmark", err, "bookmark_id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

// GET /glossary?letter=&category=&limit=
func (h *handler) handleListGlossary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	terms, err := h.engine.ListGlossary(r.Context(), store.GlossaryFilter{
		Letter:   q.Get("letter"),
		Category: q.Get("category"),
		Limit:    queryLimit(r),
	})
	if err != nil {
		h.fail(w, "list glossary", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"terms": terms})
}

// GET /glossary/search?q=
func (h *handler) handleSearchGlossary(w http.ResponseWriter, r *http.Request) {
	terms, err := h.engine.SearchGlossary(r.Context(), r.URL.Query().Get("q"), queryLimit(r))
	if err != nil {
		h.fail(w, "search glossary", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"terms": terms})
}

// GET /glossary/autocomplete?q=
func (h *handler) handleAutocompleteGlossary(w http.ResponseWriter, r *http.Request) {
	names, err := h.engine.AutocompleteGlossary(r.Context(), r.URL.Query().Get("q"), queryLimit(r))
	if err != nil {
		h.fail(w, "autocomplete glossary", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"suggestions": names})
}

// GET /glossary/categories
func (h *handler) handleGlossaryCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.engine.GlossaryCategories(r.Context())
	if err != nil {
		h.fail(w, "glossary categories", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"categories": cats})
}

// POST /glossary/detect
func (h *handler) handleDetectTerms(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	terms, err := h.engine.DetectTerms(r.Context(), req.Text)
	if err != nil {
		h.fail(w, "detect terms", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"terms": terms})
}

// GET /glossary/{term}
func (h *handler) handleGetGlossaryTerm(w http.ResponseWriter, r *http.Request) {
	term := chi.URLParam(r, "term")
	g, err := h.engine.GetGlossaryTerm(r.Context(), term)
	if err != nil {
		h.fail(w, "get glossary term", err, "term", term)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// PUT /glossary/{term}
func (h *handler) handlePutGlossaryTerm(w http.ResponseWriter, r *http.Request) {
	var req store.GlossaryTerm
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Term = chi.URLParam(r, "term")
	g, err := h.engine.PutGlossaryTerm(r.Context(), req)
	if err != nil {
		h.fail(w, "put glossary term", err, "term", req.Term)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// DELETE /glossary/{term}
func (h *handler) handleDeleteGlossaryTerm(w http.ResponseWriter, r *http.Request) {
	term := chi.URLParam(r, "term")
	if err := h.engine.DeleteGlossaryTerm(r.Context(), term); err != nil {
		h.fail(w, "delete glossary term", err, "term", term)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /offences/{id}
func (h *handler) handleClassifyOffence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.engine.ClassifyOffence(r.Context(), id)
	if err != nil {
		h.fail(w, "classify offence", err, "section_id", id)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// POST /verify
func (h *handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	rep, err := h.engine.VerifyIndex(r.Context())
	if err != nil {
		h.fail(w, "verify index", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GET /diagnostics
func (h *handler) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	d, err := h.engine.Diagnostics(r.Context())
	if err != nil {
		h.fail(w, "diagnostics", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lawbridge.ErrNotFound), errors.Is(err, lawbridge.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, lawbridge.ErrMalformedInput),
		errors.Is(err, lawbridge.ErrInvalidSectionID),
		errors.Is(err, lawbridge.ErrInvalidMapping),
		errors.Is(err, lawbridge.ErrEmptyQuery),
		errors.Is(err, lawbridge.ErrInvalidK),
		errors.Is(err, lawbridge.ErrUnsupportedTable):
		return http.StatusBadRequest
	case errors.Is(err, lawbridge.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, lawbridge.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// fail logs the error and writes it. Client errors carry the message;
// server errors get a generic one.
func (h *handler) fail(w http.ResponseWriter, op string, err error, attrs ...any) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error(op+" error", append(attrs, "error", err)...)
		writeError(w, status, op+" failed")
		return
	}
	slog.Debug(op+" rejected", append(attrs, "status", status, "error", err)...)
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
