// Package lawbridge locates statute passages by semantic similarity, maps
// old-code sections to their new-code counterparts, and composes answers in
// which every claim cites a retrieved passage.
package lawbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/lawbridge/compare"
	"github.com/brunobiangulo/lawbridge/compose"
	"github.com/brunobiangulo/lawbridge/index"
	"github.com/brunobiangulo/lawbridge/lexicon"
	"github.com/brunobiangulo/lawbridge/llm"
	"github.com/brunobiangulo/lawbridge/mapper"
	"github.com/brunobiangulo/lawbridge/normalizer"
	"github.com/brunobiangulo/lawbridge/parser"
	"github.com/brunobiangulo/lawbridge/retrieval"
	"github.com/brunobiangulo/lawbridge/store"
)

// Document statuses.
const (
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusError      = "error"
)

// Engine is the main entry point of the LawBridge library.
type Engine interface {
	// IngestText normalizes raw statute text and indexes its units. Unchanged
	// content is skipped; changed content becomes a new document version.
	IngestText(ctx context.Context, raw string, info DocumentInfo) (*IngestResult, error)

	// IngestFile parses a .pdf, .txt or .md file and ingests its text.
	IngestFile(ctx context.Context, path string, info DocumentInfo) (*IngestResult, error)

	// IngestImage runs OCR over a scanned page and ingests the text.
	IngestImage(ctx context.Context, image []byte, info DocumentInfo) (*IngestResult, error)

	// RemoveDocument deletes a document and all of its units.
	RemoveDocument(ctx context.Context, documentID string) error

	// ListDocuments returns all ingested documents.
	ListDocuments(ctx context.Context) ([]store.Document, error)

	// Query returns the k most relevant units.
	Query(ctx context.Context, text string, k int, filters retrieval.Filters) ([]retrieval.Result, error)

	// Answer composes a grounded answer. Zero policy fields use the configured defaults.
	Answer(ctx context.Context, query string, policy compose.Policy) (*compose.GroundedAnswer, error)

	// Resolve returns the new-code counterpart of an old-code section.
	Resolve(ctx context.Context, oldSectionID string) (*store.Mapping, error)

	// Override records a manual mapping that outranks curated and derived rows.
	Override(ctx context.Context, m store.Mapping) (*store.Mapping, error)

	// BuildMappings persists curated rows and derives mappings for every
	// unmapped old-code section in the corpus.
	BuildMappings(ctx context.Context, curated []store.Mapping) (*mapper.BuildReport, error)

	// ImportMappings loads a curated .csv or .xlsx table.
	ImportMappings(ctx context.Context, path string) (*mapper.ImportReport, error)

	// ExportMappings writes the active mappings as json, csv or xlsx.
	ExportMappings(ctx context.Context, format string, w io.Writer) error

	// MappingHistory returns every version of a section's mapping.
	MappingHistory(ctx context.Context, oldSectionID string) ([]store.Mapping, error)

	// Compare diffs an old-code section against its mapped successor.
	Compare(ctx context.Context, oldSectionID string) (*compare.StructuredDiff, error)

	// AnalyzeDocument extracts and resolves the section references of a user
	// document and rates its severity.
	AnalyzeDocument(ctx context.Context, raw string) (*Analysis, error)

	// VerifyIndex checks for dangling vectors and repairs the index.
	VerifyIndex(ctx context.Context) (*index.VerifyReport, error)

	// Diagnostics reports the runtime configuration and table counts.
	Diagnostics(ctx context.Context) (*Diagnostics, error)

	// DetectTerms returns the glossary terms mentioned in text, in order of
	// first mention.
	DetectTerms(ctx context.Context, text string) ([]store.GlossaryTerm, error)

	// SearchGlossary ranks glossary terms against a free-text query.
	SearchGlossary(ctx context.Context, query string, limit int) ([]store.GlossaryTerm, error)

	GetGlossaryTerm(ctx context.Context, term string) (*store.GlossaryTerm, error)
	AutocompleteGlossary(ctx context.Context, prefix string, limit int) ([]string, error)
	ListGlossary(ctx context.Context, f store.GlossaryFilter) ([]store.GlossaryTerm, error)
	GlossaryCategories(ctx context.Context) ([]string, error)
	PutGlossaryTerm(ctx context.Context, t store.GlossaryTerm) (*store.GlossaryTerm, error)
	DeleteGlossaryTerm(ctx context.Context, term string) error

	// ClassifyOffence reports whether a section's offence is bailable and cognizable.
	ClassifyOffence(ctx context.Context, sectionID string) (*lexicon.Classification, error)

	AddBookmark(ctx context.Context, sectionID, title, notes string) (*store.Bookmark, error)
	ListBookmarks(ctx context.Context) ([]store.Bookmark, error)
	UpdateBookmark(ctx context.Context, id, title, notes string) (*store.Bookmark, error)
	DeleteBookmark(ctx context.Context, id string) error

	// Store returns the underlying store for diagnostic access.
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// DocumentInfo describes a document being ingested.
type DocumentInfo struct {
	// ID is the stable document identifier. IngestFile derives it from the
	// file name when empty.
	ID        string            `json:"document_id"`
	Title     string            `json:"title"`
	Code      string            `json:"code"`
	LawFamily store.LawFamily   `json:"law_family"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	sourcePath string
}

// IngestResult reports the outcome of one ingestion.
type IngestResult struct {
	DocumentID string        `json:"document_id"`
	Version    int           `json:"version"`
	Units      int           `json:"units"`
	Removed    int64         `json:"removed"`
	Skipped    bool          `json:"skipped"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Diagnostics is a snapshot of the engine's configuration and storage.
type Diagnostics struct {
	DBPath           string         `json:"db_path"`
	RetrievalMode    string         `json:"retrieval_mode"`
	IndexBackend     string         `json:"index_backend"`
	EmbedderIdentity string         `json:"embedder_identity"`
	ChatModel        string         `json:"chat_model,omitempty"`
	OCR              string         `json:"ocr,omitempty"`
	MinConfidence    float64        `json:"min_confidence"`
	Stats            *store.DBStats `json:"stats"`
}

// Option overrides a collaborator built from Config.
type Option func(*options)

type options struct {
	embedder  llm.Embedder
	generator llm.Generator
	ocr       parser.OCR
	noGen     bool
}

// WithEmbedder injects the embedding model.
func WithEmbedder(e llm.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithGenerator injects the generative model. A nil generator disables
// generation: answers degrade to generation_failed.
func WithGenerator(g llm.Generator) Option {
	return func(o *options) {
		o.generator = g
		o.noGen = g == nil
	}
}

// WithOCR injects the OCR engine used by IngestImage.
func WithOCR(ocr parser.OCR) Option {
	return func(o *options) { o.ocr = ocr }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg    Config
	dbPath string

	// writeMu serialises ingestion and removal so that a document's
	// record, old units and new units change as one step.
	writeMu sync.Mutex

	store      *store.Store
	parsers    *parser.Registry
	ocr        parser.OCR
	normalizer *normalizer.Normalizer
	indexer    *index.Indexer
	retriever  retrieval.Retriever
	mapper     *mapper.Mapper
	composer   *compose.Composer
	comparator *compare.Comparator
	generator  llm.Generator
	offences   *lexicon.Offences

	// glossaryMu guards detector, which is rebuilt lazily after the
	// glossary changes.
	glossaryMu sync.Mutex
	detector   *lexicon.Detector
}

// New creates a LawBridge engine with the given configuration. The Config is
// copied; later changes to the caller's value have no effect.
func New(cfg Config, opts ...Option) (Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}
	if cfg.RetrievalMode == "" {
		cfg.RetrievalMode = retrieval.ModeEmbedding
	}

	dbPath := cfg.resolveDBPath()
	s, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	embedder := o.embedder
	if embedder == nil {
		p, err := llm.NewProvider(cfg.Embedding.llmConfig())
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
		embedder = llm.NewEmbedder(p, cfg.Embedding.llmConfig(), cfg.EmbeddingDim)
	}

	generator := o.generator
	if generator == nil && !o.noGen && cfg.Chat.Provider != "" {
		p, err := llm.NewProvider(cfg.Chat.llmConfig())
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating chat provider: %w", err)
		}
		generator = llm.NewGenerator(p, cfg.Chat.llmConfig())
	}

	ocr := o.ocr
	if ocr == nil {
		ocr = &parser.TesseractOCR{Binary: cfg.OCR.Binary, Language: cfg.OCR.Language}
	}

	ctx := context.Background()
	offences, err := openLexicon(ctx, s, cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	ix, err := index.New(ctx, s, embedder, cfg.Index)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("opening index: %w", err)
	}

	ret, err := retrieval.New(cfg.RetrievalMode, s, ix)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	mp := mapper.New(s, ret, mapper.Config{
		MinConfidence:        cfg.MinConfidence,
		KeywordMinConfidence: cfg.KeywordMinConfidence,
	})

	e := &engine{
		cfg:        cfg,
		dbPath:     dbPath,
		store:      s,
		parsers:    parser.NewRegistry(),
		ocr:        ocr,
		normalizer: normalizer.New(normalizer.Config{MaxUnitChars: cfg.MaxUnitChars}),
		indexer:    ix,
		retriever:  ret,
		mapper:     mp,
		composer:   compose.New(ret, generator, mp, compose.Config{RetryBackoff: cfg.RetryBackoff, Log: s}),
		comparator: compare.New(mp, ret, s),
		generator:  generator,
		offences:   offences,
	}
	slog.Info("lawbridge: engine ready", "db", dbPath, "retrieval", ret.Mode(),
		"index", ix.BackendName(), "embedder", ix.Identity())
	return e, nil
}

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// IngestText processes raw text through normalization and indexing.
func (e *engine) IngestText(ctx context.Context, raw string, info DocumentInfo) (*IngestResult, error) {
	start := time.Now()
	if !documentIDPattern.MatchString(info.ID) {
		return nil, fmt.Errorf("%w: document id %q", ErrMalformedInput, info.ID)
	}
	family, err := store.ParseLawFamily(string(info.LawFamily))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	info.LawFamily = family
	info.Code = strings.ToUpper(strings.TrimSpace(info.Code))

	hash := normalizer.ContentHash(raw)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	version := 1
	existing, err := e.store.GetDocument(ctx, info.ID)
	switch {
	case err == nil:
		if existing.ContentHash == hash && existing.Status == StatusReady {
			n, err := e.store.CountUnitsByDocument(ctx, info.ID)
			if err != nil {
				return nil, fmt.Errorf("counting units: %w", err)
			}
			slog.Info("ingest: content unchanged, skipping", "doc_id", info.ID, "version", existing.Version)
			return &IngestResult{DocumentID: info.ID, Version: existing.Version, Units: n, Skipped: true,
				Elapsed: time.Since(start)}, nil
		}
		version = existing.Version + 1
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("loading document: %w", err)
	}

	// Normalize before touching storage so malformed input changes nothing.
	units, err := e.normalizer.Normalize(raw, normalizer.DocumentMeta{DocumentID: info.ID, Version: version})
	if err != nil {
		return nil, err
	}

	var metadataJSON string
	if info.Metadata != nil {
		data, _ := json.Marshal(info.Metadata)
		metadataJSON = string(data)
	}
	title := info.Title
	if title == "" {
		title = info.ID
	}
	if err := e.store.PutDocument(ctx, store.Document{
		ID:          info.ID,
		Title:       title,
		Code:        info.Code,
		LawFamily:   info.LawFamily,
		Version:     version,
		ContentHash: hash,
		SourcePath:  info.sourcePath,
		Status:      StatusProcessing,
		Metadata:    metadataJSON,
	}); err != nil {
		return nil, fmt.Errorf("upserting document: %w", err)
	}

	// The previous version stays searchable until the new one is persisted.
	slog.Info("ingest: indexing units", "doc_id", info.ID, "version", version, "units", len(units))
	var removed int64
	if existing != nil {
		removed, err = e.indexer.Replace(ctx, info.ID, version, units)
	} else {
		err = e.indexer.Add(ctx, units)
	}
	if err != nil {
		e.restoreDocument(ctx, info.ID, existing)
		return nil, fmt.Errorf("indexing units: %w", err)
	}
	e.setStatus(ctx, info.ID, StatusReady)

	res := &IngestResult{
		DocumentID: info.ID,
		Version:    version,
		Units:      len(units),
		Removed:    removed,
		Elapsed:    time.Since(start),
	}
	slog.Info("ingest: document ready", "doc_id", info.ID, "version", version, "units", len(units),
		"removed", removed, "elapsed", res.Elapsed.Round(time.Millisecond))
	return res, nil
}

// restoreDocument puts back the row of the version that is still indexed, or
// marks a first ingest as failed.
func (e *engine) restoreDocument(ctx context.Context, id string, previous *store.Document) {
	if previous == nil {
		e.setStatus(ctx, id, StatusError)
		return
	}
	if err := e.store.PutDocument(context.WithoutCancel(ctx), *previous); err != nil {
		slog.Warn("ingest: restoring previous version failed", "doc_id", id, "version", previous.Version, "error", err)
		e.setStatus(ctx, id, StatusError)
		return
	}
	slog.Warn("ingest: new version failed, previous version kept", "doc_id", id, "version", previous.Version)
}

func (e *engine) setStatus(ctx context.Context, id, status string) {
	if err := e.store.UpdateDocumentStatus(context.WithoutCancel(ctx), id, status); err != nil {
		slog.Warn("ingest: updating document status failed", "doc_id", id, "status", status, "error", err)
	}
}

// IngestFile parses a document file and ingests its text.
func (e *engine) IngestFile(ctx context.Context, path string, info DocumentInfo) (*IngestResult, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	if info.ID == "" {
		info.ID = documentIDFromPath(absPath)
	}
	info.sourcePath = absPath

	p, err := e.parsers.ForPath(absPath)
	if err != nil {
		return nil, err
	}
	parseStart := time.Now()
	parsed, err := p.Parse(ctx, absPath)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(absPath), err)
	}
	slog.Info("ingest: parsing complete", "file", filepath.Base(absPath), "method", parsed.Method,
		"pages", parsed.Pages, "elapsed", time.Since(parseStart).Round(time.Millisecond))

	if len(parsed.Metadata) > 0 {
		merged := make(map[string]string, len(parsed.Metadata)+len(info.Metadata))
		for k, v := range parsed.Metadata {
			merged[k] = v
		}
		for k, v := range info.Metadata {
			merged[k] = v
		}
		info.Metadata = merged
	}
	return e.IngestText(ctx, parsed.Text, info)
}

// documentIDFromPath turns "/laws/Indian Penal Code.pdf" into "indian-penal-code".
func documentIDFromPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	base = strings.ToLower(strings.Join(strings.Fields(base), "-"))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, base)
}

// IngestImage runs OCR and ingests the recognised text.
func (e *engine) IngestImage(ctx context.Context, image []byte, info DocumentInfo) (*IngestResult, error) {
	text, err := e.ocr.ExtractText(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("ocr (%s): %w", e.ocr.Name(), err)
	}
	if info.Metadata == nil {
		info.Metadata = map[string]string{}
	}
	info.Metadata["parse_method"] = "ocr:" + e.ocr.Name()
	return e.IngestText(ctx, text, info)
}

// RemoveDocument deletes a document and all its units.
func (e *engine) RemoveDocument(ctx context.Context, documentID string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, err := e.store.GetDocument(ctx, documentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
		}
		return err
	}
	n, err := e.indexer.Remove(ctx, documentID)
	if err != nil {
		return fmt.Errorf("removing units: %w", err)
	}
	if err := e.store.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	slog.Info("lawbridge: document removed", "doc_id", documentID, "units", n)
	return nil
}

// ListDocuments returns all ingested documents.
func (e *engine) ListDocuments(ctx context.Context) ([]store.Document, error) {
	docs, err := e.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []store.Document{}
	}
	return docs, nil
}

func (e *engine) Query(ctx context.Context, text string, k int, filters retrieval.Filters) ([]retrieval.Result, error) {
	return e.retriever.Query(ctx, text, k, filters)
}

func (e *engine) Answer(ctx context.Context, query string, policy compose.Policy) (*compose.GroundedAnswer, error) {
	if policy.K <= 0 {
		policy.K = e.cfg.TopK
	}
	if policy.MaxPromptChars <= 0 {
		policy.MaxPromptChars = e.cfg.MaxPromptChars
	}
	if policy.Timeout <= 0 {
		policy.Timeout = e.cfg.GenerationTimeout
	}
	return e.composer.Answer(ctx, query, policy)
}

func (e *engine) Resolve(ctx context.Context, oldSectionID string) (*store.Mapping, error) {
	return e.mapper.Resolve(ctx, oldSectionID)
}

func (e *engine) Override(ctx context.Context, m store.Mapping) (*store.Mapping, error) {
	return e.mapper.Override(ctx, m)
}

func (e *engine) BuildMappings(ctx context.Context, curated []store.Mapping) (*mapper.BuildReport, error) {
	return e.mapper.BuildOrUpdate(ctx, curated, e.store)
}

func (e *engine) ImportMappings(ctx context.Context, path string) (*mapper.ImportReport, error) {
	return e.mapper.ImportFile(ctx, path)
}

func (e *engine) ExportMappings(ctx context.Context, format string, w io.Writer) error {
	return e.mapper.Export(ctx, format, w)
}

func (e *engine) MappingHistory(ctx context.Context, oldSectionID string) ([]store.Mapping, error) {
	return e.mapper.History(ctx, oldSectionID)
}

func (e *engine) Compare(ctx context.Context, oldSectionID string) (*compare.StructuredDiff, error) {
	return e.comparator.Compare(ctx, oldSectionID)
}

func (e *engine) VerifyIndex(ctx context.Context) (*index.VerifyReport, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.indexer.Verify(ctx)
}

// Diagnostics reports the runtime configuration and table counts.
func (e *engine) Diagnostics(ctx context.Context) (*Diagnostics, error) {
	stats, err := e.store.DBStats(ctx)
	if err != nil {
		return nil, err
	}
	d := &Diagnostics{
		DBPath:           e.dbPath,
		RetrievalMode:    e.retriever.Mode(),
		IndexBackend:     e.indexer.BackendName(),
		EmbedderIdentity: e.indexer.Identity(),
		OCR:              e.ocr.Name(),
		MinConfidence:    e.mapper.MinConfidence(),
		Stats:            stats,
	}
	if e.generator != nil {
		d.ChatModel = e.generator.Model()
	}
	return d, nil
}

// AddBookmark saves a section with notes.
func (e *engine) AddBookmark(ctx context.Context, sectionID, title, notes string) (*store.Bookmark, error) {
	sectionID = strings.TrimSpace(sectionID)
	title = strings.TrimSpace(title)
	if sectionID == "" || title == "" {
		return nil, fmt.Errorf("%w: bookmark needs a section and a title", ErrMalformedInput)
	}
	if code, label, ok := normalizer.ParseSectionID(sectionID); ok {
		sectionID = normalizer.SectionID(code, label)
	}
	b := store.Bookmark{ID: uuid.NewString(), SectionID: sectionID, Title: title, Notes: notes}
	if err := e.store.CreateBookmark(ctx, b); err != nil {
		return nil, fmt.Errorf("creating bookmark: %w", err)
	}
	return e.store.GetBookmark(ctx, b.ID)
}

func (e *engine) ListBookmarks(ctx context.Context) ([]store.Bookmark, error) {
	bs, err := e.store.ListBookmarks(ctx)
	if err != nil {
		return nil, err
	}
	if bs == nil {
		bs = []store.Bookmark{}
	}
	return bs, nil
}

// UpdateBookmark replaces the notes of a bookmark, and its title when one is given.
func (e *engine) UpdateBookmark(ctx context.Context, id, title, notes string) (*store.Bookmark, error) {
	cur, err := e.store.GetBookmark(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(title) == "" {
		title = cur.Title
	}
	if err := e.store.UpdateBookmark(ctx, id, title, notes); err != nil {
		return nil, err
	}
	return e.store.GetBookmark(ctx, id)
}

func (e *engine) DeleteBookmark(ctx context.Context, id string) error {
	return e.store.DeleteBookmark(ctx, id)
}

// Store returns the underlying store for diagnostic access.
func (e *engine) Store() *store.Store {
	return e.store
}

// Close shuts down the engine.
func (e *engine) Close() error {
	return e.store.Close()
}
