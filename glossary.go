package lawbridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/brunobiangulo/lawbridge/lexicon"
	"github.com/brunobiangulo/lawbridge/store"
)

const (
	defaultGlossaryLimit = 20
	maxGlossaryLimit     = 200
)

// openLexicon seeds an empty glossary and loads the offence table, each from
// its configured file or the built-in data.
func openLexicon(ctx context.Context, s *store.Store, cfg Config) (*lexicon.Offences, error) {
	terms, err := lexicon.DefaultTerms()
	if cfg.GlossaryFile != "" {
		var data []byte
		if data, err = os.ReadFile(cfg.GlossaryFile); err == nil {
			terms, err = lexicon.ParseTerms(data)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: glossary: %v", ErrInvalidConfig, err)
	}
	n, err := s.SeedGlossary(ctx, terms)
	if err != nil {
		return nil, fmt.Errorf("seeding glossary: %w", err)
	}
	if n > 0 {
		slog.Info("lawbridge: glossary seeded", "terms", n)
	}

	offences, err := lexicon.DefaultOffences()
	if err != nil {
		return nil, fmt.Errorf("loading offence table: %w", err)
	}
	if cfg.OffencesFile != "" {
		data, err := os.ReadFile(cfg.OffencesFile)
		if err != nil {
			return nil, fmt.Errorf("%w: offences: %v", ErrInvalidConfig, err)
		}
		local, err := lexicon.ParseOffences(data)
		if err != nil {
			return nil, fmt.Errorf("%w: offences: %v", ErrInvalidConfig, err)
		}
		offences = offences.Merge(local)
	}
	return offences, nil
}

func glossaryLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultGlossaryLimit
	case limit > maxGlossaryLimit:
		return maxGlossaryLimit
	}
	return limit
}

// SearchGlossary ranks glossary terms against a free-text query.
func (e *engine) SearchGlossary(ctx context.Context, query string, limit int) ([]store.GlossaryTerm, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	terms, err := e.store.SearchGlossary(ctx, query, glossaryLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("searching glossary: %w", err)
	}
	if terms == nil {
		terms = []store.GlossaryTerm{}
	}
	return terms, nil
}

func (e *engine) GetGlossaryTerm(ctx context.Context, term string) (*store.GlossaryTerm, error) {
	return e.store.GetGlossaryTerm(ctx, strings.TrimSpace(term))
}

func (e *engine) AutocompleteGlossary(ctx context.Context, prefix string, limit int) ([]string, error) {
	if strings.TrimSpace(prefix) == "" {
		return []string{}, nil
	}
	return e.store.AutocompleteGlossary(ctx, prefix, glossaryLimit(limit))
}

// ListGlossary returns terms alphabetically, optionally by first letter or category.
func (e *engine) ListGlossary(ctx context.Context, f store.GlossaryFilter) ([]store.GlossaryTerm, error) {
	if len([]rune(f.Letter)) > 1 {
		return nil, fmt.Errorf("%w: letter %q", ErrMalformedInput, f.Letter)
	}
	terms, err := e.store.ListGlossary(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing glossary: %w", err)
	}
	if terms == nil {
		terms = []store.GlossaryTerm{}
	}
	return terms, nil
}

func (e *engine) GlossaryCategories(ctx context.Context) ([]string, error) {
	return e.store.GlossaryCategories(ctx)
}

// PutGlossaryTerm adds a term or replaces the one with the same name.
func (e *engine) PutGlossaryTerm(ctx context.Context, t store.GlossaryTerm) (*store.GlossaryTerm, error) {
	t.Term = strings.Join(strings.Fields(t.Term), " ")
	t.Definition = strings.TrimSpace(t.Definition)
	if t.Term == "" || t.Definition == "" {
		return nil, fmt.Errorf("%w: glossary term needs a name and a definition", ErrMalformedInput)
	}
	if err := e.store.PutGlossaryTerm(ctx, t); err != nil {
		return nil, fmt.Errorf("saving glossary term: %w", err)
	}
	e.invalidateDetector()
	return e.store.GetGlossaryTerm(ctx, t.Term)
}

func (e *engine) DeleteGlossaryTerm(ctx context.Context, term string) error {
	if err := e.store.DeleteGlossaryTerm(ctx, strings.TrimSpace(term)); err != nil {
		return err
	}
	e.invalidateDetector()
	return nil
}

// DetectTerms returns the glossary terms mentioned in text.
func (e *engine) DetectTerms(ctx context.Context, text string) ([]store.GlossaryTerm, error) {
	d, err := e.termDetector(ctx)
	if err != nil {
		return nil, err
	}
	return d.Detect(text), nil
}

// termDetector returns the cached detector, rebuilding it after the
// glossary changed.
func (e *engine) termDetector(ctx context.Context) (*lexicon.Detector, error) {
	e.glossaryMu.Lock()
	defer e.glossaryMu.Unlock()
	if e.detector != nil {
		return e.detector, nil
	}
	terms, err := e.store.ListGlossary(ctx, store.GlossaryFilter{})
	if err != nil {
		return nil, fmt.Errorf("loading glossary: %w", err)
	}
	e.detector = lexicon.NewDetector(terms)
	return e.detector, nil
}

func (e *engine) invalidateDetector() {
	e.glossaryMu.Lock()
	e.detector = nil
	e.glossaryMu.Unlock()
}

// ClassifyOffence reports whether the offence in a section is bailable and
// cognizable. An old-code section missing from the table is classified by
// its new-code counterpart.
func (e *engine) ClassifyOffence(ctx context.Context, sectionID string) (*lexicon.Classification, error) {
	if c, ok := e.offences.Lookup(sectionID); ok {
		return &c, nil
	}
	m, err := e.mapper.Resolve(ctx, sectionID)
	if err != nil {
		return nil, err
	}
	if c, ok := e.classifyMapped(m); ok {
		return &c, nil
	}
	return nil, fmt.Errorf("%w: no classification for %s", ErrNotFound, sectionID)
}

func (e *engine) classifyMapped(m *store.Mapping) (lexicon.Classification, bool) {
	if m == nil || m.NewSectionID == "" {
		return lexicon.Classification{}, false
	}
	return e.offences.Lookup(m.NewSectionID)
}

// classifyReference is ClassifyOffence for an already resolved reference.
func (e *engine) classifyReference(ref ReferenceAnalysis) *lexicon.Classification {
	if ref.Code == "" {
		return nil
	}
	if c, ok := e.offences.Lookup(ref.ID()); ok {
		return &c
	}
	if c, ok := e.classifyMapped(ref.Mapping); ok {
		return &c
	}
	return nil
}
