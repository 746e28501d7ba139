// Package mapper resolves old-code sections to their new-code equivalents.
//
// Resolution runs in three tiers: an active curated or override mapping, a
// persisted derived mapping, and finally a derivation on the fly from the
// old section's text searched against the new-code corpus.
package mapper

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/m-mizutani/goerr/v2"

	"github.com/brunobiangulo/lawbridge/metrics"
	"github.com/brunobiangulo/lawbridge/normalizer"
	"github.com/brunobiangulo/lawbridge/retrieval"
	"github.com/brunobiangulo/lawbridge/store"
)

var (
	// ErrInvalidMapping is returned for a mapping row that fails validation.
	ErrInvalidMapping = errors.New("invalid mapping")

	// ErrInvalidSectionID is returned for an id not shaped like "IPC-302".
	ErrInvalidSectionID = errors.New("invalid section id")
)

const (
	// DefaultMinConfidence is the lowest score a derived mapping may have.
	DefaultMinConfidence = 0.60
	// DefaultKeywordMinConfidence applies instead when the retriever ranks by
	// BM25, whose squashed scores run higher than cosine similarity.
	DefaultKeywordMinConfidence = 0.85
	// DefaultCandidates is the number of new-code hits considered per derivation.
	DefaultCandidates = 5

	// maxDeriveQueryChars bounds the old-section text used as a query.
	maxDeriveQueryChars = 2000
)

const (
	TierCurated  = "curated"
	TierDerived  = "derived"
	TierOnTheFly = "on-the-fly"
	TierNotFound = "not-found"
)

// Config tunes derivation.
type Config struct {
	MinConfidence        float64 `json:"min_confidence" yaml:"min_confidence"`
	KeywordMinConfidence float64 `json:"keyword_min_confidence" yaml:"keyword_min_confidence"`
	Candidates           int     `json:"candidates" yaml:"candidates"`
}

// Corpus lists the old-code sections that should carry a mapping.
type Corpus interface {
	SectionIDs(ctx context.Context, family store.LawFamily) ([]string, error)
}

// Mapper owns the equivalence table. Rebuilds and imports are serialised;
// resolutions run concurrently.
type Mapper struct {
	mu       sync.RWMutex
	st       *store.Store
	ret      retrieval.Retriever
	validate *validator.Validate
	cfg      Config
}

// New creates a Mapper. ret may be nil, which disables derivation.
func New(st *store.Store, ret retrieval.Retriever, cfg Config) *Mapper {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.KeywordMinConfidence <= 0 {
		cfg.KeywordMinConfidence = DefaultKeywordMinConfidence
	}
	if cfg.Candidates <= 0 {
		cfg.Candidates = DefaultCandidates
	}
	v := validator.New()
	_ = v.RegisterValidation("section_id", validateSectionID)
	return &Mapper{st: st, ret: ret, validate: v, cfg: cfg}
}

// sectionLabel matches labels such as 302, 41A and 376AB.
var sectionLabel = regexp.MustCompile(`^\d{1,4}[A-Z]{0,3}$`)

func parseSectionID(id string) (code, label string, ok bool) {
	code, label, ok = normalizer.ParseSectionID(strings.TrimSpace(id))
	if !ok || !sectionLabel.MatchString(label) {
		return "", "", false
	}
	return code, label, true
}

func validateSectionID(fl validator.FieldLevel) bool {
	_, _, ok := parseSectionID(fl.Field().String())
	return ok
}

// MinConfidence returns the derivation threshold for the retriever in use.
func (m *Mapper) MinConfidence() float64 {
	if m.ret != nil && m.ret.Mode() == retrieval.ModeKeyword {
		return m.cfg.KeywordMinConfidence
	}
	return m.cfg.MinConfidence
}

// canonicalID returns "CODE-LABEL" for an id in any case.
func canonicalID(id string) (string, error) {
	code, label, ok := parseSectionID(id)
	if !ok {
		return "", goerr.Wrap(ErrInvalidSectionID, "parsing section id", goerr.V("section_id", id))
	}
	return normalizer.SectionID(code, label), nil
}

// Resolve returns the mapping for an old section id. A section with no
// mapping and no derivable candidate at or above the threshold is
// store.ErrNotFound. On-the-fly derivations are returned, not persisted.
func (m *Mapper) Resolve(ctx context.Context, oldSectionID string) (*store.Mapping, error) {
	id, err := canonicalID(oldSectionID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	active, err := m.st.ActiveMapping(ctx, id)
	switch {
	case err == nil:
		if active.Source != store.SourceDerived {
			active.Confidence = 1.0
			metrics.Resolutions.WithLabelValues(TierCurated).Inc()
			return active, nil
		}
		if active.Confidence >= m.MinConfidence() {
			metrics.Resolutions.WithLabelValues(TierDerived).Inc()
			return active, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, goerr.Wrap(err, "loading active mapping", goerr.V("old_section_id", id))
	}

	derived, err := m.derive(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.Resolutions.WithLabelValues(TierNotFound).Inc()
		}
		return nil, err
	}
	metrics.Resolutions.WithLabelValues(TierOnTheFly).Inc()
	return derived, nil
}

// derive searches the new-code corpus with the old section's text and takes
// the best labelled hit as the candidate.
func (m *Mapper) derive(ctx context.Context, oldID string) (*store.Mapping, error) {
	if m.ret == nil {
		return nil, goerr.Wrap(store.ErrNotFound, "no mapping and derivation disabled", goerr.V("old_section_id", oldID))
	}
	code, label, _ := normalizer.ParseSectionID(oldID)
	units, err := m.st.SectionUnits(ctx, code, label)
	if err != nil {
		return nil, goerr.Wrap(err, "loading old section text", goerr.V("old_section_id", oldID))
	}
	if len(units) == 0 {
		return nil, goerr.Wrap(store.ErrNotFound, "old section not in corpus", goerr.V("old_section_id", oldID))
	}

	var b strings.Builder
	for _, u := range units {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(u.Text)
	}
	query := b.String()
	query = truncateUTF8(query, maxDeriveQueryChars)
	threshold := m.MinConfidence()

	results, err := m.ret.Query(ctx, query, m.cfg.Candidates, retrieval.Filters{LawFamily: store.FamilyNew})
	if err != nil {
		return nil, goerr.Wrap(err, "searching new-code corpus", goerr.V("old_section_id", oldID))
	}
	for _, r := range results {
		if r.Citation.SectionID == "" {
			continue
		}
		if r.Score < threshold {
			break
		}
		return &store.Mapping{
			OldSectionID: oldID,
			NewSectionID: r.Citation.SectionID,
			ChangeType:   store.ChangeUnknown,
			Confidence:   r.Score,
			Notes:        "derived by similarity from " + r.UnitID,
			Source:       store.SourceDerived,
			Active:       true,
		}, nil
	}
	return nil, goerr.Wrap(store.ErrNotFound, "no candidate at or above threshold",
		goerr.V("old_section_id", oldID), goerr.V("min_confidence", threshold))
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// prepare canonicalises ids, applies source defaults, and validates.
func (m *Mapper) prepare(row store.Mapping, source store.MappingSource) (store.Mapping, error) {
	row.Source = source
	if row.ChangeType == "" {
		row.ChangeType = store.ChangeUnknown
	}
	row.ChangeType = store.ChangeType(strings.ToLower(strings.TrimSpace(string(row.ChangeType))))
	if source != store.SourceDerived {
		row.Confidence = 1.0
	}
	if id, err := canonicalID(row.OldSectionID); err == nil {
		row.OldSectionID = id
	}
	if strings.TrimSpace(row.NewSectionID) != "" {
		if id, err := canonicalID(row.NewSectionID); err == nil {
			row.NewSectionID = id
		}
	} else {
		row.NewSectionID = ""
	}
	if err := m.validate.Struct(row); err != nil {
		return row, goerr.Wrap(ErrInvalidMapping, err.Error(), goerr.V("old_section_id", row.OldSectionID))
	}
	return row, nil
}

// Override records a manual mapping that outranks curated and derived rows.
func (m *Mapper) Override(ctx context.Context, row store.Mapping) (*store.Mapping, error) {
	row, err := m.prepare(row, store.SourceOverride)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	saved, _, err := m.st.PutMapping(ctx, row)
	if err != nil {
		return nil, goerr.Wrap(err, "saving override", goerr.V("old_section_id", row.OldSectionID))
	}
	slog.Info("mapper: override saved", "old", saved.OldSectionID, "new", saved.NewSectionID, "version", saved.Version)
	return saved, nil
}

// RowError describes one rejected input row.
type RowError struct {
	Row          int    `json:"row"`
	OldSectionID string `json:"old_section_id,omitempty"`
	Error        string `json:"error"`
}

// BuildReport summarises a BuildOrUpdate run.
type BuildReport struct {
	CuratedWritten int        `json:"curated_written"`
	CuratedKept    int        `json:"curated_kept"`
	Derived        int        `json:"derived"`
	AlreadyMapped  int        `json:"already_mapped"`
	Unresolved     []string   `json:"unresolved"`
	Invalid        []RowError `json:"invalid"`
}

// BuildOrUpdate persists curated rows as new versions and derives mappings
// for every old-code section of the corpus that has none. Invalid curated
// rows are reported and skipped.
func (m *Mapper) BuildOrUpdate(ctx context.Context, curated []store.Mapping, corpus Corpus) (*BuildReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rep := &BuildReport{Unresolved: []string{}, Invalid: []RowError{}}
	for i, row := range curated {
		written, err := m.putCuratedLocked(ctx, row, store.SourceCurated)
		if err != nil {
			if errors.Is(err, ErrInvalidMapping) || errors.Is(err, ErrInvalidSectionID) {
				rep.Invalid = append(rep.Invalid, RowError{Row: i + 1, OldSectionID: row.OldSectionID, Error: err.Error()})
				continue
			}
			return rep, err
		}
		if written {
			rep.CuratedWritten++
		} else {
			rep.CuratedKept++
		}
	}

	if corpus == nil {
		return rep, nil
	}
	ids, err := corpus.SectionIDs(ctx, store.FamilyOld)
	if err != nil {
		return rep, goerr.Wrap(err, "listing old-code sections")
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if _, err := m.st.ActiveMapping(ctx, id); err == nil {
			rep.AlreadyMapped++
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return rep, goerr.Wrap(err, "loading active mapping", goerr.V("old_section_id", id))
		}

		cand, err := m.derive(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			rep.Unresolved = append(rep.Unresolved, id)
			continue
		}
		if err != nil {
			return rep, err
		}
		if _, _, err := m.st.PutMapping(ctx, *cand); err != nil {
			return rep, goerr.Wrap(err, "saving derived mapping", goerr.V("old_section_id", id))
		}
		rep.Derived++
	}

	slog.Info("mapper: build complete",
		"curated_written", rep.CuratedWritten, "curated_kept", rep.CuratedKept,
		"derived", rep.Derived, "already_mapped", rep.AlreadyMapped,
		"unresolved", len(rep.Unresolved), "invalid", len(rep.Invalid))
	return rep, nil
}

func (m *Mapper) putCuratedLocked(ctx context.Context, row store.Mapping, source store.MappingSource) (bool, error) {
	row, err := m.prepare(row, source)
	if err != nil {
		return false, err
	}
	_, changed, err := m.st.PutMapping(ctx, row)
	if err != nil {
		return false, goerr.Wrap(err, "saving mapping", goerr.V("old_section_id", row.OldSectionID))
	}
	return changed, nil
}

// List returns every active mapping.
func (m *Mapper) List(ctx context.Context) ([]store.Mapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out, err := m.st.ListActiveMappings(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "listing mappings")
	}
	return out, nil
}

// History returns every version recorded for an old section, oldest first.
func (m *Mapper) History(ctx context.Context, oldSectionID string) ([]store.Mapping, error) {
	id, err := canonicalID(oldSectionID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out, err := m.st.MappingHistory(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "loading mapping history", goerr.V("old_section_id", id))
	}
	if len(out) == 0 {
		return nil, goerr.Wrap(store.ErrNotFound, "no mapping history", goerr.V("old_section_id", id))
	}
	return out, nil
}
