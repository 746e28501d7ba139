// Package retrieval turns a query into ranked, citable units.
package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/brunobiangulo/lawbridge/index"
	"github.com/brunobiangulo/lawbridge/metrics"
	"github.com/brunobiangulo/lawbridge/store"
)

const (
	ModeEmbedding = "embedding"
	ModeKeyword   = "keyword"
)

// ErrEmptyQuery is returned for a query with no searchable text.
var ErrEmptyQuery = errors.New("query is empty")

// Filters restrict a query before ranking. Zero fields match everything.
type Filters = store.Filter

// Citation locates a result in the corpus.
type Citation struct {
	DocumentID   string `json:"document_id"`
	Title        string `json:"title"`
	Code         string `json:"code"`
	SectionLabel string `json:"section_label,omitempty"`
	SectionID    string `json:"section_id,omitempty"`
	PageNumber   int    `json:"page_number"`
	UnitID       string `json:"unit_id"`
}

// Result is one retrieved unit with its provenance.
type Result struct {
	UnitID    string          `json:"unit_id"`
	Score     float64         `json:"score"`
	Citation  Citation        `json:"citation"`
	Text      string          `json:"text"`
	LawFamily store.LawFamily `json:"law_family"`
}

// Retriever ranks units for a query. Results are ordered by descending score
// with ties broken by document id then unit id.
type Retriever interface {
	Query(ctx context.Context, text string, k int, f Filters) ([]Result, error)
	Mode() string
}

// New returns the retriever for mode. An empty mode selects embeddings.
func New(mode string, st *store.Store, ix *index.Indexer) (Retriever, error) {
	switch strings.ToLower(mode) {
	case "", ModeEmbedding:
		if ix == nil {
			return nil, goerr.New("embedding retrieval requires an index")
		}
		return NewEmbeddingRetrieval(st, ix), nil
	case ModeKeyword:
		return NewKeywordRetrieval(st), nil
	default:
		return nil, goerr.New("unknown retrieval mode", goerr.V("mode", mode))
	}
}

// canonicalFilters uppercases code and label, which are stored uppercased.
func canonicalFilters(f Filters) Filters {
	f.Code = strings.ToUpper(strings.TrimSpace(f.Code))
	f.SectionLabel = strings.ToUpper(strings.TrimSpace(f.SectionLabel))
	return f
}

// hydrate joins hits with unit text and document metadata, preserving hit
// order. Hits whose unit vanished in the meantime are dropped.
func hydrate(ctx context.Context, st *store.Store, hits []store.Hit) ([]Result, error) {
	if len(hits) == 0 {
		return []Result{}, nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.UnitID
	}
	recs, err := st.GetUnitRecords(ctx, ids)
	if err != nil {
		return nil, goerr.Wrap(err, "loading unit records", goerr.V("count", len(ids)))
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		rec, ok := recs[h.UnitID]
		if !ok {
			slog.Debug("retrieval: hit without unit, skipping", "unit_id", h.UnitID)
			continue
		}
		results = append(results, Result{
			UnitID:    h.UnitID,
			Score:     h.Score,
			Citation:  CitationFor(rec),
			Text:      rec.Text,
			LawFamily: rec.LawFamily,
		})
	}
	return results, nil
}

// CitationFor builds the citation of a unit record.
func CitationFor(rec store.UnitRecord) Citation {
	return Citation{
		DocumentID:   rec.DocumentID,
		Title:        rec.Title,
		Code:         rec.Code,
		SectionLabel: rec.SectionLabel,
		SectionID:    rec.SectionID(),
		PageNumber:   rec.PageNumber,
		UnitID:       rec.ID,
	}
}

// ---------------------------------------------------------------------------
// Embedding retrieval
// ---------------------------------------------------------------------------

// EmbeddingRetrieval ranks by cosine similarity using the index's embedder.
type EmbeddingRetrieval struct {
	st *store.Store
	ix *index.Indexer
}

func NewEmbeddingRetrieval(st *store.Store, ix *index.Indexer) *EmbeddingRetrieval {
	return &EmbeddingRetrieval{st: st, ix: ix}
}

func (r *EmbeddingRetrieval) Mode() string { return ModeEmbedding }

func (r *EmbeddingRetrieval) Query(ctx context.Context, text string, k int, f Filters) ([]Result, error) {
	if k <= 0 {
		return nil, goerr.Wrap(index.ErrInvalidK, "invalid k", goerr.V("k", k))
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyQuery
	}

	start := time.Now()
	vec, err := r.ix.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	hits, err := r.ix.Search(ctx, vec, k, canonicalFilters(f))
	if err != nil {
		return nil, err
	}
	results, err := hydrate(ctx, r.st, hits)
	if err != nil {
		return nil, err
	}
	slog.Debug("retrieval: embedding query", "k", k, "results", len(results),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return results, nil
}

// ---------------------------------------------------------------------------
// Keyword retrieval
// ---------------------------------------------------------------------------

// KeywordRetrieval ranks with SQLite FTS5 BM25, squashed into (0,1).
type KeywordRetrieval struct {
	st *store.Store
}

func NewKeywordRetrieval(st *store.Store) *KeywordRetrieval {
	return &KeywordRetrieval{st: st}
}

func (r *KeywordRetrieval) Mode() string { return ModeKeyword }

func (r *KeywordRetrieval) Query(ctx context.Context, text string, k int, f Filters) ([]Result, error) {
	if k <= 0 {
		return nil, goerr.Wrap(index.ErrInvalidK, "invalid k", goerr.V("k", k))
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyQuery
	}
	ftsQuery := sanitizeFTSQuery(text)
	if ftsQuery == "" {
		return []Result{}, nil
	}

	start := time.Now()
	hits, err := r.st.FTSSearch(ctx, ftsQuery, k, canonicalFilters(f))
	metrics.SearchDuration.WithLabelValues(ModeKeyword).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, goerr.Wrap(err, "keyword search", goerr.V("fts_query", ftsQuery))
	}
	index.SortHits(hits)
	results, err := hydrate(ctx, r.st, hits)
	if err != nil {
		return nil, err
	}
	slog.Debug("retrieval: keyword query", "fts_query", ftsQuery, "results", len(results))
	return results, nil
}
