package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// GlossaryTerm is a plain-language definition of a legal term.
type GlossaryTerm struct {
	ID              int64  `json:"id" yaml:"-"`
	Term            string `json:"term" yaml:"term"`
	Definition      string `json:"definition" yaml:"definition"`
	RelatedSections string `json:"related_sections,omitempty" yaml:"related_sections"`
	Examples        string `json:"examples,omitempty" yaml:"examples"`
	Category        string `json:"category,omitempty" yaml:"category"`
}

// GlossaryFilter narrows ListGlossary. Zero fields match everything.
type GlossaryFilter struct {
	Letter   string
	Category string
	Limit    int
}

const glossaryColumns = "t.id, t.term, t.definition, t.related_sections, t.examples, t.category"

func scanGlossaryTerms(rows *sql.Rows) ([]GlossaryTerm, error) {
	defer rows.Close()
	var out []GlossaryTerm
	for rows.Next() {
		var g GlossaryTerm
		if err := rows.Scan(&g.ID, &g.Term, &g.Definition, &g.RelatedSections, &g.Examples, &g.Category); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// PutGlossaryTerm inserts a term or replaces the entry with the same
// case-insensitive name.
func (s *Store) PutGlossaryTerm(ctx context.Context, g GlossaryTerm) error {
	return putGlossaryTerm(ctx, s.db, g)
}

func putGlossaryTerm(ctx context.Context, db interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, g GlossaryTerm) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO glossary_terms (term, definition, related_sections, examples, category)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(term) DO UPDATE SET
			term = excluded.term,
			definition = excluded.definition,
			related_sections = excluded.related_sections,
			examples = excluded.examples,
			category = excluded.category
	`, g.Term, g.Definition, g.RelatedSections, g.Examples, g.Category)
	return err
}

// SeedGlossary loads terms into an empty glossary and reports how many were
// written. A glossary that already has rows is left untouched.
func (s *Store) SeedGlossary(ctx context.Context, terms []GlossaryTerm) (int, error) {
	written := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM glossary_terms").Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		for _, g := range terms {
			if err := putGlossaryTerm(ctx, tx, g); err != nil {
				return fmt.Errorf("seeding %q: %w", g.Term, err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// GetGlossaryTerm looks a term up by name, ignoring case.
func (s *Store) GetGlossaryTerm(ctx context.Context, term string) (*GlossaryTerm, error) {
	var g GlossaryTerm
	err := s.db.QueryRowContext(ctx, "SELECT "+glossaryColumns+" FROM glossary_terms t WHERE t.term = ?", term).
		Scan(&g.ID, &g.Term, &g.Definition, &g.RelatedSections, &g.Examples, &g.Category)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// DeleteGlossaryTerm removes a term by name, ignoring case.
func (s *Store) DeleteGlossaryTerm(ctx context.Context, term string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM glossary_terms WHERE term = ?", term)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchGlossary ranks terms by BM25 over name and definition, weighting the
// name higher. Every query word is matched as a prefix. When the full-text
// index finds nothing the query is retried as a substring match.
func (s *Store) SearchGlossary(ctx context.Context, query string, limit int) ([]GlossaryTerm, error) {
	match := glossaryMatchQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+glossaryColumns+`
		FROM glossary_fts f
		JOIN glossary_terms t ON t.id = f.rowid
		WHERE glossary_fts MATCH ?
		ORDER BY (t.term = ?) DESC, bm25(glossary_fts, 10.0, 1.0), t.term
		LIMIT ?
	`, match, strings.TrimSpace(query), limit)
	if err != nil {
		return nil, err
	}
	out, err := scanGlossaryTerms(rows)
	if err != nil || len(out) > 0 {
		return out, err
	}

	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	rows, err = s.db.QueryContext(ctx, `
		SELECT `+glossaryColumns+` FROM glossary_terms t
		WHERE t.term LIKE ? ESCAPE '\' OR t.definition LIKE ? ESCAPE '\'
		ORDER BY t.term
		LIMIT ?
	`, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	return scanGlossaryTerms(rows)
}

// AutocompleteGlossary returns term names starting with prefix.
func (s *Store) AutocompleteGlossary(ctx context.Context, prefix string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT term FROM glossary_terms WHERE term LIKE ? ESCAPE '\' ORDER BY term LIMIT ?
	`, escapeLike(strings.TrimSpace(prefix))+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var term string
		if err := rows.Scan(&term); err != nil {
			return nil, err
		}
		out = append(out, term)
	}
	return out, rows.Err()
}

// ListGlossary returns terms in alphabetical order.
func (s *Store) ListGlossary(ctx context.Context, f GlossaryFilter) ([]GlossaryTerm, error) {
	var conds []string
	var args []any
	if f.Letter != "" {
		conds = append(conds, "t.term LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(f.Letter)+"%")
	}
	if f.Category != "" {
		conds = append(conds, "t.category = ? COLLATE NOCASE")
		args = append(args, f.Category)
	}
	q := "SELECT " + glossaryColumns + " FROM glossary_terms t"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY t.term"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanGlossaryTerms(rows)
}

// GlossaryCategories returns the distinct non-empty categories.
func (s *Store) GlossaryCategories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT category FROM glossary_terms WHERE category != '' ORDER BY category")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// glossaryMatchQuery turns free text into an FTS5 query of quoted prefix
// terms, so user input never reaches the MATCH grammar.
func glossaryMatchQuery(query string) string {
	words := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	parts := make([]string, 0, len(words))
	for _, w := range words {
		parts = append(parts, `"`+w+`"*`)
	}
	return strings.Join(parts, " ")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
