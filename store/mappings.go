package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ChangeType classifies how a mapped provision differs from its predecessor.
type ChangeType string

const (
	ChangeUnchanged      ChangeType = "unchanged"
	ChangeReworded       ChangeType = "reworded"
	ChangePenaltyChanged ChangeType = "penalty-changed"
	ChangeScopeChanged   ChangeType = "scope-changed"
	ChangeRepealed       ChangeType = "repealed"
	ChangeNewProvision   ChangeType = "new-provision"
	ChangeUnknown        ChangeType = "unknown"
)

// MappingSource records where a mapping came from.
type MappingSource string

const (
	SourceDerived  MappingSource = "derived"
	SourceCurated  MappingSource = "curated"
	SourceOverride MappingSource = "override"
)

// Precedence orders sources; a write never supersedes a higher value.
func (s MappingSource) Precedence() int {
	switch s {
	case SourceOverride:
		return 3
	case SourceCurated:
		return 2
	case SourceDerived:
		return 1
	}
	return 0
}

// Mapping is one version of an old-section -> new-section equivalence.
type Mapping struct {
	ID           int64         `json:"-"`
	OldSectionID string        `json:"old_section_id" validate:"required,section_id"`
	NewSectionID string        `json:"new_section_id" validate:"required_unless=ChangeType repealed,omitempty,section_id"`
	ChangeType   ChangeType    `json:"change_type" validate:"required,oneof=unchanged reworded penalty-changed scope-changed repealed new-provision unknown"`
	Confidence   float64       `json:"confidence" validate:"gte=0,lte=1"`
	Notes        string        `json:"notes,omitempty"`
	Source       MappingSource `json:"source" validate:"required,oneof=curated override derived"`
	Version      int           `json:"version"`
	Active       bool          `json:"active"`
	CreatedAt    string        `json:"created_at,omitempty"`
	SupersededAt string        `json:"superseded_at,omitempty"`
}

// sameContent reports whether two mappings would produce an identical row.
func (m Mapping) sameContent(o Mapping) bool {
	return strings.EqualFold(m.NewSectionID, o.NewSectionID) &&
		m.ChangeType == o.ChangeType &&
		m.Confidence == o.Confidence &&
		m.Notes == o.Notes &&
		m.Source == o.Source
}

const mappingColumns = `id, old_section_id, new_section_id, change_type, confidence, COALESCE(notes, ''),
	source, version, active, created_at, COALESCE(superseded_at, '')`

func scanMapping(sc interface{ Scan(...any) error }) (*Mapping, error) {
	m := &Mapping{}
	var changeType, source string
	var active int
	if err := sc.Scan(&m.ID, &m.OldSectionID, &m.NewSectionID, &changeType, &m.Confidence, &m.Notes,
		&source, &m.Version, &active, &m.CreatedAt, &m.SupersededAt); err != nil {
		return nil, err
	}
	m.ChangeType = ChangeType(changeType)
	m.Source = MappingSource(source)
	m.Active = active == 1
	return m, nil
}

// PutMapping writes m as the new active version for its old section.
//
// An identical active row is left alone. An active row from a higher
// precedence source is kept. Otherwise the current row is superseded and m is
// inserted with the next version number. The returned mapping is whichever row
// is active afterwards; changed reports whether a new version was written.
func (s *Store) PutMapping(ctx context.Context, m Mapping) (*Mapping, bool, error) {
	var result *Mapping
	var changed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := scanMapping(tx.QueryRowContext(ctx,
			"SELECT "+mappingColumns+" FROM equivalence_mappings WHERE old_section_id = ? COLLATE NOCASE AND active = 1",
			m.OldSectionID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			current = nil
		case err != nil:
			return fmt.Errorf("loading active mapping: %w", err)
		}

		if current != nil {
			if current.sameContent(m) || m.Source.Precedence() < current.Source.Precedence() {
				result = current
				return nil
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE equivalence_mappings SET active = 0, superseded_at = CURRENT_TIMESTAMP
				WHERE id = ?`, current.ID); err != nil {
				return fmt.Errorf("superseding mapping %d: %w", current.ID, err)
			}
		}

		var next int
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(version), 0) + 1 FROM equivalence_mappings WHERE old_section_id = ? COLLATE NOCASE",
			m.OldSectionID).Scan(&next); err != nil {
			return fmt.Errorf("computing next version: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO equivalence_mappings
				(old_section_id, new_section_id, change_type, confidence, notes, source, version, active)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		`, m.OldSectionID, m.NewSectionID, string(m.ChangeType), m.Confidence, m.Notes, string(m.Source), next)
		if err != nil {
			return fmt.Errorf("inserting mapping: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		result, err = scanMapping(tx.QueryRowContext(ctx,
			"SELECT "+mappingColumns+" FROM equivalence_mappings WHERE id = ?", id))
		if err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

// ActiveMapping returns the active mapping for an old section id.
func (s *Store) ActiveMapping(ctx context.Context, oldSectionID string) (*Mapping, error) {
	m, err := scanMapping(s.db.QueryRowContext(ctx,
		"SELECT "+mappingColumns+" FROM equivalence_mappings WHERE old_section_id = ? COLLATE NOCASE AND active = 1",
		oldSectionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// ListActiveMappings returns every active mapping ordered by old section id.
func (s *Store) ListActiveMappings(ctx context.Context) ([]Mapping, error) {
	return s.queryMappings(ctx,
		"SELECT "+mappingColumns+" FROM equivalence_mappings WHERE active = 1 ORDER BY old_section_id")
}

// MappingHistory returns every version recorded for an old section, oldest first.
func (s *Store) MappingHistory(ctx context.Context, oldSectionID string) ([]Mapping, error) {
	return s.queryMappings(ctx,
		"SELECT "+mappingColumns+" FROM equivalence_mappings WHERE old_section_id = ? COLLATE NOCASE ORDER BY version",
		oldSectionID)
}

func (s *Store) queryMappings(ctx context.Context, query string, args ...interface{}) ([]Mapping, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
