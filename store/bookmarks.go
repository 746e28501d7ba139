package store

import (
	"context"
	"database/sql"
	"errors"
)

// Bookmark is a saved section with free-form notes.
type Bookmark struct {
	ID        string `json:"id"`
	SectionID string `json:"section_id"`
	Title     string `json:"title"`
	Notes     string `json:"notes,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

const bookmarkColumns = "id, section_id, title, COALESCE(notes, ''), created_at, updated_at"

// CreateBookmark inserts a bookmark. The caller supplies the id.
func (s *Store) CreateBookmark(ctx context.Context, b Bookmark) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bookmarks (id, section_id, title, notes) VALUES (?, ?, ?, ?)
	`, b.ID, b.SectionID, b.Title, b.Notes)
	return err
}

// GetBookmark retrieves a bookmark by id.
func (s *Store) GetBookmark(ctx context.Context, id string) (*Bookmark, error) {
	b := &Bookmark{}
	err := s.db.QueryRowContext(ctx, "SELECT "+bookmarkColumns+" FROM bookmarks WHERE id = ?", id).
		Scan(&b.ID, &b.SectionID, &b.Title, &b.Notes, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListBookmarks returns all bookmarks, newest first.
func (s *Store) ListBookmarks(ctx context.Context) ([]Bookmark, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+bookmarkColumns+" FROM bookmarks ORDER BY created_at DESC, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bookmark
	for rows.Next() {
		var b Bookmark
		if err := rows.Scan(&b.ID, &b.SectionID, &b.Title, &b.Notes, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateBookmark replaces the title and notes of an existing bookmark.
func (s *Store) UpdateBookmark(ctx context.Context, id, title, notes string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bookmarks SET title = ?, notes = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, title, notes, id)
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

// DeleteBookmark removes a bookmark.
func (s *Store) DeleteBookmark(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM bookmarks WHERE id = ?", id)
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
