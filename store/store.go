package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrUnitImmutable is returned when a unit id is re-added with different text.
	ErrUnitImmutable = errors.New("store: unit text is immutable once indexed")
)

// LawFamily classifies a document as belonging to the old or new statute code.
type LawFamily string

const (
	FamilyOld   LawFamily = "old-code"
	FamilyNew   LawFamily = "new-code"
	FamilyOther LawFamily = "other"
)

// ParseLawFamily accepts the canonical names plus a few common aliases.
func ParseLawFamily(s string) (LawFamily, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "old-code", "old", "old_code":
		return FamilyOld, nil
	case "new-code", "new", "new_code":
		return FamilyNew, nil
	case "other", "":
		return FamilyOther, nil
	}
	return "", fmt.Errorf("unknown law family %q", s)
}

// Document represents a row in the documents table.
type Document struct {
	ID          string    `json:"document_id"`
	Title       string    `json:"title"`
	Code        string    `json:"code"`
	LawFamily   LawFamily `json:"law_family"`
	Version     int       `json:"version"`
	ContentHash string    `json:"content_hash"`
	SourcePath  string    `json:"source_path,omitempty"`
	Status      string    `json:"status"`
	Metadata    string    `json:"metadata,omitempty"`
	IngestedAt  string    `json:"ingested_at"`
}

// Unit represents a row in the units table. Embedding is only populated
// between embedding and insertion; it is not read back with the unit.
type Unit struct {
	RowID        int64     `json:"-"`
	ID           string    `json:"unit_id"`
	DocumentID   string    `json:"document_id"`
	SectionLabel string    `json:"section_label,omitempty"`
	PageNumber   int       `json:"page_number"`
	Position     int       `json:"position"`
	Text         string    `json:"text"`
	ContentHash  string    `json:"content_hash"`
	Embedding    []float32 `json:"embedding,omitempty"`
}

// UnitRecord is a unit joined with its owning document's citation fields.
type UnitRecord struct {
	Unit
	Title     string    `json:"title"`
	Code      string    `json:"code"`
	LawFamily LawFamily `json:"law_family"`
}

// SectionID returns the "<code>-<label>" identifier, or "" for unlabelled units.
func (r UnitRecord) SectionID() string {
	if r.SectionLabel == "" || r.Code == "" {
		return ""
	}
	return r.Code + "-" + r.SectionLabel
}

// Filter restricts vector and keyword search. Zero fields match everything.
type Filter struct {
	LawFamily    LawFamily `json:"law_family,omitempty"`
	DocumentID   string    `json:"document_id,omitempty"`
	Code         string    `json:"code,omitempty"`
	SectionLabel string    `json:"section_label,omitempty"`
}

// Matches reports whether a unit with the given attributes passes the filter.
func (f Filter) Matches(family LawFamily, documentID, code, sectionLabel string) bool {
	if f.LawFamily != "" && f.LawFamily != family {
		return false
	}
	if f.DocumentID != "" && f.DocumentID != documentID {
		return false
	}
	if f.Code != "" && !strings.EqualFold(f.Code, code) {
		return false
	}
	if f.SectionLabel != "" && !strings.EqualFold(f.SectionLabel, sectionLabel) {
		return false
	}
	return true
}

// VectorEntry is a persisted vector with the attributes needed for filtering.
type VectorEntry struct {
	RowID        int64
	UnitID       string
	DocumentID   string
	Code         string
	SectionLabel string
	LawFamily    LawFamily
	Embedding    []float32
}

// Hit is a search hit before hydration.
type Hit struct {
	UnitID     string  `json:"unit_id"`
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
}

// QueryLog represents a row in the query_log table.
type QueryLog struct {
	ID              string      `json:"id"`
	Query           string      `json:"query"`
	Answer          string      `json:"answer"`
	Status          string      `json:"status"`
	Confidence      float64     `json:"confidence"`
	Citations       interface{} `json:"citations"`
	Stripped        []string    `json:"stripped"`
	RetrievalMethod string      `json:"retrieval_method"`
	ModelUsed       string      `json:"model_used"`
}

// Store wraps the SQLite database for all lawbridge persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including sqlite-vec and FTS5 virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.upgradeSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrading schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Index metadata ---

// GetMeta returns the value stored under key and whether it exists.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM index_meta WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetMeta stores value under key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO index_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// --- Document operations ---

const documentColumns = `document_id, title, code, law_family, version, content_hash,
	COALESCE(source_path, ''), status, metadata, ingested_at`

func scanDocument(sc interface{ Scan(...any) error }) (*Document, error) {
	d := &Document{}
	var metadata sql.NullString
	var family string
	if err := sc.Scan(&d.ID, &d.Title, &d.Code, &family, &d.Version, &d.ContentHash,
		&d.SourcePath, &d.Status, &metadata, &d.IngestedAt); err != nil {
		return nil, err
	}
	d.LawFamily = LawFamily(family)
	d.Metadata = metadata.String
	return d, nil
}

// PutDocument inserts or replaces a document record.
func (s *Store) PutDocument(ctx context.Context, doc Document) error {
	var metadata interface{}
	if doc.Metadata != "" {
		metadata = doc.Metadata
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (document_id, title, code, law_family, version, content_hash, source_path, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			title = excluded.title,
			code = excluded.code,
			law_family = excluded.law_family,
			version = excluded.version,
			content_hash = excluded.content_hash,
			source_path = excluded.source_path,
			status = excluded.status,
			metadata = excluded.metadata,
			ingested_at = CURRENT_TIMESTAMP
	`, doc.ID, doc.Title, doc.Code, string(doc.LawFamily), doc.Version, doc.ContentHash,
		doc.SourcePath, doc.Status, metadata)
	return err
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE document_id = ?", id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// GetDocumentByPath retrieves the document ingested from the given file path.
func (s *Store) GetDocumentByPath(ctx context.Context, path string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE source_path = ?", path)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// ListDocuments returns all documents ordered by id.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+documentColumns+" FROM documents ORDER BY document_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// UpdateDocumentStatus updates just the status field.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE documents SET status = ? WHERE document_id = ?", status, id)
	return err
}

// DeleteDocument removes a document together with its units and vectors.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := deleteUnitsTx(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE document_id = ?", id)
		return err
	})
}

// --- Unit operations ---

// UnitHashes returns the content hash of every given unit id that already exists.
func (s *Store) UnitHashes(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT unit_id, content_hash FROM units WHERE unit_id IN (?"+repeatPlaceholders(len(ids)-1)+")", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		out[id] = hash
	}
	return out, rows.Err()
}

// InsertUnits stores units and their embeddings in a single transaction.
// A unit id that already exists with the same content hash is skipped; a
// different hash fails with ErrUnitImmutable and nothing is written.
// It returns the vector entries that were actually inserted.
func (s *Store) InsertUnits(ctx context.Context, units []Unit) ([]VectorEntry, error) {
	var inserted []VectorEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = s.insertUnitsTx(ctx, tx, units)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *Store) insertUnitsTx(ctx context.Context, tx *sql.Tx, units []Unit) ([]VectorEntry, error) {
	var inserted []VectorEntry
	docs := make(map[string]*Document)
	for _, u := range units {
		var existing string
		err := tx.QueryRowContext(ctx, "SELECT content_hash FROM units WHERE unit_id = ?", u.ID).Scan(&existing)
		switch {
		case err == nil:
			if existing != u.ContentHash {
				return nil, fmt.Errorf("%w: %s", ErrUnitImmutable, u.ID)
			}
			continue
		case !errors.Is(err, sql.ErrNoRows):
			return nil, err
		}
		if len(u.Embedding) != s.embeddingDim {
			return nil, fmt.Errorf("unit %s: embedding has %d dims, index expects %d", u.ID, len(u.Embedding), s.embeddingDim)
		}

		doc, ok := docs[u.DocumentID]
		if !ok {
			doc, err = scanDocument(tx.QueryRowContext(ctx,
				"SELECT "+documentColumns+" FROM documents WHERE document_id = ?", u.DocumentID))
			if err != nil {
				return nil, fmt.Errorf("unit %s: loading document %s: %w", u.ID, u.DocumentID, err)
			}
			docs[u.DocumentID] = doc
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO units (unit_id, document_id, section_label, page_number, position, text, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, u.ID, u.DocumentID, u.SectionLabel, u.PageNumber, u.Position, u.Text, u.ContentHash)
		if err != nil {
			return nil, err
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vec_units (unit_rowid, embedding, law_family, document_id, code, section_label)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rowID, serializeFloat32(u.Embedding), string(doc.LawFamily), u.DocumentID, doc.Code, u.SectionLabel); err != nil {
			return nil, err
		}
		inserted = append(inserted, VectorEntry{
			RowID:        rowID,
			UnitID:       u.ID,
			DocumentID:   u.DocumentID,
			Code:         doc.Code,
			SectionLabel: u.SectionLabel,
			LawFamily:    doc.LawFamily,
			Embedding:    u.Embedding,
		})
	}
	return inserted, nil
}

// DeleteUnitsByDocument removes every unit and vector owned by a document and
// returns the number of units removed.
func (s *Store) DeleteUnitsByDocument(ctx context.Context, documentID string) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM units WHERE document_id = ?", documentID).Scan(&n); err != nil {
			return err
		}
		return deleteUnitsTx(ctx, tx, documentID)
	})
	return n, err
}

func deleteUnitsTx(ctx context.Context, tx *sql.Tx, documentID string) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM vec_units WHERE unit_rowid IN (
			SELECT id FROM units WHERE document_id = ?
		)`, documentID); err != nil {
		return err
	}
	// Triggers clean up FTS.
	_, err := tx.ExecContext(ctx, "DELETE FROM units WHERE document_id = ?", documentID)
	return err
}

// UnitVersionPrefix is the unit id prefix shared by every unit of one
// document version.
func UnitVersionPrefix(documentID string, version int) string {
	return fmt.Sprintf("%s@%d#", documentID, version)
}

// ReplaceDocumentUnits inserts the units of a new document version and, in
// the same transaction, removes the units and vectors of every other version.
// It returns the inserted vector entries and the number of units removed.
func (s *Store) ReplaceDocumentUnits(ctx context.Context, documentID string, version int, units []Unit) ([]VectorEntry, int64, error) {
	prefix := UnitVersionPrefix(documentID, version)
	plen := utf8.RuneCountInString(prefix)
	var inserted []VectorEntry
	var removed int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, u := range units {
			if u.DocumentID != documentID || !strings.HasPrefix(u.ID, prefix) {
				return fmt.Errorf("unit %s does not belong to %s", u.ID, prefix)
			}
		}
		var err error
		if inserted, err = s.insertUnitsTx(ctx, tx, units); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM units WHERE document_id = ? AND substr(unit_id, 1, ?) != ?",
			documentID, plen, prefix).Scan(&removed); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_units WHERE unit_rowid IN (
				SELECT id FROM units WHERE document_id = ? AND substr(unit_id, 1, ?) != ?
			)`, documentID, plen, prefix); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"DELETE FROM units WHERE document_id = ? AND substr(unit_id, 1, ?) != ?",
			documentID, plen, prefix)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return inserted, removed, nil
}

const unitRecordColumns = `u.id, u.unit_id, u.document_id, u.section_label, u.page_number, u.position,
	u.text, u.content_hash, d.title, d.code, d.law_family`

func scanUnitRecord(sc interface{ Scan(...any) error }) (UnitRecord, error) {
	var r UnitRecord
	var family string
	err := sc.Scan(&r.RowID, &r.ID, &r.DocumentID, &r.SectionLabel, &r.PageNumber, &r.Position,
		&r.Text, &r.ContentHash, &r.Title, &r.Code, &family)
	r.LawFamily = LawFamily(family)
	return r, err
}

// GetUnitRecords returns the units with the given ids keyed by unit id.
// Missing ids are simply absent from the map.
func (s *Store) GetUnitRecords(ctx context.Context, ids []string) (map[string]UnitRecord, error) {
	out := make(map[string]UnitRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+unitRecordColumns+`
		FROM units u JOIN documents d ON d.document_id = u.document_id
		WHERE u.unit_id IN (?`+repeatPlaceholders(len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanUnitRecord(rows)
		if err != nil {
			return nil, err
		}
		out[r.ID] = r
	}
	return out, rows.Err()
}

// ListUnitsByDocument returns all units for a document in document order.
func (s *Store) ListUnitsByDocument(ctx context.Context, documentID string) ([]Unit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, unit_id, document_id, section_label, page_number, position, text, content_hash
		FROM units WHERE document_id = ? ORDER BY position
	`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		var u Unit
		if err := rows.Scan(&u.RowID, &u.ID, &u.DocumentID, &u.SectionLabel, &u.PageNumber,
			&u.Position, &u.Text, &u.ContentHash); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// SectionUnits returns the units carrying the given code and section label,
// in document order.
func (s *Store) SectionUnits(ctx context.Context, code, label string) ([]UnitRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+unitRecordColumns+`
		FROM units u JOIN documents d ON d.document_id = u.document_id
		WHERE d.code = ? COLLATE NOCASE AND u.section_label = ? COLLATE NOCASE
		ORDER BY u.document_id, u.position
	`, code, label)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnitRecord
	for rows.Next() {
		r, err := scanUnitRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SectionIDs returns the distinct "<code>-<label>" identifiers present for a law family.
func (s *Store) SectionIDs(ctx context.Context, family LawFamily) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT d.code || '-' || u.section_label
		FROM units u JOIN documents d ON d.document_id = u.document_id
		WHERE d.law_family = ? AND u.section_label != '' AND d.code != ''
		ORDER BY 1
	`, string(family))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Vector operations ---

// LoadVectors returns every persisted vector with its filter attributes.
func (s *Store) LoadVectors(ctx context.Context) ([]VectorEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.unit_rowid, v.embedding, u.unit_id, u.document_id, u.section_label, d.code, d.law_family
		FROM vec_units v
		JOIN units u ON u.id = v.unit_rowid
		JOIN documents d ON d.document_id = u.document_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VectorEntry
	for rows.Next() {
		var e VectorEntry
		var blob []byte
		var family string
		if err := rows.Scan(&e.RowID, &blob, &e.UnitID, &e.DocumentID, &e.SectionLabel, &e.Code, &family); err != nil {
			return nil, err
		}
		e.LawFamily = LawFamily(family)
		e.Embedding = deserializeFloat32(blob)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountVectors returns the number of rows in the vector table.
func (s *Store) CountVectors(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vec_units").Scan(&n)
	return n, err
}

// CountVectorsByDocument counts vectors tagged with a document id.
func (s *Store) CountVectorsByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vec_units WHERE document_id = ?", documentID).Scan(&n)
	return n, err
}

// DanglingVectors counts vectors whose unit no longer exists.
func (s *Store) DanglingVectors(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vec_units WHERE unit_rowid NOT IN (SELECT id FROM units)").Scan(&n)
	return n, err
}

// CountUnitsByDocument returns how many units a document still owns.
func (s *Store) CountUnitsByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM units WHERE document_id = ?", documentID).Scan(&n)
	return n, err
}

// PurgeDanglingVectors deletes vectors whose unit no longer exists.
func (s *Store) PurgeDanglingVectors(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM vec_units WHERE unit_rowid NOT IN (SELECT id FROM units)")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// VectorSearch performs a cosine KNN search over vec_units, applying the
// filter as vec0 metadata constraints so that filtering happens before the
// top-k cut.
func (s *Store) VectorSearch(ctx context.Context, query []float32, k int, f Filter) ([]Hit, error) {
	conds := []string{"v.embedding MATCH ?", "k = ?"}
	args := []interface{}{serializeFloat32(query), k}
	if f.LawFamily != "" {
		conds = append(conds, "v.law_family = ?")
		args = append(args, string(f.LawFamily))
	}
	if f.DocumentID != "" {
		conds = append(conds, "v.document_id = ?")
		args = append(args, f.DocumentID)
	}
	if f.Code != "" {
		conds = append(conds, "v.code = ?")
		args = append(args, f.Code)
	}
	if f.SectionLabel != "" {
		conds = append(conds, "v.section_label = ?")
		args = append(args, f.SectionLabel)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.unit_id, u.document_id, v.distance
		FROM vec_units v
		JOIN units u ON u.id = v.unit_rowid
		WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY v.distance
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var distance float64
		if err := rows.Scan(&h.UnitID, &h.DocumentID, &distance); err != nil {
			return nil, err
		}
		// Cosine distance -> similarity.
		h.Score = 1.0 - distance
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// FTSSearch performs a full-text search using FTS5 BM25 ranking with the
// filter applied in the same statement.
func (s *Store) FTSSearch(ctx context.Context, query string, limit int, f Filter) ([]Hit, error) {
	conds := []string{"units_fts MATCH ?"}
	args := []interface{}{query}
	if f.LawFamily != "" {
		conds = append(conds, "d.law_family = ?")
		args = append(args, string(f.LawFamily))
	}
	if f.DocumentID != "" {
		conds = append(conds, "u.document_id = ?")
		args = append(args, f.DocumentID)
	}
	if f.Code != "" {
		conds = append(conds, "d.code = ? COLLATE NOCASE")
		args = append(args, f.Code)
	}
	if f.SectionLabel != "" {
		conds = append(conds, "u.section_label = ? COLLATE NOCASE")
		args = append(args, f.SectionLabel)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.unit_id, u.document_id, f.rank
		FROM units_fts f
		JOIN units u ON u.id = f.rowid
		JOIN documents d ON d.document_id = u.document_id
		WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY f.rank, u.document_id, u.unit_id
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var rank float64
		if err := rows.Scan(&h.UnitID, &h.DocumentID, &rank); err != nil {
			return nil, err
		}
		// FTS5 rank is negative BM25 (lower = better); squash into (0, 1).
		bm := -rank
		if bm < 0 {
			bm = 0
		}
		h.Score = bm / (1.0 + bm)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// --- Query log ---

// LogQuery writes an entry to the query audit log.
func (s *Store) LogQuery(ctx context.Context, q QueryLog) error {
	citationsJSON, _ := json.Marshal(q.Citations)
	strippedJSON, _ := json.Marshal(q.Stripped)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (id, query, answer, status, confidence, citations, stripped, retrieval_method, model_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.ID, q.Query, q.Answer, q.Status, q.Confidence, string(citationsJSON), string(strippedJSON),
		q.RetrievalMethod, q.ModelUsed)
	return err
}

// --- Diagnostics ---

// DBStats holds counts of key database objects.
type DBStats struct {
	Documents      int `json:"documents"`
	Units          int `json:"units"`
	Embeddings     int `json:"embeddings"`
	ActiveMappings int `json:"active_mappings"`
	MappingRows    int `json:"mapping_rows"`
	Bookmarks      int `json:"bookmarks"`
	Queries        int `json:"queries"`
	GlossaryTerms  int `json:"glossary_terms"`
}

// DBStats returns row counts for the main tables.
func (s *Store) DBStats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM units", &stats.Units},
		{"SELECT COUNT(*) FROM vec_units", &stats.Embeddings},
		{"SELECT COUNT(*) FROM equivalence_mappings WHERE active = 1", &stats.ActiveMappings},
		{"SELECT COUNT(*) FROM equivalence_mappings", &stats.MappingRows},
		{"SELECT COUNT(*) FROM bookmarks", &stats.Bookmarks},
		{"SELECT COUNT(*) FROM query_log", &stats.Queries},
		{"SELECT COUNT(*) FROM glossary_terms", &stats.GlossaryTerms},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	return strings.Repeat(", ?", n)
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// deserializeFloat32 is the inverse of serializeFloat32.
func deserializeFloat32(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
