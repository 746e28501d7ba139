package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Statute documents with hash-based change detection
CREATE TABLE IF NOT EXISTS documents (
    document_id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    code TEXT NOT NULL DEFAULT '',
    law_family TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    content_hash TEXT NOT NULL,
    source_path TEXT,
    status TEXT DEFAULT 'processing',
    metadata JSON,
    ingested_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Addressable units of statute text (section / page spans)
CREATE TABLE IF NOT EXISTS units (
    id INTEGER PRIMARY KEY,
    unit_id TEXT NOT NULL UNIQUE,
    document_id TEXT NOT NULL REFERENCES documents(document_id) ON DELETE CASCADE,
    section_label TEXT NOT NULL DEFAULT '',
    page_number INTEGER NOT NULL DEFAULT 0,
    position INTEGER NOT NULL DEFAULT 0,
    text TEXT NOT NULL,
    content_hash TEXT NOT NULL
);

-- Vector embeddings via sqlite-vec. Metadata columns allow KNN pre-filtering.
CREATE VIRTUAL TABLE IF NOT EXISTS vec_units USING vec0(
    unit_rowid integer primary key,
    embedding float[%d] distance_metric=cosine,
    law_family text,
    document_id text,
    code text,
    section_label text
);

-- Full-text search via FTS5 (keyword retrieval)
CREATE VIRTUAL TABLE IF NOT EXISTS units_fts USING fts5(
    text,
    section_label,
    content='units',
    content_rowid='id',
    tokenize='porter unicode61'
);

-- FTS triggers to keep index in sync
CREATE TRIGGER IF NOT EXISTS units_ai AFTER INSERT ON units BEGIN
    INSERT INTO units_fts(rowid, text, section_label) VALUES (new.id, new.text, new.section_label);
END;
CREATE TRIGGER IF NOT EXISTS units_ad AFTER DELETE ON units BEGIN
    INSERT INTO units_fts(units_fts, rowid, text, section_label) VALUES ('delete', old.id, old.text, old.section_label);
END;

-- Index-wide settings (embedder identity, dimension)
CREATE TABLE IF NOT EXISTS index_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Old-law -> new-law equivalence, soft-versioned
CREATE TABLE IF NOT EXISTS equivalence_mappings (
    id INTEGER PRIMARY KEY,
    old_section_id TEXT NOT NULL,
    new_section_id TEXT NOT NULL DEFAULT '',
    change_type TEXT NOT NULL,
    confidence REAL NOT NULL,
    notes TEXT,
    source TEXT NOT NULL,
    version INTEGER NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    superseded_at DATETIME,
    UNIQUE(old_section_id, version)
);

-- Section bookmarks with notes
CREATE TABLE IF NOT EXISTS bookmarks (
    id TEXT PRIMARY KEY,
    section_id TEXT NOT NULL,
    title TEXT NOT NULL,
    notes TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Query audit log
CREATE TABLE IF NOT EXISTS query_log (
    id TEXT PRIMARY KEY,
    query TEXT NOT NULL,
    answer TEXT,
    status TEXT,
    confidence REAL,
    citations JSON,
    stripped JSON,
    retrieval_method TEXT,
    model_used TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_units_document ON units(document_id);
CREATE INDEX IF NOT EXISTS idx_units_section ON units(section_label);
CREATE INDEX IF NOT EXISTS idx_documents_code ON documents(code);
CREATE INDEX IF NOT EXISTS idx_documents_path ON documents(source_path);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_active ON equivalence_mappings(old_section_id) WHERE active = 1;
CREATE INDEX IF NOT EXISTS idx_bookmarks_section ON bookmarks(section_id);
`, embeddingDim)
}

// glossarySQL creates the legal glossary and its full-text index.
const glossarySQL = `
CREATE TABLE IF NOT EXISTS glossary_terms (
    id INTEGER PRIMARY KEY,
    term TEXT NOT NULL UNIQUE COLLATE NOCASE,
    definition TEXT NOT NULL,
    related_sections TEXT NOT NULL DEFAULT '',
    examples TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_glossary_category ON glossary_terms(category);

CREATE VIRTUAL TABLE IF NOT EXISTS glossary_fts USING fts5(
    term,
    definition,
    content='glossary_terms',
    content_rowid='id',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS glossary_ai AFTER INSERT ON glossary_terms BEGIN
    INSERT INTO glossary_fts(rowid, term, definition) VALUES (new.id, new.term, new.definition);
END;
CREATE TRIGGER IF NOT EXISTS glossary_ad AFTER DELETE ON glossary_terms BEGIN
    INSERT INTO glossary_fts(glossary_fts, rowid, term, definition) VALUES ('delete', old.id, old.term, old.definition);
END;
CREATE TRIGGER IF NOT EXISTS glossary_au AFTER UPDATE ON glossary_terms BEGIN
    INSERT INTO glossary_fts(glossary_fts, rowid, term, definition) VALUES ('delete', old.id, old.term, old.definition);
    INSERT INTO glossary_fts(rowid, term, definition) VALUES (new.id, new.term, new.definition);
END;
`
