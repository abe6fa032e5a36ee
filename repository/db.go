// Package repository is the sqlx-backed data access layer over the index
// database described in spec.md §6.3: items/files/setters/item_data/
// data_jobs/data_log plus the cascade-delete bookkeeping the extraction
// engine depends on.
package repository

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/reasv/panoptikon-go/log"
)

var logger = log.Default().With("repository")

// IndexSchema creates the tables the core reads/writes if they do not
// already exist. Unlike the teacher's DROP-then-CREATE job table (built for
// a one-shot archive import), the index DB is long-lived and accumulates
// scan/extraction state across runs, so this is idempotent IF NOT EXISTS
// DDL instead.
const IndexSchema = `
CREATE TABLE IF NOT EXISTS items (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	sha256           TEXT NOT NULL UNIQUE,
	md5              TEXT NOT NULL DEFAULT '',
	type             TEXT NOT NULL,
	size             INTEGER NOT NULL DEFAULT 0,
	width            INTEGER NOT NULL DEFAULT 0,
	height           INTEGER NOT NULL DEFAULT 0,
	duration         REAL NOT NULL DEFAULT 0,
	audio_tracks     INTEGER NOT NULL DEFAULT 0,
	video_tracks     INTEGER NOT NULL DEFAULT 0,
	subtitle_tracks  INTEGER NOT NULL DEFAULT 0,
	time_added       TEXT NOT NULL,
	blurhash         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS files (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	sha256           TEXT NOT NULL,
	item_id          INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	path             TEXT NOT NULL UNIQUE,
	filename         TEXT NOT NULL,
	last_modified    TEXT NOT NULL,
	scan_id          INTEGER NOT NULL DEFAULT 0,
	available        INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS files_by_item ON files(item_id);
CREATE INDEX IF NOT EXISTS files_by_sha256 ON files(sha256);

CREATE TABLE IF NOT EXISTS setters (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS data_jobs (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	completed INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS data_log (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	data_job_id        INTEGER REFERENCES data_jobs(id) ON DELETE SET NULL,
	setter_name        TEXT NOT NULL,
	start_time         INTEGER NOT NULL,
	end_time           INTEGER,
	items_processed    INTEGER NOT NULL DEFAULT 0,
	texts_processed    INTEGER NOT NULL DEFAULT 0,
	items_failed       INTEGER NOT NULL DEFAULT 0,
	items_remaining    INTEGER NOT NULL DEFAULT 0,
	data_load_time_ms  INTEGER NOT NULL DEFAULT 0,
	inference_time_ms  INTEGER NOT NULL DEFAULT 0,
	completed          INTEGER NOT NULL DEFAULT 0,
	batches            INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS item_data (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id        INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	job_id         INTEGER REFERENCES data_jobs(id) ON DELETE CASCADE,
	setter_id      INTEGER NOT NULL REFERENCES setters(id),
	data_type      TEXT NOT NULL,
	idx            INTEGER NOT NULL DEFAULT 0,
	source_id      INTEGER REFERENCES item_data(id) ON DELETE CASCADE,
	is_origin      INTEGER,
	is_placeholder INTEGER NOT NULL DEFAULT 0,
	UNIQUE(item_id, setter_id, data_type, idx, is_origin),
	UNIQUE(item_id, setter_id, data_type, idx, source_id)
);
CREATE INDEX IF NOT EXISTS item_data_by_item ON item_data(item_id);
CREATE INDEX IF NOT EXISTS item_data_by_job ON item_data(job_id);
CREATE INDEX IF NOT EXISTS item_data_by_setter ON item_data(setter_id, data_type);

CREATE TABLE IF NOT EXISTS extracted_text (
	id                  INTEGER PRIMARY KEY REFERENCES item_data(id) ON DELETE CASCADE,
	language            TEXT NOT NULL DEFAULT '',
	language_confidence REAL NOT NULL DEFAULT 0,
	confidence          REAL NOT NULL DEFAULT 0,
	text                TEXT NOT NULL DEFAULT '',
	text_length         INTEGER NOT NULL DEFAULT 0
);

CREATE VIRTUAL TABLE IF NOT EXISTS extracted_text_fts USING fts5(
	text, content='extracted_text', content_rowid='id'
);
CREATE TRIGGER IF NOT EXISTS extracted_text_ai AFTER INSERT ON extracted_text BEGIN
	INSERT INTO extracted_text_fts(rowid, text) VALUES (new.id, new.text);
END;
CREATE TRIGGER IF NOT EXISTS extracted_text_ad AFTER DELETE ON extracted_text BEGIN
	INSERT INTO extracted_text_fts(extracted_text_fts, rowid, text) VALUES('delete', old.id, old.text);
END;
CREATE TRIGGER IF NOT EXISTS extracted_text_au AFTER UPDATE ON extracted_text BEGIN
	INSERT INTO extracted_text_fts(extracted_text_fts, rowid, text) VALUES('delete', old.id, old.text);
	INSERT INTO extracted_text_fts(rowid, text) VALUES (new.id, new.text);
END;

CREATE VIRTUAL TABLE IF NOT EXISTS files_path_fts USING fts5(
	path, filename, content='files', content_rowid='id'
);

CREATE TABLE IF NOT EXISTS tags (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace TEXT NOT NULL,
	name      TEXT NOT NULL,
	UNIQUE(namespace, name)
);

CREATE TABLE IF NOT EXISTS tags_items (
	item_id    INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	tag_id     INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
	setter_id  INTEGER NOT NULL REFERENCES setters(id),
	confidence REAL NOT NULL DEFAULT 1.0,
	PRIMARY KEY (item_id, tag_id, setter_id)
);

CREATE TABLE IF NOT EXISTS embeddings (
	id        INTEGER PRIMARY KEY REFERENCES item_data(id) ON DELETE CASCADE,
	embedding BLOB NOT NULL
);
`

// Open opens the index database at path in sqlx, enabling WAL mode and
// foreign keys, per spec.md §5: "writer connections use WAL and an
// explicit write lock flag; read-only connections are opened with a URI
// mode modifier."
func Open(path string, readOnly bool) (*sqlx.DB, error) {
	dsn := path
	if readOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL&_foreign_keys=on", path)
	} else {
		dsn = fmt.Sprintf("file:%s?mode=rwc&_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	}

	db, err := sqlx.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open index db %s: %w", path, err)
	}
	if !readOnly {
		db.SetMaxOpenConns(1) // funnel writes through exactly one connection, per spec.md §5
	}
	return db, nil
}

// InitSchema creates the index database schema if it does not exist.
func InitSchema(db *sqlx.DB) error {
	if _, err := db.Exec(IndexSchema); err != nil {
		return fmt.Errorf("init index schema: %w", err)
	}
	return nil
}
