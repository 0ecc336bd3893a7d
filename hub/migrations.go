package hub

import (
	"database/sql"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// DDL for the authoritative store.
//
// Entity tables carry no secondary ART index on updated_at: DuckDB turns an
// UPDATE of an indexed column into delete+insert, and every push write
// advances updated_at. Delta scans on updated_at are served by DuckDB's
// per-segment min/max zonemaps instead.
const (
	DDLCreateFoldersTable = `
	CREATE TABLE IF NOT EXISTS folders (
		id BIGINT PRIMARY KEY DEFAULT nextval('folders_id_seq'),
		user_id VARCHAR NOT NULL,
		client_id VARCHAR NOT NULL DEFAULT '',
		name VARCHAR NOT NULL,
		parent_id BIGINT,
		last_mutation_id VARCHAR NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	)`

	DDLCreateNotesTable = `
	CREATE TABLE IF NOT EXISTS notes (
		id BIGINT PRIMARY KEY DEFAULT nextval('notes_id_seq'),
		user_id VARCHAR NOT NULL,
		client_id VARCHAR NOT NULL DEFAULT '',
		title VARCHAR NOT NULL DEFAULT '',
		content VARCHAR NOT NULL DEFAULT '',
		folder_id BIGINT,
		available_offline BOOLEAN NOT NULL DEFAULT false,
		last_mutation_id VARCHAR NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	)`

	DDLCreateTagsTable = `
	CREATE TABLE IF NOT EXISTS tags (
		id BIGINT PRIMARY KEY DEFAULT nextval('tags_id_seq'),
		user_id VARCHAR NOT NULL,
		name VARCHAR NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (user_id, name)
	)`

	// note_tags has no key constraint; links are diffed before writing so a
	// pair is never deleted and re-inserted inside one transaction.
	DDLCreateNoteTagsTable = `
	CREATE TABLE IF NOT EXISTS note_tags (
		note_id BIGINT NOT NULL,
		tag_id BIGINT NOT NULL
	)`

	DDLCreateChangeLogTable = `
	CREATE TABLE IF NOT EXISTS change_log (
		id BIGINT PRIMARY KEY DEFAULT nextval('change_log_id_seq'),
		user_id VARCHAR NOT NULL,
		entity_type VARCHAR NOT NULL,
		entity_id BIGINT NOT NULL,
		action VARCHAR NOT NULL,
		logged_at TIMESTAMP NOT NULL
	)`
)

// migrate creates sequences, tables and indexes. Safe to run on every open.
func migrate(db *sql.DB) error {
	sequences := []string{
		"CREATE SEQUENCE IF NOT EXISTS folders_id_seq START 1",
		"CREATE SEQUENCE IF NOT EXISTS notes_id_seq START 1",
		"CREATE SEQUENCE IF NOT EXISTS tags_id_seq START 1",
		"CREATE SEQUENCE IF NOT EXISTS change_log_id_seq START 1",
	}
	for _, seqSQL := range sequences {
		if _, err := db.Exec(seqSQL); err != nil {
			return serr.Wrap(err, "failed to create sequence")
		}
	}

	tables := []struct {
		name string
		ddl  string
	}{
		{"folders", DDLCreateFoldersTable},
		{"notes", DDLCreateNotesTable},
		{"tags", DDLCreateTagsTable},
		{"note_tags", DDLCreateNoteTagsTable},
		{"change_log", DDLCreateChangeLogTable},
	}
	for _, tbl := range tables {
		if _, err := db.Exec(tbl.ddl); err != nil {
			return serr.Wrap(err, "failed to create "+tbl.name+" table")
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_change_log_user_action_time ON change_log(user_id, action, logged_at)",
		"CREATE INDEX IF NOT EXISTS idx_note_tags_note ON note_tags(note_id)",
		// client_id is written once at insert, so these never churn on update
		"CREATE INDEX IF NOT EXISTS idx_notes_user_client ON notes(user_id, client_id)",
		"CREATE INDEX IF NOT EXISTS idx_folders_user_client ON folders(user_id, client_id)",
	}
	for _, idxSQL := range indexes {
		if _, err := db.Exec(idxSQL); err != nil {
			// An index is an optimization; the store still works without it
			logger.LogErr(err, "failed to create index", "sql", idxSQL)
		}
	}

	return nil
}
