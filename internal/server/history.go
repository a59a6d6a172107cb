package server

import (
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openmirror/syncbox/internal/db"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS commits (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	client_id   TEXT NOT NULL,
	mode        TEXT NOT NULL,
	uploaded    INTEGER NOT NULL,
	deleted     INTEGER NOT NULL,
	new_version INTEGER NOT NULL,
	digest      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commits_created_at ON commits(created_at);
`

// CommitRecord is one committed session in the history store.
type CommitRecord struct {
	ID         int64     `db:"id" json:"id"`
	SessionID  string    `db:"session_id" json:"session_id"`
	ClientID   string    `db:"client_id" json:"client_id"`
	Mode       string    `db:"mode" json:"mode"`
	Uploaded   int       `db:"uploaded" json:"uploaded"`
	Deleted    int       `db:"deleted" json:"deleted"`
	NewVersion int64     `db:"new_version" json:"new_version"`
	Digest     string    `db:"digest" json:"digest"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// History is the sqlite-backed commit audit log. Recording is
// best-effort; a failed write never fails a session.
type History struct {
	db *sqlx.DB
}

func OpenHistory(path string) (*History, error) {
	conn, err := db.NewSqliteDB(db.WithPath(path))
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(historySchema); err != nil {
		conn.Close()
		return nil, err
	}
	return &History{db: conn}, nil
}

func (h *History) Record(rec *CommitRecord) {
	_, err := h.db.NamedExec(`
		INSERT INTO commits (session_id, client_id, mode, uploaded, deleted, new_version, digest, created_at)
		VALUES (:session_id, :client_id, :mode, :uploaded, :deleted, :new_version, :digest, :created_at)`,
		rec)
	if err != nil {
		slog.Warn("failed to record commit history", "error", err)
	}
}

func (h *History) Recent(limit int) ([]CommitRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []CommitRecord
	err := h.db.Select(&recs, `
		SELECT * FROM commits ORDER BY id DESC LIMIT ?`, limit)
	return recs, err
}

func (h *History) Close() error {
	return h.db.Close()
}
