// Package sqlitestore persists sessions in a single SQLite table using the
// pure-Go modernc driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
`

// Store is a SQLite-backed session backend.
type Store struct {
	db *sql.DB
}

// Open opens the database file at path and ensures the schema exists.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite at %q", path)
	}
	// one writer; in-memory databases are per-connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create sessions schema")
	}
	log.Debug().Str("component", "sqlitestore").Str("path", path).Msg("session database opened")
	return &Store{db: db}, nil
}

// LoadAll reads every session, most recently updated first.
func (s *Store) LoadAll(ctx context.Context) ([]chat.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "query sessions")
	}
	defer rows.Close()

	var out []chat.Session
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, errors.Wrap(err, "scan session row")
		}
		var session chat.Session
		if err := json.Unmarshal([]byte(payload), &session); err != nil {
			return nil, errors.Wrapf(err, "decode session %s", id)
		}
		out = append(out, session)
	}
	return out, errors.Wrap(rows.Err(), "iterate sessions")
}

// Save upserts the session row.
func (s *Store) Save(ctx context.Context, session chat.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}
	updated := session.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (id, payload, updated_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		session.ID, string(raw), updated.UnixNano())
	return errors.Wrapf(err, "save session %s", session.ID)
}

// Delete removes the session row.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return errors.Wrapf(err, "delete session %s", id)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
