// Package translog provides transcript persistence using SQLite: one row
// per completed turn, recorded only when logging is enabled. It is purely
// observational; no session state is ever restored from it.
package translog

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Turn is one recorded chat-completion turn.
type Turn struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Reset     bool      `json:"reset"`
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages turn persistence in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode keeps readers cheap while turns stream in.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			reset      INTEGER NOT NULL DEFAULT 0,
			query      TEXT NOT NULL,
			response   TEXT NOT NULL DEFAULT '',
			error      TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_turns_session_id
			ON turns(session_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddTurn inserts a turn and fills in its ID.
func (s *Store) AddTurn(turn *Turn) error {
	result, err := s.db.Exec(
		`INSERT INTO turns (session_id, reset, query, response, error, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.SessionID, turn.Reset, turn.Query, turn.Response, turn.Error,
		turn.LatencyMS, turn.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	turn.ID = id
	return nil
}

// SessionTurns returns a session's turns, oldest first.
func (s *Store) SessionTurns(sessionID string) ([]*Turn, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, reset, query, response, error, latency_ms, created_at
		 FROM turns WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTurns(rows)
}

// RecentTurns returns the newest turns across all sessions.
func (s *Store) RecentTurns(limit int) ([]*Turn, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, reset, query, response, error, latency_ms, created_at
		 FROM turns ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]*Turn, error) {
	var turns []*Turn
	for rows.Next() {
		t := &Turn{}
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Reset, &t.Query, &t.Response,
			&t.Error, &t.LatencyMS, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
