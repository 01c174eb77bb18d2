package cache

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"DeskChat/internal/session"
)

// Store is a local read-through copy of backend sessions, kept so the
// session list stays available when the backend is unreachable. It is
// never a source of truth for the reconciled log.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and if needed creates) the cache database at path
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	createSessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT,
		created_at DATETIME
	);`

	createMessagesTable := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER,
		session_id TEXT,
		content TEXT,
		sender TEXT,
		timestamp DATETIME,
		file_url TEXT,
		file_name TEXT,
		token_count INTEGER,
		cost REAL,
		carbon_footprint REAL,
		is_flagged INTEGER DEFAULT 0,
		PRIMARY KEY (id, session_id),
		FOREIGN KEY(session_id) REFERENCES sessions(id)
	);`

	if _, err := db.Exec(createSessionsTable); err != nil {
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}
	if _, err := db.Exec(createMessagesTable); err != nil {
		return nil, fmt.Errorf("failed to create messages table: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// SaveSession upserts one session and its messages wholesale
func (s *Store) SaveSession(sess *session.Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT OR REPLACE INTO sessions (id, title, created_at) VALUES (?, ?, ?)",
		sess.ID, sess.Title, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM messages WHERE session_id = ?", sess.ID); err != nil {
		return fmt.Errorf("failed to clear cached messages: %w", err)
	}

	for _, msg := range sess.Messages {
		_, err = tx.Exec(
			`INSERT INTO messages (id, session_id, content, sender, timestamp, file_url, file_name, token_count, cost, carbon_footprint, is_flagged)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, sess.ID, msg.Content, msg.Sender, msg.Timestamp,
			msg.FileURL, msg.FileName, msg.TokenCount, msg.Cost, msg.CarbonFootprint, msg.IsFlagged,
		)
		if err != nil {
			s.logger.Warn("failed to cache message", "id", msg.ID, "error", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info("session cached", "session_id", sess.ID, "message_count", len(sess.Messages))
	return nil
}

// ListSessions returns cached session summaries, newest first, without
// their messages.
func (s *Store) ListSessions() ([]session.Session, error) {
	rows, err := s.db.Query("SELECT id, title, created_at FROM sessions ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list cached sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		var sess session.Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// LoadSession returns one cached session with its messages in stored
// order, or sql.ErrNoRows if it was never cached.
func (s *Store) LoadSession(id string) (*session.Session, error) {
	var sess session.Session
	err := s.db.QueryRow("SELECT id, title, created_at FROM sessions WHERE id = ?", id).
		Scan(&sess.ID, &sess.Title, &sess.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("session not cached: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT id, content, sender, timestamp, file_url, file_name, token_count, cost, carbon_footprint, is_flagged
		 FROM messages WHERE session_id = ? ORDER BY rowid`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load cached messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg session.Message
		var ts time.Time
		if err := rows.Scan(
			&msg.ID, &msg.Content, &msg.Sender, &ts,
			&msg.FileURL, &msg.FileName,
			&msg.TokenCount, &msg.Cost, &msg.CarbonFootprint, &msg.IsFlagged,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Timestamp = ts
		msg.Status = session.StatusConfirmed
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &sess, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}
