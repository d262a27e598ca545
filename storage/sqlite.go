package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/foxcpp/mailout/status"
)

// SQLite is a durable Storage implementation backed by a SQLite
// database file. Message state survives process restarts, allowing
// delivery to resume where it stopped.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the database at path.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	// The driver does not support concurrent writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %w", err)
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY NOT NULL,
		email BLOB NOT NULL,
		status BLOB NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		retrieved INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Store(email *status.PreparedEmail, st *status.InternalMessageStatus) error {
	emailBlob, err := json.Marshal(email)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	statusBlob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO messages (message_id, email, status, completed, retrieved)
		 VALUES (?, ?, ?, ?, 0)`,
		st.MessageID, emailBlob, statusBlob, boolToInt(st.AttemptsRemaining == 0))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateStatus(st *status.InternalMessageStatus) error {
	statusBlob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	res, err := s.db.Exec(
		`UPDATE messages SET status = ?, completed = ? WHERE message_id = ?`,
		statusBlob, boolToInt(st.AttemptsRemaining == 0), st.MessageID)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Retrieve(messageID string) (*status.PreparedEmail, *status.InternalMessageStatus, error) {
	var emailBlob, statusBlob []byte
	err := s.db.QueryRow(
		`SELECT email, status FROM messages WHERE message_id = ?`, messageID).
		Scan(&emailBlob, &statusBlob)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("storage: %w", err)
	}

	email := &status.PreparedEmail{}
	if err := json.Unmarshal(emailBlob, email); err != nil {
		return nil, nil, fmt.Errorf("storage: %w", err)
	}
	st := &status.InternalMessageStatus{}
	if err := json.Unmarshal(statusBlob, st); err != nil {
		return nil, nil, fmt.Errorf("storage: %w", err)
	}
	return email, st, nil
}

func (s *SQLite) RetrieveStatus(messageID string) (*status.InternalMessageStatus, error) {
	var statusBlob []byte
	err := s.db.QueryRow(
		`SELECT status FROM messages WHERE message_id = ?`, messageID).
		Scan(&statusBlob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	st := &status.InternalMessageStatus{}
	if err := json.Unmarshal(statusBlob, st); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return st, nil
}

func (s *SQLite) RetrieveAllIncomplete() ([]*status.InternalMessageStatus, error) {
	return s.queryStatuses(`SELECT status FROM messages WHERE completed = 0`)
}

func (s *SQLite) RetrieveAllRecent() ([]*status.InternalMessageStatus, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT status FROM messages WHERE completed = 0 OR retrieved = 0`)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	out, err := scanStatuses(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`UPDATE messages SET retrieved = 1 WHERE completed = 1 AND retrieved = 0`); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return out, nil
}

func (s *SQLite) queryStatuses(query string) ([]*status.InternalMessageStatus, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return scanStatuses(rows)
}

func scanStatuses(rows *sql.Rows) ([]*status.InternalMessageStatus, error) {
	defer rows.Close()

	var out []*status.InternalMessageStatus
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		st := &status.InternalMessageStatus{}
		if err := json.Unmarshal(blob, st); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
