package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const handleSchema = `
CREATE TABLE IF NOT EXISTS session_handles (
	key        TEXT PRIMARY KEY,
	handle     TEXT NOT NULL DEFAULT '',
	inbox      TEXT NOT NULL DEFAULT '[]',
	updated_at DATETIME NOT NULL
);
`

// HandleStore persists conversation handles and buffered inboxes so
// sessions survive process restarts and registry eviction.
type HandleStore struct {
	db *sql.DB
}

// NewHandleStore ensures the session_handles table exists.
func NewHandleStore(db *sql.DB) (*HandleStore, error) {
	if _, err := db.Exec(handleSchema); err != nil {
		return nil, fmt.Errorf("create session schema: %w", err)
	}
	return &HandleStore{db: db}, nil
}

// Load returns the persisted handle and buffered inbox for a key.
// A key with no row yields an empty handle and nil inbox.
func (s *HandleStore) Load(key string) (handle string, inbox []string, err error) {
	var inboxJSON string
	err = s.db.QueryRow(
		`SELECT handle, inbox FROM session_handles WHERE key = ?`, key,
	).Scan(&handle, &inboxJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("load session %s: %w", key, err)
	}
	_ = json.Unmarshal([]byte(inboxJSON), &inbox)
	return handle, inbox, nil
}

// SaveHandle upserts the conversation handle for a key.
func (s *HandleStore) SaveHandle(key, handle string) error {
	_, err := s.db.Exec(`
		INSERT INTO session_handles (key, handle, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET handle=excluded.handle, updated_at=excluded.updated_at`,
		key, handle, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save handle %s: %w", key, err)
	}
	return nil
}

// SaveInbox upserts the buffered inbox for a key.
func (s *HandleStore) SaveInbox(key string, inbox []string) error {
	data, _ := json.Marshal(inbox)
	_, err := s.db.Exec(`
		INSERT INTO session_handles (key, inbox, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET inbox=excluded.inbox, updated_at=excluded.updated_at`,
		key, string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save inbox %s: %w", key, err)
	}
	return nil
}

// Reset removes the persisted state for a key.
func (s *HandleStore) Reset(key string) error {
	if _, err := s.db.Exec(`DELETE FROM session_handles WHERE key = ?`, key); err != nil {
		return fmt.Errorf("reset session %s: %w", key, err)
	}
	return nil
}
