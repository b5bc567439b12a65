package trigger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSubscriptionNotFound is returned when no subscription exists for an ID.
var ErrSubscriptionNotFound = errors.New("subscription not found")

const subscriptionSchema = `
CREATE TABLE IF NOT EXISTS trigger_subscriptions (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	config     TEXT NOT NULL DEFAULT '{}',
	prompt     TEXT NOT NULL DEFAULT '',
	active     INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);
`

// SubscriptionStore persists dynamic trigger subscriptions in SQLite.
type SubscriptionStore struct {
	db *sql.DB
}

// NewSubscriptionStore ensures the trigger_subscriptions table exists.
func NewSubscriptionStore(db *sql.DB) (*SubscriptionStore, error) {
	if _, err := db.Exec(subscriptionSchema); err != nil {
		return nil, fmt.Errorf("create trigger schema: %w", err)
	}
	return &SubscriptionStore{db: db}, nil
}

// Create persists a new active subscription and returns it.
func (s *SubscriptionStore) Create(typ string, config map[string]string, prompt string) (*Subscription, error) {
	sub := &Subscription{
		ID:        uuid.NewString()[:8],
		Type:      typ,
		Config:    config,
		Prompt:    prompt,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	cfg, _ := json.Marshal(config)
	_, err := s.db.Exec(
		`INSERT INTO trigger_subscriptions (id, type, config, prompt, active, created_at)
		 VALUES (?,?,?,?,1,?)`,
		sub.ID, sub.Type, string(cfg), sub.Prompt, sub.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert subscription: %w", err)
	}
	return sub, nil
}

// Delete removes a subscription. Returns ErrSubscriptionNotFound if no row
// was deleted.
func (s *SubscriptionStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM trigger_subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	return nil
}

// SetActive enables or disables a subscription without deleting it.
func (s *SubscriptionStore) SetActive(id string, active bool) error {
	res, err := s.db.Exec(
		`UPDATE trigger_subscriptions SET active = ? WHERE id = ?`, active, id,
	)
	if err != nil {
		return fmt.Errorf("set subscription %s active: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	return nil
}

// ListActive returns all active subscriptions, oldest first.
func (s *SubscriptionStore) ListActive() ([]*Subscription, error) {
	return s.list(`SELECT id, type, config, prompt, active, created_at
		FROM trigger_subscriptions WHERE active = 1 ORDER BY created_at ASC`)
}

// ListAll returns every subscription including inactive ones.
func (s *SubscriptionStore) ListAll() ([]*Subscription, error) {
	return s.list(`SELECT id, type, config, prompt, active, created_at
		FROM trigger_subscriptions ORDER BY created_at ASC`)
}

func (s *SubscriptionStore) list(query string) ([]*Subscription, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		var sub Subscription
		var cfgJSON string
		if err := rows.Scan(&sub.ID, &sub.Type, &cfgJSON, &sub.Prompt, &sub.Active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(cfgJSON), &sub.Config)
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}
