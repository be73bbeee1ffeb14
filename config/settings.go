package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/sonde/dbopen"
)

// SettingsSchema holds per-user adapter settings.
const SettingsSchema = `
CREATE TABLE IF NOT EXISTS user_settings (
	user_id    TEXT NOT NULL,
	section    TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, section, key)
);
`

// Setting is one stored user value.
type Setting struct {
	Section   string    `json:"section"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SettingsStore keeps per-user adapter settings in SQLite.
type SettingsStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSettingsStore wraps db. The schema must already be applied.
func NewSettingsStore(db *sql.DB, logger *slog.Logger) *SettingsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsStore{db: db, logger: logger}
}

// GetUserConfig returns the user's value for section.key, or def. Read
// errors are logged and yield def.
func (s *SettingsStore) GetUserConfig(ctx context.Context, userID, section, key, def string) string {
	if userID == "" {
		return def
	}
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM user_settings WHERE user_id = ? AND section = ? AND key = ?`,
		userID, section, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return def
	}
	if err != nil {
		s.logger.Warn("settings: read failed", "user", userID, "section", section, "key", key, "error", err)
		return def
	}
	return v
}

// Set upserts a user value.
func (s *SettingsStore) Set(ctx context.Context, userID, section, key, value string) error {
	if userID == "" || section == "" || key == "" {
		return fmt.Errorf("settings: user, section and key are required")
	}
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO user_settings (user_id, section, key, value, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, section, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, section, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("settings: set: %w", err)
	}
	return nil
}

// Delete removes a user value.
func (s *SettingsStore) Delete(ctx context.Context, userID, section, key string) error {
	_, err := dbopen.Exec(ctx, s.db,
		`DELETE FROM user_settings WHERE user_id = ? AND section = ? AND key = ?`,
		userID, section, key)
	if err != nil {
		return fmt.Errorf("settings: delete: %w", err)
	}
	return nil
}

// List returns every value stored for userID.
func (s *SettingsStore) List(ctx context.Context, userID string) ([]Setting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT section, key, value, updated_at FROM user_settings WHERE user_id = ? ORDER BY section, key`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("settings: list: %w", err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var st Setting
		var ms int64
		if err := rows.Scan(&st.Section, &st.Key, &st.Value, &ms); err != nil {
			return nil, fmt.Errorf("settings: scan: %w", err)
		}
		st.UpdatedAt = time.UnixMilli(ms)
		out = append(out, st)
	}
	return out, rows.Err()
}
