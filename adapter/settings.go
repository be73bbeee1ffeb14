package adapter

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// ConfigSource serves static configuration by section. Adapter sections are
// named after the adapter; "global" holds defaults.
type ConfigSource interface {
	GetConfig(section, key, def string) string
	GetConfigArray(section, key string, def []string, sep string) []string
}

// UserSource serves per-user settings.
type UserSource interface {
	GetUserConfig(ctx context.Context, userID, section, key, def string) string
}

type emptyConfig struct{}

func (emptyConfig) GetConfig(_, _, def string) string { return def }
func (emptyConfig) GetConfigArray(_, _ string, def []string, _ string) []string {
	return def
}

type emptyUsers struct{}

func (emptyUsers) GetUserConfig(_ context.Context, _, _, _, def string) string { return def }

// Settings is one adapter's view of static and per-user configuration.
type Settings struct {
	section string
	locked  bool
	userID  string
	cfg     ConfigSource
	users   UserSource
}

// ForUser binds the view to userID for UserConfig.
func (s Settings) ForUser(userID string) Settings {
	s.userID = userID
	return s
}

// Config returns the adapter-section value for key, or def.
func (s Settings) Config(key, def string) string {
	if s.cfg == nil {
		return def
	}
	return s.cfg.GetConfig(s.section, key, def)
}

// ConfigArray returns the adapter-section list for key, or def.
func (s Settings) ConfigArray(key string, def []string, sep string) []string {
	if s.cfg == nil {
		return def
	}
	return s.cfg.GetConfigArray(s.section, key, def, sep)
}

// UserConfig returns the bound user's value for key, or def. Locked adapters
// and anonymous callers always get def.
func (s Settings) UserConfig(ctx context.Context, key, def string) string {
	if s.locked || s.userID == "" || s.users == nil {
		return def
	}
	return s.users.GetUserConfig(ctx, s.userID, s.section, key, def)
}

// parseTimeout accepts integer milliseconds or a Go duration string.
func parseTimeout(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms <= 0 {
			return 0, false
		}
		return time.Duration(ms) * time.Millisecond, true
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
