// Package config loads sonde's YAML configuration and serves the section
// accessors the adapter registry resolves settings through.
//
// Layout:
//
//	server:
//	  port: "8090"
//	  data_dir: data
//	global:
//	  cacheTimeout: 1h
//	  cachePolicy: shared
//	adapters:
//	  blocklist:
//	    cacheTimeout: 600000
//	    ip: "10.0.0.1,10.0.0.2"
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GlobalSection is the section consulted when an adapter section lacks a key.
const GlobalSection = "global"

// Section is one block of free-form adapter or global settings.
type Section map[string]any

// File is the parsed configuration file.
type File struct {
	Server   Server             `yaml:"server"`
	Global   Section            `yaml:"global"`
	Adapters map[string]Section `yaml:"adapters"`
}

// Server holds process-level settings. PORT, DATA_DIR, LOG_LEVEL and
// SESSION_SECRET override the file.
type Server struct {
	Port          string        `yaml:"port"`
	DataDir       string        `yaml:"data_dir"`
	LogLevel      string        `yaml:"log_level"`
	SessionSecret string        `yaml:"session_secret"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
	WatchInterval time.Duration `yaml:"watch_interval"`
	AuditBuffer   int           `yaml:"audit_buffer"`
	// Audit records and metric samples older than these are deleted.
	AuditRetention   time.Duration `yaml:"audit_retention"`
	MetricsRetention time.Duration `yaml:"metrics_retention"`
}

// Default returns a File with every default applied.
func Default() *File {
	f := &File{}
	f.applyDefaults()
	return f
}

// Load reads path. A missing file yields Default.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes and applies defaults.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	f.applyDefaults()
	return &f, nil
}

func (f *File) applyDefaults() {
	if f.Server.Port == "" {
		f.Server.Port = "8090"
	}
	if f.Server.DataDir == "" {
		f.Server.DataDir = "data"
	}
	if f.Server.LogLevel == "" {
		f.Server.LogLevel = "info"
	}
	if f.Server.PurgeInterval <= 0 {
		f.Server.PurgeInterval = 10 * time.Minute
	}
	if f.Server.WatchInterval <= 0 {
		f.Server.WatchInterval = 2 * time.Second
	}
	if f.Server.AuditBuffer <= 0 {
		f.Server.AuditBuffer = 1000
	}
	if f.Server.AuditRetention <= 0 {
		f.Server.AuditRetention = 90 * 24 * time.Hour
	}
	if f.Server.MetricsRetention <= 0 {
		f.Server.MetricsRetention = 7 * 24 * time.Hour
	}
	if f.Global == nil {
		f.Global = Section{}
	}
	if f.Adapters == nil {
		f.Adapters = map[string]Section{}
	}
}

// ApplyEnv overrides server settings from the environment. getenv is
// usually os.Getenv.
func (f *File) ApplyEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		f.Server.Port = v
	}
	if v := getenv("DATA_DIR"); v != "" {
		f.Server.DataDir = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		f.Server.LogLevel = v
	}
	if v := getenv("SESSION_SECRET"); v != "" {
		f.Server.SessionSecret = v
	}
}

func (f *File) section(name string) Section {
	if name == GlobalSection {
		return f.Global
	}
	return f.Adapters[name]
}

// GetConfig returns section.key rendered as a string, or def when unset.
func (f *File) GetConfig(section, key, def string) string {
	v, ok := f.section(section)[key]
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case string:
		return x
	case []any:
		parts := make([]string, 0, len(x))
		for _, p := range x {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(x)
	}
}

// GetConfigArray returns section.key split on sep. YAML sequences are
// accepted as-is. Empty items are dropped.
func (f *File) GetConfigArray(section, key string, def []string, sep string) []string {
	v, ok := f.section(section)[key]
	if !ok || v == nil {
		return def
	}
	var raw []string
	switch x := v.(type) {
	case []any:
		for _, p := range x {
			raw = append(raw, fmt.Sprint(p))
		}
	case string:
		if sep == "" {
			sep = ","
		}
		raw = strings.Split(x, sep)
	default:
		raw = []string{fmt.Sprint(x)}
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Set stores a value in memory. Used by tests and the CLI.
func (f *File) Set(section, key string, value any) {
	if section == GlobalSection {
		f.Global[key] = value
		return
	}
	s := f.Adapters[section]
	if s == nil {
		s = Section{}
		f.Adapters[section] = s
	}
	s[key] = value
}
