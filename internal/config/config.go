package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TheMichaelB/kbsync/internal/models"
)

// Config holds all application configuration.
type Config struct {
	// API configuration
	API APIConfig `json:"api" mapstructure:"api"`

	// Authentication configuration
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Remote store selection
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Local document tree
	Source SourceConfig `json:"source" mapstructure:"source"`

	// Snapshot persistence
	State StateConfig `json:"state" mapstructure:"state"`

	// Sync behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Watch mode
	Watch WatchConfig `json:"watch" mapstructure:"watch"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// APIConfig for server communication.
type APIConfig struct {
	BaseURL    string        `json:"base_url" mapstructure:"base_url"`
	Version    string        `json:"version" mapstructure:"version"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	UserAgent  string        `json:"user_agent" mapstructure:"user_agent"`
	PageSize   int           `json:"page_size" mapstructure:"page_size"` // documents per list page
}

// AuthConfig for authentication settings.
type AuthConfig struct {
	APIKey string `json:"api_key,omitempty" mapstructure:"api_key"`
}

// StoreConfig selects the remote file search store.
type StoreConfig struct {
	ID          string `json:"id,omitempty" mapstructure:"id"` // empty = create or reuse by display name
	DisplayName string `json:"display_name" mapstructure:"display_name"`
	Reset       bool   `json:"reset" mapstructure:"reset"` // delete every remote document first
}

// SourceConfig for the local document tree.
type SourceConfig struct {
	Root       string   `json:"root" mapstructure:"root"`
	Extensions []string `json:"extensions" mapstructure:"extensions"`
	Exclude    []string `json:"exclude" mapstructure:"exclude"`         // file names, case-insensitive
	PathPrefix string   `json:"path_prefix" mapstructure:"path_prefix"` // empty = base name of root
}

// StateConfig for snapshot persistence.
type StateConfig struct {
	Backend    string `json:"backend" mapstructure:"backend"` // json, sqlite, s3
	Path       string `json:"path" mapstructure:"path"`
	SQLitePath string `json:"sqlite_path" mapstructure:"sqlite_path"`
	S3Bucket   string `json:"s3_bucket,omitempty" mapstructure:"s3_bucket"`
	S3Key      string `json:"s3_key" mapstructure:"s3_key"`
	S3Region   string `json:"s3_region,omitempty" mapstructure:"s3_region"`
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	PollInterval    time.Duration `json:"poll_interval" mapstructure:"poll_interval"`       // operation polling
	MaxWait         time.Duration `json:"max_wait" mapstructure:"max_wait"`                 // per operation
	ResolveAttempts int           `json:"resolve_attempts" mapstructure:"resolve_attempts"` // listing retries
	ResolveDelay    time.Duration `json:"resolve_delay" mapstructure:"resolve_delay"`
	CommitState     string        `json:"commit_state" mapstructure:"commit_state"` // auto, always, never
	CommitMessage   string        `json:"commit_message" mapstructure:"commit_message"`
	CommitPush      bool          `json:"commit_push" mapstructure:"commit_push"`
}

// WatchConfig for watch mode.
type WatchConfig struct {
	Debounce time.Duration `json:"debounce" mapstructure:"debounce"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	Format     string `json:"format" mapstructure:"format"`           // text, json
	File       string `json:"file" mapstructure:"file"`               // Log file path (empty = stdout)
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // Max log file size in MB
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // Max number of old logs
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // Max age in days
	Color      bool   `json:"color" mapstructure:"color"`             // Enable colored output
	Timestamp  bool   `json:"timestamp" mapstructure:"timestamp"`     // Include timestamps
}

// State backends.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

// Commit modes for the post-save hook.
const (
	CommitAuto   = "auto"
	CommitAlways = "always"
	CommitNever  = "never"
)

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:    "https://generativelanguage.googleapis.com",
			Version:    "v1beta",
			Timeout:    60 * time.Second,
			MaxRetries: 3,
			UserAgent:  "kbsync/1.0",
			PageSize:   20,
		},
		Store: StoreConfig{
			DisplayName: "zigchain-handbook-mvp",
		},
		Source: SourceConfig{
			Root:       "kb",
			Extensions: []string{".md"},
			Exclude:    []string{"template.md"},
		},
		State: StateConfig{
			Backend:    BackendJSON,
			Path:       "sync_state.json",
			SQLitePath: filepath.Join(".kbsync", "state.db"),
			S3Key:      "kbsync/sync_state.json",
		},
		Sync: SyncConfig{
			PollInterval:    2 * time.Second,
			MaxWait:         10 * time.Minute,
			ResolveAttempts: 5,
			ResolveDelay:    2 * time.Second,
			CommitState:     CommitAuto,
			CommitMessage:   "chore(kb): update sync state",
		},
		Watch: WatchConfig{
			Debounce: 2 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
			Color:      true,
			Timestamp:  true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries cannot be negative")
	}

	if c.API.PageSize <= 0 || c.API.PageSize > 20 {
		return fmt.Errorf("api.page_size must be between 1 and 20: %d", c.API.PageSize)
	}

	if strings.TrimSpace(c.Source.Root) == "" {
		return errors.New("source.root is required")
	}

	if len(c.Source.Extensions) == 0 {
		return errors.New("source.extensions cannot be empty")
	}

	switch c.State.Backend {
	case BackendJSON:
		if c.State.Path == "" {
			return errors.New("state.path is required for json backend")
		}
	case BackendSQLite:
		if c.State.SQLitePath == "" {
			return errors.New("state.sqlite_path is required for sqlite backend")
		}
	case BackendS3:
		if c.State.S3Bucket == "" || c.State.S3Key == "" {
			return errors.New("state.s3_bucket and state.s3_key are required for s3 backend")
		}
	default:
		return fmt.Errorf("invalid state backend: %s", c.State.Backend)
	}

	if c.Sync.PollInterval <= 0 {
		return errors.New("sync.poll_interval must be positive")
	}

	if c.Sync.MaxWait < c.Sync.PollInterval {
		return errors.New("sync.max_wait must be at least sync.poll_interval")
	}

	if c.Sync.ResolveAttempts <= 0 {
		return errors.New("sync.resolve_attempts must be positive")
	}

	validCommit := map[string]bool{CommitAuto: true, CommitAlways: true, CommitNever: true}
	if !validCommit[c.Sync.CommitState] {
		return fmt.Errorf("invalid sync.commit_state: %s", c.Sync.CommitState)
	}

	if c.Watch.Debounce < 0 {
		return errors.New("watch.debounce cannot be negative")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// RequireCredentials checks everything needed before the first remote call.
func (c *Config) RequireCredentials() error {
	if strings.TrimSpace(c.Auth.APIKey) == "" {
		return models.ErrMissingAPIKey
	}
	return nil
}

// RequireSource checks that the local root exists and is a directory.
func (c *Config) RequireSource() error {
	info, err := os.Stat(c.Source.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", models.ErrSourceNotFound, c.Source.Root)
		}
		return fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", models.ErrSourceNotFound, c.Source.Root)
	}
	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	var dirs []string

	switch c.State.Backend {
	case BackendJSON:
		dirs = append(dirs, filepath.Dir(c.State.Path))
	case BackendSQLite:
		dirs = append(dirs, filepath.Dir(c.State.SQLitePath))
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if dir == "." || dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// UploadBaseURL is the endpoint root for media uploads.
func (c *APIConfig) UploadBaseURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/upload/" + c.Version
}

// RESTBaseURL is the endpoint root for regular calls.
func (c *APIConfig) RESTBaseURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + c.Version
}
