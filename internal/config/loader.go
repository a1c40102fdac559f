package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
//
// Precedence, lowest first: defaults, config file, .env file, environment.
type Loader struct {
	configPath string
	envPrefix  string
	envFile    string
	v          *viper.Viper
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "KBSYNC",
		envFile:    ".env",
		v:          viper.New(),
	}
}

// SetEnvFile changes the dotenv file read before the environment. Empty
// disables it.
func (l *Loader) SetEnvFile(path string) {
	l.envFile = path
}

// ConfigFileUsed returns the config file that was read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Load reads configuration from file and environment.
func (l *Loader) Load() (*Config, error) {
	setDefaults(l.v, DefaultConfig())

	if err := l.loadFile(); err != nil {
		return nil, err
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Auth.APIKey = strings.TrimSpace(cfg.Auth.APIKey)
	cfg.Store.ID = strings.TrimSpace(cfg.Store.ID)
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	cfg.State.Backend = strings.ToLower(cfg.State.Backend)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// loadFile reads the explicit config file, or the first one found in the
// default locations.
func (l *Loader) loadFile() error {
	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
		return nil
	}

	l.v.SetConfigName("kbsync")
	for _, dir := range defaultPaths() {
		l.v.AddConfigPath(dir)
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("load config file %s: %w", l.v.ConfigFileUsed(), err)
	}
	return nil
}

// defaultPaths returns default config file locations.
func defaultPaths() []string {
	paths := []string{"."}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "kbsync"),
			filepath.Join(homeDir, ".kbsync"),
		)
	}

	return paths
}

// loadEnv wires environment variables, including the historical names.
func (l *Loader) loadEnv() error {
	if l.envFile != "" {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read %s: %w", l.envFile, err)
		}
	}

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	aliases := map[string]string{
		"auth.api_key":       "GEMINI_API_KEY",
		"store.id":           "FILE_SEARCH_STORE_NAME",
		"store.display_name": "STORE_DISPLAY_NAME",
		"store.reset":        "RESET_STORE",
	}
	for key, legacy := range aliases {
		envKey := l.envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := l.v.BindEnv(key, envKey, legacy); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}

	// RESET_STORE accepts yes/y as well.
	if raw := l.v.GetString("store.reset"); raw != "" {
		l.v.Set("store.reset", ParseBool(raw))
	}

	return nil
}

// ParseBool accepts 1/true/yes/y in any case.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y":
		return true
	default:
		return false
	}
}

// setDefaults registers every key so AutomaticEnv can see it.
func setDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]any{
		"api.base_url":    cfg.API.BaseURL,
		"api.version":     cfg.API.Version,
		"api.timeout":     cfg.API.Timeout.String(),
		"api.max_retries": cfg.API.MaxRetries,
		"api.user_agent":  cfg.API.UserAgent,
		"api.page_size":   cfg.API.PageSize,

		"auth.api_key": cfg.Auth.APIKey,

		"store.id":           cfg.Store.ID,
		"store.display_name": cfg.Store.DisplayName,
		"store.reset":        cfg.Store.Reset,

		"source.root":        cfg.Source.Root,
		"source.extensions":  cfg.Source.Extensions,
		"source.exclude":     cfg.Source.Exclude,
		"source.path_prefix": cfg.Source.PathPrefix,

		"state.backend":     cfg.State.Backend,
		"state.path":        cfg.State.Path,
		"state.sqlite_path": cfg.State.SQLitePath,
		"state.s3_bucket":   cfg.State.S3Bucket,
		"state.s3_key":      cfg.State.S3Key,
		"state.s3_region":   cfg.State.S3Region,

		"sync.poll_interval":    cfg.Sync.PollInterval.String(),
		"sync.max_wait":         cfg.Sync.MaxWait.String(),
		"sync.resolve_attempts": cfg.Sync.ResolveAttempts,
		"sync.resolve_delay":    cfg.Sync.ResolveDelay.String(),
		"sync.commit_state":     cfg.Sync.CommitState,
		"sync.commit_message":   cfg.Sync.CommitMessage,
		"sync.commit_push":      cfg.Sync.CommitPush,

		"watch.debounce": cfg.Watch.Debounce.String(),

		"log.level":       cfg.Log.Level,
		"log.format":      cfg.Log.Format,
		"log.file":        cfg.Log.File,
		"log.max_size":    cfg.Log.MaxSize,
		"log.max_backups": cfg.Log.MaxBackups,
		"log.max_age":     cfg.Log.MaxAge,
		"log.color":       cfg.Log.Color,
		"log.timestamp":   cfg.Log.Timestamp,
	}

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// SaveExample writes an example config file. The format follows the file
// extension (yaml, json or toml). Existing files are not overwritten.
func SaveExample(path string) error {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if err := v.SafeWriteConfigAs(path); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}
