package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the commsledger configuration
type Config struct {
	Me          MeConfig                `yaml:"me"`
	Sources     map[string]SourceConfig `yaml:"sources"`
	Ingest      IngestConfig            `yaml:"ingest"`
	Retry       RetryConfig             `yaml:"retry"`
	Database    DatabaseConfig          `yaml:"database"`
	MetricsAddr string                  `yaml:"metrics_addr,omitempty"`
	PostgresURL string                  `yaml:"postgres_url,omitempty"`
	ContactsCSV string                  `yaml:"contacts_csv,omitempty"`
	NameCommand *NameCommandConfig      `yaml:"name_command,omitempty"`
}

// NameCommandConfig points at an external display-name lookup program.
type NameCommandConfig struct {
	Path  string   `yaml:"path"`
	Args  []string `yaml:"args,omitempty"`
	Kinds []string `yaml:"kinds,omitempty"`
}

// MeConfig represents the user's identity
type MeConfig struct {
	CanonicalName string     `yaml:"canonical_name"`
	Identities    []Identity `yaml:"identities"`
}

// Identity represents a user identifier in a specific channel.
// Channel is "email", "phone", or a platform name.
type Identity struct {
	Channel    string `yaml:"channel"`
	Identifier string `yaml:"identifier"`
}

// SourceConfig represents one configured record source
type SourceConfig struct {
	Type    string                 `yaml:"type"`
	Enabled bool                   `yaml:"enabled"`
	Live    *LiveConfig            `yaml:"live,omitempty"`
	Options map[string]interface{} `yaml:"options,omitempty"`
}

// LiveConfig controls live watching for a source.
type LiveConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Options map[string]interface{} `yaml:"options,omitempty"`
}

// IngestConfig controls chunking and projection policy.
type IngestConfig struct {
	ChunkSize      int    `yaml:"chunk_size,omitempty"`
	SaveInterval   int    `yaml:"save_interval,omitempty"`
	IsolatedErrors *bool  `yaml:"isolated_errors,omitempty"`
	GroupCeiling   int    `yaml:"group_ceiling,omitempty"`
	StartDate      string `yaml:"start_date,omitempty"`
	MaxBodyLength  int    `yaml:"max_body_length,omitempty"`
}

// RetryConfig bounds calls to external collaborators.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts,omitempty"`
	InitialDelay  time.Duration `yaml:"initial_delay,omitempty"`
	MaxDelay      time.Duration `yaml:"max_delay,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
	RatePerSecond float64       `yaml:"rate_per_second,omitempty"`
}

// DatabaseConfig selects the SQLite driver.
type DatabaseConfig struct {
	Driver string `yaml:"driver,omitempty"`
}

const (
	DefaultChunkSize     = 100
	DefaultSaveInterval  = 10
	DefaultGroupCeiling  = 7
	DefaultMaxBodyLength = 1_000_000
	DefaultDriver        = "sqlite"
)

// WithDefaults fills unset values.
func (c IngestConfig) WithDefaults() IngestConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = DefaultSaveInterval
	}
	if c.IsolatedErrors == nil {
		v := true
		c.IsolatedErrors = &v
	}
	if c.GroupCeiling <= 0 {
		c.GroupCeiling = DefaultGroupCeiling
	}
	if c.MaxBodyLength <= 0 {
		c.MaxBodyLength = DefaultMaxBodyLength
	}
	return c
}

// StartTime parses start_date (YYYY-MM-DD or RFC3339). Zero means no filter.
func (c IngestConfig) StartTime() (time.Time, error) {
	if c.StartDate == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", c.StartDate); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, c.StartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start_date %q: %w", c.StartDate, err)
	}
	return t.UTC(), nil
}

// WithDefaults fills unset values.
func (r RetryConfig) WithDefaults() RetryConfig {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 60 * time.Second
	}
	if r.Timeout <= 0 {
		r.Timeout = 30 * time.Second
	}
	return r
}

// loadDotEnv reads a .env file from the working directory, then from the
// config directory. Existing environment variables always win.
func loadDotEnv() {
	_ = godotenv.Load()
	if dir := os.Getenv("COMMSLEDGER_CONFIG_DIR"); dir != "" {
		_ = godotenv.Load(filepath.Join(dir, ".env"))
	}
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("COMMSLEDGER_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "commsledger"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("COMMSLEDGER_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Commsledger"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "commsledger"), nil
	}

	return filepath.Join(home, ".local", "share", "commsledger"), nil
}

// GetCheckpointDir returns the directory holding per-source checkpoint files.
func GetCheckpointDir() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "checkpoints"), nil
}

// GetResultsDir returns the directory holding per-source NDJSON result files.
func GetResultsDir() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "results"), nil
}

// Load loads config from the config file
func Load() (*Config, error) {
	loadDotEnv()

	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.yaml")

	var cfg Config
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err):
		// Default empty config
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if cfg.Sources == nil {
		cfg.Sources = make(map[string]SourceConfig)
	}
	cfg.applyEnv()

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("COMMSLEDGER_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("COMMSLEDGER_POSTGRES_URL"); v != "" {
		c.PostgresURL = v
	}
	if v := os.Getenv("COMMSLEDGER_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// StringOption reads a string option with a default.
func StringOption(opts map[string]any, key string, def string) string {
	if opts == nil {
		return def
	}
	if v, ok := opts[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// BoolOption reads a bool option with a default.
func BoolOption(opts map[string]any, key string, def bool) bool {
	if opts == nil {
		return def
	}
	if v, ok := opts[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// IntOption reads an int option with a default. YAML may decode numbers as int or float64.
func IntOption(opts map[string]any, key string, def int) int {
	if opts == nil {
		return def
	}
	if v, ok := opts[key]; ok {
		switch t := v.(type) {
		case int:
			return t
		case int64:
			return int(t)
		case float64:
			return int(t)
		}
	}
	return def
}

// MergeOptions overlays primary on top of fallback.
func MergeOptions(primary map[string]any, fallback map[string]any) map[string]any {
	if len(primary) == 0 && len(fallback) == 0 {
		return nil
	}
	out := map[string]any{}
	for k, v := range fallback {
		out[k] = v
	}
	for k, v := range primary {
		out[k] = v
	}
	return out
}
