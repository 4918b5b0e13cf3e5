package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"calmirror/internal/fields"
)

// DefaultLookaheadDays is the lowest-precedence lookahead window.
const DefaultLookaheadDays = 180

// FeedConfig describes the calendar feed being mirrored.
type FeedConfig struct {
	// URL is the ICS endpoint. It may also come from the environment or
	// the remote configuration record.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// LookaheadDays bounds the window of occurrences. Zero defers to the
	// other precedence tiers.
	LookaheadDays int `yaml:"lookahead_days,omitempty" json:"lookahead_days,omitempty"`
	// CacheDir holds the conditional-request cache. Empty disables it.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
	// CacheBustParam is the query parameter added to every fetch; "-"
	// disables it.
	CacheBustParam string        `yaml:"cache_bust_param" json:"cache_bust_param"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
}

// StoreConfig selects and authenticates the remote store.
type StoreConfig struct {
	// DSN picks the backend by scheme; see store.Open.
	DSN string `yaml:"dsn" json:"dsn"`
	// Kind is the collection (or calendar path) records are mirrored into.
	Kind  string `yaml:"kind" json:"kind"`
	Token string `yaml:"token,omitempty" json:"-"`
	// RequestsPerMinute caps HTTP store traffic; zero is unlimited.
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	// ConfigKind, if set, is a collection holding the remote configuration
	// record consulted by Resolve.
	ConfigKind string `yaml:"config_kind,omitempty" json:"config_kind,omitempty"`
}

// SyncConfig tunes the reconciler.
type SyncConfig struct {
	// Pacing is the delay after each applied mutation, Backoff the delay
	// after each failed one.
	Pacing                 time.Duration `yaml:"pacing" json:"pacing"`
	Backoff                time.Duration `yaml:"backoff" json:"backoff"`
	HandleMaxLength        int           `yaml:"handle_max_length" json:"handle_max_length"`
	MaxOccurrencesPerEvent int           `yaml:"max_occurrences_per_event" json:"max_occurrences_per_event"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for all-day detection and cron.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// for periodic sync runs.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	Feed   FeedConfig   `yaml:"feed" json:"feed"`
	Store  StoreConfig  `yaml:"store" json:"store"`
	Sync   SyncConfig   `yaml:"sync" json:"sync"`
	Fields fields.Names `yaml:"fields" json:"fields"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		Timezone:    "UTC",
		RefreshCron: "*/15 * * * *",
		LogLevel:    "info",
		Feed: FeedConfig{
			CacheDir:       defaultCacheDir(),
			CacheBustParam: "t",
			Timeout:        15 * time.Second,
		},
		Store: StoreConfig{
			DSN:  "memory://",
			Kind: "events",
		},
		Sync: SyncConfig{
			Pacing:                 time.Second,
			Backoff:                5 * time.Second,
			HandleMaxLength:        64,
			MaxOccurrencesPerEvent: 5000,
		},
		Fields:    fields.DefaultNames(),
		BasicAuth: nil,
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "calmirror")
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly. Feed URL and lookahead
// are left alone: their absence is meaningful to Resolve.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = d.RefreshCron
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Feed.CacheBustParam == "" {
		c.Feed.CacheBustParam = d.Feed.CacheBustParam
	}
	if c.Feed.Timeout <= 0 {
		c.Feed.Timeout = d.Feed.Timeout
	}
	if c.Store.DSN == "" {
		c.Store.DSN = d.Store.DSN
	}
	if c.Store.Kind == "" {
		c.Store.Kind = d.Store.Kind
	}
	// Negative pacing means "no delay"; zero means unset.
	if c.Sync.Pacing == 0 {
		c.Sync.Pacing = d.Sync.Pacing
	}
	if c.Sync.Backoff == 0 {
		c.Sync.Backoff = d.Sync.Backoff
	}
	if c.Sync.HandleMaxLength <= 0 {
		c.Sync.HandleMaxLength = d.Sync.HandleMaxLength
	}
	if c.Sync.MaxOccurrencesPerEvent <= 0 {
		c.Sync.MaxOccurrencesPerEvent = d.Sync.MaxOccurrencesPerEvent
	}
	c.Fields = c.Fields.WithDefaults()
}

// Location returns the configured zone, or UTC when it cannot be loaded.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC, err
	}
	return loc, nil
}

// ApplyEnv overlays credentials and deployment settings from the
// environment. Feed URL and lookahead are handled by Resolve, which
// ranks the environment against the remote configuration.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CALMIRROR_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("CALMIRROR_STORE_TOKEN"); v != "" {
		c.Store.Token = v
	}
	if v := os.Getenv("CALMIRROR_STORE_KIND"); v != "" {
		c.Store.Kind = v
	}
	if v := os.Getenv("CALMIRROR_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CALMIRROR_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("CALMIRROR_REQUESTS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			c.Store.RequestsPerMinute = n
		}
	}
	user, pass := os.Getenv("CALMIRROR_BASIC_AUTH_USER"), os.Getenv("CALMIRROR_BASIC_AUTH_PASSWORD")
	if user != "" && pass != "" {
		c.BasicAuth = &BasicAuthConfig{Username: user, Password: pass}
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms (parent directory created as needed) and returned.
//   - Otherwise the YAML is read, defaults are filled in and the
//     environment overlay is applied.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				cfg.ApplyEnv()
				return cfg, err
			}
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// Parse decodes YAML and fills in defaults. It does not read the
// environment.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calmirror-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
