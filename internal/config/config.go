package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StorageMatrix = "matrix"
	StorageSQLite = "sqlite"
	StorageMemory = "memory"

	PermissionOpen       = "open"
	PermissionAdmins     = "admins"
	PermissionPowerLevel = "power_level"

	defaultListen     = "127.0.0.1:8080"
	defaultTimezone   = "UTC"
	defaultTick       = "* * * * * *"
	defaultNamespace  = "io.t2bot.ics_reminder"
	defaultSQLitePath = "./var/icsreminder.db"
	defaultCacheDir   = "./var/ics-cache"
	defaultSyncToken  = "./var/sync-token"
	defaultEventType  = "io.t2bot.ics_reminder.room_reminders"
)

// Environment variables that override secrets from the YAML file.
const (
	EnvMatrixHomeserver = "ICSREMINDER_MATRIX_HOMESERVER"
	EnvMatrixToken      = "ICSREMINDER_MATRIX_TOKEN"
)

// MatrixConfig holds homeserver credentials for the bot account.
type MatrixConfig struct {
	HomeserverURL string `yaml:"homeserver_url" json:"homeserver_url"`
	AccessToken   string `yaml:"access_token" json:"-"`
	// SyncTokenPath stores the /sync next_batch token so uploads are not
	// replayed or missed across restarts.
	SyncTokenPath string `yaml:"sync_token_path" json:"sync_token_path"`
}

// StorageConfig selects where room account data lives.
type StorageConfig struct {
	// Backend is one of "matrix" (room account data on the homeserver),
	// "sqlite" (local database) or "memory" (lost on restart).
	Backend    string `yaml:"backend" json:"backend"`
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"`
}

// PermissionConfig controls who may create, edit and delete reminders.
type PermissionConfig struct {
	// Mode is one of "open", "admins" or "power_level".
	Mode string `yaml:"mode" json:"mode"`
	// EventType is the state event whose power level a sender needs in
	// power_level mode.
	EventType string   `yaml:"event_type" json:"event_type"`
	Admins    []string `yaml:"admins" json:"admins"`
}

// FetchConfig limits which calendar URLs the server will download.
type FetchConfig struct {
	// AllowedHosts lists host names that http(s) calendar URLs may point
	// at. mxc:// references are always resolved through the homeserver.
	AllowedHosts []string `yaml:"allowed_hosts" json:"allowed_hosts"`
}

// HostAllowed reports whether host is on the allowlist (case-insensitive).
func (f FetchConfig) HostAllowed(host string) bool {
	for _, h := range f.AllowedHosts {
		if strings.EqualFold(strings.TrimSpace(h), host) {
			return true
		}
	}
	return false
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

	// Timezone is the IANA zone the scheduler compares occurrences in and
	// the zone floating DTSTART values are interpreted in.
	Timezone string `yaml:"timezone" json:"timezone"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// Tick is a six-field cron spec (with seconds) driving the trigger
	// scheduler. The default fires once per second.
	Tick string `yaml:"tick" json:"tick"`

	// Namespace prefixes every account data key written by the bot.
	Namespace string `yaml:"namespace" json:"namespace"`

	// Rooms lists rooms to load reminders for when the storage backend
	// cannot enumerate joined rooms by itself.
	Rooms []string `yaml:"rooms" json:"rooms"`

	// CacheDir holds the HTTP cache for calendars fetched by URL.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Matrix     MatrixConfig     `yaml:"matrix" json:"matrix"`
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Permission PermissionConfig `yaml:"permission" json:"permission"`
	Fetch      FetchConfig      `yaml:"fetch" json:"fetch"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:    defaultListen,
		Timezone:  defaultTimezone,
		LogLevel:  "info",
		Tick:      defaultTick,
		Namespace: defaultNamespace,
		Rooms:     []string{},
		CacheDir:  defaultCacheDir,
		Matrix: MatrixConfig{
			SyncTokenPath: defaultSyncToken,
		},
		Storage: StorageConfig{
			Backend:    StorageSQLite,
			SQLitePath: defaultSQLitePath,
		},
		Permission: PermissionConfig{
			Mode:      PermissionOpen,
			EventType: defaultEventType,
			Admins:    []string{},
		},
		Fetch: FetchConfig{
			AllowedHosts: []string{},
		},
	}
}

// Normalize fills in missing/zero values so that partially-filled configs
// still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Tick == "" {
		c.Tick = defaultTick
	}
	if c.Namespace == "" {
		c.Namespace = defaultNamespace
	}
	if c.Rooms == nil {
		c.Rooms = []string{}
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}

	switch c.Storage.Backend {
	case StorageMatrix, StorageSQLite, StorageMemory:
	default:
		c.Storage.Backend = StorageSQLite
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = defaultSQLitePath
	}

	switch c.Permission.Mode {
	case PermissionOpen, PermissionAdmins, PermissionPowerLevel:
	default:
		c.Permission.Mode = PermissionOpen
	}
	if c.Permission.EventType == "" {
		c.Permission.EventType = defaultEventType
	}
	if c.Permission.Admins == nil {
		c.Permission.Admins = []string{}
	}
	if c.Matrix.SyncTokenPath == "" {
		c.Matrix.SyncTokenPath = defaultSyncToken
	}
	if c.Fetch.AllowedHosts == nil {
		c.Fetch.AllowedHosts = []string{}
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	needsMatrix := c.Storage.Backend == StorageMatrix || c.Permission.Mode == PermissionPowerLevel
	if needsMatrix && (c.Matrix.HomeserverURL == "" || c.Matrix.AccessToken == "") {
		return errors.New("config: matrix homeserver_url and access_token are required")
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// MatrixEnabled reports whether a homeserver connection is configured.
func (c *Config) MatrixEnabled() bool {
	return c.Matrix.HomeserverURL != "" && c.Matrix.AccessToken != ""
}

// ApplyEnv overrides secrets from the process environment. Values loaded
// from a .env file count as environment.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvMatrixHomeserver)); v != "" {
		c.Matrix.HomeserverURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMatrixToken)); v != "" {
		c.Matrix.AccessToken = v
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically
// (temp file + rename) with 0600 permissions; the config may carry an
// access token.
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

	tmp, err := os.CreateTemp(dir, ".icsreminder-config-*.tmp")
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
