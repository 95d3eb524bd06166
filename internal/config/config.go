package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/tidesync/internal/schema"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Remote    RemoteConfig    `yaml:"remote"`
	Store     StoreConfig     `yaml:"store"`
	Sync      SyncConfig      `yaml:"sync"`
	Authority AuthorityConfig `yaml:"authority"`
	Log       LogConfig       `yaml:"log"`
}

// RemoteConfig locates the remote authority.
type RemoteConfig struct {
	BaseURL       string   `yaml:"base_url"`
	SchemaPath    string   `yaml:"schema_path"`
	SyncPath      string   `yaml:"sync_path"`
	APIKey        string   `yaml:"-"` // env-only, never in YAML
	InvokeTimeout Duration `yaml:"invoke_timeout"`
	ReconnectMin  Duration `yaml:"reconnect_min"`
	ReconnectMax  Duration `yaml:"reconnect_max"`
}

// StoreConfig locates the live and snapshot store files.
type StoreConfig struct {
	Dir          string `yaml:"dir"`
	LiveName     string `yaml:"live_name"`
	SnapshotName string `yaml:"snapshot_name"`
}

// SyncConfig contains synchronization settings.
type SyncConfig struct {
	// Scope limits what is synchronized. Absent means everything.
	Scope           *schema.Scope `yaml:"scope"`
	FlushWindow     Duration      `yaml:"flush_window"`
	AckPolicy       string        `yaml:"ack_policy"`
	AppliedTTL      Duration      `yaml:"applied_ttl"`
	CleanupInterval Duration      `yaml:"cleanup_interval"`
}

// AuthorityConfig contains development authority settings.
type AuthorityConfig struct {
	Port            int      `yaml:"port"`
	SchemaFile      string   `yaml:"schema_file"`
	APIKey          string   `yaml:"-"` // env-only, never in YAML
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	// Determine config path
	configPath := getEnv("TIDESYNC_CONFIG_PATH", "config/tidesync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Remote: RemoteConfig{
			SchemaPath:    "/api/v1/schema",
			SyncPath:      "/transactions-sync",
			InvokeTimeout: Duration(30 * time.Second),
			ReconnectMin:  Duration(500 * time.Millisecond),
			ReconnectMax:  Duration(30 * time.Second),
		},
		Store: StoreConfig{
			Dir:          "data",
			LiveName:     "live.db",
			SnapshotName: "live.db.snapshot",
		},
		Sync: SyncConfig{
			FlushWindow:     Duration(300 * time.Millisecond),
			AckPolicy:       "ignore",
			AppliedTTL:      Duration(24 * time.Hour),
			CleanupInterval: Duration(1 * time.Hour),
		},
		Authority: AuthorityConfig{
			Port:            8090,
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Remote
	if v := os.Getenv("TIDESYNC_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("TIDESYNC_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	overrideDuration("TIDESYNC_INVOKE_TIMEOUT", &cfg.Remote.InvokeTimeout)
	overrideDuration("TIDESYNC_RECONNECT_MIN", &cfg.Remote.ReconnectMin)
	overrideDuration("TIDESYNC_RECONNECT_MAX", &cfg.Remote.ReconnectMax)

	// Store
	if v := os.Getenv("TIDESYNC_STORE_DIR"); v != "" {
		cfg.Store.Dir = v
	}

	// Sync
	overrideDuration("TIDESYNC_FLUSH_WINDOW", &cfg.Sync.FlushWindow)
	if v := os.Getenv("TIDESYNC_ACK_POLICY"); v != "" {
		cfg.Sync.AckPolicy = v
	}
	overrideDuration("TIDESYNC_APPLIED_TTL", &cfg.Sync.AppliedTTL)
	overrideDuration("TIDESYNC_CLEANUP_INTERVAL", &cfg.Sync.CleanupInterval)

	// Authority
	if v := os.Getenv("TIDESYNC_AUTHORITY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Authority.Port = port
		}
	}
	if v := os.Getenv("TIDESYNC_AUTHORITY_SCHEMA_FILE"); v != "" {
		cfg.Authority.SchemaFile = v
	}
	if v := os.Getenv("TIDESYNC_AUTHORITY_API_KEY"); v != "" {
		cfg.Authority.APIKey = v
	}

	// Log
	if v := os.Getenv("TIDESYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TIDESYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func overrideDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// validate checks that configured values are usable. The remote URL is
// checked separately by ValidateRemote because the authority does not need it.
func (c *Config) validate() error {
	switch c.Sync.AckPolicy {
	case "ignore", "fail":
	default:
		return fmt.Errorf("sync.ack_policy must be ignore or fail, got %q", c.Sync.AckPolicy)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if c.Sync.FlushWindow <= 0 {
		return errors.New("sync.flush_window must be positive")
	}
	if c.Remote.ReconnectMax < c.Remote.ReconnectMin {
		return errors.New("remote.reconnect_max must not be below remote.reconnect_min")
	}
	if c.Store.LiveName == "" || c.Store.SnapshotName == "" {
		return errors.New("store.live_name and store.snapshot_name are required")
	}
	if c.Store.LiveName == c.Store.SnapshotName {
		return errors.New("store.live_name and store.snapshot_name must differ")
	}
	return nil
}

// ValidateRemote checks the settings needed to talk to the remote authority.
func (c *Config) ValidateRemote() error {
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required (or set TIDESYNC_REMOTE_URL)")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
