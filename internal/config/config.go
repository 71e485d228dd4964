package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// InstanceID identifies this bridge instance in logs. Generated when
	// missing and persisted back to the config file if that file exists.
	InstanceID string `yaml:"instance_id"`

	// SyncPrimary enables observation of the Wayland primary (mouse)
	// selection. Disabled by default: primary changes on every drag-select
	// and can saturate the transfer pipeline. X11 primary changes are
	// forwarded to Wayland either way.
	SyncPrimary bool `yaml:"sync_primary"`

	Log     LogConfig     `yaml:"log"`
	X11     X11Config     `yaml:"x11"`
	Wayland WaylandConfig `yaml:"wayland"`
}

// LogConfig holds logging-related configuration.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`  // empty disables file output
}

// Timestamp policies for X11 selection requests.
const (
	// TimestampZero passes CurrentTime (0) to the server, trusting its
	// timestamp monotonicity.
	TimestampZero = "zero"
	// TimestampLastEvent passes the most recent event timestamp seen on
	// the owner window.
	TimestampLastEvent = "last-event"
)

// X11Config holds X-adapter configuration.
type X11Config struct {
	// TimestampPolicy selects what timestamp SetSelectionOwner and
	// ConvertSelection carry: "zero" or "last-event".
	TimestampPolicy string `yaml:"timestamp_policy"`

	// ConvertTimeout bounds how long a single ConvertSelection attempt
	// waits for its SelectionNotify before the next target is tried.
	ConvertTimeout Duration `yaml:"convert_timeout"`
}

// WaylandConfig holds W-adapter configuration.
type WaylandConfig struct {
	// ExtraMIMEs extends the fixed probe list used when draining a remote
	// offer. The built-in list covers UTF-8 text and common image types.
	ExtraMIMEs []string `yaml:"extra_mimes"`

	// ReceiveTimeout bounds draining one MIME from a remote offer's pipe.
	ReceiveTimeout Duration `yaml:"receive_timeout"`
}

// Duration is a time.Duration that yaml-round-trips in "200ms" form. Bare
// integers are accepted as nanoseconds.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.ShortTag() == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("invalid duration node: %w", err)
		}
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration node: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SyncPrimary: false,
		Log: LogConfig{
			Level: "info",
		},
		X11: X11Config{
			TimestampPolicy: TimestampZero,
			ConvertTimeout:  Duration(200 * time.Millisecond),
		},
		Wayland: WaylandConfig{
			ReceiveTimeout: Duration(5 * time.Second),
		},
	}
}

// Path returns the config file path: CLIPBRIDGE_CONFIG_FILE if set,
// otherwise <user config dir>/clipbridge/config.yaml.
func Path() (string, error) {
	if p := os.Getenv("CLIPBRIDGE_CONFIG_FILE"); p != "" {
		return p, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "clipbridge", "config.yaml"), nil
}

// Load reads configuration in layers: defaults, then the yaml file at path
// (or Path() when path is empty; a missing file is not an error), then
// CLIPBRIDGE_* environment overrides. A missing instance ID is generated
// and, when the file came from disk, persisted back.
func Load(path string) (*Config, error) {
	cfg := Default()

	var err error
	if path == "" {
		path, err = Path()
		if err != nil {
			return nil, err
		}
	}

	fromDisk := false
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		fromDisk = true
	case os.IsNotExist(err):
		// First run: defaults apply.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
		if fromDisk {
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("persist instance id: %w", err)
			}
		}
	}

	return cfg, nil
}

// Save writes the configuration as yaml, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the bridge cannot run with.
func (c *Config) Validate() error {
	switch c.X11.TimestampPolicy {
	case TimestampZero, TimestampLastEvent:
	default:
		return fmt.Errorf("invalid x11.timestamp_policy %q (want %q or %q)",
			c.X11.TimestampPolicy, TimestampZero, TimestampLastEvent)
	}
	if c.X11.ConvertTimeout <= 0 {
		return fmt.Errorf("x11.convert_timeout must be positive, got %s", c.X11.ConvertTimeout)
	}
	if c.Wayland.ReceiveTimeout <= 0 {
		return fmt.Errorf("wayland.receive_timeout must be positive, got %s", c.Wayland.ReceiveTimeout)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CLIPBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CLIPBRIDGE_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("CLIPBRIDGE_SYNC_PRIMARY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SyncPrimary = b
		}
	}
	if v := os.Getenv("CLIPBRIDGE_TIMESTAMP_POLICY"); v != "" {
		cfg.X11.TimestampPolicy = v
	}
}
