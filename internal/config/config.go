// Package config holds the YAML application configuration: calendar
// sources, fetch window, trigger timing and remote store connection.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration marshals as a human-readable string ("250ms", "1m") instead of
// raw nanoseconds.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		// Older configs stored integer nanoseconds.
		var ns int64
		if err2 := node.Decode(&ns); err2 != nil {
			return err
		}
		*d = Duration(ns)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Calendar describes one external calendar source.
type Calendar struct {
	// ID is the internal identifier links and protections refer to.
	ID string `yaml:"id"`
	// Path is the ICS file backing the calendar.
	Path string `yaml:"path"`
	// Writable permits write-back of local edits.
	Writable bool `yaml:"writable"`
	// Informational marks the whole calendar as read-only context, such as
	// a public holiday feed.
	Informational bool `yaml:"informational,omitempty"`
}

// Remote selects and addresses the remote planner store.
type Remote struct {
	// Driver is "sqlite3" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Config is the top-level application configuration.
type Config struct {
	// DataDir holds local persistent state (event snapshot, outbox, links).
	DataDir string `yaml:"data_dir"`

	// Owner scopes every remote operation to one account.
	Owner string `yaml:"owner"`

	// Timezone is the IANA zone periods and day slots are computed in.
	Timezone string `yaml:"timezone"`

	// WindowDaysPast and WindowDaysFuture bound the reconciliation fetch
	// range around the current instant.
	WindowDaysPast   int `yaml:"window_days_past"`
	WindowDaysFuture int `yaml:"window_days_future"`

	// Debounce is the trigger coalescing window.
	Debounce Duration `yaml:"debounce"`
	// Throttle is the minimum spacing between reconcile triggers from
	// noisy sources (foreground, calendar change notifications).
	Throttle Duration `yaml:"throttle"`
	// SafetyTick is the period of the independent safety-net flush.
	SafetyTick Duration `yaml:"safety_tick"`
	// EchoTTL is the echo-suppression window after a write-back.
	EchoTTL Duration `yaml:"echo_ttl"`

	Calendars []Calendar `yaml:"calendars"`
	Remote    Remote     `yaml:"remote"`
}

// Default returns the in-memory default configuration.
func Default() *Config {
	return &Config{
		DataDir:          "./data",
		Owner:            "default",
		Timezone:         "Local",
		WindowDaysPast:   7,
		WindowDaysFuture: 60,
		Debounce:         Duration(250 * time.Millisecond),
		Throttle:         Duration(60 * time.Second),
		SafetyTick:       Duration(60 * time.Second),
		EchoTTL:          Duration(8 * time.Second),
		Calendars:        []Calendar{},
		Remote:           Remote{Driver: "sqlite3", DSN: "./data/remote.db"},
	}
}

// Normalize fills missing or zero values with defaults so partially filled
// configs from older versions still behave.
func (c *Config) Normalize() {
	d := Default()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.Owner == "" {
		c.Owner = d.Owner
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.WindowDaysPast <= 0 {
		c.WindowDaysPast = d.WindowDaysPast
	}
	if c.WindowDaysFuture <= 0 {
		c.WindowDaysFuture = d.WindowDaysFuture
	}
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.Throttle <= 0 {
		c.Throttle = d.Throttle
	}
	if c.SafetyTick <= 0 {
		c.SafetyTick = d.SafetyTick
	}
	if c.EchoTTL <= 0 {
		c.EchoTTL = d.EchoTTL
	}
	if c.Calendars == nil {
		c.Calendars = []Calendar{}
	}
	if c.Remote.Driver == "" {
		c.Remote = d.Remote
	}
}

// Validate rejects configurations that cannot be wired.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for _, cal := range c.Calendars {
		if cal.ID == "" || cal.Path == "" {
			return errors.New("config: calendar id and path are required")
		}
		if seen[cal.ID] {
			return fmt.Errorf("config: duplicate calendar id %q", cal.ID)
		}
		seen[cal.ID] = true
	}
	switch c.Remote.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("config: unsupported remote driver %q", c.Remote.Driver)
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Load reads configuration from a YAML file. A missing file is first-run:
// the default configuration is written there and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config: path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := Default()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration atomically with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config: path is empty")
	}
	if cfg == nil {
		return errors.New("config: config is nil")
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
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
