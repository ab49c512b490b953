package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	OutputDir string `toml:"output_dir"`
	LogDir    string `toml:"log_dir"`
}

// Archive contains packaging and splitting settings.
type Archive struct {
	// MaxPartBytes is the size above which archives are split into parts.
	MaxPartBytes int64 `toml:"max_part_bytes"`
}

// Delivery contains scheduling settings for multi-part deliveries.
type Delivery struct {
	BaseOffsetMinutes int  `toml:"base_offset_minutes"`
	JitterLow         int  `toml:"jitter_low"`
	JitterHigh        int  `toml:"jitter_high"`
	DryRun            bool `toml:"dry_run"`
}

// Retention controls how far back the retention window sits.
type Retention struct {
	LagPeriods int `toml:"lag_periods"`
}

// SMTP contains mail relay settings for the dispatch client.
type SMTP struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	Auth           string `toml:"auth"`
	From           string `toml:"from"`
	To             string `toml:"to"`
	TLSPolicy      string `toml:"tls_policy"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Source describes one capture source packaged on its own schedule.
type Source struct {
	Name          string   `toml:"name"`
	Kind          string   `toml:"kind"`
	Root          string   `toml:"root"`
	Categories    []string `toml:"categories"`
	Period        string   `toml:"period"`
	Schedule      string   `toml:"schedule"`
	PackageLag    *int     `toml:"package_lag"`
	Subject       string   `toml:"subject"`
	ReclaimSource bool     `toml:"reclaim_source"`
}

// Lag returns how many periods behind the current one a cycle packages.
func (s Source) Lag() int {
	if s.PackageLag == nil {
		return defaultPackageLag
	}
	return *s.PackageLag
}

// Reclaimed reports whether the source's capture data is deleted by parcel,
// either after delivery or by the retention sweep. Inbox data always is.
func (s Source) Reclaimed() bool {
	return s.Kind == SourceKindInbox || s.ReclaimSource
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Delivery       bool   `toml:"delivery"`
	Errors         bool   `toml:"errors"`
}

// Metrics contains the optional Prometheus listener address.
type Metrics struct {
	Bind string `toml:"bind"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Source kinds.
const (
	SourceKindInbox = "inbox"
	SourceKindTree  = "tree"
)

// Config encapsulates all configuration values for parcel.
//
// Configuration sections by subsystem:
//   - Paths: output root and log directory
//   - Archive: split threshold
//   - Delivery: trigger-minute spread for multi-part jobs
//   - Retention: retention window lag
//   - SMTP: mail relay used by the dispatch client
//   - Sources: capture sources and their schedules
//   - Notifications: ntfy push notification settings
//   - Metrics: Prometheus listener
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Archive       Archive       `toml:"archive"`
	Delivery      Delivery      `toml:"delivery"`
	Retention     Retention     `toml:"retention"`
	SMTP          SMTP          `toml:"smtp"`
	Sources       []Source      `toml:"sources"`
	Notifications Notifications `toml:"notifications"`
	Metrics       Metrics       `toml:"metrics"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/parcel/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		// A file that declares [[sources]] replaces the default inbox source.
		cfg.Sources = nil
		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
		if len(cfg.Sources) == 0 {
			cfg.Sources = Default().Sources
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath("~/.config/parcel/config.toml")
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("parcel.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.OutputDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Source returns the named source configuration.
func (c *Config) Source(name string) (Source, bool) {
	name = strings.TrimSpace(name)
	for _, src := range c.Sources {
		if src.Name == name {
			return src, true
		}
	}
	return Source{}, false
}

// OverrideTreeRoots points every tree source at root. It backs the optional
// positional argument of `parcel run`.
func (c *Config) OverrideTreeRoots(root string) error {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil
	}
	expanded, err := expandPath(root)
	if err != nil {
		return fmt.Errorf("source root: %w", err)
	}
	for i := range c.Sources {
		if c.Sources[i].Kind == SourceKindTree {
			c.Sources[i].Root = expanded
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
