// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mbeema/loadguard/pkg/engine"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for loadguard.
type Config struct {
	LogLevel     string             `yaml:"log_level" env:"LOADGUARD_LOG_LEVEL"`
	SelfModule   string             `yaml:"self_module" env:"LOADGUARD_SELF_MODULE"`
	Interception InterceptionConfig `yaml:"interception"`
	Blocklist    string             `yaml:"blocklist" env:"LOADGUARD_BLOCKLIST"`
	Redirect     RedirectConfig     `yaml:"redirect"`
	Audit        AuditConfig        `yaml:"audit"`
	Health       HealthConfig       `yaml:"health"`
	Exporters    ExportersConfig    `yaml:"exporters"`
	Redaction    RedactionConfig    `yaml:"redaction"`
}

type InterceptionConfig struct {
	Enabled     bool     `yaml:"enabled"`
	EntryPoints []string `yaml:"entry_points"` // empty = all known entry points
}

// RedirectConfig lists the override-eligible modules.
type RedirectConfig struct {
	BaseDir   string           `yaml:"base_dir"` // empty = directory of the executable
	Overrides []OverrideConfig `yaml:"overrides"`
}

// OverrideConfig is one override-eligible module.
type OverrideConfig struct {
	Name      string `yaml:"name"`
	Enabled   bool   `yaml:"enabled"`
	Subfolder string `yaml:"subfolder"`
}

type AuditConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Interesting []string      `yaml:"interesting"` // empty = router patterns
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"LOADGUARD_HEALTH_PORT"` // e.g. ":8687"
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout"`
}

type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // "grpc" or "http"
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"` // "gzip" or "none"
	Headers     map[string]string `yaml:"headers"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

// RedactionConfig configures path redaction of exported events.
type RedactionConfig struct {
	Enabled bool            `yaml:"enabled"`
	Rules   []RedactionRule `yaml:"rules"`
}

// RedactionRule is a user-defined redaction pattern.
type RedactionRule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:   "info",
		SelfModule: "loadguard.dll",
		Interception: InterceptionConfig{
			Enabled: true,
		},
		Audit: AuditConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8687",
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Protocol:    "grpc",
				Insecure:    true,
				Compression: "gzip",
			},
			Stdout: StdoutConfig{
				Enabled: false,
				Format:  "text",
			},
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
	}
}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml      → log_level, self_module, interception, audit, health, exporters
//   - blocklist.yaml → blocklist
//   - redirect.yaml  → redirect
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadFileInto(filepath.Join(dir, "base.yaml"), cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load base.yaml: %w", err)
	}

	for _, f := range []string{"blocklist.yaml", "redirect.yaml"} {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads LOADGUARD_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"LOADGUARD_LOG_LEVEL":               func(v string) { c.LogLevel = v },
		"LOADGUARD_SELF_MODULE":             func(v string) { c.SelfModule = v },
		"LOADGUARD_BLOCKLIST":               func(v string) { c.Blocklist = v },
		"LOADGUARD_REDIRECT_BASE_DIR":       func(v string) { c.Redirect.BaseDir = v },
		"LOADGUARD_HEALTH_PORT":             func(v string) { c.Health.Port = v },
		"LOADGUARD_EXPORTERS_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
		"LOADGUARD_EXPORTERS_OTLP_PROTOCOL": func(v string) { c.Exporters.OTLP.Protocol = v },
	}

	boolOverrides := map[string]*bool{
		"LOADGUARD_INTERCEPTION_ENABLED":     &c.Interception.Enabled,
		"LOADGUARD_AUDIT_ENABLED":            &c.Audit.Enabled,
		"LOADGUARD_HEALTH_ENABLED":           &c.Health.Enabled,
		"LOADGUARD_REDACTION_ENABLED":        &c.Redaction.Enabled,
		"LOADGUARD_EXPORTERS_OTLP_ENABLED":   &c.Exporters.OTLP.Enabled,
		"LOADGUARD_EXPORTERS_STDOUT_ENABLED": &c.Exporters.Stdout.Enabled,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	if val := os.Getenv("LOADGUARD_AUDIT_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
			c.Audit.Interval = d
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// RedirectBaseDir returns the directory relative override subfolders are
// resolved against.
func (c *Config) RedirectBaseDir() string {
	if c.Redirect.BaseDir != "" {
		return c.Redirect.BaseDir
	}
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// EntryPoints returns the configured entry points, or nil for all of them.
func (c *Config) EntryPoints() ([]engine.EntryPoint, error) {
	if len(c.Interception.EntryPoints) == 0 {
		return nil, nil
	}
	out := make([]engine.EntryPoint, 0, len(c.Interception.EntryPoints))
	for _, name := range c.Interception.EntryPoints {
		ep, err := engine.ParseEntryPoint(name)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !logLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}

	if _, err := c.EntryPoints(); err != nil {
		return fmt.Errorf("interception.entry_points: %w", err)
	}

	seen := make(map[string]bool, len(c.Redirect.Overrides))
	for i, o := range c.Redirect.Overrides {
		name := strings.ToLower(strings.TrimSpace(o.Name))
		if name == "" {
			return fmt.Errorf("redirect.overrides[%d].name is required", i)
		}
		if strings.ContainsAny(name, `\/`) {
			return fmt.Errorf("redirect.overrides[%d].name must be a file name, got %q", i, o.Name)
		}
		if seen[name] {
			return fmt.Errorf("redirect.overrides: duplicate module %q", o.Name)
		}
		seen[name] = true
	}

	if c.Audit.Enabled && c.Audit.Interval < time.Second {
		return fmt.Errorf("audit.interval must be at least 1s")
	}

	if c.Exporters.OTLP.Enabled {
		if c.Exporters.OTLP.Endpoint == "" {
			return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
		}
		switch c.Exporters.OTLP.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("exporters.otlp.protocol must be 'grpc' or 'http'")
		}
		switch c.Exporters.OTLP.Compression {
		case "", "gzip", "none":
		default:
			return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'")
		}
	}

	if c.Exporters.Stdout.Enabled && c.Exporters.Stdout.Format != "text" && c.Exporters.Stdout.Format != "json" {
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}

	for _, r := range c.Redaction.Rules {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("redaction rule %q: %w", r.Name, err)
		}
	}

	return nil
}
