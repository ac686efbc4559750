package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, and applies defaults. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		var cfg Config
		applyDefaults(&cfg)
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes JSONC config bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variable templates (before standardizing, since templates are in strings)
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18430
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "file"
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = filepath.Join(HuddlePath(), "documents")
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = filepath.Join(HuddlePath(), "huddle.db")
	}

	// Zero session values are defaulted by sessions.Config.

	if cfg.Tasks.Driver == "" {
		cfg.Tasks.Driver = "file"
	}
	if cfg.Tasks.Dir == "" {
		cfg.Tasks.Dir = filepath.Join(HuddlePath(), "tasks")
	}

	if cfg.Compaction.MinOperations == 0 {
		cfg.Compaction.MinOperations = 200
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Events.LogLevel == "" {
		cfg.Events.LogLevel = "info"
	}
	if cfg.Events.AuditDir == "" {
		cfg.Events.AuditDir = filepath.Join(HuddlePath(), "audit")
	}
}

func validate(cfg *Config) error {
	switch cfg.Storage.Driver {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	switch cfg.Tasks.Driver {
	case "file", "none":
	case "http":
		if cfg.Tasks.BaseURL == "" {
			return fmt.Errorf("tasks.base_url is required with the http driver")
		}
	default:
		return fmt.Errorf("tasks.driver: unknown driver %q", cfg.Tasks.Driver)
	}
	switch strings.ToLower(cfg.Events.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("events.log_level: unknown level %q", cfg.Events.LogLevel)
	}
	return nil
}
