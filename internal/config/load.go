package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads config from a YAML file, then overlays env vars.
// A missing file yields defaults so services can come up far enough to
// report that setup has not run yet.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// DefaultPath returns the conventional config file location, honoring
// JIB_CONFIG.
func DefaultPath() string {
	if v := os.Getenv("JIB_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(ExpandHome("~/.jib"), "config", "jib.yaml")
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("JIB_BASE_DIR", &c.BaseDir)
	envStr("JIB_GATEWAY_HOST", &c.Gateway.Host)
	envStr("JIB_ANTHROPIC_BASE_URL", &c.Gateway.AnthropicBaseURL)
	envStr("JIB_CONTAINER_IMAGE", &c.Container.Image)
	envStr("JIB_BRIDGE_CHANNEL", &c.Bridge.Channel)
	envStr("JIB_SYNC_SCHEDULE", &c.Dispatch.SyncSchedule)
	envStr("JIB_CONFLUENCE_BASE_URL", &c.Sync.ConfluenceBaseURL)
	envStr("JIB_POSTGRES_DSN", &c.Registry.PostgresDSN)

	if v := os.Getenv("JIB_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("JIB_BATCH_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Bridge.BatchWindow = d
		}
	}
	if v := os.Getenv("JIB_PR_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Dispatch.PRDebounce = d
		}
	}

	envStr("JIB_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("JIB_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("JIB_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// Save writes the config to a YAML file with restrictive permissions.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// legacyBaseDirs are earlier on-disk homes migrated into ~/.jib.
var legacyBaseDirs = []string{"~/khan/james-in-a-box/.state", "~/.james-in-a-box"}

// MigrateLegacyPaths moves state from pre-rename locations into the
// current base directory. Best effort: a partial migration logs and
// continues, it never blocks startup.
func MigrateLegacyPaths(base string) {
	for _, legacy := range legacyBaseDirs {
		src := ExpandHome(legacy)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if _, err := os.Stat(base); err == nil {
			// Already migrated (or freshly set up); leave the legacy
			// directory for the operator to remove.
			slog.Warn("legacy state directory present but base already exists",
				"legacy", src, "base", base)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
			slog.Warn("legacy migration failed", "error", err)
			return
		}
		if err := os.Rename(src, base); err != nil {
			slog.Warn("legacy migration failed", "from", src, "to", base, "error", err)
			return
		}
		slog.Info("migrated legacy state directory", "from", src, "to", base)
		return
	}
}
