// Package config is the single on-disk home for jib's non-secret settings
// and the secret bundle. Every service loads from the same directory; the
// sandbox never sees any of it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config is the root configuration shared by all trusted-side services.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Container ContainerConfig `yaml:"container"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Sync      SyncConfig      `yaml:"sync"`
	Registry  RegistryConfig  `yaml:"registry"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`

	// BaseDir holds config/, sharing/, repos/ and worktrees/.
	BaseDir string `yaml:"base_dir"`

	mu sync.RWMutex
}

// GatewayConfig configures the sidecar HTTP server.
type GatewayConfig struct {
	// Host must stay on an interface only the sandbox network can reach.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AnthropicBaseURL is the upstream model API.
	AnthropicBaseURL string `yaml:"anthropic_base_url"`

	// AllowlistFile optionally overrides the built-in git allow-lists
	// (JSON5). Empty means built-ins only.
	AllowlistFile string `yaml:"allowlist_file,omitempty"`

	// RequestTimeout bounds every outbound call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// VisibilityTTL / VisibilityNegativeTTL bound the repo-visibility cache.
	VisibilityTTL         time.Duration `yaml:"visibility_ttl"`
	VisibilityNegativeTTL time.Duration `yaml:"visibility_negative_ttl"`
}

// ContainerConfig configures sandbox containers.
type ContainerConfig struct {
	Image       string        `yaml:"image"`
	BuildDir    string        `yaml:"build_dir,omitempty"`
	NetworkMode string        `yaml:"network_mode"`
	MemoryMB    int           `yaml:"memory_mb"`
	CPUs        float64       `yaml:"cpus"`
	ExecMaxWall time.Duration `yaml:"exec_max_wall"` // analyzer wall-time limit
}

// BridgeConfig configures the chat bridge.
type BridgeConfig struct {
	// Channel receives top-level notifications when no thread key exists.
	Channel string `yaml:"channel"`

	// BatchWindow coalesces notification intents per thread key.
	BatchWindow time.Duration `yaml:"batch_window"`

	// TaskPrefix marks a self-DM message as a task (case-insensitive).
	TaskPrefix string `yaml:"task_prefix"`

	// AllowedUsers optionally restricts inbound senders by Slack user id.
	AllowedUsers []string `yaml:"allowed_users,omitempty"`

	// SelfUserID is the human operator's Slack user id; SelfDMChannel is
	// their self-DM conversation, where prefixed messages become tasks.
	SelfUserID    string `yaml:"self_user_id,omitempty"`
	SelfDMChannel string `yaml:"self_dm_channel,omitempty"`

	// BotUserID is the bot's own Slack user id, for echo suppression.
	BotUserID string `yaml:"bot_user_id,omitempty"`
}

// DispatchConfig configures the event dispatcher.
type DispatchConfig struct {
	// SyncSchedule is a cron expression for the documentation sync.
	SyncSchedule string `yaml:"sync_schedule"`

	// PollInterval is the code-hosting polling cadence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PRDebounce batches review comments on one PR into a single run.
	PRDebounce time.Duration `yaml:"pr_debounce"`

	// MaxRetries bounds retryable analyzer failures.
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

// SyncConfig configures the bulk documentation pull.
type SyncConfig struct {
	ConfluenceBaseURL string `yaml:"confluence_base_url,omitempty"`
	MirrorDir         string `yaml:"mirror_dir,omitempty"` // default <base>/knowledge
}

// RegistryConfig selects the task-registry backend.
// PostgresDSN comes from the JIB_POSTGRES_DSN env var only, never from disk.
type RegistryConfig struct {
	PostgresDSN string `yaml:"-"`
	Path        string `yaml:"path,omitempty"` // sqlite file, default <base>/registry.db
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	Protocol    string `yaml:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool   `yaml:"insecure,omitempty"`
	ServiceName string `yaml:"service_name,omitempty"`
}

// Default returns a Config with working defaults rooted at ~/.jib.
func Default() *Config {
	return &Config{
		BaseDir: "~/.jib",
		Gateway: GatewayConfig{
			Host:                  "127.0.0.1",
			Port:                  8377,
			AnthropicBaseURL:      "https://api.anthropic.com",
			RequestTimeout:        120 * time.Second,
			VisibilityTTL:         5 * time.Minute,
			VisibilityNegativeTTL: 30 * time.Second,
		},
		Container: ContainerConfig{
			Image:       "jib-sandbox:latest",
			NetworkMode: "jib-internal",
			MemoryMB:    4096,
			CPUs:        2,
			ExecMaxWall: 30 * time.Minute,
		},
		Bridge: BridgeConfig{
			BatchWindow: 30 * time.Second,
			TaskPrefix:  "claude:",
		},
		Dispatch: DispatchConfig{
			SyncSchedule:   "0 * * * *",
			PollInterval:   time.Minute,
			PRDebounce:     60 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 2 * time.Second,
			RetryMaxDelay:  30 * time.Second,
		},
	}
}

// Base returns the expanded base directory.
func (c *Config) Base() string { return ExpandHome(c.BaseDir) }

// ConfigDir returns the directory holding repositories.yaml, secrets.env
// and context-filters.yaml.
func (c *Config) ConfigDir() string { return filepath.Join(c.Base(), "config") }

// SharingDir is the filesystem boundary shared with sandbox containers.
func (c *Config) SharingDir() string { return filepath.Join(c.Base(), "sharing") }

// Shared drop-zone subdirectories (spec'd layout; the agent side writes
// notifications and staged-changes, the trusted side writes the rest).
func (c *Config) NotificationsDir() string { return filepath.Join(c.SharingDir(), "notifications") }
func (c *Config) IncomingDir() string      { return filepath.Join(c.SharingDir(), "incoming") }
func (c *Config) ResponsesDir() string     { return filepath.Join(c.SharingDir(), "responses") }
func (c *Config) StagedChangesDir() string { return filepath.Join(c.SharingDir(), "staged-changes") }
func (c *Config) TrackingDir() string      { return filepath.Join(c.SharingDir(), "tracking") }
func (c *Config) ContainerLogsDir() string { return filepath.Join(c.SharingDir(), "container-logs") }

// ReposDir holds the shared clones; WorktreesDir the per-container trees.
func (c *Config) ReposDir() string     { return filepath.Join(c.Base(), "repos") }
func (c *Config) WorktreesDir() string { return filepath.Join(c.Base(), "worktrees") }

// RegistryPath returns the sqlite registry location.
func (c *Config) RegistryPath() string {
	if c.Registry.Path != "" {
		return ExpandHome(c.Registry.Path)
	}
	return filepath.Join(c.Base(), "registry.db")
}

// MirrorDir returns the documentation mirror location.
func (c *Config) MirrorDir() string {
	if c.Sync.MirrorDir != "" {
		return ExpandHome(c.Sync.MirrorDir)
	}
	return filepath.Join(c.Base(), "knowledge")
}

// GatewayURL is the address the sandbox reaches the sidecar at.
func (c *Config) GatewayURL() string {
	return fmt.Sprintf("http://%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// EnsureDirs creates the directory layout. Called by every service at
// startup so ordering between them does not matter.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.ConfigDir(),
		c.NotificationsDir(),
		c.IncomingDir(),
		c.ResponsesDir(),
		c.StagedChangesDir(),
		c.TrackingDir(),
		c.ContainerLogsDir(),
		c.ReposDir(),
		c.WorktreesDir(),
		c.MirrorDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// ReplaceFrom copies all data fields from src, preserving c's mutex.
// Used by the hot-reload watcher.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Container = src.Container
	c.Bridge = src.Bridge
	c.Dispatch = src.Dispatch
	c.Sync = src.Sync
	c.Registry = src.Registry
	c.Telemetry = src.Telemetry
	c.BaseDir = src.BaseDir
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
