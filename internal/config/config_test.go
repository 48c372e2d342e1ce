package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoad_MissingFileYieldsDefaults verifies that a nonexistent config
// path returns the built-in defaults instead of an error.
func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Gateway.Port != 8377 {
		t.Errorf("default gateway port = %d, want 8377", cfg.Gateway.Port)
	}
	if cfg.Bridge.BatchWindow != 30*time.Second {
		t.Errorf("default batch window = %v, want 30s", cfg.Bridge.BatchWindow)
	}
	if cfg.Bridge.TaskPrefix != "claude:" {
		t.Errorf("default task prefix = %q", cfg.Bridge.TaskPrefix)
	}
}

// TestLoad_FileAndEnvOverrides verifies precedence: file over defaults,
// env over file.
func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jib.yaml")
	body := "gateway:\n  port: 9000\nbridge:\n  channel: C123\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("JIB_GATEWAY_PORT", "9001")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Gateway.Port != 9001 {
		t.Errorf("env override lost: port = %d, want 9001", cfg.Gateway.Port)
	}
	if cfg.Bridge.Channel != "C123" {
		t.Errorf("file value lost: channel = %q, want C123", cfg.Bridge.Channel)
	}
}

// TestSecrets_PermissionCheck verifies that a world-readable secrets file
// is refused.
func TestSecrets_PermissionCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	if err := os.WriteFile(path, []byte(`ANTHROPIC_API_KEY="sk-x"`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSecrets(path); err == nil {
		t.Fatal("expected permission error for 0644 secrets file")
	}
}

// TestSecrets_RoundTrip verifies WriteSecrets → LoadSecrets preserves the
// bundle and parses the numeric app identifiers.
func TestSecrets_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	err := WriteSecrets(path, map[string]string{
		KeyAnthropicAPIKey:      "sk-test",
		KeyGitHubToken:          "ghp_test",
		KeyGitHubAppID:          "12345",
		KeyGitHubInstallationID: "67890",
		KeySlackBotToken:        "xoxb-test",
	})
	if err != nil {
		t.Fatalf("WriteSecrets: %v", err)
	}

	info, _ := os.Stat(path)
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file permissions = %o, want 600", perm)
	}

	s, err := LoadSecrets(path)
	if err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	if s.AnthropicAPIKey != "sk-test" || s.GitHubToken != "ghp_test" {
		t.Errorf("bundle mismatch: %+v", s)
	}
	if s.GitHubAppID != 12345 || s.GitHubInstallationID != 67890 {
		t.Errorf("app ids = %d/%d, want 12345/67890", s.GitHubAppID, s.GitHubInstallationID)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

// TestSecrets_ValidateRequiresModelCredentials verifies the gateway's
// fatal-at-startup check.
func TestSecrets_ValidateRequiresModelCredentials(t *testing.T) {
	s := &Secrets{GitHubToken: "ghp_x"}
	if err := s.Validate(); err == nil {
		t.Fatal("expected validation error without model credentials")
	}
	s.AnthropicOAuthToken = "oauth-x"
	if err := s.Validate(); err != nil {
		t.Errorf("Validate with oauth token: %v", err)
	}
}

// TestExpandHome covers the ~ expansion edge cases.
func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"/abs/path", "/abs/path"},
		{"~", home},
		{"~/x", home + "/x"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestLoadFilters_MissingFile verifies the nothing-allowed default.
func TestLoadFilters_MissingFile(t *testing.T) {
	f, err := LoadFilters(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadFilters: %v", err)
	}
	if f.SpaceAllowed("ENG") {
		t.Error("empty filters should allow nothing")
	}
}
