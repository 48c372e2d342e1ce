package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Secret bundle keys in config/secrets.env. Shell-style KEY="value" pairs
// so the same file can be sourced by maintenance scripts.
const (
	KeySlackBotToken        = "SLACK_BOT_TOKEN"
	KeySlackAppToken        = "SLACK_APP_TOKEN"
	KeyGitHubToken          = "GITHUB_TOKEN"
	KeyGitHubAppID          = "GITHUB_APP_ID"
	KeyGitHubInstallationID = "GITHUB_APP_INSTALLATION_ID"
	KeyGitHubPrivateKeyPath = "GITHUB_APP_PRIVATE_KEY_PATH"
	KeyIncognitoToken       = "INCOGNITO_GITHUB_TOKEN"
	KeyAnthropicAPIKey      = "ANTHROPIC_API_KEY"
	KeyAnthropicOAuthToken  = "ANTHROPIC_OAUTH_TOKEN"
	KeyConfluenceToken      = "CONFLUENCE_API_TOKEN"
	KeyConfluenceEmail      = "CONFLUENCE_EMAIL"
)

// Secrets is the in-memory secret bundle. It lives only on the trusted
// side; nothing here ever crosses the sandbox boundary.
type Secrets struct {
	SlackBotToken        string
	SlackAppToken        string
	GitHubToken          string
	GitHubAppID          int64
	GitHubInstallationID int64
	GitHubPrivateKey     []byte
	IncognitoToken       string
	AnthropicAPIKey      string
	AnthropicOAuthToken  string
	ConfluenceToken      string
	ConfluenceEmail      string

	// ModTime of the secrets file at load, for hot-reload checks.
	ModTime int64
}

// SecretsPath returns the conventional secrets file location.
func (c *Config) SecretsPath() string {
	return filepath.Join(c.ConfigDir(), "secrets.env")
}

// LoadSecrets reads and validates the secret bundle. The file must be
// mode 0600 or tighter; anything looser is refused outright.
func LoadSecrets(path string) (*Secrets, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat secrets: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("secrets file %s has permissions %o, want 600", path, perm)
	}

	vals, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("parse secrets: %w", err)
	}

	s := &Secrets{
		SlackBotToken:       vals[KeySlackBotToken],
		SlackAppToken:       vals[KeySlackAppToken],
		GitHubToken:         vals[KeyGitHubToken],
		IncognitoToken:      vals[KeyIncognitoToken],
		AnthropicAPIKey:     vals[KeyAnthropicAPIKey],
		AnthropicOAuthToken: vals[KeyAnthropicOAuthToken],
		ConfluenceToken:     vals[KeyConfluenceToken],
		ConfluenceEmail:     vals[KeyConfluenceEmail],
		ModTime:             info.ModTime().UnixNano(),
	}

	if v := vals[KeyGitHubAppID]; v != "" {
		if _, err := fmt.Sscanf(v, "%d", &s.GitHubAppID); err != nil {
			return nil, fmt.Errorf("%s: %w", KeyGitHubAppID, err)
		}
	}
	if v := vals[KeyGitHubInstallationID]; v != "" {
		if _, err := fmt.Sscanf(v, "%d", &s.GitHubInstallationID); err != nil {
			return nil, fmt.Errorf("%s: %w", KeyGitHubInstallationID, err)
		}
	}
	if pemPath := vals[KeyGitHubPrivateKeyPath]; pemPath != "" {
		pem, err := os.ReadFile(ExpandHome(pemPath))
		if err != nil {
			return nil, fmt.Errorf("read app private key: %w", err)
		}
		s.GitHubPrivateKey = pem
	}

	return s, nil
}

// HasGitHubApp reports whether app-mode authentication is fully configured.
func (s *Secrets) HasGitHubApp() bool {
	return s.GitHubAppID != 0 && s.GitHubInstallationID != 0 && len(s.GitHubPrivateKey) > 0
}

// HasModelCredentials reports whether the model proxy can authenticate
// upstream at all.
func (s *Secrets) HasModelCredentials() bool {
	return s.AnthropicOAuthToken != "" || s.AnthropicAPIKey != ""
}

// Validate checks the minimum viable bundle for the gateway. The gateway
// treats a Validate failure at startup as fatal.
func (s *Secrets) Validate() error {
	if !s.HasModelCredentials() {
		return fmt.Errorf("no model credentials: set %s or %s", KeyAnthropicOAuthToken, KeyAnthropicAPIKey)
	}
	if !s.HasGitHubApp() && s.GitHubToken == "" {
		return fmt.Errorf("no code-hosting credentials: configure the GitHub app or set %s", KeyGitHubToken)
	}
	return nil
}

// WriteSecrets persists a bundle back to disk with 0600 permissions.
// Used by setup only.
func WriteSecrets(path string, vals map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	content, err := godotenv.Marshal(vals)
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}
	return os.WriteFile(path, []byte(content+"\n"), 0o600)
}
