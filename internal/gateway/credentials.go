package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gogithub "github.com/google/go-github/v69/github"

	"github.com/khan/jib/internal/config"
	"github.com/khan/jib/internal/policy"
)

// Vault holds the secret bundle and answers credential questions per
// request. It reloads atomically when the secrets file changes on disk.
type Vault struct {
	path   string
	policy *policy.Store

	mu        sync.RWMutex
	secrets   *config.Secrets
	transport *ghinstallation.Transport // app mode; caches minted tokens
}

// NewVault loads the bundle from path. A load or validation failure here
// is fatal to the caller.
func NewVault(path string, pol *policy.Store) (*Vault, error) {
	v := &Vault{path: path, policy: pol}
	if err := v.reload(); err != nil {
		return nil, err
	}
	if err := v.Secrets().Validate(); err != nil {
		return nil, fmt.Errorf("secrets validation: %w", err)
	}
	return v, nil
}

func (v *Vault) reload() error {
	s, err := config.LoadSecrets(v.path)
	if err != nil {
		return err
	}

	var tr *ghinstallation.Transport
	if s.HasGitHubApp() {
		tr, err = ghinstallation.New(http.DefaultTransport, s.GitHubAppID, s.GitHubInstallationID, s.GitHubPrivateKey)
		if err != nil {
			return fmt.Errorf("github app transport: %w", err)
		}
	}

	v.mu.Lock()
	v.secrets = s
	v.transport = tr
	v.mu.Unlock()
	return nil
}

// Refresh reloads the bundle when the file's mtime moved. Called at
// request boundaries so an edited secrets file takes effect without a
// restart.
func (v *Vault) Refresh() {
	info, err := os.Stat(v.path)
	if err != nil {
		return
	}
	v.mu.RLock()
	stale := info.ModTime().UnixNano() != v.secrets.ModTime
	v.mu.RUnlock()
	if !stale {
		return
	}
	if err := v.reload(); err != nil {
		slog.Warn("security.secrets_reload_failed", "error", err)
		return
	}
	slog.Info("security.secrets_reloaded")
}

// Secrets returns the current bundle snapshot.
func (v *Vault) Secrets() *config.Secrets {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.secrets
}

// GitCredential is what the git proxy injects into a remote URL, plus the
// author identity for incognito commits. None of it leaves the host.
type GitCredential struct {
	Username string
	Token    string
	Author   *policy.Incognito // nil unless incognito mode
}

// GitCredentialFor resolves the credential for a repository per its
// configured auth mode: app mints (or reuses) an installation token, pat
// uses the fallback token, incognito uses the personal token and carries
// the author identity.
func (v *Vault) GitCredentialFor(ctx context.Context, repo string) (*GitCredential, error) {
	rec := v.policy.Lookup(repo)
	if rec == nil {
		return nil, fmt.Errorf("repository %s not in policy", repo)
	}
	s := v.Secrets()

	switch rec.AuthMode {
	case policy.AuthIncognito:
		if s.IncognitoToken == "" {
			return nil, fmt.Errorf("repo %s wants incognito auth but %s is unset", repo, config.KeyIncognitoToken)
		}
		id := v.policy.Incognito
		return &GitCredential{Username: id.GitHubUser, Token: s.IncognitoToken, Author: id}, nil

	case policy.AuthPAT:
		if s.GitHubToken == "" {
			return nil, fmt.Errorf("repo %s wants pat auth but %s is unset", repo, config.KeyGitHubToken)
		}
		return &GitCredential{Username: "x-access-token", Token: s.GitHubToken}, nil

	default: // app
		v.mu.RLock()
		tr := v.transport
		v.mu.RUnlock()
		if tr == nil {
			// App not configured; fall back to the pat if present.
			if s.GitHubToken != "" {
				return &GitCredential{Username: "x-access-token", Token: s.GitHubToken}, nil
			}
			return nil, fmt.Errorf("repo %s wants app auth but the GitHub app is not configured", repo)
		}
		token, err := tr.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("mint installation token: %w", err)
		}
		return &GitCredential{Username: "x-access-token", Token: token}, nil
	}
}

// InvalidateAppToken drops the cached installation token so the next
// request mints a fresh one. Used for the single refresh retry after an
// upstream 401.
func (v *Vault) InvalidateAppToken() {
	v.mu.RLock()
	s := v.secrets
	v.mu.RUnlock()
	if !s.HasGitHubApp() {
		return
	}
	tr, err := ghinstallation.New(http.DefaultTransport, s.GitHubAppID, s.GitHubInstallationID, s.GitHubPrivateKey)
	if err != nil {
		slog.Warn("security.app_token_invalidate_failed", "error", err)
		return
	}
	v.mu.Lock()
	v.transport = tr
	v.mu.Unlock()
}

// GitHubClient returns an API client authenticated for the repository's
// auth mode.
func (v *Vault) GitHubClient(ctx context.Context, repo string) (*gogithub.Client, error) {
	cred, err := v.GitCredentialFor(ctx, repo)
	if err != nil {
		return nil, err
	}
	return gogithub.NewClient(nil).WithAuthToken(cred.Token), nil
}
