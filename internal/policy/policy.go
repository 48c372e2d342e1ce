// Package policy holds the declarative repository policy: which repos the
// agent may write or read, how each authenticates, and which branches are
// protected. Mutated only by setup; the gateway reads it per request.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role of a repository in the policy.
type Role string

const (
	RoleWritable Role = "writable"
	RoleReadable Role = "readable"
)

// AuthMode selects the credential used for writes to a repository.
type AuthMode string

const (
	AuthApp       AuthMode = "app"       // GitHub App installation token
	AuthPAT       AuthMode = "pat"       // fallback personal access token
	AuthIncognito AuthMode = "incognito" // personal identity, separate PAT
)

// RepoSettings are the per-repo overrides in repositories.yaml.
type RepoSettings struct {
	AuthMode        AuthMode `yaml:"auth_mode,omitempty"`
	DefaultReviewer string   `yaml:"default_reviewer,omitempty"`
}

// Incognito is the alternate commit identity used for auth_mode=incognito.
// The matching token lives in the secret bundle, not here.
type Incognito struct {
	GitHubUser string `yaml:"github_user"`
	GitName    string `yaml:"git_name"`
	GitEmail   string `yaml:"git_email"`
}

// Store is the parsed repositories.yaml.
type Store struct {
	GitHubUsername    string                  `yaml:"github_username"`
	WritableRepos     []string                `yaml:"writable_repos"`
	ReadableRepos     []string                `yaml:"readable_repos"`
	RepoSettings      map[string]RepoSettings `yaml:"repo_settings,omitempty"`
	Incognito         *Incognito              `yaml:"incognito,omitempty"`
	ProtectedBranches []string                `yaml:"protected_branches,omitempty"`
}

// Record is the resolved policy for a single repository.
type Record struct {
	FullName        string
	Role            Role
	AuthMode        AuthMode
	DefaultReviewer string
}

// Load reads and validates repositories.yaml.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read repository policy: %w", err)
	}
	var s Store
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse repository policy: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Path returns the conventional policy file location under a config dir.
func Path(configDir string) string {
	return filepath.Join(configDir, "repositories.yaml")
}

// Validate enforces the structural invariants: each full name appears at
// most once, and incognito mode requires a fully populated identity.
func (s *Store) Validate() error {
	seen := make(map[string]bool)
	for _, name := range append(append([]string{}, s.WritableRepos...), s.ReadableRepos...) {
		if !strings.Contains(name, "/") {
			return fmt.Errorf("repository %q is not owner/name", name)
		}
		if seen[name] {
			return fmt.Errorf("repository %q listed more than once", name)
		}
		seen[name] = true
	}

	usesIncognito := false
	for name, rs := range s.RepoSettings {
		switch rs.AuthMode {
		case "", AuthApp, AuthPAT:
		case AuthIncognito:
			usesIncognito = true
		default:
			return fmt.Errorf("repository %q: unknown auth_mode %q", name, rs.AuthMode)
		}
	}
	if usesIncognito {
		inc := s.Incognito
		if inc == nil || inc.GitHubUser == "" || inc.GitName == "" || inc.GitEmail == "" {
			return fmt.Errorf("auth_mode=incognito used but incognito identity is not fully configured")
		}
	}
	return nil
}

// Lookup resolves the policy record for a repository, or nil when the
// repository is outside the policy entirely.
func (s *Store) Lookup(fullName string) *Record {
	role, ok := s.roleOf(fullName)
	if !ok {
		return nil
	}
	rec := &Record{FullName: fullName, Role: role, AuthMode: AuthApp}
	if rs, ok := s.RepoSettings[fullName]; ok {
		if rs.AuthMode != "" {
			rec.AuthMode = rs.AuthMode
		}
		rec.DefaultReviewer = rs.DefaultReviewer
	}
	return rec
}

func (s *Store) roleOf(fullName string) (Role, bool) {
	for _, r := range s.WritableRepos {
		if r == fullName {
			return RoleWritable, true
		}
	}
	for _, r := range s.ReadableRepos {
		if r == fullName {
			return RoleReadable, true
		}
	}
	return "", false
}

// Writable reports whether the repository accepts agent writes.
func (s *Store) Writable(fullName string) bool {
	rec := s.Lookup(fullName)
	return rec != nil && rec.Role == RoleWritable
}

// Known reports whether the repository appears in the policy at all.
func (s *Store) Known(fullName string) bool { return s.Lookup(fullName) != nil }

// Protected reports whether a branch name is protected from agent pushes.
// Defaults to main and master when the file does not override the set.
func (s *Store) Protected(branch string) bool {
	set := s.ProtectedBranches
	if len(set) == 0 {
		set = []string{"main", "master"}
	}
	for _, b := range set {
		if b == branch {
			return true
		}
	}
	return false
}

// AllRepos returns every repository in the policy, sorted.
func (s *Store) AllRepos() []string {
	all := append(append([]string{}, s.WritableRepos...), s.ReadableRepos...)
	sort.Strings(all)
	return all
}

// Summary returns a non-sensitive description served by the gateway's
// health endpoint.
func (s *Store) Summary() map[string]string {
	return map[string]string{
		"writable_repos": fmt.Sprintf("%d", len(s.WritableRepos)),
		"readable_repos": fmt.Sprintf("%d", len(s.ReadableRepos)),
		"incognito":      fmt.Sprintf("%t", s.Incognito != nil),
	}
}

// Save writes the policy back to disk. Used by setup only.
func Save(path string, s *Store) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
