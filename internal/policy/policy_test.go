package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "repositories.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestLoad_ResolvesRolesAndAuthModes verifies role lookup and per-repo
// auth-mode overrides with the app-mode default.
func TestLoad_ResolvesRolesAndAuthModes(t *testing.T) {
	s, err := Load(writePolicy(t, `
github_username: octo-agent
writable_repos:
  - project/repo-x
  - project/private-a
readable_repos:
  - project/readable-b
repo_settings:
  project/repo-x:
    auth_mode: pat
    default_reviewer: alice
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		repo     string
		wantRole Role
		wantAuth AuthMode
	}{
		{"project/repo-x", RoleWritable, AuthPAT},
		{"project/private-a", RoleWritable, AuthApp},
		{"project/readable-b", RoleReadable, AuthApp},
	}
	for _, tt := range tests {
		rec := s.Lookup(tt.repo)
		if rec == nil {
			t.Fatalf("Lookup(%q) = nil", tt.repo)
		}
		if rec.Role != tt.wantRole || rec.AuthMode != tt.wantAuth {
			t.Errorf("Lookup(%q) = {%s %s}, want {%s %s}",
				tt.repo, rec.Role, rec.AuthMode, tt.wantRole, tt.wantAuth)
		}
	}

	if s.Lookup("project/unknown") != nil {
		t.Error("Lookup of unlisted repo should be nil")
	}
	if rec := s.Lookup("project/repo-x"); rec.DefaultReviewer != "alice" {
		t.Errorf("default reviewer = %q, want alice", rec.DefaultReviewer)
	}
}

// TestValidate_DuplicateRepoRejected enforces the at-most-once invariant.
func TestValidate_DuplicateRepoRejected(t *testing.T) {
	_, err := Load(writePolicy(t, `
writable_repos: [project/repo-x]
readable_repos: [project/repo-x]
`))
	if err == nil {
		t.Fatal("expected duplicate-repo validation error")
	}
}

// TestValidate_IncognitoRequiresIdentity enforces the incognito invariant:
// using the mode without a full identity is a configuration error.
func TestValidate_IncognitoRequiresIdentity(t *testing.T) {
	_, err := Load(writePolicy(t, `
writable_repos: [project/repo-x]
repo_settings:
  project/repo-x:
    auth_mode: incognito
`))
	if err == nil {
		t.Fatal("expected incognito-identity validation error")
	}

	s, err := Load(writePolicy(t, `
writable_repos: [project/repo-x]
repo_settings:
  project/repo-x:
    auth_mode: incognito
incognito:
  github_user: ghost
  git_name: Ghost Writer
  git_email: ghost@example.com
`))
	if err != nil {
		t.Fatalf("Load with full identity: %v", err)
	}
	if rec := s.Lookup("project/repo-x"); rec.AuthMode != AuthIncognito {
		t.Errorf("auth mode = %s, want incognito", rec.AuthMode)
	}
}

// TestProtected covers the default and overridden protected-branch sets.
func TestProtected(t *testing.T) {
	s := &Store{}
	for _, b := range []string{"main", "master"} {
		if !s.Protected(b) {
			t.Errorf("default set should protect %q", b)
		}
	}
	if s.Protected("agent/abc/work") {
		t.Error("agent branch should not be protected by default")
	}

	s.ProtectedBranches = []string{"release"}
	if !s.Protected("release") || s.Protected("main") {
		t.Error("override set should replace the default entirely")
	}
}
