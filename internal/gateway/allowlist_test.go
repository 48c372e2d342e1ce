package gateway

import (
	"os"
	"path/filepath"
	"testing"
)

// TestAllowlist_Check walks the accept/refuse table for the local git
// surface.
func TestAllowlist_Check(t *testing.T) {
	al := DefaultAllowlist()

	tests := []struct {
		name string
		argv []string
		ok   bool
	}{
		{"status", []string{"status"}, true},
		{"status porcelain", []string{"status", "--porcelain"}, true},
		{"diff cached", []string{"diff", "--cached"}, true},
		{"log oneline", []string{"log", "--oneline", "-n", "20"}, true},
		{"add all", []string{"add", "-A"}, true},
		{"commit message", []string{"commit", "-m", "fix tests"}, true},
		{"commit bundled flags", []string{"commit", "-am", "fix"}, false},
		{"branch list", []string{"branch", "--list"}, true},
		{"checkout new", []string{"checkout", "-b", "agent/c1/fix"}, true},
		{"push refused", []string{"push", "origin", "main"}, false},
		{"fetch refused", []string{"fetch"}, false},
		{"unknown subcommand", []string{"filter-branch"}, false},
		{"config flag blocked", []string{"status", "-c", "core.hooksPath=/tmp/x"}, false},
		{"git-dir blocked", []string{"log", "--git-dir=/other/.git"}, false},
		{"work-tree blocked", []string{"diff", "--work-tree=/other"}, false},
		{"no-verify blocked", []string{"commit", "-m", "x", "--no-verify"}, false},
		{"exec-path blocked", []string{"status", "--exec-path=/tmp"}, false},
		{"hooks path in value", []string{"commit", "-m", "core.hooksPath=/evil"}, false},
		{"unknown flag", []string{"status", "--ignored"}, false},
		{"empty", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := al.Check(tt.argv)
			if tt.ok && reason != "" {
				t.Errorf("Check(%v) refused: %s", tt.argv, reason)
			}
			if !tt.ok && reason == "" {
				t.Errorf("Check(%v) accepted, want refusal", tt.argv)
			}
		})
	}
}

// TestAllowlist_Check_CommitAM verifies bundled short flags decompose:
// -am is -a + -m, and -a is not on commit's list.
func TestAllowlist_Check_CommitAM(t *testing.T) {
	al := DefaultAllowlist()
	if reason := al.Check([]string{"commit", "-am", "msg"}); reason == "" {
		t.Error("commit -am accepted; -a is not an allowed commit flag")
	}
}

// TestLoadAllowlist_Override verifies a JSON5 override file can extend the
// built-in tables.
func TestLoadAllowlist_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist.json5")
	override := `{
	// site-local additions
	subcommands: {
		"cherry-pick": ["--abort", "--continue"],
	},
	blocked_flags: ["--force"],
}`
	if err := os.WriteFile(path, []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}

	al, err := LoadAllowlist(path)
	if err != nil {
		t.Fatalf("LoadAllowlist: %v", err)
	}
	if reason := al.Check([]string{"cherry-pick", "--abort"}); reason != "" {
		t.Errorf("override subcommand refused: %s", reason)
	}
	if reason := al.Check([]string{"rm", "--force"}); reason == "" {
		t.Error("override blocked flag accepted")
	}
	if reason := al.Check([]string{"status"}); reason != "" {
		t.Errorf("built-in subcommand lost after override: %s", reason)
	}
}

// TestLoadAllowlist_Missing verifies an empty path means built-ins only.
func TestLoadAllowlist_Missing(t *testing.T) {
	al, err := LoadAllowlist("")
	if err != nil {
		t.Fatal(err)
	}
	if reason := al.Check([]string{"status"}); reason != "" {
		t.Errorf("default allowlist refused status: %s", reason)
	}
}
