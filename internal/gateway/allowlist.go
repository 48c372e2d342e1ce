package gateway

import (
	"fmt"
	"os"
	"strings"

	"github.com/titanous/json5"
)

// Allowlist is the declarative table of git subcommands and flags the
// local-exec endpoint will run. Everything not listed is refused.
type Allowlist struct {
	// Subcommands maps a permitted subcommand to its permitted long and
	// short flags. A nil/empty flag list means "no flags beyond globals".
	Subcommands map[string][]string `json:"subcommands"`

	// BlockedFlags are refused regardless of subcommand. These are the
	// flags that redirect git at another repository, another executable,
	// or around hooks.
	BlockedFlags []string `json:"blocked_flags"`

	// BlockedConfigKeys are git config keys refused as arguments anywhere
	// in argv (hook and credential redirection).
	BlockedConfigKeys []string `json:"blocked_config_keys"`
}

// DefaultAllowlist covers the local metadata and commit workflow. Network
// verbs are intentionally absent: they go through the git proxy.
func DefaultAllowlist() *Allowlist {
	return &Allowlist{
		Subcommands: map[string][]string{
			"status":    {"--porcelain", "--short", "-s", "--branch", "-b", "--untracked-files", "-u"},
			"diff":      {"--stat", "--cached", "--staged", "--name-only", "--name-status", "--color", "--no-color", "-U", "--unified"},
			"log":       {"--oneline", "--graph", "--stat", "--max-count", "-n", "--author", "--since", "--until", "--follow", "--format", "--pretty", "--no-color"},
			"show":      {"--stat", "--name-only", "--format", "--pretty", "--no-color"},
			"add":       {"--all", "-A", "--update", "-u", "--patch", "-p", "--intent-to-add", "-N"},
			"rm":        {"--cached", "-r", "--force", "-f"},
			"mv":        {},
			"restore":   {"--staged", "--source", "--worktree"},
			"commit":    {"--message", "-m", "--amend", "--allow-empty", "--no-edit", "--author", "--file", "-F"},
			"branch":    {"--list", "--show-current", "--delete", "-d", "-D", "--move", "-m", "--all", "-a", "--verbose", "-v"},
			"checkout":  {"-b", "-B", "--track", "--detach"},
			"switch":    {"--create", "-c", "--detach"},
			"stash":     {"list", "show", "pop", "push", "drop", "--include-untracked", "-u", "--message", "-m"},
			"rev-parse": {"--abbrev-ref", "--short", "--verify", "--show-toplevel"},
		},
		BlockedFlags: []string{
			"-c", "--config-env", "--exec-path", "--upload-pack",
			"--receive-pack", "--no-verify", "--git-dir", "--work-tree",
			"--namespace", "--super-prefix",
		},
		BlockedConfigKeys: []string{
			"core.hookspath", "core.fsmonitor", "core.sshcommand",
			"core.pager", "core.editor", "credential.helper",
		},
	}
}

// LoadAllowlist returns the built-in table, merged with overrides from a
// JSON5 file when path is non-empty. Overrides replace per-subcommand
// entries and append to the blocked lists.
func LoadAllowlist(path string) (*Allowlist, error) {
	al := DefaultAllowlist()
	if path == "" {
		return al, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allowlist override: %w", err)
	}
	var override Allowlist
	if err := json5.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse allowlist override %s: %w", path, err)
	}
	for sub, flags := range override.Subcommands {
		al.Subcommands[sub] = flags
	}
	al.BlockedFlags = append(al.BlockedFlags, override.BlockedFlags...)
	al.BlockedConfigKeys = append(al.BlockedConfigKeys, override.BlockedConfigKeys...)
	return al, nil
}

// Check validates argv (argv[0] is the subcommand). It returns a
// human-readable reason on refusal, empty on acceptance.
func (a *Allowlist) Check(argv []string) string {
	if len(argv) == 0 {
		return "empty command"
	}
	sub := argv[0]
	allowedFlags, ok := a.Subcommands[sub]
	if !ok {
		return fmt.Sprintf("git subcommand %q is not allowed", sub)
	}

	for _, arg := range argv[1:] {
		lower := strings.ToLower(arg)
		for _, key := range a.BlockedConfigKeys {
			if strings.Contains(lower, key) {
				return fmt.Sprintf("argument %q touches blocked config key %s", arg, key)
			}
		}
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		// Normalize --flag=value to --flag for matching.
		flag, _, _ := strings.Cut(arg, "=")
		for _, blocked := range a.BlockedFlags {
			if flag == blocked {
				return fmt.Sprintf("flag %q is blocked", flag)
			}
		}
		if !flagAllowed(flag, allowedFlags) {
			return fmt.Sprintf("flag %q is not allowed for git %s", flag, sub)
		}
	}
	return ""
}

func flagAllowed(flag string, allowed []string) bool {
	for _, f := range allowed {
		if flag == f {
			return true
		}
	}
	// Bundled short flags like -am decompose to single letters.
	if len(flag) > 2 && flag[0] == '-' && flag[1] != '-' {
		for _, r := range flag[1:] {
			if !flagAllowed("-"+string(r), allowed) {
				return false
			}
		}
		return true
	}
	return false
}
