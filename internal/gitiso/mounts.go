package gitiso

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Mount is one bind or tmpfs mount in a container plan.
type Mount struct {
	Type     string // "bind" or "tmpfs"
	Source   string // host path, empty for tmpfs
	Target   string // container path
	ReadOnly bool
}

// MountPlan is the full mount topology for one sandboxed session. The
// working tree is visible; the repository's git metadata is not: a tmpfs
// shadows the worktree's .git link so nothing inside the container can
// read object-store paths or write refs directly.
type MountPlan struct {
	Mounts []Mount
	// Env is the non-secret environment the container receives. The
	// gateway address and container identity go in; credentials never do.
	Env []string
}

// forbiddenEnvPrefixes are credential-bearing variables that must never
// appear in a container environment.
var forbiddenEnvPrefixes = []string{
	"GITHUB_TOKEN", "SLACK_BOT_TOKEN", "SLACK_APP_TOKEN",
	"ANTHROPIC_API_KEY", "ANTHROPIC_OAUTH_TOKEN",
	"INCOGNITO_GITHUB_TOKEN", "CONFLUENCE_API_TOKEN",
	"AWS_", "GOOGLE_APPLICATION_CREDENTIALS",
}

// CheckEnv rejects environments that would leak credentials into the
// sandbox. Every plan passes through here before container start.
func CheckEnv(env []string) error {
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		for _, p := range forbiddenEnvPrefixes {
			if strings.HasPrefix(key, p) {
				return fmt.Errorf("credential variable %s must not enter the sandbox", key)
			}
		}
	}
	return nil
}

// PlanOptions configures NewMountPlan.
type PlanOptions struct {
	ContainerID string
	GatewayURL  string
	SharingDir  string // host sharing/ directory, bind-mounted read-write
	ShimPath    string // host path of the jib binary, mounted as the shim
	Worktrees   []RepoMount
	PrivateMode bool
}

// RepoMount is the subset of a worktree record the planner needs.
type RepoMount struct {
	Repo       string
	WorkingDir string
}

// WorktreeMount describes one repository mount for the plan.
func WorktreeMount(repo, workingDir string) RepoMount {
	return RepoMount{Repo: repo, WorkingDir: workingDir}
}

// NewMountPlan assembles the mount and environment plan for a session.
func NewMountPlan(opts PlanOptions) (*MountPlan, error) {
	plan := &MountPlan{}

	repos := make([]string, 0, len(opts.Worktrees))
	for _, wt := range opts.Worktrees {
		repos = append(repos, wt.Repo)
		_, name, _ := strings.Cut(wt.Repo, "/")
		target := filepath.Join("/home/agent/work", name)
		plan.Mounts = append(plan.Mounts,
			Mount{Type: "bind", Source: wt.WorkingDir, Target: target},
			// Shadow the .git gitfile so the container cannot follow it
			// back to the shared object store.
			Mount{Type: "tmpfs", Target: filepath.Join(target, ".git")},
		)
	}

	if opts.SharingDir != "" {
		plan.Mounts = append(plan.Mounts, Mount{
			Type: "bind", Source: opts.SharingDir, Target: "/home/agent/sharing",
		})
	}
	if opts.ShimPath != "" {
		// One binary serves as both wrappers; the image symlinks
		// git and gh in /usr/local/bin to it.
		plan.Mounts = append(plan.Mounts, Mount{
			Type: "bind", Source: opts.ShimPath, Target: "/usr/local/bin/jib", ReadOnly: true,
		})
	}

	plan.Env = []string{
		"JIB_GATEWAY_URL=" + opts.GatewayURL,
		"JIB_CONTAINER_ID=" + opts.ContainerID,
		// The model client inside the sandbox talks to the gateway's
		// proxy, never to the upstream API.
		"ANTHROPIC_BASE_URL=" + opts.GatewayURL,
		"JIB_REPOS=" + strings.Join(repos, ","),
	}
	if opts.PrivateMode {
		plan.Env = append(plan.Env, "JIB_PRIVATE_MODE=1")
	}
	if err := CheckEnv(plan.Env); err != nil {
		return nil, err
	}
	return plan, nil
}
