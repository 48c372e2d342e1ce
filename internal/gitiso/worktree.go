// Package gitiso is the git-isolation substrate: gateway-managed worktrees
// on per-container branches sharing one object store per repository, plus
// the mount topology that hides git metadata from the sandbox.
package gitiso

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/khan/jib/internal/gitexec"
	"github.com/khan/jib/pkg/wire"
)

// BranchPrefix returns the branch namespace owned by a container.
func BranchPrefix(containerID string) string { return "agent/" + containerID + "/" }

// BranchName builds the conventional branch for a container and slug.
func BranchName(containerID, slug string) string {
	if slug == "" {
		slug = "work"
	}
	return BranchPrefix(containerID) + slug
}

// OwnsBranch reports whether ref falls inside the container's namespace.
func OwnsBranch(containerID, ref string) bool {
	ref = strings.TrimPrefix(ref, "refs/heads/")
	return strings.HasPrefix(ref, BranchPrefix(containerID))
}

// OwnerOf extracts the container id encoded in an agent branch name, or ""
// for branches outside the agent namespace.
func OwnerOf(ref string) string {
	ref = strings.TrimPrefix(ref, "refs/heads/")
	rest, ok := strings.CutPrefix(ref, "agent/")
	if !ok {
		return ""
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return id
}

// Manager owns the worktree index. Only the gateway mutates it.
type Manager struct {
	reposDir     string // shared clones: <reposDir>/<owner>/<name>
	worktreesDir string // per-container trees: <worktreesDir>/<cid>/<name>
	runner       gitexec.Runner

	mu    sync.Mutex
	index map[string]wire.WorktreeInfo // key: cid + "/" + repo
}

// NewManager creates a worktree manager rooted at the given directories.
func NewManager(reposDir, worktreesDir string, runner gitexec.Runner) *Manager {
	return &Manager{
		reposDir:     reposDir,
		worktreesDir: worktreesDir,
		runner:       runner,
		index:        make(map[string]wire.WorktreeInfo),
	}
}

func indexKey(containerID, repo string) string { return containerID + "/" + repo }

func (m *Manager) indexPath() string {
	return filepath.Join(m.worktreesDir, "index.json")
}

// LoadIndex reads the persisted worktree index. Called once at startup,
// before Sweep.
func (m *Manager) LoadIndex() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read worktree index: %w", err)
	}
	var records []wire.WorktreeInfo
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse worktree index: %w", err)
	}
	for _, r := range records {
		m.index[indexKey(r.ContainerID, r.Repo)] = r
	}
	return nil
}

func (m *Manager) saveIndexLocked() error {
	records := make([]wire.WorktreeInfo, 0, len(m.index))
	for _, r := range m.index {
		records = append(records, r)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.worktreesDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.indexPath(), data, 0o644)
}

// RepoDir returns the shared clone location for a repository.
func (m *Manager) RepoDir(repo string) string {
	return filepath.Join(m.reposDir, filepath.FromSlash(repo))
}

// WorkingDir returns the per-container working tree location.
func (m *Manager) WorkingDir(containerID, repo string) string {
	_, name, _ := strings.Cut(repo, "/")
	return filepath.Join(m.worktreesDir, containerID, name)
}

// Create adds a worktree for the container on a fresh branch
// agent/<cid>/<slug> and returns its record. Creating an existing
// worktree returns the existing record unchanged.
func (m *Manager) Create(ctx context.Context, containerID, repo, slug string) (wire.WorktreeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := indexKey(containerID, repo)
	if info, ok := m.index[key]; ok {
		return info, nil
	}

	repoDir := m.RepoDir(repo)
	if _, err := os.Stat(repoDir); err != nil {
		return wire.WorktreeInfo{}, fmt.Errorf("repository %s not cloned at %s: %w", repo, repoDir, err)
	}

	branch := BranchName(containerID, slug)
	workDir := m.WorkingDir(containerID, repo)
	if err := os.MkdirAll(filepath.Dir(workDir), 0o755); err != nil {
		return wire.WorktreeInfo{}, err
	}

	res, err := m.runner.Run(ctx, repoDir, "worktree", "add", "-b", branch, workDir)
	if err != nil {
		return wire.WorktreeInfo{}, fmt.Errorf("worktree add %s: %w", branch, err)
	}
	if res.ExitCode != 0 {
		return wire.WorktreeInfo{}, fmt.Errorf("worktree add %s: %s", branch, strings.TrimSpace(res.Stderr))
	}

	info := wire.WorktreeInfo{
		ContainerID: containerID,
		Repo:        repo,
		Branch:      branch,
		WorkingDir:  workDir,
		AdminDir:    filepath.Join(repoDir, ".git", "worktrees", filepath.Base(workDir)),
		CreatedAt:   time.Now().UTC(),
	}
	m.index[key] = info
	if err := m.saveIndexLocked(); err != nil {
		return wire.WorktreeInfo{}, err
	}
	slog.Info("worktree created", "container_id", containerID, "repo", repo, "branch", branch)
	return info, nil
}

// StartRunBranch moves every worktree of the container onto a fresh
// branch agent/<cid>/run-<runID>, carrying the current tree state
// forward. Each exec gets its own branch so runs never share history.
func (m *Manager) StartRunBranch(ctx context.Context, containerID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := BranchName(containerID, "run-"+runID)
	changed := false
	for key, info := range m.index {
		if info.ContainerID != containerID {
			continue
		}
		res, err := m.runner.Run(ctx, info.WorkingDir, "checkout", "-b", branch)
		if err != nil {
			return fmt.Errorf("run branch %s in %s: %w", branch, info.Repo, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("run branch %s in %s: %s", branch, info.Repo, strings.TrimSpace(res.Stderr))
		}
		info.Branch = branch
		m.index[key] = info
		changed = true
	}
	if !changed {
		return nil
	}
	slog.Info("run branch created", "container_id", containerID, "branch", branch)
	return m.saveIndexLocked()
}

// Lookup returns the record for a container/repo pair.
func (m *Manager) Lookup(containerID, repo string) (wire.WorktreeInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.index[indexKey(containerID, repo)]
	return info, ok
}

// List returns all managed worktrees.
func (m *Manager) List() []wire.WorktreeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wire.WorktreeInfo, 0, len(m.index))
	for _, info := range m.index {
		out = append(out, info)
	}
	return out
}

// Destroy removes a worktree. Uncommitted changes produce a warning with
// the path but do not block removal.
func (m *Manager) Destroy(ctx context.Context, containerID, repo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyLocked(ctx, containerID, repo)
}

func (m *Manager) destroyLocked(ctx context.Context, containerID, repo string) error {
	key := indexKey(containerID, repo)
	info, ok := m.index[key]
	if !ok {
		return fmt.Errorf("no worktree for %s in %s", containerID, repo)
	}

	if res, err := m.runner.Run(ctx, info.WorkingDir, "status", "--porcelain"); err == nil && strings.TrimSpace(res.Stdout) != "" {
		slog.Warn("removing worktree with uncommitted changes",
			"container_id", containerID, "repo", repo, "path", info.WorkingDir)
	}

	res, err := m.runner.Run(ctx, m.RepoDir(repo), "worktree", "remove", "--force", info.WorkingDir)
	if err != nil {
		return fmt.Errorf("worktree remove: %w", err)
	}
	if res.ExitCode != 0 {
		// The tree may already be gone; prune the admin records and move on.
		m.runner.Run(ctx, m.RepoDir(repo), "worktree", "prune")
	}

	delete(m.index, key)
	if err := m.saveIndexLocked(); err != nil {
		return err
	}
	slog.Info("worktree removed", "container_id", containerID, "repo", repo)
	return nil
}

// Sweep removes every worktree whose container id is not in active.
// Called at gateway startup (crash recovery) and on container shutdown.
func (m *Manager) Sweep(ctx context.Context, active map[string]bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, info := range m.index {
		if active[info.ContainerID] {
			continue
		}
		slog.Info("sweeping orphan worktree",
			"container_id", info.ContainerID, "repo", info.Repo, "path", info.WorkingDir)
		if err := m.destroyLocked(ctx, info.ContainerID, info.Repo); err != nil {
			slog.Warn("orphan sweep failed", "key", key, "error", err)
			continue
		}
		removed++
	}
	return removed
}
