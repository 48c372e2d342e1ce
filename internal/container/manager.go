package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/khan/jib/internal/config"
	"github.com/khan/jib/internal/gitiso"
	"github.com/khan/jib/pkg/wire"
)

// ErrNoActiveContainer is returned by ExecRun when no session is up. The
// dispatcher maps it to the no_active_container error kind.
var ErrNoActiveContainer = errors.New(wire.ErrNoActiveContainer)

// labelSession marks containers managed by jib.
const labelSession = "jib.session"

// runtime is the container backend; Docker in production.
type runtime interface {
	EnsureImage(ctx context.Context, ref string) error
	Start(ctx context.Context, spec CreateSpec) (string, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Exec(ctx context.Context, id string, argv, env []string, stdout, stderr io.Writer) (ExecResult, error)
	ListByLabel(ctx context.Context, key, value string) ([]Running, error)
}

// Manager starts sandbox sessions and execs runs into them.
type Manager struct {
	cfg       *config.Config
	docker    runtime
	worktrees *gitiso.Manager
	runlog    *RunLog
	shimPath  string
}

// NewManager wires the lifecycle manager. shimPath is the host-side jib
// binary mounted into the sandbox as the git/gh wrapper.
func NewManager(cfg *config.Config, docker runtime, wt *gitiso.Manager, shimPath string) *Manager {
	return &Manager{
		cfg:       cfg,
		docker:    docker,
		worktrees: wt,
		runlog:    NewRunLog(cfg.ContainerLogsDir()),
		shimPath:  shimPath,
	}
}

// RunLog exposes the log store for the CLI.
func (m *Manager) RunLog() *RunLog { return m.runlog }

// Session describes a started sandbox.
type Session struct {
	ContainerID string // short logical id, also the branch namespace
	DockerID    string
	Repos       []string
	PrivateMode bool
}

// StartSession creates worktrees for the requested repos and starts a
// sandbox container over them. The environment contract is the gateway
// address and identity only; credentials stay on this side.
func (m *Manager) StartSession(ctx context.Context, repos []string, privateMode bool) (*Session, error) {
	if err := m.docker.EnsureImage(ctx, m.cfg.Container.Image); err != nil {
		return nil, err
	}

	cid := "c" + uuid.NewString()[:8]
	var mounts []gitiso.RepoMount
	for _, repo := range repos {
		info, err := m.worktrees.Create(ctx, cid, repo, "work")
		if err != nil {
			return nil, fmt.Errorf("worktree for %s: %w", repo, err)
		}
		mounts = append(mounts, gitiso.WorktreeMount(repo, info.WorkingDir))
	}

	plan, err := gitiso.NewMountPlan(gitiso.PlanOptions{
		ContainerID: cid,
		GatewayURL:  m.cfg.GatewayURL(),
		SharingDir:  m.cfg.SharingDir(),
		ShimPath:    m.shimPath,
		Worktrees:   mounts,
		PrivateMode: privateMode,
	})
	if err != nil {
		return nil, err
	}

	dockerID, err := m.docker.Start(ctx, CreateSpec{
		Name:        "jib-" + cid,
		Image:       m.cfg.Container.Image,
		Plan:        plan,
		NetworkMode: m.cfg.Container.NetworkMode,
		MemoryMB:    m.cfg.Container.MemoryMB,
		CPUs:        m.cfg.Container.CPUs,
		Labels:      map[string]string{labelSession: cid},
	})
	if err != nil {
		// Leave no half-session behind.
		for _, repo := range repos {
			m.worktrees.Destroy(ctx, cid, repo)
		}
		return nil, err
	}

	slog.Info("session started", "container_id", cid, "repos", repos, "private_mode", privateMode)
	return &Session{ContainerID: cid, DockerID: dockerID, Repos: repos, PrivateMode: privateMode}, nil
}

// Active returns the logical container ids of running sessions, for the
// startup worktree sweep.
func (m *Manager) Active(ctx context.Context) (map[string]bool, error) {
	list, err := m.docker.ListByLabel(ctx, labelSession, "")
	if err != nil {
		return nil, err
	}
	active := make(map[string]bool, len(list))
	for _, c := range list {
		if c.State != "running" {
			continue
		}
		// Name is jib-<cid>.
		if len(c.Name) > 4 {
			active[c.Name[4:]] = true
		}
	}
	return active, nil
}

// current returns the single running session, or nil.
func (m *Manager) current(ctx context.Context) (*Running, string, error) {
	list, err := m.docker.ListByLabel(ctx, labelSession, "")
	if err != nil {
		return nil, "", err
	}
	for _, c := range list {
		if c.State == "running" && len(c.Name) > 4 {
			return &c, c.Name[4:], nil
		}
	}
	return nil, "", nil
}

// ExecSpec describes one correlated run inside the active session.
type ExecSpec struct {
	Argv      []string
	Origin    Origin
	SourceRef string
	ContextID string
	ThreadTS  string
}

// ExecRun executes argv in the running session, captures output to the
// per-origin log file, and records the correlation on exit. Returns
// ErrNoActiveContainer when no session is up. The configured max wall
// time bounds the run; hitting it records a timed-out outcome.
func (m *Manager) ExecRun(ctx context.Context, spec ExecSpec) (*Run, error) {
	active, cid, err := m.current(ctx)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, ErrNoActiveContainer
	}

	runID := uuid.NewString()[:12]
	// Every run works on its own branch inside the session's namespace.
	if err := m.worktrees.StartRunBranch(ctx, cid, runID); err != nil {
		return nil, err
	}
	logPath, err := m.runlog.LogPath(spec.Origin, runID)
	if err != nil {
		return nil, err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	run := Run{
		RunID:       runID,
		Origin:      spec.Origin,
		SourceRef:   spec.SourceRef,
		StartedAt:   time.Now().UTC(),
		ContainerID: cid,
		LogsPath:    logPath,
		ContextID:   spec.ContextID,
	}

	env := []string{
		"JIB_RUN_ID=" + runID,
	}
	if spec.ContextID != "" {
		env = append(env, "JIB_CONTEXT_ID="+spec.ContextID)
	}
	if spec.ThreadTS != "" {
		env = append(env, "JIB_THREAD_TS="+spec.ThreadTS)
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if wall := m.cfg.Container.ExecMaxWall; wall > 0 {
		execCtx, cancel = context.WithTimeout(ctx, wall)
		defer cancel()
	}

	slog.Info("run starting", "run_id", runID, "origin", spec.Origin, "context_id", spec.ContextID)
	res, execErr := m.docker.Exec(execCtx, active.ID, spec.Argv, env, logFile, logFile)

	run.FinishedAt = time.Now().UTC()
	run.ExitStatus = res.ExitCode
	if execErr != nil && errors.Is(execErr, context.DeadlineExceeded) {
		run.TimedOut = true
		run.ExitStatus = -1
		execErr = nil
	}
	if err := m.runlog.Finish(run); err != nil {
		slog.Warn("run record write failed", "run_id", runID, "error", err)
	}
	if execErr != nil {
		return &run, execErr
	}
	slog.Info("run finished", "run_id", runID, "exit_status", run.ExitStatus, "timed_out", run.TimedOut)
	return &run, nil
}

// StopSession stops the session and destroys its worktrees.
func (m *Manager) StopSession(ctx context.Context, s *Session) error {
	if err := m.docker.Stop(ctx, s.DockerID, 10*time.Second); err != nil {
		return err
	}
	for _, repo := range s.Repos {
		if err := m.worktrees.Destroy(ctx, s.ContainerID, repo); err != nil {
			slog.Warn("worktree cleanup failed", "container_id", s.ContainerID, "repo", repo, "error", err)
		}
	}
	return nil
}
