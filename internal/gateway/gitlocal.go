package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/khan/jib/internal/gitexec"
	"github.com/khan/jib/internal/gitiso"
	"github.com/khan/jib/pkg/wire"
)

// GitLocal serves POST /git/local: allow-listed metadata and commit
// commands executed host-side in the caller's worktree. No credentials
// are involved; refusal is the default.
type GitLocal struct {
	allow     *Allowlist
	worktrees *gitiso.Manager
	runner    gitexec.Runner
	reqlog    *RequestLog
}

// NewGitLocal wires the local-exec endpoint.
func NewGitLocal(allow *Allowlist, wt *gitiso.Manager, runner gitexec.Runner, reqlog *RequestLog) *GitLocal {
	return &GitLocal{allow: allow, worktrees: wt, runner: runner, reqlog: reqlog}
}

// RegisterRoutes mounts the endpoint.
func (g *GitLocal) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /git/local", g.handle)
}

func (g *GitLocal) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req wire.GitLocalRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	entry := LogEntry{
		RequestID:   requestID(r),
		ContainerID: req.ContainerID,
		Op:          "git.local",
		Repo:        req.Repo,
		Detail:      gitexec.Quote(req.Argv),
	}

	if reason := g.allow.Check(req.Argv); reason != "" {
		entry.Outcome, entry.ErrorKind = "denied", wire.ErrNotAllowed
		entry.Duration = time.Since(started).Milliseconds()
		g.reqlog.Record(entry)
		writeError(w, r, wire.ErrNotAllowed, reason)
		return
	}

	wt, ok := g.worktrees.Lookup(req.ContainerID, req.Repo)
	if !ok {
		entry.Outcome, entry.ErrorKind = "denied", wire.ErrNotAllowed
		entry.Duration = time.Since(started).Milliseconds()
		g.reqlog.Record(entry)
		writeError(w, r, wire.ErrNotAllowed,
			fmt.Sprintf("container %s has no worktree for %s", req.ContainerID, req.Repo))
		return
	}

	res, err := g.runner.Run(r.Context(), wt.WorkingDir, req.Argv...)
	if err != nil {
		entry.Outcome, entry.ErrorKind = "failed", wire.ErrTimeout
		entry.Duration = time.Since(started).Milliseconds()
		g.reqlog.Record(entry)
		writeError(w, r, wire.ErrTimeout, err.Error())
		return
	}

	entry.Outcome = "ok"
	entry.Duration = time.Since(started).Milliseconds()
	g.reqlog.Record(entry)
	writeJSON(w, wire.GitLocalResponse{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode})
}
