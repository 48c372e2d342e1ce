package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/khan/jib/internal/gitexec"
	"github.com/khan/jib/internal/gitiso"
	"github.com/khan/jib/internal/policy"
	"github.com/khan/jib/pkg/wire"
)

// GitProxy serves /git/push, /git/fetch, /git/pull and /git/ls-remote.
// All network git runs host-side with credentials injected into the
// remote URL for the duration of one command; the sandbox never sees
// a token or the real remote.
type GitProxy struct {
	vault     *Vault
	policy    *policy.Store
	worktrees *gitiso.Manager
	runner    gitexec.Runner
	reqlog    *RequestLog

	// repoLocks serializes pushes per repository so two containers never
	// interleave ref updates on the shared remote.
	repoLocks sync.Map // repo -> *sync.Mutex
}

// NewGitProxy wires the network git proxy.
func NewGitProxy(vault *Vault, pol *policy.Store, wt *gitiso.Manager, runner gitexec.Runner, reqlog *RequestLog) *GitProxy {
	return &GitProxy{vault: vault, policy: pol, worktrees: wt, runner: runner, reqlog: reqlog}
}

// RegisterRoutes mounts the network verbs.
func (p *GitProxy) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /git/push", p.handlePush)
	mux.HandleFunc("POST /git/fetch", p.verbHandler("fetch"))
	mux.HandleFunc("POST /git/pull", p.verbHandler("pull"))
	mux.HandleFunc("POST /git/ls-remote", p.verbHandler("ls-remote"))
}

func (p *GitProxy) lockRepo(repo string) func() {
	v, _ := p.repoLocks.LoadOrStore(repo, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// remoteURL builds the authenticated HTTPS remote. The credential lives
// in this string only for the lifetime of one git invocation.
func remoteURL(repo string, cred *GitCredential) string {
	return fmt.Sprintf("https://%s:%s@github.com/%s.git",
		url.QueryEscape(cred.Username), url.QueryEscape(cred.Token), repo)
}

// scrubToken removes any credential fragment from git output before it
// travels back to the sandbox.
func scrubToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

// handlePush is the push state machine: validate the request, authorize
// branch ownership and protection, resolve a token, then execute with a
// single token-refresh retry on upstream 401.
func (p *GitProxy) handlePush(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req wire.GitNetworkRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	deny := func(kind, msg string) {
		p.reqlog.Record(LogEntry{
			RequestID: requestID(r), ContainerID: req.ContainerID, Op: "git.push",
			Repo: req.Repo, Detail: req.Refspec, Outcome: "denied", ErrorKind: kind,
			Duration: time.Since(started).Milliseconds(),
		})
		writeError(w, r, kind, msg)
	}

	// AUTHORIZE: every check happens before any network traffic.
	if !p.policy.Writable(req.Repo) {
		deny(wire.ErrNotAllowed, fmt.Sprintf("repository %s is not writable", req.Repo))
		return
	}
	branch := pushedBranch(req.Refspec)
	if branch == "" {
		deny(wire.ErrNotAllowed, "refspec must name a branch")
		return
	}
	if p.policy.Protected(branch) {
		deny(wire.ErrProtectedBranch, fmt.Sprintf("branch %s is protected", branch))
		return
	}
	if !gitiso.OwnsBranch(req.ContainerID, branch) {
		deny(wire.ErrBranchNotOwned,
			fmt.Sprintf("branch %s is outside the %s namespace", branch, gitiso.BranchPrefix(req.ContainerID)))
		return
	}
	wt, ok := p.worktrees.Lookup(req.ContainerID, req.Repo)
	if !ok {
		deny(wire.ErrNotAllowed, fmt.Sprintf("container %s has no worktree for %s", req.ContainerID, req.Repo))
		return
	}

	// AUTH_TOKEN: mint or read the cached credential.
	p.vault.Refresh()
	cred, err := p.vault.GitCredentialFor(r.Context(), req.Repo)
	if err != nil {
		deny(wire.ErrUnauthorized, err.Error())
		return
	}

	// EXECUTE, serialized per repository.
	unlock := p.lockRepo(req.Repo)
	defer unlock()

	res, err := p.runPush(r.Context(), wt.WorkingDir, req, cred)
	if err == nil && res.ExitCode != 0 && isAuthFailure(res.Stderr) {
		// One refresh retry: the cached installation token may have
		// expired mid-flight.
		p.vault.InvalidateAppToken()
		if cred, err = p.vault.GitCredentialFor(r.Context(), req.Repo); err == nil {
			res, err = p.runPush(r.Context(), wt.WorkingDir, req, cred)
		}
	}
	if err != nil {
		p.reqlog.Record(LogEntry{
			RequestID: requestID(r), ContainerID: req.ContainerID, Op: "git.push",
			Repo: req.Repo, Detail: req.Refspec, Outcome: "failed", ErrorKind: wire.ErrTimeout,
			Duration: time.Since(started).Milliseconds(),
		})
		writeError(w, r, wire.ErrTimeout, err.Error())
		return
	}

	outcome := "ok"
	if res.ExitCode != 0 {
		outcome = "failed"
	}
	p.reqlog.Record(LogEntry{
		RequestID: requestID(r), ContainerID: req.ContainerID, Op: "git.push",
		Repo: req.Repo, Detail: req.Refspec, Outcome: outcome,
		Duration: time.Since(started).Milliseconds(),
	})
	writeJSON(w, wire.GitNetworkResponse{
		Stdout:   scrubToken(res.Stdout, cred.Token),
		Stderr:   scrubToken(res.Stderr, cred.Token),
		ExitCode: res.ExitCode,
	})
}

func (p *GitProxy) runPush(ctx context.Context, dir string, req wire.GitNetworkRequest, cred *GitCredential) (gitexec.Result, error) {
	argv := []string{"push", remoteURL(req.Repo, cred), req.Refspec}
	if req.Force {
		argv = append(argv, "--force-with-lease")
	}
	return p.runner.Run(ctx, dir, argv...)
}

// verbHandler serves the read-only network verbs. Reads need a known
// repo and a worktree but no ownership checks.
func (p *GitProxy) verbHandler(verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		var req wire.GitNetworkRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if !p.policy.Known(req.Repo) {
			writeError(w, r, wire.ErrNotAllowed, fmt.Sprintf("repository %s is not in the policy", req.Repo))
			return
		}
		wt, ok := p.worktrees.Lookup(req.ContainerID, req.Repo)
		if !ok {
			writeError(w, r, wire.ErrNotAllowed, fmt.Sprintf("container %s has no worktree for %s", req.ContainerID, req.Repo))
			return
		}

		p.vault.Refresh()
		cred, err := p.vault.GitCredentialFor(r.Context(), req.Repo)
		if err != nil {
			writeError(w, r, wire.ErrUnauthorized, err.Error())
			return
		}

		argv := []string{verb, remoteURL(req.Repo, cred)}
		if req.Refspec != "" {
			argv = append(argv, req.Refspec)
		}
		res, err := p.runner.Run(r.Context(), wt.WorkingDir, argv...)
		if err != nil {
			writeError(w, r, wire.ErrTimeout, err.Error())
			return
		}
		p.reqlog.Record(LogEntry{
			RequestID: requestID(r), ContainerID: req.ContainerID, Op: "git." + verb,
			Repo: req.Repo, Detail: req.Refspec, Outcome: "ok",
			Duration: time.Since(started).Milliseconds(),
		})
		writeJSON(w, wire.GitNetworkResponse{
			Stdout:   scrubToken(res.Stdout, cred.Token),
			Stderr:   scrubToken(res.Stderr, cred.Token),
			ExitCode: res.ExitCode,
		})
	}
}

// pushedBranch extracts the destination branch from a refspec. A bare
// branch pushes to itself; "src:dst" pushes to dst.
func pushedBranch(refspec string) string {
	if refspec == "" {
		return ""
	}
	_, dst, ok := strings.Cut(refspec, ":")
	if !ok {
		dst = refspec
	}
	dst = strings.TrimPrefix(dst, "+")
	return strings.TrimPrefix(dst, "refs/heads/")
}

func isAuthFailure(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "authentication failed") ||
		strings.Contains(s, "401") ||
		strings.Contains(s, "invalid credentials")
}
