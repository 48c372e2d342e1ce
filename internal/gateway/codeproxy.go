package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/khan/jib/internal/policy"
	"github.com/khan/jib/pkg/wire"
)

// CodeProxy serves the /code/... surface over the code-hosting API. All
// authentication happens here; the sandbox sees only reduced JSON views.
type CodeProxy struct {
	vault      *Vault
	policy     *policy.Store
	visibility *VisibilityCache
	private    bool
	reqlog     *RequestLog
}

// NewCodeProxy wires the proxy. privateMode gates public-repo reads.
func NewCodeProxy(vault *Vault, pol *policy.Store, vis *VisibilityCache, privateMode bool, reqlog *RequestLog) *CodeProxy {
	return &CodeProxy{vault: vault, policy: pol, visibility: vis, private: privateMode, reqlog: reqlog}
}

// RegisterRoutes mounts the code-hosting endpoints.
func (p *CodeProxy) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /code/{owner}/{name}/pr/{number}", p.handlePRGet)
	mux.HandleFunc("GET /code/{owner}/{name}/prs", p.handlePRList)
	mux.HandleFunc("POST /code/{owner}/{name}/pr", p.handlePRCreate)
	mux.HandleFunc("POST /code/{owner}/{name}/pr/{number}/comment", p.handlePRComment)
	mux.HandleFunc("POST /code/{owner}/{name}/pr/{number}/review", p.handlePRReview)
	mux.HandleFunc("PUT /code/{owner}/{name}/pr/{number}/merge", p.handleMerge)
	mux.HandleFunc("GET /code/{owner}/{name}/checks/{ref}", p.handleChecks)
	mux.HandleFunc("GET /code/{owner}/{name}/tree/{ref}", p.handleTree)
}

// authorize runs the shared policy gates for a repository access and
// returns the API client, or writes the error and returns nil.
func (p *CodeProxy) authorize(w http.ResponseWriter, r *http.Request, repo string, write bool) *gogithub.Client {
	p.vault.Refresh()

	if !p.policy.Known(repo) {
		writeError(w, r, wire.ErrNotAllowed, fmt.Sprintf("repository %s is not in the policy", repo))
		return nil
	}
	if write && !p.policy.Writable(repo) {
		writeError(w, r, wire.ErrNotAllowed, fmt.Sprintf("repository %s is read-only", repo))
		return nil
	}
	if p.private && !write {
		private, err := p.visibility.Private(r.Context(), repo)
		if err != nil {
			writeError(w, r, wire.ErrUpstream5xx, "visibility check failed: "+err.Error())
			return nil
		}
		if !private {
			writeError(w, r, wire.ErrBlockedVisibility,
				fmt.Sprintf("private mode blocks reads of public repository %s", repo))
			return nil
		}
	}

	client, err := p.vault.GitHubClient(r.Context(), repo)
	if err != nil {
		writeError(w, r, wire.ErrUnauthorized, err.Error())
		return nil
	}
	return client
}

func (p *CodeProxy) record(r *http.Request, op, repo, detail, outcome, kind string, started time.Time) {
	p.reqlog.Record(LogEntry{
		RequestID: requestID(r),
		Op:        op,
		Repo:      repo,
		Detail:    detail,
		Outcome:   outcome,
		ErrorKind: kind,
		Duration:  time.Since(started).Milliseconds(),
	})
}

func repoOf(r *http.Request) (owner, name, full string) {
	owner, name = r.PathValue("owner"), r.PathValue("name")
	return owner, name, owner + "/" + name
}

// upstreamError maps an API error to the pass-through kinds.
func upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	var ghErr *gogithub.ErrorResponse
	if ok := asGitHubError(err, &ghErr); ok {
		kind := wire.ErrUpstream5xx
		if ghErr.Response != nil && ghErr.Response.StatusCode < 500 {
			kind = wire.ErrUpstream4xx
			if ghErr.Response.StatusCode == http.StatusUnauthorized {
				kind = wire.ErrUnauthorized
			}
		}
		writeError(w, r, kind, ghErr.Message)
		return
	}
	if r.Context().Err() != nil {
		writeError(w, r, wire.ErrTimeout, err.Error())
		return
	}
	writeError(w, r, wire.ErrUpstream5xx, err.Error())
}

func asGitHubError(err error, target **gogithub.ErrorResponse) bool {
	for err != nil {
		if e, ok := err.(*gogithub.ErrorResponse); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func reducePR(full string, pr *gogithub.PullRequest) wire.PullRequest {
	out := wire.PullRequest{
		Repo:   full,
		Number: pr.GetNumber(),
		Title:  pr.GetTitle(),
		Body:   pr.GetBody(),
		State:  pr.GetState(),
		Author: pr.GetUser().GetLogin(),
		URL:    pr.GetHTMLURL(),
	}
	out.HeadRef = pr.GetHead().GetRef()
	out.BaseRef = pr.GetBase().GetRef()
	out.UpdatedAt = pr.GetUpdatedAt().Time
	return out
}

func (p *CodeProxy) handlePRGet(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	owner, name, full := repoOf(r)
	client := p.authorize(w, r, full, false)
	if client == nil {
		p.record(r, "pr.get", full, "", "denied", wire.ErrNotAllowed, started)
		return
	}
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil {
		writeError(w, r, wire.ErrNotAllowed, "bad PR number")
		return
	}
	pr, _, err := client.PullRequests.Get(r.Context(), owner, name, number)
	if err != nil {
		upstreamError(w, r, err)
		p.record(r, "pr.get", full, fmt.Sprintf("#%d", number), "failed", wire.ErrUpstream5xx, started)
		return
	}
	p.record(r, "pr.get", full, fmt.Sprintf("#%d", number), "ok", "", started)
	writeJSON(w, reducePR(full, pr))
}

func (p *CodeProxy) handlePRList(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	owner, name, full := repoOf(r)
	client := p.authorize(w, r, full, false)
	if client == nil {
		return
	}
	state := r.URL.Query().Get("state")
	if state == "" {
		state = "open"
	}
	prs, _, err := client.PullRequests.List(r.Context(), owner, name,
		&gogithub.PullRequestListOptions{State: state, ListOptions: gogithub.ListOptions{PerPage: 50}})
	if err != nil {
		upstreamError(w, r, err)
		return
	}
	out := make([]wire.PullRequest, 0, len(prs))
	for _, pr := range prs {
		out = append(out, reducePR(full, pr))
	}
	p.record(r, "pr.list", full, state, "ok", "", started)
	writeJSON(w, out)
}

func (p *CodeProxy) handlePRCreate(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	owner, name, full := repoOf(r)
	client := p.authorize(w, r, full, true)
	if client == nil {
		p.record(r, "pr.create", full, "", "denied", wire.ErrNotAllowed, started)
		return
	}
	var req wire.PRCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pr, _, err := client.PullRequests.Create(r.Context(), owner, name, &gogithub.NewPullRequest{
		Title: gogithub.Ptr(req.Title),
		Body:  gogithub.Ptr(req.Body),
		Head:  gogithub.Ptr(req.Head),
		Base:  gogithub.Ptr(req.Base),
		Draft: gogithub.Ptr(req.Draft),
	})
	if err != nil {
		upstreamError(w, r, err)
		p.record(r, "pr.create", full, req.Head, "failed", wire.ErrUpstream5xx, started)
		return
	}
	p.record(r, "pr.create", full, fmt.Sprintf("#%d %s", pr.GetNumber(), req.Head), "ok", "", started)
	writeJSON(w, reducePR(full, pr))
}

func (p *CodeProxy) handlePRComment(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	owner, name, full := repoOf(r)
	client := p.authorize(w, r, full, true)
	if client == nil {
		return
	}
	number, _ := strconv.Atoi(r.PathValue("number"))
	var req wire.PRCommentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	_, _, err := client.Issues.CreateComment(r.Context(), owner, name, number,
		&gogithub.IssueComment{Body: gogithub.Ptr(req.Body)})
	if err != nil {
		upstreamError(w, r, err)
		return
	}
	p.record(r, "pr.comment", full, fmt.Sprintf("#%d", number), "ok", "", started)
	writeJSON(w, map[string]string{"status": "ok"})
}

func (p *CodeProxy) handlePRReview(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	owner, name, full := repoOf(r)
	client := p.authorize(w, r, full, true)
	if client == nil {
		return
	}
	number, _ := strconv.Atoi(r.PathValue("number"))
	var req wire.PRReviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Event {
	case "APPROVE", "REQUEST_CHANGES", "COMMENT":
	default:
		writeError(w, r, wire.ErrNotAllowed, "review event must be APPROVE, REQUEST_CHANGES, or COMMENT")
		return
	}
	_, _, err := client.PullRequests.CreateReview(r.Context(), owner, name, number,
		&gogithub.PullRequestReviewRequest{Body: gogithub.Ptr(req.Body), Event: gogithub.Ptr(req.Event)})
	if err != nil {
		upstreamError(w, r, err)
		return
	}
	p.record(r, "pr.review", full, fmt.Sprintf("#%d %s", number, req.Event), "ok", "", started)
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleMerge always refuses. Merging to protected branches is a human
// action; the agent opens PRs and responds to review.
func (p *CodeProxy) handleMerge(w http.ResponseWriter, r *http.Request) {
	_, _, full := repoOf(r)
	p.record(r, "pr.merge", full, "", "denied", wire.ErrProtectedBranch, time.Now())
	writeError(w, r, wire.ErrProtectedBranch, "merging is not offered; a human merges")
}

func (p *CodeProxy) handleChecks(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	owner, name, full := repoOf(r)
	client := p.authorize(w, r, full, false)
	if client == nil {
		return
	}
	ref := r.PathValue("ref")
	runs, _, err := client.Checks.ListCheckRunsForRef(r.Context(), owner, name, ref,
		&gogithub.ListCheckRunsOptions{ListOptions: gogithub.ListOptions{PerPage: 100}})
	if err != nil {
		upstreamError(w, r, err)
		return
	}
	out := make([]wire.CheckRun, 0, len(runs.CheckRuns))
	for _, cr := range runs.CheckRuns {
		out = append(out, wire.CheckRun{
			Name:       cr.GetName(),
			Status:     cr.GetStatus(),
			Conclusion: cr.GetConclusion(),
			URL:        cr.GetHTMLURL(),
		})
	}
	p.record(r, "checks.list", full, ref, "ok", "", started)
	writeJSON(w, out)
}

func (p *CodeProxy) handleTree(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	owner, name, full := repoOf(r)
	client := p.authorize(w, r, full, false)
	if client == nil {
		return
	}
	ref := r.PathValue("ref")
	tree, _, err := client.Git.GetTree(r.Context(), owner, name, ref, r.URL.Query().Get("recursive") == "1")
	if err != nil {
		upstreamError(w, r, err)
		return
	}
	out := make([]wire.TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		out = append(out, wire.TreeEntry{
			Path: e.GetPath(),
			Type: e.GetType(),
			Size: e.GetSize(),
		})
	}
	p.record(r, "tree.get", full, ref, "ok", "", started)
	writeJSON(w, out)
}

// githubVisibility is the production visibility lookup for the cache.
func githubVisibility(vault *Vault, pol *policy.Store) visibilityFunc {
	return func(ctx context.Context, owner, name string) (bool, error) {
		full := owner + "/" + name
		client, err := vault.GitHubClient(ctx, full)
		if err != nil {
			return false, err
		}
		repo, _, err := client.Repositories.Get(ctx, owner, name)
		if err != nil {
			// An unreadable repo cannot leak anything; treat 404 as private.
			var ghErr *gogithub.ErrorResponse
			if asGitHubError(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
				return true, nil
			}
			return false, err
		}
		return repo.GetPrivate() || strings.EqualFold(repo.GetVisibility(), "internal"), nil
	}
}
