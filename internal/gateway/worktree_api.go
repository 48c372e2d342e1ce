package gateway

import (
	"net/http"

	"github.com/khan/jib/internal/gitiso"
	"github.com/khan/jib/pkg/wire"
)

// WorktreeAPI exposes worktree lifecycle over HTTP. The manager itself is
// the only writer of the on-disk index.
type WorktreeAPI struct {
	worktrees *gitiso.Manager
}

// NewWorktreeAPI wraps the manager.
func NewWorktreeAPI(wt *gitiso.Manager) *WorktreeAPI { return &WorktreeAPI{worktrees: wt} }

// RegisterRoutes mounts the worktree endpoints.
func (a *WorktreeAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /worktree", a.handleCreate)
	mux.HandleFunc("DELETE /worktree", a.handleDestroy)
	mux.HandleFunc("GET /worktrees", a.handleList)
}

func (a *WorktreeAPI) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req wire.WorktreeCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	info, err := a.worktrees.Create(r.Context(), req.ContainerID, req.Repo, req.Slug)
	if err != nil {
		writeError(w, r, wire.ErrInternal, err.Error())
		return
	}
	writeJSON(w, info)
}

func (a *WorktreeAPI) handleDestroy(w http.ResponseWriter, r *http.Request) {
	var req wire.WorktreeCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.worktrees.Destroy(r.Context(), req.ContainerID, req.Repo); err != nil {
		writeError(w, r, wire.ErrInternal, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *WorktreeAPI) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.worktrees.List())
}
