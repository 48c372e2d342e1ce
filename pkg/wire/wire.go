// Package wire defines the request, response, and error types exchanged
// between the sandbox-side shims and the gateway sidecar. Both sides import
// this package so the HTTP surface stays in one place.
package wire

import "time"

// Error kinds surfaced by the gateway. These are stable strings: the shims
// and the dispatcher branch on them.
const (
	ErrNotAllowed        = "not_allowed"
	ErrUnauthorized      = "unauthorized"
	ErrBlockedVisibility = "blocked_visibility"
	ErrBranchNotOwned    = "branch_not_owned"
	ErrProtectedBranch   = "protected_branch"
	ErrUpstream4xx       = "upstream_4xx"
	ErrUpstream5xx       = "upstream_5xx"
	ErrTimeout           = "timeout"
	ErrNoActiveContainer = "no_active_container"
	ErrConflict          = "conflict"
	ErrInternal          = "internal"
)

// Process exit codes shared between the CLI and the sandbox shims.
// ExitBlocked is recognized by the sandbox egress filter as "denied by
// policy", distinct from ordinary failure.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitMisuse  = 2
	ExitBlocked = 60
)

// Error is the JSON error envelope returned by every gateway endpoint.
type Error struct {
	Kind      string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

// Retryable reports whether a caller may retry the operation that produced
// this error. Policy rejections are never retryable.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrUpstream5xx, ErrTimeout, ErrNoActiveContainer:
		return true
	}
	return false
}

// GitNetworkRequest is the body of POST /git/push, /git/fetch, /git/pull
// and /git/ls-remote.
type GitNetworkRequest struct {
	ContainerID string `json:"container_id"`
	Repo        string `json:"repo"` // owner/name
	Refspec     string `json:"refspec,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

// GitNetworkResponse carries the underlying git output back to the shim.
type GitNetworkResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// GitLocalRequest is the body of POST /git/local: run an allow-listed git
// command inside the caller's worktree on the host side.
type GitLocalRequest struct {
	ContainerID string   `json:"container_id"`
	Repo        string   `json:"repo"`
	Argv        []string `json:"argv"`
}

// GitLocalResponse mirrors the process result of the executed command.
type GitLocalResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// WorktreeCreateRequest is the body of POST /worktree.
type WorktreeCreateRequest struct {
	ContainerID string `json:"container_id"`
	Repo        string `json:"repo"`
	Slug        string `json:"slug,omitempty"` // branch suffix, default "work"
}

// WorktreeInfo describes a single managed worktree.
type WorktreeInfo struct {
	ContainerID string    `json:"container_id"`
	Repo        string    `json:"repo"`
	Branch      string    `json:"branch"`
	WorkingDir  string    `json:"working_dir"`
	AdminDir    string    `json:"admin_dir"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChatPostRequest is the body of POST /chat/post.
// An empty ThreadTS starts a new thread; a set ThreadTS replies to it.
type ChatPostRequest struct {
	Channel   string `json:"channel"`
	ThreadTS  string `json:"thread_ts,omitempty"`
	Text      string `json:"text"`
	ContextID string `json:"context_id,omitempty"`
}

// ChatPostResponse returns the timestamp Slack assigned to the message,
// which doubles as the thread key for future replies.
type ChatPostResponse struct {
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

// ChatReactRequest is the body of POST /chat/react.
type ChatReactRequest struct {
	Channel string `json:"channel"`
	TS      string `json:"ts"`
	Emoji   string `json:"emoji"`
}

// ChatMessage is one message in a thread fetch.
type ChatMessage struct {
	User     string `json:"user"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
}

// ChatChannel is one conversation visible to the bot, from
// GET /chat/channels.
type ChatChannel struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	IsPrivate bool   `json:"is_private"`
	IsMember  bool   `json:"is_member"`
}

// ChatUser is the profile subset exposed to the sandbox.
type ChatUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RealName string `json:"real_name,omitempty"`
	IsBot    bool   `json:"is_bot"`
}

// PRCreateRequest is the body of POST /code/pr.
type PRCreateRequest struct {
	Repo  string `json:"repo"`
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Draft bool   `json:"draft,omitempty"`
}

// PRCommentRequest is the body of POST /code/pr/:n/comment.
type PRCommentRequest struct {
	Repo string `json:"repo"`
	Body string `json:"body"`
}

// PRReviewRequest is the body of POST /code/pr/:n/review.
// Event is APPROVE, REQUEST_CHANGES, or COMMENT. Merging is not offered:
// humans merge.
type PRReviewRequest struct {
	Repo  string `json:"repo"`
	Body  string `json:"body,omitempty"`
	Event string `json:"event"`
}

// PullRequest is the gateway's reduced view of a pull request.
type PullRequest struct {
	Repo      string    `json:"repo"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	State     string    `json:"state"`
	Author    string    `json:"author"`
	HeadRef   string    `json:"head_ref"`
	BaseRef   string    `json:"base_ref"`
	URL       string    `json:"url"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckRun is a single CI check result for a ref.
type CheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
	URL        string `json:"url,omitempty"`
}

// TreeEntry is one entry of a file-tree query.
type TreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"` // blob or tree
	Size int    `json:"size,omitempty"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status        string            `json:"status"`
	PrivateMode   bool              `json:"private_mode"`
	PolicySummary map[string]string `json:"policy_summary"`
}
