package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/slack-go/slack"

	"github.com/khan/jib/internal/config"
	"github.com/khan/jib/internal/gitexec"
	"github.com/khan/jib/internal/gitiso"
	"github.com/khan/jib/internal/policy"
	"github.com/khan/jib/pkg/wire"
)

// Server is the gateway sidecar. It binds an internal address only the
// sandbox network can reach and mounts every proxy surface on one mux.
type Server struct {
	cfg     *config.Config
	vault   *Vault
	policy  *policy.Store
	private bool

	worktrees *gitiso.Manager
	reqlog    *RequestLog

	model *ModelProxy
	chat  *ChatProxy
	code  *CodeProxy
	git   *GitProxy
	local *GitLocal
	wtAPI *WorktreeAPI

	httpServer *http.Server
	mux        *http.ServeMux
}

// Options carries the optional pieces of NewServer.
type Options struct {
	PrivateMode bool
	// Runner overrides the git runner (tests).
	Runner gitexec.Runner
	// SlackAPI overrides the Slack client (tests).
	SlackAPI slackAPI
}

// NewServer assembles the gateway. Secrets load failure is returned and
// treated as fatal by the caller.
func NewServer(cfg *config.Config, opts Options) (*Server, error) {
	pol, err := policy.Load(policy.Path(cfg.ConfigDir()))
	if err != nil {
		return nil, err
	}
	vault, err := NewVault(cfg.SecretsPath(), pol)
	if err != nil {
		return nil, err
	}
	reqlog, err := OpenRequestLog(filepath.Join(cfg.Base(), "gateway-requests.jsonl"))
	if err != nil {
		return nil, err
	}
	allow, err := LoadAllowlist(config.ExpandHome(cfg.Gateway.AllowlistFile))
	if err != nil {
		return nil, err
	}

	runner := opts.Runner
	if runner == nil {
		runner = &gitexec.ExecRunner{Timeout: cfg.Gateway.RequestTimeout}
	}
	wt := gitiso.NewManager(cfg.ReposDir(), cfg.WorktreesDir(), runner)
	if err := wt.LoadIndex(); err != nil {
		return nil, err
	}

	api := opts.SlackAPI
	if api == nil {
		api = slack.New(vault.Secrets().SlackBotToken)
	}

	vis := NewVisibilityCache(githubVisibility(vault, pol),
		cfg.Gateway.VisibilityTTL, cfg.Gateway.VisibilityNegativeTTL)

	s := &Server{
		cfg:       cfg,
		vault:     vault,
		policy:    pol,
		private:   opts.PrivateMode,
		worktrees: wt,
		reqlog:    reqlog,
		model:     NewModelProxy(cfg.Gateway.AnthropicBaseURL, vault, opts.PrivateMode, reqlog, cfg.Gateway.RequestTimeout),
		chat:      NewChatProxy(api, reqlog),
		code:      NewCodeProxy(vault, pol, vis, opts.PrivateMode, reqlog),
		git:       NewGitProxy(vault, pol, wt, runner, reqlog),
		local:     NewGitLocal(allow, wt, runner, reqlog),
		wtAPI:     NewWorktreeAPI(wt),
	}
	return s, nil
}

// Worktrees exposes the manager for the container lifecycle layer.
func (s *Server) Worktrees() *gitiso.Manager { return s.worktrees }

// Chat exposes the paced chat path for host-side senders.
func (s *Server) Chat() *ChatProxy { return s.chat }

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.model.RegisterRoutes(mux)
	s.chat.RegisterRoutes(mux)
	s.code.RegisterRoutes(mux)
	s.git.RegisterRoutes(mux)
	s.local.RegisterRoutes(mux)
	s.wtAPI.RegisterRoutes(mux)
	s.mux = mux
	return mux
}

// Sweep removes worktrees of containers not in active. Run at startup.
func (s *Server) Sweep(ctx context.Context, active map[string]bool) {
	removed := s.worktrees.Sweep(ctx, active)
	if removed > 0 {
		slog.Info("startup sweep complete", "removed", removed)
	}
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: traceMiddleware(mux)}

	slog.Info("gateway starting", "addr", addr, "private_mode", s.private)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.reqlog.Close()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, wire.HealthResponse{
		Status:        "ok",
		PrivateMode:   s.private,
		PolicySummary: s.policy.Summary(),
	})
}
