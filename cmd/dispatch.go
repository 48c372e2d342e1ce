package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/fsnotify/fsnotify"
	gogithub "github.com/google/go-github/v69/github"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/khan/jib/internal/bus"
	"github.com/khan/jib/internal/config"
	"github.com/khan/jib/internal/container"
	"github.com/khan/jib/internal/dispatch"
	"github.com/khan/jib/internal/gitexec"
	"github.com/khan/jib/internal/gitiso"
	"github.com/khan/jib/internal/policy"
	"github.com/khan/jib/internal/registry"
	"github.com/khan/jib/internal/syncer"
)

func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run the event dispatcher: cron, GitHub polling, chat tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch()
		},
	}
}

func runDispatch() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	secrets, err := config.LoadSecrets(cfg.SecretsPath())
	if err != nil {
		return err
	}
	pol, err := policy.Load(policy.Path(cfg.ConfigDir()))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := registry.Open(cfg.RegistryPath(), cfg.Registry.PostgresDSN)
	if err != nil {
		return err
	}
	defer reg.Close()

	docker, err := container.NewDocker()
	if err != nil {
		return err
	}
	runner := &gitexec.ExecRunner{}
	wt := gitiso.NewManager(cfg.ReposDir(), cfg.WorktreesDir(), runner)
	if err := wt.LoadIndex(); err != nil {
		return err
	}
	shim, err := os.Executable()
	if err != nil {
		return err
	}
	mgr := container.NewManager(cfg, docker, wt, shim)

	events := bus.New(0)

	// Host-side notifications go through the same drop zone the sandbox
	// uses, so the bridge stays the only Slack sender.
	notify := func(ctx context.Context, summary, body, contextID string) {
		events.PublishNotification(bus.Notification{
			Summary: summary, Body: body, ContextID: contextID, LowPriority: true,
		})
	}

	d := dispatch.New(dispatch.DefaultTable(), mgr, reg, notify, pol.WritableRepos)
	d.SetRetry(cfg.Dispatch.MaxRetries, cfg.Dispatch.RetryBaseDelay, cfg.Dispatch.RetryMaxDelay)

	mirror := newMirror(cfg, secrets)

	// dispatchEvent routes everything through the table, except the sync
	// tick, which runs the mirror first and becomes a sync-complete event.
	var dispatchEvent func(ctx context.Context, e dispatch.Event)
	dispatchEvent = func(ctx context.Context, e dispatch.Event) {
		if e.Trigger == dispatch.TriggerTimer && e.Name == "sync" {
			runScheduledSync(ctx, mirror, events, dispatchEvent, e.SourceRef)
			return
		}
		err := d.Dispatch(ctx, e)
		events.PublishDispatch(bus.DispatchEvent{
			Trigger:   string(e.Trigger),
			Name:      e.Name,
			ContextID: e.ContextID(),
			Err:       errString(err),
		})
	}

	debouncer := dispatch.NewDebouncer(cfg.Dispatch.PRDebounce, func(ctx context.Context, key string, comments []dispatch.Comment) {
		repo, number := splitPRKey(key)
		dispatchEvent(ctx, dispatch.Event{
			Trigger:   dispatch.TriggerPREvent,
			Name:      "pr-comment",
			SourceRef: key,
			Repo:      repo,
			PRNumber:  number,
			Payload:   dispatch.RenderComments(comments),
		})
	})

	ghClient, err := githubClient(secrets)
	if err != nil {
		return err
	}
	repos := append(append([]string{}, pol.WritableRepos...), pol.ReadableRepos...)
	poller := dispatch.NewPoller(ghClient, repos, cfg.TrackingDir(), debouncer, dispatchEvent, cfg.Dispatch.PollInterval)

	scheduler := dispatch.NewScheduler([]dispatch.Schedule{
		{Expr: cfg.Dispatch.SyncSchedule, Name: "sync"},
	}, dispatchEvent)

	slog.Info("dispatcher starting",
		"repos", len(repos), "poll_interval", cfg.Dispatch.PollInterval, "sync_schedule", cfg.Dispatch.SyncSchedule)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return watchChatDrops(ctx, cfg, dispatchEvent) })
	g.Go(func() error { return drainNotifications(ctx, cfg, events) })
	g.Go(func() error { return logOutcomes(ctx, events) })
	return g.Wait()
}

func newMirror(cfg *config.Config, secrets *config.Secrets) *syncer.Mirror {
	filters, err := config.LoadFilters(cfg.FiltersPath())
	if err != nil {
		slog.Warn("context filters unreadable, sync disabled", "error", err)
		filters = &config.ContextFilters{}
	}
	source := syncer.NewConfluenceSource(cfg.Sync.ConfluenceBaseURL, secrets.ConfluenceEmail, secrets.ConfluenceToken)
	return syncer.NewMirror(source, filters, cfg.MirrorDir())
}

func runScheduledSync(ctx context.Context, mirror *syncer.Mirror, events *bus.Bus, dispatchEvent func(context.Context, dispatch.Event), sourceRef string) {
	summary, err := mirror.Sync(ctx)
	if err != nil {
		slog.Error("scheduled sync failed", "error", err)
		events.PublishNotification(bus.Notification{
			Summary: "documentation sync failed", Body: err.Error(), LowPriority: true,
		})
		return
	}
	events.PublishSync(bus.SyncEvent{
		RunID: sourceRef, Added: summary.Added, Changed: summary.Changed, Removed: summary.Removed,
	})
	if summary.Empty() {
		return
	}
	dispatchEvent(ctx, dispatch.Event{
		Trigger:   dispatch.TriggerTimer,
		Name:      "sync-complete",
		SourceRef: sourceRef,
		Payload:   renderSyncPayload(summary),
	})
}

func renderSyncPayload(s syncer.Summary) string {
	var b strings.Builder
	b.WriteString(s.String() + "\n")
	for _, f := range s.Added {
		fmt.Fprintf(&b, "added: %s\n", f)
	}
	for _, f := range s.Changed {
		fmt.Fprintf(&b, "changed: %s\n", f)
	}
	for _, f := range s.Removed {
		fmt.Fprintf(&b, "removed: %s\n", f)
	}
	return b.String()
}

// watchChatDrops turns task and response files written by the bridge into
// chat dispatch events.
func watchChatDrops(ctx context.Context, cfg *config.Config, dispatchEvent func(context.Context, dispatch.Event)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	for _, dir := range []string{cfg.IncomingDir(), cfg.ResponsesDir()} {
		if err := watcher.Add(dir); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create == 0 || !strings.HasSuffix(ev.Name, ".md") {
				continue
			}
			time.Sleep(50 * time.Millisecond)
			if e, ok := parseChatDrop(ev.Name); ok {
				dispatchEvent(ctx, e)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("chat drop watcher error", "error", err)
		}
	}
}

// parseChatDrop reads the frontmatter of a bridge drop file.
func parseChatDrop(path string) (dispatch.Event, bool) {
	f, err := os.Open(path)
	if err != nil {
		return dispatch.Event{}, false
	}
	defer f.Close()

	meta := map[string]string{}
	var body strings.Builder
	scanner := bufio.NewScanner(f)
	inMeta := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "---" && !inMeta && body.Len() == 0:
			inMeta = true
		case line == "---" && inMeta:
			inMeta = false
		case inMeta:
			if k, v, ok := strings.Cut(line, ":"); ok {
				meta[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		default:
			body.WriteString(line + "\n")
		}
	}

	name := "task"
	if strings.HasPrefix(filepath.Base(path), "RESPONSE-") {
		name = "reply"
	}
	threadTS := meta["thread_ts"]
	if threadTS == "" {
		return dispatch.Event{}, false
	}
	return dispatch.Event{
		Trigger:   dispatch.TriggerChat,
		Name:      name,
		SourceRef: threadTS,
		ThreadTS:  threadTS,
		Payload:   strings.TrimSpace(body.String()),
	}, true
}

// drainNotifications writes bus notifications into the shared drop zone
// for the bridge to deliver.
func drainNotifications(ctx context.Context, cfg *config.Config, events *bus.Bus) error {
	for {
		n, ok := events.ConsumeNotification(ctx)
		if !ok {
			return nil
		}
		intent := map[string]string{
			"kind":       "host",
			"thread_key": n.ThreadKey,
			"summary":    n.Summary,
			"body":       n.Body,
			"context_id": n.ContextID,
		}
		data, err := json.Marshal(intent)
		if err != nil {
			continue
		}
		path := filepath.Join(cfg.NotificationsDir(), "host-"+uuid.NewString()[:8]+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			slog.Error("notification drop failed", "error", err)
		}
	}
}

// logOutcomes drains the outcome queues so they never back up.
func logOutcomes(ctx context.Context, events *bus.Bus) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			ev, ok := events.ConsumeSync(ctx)
			if !ok {
				return nil
			}
			slog.Info("sync outcome",
				"run", ev.RunID, "added", len(ev.Added), "changed", len(ev.Changed), "removed", len(ev.Removed))
		}
	})
	g.Go(func() error {
		for {
			ev, ok := events.ConsumeDispatch(ctx)
			if !ok {
				return nil
			}
			if ev.Err != "" {
				slog.Warn("dispatch outcome", "trigger", ev.Trigger, "name", ev.Name, "error", ev.Err)
			} else {
				slog.Info("dispatch outcome", "trigger", ev.Trigger, "name", ev.Name, "context_id", ev.ContextID)
			}
		}
	})
	return g.Wait()
}

func githubClient(secrets *config.Secrets) (*gogithub.Client, error) {
	if secrets.HasGitHubApp() {
		tr, err := ghinstallation.New(http.DefaultTransport,
			secrets.GitHubAppID, secrets.GitHubInstallationID, secrets.GitHubPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("github app transport: %w", err)
		}
		return gogithub.NewClient(&http.Client{Transport: tr}), nil
	}
	return gogithub.NewClient(nil).WithAuthToken(secrets.GitHubToken), nil
}

func splitPRKey(key string) (string, int) {
	repo, num, ok := strings.Cut(key, "#")
	if !ok {
		return key, 0
	}
	n, _ := strconv.Atoi(num)
	return repo, n
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
