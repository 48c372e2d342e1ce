package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"
)

// Poller watches GitHub for PR activity on the configured repos: opened
// and updated pull requests, new review comments, and failed checks.
// Every observation carries a stable event id; a marker file under the
// tracking directory makes delivery exactly-once across restarts.
type Poller struct {
	client      *gogithub.Client
	repos       []string // owner/name
	trackingDir string
	debounce    *Debouncer
	dispatch    func(ctx context.Context, e Event)
	interval    time.Duration
}

// NewPoller wires a GitHub poller. Review comments go through the
// debouncer; everything else dispatches directly.
func NewPoller(client *gogithub.Client, repos []string, trackingDir string, debounce *Debouncer, dispatch func(ctx context.Context, e Event), interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		client:      client,
		repos:       repos,
		trackingDir: trackingDir,
		debounce:    debounce,
		dispatch:    dispatch,
		interval:    interval,
	}
}

// Run polls until ctx is cancelled. One immediate pass, then on the tick.
func (p *Poller) Run(ctx context.Context) error {
	if err := os.MkdirAll(p.trackingDir, 0o755); err != nil {
		return err
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			p.debounce.Flush(context.Background())
			return nil
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	for _, repo := range p.repos {
		owner, name, ok := strings.Cut(repo, "/")
		if !ok {
			continue
		}
		if err := p.pollRepo(ctx, owner, name); err != nil {
			slog.Warn("github poll failed", "repo", repo, "error", err)
		}
	}
}

func (p *Poller) pollRepo(ctx context.Context, owner, name string) error {
	repo := owner + "/" + name
	prs, _, err := p.client.PullRequests.List(ctx, owner, name, &gogithub.PullRequestListOptions{
		State:       "open",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gogithub.ListOptions{PerPage: 30},
	})
	if err != nil {
		return err
	}

	for _, pr := range prs {
		number := pr.GetNumber()
		prKey := fmt.Sprintf("%s#%d", repo, number)

		openedID := fmt.Sprintf("pr-opened-%s-%d", sanitize(repo), number)
		if p.firstSeen(openedID) {
			p.dispatch(ctx, Event{
				Trigger:   TriggerPREvent,
				Name:      "pr-opened",
				SourceRef: prKey,
				Repo:      repo,
				PRNumber:  number,
				Payload:   fmt.Sprintf("PR #%d opened: %s\n\n%s", number, pr.GetTitle(), pr.GetBody()),
			})
		}

		if err := p.pollComments(ctx, owner, name, number, prKey); err != nil {
			slog.Warn("comment poll failed", "pr", prKey, "error", err)
		}
		if err := p.pollChecks(ctx, owner, name, pr, prKey); err != nil {
			slog.Warn("check poll failed", "pr", prKey, "error", err)
		}
	}
	return nil
}

func (p *Poller) pollComments(ctx context.Context, owner, name string, number int, prKey string) error {
	repo := owner + "/" + name
	comments, _, err := p.client.PullRequests.ListComments(ctx, owner, name, number, &gogithub.PullRequestListCommentsOptions{
		Sort:        "created",
		Direction:   "desc",
		ListOptions: gogithub.ListOptions{PerPage: 30},
	})
	if err != nil {
		return err
	}
	issueComments, _, err := p.client.Issues.ListComments(ctx, owner, name, number, &gogithub.IssueListCommentsOptions{
		ListOptions: gogithub.ListOptions{PerPage: 30},
	})
	if err != nil {
		return err
	}

	for _, c := range comments {
		id := fmt.Sprintf("review-comment-%s-%d-%d", sanitize(repo), number, c.GetID())
		if !p.firstSeen(id) {
			continue
		}
		p.debounce.Add(ctx, prKey, Comment{
			Author: c.GetUser().GetLogin(),
			Time:   c.GetCreatedAt().Time,
			Body:   c.GetBody(),
		})
	}
	for _, c := range issueComments {
		id := fmt.Sprintf("issue-comment-%s-%d-%d", sanitize(repo), number, c.GetID())
		if !p.firstSeen(id) {
			continue
		}
		p.debounce.Add(ctx, prKey, Comment{
			Author: c.GetUser().GetLogin(),
			Time:   c.GetCreatedAt().Time,
			Body:   c.GetBody(),
		})
	}
	return nil
}

func (p *Poller) pollChecks(ctx context.Context, owner, name string, pr *gogithub.PullRequest, prKey string) error {
	repo := owner + "/" + name
	sha := pr.GetHead().GetSHA()
	if sha == "" {
		return nil
	}
	runs, _, err := p.client.Checks.ListCheckRunsForRef(ctx, owner, name, sha, &gogithub.ListCheckRunsOptions{
		Status:      gogithub.Ptr("completed"),
		ListOptions: gogithub.ListOptions{PerPage: 50},
	})
	if err != nil {
		return err
	}
	for _, run := range runs.CheckRuns {
		if run.GetConclusion() != "failure" {
			continue
		}
		id := fmt.Sprintf("check-failed-%s-%d", sanitize(repo), run.GetID())
		if !p.firstSeen(id) {
			continue
		}
		p.dispatch(ctx, Event{
			Trigger:   TriggerPREvent,
			Name:      "check-failed",
			SourceRef: prKey,
			Repo:      repo,
			PRNumber:  pr.GetNumber(),
			Payload:   fmt.Sprintf("Check %q failed on %s (%s)\n%s", run.GetName(), prKey, sha[:min(12, len(sha))], run.GetHTMLURL()),
		})
	}
	return nil
}

// firstSeen records the event id and reports whether this is its first
// observation. The marker file is the record; restarts keep it.
func (p *Poller) firstSeen(id string) bool {
	marker := filepath.Join(p.trackingDir, id)
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	fmt.Fprintln(f, time.Now().UTC().Format(time.RFC3339))
	f.Close()
	return true
}

func sanitize(repo string) string {
	return strings.ReplaceAll(repo, "/", "_")
}
