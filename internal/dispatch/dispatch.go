// Package dispatch routes events to analyzer runs. The routing is a
// table: one row per (trigger kind, filter), naming the script and the
// context id the run correlates under. Adding an analyzer is adding a row.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/khan/jib/internal/container"
	"github.com/khan/jib/internal/registry"
)

// Trigger kinds.
type Trigger string

const (
	TriggerTimer   Trigger = "timer"
	TriggerChat    Trigger = "chat"
	TriggerPREvent Trigger = "pr-event"
	TriggerManual  Trigger = "manual"
)

// Event is one dispatchable occurrence.
type Event struct {
	Trigger   Trigger
	// Name further qualifies the trigger: "sync-complete", "task",
	// "pr-comment", "check-failed", ...
	Name      string
	SourceRef string // thread ts, pr-<repo>-<n>, sync run id
	Repo      string
	PRNumber  int
	ThreadTS  string
	Payload   string // concatenated input handed to the analyzer
}

// ContextID derives the stable registry key for the event.
func (e Event) ContextID() string {
	switch {
	case e.PRNumber > 0 && e.Repo != "":
		return registry.PRContextID(e.Repo, e.PRNumber)
	case e.ThreadTS != "":
		return registry.ThreadContextID(e.ThreadTS)
	default:
		return ""
	}
}

// Rule is one row of the dispatch table.
type Rule struct {
	Trigger Trigger
	// Name filters on Event.Name; empty matches any.
	Name string
	// Script is the in-container entrypoint; argv gets the payload
	// appended.
	Script string
	Argv   []string
	// UserFacing rows may start a container when none runs; maintenance
	// rows fail fast instead.
	UserFacing bool
}

func (r Rule) matches(e Event) bool {
	return r.Trigger == e.Trigger && (r.Name == "" || r.Name == e.Name)
}

// DefaultTable routes the built-in triggers.
func DefaultTable() []Rule {
	return []Rule{
		{Trigger: TriggerChat, Name: "task", Script: "/opt/jib/analyzers/task.sh", UserFacing: true},
		{Trigger: TriggerChat, Name: "reply", Script: "/opt/jib/analyzers/reply.sh", UserFacing: true},
		{Trigger: TriggerPREvent, Name: "pr-comment", Script: "/opt/jib/analyzers/pr-review.sh", UserFacing: true},
		{Trigger: TriggerPREvent, Name: "check-failed", Script: "/opt/jib/analyzers/check-failed.sh", UserFacing: true},
		{Trigger: TriggerPREvent, Name: "pr-opened", Script: "/opt/jib/analyzers/pr-triage.sh", UserFacing: true},
		{Trigger: TriggerTimer, Name: "sync-complete", Script: "/opt/jib/analyzers/post-sync.sh"},
		{Trigger: TriggerManual, Script: "/opt/jib/analyzers/task.sh", UserFacing: true},
	}
}

// launcher is the container side the dispatcher needs.
type launcher interface {
	ExecRun(ctx context.Context, spec container.ExecSpec) (*container.Run, error)
	StartSession(ctx context.Context, repos []string, privateMode bool) (*container.Session, error)
}

// Notifier surfaces dispatch failures as notifications.
type Notifier func(ctx context.Context, summary, body, contextID string)

// Dispatcher executes table rows against events.
type Dispatcher struct {
	table    []Rule
	launch   launcher
	reg      registry.Store
	notify   Notifier
	repos    []string // repos mounted when auto-starting a session
	retries  int
	baseWait time.Duration
	maxWait  time.Duration
}

// New builds a dispatcher over the given table.
func New(table []Rule, launch launcher, reg registry.Store, notify Notifier, repos []string) *Dispatcher {
	return &Dispatcher{
		table:    table,
		launch:   launch,
		reg:      reg,
		notify:   notify,
		repos:    repos,
		retries:  3,
		baseWait: 2 * time.Second,
		maxWait:  30 * time.Second,
	}
}

// SetRetry overrides the retry budget.
func (d *Dispatcher) SetRetry(retries int, base, max time.Duration) {
	d.retries, d.baseWait, d.maxWait = retries, base, max
}

// Dispatch routes one event. Unmatched events log and drop.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) error {
	var rule *Rule
	for i := range d.table {
		if d.table[i].matches(e) {
			rule = &d.table[i]
			break
		}
	}
	if rule == nil {
		slog.Info("no dispatch rule", "trigger", e.Trigger, "name", e.Name)
		return nil
	}

	contextID := e.ContextID()
	if contextID != "" {
		if _, err := d.reg.GetOrCreate(ctx, contextID, title(e.Payload), []string{"dispatch", string(e.Trigger)}); err != nil {
			return err
		}
		d.reg.SetStatus(ctx, contextID, registry.StatusInProgress)
	}

	spec := container.ExecSpec{
		Argv:      append(append([]string{rule.Script}, rule.Argv...), e.Payload),
		Origin:    originOf(e.Trigger),
		SourceRef: e.SourceRef,
		ContextID: contextID,
		ThreadTS:  e.ThreadTS,
	}

	run, err := d.execWithRetry(ctx, spec, rule.UserFacing)
	if err != nil {
		if contextID != "" {
			d.reg.AppendNote(ctx, contextID, "dispatch failed: "+err.Error())
			d.reg.SetStatus(ctx, contextID, registry.StatusBlocked)
		}
		if d.notify != nil {
			d.notify(ctx, fmt.Sprintf("analyzer for %s/%s failed", e.Trigger, e.Name), err.Error(), contextID)
		}
		return err
	}
	if contextID != "" && run != nil {
		d.reg.AppendNote(ctx, contextID, fmt.Sprintf("run %s exit=%d", run.RunID, run.ExitStatus))
	}
	return nil
}

// execWithRetry retries only retryable failures: no active container for
// a user-facing row (starting one counts as the remedy) and transient
// exec errors. Content failures never retry.
func (d *Dispatcher) execWithRetry(ctx context.Context, spec container.ExecSpec, userFacing bool) (*container.Run, error) {
	wait := d.baseWait
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if wait *= 2; wait > d.maxWait {
				wait = d.maxWait
			}
		}

		run, err := d.launch.ExecRun(ctx, spec)
		if err == nil {
			return run, nil
		}
		lastErr = err

		if errors.Is(err, container.ErrNoActiveContainer) {
			if !userFacing {
				// Scheduled maintenance fails fast with a low-priority
				// notification instead of booting a container.
				return nil, err
			}
			if _, startErr := d.launch.StartSession(ctx, d.repos, false); startErr != nil {
				lastErr = startErr
			}
			continue
		}
		if !retryableExec(err) {
			return nil, err
		}
		slog.Info("dispatch retry", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func retryableExec(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, transient := range []string{"container is starting", "connection refused", "timeout", "temporarily"} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}

func originOf(t Trigger) container.Origin {
	switch t {
	case TriggerTimer:
		return container.OriginTimer
	case TriggerChat:
		return container.OriginChat
	case TriggerPREvent:
		return container.OriginPREvent
	default:
		return container.OriginManual
	}
}

func title(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}
