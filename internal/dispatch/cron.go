package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule is one cron-driven trigger.
type Schedule struct {
	// Expr is a standard five-field cron expression. The default sync
	// schedule is hourly.
	Expr string
	Name string // Event.Name the tick dispatches under
}

// DefaultSchedules runs the sync pipeline at the top of every hour.
func DefaultSchedules() []Schedule {
	return []Schedule{
		{Expr: "0 * * * *", Name: "sync"},
	}
}

// Scheduler fires timer events on cron schedules. Ticks are evaluated
// once per minute; a missed minute (host asleep, clock jump) is skipped,
// never replayed.
type Scheduler struct {
	schedules []Schedule
	dispatch  func(ctx context.Context, e Event)
	gron      *gronx.Gronx
}

// NewScheduler builds a scheduler over the given table.
func NewScheduler(schedules []Schedule, dispatch func(ctx context.Context, e Event)) *Scheduler {
	return &Scheduler{schedules: schedules, dispatch: dispatch, gron: gronx.New()}
}

// Run evaluates schedules until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, sched := range s.schedules {
		if !s.gron.IsValid(sched.Expr) {
			slog.Error("invalid cron expression", "expr", sched.Expr, "name", sched.Name)
		}
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, sched := range s.schedules {
		due, err := s.gron.IsDue(sched.Expr, now)
		if err != nil || !due {
			continue
		}
		slog.Info("scheduled trigger", "name", sched.Name, "expr", sched.Expr)
		s.dispatch(ctx, Event{
			Trigger:   TriggerTimer,
			Name:      sched.Name,
			SourceRef: "cron-" + now.UTC().Format("20060102T1504"),
			Payload:   "scheduled " + sched.Name + " run",
		})
	}
}
