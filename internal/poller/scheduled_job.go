package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stefankubicki/istota/internal/clock"
	"github.com/stefankubicki/istota/internal/store"
)

const pollerClassScheduledJob = "scheduled_job"

// ScheduledJobPoller is the only caller of internal/clock's cron
// evaluator: each tick it sweeps every enabled ScheduledJob and creates a
// background task for any whose cron expression is due, coalescing
// missed fires into a single trigger per tick per spec.md §4.2.
type ScheduledJobPoller struct {
	store  *store.Store
	logger *slog.Logger
}

func NewScheduledJobPoller(st *store.Store, logger *slog.Logger) *ScheduledJobPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScheduledJobPoller{store: st, logger: logger}
}

func (p *ScheduledJobPoller) Name() string { return pollerClassScheduledJob }

func (p *ScheduledJobPoller) Tick(ctx context.Context) error {
	jobs, err := p.store.ListScheduledJobs(ctx, true)
	if err != nil {
		return fmt.Errorf("list scheduled jobs: %w", err)
	}
	now := time.Now().UTC()
	for _, job := range jobs {
		if err := p.tickOne(ctx, job, now); err != nil {
			p.logger.Error("scheduled job tick failed", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

func (p *ScheduledJobPoller) tickOne(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	loc, err := clock.Location(job.Timezone)
	if err != nil {
		return fmt.Errorf("resolve timezone: %w", err)
	}

	var lastRun time.Time
	if job.LastRunAt != nil {
		lastRun = *job.LastRunAt
	}

	due, _, err := clock.IsDue(job.CronExpression, loc, lastRun, now)
	if err != nil {
		return fmt.Errorf("evaluate cron expression: %w", err)
	}
	if !due {
		return nil
	}

	queue := store.QueueBackground
	task, err := p.store.CreateTask(ctx, store.NewTask{
		SourceType:        store.SourceScheduled,
		Queue:             queue,
		UserID:            job.UserID,
		ConversationToken: job.ConversationToken,
		Prompt:            job.Prompt,
		Command:           job.Command,
		OutputTarget:      job.OutputTarget,
		HeartbeatSilent:   job.SilentUnlessAction,
		ScheduledJobID:    &job.ID,
	})
	if err != nil {
		return fmt.Errorf("create task for job %d: %w", job.ID, err)
	}
	p.logger.Info("scheduled job fired", "job_id", job.ID, "task_id", task.ID, "user_id", job.UserID)

	if err := p.store.MarkScheduledJobDispatched(ctx, job.ID, now); err != nil {
		return fmt.Errorf("mark job %d dispatched: %w", job.ID, err)
	}
	if job.Once {
		if err := p.store.DeleteScheduledJob(ctx, job.ID); err != nil {
			return fmt.Errorf("delete once job %d: %w", job.ID, err)
		}
	}
	return nil
}
