package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stefankubicki/istota/internal/clock"
	"github.com/stefankubicki/istota/internal/store"
)

const pollerClassBriefing = "briefing"

// Briefing is a configured recurring digest: at Cadence, a task is
// created asking the agent to summarize something (inbox, calendar,
// metrics) rather than react to an inbound event. Unlike a ScheduledJob
// it has no persistence-layer identity of its own; briefings are
// declared in configuration, not created by users at runtime.
type Briefing struct {
	UserID            string
	Name              string
	CronExpression    string
	Timezone          string
	Prompt            string
	ConversationToken string
	OutputTarget      store.OutputTarget
}

type briefingCursor struct {
	LastRunAt time.Time `json:"last_run_at"`
}

// BriefingPoller fires a background task for each configured Briefing
// whose cron schedule is due. It has no 1:1 teacher file to adapt from;
// it reuses HeartbeatPoller's configured-list-plus-cursor shape, since
// both are "tick a fixed list of named per-user things on a schedule"
// problems, swapping the failure-streak cursor for a last-run cursor and
// Check.Run for cron evaluation via internal/clock.
type BriefingPoller struct {
	store     *store.Store
	logger    *slog.Logger
	briefings []Briefing
}

func NewBriefingPoller(st *store.Store, logger *slog.Logger, briefings []Briefing) *BriefingPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &BriefingPoller{store: st, logger: logger, briefings: briefings}
}

func (p *BriefingPoller) Name() string { return pollerClassBriefing }

func (p *BriefingPoller) Tick(ctx context.Context) error {
	now := time.Now().UTC()
	for _, b := range p.briefings {
		if err := p.tickOne(ctx, b, now); err != nil {
			p.logger.Error("briefing tick failed", "user_id", b.UserID, "briefing", b.Name, "error", err)
		}
	}
	return nil
}

func (p *BriefingPoller) tickOne(ctx context.Context, b Briefing, now time.Time) error {
	stateKey := fmt.Sprintf("%s:%s", b.UserID, b.Name)
	cursor, err := p.loadCursor(ctx, stateKey)
	if err != nil {
		return err
	}

	loc, err := clock.Location(b.Timezone)
	if err != nil {
		return fmt.Errorf("resolve timezone: %w", err)
	}
	due, _, err := clock.IsDue(b.CronExpression, loc, cursor.LastRunAt, now)
	if err != nil {
		return fmt.Errorf("evaluate cron expression: %w", err)
	}
	if !due {
		return nil
	}

	task, err := p.store.CreateTask(ctx, store.NewTask{
		SourceType:        store.SourceBriefing,
		Queue:             store.QueueBackground,
		UserID:            b.UserID,
		ConversationToken: b.ConversationToken,
		Prompt:            b.Prompt,
		OutputTarget:      b.OutputTarget,
		HeartbeatSilent:   true,
	})
	if err != nil {
		return fmt.Errorf("create briefing task: %w", err)
	}
	p.logger.Info("briefing fired", "user_id", b.UserID, "briefing", b.Name, "task_id", task.ID)

	cursor.LastRunAt = now
	return p.saveCursor(ctx, stateKey, cursor)
}

func (p *BriefingPoller) loadCursor(ctx context.Context, stateKey string) (briefingCursor, error) {
	raw, found, err := p.store.GetPollerState(ctx, pollerClassBriefing, stateKey)
	if err != nil {
		return briefingCursor{}, err
	}
	if !found {
		return briefingCursor{}, nil
	}
	var cursor briefingCursor
	if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
		return briefingCursor{}, fmt.Errorf("decode briefing cursor %s: %w", stateKey, err)
	}
	return cursor, nil
}

func (p *BriefingPoller) saveCursor(ctx context.Context, stateKey string, cursor briefingCursor) error {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encode briefing cursor %s: %w", stateKey, err)
	}
	return p.store.SetPollerState(ctx, pollerClassBriefing, stateKey, string(raw))
}
