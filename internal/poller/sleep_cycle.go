package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stefankubicki/istota/internal/clock"
	"github.com/stefankubicki/istota/internal/store"
)

const pollerClassSleepCycle = "sleep_cycle"

// DefaultSleepCycleCron runs the nightly memory-extraction task at 03:00
// in the target's timezone.
const DefaultSleepCycleCron = "0 3 * * *"

// SleepCycleTarget names a (user, channel) conversation scope to run a
// nightly memory-extraction pass over.
type SleepCycleTarget struct {
	UserID            string
	ChannelToken      string
	ConversationToken string
	CronExpression    string // defaults to DefaultSleepCycleCron
	Timezone          string
}

type sleepCycleCursor struct {
	LastRunAt          time.Time `json:"last_run_at"`
	LastProcessedMsgID int64     `json:"last_processed_message_id"`
}

// SleepCyclePoller produces a nightly background task per configured
// target asking the agent to distill durable facts from recent
// conversation history; the agent's completion is expected to call back
// into store.SetMemory via the Executor's tool surface. Modeled on
// internal/store/memories.go's relevance-scored UserMemory table as the
// consumer side of this pipeline.
type SleepCyclePoller struct {
	store   *store.Store
	logger  *slog.Logger
	targets []SleepCycleTarget
}

func NewSleepCyclePoller(st *store.Store, logger *slog.Logger, targets []SleepCycleTarget) *SleepCyclePoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &SleepCyclePoller{store: st, logger: logger, targets: targets}
}

func (p *SleepCyclePoller) Name() string { return pollerClassSleepCycle }

func (p *SleepCyclePoller) Tick(ctx context.Context) error {
	now := time.Now().UTC()
	for _, t := range p.targets {
		if err := p.tickOne(ctx, t, now); err != nil {
			p.logger.Error("sleep cycle tick failed", "user_id", t.UserID, "channel", t.ChannelToken, "error", err)
		}
	}
	return nil
}

func (p *SleepCyclePoller) tickOne(ctx context.Context, t SleepCycleTarget, now time.Time) error {
	stateKey := fmt.Sprintf("%s:%s", t.UserID, t.ChannelToken)
	cursor, err := p.loadCursor(ctx, stateKey)
	if err != nil {
		return err
	}

	cronExpr := t.CronExpression
	if cronExpr == "" {
		cronExpr = DefaultSleepCycleCron
	}
	loc, err := clock.Location(t.Timezone)
	if err != nil {
		return fmt.Errorf("resolve timezone: %w", err)
	}
	due, _, err := clock.IsDue(cronExpr, loc, cursor.LastRunAt, now)
	if err != nil {
		return fmt.Errorf("evaluate cron expression: %w", err)
	}
	if !due {
		return nil
	}

	history, err := p.store.ConversationHistory(ctx, t.ConversationToken, 200)
	if err != nil {
		return fmt.Errorf("load conversation history: %w", err)
	}
	var newMsgID int64 = cursor.LastProcessedMsgID
	var transcript strings.Builder
	for _, m := range history {
		if m.ID <= cursor.LastProcessedMsgID {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
		if m.ID > newMsgID {
			newMsgID = m.ID
		}
	}
	if transcript.Len() == 0 {
		cursor.LastRunAt = now
		return p.saveCursor(ctx, stateKey, cursor)
	}

	prompt := "Review the conversation below and record any durable facts worth " +
		"remembering about this user for future conversations (preferences, " +
		"recurring commitments, identifying details). Use the memory tool for " +
		"each fact; reply NO_ACTION: nothing durable found if there is nothing " +
		"worth keeping.\n\n" + transcript.String()

	task, err := p.store.CreateTask(ctx, store.NewTask{
		SourceType:        store.SourceScheduled,
		Queue:             store.QueueBackground,
		UserID:            t.UserID,
		ConversationToken: t.ConversationToken,
		Prompt:            prompt,
		HeartbeatSilent:   true,
	})
	if err != nil {
		return fmt.Errorf("create sleep cycle task: %w", err)
	}
	p.logger.Info("sleep cycle fired", "user_id", t.UserID, "channel", t.ChannelToken, "task_id", task.ID)

	cursor.LastRunAt = now
	cursor.LastProcessedMsgID = newMsgID
	return p.saveCursor(ctx, stateKey, cursor)
}

func (p *SleepCyclePoller) loadCursor(ctx context.Context, stateKey string) (sleepCycleCursor, error) {
	raw, found, err := p.store.GetPollerState(ctx, pollerClassSleepCycle, stateKey)
	if err != nil {
		return sleepCycleCursor{}, err
	}
	if !found {
		return sleepCycleCursor{}, nil
	}
	var cursor sleepCycleCursor
	if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
		return sleepCycleCursor{}, fmt.Errorf("decode sleep cycle cursor %s: %w", stateKey, err)
	}
	return cursor, nil
}

func (p *SleepCyclePoller) saveCursor(ctx context.Context, stateKey string, cursor sleepCycleCursor) error {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encode sleep cycle cursor %s: %w", stateKey, err)
	}
	return p.store.SetPollerState(ctx, pollerClassSleepCycle, stateKey, string(raw))
}
