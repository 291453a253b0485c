package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stefankubicki/istota/internal/store"
)

const pollerClassHeartbeat = "heartbeat"

// ConsecutiveErrorThreshold is how many consecutive check failures must
// accumulate before the Heartbeat poller raises a notification task.
const ConsecutiveErrorThreshold = 3

// Check is one named system health probe, scoped to a user.
type Check struct {
	UserID string
	Name   string
	Run    func(ctx context.Context) (healthy bool, detail string, err error)

	// OutputTarget and HeartbeatSilent control how the resulting
	// notification task is delivered; see store.NewTask.
	OutputTarget store.OutputTarget
}

type heartbeatCursor struct {
	LastCheckAt       time.Time `json:"last_check_at"`
	LastAlertAt       time.Time `json:"last_alert_at"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
}

// HeartbeatPoller runs configured health checks and creates a background
// notification task the first time a check's failure streak crosses
// ConsecutiveErrorThreshold, then again only after it recovers and fails
// again (edge-triggered, not level-triggered, to avoid repeat spam).
type HeartbeatPoller struct {
	store  *store.Store
	logger *slog.Logger
	checks []Check
}

func NewHeartbeatPoller(st *store.Store, logger *slog.Logger, checks []Check) *HeartbeatPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatPoller{store: st, logger: logger, checks: checks}
}

func (p *HeartbeatPoller) Name() string { return pollerClassHeartbeat }

func (p *HeartbeatPoller) Tick(ctx context.Context) error {
	for _, check := range p.checks {
		if err := p.tickOne(ctx, check); err != nil {
			p.logger.Error("heartbeat check failed", "user_id", check.UserID, "check", check.Name, "error", err)
		}
	}
	return nil
}

func (p *HeartbeatPoller) tickOne(ctx context.Context, check Check) error {
	stateKey := fmt.Sprintf("%s:%s", check.UserID, check.Name)
	cursor, err := p.loadCursor(ctx, stateKey)
	if err != nil {
		return err
	}

	healthy, detail, runErr := check.Run(ctx)
	if runErr != nil {
		healthy, detail = false, runErr.Error()
	}

	wasFailing := cursor.ConsecutiveErrors >= ConsecutiveErrorThreshold
	if healthy {
		cursor.ConsecutiveErrors = 0
	} else {
		cursor.ConsecutiveErrors++
	}
	cursor.LastCheckAt = time.Now().UTC()

	nowFailing := cursor.ConsecutiveErrors >= ConsecutiveErrorThreshold
	if nowFailing && !wasFailing {
		if err := p.notify(ctx, check, detail); err != nil {
			return fmt.Errorf("notify heartbeat alert: %w", err)
		}
		cursor.LastAlertAt = time.Now().UTC()
	}

	return p.saveCursor(ctx, stateKey, cursor)
}

func (p *HeartbeatPoller) notify(ctx context.Context, check Check, detail string) error {
	prompt := fmt.Sprintf("Heartbeat check %q has failed %d consecutive times: %s", check.Name, ConsecutiveErrorThreshold, detail)
	_, err := p.store.CreateTask(ctx, store.NewTask{
		SourceType:      store.SourceScheduled,
		Queue:           store.QueueBackground,
		UserID:          check.UserID,
		Prompt:          prompt,
		OutputTarget:    check.OutputTarget,
		HeartbeatSilent: true,
	})
	return err
}

func (p *HeartbeatPoller) loadCursor(ctx context.Context, stateKey string) (heartbeatCursor, error) {
	raw, found, err := p.store.GetPollerState(ctx, pollerClassHeartbeat, stateKey)
	if err != nil {
		return heartbeatCursor{}, err
	}
	if !found {
		return heartbeatCursor{}, nil
	}
	var cursor heartbeatCursor
	if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
		return heartbeatCursor{}, fmt.Errorf("decode heartbeat cursor %s: %w", stateKey, err)
	}
	return cursor, nil
}

func (p *HeartbeatPoller) saveCursor(ctx context.Context, stateKey string, cursor heartbeatCursor) error {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encode heartbeat cursor %s: %w", stateKey, err)
	}
	return p.store.SetPollerState(ctx, pollerClassHeartbeat, stateKey, string(raw))
}
