package poller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stefankubicki/istota/internal/store"
)

const pollerClassCleanup = "cleanup"

// CleanupConfig holds the independently-configurable retention windows
// swept on every Cleanup poller tick, matching store.RunRetention's
// parameter shape.
type CleanupConfig struct {
	TaskRetentionDays    int
	AuditLogRetentionDays int
	MessageRetentionDays int
}

// CleanupPoller periodically purges terminal-state history and expires
// stale pending_confirmation tasks by delegating to
// internal/store/retention_store.go's RunRetention.
type CleanupPoller struct {
	store  *store.Store
	logger *slog.Logger
	config CleanupConfig
}

func NewCleanupPoller(st *store.Store, logger *slog.Logger, cfg CleanupConfig) *CleanupPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupPoller{store: st, logger: logger, config: cfg}
}

func (p *CleanupPoller) Name() string { return pollerClassCleanup }

func (p *CleanupPoller) Tick(ctx context.Context) error {
	result, err := p.store.RunRetention(ctx, p.config.TaskRetentionDays, p.config.AuditLogRetentionDays, p.config.MessageRetentionDays)
	if err != nil {
		return fmt.Errorf("run retention: %w", err)
	}
	if result.PurgedTasks > 0 || result.PurgedAuditLogs > 0 || result.PurgedConversationMsgs > 0 || result.ExpiredConfirmations > 0 {
		p.logger.Info("cleanup sweep",
			"purged_tasks", result.PurgedTasks,
			"purged_audit_logs", result.PurgedAuditLogs,
			"purged_messages", result.PurgedConversationMsgs,
			"expired_confirmations", result.ExpiredConfirmations,
		)
	}
	return nil
}
