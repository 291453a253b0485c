package store

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged/expired records from one
// retention sweep, reported by the Cleanup poller for observability.
type RetentionResult struct {
	PurgedTasks              int64 `json:"purged_tasks"`
	PurgedAuditLogs          int64 `json:"purged_audit_logs"`
	PurgedConversationMsgs   int64 `json:"purged_conversation_messages"`
	ExpiredConfirmations     int64 `json:"expired_confirmations"`
}

// RunRetention deletes terminal-state tasks, audit log rows, and
// conversation history older than their configured retention windows,
// then expires any pending_confirmation task that has sat unanswered
// past DefaultConfirmationTimeout. Each category uses its own cutoff and
// the sweep is idempotent: running it twice in a row purges nothing the
// second time.
func (s *Store) RunRetention(ctx context.Context, taskDays, auditLogDays, messageDays int) (RetentionResult, error) {
	var result RetentionResult

	if taskDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -taskDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM tasks
			WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?;
		`, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge tasks: %w", err)
		}
		result.PurgedTasks, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	if messageDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -messageDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM conversation_messages WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge conversation_messages: %w", err)
		}
		result.PurgedConversationMsgs, _ = res.RowsAffected()
	}

	expired, err := s.ExpireStaleConfirmations(ctx, DefaultConfirmationTimeout)
	if err != nil {
		return result, fmt.Errorf("expire stale confirmations: %w", err)
	}
	result.ExpiredConfirmations = expired

	return result, nil
}
