package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// NewTask carries the fields a caller supplies when enqueueing work;
// Store fills in id, status and timestamps.
type NewTask struct {
	SourceType        SourceType
	Queue             Queue
	Priority          int
	UserID            string
	ConversationToken string
	ParentTaskID      *int64

	Prompt      string
	Command     string
	Attachments []string

	MaxAttempts  int
	ScheduledFor *time.Time
	OutputTarget OutputTarget

	TalkMessageID  string
	ReplyToTalkID  string
	ReplyToContent string

	HeartbeatSilent bool
	ScheduledJobID  *int64
}

// CreateTask inserts a new pending task, enforcing the exactly-one-of
// prompt/command invariant before ever reaching the database.
func (s *Store) CreateTask(ctx context.Context, in NewTask) (*Task, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("create task: %w: user_id is required", ErrInvariant)
	}
	if (in.Prompt == "") == (in.Command == "") {
		return nil, fmt.Errorf("create task: %w: exactly one of prompt or command is required", ErrInvariant)
	}
	if in.Queue == "" {
		in.Queue = QueueBackground
	}
	if in.MaxAttempts == 0 {
		in.MaxAttempts = DefaultMaxAttempts
	}
	attachmentsJSON, err := json.Marshal(in.Attachments)
	if err != nil {
		return nil, fmt.Errorf("create task: marshal attachments: %w", err)
	}

	var id int64
	err = retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO tasks (
				source_type, queue, priority, user_id, conversation_token, parent_task_id,
				prompt, command, attachments, status, max_attempts, scheduled_for, output_target,
				talk_message_id, reply_to_talk_id, reply_to_content, heartbeat_silent, scheduled_job_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id;
		`,
			in.SourceType, in.Queue, in.Priority, in.UserID, nullableString(in.ConversationToken), in.ParentTaskID,
			nullableString(in.Prompt), nullableString(in.Command), string(attachmentsJSON), TaskStatusPending,
			in.MaxAttempts, in.ScheduledFor, nullableString(string(in.OutputTarget)),
			nullableString(in.TalkMessageID), nullableString(in.ReplyToTalkID), nullableString(in.ReplyToContent),
			in.HeartbeatSilent, in.ScheduledJobID,
		)
		return row.Scan(&id)
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return s.GetTask(ctx, id)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

const taskSelectColumns = `SELECT
	id, source_type, queue, priority, user_id, conversation_token, parent_task_id,
	prompt, command, attachments, status,
	created_at, updated_at, locked_at, started_at, completed_at, confirmed_at, scheduled_for,
	locked_by, worker_pid, attempt_count, max_attempts, cancel_requested,
	result, actions_taken, error, confirmation_prompt, output_target,
	talk_message_id, talk_response_id, reply_to_talk_id, reply_to_content,
	heartbeat_silent, scheduled_job_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var conversationToken, prompt, command, attachments sql.NullString
	var lockedAt, startedAt, completedAt, confirmedAt, scheduledFor sql.NullTime
	var lockedBy, result, actionsTaken, errText, confirmationPrompt, outputTarget sql.NullString
	var talkMessageID, talkResponseID, replyToTalkID, replyToContent sql.NullString
	var parentTaskID, scheduledJobID sql.NullInt64
	var workerPID sql.NullInt64

	if err := row.Scan(
		&t.ID, &t.SourceType, &t.Queue, &t.Priority, &t.UserID, &conversationToken, &parentTaskID,
		&prompt, &command, &attachments, &t.Status,
		&t.CreatedAt, &t.UpdatedAt, &lockedAt, &startedAt, &completedAt, &confirmedAt, &scheduledFor,
		&lockedBy, &workerPID, &t.AttemptCount, &t.MaxAttempts, &t.CancelRequested,
		&result, &actionsTaken, &errText, &confirmationPrompt, &outputTarget,
		&talkMessageID, &talkResponseID, &replyToTalkID, &replyToContent,
		&t.HeartbeatSilent, &scheduledJobID,
	); err != nil {
		return nil, err
	}

	t.ConversationToken = conversationToken.String
	t.Prompt = prompt.String
	t.Command = command.String
	t.LockedBy = lockedBy.String
	t.Result = result.String
	t.ActionsTaken = actionsTaken.String
	t.Error = errText.String
	t.ConfirmationPrompt = confirmationPrompt.String
	t.OutputTarget = OutputTarget(outputTarget.String)
	t.TalkMessageID = talkMessageID.String
	t.TalkResponseID = talkResponseID.String
	t.ReplyToTalkID = replyToTalkID.String
	t.ReplyToContent = replyToContent.String

	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &t.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	if parentTaskID.Valid {
		v := parentTaskID.Int64
		t.ParentTaskID = &v
	}
	if scheduledJobID.Valid {
		v := scheduledJobID.Int64
		t.ScheduledJobID = &v
	}
	if workerPID.Valid {
		t.WorkerPID = int(workerPID.Int64)
	}
	if lockedAt.Valid {
		v := lockedAt.Time
		t.LockedAt = &v
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if confirmedAt.Valid {
		v := confirmedAt.Time
		t.ConfirmedAt = &v
	}
	if scheduledFor.Valid {
		v := scheduledFor.Time
		t.ScheduledFor = &v
	}
	return &t, nil
}

// TaskFilter narrows ListTasks; zero values mean "don't filter".
type TaskFilter struct {
	UserID string
	Queue  Queue
	Status TaskStatus
	Limit  int
}

// ListTasks returns tasks matching filter, most recently created first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := taskSelectColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Queue != "" {
		query += ` AND queue = ?`
		args = append(args, filter.Queue)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: scan: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListUsersWithPending returns the distinct user ids that currently have
// at least one pending task in the given queue, used by the Worker Pool
// to decide which users compete for a slot.
func (s *Store) ListUsersWithPending(ctx context.Context, queue Queue) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM tasks
		WHERE queue = ? AND status = ? AND (scheduled_for IS NULL OR scheduled_for <= CURRENT_TIMESTAMP);
	`, queue, TaskStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list users with pending: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("list users with pending: scan: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CountPending returns the number of pending, eligible tasks in the
// given queue, used by the Worker Pool to report queue depth.
func (s *Store) CountPending(ctx context.Context, queue Queue) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE queue = ? AND status = ? AND (scheduled_for IS NULL OR scheduled_for <= CURRENT_TIMESTAMP);
	`, queue, TaskStatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// ClaimTask implements the Claim Protocol: first reclaims stale locked/
// running rows whose worker has not renewed its lease within
// leaseDuration (treating them as abandoned), then atomically claims the
// single highest-priority, oldest, eligible pending task for this queue,
// optionally restricted to a specific user (the Worker Pool's per-user
// fairness pass). Returns ErrNotFound if nothing is eligible.
func (s *Store) ClaimTask(ctx context.Context, queue Queue, userID string, workerID string, workerPID int, leaseDuration time.Duration) (*Task, error) {
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}

	var task *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, locked_by = NULL, worker_pid = NULL, locked_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE status IN (?, ?) AND locked_at IS NOT NULL
				AND locked_at <= datetime(CURRENT_TIMESTAMP, ?);
		`, TaskStatusPending, TaskStatusLocked, TaskStatusRunning, fmt.Sprintf("-%d seconds", int(leaseDuration.Seconds()))); err != nil {
			return fmt.Errorf("reclaim stale leases: %w", err)
		}

		query := `SELECT id FROM tasks WHERE queue = ? AND status = ? AND cancel_requested = 0
			AND (scheduled_for IS NULL OR scheduled_for <= CURRENT_TIMESTAMP)`
		args := []any{queue, TaskStatusPending}
		if userID != "" {
			query += ` AND user_id = ?`
			args = append(args, userID)
		}
		query += ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1;`

		var id int64
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select claimable task: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, locked_by = ?, worker_pid = ?, locked_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, TaskStatusLocked, workerID, workerPID, id, TaskStatusPending)
		if err != nil {
			return fmt.Errorf("lock task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			// Another worker claimed it between the select and the update.
			return ErrNotFound
		}

		row := tx.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?;`, id)
		task, err = scanTask(row)
		if err != nil {
			return fmt.Errorf("reload claimed task: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

// StartTaskRun transitions a locked task to running once the Executor has
// actually spawned the agent subprocess, verifying the caller still holds
// the lease.
func (s *Store) StartTaskRun(ctx context.Context, id int64, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ? AND locked_by = ?;
	`, TaskStatusRunning, id, TaskStatusLocked, workerID)
	if err != nil {
		return fmt.Errorf("start task run %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("start task run %d: %w", id, ErrLeaseOwnerMismatch)
	}
	return nil
}

// CompleteTask marks a running task completed, write-once.
func (s *Store) CompleteTask(ctx context.Context, id int64, result, actionsTakenJSON string) error {
	return s.finishTask(ctx, id, TaskStatusCompleted, result, actionsTakenJSON, "")
}

// FailTask marks a running task permanently failed (attempts exhausted or
// a non-retryable error), write-once.
func (s *Store) FailTask(ctx context.Context, id int64, errMsg string) error {
	return s.finishTask(ctx, id, TaskStatusFailed, "", "", errMsg)
}

// CancelTask marks a task cancelled. Valid from any non-terminal state.
func (s *Store) CancelTask(ctx context.Context, id int64) error {
	return s.finishTask(ctx, id, TaskStatusCancelled, "", "", "")
}

func (s *Store) finishTask(ctx context.Context, id int64, status TaskStatus, result, actionsTakenJSON, errMsg string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var current TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %d: %w", id, ErrNotFound)
			}
			return err
		}
		if current.terminal() {
			return fmt.Errorf("task %d: %w (already %s)", id, ErrTerminal, current)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, result = ?, actions_taken = ?, error = ?,
				completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, status, nullableString(result), nullableString(actionsTakenJSON), nullableString(errMsg), id); err != nil {
			return fmt.Errorf("finish task: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("finish task %d as %s: %w", id, status, err)
	}
	return nil
}

// SetPendingRetry returns a failed attempt to pending with the attempt
// counter incremented and a scheduled_for delay applied, per the
// exponential task-level backoff policy (1/4/16 minutes). It is the
// caller's responsibility to call FailTask instead once attempt_count
// reaches max_attempts.
func (s *Store) SetPendingRetry(ctx context.Context, id int64, errMsg string, delay time.Duration) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error = ?, attempt_count = attempt_count + 1,
				locked_by = NULL, worker_pid = NULL, locked_at = NULL,
				scheduled_for = datetime(CURRENT_TIMESTAMP, ?), updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status NOT IN (?, ?, ?);
		`, TaskStatusPending, nullableString(errMsg), fmt.Sprintf("+%d seconds", int(delay.Seconds())),
			id, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("task %d: %w", id, ErrTerminal)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set pending retry %d: %w", id, err)
	}
	return nil
}

// SetConfirmation moves a running task to pending_confirmation, recording
// the prompt shown to the user and arming the confirmation timeout.
func (s *Store) SetConfirmation(ctx context.Context, id int64, prompt string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, confirmation_prompt = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, TaskStatusPendingConfirmation, prompt, id, TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("set confirmation %d: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("set confirmation %d: task not running", id)
	}
	return nil
}

// ConfirmTask resumes a pending_confirmation task by returning it to
// pending so the Worker Pool re-dispatches it with the confirmation
// reply appended to context.
func (s *Store) ConfirmTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, confirmed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, TaskStatusPending, id, TaskStatusPendingConfirmation)
	if err != nil {
		return fmt.Errorf("confirm task %d: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("confirm task %d: not awaiting confirmation", id)
	}
	return nil
}

// ExpireStaleConfirmations cancels pending_confirmation tasks that have
// waited longer than timeout without a reply, part of the retention
// sweep's maintenance duties.
func (s *Store) ExpireStaleConfirmations(ctx context.Context, timeout time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = 'confirmation timed out',
			completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE status = ? AND updated_at <= datetime(CURRENT_TIMESTAMP, ?);
	`, TaskStatusCancelled, TaskStatusPendingConfirmation, fmt.Sprintf("-%d seconds", int(timeout.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("expire stale confirmations: %w", err)
	}
	return res.RowsAffected()
}

// RequestCancel flags a task for cooperative cancellation; the Executor
// polls CancelRequested at safe points and tears the subprocess down.
func (s *Store) RequestCancel(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN (?, ?, ?);
	`, id, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled)
	if err != nil {
		return fmt.Errorf("request cancel %d: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("request cancel %d: %w", id, ErrTerminal)
	}
	return nil
}

// HeartbeatLease renews a running task's lease by bumping locked_at,
// preventing the Claim Protocol's stale-lock recovery from reclaiming a
// task that is still legitimately in flight. Returns false if the caller
// no longer holds the lease.
func (s *Store) HeartbeatLease(ctx context.Context, id int64, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET locked_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND locked_by = ? AND status = ?;
	`, id, workerID, TaskStatusRunning)
	if err != nil {
		return false, fmt.Errorf("heartbeat lease %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// IsTaskCancelled reports the task's cancel_requested flag, used by the
// Executor's cooperative cancellation poll.
func (s *Store) IsTaskCancelled(ctx context.Context, id int64) (bool, error) {
	var cancelled bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM tasks WHERE id = ?;`, id).Scan(&cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("is task cancelled %d: %w", id, err)
	}
	return cancelled, nil
}

// AppendConversationMessage records a turn in a conversation token's
// history, consumed by the Prompt Builder to reconstruct recent context.
func (s *Store) AppendConversationMessage(ctx context.Context, conversationToken string, taskID *int64, source SourceType, role, content string) error {
	if conversationToken == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (conversation_token, task_id, source_type, role, content)
		VALUES (?, ?, ?, ?, ?);
	`, conversationToken, taskID, source, role, content)
	if err != nil {
		return fmt.Errorf("append conversation message: %w", err)
	}
	return nil
}

// ConversationMessage is one turn of recorded conversation history.
type ConversationMessage struct {
	ID         int64
	TaskID     *int64
	SourceType SourceType
	Role       string
	Content    string
	CreatedAt  time.Time
}

// ConversationHistory returns the most recent limit messages for a
// conversation token, oldest first, for inclusion in the prompt.
func (s *Store) ConversationHistory(ctx context.Context, conversationToken string, limit int) ([]ConversationMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, source_type, role, content, created_at FROM conversation_messages
		WHERE conversation_token = ? ORDER BY created_at DESC LIMIT ?;
	`, conversationToken, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation history: %w", err)
	}
	defer rows.Close()

	var msgs []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		var taskID sql.NullInt64
		if err := rows.Scan(&m.ID, &taskID, &m.SourceType, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("conversation history: scan: %w", err)
		}
		if taskID.Valid {
			v := taskID.Int64
			m.TaskID = &v
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// RetryDelayForAttempt implements the exponential task-level backoff
// schedule: 1, 4, then 16 minutes, capped at the last value thereafter.
func RetryDelayForAttempt(attempt int) time.Duration {
	switch {
	case attempt <= 1:
		return 1 * time.Minute
	case attempt == 2:
		return 4 * time.Minute
	default:
		return 16 * time.Minute
	}
}

var executorAPIErrorPattern = regexp.MustCompile(`^API Error: (\d{3}) (\{.*\})`)

var transientAPIStatuses = map[string]bool{
	"429": true, "500": true, "502": true, "503": true, "504": true, "529": true,
}

// ClassifyExecutorError distinguishes a transient upstream API error from
// a task-level failure. The Executor (internal/executor) already retries
// transient errors itself up to 3 times on a fixed 5-second delay before a
// task run ever fails; this classifier is the worker pool's backstop for
// an "API Error: ..." string that still reaches it after those retries are
// exhausted, in which case it is no longer transient and must consume the
// attempt budget like any other failure. It returns transient=true only
// for the subset of errors the Executor does not already absorb.
func ClassifyExecutorError(errText string) (transient bool, delay time.Duration) {
	m := executorAPIErrorPattern.FindStringSubmatch(strings.TrimSpace(errText))
	if m != nil && transientAPIStatuses[m[1]] {
		return true, 5 * time.Second
	}
	return false, 0
}
