package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ScheduledJob is a cron-driven recurring (or one-shot) task template
// owned by a single user (the GLOSSARY's ScheduledJob entity).
type ScheduledJob struct {
	ID                int64
	UserID            string
	Name              string
	CronExpression    string
	Timezone          string
	Prompt            string
	Command           string
	ConversationToken string
	OutputTarget      OutputTarget
	Enabled           bool
	Once              bool
	SilentUnlessAction bool

	ConsecutiveFailures  int
	DisableAfterFailures int

	LastRunAt     *time.Time
	LastSuccessAt *time.Time
	LastError     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewScheduledJob carries the fields supplied when registering a job.
type NewScheduledJob struct {
	UserID               string
	Name                 string
	CronExpression       string
	Timezone             string
	Prompt               string
	Command              string
	ConversationToken    string
	OutputTarget         OutputTarget
	Once                 bool
	SilentUnlessAction   bool
	DisableAfterFailures int
}

// CreateScheduledJob registers a new cron job for a user.
func (s *Store) CreateScheduledJob(ctx context.Context, in NewScheduledJob) (*ScheduledJob, error) {
	if in.UserID == "" || in.Name == "" || in.CronExpression == "" {
		return nil, fmt.Errorf("create scheduled job: %w: user_id, name and cron_expression are required", ErrInvariant)
	}
	if (in.Prompt == "") == (in.Command == "") {
		return nil, fmt.Errorf("create scheduled job: %w: exactly one of prompt or command is required", ErrInvariant)
	}
	if in.Timezone == "" {
		in.Timezone = "UTC"
	}
	if in.DisableAfterFailures == 0 {
		in.DisableAfterFailures = 5
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO scheduled_jobs (
			user_id, name, cron_expression, timezone, prompt, command,
			conversation_token, output_target, once, silent_unless_action, disable_after_failures
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id;
	`, in.UserID, in.Name, in.CronExpression, in.Timezone, nullableString(in.Prompt), nullableString(in.Command),
		nullableString(in.ConversationToken), nullableString(string(in.OutputTarget)), in.Once, in.SilentUnlessAction, in.DisableAfterFailures,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("create scheduled job: %w", err)
	}
	return s.GetScheduledJob(ctx, id)
}

const scheduledJobSelectColumns = `SELECT
	id, user_id, name, cron_expression, timezone, prompt, command, conversation_token, output_target,
	enabled, once, silent_unless_action, consecutive_failures, disable_after_failures, last_run_at, last_success_at, last_error,
	created_at, updated_at`

func scanScheduledJob(row rowScanner) (*ScheduledJob, error) {
	var j ScheduledJob
	var prompt, command, conversationToken, outputTarget, lastError sql.NullString
	var lastRunAt, lastSuccessAt sql.NullTime

	if err := row.Scan(
		&j.ID, &j.UserID, &j.Name, &j.CronExpression, &j.Timezone, &prompt, &command, &conversationToken, &outputTarget,
		&j.Enabled, &j.Once, &j.SilentUnlessAction, &j.ConsecutiveFailures, &j.DisableAfterFailures, &lastRunAt, &lastSuccessAt, &lastError,
		&j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	j.Prompt = prompt.String
	j.Command = command.String
	j.ConversationToken = conversationToken.String
	j.OutputTarget = OutputTarget(outputTarget.String)
	j.LastError = lastError.String
	if lastRunAt.Valid {
		v := lastRunAt.Time
		j.LastRunAt = &v
	}
	if lastSuccessAt.Valid {
		v := lastSuccessAt.Time
		j.LastSuccessAt = &v
	}
	return &j, nil
}

// GetScheduledJob fetches a single job by id.
func (s *Store) GetScheduledJob(ctx context.Context, id int64) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, scheduledJobSelectColumns+` FROM scheduled_jobs WHERE id = ?;`, id)
	j, err := scanScheduledJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get scheduled job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled job %d: %w", id, err)
	}
	return j, nil
}

// ListScheduledJobs returns jobs, optionally restricted to only enabled
// ones, for the Scheduled-job poller's cron evaluation sweep.
func (s *Store) ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error) {
	query := scheduledJobSelectColumns + ` FROM scheduled_jobs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id ASC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		j, err := scanScheduledJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list scheduled jobs: scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkScheduledJobDispatched records that a job fired at ranAt, without
// touching its success/failure bookkeeping; RecordScheduledJobSuccess or
// RecordScheduledJobFailure is called later once the spawned task
// reaches a terminal state.
func (s *Store) MarkScheduledJobDispatched(ctx context.Context, id int64, ranAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET last_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, ranAt, id)
	if err != nil {
		return fmt.Errorf("mark scheduled job dispatched %d: %w", id, err)
	}
	return nil
}

// RecordScheduledJobSuccess updates run bookkeeping after a job's spawned
// task completes successfully, resetting the consecutive failure counter.
func (s *Store) RecordScheduledJobSuccess(ctx context.Context, id int64, ranAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET last_run_at = ?, last_success_at = ?, last_error = NULL,
			consecutive_failures = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, ranAt, ranAt, id)
	if err != nil {
		return fmt.Errorf("record scheduled job success %d: %w", id, err)
	}
	return nil
}

// RecordScheduledJobFailure updates run bookkeeping after a job's spawned
// task fails, incrementing the consecutive failure counter and disabling
// the job once it crosses disable_after_failures.
func (s *Store) RecordScheduledJobFailure(ctx context.Context, id int64, ranAt time.Time, errMsg string) error {
	job, err := s.GetScheduledJob(ctx, id)
	if err != nil {
		return err
	}
	failures := job.ConsecutiveFailures + 1
	disable := failures >= job.DisableAfterFailures

	_, err = s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET last_run_at = ?, last_error = ?, consecutive_failures = ?,
			enabled = CASE WHEN ? THEN 0 ELSE enabled END, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, ranAt, errMsg, failures, disable, id)
	if err != nil {
		return fmt.Errorf("record scheduled job failure %d: %w", id, err)
	}
	return nil
}

// DisableScheduledJob turns a job off without deleting it.
func (s *Store) DisableScheduledJob(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs SET enabled = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("disable scheduled job %d: %w", id, err)
	}
	return nil
}

// DeleteScheduledJob removes a job definition, used when a once-only job
// has fired or a user explicitly deletes a recurring job.
func (s *Store) DeleteScheduledJob(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled job %d: %w", id, err)
	}
	return nil
}
