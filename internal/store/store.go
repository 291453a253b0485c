// Package store provides the durable, transactional home for tasks,
// scheduled jobs, poller cursors, user resources, and conversation/
// long-term memory. Every mutation goes through a method on Store; callers
// never see partial writes, and SQLite contention is retried with backoff.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "istota-v1-task-orchestrator"

	// DefaultLeaseDuration bounds how long a claim is valid before the
	// Claim Protocol's stale-lock recovery reclaims it.
	DefaultLeaseDuration = 30 * time.Minute

	// DefaultMaxAttempts is the default attempt budget for a new task.
	DefaultMaxAttempts = 3

	// DefaultConfirmationTimeout is how long a pending_confirmation task
	// waits for a confirming reply before it expires to cancelled.
	DefaultConfirmationTimeout = 30 * time.Minute
)

// TaskStatus is one of the Task lifecycle states.
type TaskStatus string

const (
	TaskStatusPending             TaskStatus = "pending"
	TaskStatusLocked              TaskStatus = "locked"
	TaskStatusRunning             TaskStatus = "running"
	TaskStatusCompleted           TaskStatus = "completed"
	TaskStatusFailed              TaskStatus = "failed"
	TaskStatusPendingConfirmation TaskStatus = "pending_confirmation"
	TaskStatusCancelled           TaskStatus = "cancelled"
)

func (s TaskStatus) terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// SourceType is the origin of a task.
type SourceType string

const (
	SourceChat      SourceType = "chat"
	SourceCLI       SourceType = "cli"
	SourceScheduled SourceType = "scheduled"
	SourceSubtask   SourceType = "subtask"
	SourceBriefing  SourceType = "briefing"
	SourceEmail     SourceType = "email"
	SourceFile      SourceType = "file"
)

// Queue is one of the two execution priority classes.
type Queue string

const (
	QueueForeground Queue = "foreground"
	QueueBackground Queue = "background"
)

// OutputTarget names where a task's result is delivered.
type OutputTarget string

const (
	OutputChat     OutputTarget = "chat"
	OutputEmail    OutputTarget = "email"
	OutputPush     OutputTarget = "push"
	OutputCombined OutputTarget = "combined"
	OutputInferred OutputTarget = ""
)

var (
	// ErrInvariant is returned when a call would violate a data-model
	// invariant (exactly one of prompt/command, non-empty user, etc).
	ErrInvariant = errors.New("task invariant violation")
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTerminal is returned when a caller attempts to transition a
	// task that already reached a terminal state.
	ErrTerminal = errors.New("task is in a terminal state")
	// ErrLeaseOwnerMismatch is returned when a caller tries to act on a
	// lease it does not currently hold.
	ErrLeaseOwnerMismatch = errors.New("lease owner mismatch")
)

// Task is the central entity of the orchestrator.
type Task struct {
	ID                int64
	SourceType        SourceType
	Queue             Queue
	Priority          int
	UserID            string
	ConversationToken string
	ParentTaskID      *int64

	Prompt      string
	Command     string
	Attachments []string

	Status TaskStatus

	CreatedAt    time.Time
	UpdatedAt    time.Time
	LockedAt     *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ConfirmedAt  *time.Time
	ScheduledFor *time.Time

	LockedBy        string
	WorkerPID       int
	AttemptCount    int
	MaxAttempts     int
	CancelRequested bool

	Result             string
	ActionsTaken       string
	Error              string
	ConfirmationPrompt string

	OutputTarget OutputTarget

	TalkMessageID  string
	TalkResponseID string
	ReplyToTalkID  string
	ReplyToContent string

	HeartbeatSilent bool

	ScheduledJobID *int64
}

func (t Task) HasPrompt() bool  { return t.Prompt != "" }
func (t Task) HasCommand() bool { return t.Command != "" }

// Store wraps a SQLite connection with the orchestrator's schema and
// transactional access methods.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema. path may be ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db}
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var existing sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// fresh database, fall through to create tables
	case err != nil:
		return fmt.Errorf("read schema checksum: %w", err)
	default:
		if existing.String != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch: got %q want %q", existing.String, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_type TEXT NOT NULL,
			queue TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 5,
			user_id TEXT NOT NULL,
			conversation_token TEXT,
			parent_task_id INTEGER REFERENCES tasks(id),

			prompt TEXT,
			command TEXT,
			attachments TEXT,

			status TEXT NOT NULL,

			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			locked_at DATETIME,
			started_at DATETIME,
			completed_at DATETIME,
			confirmed_at DATETIME,
			scheduled_for DATETIME,

			locked_by TEXT,
			worker_pid INTEGER,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			cancel_requested INTEGER NOT NULL DEFAULT 0,

			result TEXT,
			actions_taken TEXT,
			error TEXT,
			confirmation_prompt TEXT,

			output_target TEXT,

			talk_message_id TEXT,
			talk_response_id TEXT,
			reply_to_talk_id TEXT,
			reply_to_content TEXT,

			heartbeat_silent INTEGER NOT NULL DEFAULT 0,

			scheduled_job_id INTEGER,

			CHECK ((prompt IS NOT NULL AND prompt != '') OR (command IS NOT NULL AND command != '')),
			CHECK (NOT ((prompt IS NOT NULL AND prompt != '') AND (command IS NOT NULL AND command != ''))),
			CHECK (user_id != '')
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (status, scheduled_for, priority DESC, created_at ASC);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_queue ON tasks (user_id, queue, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks (conversation_token, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_scheduled_job ON tasks (scheduled_job_id);`,

		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			prompt TEXT,
			command TEXT,
			conversation_token TEXT,
			output_target TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			once INTEGER NOT NULL DEFAULT 0,
			silent_unless_action INTEGER NOT NULL DEFAULT 0,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			disable_after_failures INTEGER NOT NULL DEFAULT 5,
			last_run_at DATETIME,
			last_success_at DATETIME,
			last_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, name),
			CHECK ((prompt IS NOT NULL AND prompt != '') OR (command IS NOT NULL AND command != ''))
		);`,

		`CREATE TABLE IF NOT EXISTS poller_state (
			poller_class TEXT NOT NULL,
			state_key TEXT NOT NULL,
			cursor_json TEXT NOT NULL DEFAULT '{}',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (poller_class, state_key)
		);`,

		`CREATE TABLE IF NOT EXISTS user_resources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_path TEXT NOT NULL,
			permissions TEXT NOT NULL DEFAULT 'read',
			display_name TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, resource_type, resource_path)
		);`,

		`CREATE TABLE IF NOT EXISTS user_memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			channel_token TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'sleep_cycle',
			relevance_score REAL NOT NULL DEFAULT 1.0,
			access_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_accessed DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, channel_token, key)
		);`,

		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_token TEXT NOT NULL,
			task_id INTEGER REFERENCES tasks(id),
			source_type TEXT NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('user','assistant')),
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conv_messages_token ON conversation_messages (conversation_token, created_at DESC);`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT,
			decision TEXT,
			reason TEXT,
			policy_version TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,

		`CREATE TABLE IF NOT EXISTS processed_emails (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			conversation_token TEXT NOT NULL,
			message_id TEXT NOT NULL,
			in_reply_to TEXT,
			references_header TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, message_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_processed_emails_conversation ON processed_emails (conversation_token, created_at DESC);`,

		`CREATE TABLE IF NOT EXISTS tracked_transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			status TEXT NOT NULL,
			category TEXT,
			amount_cents INTEGER,
			description TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, external_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_transactions_user ON tracked_transactions (user_id, created_at DESC);`,
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// retryOnBusy retries f while it fails with a SQLITE_BUSY/LOCKED error,
// with jittered exponential backoff, to absorb single-writer contention
// on SQLite under concurrent workers.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 25 * time.Millisecond
	const maxDelay = 250 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
