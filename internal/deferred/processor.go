// Package deferred implements the Deferred-Effects Processor (C8): after
// a task completes successfully, the scheduler hands its scratch
// directory here so side-effect files the sandboxed agent could not
// apply directly (no database write access) are applied on its behalf.
// Grounded on spec.md §4.8/§6's deterministic task_{id}_* filenames and
// on internal/executor's ScratchRoot/task_<id> working directory layout.
package deferred

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/stefankubicki/istota/internal/store"
)

// Processor applies deferred-effects files left in a task's scratch
// directory and deletes them once handled.
type Processor struct {
	store        *store.Store
	adminUserIDs map[string]bool
	logger       *slog.Logger
}

func New(st *store.Store, adminUserIDs map[string]bool, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: st, adminUserIDs: adminUserIDs, logger: logger}
}

type subtaskSpec struct {
	Prompt            string `json:"prompt"`
	ConversationToken string `json:"conversation_token,omitempty"`
	Priority          int    `json:"priority,omitempty"`
}

type trackedTransactionsFile struct {
	Synced        []transactionEntry `json:"synced"`
	Imported      []transactionEntry `json:"imported"`
	Recategorized []transactionEntry `json:"recategorized"`
}

type transactionEntry struct {
	ExternalID  string `json:"external_id"`
	Category    string `json:"category,omitempty"`
	AmountCents int64  `json:"amount_cents,omitempty"`
	Description string `json:"description,omitempty"`
}

// Process scans workDir for the deterministic side-effect filenames
// named after task, applies each recognized one, and deletes every file
// found regardless of outcome: a file left behind would be re-applied
// next time a task happened to reuse the same scratch directory,
// breaking the idempotence a deferred effect is supposed to have.
func (p *Processor) Process(ctx context.Context, task store.Task, workDir string) error {
	entries, err := os.ReadDir(workDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read scratch dir %s: %w", workDir, err)
	}

	subtasksName := fmt.Sprintf("task_%d_subtasks.json", task.ID)
	transactionsName := fmt.Sprintf("task_%d_tracked_transactions.json", task.ID)
	resultName := fmt.Sprintf("task_%d_result.txt", task.ID)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(workDir, name)

		switch name {
		case subtasksName:
			if err := p.applySubtasks(ctx, task, path); err != nil {
				p.logger.Error("apply subtasks file failed", "task_id", task.ID, "error", err)
			}
			p.remove(path)
		case transactionsName:
			if err := p.applyTrackedTransactions(ctx, task, path); err != nil {
				p.logger.Error("apply tracked transactions file failed", "task_id", task.ID, "error", err)
			}
			p.remove(path)
		case resultName:
			// Already consumed by the Executor's result resolution; leave
			// deletion to the generic sweep below so a result file found
			// without a matching task (e.g. a stale re-run) is still
			// cleaned up.
			p.remove(path)
		default:
			p.logger.Warn("deleting unrecognized deferred-effects file", "task_id", task.ID, "name", name)
			p.remove(path)
		}
	}

	return nil
}

func (p *Processor) applySubtasks(ctx context.Context, task store.Task, path string) error {
	if !p.adminUserIDs[task.UserID] {
		p.logger.Warn("ignoring subtasks file from non-admin user", "task_id", task.ID, "user_id", task.UserID)
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read subtasks file: %w", err)
	}
	if _, err := validateAgainst(subtasksSchema, raw); err != nil {
		return fmt.Errorf("validate subtasks file: %w", err)
	}
	var specs []subtaskSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return fmt.Errorf("decode subtasks file: %w", err)
	}

	for _, sp := range specs {
		if sp.Prompt == "" {
			continue
		}
		conversationToken := sp.ConversationToken
		if conversationToken == "" {
			conversationToken = task.ConversationToken
		}
		created, err := p.store.CreateTask(ctx, store.NewTask{
			SourceType:        store.SourceSubtask,
			Queue:             task.Queue,
			Priority:          sp.Priority,
			UserID:            task.UserID,
			ConversationToken: conversationToken,
			ParentTaskID:      &task.ID,
			Prompt:            sp.Prompt,
		})
		if err != nil {
			return fmt.Errorf("create subtask: %w", err)
		}
		p.logger.Info("created subtask", "parent_task_id", task.ID, "subtask_id", created.ID)
	}
	return nil
}

func (p *Processor) applyTrackedTransactions(ctx context.Context, task store.Task, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tracked transactions file: %w", err)
	}
	if _, err := validateAgainst(trackedTransactionsSchema, raw); err != nil {
		return fmt.Errorf("validate tracked transactions file: %w", err)
	}
	var file trackedTransactionsFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode tracked transactions file: %w", err)
	}

	batch := make([]store.TrackedTransaction, 0, len(file.Synced)+len(file.Imported)+len(file.Recategorized))
	batch = appendTransactions(batch, file.Synced, store.TransactionSynced)
	batch = appendTransactions(batch, file.Imported, store.TransactionImported)
	batch = appendTransactions(batch, file.Recategorized, store.TransactionRecategorized)

	if err := p.store.ApplyTrackedTransactions(ctx, task.UserID, batch); err != nil {
		return fmt.Errorf("apply tracked transactions batch: %w", err)
	}
	p.logger.Info("applied tracked transactions", "task_id", task.ID, "count", len(batch))
	return nil
}

func appendTransactions(batch []store.TrackedTransaction, entries []transactionEntry, status store.TransactionStatus) []store.TrackedTransaction {
	for _, e := range entries {
		if e.ExternalID == "" {
			continue
		}
		batch = append(batch, store.TrackedTransaction{
			ExternalID:  e.ExternalID,
			Status:      status,
			Category:    e.Category,
			AmountCents: e.AmountCents,
			Description: e.Description,
		})
	}
	return batch
}

func (p *Processor) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("failed to delete deferred-effects file", "path", path, "error", err)
	}
}
