package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	st, err := Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateTaskInvariants(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	t.Run("rejects missing user", func(t *testing.T) {
		_, err := st.CreateTask(ctx, NewTask{Prompt: "do a thing"})
		if !errors.Is(err, ErrInvariant) {
			t.Fatalf("expected ErrInvariant, got %v", err)
		}
	})

	t.Run("rejects neither prompt nor command", func(t *testing.T) {
		_, err := st.CreateTask(ctx, NewTask{UserID: "u1"})
		if !errors.Is(err, ErrInvariant) {
			t.Fatalf("expected ErrInvariant, got %v", err)
		}
	})

	t.Run("rejects both prompt and command", func(t *testing.T) {
		_, err := st.CreateTask(ctx, NewTask{UserID: "u1", Prompt: "p", Command: "c"})
		if !errors.Is(err, ErrInvariant) {
			t.Fatalf("expected ErrInvariant, got %v", err)
		}
	})

	t.Run("accepts a valid prompt task", func(t *testing.T) {
		task, err := st.CreateTask(ctx, NewTask{UserID: "u1", SourceType: SourceChat, Prompt: "hello"})
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if task.Status != TaskStatusPending {
			t.Errorf("expected pending status, got %s", task.Status)
		}
		if task.MaxAttempts != DefaultMaxAttempts {
			t.Errorf("expected default max attempts, got %d", task.MaxAttempts)
		}
		if task.Queue != QueueBackground {
			t.Errorf("expected default background queue, got %s", task.Queue)
		}
	})
}

func TestClaimTaskProtocol(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	low, err := st.CreateTask(ctx, NewTask{UserID: "u1", SourceType: SourceChat, Prompt: "low priority", Priority: 1})
	if err != nil {
		t.Fatalf("create low: %v", err)
	}
	high, err := st.CreateTask(ctx, NewTask{UserID: "u1", SourceType: SourceChat, Prompt: "high priority", Priority: 9})
	if err != nil {
		t.Fatalf("create high: %v", err)
	}

	claimed, err := st.ClaimTask(ctx, QueueBackground, "", "worker-1", 100, time.Minute)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if claimed.ID != high.ID {
		t.Errorf("expected higher priority task %d claimed first, got %d", high.ID, claimed.ID)
	}
	if claimed.Status != TaskStatusLocked {
		t.Errorf("expected locked status, got %s", claimed.Status)
	}
	if claimed.LockedBy != "worker-1" {
		t.Errorf("expected locked_by worker-1, got %q", claimed.LockedBy)
	}

	claimed2, err := st.ClaimTask(ctx, QueueBackground, "", "worker-2", 101, time.Minute)
	if err != nil {
		t.Fatalf("ClaimTask second: %v", err)
	}
	if claimed2.ID != low.ID {
		t.Errorf("expected remaining task %d claimed, got %d", low.ID, claimed2.ID)
	}

	_, err = st.ClaimTask(ctx, QueueBackground, "", "worker-3", 102, time.Minute)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound when queue is drained, got %v", err)
	}
}

func TestClaimTaskReclaimsStaleLease(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, NewTask{UserID: "u1", SourceType: SourceChat, Prompt: "stale candidate"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := st.ClaimTask(ctx, QueueBackground, "", "worker-dead", 1, -time.Minute); err != nil {
		t.Fatalf("initial claim: %v", err)
	}

	reclaimed, err := st.ClaimTask(ctx, QueueBackground, "", "worker-alive", 2, time.Minute)
	if err != nil {
		t.Fatalf("expected stale lease to be reclaimed, got %v", err)
	}
	if reclaimed.ID != task.ID {
		t.Errorf("expected reclaimed task %d, got %d", task.ID, reclaimed.ID)
	}
	if reclaimed.LockedBy != "worker-alive" {
		t.Errorf("expected new lease owner worker-alive, got %q", reclaimed.LockedBy)
	}
}

func TestTaskLifecycleTransitions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, NewTask{UserID: "u1", SourceType: SourceChat, Prompt: "do work"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	claimed, err := st.ClaimTask(ctx, QueueBackground, "", "worker-1", 1, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.StartTaskRun(ctx, claimed.ID, "worker-1"); err != nil {
		t.Fatalf("start task run: %v", err)
	}
	if err := st.CompleteTask(ctx, claimed.ID, "done", `[]`); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	final, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.Status != TaskStatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}
	if final.Result != "done" {
		t.Errorf("expected result 'done', got %q", final.Result)
	}

	if err := st.CompleteTask(ctx, task.ID, "again", `[]`); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal on double-complete, got %v", err)
	}
}

func TestStartTaskRunRejectsWrongLeaseOwner(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, err := st.CreateTask(ctx, NewTask{UserID: "u1", SourceType: SourceChat, Prompt: "do work"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	claimed, err := st.ClaimTask(ctx, QueueBackground, "", "worker-1", 1, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	err = st.StartTaskRun(ctx, claimed.ID, "worker-2")
	if !errors.Is(err, ErrLeaseOwnerMismatch) {
		t.Fatalf("expected ErrLeaseOwnerMismatch, got %v", err)
	}
}

func TestSetPendingRetryIncrementsAttempt(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, NewTask{UserID: "u1", SourceType: SourceChat, Prompt: "retry me"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	claimed, err := st.ClaimTask(ctx, QueueBackground, "", "worker-1", 1, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.StartTaskRun(ctx, claimed.ID, "worker-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := st.SetPendingRetry(ctx, claimed.ID, "boom", RetryDelayForAttempt(1)); err != nil {
		t.Fatalf("set pending retry: %v", err)
	}

	after, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if after.Status != TaskStatusPending {
		t.Errorf("expected pending, got %s", after.Status)
	}
	if after.AttemptCount != 1 {
		t.Errorf("expected attempt_count 1, got %d", after.AttemptCount)
	}
	if after.ScheduledFor == nil || !after.ScheduledFor.After(time.Now().UTC()) {
		t.Errorf("expected scheduled_for in the future, got %v", after.ScheduledFor)
	}
}

func TestConfirmationFlow(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, NewTask{UserID: "u1", SourceType: SourceChat, Prompt: "delete the repo"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	claimed, err := st.ClaimTask(ctx, QueueBackground, "", "worker-1", 1, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.StartTaskRun(ctx, claimed.ID, "worker-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := st.SetConfirmation(ctx, claimed.ID, "Are you sure you want to delete the repo?"); err != nil {
		t.Fatalf("set confirmation: %v", err)
	}

	awaiting, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if awaiting.Status != TaskStatusPendingConfirmation {
		t.Errorf("expected pending_confirmation, got %s", awaiting.Status)
	}

	if err := st.ConfirmTask(ctx, claimed.ID); err != nil {
		t.Fatalf("confirm task: %v", err)
	}
	resumed, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if resumed.Status != TaskStatusPending {
		t.Errorf("expected pending after confirmation, got %s", resumed.Status)
	}
	if resumed.ConfirmedAt == nil {
		t.Errorf("expected confirmed_at to be set")
	}
}

func TestCancelRequestedIsCooperative(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, NewTask{UserID: "u1", SourceType: SourceChat, Prompt: "long running"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := st.RequestCancel(ctx, task.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	cancelled, err := st.IsTaskCancelled(ctx, task.ID)
	if err != nil {
		t.Fatalf("is task cancelled: %v", err)
	}
	if !cancelled {
		t.Errorf("expected cancel_requested to be true")
	}

	// A cooperative cancel does not itself end the task; the Executor observes
	// the flag and calls CancelTask when it reaches a safe point.
	still, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if still.Status != TaskStatusPending {
		t.Errorf("expected status unchanged by RequestCancel, got %s", still.Status)
	}

	if err := st.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	final, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.Status != TaskStatusCancelled {
		t.Errorf("expected cancelled, got %s", final.Status)
	}
}

func TestConversationHistoryOrdersOldestFirst(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	token := "telegram:123"
	if err := st.AppendConversationMessage(ctx, token, nil, SourceChat, "user", "first"); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := st.AppendConversationMessage(ctx, token, nil, SourceChat, "assistant", "second"); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if err := st.AppendConversationMessage(ctx, token, nil, SourceChat, "user", "third"); err != nil {
		t.Fatalf("append 3: %v", err)
	}

	history, err := st.ConversationHistory(ctx, token, 10)
	if err != nil {
		t.Fatalf("conversation history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	if history[0].Content != "first" || history[2].Content != "third" {
		t.Errorf("expected oldest-first ordering, got %v", history)
	}
}

func TestClassifyExecutorError(t *testing.T) {
	cases := []struct {
		text      string
		transient bool
	}{
		{"API Error: 429 {\"type\":\"rate_limit_error\"}", true},
		{"API Error: 503 {\"type\":\"overloaded_error\"}", true},
		{"panic: runtime error: nil pointer dereference", false},
		{"", false},
	}
	for _, c := range cases {
		transient, _ := ClassifyExecutorError(c.text)
		if transient != c.transient {
			t.Errorf("ClassifyExecutorError(%q) transient = %v, want %v", c.text, transient, c.transient)
		}
	}
}
