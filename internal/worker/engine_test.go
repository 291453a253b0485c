package worker_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stefankubicki/istota/internal/store"
	"github.com/stefankubicki/istota/internal/worker"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func waitForStatus(t *testing.T, st *store.Store, id int64, want store.TaskStatus, timeout time.Duration) *store.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(context.Background(), id)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := st.GetTask(context.Background(), id)
	t.Fatalf("timed out waiting for task %d status %s, got %#v", id, want, task)
	return nil
}

type countingProcessor struct {
	sleep       time.Duration
	active      atomic.Int32
	maxObserved atomic.Int32
}

func (p *countingProcessor) Process(ctx context.Context, task store.Task) (string, string, error) {
	cur := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		prev := p.maxObserved.Load()
		if cur <= prev || p.maxObserved.CompareAndSwap(prev, cur) {
			break
		}
	}
	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case <-time.After(p.sleep):
		return "ok", "[]", nil
	}
}

func TestPoolRespectsPerUserForegroundCap(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if _, err := st.CreateTask(ctx, store.NewTask{
			SourceType: store.SourceChat,
			Queue:      store.QueueForeground,
			UserID:     "alice",
			Prompt:     "hi",
		}); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}

	proc := &countingProcessor{sleep: 50 * time.Millisecond}
	pool := worker.New(st, proc, worker.Config{
		MaxForegroundWorkers:     5,
		DefaultUserForegroundCap: 2,
		WorkerIdleTimeout:        200 * time.Millisecond,
	}, nil)

	runCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	for i := 0; i < 10 && proc.active.Load() < 2; i++ {
		pool.Tick(runCtx)
		time.Sleep(20 * time.Millisecond)
	}
	if got := proc.maxObserved.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrent tasks for one user's foreground cap, observed %d", got)
	}
	pool.Shutdown()
}

type failingProcessor struct{ err string }

func (p failingProcessor) Process(ctx context.Context, task store.Task) (string, string, error) {
	return "", "", errFake(p.err)
}

type errFake string

func (e errFake) Error() string { return string(e) }

func TestPoolExhaustsAttemptsBeforeFailingTask(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, store.NewTask{
		SourceType:  store.SourceChat,
		Queue:       store.QueueBackground,
		UserID:      "bob",
		Prompt:      "hi",
		MaxAttempts: 2,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	pool := worker.New(st, failingProcessor{err: "boom"}, worker.Config{
		MaxBackgroundWorkers:     1,
		DefaultUserBackgroundCap: 1,
		WorkerIdleTimeout:        100 * time.Millisecond,
	}, nil)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		pool.Tick(runCtx)
		time.Sleep(150 * time.Millisecond)
		_ = st.ExpireStaleConfirmations(runCtx, 0)
	}
	pool.Tick(runCtx)
	time.Sleep(150 * time.Millisecond)
	pool.Shutdown()

	got := waitForStatus(t, st, task.ID, store.TaskStatusFailed, 2*time.Second)
	if got.AttemptCount < 2 {
		t.Fatalf("expected attempt_count to reach max_attempts before failing, got %d", got.AttemptCount)
	}
}

func TestPoolClassifiesTransientErrorWithoutConsumingAttempts(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, store.NewTask{
		SourceType:  store.SourceChat,
		Queue:       store.QueueBackground,
		UserID:      "carol",
		Prompt:      "hi",
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	pool := worker.New(st, failingProcessor{err: "API Error: 529 {\"type\":\"overloaded_error\"}"}, worker.Config{
		MaxBackgroundWorkers:     1,
		DefaultUserBackgroundCap: 1,
		WorkerIdleTimeout:        100 * time.Millisecond,
	}, nil)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	pool.Tick(runCtx)
	time.Sleep(150 * time.Millisecond)
	pool.Shutdown()

	reloaded, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if reloaded.AttemptCount != 0 {
		t.Fatalf("expected transient error not to consume attempt budget, got attempt_count=%d", reloaded.AttemptCount)
	}
	if reloaded.Status != store.TaskStatusPending {
		t.Fatalf("expected task returned to pending for fixed-delay retry, got %s", reloaded.Status)
	}
}
